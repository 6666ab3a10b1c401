package web

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"pingcron/internal/config"
)

const (
	apiKeyHeader = "X-API-Key"
	apiKeyQuery  = "api_key"
	userKey      = "pingcron.user"
)

// User is an API caller resolved from its key.
type User struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Plan   string `json:"plan"`
	APIKey string `json:"api_key"`
}

// UserDirectory resolves API keys to the statically configured users.
type UserDirectory struct {
	users []User
}

func NewUserDirectory(users []config.UserConfig) *UserDirectory {
	d := &UserDirectory{}
	for _, u := range users {
		if u.APIKey == "" {
			logrus.WithField("user_id", u.ID).Warn("Skipping user without api_key")
			continue
		}
		d.users = append(d.users, User{ID: u.ID, Email: u.Email, Name: u.Name, Plan: u.Plan, APIKey: u.APIKey})
	}
	return d
}

// Lookup compares every key in constant time.
func (d *UserDirectory) Lookup(apiKey string) (User, bool) {
	if apiKey == "" {
		return User{}, false
	}
	var (
		found User
		ok    bool
	)
	for _, u := range d.users {
		if subtle.ConstantTimeCompare([]byte(u.APIKey), []byte(apiKey)) == 1 {
			found, ok = u, true
		}
	}
	return found, ok
}

func (d *UserDirectory) Len() int {
	return len(d.users)
}

func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := s.users.Lookup(c.GetHeader(apiKeyHeader))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) User {
	return c.MustGet(userKey).(User)
}

func (s *Server) getMe(c *gin.Context) {
	c.JSON(http.StatusOK, currentUser(c))
}

// POST /api/auth/sync - users are provisioned in config, so this only
// confirms the key.
func (s *Server) syncAuth(c *gin.Context) {
	c.JSON(http.StatusOK, currentUser(c))
}
