package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"pingcron/internal/database"
	"pingcron/internal/monitoring"
	"pingcron/internal/schedule"
)

var errMalformedBody = errors.New("malformed request body")

// respondError maps domain errors onto status codes. Unexpected errors are
// logged and hidden behind a generic message.
func respondError(c *gin.Context, err error) {
	var (
		schedErr   *schedule.InvalidScheduleError
		channelErr *database.ChannelConfigError
	)
	switch {
	case errors.As(err, &schedErr),
		errors.As(err, &channelErr),
		errors.Is(err, monitoring.ErrGraceTooShort),
		errors.Is(err, monitoring.ErrInvalidTransition):
		badRequest(c, err.Error())
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, database.ErrSlugTaken):
		c.JSON(http.StatusConflict, gin.H{"error": database.ErrSlugTaken.Error()})
	default:
		logrus.WithError(err).WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
