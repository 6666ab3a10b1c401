package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"pingcron/internal/database"
)

type statusPageRequest struct {
	Slug     *string  `json:"slug" binding:"slug"`
	Title    *string  `json:"title" binding:"nonempty"`
	Monitors []string `json:"monitors"`
	IsPublic *bool    `json:"is_public"`
}

type createStatusPageRequest struct {
	Slug     *string  `json:"slug" binding:"required,slug"`
	Title    *string  `json:"title" binding:"required,nonempty"`
	Monitors []string `json:"monitors"`
	IsPublic *bool    `json:"is_public"`
}

type publicMonitor struct {
	Name       string                 `json:"name"`
	Status     database.MonitorStatus `json:"status"`
	UptimePct  float64                `json:"uptime_pct"`
	LastPingAt *time.Time             `json:"last_ping_at"`
}

type publicStatusPage struct {
	Title    string          `json:"title"`
	Monitors []publicMonitor `json:"monitors"`
}

func (s *Server) ownedStatusPage(ctx context.Context, ownerID, id string) (*database.StatusPage, error) {
	page, err := s.store.GetStatusPage(ctx, id)
	if err != nil {
		return nil, err
	}
	if page.OwnerID != ownerID {
		return nil, database.ErrNotFound
	}
	return page, nil
}

// checkMonitors reports the first id that the caller does not own.
func (s *Server) checkMonitors(ctx context.Context, ownerID string, ids []string) (string, error) {
	for _, id := range ids {
		if _, err := s.engine.Monitor(ctx, ownerID, id); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return id, nil
			}
			return "", err
		}
	}
	return "", nil
}

// applyStatusPage copies a bound request onto page. It returns a client-facing
// message when the request names a monitor the caller does not own.
func (s *Server) applyStatusPage(ctx context.Context, ownerID string, req *statusPageRequest, page *database.StatusPage) (string, error) {
	if req.Slug != nil {
		page.Slug = *req.Slug
	}
	if req.Title != nil {
		page.Title = *req.Title
	}
	if req.Monitors != nil {
		bad, err := s.checkMonitors(ctx, ownerID, req.Monitors)
		if err != nil {
			return "", err
		}
		if bad != "" {
			return "unknown monitor " + bad, nil
		}
		page.MonitorIDs = req.Monitors
	}
	if req.IsPublic != nil {
		page.IsPublic = *req.IsPublic
	}
	return "", nil
}

func (s *Server) getStatusPages(c *gin.Context) {
	pages, err := s.store.GetStatusPages(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	if pages == nil {
		pages = []database.StatusPage{}
	}
	c.JSON(http.StatusOK, pages)
}

func (s *Server) getStatusPage(c *gin.Context) {
	page, err := s.ownedStatusPage(c.Request.Context(), currentUser(c).ID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) createStatusPage(c *gin.Context) {
	var req createStatusPageRequest
	if !bindJSON(c, &req) {
		return
	}
	fields := statusPageRequest(req)

	ctx := c.Request.Context()
	user := currentUser(c)
	page := &database.StatusPage{
		OwnerID:    user.ID,
		MonitorIDs: []string{},
		IsPublic:   true,
		CreatedAt:  s.engine.Clock().Now().UTC(),
	}
	msg, err := s.applyStatusPage(ctx, user.ID, &fields, page)
	if err != nil {
		respondError(c, err)
		return
	}
	if msg != "" {
		badRequest(c, msg)
		return
	}

	if err := s.store.CreateStatusPage(ctx, page); err != nil {
		respondError(c, err)
		return
	}
	logrus.WithFields(logrus.Fields{
		"page_id": page.ID,
		"slug":    page.Slug,
		"user_id": page.OwnerID,
	}).Info("Status page created")
	c.JSON(http.StatusCreated, page)
}

func (s *Server) updateStatusPage(c *gin.Context) {
	var req statusPageRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	user := currentUser(c)
	page, err := s.ownedStatusPage(ctx, user.ID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	msg, err := s.applyStatusPage(ctx, user.ID, &req, page)
	if err != nil {
		respondError(c, err)
		return
	}
	if msg != "" {
		badRequest(c, msg)
		return
	}

	if err := s.store.UpdateStatusPage(ctx, page); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) deleteStatusPage(c *gin.Context) {
	ctx := c.Request.Context()
	page, err := s.ownedStatusPage(ctx, currentUser(c).ID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.store.DeleteStatusPage(ctx, page.ID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/status/:slug - public, no API key. Private pages look missing.
func (s *Server) getPublicStatusPage(c *gin.Context) {
	ctx := c.Request.Context()
	page, err := s.store.GetStatusPageBySlug(ctx, c.Param("slug"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !page.IsPublic {
		respondError(c, database.ErrNotFound)
		return
	}

	out := publicStatusPage{Title: page.Title, Monitors: make([]publicMonitor, 0, len(page.MonitorIDs))}
	for _, id := range page.MonitorIDs {
		m, err := s.store.GetMonitor(ctx, id)
		if errors.Is(err, database.ErrNotFound) || (err == nil && m.OwnerID != page.OwnerID) {
			continue
		}
		if err != nil {
			respondError(c, err)
			return
		}
		uptime, err := s.engine.Uptime(ctx, m)
		if err != nil {
			respondError(c, err)
			return
		}
		out.Monitors = append(out.Monitors, publicMonitor{
			Name:       m.Name,
			Status:     m.Status,
			UptimePct:  uptime,
			LastPingAt: m.LastPingAt,
		})
	}
	c.JSON(http.StatusOK, out)
}
