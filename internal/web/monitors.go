package web

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"pingcron/internal/database"
	"pingcron/internal/monitoring"
)

const (
	defaultPingLimit = 50
	maxPingLimit     = 500
)

type monitorResponse struct {
	*database.Monitor
	PingURL string `json:"ping_url"`
}

func (s *Server) monitorJSON(m *database.Monitor) monitorResponse {
	return monitorResponse{Monitor: m, PingURL: s.config.Server.PublicURL + "/p/" + m.ID}
}

type createMonitorRequest struct {
	Name         string `json:"name" binding:"required"`
	Slug         string `json:"slug" binding:"required,slug"`
	Schedule     string `json:"schedule"`
	GraceSeconds int    `json:"grace_seconds"`
}

type updateMonitorRequest struct {
	Name         *string `json:"name" binding:"nonempty"`
	Slug         *string `json:"slug" binding:"slug"`
	Schedule     *string `json:"schedule"`
	GraceSeconds *int    `json:"grace_seconds"`
	Status       *string `json:"status"`
}

func (s *Server) getMonitors(c *gin.Context) {
	user := currentUser(c)
	monitors, err := s.store.GetMonitors(c.Request.Context(), database.MonitorFilters{OwnerID: user.ID})
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]monitorResponse, 0, len(monitors))
	for i := range monitors {
		out = append(out, s.monitorJSON(&monitors[i]))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getMonitor(c *gin.Context) {
	m, err := s.engine.Monitor(c.Request.Context(), currentUser(c).ID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.monitorJSON(m))
}

func (s *Server) createMonitor(c *gin.Context) {
	var req createMonitorRequest
	if !bindJSON(c, &req) {
		return
	}

	m, err := s.engine.CreateMonitor(c.Request.Context(), monitoring.CreateMonitorInput{
		OwnerID:      currentUser(c).ID,
		Name:         req.Name,
		Slug:         req.Slug,
		Schedule:     req.Schedule,
		GraceSeconds: req.GraceSeconds,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.monitorJSON(m))
}

func (s *Server) updateMonitor(c *gin.Context) {
	var req updateMonitorRequest
	if !bindJSON(c, &req) {
		return
	}

	patch := monitoring.MonitorPatch{
		Name:         req.Name,
		Slug:         req.Slug,
		Schedule:     req.Schedule,
		GraceSeconds: req.GraceSeconds,
	}
	if req.Status != nil {
		status := database.MonitorStatus(*req.Status)
		patch.Status = &status
	}

	m, err := s.engine.UpdateMonitor(c.Request.Context(), currentUser(c).ID, c.Param("id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.monitorJSON(m))
}

func (s *Server) deleteMonitor(c *gin.Context) {
	if err := s.engine.DeleteMonitor(c.Request.Context(), currentUser(c).ID, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getMonitorPings(c *gin.Context) {
	ctx := c.Request.Context()
	m, err := s.engine.Monitor(ctx, currentUser(c).ID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	limit := defaultPingLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPingLimit {
		limit = maxPingLimit
	}

	pings, err := s.store.GetPings(ctx, m.ID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if pings == nil {
		pings = []database.Ping{}
	}
	c.JSON(http.StatusOK, pings)
}

func (s *Server) getMonitorIncidents(c *gin.Context) {
	ctx := c.Request.Context()
	m, err := s.engine.Monitor(ctx, currentUser(c).ID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	incidents, err := s.store.GetIncidents(ctx, database.IncidentFilters{MonitorID: m.ID})
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]incidentResponse, 0, len(incidents))
	for _, inc := range incidents {
		out = append(out, incidentResponse{Incident: inc, MonitorName: m.Name})
	}
	c.JSON(http.StatusOK, out)
}
