package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"pingcron/internal/monitoring"
)

// ANY /p/:id - record a heartbeat. The body is ignored.
func (s *Server) handlePing(c *gin.Context) {
	id := c.Param("id")
	src := monitoring.PingSource{Channel: "http", IP: c.ClientIP()}
	if raw := c.Query("latency_ms"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v >= 0 {
			src.LatencyMS = &v
		}
	}

	if _, err := s.engine.RecordPing(c.Request.Context(), id, src); err != nil {
		if errors.Is(err, monitoring.ErrUnknownMonitor) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		logrus.WithError(err).WithField("monitor_id", id).Error("Failed to record ping")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.String(http.StatusOK, "OK")
}
