package web

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pingcron/internal/database"
)

type incidentResponse struct {
	database.Incident
	MonitorName string `json:"monitor_name,omitempty"`
}

// GET /api/incidents?open=true
func (s *Server) getIncidents(c *gin.Context) {
	ctx := c.Request.Context()
	user := currentUser(c)

	incidents, err := s.store.GetIncidents(ctx, database.IncidentFilters{
		OwnerID:  user.ID,
		OpenOnly: c.Query("open") == "true",
	})
	if err != nil {
		respondError(c, err)
		return
	}

	monitors, err := s.store.GetMonitors(ctx, database.MonitorFilters{OwnerID: user.ID})
	if err != nil {
		respondError(c, err)
		return
	}
	names := make(map[string]string, len(monitors))
	for _, m := range monitors {
		names[m.ID] = m.Name
	}

	out := make([]incidentResponse, 0, len(incidents))
	for _, inc := range incidents {
		out = append(out, incidentResponse{Incident: inc, MonitorName: names[inc.MonitorID]})
	}
	c.JSON(http.StatusOK, out)
}
