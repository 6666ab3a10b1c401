package web

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"pingcron/internal/database"
)

const deliveryHistoryLimit = 100

type createChannelRequest struct {
	Type    database.ChannelType `json:"type" binding:"required"`
	Config  map[string]string    `json:"config"`
	Enabled *bool                `json:"enabled"`
}

type updateChannelRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// ownedChannel hides channels of other users behind ErrNotFound.
func (s *Server) ownedChannel(ctx context.Context, ownerID, id string) (*database.AlertChannel, error) {
	ch, err := s.store.GetAlertChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.OwnerID != ownerID {
		return nil, database.ErrNotFound
	}
	return ch, nil
}

func (s *Server) getAlertChannels(c *gin.Context) {
	channels, err := s.store.GetAlertChannels(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	if channels == nil {
		channels = []database.AlertChannel{}
	}
	c.JSON(http.StatusOK, channels)
}

func (s *Server) createAlertChannel(c *gin.Context) {
	var req createChannelRequest
	if !bindJSON(c, &req) {
		return
	}

	cfg, err := database.ParseChannelConfig(req.Type, req.Config)
	if err != nil {
		respondError(c, err)
		return
	}

	ch := &database.AlertChannel{
		OwnerID:   currentUser(c).ID,
		Config:    cfg,
		Enabled:   req.Enabled == nil || *req.Enabled,
		CreatedAt: s.engine.Clock().Now().UTC(),
	}
	if err := s.store.CreateAlertChannel(c.Request.Context(), ch); err != nil {
		respondError(c, err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"channel_id": ch.ID,
		"type":       ch.Type,
		"user_id":    ch.OwnerID,
	}).Info("Alert channel created")
	c.JSON(http.StatusCreated, ch)
}

func (s *Server) updateAlertChannel(c *gin.Context) {
	var req updateChannelRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	ch, err := s.ownedChannel(ctx, currentUser(c).ID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	ch.Enabled = *req.Enabled
	if err := s.store.UpdateAlertChannel(ctx, ch); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (s *Server) deleteAlertChannel(c *gin.Context) {
	ctx := c.Request.Context()
	ch, err := s.ownedChannel(ctx, currentUser(c).ID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.store.DeleteAlertChannel(ctx, ch.ID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /api/alert-channels/:id/test - synchronous, bypasses the queue.
func (s *Server) testAlertChannel(c *gin.Context) {
	ctx := c.Request.Context()
	ch, err := s.ownedChannel(ctx, currentUser(c).ID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	if err := s.tester.SendTest(ctx, ch); err != nil {
		logrus.WithError(err).WithField("channel_id", ch.ID).Warn("Test alert failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) getChannelDeliveries(c *gin.Context) {
	ctx := c.Request.Context()
	ch, err := s.ownedChannel(ctx, currentUser(c).ID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	deliveries, err := s.store.GetDeliveries(ctx, database.DeliveryFilters{ChannelID: ch.ID, Limit: deliveryHistoryLimit})
	if err != nil {
		respondError(c, err)
		return
	}
	if deliveries == nil {
		deliveries = []database.Delivery{}
	}
	c.JSON(http.StatusOK, deliveries)
}
