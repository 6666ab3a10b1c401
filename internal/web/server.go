// internal/web/server.go
package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"pingcron/internal/config"
	"pingcron/internal/database"
	"pingcron/internal/metrics"
	"pingcron/internal/monitoring"
)

// ChannelTester sends a synthetic alert through a channel's transport.
// *notifications.Dispatcher implements it.
type ChannelTester interface {
	SendTest(ctx context.Context, ch *database.AlertChannel) error
}

type Server struct {
	config  *config.Config
	store   database.ExtendedStore
	engine  *monitoring.Engine
	tester  ChannelTester
	metrics *metrics.Collector
	users   *UserDirectory
	hub     *Hub
	router  *gin.Engine
	server  *http.Server
}

func NewServer(cfg *config.Config, store database.ExtendedStore, engine *monitoring.Engine, tester ChannelTester, metricsCollector *metrics.Collector) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	registerValidations()

	router := gin.New()
	router.Use(accessLogger(gin.DefaultWriter))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	server := &Server{
		config:  cfg,
		store:   store,
		engine:  engine,
		tester:  tester,
		metrics: metricsCollector,
		users:   NewUserDirectory(cfg.Users),
		hub:     NewHub(metricsCollector),
		router:  router,
	}
	engine.Subscribe(server.hub)

	server.setupRoutes()
	return server
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Server.Port,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	logrus.WithFields(logrus.Fields{
		"port":       s.config.Server.Port,
		"public_url": s.config.Server.PublicURL,
	}).Info("Starting web server")

	if s.metrics != nil {
		go s.updateMetricsRoutine(ctx)
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) setupRoutes() {
	// Heartbeat ingest. Cron jobs only ever see this route.
	s.router.Any("/p/:id", s.handlePing)

	s.router.GET("/ws", s.handleWebSocket)

	public := s.router.Group("/api")
	{
		public.GET("/health", s.healthCheck)
		public.GET("/version", s.getBuildInfo)
		public.GET("/status/:slug", s.getPublicStatusPage)
	}

	api := s.router.Group("/api")
	api.Use(s.requireAPIKey())
	{
		api.GET("/me", s.getMe)
		api.POST("/auth/sync", s.syncAuth)

		api.GET("/monitors", s.getMonitors)
		api.POST("/monitors", s.createMonitor)
		api.GET("/monitors/:id", s.getMonitor)
		api.PATCH("/monitors/:id", s.updateMonitor)
		api.DELETE("/monitors/:id", s.deleteMonitor)
		api.GET("/monitors/:id/pings", s.getMonitorPings)
		api.GET("/monitors/:id/incidents", s.getMonitorIncidents)

		api.GET("/incidents", s.getIncidents)

		api.GET("/alert-channels", s.getAlertChannels)
		api.POST("/alert-channels", s.createAlertChannel)
		api.PATCH("/alert-channels/:id", s.updateAlertChannel)
		api.DELETE("/alert-channels/:id", s.deleteAlertChannel)
		api.POST("/alert-channels/:id/test", s.testAlertChannel)
		api.GET("/alert-channels/:id/deliveries", s.getChannelDeliveries)

		api.GET("/status-pages", s.getStatusPages)
		api.POST("/status-pages", s.createStatusPage)
		api.GET("/status-pages/:id", s.getStatusPage)
		api.PATCH("/status-pages/:id", s.updateStatusPage)
		api.DELETE("/status-pages/:id", s.deleteStatusPage)

		api.GET("/admin/stats", s.getStats)
	}

	if s.config.Prometheus.Enabled {
		s.router.GET(s.config.Prometheus.MetricsPath, gin.WrapH(promhttp.Handler()))
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": s.engine.Clock().Now().UTC(),
		"version":   Version,
	})
}

func (s *Server) getStats(c *gin.Context) {
	stats, err := s.store.GetDatabaseStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) updateMetricsRoutine(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.metrics.UpdateSystemMetrics(ctx); err != nil {
				logrus.WithError(err).Error("Failed to update system metrics")
			}
		}
	}
}

// accessLogger is gin's request log with the api_key query parameter masked.
func accessLogger(out io.Writer) gin.HandlerFunc {
	return gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: accessLogFormatter,
		Output:    out,
	})
}

func accessLogFormatter(param gin.LogFormatterParams) string {
	if param.Latency > time.Minute {
		param.Latency = param.Latency.Truncate(time.Second)
	}
	return fmt.Sprintf("[GIN] %v | %3d | %13v | %15s | %-7s %#v\n%s",
		param.TimeStamp.Format("2006/01/02 - 15:04:05"),
		param.StatusCode,
		param.Latency,
		param.ClientIP,
		param.Method,
		redactQuery(param.Path),
		param.ErrorMessage,
	)
}

func redactQuery(path string) string {
	base, rawQuery, ok := strings.Cut(path, "?")
	if !ok {
		return path
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return base
	}
	if !values.Has(apiKeyQuery) {
		return path
	}
	values.Set(apiKeyQuery, "REDACTED")
	return base + "?" + values.Encode()
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, accept, origin, Cache-Control, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")

		// Any method counts as a heartbeat on /p/, OPTIONS included.
		if c.Request.Method == http.MethodOptions && !strings.HasPrefix(c.Request.URL.Path, "/p/") {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
