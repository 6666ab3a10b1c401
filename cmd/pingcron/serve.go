package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pingcron/internal/config"
	"pingcron/internal/database"
	"pingcron/internal/metrics"
	"pingcron/internal/monitoring"
	"pingcron/internal/natsbus"
	"pingcron/internal/notifications"
	"pingcron/internal/web"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ping API, sweeper and alert dispatcher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			setupLogging(cfg.Logging)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, path)
		},
	}
	cmd.Flags().StringP("config", "c", "config.yaml", "Path to configuration file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, path string) error {
	logrus.WithFields(logrus.Fields{
		"config_file": path,
		"version":     web.Version,
		"port":        cfg.Server.Port,
		"database":    cfg.Database.Type,
	}).Info("Starting pingcron")

	store, err := database.Open(cfg.Database.Type, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	collector := metrics.NewCollector(store)
	dispatcher := notifications.NewDispatcher(cfg.Alerts, store)

	opts := []monitoring.Option{monitoring.WithMetrics(collector)}
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		if nc, err = natsbus.Connect(cfg.NATS); err != nil {
			return err
		}
		defer nc.Close()
		opts = append(opts, monitoring.WithEventSink(natsbus.NewEventPublisher(nc, cfg.NATS.EventsSubject)))
	}

	engine := monitoring.NewEngine(cfg, store, dispatcher, opts...)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start monitoring engine: %w", err)
	}
	defer engine.Stop()

	if nc != nil {
		ingestor := natsbus.NewIngestor(engine, nc, cfg.NATS.IngestSubject)
		if err := ingestor.Start(ctx, nc); err != nil {
			return err
		}
		defer ingestor.Stop()
	}

	server := web.NewServer(cfg, store, engine, dispatcher, collector)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}

	<-ctx.Done()
	logrus.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Web server did not shut down cleanly")
	}
	return nil
}
