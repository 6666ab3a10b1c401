package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pingcron/internal/config"
	"pingcron/internal/schedule"
	"pingcron/internal/web"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pingcron",
		Short:         "Heartbeat monitoring for cron jobs and scheduled tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), configCmd(), scheduleCmd(), usersCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			info := web.GetBuildInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "pingcron %s (commit: %s, built: %s, %s)\n",
				info.Version, info.GitCommit, info.BuildTime, info.GoVersion)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	check := &cobra.Command{
		Use:   "check",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration OK: %s\n", path)
			fmt.Fprintf(out, "  listen:         %s (%s)\n", cfg.Server.Port, cfg.Server.PublicURL)
			fmt.Fprintf(out, "  database:       %s at %s\n", cfg.Database.Type, cfg.Database.Path)
			fmt.Fprintf(out, "  sweep:          every %s, %d workers\n", cfg.Monitoring.SweepInterval, cfg.Monitoring.SweepWorkers)
			fmt.Fprintf(out, "  grace:          default %ds, min %ds\n", cfg.Monitoring.DefaultGraceSeconds, cfg.Monitoring.MinGraceSeconds)
			fmt.Fprintf(out, "  alert workers:  %d (queue %d, %d attempts)\n", cfg.Alerts.Workers, cfg.Alerts.QueueSize, cfg.Alerts.MaxAttempts)
			fmt.Fprintf(out, "  nats:           %t\n", cfg.NATS.Enabled)
			fmt.Fprintf(out, "  users:          %d\n", len(cfg.Users))
			return nil
		},
	}
	check.Flags().StringP("config", "c", "config.yaml", "Path to configuration file")
	cmd.AddCommand(check)
	return cmd
}

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect schedule expressions",
	}

	var (
		from  string
		count int
	)
	next := &cobra.Command{
		Use:   "next <expr>",
		Short: "Print the next expected ping times for a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, err := schedule.Parse(args[0])
			if err != nil {
				return err
			}
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}

			at := time.Now().UTC()
			if from != "" {
				if at, err = time.Parse(time.RFC3339, from); err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
			}

			for i := 0; i < count; i++ {
				at = sched.Next(at)
				if at.IsZero() {
					break
				}
				fmt.Fprintln(cmd.OutOrStdout(), at.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
	next.Flags().StringVar(&from, "from", "", "Start instant (RFC3339, default now)")
	next.Flags().IntVar(&count, "count", 5, "Number of instants to print")
	cmd.AddCommand(next)
	return cmd
}

func usersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "API user helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Generate a new API key for the users section of the config",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), uuid.NewString())
		},
	})
	return cmd
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
}
