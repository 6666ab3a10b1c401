// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	NATS       NATSConfig       `yaml:"nats"`
	Logging    LoggingConfig    `yaml:"logging"`
	Users      []UserConfig     `yaml:"users"`
	Include    IncludeConfig    `yaml:"include"`
}

type IncludeConfig struct {
	Directory string `yaml:"directory"`
	Pattern   string `yaml:"pattern"`
	Enabled   bool   `yaml:"enabled"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	PublicURL    string        `yaml:"public_url"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Type            string        `yaml:"type"`
	Path            string        `yaml:"path"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	PingRetention   time.Duration `yaml:"ping_retention"`
}

type PrometheusConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MetricsPath string `yaml:"metrics_path"`
}

// MonitoringConfig drives the sweep loop and the defaults applied to new monitors.
type MonitoringConfig struct {
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	SweepWorkers        int           `yaml:"sweep_workers"`
	MinGraceSeconds     int           `yaml:"min_grace_seconds"`
	DefaultGraceSeconds int           `yaml:"default_grace_seconds"`
	DefaultSchedule     string        `yaml:"default_schedule"`
	MinInterval         time.Duration `yaml:"min_interval"`
	UptimeWindow        time.Duration `yaml:"uptime_window"`
}

type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	IngestSubject string `yaml:"ingest_subject"`
	EventsSubject string `yaml:"events_subject"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// UserConfig is a statically provisioned API user.
type UserConfig struct {
	ID     string `yaml:"id"`
	Email  string `yaml:"email"`
	Name   string `yaml:"name"`
	Plan   string `yaml:"plan"`
	APIKey string `yaml:"api_key"`
}

// PartialConfig represents an include file that can be merged
type PartialConfig struct {
	Users []UserConfig `yaml:"users,omitempty"`
}

func Load(filename string) (*Config, error) {
	config, err := loadConfigFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load main config file: %w", err)
	}

	if config.Include.Enabled && config.Include.Directory != "" {
		if err := loadIncludes(config, filepath.Dir(filename)); err != nil {
			return nil, fmt.Errorf("failed to load includes: %w", err)
		}
	}

	setDefaults(config)

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Parse builds a Config from raw YAML without touching the filesystem.
// Includes are ignored.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	setDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func loadConfigFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &config, nil
}

func loadIncludes(config *Config, baseDir string) error {
	includeDir := config.Include.Directory
	if !filepath.IsAbs(includeDir) {
		includeDir = filepath.Join(baseDir, includeDir)
	}

	if _, err := os.Stat(includeDir); os.IsNotExist(err) {
		return fmt.Errorf("include directory does not exist: %s", includeDir)
	}

	pattern := config.Include.Pattern
	if pattern == "" {
		pattern = "*.yaml"
	}

	matches, err := filepath.Glob(filepath.Join(includeDir, pattern))
	if err != nil {
		return fmt.Errorf("failed to glob include pattern: %w", err)
	}

	if pattern == "*.yaml" {
		ymlMatches, err := filepath.Glob(filepath.Join(includeDir, "*.yml"))
		if err != nil {
			return fmt.Errorf("failed to glob .yml files: %w", err)
		}
		matches = append(matches, ymlMatches...)
	}

	sort.Slice(matches, func(i, j int) bool {
		return filepath.Base(matches[i]) < filepath.Base(matches[j])
	})

	for _, match := range matches {
		if err := loadAndMergeInclude(config, match); err != nil {
			return fmt.Errorf("failed to load include file %s: %w", match, err)
		}
	}

	return nil
}

func loadAndMergeInclude(config *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read include file: %w", err)
	}

	var partial PartialConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &partial); err != nil {
		return fmt.Errorf("failed to parse include file YAML: %w", err)
	}

	config.Users = append(config.Users, partial.Users...)
	return nil
}

func setDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8090"
	}
	if cfg.Server.PublicURL == "" {
		if strings.HasPrefix(cfg.Server.Port, ":") {
			cfg.Server.PublicURL = "http://localhost" + cfg.Server.Port
		} else {
			cfg.Server.PublicURL = "http://" + cfg.Server.Port
		}
	}
	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}

	// Database defaults
	if cfg.Database.Type == "" {
		cfg.Database.Type = "boltdb"
	}
	if cfg.Database.Path == "" {
		if cfg.Database.Type == "sqlite" {
			cfg.Database.Path = "./data/pingcron.sqlite"
		} else {
			cfg.Database.Path = "./data/pingcron.db"
		}
	}
	if cfg.Database.CleanupInterval == 0 {
		cfg.Database.CleanupInterval = 6 * time.Hour
	}
	if cfg.Database.PingRetention == 0 {
		cfg.Database.PingRetention = 30 * 24 * time.Hour
	}

	if cfg.Include.Pattern == "" {
		cfg.Include.Pattern = "*.yaml"
	}

	// Monitoring defaults
	if cfg.Monitoring.SweepInterval == 0 {
		cfg.Monitoring.SweepInterval = 15 * time.Second
	}
	if cfg.Monitoring.SweepWorkers == 0 {
		cfg.Monitoring.SweepWorkers = 4
	}
	if cfg.Monitoring.MinGraceSeconds == 0 {
		cfg.Monitoring.MinGraceSeconds = 30
	}
	if cfg.Monitoring.DefaultGraceSeconds == 0 {
		cfg.Monitoring.DefaultGraceSeconds = 300
	}
	if cfg.Monitoring.DefaultSchedule == "" {
		cfg.Monitoring.DefaultSchedule = "5m"
	}
	if cfg.Monitoring.UptimeWindow == 0 {
		cfg.Monitoring.UptimeWindow = 30 * 24 * time.Hour
	}

	setAlertDefaults(&cfg.Alerts)

	// NATS defaults
	if cfg.NATS.IngestSubject == "" {
		cfg.NATS.IngestSubject = "pingcron.ping"
	}
	if cfg.NATS.EventsSubject == "" {
		cfg.NATS.EventsSubject = "pingcron.events"
	}

	if cfg.Prometheus.MetricsPath == "" {
		cfg.Prometheus.MetricsPath = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	for i := range cfg.Users {
		if cfg.Users[i].Plan == "" {
			cfg.Users[i].Plan = "free"
		}
	}
}

// minGraceFloor is the lowest grace period any deployment may allow.
const minGraceFloor = 30

func validate(cfg *Config) error {
	if cfg.Database.Type != "boltdb" && cfg.Database.Type != "sqlite" {
		return fmt.Errorf("database.type must be boltdb or sqlite, got %q", cfg.Database.Type)
	}
	if !isValidURL(cfg.Server.PublicURL) {
		return fmt.Errorf("server.public_url must be a valid URL")
	}

	if cfg.Monitoring.MinGraceSeconds < minGraceFloor {
		return fmt.Errorf("monitoring.min_grace_seconds must be at least %d", minGraceFloor)
	}
	if cfg.Monitoring.SweepInterval <= 0 {
		return fmt.Errorf("monitoring.sweep_interval must be positive")
	}
	minGrace := time.Duration(cfg.Monitoring.MinGraceSeconds) * time.Second
	if cfg.Monitoring.SweepInterval >= minGrace {
		return fmt.Errorf("monitoring.sweep_interval (%s) must be shorter than the minimum grace period (%s)",
			cfg.Monitoring.SweepInterval, minGrace)
	}
	if cfg.Monitoring.SweepWorkers < 1 {
		return fmt.Errorf("monitoring.sweep_workers must be at least 1")
	}
	if cfg.Monitoring.DefaultGraceSeconds < cfg.Monitoring.MinGraceSeconds {
		return fmt.Errorf("monitoring.default_grace_seconds must be at least %d", cfg.Monitoring.MinGraceSeconds)
	}
	if cfg.Monitoring.MinInterval < 0 {
		return fmt.Errorf("monitoring.min_interval must not be negative")
	}

	if err := cfg.Alerts.Validate(); err != nil {
		return err
	}

	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}

	if cfg.Include.Enabled {
		if cfg.Include.Directory == "" {
			return fmt.Errorf("include.directory must be specified when include.enabled is true")
		}
		if !isValidGlobPattern(cfg.Include.Pattern) {
			return fmt.Errorf("include.pattern contains invalid glob pattern: %s", cfg.Include.Pattern)
		}
	}

	userIDs := make(map[string]bool)
	apiKeys := make(map[string]bool)
	for _, user := range cfg.Users {
		if user.ID == "" {
			return fmt.Errorf("user with email %q has no id", user.Email)
		}
		if user.APIKey == "" {
			return fmt.Errorf("user %s has no api_key", user.ID)
		}
		if userIDs[user.ID] {
			return fmt.Errorf("duplicate user ID: %s", user.ID)
		}
		if apiKeys[user.APIKey] {
			return fmt.Errorf("duplicate api_key for user %s", user.ID)
		}
		userIDs[user.ID] = true
		apiKeys[user.APIKey] = true
	}

	return nil
}

// isValidURL checks if a string is a valid URL
func isValidURL(str string) bool {
	return strings.HasPrefix(str, "http://") || strings.HasPrefix(str, "https://")
}

// isValidGlobPattern checks if a string is a valid glob pattern
func isValidGlobPattern(pattern string) bool {
	if strings.Contains(pattern, "/") || strings.Contains(pattern, "\\") {
		return false
	}
	_, err := filepath.Match(pattern, "test.yaml")
	return err == nil
}
