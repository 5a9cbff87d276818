// Package config holds the immutable runtime configuration for the
// sync engine. Values are loaded once from the environment and passed to
// components at construction; nothing mutates a Config after load.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Config represents the complete application configuration.
type Config struct {
	Instance  InstanceConfig
	Database  DatabaseConfig
	Logging   LoggingConfig
	Remote    RemoteConfig
	Sync      SyncConfig
	Reconcile ReconcileConfig
	Monitor   MonitorConfig
}

// InstanceConfig identifies this sync node in logs and alerts.
type InstanceConfig struct {
	Name string // Node name; generated when not configured
}

// DatabaseConfig represents SQLite configuration.
type DatabaseConfig struct {
	Path            string        // Path to the SQLite database file
	JournalMode     string        // Journal mode (WAL recommended)
	SynchronousMode string        // Synchronous mode
	BusyTimeout     int           // Busy timeout in milliseconds
	ForeignKeys     bool          // Whether to enforce foreign key constraints
	ConnMaxLife     time.Duration // Maximum connection lifetime
	QueryTimeout    time.Duration // Query timeout
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level      string // debug, info, warn, error
	Format     string // text or json
	Output     string // stdout, stderr, or file path
	AddSource  bool
	TimeFormat string
}

// RemoteConfig configures the client for the authoritative remote system.
type RemoteConfig struct {
	BaseURL             string
	Token               string
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxBulkIDs          int     // Upper bound on ids per bulk fetch call
	RequestsPerSecond   float64 // Live-path rate budget
	BurstLimit          int
}

// SyncConfig governs the per-entity live sync path.
type SyncConfig struct {
	Workers         int           // Worker pool size
	QueueSize       int           // Task channel capacity
	MaxRetries      int           // Transient failures before dead-letter
	BackoffBase     time.Duration // Initial retry delay
	BackoffFactor   float64       // Multiplier per attempt
	BackoffMax      time.Duration // Delay cap
	PendingBatch    int           // Entities picked up per pending poll
	PollInterval    time.Duration // Pending poll cadence
	ChecksumEnabled bool          // Verify snapshot checksums when present
}

// ReconcileConfig governs the batch reconciliation sweeper.
type ReconcileConfig struct {
	BatchSize         int           // Entities compared per batch
	RequestsPerSecond float64       // Sweeper rate budget; must trail the live path
	BurstLimit        int
	AutoHeal          bool          // Re-enqueue adjudication for version/data drift
	Incremental       bool          // Restrict sweeps to entities changed since last run
	Interval          time.Duration // Cadence for the sweep loop
}

// MonitorConfig holds anomaly detection thresholds.
type MonitorConfig struct {
	Window           time.Duration // Rolling window for failure-rate checks
	FailureRateLimit float64       // Alert when failures/total exceeds this
	MinSamples       int           // Minimum outcomes before rate check applies
	StalePendingAge  time.Duration // Alert when PENDING entities exceed this age
	StalePendingMax  int           // ...and there are more than this many
	AlertInterval    time.Duration // Minimum spacing between same-type alerts
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	if err := c.validateRemote(); err != nil {
		return fmt.Errorf("remote config: %w", err)
	}
	if err := c.validateSync(); err != nil {
		return fmt.Errorf("sync config: %w", err)
	}
	if err := c.validateReconcile(); err != nil {
		return fmt.Errorf("reconcile config: %w", err)
	}
	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return fmt.Errorf("path is required")
	}
	switch strings.ToUpper(c.Database.JournalMode) {
	case "WAL", "DELETE", "TRUNCATE", "MEMORY":
	default:
		return fmt.Errorf("unsupported journal mode %q", c.Database.JournalMode)
	}
	return nil
}

func (c *Config) validateRemote() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if c.Remote.MaxBulkIDs <= 0 {
		return fmt.Errorf("max bulk ids must be positive")
	}
	if c.Remote.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests per second must be positive")
	}
	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if c.Sync.BackoffBase <= 0 {
		return fmt.Errorf("backoff base must be positive")
	}
	if c.Sync.BackoffFactor < 1 {
		return fmt.Errorf("backoff factor must be at least 1")
	}
	return nil
}

func (c *Config) validateReconcile() error {
	if c.Reconcile.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Reconcile.RequestsPerSecond > c.Remote.RequestsPerSecond {
		return fmt.Errorf("sweeper rate budget must not exceed the live path budget")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format %q", c.Logging.Format)
	}
	return nil
}

// ParseLogLevel parses a log level string to a slog.Level.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
