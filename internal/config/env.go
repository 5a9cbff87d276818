package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goombaio/namegenerator"
	"github.com/joho/godotenv"
)

// LoadFromEnv loads configuration from environment variables, reading an
// optional .env file first. configDir defaults to ~/.driftsync and holds
// the database, log file, and .env.
func LoadFromEnv(configDir string) (*Config, error) {
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".driftsync")
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	if envPath := os.Getenv("DRIFTSYNC_ENV_FILE"); envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", envPath, err)
		}
	} else {
		// Config-dir .env first, current directory as fallback. Both optional.
		_ = godotenv.Load(filepath.Join(configDir, ".env"))
		_ = godotenv.Load()
	}

	cfg := &Config{
		Instance: InstanceConfig{
			Name: getEnvString("DRIFTSYNC_INSTANCE_NAME", generateInstanceName()),
		},
		Database: DatabaseConfig{
			Path:            getEnvString("DRIFTSYNC_DB_PATH", filepath.Join(configDir, "driftsync.db")),
			JournalMode:     getEnvString("DRIFTSYNC_DB_JOURNAL_MODE", "WAL"),
			SynchronousMode: getEnvString("DRIFTSYNC_DB_SYNCHRONOUS", "NORMAL"),
			BusyTimeout:     getEnvInt("DRIFTSYNC_DB_BUSY_TIMEOUT", 5000),
			ForeignKeys:     getEnvBool("DRIFTSYNC_DB_FOREIGN_KEYS", true),
			ConnMaxLife:     getEnvDuration("DRIFTSYNC_DB_CONN_MAX_LIFE", time.Hour),
			QueryTimeout:    getEnvDuration("DRIFTSYNC_DB_QUERY_TIMEOUT", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:      getEnvString("DRIFTSYNC_LOG_LEVEL", "info"),
			Format:     getEnvString("DRIFTSYNC_LOG_FORMAT", "text"),
			Output:     getEnvString("DRIFTSYNC_LOG_OUTPUT", filepath.Join(configDir, "driftsync.log")),
			AddSource:  getEnvBool("DRIFTSYNC_LOG_ADD_SOURCE", false),
			TimeFormat: getEnvString("DRIFTSYNC_LOG_TIME_FORMAT", time.RFC3339),
		},
		Remote: RemoteConfig{
			BaseURL:             getEnvString("DRIFTSYNC_REMOTE_URL", "http://localhost:8080"),
			Token:               getEnvString("DRIFTSYNC_REMOTE_TOKEN", ""),
			Timeout:             getEnvDuration("DRIFTSYNC_REMOTE_TIMEOUT", 30*time.Second),
			MaxIdleConns:        getEnvInt("DRIFTSYNC_REMOTE_MAX_IDLE_CONNS", 100),
			MaxIdleConnsPerHost: getEnvInt("DRIFTSYNC_REMOTE_MAX_IDLE_CONNS_PER_HOST", 100),
			IdleConnTimeout:     getEnvDuration("DRIFTSYNC_REMOTE_IDLE_CONN_TIMEOUT", 90*time.Second),
			MaxBulkIDs:          getEnvInt("DRIFTSYNC_REMOTE_MAX_BULK_IDS", 200),
			RequestsPerSecond:   getEnvFloat("DRIFTSYNC_REMOTE_RPS", 20),
			BurstLimit:          getEnvInt("DRIFTSYNC_REMOTE_BURST", 40),
		},
		Sync: SyncConfig{
			Workers:         getEnvInt("DRIFTSYNC_SYNC_WORKERS", 8),
			QueueSize:       getEnvInt("DRIFTSYNC_SYNC_QUEUE_SIZE", 1024),
			MaxRetries:      getEnvInt("DRIFTSYNC_SYNC_MAX_RETRIES", 3),
			BackoffBase:     getEnvDuration("DRIFTSYNC_SYNC_BACKOFF_BASE", 5*time.Second),
			BackoffFactor:   getEnvFloat("DRIFTSYNC_SYNC_BACKOFF_FACTOR", 5),
			BackoffMax:      getEnvDuration("DRIFTSYNC_SYNC_BACKOFF_MAX", 10*time.Minute),
			PendingBatch:    getEnvInt("DRIFTSYNC_SYNC_PENDING_BATCH", 100),
			PollInterval:    getEnvDuration("DRIFTSYNC_SYNC_POLL_INTERVAL", 15*time.Second),
			ChecksumEnabled: getEnvBool("DRIFTSYNC_SYNC_CHECKSUM", true),
		},
		Reconcile: ReconcileConfig{
			BatchSize:         getEnvInt("DRIFTSYNC_RECONCILE_BATCH_SIZE", 200),
			RequestsPerSecond: getEnvFloat("DRIFTSYNC_RECONCILE_RPS", 5),
			BurstLimit:        getEnvInt("DRIFTSYNC_RECONCILE_BURST", 5),
			AutoHeal:          getEnvBool("DRIFTSYNC_RECONCILE_AUTO_HEAL", true),
			Incremental:       getEnvBool("DRIFTSYNC_RECONCILE_INCREMENTAL", true),
			Interval:          getEnvDuration("DRIFTSYNC_RECONCILE_INTERVAL", time.Hour),
		},
		Monitor: MonitorConfig{
			Window:           getEnvDuration("DRIFTSYNC_MONITOR_WINDOW", 15*time.Minute),
			FailureRateLimit: getEnvFloat("DRIFTSYNC_MONITOR_FAILURE_RATE", 0.25),
			MinSamples:       getEnvInt("DRIFTSYNC_MONITOR_MIN_SAMPLES", 20),
			StalePendingAge:  getEnvDuration("DRIFTSYNC_MONITOR_STALE_PENDING_AGE", 30*time.Minute),
			StalePendingMax:  getEnvInt("DRIFTSYNC_MONITOR_STALE_PENDING_MAX", 50),
			AlertInterval:    getEnvDuration("DRIFTSYNC_MONITOR_ALERT_INTERVAL", 10*time.Minute),
		},
	}

	return cfg, nil
}

// generateInstanceName produces a memorable default node name.
func generateInstanceName() string {
	gen := namegenerator.NewNameGenerator(time.Now().UnixNano())
	return gen.Generate()
}

func getEnvString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
