package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Store       StoreConfig     `toml:"store"`
	Crypto      CryptoConfig    `toml:"crypto"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Sync        SyncConfig      `toml:"sync"`
	Webhooks    WebhookConfig   `toml:"webhooks"`
	Pool        PoolConfig      `toml:"pool"`
	Logging     LoggingConfig   `toml:"logging"`
}

// StoreConfig points at the control-plane document store.
type StoreConfig struct {
	URI      string `toml:"uri"`      // connection string (DATABASE_URL)
	Database string `toml:"database"` // database name (DATABASE_NAME)
}

// CryptoConfig carries the secret-field decryption key.
type CryptoConfig struct {
	EncryptionKey string `toml:"encryption_key"` // hex, 32 bytes (ENCRYPTION_KEY)
}

// SchedulerConfig controls the cron evaluation loop.
type SchedulerConfig struct {
	TickInterval     time.Duration `toml:"tick_interval"`     // how often enabled jobs are evaluated
	DispatchJitterMs int           `toml:"dispatch_jitter_ms"` // max cumulative jitter between due-job emissions
	StartupJitterMs  int           `toml:"startup_jitter_ms"`  // max per-execution startup delay
}

// SyncConfig controls chunking and execution cleanup.
type SyncConfig struct {
	MaxIterationsPerChunk int           `toml:"max_iterations_per_chunk"` // upstream calls per chunk
	MaxChunksPerEntity    int           `toml:"max_chunks_per_entity"`    // hard safety cap
	CleanupInterval       time.Duration `toml:"cleanup_interval"`         // abandoned execution sweep
	AbandonAfter          time.Duration `toml:"abandon_after"`            // heartbeat age before abandonment
}

// WebhookConfig controls the webhook event processor.
type WebhookConfig struct {
	Concurrency     int           `toml:"concurrency"`      // parallel event processing per worker
	RetryInterval   time.Duration `toml:"retry_interval"`   // failed event sweep
	RetryBatchSize  int           `toml:"retry_batch_size"` // failed events re-enqueued per sweep
	MaxAttempts     int           `toml:"max_attempts"`     // attempts before an event is left failed
	CleanupInterval time.Duration `toml:"cleanup_interval"` // completed event pruning
	RetainFor       time.Duration `toml:"retain_for"`       // completed event retention window
}

// PoolConfig controls the destination connection pool.
type PoolConfig struct {
	IdleTimeout   time.Duration `toml:"idle_timeout"`   // entry age before reclamation
	ReapInterval  time.Duration `toml:"reap_interval"`  // idle reclamation cadence
	StatsInterval time.Duration `toml:"stats_interval"` // serve-mode pool stats logging (0 disables)
}

// LoggingConfig mirrors the arbor writer setup.
type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // time format for logs
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Store: StoreConfig{
			URI:      "mongodb://localhost:27017",
			Database: "relay",
		},
		Scheduler: SchedulerConfig{
			TickInterval:     time.Minute,
			DispatchJitterMs: 5000,
			StartupJitterMs:  60000,
		},
		Sync: SyncConfig{
			MaxIterationsPerChunk: 10,
			MaxChunksPerEntity:    1000,
			CleanupInterval:       15 * time.Minute,
			AbandonAfter:          2 * time.Minute,
		},
		Webhooks: WebhookConfig{
			Concurrency:     25,
			RetryInterval:   30 * time.Minute,
			RetryBatchSize:  100,
			MaxAttempts:     5,
			CleanupInterval: 24 * time.Hour,
			RetainFor:       30 * 24 * time.Hour,
		},
		Pool: PoolConfig{
			IdleTimeout:   5 * time.Minute,
			ReapInterval:  time.Minute,
			StatsInterval: 0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFiles loads configuration with priority: defaults -> file1 ->
// file2 -> ... -> env. Later files override earlier files; environment
// variables override everything except CLI flags.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("RELAY_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Control-plane store contract: DATABASE_URL / DATABASE_NAME
	if uri := os.Getenv("DATABASE_URL"); uri != "" {
		config.Store.URI = uri
	}
	if name := os.Getenv("DATABASE_NAME"); name != "" {
		config.Store.Database = name
	}
	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		config.Crypto.EncryptionKey = key
	}

	if tick := os.Getenv("RELAY_SCHEDULER_TICK_INTERVAL"); tick != "" {
		if d, err := time.ParseDuration(tick); err == nil {
			config.Scheduler.TickInterval = d
		}
	}
	if jitter := os.Getenv("RELAY_SCHEDULER_STARTUP_JITTER_MS"); jitter != "" {
		if n, err := strconv.Atoi(jitter); err == nil {
			config.Scheduler.StartupJitterMs = n
		}
	}
	if concurrency := os.Getenv("RELAY_WEBHOOK_CONCURRENCY"); concurrency != "" {
		if n, err := strconv.Atoi(concurrency); err == nil && n > 0 {
			config.Webhooks.Concurrency = n
		}
	}
	if level := os.Getenv("RELAY_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// Validate checks the settings a running service cannot do without.
func (c *Config) Validate() error {
	if c.Store.URI == "" {
		return fmt.Errorf("store.uri (DATABASE_URL) is required")
	}
	if c.Store.Database == "" {
		return fmt.Errorf("store.database (DATABASE_NAME) is required")
	}
	if c.Sync.MaxIterationsPerChunk <= 0 {
		return fmt.Errorf("sync.max_iterations_per_chunk must be positive")
	}
	if c.Sync.MaxChunksPerEntity <= 0 {
		return fmt.Errorf("sync.max_chunks_per_entity must be positive")
	}
	return nil
}
