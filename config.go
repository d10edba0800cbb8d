package tagbox

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type (
	Config struct {
		Snapshot SnapshotConfig `envPrefix:"SNAPSHOT_"`
		Provider ProviderConfig `envPrefix:"PROVIDER_"`

		CancellationWindow time.Duration `env:"CANCELLATION_WINDOW"`
		SafeWindow         time.Duration `env:"SAFE_WINDOW"`
		MaxRetries         int           `env:"MAX_RETRIES"`
		RetryBackoff       time.Duration `env:"RETRY_BACKOFF"`
		TagStateCacheSize  int           `env:"TAG_STATE_CACHE_SIZE"`
		SkipUnknownEvents  bool          `env:"SKIP_UNKNOWN_EVENTS"`
	}

	SnapshotConfig struct {
		Every            int64         `env:"EVERY"`
		WorkerCount      int           `env:"WORKERS"`
		MaxQueueSize     int           `env:"QUEUE_SIZE"`
		SaveTimeout      time.Duration `env:"SAVE_TIMEOUT"`
		OffloadThreshold int           `env:"OFFLOAD_THRESHOLD"`
	}

	ProviderConfig struct {
		BatchSize  int           `env:"BATCH_SIZE"`
		RetryDelay time.Duration `env:"RETRY_DELAY"`
	}
)

const (
	DefaultCancellationWindow  = 30 * time.Second
	DefaultSafeWindow          = 20 * time.Second
	DefaultMaxRetries          = 16
	DefaultRetryBackoff        = 5 * time.Millisecond
	DefaultTagStateCacheSize   = 4096
	DefaultSnapshotEvery       = 64
	DefaultSnapshotWorkers     = 4
	DefaultSnapshotQueueSize   = 1024
	DefaultSnapshotSaveTimeout = 30 * time.Second
	DefaultOffloadThreshold    = 256 * 1024
	DefaultProviderBatchSize   = 1000
	DefaultProviderRetryDelay  = time.Second

	envPrefix = "TAGBOX_"
)

func DefaultConfig() Config {
	return Config{
		Snapshot:           DefaultSnapshotConfig(),
		Provider:           DefaultProviderConfig(),
		CancellationWindow: DefaultCancellationWindow,
		SafeWindow:         DefaultSafeWindow,
		MaxRetries:         DefaultMaxRetries,
		RetryBackoff:       DefaultRetryBackoff,
		TagStateCacheSize:  DefaultTagStateCacheSize,
	}
}

func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		Every:            DefaultSnapshotEvery,
		WorkerCount:      DefaultSnapshotWorkers,
		MaxQueueSize:     DefaultSnapshotQueueSize,
		SaveTimeout:      DefaultSnapshotSaveTimeout,
		OffloadThreshold: DefaultOffloadThreshold,
	}
}

func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		BatchSize:  DefaultProviderBatchSize,
		RetryDelay: DefaultProviderRetryDelay,
	}
}

// ConfigFromEnv starts from DefaultConfig and overrides any field whose
// TAGBOX_ prefixed environment variable is set
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CancellationWindow <= 0 {
		c.CancellationWindow = def.CancellationWindow
	}
	if c.SafeWindow <= 0 {
		c.SafeWindow = def.SafeWindow
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.TagStateCacheSize <= 0 {
		c.TagStateCacheSize = def.TagStateCacheSize
	}
	if c.Snapshot.WorkerCount <= 0 {
		c.Snapshot.WorkerCount = def.Snapshot.WorkerCount
	}
	if c.Snapshot.MaxQueueSize <= 0 {
		c.Snapshot.MaxQueueSize = def.Snapshot.MaxQueueSize
	}
	if c.Snapshot.SaveTimeout <= 0 {
		c.Snapshot.SaveTimeout = def.Snapshot.SaveTimeout
	}
	if c.Provider.BatchSize <= 0 {
		c.Provider.BatchSize = def.Provider.BatchSize
	}
	if c.Provider.RetryDelay <= 0 {
		c.Provider.RetryDelay = def.Provider.RetryDelay
	}
	return c
}
