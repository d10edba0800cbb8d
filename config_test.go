package tagbox_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/tagbox"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("TAGBOX_SAFE_WINDOW", "5s")
	t.Setenv("TAGBOX_SNAPSHOT_EVERY", "3")
	t.Setenv("TAGBOX_PROVIDER_BATCH_SIZE", "50")
	t.Setenv("TAGBOX_SKIP_UNKNOWN_EVENTS", "true")
	t.Setenv("TAGBOX_RETRY_BACKOFF", "20ms")

	cfg, err := tagbox.ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.SafeWindow)
	assert.Equal(t, int64(3), cfg.Snapshot.Every)
	assert.Equal(t, 50, cfg.Provider.BatchSize)
	assert.True(t, cfg.SkipUnknownEvents)
	assert.Equal(t, 20*time.Millisecond, cfg.RetryBackoff)

	assert.Equal(t, tagbox.DefaultCancellationWindow, cfg.CancellationWindow)
	assert.Equal(t, tagbox.DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, tagbox.DefaultProviderRetryDelay, cfg.Provider.RetryDelay)
}

func TestConfigFromEnvInvalid(t *testing.T) {
	t.Setenv("TAGBOX_MAX_RETRIES", "plenty")

	_, err := tagbox.ConfigFromEnv()
	assert.ErrorContains(t, err, "parse env")
}

func TestConfigDefaultsApplied(t *testing.T) {
	tb, _ := newTagbox(t, tagbox.Config{MaxRetries: 2})
	cfg := tb.Config()

	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, tagbox.DefaultCancellationWindow, cfg.CancellationWindow)
	assert.Equal(t, tagbox.DefaultSafeWindow, cfg.SafeWindow)
	assert.Equal(t, tagbox.DefaultRetryBackoff, cfg.RetryBackoff)
	assert.Equal(t, tagbox.DefaultTagStateCacheSize, cfg.TagStateCacheSize)
	assert.Equal(t, tagbox.DefaultSnapshotWorkers, cfg.Snapshot.WorkerCount)
	assert.Equal(t, tagbox.DefaultProviderBatchSize, cfg.Provider.BatchSize)
	assert.Equal(t, tagbox.DefaultProviderRetryDelay, cfg.Provider.RetryDelay)
}
