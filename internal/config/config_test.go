package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/domain"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"STORE_URL", "STORE_KEY", "WORKER_NAME", "WORKER_EMAIL", "ENCRYPTION_KEY",
		"BROWSER_TIMEOUT", "RETRY_COUNT", "HEADLESS", "STATUS_ADDR", "BATCH_SIZE",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadReportsAllMissingNames(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_URL", "postgres://db.example/courier")
	t.Setenv("WORKER_NAME", "w1")

	_, err := Load(nil)
	require.Error(t, err)

	var cfgErr *domain.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, []string{"STORE_KEY", "ENCRYPTION_KEY"}, cfgErr.Missing)
	assert.Contains(t, err.Error(), "STORE_KEY, ENCRYPTION_KEY")
}

func TestLoadSQLiteDoesNotNeedStoreKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_URL", "sqlite:///tmp/courier.db")
	t.Setenv("ENCRYPTION_KEY", "k")
	t.Setenv("WORKER_NAME", "w1")
	t.Setenv("BROWSER_TIMEOUT", "15000")
	t.Setenv("RETRY_COUNT", "5")
	t.Setenv("HEADLESS", "false")

	cfg, err := Load([]string{"-addr", ""})
	require.NoError(t, err)
	assert.Equal(t, "w1", cfg.WorkerName)
	assert.Equal(t, 15*time.Second, cfg.BrowserTimeout)
	assert.Equal(t, 5, cfg.RetryCount)
	assert.False(t, cfg.Headless)
	assert.Empty(t, cfg.StatusAddr)
	assert.Equal(t, "/tmp/courier.db", SQLitePath(cfg.StoreURL))
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_URL", "sqlite://a.db")
	t.Setenv("ENCRYPTION_KEY", "k")
	t.Setenv("WORKER_NAME", "from-env")

	cfg, err := Load([]string{"-name", "from-flag", "-store", "sqlite://b.db", "-headless=false"})
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.WorkerName)
	assert.Equal(t, "sqlite://b.db", cfg.StoreURL)
	assert.False(t, cfg.Headless)
}

func TestValidateClampsNumbers(t *testing.T) {
	cfg := &Config{StoreURL: "sqlite://x.db", EncryptionKey: "k", WorkerName: "w", RetryCount: 0, BatchSize: -1}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, defaultRetryCount, cfg.RetryCount)
	assert.Equal(t, defaultBatchSize, cfg.BatchSize)
	assert.Equal(t, defaultBrowserTimeout, cfg.BrowserTimeout)
	assert.Equal(t, defaultHeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, defaultPollInterval, cfg.PollInterval)
	assert.Equal(t, defaultTaskGap, cfg.TaskGap)

	cfg = &Config{StoreURL: "sqlite://x.db", EncryptionKey: "k", WorkerName: "w",
		HeartbeatInterval: 200 * time.Millisecond, PollInterval: -time.Second, TaskGap: -1}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, defaultPollInterval, cfg.PollInterval)
	assert.Equal(t, defaultTaskGap, cfg.TaskGap)

	cfg = &Config{StoreURL: "sqlite://x.db", EncryptionKey: "k", WorkerName: "w",
		HeartbeatInterval: 5 * time.Second, PollInterval: 250 * time.Millisecond, TaskGap: 50 * time.Millisecond}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.TaskGap)
}

func TestValidateRejectsUnknownScheme(t *testing.T) {
	cfg := &Config{StoreURL: "mysql://x", EncryptionKey: "k", WorkerName: "w"}
	assert.ErrorContains(t, cfg.Validate(), "unsupported STORE_URL")
}
