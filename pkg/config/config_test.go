package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Region)
	assert.Equal(t, 4*time.Second, cfg.WorkerPollInterval)
	assert.Equal(t, 10, cfg.TxnRetryLimit)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burrow.yaml")
	data := []byte("region: us-east\nworker_poll_interval: 2s\ntxn_retry_limit: 5\n")
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "us-east", cfg.Region)
	assert.Equal(t, 2*time.Second, cfg.WorkerPollInterval)
	assert.Equal(t, 5, cfg.TxnRetryLimit)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BURROW_REGION", "eu-west")
	t.Setenv("BURROW_POLL_INTERVAL", "750ms")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "eu-west", cfg.Region)
	assert.Equal(t, 750*time.Millisecond, cfg.WorkerPollInterval)
}

func TestInvalidRetryLimit(t *testing.T) {
	t.Setenv("BURROW_TXN_RETRY_LIMIT", "0")

	_, err := Load("")
	assert.Error(t, err)
}
