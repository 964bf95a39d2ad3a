package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "7653", cfg.Port)
	assert.Equal(t, "node-1", cfg.NodeID)
	assert.Equal(t, 64, cfg.Partitions)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout)
	assert.Equal(t, 10*time.Second, cfg.CommitTimeout)
	assert.True(t, cfg.LockTimeoutRetryable)
	assert.False(t, cfg.Clustered())

	g := cfg.Grid()
	assert.Equal(t, "node-1", g.NodeID)
	assert.Equal(t, 10, g.RetryMaxAttempts)
}

func TestFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{
		"port": "9000",
		"nodeId": "b",
		"grpcAddr": ":7700",
		"partitions": 32,
		"lockTimeout": "150ms",
		"lockTimeoutRetryable": false,
		"peers": {"a": "localhost:7701", "b": "localhost:7700"}
	}`), 0o600))
	t.Setenv("GRIDKV_WORKERPOOLSIZE", "4")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "b", cfg.NodeID)
	assert.Equal(t, 32, cfg.Partitions)
	assert.Equal(t, 4, cfg.WorkerPoolSize)
	assert.Equal(t, 150*time.Millisecond, cfg.LockTimeout)
	assert.False(t, cfg.LockTimeoutRetryable)
	assert.Equal(t, map[string]string{"a": "localhost:7701", "b": "localhost:7700"}, cfg.Peers)
	assert.True(t, cfg.Clustered())
}

func TestInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"nodeId": "c", "peers": {"a": "x"}}`), 0o600))
	_, err := Load(dir)
	assert.ErrorContains(t, err, "peers must list")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"partitions": 0}`), 0o600))
	_, err = Load(dir)
	assert.ErrorContains(t, err, "partitions")
}
