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
	cfg, err := Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "http://localhost:5000", cfg.APIBase)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 3*time.Second, cfg.HandRaiseLowerDelay)
	assert.Equal(t, 15*time.Second, cfg.StatusPollInterval)
	assert.Equal(t, 60, cfg.TokenTTLMinutes)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "televisit:", cfg.Redis.Namespace)
	assert.NotEmpty(t, cfg.ICEServers)
}

func TestLoadPrecedence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
mode: debug
port: 9000
connect_timeout: 5s
storage:
  backend: redis
redis:
  addr: cache:6379
ice_servers:
  - stun:stun.example.org:3478
`), 0o600))

	t.Setenv("TELEVISIT_PORT", "9100")
	t.Setenv("TELEVISIT_REDIS_DB", "2")

	cfg, err := Load([]string{"--config", file, "--mode", "test"})
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Mode, "flag wins over file")
	assert.Equal(t, 9100, cfg.Port, "env wins over file")
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, cfg.ICEServers)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	_, err := Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "--storage-backend", "etcd"})
	assert.ErrorContains(t, err, "etcd")
}
