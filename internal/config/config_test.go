package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapEnv map[string]string

func (m mapEnv) Getenv(key string) string { return m[key] }

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x"})
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "release", cfg.GinMode)
	assert.Equal(t, 10*time.Second, cfg.Sync.DebounceWindow)
	assert.Equal(t, 30*time.Second, cfg.Sync.SessionTimeout)
	assert.Equal(t, 45*time.Second, cfg.Sync.MachineTimeout)
}

func TestLoadConfigFromEnv_MissingSecret(t *testing.T) {
	_, err := LoadConfigFromEnv(mapEnv{})
	require.Error(t, err)
}

func TestLoadConfigFromEnv_PortOverride(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x", "PORT": "1234"})
	require.NoError(t, err)
	assert.Equal(t, 1234, cfg.Port)
}

func TestLoadConfigFromEnv_SyncOverrides(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{
		"MASTER_SECRET":                "x",
		"SYNC_DEBOUNCE_SECONDS":        "3",
		"SYNC_SESSION_TIMEOUT_SECONDS": "60",
	})
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Sync.DebounceWindow)
	assert.Equal(t, 60*time.Second, cfg.Sync.SessionTimeout)

	_, err = LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x", "RPC_TIMEOUT_SECONDS": "nope"})
	require.Error(t, err)
}
