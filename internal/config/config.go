package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port         int
	MasterSecret string
	GinMode      string
	TLSCertFile  string
	TLSKeyFile   string
	TokenExpiry  time.Duration

	MachinesStateFile string
	PushWebhookURL    string

	Sync SyncPolicy
}

// SyncPolicy collects the timing knobs of the sync engine. The values are
// policy choices, not structural requirements, so they are configurable
// with the historical defaults.
type SyncPolicy struct {
	// DebounceWindow suppresses redundant session-updated broadcasts for
	// alive signals that change nothing.
	DebounceWindow time.Duration
	// SessionTimeout and MachineTimeout demote silent entities to inactive.
	SessionTimeout time.Duration
	MachineTimeout time.Duration
	// SweepInterval is the liveness monitor tick.
	SweepInterval time.Duration
	// SkewWindow bounds how far in the past an alive timestamp may be.
	SkewWindow time.Duration
	// PushMinInterval rate-limits task-complete notifications per session.
	PushMinInterval time.Duration
	// RPCTimeout bounds a transport acknowledgement wait.
	RPCTimeout time.Duration
	// HeartbeatInterval is the SSE keepalive tick.
	HeartbeatInterval time.Duration
}

func DefaultSyncPolicy() SyncPolicy {
	return SyncPolicy{
		DebounceWindow:    10 * time.Second,
		SessionTimeout:    30 * time.Second,
		MachineTimeout:    45 * time.Second,
		SweepInterval:     5 * time.Second,
		SkewWindow:        10 * time.Minute,
		PushMinInterval:   30 * time.Second,
		RPCTimeout:        30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:        3000,
		GinMode:     "release",
		TokenExpiry: 7 * 24 * time.Hour,
		Sync:        DefaultSyncPolicy(),
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")
	cfg.MachinesStateFile = env.Getenv("MACHINES_STATE_FILE")
	cfg.PushWebhookURL = env.Getenv("PUSH_WEBHOOK_URL")

	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
		}
		cfg.TokenExpiry = time.Duration(seconds) * time.Second
	}

	overrides := []struct {
		key  string
		dest *time.Duration
	}{
		{"SYNC_DEBOUNCE_SECONDS", &cfg.Sync.DebounceWindow},
		{"SYNC_SESSION_TIMEOUT_SECONDS", &cfg.Sync.SessionTimeout},
		{"SYNC_MACHINE_TIMEOUT_SECONDS", &cfg.Sync.MachineTimeout},
		{"SYNC_SWEEP_INTERVAL_SECONDS", &cfg.Sync.SweepInterval},
		{"SYNC_SKEW_WINDOW_SECONDS", &cfg.Sync.SkewWindow},
		{"PUSH_MIN_INTERVAL_SECONDS", &cfg.Sync.PushMinInterval},
		{"RPC_TIMEOUT_SECONDS", &cfg.Sync.RPCTimeout},
		{"SSE_HEARTBEAT_SECONDS", &cfg.Sync.HeartbeatInterval},
	}
	for _, o := range overrides {
		raw := env.Getenv(o.key)
		if raw == "" {
			continue
		}
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid %s", o.key)
		}
		*o.dest = time.Duration(seconds) * time.Second
	}

	return cfg, nil
}
