package cotab

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of a session. Zero values are replaced by
// defaults at construction; use options or LoadConfig to override.
type Config struct {
	// URL is the push-channel endpoint (ws:// or wss://). Empty disables the
	// live connection; tasks then complete via polling only.
	URL string

	// Scope namespaces the shared Redis keys (leases, broadcast). All
	// sessions of one user session must share a scope.
	Scope string

	// HeartbeatInterval is the fixed keepalive interval on an open connection.
	HeartbeatInterval time.Duration
	// ReconnectBase and ReconnectCap bound the reconnect delay
	// min(base*2^attempts, cap).
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	// MaxReconnectAttempts is the hard ceiling; beyond it the connection
	// stays disconnected until externally retriggered.
	MaxReconnectAttempts int
	// RestartJitterMax is the random delay added before reconnecting after a
	// server_restarting frame, to avoid a stampede.
	RestartJitterMax time.Duration

	// PollInterval is the fixed poll cadence; there is no adaptive backoff.
	PollInterval time.Duration
	// PollMaxDuration is the wall-clock budget for one poll loop.
	PollMaxDuration time.Duration
	// PollFailureBudget is the consecutive-failure count treated as
	// "task likely expired".
	PollFailureBudget int

	// LeaseTTL is the age beyond which a lease is treated as absent.
	LeaseTTL time.Duration
	// LeaseRenewInterval is the heartbeat cadence while owning a lease.
	LeaseRenewInterval time.Duration
	// LeaseSweepTTL is the longer absolute age at which the background sweep
	// deletes leases left behind by vanished owners.
	LeaseSweepTTL time.Duration
	// LeaseSweepInterval is the sweep cadence.
	LeaseSweepInterval time.Duration

	// MatchWindow is the time window of the heuristic content match used to
	// reconcile untagged pending sends.
	MatchWindow time.Duration

	// MaxConcurrentTasks is the global concurrency ceiling across all kinds.
	MaxConcurrentTasks int
	// MaxConversationTasks is the per-conversation ceiling.
	MaxConversationTasks int

	// NotificationCap bounds the completion-notification queue.
	NotificationCap int
	// ErrorGrace is how long a failed task stays in the registry before it is
	// garbage-collected.
	ErrorGrace time.Duration
	// RecentCompletedFor is how long a conversation keeps its
	// recently-completed highlight.
	RecentCompletedFor time.Duration

	// RecoveryStagger spaces out resume attempts (delay = stagger * index).
	RecoveryStagger time.Duration

	// BroadcastRelay forces the storage-relay broadcast path instead of
	// pub/sub. Normally the relay is only a fallback.
	BroadcastRelay bool

	// Logger receives library events. Defaults to a silent logger.
	Logger Logger
}

// DefaultConfig returns the baseline configuration. The limits mirror the
// server's own ceilings (15 global, 5 per conversation).
func DefaultConfig() Config {
	return Config{
		Scope:                "default",
		HeartbeatInterval:    30 * time.Second,
		ReconnectBase:        time.Second,
		ReconnectCap:         30 * time.Second,
		MaxReconnectAttempts: 10,
		RestartJitterMax:     5 * time.Second,
		PollInterval:         3 * time.Second,
		PollMaxDuration:      10 * time.Minute,
		PollFailureBudget:    5,
		LeaseTTL:             15 * time.Second,
		LeaseRenewInterval:   5 * time.Second,
		LeaseSweepTTL:        time.Minute,
		LeaseSweepInterval:   30 * time.Second,
		MatchWindow:          10 * time.Second,
		MaxConcurrentTasks:   15,
		MaxConversationTasks: 5,
		NotificationCap:      50,
		ErrorGrace:           5 * time.Second,
		RecentCompletedFor:   10 * time.Second,
		RecoveryStagger:      500 * time.Millisecond,
	}
}

// fileConfig is the YAML shape of a config file. Durations are strings in
// time.ParseDuration format; absent fields keep their defaults.
type fileConfig struct {
	URL                  string `yaml:"url"`
	Scope                string `yaml:"scope"`
	HeartbeatInterval    string `yaml:"heartbeat_interval"`
	ReconnectBase        string `yaml:"reconnect_base"`
	ReconnectCap         string `yaml:"reconnect_cap"`
	MaxReconnectAttempts *int   `yaml:"max_reconnect_attempts"`
	RestartJitterMax     string `yaml:"restart_jitter_max"`
	PollInterval         string `yaml:"poll_interval"`
	PollMaxDuration      string `yaml:"poll_max_duration"`
	PollFailureBudget    *int   `yaml:"poll_failure_budget"`
	LeaseTTL             string `yaml:"lease_ttl"`
	LeaseRenewInterval   string `yaml:"lease_renew_interval"`
	LeaseSweepTTL        string `yaml:"lease_sweep_ttl"`
	LeaseSweepInterval   string `yaml:"lease_sweep_interval"`
	MatchWindow          string `yaml:"match_window"`
	MaxConcurrentTasks   *int   `yaml:"max_concurrent_tasks"`
	MaxConversationTasks *int   `yaml:"max_conversation_tasks"`
	NotificationCap      *int   `yaml:"notification_cap"`
	ErrorGrace           string `yaml:"error_grace"`
	RecentCompletedFor   string `yaml:"recent_completed_for"`
	RecoveryStagger      string `yaml:"recovery_stagger"`
	BroadcastRelay       *bool  `yaml:"broadcast_relay"`
}

// LoadConfig reads a YAML config file and merges it over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if fc.URL != "" {
		cfg.URL = fc.URL
	}
	if fc.Scope != "" {
		cfg.Scope = fc.Scope
	}
	durs := []struct {
		raw string
		dst *time.Duration
	}{
		{fc.HeartbeatInterval, &cfg.HeartbeatInterval},
		{fc.ReconnectBase, &cfg.ReconnectBase},
		{fc.ReconnectCap, &cfg.ReconnectCap},
		{fc.RestartJitterMax, &cfg.RestartJitterMax},
		{fc.PollInterval, &cfg.PollInterval},
		{fc.PollMaxDuration, &cfg.PollMaxDuration},
		{fc.LeaseTTL, &cfg.LeaseTTL},
		{fc.LeaseRenewInterval, &cfg.LeaseRenewInterval},
		{fc.LeaseSweepTTL, &cfg.LeaseSweepTTL},
		{fc.LeaseSweepInterval, &cfg.LeaseSweepInterval},
		{fc.MatchWindow, &cfg.MatchWindow},
		{fc.ErrorGrace, &cfg.ErrorGrace},
		{fc.RecentCompletedFor, &cfg.RecentCompletedFor},
		{fc.RecoveryStagger, &cfg.RecoveryStagger},
	}
	for _, d := range durs {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		*d.dst = v
	}
	if fc.MaxReconnectAttempts != nil {
		cfg.MaxReconnectAttempts = *fc.MaxReconnectAttempts
	}
	if fc.PollFailureBudget != nil {
		cfg.PollFailureBudget = *fc.PollFailureBudget
	}
	if fc.MaxConcurrentTasks != nil {
		cfg.MaxConcurrentTasks = *fc.MaxConcurrentTasks
	}
	if fc.MaxConversationTasks != nil {
		cfg.MaxConversationTasks = *fc.MaxConversationTasks
	}
	if fc.NotificationCap != nil {
		cfg.NotificationCap = *fc.NotificationCap
	}
	if fc.BroadcastRelay != nil {
		cfg.BroadcastRelay = *fc.BroadcastRelay
	}
	return cfg, nil
}
