package cotab

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cotab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := writeConfig(t, `
url: wss://api.example.com/ws
scope: user-42
heartbeat_interval: 10s
reconnect_base: 500ms
reconnect_cap: 8s
max_reconnect_attempts: 4
poll_interval: 2s
lease_ttl: 20s
max_concurrent_tasks: 8
max_conversation_tasks: 2
notification_cap: 10
broadcast_relay: true
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "wss://api.example.com/ws", cfg.URL)
	require.Equal(t, "user-42", cfg.Scope)
	require.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 500*time.Millisecond, cfg.ReconnectBase)
	require.Equal(t, 8*time.Second, cfg.ReconnectCap)
	require.Equal(t, 4, cfg.MaxReconnectAttempts)
	require.Equal(t, 2*time.Second, cfg.PollInterval)
	require.Equal(t, 20*time.Second, cfg.LeaseTTL)
	require.Equal(t, 8, cfg.MaxConcurrentTasks)
	require.Equal(t, 2, cfg.MaxConversationTasks)
	require.Equal(t, 10, cfg.NotificationCap)
	require.True(t, cfg.BroadcastRelay)
}

func TestLoadConfig_AbsentFieldsKeepDefaults(t *testing.T) {
	path := writeConfig(t, "scope: user-42\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	def := DefaultConfig()
	require.Equal(t, "user-42", cfg.Scope)
	require.Equal(t, def.HeartbeatInterval, cfg.HeartbeatInterval)
	require.Equal(t, def.PollInterval, cfg.PollInterval)
	require.Equal(t, def.MaxConcurrentTasks, cfg.MaxConcurrentTasks)
	require.Equal(t, def.MaxConversationTasks, cfg.MaxConversationTasks)
	require.Equal(t, def.LeaseTTL, cfg.LeaseTTL)
	require.Equal(t, def.BroadcastRelay, cfg.BroadcastRelay)
}

func TestLoadConfig_ZeroOverridesAllowed(t *testing.T) {
	// explicit zeros are honored for the pointer-typed fields
	path := writeConfig(t, "max_reconnect_attempts: 0\nnotification_cap: 0\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Zero(t, cfg.MaxReconnectAttempts)
	require.Zero(t, cfg.NotificationCap)
}

func TestLoadConfig_BadDuration(t *testing.T) {
	path := writeConfig(t, "poll_interval: not-a-duration\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
