package cotab

import "time"

// Option configures a Session at construction time.
type Option func(*Config)

// WithURL sets the push-channel endpoint.
func WithURL(url string) Option {
	return func(c *Config) { c.URL = url }
}

// WithScope namespaces the shared Redis keys. Sessions of the same user
// session must share a scope for leases and broadcasts to line up.
func WithScope(scope string) Option {
	return func(c *Config) { c.Scope = scope }
}

// WithHeartbeatInterval sets the connection keepalive cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

// WithReconnectPolicy sets the exponential reconnect parameters: delay is
// min(base*2^attempts, cap), and past maxAttempts the connection stays down.
func WithReconnectPolicy(base, cap time.Duration, maxAttempts int) Option {
	return func(c *Config) {
		c.ReconnectBase = base
		c.ReconnectCap = cap
		c.MaxReconnectAttempts = maxAttempts
	}
}

// WithPollInterval sets the fixed polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) { c.PollInterval = d }
}

// WithPollMaxDuration sets the wall-clock budget of a poll loop.
func WithPollMaxDuration(d time.Duration) Option {
	return func(c *Config) { c.PollMaxDuration = d }
}

// WithPollFailureBudget sets the consecutive-failure cutoff.
func WithPollFailureBudget(n int) Option {
	return func(c *Config) { c.PollFailureBudget = n }
}

// WithLeaseTTL sets the lease freshness window and its renewal cadence.
func WithLeaseTTL(ttl, renewEvery time.Duration) Option {
	return func(c *Config) {
		c.LeaseTTL = ttl
		c.LeaseRenewInterval = renewEvery
	}
}

// WithLeaseSweep sets the absolute-age sweep of abandoned leases.
func WithLeaseSweep(maxAge, every time.Duration) Option {
	return func(c *Config) {
		c.LeaseSweepTTL = maxAge
		c.LeaseSweepInterval = every
	}
}

// WithMatchWindow sets the heuristic reconciliation time window.
func WithMatchWindow(d time.Duration) Option {
	return func(c *Config) { c.MatchWindow = d }
}

// WithTaskLimits sets the global and per-conversation concurrency ceilings.
func WithTaskLimits(global, perConversation int) Option {
	return func(c *Config) {
		c.MaxConcurrentTasks = global
		c.MaxConversationTasks = perConversation
	}
}

// WithNotificationCap bounds the completion-notification queue.
func WithNotificationCap(n int) Option {
	return func(c *Config) { c.NotificationCap = n }
}

// WithErrorGrace sets how long failed tasks linger before removal.
func WithErrorGrace(d time.Duration) Option {
	return func(c *Config) { c.ErrorGrace = d }
}

// WithRecoveryStagger spaces out resume attempts after a reload.
func WithRecoveryStagger(d time.Duration) Option {
	return func(c *Config) { c.RecoveryStagger = d }
}

// WithBroadcastRelay forces the storage-relay broadcast path. Mainly useful
// in tests and in environments where pub/sub is unavailable.
func WithBroadcastRelay() Option {
	return func(c *Config) { c.BroadcastRelay = true }
}

// WithLogger sets the logger for all components of the session.
func WithLogger(l Logger) Option {
	return func(c *Config) { c.Logger = l }
}
