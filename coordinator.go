package cotab

import (
	"context"
	"sync"
	"time"

	"github.com/CoTab/cotab-go/internal/leasestore"
	"github.com/redis/go-redis/v9"
)

// CrossTabCoordinator grants at most one session the right to poll or stream
// a given task, via a time-bounded lease in Redis. The lease is approximate
// mutual exclusion (TTL + heartbeat renewal + last-writer-wins on expiry),
// not consensus: under clock skew a bounded window of duplicate work is
// possible and accepted.
type CrossTabCoordinator struct {
	store *leasestore.Store
	bc    *TabBroadcaster
	owner string
	log   Logger

	ttl        time.Duration
	renewEvery time.Duration
	sweepTTL   time.Duration
	sweepEvery time.Duration

	mu       sync.Mutex
	renewals map[string]context.CancelFunc
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewCrossTabCoordinator creates a coordinator for one session identity.
func NewCrossTabCoordinator(rdb redis.UniversalClient, bc *TabBroadcaster, owner string, cfg Config) *CrossTabCoordinator {
	log := cfg.Logger
	if log == nil {
		log = noopLogger{}
	}
	def := DefaultConfig()
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.LeaseRenewInterval <= 0 {
		cfg.LeaseRenewInterval = def.LeaseRenewInterval
	}
	if cfg.LeaseSweepTTL <= 0 {
		cfg.LeaseSweepTTL = def.LeaseSweepTTL
	}
	if cfg.LeaseSweepInterval <= 0 {
		cfg.LeaseSweepInterval = def.LeaseSweepInterval
	}
	return &CrossTabCoordinator{
		store:      leasestore.New(rdb),
		bc:         bc,
		owner:      owner,
		log:        log,
		ttl:        cfg.LeaseTTL,
		renewEvery: cfg.LeaseRenewInterval,
		sweepTTL:   cfg.LeaseSweepTTL,
		sweepEvery: cfg.LeaseSweepInterval,
		renewals:   make(map[string]context.CancelFunc),
	}
}

// Start launches the background sweep that recovers leases abandoned by
// sessions that closed without releasing.
func (c *CrossTabCoordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := c.store.Sweep(ctx, time.Now().UnixMilli(), c.sweepTTL.Milliseconds())
				if err != nil {
					c.log.Warnf("coordinator: sweep failed: %v", err)
				} else if n > 0 {
					c.log.Debugf("coordinator: swept %d stale leases", n)
				}
			}
		}
	}()
}

// Close stops the sweep and every renewal heartbeat. Held leases are left to
// expire; Release them first for a clean handoff.
func (c *CrossTabCoordinator) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	renewals := c.renewals
	c.renewals = make(map[string]context.CancelFunc)
	c.mu.Unlock()
	for _, stop := range renewals {
		stop()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// CanStartPolling attempts to take the lease for taskID. When granted, a
// heartbeat goroutine renews the lease until release or lost ownership; when
// refused, the caller must do no polling at all for that task.
func (c *CrossTabCoordinator) CanStartPolling(ctx context.Context, taskID string) (bool, error) {
	ok, err := c.store.Acquire(ctx, taskID, c.owner, time.Now().UnixMilli(), c.ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	if !ok {
		c.log.Debugf("coordinator: lease refused task=%s", taskID)
		return false, nil
	}
	c.startRenewal(taskID)
	return true, nil
}

// RenewLock refreshes the lease timestamp once. It reports false if ownership
// was lost, e.g. after expiry and theft by another identity.
func (c *CrossTabCoordinator) RenewLock(ctx context.Context, taskID string) (bool, error) {
	return c.store.Renew(ctx, taskID, c.owner, time.Now().UnixMilli())
}

// ReleasePolling deletes the lease and emits the advisory task-completed
// broadcast. Releasing an unowned lease is a no-op.
func (c *CrossTabCoordinator) ReleasePolling(ctx context.Context, taskID string) {
	c.stopRenewal(taskID)
	if _, err := c.store.Release(ctx, taskID, c.owner); err != nil {
		c.log.Warnf("coordinator: release failed task=%s: %v", taskID, err)
	}
	if c.bc != nil {
		c.bc.Publish(ctx, EventTaskCompleted, TaskEventPayload{TaskID: taskID})
	}
}

func (c *CrossTabCoordinator) startRenewal(taskID string) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if prev, ok := c.renewals[taskID]; ok {
		prev()
	}
	c.renewals[taskID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := c.store.Renew(ctx, taskID, c.owner, time.Now().UnixMilli())
				if err != nil {
					c.log.Warnf("coordinator: renew failed task=%s: %v", taskID, err)
					continue
				}
				if !ok {
					c.log.Warnf("coordinator: lease lost task=%s", taskID)
					c.stopRenewal(taskID)
					return
				}
			}
		}
	}()
}

func (c *CrossTabCoordinator) stopRenewal(taskID string) {
	c.mu.Lock()
	cancel, ok := c.renewals[taskID]
	if ok {
		delete(c.renewals, taskID)
	}
	c.mu.Unlock()
	if ok {
		cancel()
	}
}
