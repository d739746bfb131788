package cotab

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PollResult is the outcome of one poll attempt.
type PollResult struct {
	// Done signals the task reached a server-side terminal state.
	Done bool
	// Result carries the terminal payload handed to OnSuccess.
	Result any
}

// PollFunc performs one poll attempt. Returning an error counts against the
// consecutive-failure budget; any non-error return resets it.
type PollFunc func(ctx context.Context) (PollResult, error)

// PollCallbacks receive the terminal outcome of a poll loop. At most one of
// them fires, exactly once.
type PollCallbacks struct {
	OnSuccess func(result any)
	OnError   func(err error)
}

// PollOptions tune one poll loop.
type PollOptions struct {
	// Interval is the fixed poll cadence. There is no adaptive backoff.
	Interval time.Duration
	// MaxDuration is the wall-clock budget; exceeding it raises ErrPollTimeout.
	// Zero means unbounded.
	MaxDuration time.Duration
	// FailureBudget is the consecutive-failure cutoff raising ErrPollExpired.
	FailureBudget int
}

type pollReg struct {
	cancel  context.CancelFunc
	started time.Time
}

// PollingEngine runs fixed-interval poll loops keyed by task id. The
// registration record is the sole ownership token: terminal callbacks fire
// only for the goroutine that atomically removes the record, so an immediate
// call racing a timer tick cannot double-fire.
type PollingEngine struct {
	mu   sync.Mutex
	regs map[string]*pollReg
	log  Logger
}

// NewPollingEngine creates an engine. A nil logger is replaced by a silent one.
func NewPollingEngine(log Logger) *PollingEngine {
	if log == nil {
		log = noopLogger{}
	}
	return &PollingEngine{regs: make(map[string]*pollReg), log: log}
}

// Start registers taskID and begins polling: one immediate attempt, then one
// per interval. It returns ErrAlreadyPolling if the id is registered.
func (e *PollingEngine) Start(taskID string, fn PollFunc, cb PollCallbacks, opts PollOptions) error {
	if opts.Interval <= 0 {
		opts.Interval = 3 * time.Second
	}
	if opts.FailureBudget <= 0 {
		opts.FailureBudget = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &pollReg{cancel: cancel, started: time.Now()}

	e.mu.Lock()
	if _, exists := e.regs[taskID]; exists {
		e.mu.Unlock()
		cancel()
		return ErrAlreadyPolling
	}
	e.regs[taskID] = r
	e.mu.Unlock()

	go e.loop(ctx, taskID, fn, cb, opts, r)
	return nil
}

// Stop clears the loop and deletes the registration. Deleting the record is
// the unlock: callbacks can no longer fire for this id.
func (e *PollingEngine) Stop(taskID string) {
	e.mu.Lock()
	r, ok := e.regs[taskID]
	if ok {
		delete(e.regs, taskID)
	}
	e.mu.Unlock()
	if ok {
		r.cancel()
	}
}

// Active reports whether a registration exists for taskID.
func (e *PollingEngine) Active(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.regs[taskID]
	return ok
}

// take atomically removes the registration, returning true for exactly one
// caller. Only that caller may fire terminal callbacks.
func (e *PollingEngine) take(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.regs[taskID]; !ok {
		return false
	}
	delete(e.regs, taskID)
	return true
}

func (e *PollingEngine) loop(ctx context.Context, taskID string, fn PollFunc, cb PollCallbacks, opts PollOptions, r *pollReg) {
	defer r.cancel()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		res, err := fn(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			e.log.Debugf("poll: attempt failed task=%s consecutive=%d err=%v", taskID, failures, err)
			if failures >= opts.FailureBudget {
				if e.take(taskID) && cb.OnError != nil {
					cb.OnError(fmt.Errorf("%w (after %d consecutive failures)", ErrPollExpired, failures))
				}
				return
			}
		} else {
			failures = 0
			if res.Done {
				if e.take(taskID) && cb.OnSuccess != nil {
					cb.OnSuccess(res.Result)
				}
				return
			}
		}

		if opts.MaxDuration > 0 {
			if elapsed := time.Since(r.started); elapsed >= opts.MaxDuration {
				if e.take(taskID) && cb.OnError != nil {
					cb.OnError(fmt.Errorf("%w (elapsed %s)", ErrPollTimeout, elapsed.Round(time.Millisecond)))
				}
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
