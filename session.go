package cotab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Session is the explicitly-owned service object of one client instance
// ("tab") of a user session. It constructs and wires the connection, task
// registry, polling engine, cross-tab coordinator, broadcaster and recovery
// manager, and owns their lifecycle: one Session per tab, started once,
// closed once.
type Session struct {
	cfg     Config
	id      string
	log     Logger
	backend Backend

	conn     *ConnectionManager
	reg      *TaskRegistry
	poller   *PollingEngine
	coord    *CrossTabCoordinator
	bc       *TabBroadcaster
	router   *MessageRouter
	recovery *RecoveryManager

	mu       sync.Mutex
	runtimes map[string]*RuntimeState
	started  bool
	closed   bool
}

// NewSession creates a session over the shared Redis store and the backend
// collaborators. The returned session is idle until Start.
func NewSession(rdb redis.UniversalClient, backend Backend, opts ...Option) *Session {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.Logger
	if log == nil {
		log = noopLogger{}
		cfg.Logger = log
	}
	s := &Session{
		cfg:      cfg,
		id:       uuid.NewString(),
		log:      log,
		backend:  backend,
		runtimes: make(map[string]*RuntimeState),
	}
	s.reg = NewTaskRegistry(cfg)
	s.poller = NewPollingEngine(log)
	s.bc = NewTabBroadcaster(rdb, cfg.Scope, s.id, cfg.BroadcastRelay, log)
	s.coord = NewCrossTabCoordinator(rdb, s.bc, s.id, cfg)
	s.router = NewMessageRouter(s.reg, s.Runtime, log)
	if cfg.URL != "" {
		s.conn = NewConnectionManager(cfg)
		s.conn.OnConnect = s.resubscribe
	}
	s.recovery = NewRecoveryManager(backend, s.reg, s.poller, s.coord, s.bc, s.router, s.Runtime, cfg)
	return s
}

// ID returns the session's ephemeral identity, used as lease owner and
// broadcast sender id.
func (s *Session) ID() string { return s.id }

// Registry exposes the task registry.
func (s *Session) Registry() *TaskRegistry { return s.reg }

// Conn exposes the connection manager, nil when no URL is configured.
func (s *Session) Conn() *ConnectionManager { return s.conn }

// Poller exposes the polling engine.
func (s *Session) Poller() *PollingEngine { return s.poller }

// Coordinator exposes the cross-tab coordinator.
func (s *Session) Coordinator() *CrossTabCoordinator { return s.coord }

// Broadcaster exposes the advisory broadcaster.
func (s *Session) Broadcaster() *TabBroadcaster { return s.bc }

// Router exposes the message router, e.g. to set the credits callback.
func (s *Session) Router() *MessageRouter { return s.router }

// Runtime returns the per-conversation runtime state, creating it on first use.
func (s *Session) Runtime(conversationID string) *RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[conversationID]
	if !ok {
		rt = NewRuntimeState()
		s.runtimes[conversationID] = rt
	}
	return rt
}

// Start brings the session up: broadcaster, lease sweep, push connection and
// recovery of pending tasks. It is not idempotent; a session starts once.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.bc.Start(ctx)
	// other sessions announce terminal outcomes of tasks they poll; mirror
	// them locally so follower registrations do not pin the concurrency
	// ceiling forever
	s.bc.Subscribe(EventTaskCompleted, s.onRemoteTaskCompleted)
	s.bc.Subscribe(EventTaskFailed, s.onRemoteTaskFailed)
	s.coord.Start(ctx)
	if s.conn != nil {
		s.router.Bind(s.conn)
		if err := s.conn.Connect(ctx); err != nil {
			// the reconnect policy keeps trying; a failed first dial is not fatal
			s.log.Warnf("session: initial connect failed: %v", err)
		}
	}
	if err := s.recovery.Run(ctx); err != nil {
		s.log.Warnf("session: recovery listing failed: %v", err)
	}
	s.log.Infof("session: started id=%s scope=%s", s.id, s.cfg.Scope)
	return nil
}

// Close tears the session down: recovery attempts are cancelled en masse,
// timers cleared, the connection closed and the broadcaster stopped.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.recovery.Cancel()
	if s.conn != nil {
		s.router.Unbind()
		s.conn.Close()
	}
	s.coord.Close()
	s.bc.Close()
	s.reg.Close()
	s.log.Infof("session: closed id=%s", s.id)
}

// resubscribe re-requests every active chat stream after a dial, passing the
// last delivered index so the server replays only what was missed.
func (s *Session) resubscribe() {
	for _, t := range s.reg.ChatTasks() {
		f := NewFrame(FrameSubscribe, SubscribePayload{TaskID: t.ID, LastIndex: t.LastIndex})
		f.TaskID = t.ID
		if err := s.conn.Send(f); err != nil {
			s.log.Debugf("session: resubscribe task=%s: %v", t.ID, err)
		}
	}
}

// onRemoteTaskCompleted clears the local registration of a media task another
// session finished polling. Errored entries are left to the failure path and
// its grace removal.
func (s *Session) onRemoteTaskCompleted(env BroadcastEnvelope) {
	var p TaskEventPayload
	if err := (&JSONEncoder{}).Decode(env.Payload, &p); err != nil || p.TaskID == "" {
		return
	}
	if t, ok := s.reg.TaskByID(p.TaskID); !ok || t.Status == StatusError {
		return
	}
	if _, done := s.reg.CompleteMediaTask(p.TaskID); done {
		s.log.Debugf("session: task=%s completed by another session", p.TaskID)
	}
}

// onRemoteTaskFailed mirrors a failure observed by the polling session.
func (s *Session) onRemoteTaskFailed(env BroadcastEnvelope) {
	var p TaskEventPayload
	if err := (&JSONEncoder{}).Decode(env.Payload, &p); err != nil || p.TaskID == "" {
		return
	}
	// chat failures surface over this session's own push channel
	if k, err := ParseKind(p.Kind); err != nil || !k.Media() {
		return
	}
	if _, changed := s.reg.FailMediaTask(p.TaskID, "failed in another session"); changed {
		s.log.Debugf("session: task=%s failed in another session", p.TaskID)
	}
}

// StartChatTask registers a chat task started by a user action, announces it,
// and subscribes the push channel to its stream.
func (s *Session) StartChatTask(ctx context.Context, conversationID, taskID, placeholderID string) (*Task, error) {
	if ok, reason := s.reg.CanStartTask(conversationID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskLimit, reason)
	}
	t, err := s.reg.StartTask(conversationID, taskID, placeholderID, 0)
	if err != nil {
		return nil, err
	}
	s.bc.Publish(ctx, EventTaskStarted, TaskEventPayload{
		TaskID:         taskID,
		ConversationID: conversationID,
		Kind:           KindChat.String(),
	})
	if s.conn != nil {
		f := NewFrame(FrameSubscribe, SubscribePayload{TaskID: taskID, LastIndex: -1})
		f.TaskID = taskID
		s.conn.Send(f)
	}
	return t, nil
}

// StartMediaTask registers a media task, takes its lease and begins status
// polling. The poll resolves through the router so completion handling is
// identical to the push path.
func (s *Session) StartMediaTask(ctx context.Context, conversationID, taskID string, kind TaskKind, placeholderID string) (*Task, error) {
	if ok, reason := s.reg.CanStartTask(conversationID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskLimit, reason)
	}
	granted, err := s.coord.CanStartPolling(ctx, taskID)
	if err != nil {
		return nil, err
	}
	t, err := s.reg.StartMediaTask(taskID, conversationID, kind, placeholderID, 0)
	if err != nil {
		if granted {
			s.coord.ReleasePolling(ctx, taskID)
		}
		return nil, err
	}
	s.bc.Publish(ctx, EventTaskStarted, TaskEventPayload{
		TaskID:         taskID,
		ConversationID: conversationID,
		Kind:           kind.String(),
	})
	if !granted {
		// another session polls; this one follows along via broadcasts and
		// reconciliation
		return t, nil
	}
	s.reg.SetPolling(taskID)
	fn := func(ctx context.Context) (PollResult, error) {
		res, err := s.backend.TaskStatus(ctx, taskID)
		if err != nil {
			return PollResult{}, err
		}
		if res.Status.Terminal() {
			return PollResult{Done: true, Result: res}, nil
		}
		return PollResult{}, nil
	}
	cb := PollCallbacks{
		OnSuccess: func(result any) {
			defer s.coord.ReleasePolling(context.Background(), taskID)
			res := result.(StatusResult)
			status := "completed"
			if res.Status == TaskStateFailed {
				status = "failed"
			}
			f := NewFrame(FrameTaskStatus, TaskStatusPayload{
				Status:       status,
				MediaType:    kind.String(),
				ErrorMessage: res.Error,
			})
			f.TaskID = taskID
			f.ConversationID = conversationID
			s.router.Route(f)
		},
		OnError: func(err error) {
			defer s.coord.ReleasePolling(context.Background(), taskID)
			s.reg.FailMediaTask(taskID, err.Error())
			s.bc.Publish(context.Background(), EventTaskFailed, TaskEventPayload{
				TaskID:         taskID,
				ConversationID: conversationID,
				Kind:           kind.String(),
			})
			if errors.Is(err, ErrPollTimeout) || errors.Is(err, ErrPollExpired) {
				bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if merr := s.backend.MarkTaskFailed(bg, taskID, err.Error()); merr != nil {
					s.log.Warnf("session: mark failed task=%s: %v", taskID, merr)
				}
			}
		},
	}
	err = s.poller.Start(taskID, fn, cb, PollOptions{
		Interval:      s.cfg.PollInterval,
		MaxDuration:   s.cfg.PollMaxDuration,
		FailureBudget: s.cfg.PollFailureBudget,
	})
	if err != nil {
		s.coord.ReleasePolling(ctx, taskID)
		s.reg.RemoveMediaTask(taskID)
		return nil, err
	}
	return t, nil
}

// Reconcile merges an authoritative message list with the conversation's
// optimistic buffer into the canonical ordered view.
func (s *Session) Reconcile(conversationID string, persisted []Message) []Message {
	rt := s.Runtime(conversationID)
	return Reconcile(persisted, rt.Snapshot(), ReconcileOptions{
		Window:      s.cfg.MatchWindow,
		StreamingID: rt.StreamingID(),
	})
}
