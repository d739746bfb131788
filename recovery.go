package cotab

import (
	"context"
	"sync"
	"time"
)

// RecoveryManager re-attaches to server-reported pending tasks after a
// reload: push-capable chat tasks resume their live event stream (falling
// back to accumulated-content polling), media tasks re-enter the polling
// engine behind the coordinator. Placeholder ids and timestamps from the
// listing are reused so resumed messages keep their timeline position.
type RecoveryManager struct {
	backend Backend
	reg     *TaskRegistry
	poller  *PollingEngine
	coord   *CrossTabCoordinator
	bc      *TabBroadcaster
	router  *MessageRouter
	runtime func(conversationID string) *RuntimeState
	cfg     Config
	log     Logger

	mu         sync.Mutex
	recovering map[string]struct{}
	unsub      func()
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewRecoveryManager wires a recovery manager over the session's parts.
func NewRecoveryManager(backend Backend, reg *TaskRegistry, poller *PollingEngine,
	coord *CrossTabCoordinator, bc *TabBroadcaster, router *MessageRouter,
	runtime func(string) *RuntimeState, cfg Config) *RecoveryManager {
	log := cfg.Logger
	if log == nil {
		log = noopLogger{}
	}
	return &RecoveryManager{
		backend:    backend,
		reg:        reg,
		poller:     poller,
		coord:      coord,
		bc:         bc,
		router:     router,
		runtime:    runtime,
		cfg:        cfg,
		log:        log,
		recovering: make(map[string]struct{}),
	}
}

// Run fetches the pending-task listing and launches one staggered resume per
// task. It returns after scheduling; resumes complete asynchronously.
func (rm *RecoveryManager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	rm.mu.Lock()
	rm.cancel = cancel
	rm.mu.Unlock()

	// other sessions announce their resumes; note them so this session does
	// not issue a duplicate attempt for the same task
	if rm.bc != nil {
		rm.unsub = rm.bc.Subscribe(EventTaskResumed, func(env BroadcastEnvelope) {
			var p TaskEventPayload
			if err := (&JSONEncoder{}).Decode(env.Payload, &p); err != nil || p.TaskID == "" {
				return
			}
			rm.mu.Lock()
			rm.recovering[p.TaskID] = struct{}{}
			rm.mu.Unlock()
		})
	}

	tasks, err := rm.backend.PendingTasks(ctx)
	if err != nil {
		return err
	}
	rm.log.Infof("recovery: %d pending tasks", len(tasks))
	for i, pt := range tasks {
		delay := time.Duration(i) * rm.cfg.RecoveryStagger
		rm.wg.Add(1)
		go func(pt PendingTask, delay time.Duration) {
			defer rm.wg.Done()
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			rm.recoverOne(ctx, pt)
		}(pt, delay)
	}
	return nil
}

// Cancel aborts all pending recovery attempts, the page-unload analogue.
func (rm *RecoveryManager) Cancel() {
	rm.mu.Lock()
	cancel := rm.cancel
	rm.cancel = nil
	unsub := rm.unsub
	rm.unsub = nil
	rm.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	rm.wg.Wait()
}

// claim marks a task as being recovered. It returns false if a recovery is
// already underway here or was announced by another session.
func (rm *RecoveryManager) claim(taskID string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, ok := rm.recovering[taskID]; ok {
		return false
	}
	rm.recovering[taskID] = struct{}{}
	return true
}

func (rm *RecoveryManager) recoverOne(ctx context.Context, pt PendingTask) {
	taskID := pt.TaskID()
	if pt.Status != "pending" && pt.Status != "running" {
		// already terminal server-side: no live channel, just refresh
		rm.log.Debugf("recovery: task=%s already terminal (%s)", taskID, pt.Status)
		rm.refresh(pt.ConversationID)
		return
	}
	if !rm.claim(taskID) {
		rm.log.Debugf("recovery: task=%s already being resumed", taskID)
		return
	}
	if rm.bc != nil {
		rm.bc.Publish(ctx, EventTaskResumed, TaskEventPayload{
			TaskID:         taskID,
			ConversationID: pt.ConversationID,
			Kind:           pt.Kind.String(),
		})
	}
	if pt.Kind.Media() {
		rm.recoverMedia(ctx, pt, taskID)
		return
	}
	rm.recoverChat(ctx, pt, taskID)
}

func (rm *RecoveryManager) recoverChat(ctx context.Context, pt PendingTask, taskID string) {
	if _, err := rm.reg.StartTask(pt.ConversationID, taskID, pt.PlaceholderMessageID, pt.StartedAt); err != nil {
		rm.log.Debugf("recovery: chat task=%s not restarted: %v", taskID, err)
		return
	}
	rt := rm.runtime(pt.ConversationID)
	rt.Append(Message{
		ID:             pt.PlaceholderMessageID,
		ConversationID: pt.ConversationID,
		Role:           RoleAssistant,
		CreatedAt:      pt.PlaceholderCreatedAt,
		Optimistic:     OptimisticStreaming,
	})
	rt.SetStreaming(pt.PlaceholderMessageID)

	ch, err := rm.backend.ResumeStream(ctx, taskID, -1)
	if err != nil {
		rm.log.Warnf("recovery: resume stream failed task=%s, falling back to poll: %v", taskID, err)
		rm.pollContent(pt, taskID)
		return
	}
	for f := range ch {
		rm.router.Route(f)
	}
	if ctx.Err() != nil {
		return
	}
	// the stream ended without a terminal frame; fall back to polling if the
	// task is still registered
	if _, still := rm.reg.TaskByID(taskID); still {
		rm.pollContent(pt, taskID)
	}
}

// pollContent observes a chat task via the accumulated-content endpoint,
// appending only the delta beyond a monotonic length cursor.
func (rm *RecoveryManager) pollContent(pt PendingTask, taskID string) {
	rm.reg.SetPolling(taskID)
	cursor := 0
	fn := func(ctx context.Context) (PollResult, error) {
		res, err := rm.backend.AccumulatedContent(ctx, taskID)
		if err != nil {
			return PollResult{}, err
		}
		if len(res.Content) > cursor {
			delta := res.Content[cursor:]
			cursor = len(res.Content)
			rm.reg.UpdateContent(taskID, delta)
			rm.runtime(pt.ConversationID).AppendStreamContent(pt.PlaceholderMessageID, delta)
		}
		if res.Status.Terminal() {
			return PollResult{Done: true, Result: res}, nil
		}
		return PollResult{}, nil
	}
	cb := PollCallbacks{
		OnSuccess: func(result any) {
			res := result.(ContentResult)
			if res.Status == TaskStateFailed {
				rm.router.Route(rm.errorFrame(taskID, res.Error))
				return
			}
			rm.router.Route(rm.doneFrame(pt, taskID, res.Content))
		},
		OnError: func(err error) {
			rm.router.Route(rm.errorFrame(taskID, err.Error()))
		},
	}
	err := rm.poller.Start(taskID, fn, cb, PollOptions{
		Interval:      rm.cfg.PollInterval,
		MaxDuration:   rm.cfg.PollMaxDuration,
		FailureBudget: rm.cfg.PollFailureBudget,
	})
	if err != nil {
		rm.log.Debugf("recovery: content poll not started task=%s: %v", taskID, err)
	}
}

func (rm *RecoveryManager) recoverMedia(ctx context.Context, pt PendingTask, taskID string) {
	ok, err := rm.coord.CanStartPolling(ctx, taskID)
	if err != nil {
		rm.log.Warnf("recovery: lease check failed task=%s: %v", taskID, err)
		return
	}
	if !ok {
		// another session owns the task; it will surface via reconciliation
		return
	}
	if _, err := rm.reg.StartMediaTask(taskID, pt.ConversationID, pt.Kind, pt.PlaceholderMessageID, pt.StartedAt); err != nil {
		rm.log.Debugf("recovery: media task=%s not restarted: %v", taskID, err)
		rm.coord.ReleasePolling(ctx, taskID)
		return
	}
	rm.reg.SetPolling(taskID)
	rm.runtime(pt.ConversationID).Append(Message{
		ID:             pt.PlaceholderMessageID,
		ConversationID: pt.ConversationID,
		Role:           RoleAssistant,
		Content:        "generating…",
		CreatedAt:      pt.PlaceholderCreatedAt,
		Optimistic:     OptimisticMedia,
	})

	fn := func(ctx context.Context) (PollResult, error) {
		res, err := rm.backend.TaskStatus(ctx, taskID)
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
			defer rm.coord.ReleasePolling(context.Background(), taskID)
			res := result.(StatusResult)
			status := "completed"
			if res.Status == TaskStateFailed {
				status = "failed"
			}
			f := NewFrame(FrameTaskStatus, TaskStatusPayload{
				Status:       status,
				MediaType:    pt.Kind.String(),
				ErrorMessage: res.Error,
			})
			f.TaskID = taskID
			f.ConversationID = pt.ConversationID
			rm.router.Route(f)
		},
		OnError: func(err error) {
			defer rm.coord.ReleasePolling(context.Background(), taskID)
			rm.reg.FailMediaTask(taskID, err.Error())
			bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if merr := rm.backend.MarkTaskFailed(bg, taskID, err.Error()); merr != nil {
				rm.log.Warnf("recovery: mark failed task=%s: %v", taskID, merr)
			}
		},
	}
	err = rm.poller.Start(taskID, fn, cb, PollOptions{
		Interval:      rm.cfg.PollInterval,
		MaxDuration:   rm.cfg.PollMaxDuration,
		FailureBudget: rm.cfg.PollFailureBudget,
	})
	if err != nil {
		rm.log.Debugf("recovery: media poll not started task=%s: %v", taskID, err)
		rm.coord.ReleasePolling(ctx, taskID)
	}
}

// refresh clears runtime leftovers so the next reconciliation against fresh
// authoritative data shows the terminal result.
func (rm *RecoveryManager) refresh(conversationID string) {
	rt := rm.runtime(conversationID)
	if id := rt.StreamingID(); id != "" {
		rt.FinishStreaming(id, "")
	}
}

func (rm *RecoveryManager) doneFrame(pt PendingTask, taskID, content string) Frame {
	f := NewFrame(FrameChatDone, ChatDonePayload{
		MessageID: pt.PlaceholderMessageID,
		Content:   content,
	})
	f.TaskID = taskID
	f.ConversationID = pt.ConversationID
	return f
}

func (rm *RecoveryManager) errorFrame(taskID, reason string) Frame {
	f := NewFrame(FrameChatError, ChatErrorPayload{Error: reason})
	f.TaskID = taskID
	return f
}
