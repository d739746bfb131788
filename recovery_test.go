package cotab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeBackend scripts the poll endpoints with canned sequences. Each sequence
// is consumed one element per call and its last element repeats.
type fakeBackend struct {
	mu         sync.Mutex
	pending    []PendingTask
	statusSeq  []StatusResult
	contentSeq []ContentResult

	resumeFrames []Frame
	resumeErr    error

	statusCalls int32
	resumeCalls int32
	startCalls  int32
	failedWith  string
}

func (b *fakeBackend) PendingTasks(ctx context.Context) ([]PendingTask, error) {
	return b.pending, nil
}

func (b *fakeBackend) TaskStatus(ctx context.Context, taskID string) (StatusResult, error) {
	n := atomic.AddInt32(&b.statusCalls, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	i := int(n) - 1
	if i >= len(b.statusSeq) {
		i = len(b.statusSeq) - 1
	}
	return b.statusSeq[i], nil
}

func (b *fakeBackend) AccumulatedContent(ctx context.Context, taskID string) (ContentResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	res := b.contentSeq[0]
	if len(b.contentSeq) > 1 {
		b.contentSeq = b.contentSeq[1:]
	}
	return res, nil
}

func (b *fakeBackend) ResumeStream(ctx context.Context, taskID string, lastIndex int) (<-chan Frame, error) {
	atomic.AddInt32(&b.resumeCalls, 1)
	if b.resumeErr != nil {
		return nil, b.resumeErr
	}
	ch := make(chan Frame, len(b.resumeFrames))
	for _, f := range b.resumeFrames {
		ch <- f
	}
	close(ch)
	return ch, nil
}

func (b *fakeBackend) MarkTaskFailed(ctx context.Context, taskID, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failedWith = reason
	return nil
}

type recoveryFixture struct {
	backend *fakeBackend
	reg     *TaskRegistry
	coord   *CrossTabCoordinator
	rm      *RecoveryManager

	mu       sync.Mutex
	runtimes map[string]*RuntimeState
}

func newRecoveryFixture(t *testing.T, rdb redis.UniversalClient, backend *fakeBackend) *recoveryFixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollFailureBudget = 3
	cfg.RecoveryStagger = 20 * time.Millisecond

	fx := &recoveryFixture{
		backend:  backend,
		reg:      NewTaskRegistry(cfg),
		coord:    NewCrossTabCoordinator(rdb, nil, "tab-a", cfg),
		runtimes: make(map[string]*RuntimeState),
	}
	router := NewMessageRouter(fx.reg, fx.runtime, nil)
	poller := NewPollingEngine(nil)
	fx.rm = NewRecoveryManager(backend, fx.reg, poller, fx.coord, nil, router, fx.runtime, cfg)
	t.Cleanup(func() {
		fx.rm.Cancel()
		fx.coord.Close()
		fx.reg.Close()
	})
	return fx
}

func (fx *recoveryFixture) runtime(conversationID string) *RuntimeState {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	rt, ok := fx.runtimes[conversationID]
	if !ok {
		rt = NewRuntimeState()
		fx.runtimes[conversationID] = rt
	}
	return rt
}

func chatPending(taskID string) PendingTask {
	return PendingTask{
		ID:                   taskID,
		ConversationID:       "c1",
		Kind:                 KindChat,
		Status:               "running",
		PlaceholderMessageID: "ph-" + taskID,
		PlaceholderCreatedAt: 5_000,
		StartedAt:            4_900,
	}
}

func TestRecovery_ChatResumeViaStream(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()

	backend := &fakeBackend{
		pending: []PendingTask{chatPending("t1")},
		resumeFrames: []Frame{
			taskFrame(FrameChatChunk, "t1", ChatChunkPayload{Text: "Hel"}),
			taskFrame(FrameChatChunk, "t1", ChatChunkPayload{Text: "lo"}),
			taskFrame(FrameChatDone, "t1", ChatDonePayload{MessageID: "ph-t1", Content: "Hello"}),
		},
	}
	fx := newRecoveryFixture(t, rdb, backend)

	require.NoError(t, fx.rm.Run(context.Background()))

	// the staggered resume registers, replays the stream and completes; wait
	// for the completion evidence, not the absence of a registration
	require.Eventually(t, func() bool {
		return len(fx.reg.Notifications()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, still := fx.reg.TaskByID("t1")
	require.False(t, still)

	snap := fx.runtime("c1").Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "ph-t1", snap[0].ID, "resumed reply keeps its placeholder id")
	require.Equal(t, int64(5_000), snap[0].CreatedAt, "resumed reply keeps its timeline position")
	require.Equal(t, "Hello", snap[0].Content)
	require.True(t, snap[0].Persisted())
	require.Len(t, fx.reg.Notifications(), 1)
}

func TestRecovery_ChatFallsBackToContentPoll(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()

	backend := &fakeBackend{
		pending:   []PendingTask{chatPending("t1")},
		resumeErr: errors.New("stream endpoint unavailable"),
		contentSeq: []ContentResult{
			{Status: TaskStateProcessing, Content: "Hel"},
			{Status: TaskStateProcessing, Content: "Hello, wor"},
			{Status: TaskStateSuccess, Content: "Hello, world"},
		},
	}
	fx := newRecoveryFixture(t, rdb, backend)

	require.NoError(t, fx.rm.Run(context.Background()))

	require.Eventually(t, func() bool {
		return len(fx.reg.Notifications()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, still := fx.reg.TaskByID("t1")
	require.False(t, still)

	snap := fx.runtime("c1").Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "Hello, world", snap[0].Content, "delta cursor must not duplicate content")
	require.True(t, snap[0].Persisted())
}

func TestRecovery_ChatPollFailure(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()

	backend := &fakeBackend{
		pending:   []PendingTask{chatPending("t1")},
		resumeErr: errors.New("stream endpoint unavailable"),
		contentSeq: []ContentResult{
			{Status: TaskStateFailed, Content: "", Error: "generation aborted"},
		},
	}
	fx := newRecoveryFixture(t, rdb, backend)

	require.NoError(t, fx.rm.Run(context.Background()))

	require.Eventually(t, func() bool {
		task, still := fx.reg.TaskByID("t1")
		return still && task.Status == StatusError
	}, 2*time.Second, 10*time.Millisecond)

	task, _ := fx.reg.TaskByID("t1")
	require.Equal(t, "generation aborted", task.Error)
}

func TestRecovery_MediaResumeBehindLease(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()

	backend := &fakeBackend{
		pending: []PendingTask{{
			ID:                   "m1",
			ExternalTaskID:       "ext-m1",
			ConversationID:       "c1",
			Kind:                 KindImage,
			Status:               "pending",
			PlaceholderMessageID: "ph-m1",
			PlaceholderCreatedAt: 7_000,
			StartedAt:            6_900,
		}},
		statusSeq: []StatusResult{
			{Status: TaskStateProcessing},
			{Status: TaskStateSuccess},
		},
	}
	fx := newRecoveryFixture(t, rdb, backend)

	require.NoError(t, fx.rm.Run(context.Background()))

	// the placeholder re-appears with its original id and timestamp
	require.Eventually(t, func() bool {
		return len(fx.runtime("c1").Snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	m := fx.runtime("c1").Snapshot()[0]
	require.Equal(t, "ph-m1", m.ID)
	require.Equal(t, int64(7_000), m.CreatedAt)
	require.Equal(t, OptimisticMedia, m.Optimistic)

	require.Eventually(t, func() bool {
		_, still := fx.reg.TaskByID("ext-m1")
		return !still
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, fx.reg.Notifications(), 1)

	// the lease was released on completion
	require.Eventually(t, func() bool {
		n, err := rdb.Exists(context.Background(), "cotab:{ext-m1}:lease").Result()
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecovery_MediaLeaseRefused(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()

	// another session already owns the task
	other := newCoordinator(rdb, "tab-other", 30*time.Second, 10*time.Second)
	defer other.Close()
	ok, err := other.CanStartPolling(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)

	backend := &fakeBackend{
		pending: []PendingTask{{
			ID:                   "m1",
			ConversationID:       "c1",
			Kind:                 KindImage,
			Status:               "pending",
			PlaceholderMessageID: "ph-m1",
		}},
		statusSeq: []StatusResult{{Status: TaskStateSuccess}},
	}
	fx := newRecoveryFixture(t, rdb, backend)

	require.NoError(t, fx.rm.Run(ctx))

	time.Sleep(300 * time.Millisecond)
	_, still := fx.reg.TaskByID("m1")
	require.False(t, still, "refused lease means no local registration")
	require.Zero(t, atomic.LoadInt32(&backend.statusCalls), "refused lease means no polling at all")
}

func TestRecovery_MediaPollExhaustionMarksFailed(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()

	backend := &fakeBackend{
		pending: []PendingTask{{
			ID:                   "m1",
			ConversationID:       "c1",
			Kind:                 KindVideo,
			Status:               "running",
			PlaceholderMessageID: "ph-m1",
		}},
	}
	fx := newRecoveryFixture(t, rdb, backend)
	// every status poll errors until the failure budget trips
	fx.rm.backend = failingStatusBackend{backend}

	require.NoError(t, fx.rm.Run(context.Background()))

	require.Eventually(t, func() bool {
		task, still := fx.reg.TaskByID("m1")
		return still && task.Status == StatusError
	}, 3*time.Second, 10*time.Millisecond)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.NotEmpty(t, backend.failedWith, "exhausted poll is reported to the server")
}

// failingStatusBackend wraps a fakeBackend and fails every status poll.
type failingStatusBackend struct{ *fakeBackend }

func (b failingStatusBackend) TaskStatus(ctx context.Context, taskID string) (StatusResult, error) {
	atomic.AddInt32(&b.statusCalls, 1)
	return StatusResult{}, errors.New("status endpoint down")
}

func TestRecovery_TerminalPendingTaskShortCircuits(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()

	pt := chatPending("t1")
	pt.Status = "completed"
	backend := &fakeBackend{pending: []PendingTask{pt}}
	fx := newRecoveryFixture(t, rdb, backend)

	// a stale streaming placeholder from before the reload
	rt := fx.runtime("c1")
	rt.Append(Message{ID: "stale", ConversationID: "c1", Role: RoleAssistant, Optimistic: OptimisticStreaming})
	rt.SetStreaming("stale")

	require.NoError(t, fx.rm.Run(context.Background()))

	require.Eventually(t, func() bool {
		return fx.runtime("c1").StreamingID() == ""
	}, 2*time.Second, 10*time.Millisecond)
	_, still := fx.reg.TaskByID("t1")
	require.False(t, still)
	require.Zero(t, atomic.LoadInt32(&backend.resumeCalls))
}

func TestRecovery_CancelAbortsPending(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()

	backend := &fakeBackend{
		pending: []PendingTask{chatPending("t1"), chatPending("t2")},
		resumeFrames: []Frame{
			taskFrame(FrameChatDone, "t1", ChatDonePayload{MessageID: "ph-t1"}),
		},
	}
	fx := newRecoveryFixture(t, rdb, backend)

	require.NoError(t, fx.rm.Run(context.Background()))
	fx.rm.Cancel()

	// after cancel no new resume attempts start
	settled := atomic.LoadInt32(&backend.resumeCalls)
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, settled, atomic.LoadInt32(&backend.resumeCalls))
}
