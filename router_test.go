package cotab

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type routerFixture struct {
	reg    *TaskRegistry
	router *MessageRouter

	mu       sync.Mutex
	runtimes map[string]*RuntimeState
}

func newRouterFixture(t *testing.T, opts ...Option) *routerFixture {
	t.Helper()
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	fx := &routerFixture{
		reg:      NewTaskRegistry(cfg),
		runtimes: make(map[string]*RuntimeState),
	}
	t.Cleanup(fx.reg.Close)
	fx.router = NewMessageRouter(fx.reg, fx.runtime, nil)
	return fx
}

func (fx *routerFixture) runtime(conversationID string) *RuntimeState {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	rt, ok := fx.runtimes[conversationID]
	if !ok {
		rt = NewRuntimeState()
		fx.runtimes[conversationID] = rt
	}
	return rt
}

func taskFrame(t FrameType, taskID string, payload any) Frame {
	f := NewFrame(t, payload)
	f.TaskID = taskID
	return f
}

func TestRouter_ChatLifecycle(t *testing.T) {
	fx := newRouterFixture(t)
	_, err := fx.reg.StartTask("c1", "t1", "ph-1", 100)
	require.NoError(t, err)

	var doneTask string
	var doneOK bool
	fx.router.OnTaskDone = func(id string, ok bool) { doneTask, doneOK = id, ok }

	fx.router.Route(taskFrame(FrameChatStart, "t1", ChatStartPayload{AssistantMessageID: "m-9"}))

	rt := fx.runtime("c1")
	require.Equal(t, "m-9", rt.StreamingID())
	task, ok := fx.reg.TaskByID("t1")
	require.True(t, ok)
	require.Equal(t, StatusStreaming, task.Status)

	fx.router.Route(taskFrame(FrameChatChunk, "t1", ChatChunkPayload{Text: "Hello"}))
	fx.router.Route(taskFrame(FrameChatChunk, "t1", ChatChunkPayload{Text: ", world"}))

	task, _ = fx.reg.TaskByID("t1")
	require.Equal(t, "Hello, world", task.Content)

	fx.router.Route(taskFrame(FrameChatDone, "t1", ChatDonePayload{
		MessageID: "m-9", Content: "Hello, world",
	}))

	// registry is empty and the streamed message is persisted-shaped
	_, ok = fx.reg.TaskByID("t1")
	require.False(t, ok)
	require.Equal(t, "", rt.StreamingID())
	snap := rt.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "m-9", snap[0].ID)
	require.Equal(t, "Hello, world", snap[0].Content)
	require.True(t, snap[0].Persisted())

	require.Equal(t, "t1", doneTask)
	require.True(t, doneOK)
	require.Len(t, fx.reg.Notifications(), 1)
}

func TestRouter_DuplicateDoneIsNoOp(t *testing.T) {
	fx := newRouterFixture(t)
	_, err := fx.reg.StartTask("c1", "t1", "ph-1", 100)
	require.NoError(t, err)

	var dones int
	fx.router.OnTaskDone = func(string, bool) { dones++ }

	done := taskFrame(FrameChatDone, "t1", ChatDonePayload{MessageID: "m-9", Content: "x"})
	fx.router.Route(done)
	fx.router.Route(done)

	require.Equal(t, 1, dones)
	require.Len(t, fx.reg.Notifications(), 1)
}

func TestRouter_ChunkForUnknownTaskDropped(t *testing.T) {
	fx := newRouterFixture(t)
	fx.router.Route(taskFrame(FrameChatChunk, "ghost", ChatChunkPayload{Text: "x"}))
	require.Empty(t, fx.runtime("c1").Snapshot())
}

func TestRouter_ChatError(t *testing.T) {
	fx := newRouterFixture(t)
	_, err := fx.reg.StartTask("c1", "t1", "ph-1", 100)
	require.NoError(t, err)

	fx.router.Route(taskFrame(FrameChatStart, "t1", ChatStartPayload{AssistantMessageID: "m-9"}))

	var doneOK bool
	fx.router.OnTaskDone = func(_ string, ok bool) { doneOK = ok }

	fx.router.Route(taskFrame(FrameChatError, "t1", ChatErrorPayload{Error: "model overloaded"}))
	require.False(t, doneOK)

	// the stream ends even though chat_start targeted a different id than the
	// registry placeholder
	rt := fx.runtime("c1")
	require.Equal(t, "", rt.StreamingID())
	require.False(t, rt.Generating())

	task, ok := fx.reg.TaskByID("t1")
	require.True(t, ok, "failed task lingers through the error grace window")
	require.Equal(t, StatusError, task.Status)
	require.Equal(t, "model overloaded", task.Error)

	snap := fx.runtime("c1").Snapshot()
	var found bool
	for _, m := range snap {
		if m.Optimistic == OptimisticLocalError {
			found = true
			require.Equal(t, "model overloaded", m.Content)
		}
	}
	require.True(t, found, "error surfaces as a local error message")
}

func TestRouter_SubscribedCatchUp(t *testing.T) {
	fx := newRouterFixture(t)
	_, err := fx.reg.StartTask("c1", "t1", "ph-1", 100)
	require.NoError(t, err)

	fx.router.Route(taskFrame(FrameChatStart, "t1", ChatStartPayload{AssistantMessageID: "m-9"}))
	chunk := taskFrame(FrameChatChunk, "t1", ChatChunkPayload{Text: "Hel"})
	chunk.MessageIndex = 1
	fx.router.Route(chunk)

	task, ok := fx.reg.TaskByID("t1")
	require.True(t, ok)
	require.Equal(t, 1, task.LastIndex)

	// the subscription ack replays everything produced while disconnected;
	// only the unseen suffix reaches the runtime
	fx.router.Route(taskFrame(FrameSubscribed, "t1", SubscribedPayload{
		TaskID:       "t1",
		Accumulated:  "Hello, wor",
		CurrentIndex: 4,
	}))

	task, _ = fx.reg.TaskByID("t1")
	require.Equal(t, "Hello, wor", task.Content)
	require.Equal(t, 4, task.LastIndex)
	rt := fx.runtime("c1")
	snap := rt.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "Hello, wor", snap[0].Content)

	// an ack that trails what the chunks already delivered changes nothing
	fx.router.Route(taskFrame(FrameSubscribed, "t1", SubscribedPayload{
		TaskID:       "t1",
		Accumulated:  "Hel",
		CurrentIndex: 2,
	}))
	task, _ = fx.reg.TaskByID("t1")
	require.Equal(t, "Hello, wor", task.Content)
	require.Equal(t, 4, task.LastIndex)
}

func TestRouter_MediaStatus(t *testing.T) {
	fx := newRouterFixture(t)
	_, err := fx.reg.StartMediaTask("t1", "c1", KindImage, "ph-1", 100)
	require.NoError(t, err)

	fx.router.Route(taskFrame(FrameTaskStatus, "t1", TaskStatusPayload{Status: "running"}))
	task, _ := fx.reg.TaskByID("t1")
	require.Equal(t, StatusPolling, task.Status)

	rt := fx.runtime("c1")
	rt.Append(Message{ID: "ph-1", ConversationID: "c1", Role: RoleAssistant, Optimistic: OptimisticMedia, CreatedAt: 100})

	fx.router.Route(taskFrame(FrameTaskStatus, "t1", TaskStatusPayload{
		Status: "completed", URLs: []string{"https://cdn/img.png"},
	}))

	_, ok := fx.reg.TaskByID("t1")
	require.False(t, ok)
	snap := rt.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "https://cdn/img.png", snap[0].Content)
	require.Len(t, fx.reg.Notifications(), 1)
}

func TestRouter_MediaFailed(t *testing.T) {
	fx := newRouterFixture(t)
	_, err := fx.reg.StartMediaTask("t1", "c1", KindVideo, "ph-1", 100)
	require.NoError(t, err)

	var doneOK = true
	fx.router.OnTaskDone = func(_ string, ok bool) { doneOK = ok }

	fx.router.Route(taskFrame(FrameTaskStatus, "t1", TaskStatusPayload{
		Status: "failed", ErrorMessage: "nsfw rejected",
	}))
	require.False(t, doneOK)

	task, ok := fx.reg.TaskByID("t1")
	require.True(t, ok)
	require.Equal(t, StatusError, task.Status)
	require.Equal(t, "nsfw rejected", task.Error)
}

func TestRouter_Credits(t *testing.T) {
	fx := newRouterFixture(t)

	var got CreditsChangedPayload
	fx.router.OnCredits = func(p CreditsChangedPayload) { got = p }

	fx.router.Route(NewFrame(FrameCreditsChanged, CreditsChangedPayload{
		Credits: 90, Delta: -10, Reason: "chat",
	}))
	require.Equal(t, 90, got.Credits)
	require.Equal(t, -10, got.Delta)
}

func TestRouter_MalformedPayloadIgnored(t *testing.T) {
	fx := newRouterFixture(t)
	_, err := fx.reg.StartTask("c1", "t1", "ph-1", 100)
	require.NoError(t, err)

	f := Frame{Type: FrameChatChunk, TaskID: "t1", Payload: []byte(`{"text": 42`)}
	fx.router.Route(f)

	task, _ := fx.reg.TaskByID("t1")
	require.Empty(t, task.Content)
}
