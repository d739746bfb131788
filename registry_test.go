package cotab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testRegistry(opts ...Option) *TaskRegistry {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return NewTaskRegistry(cfg)
}

func TestRegistry_ChatLifecycle(t *testing.T) {
	r := testRegistry()
	defer r.Close()

	task, err := r.StartTask("conv-1", "t1", "ph-1", 0)
	require.NoError(t, err)
	require.Equal(t, StatusPending, task.Status)

	r.UpdateContent("t1", "hel")
	r.UpdateContent("t1", "lo")
	got, ok := r.ChatTask("conv-1")
	require.True(t, ok)
	require.Equal(t, "hello", got.Content)
	require.Equal(t, StatusStreaming, got.Status)

	done, ok := r.CompleteTask("t1")
	require.True(t, ok)
	require.Equal(t, StatusCompleted, done.Status)
	require.Equal(t, 0, r.ActiveCount())
	require.Len(t, r.Notifications(), 1)
	require.True(t, r.RecentlyCompleted("conv-1"))

	// duplicate completion is a no-op
	_, ok = r.CompleteTask("t1")
	require.False(t, ok)
	require.Len(t, r.Notifications(), 1)
}

func TestRegistry_OneChatTaskPerConversation(t *testing.T) {
	r := testRegistry()
	defer r.Close()

	_, err := r.StartTask("conv-1", "t1", "ph-1", 0)
	require.NoError(t, err)
	_, err = r.StartTask("conv-1", "t2", "ph-2", 0)
	require.ErrorIs(t, err, ErrDuplicateTask)
}

func TestRegistry_GlobalCeiling(t *testing.T) {
	r := testRegistry(WithTaskLimits(2, 5))
	defer r.Close()

	_, err := r.StartMediaTask("m1", "conv-1", KindImage, "ph-1", 0)
	require.NoError(t, err)
	_, err = r.StartMediaTask("m2", "conv-2", KindImage, "ph-2", 0)
	require.NoError(t, err)

	ok, reason := r.CanStartTask("conv-3")
	require.False(t, ok)
	require.Contains(t, reason, "task queue full")
	_, err = r.StartTask("conv-3", "t3", "ph-3", 0)
	require.ErrorIs(t, err, ErrTaskLimit)

	// completing one frees a slot
	_, done := r.CompleteMediaTask("m1")
	require.True(t, done)
	ok, _ = r.CanStartTask("conv-3")
	require.True(t, ok)
}

func TestRegistry_ConversationCeiling(t *testing.T) {
	r := testRegistry(WithTaskLimits(15, 2))
	defer r.Close()

	_, err := r.StartMediaTask("m1", "conv-1", KindImage, "ph-1", 0)
	require.NoError(t, err)
	_, err = r.StartMediaTask("m2", "conv-1", KindVideo, "ph-2", 0)
	require.NoError(t, err)

	ok, reason := r.CanStartTask("conv-1")
	require.False(t, ok)
	require.Contains(t, reason, "conversation queue full")

	// other conversations are unaffected
	ok, _ = r.CanStartTask("conv-2")
	require.True(t, ok)
}

func TestRegistry_FailTask_GraceRemoval(t *testing.T) {
	r := testRegistry(WithErrorGrace(30 * time.Millisecond))
	defer r.Close()

	_, err := r.StartTask("conv-1", "t1", "ph-1", 0)
	require.NoError(t, err)

	failed, changed := r.FailTask("t1", "boom")
	require.True(t, changed)
	require.Equal(t, StatusError, failed.Status)
	require.Equal(t, "boom", failed.Error)

	// errored entry lingers for the grace delay so the failure can render
	got, ok := r.ChatTask("conv-1")
	require.True(t, ok)
	require.Equal(t, StatusError, got.Status)

	// a duplicate failure frame is a no-op
	_, changed = r.FailTask("t1", "boom again")
	require.False(t, changed)

	require.Eventually(t, func() bool {
		_, ok := r.ChatTask("conv-1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestRegistry_MediaManyPerConversation(t *testing.T) {
	r := testRegistry()
	defer r.Close()

	_, err := r.StartMediaTask("m1", "conv-1", KindImage, "ph-1", 0)
	require.NoError(t, err)
	_, err = r.StartMediaTask("m2", "conv-1", KindVideo, "ph-2", 0)
	require.NoError(t, err)
	require.Equal(t, 2, r.ActiveCount())

	_, err = r.StartMediaTask("m1", "conv-1", KindImage, "ph-1", 0)
	require.ErrorIs(t, err, ErrDuplicateTask)

	_, err = r.StartMediaTask("m3", "conv-1", KindChat, "ph-3", 0)
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestRegistry_NotificationQueueCap(t *testing.T) {
	r := testRegistry(WithNotificationCap(3))
	defer r.Close()

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		_, err := r.StartMediaTask("m-"+id, "conv-"+id, KindImage, "ph", 0)
		require.NoError(t, err)
		_, ok := r.CompleteMediaTask("m-" + id)
		require.True(t, ok)
	}
	ns := r.Notifications()
	require.Len(t, ns, 3)
	// oldest evicted first: the survivors are the last three completions
	require.Equal(t, "conv-c", ns[0].ConversationID)
	require.Equal(t, "conv-e", ns[2].ConversationID)
}

func TestRegistry_NotificationRead(t *testing.T) {
	r := testRegistry()
	defer r.Close()

	_, err := r.StartMediaTask("m1", "conv-1", KindImage, "ph", 0)
	require.NoError(t, err)
	_, ok := r.CompleteMediaTask("m1")
	require.True(t, ok)

	require.Equal(t, 1, r.UnreadNotifications())
	ns := r.Notifications()
	require.True(t, r.MarkNotificationRead(ns[0].ID))
	require.Equal(t, 0, r.UnreadNotifications())
	require.False(t, r.MarkNotificationRead("nope"))
}

func TestRegistry_RecentlyCompletedClears(t *testing.T) {
	r := testRegistry()
	defer r.Close()

	_, err := r.StartMediaTask("m1", "conv-1", KindImage, "ph", 0)
	require.NoError(t, err)
	r.CompleteMediaTask("m1")

	require.True(t, r.RecentlyCompleted("conv-1"))
	r.ClearRecentlyCompleted("conv-1")
	require.False(t, r.RecentlyCompleted("conv-1"))
}

func TestRegistry_TaskByID(t *testing.T) {
	r := testRegistry()
	defer r.Close()

	_, err := r.StartTask("conv-1", "t1", "ph-1", 0)
	require.NoError(t, err)
	_, err = r.StartMediaTask("m1", "conv-1", KindImage, "ph-2", 0)
	require.NoError(t, err)

	chat, ok := r.TaskByID("t1")
	require.True(t, ok)
	require.Equal(t, KindChat, chat.Kind)
	media, ok := r.TaskByID("m1")
	require.True(t, ok)
	require.Equal(t, KindImage, media.Kind)
	_, ok = r.TaskByID("absent")
	require.False(t, ok)
}
