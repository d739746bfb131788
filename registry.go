package cotab

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskRegistry is the in-memory catalogue of active tasks: chat tasks keyed
// by conversation id (one active at a time), media tasks keyed by task id
// (many per conversation). It enforces the concurrency ceilings and feeds the
// completion-notification queue.
type TaskRegistry struct {
	mu         sync.Mutex
	chat       map[string]*Task  // conversation id -> task
	chatByTask map[string]string // task id -> conversation id
	media      map[string]*Task  // task id -> task

	maxGlobal  int
	maxPerConv int

	notifications *notificationQueue
	recent        map[string]int64 // conversation id -> highlight expiry (ms)
	recentFor     time.Duration
	errorGrace    time.Duration
	graceTimers   map[string]*time.Timer
	closed        bool
	log           Logger
}

// NewTaskRegistry creates a registry with the given ceilings and timings.
func NewTaskRegistry(cfg Config) *TaskRegistry {
	log := cfg.Logger
	if log == nil {
		log = noopLogger{}
	}
	def := DefaultConfig()
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if cfg.MaxConversationTasks <= 0 {
		cfg.MaxConversationTasks = def.MaxConversationTasks
	}
	if cfg.NotificationCap <= 0 {
		cfg.NotificationCap = def.NotificationCap
	}
	if cfg.ErrorGrace <= 0 {
		cfg.ErrorGrace = def.ErrorGrace
	}
	if cfg.RecentCompletedFor <= 0 {
		cfg.RecentCompletedFor = def.RecentCompletedFor
	}
	return &TaskRegistry{
		chat:          make(map[string]*Task),
		chatByTask:    make(map[string]string),
		media:         make(map[string]*Task),
		maxGlobal:     cfg.MaxConcurrentTasks,
		maxPerConv:    cfg.MaxConversationTasks,
		notifications: newNotificationQueue(cfg.NotificationCap),
		recent:        make(map[string]int64),
		recentFor:     cfg.RecentCompletedFor,
		errorGrace:    cfg.ErrorGrace,
		graceTimers:   make(map[string]*time.Timer),
		log:           log,
	}
}

// CanStartTask checks the concurrency ceilings for a new task in the given
// conversation. The reason string is empty when allowed.
func (r *TaskRegistry) CanStartTask(conversationID string) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canStartLocked(conversationID)
}

func (r *TaskRegistry) canStartLocked(conversationID string) (bool, string) {
	total := len(r.chat) + len(r.media)
	if total >= r.maxGlobal {
		return false, fmt.Sprintf("task queue full: %d of %d tasks running", total, r.maxGlobal)
	}
	conv := 0
	if _, ok := r.chat[conversationID]; ok {
		conv++
	}
	for _, t := range r.media {
		if t.ConversationID == conversationID {
			conv++
		}
	}
	if conv >= r.maxPerConv {
		return false, fmt.Sprintf("conversation queue full: %d of %d tasks running", conv, r.maxPerConv)
	}
	return true, ""
}

// StartTask registers a chat task for a conversation. A conversation may hold
// only one active chat task; startedAt <= 0 means now.
func (r *TaskRegistry) StartTask(conversationID, taskID, placeholderID string, startedAt int64) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chat[conversationID]; ok {
		return nil, ErrDuplicateTask
	}
	if ok, _ := r.canStartLocked(conversationID); !ok {
		return nil, ErrTaskLimit
	}
	if startedAt <= 0 {
		startedAt = time.Now().UnixMilli()
	}
	t := &Task{
		ID:             taskID,
		ConversationID: conversationID,
		Kind:           KindChat,
		Status:         StatusPending,
		StartedAt:      startedAt,
		PlaceholderID:  placeholderID,
		LastIndex:      -1,
	}
	r.chat[conversationID] = t
	r.chatByTask[taskID] = conversationID
	r.log.Debugf("registry: chat task started id=%s conversation=%s", taskID, conversationID)
	return t, nil
}

// UpdateContent appends streamed text to a chat task and marks it streaming.
// Unknown task ids are ignored (late frames after completion).
func (r *TaskRegistry) UpdateContent(taskID, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.chatByTask[taskID]
	if !ok {
		return
	}
	t := r.chat[conv]
	t.Content += text
	if t.Status == StatusPending {
		t.Status = StatusStreaming
	}
}

// MarkStreamIndex records the highest delivered stream index of a chat task.
// Indexes only move forward; replayed frames cannot rewind it.
func (r *TaskRegistry) MarkStreamIndex(taskID string, index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.chatByTask[taskID]; ok {
		if t := r.chat[conv]; index > t.LastIndex {
			t.LastIndex = index
		}
	}
}

// SyncStream reconciles a chat task with the server's accumulated copy after a
// re-subscription, returning the unseen content suffix.
func (r *TaskRegistry) SyncStream(taskID, accumulated string, index int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.chatByTask[taskID]
	if !ok {
		return "", false
	}
	t := r.chat[conv]
	delta := ""
	if len(accumulated) > len(t.Content) {
		delta = accumulated[len(t.Content):]
		t.Content = accumulated
	}
	if index > t.LastIndex {
		t.LastIndex = index
	}
	if t.Status == StatusPending {
		t.Status = StatusStreaming
	}
	return delta, true
}

// SetStreaming flips a chat task from pending to streaming.
func (r *TaskRegistry) SetStreaming(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.chatByTask[taskID]; ok {
		if t := r.chat[conv]; t.Status == StatusPending {
			t.Status = StatusStreaming
		}
	}
}

// SetPolling flips a task to the polling status, for chat tasks recovered via
// the content poll fallback and for media tasks.
func (r *TaskRegistry) SetPolling(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.chatByTask[taskID]; ok {
		r.chat[conv].Status = StatusPolling
		return
	}
	if t, ok := r.media[taskID]; ok {
		t.Status = StatusPolling
	}
}

// CompleteTask finishes a chat task: the entry is removed, a notification is
// enqueued, and the conversation is marked recently completed. A duplicate
// completion (task no longer registered) returns ok=false and does nothing.
func (r *TaskRegistry) CompleteTask(taskID string) (Task, bool) {
	r.mu.Lock()
	conv, ok := r.chatByTask[taskID]
	if !ok {
		r.mu.Unlock()
		return Task{}, false
	}
	t := *r.chat[conv]
	delete(r.chat, conv)
	delete(r.chatByTask, taskID)
	r.recent[conv] = time.Now().Add(r.recentFor).UnixMilli()
	r.mu.Unlock()

	t.Status = StatusCompleted
	r.notifications.push(Notification{
		ID:             uuid.NewString(),
		ConversationID: conv,
		Kind:           KindChat,
		CompletedAt:    time.Now().UnixMilli(),
	})
	r.log.Debugf("registry: chat task completed id=%s conversation=%s", taskID, conv)
	return t, true
}

// FailTask flips a chat task to the error status. The entry lingers for the
// grace delay so the failure can be rendered, then is removed. A duplicate
// failure is a no-op.
func (r *TaskRegistry) FailTask(taskID, reason string) (Task, bool) {
	r.mu.Lock()
	conv, ok := r.chatByTask[taskID]
	if !ok {
		r.mu.Unlock()
		return Task{}, false
	}
	t := r.chat[conv]
	if t.Status == StatusError {
		out := *t
		r.mu.Unlock()
		return out, false
	}
	t.Status = StatusError
	t.Error = reason
	out := *t
	r.scheduleRemovalLocked("chat:"+taskID, func() { r.RemoveTask(conv) })
	r.mu.Unlock()
	r.log.Debugf("registry: chat task failed id=%s conversation=%s reason=%s", taskID, conv, reason)
	return out, true
}

// RemoveTask drops the chat task of a conversation without side effects.
func (r *TaskRegistry) RemoveTask(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.chat[conversationID]
	if !ok {
		return
	}
	delete(r.chat, conversationID)
	delete(r.chatByTask, t.ID)
}

// StartMediaTask registers a media task keyed by task id. Media tasks of one
// conversation coexist up to the per-conversation ceiling.
func (r *TaskRegistry) StartMediaTask(taskID, conversationID string, kind TaskKind, placeholderID string, startedAt int64) (*Task, error) {
	if !kind.Media() {
		return nil, ErrUnknownKind
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.media[taskID]; ok {
		return nil, ErrDuplicateTask
	}
	if ok, _ := r.canStartLocked(conversationID); !ok {
		return nil, ErrTaskLimit
	}
	if startedAt <= 0 {
		startedAt = time.Now().UnixMilli()
	}
	t := &Task{
		ID:             taskID,
		ConversationID: conversationID,
		Kind:           kind,
		Status:         StatusPending,
		StartedAt:      startedAt,
		PlaceholderID:  placeholderID,
	}
	r.media[taskID] = t
	r.log.Debugf("registry: media task started id=%s kind=%s conversation=%s", taskID, kind, conversationID)
	return t, nil
}

// CompleteMediaTask finishes a media task, enqueueing a notification and
// marking the conversation recently completed. Duplicate completions no-op.
func (r *TaskRegistry) CompleteMediaTask(taskID string) (Task, bool) {
	r.mu.Lock()
	t, ok := r.media[taskID]
	if !ok {
		r.mu.Unlock()
		return Task{}, false
	}
	out := *t
	delete(r.media, taskID)
	r.recent[out.ConversationID] = time.Now().Add(r.recentFor).UnixMilli()
	r.mu.Unlock()

	out.Status = StatusCompleted
	r.notifications.push(Notification{
		ID:             uuid.NewString(),
		ConversationID: out.ConversationID,
		Kind:           out.Kind,
		CompletedAt:    time.Now().UnixMilli(),
	})
	r.log.Debugf("registry: media task completed id=%s kind=%s", taskID, out.Kind)
	return out, true
}

// FailMediaTask flips a media task to error and removes it after the grace
// delay. Duplicate failures no-op.
func (r *TaskRegistry) FailMediaTask(taskID, reason string) (Task, bool) {
	r.mu.Lock()
	t, ok := r.media[taskID]
	if !ok {
		r.mu.Unlock()
		return Task{}, false
	}
	if t.Status == StatusError {
		out := *t
		r.mu.Unlock()
		return out, false
	}
	t.Status = StatusError
	t.Error = reason
	out := *t
	r.scheduleRemovalLocked("media:"+taskID, func() { r.RemoveMediaTask(taskID) })
	r.mu.Unlock()
	r.log.Debugf("registry: media task failed id=%s reason=%s", taskID, reason)
	return out, true
}

// RemoveMediaTask drops a media task without side effects.
func (r *TaskRegistry) RemoveMediaTask(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.media, taskID)
}

// ChatTask returns the active chat task of a conversation.
func (r *TaskRegistry) ChatTask(conversationID string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.chat[conversationID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// ChatTasks returns a snapshot of the active chat tasks.
func (r *TaskRegistry) ChatTasks() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Task, 0, len(r.chat))
	for _, t := range r.chat {
		out = append(out, *t)
	}
	return out
}

// TaskByID returns any task, chat or media, by task id.
func (r *TaskRegistry) TaskByID(taskID string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.chatByTask[taskID]; ok {
		return *r.chat[conv], true
	}
	if t, ok := r.media[taskID]; ok {
		return *t, true
	}
	return Task{}, false
}

// ActiveCount returns the number of registered tasks across both kinds.
func (r *TaskRegistry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chat) + len(r.media)
}

// RecentlyCompleted reports whether a conversation finished a task within the
// highlight window and the highlight has not been cleared.
func (r *TaskRegistry) RecentlyCompleted(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.recent[conversationID]
	if !ok {
		return false
	}
	if time.Now().UnixMilli() >= exp {
		delete(r.recent, conversationID)
		return false
	}
	return true
}

// ClearRecentlyCompleted clears the highlight, typically when the consumer
// views the conversation.
func (r *TaskRegistry) ClearRecentlyCompleted(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.recent, conversationID)
}

// Notifications returns a snapshot of the completion queue, oldest first.
func (r *TaskRegistry) Notifications() []Notification {
	return r.notifications.snapshot()
}

// MarkNotificationRead marks one notification as read.
func (r *TaskRegistry) MarkNotificationRead(id string) bool {
	return r.notifications.markRead(id)
}

// UnreadNotifications returns the number of unread notifications.
func (r *TaskRegistry) UnreadNotifications() int {
	return r.notifications.unread()
}

// Close stops pending grace timers. Entries still registered stay as-is.
func (r *TaskRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, tm := range r.graceTimers {
		tm.Stop()
	}
	r.graceTimers = make(map[string]*time.Timer)
}

func (r *TaskRegistry) scheduleRemovalLocked(key string, remove func()) {
	if r.closed {
		return
	}
	if tm, ok := r.graceTimers[key]; ok {
		tm.Stop()
	}
	r.graceTimers[key] = time.AfterFunc(r.errorGrace, func() {
		remove()
		r.mu.Lock()
		delete(r.graceTimers, key)
		r.mu.Unlock()
	})
}
