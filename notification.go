package cotab

import "sync"

// Notification is a completion record surfaced to the consumer when a task
// finishes while it may not be looking at the conversation.
type Notification struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversation_id"`
	Kind           TaskKind `json:"kind"`
	// CompletedAt is the completion timestamp in ms.
	CompletedAt int64 `json:"completed_at"`
	Read        bool  `json:"read"`
}

// notificationQueue is a FIFO queue capped at a fixed maximum; when full the
// oldest entry is evicted first.
type notificationQueue struct {
	mu    sync.Mutex
	max   int
	items []Notification
}

func newNotificationQueue(max int) *notificationQueue {
	return &notificationQueue{max: max}
}

func (q *notificationQueue) push(n Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, n)
	if q.max > 0 && len(q.items) > q.max {
		q.items = q.items[len(q.items)-q.max:]
	}
}

func (q *notificationQueue) snapshot() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Notification, len(q.items))
	copy(out, q.items)
	return out
}

func (q *notificationQueue) markRead(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID == id {
			q.items[i].Read = true
			return true
		}
	}
	return false
}

func (q *notificationQueue) unread() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for i := range q.items {
		if !q.items[i].Read {
			n++
		}
	}
	return n
}
