package cotab

import "sync"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// OptimisticKind classifies a locally synthesized message. Persisted
// (authoritative) messages carry the zero value.
type OptimisticKind string

const (
	// OptimisticNone marks a persisted message from the authoritative store.
	OptimisticNone OptimisticKind = ""
	// OptimisticPendingSend is a user message sent but not yet confirmed.
	OptimisticPendingSend OptimisticKind = "pending_send"
	// OptimisticStreaming is the in-flight assistant reply being streamed.
	OptimisticStreaming OptimisticKind = "streaming"
	// OptimisticMedia is a media-generation placeholder awaiting a result.
	OptimisticMedia OptimisticKind = "media_placeholder"
	// OptimisticLocalError is a locally raised failure notice.
	OptimisticLocalError OptimisticKind = "local_error"
)

// Message is either persisted (authoritative) or optimistic (locally
// synthesized). After reconciliation exactly one representation of any
// logical message survives.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	// CreatedAt is the logical timestamp (ms) used for ordering.
	CreatedAt int64 `json:"created_at"`
	// Optimistic is empty for persisted messages.
	Optimistic OptimisticKind `json:"optimistic,omitempty"`
	// ClientTag is the idempotency token attached to pending sends. The
	// authoritative store echoes it back, which is the primary dedup key.
	ClientTag string `json:"client_tag,omitempty"`
}

// Persisted reports whether the message came from the authoritative store.
func (m Message) Persisted() bool { return m.Optimistic == OptimisticNone }

// RuntimeState is the per-conversation volatile state: the ordered optimistic
// message buffer, the id of the currently streaming message, and a generating
// flag. All methods are safe for concurrent use.
type RuntimeState struct {
	mu          sync.Mutex
	optimistic  []Message
	streamingID string
	generating  bool
}

// NewRuntimeState creates an empty runtime state.
func NewRuntimeState() *RuntimeState { return &RuntimeState{} }

// Append adds an optimistic message to the end of the buffer. Appending a
// message whose id is already buffered replaces the previous entry in place.
func (r *RuntimeState) Append(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.optimistic {
		if r.optimistic[i].ID == m.ID {
			r.optimistic[i] = m
			return
		}
	}
	r.optimistic = append(r.optimistic, m)
}

// SetStreaming marks the given message id as the in-flight stream target and
// raises the generating flag.
func (r *RuntimeState) SetStreaming(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streamingID = id
	r.generating = true
}

// StreamingID returns the id of the currently streaming message, or "".
func (r *RuntimeState) StreamingID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streamingID
}

// Generating reports whether a generation is in flight for the conversation.
func (r *RuntimeState) Generating() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generating
}

// AppendStreamContent appends a chunk to the buffered streaming message.
// Application is a pure append: duplicate chunks are appended as-is.
func (r *RuntimeState) AppendStreamContent(id, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.optimistic {
		if r.optimistic[i].ID == id {
			r.optimistic[i].Content += text
			return
		}
	}
}

// FinishStreaming clears the streaming id and generating flag and finalizes
// the buffered entry: non-empty content replaces the accumulated text, and the
// entry stops being optimistic so the next reconciliation can dedup it against
// its authoritative copy. It stays buffered until then.
func (r *RuntimeState) FinishStreaming(id, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streamingID == id {
		r.streamingID = ""
		r.generating = false
	}
	for i := range r.optimistic {
		if r.optimistic[i].ID == id {
			if content != "" {
				r.optimistic[i].Content = content
			}
			r.optimistic[i].Optimistic = OptimisticNone
			return
		}
	}
}

// Replace swaps a placeholder for its final message, keeping buffer order.
// Used when a media placeholder resolves to a persisted result.
func (r *RuntimeState) Replace(placeholderID string, m Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.optimistic {
		if r.optimistic[i].ID == placeholderID {
			r.optimistic[i] = m
			return true
		}
	}
	return false
}

// Drop removes a buffered message by id.
func (r *RuntimeState) Drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.optimistic {
		if r.optimistic[i].ID == id {
			r.optimistic = append(r.optimistic[:i], r.optimistic[i+1:]...)
			return
		}
	}
}

// Snapshot returns a copy of the optimistic buffer in insertion order.
func (r *RuntimeState) Snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.optimistic))
	copy(out, r.optimistic)
	return out
}
