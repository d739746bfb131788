package cotab

// TaskKind classifies the unit of async server work a task tracks.
type TaskKind string

const (
	// KindChat is a streaming chat completion.
	KindChat TaskKind = "chat"
	// KindImage is an image generation job (poll-only).
	KindImage TaskKind = "image"
	// KindVideo is a video generation job (poll-only).
	KindVideo TaskKind = "video"
)

// Media reports whether the kind is polled media generation rather than a
// push-capable chat stream.
func (k TaskKind) Media() bool { return k == KindImage || k == KindVideo }

// String returns the raw string value of the kind.
func (k TaskKind) String() string { return string(k) }

// ParseKind converts a string into a TaskKind, returning an error for unknown values.
func ParseKind(s string) (TaskKind, error) {
	switch s {
	case string(KindChat):
		return KindChat, nil
	case string(KindImage):
		return KindImage, nil
	case string(KindVideo):
		return KindVideo, nil
	default:
		return "", ErrUnknownKind
	}
}

// TaskStatus is the client-side lifecycle state of a task.
// Transitions: pending -> streaming|polling -> completed|error.
type TaskStatus string

const (
	// StatusPending means the task is registered but no progress has arrived yet.
	StatusPending TaskStatus = "pending"
	// StatusStreaming means incremental content is arriving over the push channel.
	StatusStreaming TaskStatus = "streaming"
	// StatusPolling means completion is being observed via the poll endpoints.
	StatusPolling TaskStatus = "polling"
	// StatusCompleted is terminal success.
	StatusCompleted TaskStatus = "completed"
	// StatusError is terminal failure. Errored entries linger in the registry
	// for a grace delay so consumers can render the failure.
	StatusError TaskStatus = "error"
)

// Terminal reports whether the status is completed or error.
func (s TaskStatus) Terminal() bool { return s == StatusCompleted || s == StatusError }

// Task is a unit of asynchronous server work tracked client-side until terminal.
// At most one chat task is active per conversation; media tasks are keyed by
// task id and may coexist many-per-conversation.
type Task struct {
	// ID is the server-issued task identifier.
	ID string `json:"id"`
	// ConversationID is the conversation the task belongs to.
	ConversationID string `json:"conversation_id"`
	// Kind is the task category.
	Kind TaskKind `json:"kind"`
	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`
	// StartedAt is the timestamp (ms) when the task was registered.
	StartedAt int64 `json:"started_at"`
	// Content is the accumulated streamed content for chat tasks.
	Content string `json:"content,omitempty"`
	// LastIndex is the highest stream index delivered so far for chat tasks,
	// -1 before the first chunk. Re-subscriptions pass it so the server
	// replays only what was missed.
	LastIndex int `json:"last_index"`
	// PlaceholderID is the id of the locally synthesized placeholder message.
	PlaceholderID string `json:"placeholder_id,omitempty"`
	// Error is the failure reason for StatusError tasks.
	Error string `json:"error,omitempty"`
}
