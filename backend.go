package cotab

import (
	"context"
	"encoding/json"
)

// TaskState is the server-side status reported by the poll endpoints.
type TaskState string

const (
	TaskStatePending    TaskState = "pending"
	TaskStateProcessing TaskState = "processing"
	TaskStateSuccess    TaskState = "success"
	TaskStateFailed     TaskState = "failed"
)

// Terminal reports whether the server considers the task finished.
func (s TaskState) Terminal() bool { return s == TaskStateSuccess || s == TaskStateFailed }

// StatusResult is the response of the task status poll endpoint.
type StatusResult struct {
	Status TaskState       `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ContentResult is the response of the accumulated-content poll endpoint:
// the full content generated so far plus the stream status.
type ContentResult struct {
	Status  TaskState `json:"status"`
	Content string    `json:"content"`
	Error   string    `json:"error,omitempty"`
}

// PendingTask is one entry of the server's pending-tasks listing. It carries
// enough metadata to resume rendering without re-derivation.
type PendingTask struct {
	ID             string         `json:"id"`
	ExternalTaskID string         `json:"external_task_id"`
	ConversationID string         `json:"conversation_id"`
	Kind           TaskKind       `json:"type"`
	Status         string         `json:"status"`
	RequestParams  map[string]any `json:"request_params,omitempty"`
	// PlaceholderMessageID and PlaceholderCreatedAt restore the original
	// placeholder so a resumed message keeps its timeline position.
	PlaceholderMessageID string `json:"placeholder_message_id"`
	PlaceholderCreatedAt int64  `json:"placeholder_created_at"`
	StartedAt            int64  `json:"started_at"`
}

// TaskID returns the id used to address the task server-side: the external
// provider id when present, else the internal one.
func (p PendingTask) TaskID() string {
	if p.ExternalTaskID != "" {
		return p.ExternalTaskID
	}
	return p.ID
}

// Backend is the set of external collaborators the coordination engine calls.
// Implementations wrap the product's HTTP/SSE endpoints; all methods are pure
// request/response except ResumeStream.
type Backend interface {
	// PendingTasks lists every task still open server-side for the session.
	PendingTasks(ctx context.Context) ([]PendingTask, error)
	// TaskStatus queries a media task's state.
	TaskStatus(ctx context.Context, taskID string) (StatusResult, error)
	// AccumulatedContent queries a chat task's content so far.
	AccumulatedContent(ctx context.Context, taskID string) (ContentResult, error)
	// ResumeStream replays a task's live event stream past lastIndex. The
	// returned channel is closed when the stream ends or ctx is cancelled.
	ResumeStream(ctx context.Context, taskID string, lastIndex int) (<-chan Frame, error)
	// MarkTaskFailed tells the server a task was abandoned client-side.
	MarkTaskFailed(ctx context.Context, taskID, reason string) error
}
