package cotab

import (
	"encoding/json"
	"time"
)

// FrameType is the semantic type of a push-channel frame.
type FrameType string

const (
	// Chat stream frames.
	FrameChatStart FrameType = "chat_start"
	FrameChatChunk FrameType = "chat_chunk"
	FrameChatDone  FrameType = "chat_done"
	FrameChatError FrameType = "chat_error"

	// Media task frames.
	FrameTaskStatus   FrameType = "task_status"
	FrameTaskProgress FrameType = "task_progress"

	// Account frames.
	FrameCreditsChanged FrameType = "credits_changed"
	FrameNotification   FrameType = "notification"

	// Connection frames.
	FramePing        FrameType = "ping"
	FramePong        FrameType = "pong"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameSubscribed  FrameType = "subscribed"
	FrameError       FrameType = "error"

	// FrameServerRestarting announces an imminent restart; clients reset
	// their reconnect counters and add jitter before reconnecting.
	FrameServerRestarting FrameType = "server_restarting"
)

// Frame is the JSON envelope carried over the push channel in both directions.
type Frame struct {
	Type           FrameType       `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	TaskID         string          `json:"task_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageIndex   int             `json:"message_index,omitempty"`
}

// ChatStartPayload announces the start of an assistant reply.
type ChatStartPayload struct {
	Model              string `json:"model"`
	AssistantMessageID string `json:"assistant_message_id"`
}

// ChatChunkPayload carries one incremental content chunk. Accumulated is the
// full content so far when the server includes it (resume replays do).
type ChatChunkPayload struct {
	Text        string `json:"text"`
	Accumulated string `json:"accumulated,omitempty"`
}

// ChatDonePayload finalizes an assistant reply.
type ChatDonePayload struct {
	MessageID       string         `json:"message_id"`
	Content         string         `json:"content"`
	CreditsConsumed int            `json:"credits_consumed"`
	Model           string         `json:"model"`
	Usage           map[string]int `json:"usage,omitempty"`
}

// ChatErrorPayload reports a failed generation.
type ChatErrorPayload struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}

// TaskStatusPayload is a media task status update.
type TaskStatusPayload struct {
	Status          string   `json:"status"`
	MediaType       string   `json:"media_type,omitempty"`
	URLs            []string `json:"urls,omitempty"`
	CreditsConsumed int      `json:"credits_consumed,omitempty"`
	ErrorMessage    string   `json:"error_message,omitempty"`
}

// TaskProgressPayload carries coarse task progress (0..100).
type TaskProgressPayload struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

// CreditsChangedPayload reports a balance change.
type CreditsChangedPayload struct {
	Credits int    `json:"credits"`
	Delta   int    `json:"delta"`
	Reason  string `json:"reason"`
	TaskID  string `json:"task_id,omitempty"`
}

// SubscribePayload asks the server to stream a task, replaying progress past
// LastIndex. -1 requests the stream from the beginning.
type SubscribePayload struct {
	TaskID    string `json:"task_id"`
	LastIndex int    `json:"last_index"`
}

// UnsubscribePayload stops a task stream.
type UnsubscribePayload struct {
	TaskID string `json:"task_id"`
}

// SubscribedPayload acknowledges a subscription with content accumulated so far.
type SubscribedPayload struct {
	TaskID       string `json:"task_id"`
	Accumulated  string `json:"accumulated"`
	CurrentIndex int    `json:"current_index"`
}

// ErrorPayload is a generic server-side error notice.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// NewFrame builds an outbound frame, marshalling the payload with the default
// encoder. A nil payload produces an empty object payload.
func NewFrame(t FrameType, payload any) Frame {
	f := Frame{Type: t, Timestamp: time.Now().UnixMilli()}
	if payload == nil {
		f.Payload = json.RawMessage("{}")
		return f
	}
	b, err := json.Marshal(payload)
	if err != nil {
		f.Payload = json.RawMessage("{}")
		return f
	}
	f.Payload = b
	return f
}

// DecodePayload decodes a frame payload into v using the given encoder.
func DecodePayload(enc Encoder, f Frame, v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return enc.Decode(f.Payload, v)
}
