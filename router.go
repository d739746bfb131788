package cotab

import "sync"

// MessageRouter translates push-channel frames into registry and runtime
// mutations. It must tolerate at-least-once delivery: chunk application is a
// pure append, and done/error application checks the task is still registered
// so a duplicate completion frame is a no-op.
type MessageRouter struct {
	reg     *TaskRegistry
	runtime func(conversationID string) *RuntimeState
	enc     Encoder
	log     Logger

	// OnCredits, when set, receives credit balance updates.
	OnCredits func(CreditsChangedPayload)
	// OnTaskDone, when set, observes every terminal transition the router
	// applies (task id, ok=false for error endings).
	OnTaskDone func(taskID string, ok bool)

	mu     sync.Mutex
	unsubs []func()
}

// NewMessageRouter wires a router over the registry and the per-conversation
// runtime lookup.
func NewMessageRouter(reg *TaskRegistry, runtime func(string) *RuntimeState, log Logger) *MessageRouter {
	if log == nil {
		log = noopLogger{}
	}
	return &MessageRouter{reg: reg, runtime: runtime, enc: &JSONEncoder{}, log: log}
}

// Bind subscribes the router to the semantic event vocabulary of the
// connection. Unbind reverses it.
func (r *MessageRouter) Bind(conn *ConnectionManager) {
	types := []FrameType{
		FrameChatStart, FrameChatChunk, FrameChatDone, FrameChatError,
		FrameTaskStatus, FrameTaskProgress, FrameCreditsChanged,
		FrameSubscribed, FrameError,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		r.unsubs = append(r.unsubs, conn.Subscribe(t, r.Route))
	}
}

// Unbind removes every subscription made by Bind.
func (r *MessageRouter) Unbind() {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// Route applies one frame. It is also called directly by the recovery path,
// which replays resume-stream frames through the same mutations.
func (r *MessageRouter) Route(f Frame) {
	switch f.Type {
	case FrameChatStart:
		r.chatStart(f)
	case FrameChatChunk:
		r.chatChunk(f)
	case FrameChatDone:
		r.chatDone(f)
	case FrameChatError:
		r.chatError(f)
	case FrameTaskStatus:
		r.taskStatus(f)
	case FrameTaskProgress:
		// progress is advisory; the registry does not track it
	case FrameCreditsChanged:
		r.credits(f)
	case FrameSubscribed:
		r.subscribed(f)
	case FrameError:
		r.serverError(f)
	}
}

func (r *MessageRouter) chatStart(f Frame) {
	var p ChatStartPayload
	if err := DecodePayload(r.enc, f, &p); err != nil {
		r.log.Warnf("router: bad chat_start payload: %v", err)
		return
	}
	t, ok := r.reg.TaskByID(f.TaskID)
	if !ok {
		r.log.Debugf("router: chat_start for unknown task=%s", f.TaskID)
		return
	}
	rt := r.runtime(t.ConversationID)
	rt.Append(Message{
		ID:             p.AssistantMessageID,
		ConversationID: t.ConversationID,
		Role:           RoleAssistant,
		CreatedAt:      f.Timestamp,
		Optimistic:     OptimisticStreaming,
	})
	rt.SetStreaming(p.AssistantMessageID)
	r.reg.SetStreaming(f.TaskID)
}

func (r *MessageRouter) chatChunk(f Frame) {
	var p ChatChunkPayload
	if err := DecodePayload(r.enc, f, &p); err != nil {
		r.log.Warnf("router: bad chat_chunk payload: %v", err)
		return
	}
	t, ok := r.reg.TaskByID(f.TaskID)
	if !ok {
		return
	}
	r.reg.UpdateContent(f.TaskID, p.Text)
	if f.MessageIndex > 0 {
		r.reg.MarkStreamIndex(f.TaskID, f.MessageIndex)
	}
	rt := r.runtime(t.ConversationID)
	if id := rt.StreamingID(); id != "" {
		rt.AppendStreamContent(id, p.Text)
	}
}

// subscribed applies a re-subscription ack: the server's accumulated content
// fills the gap between the last delivered index and now.
func (r *MessageRouter) subscribed(f Frame) {
	var p SubscribedPayload
	if err := DecodePayload(r.enc, f, &p); err != nil {
		r.log.Warnf("router: bad subscribed payload: %v", err)
		return
	}
	taskID := p.TaskID
	if taskID == "" {
		taskID = f.TaskID
	}
	delta, ok := r.reg.SyncStream(taskID, p.Accumulated, p.CurrentIndex)
	if !ok || delta == "" {
		return
	}
	t, _ := r.reg.TaskByID(taskID)
	rt := r.runtime(t.ConversationID)
	if id := rt.StreamingID(); id != "" {
		rt.AppendStreamContent(id, delta)
	}
}

func (r *MessageRouter) serverError(f Frame) {
	var p ErrorPayload
	if err := DecodePayload(r.enc, f, &p); err != nil {
		r.log.Warnf("router: bad error payload: %v", err)
		return
	}
	r.log.Warnf("router: server error code=%s: %s", p.Code, p.Message)
}

func (r *MessageRouter) chatDone(f Frame) {
	var p ChatDonePayload
	if err := DecodePayload(r.enc, f, &p); err != nil {
		r.log.Warnf("router: bad chat_done payload: %v", err)
		return
	}
	t, done := r.reg.CompleteTask(f.TaskID)
	if !done {
		// duplicate completion frame
		return
	}
	rt := r.runtime(t.ConversationID)
	rt.FinishStreaming(p.MessageID, p.Content)
	if r.OnTaskDone != nil {
		r.OnTaskDone(f.TaskID, true)
	}
}

func (r *MessageRouter) chatError(f Frame) {
	var p ChatErrorPayload
	if err := DecodePayload(r.enc, f, &p); err != nil {
		r.log.Warnf("router: bad chat_error payload: %v", err)
		return
	}
	t, changed := r.reg.FailTask(f.TaskID, p.Error)
	if !changed {
		return
	}
	rt := r.runtime(t.ConversationID)
	// the stream target is the assistant message announced by chat_start, not
	// the pre-start placeholder; fall back to the placeholder when the error
	// arrived before any chat_start
	sid := rt.StreamingID()
	if sid == "" {
		sid = t.PlaceholderID
	}
	rt.FinishStreaming(sid, "")
	rt.Append(Message{
		ID:             "err-" + f.TaskID,
		ConversationID: t.ConversationID,
		Role:           RoleAssistant,
		Content:        p.Error,
		CreatedAt:      f.Timestamp,
		Optimistic:     OptimisticLocalError,
	})
	if r.OnTaskDone != nil {
		r.OnTaskDone(f.TaskID, false)
	}
}

func (r *MessageRouter) taskStatus(f Frame) {
	var p TaskStatusPayload
	if err := DecodePayload(r.enc, f, &p); err != nil {
		r.log.Warnf("router: bad task_status payload: %v", err)
		return
	}
	switch p.Status {
	case "completed":
		t, done := r.reg.CompleteMediaTask(f.TaskID)
		if !done {
			return
		}
		if len(p.URLs) > 0 && t.PlaceholderID != "" {
			rt := r.runtime(t.ConversationID)
			rt.Replace(t.PlaceholderID, Message{
				ID:             t.PlaceholderID,
				ConversationID: t.ConversationID,
				Role:           RoleAssistant,
				Content:        p.URLs[0],
				CreatedAt:      t.StartedAt,
				Optimistic:     OptimisticMedia,
			})
		}
		if r.OnTaskDone != nil {
			r.OnTaskDone(f.TaskID, true)
		}
	case "failed":
		if _, changed := r.reg.FailMediaTask(f.TaskID, p.ErrorMessage); changed && r.OnTaskDone != nil {
			r.OnTaskDone(f.TaskID, false)
		}
	case "running":
		r.reg.SetPolling(f.TaskID)
	}
}

func (r *MessageRouter) credits(f Frame) {
	var p CreditsChangedPayload
	if err := DecodePayload(r.enc, f, &p); err != nil {
		r.log.Warnf("router: bad credits_changed payload: %v", err)
		return
	}
	if r.OnCredits != nil {
		r.OnCredits(p)
	}
}
