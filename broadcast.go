package cotab

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CoTab/cotab-go/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Broadcast event types. All of them are advisory: the durable lease is the
// only safety-critical cross-session primitive.
const (
	EventTaskStarted    = "task_started"
	EventTaskCompleted  = "task_completed"
	EventTaskFailed     = "task_failed"
	EventTaskResumed    = "task_resumed"
	EventCreditsChanged = "credits_changed"
)

// BroadcastEnvelope is the wire shape of a cross-session notice. SenderID
// exists so a sender ignores its own echo; Seq is a per-sender monotonic
// counter that lets relay listeners track progress independent of list
// positions, which shift when the relay is trimmed.
type BroadcastEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	SenderID  string          `json:"sender_id"`
	Seq       int64           `json:"seq"`
}

// TaskEventPayload is the payload of the task_* events.
type TaskEventPayload struct {
	TaskID         string `json:"task_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Kind           string `json:"kind,omitempty"`
}

const (
	relayCap          = 256
	relayPollInterval = 250 * time.Millisecond
)

// TabBroadcaster is a best-effort pub/sub layer between sessions of the same
// scope. It prefers Redis pub/sub and falls back to a capped-list relay that
// listeners poll; publishes always feed both paths so mixed-mode sessions
// still see each other.
type TabBroadcaster struct {
	rdb      redis.UniversalClient
	scope    string
	senderID string
	enc      Encoder
	useRelay bool
	log      Logger
	seq      atomic.Int64

	mu       sync.Mutex
	handlers map[string]map[int]func(BroadcastEnvelope)
	nextID   int
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewTabBroadcaster creates a broadcaster for one session identity.
func NewTabBroadcaster(rdb redis.UniversalClient, scope, senderID string, relay bool, log Logger) *TabBroadcaster {
	if log == nil {
		log = noopLogger{}
	}
	return &TabBroadcaster{
		rdb:      rdb,
		scope:    scope,
		senderID: senderID,
		enc:      &JSONEncoder{},
		useRelay: relay,
		log:      log,
		handlers: make(map[string]map[int]func(BroadcastEnvelope)),
	}
}

// Start begins receiving. On pub/sub subscription failure the broadcaster
// degrades to the relay path by itself.
func (b *TabBroadcaster) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	if !b.useRelay {
		ps := b.rdb.Subscribe(ctx, keys.Events(b.scope))
		if _, err := ps.Receive(ctx); err != nil {
			b.log.Warnf("broadcast: pub/sub unavailable, falling back to relay: %v", err)
			_ = ps.Close()
			b.useRelay = true
		} else {
			b.wg.Add(1)
			go b.pubsubLoop(ctx, ps)
			return
		}
	}
	b.wg.Add(1)
	go b.relayLoop(ctx)
}

// Close stops receiving. Pending publishes are not flushed.
func (b *TabBroadcaster) Close() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}

// Subscribe registers a handler for an event type and returns an unsubscribe
// function. Handlers run on the receive goroutine and should be brief.
func (b *TabBroadcaster) Subscribe(eventType string, h func(BroadcastEnvelope)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[int]func(BroadcastEnvelope))
	}
	id := b.nextID
	b.nextID++
	b.handlers[eventType][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// Publish sends an advisory notice to every other session of the scope.
// Delivery is best-effort; errors are logged and swallowed.
func (b *TabBroadcaster) Publish(ctx context.Context, eventType string, payload any) {
	env := BroadcastEnvelope{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		SenderID:  b.senderID,
		Seq:       b.seq.Add(1),
	}
	if payload != nil {
		raw, err := b.enc.Encode(payload)
		if err != nil {
			b.log.Warnf("broadcast: encode %s: %v", eventType, err)
			return
		}
		env.Payload = raw
	}
	raw, err := b.enc.Encode(env)
	if err != nil {
		b.log.Warnf("broadcast: encode envelope: %v", err)
		return
	}
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Publish(ctx, keys.Events(b.scope), raw)
		p.RPush(ctx, keys.Relay(b.scope), raw)
		p.LTrim(ctx, keys.Relay(b.scope), -relayCap, -1)
		return nil
	})
	if err != nil {
		b.log.Warnf("broadcast: publish %s: %v", eventType, err)
	}
}

func (b *TabBroadcaster) pubsubLoop(ctx context.Context, ps *redis.PubSub) {
	defer b.wg.Done()
	defer func() { _ = ps.Close() }()
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch([]byte(msg.Payload))
		}
	}
}

// relayLoop polls the capped relay list. Progress is tracked per sender via
// the envelope Seq, not by list position: LTrim shifts positions, a sequence
// number cannot rewind.
func (b *TabBroadcaster) relayLoop(ctx context.Context) {
	defer b.wg.Done()
	seen := b.primeSeen(ctx)
	ticker := time.NewTicker(relayPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := b.rdb.LRange(ctx, keys.Relay(b.scope), 0, -1).Result()
			if err != nil {
				continue
			}
			for _, e := range entries {
				var env BroadcastEnvelope
				if err := b.enc.Decode([]byte(e), &env); err != nil {
					continue
				}
				if env.Seq <= seen[env.SenderID] {
					continue
				}
				seen[env.SenderID] = env.Seq
				b.dispatchEnv(env)
			}
		}
	}
}

// primeSeen records the sequence high-water marks already retained in the
// relay so only notices published after the listener started get dispatched.
func (b *TabBroadcaster) primeSeen(ctx context.Context) map[string]int64 {
	seen := make(map[string]int64)
	entries, err := b.rdb.LRange(ctx, keys.Relay(b.scope), 0, -1).Result()
	if err != nil {
		return seen
	}
	for _, e := range entries {
		var env BroadcastEnvelope
		if b.enc.Decode([]byte(e), &env) == nil && env.Seq > seen[env.SenderID] {
			seen[env.SenderID] = env.Seq
		}
	}
	return seen
}

func (b *TabBroadcaster) dispatch(raw []byte) {
	var env BroadcastEnvelope
	if err := b.enc.Decode(raw, &env); err != nil {
		b.log.Debugf("broadcast: drop undecodable notice: %v", err)
		return
	}
	b.dispatchEnv(env)
}

func (b *TabBroadcaster) dispatchEnv(env BroadcastEnvelope) {
	if env.SenderID == b.senderID {
		return
	}
	b.mu.Lock()
	hs := make([]func(BroadcastEnvelope), 0, len(b.handlers[env.Type]))
	for _, h := range b.handlers[env.Type] {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(env)
	}
}
