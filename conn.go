package cotab

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ConnState is the lifecycle state of the push connection.
type ConnState int32

const (
	// StateDisconnected is the resting and terminal state. It is terminal
	// after the reconnect ceiling until externally retriggered (Connect).
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns a human-readable state name.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// FrameHandler receives one inbound frame. Handlers run on the read goroutine
// and must tolerate at-least-once delivery.
type FrameHandler func(Frame)

// ConnectionManager owns the one live push connection of a session:
// connect, reconnect, heartbeat, dispatch. Outbound sends are fire-and-forget
// and dropped silently while not connected; there is no outbound queue.
type ConnectionManager struct {
	url string
	cfg Config
	enc Encoder
	log Logger
	rng *rand.Rand

	// OnConnect, when set before Connect, runs after every successful dial,
	// including automatic redials. Used to re-subscribe active streams.
	OnConnect func()

	mu       sync.Mutex
	state    ConnState
	conn     *websocket.Conn
	attempts int
	closed   bool
	handlers map[FrameType]map[int]FrameHandler
	nextID   int
	loopStop context.CancelFunc
	retry    *time.Timer
	wg       sync.WaitGroup
}

// NewConnectionManager creates a manager for the configured URL. It does not
// connect; call Connect.
func NewConnectionManager(cfg Config) *ConnectionManager {
	log := cfg.Logger
	if log == nil {
		log = noopLogger{}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &ConnectionManager{
		url:      cfg.URL,
		cfg:      cfg,
		enc:      &JSONEncoder{},
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		handlers: make(map[FrameType]map[int]FrameHandler),
	}
}

// State returns the current connection state.
func (c *ConnectionManager) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers a handler for one frame type (set semantics) and
// returns its unsubscribe function.
func (c *ConnectionManager) Subscribe(t FrameType, h FrameHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[t] == nil {
		c.handlers[t] = make(map[int]FrameHandler)
	}
	id := c.nextID
	c.nextID++
	c.handlers[t][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[t], id)
	}
}

// Connect dials the push endpoint. On success the reconnect counter resets
// and the heartbeat starts. Calling Connect on a downed connection is the
// external retrigger that leaves the terminal disconnected state.
func (c *ConnectionManager) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		c.log.Warnf("conn: dial failed: %v", err)
		c.scheduleReconnect()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "closed")
		return ErrSessionClosed
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.loopStop = cancel
	c.mu.Unlock()
	c.log.Infof("conn: connected url=%s", c.url)

	c.wg.Add(2)
	go c.readLoop(loopCtx, conn)
	go c.heartbeatLoop(loopCtx)
	if c.OnConnect != nil {
		c.OnConnect()
	}
	return nil
}

// Send transmits a frame if connected; otherwise the frame is dropped and
// ErrNotConnected returned. There is no outbound queue: callers needing
// delivery guarantees must use a request/response endpoint instead.
func (c *ConnectionManager) Send(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		c.log.Debugf("conn: dropped %s frame while %s", f.Type, c.State())
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, f); err != nil {
		c.log.Debugf("conn: write %s failed: %v", f.Type, err)
		return err
	}
	return nil
}

// Close tears the connection down permanently. Timers are cleared and any
// scheduled reconnect is abandoned.
func (c *ConnectionManager) Close() {
	c.mu.Lock()
	c.closed = true
	c.state = StateDisconnected
	conn := c.conn
	c.conn = nil
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	stop := c.loopStop
	c.loopStop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	c.wg.Wait()
}

func (c *ConnectionManager) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warnf("conn: read error: %v", err)
			c.handleDrop()
			return
		}
		c.handleFrame(f)
	}
}

func (c *ConnectionManager) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Send(NewFrame(FramePong, nil))
		}
	}
}

func (c *ConnectionManager) handleFrame(f Frame) {
	switch f.Type {
	case FramePing:
		// answer immediately, then fall through to subscribers
		c.Send(NewFrame(FramePong, nil))
	case FrameServerRestarting:
		// reset attempts and reconnect with jitter so a fleet of sessions
		// does not stampede the restarted server
		c.log.Infof("conn: server restarting, reconnecting with jitter")
		c.dispatch(f)
		c.restartReconnect()
		return
	}
	c.dispatch(f)
}

func (c *ConnectionManager) dispatch(f Frame) {
	c.mu.Lock()
	hs := make([]FrameHandler, 0, len(c.handlers[f.Type]))
	for _, h := range c.handlers[f.Type] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(f)
	}
}

// handleDrop reacts to an abnormal close: tear down the loops and schedule a
// reconnect under the exponential policy.
func (c *ConnectionManager) handleDrop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	stop := c.loopStop
	c.loopStop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusAbnormalClosure, "drop")
	}
	c.scheduleReconnect()
}

func (c *ConnectionManager) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		// terminal until externally retriggered
		c.state = StateDisconnected
		c.mu.Unlock()
		c.log.Errorf("conn: reconnect ceiling reached (%d attempts), staying disconnected", c.attempts)
		return
	}
	delay := c.cfg.ReconnectBase << c.attempts
	if delay > c.cfg.ReconnectCap || delay <= 0 {
		delay = c.cfg.ReconnectCap
	}
	c.attempts++
	c.state = StateReconnecting
	c.armRetryLocked(delay)
	c.mu.Unlock()
	c.log.Infof("conn: reconnecting in %s (attempt %d)", delay, c.attempts)
}

// restartReconnect handles server_restarting: the current connection will
// drop, attempts reset, and jitter spreads the reconnection burst.
func (c *ConnectionManager) restartReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	stop := c.loopStop
	c.loopStop = nil
	c.attempts = 0
	c.state = StateReconnecting
	jitter := time.Duration(0)
	if c.cfg.RestartJitterMax > 0 {
		jitter = time.Duration(c.rng.Int63n(int64(c.cfg.RestartJitterMax)))
	}
	c.armRetryLocked(c.cfg.ReconnectBase + jitter)
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "server restarting")
	}
}

// armRetryLocked schedules the next dial. Caller holds c.mu.
func (c *ConnectionManager) armRetryLocked(delay time.Duration) {
	if c.retry != nil {
		c.retry.Stop()
	}
	c.retry = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.state = StateDisconnected
		c.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = c.Connect(ctx)
	})
}
