// Package ws implements the transport client: one duplex websocket
// connection per document session, with heartbeats, outbound queuing while
// disconnected, and exponential-backoff reconnection.
//
// Connection errors are non-fatal by design. The client degrades to
// queued-local-only operation and resumes automatically; callers observe
// connectivity through state events, never through exceptions. The one
// terminal condition is exhausting the reconnect attempt ceiling, which is
// escalated as its own event because no further automatic recovery follows.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	syncerrors "github.com/collabcanvas/go-canvas-sync/errors"
	"github.com/collabcanvas/go-canvas-sync/logging"
	"github.com/collabcanvas/go-canvas-sync/wire"
)

// State is the transport client connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event classifies connectivity notifications delivered to the host.
type Event int

const (
	EventConnected Event = iota
	EventDisconnected
	EventReconnecting
	EventMaxAttemptsReached
	EventClosed
)

// Status is a snapshot of the connection session.
type Status struct {
	State             State
	Connected         bool
	LastConnected     time.Time
	ReconnectAttempts int
	QueuedMessages    int
	DroppedMessages   uint64
	LastError         error
}

// Defaults for the connection session.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultBaseDelay            = 1 * time.Second
	DefaultMaxDelay             = 30 * time.Second
	DefaultHeartbeatInterval    = 15 * time.Second
	DefaultHeartbeatTimeout     = 45 * time.Second
	DefaultQueueLimit           = 1024
)

// Options configures a Client.
type Options struct {
	// URL is the websocket endpoint, including the room parameter.
	URL string

	// RequestHeader is passed to the upgrade handshake.
	RequestHeader http.Header

	// MaxReconnectAttempts caps automatic reconnection.
	MaxReconnectAttempts int

	// BaseDelay and MaxDelay bound the reconnect backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// HeartbeatInterval is how often an application-level ping is sent;
	// HeartbeatTimeout is how long to wait for any traffic before the
	// connection is treated as stale and forced through a reconnect cycle.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// QueueLimit bounds the offline outbound queue (drop-oldest overflow).
	QueueLimit int

	// MaxMessageSize bounds inbound frames.
	MaxMessageSize int64

	// Backoff overrides the default exponential strategy.
	Backoff BackoffStrategy

	// Dialer overrides the default websocket dialer.
	Dialer *websocket.Dialer

	Logger *logging.Logger
}

func (o *Options) setDefaults() {
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.QueueLimit <= 0 {
		o.QueueLimit = DefaultQueueLimit
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = wire.DefaultMaxBodySize
	}
	if o.Backoff == nil {
		o.Backoff = &ExponentialBackoff{
			InitialDelay: o.BaseDelay,
			MaxDelay:     o.MaxDelay,
			Multiplier:   2.0,
		}
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

// Client manages one duplex connection per document session.
type Client struct {
	opts   Options
	logger *logging.Logger
	queue  *messageQueue

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	connDone       chan struct{} // closed when the current connection tears down
	outbound       chan []byte
	reconnectTimer *time.Timer
	manualClose    bool
	attempts       int
	lastConnected  time.Time
	lastErr        error
	lastTraffic    time.Time

	cbMu      sync.Mutex
	onMessage func(wire.Message)
	onState   func(Event, Status)
}

// NewClient creates a transport client. The client does not connect until
// Connect is called.
func NewClient(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("endpoint URL cannot be empty")
	}
	opts.setDefaults()
	return &Client{
		opts:   opts,
		logger: opts.Logger.WithComponent(logging.ComponentTransport),
		queue:  newMessageQueue(opts.QueueLimit),
		state:  StateIdle,
	}, nil
}

// OnMessage registers the handler for inbound frames. Application pongs are
// consumed by the heartbeat and not delivered here.
func (c *Client) OnMessage(fn func(wire.Message)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onMessage = fn
}

// OnStateChange registers the connectivity event handler.
func (c *Client) OnStateChange(fn func(Event, Status)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onState = fn
}

// Status returns a snapshot of the connection session.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Client) statusLocked() Status {
	return Status{
		State:             c.state,
		Connected:         c.state == StateConnected,
		LastConnected:     c.lastConnected,
		ReconnectAttempts: c.attempts,
		QueuedMessages:    c.queue.len(),
		DroppedMessages:   c.queue.droppedCount(),
		LastError:         c.lastErr,
	}
}

// Connect starts the connection lifecycle. It returns immediately; the
// outcome is observed through state events. Calling Connect on a closed or
// already-connecting client is an error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return syncerrors.NewNetworkError(syncerrors.OpConnect,
			fmt.Errorf("cannot connect from state %s", state))
	}
	c.manualClose = false
	c.state = StateConnecting
	c.mu.Unlock()

	go c.attemptConnect(ctx)
	return nil
}

// Send encodes and transmits a frame. When the connection is down, the frame
// is queued (bounded, drop-oldest) and false is returned; queued frames are
// flushed in FIFO order on the next successful connect. Send never returns
// an error: transport loss is not a failure of the caller's operation.
func (c *Client) Send(kind wire.Kind, body []byte) bool {
	frame := wire.Encode(kind, body)

	c.mu.Lock()
	if c.state == StateConnected && c.outbound != nil {
		select {
		case c.outbound <- frame:
			c.mu.Unlock()
			return true
		default:
			// Writer is saturated; spill to the queue rather than block the
			// caller's mutation path.
		}
	}
	c.mu.Unlock()

	if c.queue.push(frame) {
		c.logger.Warn("outbound queue full, dropped oldest message")
	}
	return false
}

// Disconnect performs a manual teardown: it cancels any pending reconnect
// timer and heartbeat atomically with closing the socket, and drops the
// outbound queue. The client ends in StateClosed and will not reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	done := c.connDone
	c.conn = nil
	c.connDone = nil
	c.outbound = nil
	c.state = StateClosed
	c.mu.Unlock()

	if done != nil {
		safeClose(done)
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	c.queue.clear()
	c.notify(EventClosed)
}

func (c *Client) attemptConnect(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := c.opts.Dialer.DialContext(dialCtx, c.opts.URL, c.opts.RequestHeader)
	cancel()

	if err != nil {
		c.logger.Warn("connect attempt failed", "error", err.Error())
		c.handleFailure(ctx, syncerrors.NewNetworkError(syncerrors.OpConnect, err))
		return
	}

	conn.SetReadLimit(c.opts.MaxMessageSize)

	c.mu.Lock()
	if c.manualClose {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	queued := c.queue.drain()
	c.conn = conn
	c.connDone = make(chan struct{})
	// Sized to hold the whole offline queue so the pre-pump flush below can
	// never block.
	c.outbound = make(chan []byte, len(queued)+64)
	c.state = StateConnected
	c.attempts = 0
	c.opts.Backoff.Reset()
	c.lastConnected = time.Now()
	c.lastTraffic = time.Now()
	c.lastErr = nil
	done := c.connDone
	outbound := c.outbound
	c.mu.Unlock()

	// Flush everything queued while offline, in original order, before any
	// new sends interleave.
	for _, frame := range queued {
		outbound <- frame
	}

	go c.writeLoop(conn, outbound, done)
	go c.readLoop(ctx, conn, done)
	go c.heartbeatLoop(ctx, conn, outbound, done)

	// Anything that raced into the queue between the drain and the state
	// flip goes out now, still ahead of future sends.
	for _, frame := range c.queue.drain() {
		select {
		case outbound <- frame:
		case <-done:
			c.queue.push(frame)
			return
		}
	}

	c.logger.Info("connected", "url", c.opts.URL)
	c.notify(EventConnected)
}

func (c *Client) writeLoop(conn *websocket.Conn, outbound <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case frame, ok := <-outbound:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.handleConnectionLoss(conn, syncerrors.NewNetworkError(syncerrors.OpSend, err))
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.handleConnectionLoss(conn, syncerrors.NewNetworkError(syncerrors.OpReceive, err))
			return
		}

		c.mu.Lock()
		c.lastTraffic = time.Now()
		c.mu.Unlock()

		msg, err := wire.Decode(frame, int(c.opts.MaxMessageSize))
		if err != nil {
			// Protocol errors drop the frame, never the connection.
			c.logger.Warn("dropping malformed frame", "error", err.Error())
			continue
		}

		switch msg.Kind {
		case wire.KindPong:
			// Consumed by the heartbeat via lastTraffic.
		case wire.KindPing:
			c.mu.Lock()
			outbound := c.outbound
			c.mu.Unlock()
			if outbound != nil {
				select {
				case outbound <- wire.Encode(wire.KindPong, nil):
				default:
				}
			}
		default:
			c.deliver(msg)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn, outbound chan<- []byte, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.lastTraffic) > c.opts.HeartbeatTimeout
			c.mu.Unlock()

			if stale {
				c.logger.Warn("heartbeat timeout, forcing reconnect")
				c.handleConnectionLoss(conn, syncerrors.NewNetworkError(syncerrors.OpReceive,
					fmt.Errorf("no traffic within heartbeat timeout")))
				return
			}

			select {
			case outbound <- wire.Encode(wire.KindPing, nil):
			default:
			}
		}
	}
}

// handleConnectionLoss tears down the given connection if it is still the
// current one, then enters the reconnect cycle. Late loss reports from
// already-replaced connections are ignored.
func (c *Client) handleConnectionLoss(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.outbound = nil
	done := c.connDone
	c.connDone = nil
	manual := c.manualClose
	c.lastErr = cause
	if !manual {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if done != nil {
		safeClose(done)
	}
	_ = conn.Close()

	if manual {
		return
	}

	c.notify(EventDisconnected)
	c.handleFailure(context.Background(), cause)
}

// handleFailure schedules the next reconnect attempt, or escalates the
// terminal max-attempts event when the ceiling is reached.
func (c *Client) handleFailure(ctx context.Context, cause error) {
	c.mu.Lock()
	if c.manualClose {
		c.mu.Unlock()
		return
	}
	c.lastErr = cause

	if c.attempts >= c.opts.MaxReconnectAttempts {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.logger.Error("max reconnect attempts reached", "attempts", c.opts.MaxReconnectAttempts)
		c.notify(EventMaxAttemptsReached)
		return
	}

	delay := c.opts.Backoff.NextDelay(c.attempts)
	c.attempts++
	c.state = StateReconnecting
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.manualClose {
			c.mu.Unlock()
			return
		}
		c.reconnectTimer = nil
		c.state = StateConnecting
		c.mu.Unlock()
		c.attemptConnect(ctx)
	})
	attempt := c.attempts
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay.String())
	c.notify(EventReconnecting)
}

func (c *Client) deliver(msg wire.Message) {
	c.cbMu.Lock()
	fn := c.onMessage
	c.cbMu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message handler panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn(msg)
}

func (c *Client) notify(ev Event) {
	c.cbMu.Lock()
	fn := c.onState
	c.cbMu.Unlock()
	if fn == nil {
		return
	}
	status := c.Status()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("state handler panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn(ev, status)
}

func safeClose(ch chan struct{}) {
	defer func() { recover() }()
	close(ch)
}
