// Package ws implements the realtime layer: a reconnecting WebSocket client,
// the field-shape demultiplexer for the venue's untagged frames, and the bus
// that fans typed events out to subscribers.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval   = 30 * time.Second
	defaultPongTimeout    = 10 * time.Second
	defaultReconnectDelay = time.Second
	defaultMaxReconnects  = 10

	readTimeout  = 90 * time.Second
	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20 // 1 MiB; full book snapshots for many assets get large
)

// State is the observable connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	}
	return "UNKNOWN"
}

// Options configures a Client. URL is required; zero durations and counts
// fall back to the package defaults. Callbacks are invoked as follows:
//
//   - OnMessage: synchronously on the reader goroutine, one frame at a time,
//     so per-connection ordering is preserved.
//   - OnOpen: after every successful dial, including reconnects. The bus
//     uses it to replay subscriptions.
//   - OnState: on every state transition.
type Options struct {
	URL                  string
	PingInterval         time.Duration
	PongTimeout          time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	Logger               *slog.Logger

	OnMessage func([]byte)
	OnOpen    func()
	OnState   func(State)
}

// Client maintains one live WebSocket connection with ping/pong liveness
// checks and exponential-backoff reconnection.
//
// Writes from any goroutine are funneled through a single mutex; reads
// happen on one dedicated goroutine per connection. A connection that
// misses a pong deadline is classified dead and torn down forcibly, which
// also unblocks the reader.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex // guards conn, state, gen, stopCh, sessionCh, attempts, manualClose
	conn     *websocket.Conn
	state    State
	gen      int // connection generation; stale reader/pinger calls are ignored
	stopCh   chan struct{}
	session  chan struct{}
	attempts int
	manual   bool

	writeMu sync.Mutex
}

// NewClient returns a client for the given options. Connect must be called
// to open the socket.
func NewClient(opts Options) *Client {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = defaultPongTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = defaultMaxReconnects
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		logger: logger.With("component", "ws", "url", opts.URL),
		state:  StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the socket is currently open.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Connect opens the socket. It is idempotent: calls while connecting,
// connected, or reconnecting are no-ops. A failed initial dial is returned
// to the caller and leaves the client DISCONNECTED.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.manual = false
	c.attempts = 0
	c.session = make(chan struct{})
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	return nil
}

// Disconnect closes the socket intentionally and disables auto-reconnect.
// A later Connect starts a fresh session.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manual = true
	if c.session != nil {
		close(c.session)
		c.session = nil
	}
	conn := c.conn
	gen := c.gen
	c.mu.Unlock()

	if conn != nil {
		c.terminate(gen, nil)
		return
	}
	c.setState(StateDisconnected)
}

// Send marshals v as JSON and writes it to the socket. Per the wire
// contract it fails silently when the socket is not open; the reconnect
// path replays subscriptions, so callers never retry sends themselves.
func (c *Client) Send(v any) {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if conn == nil || state != StateConnected {
		c.logger.Debug("send dropped, socket not open", "state", state.String())
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(v); err != nil {
		c.logger.Warn("websocket write failed", "err", err)
	}
}

// dial opens a connection and starts its reader and pinger. Used by both
// the initial Connect and the reconnect loop.
func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)
		}
		return err
	}

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(readTimeout))

	pongCh := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		select {
		case pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	stop := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.stopCh = stop
	c.gen++
	gen := c.gen
	c.attempts = 0
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	go c.readLoop(conn, gen)
	go c.pingLoop(conn, gen, pongCh, stop)

	if c.opts.OnOpen != nil {
		c.opts.OnOpen()
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.terminate(gen, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
	}
}

// pingLoop enforces liveness: a protocol ping every PingInterval, each
// requiring a pong within PongTimeout. The next ping is never sent while a
// pong is outstanding; the timeout fires first and kills the connection.
func (c *Client) pingLoop(conn *websocket.Conn, gen int, pongCh <-chan struct{}, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.terminate(gen, fmt.Errorf("ping write: %w", err))
				return
			}
			timer := time.NewTimer(c.opts.PongTimeout)
			select {
			case <-pongCh:
				timer.Stop()
			case <-timer.C:
				c.terminate(gen, fmt.Errorf("no pong within %s", c.opts.PongTimeout))
				return
			case <-stop:
				timer.Stop()
				return
			}
		}
	}
}

// terminate tears down the current connection exactly once per generation.
// Intentional closes go straight to DISCONNECTED; everything else enters
// the reconnect path.
func (c *Client) terminate(gen int, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	stop := c.stopCh
	c.conn = nil
	c.stopCh = nil
	c.gen++
	manual := c.manual
	c.mu.Unlock()

	close(stop)
	conn.Close()

	if manual {
		c.setState(StateDisconnected)
		return
	}

	c.logger.Warn("connection dead", "cause", cause)
	c.setState(StateReconnecting)
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	for {
		c.mu.Lock()
		if c.manual {
			c.mu.Unlock()
			return
		}
		attempt := c.attempts
		session := c.session
		c.mu.Unlock()

		if attempt >= c.opts.MaxReconnectAttempts {
			c.logger.Error("reconnect attempts exhausted", "attempts", attempt)
			c.setState(StateDisconnected)
			return
		}

		delay := backoffDelay(c.opts.ReconnectDelay, attempt)
		c.logger.Info("reconnecting", "attempt", attempt+1, "delay", delay)

		select {
		case <-time.After(delay):
		case <-session:
			return
		}

		c.mu.Lock()
		c.attempts++
		c.mu.Unlock()

		if err := c.dial(context.Background()); err != nil {
			c.logger.Warn("reconnect failed", "attempt", attempt+1, "err", err)
			continue
		}
		return
	}
}

// backoffDelay returns base * 2^attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(1<<uint(attempt))
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
}

// setStateLocked requires c.mu held. The OnState callback fires on a
// separate goroutine so observers cannot deadlock the client.
func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	old := c.state
	c.state = s
	c.logger.Debug("state change", "from", old.String(), "to", s.String())
	if c.opts.OnState != nil {
		go c.opts.OnState(s)
	}
}
