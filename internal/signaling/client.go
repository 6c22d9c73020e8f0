package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the connection state of the signaling channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	ErrNotConnected   = errors.New("signaling: not connected")
	ErrRequestTimeout = errors.New("signaling: request timed out")
)

// ServerError is an application-level error the server returned in place
// of the expected response.
type ServerError struct {
	Type    string // request type that failed
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Options configures a Client.
type Options struct {
	// URL is the websocket endpoint, e.g. "wss://host/ws".
	URL string
	// Token authenticates the handshake; it is sent as a query parameter.
	Token string

	RequestTimeout      time.Duration
	ConnectTimeout      time.Duration
	PingInterval        time.Duration
	ReconnectMaxElapsed time.Duration

	// OnEvent receives server-pushed messages that are not responses to
	// any pending request.
	OnEvent func(Message)
	// OnError receives transport errors that occur after the handshake.
	OnError func(error)

	Logger *zap.Logger
}

// Client is the signaling channel to the SFU. One websocket connection is
// shared by all room and media operations; requests are correlated to
// responses by a generated request id.
type Client struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	closed   bool          // explicit Disconnect requested
	inflight chan struct{} // non-nil while a dial is in flight
	dialErr  error
	onEvent  func(Message)
	onError  func(error)
	pingStop chan struct{}

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Message
}

// NewClient creates a signaling client. No connection is made until
// Connect is called.
func NewClient(opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		opts:    opts,
		log:     log.Named("signaling"),
		pending: make(map[string]chan Message),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the signaling channel. It is idempotent under
// concurrent callers: while a dial is in flight every caller waits on the
// same attempt and observes its outcome, so only one underlying
// connection is ever opened.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.inflight != nil {
		wait := c.inflight
		c.mu.Unlock()
		select {
		case <-wait:
			c.mu.Lock()
			err := c.dialErr
			c.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	c.inflight = done
	c.state = StateConnecting
	c.mu.Unlock()

	err := c.dial(ctx)

	c.mu.Lock()
	c.dialErr = err
	if err != nil {
		c.state = StateDisconnected
	}
	c.inflight = nil
	c.mu.Unlock()
	close(done)
	return err
}

func (c *Client) dial(ctx context.Context) error {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return fmt.Errorf("invalid signaling URL %q: %w", c.opts.URL, err)
	}
	if c.opts.Token != "" {
		q := u.Query()
		q.Set("token", c.opts.Token)
		u.RawQuery = q.Encode()
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to signaling server at %s: %w", c.opts.URL, err)
	}

	pingStop := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.closed = false
	c.onEvent = c.opts.OnEvent
	c.onError = c.opts.OnError
	c.pingStop = pingStop
	c.mu.Unlock()

	c.log.Info("connected", zap.String("url", c.opts.URL))

	go c.readPump(conn)
	if c.opts.PingInterval > 0 {
		go c.pingLoop(conn, pingStop)
	}
	return nil
}

// Reconnect re-establishes the channel with bounded exponential backoff.
// It is never triggered implicitly; callers decide when a reconnect is
// appropriate.
func (c *Client) Reconnect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	if c.opts.ReconnectMaxElapsed > 0 {
		bo.MaxElapsedTime = c.opts.ReconnectMaxElapsed
	}
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := c.Connect(ctx)
		if err != nil {
			c.log.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

// Request sends a correlated request and waits for the matching response.
// A request that receives no response rejects after the request timeout
// without disturbing other in-flight requests.
func (c *Client) Request(ctx context.Context, msgType string, payload any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return nil, fmt.Errorf("%s: %w", msgType, ErrNotConnected)
	}

	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		data = b
	}

	id := uuid.NewString()
	ch := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	unregister := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	if err := c.write(conn, Message{Type: msgType, RequestID: id, Data: data}); err != nil {
		unregister()
		return nil, fmt.Errorf("failed to send %s: %w", msgType, err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, &ServerError{Type: msgType, Message: resp.Error}
		}
		return resp.Data, nil
	case <-timer.C:
		unregister()
		return nil, fmt.Errorf("no response to %q within %v: %w",
			msgType, c.opts.RequestTimeout, ErrRequestTimeout)
	case <-ctx.Done():
		unregister()
		return nil, ctx.Err()
	}
}

func (c *Client) write(conn *websocket.Conn, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) readPump(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if c.opts.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2*c.opts.PingInterval + 5*time.Second))
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	if msg.RequestID != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.RequestID]
		if ok {
			delete(c.pending, msg.RequestID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- msg
			return
		}
		// Response arrived after its caller timed out or tore down.
		c.log.Debug("response with no pending request",
			zap.String("type", msg.Type), zap.String("requestId", msg.RequestID))
		return
	}

	if msg.Type == TypePong {
		return
	}

	c.mu.Lock()
	handler := c.onEvent
	c.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

func (c *Client) handleReadError(err error) {
	c.mu.Lock()
	wasRequested := c.closed
	c.state = StateDisconnected
	c.conn = nil
	handler := c.onError
	stop := c.pingStop
	c.pingStop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if wasRequested {
		return
	}
	c.log.Warn("connection lost", zap.Error(err))
	if handler != nil {
		handler(fmt.Errorf("signaling connection to %s lost: %w", c.opts.URL, err))
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.write(conn, Message{Type: TypePing}); err != nil {
				c.log.Debug("keepalive write failed", zap.Error(err))
				return
			}
		}
	}
}

// Disconnect detaches all handlers and closes the channel. No callback
// fires after Disconnect returns. Outstanding requests are not cancelled;
// they run into their own timeouts.
func (c *Client) Disconnect() {
	c.mu.Lock()
	// Handlers come off before the socket closes so the read pump's
	// shutdown path cannot fire them.
	c.onEvent = nil
	c.onError = nil
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	stop := c.pingStop
	c.pingStop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.log.Info("disconnected")
}
