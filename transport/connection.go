// Package transport owns the persistent connection to the messaging server:
// dial, authentication handshake, heartbeat, acknowledged requests, inbound
// event stream and automatic reconnection.
package transport

import (
	"chat-sync/auth"
	"chat-sync/contract"
	"chat-sync/domain"
	"chat-sync/domain/event"
	"chat-sync/errors"
	"chat-sync/observability"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20

	frameAuthenticate  = "authenticate"
	frameAuthenticated = "authenticated"
	frameAck           = "ack"
	frameError         = "error"
)

// DefaultAckTimeout bounds how long a command waits for its acknowledgement.
const DefaultAckTimeout = 10 * time.Second

// frame is the wire envelope shared by commands, acks and pushed events.
type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type authenticatePayload struct {
	Token string `json:"token"`
}

type authenticatedPayload struct {
	UserID string `json:"userId"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type Credentials struct {
	Token string
}

type Options struct {
	URL                      string
	AckTimeout               time.Duration
	HandshakeTimeout         time.Duration
	HeartbeatInterval        time.Duration
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	// ReconnectMaxElapsed stops reconnecting after this long. Zero retries forever.
	ReconnectMaxElapsed time.Duration
	EventBufferSize     int
}

func (o Options) withDefaults() Options {
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReconnectInitialInterval <= 0 {
		o.ReconnectInitialInterval = 500 * time.Millisecond
	}
	if o.ReconnectMaxInterval <= 0 {
		o.ReconnectMaxInterval = 30 * time.Second
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = 256
	}
	return o
}

type ackResult struct {
	payload json.RawMessage
	err     error
}

type pendingRequest struct {
	command domain.CommandName
	result  chan ackResult
}

// Connection is the connection lifecycle service. One instance per session,
// injected into the components that need it.
type Connection struct {
	log     *slog.Logger
	opts    Options
	metrics *observability.Metrics
	dialer  *websocket.Dialer
	events  chan event.Event

	writeMu sync.Mutex

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	// dialing is set while Connect or the reconnect loop owns the next socket.
	dialing bool
	token   string
	userID  string
	pending map[string]*pendingRequest

	connected     atomic.Bool
	authenticated atomic.Bool
}

var _ contract.IConnection = (*Connection)(nil)

func NewConnection(log *slog.Logger, opts Options, metrics *observability.Metrics) *Connection {
	opts = opts.withDefaults()
	return &Connection{
		log:     log,
		opts:    opts,
		metrics: metrics,
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		events:  make(chan event.Event, opts.EventBufferSize),
		pending: make(map[string]*pendingRequest),
	}
}

func (c *Connection) Connected() bool     { return c.connected.Load() }
func (c *Connection) Authenticated() bool { return c.authenticated.Load() }

func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Events streams pushed events and lifecycle events in arrival order.
// The channel is never closed: it outlives reconnections.
func (c *Connection) Events() <-chan event.Event {
	return c.events
}

// Connect dials, authenticates and starts the read loop. ctx bounds the dial
// and handshake only; the session lives until Disconnect.
// Connecting while a reconnect is in progress is refused too.
func (c *Connection) Connect(ctx context.Context, creds Credentials) error {
	c.mu.Lock()
	if c.conn != nil || c.dialing {
		c.mu.Unlock()
		return errors.ErrAlreadyConnected
	}
	c.dialing = true
	c.mu.Unlock()

	if _, err := auth.Inspect(creds.Token, time.Now()); err != nil {
		c.stopDialing()
		return err
	}
	conn, userID, err := c.dial(ctx, creds.Token)
	if err != nil {
		c.stopDialing()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.token = creds.Token
	c.cancel = cancel
	c.mu.Unlock()

	c.log.Info("Connected", "user_id", userID, "url", c.opts.URL)
	c.attach(runCtx, conn, event.SessionStarted{UserID: userID})
	return nil
}

// Disconnect closes the session on purpose. No reconnection follows.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel = nil, nil
	c.connected.Store(false)
	c.authenticated.Store(false)
	c.failPendingLocked(errors.ErrNotConnected)
	// attach checks ctx under the same lock.
	if cancel != nil {
		cancel()
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	c.metrics.SetConnected(false)
	select {
	case c.events <- event.Event{Type: event.SessionLostType, CreatedAt: time.Now(), Payload: event.SessionLost{Reason: "disconnected"}}:
	default:
	}
	c.log.Info("Disconnected")
}

// Request sends a command and waits for its acknowledgement.
// It fails fast with ErrNotConnected when no session is authenticated.
func (c *Connection) Request(ctx context.Context, command domain.CommandName, payload any) (json.RawMessage, error) {
	if !c.Authenticated() {
		return nil, errors.ErrNotConnected
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}

	requestID := uuid.NewString()
	pending := &pendingRequest{command: command, result: make(chan ackResult, 1)}
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, errors.ErrNotConnected
	}
	c.pending[requestID] = pending
	c.mu.Unlock()

	if err := c.write(conn, frame{Type: string(command), RequestID: requestID, Payload: raw}); err != nil {
		c.forget(requestID)
		return nil, fmt.Errorf("%w: %v", errors.ErrNotConnected, err)
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()
	select {
	case res := <-pending.result:
		return res.payload, res.err
	case <-timer.C:
		c.forget(requestID)
		return nil, errors.ErrAckTimeout
	case <-ctx.Done():
		c.forget(requestID)
		return nil, ctx.Err()
	}
}

func (c *Connection) dial(ctx context.Context, token string) (*websocket.Conn, string, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(maxMessageSize)

	userID, err := c.handshake(conn, token)
	if err != nil {
		_ = conn.Close()
		return nil, "", err
	}
	return conn, userID, nil
}

// handshake sends the token as the first frame and waits for the verdict.
func (c *Connection) handshake(conn *websocket.Conn, token string) (string, error) {
	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	raw, err := json.Marshal(authenticatePayload{Token: token})
	if err != nil {
		return "", err
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(frame{Type: frameAuthenticate, Payload: raw}); err != nil {
		return "", fmt.Errorf("send credentials: %w", err)
	}
	_ = conn.SetReadDeadline(deadline)
	var reply frame
	if err := conn.ReadJSON(&reply); err != nil {
		return "", fmt.Errorf("%w: %v", errors.ErrAuthenticationFailed, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch reply.Type {
	case frameAuthenticated:
		var p authenticatedPayload
		if err := json.Unmarshal(reply.Payload, &p); err != nil || p.UserID == "" {
			return "", fmt.Errorf("%w: malformed authenticated frame", errors.ErrAuthenticationFailed)
		}
		return p.UserID, nil
	case frameError:
		var p errorPayload
		_ = json.Unmarshal(reply.Payload, &p)
		return "", fmt.Errorf("%w: %s", errors.ErrAuthenticationFailed, p.Message)
	default:
		return "", fmt.Errorf("%w: unexpected %q frame", errors.ErrAuthenticationFailed, reply.Type)
	}
}

// attach installs an authenticated socket, announces the session and only
// then starts reading, so sessionStarted precedes every pushed event.
// A socket dialed for a session closed meanwhile is discarded.
func (c *Connection) attach(ctx context.Context, conn *websocket.Conn, started event.SessionStarted) bool {
	c.mu.Lock()
	c.dialing = false
	if ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.conn = conn
	c.userID = started.UserID
	c.connected.Store(true)
	c.authenticated.Store(true)
	c.mu.Unlock()
	c.metrics.SetConnected(true)
	c.emit(ctx, event.Event{Type: event.SessionStartedType, CreatedAt: time.Now(), Payload: started})

	if c.opts.HeartbeatInterval > 0 {
		pongWait := 2 * c.opts.HeartbeatInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.heartbeat(ctx, conn)
	}
	go c.readLoop(ctx, conn)
	return true
}

func (c *Connection) stopDialing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialing = false
}

func (c *Connection) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug("Ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.handleDrop(ctx, conn, err)
			return
		}
		if c.opts.HeartbeatInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * c.opts.HeartbeatInterval))
		}
		c.route(ctx, f)
	}
}

func (c *Connection) route(ctx context.Context, f frame) {
	switch f.Type {
	case frameAck:
		c.resolve(f.RequestID, ackResult{payload: f.Payload})
		return
	case frameError:
		var p errorPayload
		_ = json.Unmarshal(f.Payload, &p)
		if f.RequestID != "" {
			c.resolveError(f.RequestID, p.Message)
			return
		}
		c.log.Warn("Server error", "message", p.Message)
		return
	}

	e, err := event.Decode(event.Type(f.Type), f.Payload, time.Now())
	if err != nil {
		if stderrors.Is(err, errors.ErrUnknownEvent) {
			c.log.Debug("Ignoring unknown event", "type", f.Type)
			c.metrics.EventIgnored(f.Type, "unknown")
			return
		}
		c.log.Warn("Dropping malformed event", "type", f.Type, "error", err)
		c.metrics.EventIgnored(f.Type, "malformed")
		return
	}
	c.emit(ctx, e)
}

// handleDrop reacts to a read failure. An intentional disconnect cancels ctx first.
func (c *Connection) handleDrop(ctx context.Context, conn *websocket.Conn, cause error) {
	if ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.dialing = true
	c.connected.Store(false)
	c.authenticated.Store(false)
	c.failPendingLocked(errors.ErrNotConnected)
	c.mu.Unlock()
	_ = conn.Close()
	c.metrics.SetConnected(false)

	c.log.Warn("Connection lost", "error", cause)
	c.emit(ctx, event.Event{
		Type:      event.SessionLostType,
		CreatedAt: time.Now(),
		Payload:   event.SessionLost{Reason: cause.Error()},
	})
	c.reconnect(ctx)
}

// reconnect retries dial and handshake with exponential backoff until it
// succeeds, the session is closed, or ReconnectMaxElapsed runs out.
func (c *Connection) reconnect(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectInitialInterval
	b.MaxInterval = c.opts.ReconnectMaxInterval
	b.MaxElapsedTime = c.opts.ReconnectMaxElapsed
	b.Reset()

	var conn *websocket.Conn
	var userID string
	operation := func() error {
		c.mu.Lock()
		token := c.token
		c.mu.Unlock()
		if _, err := auth.Inspect(token, time.Now()); err != nil {
			return backoff.Permanent(err)
		}
		var err error
		conn, userID, err = c.dial(ctx, token)
		if stderrors.Is(err, errors.ErrAuthenticationFailed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Info("Reconnect attempt failed", "error", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		c.stopDialing()
		if ctx.Err() == nil {
			c.log.Error("Giving up reconnecting", "error", err)
		}
		return
	}
	if !c.attach(ctx, conn, event.SessionStarted{UserID: userID, Reconnect: true}) {
		return
	}
	c.metrics.Reconnected()
	c.log.Info("Reconnected", "user_id", userID)
}

// emit blocks while the buffer is full: events are never dropped.
func (c *Connection) emit(ctx context.Context, e event.Event) {
	select {
	case c.events <- e:
	case <-ctx.Done():
	}
}

func (c *Connection) write(conn *websocket.Conn, f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

func (c *Connection) resolve(requestID string, res ackResult) {
	c.mu.Lock()
	pending, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("Dropping late acknowledgement", "request_id", requestID)
		return
	}
	pending.result <- res
}

func (c *Connection) resolveError(requestID, message string) {
	c.mu.Lock()
	pending, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.mu.Unlock()
	if !ok {
		return
	}
	pending.result <- ackResult{err: errors.NewAckError(string(pending.command), message)}
}

func (c *Connection) forget(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, requestID)
}

func (c *Connection) failPendingLocked(err error) {
	for id, pending := range c.pending {
		pending.result <- ackResult{err: err}
		delete(c.pending, id)
	}
}
