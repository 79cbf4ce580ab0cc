// Package transport owns the live broker connection of the messaging client.
//
// It knows frames, destinations and topics but nothing about conversations:
// inbound bodies are decoded into Events and fanned out on a Bus.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"telechat/cmd/identity/ids"
	"telechat/cmd/internal/chat/metrics"
	v1 "telechat/contracts/chat/v1"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

const (
	defaultHandshakeTimeout     = 10 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultReconnectDelay       = 3 * time.Second
	defaultMaxReconnectAttempts = 5
	defaultHeartbeatInterval    = 25 * time.Second
	defaultHeartbeatTimeout     = 10 * time.Second
	defaultMaxFrameBytes        = 64 << 10
	defaultSendQueue            = 256

	maxPingFailures = 3

	connectKey = "connect"
)

// PublishKind names an outbound event.
type PublishKind string

const (
	PublishSendMessage      PublishKind = "send-message"
	PublishTyping           PublishKind = "typing-signal"
	PublishMarkRead         PublishKind = "mark-read"
	PublishRegisterPresence PublishKind = "register-presence"
)

func (k PublishKind) destination() (string, bool) {
	switch k {
	case PublishSendMessage:
		return v1.DestSendMessage, true
	case PublishTyping:
		return v1.DestTyping, true
	case PublishMarkRead:
		return v1.DestMarkRead, true
	case PublishRegisterPresence:
		return v1.DestAddUser, true
	default:
		return "", false
	}
}

// Config controls the connection lifecycle. Zero fields take defaults.
type Config struct {
	URL string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	MaxFrameBytes int64
	SendQueue     int
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = defaultMaxFrameBytes
	}
	if c.SendQueue <= 0 {
		c.SendQueue = defaultSendQueue
	}
	return c
}

// DialFunc opens the websocket. websocket.Dial satisfies it.
type DialFunc func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error)

// TokenSource yields the bearer credential attached at connection time.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Options carries the collaborators of a Client. Every field is optional.
type Options struct {
	Log     *slog.Logger
	Clock   clockwork.Clock
	Dial    DialFunc
	Tokens  TokenSource
	Metrics *metrics.Metrics
	Bus     *Bus
}

// Status is a snapshot of the connection state.
type Status struct {
	State   ConnectionState
	Attempt int
	Err     error
}

// Client is the live connection to the broker. One Client serves one authenticated session.
type Client struct {
	cfg     Config
	log     *slog.Logger
	clock   clockwork.Clock
	dial    DialFunc
	tokens  TokenSource
	metrics *metrics.Metrics
	bus     *Bus

	group singleflight.Group

	mu              sync.Mutex
	userID          string
	sess            *session
	state           ConnectionState
	attempt         int
	lastErr         error
	lifeCtx         context.Context
	lifeCancel      context.CancelFunc
	reconnectCancel context.CancelFunc
}

// New constructs a disconnected Client.
func New(cfg Config, opts Options) *Client {
	c := &Client{
		cfg:     cfg.withDefaults(),
		log:     opts.Log,
		clock:   opts.Clock,
		dial:    opts.Dial,
		tokens:  opts.Tokens,
		metrics: opts.Metrics,
		bus:     opts.Bus,
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.dial == nil {
		c.dial = websocket.Dial
	}
	if c.bus == nil {
		c.bus = NewBus(c.log)
	}
	return c
}

// Bus returns the event fanout.
func (c *Client) Bus() *Bus { return c.bus }

// On registers fn for inbound events of kind.
func (c *Client) On(kind EventKind, fn func(Event)) Subscription { return c.bus.On(kind, fn) }

// Off removes a handler registered with On.
func (c *Client) Off(sub Subscription) { c.bus.Off(sub) }

// Events returns a buffered stream of every inbound event and its cancel func.
func (c *Client) Events(buffer int) (<-chan Event, func()) { return c.bus.Events(buffer) }

// Queue is Bus.Queue: a stream that never drops events.
func (c *Client) Queue(warnAt int) (<-chan Event, func()) { return c.bus.Queue(warnAt) }

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Attempt: c.attempt, Err: c.lastErr}
}

// Connected reports whether a session is established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// Connect establishes the session for userID: connect, await connected,
// subscribe to the user and presence topics, then register presence.
//
// Concurrent calls share one attempt. ctx bounds the wait, not the shared attempt.
// A manual Connect supersedes a pending automatic reconnect.
func (c *Client) Connect(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return connErr("connect", errors.New("empty user id"))
	}

	c.mu.Lock()
	if c.sess != nil {
		current := c.userID
		c.mu.Unlock()
		if current == userID {
			return nil
		}
		return connErr("connect", fmt.Errorf("already connected as %q", current))
	}
	c.userID = userID
	if c.lifeCtx == nil {
		c.lifeCtx, c.lifeCancel = context.WithCancel(context.Background())
	}
	life := c.lifeCtx
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
	c.mu.Unlock()

	ch := c.group.DoChan(connectKey, func() (any, error) {
		// A flight that finished just before this one may already have installed a session.
		if c.Connected() {
			return nil, nil
		}
		c.transition(StateConnecting, 0, nil)
		return nil, c.establish(life, userID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			c.failIfIdle(life, res.Err)
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failIfIdle surfaces a failed manual attempt unless something else now owns the state.
func (c *Client) failIfIdle(life context.Context, err error) {
	c.mu.Lock()
	owned := c.sess != nil || c.reconnectCancel != nil || c.lifeCtx != life || life.Err() != nil
	reported := c.state == StateFailed && c.lastErr == err
	c.mu.Unlock()
	if owned || reported {
		return
	}
	c.log.Warn("transport.connect.fail", "err", err)
	c.transition(StateFailed, 0, err)
}

// Disconnect tears down the session and stops any reconnect. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.lifeCancel != nil {
		c.lifeCancel()
	}
	c.lifeCtx, c.lifeCancel, c.reconnectCancel = nil, nil, nil
	sess := c.sess
	c.sess = nil
	prev := c.state
	c.mu.Unlock()

	if sess != nil {
		sess.close(websocket.StatusNormalClosure, "bye")
	}
	if prev != StateDisconnected {
		c.log.Info("transport.disconnect", "session_id", sessionID(sess))
		c.transition(StateDisconnected, 0, nil)
	}
}

// Publish sends a typed outbound body. It reports whether the frame was queued,
// which is not a delivery confirmation; false when not connected.
func (c *Client) Publish(kind PublishKind, body any) bool {
	dest, ok := kind.destination()
	if !ok {
		c.log.Warn("transport.publish.unknown_kind", "kind", string(kind))
		return false
	}

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess == nil {
		c.metrics.FrameDropped(string(kind), "not_connected")
		return false
	}

	f, err := v1.NewFrame(v1.TypeSend, c.frameID(), dest, body, c.clock.Now())
	if err != nil {
		c.log.Warn("transport.publish.encode_fail", "kind", string(kind), "err", err)
		c.metrics.FrameDropped(string(kind), "encode")
		return false
	}
	if !sess.enqueue(f) {
		c.metrics.FrameDropped(string(kind), "backpressure")
		return false
	}
	c.metrics.FramePublished(string(kind))
	return true
}

// ---- lifecycle ----

func (c *Client) transition(state ConnectionState, attempt int, err error) {
	c.mu.Lock()
	c.state, c.attempt, c.lastErr = state, attempt, err
	c.mu.Unlock()

	c.metrics.ConnectionState(state.String(), stateLabels())
	c.bus.Publish(ConnectionEvent{State: state, Attempt: attempt, Err: err})
}

func (c *Client) establish(life context.Context, userID string) error {
	start := c.clock.Now()

	ctx, cancel := context.WithTimeout(life, c.cfg.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return connErr("token", err)
		}
		header.Set("Authorization", "Bearer "+tok)
	}

	conn, _, err := c.dial(ctx, c.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   header,
	})
	if err != nil {
		return connErr("dial", err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return connErr("dial", fmt.Errorf("subprotocol %q not negotiated (got %q)", v1.Subprotocol, sp))
	}
	conn.SetReadLimit(c.cfg.MaxFrameBytes)

	sid, early, err := c.handshake(ctx, conn, userID)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return connErr("handshake", err)
	}

	c.mu.Lock()
	if c.lifeCtx != life || life.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		return connErr("connect", ErrDisconnected)
	}
	sess := newSession(life, sid, conn, c.cfg.SendQueue)
	sess.heartbeat = c.clock.NewTicker(c.cfg.HeartbeatInterval)
	c.sess = sess
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
	c.mu.Unlock()

	c.log.Info("transport.connect.ok",
		"user_id", userID,
		"session_id", sid,
		"took_ms", c.clock.Since(start).Milliseconds(),
	)
	c.transition(StateConnected, 0, nil)

	go c.writeLoop(sess)
	go c.heartbeat(sess)
	go c.readLoop(sess, early)
	return nil
}

// handshake runs connect, subscribe and presence registration on a fresh conn.
// Message frames that arrive early are returned for dispatch once the session is installed.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn, userID string) (string, []v1.Frame, error) {
	var early []v1.Frame

	connect, err := v1.NewFrame(v1.TypeConnect, c.frameID(), "", v1.ConnectPayload{UserID: userID}, c.clock.Now())
	if err != nil {
		return "", nil, err
	}
	if err := writeFrame(ctx, conn, connect, c.cfg.WriteTimeout); err != nil {
		return "", nil, fmt.Errorf("write connect: %w", err)
	}

	var sid string
	for sid == "" {
		f, err := c.readHandshakeFrame(ctx, conn)
		if err != nil {
			return "", nil, err
		}
		switch f.Type {
		case v1.TypeConnected:
			var p v1.ConnectedPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil || strings.TrimSpace(p.SessionID) == "" {
				return "", nil, errors.New("connected frame without session id")
			}
			sid = p.SessionID
		case v1.TypeMessage:
			early = append(early, f)
		}
	}

	pending := make(map[string]string, 2)
	for _, topic := range []string{v1.UserTopic(userID), v1.PresenceTopic} {
		id := c.frameID()
		sub, err := v1.NewFrame(v1.TypeSubscribe, id, topic, nil, c.clock.Now())
		if err != nil {
			return "", nil, err
		}
		if err := writeFrame(ctx, conn, sub, c.cfg.WriteTimeout); err != nil {
			return "", nil, fmt.Errorf("write subscribe %s: %w", topic, err)
		}
		pending[id] = topic
	}

	for len(pending) > 0 {
		f, err := c.readHandshakeFrame(ctx, conn)
		if err != nil {
			return "", nil, err
		}
		switch f.Type {
		case v1.TypeReceipt:
			var p v1.ReceiptPayload
			_ = json.Unmarshal(f.Payload, &p)
			id := p.ReceiptID
			if id == "" {
				id = f.ID
			}
			if topic, ok := pending[id]; ok {
				delete(pending, id)
				c.log.Debug("transport.subscribe.ok", "topic", topic)
			}
		case v1.TypeMessage:
			early = append(early, f)
		}
	}

	reg, err := v1.NewFrame(v1.TypeSend, c.frameID(), v1.DestAddUser, v1.AddUserBody{UserID: userID}, c.clock.Now())
	if err != nil {
		return "", nil, err
	}
	if err := writeFrame(ctx, conn, reg, c.cfg.WriteTimeout); err != nil {
		return "", nil, fmt.Errorf("register presence: %w", err)
	}

	return sid, early, nil
}

func (c *Client) readHandshakeFrame(ctx context.Context, conn *websocket.Conn) (v1.Frame, error) {
	for {
		f, err := readFrame(ctx, conn)
		if err != nil {
			if classifyReadErr(err) == readErrBadJSON {
				c.log.Warn("transport.handshake.bad_frame", "err", err)
				continue
			}
			return v1.Frame{}, err
		}
		if err := f.Validate(); err != nil {
			c.log.Warn("transport.handshake.bad_frame", "err", err)
			continue
		}
		if f.Type == v1.TypeError {
			var p v1.ErrorPayload
			_ = json.Unmarshal(f.Payload, &p)
			return v1.Frame{}, fmt.Errorf("broker error %s: %s", p.Code, p.Message)
		}
		return f, nil
	}
}

// lost handles an unexpected end of sess: the session is dropped and,
// unless Disconnect already ran, a reconnect loop starts.
func (c *Client) lost(sess *session, cause error) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		sess.close(websocket.StatusNormalClosure, "bye")
		return
	}
	c.sess = nil
	life := c.lifeCtx
	userID := c.userID
	if life == nil || life.Err() != nil {
		c.mu.Unlock()
		sess.close(websocket.StatusNormalClosure, "bye")
		return
	}
	rctx, rcancel := context.WithCancel(life)
	c.reconnectCancel = rcancel
	c.mu.Unlock()

	sess.close(websocket.StatusGoingAway, "connection lost")
	c.log.Warn("transport.connection.lost",
		"session_id", sess.id,
		"close_status", websocket.CloseStatus(cause),
		"err", cause,
	)

	go c.reconnectLoop(rctx, life, userID)
}

// reconnectLoop retries with a fixed delay up to MaxReconnectAttempts, then reports StateFailed.
func (c *Client) reconnectLoop(ctx, life context.Context, userID string) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		c.transition(StateReconnecting, attempt, lastErr)

		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.cfg.ReconnectDelay):
		}
		if ctx.Err() != nil {
			return
		}

		c.metrics.ReconnectAttempt()
		c.log.Info("transport.reconnect.attempt", "attempt", attempt, "max", c.cfg.MaxReconnectAttempts)

		_, err, _ := c.group.Do(connectKey, func() (any, error) {
			if c.Connected() {
				return nil, nil
			}
			return nil, c.establish(life, userID)
		})
		if err == nil || ctx.Err() != nil {
			return
		}
		lastErr = err
		c.log.Warn("transport.reconnect.fail", "attempt", attempt, "err", err)
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
	c.mu.Unlock()

	err := ErrReconnectExhausted
	if lastErr != nil {
		err = fmt.Errorf("%w: %w", ErrReconnectExhausted, lastErr)
	}
	c.log.Error("transport.reconnect.exhausted", "attempts", c.cfg.MaxReconnectAttempts, "err", lastErr)
	c.transition(StateFailed, c.cfg.MaxReconnectAttempts, err)
}

// ---- session goroutines ----

func (c *Client) readLoop(sess *session, early []v1.Frame) {
	for _, f := range early {
		c.handleFrame(sess, f)
	}

	for {
		f, err := readFrame(sess.ctx, sess.conn)
		if err != nil {
			if classifyReadErr(err) == readErrBadJSON {
				c.log.Warn("transport.read.bad_frame", "session_id", sess.id, "err", err)
				continue
			}
			c.lost(sess, err)
			return
		}
		c.handleFrame(sess, f)
	}
}

func (c *Client) handleFrame(sess *session, f v1.Frame) {
	if err := f.Validate(); err != nil {
		c.log.Warn("transport.read.bad_frame", "session_id", sess.id, "err", err)
		return
	}

	switch f.Type {
	case v1.TypeMessage:
		ev, err := decodeEvent(f.Dest, f.Payload)
		if err != nil {
			c.log.Warn("transport.event.drop", "session_id", sess.id, "dest", f.Dest, "err", err)
			return
		}
		c.metrics.EventReceived(string(ev.Kind()))
		c.bus.Publish(ev)

	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(f.Payload, &p)
		c.log.Warn("transport.broker.error", "session_id", sess.id, "code", p.Code, "message", p.Message)

	default:
		c.log.Debug("transport.frame.ignored", "session_id", sess.id, "type", f.Type)
	}
}

func (c *Client) writeLoop(sess *session) {
	for {
		select {
		case <-sess.Done():
			return
		case f := <-sess.send:
			if err := writeFrame(sess.ctx, sess.conn, f, c.cfg.WriteTimeout); err != nil {
				c.log.Info("transport.write.fail", "session_id", sess.id, "dest", f.Dest, "err", err)
				sess.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (c *Client) heartbeat(sess *session) {
	failures := 0
	for {
		select {
		case <-sess.Done():
			return
		case <-sess.heartbeat.Chan():
			ctx, cancel := context.WithTimeout(sess.ctx, c.cfg.HeartbeatTimeout)
			err := sess.conn.Ping(ctx)
			cancel()

			if err != nil {
				failures++
				c.log.Info("transport.ping.fail", "session_id", sess.id, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					sess.close(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (c *Client) frameID() string {
	id, err := ids.NewULID(c.clock.Now())
	if err != nil {
		return ids.NewPlaceholderID(time.Time{})
	}
	return id
}

func sessionID(s *session) string {
	if s == nil {
		return ""
	}
	return s.id
}
