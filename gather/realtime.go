package gather

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	apperrors "github.com/rgoodwin/gather-sync/internal/errors"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectBase = 1 * time.Second
	reconnectCap  = 30 * time.Second

	// defaultReconnectAttempts bounds consecutive reconnect failures
	// before the channel settles in StateDisconnected.
	defaultReconnectAttempts = 5

	readLimit = 1 * 1024 * 1024
)

// ChatSendDestination is the destination outbound chat messages are
// published to.
const ChatSendDestination = "/app/chat.sendMessage"

// ConversationTopic returns the inbound topic for one conversation.
func ConversationTopic(conversationID int64) string {
	return fmt.Sprintf("/topic/conversation/%d", conversationID)
}

// NotificationQueue returns the per-user notification queue topic.
func NotificationQueue(userID int64) string {
	return fmt.Sprintf("/user/%d/queue/notifications", userID)
}

// ConnState is the lifecycle state of the realtime channel.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// wsConn is the subset of *websocket.Conn the manager uses. Abstracted so
// tests can drive the event loop with a mock connection.
//
//go:generate mockgen -source=realtime.go -destination=mock_conn_test.go -package=gather -mock_names=wsConn=MockWSConn
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// inboundMsg wraps a frame read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// outFrame is a write submitted to the event loop from outside it.
type outFrame struct {
	frame  Frame
	result chan error
}

// FrameHandler receives inbound message frames for one topic.
type FrameHandler func(f Frame)

// Subscription is a standing topic subscription. It lives for the owning
// component's lifetime: the manager silently re-establishes it on every
// reconnect, and it is removed only by Unsubscribe.
type Subscription struct {
	id      string
	topic   string
	handler FrameHandler
	owner   *Realtime
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	if s == nil {
		return ""
	}

	return s.topic
}

// Unsubscribe removes the subscription. Safe on a nil or zero Subscription
// and safe while disconnected.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.owner == nil {
		return
	}

	s.owner.unsubscribe(s)
}

// RealtimeConfig holds the parameters for the realtime channel manager.
type RealtimeConfig struct {
	URL    string
	Tokens TokenSource
	Device string

	// MaxReconnectAttempts overrides the reconnect attempt budget.
	// Values below 1 select the default.
	MaxReconnectAttempts int

	// OnStateChange, when set, is invoked after every state transition.
	OnStateChange func(ConnState)
}

// Realtime owns the single duplex channel to the Gather realtime broker
// and multiplexes topic subscriptions over it.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop goroutine (Run) processes inbound frames, outbound
// publishes (outCh), and heartbeat ticks. All writes to the connection
// happen from the event loop or from connection setup before it starts,
// so no write mutex is needed.
type Realtime struct {
	logger *slog.Logger

	url         string
	device      string
	tokens      TokenSource
	maxAttempts int

	onStateChange func(ConnState)

	// dial produces a connection. Replaced in tests.
	dial func(ctx context.Context) (wsConn, error)
	conn wsConn

	state   ConnState
	stateMu sync.RWMutex

	// subs holds the standing subscriptions, keyed by subscription id.
	subs   map[string]*Subscription
	subMu  sync.Mutex
	subSeq atomic.Int64

	// outCh receives publishes from callers. The event loop processes
	// them one at a time.
	outCh chan outFrame

	// inboundCh receives frames from the reader goroutine.
	inboundCh chan inboundMsg

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	// connCancel cancels the per-connection context. Used to stop the
	// reader goroutine when the connection drops before reconnecting.
	connCancel context.CancelFunc

	closed atomic.Bool
}

// NewRealtime creates a channel manager. Run must be called to connect.
func NewRealtime(cfg RealtimeConfig, logger *slog.Logger) *Realtime {
	attempts := cfg.MaxReconnectAttempts
	if attempts < 1 {
		attempts = defaultReconnectAttempts
	}

	m := &Realtime{
		logger:        logger,
		url:           cfg.URL,
		device:        cfg.Device,
		tokens:        cfg.Tokens,
		maxAttempts:   attempts,
		onStateChange: cfg.OnStateChange,
		subs:          make(map[string]*Subscription),
		outCh:         make(chan outFrame, 16),
	}
	m.dial = m.dialWebSocket

	return m
}

func (m *Realtime) dialWebSocket(ctx context.Context) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, m.url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"User-Agent": []string{"gather-sync/" + m.device},
		},
	})
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(readLimit)

	return conn, nil
}

// connect dials the channel and performs the connect handshake with the
// current access token. A rejected handshake is permanent: the credential
// is wrong, so retrying with the same one is pointless.
func (m *Realtime) connect(ctx context.Context) error {
	// Cancel any previous reader goroutine from a prior connection.
	if m.connCancel != nil {
		m.connCancel()
	}

	m.logger.Debug("connecting", slog.String("url", m.url))

	conn, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}
	m.conn = conn
	m.touchLastMessage()

	token := ""
	if m.tokens != nil {
		token = m.tokens.AccessToken()
	}

	if err := m.writeFrame(ctx, Frame{Op: "connect", Token: token}); err != nil {
		m.conn.Close(websocket.StatusInternalError, "connect failed")
		return fmt.Errorf("sending connect: %w", err)
	}

	// Read the handshake ack directly; the reader goroutine is not
	// running yet.
	var ack Frame
	if err := m.readFrame(ctx, &ack); err != nil {
		m.conn.Close(websocket.StatusInternalError, "handshake read failed")
		return fmt.Errorf("reading connect ack: %w", err)
	}

	if ack.Op != "connected" || (ack.Res != "" && ack.Res != "ok") {
		m.conn.Close(websocket.StatusNormalClosure, "handshake rejected")
		return fmt.Errorf("handshake rejected: op=%s res=%s", ack.Op, ack.Res)
	}

	m.logger.Info("realtime channel authenticated", slog.String("device", m.device))

	return nil
}

// resubscribe re-establishes every standing subscription on a fresh
// connection. Called between the handshake and the event loop, so direct
// writes are safe.
func (m *Realtime) resubscribe(ctx context.Context) error {
	m.subMu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subMu.Unlock()

	for _, sub := range subs {
		f := Frame{Op: "subscribe", ID: sub.id, Destination: sub.topic}
		if err := m.writeFrame(ctx, f); err != nil {
			return fmt.Errorf("subscribing %s: %w", sub.topic, err)
		}
	}

	if len(subs) > 0 {
		m.logger.Debug("subscriptions restored", slog.Int("count", len(subs)))
	}

	return nil
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs. The error is delivered as the final message on inboundCh.
// The goroutine captures ch by value so that if startReader is called
// again for a new connection, the old goroutine cannot send stale
// messages into the new channel.
func (m *Realtime) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, 64)
	m.inboundCh = ch
	conn := m.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// Run connects the channel and drives the event loop with automatic
// reconnection. Reconnects use exponential backoff from a 1s base capped
// at 30s with jitter; after the attempt budget is exhausted the channel
// settles in StateDisconnected and Run returns. Returns nil only when the
// manager was closed.
//
// A fresh Run revives a previously closed manager: logout closes the
// channel, and the next login runs it again on the same instance.
func (m *Realtime) Run(ctx context.Context) error {
	m.closed.Store(false)

	m.setState(StateConnecting)

	if err := m.connect(ctx); err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}

	if err := m.resubscribe(ctx); err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("restoring subscriptions: %w", err)
	}

	connCtx, connCancel := context.WithCancel(ctx)
	m.connCancel = connCancel
	m.startReader(connCtx)
	m.setState(StateConnected)

	for {
		err := m.eventLoop(ctx, connCtx)
		connCancel()

		if m.closed.Load() {
			m.setState(StateDisconnected)
			return nil
		}

		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return ctx.Err()
		}

		if isPermanentError(err) {
			m.setState(StateDisconnected)
			return fmt.Errorf("permanent error: %w", err)
		}

		m.setState(StateReconnecting)
		m.logger.Warn("connection lost, reconnecting", slog.String("error", err.Error()))

		if rerr := m.reconnectLoop(ctx); rerr != nil {
			m.setState(StateDisconnected)
			return rerr
		}

		connCtx, connCancel = context.WithCancel(ctx)
		m.connCancel = connCancel
		m.startReader(connCtx)
		m.setState(StateConnected)

		m.logger.Info("reconnected")
	}
}

// reconnectLoop retries the connect handshake with doubling backoff until
// it succeeds or the attempt budget is spent.
func (m *Realtime) reconnectLoop(ctx context.Context) error {
	backoff := reconnectBase

	var lastErr error

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		jitter := time.Duration(rand.Int64N(int64(backoff) / 2))
		timer := time.NewTimer(backoff + jitter)

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		err := m.connect(ctx)
		if err == nil {
			err = m.resubscribe(ctx)
			if err == nil {
				return nil
			}
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if isPermanentError(lastErr) {
			return fmt.Errorf("permanent reconnect error: %w", lastErr)
		}

		m.logger.Warn("reconnect failed",
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()),
			slog.Duration("backoff", backoff),
		)

		backoff = min(backoff*2, reconnectCap)
	}

	return fmt.Errorf("reconnect attempts exhausted after %d tries: %w", m.maxAttempts, lastErr)
}

// eventLoop is the single event loop for one connection. It selects on
// inbound frames, outbound publishes, and the heartbeat ticker. All
// writes happen here, so no mutex is needed. Returns on read error or
// context cancellation.
func (m *Realtime) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-m.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}
			m.touchLastMessage()

			if msg.typ != websocket.MessageText {
				m.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			m.handleInbound(msg.data)

		case of := <-m.outCh:
			err := m.writeFrame(ctx, of.frame)
			of.result <- err

			if err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}

		case <-ticker.C:
			m.lastMsgMu.Lock()
			elapsed := time.Since(m.lastMessage)
			m.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				m.logger.Warn("connection timed out, closing")
				m.conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := m.writeFrame(ctx, Frame{Op: "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound routes a single inbound text frame.
func (m *Realtime) handleInbound(data []byte) {
	op := gjson.GetBytes(data, "op").Str

	switch op {
	case "pong":
		return

	case "message":
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			m.logger.Warn("failed to decode message frame", slog.String("error", err.Error()))
			return
		}

		m.dispatch(f)

	default:
		m.logger.Debug("unexpected frame", slog.String("op", op))
	}
}

// dispatch delivers a message frame to every subscription on its topic.
// Handlers run on the event loop goroutine; they must not block.
func (m *Realtime) dispatch(f Frame) {
	m.subMu.Lock()
	handlers := make([]FrameHandler, 0, 2)
	for _, sub := range m.subs {
		if sub.topic == f.Destination {
			handlers = append(handlers, sub.handler)
		}
	}
	m.subMu.Unlock()

	if len(handlers) == 0 {
		m.logger.Debug("frame for topic with no subscribers", slog.String("topic", f.Destination))
		return
	}

	for _, h := range handlers {
		h(f)
	}
}

// Subscribe registers a standing subscription for the topic. When the
// channel is connected the subscribe frame goes out immediately;
// otherwise it is deferred to the next successful connect. The returned
// Subscription lives until Unsubscribe is called.
func (m *Realtime) Subscribe(topic string, handler FrameHandler) *Subscription {
	sub := &Subscription{
		id:      "sub-" + strconv.FormatInt(m.subSeq.Add(1), 10),
		topic:   topic,
		handler: handler,
		owner:   m,
	}

	m.subMu.Lock()
	m.subs[sub.id] = sub
	m.subMu.Unlock()

	if m.State() == StateConnected {
		m.enqueue(Frame{Op: "subscribe", ID: sub.id, Destination: topic})
	}

	return sub
}

func (m *Realtime) unsubscribe(sub *Subscription) {
	m.subMu.Lock()
	_, ok := m.subs[sub.id]
	delete(m.subs, sub.id)
	m.subMu.Unlock()

	if ok && m.State() == StateConnected {
		m.enqueue(Frame{Op: "unsubscribe", ID: sub.id, Destination: sub.topic})
	}
}

// enqueue submits a fire-and-forget frame to the event loop. When the
// loop is not draining, the frame is dropped with a warning; the next
// resubscribe pass repairs any lost subscribe state.
func (m *Realtime) enqueue(f Frame) {
	of := outFrame{frame: f, result: make(chan error, 1)}

	select {
	case m.outCh <- of:
	default:
		m.logger.Warn("outbound frame dropped, event loop busy",
			slog.String("op", f.Op),
			slog.String("destination", f.Destination),
		)
	}
}

// Publish sends a body to a destination over the channel. Sends are
// refused with ErrNotConnected while the channel is down; nothing is
// queued for later.
func (m *Realtime) Publish(ctx context.Context, destination string, body any) error {
	if m.State() != StateConnected {
		return apperrors.ErrNotConnected
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling publish body: %w", err)
	}

	of := outFrame{
		frame:  Frame{Op: "send", Destination: destination, Body: raw},
		result: make(chan error, 1),
	}

	select {
	case m.outCh <- of:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-of.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State reports the current channel state.
func (m *Realtime) State() ConnState {
	m.stateMu.RLock()
	s := m.state
	m.stateMu.RUnlock()

	return s
}

// Connected reports whether the channel is live.
func (m *Realtime) Connected() bool {
	return m.State() == StateConnected
}

func (m *Realtime) setState(s ConnState) {
	m.stateMu.Lock()
	prev := m.state
	m.state = s
	m.stateMu.Unlock()

	if prev == s {
		return
	}

	m.logger.Debug("connection state",
		slog.String("from", prev.String()),
		slog.String("to", s.String()),
	)

	if m.onStateChange != nil {
		m.onStateChange(s)
	}
}

// Close shuts the channel down. Idempotent: safe to call when already
// disconnected or never connected.
func (m *Realtime) Close() error {
	if m.closed.Swap(true) {
		return nil
	}

	if m.connCancel != nil {
		m.connCancel()
	}

	if m.conn != nil {
		m.conn.Close(websocket.StatusNormalClosure, "bye")
	}

	m.setState(StateDisconnected)

	return nil
}

// isPermanentError returns true for errors that won't resolve on retry.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}

	return strings.Contains(err.Error(), "handshake rejected")
}

func (m *Realtime) touchLastMessage() {
	m.lastMsgMu.Lock()
	m.lastMessage = time.Now()
	m.lastMsgMu.Unlock()
}

// writeFrame marshals f and writes it as a text frame. Only called from
// the event loop or during connection setup before it starts.
func (m *Realtime) writeFrame(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	return m.conn.Write(ctx, websocket.MessageText, data)
}

// readFrame reads a text frame and unmarshals it into f.
// Only called during the connect handshake (before Run's loop starts).
func (m *Realtime) readFrame(ctx context.Context, f *Frame) error {
	_, data, err := m.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading frame: %w", err)
	}
	m.touchLastMessage()

	return json.Unmarshal(data, f)
}
