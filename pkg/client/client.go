// Package client owns one logical connection to the synchronization
// server: connect, handshake, heartbeat, failure detection, reconnect
// with backoff, and outbound queuing while disconnected.
package client

import (
	"context"
	"math/rand"
	"net/url"
	"strconv"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/hearthsync/hearthsync/internal/logging"
	"github.com/hearthsync/hearthsync/pkg/domain"
	"github.com/hearthsync/hearthsync/pkg/envelope"
	"github.com/hearthsync/hearthsync/pkg/errors"
)

// State represents the connection lifecycle state
type State int

const (
	// StateIdle means the client has never connected
	StateIdle State = iota
	// StateConnecting means a handshake is in progress
	StateConnecting
	// StateConnected means the session is established
	StateConnected
	// StateReconnecting means the client is retrying with backoff
	StateReconnecting
	// StateClosing means an explicit disconnect is in progress
	StateClosing
	// StateClosed is terminal until the next explicit Connect
	StateClosed
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status identifies a lifecycle notification
type Status int

const (
	// StatusConnected is emitted on every successful connect
	StatusConnected Status = iota
	// StatusDisconnected is emitted when an established session is lost
	StatusDisconnected
	// StatusReconnecting is emitted before each backoff wait
	StatusReconnecting
	// StatusLatencyUpdated is emitted when a heartbeat ack yields a new RTT
	StatusLatencyUpdated
	// StatusGaveUp is emitted once the attempt budget is exhausted
	StatusGaveUp
)

// StatusEvent is delivered to status subscribers
type StatusEvent struct {
	Status  Status
	Attempt int
	Latency time.Duration
	Err     error
}

// Handler consumes delivered envelopes of a subscribed kind
type Handler func(env *envelope.Envelope)

// StatusHandler consumes lifecycle notifications
type StatusHandler func(ev StatusEvent)

// Subscription is a handle that must be canceled to release a listener
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel releases the subscription. Idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Options represents client configuration
type Options struct {
	Logger *logging.Logger
	Codec  *envelope.Codec

	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	MissThreshold     int
	QueueCapacity     int

	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BackoffJitter time.Duration
	MaxAttempts   int

	Dialer *gorillaws.Dialer
}

// DefaultOptions returns default client options
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		MissThreshold:     3,
		QueueCapacity:     64,
		BackoffBase:       time.Second,
		BackoffMax:        30 * time.Second,
		BackoffJitter:     time.Second,
		MaxAttempts:       10,
	}
}

// Client is the connection lifecycle manager. It delivers validated
// envelopes to registered handlers and never mutates application state
// itself.
type Client struct {
	baseURL url.URL
	opts    Options
	logger  *logging.Logger
	codec   *envelope.Codec

	queue *sendQueue

	mu            sync.Mutex
	state         State
	principal     string
	scope         string
	connID        string
	ws            *gorillaws.Conn
	attempt       int
	latency       time.Duration
	pending       map[string]time.Time
	misses        int
	sessionCtx    context.Context
	sessionCancel context.CancelFunc

	// wmu serializes writes to the websocket handle
	wmu sync.Mutex

	handlersMu     sync.RWMutex
	handlers       map[envelope.Type]map[string]Handler
	statusHandlers map[string]StatusHandler
	nextSubID      int
}

// New creates a client for the given server URL
func New(serverURL url.URL, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = logging.New(logging.Config{Level: "info", Format: "text"})
	}
	if opts.Codec == nil {
		opts.Codec = envelope.NewCodec(envelope.NewKinds())
	}
	def := DefaultOptions()
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.MissThreshold < 1 {
		opts.MissThreshold = def.MissThreshold
	}
	if opts.QueueCapacity < 1 {
		opts.QueueCapacity = def.QueueCapacity
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = def.BackoffBase
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = def.BackoffMax
	}

	return &Client{
		baseURL:        serverURL,
		opts:           opts,
		logger:         opts.Logger,
		codec:          opts.Codec,
		queue:          newSendQueue(opts.QueueCapacity),
		pending:        make(map[string]time.Time),
		handlers:       make(map[envelope.Type]map[string]Handler),
		statusHandlers: make(map[string]StatusHandler),
	}
}

// Connect establishes the session for a principal within a scope. It is
// a no-op when a handshake is already in progress, established, or
// retrying. On handshake failure the client transitions to reconnecting
// and keeps retrying in the background; the first failure is returned
// so the caller is informed.
func (c *Client) Connect(ctx context.Context, principal, scope string) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected, StateReconnecting:
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.principal = principal
	c.scope = scope
	c.attempt = 0
	c.sessionCtx, c.sessionCancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.enterReconnecting()
		return err
	}
	return nil
}

// Disconnect closes the session. Heartbeat and backoff timers are
// canceled atomically with the transition to closed so no stale timer
// can re-trigger reconnection. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	ws := c.ws
	c.ws = nil
	if c.sessionCancel != nil {
		c.sessionCancel()
	}
	c.state = StateClosed
	c.mu.Unlock()

	if ws != nil {
		c.wmu.Lock()
		ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		ws.WriteMessage(gorillaws.CloseMessage, gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""))
		c.wmu.Unlock()
		ws.Close()
	}

	c.notify(StatusEvent{Status: StatusDisconnected})
	c.logger.Info("disconnected")
	return nil
}

// Send transmits an envelope immediately when connected. In any other
// state it is queued, evicting the oldest queued entry at capacity.
func (c *Client) Send(env *envelope.Envelope) error {
	c.mu.Lock()
	connected := c.state == StateConnected && c.ws != nil
	c.mu.Unlock()

	if connected {
		if err := c.writeEnvelope(env); err == nil {
			return nil
		}
		// The write failed mid-session; fall through to queue the
		// envelope so it is replayed after reconnection.
	}

	if c.queue.push(env) {
		c.logger.Debug("outbound queue full, evicted oldest envelope")
	}
	return nil
}

// On registers a handler for a specific envelope kind. The returned
// subscription must be canceled to release the listener.
func (c *Client) On(kind envelope.Type, handler Handler) *Subscription {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	id := c.subID()
	set, ok := c.handlers[kind]
	if !ok {
		set = make(map[string]Handler)
		c.handlers[kind] = set
	}
	set[id] = handler

	return &Subscription{cancel: func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		delete(c.handlers[kind], id)
	}}
}

// OnStatus registers a lifecycle notification handler
func (c *Client) OnStatus(handler StatusHandler) *Subscription {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	id := c.subID()
	c.statusHandlers[id] = handler

	return &Subscription{cancel: func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		delete(c.statusHandlers, id)
	}}
}

// State returns the current lifecycle state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the server-assigned connection identity
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Latency returns the most recent heartbeat round-trip time
func (c *Client) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

// QueueLen returns the number of envelopes awaiting reconnection
func (c *Client) QueueLen() int {
	return c.queue.size()
}

// dial performs one handshake attempt: open the transport with the
// principal and scope as connection parameters, then wait for the
// connect ack within the handshake bound.
func (c *Client) dial(ctx context.Context) error {
	u := c.baseURL
	q := u.Query()
	q.Set("principal", c.principal)
	q.Set("scope", c.scope)
	u.RawQuery = q.Encode()

	dialer := c.opts.Dialer
	if dialer == nil {
		dialer = &gorillaws.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	ws, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeHandshake, "DIAL_FAILED", "failed to connect to server")
	}

	ws.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return errors.Wrap(err, errors.ErrorTypeHandshake, "ACK_TIMEOUT", "no connect ack within handshake bound")
	}

	env, err := c.codec.Decode(raw)
	if err != nil {
		ws.Close()
		return errors.Wrap(err, errors.ErrorTypeHandshake, "ACK_INVALID", "malformed connect ack")
	}
	if env.Type != envelope.TypeConnectAck {
		ws.Close()
		return errors.New(errors.ErrorTypeHandshake, "ACK_UNEXPECTED", "handshake rejected by server").
			WithDetails(string(env.Type))
	}

	var ack envelope.ConnectAck
	if err := env.Decode(&ack); err != nil {
		ws.Close()
		return errors.Wrap(err, errors.ErrorTypeHandshake, "ACK_INVALID", "malformed connect ack payload")
	}

	ws.SetReadDeadline(time.Time{})

	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		ws.Close()
		return domain.ErrConnectionClosed
	}
	c.ws = ws
	c.state = StateConnected
	c.connID = ack.ConnectionID
	c.attempt = 0
	c.misses = 0
	c.pending = make(map[string]time.Time)
	sctx := c.sessionCtx
	c.mu.Unlock()

	// Flush the outbound queue in enqueue order before anything new is
	// written.
	c.flushQueue()

	go c.readLoop(ws)
	go c.heartbeatLoop(sctx, ws)

	c.notify(StatusEvent{Status: StatusConnected})
	c.logger.Info("connected", "connection_id", ack.ConnectionID, "scope", c.scope)
	return nil
}

// flushQueue writes the drained queue in enqueue order. On a write
// failure the failed envelope and every entry still unsent go back to
// the queue, in order, for the next reconnect.
func (c *Client) flushQueue() {
	queued := c.queue.drain()
	for i, env := range queued {
		if err := c.writeEnvelope(env); err != nil {
			for _, unsent := range queued[i:] {
				c.queue.push(unsent)
			}
			return
		}
	}
}

// readLoop pumps envelopes off the wire until the transport fails
func (c *Client) readLoop(ws *gorillaws.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.handleTransportFailure(ws, err)
			return
		}

		env, err := c.codec.Decode(raw)
		if err != nil {
			c.logger.Warn("dropping malformed envelope", "error", err)
			continue
		}

		if env.Type == envelope.TypeHeartbeatAck {
			c.handleHeartbeatAck(env)
			continue
		}

		c.dispatch(env)
	}
}

// heartbeatLoop sends a heartbeat every interval while connected and
// forces a reconnect once the miss threshold is reached. The transport
// may look open while the remote end is gone; this is the only
// reliable liveness signal.
func (c *Client) heartbeatLoop(sctx context.Context, ws *gorillaws.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	// The first beat goes out immediately, so a dead link is detected
	// within interval × threshold of connecting rather than one window
	// later.
	if !c.sendHeartbeat(ws) {
		return
	}

	for {
		select {
		case <-sctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.ws != ws || c.state != StateConnected {
				c.mu.Unlock()
				return
			}
			if len(c.pending) > 0 {
				c.misses++
			}
			misses := c.misses
			c.mu.Unlock()

			if misses >= c.opts.MissThreshold {
				c.logger.Warn("heartbeat acks missed, forcing reconnect", "misses", misses)
				c.handleTransportFailure(ws, errors.New(errors.ErrorTypeTimeout, "HEARTBEAT_LOST", "consecutive heartbeat acks missed"))
				return
			}

			if !c.sendHeartbeat(ws) {
				return
			}
		}
	}
}

// sendHeartbeat records and writes one heartbeat. Returns false when
// the transport failed and the loop must stop.
func (c *Client) sendHeartbeat(ws *gorillaws.Conn) bool {
	beat, err := envelope.New(envelope.TypeHeartbeat, nil)
	if err != nil {
		return true
	}

	c.mu.Lock()
	c.pending[beat.ID] = time.Now()
	c.mu.Unlock()

	if err := c.writeEnvelope(beat); err != nil {
		c.handleTransportFailure(ws, err)
		return false
	}
	return true
}

// handleHeartbeatAck pairs an ack with its heartbeat send timestamp to
// compute round-trip latency. Any ack proves the link, so the miss
// counter and all pending beats reset.
func (c *Client) handleHeartbeatAck(env *envelope.Envelope) {
	var ack envelope.HeartbeatAck
	if err := env.Decode(&ack); err != nil {
		return
	}

	c.mu.Lock()
	sentAt, ok := c.pending[ack.EchoID]
	c.pending = make(map[string]time.Time)
	c.misses = 0
	if ok {
		c.latency = time.Since(sentAt)
	}
	latency := c.latency
	c.mu.Unlock()

	if ok {
		c.notify(StatusEvent{Status: StatusLatencyUpdated, Latency: latency})
	}
}

// handleTransportFailure moves an established session to reconnecting.
// Stale calls from a previous session's loops are ignored.
func (c *Client) handleTransportFailure(ws *gorillaws.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.mu.Unlock()

	ws.Close()
	c.logger.Warn("transport failed", "error", err)
	c.notify(StatusEvent{Status: StatusDisconnected})
	c.enterReconnecting()
}

// enterReconnecting transitions to reconnecting and starts the backoff
// loop, unless an explicit disconnect already won.
func (c *Client) enterReconnecting() {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed || c.state == StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateReconnecting
	sctx := c.sessionCtx
	c.mu.Unlock()

	go c.reconnectLoop(sctx)
}

// reconnectLoop retries the handshake with exponential backoff and
// jitter. The attempt counter resets only on a successful connect. When
// the budget is spent the client stops and surfaces a terminal give-up
// signal rather than looping forever silently; a later explicit Connect
// starts over.
func (c *Client) reconnectLoop(sctx context.Context) {
	for {
		c.mu.Lock()
		if c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()

		if c.opts.MaxAttempts > 0 && attempt > c.opts.MaxAttempts {
			c.mu.Lock()
			c.state = StateClosed
			if c.sessionCancel != nil {
				c.sessionCancel()
			}
			c.mu.Unlock()
			c.logger.Error("giving up after max reconnection attempts", "attempts", attempt-1)
			c.notify(StatusEvent{Status: StatusGaveUp, Err: domain.ErrGaveUp})
			return
		}

		delay := c.backoffDelay(attempt)
		c.notify(StatusEvent{Status: StatusReconnecting, Attempt: attempt})
		c.logger.Info("reconnecting", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-sctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := c.dial(sctx); err != nil {
			c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}
		return
	}
}

// backoffDelay computes min(base * 2^(attempt-1), max) plus random
// jitter.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.opts.BackoffMax {
			delay = c.opts.BackoffMax
			break
		}
	}
	if c.opts.BackoffJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(c.opts.BackoffJitter)))
	}
	return delay
}

// writeEnvelope encodes and writes one envelope to the transport
func (c *Client) writeEnvelope(env *envelope.Envelope) error {
	data, err := c.codec.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return domain.ErrNotConnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := ws.WriteMessage(gorillaws.TextMessage, data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "WRITE_FAILED", "failed to write envelope")
	}
	return nil
}

// dispatch routes a delivered envelope to the handlers registered for
// its kind.
func (c *Client) dispatch(env *envelope.Envelope) {
	c.handlersMu.RLock()
	set := c.handlers[env.Type]
	handlers := make([]Handler, 0, len(set))
	for _, h := range set {
		handlers = append(handlers, h)
	}
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
}

// notify fans a status event out to the registered status handlers
func (c *Client) notify(ev StatusEvent) {
	c.handlersMu.RLock()
	handlers := make([]StatusHandler, 0, len(c.statusHandlers))
	for _, h := range c.statusHandlers {
		handlers = append(handlers, h)
	}
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (c *Client) subID() string {
	c.nextSubID++
	return "sub-" + strconv.Itoa(c.nextSubID)
}
