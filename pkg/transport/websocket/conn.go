package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearthsync/hearthsync/internal/logging"
	"github.com/hearthsync/hearthsync/pkg/domain"
)

// ConnOptions represents per-connection transport options
type ConnOptions struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// DefaultConnOptions returns default connection options
func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    2 * time.Minute,
		MaxMessageSize: 512 * 1024, // 512KB
		SendBuffer:     256,
	}
}

// MessageHandler is a function that handles incoming messages
type MessageHandler func(message []byte) error

// Conn implements domain.Conn over a gorilla websocket connection. The
// Conn exclusively owns the underlying handle; the write pump is its
// only writer.
type Conn struct {
	id        string
	principal string
	scope     string
	ws        *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *logging.Logger
	opts      ConnOptions
	sendChan  chan []byte
	handler   MessageHandler
	mu        sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
}

// NewConn creates a connection over an upgraded websocket
func NewConn(id, principal, scope string, ws *websocket.Conn, logger *logging.Logger, opts ConnOptions) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	return &Conn{
		id:        id,
		principal: principal,
		scope:     scope,
		ws:        ws,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.WithFields(map[string]any{"connection_id": id}),
		opts:      opts,
		sendChan:  make(chan []byte, opts.SendBuffer),
	}
}

// ID implements domain.Conn
func (c *Conn) ID() string {
	return c.id
}

// Principal implements domain.Conn
func (c *Conn) Principal() string {
	return c.principal
}

// Scope implements domain.Conn
func (c *Conn) Scope() string {
	return c.scope
}

// Send implements domain.Conn. It blocks on transport backpressure
// until the send buffer accepts the message or ctx expires.
func (c *Conn) Send(ctx context.Context, message []byte) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return domain.ErrConnectionClosed
	}
	c.mu.RUnlock()

	select {
	case c.sendChan <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return domain.ErrConnectionClosed
	}
}

// Receive sets the handler for incoming messages. Must be called
// before Start.
func (c *Conn) Receive(handler MessageHandler) {
	c.handler = handler
}

// Close implements domain.Conn. The transport handle is released
// exactly once; the handle is never used again afterwards.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.logger.Debug("closing connection")

	c.cancel()

	if err := c.ws.Close(); err != nil {
		c.logger.Debug("error closing websocket", "error", err)
	}

	return nil
}

// Closed implements domain.Conn
func (c *Conn) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Context implements domain.Conn
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Start starts the connection read and write pumps
func (c *Conn) Start() {
	c.wg.Add(2)
	go c.readPump()
	go c.writePump()
}

// Wait blocks until both pumps have stopped
func (c *Conn) Wait() {
	c.wg.Wait()
}

// readPump pumps messages from the websocket connection. Heartbeats
// arrive as ordinary messages, so every read refreshes the deadline.
func (c *Conn) readPump() {
	defer c.wg.Done()
	defer c.Close()

	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			messageType, message, err := c.ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Debug("websocket read error", "error", err)
				}
				return
			}

			c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

			if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
				continue
			}

			if c.handler != nil {
				if err := c.handler(message); err != nil {
					c.logger.Warn("message handler error", "error", err)
				}
			}
		}
	}
}

// writePump pumps messages to the websocket connection
func (c *Conn) writePump() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return

		case message := <-c.sendChan:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error", "error", err)
				c.Close()
				return
			}
		}
	}
}
