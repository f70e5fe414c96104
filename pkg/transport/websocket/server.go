package websocket

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"github.com/hearthsync/hearthsync/internal/eventbus"
	"github.com/hearthsync/hearthsync/internal/logging"
	"github.com/hearthsync/hearthsync/pkg/envelope"
	"github.com/hearthsync/hearthsync/pkg/liveness"
	"github.com/hearthsync/hearthsync/pkg/registry"
)

// Publisher hands domain envelopes produced by connected clients to the
// broadcast layer.
type Publisher interface {
	Publish(ctx context.Context, env *envelope.Envelope, scope string) error
}

// ServerOptions represents websocket server options
type ServerOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	Conn            ConnOptions
	Logger          *logging.Logger
	Codec           *envelope.Codec
	Registry        *registry.Registry
	Liveness        *liveness.Supervisor
	Publisher       Publisher
	Bus             eventbus.Bus
}

// ServerOption is a function that configures ServerOptions
type ServerOption func(*ServerOptions)

// WithLogger sets the logger for the server
func WithLogger(logger *logging.Logger) ServerOption {
	return func(o *ServerOptions) {
		o.Logger = logger
	}
}

// WithCodec sets the envelope codec
func WithCodec(codec *envelope.Codec) ServerOption {
	return func(o *ServerOptions) {
		o.Codec = codec
	}
}

// WithRegistry sets the channel registry
func WithRegistry(reg *registry.Registry) ServerOption {
	return func(o *ServerOptions) {
		o.Registry = reg
	}
}

// WithLiveness sets the liveness supervisor
func WithLiveness(sup *liveness.Supervisor) ServerOption {
	return func(o *ServerOptions) {
		o.Liveness = sup
	}
}

// WithPublisher sets the publisher for client-produced envelopes
func WithPublisher(pub Publisher) ServerOption {
	return func(o *ServerOptions) {
		o.Publisher = pub
	}
}

// WithBus sets the process-local event bus
func WithBus(bus eventbus.Bus) ServerOption {
	return func(o *ServerOptions) {
		o.Bus = bus
	}
}

// WithCheckOrigin sets the check origin function
func WithCheckOrigin(checkOrigin func(r *http.Request) bool) ServerOption {
	return func(o *ServerOptions) {
		o.CheckOrigin = checkOrigin
	}
}

// WithConnOptions sets per-connection transport options
func WithConnOptions(opts ConnOptions) ServerOption {
	return func(o *ServerOptions) {
		o.Conn = opts
	}
}

// Server accepts websocket connections, runs the connect handshake and
// wires each accepted connection into the registry and the liveness
// supervisor.
type Server struct {
	upgrader websocket.Upgrader
	options  ServerOptions
	logger   *logging.Logger
}

// NewServer creates a new websocket server
func NewServer(opts ...ServerOption) *Server {
	options := ServerOptions{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Conn:            DefaultConnOptions(),
		CheckOrigin: func(r *http.Request) bool {
			return true // configure for production
		},
	}

	for _, opt := range opts {
		opt(&options)
	}

	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  options.ReadBufferSize,
			WriteBufferSize: options.WriteBufferSize,
			CheckOrigin:     options.CheckOrigin,
		},
		options: options,
		logger:  options.Logger,
	}
}

// ServeHTTP implements http.Handler. The handshake carries the
// principal and scope identities as query parameters; authentication is
// assumed to have resolved the principal before this point.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal := r.URL.Query().Get("principal")
	scope := r.URL.Query().Get("scope")
	if principal == "" || scope == "" {
		http.Error(w, "principal and scope are required", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade error",
			"error", err,
			"remote_addr", r.RemoteAddr,
		)
		return
	}

	connID := xid.New().String()
	conn := NewConn(connID, principal, scope, ws, s.logger, s.options.Conn)
	conn.Receive(func(message []byte) error {
		return s.handleMessage(conn, message)
	})

	if err := s.options.Registry.Subscribe(conn, scope); err != nil {
		s.logger.Error("failed to subscribe connection",
			"error", err,
			"connection_id", connID,
		)
		conn.Close()
		return
	}

	s.options.Liveness.Watch(connID)

	conn.Start()

	if err := s.sendAck(conn); err != nil {
		s.logger.Error("failed to send connect ack",
			"error", err,
			"connection_id", connID,
		)
		s.options.Registry.Drop(connID)
		s.options.Liveness.Forget(connID)
		conn.Close()
		return
	}

	if s.options.Bus != nil {
		s.options.Bus.PublishAsync(eventbus.NewEvent(
			eventbus.EventConnectionOpened,
			"websocket-server",
			map[string]string{
				"connection_id": connID,
				"principal":     principal,
				"scope":         scope,
			},
		))
	}

	s.logger.Info("connection accepted",
		"connection_id", connID,
		"principal", principal,
		"scope", scope,
		"remote_addr", r.RemoteAddr,
	)

	<-conn.Context().Done()

	s.options.Registry.Drop(connID)
	s.options.Liveness.Forget(connID)

	if s.options.Bus != nil {
		s.options.Bus.PublishAsync(eventbus.NewEvent(
			eventbus.EventConnectionClosed,
			"websocket-server",
			map[string]string{"connection_id": connID},
		))
	}

	s.logger.Info("connection closed", "connection_id", connID)
}

// sendAck confirms the handshake with the server-assigned connection id
func (s *Server) sendAck(conn *Conn) error {
	ack, err := envelope.New(envelope.TypeConnectAck, envelope.ConnectAck{ConnectionID: conn.ID()})
	if err != nil {
		return err
	}

	data, err := s.options.Codec.Encode(ack)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.options.Conn.WriteTimeout)
	defer cancel()
	return conn.Send(ctx, data)
}

// handleMessage handles one inbound message from a connection.
// Envelopes that fail codec validation are dropped at this boundary and
// never forwarded.
func (s *Server) handleMessage(conn *Conn, message []byte) error {
	env, err := s.options.Codec.Decode(message)
	if err != nil {
		s.logger.Warn("dropping malformed envelope",
			"connection_id", conn.ID(),
			"error", err,
		)
		if s.options.Bus != nil {
			s.options.Bus.PublishAsync(eventbus.NewEvent(
				eventbus.EventEnvelopeDropped,
				"websocket-server",
				map[string]string{"connection_id": conn.ID()},
			))
		}
		return nil
	}

	switch env.Type {
	case envelope.TypeHeartbeat:
		s.options.Liveness.Beat(conn.ID())
		return s.sendHeartbeatAck(conn, env.ID)

	case envelope.TypeHeartbeatAck, envelope.TypeConnectAck:
		// Server-originated kinds have no meaning inbound.
		return nil

	default:
		if s.options.Publisher == nil {
			return nil
		}
		env.SenderID = conn.Principal()
		return s.options.Publisher.Publish(conn.Context(), env, conn.Scope())
	}
}

// sendHeartbeatAck answers a heartbeat, echoing its id so the client
// can compute round-trip latency.
func (s *Server) sendHeartbeatAck(conn *Conn, echoID string) error {
	ack, err := envelope.New(envelope.TypeHeartbeatAck, envelope.HeartbeatAck{EchoID: echoID})
	if err != nil {
		return err
	}

	data, err := s.options.Codec.Encode(ack)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.options.Conn.WriteTimeout)
	defer cancel()
	return conn.Send(ctx, data)
}
