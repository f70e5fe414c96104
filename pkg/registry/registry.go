// Package registry maps scope identities to the set of currently
// connected sessions subscribed to them.
package registry

import (
	"sync"

	"github.com/hearthsync/hearthsync/internal/logging"
	"github.com/hearthsync/hearthsync/pkg/domain"
	"github.com/hearthsync/hearthsync/pkg/envelope"
)

// Filter restricts which envelopes a subscription receives. A nil
// filter accepts everything.
type Filter func(env *envelope.Envelope) bool

// Member is one subscription of a connection to a scope
type Member struct {
	Conn   domain.Conn
	Filter Filter
}

// SubscribeOption configures a subscription
type SubscribeOption func(*Member)

// WithFilter limits the subscription to envelopes the filter accepts
func WithFilter(f Filter) SubscribeOption {
	return func(m *Member) {
		m.Filter = f
	}
}

// Registry is the scope-to-connections mapping. A single lock guards
// both indexes, which makes every mutation linearizable per scope.
type Registry struct {
	mu      sync.RWMutex
	byScope map[string]map[string]*Member
	byConn  map[string]map[string]struct{}
	conns   map[string]domain.Conn
	logger  *logging.Logger
}

// New creates an empty registry
func New(logger *logging.Logger) *Registry {
	return &Registry{
		byScope: make(map[string]map[string]*Member),
		byConn:  make(map[string]map[string]struct{}),
		conns:   make(map[string]domain.Conn),
		logger:  logger,
	}
}

// Subscribe adds a connection to a scope. Subscribing an already-closed
// connection is rejected with ErrStaleConnection; the caller must
// re-handshake instead of retrying.
func (r *Registry) Subscribe(conn domain.Conn, scope string, opts ...SubscribeOption) error {
	if conn.Closed() {
		return domain.ErrStaleConnection
	}

	member := &Member{Conn: conn}
	for _, opt := range opts {
		opt(member)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byScope[scope]
	if !ok {
		entry = make(map[string]*Member)
		r.byScope[scope] = entry
	}
	entry[conn.ID()] = member

	scopes, ok := r.byConn[conn.ID()]
	if !ok {
		scopes = make(map[string]struct{})
		r.byConn[conn.ID()] = scopes
	}
	scopes[scope] = struct{}{}
	r.conns[conn.ID()] = conn

	r.logger.Debug("subscribed",
		"connection_id", conn.ID(),
		"scope", scope,
		"scope_size", len(entry),
	)

	return nil
}

// Unsubscribe removes a connection from a scope. Removing an absent
// subscription is a no-op, not an error. Empty scope entries are
// garbage-collected.
func (r *Registry) Unsubscribe(connID, scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connID, scope)
}

// Drop removes a connection from every scope it is subscribed to
func (r *Registry) Drop(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for scope := range r.byConn[connID] {
		r.removeLocked(connID, scope)
	}
}

func (r *Registry) removeLocked(connID, scope string) {
	if entry, ok := r.byScope[scope]; ok {
		delete(entry, connID)
		if len(entry) == 0 {
			delete(r.byScope, scope)
		}
	}
	if scopes, ok := r.byConn[connID]; ok {
		delete(scopes, scope)
		if len(scopes) == 0 {
			delete(r.byConn, connID)
			delete(r.conns, connID)
		}
	}
}

// Conn returns the connection registered under the given identity
func (r *Registry) Conn(connID string) (domain.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// ConnectionsFor returns the connections currently subscribed to a scope
func (r *Registry) ConnectionsFor(scope string) []domain.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry := r.byScope[scope]
	conns := make([]domain.Conn, 0, len(entry))
	for _, member := range entry {
		conns = append(conns, member.Conn)
	}
	return conns
}

// MembersFor returns the subscriptions on a scope, including filters
func (r *Registry) MembersFor(scope string) []*Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry := r.byScope[scope]
	members := make([]*Member, 0, len(entry))
	for _, member := range entry {
		members = append(members, member)
	}
	return members
}

// ScopesFor returns the scopes a connection is subscribed to
func (r *Registry) ScopesFor(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	scopes := make([]string, 0, len(r.byConn[connID]))
	for scope := range r.byConn[connID] {
		scopes = append(scopes, scope)
	}
	return scopes
}

// Size returns the number of distinct subscribed connections
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
