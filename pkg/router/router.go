// Package router fans published envelopes out to every subscriber of a
// scope, on this process directly and on sibling processes through the
// shared broker.
package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthsync/hearthsync/internal/eventbus"
	"github.com/hearthsync/hearthsync/internal/logging"
	"github.com/hearthsync/hearthsync/pkg/broker"
	"github.com/hearthsync/hearthsync/pkg/domain"
	"github.com/hearthsync/hearthsync/pkg/envelope"
	"github.com/hearthsync/hearthsync/pkg/registry"
)

// carrier wraps an envelope on the broker so receiving instances can
// recover the target scope and skip their own publications.
type carrier struct {
	Origin   string             `json:"origin"`
	Scope    string             `json:"scope"`
	Envelope *envelope.Envelope `json:"envelope"`
}

// Options represents router configuration
type Options struct {
	// SendTimeout bounds each per-connection delivery attempt
	SendTimeout time.Duration

	// Bus receives process-local lifecycle events. Optional.
	Bus eventbus.Bus
}

// DefaultOptions returns default router options
func DefaultOptions() Options {
	return Options{
		SendTimeout: 5 * time.Second,
	}
}

// Router delivers envelopes to scope subscribers
type Router struct {
	registry   *registry.Registry
	broker     broker.Broker
	codec      *envelope.Codec
	logger     *logging.Logger
	opts       Options
	instanceID string

	mu     sync.RWMutex
	closed bool
	sub    broker.Subscription
}

// New creates a router over a registry and a shared broker
func New(reg *registry.Registry, brk broker.Broker, codec *envelope.Codec, logger *logging.Logger, opts Options) *Router {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultOptions().SendTimeout
	}

	return &Router{
		registry:   reg,
		broker:     brk,
		codec:      codec,
		logger:     logger,
		opts:       opts,
		instanceID: uuid.NewString(),
	}
}

// Start subscribes the router to the shared broker so envelopes
// published by sibling instances reach this instance's connections.
func (r *Router) Start(ctx context.Context) error {
	sub, err := r.broker.Subscribe(ctx, r.handleBrokerMessage)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()

	r.logger.Info("router started", "instance_id", r.instanceID)
	return nil
}

// Stop closes the router. Publishing through a stopped router is a
// synchronous error.
func (r *Router) Stop() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sub := r.sub
	r.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}

	r.logger.Info("router stopped", "instance_id", r.instanceID)
	return nil
}

// Publish delivers an envelope to every subscriber of the target scope.
// Local delivery always proceeds; broker outages cost cross-process
// fan-out for the outage duration and are logged as a degraded
// consistency condition, not surfaced to the publisher.
func (r *Router) Publish(ctx context.Context, env *envelope.Envelope, scope string) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return domain.ErrRouterClosed
	}

	// Encode validates the type tag against the closed kind set.
	data, err := r.codec.Encode(env)
	if err != nil {
		return err
	}

	r.deliverLocal(ctx, env, data, scope)

	payload, err := json.Marshal(carrier{
		Origin:   r.instanceID,
		Scope:    scope,
		Envelope: env,
	})
	if err != nil {
		return err
	}

	if err := r.broker.Publish(ctx, scope, payload); err != nil {
		r.logger.Error("broker publish failed, cross-process fan-out lost",
			"scope", scope,
			"envelope_id", env.ID,
			"error", err,
		)
		if r.opts.Bus != nil {
			r.opts.Bus.PublishAsync(eventbus.NewEvent(
				eventbus.EventBrokerDegraded,
				"router",
				map[string]string{"scope": scope, "envelope_id": env.ID},
			))
		}
	}

	return nil
}

// handleBrokerMessage delivers envelopes published by sibling instances
func (r *Router) handleBrokerMessage(ctx context.Context, msg broker.Message) {
	var c carrier
	if err := json.Unmarshal(msg.Payload, &c); err != nil {
		r.logger.Warn("dropping malformed broker payload", "topic", msg.Topic, "error", err)
		return
	}

	if c.Origin == r.instanceID {
		return
	}

	if c.Envelope == nil || !r.codec.Kinds().Known(c.Envelope.Type) {
		r.logger.Warn("dropping broker envelope with unknown kind", "topic", msg.Topic)
		return
	}

	data, err := r.codec.Encode(c.Envelope)
	if err != nil {
		return
	}

	r.deliverLocal(ctx, c.Envelope, data, c.Scope)
}

// deliverLocal pushes an encoded envelope to every local subscription
// of the scope. When the envelope names target principals, delivery is
// narrowed to their connections. A transport failure closes the failing
// connection and evicts it; it is never a router failure.
func (r *Router) deliverLocal(ctx context.Context, env *envelope.Envelope, data []byte, scope string) {
	for _, member := range r.registry.MembersFor(scope) {
		if !targeted(env, member.Conn.Principal()) {
			continue
		}
		if member.Filter != nil && !member.Filter(env) {
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, r.opts.SendTimeout)
		err := member.Conn.Send(sendCtx, data)
		cancel()

		if err != nil {
			connID := member.Conn.ID()
			r.logger.Warn("delivery failed, evicting connection",
				"connection_id", connID,
				"scope", scope,
				"error", err,
			)
			r.registry.Drop(connID)
			_ = member.Conn.Close()

			if r.opts.Bus != nil {
				r.opts.Bus.PublishAsync(eventbus.NewEvent(
					eventbus.EventDeliveryFailed,
					"router",
					map[string]string{"connection_id": connID, "scope": scope},
				))
			}
		}
	}
}

// targeted reports whether the envelope is addressed to the principal.
// An envelope without target ids is addressed to the whole scope.
func targeted(env *envelope.Envelope, principal string) bool {
	if len(env.TargetIDs) == 0 {
		return true
	}
	for _, id := range env.TargetIDs {
		if id == principal {
			return true
		}
	}
	return false
}
