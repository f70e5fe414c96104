package envelope

import (
	"encoding/json"
	"sync"

	"github.com/hearthsync/hearthsync/pkg/errors"
)

// Kinds is the closed set of envelope type tags the codec accepts.
// Collaborators register their domain kinds at bootstrap; anything else
// is rejected at the decode boundary.
type Kinds struct {
	mu    sync.RWMutex
	known map[Type]struct{}
}

// NewKinds creates a kind set seeded with the built-in protocol kinds
func NewKinds() *Kinds {
	return &Kinds{
		known: map[Type]struct{}{
			TypeConnectAck:   {},
			TypeHeartbeat:    {},
			TypeHeartbeatAck: {},
			TypeError:        {},
		},
	}
}

// Register adds a domain kind to the set
func (k *Kinds) Register(kinds ...Type) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, t := range kinds {
		k.known[t] = struct{}{}
	}
}

// Known reports whether the kind is registered
func (k *Kinds) Known(t Type) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.known[t]
	return ok
}

// Codec encodes and decodes envelopes, validating the type tag against
// a closed kind set on decode.
type Codec struct {
	kinds *Kinds
}

// NewCodec creates a codec over the given kind set
func NewCodec(kinds *Kinds) *Codec {
	return &Codec{kinds: kinds}
}

// Kinds returns the codec's kind set
func (c *Codec) Kinds() *Kinds {
	return c.kinds
}

// Encode marshals an envelope, assigning an id if it has none
func (c *Codec) Encode(env *Envelope) ([]byte, error) {
	if env.Type == "" || !c.kinds.Known(env.Type) {
		return nil, errors.New(errors.ErrorTypeMalformed, "UNKNOWN_KIND", "unknown envelope kind").
			WithDetails(string(env.Type))
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "MARSHAL_ERROR", "failed to marshal envelope")
	}
	return data, nil
}

// Decode unmarshals an envelope and rejects unknown type tags. A
// rejected envelope is never forwarded to application code.
func (c *Codec) Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMalformed, "INVALID_ENVELOPE", "failed to unmarshal envelope")
	}
	if !c.kinds.Known(env.Type) {
		return nil, errors.New(errors.ErrorTypeMalformed, "UNKNOWN_KIND", "unknown envelope kind").
			WithDetails(string(env.Type))
	}
	return &env, nil
}
