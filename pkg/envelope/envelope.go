package envelope

import (
	"encoding/json"
	"time"

	"github.com/rs/xid"
)

// Type represents the kind tag of an envelope
type Type string

// Built-in envelope kinds. Domain kinds are registered by the process
// bootstrap, see Kinds.
const (
	TypeConnectAck   Type = "connect_ack"
	TypeHeartbeat    Type = "heartbeat"
	TypeHeartbeatAck Type = "heartbeat_ack"
	TypeError        Type = "error"
)

// Envelope is the atomic unit of transmission. The payload is opaque to
// the synchronization layer; only the type tag and routing fields are
// interpreted.
type Envelope struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	SenderID  string          `json:"senderId,omitempty"`
	TargetIDs []string        `json:"targetIds,omitempty"`
}

// New creates an envelope of the given kind with a marshaled payload,
// a fresh unique id and a generation timestamp.
func New(kind Type, payload any) (*Envelope, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = raw
	}

	return &Envelope{
		ID:        xid.New().String(),
		Type:      kind,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode decodes the envelope payload into the provided value
func (e *Envelope) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// ConnectAck is the payload of a connect_ack envelope
type ConnectAck struct {
	ConnectionID string `json:"connection_id"`
}

// HeartbeatAck is the payload of a heartbeat_ack envelope. EchoID is the
// id of the heartbeat being answered so the sender can pair it with its
// send timestamp.
type HeartbeatAck struct {
	EchoID string `json:"echo_id"`
}

// ErrorPayload is the payload of an error envelope
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
