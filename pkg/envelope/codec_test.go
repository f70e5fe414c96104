package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthsync/hearthsync/pkg/errors"
)

func TestCodecRoundTrip(t *testing.T) {
	kinds := NewKinds()
	kinds.Register("expense_added")
	codec := NewCodec(kinds)

	env, err := New("expense_added", map[string]any{"amount": 12.50})
	require.NoError(t, err)
	require.NotEmpty(t, env.ID)
	require.False(t, env.Timestamp.IsZero())

	data, err := codec.Encode(env)
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, env.Type, decoded.Type)

	var payload map[string]any
	require.NoError(t, decoded.Decode(&payload))
	assert.Equal(t, 12.50, payload["amount"])
}

func TestCodecRejectsUnknownKindOnDecode(t *testing.T) {
	codec := NewCodec(NewKinds())

	_, err := codec.Decode([]byte(`{"id":"x","type":"mystery_event","timestamp":"2026-01-01T00:00:00Z"}`))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeMalformed))
}

func TestCodecRejectsUnknownKindOnEncode(t *testing.T) {
	codec := NewCodec(NewKinds())

	env, err := New("mystery_event", nil)
	require.NoError(t, err)

	_, err = codec.Encode(env)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeMalformed))
}

func TestCodecRejectsGarbage(t *testing.T) {
	codec := NewCodec(NewKinds())

	_, err := codec.Decode([]byte("not json"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeMalformed))
}

func TestKindsBuiltins(t *testing.T) {
	kinds := NewKinds()

	assert.True(t, kinds.Known(TypeConnectAck))
	assert.True(t, kinds.Known(TypeHeartbeat))
	assert.True(t, kinds.Known(TypeHeartbeatAck))
	assert.True(t, kinds.Known(TypeError))
	assert.False(t, kinds.Known("chat_message"))

	kinds.Register("chat_message")
	assert.True(t, kinds.Known("chat_message"))
}
