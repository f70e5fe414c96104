package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthsync/hearthsync/internal/logging"
	"github.com/hearthsync/hearthsync/pkg/domain"
	"github.com/hearthsync/hearthsync/pkg/envelope"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

func newFakeConn(id string) *fakeConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeConn{id: id, ctx: ctx, cancel: cancel}
}

func (c *fakeConn) ID() string        { return c.id }
func (c *fakeConn) Principal() string { return "principal-" + c.id }
func (c *fakeConn) Scope() string     { return "" }

func (c *fakeConn) Send(ctx context.Context, message []byte) error {
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cancel()
	return nil
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Context() context.Context { return c.ctx }

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error", Format: "text"})
}

func TestSubscribeAndLookup(t *testing.T) {
	reg := New(testLogger())
	c1 := newFakeConn("c1")
	c2 := newFakeConn("c2")

	require.NoError(t, reg.Subscribe(c1, "family-42"))
	require.NoError(t, reg.Subscribe(c2, "family-42"))
	require.NoError(t, reg.Subscribe(c1, "family-7"))

	conns := reg.ConnectionsFor("family-42")
	assert.Len(t, conns, 2)

	scopes := reg.ScopesFor("c1")
	assert.ElementsMatch(t, []string{"family-42", "family-7"}, scopes)

	got, ok := reg.Conn("c1")
	require.True(t, ok)
	assert.Equal(t, "c1", got.ID())
}

func TestSubscribeStaleConnection(t *testing.T) {
	reg := New(testLogger())
	c := newFakeConn("c1")
	c.Close()

	err := reg.Subscribe(c, "family-42")
	require.ErrorIs(t, err, domain.ErrStaleConnection)
	assert.Empty(t, reg.ConnectionsFor("family-42"))
}

func TestUnsubscribeIdempotent(t *testing.T) {
	reg := New(testLogger())
	c := newFakeConn("c1")
	require.NoError(t, reg.Subscribe(c, "family-42"))

	reg.Unsubscribe("c1", "family-42")
	first := reg.ConnectionsFor("family-42")

	// Removing an absent subscription is a no-op, not an error.
	reg.Unsubscribe("c1", "family-42")
	second := reg.ConnectionsFor("family-42")

	assert.Equal(t, first, second)
	assert.Empty(t, second)
	assert.Empty(t, reg.ScopesFor("c1"))
}

func TestEmptyScopeGarbageCollected(t *testing.T) {
	reg := New(testLogger())
	c := newFakeConn("c1")
	require.NoError(t, reg.Subscribe(c, "family-42"))

	reg.Unsubscribe("c1", "family-42")

	assert.Zero(t, reg.Size())
	_, ok := reg.Conn("c1")
	assert.False(t, ok)
}

func TestDropRemovesAllScopes(t *testing.T) {
	reg := New(testLogger())
	c := newFakeConn("c1")
	require.NoError(t, reg.Subscribe(c, "family-42"))
	require.NoError(t, reg.Subscribe(c, "family-7"))

	reg.Drop("c1")

	assert.Empty(t, reg.ConnectionsFor("family-42"))
	assert.Empty(t, reg.ConnectionsFor("family-7"))
	assert.Empty(t, reg.ScopesFor("c1"))
	assert.Zero(t, reg.Size())
}

func TestSubscribeWithFilter(t *testing.T) {
	reg := New(testLogger())
	c := newFakeConn("c1")

	require.NoError(t, reg.Subscribe(c, "family-42", WithFilter(func(env *envelope.Envelope) bool {
		return env.Type == "expense_added"
	})))

	members := reg.MembersFor("family-42")
	require.Len(t, members, 1)
	require.NotNil(t, members[0].Filter)
	assert.True(t, members[0].Filter(&envelope.Envelope{Type: "expense_added"}))
	assert.False(t, members[0].Filter(&envelope.Envelope{Type: "chat_message"}))
}

func TestConcurrentSubscribeUnsubscribe(t *testing.T) {
	reg := New(testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c := newFakeConn("c" + string(rune('a'+n%26)) + "-" + string(rune('0'+n%10)))
			if err := reg.Subscribe(c, "family-42"); err != nil {
				return
			}
			reg.Unsubscribe(c.ID(), "family-42")
		}(i)
	}
	wg.Wait()

	assert.Empty(t, reg.ConnectionsFor("family-42"))
}
