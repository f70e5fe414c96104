package client

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthsync/hearthsync/internal/logging"
	"github.com/hearthsync/hearthsync/pkg/broker"
	"github.com/hearthsync/hearthsync/pkg/envelope"
	"github.com/hearthsync/hearthsync/pkg/liveness"
	"github.com/hearthsync/hearthsync/pkg/registry"
	"github.com/hearthsync/hearthsync/pkg/router"
	ws "github.com/hearthsync/hearthsync/pkg/transport/websocket"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error", Format: "text"})
}

func syncCodec() *envelope.Codec {
	kinds := envelope.NewKinds()
	kinds.Register("chat_message")
	return envelope.NewCodec(kinds)
}

// startServer wires a full in-process server stack and returns the
// websocket URL to dial.
func startServer(t *testing.T) url.URL {
	t.Helper()

	logger := quietLogger()
	codec := syncCodec()
	reg := registry.New(logger)

	sup := liveness.New(liveness.Config{Interval: time.Minute, MissThreshold: 3}, logger, func(connID string) {
		reg.Drop(connID)
	})

	rtr := router.New(reg, broker.NewMemory(), codec, logger, router.DefaultOptions())
	require.NoError(t, rtr.Start(testContext(t)))
	t.Cleanup(func() { rtr.Stop() })

	srv := ws.NewServer(
		ws.WithLogger(logger),
		ws.WithCodec(codec),
		ws.WithRegistry(reg),
		ws.WithLiveness(sup),
		ws.WithPublisher(rtr),
	)

	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	u, err := url.Parse(hs.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	return *u
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Logger = quietLogger()
	opts.Codec = syncCodec()
	opts.HandshakeTimeout = 2 * time.Second
	opts.BackoffBase = 10 * time.Millisecond
	opts.BackoffMax = 50 * time.Millisecond
	opts.BackoffJitter = 0
	return opts
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	opts := DefaultOptions()
	opts.BackoffBase = 100 * time.Millisecond
	opts.BackoffMax = time.Second
	opts.BackoffJitter = 0
	c := New(url.URL{}, opts)

	assert.Equal(t, 100*time.Millisecond, c.backoffDelay(1))
	assert.Equal(t, 200*time.Millisecond, c.backoffDelay(2))
	assert.Equal(t, 400*time.Millisecond, c.backoffDelay(3))
	assert.Equal(t, 800*time.Millisecond, c.backoffDelay(4))
	assert.Equal(t, time.Second, c.backoffDelay(5))
	assert.Equal(t, time.Second, c.backoffDelay(12))
}

func TestBackoffJitterStaysWithinBound(t *testing.T) {
	opts := DefaultOptions()
	opts.BackoffBase = 100 * time.Millisecond
	opts.BackoffMax = time.Second
	opts.BackoffJitter = 50 * time.Millisecond
	c := New(url.URL{}, opts)

	for i := 0; i < 50; i++ {
		d := c.backoffDelay(2)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.Less(t, d, 250*time.Millisecond)
	}
}

func TestConnectHandshake(t *testing.T) {
	u := startServer(t)
	c := New(u, testOptions())

	connected := make(chan StatusEvent, 1)
	c.OnStatus(func(ev StatusEvent) {
		if ev.Status == StatusConnected {
			select {
			case connected <- ev:
			default:
			}
		}
	})

	require.NoError(t, c.Connect(testContext(t), "alice", "family-42"))
	defer c.Disconnect()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("no connected status within deadline")
	}

	assert.Equal(t, StateConnected, c.State())
	assert.NotEmpty(t, c.ConnectionID())

	// Connect is a no-op while a session is established.
	require.NoError(t, c.Connect(testContext(t), "alice", "family-42"))
}

func TestQueuedEnvelopesFlushInOrderOnConnect(t *testing.T) {
	u := startServer(t)
	c := New(u, testOptions())

	var want []string
	for i := 0; i < 3; i++ {
		env, err := envelope.New("chat_message", map[string]int{"n": i})
		require.NoError(t, err)
		require.NoError(t, c.Send(env))
		want = append(want, env.ID)
	}
	require.Equal(t, 3, c.QueueLen())

	// The client is subscribed to its own scope, so the router echoes
	// its flushed envelopes back.
	got := make(chan string, 8)
	c.On("chat_message", func(env *envelope.Envelope) {
		got <- env.ID
	})

	require.NoError(t, c.Connect(testContext(t), "alice", "family-42"))
	defer c.Disconnect()

	for _, id := range want {
		select {
		case received := <-got:
			assert.Equal(t, id, received)
		case <-time.After(2 * time.Second):
			t.Fatal("queued envelope not delivered within deadline")
		}
	}
	assert.Zero(t, c.QueueLen())
}

func TestFlushFailureKeepsUnsentEnvelopes(t *testing.T) {
	// No transport, so the first flushed write fails; nothing that was
	// within capacity may be lost.
	c := New(url.URL{}, testOptions())

	var want []string
	for i := 0; i < 3; i++ {
		env, err := envelope.New("chat_message", map[string]int{"n": i})
		require.NoError(t, err)
		require.NoError(t, c.Send(env))
		want = append(want, env.ID)
	}

	c.flushQueue()

	require.Equal(t, 3, c.QueueLen())
	for i, env := range c.queue.drain() {
		assert.Equal(t, want[i], env.ID)
	}
}

func TestHeartbeatUpdatesLatency(t *testing.T) {
	u := startServer(t)
	opts := testOptions()
	// The interval dwarfs the test deadline, so the observed latency
	// update can only come from the heartbeat sent at connect time.
	opts.HeartbeatInterval = time.Minute
	c := New(u, opts)

	latency := make(chan time.Duration, 1)
	c.OnStatus(func(ev StatusEvent) {
		if ev.Status == StatusLatencyUpdated {
			select {
			case latency <- ev.Latency:
			default:
			}
		}
	})

	require.NoError(t, c.Connect(testContext(t), "alice", "family-42"))
	defer c.Disconnect()

	select {
	case rtt := <-latency:
		assert.Greater(t, rtt, time.Duration(0))
		assert.Equal(t, rtt, c.Latency())
	case <-time.After(2 * time.Second):
		t.Fatal("no latency update within deadline")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	u := startServer(t)
	c := New(u, testOptions())

	require.NoError(t, c.Connect(testContext(t), "alice", "family-42"))
	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateClosed, c.State())

	// Sends after an explicit disconnect are queued, not transmitted.
	env, err := envelope.New("chat_message", nil)
	require.NoError(t, err)
	require.NoError(t, c.Send(env))
	assert.Equal(t, 1, c.QueueLen())
}

func TestGiveUpAfterAttemptBudget(t *testing.T) {
	opts := testOptions()
	opts.MaxAttempts = 2
	// Nothing listens here.
	c := New(url.URL{Scheme: "ws", Host: "127.0.0.1:1", Path: "/"}, opts)

	gaveUp := make(chan StatusEvent, 1)
	attempts := make(chan int, 8)
	c.OnStatus(func(ev StatusEvent) {
		switch ev.Status {
		case StatusReconnecting:
			attempts <- ev.Attempt
		case StatusGaveUp:
			select {
			case gaveUp <- ev:
			default:
			}
		}
	})

	err := c.Connect(testContext(t), "alice", "family-42")
	require.Error(t, err)

	select {
	case ev := <-gaveUp:
		require.Error(t, ev.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("client never gave up")
	}
	assert.Equal(t, StateClosed, c.State())

	// Every configured attempt was made before giving up.
	assert.Equal(t, 1, <-attempts)
	assert.Equal(t, 2, <-attempts)
}

func TestReconnectAfterTransportLoss(t *testing.T) {
	u := startServer(t)
	opts := testOptions()
	opts.HeartbeatInterval = 30 * time.Millisecond
	opts.MissThreshold = 2
	c := New(u, opts)

	statuses := make(chan Status, 16)
	c.OnStatus(func(ev StatusEvent) {
		select {
		case statuses <- ev.Status:
		default:
		}
	})

	require.NoError(t, c.Connect(testContext(t), "alice", "family-42"))
	defer c.Disconnect()

	waitStatus(t, statuses, StatusConnected)
	firstID := c.ConnectionID()
	require.NotEmpty(t, firstID)

	// Kill the transport out from under the session.
	c.mu.Lock()
	underlying := c.ws
	c.mu.Unlock()
	require.NotNil(t, underlying)
	underlying.Close()

	waitStatus(t, statuses, StatusDisconnected)
	waitStatus(t, statuses, StatusReconnecting)
	waitStatus(t, statuses, StatusConnected)

	assert.Equal(t, StateConnected, c.State())
	assert.NotEqual(t, firstID, c.ConnectionID())
}

func waitStatus(t *testing.T, statuses <-chan Status, want Status) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-statuses:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("status %d not observed within deadline", want)
		}
	}
}
