package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kristzz/kursadarbs/internal/auth"
	"github.com/kristzz/kursadarbs/internal/relay"
	wire "github.com/kristzz/kursadarbs/wire/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRelayServer(t *testing.T) *httptest.Server {
	t.Helper()

	log := testLogger()
	authn := auth.New(log, auth.Config{Secret: "test-secret-test-secret-test-secret"})
	reg := relay.NewRegistry(log)
	rt := relay.NewRouter(log, reg, "test")
	gw := relay.NewGateway(log, authn, reg, rt, relay.Options{WriteTimeout: time.Second})

	ts := httptest.NewServer(gw)
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server) string {
	return strings.Replace(ts.URL, "http", "ws", 1)
}

// observe dials the relay directly and collects fan-out envelopes.
func observe(t *testing.T, ctx context.Context, ts *httptest.Server, channel, token string) <-chan wire.Envelope {
	t.Helper()

	u := wsURL(ts) + "/" + channel + "?token=" + token
	conn, resp, err := websocket.Dial(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("observer dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })

	out := make(chan wire.Envelope, 16)
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				close(out)
				return
			}
			var env wire.Envelope
			if json.Unmarshal(data, &env) == nil && env.Event != wire.EventConnectionEstablished {
				out <- env
			}
		}
	}()
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestManager_ReplaysPendingInOrder(t *testing.T) {
	t.Parallel()

	ts := startRelayServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbox := observe(t, ctx, ts, "conversation.7", "9%7Cobserver")

	m := New(Options{URL: wsURL(ts), Log: testLogger(), PingInterval: -1})
	t.Cleanup(m.Disconnect)

	// Queue while disconnected.
	for i := 1; i <= 3; i++ {
		if m.Send("new_message", map[string]int{"n": i}) {
			t.Fatalf("Send while disconnected must report queued, not transmitted")
		}
	}
	if got := m.PendingCount(); got != 3 {
		t.Fatalf("PendingCount()=%d want=3", got)
	}

	m.Connect(ctx, "conversation.7", "1|manager")
	waitFor(t, 3*time.Second, func() bool { return m.State() == Connected }, "connection")

	for want := 1; want <= 3; want++ {
		select {
		case env := <-inbox:
			var data struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(env.Data, &data); err != nil {
				t.Fatalf("payload: %v", err)
			}
			if data.N != want {
				t.Fatalf("replay out of order: got n=%d want n=%d", data.N, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("missing replayed message n=%d", want)
		}
	}

	if got := m.PendingCount(); got != 0 {
		t.Fatalf("PendingCount()=%d want=0 after replay", got)
	}
}

func TestManager_SendWhileConnected(t *testing.T) {
	t.Parallel()

	ts := startRelayServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbox := observe(t, ctx, ts, "conversation.7", "9%7Cobserver")

	m := New(Options{URL: wsURL(ts), Log: testLogger(), PingInterval: -1})
	t.Cleanup(m.Disconnect)

	m.Connect(ctx, "conversation.7", "1|manager")
	waitFor(t, 3*time.Second, func() bool { return m.State() == Connected }, "connection")

	if !m.Send("new_message", map[string]string{"content": "hi"}) {
		t.Fatalf("Send while connected must transmit immediately")
	}

	select {
	case env := <-inbox:
		if env.Event != "new_message" {
			t.Fatalf("event=%q want=new_message", env.Event)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("observer never received the message")
	}
}

func TestManager_ConnectionIDFromAdmission(t *testing.T) {
	t.Parallel()

	ts := startRelayServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := New(Options{URL: wsURL(ts), Log: testLogger(), PingInterval: -1})
	t.Cleanup(m.Disconnect)

	m.Connect(ctx, "conversation.7", "1|manager")
	waitFor(t, 3*time.Second, func() bool { return m.ConnectionID() != "" }, "connection id")
}

func TestManager_ConnectionChangeListener(t *testing.T) {
	t.Parallel()

	ts := startRelayServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := New(Options{URL: wsURL(ts), Log: testLogger(), PingInterval: -1})
	t.Cleanup(m.Disconnect)

	var mu sync.Mutex
	var seen []bool
	unsub := m.OnConnectionChange(func(connected bool) {
		mu.Lock()
		seen = append(seen, connected)
		mu.Unlock()
	})
	defer unsub()

	// Immediate notification with the current (disconnected) state.
	mu.Lock()
	if len(seen) != 1 || seen[0] {
		mu.Unlock()
		t.Fatalf("expected immediate false notification, got %v", seen)
	}
	mu.Unlock()

	m.Connect(ctx, "conversation.7", "1|manager")
	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2 && seen[len(seen)-1]
	}, "connected notification")
}

func TestManager_ReplayFailureKeepsUnsentQueue(t *testing.T) {
	t.Parallel()

	ts := startRelayServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A write timeout this short expires before any replay write can
	// complete, so the first replay attempt fails.
	m := New(Options{
		URL:          wsURL(ts),
		Log:          testLogger(),
		PingInterval: -1,
		WriteTimeout: time.Nanosecond,
	})
	t.Cleanup(m.Disconnect)

	for i := 1; i <= 3; i++ {
		m.Send("new_message", map[string]int{"n": i})
	}
	if got := m.PendingCount(); got != 3 {
		t.Fatalf("PendingCount()=%d want=3", got)
	}

	m.Connect(ctx, "conversation.7", "1|manager")
	waitFor(t, 3*time.Second, func() bool { return m.State() == Connected }, "connection")

	// A message leaves the queue only once its write succeeded: the failed
	// message and everything after it must survive for the next connection.
	waitFor(t, 3*time.Second, func() bool { return m.PendingCount() == 3 }, "requeued remainder")
}

func TestManager_RetryAfterContextCancelLeavesDisconnected(t *testing.T) {
	t.Parallel()

	// A server that is already gone.
	ts := httptest.NewServer(nil)
	target := wsURL(ts)
	ts.Close()

	ctx, cancel := context.WithCancel(context.Background())

	m := New(Options{
		URL:           target,
		Log:           testLogger(),
		PingInterval:  -1,
		BackoffBase:   50 * time.Millisecond,
		BackoffGrowth: 1.5,
		BackoffCap:    200 * time.Millisecond,
		MaxRetries:    5,
	})
	t.Cleanup(m.Disconnect)

	m.Connect(ctx, "conversation.7", "1|manager")
	waitFor(t, 3*time.Second, func() bool { return m.State() == Disconnected }, "first dial failure")

	// Kill the lifetime context while a reconnect is pending. The fired
	// retry must leave Disconnected behind, not a permanent Connecting that
	// blocks every future Connect.
	cancel()
	time.Sleep(600 * time.Millisecond)
	waitFor(t, 2*time.Second, func() bool { return m.State() == Disconnected }, "disconnected after dead-context retry")
}

func TestManager_GivesUpAfterRetryBudget(t *testing.T) {
	t.Parallel()

	// A server that is already gone.
	ts := httptest.NewServer(nil)
	target := wsURL(ts)
	ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := New(Options{
		URL:           target,
		Log:           testLogger(),
		PingInterval:  -1,
		BackoffBase:   5 * time.Millisecond,
		BackoffGrowth: 1.5,
		BackoffCap:    20 * time.Millisecond,
		MaxRetries:    2,
	})
	t.Cleanup(m.Disconnect)

	m.Connect(ctx, "conversation.7", "1|manager")
	waitFor(t, 5*time.Second, func() bool { return m.State() == GivenUp }, "given-up state")
}

func TestManager_SwitchChannelReconnects(t *testing.T) {
	t.Parallel()

	ts := startRelayServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbox8 := observe(t, ctx, ts, "conversation.8", "9%7Cobserver")

	m := New(Options{URL: wsURL(ts), Log: testLogger(), PingInterval: -1})
	t.Cleanup(m.Disconnect)

	m.Connect(ctx, "conversation.7", "1|manager")
	waitFor(t, 3*time.Second, func() bool { return m.State() == Connected }, "first connection")
	firstID := m.ConnectionID()

	m.Switch(ctx, "conversation.8", "1|manager")
	waitFor(t, 3*time.Second, func() bool {
		return m.State() == Connected && m.ConnectionID() != "" && m.ConnectionID() != firstID
	}, "reconnection on new channel")

	if got := m.Channel(); got != "conversation.8" {
		t.Fatalf("Channel()=%q want=conversation.8", got)
	}

	m.Send("new_message", map[string]string{"content": "moved"})
	select {
	case env := <-inbox8:
		if env.Event != "new_message" {
			t.Fatalf("event=%q", env.Event)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("message did not reach the new channel")
	}
}

func TestManager_StateString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		state State
		want  string
	}{
		{Disconnected, "disconnected"},
		{Connecting, "connecting"},
		{Connected, "connected"},
		{GivenUp, "given_up"},
		{State(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Fatalf("State(%d).String()=%q want=%q", tc.state, got, tc.want)
		}
	}
}
