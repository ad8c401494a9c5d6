package relay

import (
	"encoding/json"
	"testing"

	wire "github.com/kristzz/kursadarbs/wire/v1"
)

func recvEnvelope(t *testing.T, c *Conn) wire.Envelope {
	t.Helper()

	select {
	case env := <-c.Send:
		return env
	default:
		t.Fatalf("conn %s: expected an envelope, queue empty", c.ID)
		return wire.Envelope{}
	}
}

func assertEmpty(t *testing.T, c *Conn) {
	t.Helper()

	select {
	case env := <-c.Send:
		t.Fatalf("conn %s: unexpected envelope %q", c.ID, env.Event)
	default:
	}
}

func newTestRouter(t *testing.T) (*Router, *Registry) {
	t.Helper()

	reg := NewRegistry(testLogger())
	return NewRouter(testLogger(), reg, "test"), reg
}

func TestRouter_FanOutExcludesSender(t *testing.T) {
	t.Parallel()

	rt, reg := newTestRouter(t)

	sender := testConn("a", "conversation.7")
	peer1 := testConn("b", "conversation.7")
	peer2 := testConn("c", "conversation.7")
	reg.Add(sender)
	reg.Add(peer1)
	reg.Add(peer2)

	rt.HandleMessage(sender, []byte(`{"event":"new_message","data":{"content":"hi"}}`))

	for _, peer := range []*Conn{peer1, peer2} {
		env := recvEnvelope(t, peer)
		if env.Event != "new_message" {
			t.Fatalf("event=%q want=new_message", env.Event)
		}
		var data struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil || data.Content != "hi" {
			t.Fatalf("data=%s err=%v", env.Data, err)
		}
		if env.Meta == nil {
			t.Fatalf("fan-out envelope must carry delivery metadata")
		}
		if env.Meta.Channel != "conversation.7" {
			t.Fatalf("meta.channel=%q", env.Meta.Channel)
		}
		if env.Meta.OriginalSenderID != "a" {
			t.Fatalf("meta.original_sender_id=%q", env.Meta.OriginalSenderID)
		}
		if env.Meta.BroadcastID == "" {
			t.Fatalf("meta.broadcast_id must be set")
		}
		if env.Meta.Timestamp.IsZero() {
			t.Fatalf("meta.timestamp must be set")
		}
	}

	assertEmpty(t, sender)
}

func TestRouter_ChannelIsolation(t *testing.T) {
	t.Parallel()

	rt, reg := newTestRouter(t)

	sender := testConn("a", "conversation.7")
	other := testConn("b", "conversation.8")
	reg.Add(sender)
	reg.Add(other)

	rt.HandleMessage(sender, []byte(`{"event":"new_message","data":{"content":"hi"}}`))

	assertEmpty(t, other)
}

func TestRouter_BroadcastIDSharedPerPass(t *testing.T) {
	t.Parallel()

	rt, reg := newTestRouter(t)

	sender := testConn("a", "conversation.7")
	peer1 := testConn("b", "conversation.7")
	peer2 := testConn("c", "conversation.7")
	reg.Add(sender)
	reg.Add(peer1)
	reg.Add(peer2)

	rt.HandleMessage(sender, []byte(`{"event":"e1","data":{}}`))
	first := recvEnvelope(t, peer1)
	second := recvEnvelope(t, peer2)
	if first.Meta.BroadcastID != second.Meta.BroadcastID {
		t.Fatalf("one pass must share one broadcast id: %q vs %q", first.Meta.BroadcastID, second.Meta.BroadcastID)
	}

	rt.HandleMessage(sender, []byte(`{"event":"e2","data":{}}`))
	third := recvEnvelope(t, peer1)
	if third.Meta.BroadcastID == first.Meta.BroadcastID {
		t.Fatalf("separate passes must mint distinct broadcast ids")
	}
}

func TestRouter_PingAnsweredDirectly(t *testing.T) {
	t.Parallel()

	rt, reg := newTestRouter(t)

	sender := testConn("a", "conversation.7")
	peer := testConn("b", "conversation.7")
	reg.Add(sender)
	reg.Add(peer)

	rt.HandleMessage(sender, []byte(`{"event":"ping","data":{"timestamp":"2026-01-01T00:00:00Z"}}`))

	env := recvEnvelope(t, sender)
	if env.Event != wire.EventPong {
		t.Fatalf("event=%q want=pong", env.Event)
	}
	var pong wire.PongData
	if err := json.Unmarshal(env.Data, &pong); err != nil {
		t.Fatalf("pong data: %v", err)
	}
	if pong.ConnectionID != "a" {
		t.Fatalf("pong.connection_id=%q want=a", pong.ConnectionID)
	}
	if pong.Timestamp.IsZero() || pong.ServerTime.IsZero() {
		t.Fatalf("pong timestamps must be set: %+v", pong)
	}

	// Keepalives never fan out.
	assertEmpty(t, peer)
}

func TestRouter_MalformedPayloadRepliesErrorToSenderOnly(t *testing.T) {
	t.Parallel()

	rt, reg := newTestRouter(t)

	sender := testConn("a", "conversation.7")
	peer := testConn("b", "conversation.7")
	reg.Add(sender)
	reg.Add(peer)

	rt.HandleMessage(sender, []byte(`this is not json`))

	env := recvEnvelope(t, sender)
	if env.Event != wire.EventError {
		t.Fatalf("event=%q want=error", env.Event)
	}
	var ed wire.ErrorData
	if err := json.Unmarshal(env.Data, &ed); err != nil || ed.Message == "" {
		t.Fatalf("error data=%s err=%v", env.Data, err)
	}
	assertEmpty(t, peer)

	// The connection stays usable afterwards.
	rt.HandleMessage(sender, []byte(`{"event":"new_message","data":{"content":"still here"}}`))
	if got := recvEnvelope(t, peer); got.Event != "new_message" {
		t.Fatalf("event=%q want=new_message after recovery", got.Event)
	}
}

func TestRouter_MissingEventRejected(t *testing.T) {
	t.Parallel()

	rt, reg := newTestRouter(t)

	sender := testConn("a", "conversation.7")
	reg.Add(sender)

	rt.HandleMessage(sender, []byte(`{"data":{"content":"hi"}}`))

	if env := recvEnvelope(t, sender); env.Event != wire.EventError {
		t.Fatalf("event=%q want=error", env.Event)
	}
}

func TestRouter_UnknownEventForwardedOpaquely(t *testing.T) {
	t.Parallel()

	rt, reg := newTestRouter(t)

	sender := testConn("a", "conversation.7")
	peer := testConn("b", "conversation.7")
	reg.Add(sender)
	reg.Add(peer)

	rt.HandleMessage(sender, []byte(`{"event":"typing_indicator","data":{"user":"42"}}`))

	if env := recvEnvelope(t, peer); env.Event != "typing_indicator" {
		t.Fatalf("unknown events must be routed unchanged, got %q", env.Event)
	}
}

func TestRouter_SendEstablished(t *testing.T) {
	t.Parallel()

	rt, reg := newTestRouter(t)

	first := testConn("a", "conversation.7")
	second := testConn("b", "conversation.7")
	reg.Add(first)
	reg.Add(second)

	rt.SendEstablished(second)

	env := recvEnvelope(t, second)
	if env.Event != wire.EventConnectionEstablished {
		t.Fatalf("event=%q want=connection_established", env.Event)
	}
	var est wire.EstablishedData
	if err := json.Unmarshal(env.Data, &est); err != nil {
		t.Fatalf("established data: %v", err)
	}
	if est.Channel != "conversation.7" || est.ConnectionID != "b" {
		t.Fatalf("established=%+v", est)
	}
	if est.ActiveConnections != 2 {
		t.Fatalf("active_connections=%d want=2", est.ActiveConnections)
	}
	if est.Environment != "test" {
		t.Fatalf("environment=%q want=test", est.Environment)
	}
}

func TestRouter_DropOnFullQueueDoesNotAbortPass(t *testing.T) {
	t.Parallel()

	rt, reg := newTestRouter(t)

	sender := testConn("a", "conversation.7")
	full := NewConn("b", "conversation.7", sender.Identity, 0) // queue size falls back to default
	healthy := testConn("c", "conversation.7")
	reg.Add(sender)
	reg.Add(full)
	reg.Add(healthy)

	// Saturate the slow peer's queue.
	for full.TrySend(wire.Envelope{Event: "filler"}) {
	}

	rt.HandleMessage(sender, []byte(`{"event":"new_message","data":{"content":"hi"}}`))

	// The healthy peer still gets the message.
	if env := recvEnvelope(t, healthy); env.Event != "new_message" {
		t.Fatalf("delivery to healthy peer must survive a saturated peer, got %q", env.Event)
	}
}
