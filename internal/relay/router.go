package relay

import (
	"encoding/json"
	"log/slog"

	wire "github.com/kristzz/kursadarbs/wire/v1"
)

// Router moves inbound messages between same-channel peers.
//
// Delivery is best-effort and at-most-once per attempt: a failed or dropped
// enqueue is logged and skipped, never retried server-side. Reliability
// across reconnects belongs to the client.
type Router struct {
	log      *slog.Logger
	registry *Registry

	// environment is echoed in the connection_established notice.
	environment string
}

// NewRouter constructs a Router over the given registry.
func NewRouter(log *slog.Logger, registry *Registry, environment string) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{log: log, registry: registry, environment: environment}
}

// HandleMessage processes one raw inbound frame from conn.
//
// Parse failure is reported back to the sender only; ping is answered
// directly and never fanned out; everything else is promoted to an envelope
// and delivered to every other live connection in the sender's channel.
func (rt *Router) HandleMessage(conn *Conn, raw []byte) {
	var msg wire.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		rt.log.Info("relay.message.bad_json", "conn_id", conn.ID, "channel", conn.Channel, "err", err)
		rt.sendError(conn, "failed to process message", err.Error())
		return
	}

	if err := msg.Validate(); err != nil {
		rt.log.Info("relay.message.invalid", "conn_id", conn.ID, "channel", conn.Channel, "err", err)
		rt.sendError(conn, "failed to process message", err.Error())
		return
	}

	if msg.Event == wire.EventPing {
		rt.pong(conn)
		return
	}

	rt.log.Info("relay.message", "conn_id", conn.ID, "channel", conn.Channel, "event", msg.Event)
	rt.broadcast(conn, msg)
}

// broadcast fans msg out to every other live connection in the sender's
// channel. One broadcast id is minted per pass so a client that observes the
// same pass through multiple delivery paths can deduplicate.
func (rt *Router) broadcast(sender *Conn, msg wire.Message) {
	ts := now()
	env := wire.Envelope{
		Event: msg.Event,
		Data:  msg.Data,
		Meta: &wire.Meta{
			Timestamp:        ts,
			Channel:          sender.Channel,
			OriginalSenderID: sender.ID,
			BroadcastID:      NewID(ts),
		},
	}

	metricBroadcasts.Inc()

	delivered, dropped := 0, 0
	rt.registry.ForEachInChannel(sender.Channel, func(target *Conn) {
		if target.ID == sender.ID {
			return
		}
		if target.TrySend(env) {
			delivered++
			return
		}
		dropped++
		rt.log.Info("relay.delivery.drop", "channel", sender.Channel, "target", target.ID)
	})

	metricDeliveries.Add(float64(delivered))
	metricDeliveryDrops.Add(float64(dropped))

	rt.log.Info("relay.broadcast",
		"channel", sender.Channel,
		"event", msg.Event,
		"sender", sender.ID,
		"broadcast_id", env.Meta.BroadcastID,
		"delivered", delivered,
		"dropped", dropped,
	)
}

// pong answers an application-level ping directly to the sender.
// Logged at Debug only: keepalive traffic must not flood the logs.
func (rt *Router) pong(conn *Conn) {
	ts := now()
	data, _ := json.Marshal(wire.PongData{
		Timestamp:    ts,
		ServerTime:   ts,
		ConnectionID: conn.ID,
	})

	if !conn.TrySend(wire.Envelope{Event: wire.EventPong, Data: data}) {
		rt.log.Debug("relay.pong.drop", "conn_id", conn.ID)
		return
	}
	rt.log.Debug("relay.pong", "conn_id", conn.ID)
}

// SendEstablished sends the admission notice to a freshly added connection:
// channel name, its own id, a timestamp, and the current live count for the
// channel, so clients confirm admission and peer count without waiting for
// traffic.
func (rt *Router) SendEstablished(conn *Conn) {
	data, _ := json.Marshal(wire.EstablishedData{
		Channel:           conn.Channel,
		ConnectionID:      conn.ID,
		Timestamp:         now(),
		Environment:       rt.environment,
		ActiveConnections: rt.registry.CountInChannel(conn.Channel),
	})

	if !conn.TrySend(wire.Envelope{Event: wire.EventConnectionEstablished, Data: data}) {
		rt.log.Info("relay.established.drop", "conn_id", conn.ID)
	}
}

// sendError reports a protocol error back to the offending connection only.
// The connection stays open.
func (rt *Router) sendError(conn *Conn, msg, detail string) {
	data, _ := json.Marshal(wire.ErrorData{Message: msg, Detail: detail})
	_ = conn.TrySend(wire.Envelope{Event: wire.EventError, Data: data})
}
