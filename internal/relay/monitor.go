package relay

import (
	"context"
	"log/slog"
	"time"
)

// Monitor is the heartbeat sweep: on a fixed interval it probes every live
// connection and evicts the ones whose previous probe was never answered.
//
// Per-connection state machine: ALIVE -> probe sent -> AWAITING_PONG ->
// pong -> ALIVE, or AWAITING_PONG -> next tick with no pong -> EVICTED.
// The liveness flag is the AWAITING_PONG marker: cleared when the probe is
// sent, restored by Conn.Ping when the pong arrives.
type Monitor struct {
	log      *slog.Logger
	registry *Registry

	interval     time.Duration
	probeTimeout time.Duration
}

// NewMonitor constructs a Monitor. Interval defaults to heartbeatInterval,
// probe timeout to heartbeatTimeout.
func NewMonitor(log *slog.Logger, registry *Registry, interval, probeTimeout time.Duration) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = heartbeatInterval
	}
	if probeTimeout <= 0 {
		probeTimeout = heartbeatTimeout
	}
	return &Monitor{
		log:          log,
		registry:     registry,
		interval:     interval,
		probeTimeout: probeTimeout,
	}
}

// Run sweeps until ctx is cancelled. It is independent of message traffic.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one heartbeat pass over every live connection.
//
// A connection whose previous probe went unanswered is evicted: transport
// closed, removed from the registry, counted as terminated. Everyone else
// has its flag cleared and a fresh probe sent. A single failing connection
// never stops probing of the rest.
func (m *Monitor) Sweep(ctx context.Context) {
	active, terminated := 0, 0

	m.registry.ForEach(func(c *Conn) {
		if !c.Alive() {
			m.evict(c)
			terminated++
			return
		}

		c.clearAlive()
		active++

		// Probe asynchronously: Conn.Ping blocks until the pong arrives
		// (or the timeout elapses), and one slow peer must not delay the
		// sweep of the others.
		go func(c *Conn) {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("heartbeat.probe.panic", "conn_id", c.ID, "panic", r)
				}
			}()

			probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
			defer cancel()

			if err := c.Ping(probeCtx); err != nil {
				m.log.Debug("heartbeat.probe.fail", "conn_id", c.ID, "channel", c.Channel, "err", err)
			}
		}(c)
	})

	if active+terminated > 0 {
		m.log.Info("heartbeat.sweep", "active", active, "terminated", terminated, "total", m.registry.Count())
	}
}

// evict forcibly closes an unresponsive connection. It never propagates:
// the evicted client is assumed unreachable, so no notice is sent.
func (m *Monitor) evict(c *Conn) {
	m.log.Info("heartbeat.evict", "conn_id", c.ID, "channel", c.Channel)

	func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("heartbeat.evict.panic", "conn_id", c.ID, "panic", r)
			}
		}()
		c.CloseTransport()
	}()

	m.registry.Remove(c.ID)
	metricEvictions.Inc()
}
