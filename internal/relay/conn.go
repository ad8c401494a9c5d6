// Package relay contains the channel-based broadcast relay: connection
// registry, heartbeat monitor, broadcast router, and the WebSocket gateway.
package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kristzz/kursadarbs/internal/auth"
	wire "github.com/kristzz/kursadarbs/wire/v1"
)

// Conn represents one admitted connection.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
// - alive is the heartbeat liveness flag: cleared before each probe, restored on pong.
type Conn struct {
	ID       string
	Channel  string
	Identity auth.Identity
	Send     chan wire.Envelope

	alive atomic.Bool

	// Transport hooks injected by the gateway; stubbed in tests.
	ping           func(ctx context.Context) error
	closeTransport func()

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn constructs a Conn with a bounded send queue.
// A fresh connection starts alive: it is never evicted before its first
// full probe cycle completes.
func NewConn(id, channel string, identity auth.Identity, sendQueueSize int) *Conn {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	c := &Conn{
		ID:       id,
		Channel:  channel,
		Identity: identity,
		Send:     make(chan wire.Envelope, sendQueueSize),
		done:     make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// SetTransport wires the transport-level probe and close hooks.
func (c *Conn) SetTransport(ping func(ctx context.Context) error, closeTransport func()) {
	c.ping = ping
	c.closeTransport = closeTransport
}

// Alive reports the heartbeat liveness flag.
func (c *Conn) Alive() bool { return c.alive.Load() }

// MarkAlive restores the liveness flag (called when a probe's pong arrives).
func (c *Conn) MarkAlive() { c.alive.Store(true) }

// clearAlive drops the flag before a probe is sent.
func (c *Conn) clearAlive() { c.alive.Store(false) }

// Ping probes the peer and restores the liveness flag when the pong arrives.
func (c *Conn) Ping(ctx context.Context) error {
	if c.ping == nil {
		return nil
	}
	if err := c.ping(ctx); err != nil {
		return err
	}
	c.MarkAlive()
	return nil
}

// CloseTransport forcibly closes the underlying transport, if wired.
func (c *Conn) CloseTransport() {
	if c.closeTransport != nil {
		c.closeTransport()
	}
}

// Done returns a channel that is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the connection's goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Conn) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// TrySend enqueues an envelope without blocking.
// Returns false if the connection is shutting down or its queue is full.
func (c *Conn) TrySend(env wire.Envelope) bool {
	if c == nil {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}

// now is stubbed in tests that need deterministic envelope timestamps.
var now = func() time.Time { return time.Now().UTC() }
