package relay

import (
	"log/slog"
	"sync"
)

// Registry owns the live connection set, grouped by channel name.
//
// It is the only shared mutable resource in the relay: the accept path adds,
// the close and eviction paths remove, the broadcast path and heartbeat sweep
// iterate. All access goes through this synchronized interface; no caller
// holds a raw reference to the set.
//
// Channels are derived: a channel is just the connections sharing a channel
// name, so none exists before its first connection and the last Remove makes
// it disappear with no explicit teardown.
type Registry struct {
	log *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:   log,
		conns: make(map[string]*Conn),
	}
}

// Add tracks an admitted connection. Called exactly once per connection,
// after authentication succeeds and the transport handshake completes.
func (r *Registry) Add(c *Conn) {
	if c == nil || c.ID == "" {
		return
	}

	r.mu.Lock()
	r.conns[c.ID] = c
	total := len(r.conns)
	r.mu.Unlock()

	metricConnections.Inc()
	r.log.Info("registry.add", "conn_id", c.ID, "channel", c.Channel, "subject", c.Identity.Subject, "total", total)
}

// Remove untracks a connection and signals its shutdown.
// Idempotent: removing an id twice, or an id never added, is a no-op.
// Returns whether the id was present.
func (r *Registry) Remove(id string) bool {
	if id == "" {
		return false
	}

	r.mu.Lock()
	c, ok := r.conns[id]
	delete(r.conns, id)
	total := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return false
	}

	// Signal shutdown after removal so broadcasters iterating concurrently
	// never observe a tracked connection with torn-down goroutines.
	c.Close()

	metricConnections.Dec()
	r.log.Info("registry.remove", "conn_id", id, "channel", c.Channel, "total", total)
	return true
}

// ForEachInChannel calls fn for every connection in the named channel.
// The membership view is taken at call time; fn runs outside the registry
// lock so callbacks may themselves call Remove.
func (r *Registry) ForEachInChannel(channel string, fn func(*Conn)) {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if c.Channel == channel {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		fn(c)
	}
}

// ForEach calls fn for every live connection (heartbeat sweep).
// Same locking contract as ForEachInChannel.
func (r *Registry) ForEach(fn func(*Conn)) {
	r.mu.RLock()
	all := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		all = append(all, c)
	}
	r.mu.RUnlock()

	for _, c := range all {
		fn(c)
	}
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountInChannel returns the number of live connections in the named channel.
func (r *Registry) CountInChannel(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, c := range r.conns {
		if c.Channel == channel {
			n++
		}
	}
	return n
}
