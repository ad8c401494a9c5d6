package client

import (
	wire "github.com/kristzz/kursadarbs/wire/v1"
)

// On registers a listener for envelopes with the given event name.
// The returned function unsubscribes it.
func (m *Manager) On(event string, fn func(wire.Envelope)) func() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()

	id := m.nextListener
	m.nextListener++

	set, ok := m.listeners[event]
	if !ok {
		set = make(map[int]func(wire.Envelope))
		m.listeners[event] = set
	}
	set[id] = fn

	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		delete(m.listeners[event], id)
	}
}

// OnConnectionChange registers a connection-state listener. It is invoked
// immediately with the current state, then on every transition. The returned
// function unsubscribes it.
func (m *Manager) OnConnectionChange(fn func(connected bool)) func() {
	m.listenersMu.Lock()
	id := m.nextListener
	m.nextListener++
	m.stateLs[id] = fn
	m.listenersMu.Unlock()

	fn(m.State() == Connected)

	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		delete(m.stateLs, id)
	}
}

func (m *Manager) dispatch(env wire.Envelope) {
	m.listenersMu.Lock()
	set := m.listeners[env.Event]
	fns := make([]func(wire.Envelope), 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	m.listenersMu.Unlock()

	for _, fn := range fns {
		fn(env)
	}
}

func (m *Manager) notifyState(connected bool) {
	m.listenersMu.Lock()
	fns := make([]func(bool), 0, len(m.stateLs))
	for _, fn := range m.stateLs {
		fns = append(fns, fn)
	}
	m.listenersMu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}
