// Package client implements the relay connection manager consumed by
// frontends and tools: one connection per logical channel, message queuing
// while disconnected with in-order replay on reconnect, exponential backoff
// retries, and connection-state change notifications.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	wire "github.com/kristzz/kursadarbs/wire/v1"
)

// State is the manager's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// GivenUp is terminal: the retry budget is exhausted. A fresh Connect
	// call resets it.
	GivenUp
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case GivenUp:
		return "given_up"
	default:
		return "unknown"
	}
}

// Options configures a Manager. Zero values use the defaults below.
type Options struct {
	// URL is the relay base URL, e.g. "ws://localhost:6001".
	URL string

	// Origin, when set, is sent as the Origin header on the handshake.
	Origin string

	BackoffBase   time.Duration // default 3s
	BackoffGrowth float64       // default 1.5
	BackoffCap    time.Duration // default 30s
	MaxRetries    int           // default 5

	// PingInterval is the application-level keepalive period.
	// Zero uses the default (25s); negative disables keepalives.
	PingInterval time.Duration

	WriteTimeout time.Duration // default 5s

	Log *slog.Logger
}

const (
	defaultBackoffBase   = 3 * time.Second
	defaultBackoffGrowth = 1.5
	defaultBackoffCap    = 30 * time.Second
	defaultMaxRetries    = 5
	defaultPingInterval  = 25 * time.Second
	defaultWriteTimeout  = 5 * time.Second
)

// pendingMessage is a send captured while disconnected, replayed FIFO on
// reconnect.
type pendingMessage struct {
	Event string
	Data  json.RawMessage
}

// Manager maintains one logical relay connection.
//
// All exported methods are safe for concurrent use.
type Manager struct {
	opts Options
	log  *slog.Logger

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	connCtx      context.Context
	connCancel   context.CancelFunc
	rootCtx      context.Context
	channel      string
	token        string
	connectionID string
	attempts     int
	pending      []pendingMessage
	reconnectT   *time.Timer
	gen          int // connection generation, guards stale goroutine callbacks

	listenersMu  sync.Mutex
	listeners    map[string]map[int]func(wire.Envelope)
	stateLs      map[int]func(bool)
	nextListener int
}

// New constructs a Manager. Connect must be called to establish a connection.
func New(opts Options) *Manager {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffGrowth <= 1 {
		opts.BackoffGrowth = defaultBackoffGrowth
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = defaultBackoffCap
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		opts:      opts,
		log:       log,
		listeners: make(map[string]map[int]func(wire.Envelope)),
		stateLs:   make(map[int]func(bool)),
	}
}

// Connect establishes a connection for the given channel. If an attempt is
// already in flight the call is a no-op: duplicate sockets must never race
// for the same channel. The dial itself runs asynchronously; observe the
// outcome via OnConnectionChange.
//
// ctx bounds the whole connection lifetime including retries.
func (m *Manager) Connect(ctx context.Context, channel, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Connecting {
		m.log.Debug("client.connect.in_flight")
		return
	}

	// Changing channel requires a full reconnect; an in-place channel
	// mutation on a live connection is never allowed.
	if m.conn != nil {
		m.teardownLocked(websocket.StatusNormalClosure, "reconnect")
	}

	m.rootCtx = ctx
	m.channel = channel
	m.token = token
	if m.state == GivenUp {
		m.attempts = 0
	}
	m.state = Connecting
	m.gen++

	go m.dial(ctx, m.gen)
}

// Disconnect tears the connection down and clears all queued messages and
// reconnect timers. Listeners stay registered.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.teardownLocked(websocket.StatusNormalClosure, "bye")
	m.state = Disconnected
	m.channel = ""
	m.token = ""
	m.pending = nil
	m.attempts = 0
	m.gen++
}

// Switch tears down the current connection and reconnects to a different
// channel, consistent with the relay's one-channel-per-connection rule.
func (m *Manager) Switch(ctx context.Context, channel, token string) {
	m.mu.Lock()
	if m.channel == channel && m.state == Connected {
		m.mu.Unlock()
		return
	}
	m.teardownLocked(websocket.StatusNormalClosure, "channel switch")
	m.state = Disconnected
	m.gen++
	m.mu.Unlock()

	m.Connect(ctx, channel, token)
}

// Send transmits immediately when connected; otherwise the message is queued
// as pending and a connect attempt is triggered. Returns whether the message
// was transmitted immediately (false means queued).
func (m *Manager) Send(event string, data any) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		m.log.Error("client.send.marshal", "event", event, "err", err)
		return false
	}

	m.mu.Lock()
	if m.state == Connected && m.conn != nil {
		conn := m.conn
		ctx := m.connCtx
		m.mu.Unlock()
		if err := m.write(ctx, conn, wire.Message{Event: event, Data: raw}); err != nil {
			m.log.Info("client.send.fail", "event", event, "err", err)
			return false
		}
		return true
	}

	m.pending = append(m.pending, pendingMessage{Event: event, Data: raw})
	queued := len(m.pending)
	channel, token := m.channel, m.token
	ctx := m.rootCtx
	shouldDial := m.state != Connecting && channel != ""
	m.mu.Unlock()

	m.log.Debug("client.send.queued", "event", event, "pending", queued)

	if shouldDial && ctx != nil {
		m.Connect(ctx, channel, token)
	}
	return false
}

// SetOnline feeds browser-level network signals into the manager: online
// triggers an immediate reconnect attempt, offline is informational only
// (the transport's own close event drives disconnection).
func (m *Manager) SetOnline(online bool) {
	if !online {
		m.log.Debug("client.offline")
		return
	}

	m.mu.Lock()
	channel, token := m.channel, m.token
	ctx := m.rootCtx
	ready := m.state != Connecting && m.state != Connected && channel != ""
	m.mu.Unlock()

	if ready && ctx != nil {
		m.log.Info("client.online.reconnect")
		m.Connect(ctx, channel, token)
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectionID returns the id assigned by the relay on admission, learned
// from the connection_established envelope. Callers compare it against
// Envelope.Meta.OriginalSenderID to recognize their own messages.
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectionID
}

// PendingCount returns how many messages are queued for replay.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Channel returns the current target channel.
func (m *Manager) Channel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel
}

// ---- dial / lifecycle ----

func (m *Manager) dial(ctx context.Context, gen int) {
	m.mu.Lock()
	channel, token := m.channel, m.token
	m.mu.Unlock()

	u := m.opts.URL + "/" + url.PathEscape(channel)
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	dopts := &websocket.DialOptions{}
	if m.opts.Origin != "" {
		dopts.HTTPHeader = http.Header{"Origin": []string{m.opts.Origin}}
	}

	conn, resp, err := websocket.Dial(dialCtx, u, dopts)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		m.log.Info("client.dial.fail", "channel", channel, "err", err)
		m.onClosed(gen, -1, err)
		return
	}

	connCtx, connCancel := context.WithCancel(ctx)

	m.mu.Lock()
	if gen != m.gen {
		// A Disconnect or newer Connect raced us; this socket is stale.
		m.mu.Unlock()
		connCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "stale")
		return
	}
	m.conn = conn
	m.connCtx = connCtx
	m.connCancel = connCancel
	m.state = Connected
	m.attempts = 0
	replay := m.pending
	m.pending = nil
	m.mu.Unlock()

	m.log.Info("client.connected", "channel", channel)
	m.notifyState(true)

	// Replay the pending queue in FIFO order before anything else. A message
	// is discarded only once its write succeeded; on failure the whole unsent
	// remainder goes back to the front of the queue for the next connection.
	for i, p := range replay {
		if err := m.write(connCtx, conn, wire.Message{Event: p.Event, Data: p.Data}); err != nil {
			m.log.Info("client.replay.fail", "event", p.Event, "unsent", len(replay)-i, "err", err)
			m.requeueFront(replay[i:])
			break
		}
	}

	go m.readLoop(connCtx, conn, gen)
	if m.opts.PingInterval > 0 {
		go m.keepalive(connCtx, conn)
	}
}

func (m *Manager) requeueFront(rest []pendingMessage) {
	m.mu.Lock()
	m.pending = append(append([]pendingMessage{}, rest...), m.pending...)
	m.mu.Unlock()
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			code := int(websocket.CloseStatus(err))
			m.onClosed(gen, code, err)
			return
		}

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.log.Info("client.message.bad_json", "err", err)
			continue
		}

		if env.Event == wire.EventConnectionEstablished {
			var est wire.EstablishedData
			if err := json.Unmarshal(env.Data, &est); err == nil {
				m.mu.Lock()
				m.connectionID = est.ConnectionID
				m.mu.Unlock()
			}
		}

		m.dispatch(env)
	}
}

// keepalive sends application-level pings so intermediary proxies do not
// idle the connection out.
func (m *Manager) keepalive(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(m.opts.PingInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ts := <-t.C:
			raw, _ := json.Marshal(map[string]any{"timestamp": ts.UTC()})
			if err := m.write(ctx, conn, wire.Message{Event: wire.EventPing, Data: raw}); err != nil {
				return
			}
		}
	}
}

// onClosed handles transport close for generation gen. Stale generations
// (already superseded by Disconnect or a newer Connect) are ignored.
func (m *Manager) onClosed(gen, code int, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	m.teardownLocked(websocket.StatusNormalClosure, "closed")
	m.state = Disconnected

	// Auth-flavored closes invalidate the credential: the caller must mint
	// a fresh one before the next attempt succeeds.
	if code == int(websocket.StatusPolicyViolation) || code == int(websocket.StatusInternalError) {
		m.log.Info("client.close.auth", "code", code)
		m.token = ""
	}

	abnormal := code == int(websocket.StatusAbnormalClosure) && m.attempts == 0

	if m.attempts >= m.opts.MaxRetries {
		m.state = GivenUp
		m.mu.Unlock()
		m.log.Error("client.retries.exhausted", "attempts", m.opts.MaxRetries, "err", cause)
		m.notifyState(false)
		return
	}

	m.attempts++
	attempt := m.attempts
	channel := m.channel
	g := m.gen

	var delay time.Duration
	if abnormal {
		// Abnormal closures are likely transient: retry once immediately
		// before falling back to the backoff schedule.
		delay = 500 * time.Millisecond
	} else {
		delay = backoffDelay(attempt, m.opts.BackoffBase, m.opts.BackoffGrowth, m.opts.BackoffCap)
	}

	m.reconnectT = time.AfterFunc(delay, func() {
		m.retry(g)
	})
	m.mu.Unlock()

	m.log.Info("client.reconnect.scheduled",
		"channel", channel,
		"attempt", attempt,
		"max", m.opts.MaxRetries,
		"delay", delay,
		"err", cause,
	)

	m.notifyState(false)
}

// retry fires a scheduled reconnect if the manager state still expects it.
func (m *Manager) retry(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.state == Connected || m.state == Connecting || m.channel == "" {
		m.mu.Unlock()
		return
	}
	ctx := m.rootCtx
	if ctx == nil || ctx.Err() != nil {
		// The lifetime context died while this retry was pending. Stay
		// Disconnected so a fresh Connect is not blocked by the
		// in-flight guard.
		m.state = Disconnected
		m.mu.Unlock()
		return
	}
	m.state = Connecting
	m.gen++
	g := m.gen
	m.mu.Unlock()

	m.dial(ctx, g)
}

// teardownLocked closes the live socket and stops timers. Callers hold m.mu.
func (m *Manager) teardownLocked(code websocket.StatusCode, reason string) {
	if m.reconnectT != nil {
		m.reconnectT.Stop()
		m.reconnectT = nil
	}
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close(code, reason)
		m.conn = nil
	}
	m.connectionID = ""
}

func (m *Manager) write(ctx context.Context, conn *websocket.Conn, msg wire.Message) error {
	if ctx == nil {
		return errors.New("no connection context")
	}
	wctx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	defer cancel()

	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(wctx, websocket.MessageText, b)
}
