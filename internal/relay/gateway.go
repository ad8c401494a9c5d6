package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kristzz/kursadarbs/internal/auth"
	wire "github.com/kristzz/kursadarbs/wire/v1"
)

// Options tunes gateway behavior. Zero values fall back to the defaults in
// limits.go.
type Options struct {
	Environment    string
	AllowedOrigins []string

	// DevInsecure disables TLS origin verification in websocket.Accept.
	// Development only.
	DevInsecure bool

	SendQueueSize int
	WriteTimeout  time.Duration
	MaxFrameBytes int64
}

// Gateway is the WebSocket entrypoint of the relay.
//
// It authenticates the handshake out-of-band from the REST API, derives the
// channel name from the URL path, registers the connection, sends the
// admission notice, and runs the per-connection read and write loops.
type Gateway struct {
	log      *slog.Logger
	authn    *auth.Authenticator
	registry *Registry
	router   *Router

	originPatterns []string
	devInsecure    bool

	sendQueueSize int
	writeTimeout  time.Duration
	maxFrameBytes int64
}

// NewGateway constructs a Gateway. The registry and router are injected, not
// globally imported: the gateway shares them with the heartbeat monitor.
func NewGateway(log *slog.Logger, authn *auth.Authenticator, registry *Registry, router *Router, opts Options) *Gateway {
	if log == nil {
		log = slog.Default()
	}

	g := &Gateway{
		log:      log,
		authn:    authn,
		registry: registry,
		router:   router,

		originPatterns: deriveOriginPatterns(opts.AllowedOrigins),
		devInsecure:    opts.DevInsecure,

		sendQueueSize: opts.SendQueueSize,
		writeTimeout:  opts.WriteTimeout,
		maxFrameBytes: opts.MaxFrameBytes,
	}

	if g.sendQueueSize < minSendQueueSize {
		g.sendQueueSize = defaultSendQueueSize
	}
	if g.writeTimeout <= 0 {
		g.writeTimeout = defaultWriteTimeout
	}
	if g.maxFrameBytes <= 0 {
		g.maxFrameBytes = maxFrameBytes
	}

	return g
}

// ServeHTTP upgrades an HTTP request to a WebSocket session and runs the
// relay loop. The channel name is taken verbatim from the URL path.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channel := strings.Trim(r.URL.Path, "/")
	if channel == "" {
		http.Error(w, "channel required", http.StatusBadRequest)
		return
	}

	identity, err := g.authn.Authenticate(r.Context(), r)
	if err != nil {
		rej := &auth.Rejection{Status: http.StatusInternalServerError, Reason: "internal error"}
		errors.As(err, &rej)
		g.log.Info("ws.reject.auth", "channel", channel, "remote", r.RemoteAddr, "status", rej.Status, "reason", rej.Reason)
		metricRejections.WithLabelValues(rej.Reason).Inc()
		http.Error(w, rej.Reason, rej.Status)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "channel", channel, "err", err)
		return
	}

	ws.SetReadLimit(g.maxFrameBytes)

	conn := NewConn(NewID(now()), channel, identity, g.sendQueueSize)
	conn.SetTransport(ws.Ping, func() { _ = ws.CloseNow() })

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. Registry removal is synchronous with close
	// detection: the registry never tracks a connection whose transport is
	// closed.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.registry.Remove(conn.ID)
			conn.Close()
			_ = ws.Close(code, reason)
			cancel()
		})
	}

	g.registry.Add(conn)
	g.log.Info("ws.connect", "conn_id", conn.ID, "channel", channel, "subject", identity.Subject, "kind", identity.Kind)

	g.router.SendEstablished(conn)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				return
			case env := <-conn.Send:
				if err := writeEnvelope(ctx, ws, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", conn.ID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

readLoop:
	for {
		data, err := readFrame(ctx, ws)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				g.log.Info("ws.read.fail", "conn_id", conn.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		// Inbound messages on one connection are processed in receipt order.
		// A fault while handling one message is contained to this connection.
		g.handleMessage(conn, data)
	}

	shutdown(websocket.StatusNormalClosure, "bye")

	select {
	case <-writerDone:
	case <-time.After(closeGrace):
	}

	g.log.Info("ws.disconnect", "conn_id", conn.ID, "channel", channel)
}

// handleMessage routes one frame with a panic boundary: one connection's
// fault must never crash the process.
func (g *Gateway) handleMessage(conn *Conn, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("ws.handle.panic", "conn_id", conn.ID, "channel", conn.Channel, "panic", r)
		}
	}()

	g.router.HandleMessage(conn, data)
}

// ---- frame IO ----

func readFrame(ctx context.Context, ws *websocket.Conn) ([]byte, error) {
	mt, data, err := ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, errors.New("unsupported message type")
	}
	return data, nil
}

func writeEnvelope(parent context.Context, ws *websocket.Conn, env wire.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
