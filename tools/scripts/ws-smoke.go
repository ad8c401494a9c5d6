// Package main provides a CI-friendly WebSocket smoke test for the relay.
//
// It validates:
//   - handshake + connection_established admission notice
//   - fanout to a second client on the same channel
//   - sender exclusion (A never sees its own message)
//   - delivery metadata (original_sender_id, broadcast_id)
//   - ping -> pong round trip
//   - channel isolation (a third client on another channel sees nothing)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/kristzz/kursadarbs/wire/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name   string
	conn   *websocket.Conn
	connID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:6001", "Relay base URL (channel is appended as the path)")
		origin  = flag.String("origin", "http://localhost:3000", "Origin header to send (browser-like WS handshake)")
		channel = flag.String("channel", "smoke-room-1", "Channel to connect to")
		token   = flag.String("token", "development_token", "Auth token passed as ?token=")
		event   = flag.String("event", "new_message", "Event name to broadcast")
		text    = flag.String("text", "hello relay", "Message content to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *channel, *token, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *channel, *token, *origin, *timeout)
	defer closeWS(b.conn)

	c := mustConnect(root, "C", *wsURL, *channel+"-other", *token, *origin, *timeout)
	defer closeWS(c.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s C=%s origin=%q\n", a.connID, b.connID, c.connID, *origin)
	}

	payload := mustJSON(map[string]string{"content": *text})
	mustWriteWithTimeout(root, a.conn, v1.Message{Event: *event, Data: payload}, *timeout)

	env := b.mustReadUntilEvent(root, *event, *timeout)
	assertMeta(env, *channel, a.connID)

	var got map[string]string
	if err := json.Unmarshal(env.Data, &got); err != nil {
		fatalf("unmarshal fanout payload (B): %v", err)
	}
	if got["content"] != *text {
		fatalf("fanout content mismatch (B): got=%q want=%q", got["content"], *text)
	}

	mustAssertNoEvent(root, a, *event, 1200*time.Millisecond)
	mustAssertNoEvent(root, c, *event, 1200*time.Millisecond)

	pingData := mustJSON(map[string]time.Time{"timestamp": time.Now().UTC()})
	mustWriteWithTimeout(root, a.conn, v1.Message{Event: v1.EventPing, Data: pingData}, *timeout)

	pong := a.mustReadUntilEvent(root, v1.EventPong, *timeout)
	var pp v1.PongData
	if err := json.Unmarshal(pong.Data, &pp); err != nil {
		fatalf("unmarshal pong payload (A): %v", err)
	}
	if pp.ConnectionID != a.connID {
		fatalf("pong connection_id mismatch (A): got=%q want=%q", pp.ConnectionID, a.connID)
	}
	if pp.ServerTime.IsZero() {
		fatalf("pong server_time missing/zero (A)")
	}

	fmt.Printf("OK: A=%s B=%s channel=%s event=%s\n", a.connID, b.connID, *channel, *event)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, channel, token, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	u := wsURL + "/" + url.PathEscape(channel)
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}

	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: h})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	est := c.mustReadUntilEvent(parent, v1.EventConnectionEstablished, stepTimeout)

	var p v1.EstablishedData
	if err := json.Unmarshal(est.Data, &p); err != nil {
		fatalf("unmarshal connection_established payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("connection_established missing connection_id (%s)", name)
	}
	if p.Channel != channel {
		fatalf("connection_established channel mismatch (%s): got=%q want=%q", name, p.Channel, channel)
	}
	c.connID = p.ConnectionID

	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func assertMeta(env v1.Envelope, channel, senderID string) {
	if env.Meta == nil {
		fatalf("fanout envelope missing meta")
	}
	if env.Meta.Channel != channel {
		fatalf("meta channel mismatch: got=%q want=%q", env.Meta.Channel, channel)
	}
	if env.Meta.OriginalSenderID != senderID {
		fatalf("meta original_sender_id mismatch: got=%q want=%q", env.Meta.OriginalSenderID, senderID)
	}
	if strings.TrimSpace(env.Meta.BroadcastID) == "" {
		fatalf("meta missing broadcast_id")
	}
	if env.Meta.Timestamp.IsZero() {
		fatalf("meta timestamp missing/zero")
	}
}

func mustAssertNoEvent(parent context.Context, c *smokeClient, forbidden string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Event == v1.EventError {
				var ep v1.ErrorData
				_ = json.Unmarshal(env.Data, &ep)
				fatalf("server error (%s): msg=%q detail=%q", c.name, ep.Message, ep.Detail)
			}
			if env.Event == forbidden {
				fatalf("unexpected %s received (%s)", forbidden, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilEvent(parent context.Context, wantEvent string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantEvent, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantEvent, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantEvent, c.name)
			}
			if env.Event == wantEvent {
				return env
			}
			if env.Event == v1.EventError {
				var ep v1.ErrorData
				_ = json.Unmarshal(env.Data, &ep)
				fatalf("server error (%s): msg=%q detail=%q", c.name, ep.Message, ep.Detail)
			}
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, msg v1.Message, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(msg)
	if err != nil {
		fatalf("marshal message: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
