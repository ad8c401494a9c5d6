// Package v1 defines the relay wire protocol v1.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server and clients to keep the wire format authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Reserved event names (wire-stable).
const (
	// EventPing is a client keepalive probe (client -> server).
	EventPing = "ping"
	// EventPong answers a ping (server -> client).
	EventPong = "pong"
	// EventConnectionEstablished is the admission notice sent right after a
	// successful handshake (server -> client).
	EventConnectionEstablished = "connection_established"
	// EventError reports a malformed or unprocessable inbound message
	// (server -> offending client only).
	EventError = "error"
)

// Message is the inbound wire form: every client-originated frame is one of these.
// Data is kept opaque; the relay routes events it does not understand unchanged.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Validate performs structural validation for an inbound Message.
// Unknown event names are valid: the relay forwards them opaquely.
func (m Message) Validate() error {
	if strings.TrimSpace(m.Event) == "" {
		return errors.New("missing field: event")
	}
	return nil
}

// Reserved reports whether the event name is reserved for relay control traffic.
// Reserved events are never fanned out to channel peers.
func (m Message) Reserved() bool {
	switch m.Event {
	case EventPing, EventPong, EventConnectionEstablished, EventError:
		return true
	default:
		return false
	}
}

// Meta is the delivery metadata attached to every fanned-out envelope.
// Clients use OriginalSenderID to recognize their own messages seen through
// other delivery paths and BroadcastID to deduplicate redundant deliveries.
type Meta struct {
	Timestamp        time.Time `json:"timestamp"`
	Channel          string    `json:"channel"`
	OriginalSenderID string    `json:"original_sender_id"`
	BroadcastID      string    `json:"broadcast_id"`
}

// Envelope is the outbound wire form: the original event/data plus delivery
// metadata. Direct replies (pong, error, connection_established) carry no Meta.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  *Meta           `json:"meta,omitempty"`
}

// EstablishedData is the payload of a connection_established envelope.
type EstablishedData struct {
	Channel           string    `json:"channel"`
	ConnectionID      string    `json:"connection_id"`
	Timestamp         time.Time `json:"timestamp"`
	Environment       string    `json:"environment,omitempty"`
	ActiveConnections int       `json:"active_connections"`
}

// PongData is the payload of a pong envelope.
type PongData struct {
	Timestamp    time.Time `json:"timestamp"`
	ServerTime   time.Time `json:"server_time"`
	ConnectionID string    `json:"connection_id"`
}

// ErrorData is the payload of an error envelope.
type ErrorData struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}
