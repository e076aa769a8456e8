package chatsync

import (
	"context"
	"encoding/json"
)

// ============================================================================
// Transport
// ============================================================================

// Transport carries outbound requests to the server.
type Transport interface {
	// Request sends event with payload and waits for its acknowledgement.
	Request(ctx context.Context, event string, payload any) (json.RawMessage, error)
	// Send sends event without waiting for an acknowledgement.
	Send(ctx context.Context, event string, payload any) error
}

// EventSource is implemented by transports that push server events. The
// engine binds to it when its transport implements it.
type EventSource interface {
	OnEvent(h RealtimeEventHandler)
	OnStateChange(h func(RealtimeState))
}

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// RealtimeEnvelope is the wire format for server events and acknowledgements.
type RealtimeEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// Envelope types with transport-level meaning.
const (
	envelopeAck   = "ack"
	envelopePing  = "ping"
	envelopePong  = "pong"
	envelopeError = "error"
)
