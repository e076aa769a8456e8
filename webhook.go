package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookSignatureHeader carries the hex HMAC-SHA256 of the request body,
// optionally prefixed with "sha256=".
const WebhookSignatureHeader = "X-Chatsync-Signature"

const maxWebhookBody = 1 << 22

// WebhookEvent is one server event delivered by HTTP POST instead of a
// realtime connection.
type WebhookEvent struct {
	Event     string          `json:"event"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// EventSink consumes inbound events. *Engine implements it.
type EventSink interface {
	HandleEvent(ctx context.Context, name string, payload json.RawMessage) error
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies an HMAC-SHA256 body signature in constant
// time.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookEvent parses a raw webhook body.
func ParseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook body")
	}
	if len(ev.Payload) == 0 || string(ev.Payload) == "null" {
		return nil, fmt.Errorf("missing payload for event %s", ev.Event)
	}
	return &ev, nil
}

// ============================================================================
// EventWebhook
// ============================================================================

// EventWebhook verifies signed webhook deliveries and feeds them to a sink.
// It lets a deployment without a realtime connection still receive pushes.
type EventWebhook struct {
	secret string
	sink   EventSink
	log    zerolog.Logger
}

// NewEventWebhook creates a webhook receiver that forwards to sink.
func NewEventWebhook(secret string, sink EventSink, log zerolog.Logger) (*EventWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("webhook sink is required")
	}
	return &EventWebhook{secret: secret, sink: sink, log: log.With().Str("component", "webhook").Logger()}, nil
}

// Handle processes one delivery (verify + parse + forward) and returns the
// status code and response body for the caller to write.
func (w *EventWebhook) Handle(ctx context.Context, body []byte, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	ev, err := ParseWebhookEvent(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := w.sink.HandleEvent(ctx, ev.Event, ev.Payload); err != nil {
		w.log.Warn().Err(err).Str("event", ev.Event).Msg("Rejected webhook event")
		return http.StatusUnprocessableEntity, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := chatsync.NewEventWebhook(secret, engine, log)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *EventWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		defer r.Body.Close()
		body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxWebhookBody))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}

		status, data := w.Handle(r.Context(), body, r.Header.Get(WebhookSignatureHeader))
		writeJSON(rw, status, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
