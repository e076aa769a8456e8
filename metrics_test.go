package chatsync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.event("x", "applied")
		m.mutation(MutationPin, "confirmed", 0)
		m.roomRequest(RequestJoinRoom)
		m.profileLookup("hit")
		m.visible(3)
		m.connected(true)
	})
}

func TestEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	e, tr, _ := newTestEngine(t, Options{Metrics: m}, direct("A", "u1", 0), direct("B", "u2", 5))
	ctx := context.Background()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.TransportState))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.VisibleConversations))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.RoomRequests.WithLabelValues(RequestJoinRoom)))

	require.NoError(t, e.Pin(ctx, "A"))
	tr.setHandler(ack(`{"success":false}`))
	require.Error(t, e.Mute(ctx, "A", MuteAlways))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Mutations.WithLabelValues(MutationPin, "confirmed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Mutations.WithLabelValues(MutationMute, "rejected")))

	patch := json.RawMessage(`{"_id":"A","name":"x"}`)
	require.NoError(t, e.HandleEvent(ctx, EventConversationUpdate, patch))
	require.NoError(t, e.HandleEvent(ctx, EventConversationUpdate, patch))
	require.NoError(t, e.HandleEvent(ctx, "typing", json.RawMessage(`{}`)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsApplied.WithLabelValues(EventConversationUpdate, "applied")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsApplied.WithLabelValues(EventConversationUpdate, "skipped")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsApplied.WithLabelValues("typing", "ignored")))

	e.SetConnected(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.TransportState))
}

func TestNewMetricsRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) }, "duplicate registration")
}
