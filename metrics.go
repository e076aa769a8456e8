package chatsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// EventsApplied counts inbound events by name and outcome
	// (applied, skipped, ignored, invalid).
	EventsApplied *prometheus.CounterVec

	// Mutations counts optimistic mutations by kind and outcome
	// (confirmed, rejected, timeout, failed).
	Mutations *prometheus.CounterVec

	// MutationDuration tracks the time from emit to ack.
	MutationDuration *prometheus.HistogramVec

	// RoomRequests counts join and leave requests.
	RoomRequests *prometheus.CounterVec

	// ProfileLookups counts profile lookups by result (hit, fetch, error).
	ProfileLookups *prometheus.CounterVec

	// VisibleConversations is the size of the visible projection.
	VisibleConversations prometheus.Gauge

	// TransportState is 1 while the transport is connected.
	TransportState prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		EventsApplied: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_events_total",
				Help: "Total number of inbound conversation events by outcome",
			},
			[]string{"event", "outcome"},
		),
		Mutations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_mutations_total",
				Help: "Total number of optimistic mutations by outcome",
			},
			[]string{"kind", "outcome"},
		),
		MutationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatsync_mutation_duration_seconds",
				Help:    "Time from emitting a mutation to its acknowledgement",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"kind"},
		),
		RoomRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_room_requests_total",
				Help: "Total number of room join and leave requests",
			},
			[]string{"event"},
		),
		ProfileLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_profile_lookups_total",
				Help: "Total number of profile lookups by result",
			},
			[]string{"result"},
		),
		VisibleConversations: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatsync_visible_conversations",
				Help: "Number of conversations in the visible list",
			},
		),
		TransportState: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatsync_transport_connected",
				Help: "1 while the realtime transport is connected",
			},
		),
	}
}

func (m *Metrics) event(name, outcome string) {
	if m == nil {
		return
	}
	m.EventsApplied.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) mutation(kind, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(kind, outcome).Inc()
	m.MutationDuration.WithLabelValues(kind).Observe(took.Seconds())
}

func (m *Metrics) roomRequest(event string) {
	if m == nil {
		return
	}
	m.RoomRequests.WithLabelValues(event).Inc()
}

func (m *Metrics) profileLookup(result string) {
	if m == nil {
		return
	}
	m.ProfileLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) visible(n int) {
	if m == nil {
		return
	}
	m.VisibleConversations.Set(float64(n))
}

func (m *Metrics) connected(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.TransportState.Set(1)
	} else {
		m.TransportState.Set(0)
	}
}
