package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/astro-dash/backend/internal/feed"
)

// Metrics are the engine's Prometheus collectors. One set is shared by every
// engine a Supervisor starts, so counters survive restarts.
type Metrics struct {
	EventsReceived  prometheus.Counter
	EventsDuplicate prometheus.Counter
	EventsMalformed prometheus.Counter
	Reductions      prometheus.Counter
	ReductionFaults prometheus.Counter
	LogEntries      prometheus.Gauge
	FeedReconnects  prometheus.Counter
	ConnectionState prometheus.Gauge
	SubscriberDrops *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "astro", Subsystem: "engine", Name: "events_received_total",
			Help: "Events delivered by the feed, before deduplication.",
		}),
		EventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "astro", Subsystem: "engine", Name: "events_duplicate_total",
			Help: "Events discarded as repeats within the dedup window.",
		}),
		EventsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "astro", Subsystem: "engine", Name: "events_malformed_total",
			Help: "Feed frames that could not be decoded.",
		}),
		Reductions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "astro", Subsystem: "engine", Name: "reductions_total",
			Help: "Completed snapshot reductions.",
		}),
		ReductionFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "astro", Subsystem: "engine", Name: "reduction_faults_total",
			Help: "Reductions or classifications that panicked.",
		}),
		LogEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "astro", Subsystem: "engine", Name: "log_entries",
			Help: "Entries currently held in the event log.",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "astro", Subsystem: "feed", Name: "reconnects_total",
			Help: "Successful connections after the first one.",
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "astro", Subsystem: "feed", Name: "connection_state",
			Help: "Feed state: 0 disconnected, 1 connecting, 2 connected, 3 stale, 4 reconnecting, 5 failed.",
		}),
		SubscriberDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "astro", Subsystem: "engine", Name: "subscriber_drops_total",
			Help: "Deliveries dropped because a subscriber queue was full.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsReceived, m.EventsDuplicate, m.EventsMalformed,
			m.Reductions, m.ReductionFaults, m.LogEntries,
			m.FeedReconnects, m.ConnectionState, m.SubscriberDrops,
		)
	}
	return m
}

func (m *Metrics) observeState(st feed.Status) {
	m.ConnectionState.Set(float64(st.State))
}
