package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors and the lightweight atomic
// counters served by the stats endpoint. Each gateway instance owns its own
// registry so tests can run several instances side by side.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	ConnectionsFailed *prometheus.CounterVec
	MessagesIn        prometheus.Counter
	MessagesOut       prometheus.Counter
	RateLimitedTotal  *prometheus.CounterVec
	BroadcastsTotal   *prometheus.CounterVec
	BroadcastDropped  *prometheus.CounterVec
	BusPublishedTotal prometheus.Counter
	BusRelayedTotal   prometheus.Counter
	BusStatus         prometheus.Gauge
	SessionsEvicted   prometheus.Counter
	AuthFailuresTotal prometheus.Counter
	DeliveryLatency   prometheus.Histogram

	stats Stats
}

// Stats holds hot-path counters read by the stats endpoint without touching
// the Prometheus registry.
type Stats struct {
	StartTime       time.Time
	MessagesIn      int64
	MessagesOut     int64
	RateLimited     int64
	DroppedFrames   int64
	BusPublished    int64
	BusRelayed      int64
	SessionsEvicted int64
}

// New creates a Metrics instance with a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gw_connections_total",
			Help: "Total number of WebSocket connections established",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gw_connections_active",
			Help: "Current number of active sessions",
		}),
		ConnectionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gw_connections_failed_total",
			Help: "Rejected connection attempts by reason",
		}, []string{"reason"}),
		MessagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gw_messages_in_total",
			Help: "Total frames received from clients",
		}),
		MessagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gw_messages_out_total",
			Help: "Total frames sent to clients",
		}),
		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gw_rate_limited_total",
			Help: "Rate limit denials by key class",
		}, []string{"class"}),
		BroadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gw_broadcasts_total",
			Help: "Broadcast operations by scope",
		}, []string{"scope"}),
		BroadcastDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gw_broadcast_dropped_total",
			Help: "Per-target delivery failures during fan-out",
		}, []string{"reason"}),
		BusPublishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gw_bus_published_total",
			Help: "Messages published to the scaling backend",
		}),
		BusRelayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gw_bus_relayed_total",
			Help: "Messages relayed from the scaling backend into local fan-out",
		}),
		BusStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gw_bus_connected",
			Help: "Scaling backend connectivity (1 = connected, 0 = degraded)",
		}),
		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gw_sessions_evicted_total",
			Help: "Sessions evicted for missed heartbeats",
		}),
		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gw_auth_failures_total",
			Help: "Failed authentication attempts",
		}),
		DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gw_local_fanout_seconds",
			Help:    "Duration of local fan-out per broadcast",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}),
		stats: Stats{StartTime: time.Now()},
	}

	m.Registry.MustRegister(
		m.ConnectionsTotal, m.ConnectionsActive, m.ConnectionsFailed,
		m.MessagesIn, m.MessagesOut, m.RateLimitedTotal,
		m.BroadcastsTotal, m.BroadcastDropped,
		m.BusPublishedTotal, m.BusRelayedTotal, m.BusStatus,
		m.SessionsEvicted, m.AuthFailuresTotal, m.DeliveryLatency,
	)

	return m
}

func (m *Metrics) RecordMessageIn() {
	m.MessagesIn.Inc()
	atomic.AddInt64(&m.stats.MessagesIn, 1)
}

func (m *Metrics) RecordMessageOut() {
	m.MessagesOut.Inc()
	atomic.AddInt64(&m.stats.MessagesOut, 1)
}

func (m *Metrics) RecordRateLimited(class string) {
	m.RateLimitedTotal.WithLabelValues(class).Inc()
	atomic.AddInt64(&m.stats.RateLimited, 1)
}

func (m *Metrics) RecordDroppedFrame(reason string) {
	m.BroadcastDropped.WithLabelValues(reason).Inc()
	atomic.AddInt64(&m.stats.DroppedFrames, 1)
}

func (m *Metrics) RecordBusPublished() {
	m.BusPublishedTotal.Inc()
	atomic.AddInt64(&m.stats.BusPublished, 1)
}

func (m *Metrics) RecordBusRelayed() {
	m.BusRelayedTotal.Inc()
	atomic.AddInt64(&m.stats.BusRelayed, 1)
}

func (m *Metrics) RecordEviction() {
	m.SessionsEvicted.Inc()
	atomic.AddInt64(&m.stats.SessionsEvicted, 1)
}

// Snapshot returns a copy of the atomic counters for the stats endpoint.
func (m *Metrics) Snapshot() Stats {
	return Stats{
		StartTime:       m.stats.StartTime,
		MessagesIn:      atomic.LoadInt64(&m.stats.MessagesIn),
		MessagesOut:     atomic.LoadInt64(&m.stats.MessagesOut),
		RateLimited:     atomic.LoadInt64(&m.stats.RateLimited),
		DroppedFrames:   atomic.LoadInt64(&m.stats.DroppedFrames),
		BusPublished:    atomic.LoadInt64(&m.stats.BusPublished),
		BusRelayed:      atomic.LoadInt64(&m.stats.BusRelayed),
		SessionsEvicted: atomic.LoadInt64(&m.stats.SessionsEvicted),
	}
}
