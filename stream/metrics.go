package stream

import (
	"time"

	"github.com/m-mizutani/spanwatch/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics observes the transport. Implementations must be safe for
// concurrent use.
type Metrics interface {
	EventReceived(kind event.Type)
	EventDropped(reason string)
	EventDelivered(latency time.Duration)
	Reconnect(attempt int)
	StateChanged(s State)
}

// Drop reasons reported to Metrics.
const (
	DropMalformed = "malformed"
	DropNoise     = "noise"
	DropStale     = "stale"
	DropOversized = "oversized"
)

type nopMetrics struct{}

func (nopMetrics) EventReceived(event.Type)     {}
func (nopMetrics) EventDropped(string)          {}
func (nopMetrics) EventDelivered(time.Duration) {}
func (nopMetrics) Reconnect(int)                {}
func (nopMetrics) StateChanged(State)           {}

// PromMetrics exports transport metrics to Prometheus.
type PromMetrics struct {
	Received   *prometheus.CounterVec
	Dropped    *prometheus.CounterVec
	Latency    prometheus.Histogram
	Reconnects prometheus.Counter
	Connected  prometheus.Gauge
}

// NewPromMetrics registers the transport metrics on reg.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	f := promauto.With(reg)
	return &PromMetrics{
		Received: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spanwatch_stream_events_total",
			Help: "Events parsed from the project stream",
		}, []string{"type"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spanwatch_stream_dropped_total",
			Help: "Stream messages dropped before fan-out",
		}, []string{"reason"}),
		Latency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "spanwatch_stream_delivery_latency_seconds",
			Help:    "Delay between parsing an event and delivering it to subscribers",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "spanwatch_stream_reconnects_total",
			Help: "Reconnect attempts scheduled after a transport failure",
		}),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "spanwatch_stream_connected",
			Help: "1 while the project stream is open",
		}),
	}
}

func (m *PromMetrics) EventReceived(kind event.Type) {
	m.Received.WithLabelValues(string(kind)).Inc()
}

func (m *PromMetrics) EventDropped(reason string) {
	m.Dropped.WithLabelValues(reason).Inc()
}

func (m *PromMetrics) EventDelivered(latency time.Duration) {
	m.Latency.Observe(latency.Seconds())
}

func (m *PromMetrics) Reconnect(int) {
	m.Reconnects.Inc()
}

func (m *PromMetrics) StateChanged(s State) {
	if s.IsConnected {
		m.Connected.Set(1)
		return
	}
	m.Connected.Set(0)
}
