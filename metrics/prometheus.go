package metrics

import (
	"time"

	"github.com/glimte/mchat-go/messaging"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mchat"

// Collector records session metrics in Prometheus
type Collector struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	pending         prometheus.Gauge
	dispatched      *prometheus.CounterVec
	connection      *prometheus.CounterVec
}

var _ messaging.MetricsCollector = (*Collector)(nil)

// NewCollector creates the metrics and registers them with reg
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of finished requests by action and outcome",
		}, []string{"action", "outcome"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from publish to response in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"action"}),

		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests waiting for a response",
		}),

		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_messages_total",
			Help:      "Inbound messages by route",
		}, []string{"route"}),

		connection: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Connection lifecycle events",
		}, []string{"event"}),
	}

	for _, col := range []prometheus.Collector{c.requests, c.requestDuration, c.pending, c.dispatched, c.connection} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RecordRequest implements messaging.MetricsCollector
func (c *Collector) RecordRequest(action string, outcome string, duration time.Duration) {
	c.requests.WithLabelValues(action, outcome).Inc()
	c.requestDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordDispatch implements messaging.MetricsCollector
func (c *Collector) RecordDispatch(route messaging.Route) {
	c.dispatched.WithLabelValues(route.String()).Inc()
}

// SetPending implements messaging.MetricsCollector
func (c *Collector) SetPending(n int) {
	c.pending.Set(float64(n))
}

// RecordConnection implements messaging.MetricsCollector
func (c *Collector) RecordConnection(event string) {
	c.connection.WithLabelValues(event).Inc()
}
