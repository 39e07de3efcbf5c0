// Package metrics exposes RTES's Prometheus collectors: broker queue
// depth, live WebSocket connection count, execution-store write
// latency, HTTP request latency, and fanout messages dropped to a full
// subscriber buffer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector RTES registers.
type Metrics struct {
	// Broker metrics
	QueueDepth *prometheus.GaugeVec

	// WebSocket metrics
	WSConnectionsActive prometheus.Gauge
	FanoutDroppedTotal  *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Execution store metrics
	StoreWriteDuration *prometheus.HistogramVec
	StoreWritesTotal   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all collectors initialized.
func NewMetrics() *Metrics {
	return &Metrics{
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rtes_queue_depth",
				Help: "Current RabbitMQ queue depth by queue name",
			},
			[]string{"queue"},
		),
		WSConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rtes_ws_connections_active",
				Help: "Number of live /rt WebSocket connections",
			},
		),
		FanoutDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtes_fanout_dropped_total",
				Help: "Total number of fanout messages dropped because a subscriber's buffer was full",
			},
			[]string{"topic"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtes_http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rtes_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		StoreWriteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rtes_store_write_duration_seconds",
				Help:    "Execution store write duration in seconds by operation",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"operation"},
		),
		StoreWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtes_store_writes_total",
				Help: "Total number of execution store writes by operation and status",
			},
			[]string{"operation", "status"},
		),
	}
}

// Register registers all metrics with the provided registry.
func (m *Metrics) Register(registry *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		m.QueueDepth,
		m.WSConnectionsActive,
		m.FanoutDroppedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.StoreWriteDuration,
		m.StoreWritesTotal,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

// SetQueueDepth sets the current queue depth for a given queue.
func (m *Metrics) SetQueueDepth(queueName string, depth float64) {
	m.QueueDepth.WithLabelValues(queueName).Set(depth)
}

// IncWSConnections increments the live connection gauge.
func (m *Metrics) IncWSConnections() {
	m.WSConnectionsActive.Inc()
}

// DecWSConnections decrements the live connection gauge.
func (m *Metrics) DecWSConnections() {
	m.WSConnectionsActive.Dec()
}

// RecordFanoutDrop records one message dropped on a full subscriber
// buffer; wired to fanout.Bus.OnDrop.
func (m *Metrics) RecordFanoutDrop(topic string) {
	m.FanoutDroppedTotal.WithLabelValues(topic).Inc()
}

// RecordHTTPRequest records an HTTP request with method, path, status, and duration.
func (m *Metrics) RecordHTTPRequest(method, path, status string, durationSeconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// RecordStoreWrite records an execution store write's outcome and duration.
func (m *Metrics) RecordStoreWrite(operation, status string, durationSeconds float64) {
	m.StoreWritesTotal.WithLabelValues(operation, status).Inc()
	m.StoreWriteDuration.WithLabelValues(operation).Observe(durationSeconds)
}
