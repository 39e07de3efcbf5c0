package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	assert.NotNil(t, m)
	assert.NotNil(t, m.QueueDepth)
	assert.NotNil(t, m.WSConnectionsActive)
	assert.NotNil(t, m.FanoutDroppedTotal)
	assert.NotNil(t, m.HTTPRequestsTotal)
	assert.NotNil(t, m.HTTPRequestDuration)
	assert.NotNil(t, m.StoreWriteDuration)
	assert.NotNil(t, m.StoreWritesTotal)
}

func TestRegisterMetrics(t *testing.T) {
	m := NewMetrics()
	registry := prometheus.NewRegistry()

	err := m.Register(registry)

	assert.NoError(t, err)
}

func TestRegisterMetricsTwice(t *testing.T) {
	m := NewMetrics()
	registry := prometheus.NewRegistry()
	m.Register(registry)

	err := m.Register(registry)

	assert.Error(t, err)
}

func TestSetQueueDepth(t *testing.T) {
	m := NewMetrics()
	registry := prometheus.NewRegistry()
	m.Register(registry)

	m.SetQueueDepth("rtes.execution", 42)

	metrics, err := registry.Gather()
	assert.NoError(t, err)

	found := false
	for _, metric := range metrics {
		if metric.GetName() == "rtes_queue_depth" {
			found = true
			assert.Equal(t, 1, len(metric.GetMetric()))
			assert.Equal(t, float64(42), metric.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found, "queue depth gauge should be present")
}

func TestWSConnectionGauge(t *testing.T) {
	m := NewMetrics()
	registry := prometheus.NewRegistry()
	m.Register(registry)

	m.IncWSConnections()
	m.IncWSConnections()
	m.DecWSConnections()

	metrics, err := registry.Gather()
	assert.NoError(t, err)

	found := false
	for _, metric := range metrics {
		if metric.GetName() == "rtes_ws_connections_active" {
			found = true
			assert.Equal(t, float64(1), metric.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found, "ws connections gauge should be present")
}

func TestRecordFanoutDrop(t *testing.T) {
	m := NewMetrics()
	registry := prometheus.NewRegistry()
	m.Register(registry)

	m.RecordFanoutDrop("execution:exec-1")

	metrics, err := registry.Gather()
	assert.NoError(t, err)

	found := false
	for _, metric := range metrics {
		if metric.GetName() == "rtes_fanout_dropped_total" {
			found = true
		}
	}
	assert.True(t, found, "fanout dropped counter should be present")
}

func TestRecordHTTPRequest(t *testing.T) {
	m := NewMetrics()
	registry := prometheus.NewRegistry()
	m.Register(registry)

	m.RecordHTTPRequest("GET", "/executions/:id", "200", 0.1)

	metrics, err := registry.Gather()
	assert.NoError(t, err)

	foundCounter := false
	foundHistogram := false
	for _, metric := range metrics {
		if metric.GetName() == "rtes_http_requests_total" {
			foundCounter = true
		}
		if metric.GetName() == "rtes_http_request_duration_seconds" {
			foundHistogram = true
		}
	}
	assert.True(t, foundCounter, "HTTP requests counter should be present")
	assert.True(t, foundHistogram, "HTTP request duration histogram should be present")
}

func TestRecordStoreWrite(t *testing.T) {
	m := NewMetrics()
	registry := prometheus.NewRegistry()
	m.Register(registry)

	m.RecordStoreWrite("update_node_status", "ok", 0.02)

	metrics, err := registry.Gather()
	assert.NoError(t, err)

	foundCounter := false
	foundHistogram := false
	for _, metric := range metrics {
		if metric.GetName() == "rtes_store_writes_total" {
			foundCounter = true
		}
		if metric.GetName() == "rtes_store_write_duration_seconds" {
			foundHistogram = true
		}
	}
	assert.True(t, foundCounter, "store writes counter should be present")
	assert.True(t, foundHistogram, "store write duration histogram should be present")
}
