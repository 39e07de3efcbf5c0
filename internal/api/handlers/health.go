package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowforge/rtes/internal/buildinfo"
)

// DBPinger is the execution store's readiness surface; satisfied by
// *execstore.Store.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// RedisPinger is the grant store's readiness surface; satisfied by
// *redis.Client.
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// BrokerPinger is the broker connection's readiness surface; satisfied
// by *messaging.Consumer.
type BrokerPinger interface {
	Ping() error
}

// HealthHandler serves /health (liveness) and /ready (readiness,
// checking MongoDB, Redis, and RabbitMQ).
type HealthHandler struct {
	store  DBPinger
	redis  RedisPinger
	broker BrokerPinger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(store DBPinger, redis RedisPinger, broker BrokerPinger) *HealthHandler {
	return &HealthHandler{
		store:  store,
		redis:  redis,
		broker: broker,
	}
}

// HealthResponse is the body returned by both /health and /ready.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Version   string            `json:"version,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Health returns basic liveness status, with no dependency checks.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   buildinfo.GetVersion(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Ready checks MongoDB, Redis, and RabbitMQ and reports 503 if any of
// them is unreachable.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if err := h.store.Ping(ctx); err != nil {
		checks["execution_store"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["execution_store"] = "healthy"
	}

	if err := h.redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["redis"] = "healthy"
	}

	if err := h.broker.Ping(); err != nil {
		checks["broker"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["broker"] = "healthy"
	}

	status := "ok"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	resp := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}
