package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockDBPinger struct{ mock.Mock }

func (m *mockDBPinger) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type mockRedisPinger struct{ mock.Mock }

func (m *mockRedisPinger) Ping(ctx context.Context) *redis.StatusCmd {
	args := m.Called(ctx)
	return args.Get(0).(*redis.StatusCmd)
}

type mockBrokerPinger struct{ mock.Mock }

func (m *mockBrokerPinger) Ping() error {
	args := m.Called()
	return args.Error(0)
}

func TestHealthHandler_Health(t *testing.T) {
	handler := NewHealthHandler(nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	handler.Health(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var response HealthResponse
	require := assert.New(t)
	require.NoError(json.Unmarshal(rr.Body.Bytes(), &response))
	require.Equal("ok", response.Status)
	require.NotEmpty(response.Timestamp)
}

func TestHealthHandler_Ready(t *testing.T) {
	tests := []struct {
		name           string
		setupStore     func(*mockDBPinger)
		setupRedis     func(*mockRedisPinger)
		setupBroker    func(*mockBrokerPinger)
		expectedStatus int
		expectedHealth string
	}{
		{
			name: "all healthy",
			setupStore: func(m *mockDBPinger) {
				m.On("Ping", mock.Anything).Return(nil)
			},
			setupRedis: func(m *mockRedisPinger) {
				cmd := redis.NewStatusCmd(context.Background())
				cmd.SetVal("PONG")
				m.On("Ping", mock.Anything).Return(cmd)
			},
			setupBroker: func(m *mockBrokerPinger) {
				m.On("Ping").Return(nil)
			},
			expectedStatus: http.StatusOK,
			expectedHealth: "ok",
		},
		{
			name: "store unhealthy",
			setupStore: func(m *mockDBPinger) {
				m.On("Ping", mock.Anything).Return(errors.New("connection refused"))
			},
			setupRedis: func(m *mockRedisPinger) {
				cmd := redis.NewStatusCmd(context.Background())
				cmd.SetVal("PONG")
				m.On("Ping", mock.Anything).Return(cmd)
			},
			setupBroker: func(m *mockBrokerPinger) {
				m.On("Ping").Return(nil)
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedHealth: "degraded",
		},
		{
			name: "broker unhealthy",
			setupStore: func(m *mockDBPinger) {
				m.On("Ping", mock.Anything).Return(nil)
			},
			setupRedis: func(m *mockRedisPinger) {
				cmd := redis.NewStatusCmd(context.Background())
				cmd.SetVal("PONG")
				m.On("Ping", mock.Anything).Return(cmd)
			},
			setupBroker: func(m *mockBrokerPinger) {
				m.On("Ping").Return(errors.New("connection closed"))
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedHealth: "degraded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(mockDBPinger)
			redisPinger := new(mockRedisPinger)
			broker := new(mockBrokerPinger)

			tt.setupStore(store)
			tt.setupRedis(redisPinger)
			tt.setupBroker(broker)

			handler := NewHealthHandler(store, redisPinger, broker)

			req := httptest.NewRequest(http.MethodGet, "/ready", nil)
			rr := httptest.NewRecorder()

			handler.Ready(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)

			var response HealthResponse
			assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
			assert.Equal(t, tt.expectedHealth, response.Status)
			assert.NotEmpty(t, response.Timestamp)

			store.AssertExpectations(t)
			redisPinger.AssertExpectations(t)
			broker.AssertExpectations(t)
		})
	}
}
