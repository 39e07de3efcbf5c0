package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/rtes/internal/api/middleware"
	"github.com/flowforge/rtes/internal/config"
	"github.com/flowforge/rtes/internal/credential"
	"github.com/flowforge/rtes/internal/domain"
	"github.com/flowforge/rtes/internal/fanout"
)

func newTestWebSocketHandler(t *testing.T) (*WebSocketHandler, *fakeExecutionReader, *credential.Store, *fanout.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	grants := credential.New(client)
	auth := middleware.NewAuthorizer(config.JWTConfig{Secret: "test-secret"}, grants)

	reader := &fakeExecutionReader{byID: map[string]*domain.ExecutionDocument{}, byWorkflow: map[string][]*domain.ExecutionDocument{}}
	bus := fanout.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wsCfg := config.NewWebSocketConfig(config.CORSConfig{AllowedOrigins: []string{"*"}})

	return NewWebSocketHandler(reader, bus, auth, wsCfg, logger), reader, grants, bus
}

func dialRT(t *testing.T, server *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + server.URL[len("http"):] + "/rt?" + query
	return websocket.DefaultDialer.Dial(wsURL, nil)
}

func TestHandleConnection_missingIdentifiersRejected(t *testing.T) {
	h, _, _, _ := newTestWebSocketHandler(t)
	server := httptest.NewServer(http.HandlerFunc(h.HandleConnection))
	t.Cleanup(server.Close)

	_, resp, err := dialRT(t, server, "token=anything")
	require.Error(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleConnection_forbiddenWithoutGrant(t *testing.T) {
	h, reader, _, _ := newTestWebSocketHandler(t)
	reader.byID["exec-1"] = &domain.ExecutionDocument{ExecutionID: "exec-1", WorkflowID: "wf-1", Status: "running"}
	server := httptest.NewServer(http.HandlerFunc(h.HandleConnection))
	t.Cleanup(server.Close)

	_, resp, err := dialRT(t, server, "execution_id=exec-1&token=no-such-grant")
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandleConnection_replaysHistoryThenStreamsLiveUpdate(t *testing.T) {
	h, reader, grants, bus := newTestWebSocketHandler(t)

	executed := "2026-01-01T00:00:00Z"
	status := "succeeded"
	reader.byID["exec-1"] = &domain.ExecutionDocument{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		Status:      "running",
		Nodes: map[string]domain.HydratedNode{
			"node-a": {
				NodeExecutionInstance: domain.NodeExecutionInstance{
					Status:     &status,
					ExecutedAt: &executed,
				},
			},
		},
	}
	require.NoError(t, grants.AddToken(context.Background(), credential.Grant{
		UserID: "grant-token", WorkflowID: "wf-1", ExecutionID: "exec-1", ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}))

	server := httptest.NewServer(http.HandlerFunc(h.HandleConnection))
	t.Cleanup(server.Close)

	conn, _, err := dialRT(t, server, "execution_id=exec-1&token=grant-token")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, replayed, err := conn.ReadMessage()
	require.NoError(t, err)

	var replayedUpdate map[string]any
	require.NoError(t, json.Unmarshal(replayed, &replayedUpdate))
	require.Equal(t, "node_status", replayedUpdate["type"])
	require.Equal(t, "node-a", replayedUpdate["node_id"])

	bus.Publish("exec-1", "wf-1", []byte(`{"type":"node_status","node_id":"node-b"}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, live, err := conn.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"node_status","node_id":"node-b"}`, string(live))
}

func TestHandleConnection_workflowScopedConnectionReceivesAnyExecutionUpdate(t *testing.T) {
	h, _, grants, bus := newTestWebSocketHandler(t)

	require.NoError(t, grants.AddToken(context.Background(), credential.Grant{
		UserID: "grant-token", WorkflowID: "wf-1", ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}))

	server := httptest.NewServer(http.HandlerFunc(h.HandleConnection))
	t.Cleanup(server.Close)

	conn, _, err := dialRT(t, server, "workflow_id=wf-1&token=grant-token")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	bus.Publish("exec-unseen-before", "wf-1", []byte(`{"type":"node_status","node_id":"node-c"}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, live, err := conn.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"node_status","node_id":"node-c"}`, string(live))
}
