package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/rtes/internal/credential"
	"github.com/flowforge/rtes/internal/domain"
	"github.com/flowforge/rtes/internal/fanout"
)

// fakeExecutionWriter is an in-memory stand-in for *execstore.Store,
// since a real test needs a live MongoDB.
type fakeExecutionWriter struct {
	definitions []domain.NodeExecutionMessage
	statuses    []domain.NodeStatusMessage
	completions []domain.CompletionMessage
	failWith    error
}

func (f *fakeExecutionWriter) UpsertExecutionDefinition(ctx context.Context, msg domain.NodeExecutionMessage) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.definitions = append(f.definitions, msg)
	return nil
}

func (f *fakeExecutionWriter) UpdateNodeStatus(ctx context.Context, msg domain.NodeStatusMessage) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.statuses = append(f.statuses, msg)
	return nil
}

func (f *fakeExecutionWriter) CompleteExecution(ctx context.Context, msg domain.CompletionMessage) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.completions = append(f.completions, msg)
	return nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *fakeExecutionWriter, *credential.Store, *fanout.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	grants := credential.New(client)
	store := &fakeExecutionWriter{}
	bus := fanout.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return New(grants, store, bus, logger), store, grants, bus
}

func TestHandleTokenGrant_indexesGrant(t *testing.T) {
	p, _, grants, _ := newTestPipeline(t)

	body := []byte(`{"user_id":"grant-token","workflow_id":"wf-1","execution_id":"exec-1","iat":1,"exp":9999999999}`)
	require.NoError(t, p.HandleTokenGrant(context.Background(), body))

	ok, err := grants.ValidateAccess(context.Background(), "grant-token", "exec-1", "wf-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestHandleTokenGrant_malformedBodyErrors(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	err := p.HandleTokenGrant(context.Background(), []byte(`not json`))
	require.Error(t, err)
}

func TestHandleTokenGrant_expandsCrossProduct(t *testing.T) {
	p, _, grants, _ := newTestPipeline(t)

	body := []byte(`{"user_id":"u","executionIds":["e1","e2"],"workflowIds":["w1","w2"],"iat":1,"exp":9999999999}`)
	require.NoError(t, p.HandleTokenGrant(context.Background(), body))

	for _, wf := range []string{"w1", "w2"} {
		for _, exec := range []string{"e1", "e2"} {
			ok, err := grants.ValidateAccess(context.Background(), "u", exec, wf)
			require.NoError(t, err)
			require.True(t, ok, "expected a grant for %s/%s", wf, exec)
		}
	}
}

func TestHandleTokenGrant_rejectsPayloadWithNoWorkflowID(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)

	body := []byte(`{"user_id":"u","execution_id":"e1","iat":1,"exp":9999999999}`)
	err := p.HandleTokenGrant(context.Background(), body)
	require.Error(t, err)
}

func TestHandleExecutionMessage_upsertsDefinition(t *testing.T) {
	p, store, _, _ := newTestPipeline(t)

	body := []byte(`{"workflow_id":"wf-1","execution_id":"exec-1","current_node":"node-a","accumulated_context":{}}`)
	require.NoError(t, p.HandleExecutionMessage(context.Background(), body))
	require.Len(t, store.definitions, 1)
	require.Equal(t, "exec-1", store.definitions[0].ExecutionID)
}

func TestHandleStatusMessage_writesAndPublishes(t *testing.T) {
	p, store, _, bus := newTestPipeline(t)

	sub := bus.SubscribeExecution("exec-1")
	defer sub.Cancel()

	body := []byte(`{"workflow_id":"wf-1","execution_id":"exec-1","node_id":"node-a","node_name":"A","status":"succeeded","executed_at":"2026-01-01T00:00:00Z"}`)
	require.NoError(t, p.HandleStatusMessage(context.Background(), body))
	require.Len(t, store.statuses, 1)

	select {
	case msg := <-sub.Updates:
		require.Contains(t, string(msg), `"node_id":"node-a"`)
	default:
		t.Fatal("expected a published update on the execution topic")
	}
}

func TestHandleStatusMessage_storeFailurePropagates(t *testing.T) {
	p, store, _, _ := newTestPipeline(t)
	store.failWith = errors.New("mongo unavailable")

	body := []byte(`{"workflow_id":"wf-1","execution_id":"exec-1","node_id":"node-a","status":"succeeded"}`)
	err := p.HandleStatusMessage(context.Background(), body)
	require.ErrorIs(t, err, store.failWith)
}

func TestHandleCompletionMessage_writesPublishesAndTearsDown(t *testing.T) {
	p, store, _, bus := newTestPipeline(t)

	sub := bus.SubscribeExecution("exec-1")

	body := []byte(`{"workflow_id":"wf-1","execution_id":"exec-1","status":"completed","completed_at":"2026-01-01T00:01:00Z"}`)
	require.NoError(t, p.HandleCompletionMessage(context.Background(), body))
	require.Len(t, store.completions, 1)

	select {
	case msg := <-sub.Updates:
		require.Contains(t, string(msg), `"type":"completion"`)
	default:
		t.Fatal("expected a published completion update")
	}

	// TeardownExecution closed the topic, so a fresh subscribe gets a
	// distinct channel with nothing buffered from the old one.
	sub2 := bus.SubscribeExecution("exec-1")
	defer sub2.Cancel()
	select {
	case _, ok := <-sub2.Updates:
		if ok {
			t.Fatal("expected no residual messages on the recreated topic")
		}
	default:
	}
}
