// Package ingest wires the four RabbitMQ consumer loops to the stores
// and fan-out bus they feed: decode each delivery, write it through,
// and for the two event queues push the same update onto the live
// WebSocket stream.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/flowforge/rtes/internal/credential"
	"github.com/flowforge/rtes/internal/domain"
	"github.com/flowforge/rtes/internal/fanout"
	ws "github.com/flowforge/rtes/internal/websocket"
)

// ExecutionWriter is the write surface the pipeline needs from the
// execution store; satisfied by *execstore.Store. Each method already
// carries its own retry.Strategy, so handlers here call it exactly
// once per delivery.
type ExecutionWriter interface {
	UpsertExecutionDefinition(ctx context.Context, msg domain.NodeExecutionMessage) error
	UpdateNodeStatus(ctx context.Context, msg domain.NodeStatusMessage) error
	CompleteExecution(ctx context.Context, msg domain.CompletionMessage) error
}

// Pipeline holds the stores and bus every consumer handler writes
// through. It has no knowledge of AMQP; messaging.Consumer calls back
// into it per delivery.
type Pipeline struct {
	grants *credential.Store
	store  ExecutionWriter
	bus    *fanout.Bus
	logger *slog.Logger
}

// New builds a Pipeline over already-connected dependencies.
func New(grants *credential.Store, store ExecutionWriter, bus *fanout.Bus, logger *slog.Logger) *Pipeline {
	return &Pipeline{grants: grants, store: store, bus: bus, logger: logger}
}

// HandleTokenGrant decodes a delivery as an ExecutionTokenPayload,
// expands it into the individual Grants it describes, and indexes each
// one. The token queue's consumer loop nacks any handler error without
// requeue, so a malformed payload, a rejected expansion, and a Redis
// failure on any one grant are all routed to the dead-letter queue
// alike; grants already indexed before the failing one stay indexed.
func (p *Pipeline) HandleTokenGrant(ctx context.Context, body []byte) error {
	var payload credential.ExecutionTokenPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("ingest: unmarshal token payload: %w", err)
	}

	grants, err := payload.Expand()
	if err != nil {
		return fmt.Errorf("ingest: expand token payload: %w", err)
	}

	for _, grant := range grants {
		if err := p.grants.AddToken(ctx, grant); err != nil {
			return err
		}
	}
	return nil
}

// HandleExecutionMessage upserts an execution's definition snapshot.
func (p *Pipeline) HandleExecutionMessage(ctx context.Context, body []byte) error {
	var msg domain.NodeExecutionMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("ingest: unmarshal execution message: %w", err)
	}

	return p.store.UpsertExecutionDefinition(ctx, msg)
}

// HandleStatusMessage records a node status transition and republishes
// it to every live /rt subscriber of its execution and workflow. The
// store's own retry.StatusUpdateRetry wrapping covers the write itself.
func (p *Pipeline) HandleStatusMessage(ctx context.Context, body []byte) error {
	var msg domain.NodeStatusMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("ingest: unmarshal status message: %w", err)
	}

	if err := p.store.UpdateNodeStatus(ctx, msg); err != nil {
		return err
	}

	p.publish(msg.ExecutionID, msg.WorkflowID, ws.NodeUpdateFromStatus(msg))
	return nil
}

// HandleCompletionMessage records an execution's terminal state,
// publishes the completion frame, and tears down the execution's live
// topic so late WS subscribers fall back to history replay only.
func (p *Pipeline) HandleCompletionMessage(ctx context.Context, body []byte) error {
	var msg domain.CompletionMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("ingest: unmarshal completion message: %w", err)
	}

	if err := p.store.CompleteExecution(ctx, msg); err != nil {
		return err
	}

	p.publish(msg.ExecutionID, msg.WorkflowID, ws.NodeUpdateFromCompletion(msg))
	p.bus.TeardownExecution(msg.ExecutionID)
	return nil
}

func (p *Pipeline) publish(executionID, workflowID string, update ws.WsNodeUpdate) {
	payload, err := update.Marshal()
	if err != nil {
		p.logger.Error("ingest: failed to marshal update for live stream", "error", err, "execution_id", executionID)
		return
	}
	p.bus.Publish(executionID, workflowID, payload)
}
