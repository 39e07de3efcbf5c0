package websocket

import (
	"encoding/json"

	"github.com/flowforge/rtes/internal/domain"
)

// WsNodeUpdate is the frame shape streamed over /rt: either a node
// status transition or a terminal workflow completion, discriminated
// by Type so a single client-side switch handles both.
type WsNodeUpdate struct {
	Type        string            `json:"type"`
	WorkflowID  string            `json:"workflow_id"`
	ExecutionID string            `json:"execution_id"`
	NodeID      string            `json:"node_id,omitempty"`
	NodeName    string            `json:"node_name,omitempty"`
	Status      string            `json:"status"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Params      json.RawMessage   `json:"params,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       *domain.NodeError `json:"error,omitempty"`
	ExecutedAt  string            `json:"executed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`

	BranchID        *string              `json:"branch_id,omitempty"`
	SplitNodeID     *string              `json:"split_node_id,omitempty"`
	ItemIndex       *int                 `json:"item_index,omitempty"`
	TotalItems      *int                 `json:"total_items,omitempty"`
	ProcessedCount  *int                 `json:"processed_count,omitempty"`
	AggregatorState *string              `json:"aggregator_state,omitempty"`
	LineageHash     *string              `json:"lineage_hash,omitempty"`
	LineageStack    []domain.LineageFrame `json:"lineage_stack,omitempty"`
	UsedInputs      json.RawMessage      `json:"used_inputs,omitempty"`

	FinalContext    json.RawMessage `json:"final_context,omitempty"`
	CompletedAt     string          `json:"completed_at,omitempty"`
	TotalDurationMs int64           `json:"total_duration_ms,omitempty"`
	FailureReason   *string         `json:"failure_reason,omitempty"`
}

// NodeUpdateFromStatus builds the frame sent when a node status
// message arrives off the broker.
func NodeUpdateFromStatus(msg domain.NodeStatusMessage) WsNodeUpdate {
	return WsNodeUpdate{
		Type:        "node_status",
		WorkflowID:  msg.WorkflowID,
		ExecutionID: msg.ExecutionID,
		NodeID:      msg.NodeID,
		NodeName:    msg.NodeName,
		Status:      msg.Status,
		Input:       msg.Input,
		Params:      msg.Parameters,
		Output:      msg.Output,
		Error:       msg.Error,
		ExecutedAt:  msg.ExecutedAt,
		DurationMs:  msg.DurationMs,

		BranchID:        msg.BranchID,
		SplitNodeID:     msg.SplitNodeID,
		ItemIndex:       msg.ItemIndex,
		TotalItems:      msg.TotalItems,
		ProcessedCount:  msg.ProcessedCount,
		AggregatorState: msg.AggregatorState,
		LineageHash:     msg.LineageHash,
		LineageStack:    msg.LineageStack,
		UsedInputs:      msg.UsedInputs,
	}
}

// NodeUpdateFromCompletion builds the frame sent when a workflow
// reaches a terminal state.
func NodeUpdateFromCompletion(msg domain.CompletionMessage) WsNodeUpdate {
	return WsNodeUpdate{
		Type:            "completion",
		WorkflowID:      msg.WorkflowID,
		ExecutionID:     msg.ExecutionID,
		Status:          msg.Status,
		FinalContext:    msg.FinalContext,
		CompletedAt:     msg.CompletedAt,
		TotalDurationMs: msg.TotalDurationMs,
		FailureReason:   msg.FailureReason,
	}
}

// Marshal encodes the update, logging nothing itself so callers decide
// how to treat a marshal failure (which should never happen for these
// simple, already-validated field sets).
func (u WsNodeUpdate) Marshal() ([]byte, error) {
	return json.Marshal(u)
}
