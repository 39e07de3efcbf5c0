package domain

import (
	"encoding/json"
	"time"
)

// ExecutionDocument is the hydrated, queryable snapshot of one
// workflow execution persisted by the execution store.
type ExecutionDocument struct {
	ExecutionID        string                  `bson:"execution_id" json:"execution_id"`
	WorkflowID         string                  `bson:"workflow_id" json:"workflow_id"`
	Status             string                  `bson:"status,omitempty" json:"status,omitempty"`
	WorkflowDefinition json.RawMessage         `bson:"workflow_definition,omitempty" json:"workflow_definition,omitempty"`
	AccumulatedContext json.RawMessage         `bson:"accumulated_context,omitempty" json:"accumulated_context,omitempty"`
	FinalContext       json.RawMessage         `bson:"final_context,omitempty" json:"final_context,omitempty"`
	FailureReason       *string                `bson:"failure_reason,omitempty" json:"failure_reason,omitempty"`
	Nodes              map[string]HydratedNode `bson:"nodes,omitempty" json:"nodes,omitempty"`
	CreatedAt          time.Time               `bson:"created_at" json:"created_at"`
	UpdatedAt          time.Time               `bson:"updated_at" json:"updated_at"`
}

// HydratedNode is one node's read model: its own base execution plus
// any lineage-keyed sub-executions produced by split/loop fan-out.
type HydratedNode struct {
	NodeExecutionInstance `bson:",inline"`
	Lineages              map[string]NodeExecutionInstance `bson:"lineages,omitempty" json:"lineages,omitempty"`
}

// NodeExecutionInstance is the result of one node running once, either
// as the node's base execution or as one lineage branch of it.
type NodeExecutionInstance struct {
	Input        json.RawMessage `bson:"input,omitempty" json:"input,omitempty"`
	Parameters   json.RawMessage `bson:"parameters,omitempty" json:"parameters,omitempty"`
	Output       json.RawMessage `bson:"output,omitempty" json:"output,omitempty"`
	Status       *string         `bson:"status,omitempty" json:"status,omitempty"`
	Error        *NodeError      `bson:"error,omitempty" json:"error,omitempty"`
	ExecutedAt   *string         `bson:"executed_at,omitempty" json:"executed_at,omitempty"`
	DurationMs   *int64          `bson:"duration_ms,omitempty" json:"duration_ms,omitempty"`
	LineageHash  *string         `bson:"lineage_hash,omitempty" json:"lineage_hash,omitempty"`
	LineageStack []LineageFrame  `bson:"lineage_stack,omitempty" json:"lineage_stack,omitempty"`
	UsedInputs   json.RawMessage `bson:"used_inputs,omitempty" json:"used_inputs,omitempty"`
}

// NewNodeExecutionInstance builds a NodeExecutionInstance from a
// status message, normalizing JSON-null fields to absent ones and
// forcing Status to "failed" whenever Error is set so a reader never
// has to cross-check the two.
func NewNodeExecutionInstance(msg NodeStatusMessage) NodeExecutionInstance {
	status := msg.Status
	if msg.Error != nil {
		status = "failed"
	}

	executedAt := msg.ExecutedAt
	duration := msg.DurationMs

	inst := NodeExecutionInstance{
		Input:        normalizeRawMessage(msg.Input),
		Parameters:   normalizeRawMessage(msg.Parameters),
		Output:       normalizeRawMessage(msg.Output),
		Status:       &status,
		Error:        msg.Error,
		ExecutedAt:   &executedAt,
		DurationMs:   &duration,
		LineageHash:  msg.LineageHash,
		LineageStack: msg.LineageStack,
		UsedInputs:   normalizeRawMessage(msg.UsedInputs),
	}

	return inst
}

// normalizeRawMessage turns the JSON literal "null" into an absent
// field, so it is omitted from BSON rather than stored as a BSON null.
func normalizeRawMessage(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	if string(raw) == "null" {
		return nil
	}
	return raw
}
