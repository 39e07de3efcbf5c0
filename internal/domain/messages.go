// Package domain holds the wire and storage types shared across RTES:
// the broker message shapes, the lineage hashing scheme, and the
// hydrated execution document persisted by the execution store.
package domain

import "encoding/json"

// Message type discriminators, matching the "type" field on every
// broker payload.
const (
	MessageTypeNodeExecution      = "NodeExecution"
	MessageTypeNodeStatus         = "NodeStatus"
	MessageTypeWorkflowCompletion = "WorkflowCompletion"
)

// NodeError describes a failure surfaced by a workflow node.
type NodeError struct {
	Message string          `json:"message" bson:"message"`
	Code    string          `json:"code" bson:"code"`
	Details json.RawMessage `json:"details,omitempty" bson:"details,omitempty"`
}

// LineageFrame identifies one frame of a split/loop branch stack.
type LineageFrame struct {
	SplitNodeID string `json:"split_node_id" bson:"split_node_id"`
	ItemIndex   int    `json:"item_index" bson:"item_index"`
}

// NodeExecutionMessage announces that execution has reached a node,
// carrying the accumulated context a node needs to run.
type NodeExecutionMessage struct {
	WorkflowID         string          `json:"workflow_id"`
	ExecutionID        string          `json:"execution_id"`
	CurrentNode        string          `json:"current_node"`
	AccumulatedContext json.RawMessage `json:"accumulated_context"`
	FromNode           *string         `json:"from_node,omitempty"`
}

// NodeStatusMessage reports a status transition for one node,
// optionally scoped to one lineage branch.
type NodeStatusMessage struct {
	WorkflowID      string          `json:"workflow_id"`
	ExecutionID     string          `json:"execution_id"`
	NodeID          string          `json:"node_id"`
	NodeName        string          `json:"node_name"`
	Status          string          `json:"status"`
	Input           json.RawMessage `json:"input,omitempty"`
	Parameters      json.RawMessage `json:"parameters,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           *NodeError      `json:"error,omitempty"`
	ExecutedAt      string          `json:"executed_at"`
	DurationMs      int64           `json:"duration_ms"`
	BranchID        *string         `json:"branch_id,omitempty"`
	SplitNodeID     *string         `json:"split_node_id,omitempty"`
	ItemIndex       *int            `json:"item_index,omitempty"`
	TotalItems      *int            `json:"total_items,omitempty"`
	ProcessedCount  *int            `json:"processed_count,omitempty"`
	AggregatorState *string         `json:"aggregator_state,omitempty"`
	LineageHash     *string         `json:"lineage_hash,omitempty"`
	LineageStack    []LineageFrame  `json:"lineage_stack,omitempty"`
	UsedInputs      json.RawMessage `json:"used_inputs,omitempty"`
}

// CompletionMessage announces the terminal state of an execution.
type CompletionMessage struct {
	WorkflowID      string          `json:"workflow_id"`
	ExecutionID     string          `json:"execution_id"`
	Status          string          `json:"status"`
	FinalContext    json.RawMessage `json:"final_context"`
	CompletedAt     string          `json:"completed_at"`
	TotalDurationMs int64           `json:"total_duration_ms"`
	FailureReason   *string         `json:"failure_reason,omitempty"`
}

// envelope is the tagged-union shape every broker message arrives in.
type envelope struct {
	Type string `json:"type"`
}

// ParseWorkerMessage dispatches a raw broker payload to the concrete
// message type named by its "type" field.
func ParseWorkerMessage(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	switch env.Type {
	case MessageTypeNodeExecution:
		var msg NodeExecutionMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case MessageTypeNodeStatus:
		var msg NodeStatusMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case MessageTypeWorkflowCompletion:
		var msg CompletionMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, &UnknownMessageTypeError{Type: env.Type}
	}
}

// UnknownMessageTypeError is returned when a broker payload's "type"
// field doesn't match any known message.
type UnknownMessageTypeError struct {
	Type string
}

func (e *UnknownMessageTypeError) Error() string {
	return "domain: unknown worker message type " + e.Type
}
