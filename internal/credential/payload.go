package credential

import (
	"fmt"
	"strings"
)

// ExecutionTokenPayload is the wire shape of one token-queue delivery.
// A single payload can name several workflows and several executions at
// once; Expand turns it into the individual Grants AddToken indexes.
// The workflow and execution id fields also accept a camelCase alias,
// since the issuer and this consumer aren't guaranteed to agree on
// casing; user_id, iat and exp have no alias.
type ExecutionTokenPayload struct {
	UserID          string   `json:"user_id"`
	WorkflowID      string   `json:"workflow_id,omitempty"`
	WorkflowIDs     []string `json:"workflow_ids,omitempty"`
	ExecutionID     string   `json:"execution_id,omitempty"`
	ExecutionIDs    []string `json:"execution_ids,omitempty"`
	WorkflowIDAlt   string   `json:"workflowId,omitempty"`
	WorkflowIDsAlt  []string `json:"workflowIds,omitempty"`
	ExecutionIDAlt  string   `json:"executionId,omitempty"`
	ExecutionIDsAlt []string `json:"executionIds,omitempty"`
	IssuedAt        int64    `json:"iat"`
	ExpiresAt       int64    `json:"exp"`
}

func dedupeTrimmed(primary []string, single string, alt []string, altSingle string) []string {
	var raw []string
	raw = append(raw, primary...)
	if single != "" {
		raw = append(raw, single)
	}
	if len(alt) > 0 {
		raw = append(raw, alt...)
	}
	if altSingle != "" {
		raw = append(raw, altSingle)
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, id := range raw {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Expand turns the payload into the Grants it describes: one wildcard
// grant per workflow id when no execution ids are given, otherwise the
// full cross-product of workflow ids x execution ids. A payload naming
// no workflow at all is rejected outright.
func (p ExecutionTokenPayload) Expand() ([]Grant, error) {
	workflowIDs := dedupeTrimmed(p.WorkflowIDs, p.WorkflowID, p.WorkflowIDsAlt, p.WorkflowIDAlt)
	if len(workflowIDs) == 0 {
		return nil, fmt.Errorf("credential: token payload names no workflow id")
	}
	executionIDs := dedupeTrimmed(p.ExecutionIDs, p.ExecutionID, p.ExecutionIDsAlt, p.ExecutionIDAlt)

	var grants []Grant
	if len(executionIDs) == 0 {
		for _, wf := range workflowIDs {
			grants = append(grants, Grant{
				UserID:     p.UserID,
				WorkflowID: wf,
				IssuedAt:   p.IssuedAt,
				ExpiresAt:  p.ExpiresAt,
			})
		}
		return grants, nil
	}

	for _, wf := range workflowIDs {
		for _, exec := range executionIDs {
			grants = append(grants, Grant{
				UserID:      p.UserID,
				WorkflowID:  wf,
				ExecutionID: exec,
				IssuedAt:    p.IssuedAt,
				ExpiresAt:   p.ExpiresAt,
			})
		}
	}
	return grants, nil
}
