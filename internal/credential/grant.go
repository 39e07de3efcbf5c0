// Package credential implements the Redis-backed access grant store:
// short-lived tokens that let a caller reach an execution's history and
// live stream without holding a JWT, indexed three ways so a lookup by
// user, execution, or workflow id is a single sorted-set read.
package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Grant is one access token: a user's standing permission to reach a
// workflow, optionally narrowed to a single execution. A Grant with no
// ExecutionID is a wildcard covering every execution of WorkflowID.
type Grant struct {
	UserID      string `json:"user_id"`
	WorkflowID  string `json:"workflow_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	IssuedAt    int64  `json:"iat"`
	ExpiresAt   int64  `json:"exp"`
}

func (g Grant) isWildcard() bool {
	return g.ExecutionID == ""
}

// Store is the Redis sorted-set grant store. A grant is ZADDed (scored
// by its expiry, so ZREMRANGEBYSCORE can cheaply evict stale entries)
// under every index key it applies to.
type Store struct {
	client *redis.Client
}

// New builds a Store over an existing Redis client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func userKey(userID string) string {
	return fmt.Sprintf("user_id_%s", userID)
}

func executionKey(executionID string) string {
	return fmt.Sprintf("execution_id_%s", executionID)
}

func workflowKey(workflowID string) string {
	return fmt.Sprintf("workflow_id_%s", workflowID)
}

// AddToken stores a Grant under its user index, and under its
// execution or workflow index depending on whether it is scoped to one
// execution or issued as a workflow-wide wildcard.
func (s *Store) AddToken(ctx context.Context, grant Grant) error {
	member, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("credential: marshal grant: %w", err)
	}

	if err := s.index(ctx, userKey(grant.UserID), string(member), grant.ExpiresAt); err != nil {
		return err
	}

	if !grant.isWildcard() {
		if err := s.index(ctx, executionKey(grant.ExecutionID), string(member), grant.ExpiresAt); err != nil {
			return err
		}
	} else {
		if err := s.index(ctx, workflowKey(grant.WorkflowID), string(member), grant.ExpiresAt); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) index(ctx context.Context, key, member string, expiresAt int64) error {
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: float64(expiresAt), Member: member}).Err(); err != nil {
		return fmt.Errorf("credential: zadd %s: %w", key, err)
	}
	return s.ensureKeyTTL(ctx, key, expiresAt)
}

// ensureKeyTTL sets or extends a key's TTL so it outlives its longest
// member, but never shortens a TTL another grant already pushed out.
func (s *Store) ensureKeyTTL(ctx context.Context, key string, expiresAt int64) error {
	expireIn := expiresAt - time.Now().Unix()
	if expireIn <= 0 {
		return nil
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("credential: ttl %s: %w", key, err)
	}

	if ttl < 0 || ttl < time.Duration(expireIn)*time.Second {
		if err := s.client.Expire(ctx, key, time.Duration(expireIn)*time.Second).Err(); err != nil {
			return fmt.Errorf("credential: expire %s: %w", key, err)
		}
	}
	return nil
}

// fetchValidGrants evicts expired members from key, then returns every
// grant still standing.
func (s *Store) fetchValidGrants(ctx context.Context, key string) ([]Grant, error) {
	now := time.Now().Unix()
	if err := s.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprint(now)).Err(); err != nil {
		return nil, fmt.Errorf("credential: remove expired %s: %w", key, err)
	}

	members, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("credential: zrange %s: %w", key, err)
	}

	grants := make([]Grant, 0, len(members))
	for _, m := range members {
		var g Grant
		if err := json.Unmarshal([]byte(m), &g); err != nil {
			continue
		}
		grants = append(grants, g)
	}
	return grants, nil
}

// ValidateAccess checks whether userID holds a grant reaching
// targetWorkflowID, narrowed to targetExecutionID when it is non-empty.
// A wildcard grant (no ExecutionID) matches any execution of its
// workflow; a scoped grant must match the execution exactly.
func (s *Store) ValidateAccess(ctx context.Context, userID, targetExecutionID, targetWorkflowID string) (bool, error) {
	grants, err := s.fetchValidGrants(ctx, userKey(userID))
	if err != nil {
		return false, err
	}

	for _, g := range grants {
		if g.WorkflowID != targetWorkflowID {
			continue
		}
		if g.isWildcard() {
			return true, nil
		}
		if targetExecutionID != "" && g.ExecutionID == targetExecutionID {
			return true, nil
		}
	}
	return false, nil
}

// ValidateExecutionAccess checks the execution index directly: does
// any still-valid grant for targetExecutionID also match
// targetWorkflowID. Used by the WebSocket path, which carries no user
// id and does not look up its token parameter.
func (s *Store) ValidateExecutionAccess(ctx context.Context, targetExecutionID, targetWorkflowID string) (bool, error) {
	grants, err := s.fetchValidGrants(ctx, executionKey(targetExecutionID))
	if err != nil {
		return false, err
	}

	for _, g := range grants {
		if g.WorkflowID == targetWorkflowID {
			return true, nil
		}
	}
	return false, nil
}

// ValidateWorkflowAccess checks the workflow index directly: does any
// still-valid wildcard grant exist for targetWorkflowID. Used by the
// WebSocket path when a stream names a workflow but no execution.
func (s *Store) ValidateWorkflowAccess(ctx context.Context, targetWorkflowID string) (bool, error) {
	grants, err := s.fetchValidGrants(ctx, workflowKey(targetWorkflowID))
	if err != nil {
		return false, err
	}
	return len(grants) > 0, nil
}
