package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

// lineageNamespace is RTES's fixed UUIDv5 namespace for lineage stack
// hashing. Owned by this service; never reused for any other purpose
// so lineage hashes can't collide with UUIDs minted elsewhere.
var lineageNamespace = uuid.MustParse("6c8f2b2e-7a2b-4d1a-9e7e-2f6a0c6a8e31")

// defaultLineageHash is returned for an empty lineage stack so
// existing "no lineage" node entries written before lineage support
// existed are never disturbed.
const defaultLineageHash = "default"

// HashLineageStack deterministically hashes a lineage stack to a
// stable identifier. An empty or nil stack always hashes to
// "default", never a UUID.
func HashLineageStack(stack []LineageFrame) string {
	if len(stack) == 0 {
		return defaultLineageHash
	}

	// json.Marshal is deterministic for a fixed struct field order,
	// giving the same stack the same hash across processes.
	canonical, err := json.Marshal(stack)
	if err != nil {
		return defaultLineageHash
	}

	return uuid.NewSHA1(lineageNamespace, canonical).String()
}
