package execstore

import (
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/flowforge/rtes/internal/domain"
)

// rawOrNil normalizes an empty or JSON-null payload to nil so the
// field is omitted from the $set rather than stored as an explicit
// BSON null. A non-empty payload is passed through unchanged: the BSON
// driver encodes json.RawMessage (a named byte slice) as binary, and
// decodes that same binary straight back into json.RawMessage on read,
// so the raw JSON text round-trips untouched.
func rawOrNil(raw json.RawMessage) interface{} {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

// flattenNodeFields expands a NodeExecutionInstance into the dotted
// $set fields MongoDB needs to write it at the given document path,
// omitting any field left nil so a partial status update never
// overwrites sibling fields with blanks.
func flattenNodeFields(path string, inst domain.NodeExecutionInstance) map[string]interface{} {
	fields := map[string]interface{}{}

	if v := rawOrNil(inst.Input); v != nil {
		fields[path+".input"] = v
	}
	if v := rawOrNil(inst.Parameters); v != nil {
		fields[path+".parameters"] = v
	}
	if v := rawOrNil(inst.Output); v != nil {
		fields[path+".output"] = v
	}
	if inst.Status != nil {
		fields[path+".status"] = *inst.Status
	}
	if inst.Error != nil {
		fields[path+".error"] = bson.M{
			"message": inst.Error.Message,
			"code":    inst.Error.Code,
			"details": rawOrNil(inst.Error.Details),
		}
	}
	if inst.ExecutedAt != nil {
		fields[path+".executed_at"] = *inst.ExecutedAt
	}
	if inst.DurationMs != nil {
		fields[path+".duration_ms"] = *inst.DurationMs
	}
	if inst.LineageHash != nil {
		fields[path+".lineage_hash"] = *inst.LineageHash
	}
	if len(inst.LineageStack) > 0 {
		fields[path+".lineage_stack"] = inst.LineageStack
	}
	if v := rawOrNil(inst.UsedInputs); v != nil {
		fields[path+".used_inputs"] = v
	}

	return fields
}

// decodeExecutionDocument converts a raw Mongo document into an
// ExecutionDocument. Documents written before lineage-keyed nodes
// existed store each node as a flat instance with no "lineages"
// subdocument; round-tripping through bson.Marshal/Unmarshal repairs
// that shape for free, since HydratedNode's Lineages field is
// optional and its base fields are inlined.
func decodeExecutionDocument(raw bson.M) (*domain.ExecutionDocument, error) {
	data, err := bson.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("execstore: marshal raw document: %w", err)
	}

	var doc domain.ExecutionDocument
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("execstore: unmarshal execution document: %w", err)
	}

	return &doc, nil
}
