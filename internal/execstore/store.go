// Package execstore persists execution state to MongoDB: one document
// per execution, hydrated in place as node status messages and the
// final completion message arrive off the broker.
package execstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flowforge/rtes/internal/domain"
	"github.com/flowforge/rtes/internal/retry"
)

// ErrExecutionNotFound is returned when no document exists for a
// requested execution id.
var ErrExecutionNotFound = fmt.Errorf("execstore: execution not found")

// Store is the MongoDB-backed execution document store.
type Store struct {
	collection *mongo.Collection
	logger     *slog.Logger
}

// Connect opens a MongoDB client against uri, verifies it with a ping,
// and returns a Store bound to database.collection.
func Connect(ctx context.Context, uri, database, collection string, logger *slog.Logger) (*Store, error) {
	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(25).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(5 * time.Minute).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("execstore: connect: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("execstore: ping: %w", err)
	}

	return &Store{
		collection: client.Database(database).Collection(collection),
		logger:     logger,
	}, nil
}

// Ping checks whether the underlying MongoDB connection is reachable,
// used by the readiness handler.
func (s *Store) Ping(ctx context.Context) error {
	return s.collection.Database().Client().Ping(ctx, nil)
}

// Close disconnects the underlying MongoDB client.
func (s *Store) Close(ctx context.Context) error {
	return s.collection.Database().Client().Disconnect(ctx)
}

// UpsertExecutionDefinition records the start of an execution,
// creating its document if this is the first message seen for it.
func (s *Store) UpsertExecutionDefinition(ctx context.Context, msg domain.NodeExecutionMessage) error {
	filter := bson.M{"execution_id": msg.ExecutionID}
	now := time.Now().UTC()

	update := bson.M{
		"$setOnInsert": bson.M{
			"execution_id": msg.ExecutionID,
			"workflow_id":  msg.WorkflowID,
			"status":       "running",
			"created_at":   now,
		},
		"$set": bson.M{
			"updated_at": now,
		},
	}
	if accumulated := rawOrNil(msg.AccumulatedContext); accumulated != nil {
		update["$set"].(bson.M)["accumulated_context"] = accumulated
	}

	opts := options.Update().SetUpsert(true)
	return retry.DefaultRetry.Do(ctx, s.logger, func(ctx context.Context, attempt int) error {
		_, err := s.collection.UpdateOne(ctx, filter, update, opts)
		return err
	})
}

// UpdateNodeStatus hydrates a node's execution result into its
// document. The node's inline entry, nodes.{id}, is always refreshed to
// the latest instance; when the message also carries a non-default
// lineage (the hash of its lineage stack, or its lineage_hash field
// when the stack is empty), the same instance is additionally written under its lineage
// branch, nodes.{id}.lineages.{hash}. Both writes land in the same
// $set so a lineage-bearing status update never leaves latest stale.
func (s *Store) UpdateNodeStatus(ctx context.Context, msg domain.NodeStatusMessage) error {
	instance := domain.NewNodeExecutionInstance(msg)
	lineageHash := domain.HashLineageStack(msg.LineageStack)
	if len(msg.LineageStack) == 0 && msg.LineageHash != nil && *msg.LineageHash != "" {
		lineageHash = *msg.LineageHash
	}

	filter := bson.M{"execution_id": msg.ExecutionID}

	setFields := bson.M{"updated_at": time.Now().UTC()}
	for k, v := range flattenNodeFields(fmt.Sprintf("nodes.%s", msg.NodeID), instance) {
		setFields[k] = v
	}
	if lineageHash != "default" {
		for k, v := range flattenNodeFields(fmt.Sprintf("nodes.%s.lineages.%s", msg.NodeID, lineageHash), instance) {
			setFields[k] = v
		}
	}

	update := bson.M{"$set": setFields}
	opts := options.Update().SetUpsert(true)

	return retry.StatusUpdateRetry.Do(ctx, s.logger, func(ctx context.Context, attempt int) error {
		_, err := s.collection.UpdateOne(ctx, filter, update, opts)
		return err
	})
}

// CompleteExecution marks an execution terminal, recording its final
// context and, for failures, the failure reason.
func (s *Store) CompleteExecution(ctx context.Context, msg domain.CompletionMessage) error {
	filter := bson.M{"execution_id": msg.ExecutionID}
	setFields := bson.M{
		"status":     msg.Status,
		"updated_at": time.Now().UTC(),
	}
	if finalContext := rawOrNil(msg.FinalContext); finalContext != nil {
		setFields["final_context"] = finalContext
	}
	if msg.FailureReason != nil {
		setFields["failure_reason"] = *msg.FailureReason
	}

	update := bson.M{"$set": setFields}
	opts := options.Update().SetUpsert(true)

	return retry.CompletionRetry.Do(ctx, s.logger, func(ctx context.Context, attempt int) error {
		_, err := s.collection.UpdateOne(ctx, filter, update, opts)
		return err
	})
}

// GetExecutionDocument fetches one execution's hydrated document,
// repairing documents written before lineage-keyed nodes existed: a
// node stored as a flat NodeExecutionInstance (no "lineages" subkey)
// is read back as a HydratedNode with an empty lineage map.
func (s *Store) GetExecutionDocument(ctx context.Context, executionID string) (*domain.ExecutionDocument, error) {
	var raw bson.M
	err := s.collection.FindOne(ctx, bson.M{"execution_id": executionID}).Decode(&raw)
	if err == mongo.ErrNoDocuments {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("execstore: find execution %s: %w", executionID, err)
	}

	return decodeExecutionDocument(raw)
}

// GetExecutionsByWorkflow lists executions for a workflow, most
// recently created first.
func (s *Store) GetExecutionsByWorkflow(ctx context.Context, workflowID string, limit int64) ([]*domain.ExecutionDocument, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)
	cursor, err := s.collection.Find(ctx, bson.M{"workflow_id": workflowID}, opts)
	if err != nil {
		return nil, fmt.Errorf("execstore: find executions for workflow %s: %w", workflowID, err)
	}
	defer cursor.Close(ctx)

	var docs []*domain.ExecutionDocument
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, fmt.Errorf("execstore: decode execution: %w", err)
		}
		doc, err := decodeExecutionDocument(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, cursor.Err()
}

