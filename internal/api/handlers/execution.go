package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/flowforge/rtes/internal/api/middleware"
	"github.com/flowforge/rtes/internal/api/response"
	"github.com/flowforge/rtes/internal/domain"
	"github.com/flowforge/rtes/internal/execstore"
)

const defaultWorkflowExecutionsLimit = 50

// ExecutionReader is the read surface handlers need from the execution
// store; satisfied by *execstore.Store.
type ExecutionReader interface {
	GetExecutionDocument(ctx context.Context, executionID string) (*domain.ExecutionDocument, error)
	GetExecutionsByWorkflow(ctx context.Context, workflowID string, limit int64) ([]*domain.ExecutionDocument, error)
}

// ExecutionHandler serves the read-only history endpoints: a single
// execution's hydrated document, and a workflow's recent executions.
type ExecutionHandler struct {
	store  ExecutionReader
	auth   *middleware.Authorizer
	logger *slog.Logger
}

// NewExecutionHandler creates a new execution handler.
func NewExecutionHandler(store ExecutionReader, auth *middleware.Authorizer, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{store: store, auth: auth, logger: logger}
}

// GetExecution retrieves a single execution's hydrated document.
// GET /executions/{executionID}
func (h *ExecutionHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	if executionID == "" {
		response.BadRequest(w, h.logger, "execution id is required")
		return
	}

	doc, err := h.store.GetExecutionDocument(r.Context(), executionID)
	if err != nil {
		if errors.Is(err, execstore.ErrExecutionNotFound) {
			response.NotFound(w, h.logger, "execution not found")
			return
		}
		h.logger.Error("failed to get execution", "error", err, "execution_id", executionID)
		response.InternalError(w, h.logger, "failed to get execution")
		return
	}

	ok, err := h.auth.AuthorizeExecution(r.Context(), r, doc.WorkflowID, executionID)
	if err != nil {
		h.logger.Error("authorization check failed", "error", err, "execution_id", executionID)
		response.InternalError(w, h.logger, "authorization check failed")
		return
	}
	if !ok {
		response.Forbidden(w, h.logger, "not authorized for this execution")
		return
	}

	response.OK(w, h.logger, doc)
}

// ListWorkflowExecutions retrieves a workflow's recent executions.
// GET /workflows/{workflowID}/executions
func (h *ExecutionHandler) ListWorkflowExecutions(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	if workflowID == "" {
		response.BadRequest(w, h.logger, "workflow id is required")
		return
	}

	ok, err := h.auth.AuthorizeWorkflow(r.Context(), r, workflowID)
	if err != nil {
		h.logger.Error("authorization check failed", "error", err, "workflow_id", workflowID)
		response.InternalError(w, h.logger, "authorization check failed")
		return
	}
	if !ok {
		response.Forbidden(w, h.logger, "not authorized for this workflow")
		return
	}

	limit := parseLimit(r, defaultWorkflowExecutionsLimit)

	docs, err := h.store.GetExecutionsByWorkflow(r.Context(), workflowID, limit)
	if err != nil {
		h.logger.Error("failed to list workflow executions", "error", err, "workflow_id", workflowID)
		response.InternalError(w, h.logger, "failed to list executions")
		return
	}

	response.OK(w, h.logger, docs)
}

func parseLimit(r *http.Request, def int64) int64 {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return def
	}
	limit, err := strconv.ParseInt(limitStr, 10, 64)
	if err != nil || limit <= 0 {
		return def
	}
	return limit
}
