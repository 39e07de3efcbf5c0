package handlers

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/flowforge/rtes/internal/api/middleware"
	"github.com/flowforge/rtes/internal/api/response"
	"github.com/flowforge/rtes/internal/config"
	"github.com/flowforge/rtes/internal/domain"
	"github.com/flowforge/rtes/internal/fanout"
	ws "github.com/flowforge/rtes/internal/websocket"
)

// WebSocketHandler upgrades /rt connections, replays an execution's
// history, and then streams its live updates from the fanout bus.
type WebSocketHandler struct {
	store  ExecutionReader
	bus    *fanout.Bus
	auth   *middleware.Authorizer
	wsCfg  config.WebSocketConfig
	logger *slog.Logger
}

// NewWebSocketHandler creates a new /rt connection handler.
func NewWebSocketHandler(store ExecutionReader, bus *fanout.Bus, auth *middleware.Authorizer, wsCfg config.WebSocketConfig, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{store: store, bus: bus, auth: auth, wsCfg: wsCfg, logger: logger}
}

// HandleConnection upgrades GET /rt?execution_id=&workflow_id=&token=
// into a live-tailing WebSocket connection. At least one of
// execution_id/workflow_id must be given; execution_id additionally
// triggers a history replay of the execution's recorded nodes before
// the connection joins the live stream.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	executionID := query.Get("execution_id")
	workflowID := query.Get("workflow_id")
	token := query.Get("token")

	if executionID == "" && workflowID == "" {
		response.BadRequest(w, h.logger, "execution_id or workflow_id is required")
		return
	}

	var doc *domain.ExecutionDocument
	if executionID != "" {
		var err error
		doc, err = h.store.GetExecutionDocument(r.Context(), executionID)
		if err != nil {
			response.NotFound(w, h.logger, "execution not found")
			return
		}
		if workflowID == "" {
			workflowID = doc.WorkflowID
		} else if workflowID != doc.WorkflowID {
			response.BadRequest(w, h.logger, "execution does not belong to the given workflow")
			return
		}
	}

	ok, err := h.auth.AuthorizeStream(r.Context(), token, workflowID, executionID)
	if err != nil {
		h.logger.Error("stream authorization check failed", "error", err, "workflow_id", workflowID, "execution_id", executionID)
		response.InternalError(w, h.logger, "authorization check failed")
		return
	}
	if !ok {
		response.Forbidden(w, h.logger, "not authorized for this stream")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.wsCfg.CheckOrigin(),
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if doc != nil {
		if err := replayHistory(conn, doc); err != nil {
			h.logger.Warn("history replay failed, closing connection", "error", err, "execution_id", executionID)
			conn.Close()
			return
		}
	}

	var sub fanout.Subscription
	if executionID != "" {
		sub = h.bus.SubscribeExecution(executionID)
	} else {
		sub = h.bus.SubscribeWorkflow(workflowID)
	}

	client := ws.NewClient(uuid.New().String(), conn, sub.Updates, sub.Cancel, h.logger)
	go client.WritePump()
	go client.ReadPump()
}

// replayHistory writes every recorded node execution, and any terminal
// completion, to the connection in deterministic execution order
// before the caller joins the live stream. Ordering falls back to node
// ID when ExecutedAt is absent, since a map has none of its own.
func replayHistory(conn *websocket.Conn, doc *domain.ExecutionDocument) error {
	type entry struct {
		nodeID string
		update ws.WsNodeUpdate
	}

	entries := make([]entry, 0, len(doc.Nodes))
	for nodeID, node := range doc.Nodes {
		entries = append(entries, entry{nodeID: nodeID, update: instanceUpdate(doc, nodeID, "", node.NodeExecutionInstance)})
		for lineageKey, inst := range node.Lineages {
			entries = append(entries, entry{nodeID: nodeID, update: instanceUpdate(doc, nodeID, lineageKey, inst)})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		ei, ej := entries[i].update, entries[j].update
		if ei.ExecutedAt != ej.ExecutedAt {
			return ei.ExecutedAt < ej.ExecutedAt
		}
		return entries[i].nodeID < entries[j].nodeID
	})

	for _, e := range entries {
		payload, err := e.update.Marshal()
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return err
		}
	}

	if doc.Status == "completed" || doc.Status == "failed" {
		completion := ws.WsNodeUpdate{
			Type:          "completion",
			WorkflowID:    doc.WorkflowID,
			ExecutionID:   doc.ExecutionID,
			Status:        doc.Status,
			FinalContext:  doc.FinalContext,
			FailureReason: doc.FailureReason,
		}
		payload, err := completion.Marshal()
		if err != nil {
			return nil
		}
		return conn.WriteMessage(websocket.TextMessage, payload)
	}

	return nil
}

// instanceUpdate converts one node's base execution, or one of its
// lineage branches, into the wire DTO. lineageKey is empty for the
// base execution and carries NodeName for a lineage branch, since
// HydratedNode itself has no human-readable node name to report.
func instanceUpdate(doc *domain.ExecutionDocument, nodeID, lineageKey string, inst domain.NodeExecutionInstance) ws.WsNodeUpdate {
	status := ""
	if inst.Status != nil {
		status = *inst.Status
	}
	executedAt := ""
	if inst.ExecutedAt != nil {
		executedAt = *inst.ExecutedAt
	}
	durationMs := int64(0)
	if inst.DurationMs != nil {
		durationMs = *inst.DurationMs
	}

	return ws.WsNodeUpdate{
		Type:         "node_status",
		WorkflowID:   doc.WorkflowID,
		ExecutionID:  doc.ExecutionID,
		NodeID:       nodeID,
		NodeName:     lineageKey,
		Status:       status,
		Input:        inst.Input,
		Params:       inst.Parameters,
		Output:       inst.Output,
		Error:        inst.Error,
		ExecutedAt:   executedAt,
		DurationMs:   durationMs,
		LineageHash:  inst.LineageHash,
		LineageStack: inst.LineageStack,
		UsedInputs:   inst.UsedInputs,
	}
}
