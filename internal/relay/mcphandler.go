package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/relayhq/relay/pkg/dedupe"
)

// maxMCPBodyBytes bounds a single JSON-RPC request body.
const maxMCPBodyBytes = 4 << 20

// supportedProtocolVersions are the MCP revisions this server speaks. The
// first entry is offered when the client asks for something else.
var supportedProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

// MCPHandler serves MCP (Model Context Protocol) over streamable HTTP: one
// JSON-RPC request per POST, answered in the same HTTP response.
//
// The answer is a single JSON payload unless the client accepts only
// text/event-stream, in which case it is sent as one SSE "message" event.
// Either way the payload goes through the dedupe writer helpers so the
// coalescing middleware captures it.
type MCPHandler struct {
	tools       map[string]*tool
	toolList    []*tool
	widgets     map[string]*widget
	toolTimeout time.Duration
	version     string
	logger      *slog.Logger
}

// NewMCPHandler creates an MCPHandler.
func NewMCPHandler(tools []*tool, widgets map[string]*widget, toolTimeout time.Duration, version string, logger *slog.Logger) *MCPHandler {
	byName := make(map[string]*tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}
	return &MCPHandler{
		tools:       byName,
		toolList:    tools,
		widgets:     widgets,
		toolTimeout: toolTimeout,
		version:     version,
		logger:      logger,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// JSON-RPC 2.0 types
// ─────────────────────────────────────────────────────────────────────────────

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"` // number, string, or absent for notifications
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
)

func rpcError(id json.RawMessage, code int, msg string) *jsonRPCResponse {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &jsonRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonRPCError{Code: code, Message: msg},
	}
}

func rpcResult(id json.RawMessage, result any) *jsonRPCResponse {
	return &jsonRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// POST /mcp
// ─────────────────────────────────────────────────────────────────────────────

func (h *MCPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req jsonRPCRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMCPBodyBytes)).Decode(&req); err != nil {
		h.respond(w, r, http.StatusBadRequest, rpcError(nil, rpcParseError, "invalid JSON: "+err.Error()))
		return
	}
	if req.JSONRPC != "2.0" {
		h.respond(w, r, http.StatusBadRequest, rpcError(req.ID, rpcInvalidRequest, "jsonrpc must be \"2.0\""))
		return
	}
	if req.Method == "" {
		h.respond(w, r, http.StatusBadRequest, rpcError(req.ID, rpcInvalidRequest, "method is required"))
		return
	}

	// Notifications carry no id and get no JSON-RPC response.
	if len(req.ID) == 0 {
		h.logger.Debug("MCP notification", "method", req.Method)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	h.logger.Debug("MCP request", "method", req.Method)
	h.respond(w, r, http.StatusOK, h.dispatch(r.Context(), &req))
}

// dispatch processes one JSON-RPC request.
func (h *MCPHandler) dispatch(ctx context.Context, req *jsonRPCRequest) *jsonRPCResponse {
	switch req.Method {
	case "initialize":
		return h.handleInitialize(req)
	case "ping":
		return rpcResult(req.ID, map[string]any{})
	case "tools/list":
		return rpcResult(req.ID, map[string]any{"tools": h.toolList})
	case "tools/call":
		return h.handleToolsCall(ctx, req)
	case "resources/list":
		return h.handleResourcesList(req)
	case "resources/read":
		return h.handleResourcesRead(req)
	default:
		return rpcError(req.ID, rpcMethodNotFound, fmt.Sprintf("method %q not supported", req.Method))
	}
}

// respond writes resp as JSON, or as a single SSE event for stream-only clients.
func (h *MCPHandler) respond(w http.ResponseWriter, r *http.Request, status int, resp *jsonRPCResponse) {
	if !wantsEventStream(r) {
		if err := dedupe.WriteJSON(w, status, resp); err != nil {
			h.logger.Warn("writing MCP response", "error", err)
		}
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("marshaling MCP response", "error", err)
		writeErrorJSON(w, http.StatusInternalServerError, "server_error", "failed to encode response")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(status)
	fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// MCP method implementations
// ─────────────────────────────────────────────────────────────────────────────

// handleInitialize answers the MCP handshake, agreeing on the client's
// protocol version when it is one we support.
func (h *MCPHandler) handleInitialize(req *jsonRPCRequest) *jsonRPCResponse {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(req.Params, &params) // absent params just mean "no preference"

	version := supportedProtocolVersions[0]
	for _, v := range supportedProtocolVersions {
		if v == params.ProtocolVersion {
			version = v
			break
		}
	}

	return rpcResult(req.ID, map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "relay",
			"version": h.version,
		},
	})
}

// handleToolsCall runs a tool under the configured timeout. Tool failures
// come back as isError results; only malformed calls are JSON-RPC errors.
func (h *MCPHandler) handleToolsCall(ctx context.Context, req *jsonRPCRequest) *jsonRPCResponse {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcError(req.ID, rpcInvalidParams, "invalid params: "+err.Error())
	}
	if params.Name == "" {
		return rpcError(req.ID, rpcInvalidParams, "tool name is required")
	}
	if len(params.Arguments) == 0 || string(params.Arguments) == "null" {
		params.Arguments = json.RawMessage("{}")
	}

	t, ok := h.tools[params.Name]
	if !ok {
		return rpcError(req.ID, rpcInvalidParams, fmt.Sprintf("unknown tool %q", params.Name))
	}

	callCtx, cancel := context.WithTimeout(ctx, h.toolTimeout)
	defer cancel()

	start := time.Now()
	result, err := t.run(callCtx, params.Arguments)
	if err != nil {
		if errors.Is(err, errInvalidArguments) {
			return rpcError(req.ID, rpcInvalidParams, err.Error())
		}
		h.logger.Error("MCP tool call failed", "tool", params.Name, "error", err)
		return rpcError(req.ID, rpcInternalError, "tool execution failed: "+err.Error())
	}

	logArgs := []any{"tool", params.Name, "duration_ms", time.Since(start).Milliseconds()}
	if result.IsError && result.StructuredContent != nil {
		h.logger.Warn("MCP tool returned an error", append(logArgs, "error", result.StructuredContent.Error)...)
	} else {
		h.logger.Info("MCP tool call", logArgs...)
	}
	return rpcResult(req.ID, result)
}

func (h *MCPHandler) handleResourcesList(req *jsonRPCRequest) *jsonRPCResponse {
	type mcpResource struct {
		URI         string `json:"uri"`
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		MIMEType    string `json:"mimeType"`
	}

	resources := make([]mcpResource, 0, len(h.widgets))
	for _, w := range sortedWidgets(h.widgets) {
		resources = append(resources, mcpResource{
			URI:         w.URI,
			Name:        w.Name,
			Description: w.Description,
			MIMEType:    widgetMIMEType,
		})
	}
	return rpcResult(req.ID, map[string]any{"resources": resources})
}

func (h *MCPHandler) handleResourcesRead(req *jsonRPCRequest) *jsonRPCResponse {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcError(req.ID, rpcInvalidParams, "invalid params: "+err.Error())
	}
	w, ok := h.widgets[params.URI]
	if !ok {
		return rpcError(req.ID, rpcInvalidParams, fmt.Sprintf("unknown resource %q", params.URI))
	}
	return rpcResult(req.ID, map[string]any{"contents": []resourceContent{w.content()}})
}
