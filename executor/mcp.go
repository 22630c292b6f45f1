package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// mcpRequest is a JSON-RPC 2.0 envelope, the wire protocol the Model
// Context Protocol uses for tool invocation.
type mcpRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type mcpResponse struct {
	Result interface{} `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// MCPExecutor dispatches MCP-format calls as JSON-RPC 2.0 "tools/call"
// requests to an MCP server endpoint.
type MCPExecutor struct {
	client *http.Client
}

// NewMCPExecutor constructs an MCPExecutor with a bounded-timeout client.
func NewMCPExecutor() *MCPExecutor {
	return &MCPExecutor{client: &http.Client{Timeout: 30 * time.Second}}
}

func (e *MCPExecutor) Execute(ctx context.Context, req Request) Response {
	start := time.Now()

	endpoint, _ := req.Operands["endpoint"].(string)
	toolName, _ := req.Operands["toolName"].(string)
	if endpoint == "" || toolName == "" {
		return timed(start, nil, nil, executorErr("MISSING_OPERANDS", "MCP executor requires operands.endpoint and operands.toolName", nil))
	}

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	envelope := mcpRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "tools/call",
		Params:  map[string]interface{}{"name": toolName, "arguments": req.Inputs},
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return timed(start, nil, nil, executorErr("MARSHAL_FAILED", "failed to marshal MCP request", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return timed(start, nil, nil, executorErr("BUILD_REQUEST_FAILED", "failed to build MCP request", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return timed(start, nil, []string{toolName}, executorErr("MCP_CALL_FAILED", "MCP server call failed", err))
	}
	defer resp.Body.Close()

	var decoded mcpResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return timed(start, nil, []string{toolName}, executorErr("DECODE_FAILED", "failed to decode MCP response", err))
	}
	if decoded.Error != nil {
		return timed(start, nil, []string{toolName}, executorErr("MCP_TOOL_ERROR", fmt.Sprintf("MCP tool error %d: %s", decoded.Error.Code, decoded.Error.Message), nil))
	}
	return timed(start, decoded.Result, []string{toolName}, nil)
}
