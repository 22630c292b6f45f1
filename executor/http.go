package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPExecutor dispatches HTTP-format calls with the standard library
// client, the same request-construction idiom used throughout the
// corpus for agent-to-agent and provider calls.
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor constructs an HTTPExecutor with a bounded-timeout client.
func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{client: &http.Client{Timeout: 30 * time.Second}}
}

func (e *HTTPExecutor) Execute(ctx context.Context, req Request) Response {
	start := time.Now()

	url, _ := req.Operands["url"].(string)
	method, _ := req.Operands["method"].(string)
	if method == "" {
		method = http.MethodPost
	}
	if url == "" {
		return timed(start, nil, nil, executorErr("MISSING_URL", "HTTP executor requires operands.url", nil))
	}

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	body, err := json.Marshal(req.Inputs)
	if err != nil {
		return timed(start, nil, nil, executorErr("MARSHAL_FAILED", "failed to marshal request body", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return timed(start, nil, nil, executorErr("BUILD_REQUEST_FAILED", "failed to build HTTP request", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if headers, ok := req.Operands["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				httpReq.Header.Set(k, s)
			}
		}
	}
	for key, secret := range req.Secrets {
		httpReq.Header.Set(key, secret)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return timed(start, nil, []string{url}, executorErr("HTTP_CALL_FAILED", "HTTP request failed", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return timed(start, nil, []string{url}, executorErr("READ_RESPONSE_FAILED", "failed to read HTTP response body", err))
	}
	if resp.StatusCode >= 300 {
		return timed(start, nil, []string{url}, executorErr("HTTP_STATUS", fmt.Sprintf("upstream returned status %d", resp.StatusCode), nil))
	}

	var out interface{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			out = string(respBody)
		}
	}
	return timed(start, out, []string{url}, nil)
}
