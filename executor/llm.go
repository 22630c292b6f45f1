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

// LLMProvider is one model backend's request/response shape. SCP ships
// one implementation, AnthropicProvider; there are no Bedrock or Gemini
// providers in this package.
type LLMProvider interface {
	Name() string
	BuildRequest(ctx context.Context, prompt string, params map[string]interface{}, apiKey string) (*http.Request, error)
	ParseResponse(body []byte) (string, error)
}

// LLMExecutor dispatches LLM_CALL-format instructions to a configured
// provider, the generalization of the teacher's per-provider AIClient
// implementations behind one Executor.
type LLMExecutor struct {
	client   *http.Client
	provider LLMProvider
}

// NewLLMExecutor constructs an LLMExecutor bound to one provider.
func NewLLMExecutor(provider LLMProvider) *LLMExecutor {
	return &LLMExecutor{client: &http.Client{Timeout: 60 * time.Second}, provider: provider}
}

func (e *LLMExecutor) Execute(ctx context.Context, req Request) Response {
	start := time.Now()

	prompt, _ := req.Operands["prompt"].(string)
	if prompt == "" {
		return timed(start, nil, nil, executorErr("MISSING_PROMPT", "LLM executor requires operands.prompt", nil))
	}
	params, _ := req.Operands["parameters"].(map[string]interface{})
	apiKey := req.Secrets["apiKey"]

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	httpReq, err := e.provider.BuildRequest(ctx, prompt, params, apiKey)
	if err != nil {
		return timed(start, nil, nil, executorErr("BUILD_REQUEST_FAILED", "failed to build provider request", err))
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return timed(start, nil, []string{e.provider.Name()}, executorErr("PROVIDER_CALL_FAILED", "LLM provider call failed", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return timed(start, nil, []string{e.provider.Name()}, executorErr("READ_RESPONSE_FAILED", "failed to read provider response", err))
	}
	if resp.StatusCode >= 300 {
		return timed(start, nil, []string{e.provider.Name()}, executorErr("PROVIDER_STATUS", fmt.Sprintf("provider returned status %d", resp.StatusCode), nil))
	}

	text, err := e.provider.ParseResponse(body)
	if err != nil {
		return timed(start, nil, []string{e.provider.Name()}, executorErr("PARSE_RESPONSE_FAILED", "failed to parse provider response", err))
	}
	return timed(start, text, []string{e.provider.Name()}, nil)
}

// AnthropicProvider implements LLMProvider against Anthropic's native
// Messages API, the same endpoint and header shape as the teacher's
// ai/providers/anthropic.Client.
type AnthropicProvider struct {
	BaseURL string
}

// NewAnthropicProvider constructs an AnthropicProvider, defaulting
// BaseURL to Anthropic's public API.
func NewAnthropicProvider() *AnthropicProvider {
	return &AnthropicProvider{BaseURL: "https://api.anthropic.com/v1"}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) BuildRequest(ctx context.Context, prompt string, params map[string]interface{}, apiKey string) (*http.Request, error) {
	model, _ := params["model"].(string)
	if model == "" {
		model = "claude-3-5-sonnet-20241022"
	}
	maxTokens, _ := params["maxTokens"].(float64)
	if maxTokens == 0 {
		maxTokens = 1000
	}

	body, err := json.Marshal(map[string]interface{}{
		"model":      model,
		"max_tokens": int(maxTokens),
		"messages":   []map[string]string{{"role": "user", "content": prompt}},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	return req, nil
}

func (p *AnthropicProvider) ParseResponse(body []byte) (string, error) {
	var decoded struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", err
	}
	if len(decoded.Content) == 0 {
		return "", fmt.Errorf("empty content in anthropic response")
	}
	return decoded.Content[0].Text, nil
}
