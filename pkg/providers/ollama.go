package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lorekeep/lorekeep/pkg/domain"
)

type ollamaHandle struct {
	baseURL string
	model   string
	exec    ExecutionSettings
	client  *http.Client

	mu        sync.Mutex
	toolsOK   bool
	toolsKnow bool
}

func newOllamaHandle(baseURL, model string, exec ExecutionSettings) *ollamaHandle {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &ollamaHandle{
		baseURL: baseURL,
		model:   model,
		exec:    exec,
		client:  &http.Client{Timeout: 300 * time.Second},
	}
}

func (h *ollamaHandle) Provider() string { return "ollama" }

func (h *ollamaHandle) Model() string { return h.model }

// SupportsTools probes /api/show once per handle and caches the answer;
// local models vary and sending tools to one that lacks the capability
// is a hard error.
func (h *ollamaHandle) SupportsTools(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.toolsKnow {
		return h.toolsOK
	}

	body, _ := json.Marshal(map[string]string{"model": h.model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.baseURL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		// Probe failures are not cached so a restarted daemon recovers.
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var show struct {
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&show); err != nil {
		return false
	}
	for _, c := range show.Capabilities {
		if c == "tools" {
			h.toolsOK = true
		}
	}
	h.toolsKnow = true
	return h.toolsOK
}

// Ollama wire types for /api/chat.
type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Tools    []map[string]any    `json:"tools,omitempty"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaChatMessage `json:"message"`
	Done            bool              `json:"done"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
	Error           string            `json:"error,omitempty"`
}

func (h *ollamaHandle) Complete(ctx context.Context, messages []ChatMessage, opts Options) (*Completion, error) {
	resp, err := h.call(ctx, h.buildRequest(messages, opts, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode ollama response: %v", domain.ErrProviderFailed, err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderFailed, parsed.Error)
	}
	return h.toCompletion(&parsed, parsed.Message.Content)
}

// CompleteStreaming reads the NDJSON stream, forwarding content deltas
// as they arrive. Tool calls, when present, ride the final frame.
func (h *ollamaHandle) CompleteStreaming(ctx context.Context, messages []ChatMessage, opts Options, fn StreamFunc) (*Completion, error) {
	resp, err := h.call(ctx, h.buildRequest(messages, opts, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var reply bytes.Buffer
	var final ollamaChatResponse
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var frame ollamaChatResponse
		if err := json.Unmarshal(line, &frame); err != nil {
			return nil, fmt.Errorf("%w: decode ollama stream frame: %v", domain.ErrProviderFailed, err)
		}
		if frame.Error != "" {
			return nil, fmt.Errorf("%w: %s", domain.ErrProviderFailed, frame.Error)
		}
		if frame.Message.Content != "" {
			reply.WriteString(frame.Message.Content)
			if fn != nil {
				fn(frame.Message.Content)
			}
		}
		if len(frame.Message.ToolCalls) > 0 {
			final.Message.ToolCalls = frame.Message.ToolCalls
		}
		if frame.Done {
			final.PromptEvalCount = frame.PromptEvalCount
			final.EvalCount = frame.EvalCount
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: ollama stream cancelled", domain.ErrCancelled)
		}
		return nil, fmt.Errorf("%w: read ollama stream: %v", domain.ErrProviderUnavailable, err)
	}
	return h.toCompletion(&final, reply.String())
}

func (h *ollamaHandle) toCompletion(resp *ollamaChatResponse, reply string) (*Completion, error) {
	out := &Completion{
		Reply:            reply,
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
	}
	for i, tc := range resp.Message.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			return nil, fmt.Errorf("%w: encode tool call arguments: %v", domain.ErrProviderFailed, err)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			// Ollama does not assign call ids; synthesize stable ones.
			ID:        fmt.Sprintf("call_%d_%s", i, tc.Function.Name),
			Name:      tc.Function.Name,
			Arguments: string(args),
		})
	}
	return out, nil
}

func (h *ollamaHandle) call(ctx context.Context, req *ollamaChatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: ollama call cancelled", domain.ErrCancelled)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: ollama returned %d", domain.ErrProviderUnavailable, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: ollama returned %d: %s", domain.ErrProviderFailed,
			resp.StatusCode, truncateBody(raw))
	}
	return resp, nil
}

func (h *ollamaHandle) buildRequest(messages []ChatMessage, opts Options, stream bool) *ollamaChatRequest {
	req := &ollamaChatRequest{
		Model:   h.model,
		Stream:  stream,
		Options: map[string]any{},
	}
	if opts.Temperature >= 0 {
		req.Options["temperature"] = opts.Temperature
	}
	maxTokens := h.exec.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	if maxTokens > 0 {
		req.Options["num_predict"] = maxTokens
	}
	if stops := opts.StopSequences; len(stops) > 0 {
		req.Options["stop"] = stops
	} else if len(h.exec.StopSequences) > 0 {
		req.Options["stop"] = h.exec.StopSequences
	}

	for _, tool := range opts.Tools {
		req.Tools = append(req.Tools, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.Parameters,
			},
		})
	}

	for _, m := range messages {
		msg := ollamaChatMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var call ollamaToolCall
			call.Function.Name = tc.Name
			_ = json.Unmarshal([]byte(tc.Arguments), &call.Function.Arguments)
			msg.ToolCalls = append(msg.ToolCalls, call)
		}
		req.Messages = append(req.Messages, msg)
	}
	return req
}
