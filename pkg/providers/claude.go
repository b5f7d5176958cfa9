package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lorekeep/lorekeep/pkg/domain"
)

const anthropicVersion = "2023-06-01"

type claudeHandle struct {
	apiKey  string
	baseURL string
	model   string
	exec    ExecutionSettings
	client  *http.Client
}

func newClaudeHandle(apiKey, baseURL, model string, exec ExecutionSettings) *claudeHandle {
	return &claudeHandle{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		exec:    exec,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (h *claudeHandle) Provider() string { return "anthropic" }

func (h *claudeHandle) Model() string { return h.model }

func (h *claudeHandle) SupportsTools(context.Context) bool { return true }

// Claude wire types. Content is a block list; text, tool_use and
// tool_result blocks cover everything the orchestrator produces.
type claudeContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type claudeMessage struct {
	Role    string               `json:"role"`
	Content []claudeContentBlock `json:"content"`
}

type claudeTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type claudeRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	System        string          `json:"system,omitempty"`
	Messages      []claudeMessage `json:"messages"`
	Temperature   *float64        `json:"temperature,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         []claudeTool    `json:"tools,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeResponse struct {
	Content    []claudeContentBlock `json:"content"`
	StopReason string               `json:"stop_reason"`
	Usage      claudeUsage          `json:"usage"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (h *claudeHandle) Complete(ctx context.Context, messages []ChatMessage, opts Options) (*Completion, error) {
	req := h.buildRequest(messages, opts)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal claude request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build claude request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", h.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: claude call cancelled", domain.ErrCancelled)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read claude response: %v", domain.ErrProviderFailed, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: claude returned %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: claude returned %d: %s", domain.ErrProviderFailed,
			resp.StatusCode, truncateBody(raw))
	}

	var parsed claudeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode claude response: %v", domain.ErrProviderFailed, err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderFailed, parsed.Error.Message)
	}

	out := &Completion{
		PromptTokens:     parsed.Usage.InputTokens,
		CompletionTokens: parsed.Usage.OutputTokens,
	}
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			out.Reply += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	return out, nil
}

// CompleteStreaming completes the call and delivers the reply as a
// single delta; the HTTP API does not use SSE here.
func (h *claudeHandle) CompleteStreaming(ctx context.Context, messages []ChatMessage, opts Options, fn StreamFunc) (*Completion, error) {
	out, err := h.Complete(ctx, messages, opts)
	if err != nil {
		return nil, err
	}
	if out.Reply != "" && fn != nil {
		fn(out.Reply)
	}
	return out, nil
}

func (h *claudeHandle) buildRequest(messages []ChatMessage, opts Options) claudeRequest {
	req := claudeRequest{
		Model:         h.model,
		MaxTokens:     h.exec.MaxTokens,
		StopSequences: h.exec.StopSequences,
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if len(opts.StopSequences) > 0 {
		req.StopSequences = opts.StopSequences
	}
	if opts.Temperature >= 0 {
		t := opts.Temperature
		req.Temperature = &t
	}
	for _, tool := range opts.Tools {
		req.Tools = append(req.Tools, claudeTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			// Claude takes the system prompt as a top-level field.
			req.System = m.Content
		case RoleAssistant:
			msg := claudeMessage{Role: "assistant"}
			if m.Content != "" {
				msg.Content = append(msg.Content, claudeContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				msg.Content = append(msg.Content, claudeContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: json.RawMessage(tc.Arguments),
				})
			}
			req.Messages = append(req.Messages, msg)
		case RoleTool:
			req.Messages = append(req.Messages, claudeMessage{
				Role: "user",
				Content: []claudeContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		default:
			req.Messages = append(req.Messages, claudeMessage{
				Role:    "user",
				Content: []claudeContentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}
	return req
}

func truncateBody(raw []byte) string {
	const limit = 512
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}
