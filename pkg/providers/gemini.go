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

type geminiHandle struct {
	apiKey  string
	baseURL string
	model   string
	exec    ExecutionSettings
	client  *http.Client
}

func newGeminiHandle(apiKey, baseURL, model string, exec ExecutionSettings) *geminiHandle {
	return &geminiHandle{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		exec:    exec,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (h *geminiHandle) Provider() string { return "google" }

func (h *geminiHandle) Model() string { return h.model }

func (h *geminiHandle) SupportsTools(context.Context) bool { return true }

// Gemini API types.
type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	Tools             []geminiTool      `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *geminiFuncCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResponse `json:"functionResponse,omitempty"`
}

type geminiFuncCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFuncResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations"`
}

type geminiFuncDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type geminiGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (h *geminiHandle) Complete(ctx context.Context, messages []ChatMessage, opts Options) (*Completion, error) {
	req := h.buildRequest(messages, opts)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", h.baseURL, h.model, h.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: gemini call cancelled", domain.ErrCancelled)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read gemini response: %v", domain.ErrProviderFailed, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: gemini returned %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: gemini returned %d: %s", domain.ErrProviderFailed,
			resp.StatusCode, truncateBody(raw))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode gemini response: %v", domain.ErrProviderFailed, err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderFailed, parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates returned", domain.ErrProviderFailed)
	}

	out := &Completion{
		PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
		CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
	}
	for _, part := range parsed.Candidates[0].Content.Parts {
		if part.Text != "" {
			out.Reply += part.Text
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				return nil, fmt.Errorf("%w: encode function call args: %v", domain.ErrProviderFailed, err)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				// Gemini does not assign call ids; the name doubles as one.
				ID:        "call_" + part.FunctionCall.Name,
				Name:      part.FunctionCall.Name,
				Arguments: string(args),
			})
		}
	}
	return out, nil
}

// CompleteStreaming completes the call and delivers the reply as a
// single delta.
func (h *geminiHandle) CompleteStreaming(ctx context.Context, messages []ChatMessage, opts Options, fn StreamFunc) (*Completion, error) {
	out, err := h.Complete(ctx, messages, opts)
	if err != nil {
		return nil, err
	}
	if out.Reply != "" && fn != nil {
		fn(out.Reply)
	}
	return out, nil
}

func (h *geminiHandle) buildRequest(messages []ChatMessage, opts Options) *geminiRequest {
	req := &geminiRequest{GenerationConfig: &geminiGenConfig{}}

	maxTokens := h.exec.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	if maxTokens > 0 {
		req.GenerationConfig.MaxOutputTokens = &maxTokens
	}
	if opts.Temperature >= 0 {
		t := opts.Temperature
		req.GenerationConfig.Temperature = &t
	}
	if len(opts.StopSequences) > 0 {
		req.GenerationConfig.StopSequences = opts.StopSequences
	} else {
		req.GenerationConfig.StopSequences = h.exec.StopSequences
	}

	if len(opts.Tools) > 0 {
		tool := geminiTool{}
		for _, t := range opts.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, geminiFuncDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		req.Tools = []geminiTool{tool}
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
		case RoleAssistant:
			content := geminiContent{Role: "model"}
			if m.Content != "" {
				content.Parts = append(content.Parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal([]byte(tc.Arguments), &args)
				content.Parts = append(content.Parts, geminiPart{
					FunctionCall: &geminiFuncCall{Name: tc.Name, Args: args},
				})
			}
			req.Contents = append(req.Contents, content)
		case RoleTool:
			req.Contents = append(req.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFuncResponse{
						Name:     m.Name,
						Response: map[string]any{"result": m.Content},
					},
				}},
			})
		default:
			req.Contents = append(req.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: m.Content}},
			})
		}
	}
	return req
}
