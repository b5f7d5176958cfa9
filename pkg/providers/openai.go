package providers

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/lorekeep/lorekeep/pkg/domain"
)

type openaiHandle struct {
	client openai.Client
	model  string
	exec   ExecutionSettings
}

func newOpenAIHandle(apiKey, baseURL, model string, exec ExecutionSettings) *openaiHandle {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &openaiHandle{
		client: openai.NewClient(opts...),
		model:  model,
		exec:   exec,
	}
}

func (h *openaiHandle) Provider() string { return "openai" }

func (h *openaiHandle) Model() string { return h.model }

func (h *openaiHandle) SupportsTools(context.Context) bool { return true }

func (h *openaiHandle) Complete(ctx context.Context, messages []ChatMessage, opts Options) (*Completion, error) {
	params, err := h.buildParams(messages, opts)
	if err != nil {
		return nil, err
	}

	completion, err := h.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAIChatError(ctx, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", domain.ErrProviderFailed)
	}

	choice := completion.Choices[0]
	out := &Completion{
		Reply:            choice.Message.Content,
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func (h *openaiHandle) CompleteStreaming(ctx context.Context, messages []ChatMessage, opts Options, fn StreamFunc) (*Completion, error) {
	// Tool-bearing turns go through the non-streaming call so tool call
	// arguments arrive whole; only the final textual turn streams.
	if len(opts.Tools) > 0 {
		out, err := h.Complete(ctx, messages, opts)
		if err != nil {
			return nil, err
		}
		if out.Reply != "" && len(out.ToolCalls) == 0 && fn != nil {
			fn(out.Reply)
		}
		return out, nil
	}

	params, err := h.buildParams(messages, opts)
	if err != nil {
		return nil, err
	}

	stream := h.client.Chat.Completions.NewStreaming(ctx, params)
	out := &Completion{}
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta != "" {
			out.Reply += delta
			if fn != nil {
				fn(delta)
			}
		}
		if chunk.Usage.TotalTokens > 0 {
			out.PromptTokens = int(chunk.Usage.PromptTokens)
			out.CompletionTokens = int(chunk.Usage.CompletionTokens)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classifyOpenAIChatError(ctx, err)
	}
	return out, nil
}

func (h *openaiHandle) buildParams(messages []ChatMessage, opts Options) (openai.ChatCompletionNewParams, error) {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			converted = append(converted, openai.SystemMessage(m.Content))
		case RoleUser:
			converted = append(converted, openai.UserMessage(m.Content))
		case RoleTool:
			converted = append(converted, openai.ToolMessage(m.Content, m.ToolCallID))
		case RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: m.Content,
			}
			if len(m.ToolCalls) > 0 {
				msg.ToolCalls = make([]openai.ChatCompletionMessageToolCallUnion, len(m.ToolCalls))
				for j, tc := range m.ToolCalls {
					msg.ToolCalls[j] = openai.ChatCompletionMessageToolCallUnion{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageFunctionToolCallFunction{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					}
				}
			}
			converted = append(converted, msg.ToParam())
		default:
			return openai.ChatCompletionNewParams{},
				fmt.Errorf("%w: unknown message role %q", domain.ErrValidation, m.Role)
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(h.model),
		Messages: converted,
	}
	if opts.Temperature >= 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	maxTokens := h.exec.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	if stops := opts.StopSequences; len(stops) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: stops}
	} else if len(h.exec.StopSequences) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: h.exec.StopSequences}
	}
	for _, tool := range opts.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        tool.Name,
			Description: openai.String(tool.Description),
			Parameters:  tool.Parameters,
		}))
	}
	return params, nil
}

func classifyOpenAIChatError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: completion cancelled", domain.ErrCancelled)
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
		}
		return fmt.Errorf("%w: %v", domain.ErrProviderFailed, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
}
