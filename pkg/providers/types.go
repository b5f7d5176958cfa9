// Package providers produces chat handles for the supported model
// families. All handles speak the same message shape; provider wire
// formats stay inside their own files.
package providers

import "context"

// Role values used in ChatMessage.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one turn of model input. ToolCalls is set on assistant
// messages that requested tools; ToolCallID ties a tool-role message back
// to the call it answers.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a model-requested tool invocation; Arguments is raw JSON.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDef describes a callable tool; Parameters is a JSON schema object.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Options tunes one completion call.
type Options struct {
	Temperature   float64
	MaxTokens     int
	StopSequences []string
	Tools         []ToolDef
}

// Completion is the result of one model call. When the model requested
// tools, ToolCalls is non-empty and Reply may be empty.
type Completion struct {
	Reply            string
	ToolCalls        []ToolCall
	PromptTokens     int
	CompletionTokens int
}

// StreamFunc receives text deltas in order. Providers without native
// streaming synthesize a single final delta.
type StreamFunc func(delta string)

// ChatHandle is one provider+model binding. Handles are cached and safe
// for concurrent use.
type ChatHandle interface {
	Provider() string
	Model() string
	SupportsTools(ctx context.Context) bool
	Complete(ctx context.Context, messages []ChatMessage, opts Options) (*Completion, error)
	CompleteStreaming(ctx context.Context, messages []ChatMessage, opts Options, fn StreamFunc) (*Completion, error)
}
