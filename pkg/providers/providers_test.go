package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/pkg/domain"
	"github.com/lorekeep/lorekeep/pkg/metastore"
)

func TestClaudeCompleteMapsMessagesAndTools(t *testing.T) {
	var got claudeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(claudeResponse{
			Content: []claudeContentBlock{
				{Type: "text", Text: "checking the index"},
				{Type: "tool_use", ID: "toolu_1", Name: "search_knowledge",
					Input: json.RawMessage(`{"query":"go"}`)},
			},
			Usage: claudeUsage{InputTokens: 42, OutputTokens: 7},
		})
	}))
	defer srv.Close()

	h := newClaudeHandle("test-key", srv.URL, "claude-sonnet-4", ExecutionSettings{MaxTokens: 1024})
	out, err := h.Complete(context.Background(), []ChatMessage{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "find go docs"},
	}, Options{
		Temperature: 0.2,
		Tools:       []ToolDef{{Name: "search_knowledge", Description: "search", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)

	assert.Equal(t, "be brief", got.System)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.2, *got.Temperature, 1e-9)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "search_knowledge", got.Tools[0].Name)

	assert.Equal(t, "checking the index", out.Reply)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "toolu_1", out.ToolCalls[0].ID)
	assert.JSONEq(t, `{"query":"go"}`, out.ToolCalls[0].Arguments)
	assert.Equal(t, 42, out.PromptTokens)
	assert.Equal(t, 7, out.CompletionTokens)
}

func TestClaudeToolResultBecomesUserBlock(t *testing.T) {
	var got claudeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(claudeResponse{
			Content: []claudeContentBlock{{Type: "text", Text: "done"}},
		})
	}))
	defer srv.Close()

	h := newClaudeHandle("k", srv.URL, "claude-sonnet-4", ExecutionSettings{MaxTokens: 256})
	_, err := h.Complete(context.Background(), []ChatMessage{
		{Role: RoleUser, Content: "search"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "toolu_9", Name: "search_knowledge", Arguments: `{}`}}},
		{Role: RoleTool, ToolCallID: "toolu_9", Content: `{"hits":[]}`},
	}, Options{Temperature: -1})
	require.NoError(t, err)

	require.Len(t, got.Messages, 3)
	assert.Equal(t, "assistant", got.Messages[1].Role)
	assert.Equal(t, "tool_use", got.Messages[1].Content[0].Type)
	assert.Equal(t, "user", got.Messages[2].Role)
	assert.Equal(t, "tool_result", got.Messages[2].Content[0].Type)
	assert.Equal(t, "toolu_9", got.Messages[2].Content[0].ToolUseID)
	assert.Nil(t, got.Temperature, "negative temperature means provider default")
}

func TestClaudeServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := newClaudeHandle("k", srv.URL, "claude-sonnet-4", ExecutionSettings{MaxTokens: 256})
	_, err := h.Complete(context.Background(), []ChatMessage{{Role: RoleUser, Content: "hi"}}, Options{})
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestClaudeBadRequestIsProviderFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"type":"invalid_request_error","message":"bad"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	h := newClaudeHandle("k", srv.URL, "claude-sonnet-4", ExecutionSettings{MaxTokens: 256})
	_, err := h.Complete(context.Background(), []ChatMessage{{Role: RoleUser, Content: "hi"}}, Options{})
	assert.ErrorIs(t, err, domain.ErrProviderFailed)
}

func TestClaudeStreamingSynthesizesOneDelta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(claudeResponse{
			Content: []claudeContentBlock{{Type: "text", Text: "whole reply"}},
		})
	}))
	defer srv.Close()

	h := newClaudeHandle("k", srv.URL, "claude-sonnet-4", ExecutionSettings{MaxTokens: 256})
	var deltas []string
	out, err := h.CompleteStreaming(context.Background(),
		[]ChatMessage{{Role: RoleUser, Content: "hi"}}, Options{},
		func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)
	assert.Equal(t, []string{"whole reply"}, deltas)
	assert.Equal(t, "whole reply", out.Reply)
}

func TestGeminiCompleteMapsRolesAndFunctionCalls(t *testing.T) {
	var got geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, ":generateContent")
		assert.Equal(t, "g-key", r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{
			"candidates":[{"content":{"role":"model","parts":[
				{"text":"looking"},
				{"functionCall":{"name":"search_knowledge","args":{"query":"go"}}}
			]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":11,"candidatesTokenCount":3}
		}`))
	}))
	defer srv.Close()

	h := newGeminiHandle("g-key", srv.URL, "gemini-2.0-flash", ExecutionSettings{MaxTokens: 512})
	out, err := h.Complete(context.Background(), []ChatMessage{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "find go docs"},
		{Role: RoleAssistant, Content: "on it"},
	}, Options{Temperature: 0.5})
	require.NoError(t, err)

	require.NotNil(t, got.SystemInstruction)
	assert.Equal(t, "be brief", got.SystemInstruction.Parts[0].Text)
	require.Len(t, got.Contents, 2)
	assert.Equal(t, "user", got.Contents[0].Role)
	assert.Equal(t, "model", got.Contents[1].Role)

	assert.Equal(t, "looking", out.Reply)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "search_knowledge", out.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"go"}`, out.ToolCalls[0].Arguments)
	assert.Equal(t, 11, out.PromptTokens)
	assert.Equal(t, 3, out.CompletionTokens)
}

func TestGeminiToolResultBecomesFunctionResponse(t *testing.T) {
	var got geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
	}))
	defer srv.Close()

	h := newGeminiHandle("k", srv.URL, "gemini-2.0-flash", ExecutionSettings{MaxTokens: 512})
	_, err := h.Complete(context.Background(), []ChatMessage{
		{Role: RoleUser, Content: "search"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_search_knowledge", Name: "search_knowledge", Arguments: `{"query":"x"}`}}},
		{Role: RoleTool, Name: "search_knowledge", ToolCallID: "call_search_knowledge", Content: `{"hits":[]}`},
	}, Options{Temperature: -1})
	require.NoError(t, err)

	require.Len(t, got.Contents, 3)
	require.NotNil(t, got.Contents[1].Parts[0].FunctionCall)
	require.NotNil(t, got.Contents[2].Parts[0].FunctionResponse)
	assert.Equal(t, "search_knowledge", got.Contents[2].Parts[0].FunctionResponse.Name)
}

func TestGeminiRateLimitIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h := newGeminiHandle("k", srv.URL, "gemini-2.0-flash", ExecutionSettings{MaxTokens: 512})
	_, err := h.Complete(context.Background(), []ChatMessage{{Role: RoleUser, Content: "hi"}}, Options{})
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestOllamaCompleteAndToolCallIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "qwen3", req.Model)
		_, _ = w.Write([]byte(`{
			"message":{"role":"assistant","content":"",
				"tool_calls":[{"function":{"name":"search_knowledge","arguments":{"query":"go"}}}]},
			"done":true,"prompt_eval_count":20,"eval_count":5
		}`))
	}))
	defer srv.Close()

	h := newOllamaHandle(srv.URL, "qwen3", ExecutionSettings{MaxTokens: 512})
	out, err := h.Complete(context.Background(),
		[]ChatMessage{{Role: RoleUser, Content: "find go docs"}},
		Options{Temperature: 0.1, Tools: []ToolDef{{Name: "search_knowledge", Parameters: map[string]any{"type": "object"}}}})
	require.NoError(t, err)

	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "call_0_search_knowledge", out.ToolCalls[0].ID)
	assert.JSONEq(t, `{"query":"go"}`, out.ToolCalls[0].Arguments)
	assert.Equal(t, 20, out.PromptTokens)
	assert.Equal(t, 5, out.CompletionTokens)
}

func TestOllamaStreamingDeliversDeltasInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		_, _ = w.Write([]byte(
			`{"message":{"role":"assistant","content":"Hel"},"done":false}` + "\n" +
				`{"message":{"role":"assistant","content":"lo"},"done":false}` + "\n" +
				`{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":8,"eval_count":2}` + "\n"))
	}))
	defer srv.Close()

	h := newOllamaHandle(srv.URL, "qwen3", ExecutionSettings{MaxTokens: 512})
	var deltas []string
	out, err := h.CompleteStreaming(context.Background(),
		[]ChatMessage{{Role: RoleUser, Content: "hi"}}, Options{},
		func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.Equal(t, "Hello", out.Reply)
	assert.Equal(t, 8, out.PromptTokens)
	assert.Equal(t, 2, out.CompletionTokens)
}

func TestOllamaSupportsToolsProbesOnce(t *testing.T) {
	var showCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/show", r.URL.Path)
		showCalls++
		_, _ = w.Write([]byte(`{"capabilities":["completion","tools"]}`))
	}))
	defer srv.Close()

	h := newOllamaHandle(srv.URL, "qwen3", ExecutionSettings{})
	assert.True(t, h.SupportsTools(context.Background()))
	assert.True(t, h.SupportsTools(context.Background()))
	assert.Equal(t, 1, showCalls, "capability probe is cached per handle")
}

func TestOllamaSupportsToolsFalseWithoutCapability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"capabilities":["completion"]}`))
	}))
	defer srv.Close()

	h := newOllamaHandle(srv.URL, "tinyllama", ExecutionSettings{})
	assert.False(t, h.SupportsTools(context.Background()))
}

func TestOllamaServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := newOllamaHandle(srv.URL, "qwen3", ExecutionSettings{})
	_, err := h.Complete(context.Background(), []ChatMessage{{Role: RoleUser, Content: "hi"}}, Options{})
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func newFactoryFixture(t *testing.T) *Factory {
	t.Helper()
	store, err := metastore.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })
	return NewFactory(metastore.NewSettings(store, nil), "http://localhost:11434")
}

func TestFactoryCachesHandles(t *testing.T) {
	f := newFactoryFixture(t)

	a, err := f.Handle("ollama", "qwen3")
	require.NoError(t, err)
	b, err := f.Handle("Ollama", "qwen3")
	require.NoError(t, err)
	assert.Same(t, a, b, "provider name lookup is case-insensitive")

	c, err := f.Handle("ollama", "llama3")
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestFactoryMissingKeyIsConfigMissing(t *testing.T) {
	f := newFactoryFixture(t)

	// Keys exported in the surrounding environment would short-circuit
	// the lookup.
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")

	for _, provider := range []string{"openai", "anthropic", "google"} {
		_, err := f.Handle(provider, "some-model")
		assert.ErrorIs(t, err, domain.ErrConfigMissing, provider)
	}
}

func TestFactoryReadsKeyFromEnv(t *testing.T) {
	f := newFactoryFixture(t)
	t.Setenv("ANTHROPIC_API_KEY", "env-key")

	h, err := f.Handle("anthropic", "claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", h.Provider())
	assert.Equal(t, "claude-sonnet-4", h.Model())
	assert.True(t, h.SupportsTools(context.Background()))
}

func TestFactoryUnknownProvider(t *testing.T) {
	f := newFactoryFixture(t)
	t.Setenv("OPENAI_API_KEY", "k")

	_, err := f.Handle("cohere", "command-r")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.True(t, strings.Contains(err.Error(), "cohere"))
}
