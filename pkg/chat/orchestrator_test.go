package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/pkg/agent"
	"github.com/lorekeep/lorekeep/pkg/domain"
	"github.com/lorekeep/lorekeep/pkg/ingest"
	"github.com/lorekeep/lorekeep/pkg/metastore"
	"github.com/lorekeep/lorekeep/pkg/providers"
	"github.com/lorekeep/lorekeep/pkg/usage"
	"github.com/lorekeep/lorekeep/pkg/vectorstore"
)

// constEmbedder keeps retrieval deterministic: every text embeds to the
// same unit vector, so any stored chunk matches any query.
type constEmbedder struct{}

func (constEmbedder) Model() string                          { return "test-embed" }
func (constEmbedder) Dimension(context.Context) (int, error) { return 2, nil }
func (constEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

// modelScript serves /api/show and a queue of /api/chat replies while
// recording every chat request it saw.
type modelScript struct {
	mu       sync.Mutex
	replies  []map[string]any
	requests []map[string]any
}

func (s *modelScript) push(reply map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, reply)
}

func (s *modelScript) pushText(text string) {
	s.push(map[string]any{
		"message": map[string]any{"role": "assistant", "content": text},
		"done":    true, "prompt_eval_count": 10, "eval_count": 5,
	})
}

func (s *modelScript) pushToolCall(name string, args map[string]any) {
	s.push(map[string]any{
		"message": map[string]any{
			"role": "assistant", "content": "",
			"tool_calls": []map[string]any{{"function": map[string]any{"name": name, "arguments": args}}},
		},
		"done": true, "prompt_eval_count": 10, "eval_count": 2,
	})
}

func (s *modelScript) seen(i int) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func (s *modelScript) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *modelScript) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/show":
			_, _ = w.Write([]byte(`{"capabilities":["completion","tools"]}`))
		case "/api/chat":
			var req map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			s.mu.Lock()
			s.requests = append(s.requests, req)
			require.NotEmpty(t, s.replies, "model script ran out of replies")
			reply := s.replies[0]
			s.replies = s.replies[1:]
			s.mu.Unlock()
			_ = json.NewEncoder(w).Encode(reply)
		default:
			http.NotFound(w, r)
		}
	})
}

type chatFixture struct {
	orchestrator  *Orchestrator
	conversations *metastore.Conversations
	collections   *metastore.Collections
	settings      *metastore.Settings
	usage         *usage.Service
	script        *modelScript
	collection    *domain.Collection
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	store, err := metastore.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })

	script := &modelScript{}
	srv := httptest.NewServer(script.handler(t))
	t.Cleanup(srv.Close)

	collections := metastore.NewCollections(store)
	conversations := metastore.NewConversations(store)
	settings := metastore.NewSettings(store, nil)
	vectors := vectorstore.NewMemory()
	emb := constEmbedder{}
	usageSvc := usage.NewService(metastore.NewUsageRepo(store), settings)
	factory := providers.NewFactory(settings, srv.URL)
	toolkit := agent.NewToolkit(collections, settings, emb, vectors, usageSvc, nil)

	col, err := collections.CreateCollection(context.Background(),
		"docs", "", "test-embed", domain.VectorStoreInMemory)
	require.NoError(t, err)
	pipe := ingest.New(collections, settings, emb, vectors)
	_, err = pipe.Ingest(context.Background(), "docs", ingest.Source{
		Path: "notes.txt",
		Data: []byte("The deployment runs on port 8080 behind nginx.\n"),
	})
	require.NoError(t, err)

	return &chatFixture{
		orchestrator:  NewOrchestrator(conversations, collections, settings, emb, vectors, factory, toolkit, usageSvc),
		conversations: conversations,
		collections:   collections,
		settings:      settings,
		usage:         usageSvc,
		script:        script,
		collection:    col,
	}
}

func (f *chatFixture) ask(t *testing.T, req *Request) *Response {
	t.Helper()
	resp, err := f.orchestrator.Ask(context.Background(), req)
	require.NoError(t, err)
	return resp
}

func TestAskCreatesConversationAndPersistsTurn(t *testing.T) {
	f := newChatFixture(t)
	f.script.pushText("Hello there.")

	resp := f.ask(t, &Request{
		Message: "hi", Provider: "ollama", Model: "qwen3",
		Temperature: UseDefaultTemperature,
	})
	assert.NotEmpty(t, resp.ConversationID)
	assert.Equal(t, "Hello there.", resp.Reply)

	msgs, err := f.conversations.Messages(context.Background(), resp.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, resp.ConversationID, "system message carries the conversation id marker")
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "assistant", msgs[2].Role)

	conv, err := f.conversations.Get(context.Background(), resp.ConversationID)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, conv.Temperature, 1e-9, "negative temperature falls back to the setting")
}

func TestAskContinuesExistingConversation(t *testing.T) {
	f := newChatFixture(t)
	f.script.pushText("first")
	f.script.pushText("second")

	resp1 := f.ask(t, &Request{Message: "one", Provider: "ollama", Model: "qwen3"})
	resp2 := f.ask(t, &Request{
		Message: "two", Provider: "ollama", Model: "qwen3",
		ConversationID: &resp1.ConversationID,
	})
	assert.Equal(t, resp1.ConversationID, resp2.ConversationID)

	// The second request carries the prior exchange.
	second := f.script.seen(1)
	msgs := second["messages"].([]any)
	var contents []string
	for _, m := range msgs {
		contents = append(contents, m.(map[string]any)["content"].(string))
	}
	assert.Contains(t, contents, "one")
	assert.Contains(t, contents, "first")
	assert.Contains(t, contents, "two")
}

func TestAskSwitchesProviderMidConversation(t *testing.T) {
	f := newChatFixture(t)
	t.Setenv("OPENAI_API_KEY", "")
	f.script.pushText("first")

	resp, err := f.orchestrator.Ask(context.Background(), &Request{
		Message: "one", Provider: "ollama", Model: "qwen3",
	})
	require.NoError(t, err)

	// The second turn names a different provider. No key is configured,
	// so it fails, but the metric must still name the provider that was
	// asked for.
	_, err = f.orchestrator.Ask(context.Background(), &Request{
		Message: "two", Provider: "openai", Model: "gpt-4o-mini",
		ConversationID: &resp.ConversationID,
	})
	assert.ErrorIs(t, err, domain.ErrConfigMissing)

	recent, err := f.usage.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.ElementsMatch(t, []string{"ollama", "openai"},
		[]string{recent[0].Provider, recent[1].Provider})
	assert.ElementsMatch(t, []string{"qwen3", "gpt-4o-mini"},
		[]string{recent[0].Model, recent[1].Model})
}

func TestAskTemperatureOverridesPerTurn(t *testing.T) {
	f := newChatFixture(t)
	f.script.pushText("one")
	f.script.pushText("two")
	f.script.pushText("three")

	resp := f.ask(t, &Request{
		Message: "a", Provider: "ollama", Model: "qwen3", Temperature: 0.9,
	})
	f.ask(t, &Request{
		Message: "b", Provider: "ollama", Model: "qwen3", Temperature: 0.2,
		ConversationID: &resp.ConversationID,
	})
	f.ask(t, &Request{
		Message: "c", Provider: "ollama", Model: "qwen3", Temperature: UseDefaultTemperature,
		ConversationID: &resp.ConversationID,
	})

	temp := func(i int) float64 {
		return f.script.seen(i)["options"].(map[string]any)["temperature"].(float64)
	}
	assert.InDelta(t, 0.9, temp(0), 1e-9)
	assert.InDelta(t, 0.2, temp(1), 1e-9, "an explicit temperature wins over the stored one")
	assert.InDelta(t, 0.9, temp(2), 1e-9, "omitting it falls back to the conversation default")
}

func TestAskSlidingWindowCapsHistory(t *testing.T) {
	f := newChatFixture(t)
	require.NoError(t, f.settings.Set("ChatMaxTurns", "2", "Chat", domain.SettingInteger))

	var convID *string
	for i := 0; i < 5; i++ {
		f.script.pushText("reply")
		resp := f.ask(t, &Request{
			Message: "question", Provider: "ollama", Model: "qwen3",
			ConversationID: convID,
		})
		convID = &resp.ConversationID
	}

	last := f.script.seen(4)
	msgs := last["messages"].([]any)
	// One system message, at most 2 prior pairs, plus the new user turn.
	assert.LessOrEqual(t, len(msgs), 2*2+1+1)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestAskWithKnowledgeInjectsRetrievedContext(t *testing.T) {
	f := newChatFixture(t)
	f.script.pushText("It runs on 8080.")

	knowledgeID := f.collection.ID
	resp := f.ask(t, &Request{
		Message: "what port?", Provider: "ollama", Model: "qwen3",
		KnowledgeID: &knowledgeID,
	})
	assert.Equal(t, "It runs on 8080.", resp.Reply)

	first := f.script.seen(0)
	msgs := first["messages"].([]any)
	system := msgs[0].(map[string]any)["content"].(string)
	assert.Contains(t, system, "port 8080 behind nginx")
	assert.Contains(t, system, "notes.txt")
}

func TestAskResolvesKnowledgeByName(t *testing.T) {
	f := newChatFixture(t)
	f.script.pushText("It runs on 8080.")

	name := "docs"
	f.ask(t, &Request{
		Message: "what port?", Provider: "ollama", Model: "qwen3",
		KnowledgeID: &name,
	})

	system := f.script.seen(0)["messages"].([]any)[0].(map[string]any)["content"].(string)
	assert.Contains(t, system, "port 8080 behind nginx",
		"the collection name addresses the same knowledge base as its id")
}

func TestAskWithUnknownKnowledgeDowngradesToEmptyContext(t *testing.T) {
	f := newChatFixture(t)
	f.script.pushText("no idea")

	missing := "not-a-collection"
	resp := f.ask(t, &Request{
		Message: "what port?", Provider: "ollama", Model: "qwen3",
		KnowledgeID: &missing,
	})
	assert.Equal(t, "no idea", resp.Reply)

	system := f.script.seen(0)["messages"].([]any)[0].(map[string]any)["content"].(string)
	assert.Contains(t, system, "No relevant context was found")
}

func TestAskAgentLoopInvokesToolAndFinishes(t *testing.T) {
	f := newChatFixture(t)
	f.script.pushToolCall("get_knowledge_base_summary", map[string]any{})
	f.script.pushText("You have one knowledge base.")

	resp := f.ask(t, &Request{
		Message: "how many knowledge bases?", Provider: "ollama", Model: "qwen3",
		UseAgent: true,
	})
	assert.Equal(t, "You have one knowledge base.", resp.Reply)
	require.Equal(t, 2, f.script.count())

	// The second dispatch includes the tool result message.
	second := f.script.seen(1)
	msgs := second["messages"].([]any)
	lastMsg := msgs[len(msgs)-1].(map[string]any)
	assert.Equal(t, "tool", lastMsg["role"])
	assert.Contains(t, lastMsg["content"], "totalDocuments")
}

func TestAskAgentIterationCap(t *testing.T) {
	f := newChatFixture(t)
	require.NoError(t, f.settings.Set("AgentMaxIterations", "2", "Chat", domain.SettingInteger))
	for i := 0; i < 3; i++ {
		f.script.pushToolCall("get_knowledge_base_summary", map[string]any{})
	}

	resp, err := f.orchestrator.Ask(context.Background(), &Request{
		Message: "loop forever", Provider: "ollama", Model: "qwen3",
		UseAgent: true,
	})
	assert.ErrorIs(t, err, domain.ErrAgentIterationCap)
	assert.Equal(t, 2, f.script.count())

	// The partial reply survives the cap with an explanatory note, and
	// the assistant message is persisted so the conversation stays usable.
	require.NotNil(t, resp)
	assert.Contains(t, resp.Reply, "iteration limit")
	msgs, merr := f.conversations.Messages(context.Background(), resp.ConversationID)
	require.NoError(t, merr)
	assert.Equal(t, "assistant", msgs[len(msgs)-1].Role)
}

func TestAskStreamDeliversDeltas(t *testing.T) {
	f := newChatFixture(t)
	f.script.pushText("streamed reply")

	var deltas []string
	resp, err := f.orchestrator.AskStream(context.Background(), &Request{
		Message: "hi", Provider: "ollama", Model: "qwen3",
	}, func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)
	assert.NotEmpty(t, deltas)
	var joined string
	for _, d := range deltas {
		joined += d
	}
	assert.Equal(t, resp.Reply, joined)
}

func TestAskStripMarkdown(t *testing.T) {
	f := newChatFixture(t)
	f.script.pushText("# Answer\n\nUse **eight** workers.")

	resp := f.ask(t, &Request{
		Message: "how many workers?", Provider: "ollama", Model: "qwen3",
		StripMarkdown: true,
	})
	assert.NotContains(t, resp.Reply, "#")
	assert.NotContains(t, resp.Reply, "**")
	assert.Contains(t, resp.Reply, "Use eight workers.")
}

func TestAskRecordsUsageMetricOnSuccessAndFailure(t *testing.T) {
	f := newChatFixture(t)
	t.Setenv("OPENAI_API_KEY", "")
	f.script.pushText("fine")
	f.ask(t, &Request{Message: "hi", Provider: "ollama", Model: "qwen3"})

	// No scripted reply queued: require.NotEmpty in the handler would
	// fail the test from the server goroutine, so point the second turn
	// at a provider that refuses the request instead.
	recent, err := f.usage.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].Success)
	assert.Equal(t, "ollama", recent[0].Provider)
	assert.Equal(t, 10, recent[0].PromptTokens)
	assert.Equal(t, 5, recent[0].CompletionTokens)

	_, err = f.orchestrator.Ask(context.Background(), &Request{
		Message: "hi", Provider: "openai", Model: "gpt-4o",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigMissing)
}

func TestAskValidatesInput(t *testing.T) {
	f := newChatFixture(t)

	_, err := f.orchestrator.Ask(context.Background(), &Request{Provider: "ollama", Model: "qwen3"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.orchestrator.Ask(context.Background(), &Request{Message: "hi", Model: "qwen3"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.orchestrator.Ask(context.Background(), &Request{Message: "hi", Provider: "ollama"})
	assert.ErrorIs(t, err, domain.ErrValidation, "no model and no configured default")
}
