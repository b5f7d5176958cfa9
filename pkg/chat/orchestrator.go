// Package chat turns one user message into one assistant reply:
// retrieval, prompt assembly, provider dispatch (with the agent loop),
// persistence and usage accounting.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorekeep/lorekeep/pkg/agent"
	"github.com/lorekeep/lorekeep/pkg/chunker"
	"github.com/lorekeep/lorekeep/pkg/domain"
	"github.com/lorekeep/lorekeep/pkg/embedder"
	"github.com/lorekeep/lorekeep/pkg/metastore"
	"github.com/lorekeep/lorekeep/pkg/providers"
	"github.com/lorekeep/lorekeep/pkg/usage"
	"github.com/lorekeep/lorekeep/pkg/vectorstore"
)

// UseDefaultTemperature selects the Temperature setting instead of a
// caller-provided value.
const UseDefaultTemperature float64 = -1

// Request is one chat turn.
type Request struct {
	ConversationID          *string `json:"conversationId,omitempty"`
	KnowledgeID             *string `json:"knowledgeId,omitempty"`
	Message                 string  `json:"message"`
	Provider                string  `json:"provider"`
	Model                   string  `json:"model,omitempty"`
	Temperature             float64 `json:"temperature"`
	StripMarkdown           bool    `json:"stripMarkdown"`
	UseExtendedInstructions bool    `json:"useExtendedInstructions"`
	UseAgent                bool    `json:"useAgent"`
	ClientID                string  `json:"-"`
}

// Response is the completed turn.
type Response struct {
	ConversationID   string `json:"conversationId"`
	Reply            string `json:"reply"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
}

// Orchestrator wires the turn pipeline together. Per-conversation
// mutexes serialize concurrent turns on the same conversation.
type Orchestrator struct {
	conversations *metastore.Conversations
	collections   *metastore.Collections
	settings      *metastore.Settings
	embedder      embedder.Embedder
	vectors       vectorstore.Store
	factory       *providers.Factory
	toolkit       *agent.Toolkit
	usage         *usage.Service
	tokenizer     chunker.Tokenizer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewOrchestrator(conversations *metastore.Conversations, collections *metastore.Collections,
	settings *metastore.Settings, emb embedder.Embedder, vectors vectorstore.Store,
	factory *providers.Factory, toolkit *agent.Toolkit, usageSvc *usage.Service) *Orchestrator {
	return &Orchestrator{
		conversations: conversations,
		collections:   collections,
		settings:      settings,
		embedder:      emb,
		vectors:       vectors,
		factory:       factory,
		toolkit:       toolkit,
		usage:         usageSvc,
		tokenizer:     chunker.NewTokenizer("cl100k_base"),
		locks:         map[string]*sync.Mutex{},
	}
}

// Ask runs one turn and returns the full reply.
func (o *Orchestrator) Ask(ctx context.Context, req *Request) (*Response, error) {
	return o.run(ctx, req, nil)
}

// AskStream runs one turn, delivering reply deltas to fn in provider
// order. The returned Response carries the accumulated reply.
func (o *Orchestrator) AskStream(ctx context.Context, req *Request, fn providers.StreamFunc) (*Response, error) {
	return o.run(ctx, req, fn)
}

func (o *Orchestrator) run(ctx context.Context, req *Request, fn providers.StreamFunc) (*Response, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", domain.ErrValidation)
	}
	if req.Provider == "" {
		return nil, fmt.Errorf("%w: provider is required", domain.ErrValidation)
	}

	conv, created, err := o.resolveConversation(ctx, req)
	if err != nil {
		return nil, err
	}
	provider, model, temperature, err := o.turnSettings(req, conv)
	if err != nil {
		return nil, err
	}

	lock := o.conversationLock(conv.ID)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()
	resp, err := o.turn(ctx, req, conv, created, provider, model, temperature, fn)

	metric := &domain.UsageMetric{
		ConversationID: &conv.ID,
		Provider:       provider,
		Model:          model,
		ResponseTimeMs: time.Since(started).Milliseconds(),
		Success:        err == nil,
	}
	if err != nil {
		metric.ErrorKind = string(domain.KindOf(err))
	} else {
		metric.PromptTokens = resp.PromptTokens
		metric.CompletionTokens = resp.CompletionTokens
	}
	o.usage.RecordTurn(ctx, metric)

	return resp, err
}

// turnSettings picks the provider, model and temperature for one turn.
// Request values override the conversation's stored defaults, so a
// conversation can switch providers between turns.
func (o *Orchestrator) turnSettings(req *Request, conv *domain.Conversation) (string, string, float64, error) {
	provider := conv.Provider
	if req.Provider != "" {
		provider = req.Provider
	}

	model := req.Model
	if model == "" {
		if strings.EqualFold(provider, conv.Provider) {
			model = conv.ModelName
		} else {
			model = o.settings.StringOr(defaultModelSetting(provider), "")
		}
	}
	if model == "" {
		return "", "", 0, fmt.Errorf("%w: no model given and no default configured for %q",
			domain.ErrValidation, provider)
	}

	temperature := conv.Temperature
	if req.Temperature >= 0 {
		temperature = req.Temperature
	}
	return provider, model, temperature, nil
}

func (o *Orchestrator) turn(ctx context.Context, req *Request, conv *domain.Conversation,
	created bool, provider, model string, temperature float64, fn providers.StreamFunc) (*Response, error) {
	handle, err := o.factory.Handle(provider, model)
	if err != nil {
		return nil, err
	}

	systemPrompt := o.buildSystemPrompt(ctx, req, conv)
	if created {
		if _, err := o.conversations.AppendMessage(ctx, conv.ID, providers.RoleSystem, systemPrompt, nil); err != nil {
			return nil, err
		}
	}

	messages := []providers.ChatMessage{{Role: providers.RoleSystem, Content: systemPrompt}}
	history, err := o.conversations.LoadHistory(ctx, conv.ID, o.settings.IntOr("ChatMaxTurns", 10))
	if err != nil {
		return nil, err
	}
	for _, m := range history {
		if m.Role == providers.RoleSystem {
			// The freshly built system prompt supersedes the stored one.
			continue
		}
		messages = append(messages, providers.ChatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, providers.ChatMessage{Role: providers.RoleUser, Content: req.Message})

	opts := providers.Options{Temperature: temperature}
	completion, dispatchErr := o.dispatch(ctx, handle, messages, opts, req.UseAgent, fn)
	if dispatchErr != nil && (completion == nil || !errors.Is(dispatchErr, domain.ErrAgentIterationCap)) {
		return nil, dispatchErr
	}

	reply := completion.Reply
	if req.StripMarkdown {
		reply = StripMarkdown(reply)
	}

	promptTokens := completion.PromptTokens
	completionTokens := completion.CompletionTokens
	if promptTokens == 0 {
		for _, m := range messages {
			promptTokens += o.tokenizer.Count(m.Content)
		}
	}
	if completionTokens == 0 {
		completionTokens = o.tokenizer.Count(reply)
	}

	userTokens := o.tokenizer.Count(req.Message)
	if _, err := o.conversations.AppendMessage(ctx, conv.ID, providers.RoleUser, req.Message, &userTokens); err != nil {
		return nil, err
	}
	if _, err := o.conversations.AppendMessage(ctx, conv.ID, providers.RoleAssistant, reply, &completionTokens); err != nil {
		return nil, err
	}

	return &Response{
		ConversationID:   conv.ID,
		Reply:            reply,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}, dispatchErr
}

// dispatch runs the agent loop when tools are in play, otherwise a
// single completion. In agent mode the final textual reply arrives as
// one delta; native streaming is reserved for plain turns.
func (o *Orchestrator) dispatch(ctx context.Context, handle providers.ChatHandle,
	messages []providers.ChatMessage, opts providers.Options, useAgent bool,
	fn providers.StreamFunc) (*providers.Completion, error) {

	if !useAgent || !handle.SupportsTools(ctx) {
		if fn != nil {
			return handle.CompleteStreaming(ctx, messages, opts, fn)
		}
		return handle.Complete(ctx, messages, opts)
	}

	opts.Tools = o.toolkit.Defs()
	maxIterations := o.settings.IntOr("AgentMaxIterations", 5)

	var promptTokens, completionTokens int
	var lastReply string
	for iteration := 0; iteration < maxIterations; iteration++ {
		completion, err := handle.Complete(ctx, messages, opts)
		if err != nil {
			return nil, err
		}
		promptTokens += completion.PromptTokens
		completionTokens += completion.CompletionTokens
		if completion.Reply != "" {
			lastReply = completion.Reply
		}

		if len(completion.ToolCalls) == 0 {
			if fn != nil && completion.Reply != "" {
				fn(completion.Reply)
			}
			completion.PromptTokens = promptTokens
			completion.CompletionTokens = completionTokens
			return completion, nil
		}

		messages = append(messages, providers.ChatMessage{
			Role:      providers.RoleAssistant,
			Content:   completion.Reply,
			ToolCalls: completion.ToolCalls,
		})
		for _, call := range completion.ToolCalls {
			result, terr := o.toolkit.Call(ctx, call.Name, call.Arguments)
			if terr != nil {
				if errors.Is(terr, domain.ErrCancelled) || ctx.Err() != nil {
					return nil, terr
				}
				// The model sees tool failures and can recover or explain.
				result = fmt.Sprintf(`{"error":%q}`, terr.Error())
			}
			messages = append(messages, providers.ChatMessage{
				Role:       providers.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}

	// The partial reply still reaches the caller, flagged by the error
	// alongside it.
	reply := lastReply
	if reply != "" {
		reply += "\n\n"
	}
	reply += "(stopped before a final answer: tool iteration limit reached)"
	partial := &providers.Completion{
		Reply:            reply,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}
	return partial, fmt.Errorf("%w: no final reply after %d iterations",
		domain.ErrAgentIterationCap, maxIterations)
}

func (o *Orchestrator) resolveConversation(ctx context.Context, req *Request) (*domain.Conversation, bool, error) {
	if req.ConversationID != nil && *req.ConversationID != "" {
		conv, err := o.conversations.Get(ctx, *req.ConversationID)
		if err != nil {
			return nil, false, err
		}
		return conv, false, nil
	}

	model := req.Model
	if model == "" {
		model = o.settings.StringOr(defaultModelSetting(req.Provider), "")
	}
	if model == "" {
		return nil, false, fmt.Errorf("%w: no model given and no default configured for %q",
			domain.ErrValidation, req.Provider)
	}

	temperature := req.Temperature
	if temperature < 0 {
		temperature = o.settings.FloatOr("Temperature", 0.7)
	}
	title := req.Message
	if len(title) > 60 {
		title = title[:60]
	}
	conv, err := o.conversations.Create(ctx, req.ClientID, title,
		req.KnowledgeID, req.Provider, model, temperature)
	if err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

func (o *Orchestrator) buildSystemPrompt(ctx context.Context, req *Request, conv *domain.Conversation) string {
	var prompt string
	if req.UseExtendedInstructions {
		prompt = o.settings.StringOr("SystemPromptWithCoding", "")
	}
	if prompt == "" {
		prompt = o.settings.StringOr("SystemPrompt", "You are a helpful assistant.")
	}

	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\n[conversation-id: ")
	sb.WriteString(conv.ID)
	sb.WriteString("]")

	if conv.KnowledgeID != nil && *conv.KnowledgeID != "" {
		block := o.retrieve(ctx, *conv.KnowledgeID, req.Message)
		if block == "" {
			sb.WriteString("\n\nNo relevant context was found in the knowledge base for this question. Say so if the answer depends on it.")
		} else {
			sb.WriteString("\n\nUse the following knowledge base context to answer:\n\n")
			sb.WriteString(block)
		}
	}
	return sb.String()
}

// retrieve builds the context block. The knowledge identifier may be a
// collection id or name; retrieval failures downgrade to an empty
// block and the turn proceeds without context.
func (o *Orchestrator) retrieve(ctx context.Context, knowledgeID, query string) string {
	col, err := o.collections.Resolve(ctx, knowledgeID)
	if err != nil {
		log.Warn().Err(err).Str("knowledge", knowledgeID).Msg("unknown knowledge base, continuing without context")
		return ""
	}

	vectors, err := o.embedder.Embed(ctx, []string{query})
	if err != nil {
		log.Warn().Err(err).Str("knowledge", knowledgeID).Msg("query embedding failed, continuing without context")
		return ""
	}

	k := o.settings.IntOr("Retrieval.K", 8)
	minScore := float32(o.settings.FloatOr("Retrieval.MinScore", 0.6))
	hits, err := o.vectors.Search(ctx, col.ID, vectors[0], k, minScore)
	if err != nil {
		log.Warn().Err(err).Str("knowledge", knowledgeID).Msg("vector search failed, continuing without context")
		return ""
	}
	if len(hits) == 0 {
		return ""
	}

	delimiter := o.settings.StringOr("Retrieval.ContextDelimiter", "\n---\n")
	docNames := map[string]string{}
	parts := make([]string, 0, len(hits))
	for _, h := range hits {
		name := "unknown"
		if docID := h.Payload["document_id"]; docID != "" {
			cached, ok := docNames[docID]
			if !ok {
				if doc, derr := o.collections.GetDocument(ctx, docID); derr == nil {
					cached = doc.OriginalFileName
				}
				docNames[docID] = cached
			}
			if cached != "" {
				name = cached
			}
		}
		parts = append(parts, fmt.Sprintf("(%s, score %.2f)\n%s", name, h.Score, h.Payload["text"]))
	}
	return strings.Join(parts, delimiter)
}

func defaultModelSetting(provider string) string {
	switch strings.ToLower(provider) {
	case "openai":
		return "OpenAi.DefaultModel"
	case "anthropic", "claude":
		return "Anthropic.DefaultModel"
	case "google", "gemini":
		return "Google.DefaultModel"
	case "ollama":
		return "Ollama.DefaultModel"
	default:
		return ""
	}
}

func (o *Orchestrator) conversationLock(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[id] = lock
	}
	return lock
}
