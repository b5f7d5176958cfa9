package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lorekeep/lorekeep/pkg/chat"
	"github.com/lorekeep/lorekeep/pkg/domain"
)

// ChatHandler serves the conversational endpoints.
type ChatHandler struct {
	orchestrator *chat.Orchestrator
}

func NewChatHandler(orchestrator *chat.Orchestrator) *ChatHandler {
	return &ChatHandler{orchestrator: orchestrator}
}

type chatRequest struct {
	KnowledgeID             *string  `json:"knowledgeId"`
	Message                 string   `json:"message"`
	Temperature             *float64 `json:"temperature"`
	StripMarkdown           bool     `json:"stripMarkdown"`
	UseExtendedInstructions bool     `json:"useExtendedInstructions"`
	ConversationID          *string  `json:"conversationId"`
	Provider                string   `json:"provider"`
	OllamaModel             *string  `json:"ollamaModel"`
	UseAgent                bool     `json:"useAgent"`
}

func (r *chatRequest) toDomain(clientID string) *chat.Request {
	req := &chat.Request{
		ConversationID:          r.ConversationID,
		KnowledgeID:             r.KnowledgeID,
		Message:                 r.Message,
		Provider:                r.Provider,
		Temperature:             chat.UseDefaultTemperature,
		StripMarkdown:           r.StripMarkdown,
		UseExtendedInstructions: r.UseExtendedInstructions,
		UseAgent:                r.UseAgent,
		ClientID:                clientID,
	}
	if r.Temperature != nil {
		req.Temperature = *r.Temperature
	}
	if r.OllamaModel != nil {
		req.Model = *r.OllamaModel
	}
	return req
}

// Ask runs one chat turn and returns the completed reply.
func (h *ChatHandler) Ask(c *gin.Context) {
	var body chatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		FailValidation(c, fmt.Errorf("decode chat request: %w", err))
		return
	}

	resp, err := h.orchestrator.Ask(c.Request.Context(), body.toDomain(c.GetHeader("X-Client-ID")))
	if err != nil {
		// The iteration cap still produced a conversation; surface the
		// partial state alongside the error.
		if errors.Is(err, domain.ErrAgentIterationCap) && resp != nil {
			c.JSON(StatusFor(err), gin.H{
				"conversationId": resp.ConversationID,
				"reply":          resp.Reply,
				"error": errorBody{
					Kind:    string(domain.KindAgentIterationCap),
					Message: err.Error(),
				},
			})
			return
		}
		Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// AskStream runs one chat turn and streams reply deltas as server-sent
// events. The final event carries the completed response.
func (h *ChatHandler) AskStream(c *gin.Context) {
	var body chatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		FailValidation(c, fmt.Errorf("decode chat request: %w", err))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		Fail(c, fmt.Errorf("%w: streaming not supported", domain.ErrInternal))
		return
	}

	resp, err := h.orchestrator.AskStream(c.Request.Context(),
		body.toDomain(c.GetHeader("X-Client-ID")), func(delta string) {
			frame, merr := json.Marshal(gin.H{"delta": delta})
			if merr != nil {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		})
	if err != nil {
		frame, _ := json.Marshal(errorBody{
			Kind:    string(domain.KindOf(err)),
			Message: err.Error(),
		})
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", frame)
		flusher.Flush()
		// A capped agent turn still carries a usable partial reply.
		if resp == nil || !errors.Is(err, domain.ErrAgentIterationCap) {
			return
		}
	}

	frame, _ := json.Marshal(resp)
	fmt.Fprintf(w, "event: done\ndata: %s\n\n", frame)
	flusher.Flush()
}
