package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lorekeep/lorekeep/pkg/metastore"
)

// ConversationsHandler lists and removes persisted chat sessions.
type ConversationsHandler struct {
	conversations *metastore.Conversations
}

func NewConversationsHandler(conversations *metastore.Conversations) *ConversationsHandler {
	return &ConversationsHandler{conversations: conversations}
}

// List returns the most recent conversations, optionally scoped to the
// caller's client id.
func (h *ConversationsHandler) List(c *gin.Context) {
	clientID := c.Query("clientId")
	if clientID == "" {
		clientID = c.GetHeader("X-Client-ID")
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	convs, err := h.conversations.List(c.Request.Context(), clientID, limit)
	if err != nil {
		Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs, "count": len(convs)})
}

// Messages returns the full transcript of one conversation.
func (h *ConversationsHandler) Messages(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.conversations.Get(c.Request.Context(), id); err != nil {
		Fail(c, err)
		return
	}
	msgs, err := h.conversations.Messages(c.Request.Context(), id)
	if err != nil {
		Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": id, "messages": msgs, "count": len(msgs)})
}

func (h *ConversationsHandler) Delete(c *gin.Context) {
	if err := h.conversations.Delete(c.Request.Context(), c.Param("id")); err != nil {
		Fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
