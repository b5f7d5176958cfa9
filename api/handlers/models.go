package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lorekeep/lorekeep/pkg/domain"
	"github.com/lorekeep/lorekeep/pkg/ollamamgr"
)

// ModelsHandler manages the local Ollama model inventory.
type ModelsHandler struct {
	manager *ollamamgr.Manager
}

func NewModelsHandler(manager *ollamamgr.Manager) *ModelsHandler {
	return &ModelsHandler{manager: manager}
}

func (h *ModelsHandler) List(c *gin.Context) {
	models, err := h.manager.List(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models, "count": len(models)})
}

// Pull downloads a model, streaming aggregate progress as server-sent
// events. Progress covers all layers of the pull, not just the current
// one.
func (h *ModelsHandler) Pull(c *gin.Context) {
	var body struct {
		Model string `json:"model"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		FailValidation(c, fmt.Errorf("decode pull request: %w", err))
		return
	}
	if body.Model == "" {
		FailValidation(c, fmt.Errorf("model is required"))
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

	err := h.manager.Pull(c.Request.Context(), body.Model, func(p ollamamgr.Progress) {
		frame, merr := json.Marshal(p)
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
		return
	}

	fmt.Fprintf(w, "event: done\ndata: {}\n\n")
	flusher.Flush()
}

func (h *ModelsHandler) Delete(c *gin.Context) {
	if err := h.manager.Delete(c.Request.Context(), c.Param("name")); err != nil {
		Fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
