package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lorekeep/lorekeep/pkg/usage"
)

// AnalyticsHandler serves the cached usage aggregates.
type AnalyticsHandler struct {
	usage *usage.Service
}

func NewAnalyticsHandler(usageSvc *usage.Service) *AnalyticsHandler {
	return &AnalyticsHandler{usage: usageSvc}
}

func (h *AnalyticsHandler) Usage(c *gin.Context) {
	snapshot, err := h.usage.Overview(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *AnalyticsHandler) Models(c *gin.Context) {
	models, err := h.usage.PopularModels(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models, "count": len(models)})
}

func (h *AnalyticsHandler) Recent(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	metrics, err := h.usage.Recent(c.Request.Context(), limit)
	if err != nil {
		Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": metrics, "count": len(metrics)})
}
