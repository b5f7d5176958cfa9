package handlers

import (
	"net/http"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/lorekeep/lorekeep/pkg/agent"
)

// HealthHandler answers the liveness and component-health endpoints.
type HealthHandler struct {
	checks map[string]agent.HealthCheck
}

func NewHealthHandler(checks map[string]agent.HealthCheck) *HealthHandler {
	if checks == nil {
		checks = map[string]agent.HealthCheck{}
	}
	return &HealthHandler{checks: checks}
}

// Ping is the cheap liveness probe.
func (h *HealthHandler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

type componentHealth struct {
	Component string `json:"component"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
}

// Health probes every registered component in parallel. Any failing
// component turns the whole response into a 503.
func (h *HealthHandler) Health(c *gin.Context) {
	var (
		mu         sync.Mutex
		components []componentHealth
	)
	g, ctx := errgroup.WithContext(c.Request.Context())
	for name, check := range h.checks {
		g.Go(func() error {
			entry := componentHealth{Component: name, Healthy: true}
			if err := check(ctx); err != nil {
				entry.Healthy = false
				entry.Error = err.Error()
			}
			mu.Lock()
			components = append(components, entry)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(components, func(i, j int) bool {
		return components[i].Component < components[j].Component
	})
	healthy := true
	for _, entry := range components {
		if !entry.Healthy {
			healthy = false
			break
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"healthy": healthy, "components": components})
}
