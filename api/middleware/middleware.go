// Package middleware carries the cross-cutting gin handlers for the REST
// surface: request ids, structured request logging, panic recovery and
// per-client rate limiting.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RequestID attaches a request id to the context and response. An id
// supplied by the caller in X-Request-ID is kept.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// Logger emits one structured line per completed request. The level
// tracks the response status.
func Logger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		default:
			event = logger.Info()
		}
		event.
			Str("request_id", c.GetString("request_id")).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Int("body_size", c.Writer.Size()).
			Msg("request completed")
	}
}

// Recovery turns panics into a JSON 500 instead of a dropped connection.
func Recovery(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Str("request_id", c.GetString("request_id")).
					Str("path", c.Request.URL.Path).
					Interface("panic", r).
					Msg("panic recovered")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{"kind": "Internal", "message": "internal server error"},
				})
			}
		}()
		c.Next()
	}
}

// RateLimit enforces a per-client request budget. The limit is requests
// per minute; burst is the token bucket depth.
func RateLimit(limit, burst int) gin.HandlerFunc {
	var (
		mu       sync.Mutex
		limiters = map[string]*rate.Limiter{}
	)
	limiterFor := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		if l, ok := limiters[key]; ok {
			return l
		}
		l := rate.NewLimiter(rate.Limit(float64(limit)/60.0), burst)
		limiters[key] = l
		return l
	}
	return func(c *gin.Context) {
		if !limiterFor(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{"kind": "ValidationFailed", "message": "rate limit exceeded"},
			})
			return
		}
		c.Next()
	}
}
