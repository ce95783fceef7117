package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/S-Corkum/vllm-gateway/internal/config"
	"github.com/S-Corkum/vllm-gateway/internal/observability"
)

// RequestLogger logs one line per request with latency and status.
func RequestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := map[string]interface{}{
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       path,
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}

		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("HTTP request", fields)
		case c.Writer.Status() >= http.StatusBadRequest:
			logger.Warn("HTTP request", fields)
		default:
			logger.Info("HTTP request", fields)
		}
	}
}

// CORSMiddleware enables cross-origin requests for the configured origins.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	allowAll := len(origins) == 1 && origins[0] == "*"
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[origin] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "":
			if _, ok := allowed[origin]; ok {
				c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
				c.Writer.Header().Set("Vary", "Origin")
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// limiterStorage holds one token bucket per client, expiring idle entries.
type limiterStorage struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	expiry   map[string]time.Time
	config   config.RateLimitConfig
}

func newLimiterStorage(cfg config.RateLimitConfig) *limiterStorage {
	return &limiterStorage{
		limiters: make(map[string]*rate.Limiter),
		expiry:   make(map[string]time.Time),
		config:   cfg,
	}
}

func (s *limiterStorage) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if limiter, ok := s.limiters[key]; ok {
		if now.Before(s.expiry[key]) {
			s.expiry[key] = now.Add(s.config.Expiration)
			return limiter
		}
		delete(s.limiters, key)
		delete(s.expiry, key)
	}

	// Opportunistic sweep keeps the maps bounded without a background
	// goroutine.
	if len(s.limiters) > 0 && len(s.limiters)%1024 == 0 {
		for k, exp := range s.expiry {
			if now.After(exp) {
				delete(s.limiters, k)
				delete(s.expiry, k)
			}
		}
	}

	limiter := rate.NewLimiter(rate.Limit(s.config.Limit), s.config.Burst)
	s.limiters[key] = limiter
	s.expiry[key] = now.Add(s.config.Expiration)
	return limiter
}

// RateLimiter applies a per-client token bucket keyed on client IP.
func RateLimiter(cfg config.RateLimitConfig) gin.HandlerFunc {
	storage := newLimiterStorage(cfg)

	return func(c *gin.Context) {
		if !storage.get(c.ClientIP()).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
