package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"portfolio-orchestrator/internal/logging"
)

const idleLimiterTTL = 10 * time.Minute

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiters hands out one token bucket per client IP and forgets idle ones.
type ipLimiters struct {
	mu      sync.Mutex
	perSec  rate.Limit
	burst   int
	clients map[string]*ipLimiter
	swept   time.Time
}

func newIPLimiters(perSecond float64, burst int) *ipLimiters {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiters{perSec: limit, burst: burst, clients: make(map[string]*ipLimiter)}
}

func (l *ipLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.swept) > idleLimiterTTL {
		for k, v := range l.clients {
			if now.Sub(v.lastSeen) > idleLimiterTTL {
				delete(l.clients, k)
			}
		}
		l.swept = now
	}
	c, ok := l.clients[ip]
	if !ok {
		c = &ipLimiter{limiter: rate.NewLimiter(l.perSec, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter
}

// RateLimitMiddleware rejects clients exceeding their per-IP rate.
func (s *Server) RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !s.limits.get(ip).Allow() {
			s.log.Warn().Str("ip", ip).Msg("rate limit exceeded")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate limit exceeded",
				"message": "too many requests, please slow down",
			})
			return
		}
		c.Next()
	}
}

// CORSMiddleware allows browser clients from any origin.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		h.Set("Access-Control-Expose-Headers", "X-Request-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware propagates or assigns an X-Request-ID.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("RequestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// RequestLogger logs every request with its status and latency, and puts a
// request-scoped logger on the request context.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqLog := log.With().Str("request_id", c.GetString("RequestID")).Logger()
		c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), reqLog))

		c.Next()

		status := c.Writer.Status()
		logging.LogAPICall(reqLog, c.Request.Method, c.FullPath(), status, time.Since(start))
		if status >= http.StatusInternalServerError {
			reqLog.Error().Int("status", status).Str("path", c.Request.URL.Path).Msg("request failed")
		}
	}
}
