package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// bodyLimit caps request body size. Oversized bodies get 413 before any
// parsing happens.
func bodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// corsMiddleware allows cross-origin calls; the facilitator is consumed
// by browser-side payment clients.
func corsMiddleware(allowedOrigin string) gin.HandlerFunc {
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowedOrigin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger logs each request with latency and status.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// rateLimiter enforces fixed per-minute windows keyed by endpoint and
// client IP, so each endpoint has its own budget and a burst of verifies
// cannot starve settles. The counters live in Redis so replicas share one
// budget; when Redis is down or not configured the limiter degrades to an
// in-process window rather than failing open across the fleet or closed
// for everyone.
type rateLimiter struct {
	rdb    *redis.Client
	burst  int
	window time.Duration
	log    *zap.Logger

	mu     sync.Mutex
	local  map[string]*localWindow
	lastGC time.Time
}

type localWindow struct {
	count int
	reset time.Time
}

func newRateLimiter(rdb *redis.Client, burst int, log *zap.Logger) *rateLimiter {
	return &rateLimiter{
		rdb:    rdb,
		burst:  burst,
		window: time.Minute,
		log:    log,
		local:  make(map[string]*localWindow),
		lastGC: time.Now(),
	}
}

// allow reports whether the client may proceed against the endpoint's
// budget, and the seconds until the window resets when it may not.
func (rl *rateLimiter) allow(ctx context.Context, endpoint string, perMinute int, clientIP string) (bool, int) {
	max := perMinute + rl.burst
	key := fmt.Sprintf("facilitator:ratelimit:%s:%s", endpoint, clientIP)

	if rl.rdb != nil {
		count, err := rl.rdb.Incr(ctx, key).Result()
		if err == nil {
			if count == 1 {
				rl.rdb.Expire(ctx, key, rl.window)
			}
			if count > int64(max) {
				ttl, _ := rl.rdb.TTL(ctx, key).Result()
				return false, int(ttl.Seconds()) + 1
			}
			return true, 0
		}
		rl.log.Warn("rate limiter falling back to in-process counters", zap.Error(err))
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	if now.Sub(rl.lastGC) > rl.window {
		for k, w := range rl.local {
			if now.After(w.reset) {
				delete(rl.local, k)
			}
		}
		rl.lastGC = now
	}

	w := rl.local[key]
	if w == nil || now.After(w.reset) {
		w = &localWindow{reset: now.Add(rl.window)}
		rl.local[key] = w
	}
	w.count++
	if w.count > max {
		return false, int(time.Until(w.reset).Seconds()) + 1
	}
	return true, 0
}

// limit wraps allow as a gin handler for one endpoint's budget.
func (rl *rateLimiter) limit(endpoint string, perMinute int) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retryAfter := rl.allow(c.Request.Context(), endpoint, perMinute, c.ClientIP())
		if !ok {
			c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
