// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the edge token bucket: a process-local, per-caller
// limiter (golang.org/x/time/rate) in front of every route. It is abuse and
// cost protection only. Plan quotas and the per-operation sliding windows
// live in the persistent limiter, see caller.go.
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/tbourn/reachmix-backend/internal/auth"
)

const (
	visitorTTL     = 10 * time.Minute
	cleanupEveryN  = 5000
	edgeRetryAfter = time.Second
)

// keyFunc selects the bucket for a request.
type keyFunc func(*gin.Context) string

// KeyByCaller keys buckets by the verified caller id, falling back to the
// client address. Must run after auth.Middleware.
func KeyByCaller() keyFunc {
	return func(c *gin.Context) string {
		rc := auth.FromGin(c)
		if rc.Authenticated && rc.CallerID != "" {
			return "user:" + rc.CallerID
		}
		return "ip:" + c.ClientIP()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token bucket limiter. Idle buckets are evicted
// opportunistically. Safe for concurrent use.
type RateLimiter struct {
	rps      rate.Limit
	burst    int
	keyFn    keyFunc
	mu       sync.Mutex
	visitors map[string]*visitor

	ttl      time.Duration
	cleanupN uint64
}

// NewRateLimiter builds a limiter refilling rps tokens per second with the
// given burst (coerced to at least 1).
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		ttl:      visitorTTL,
	}
}

// getVisitor returns the bucket for key. Eviction runs before the lookup so
// an expired bucket is replaced rather than refreshed.
func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cleanupN++
	if rl.cleanupN >= cleanupEveryN {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.cleanupN = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether IdempotencyValidator marked the request as a
// replay that should not consume a token.
func IsRateBypass(c *gin.Context) bool {
	v, _ := c.Get(ctxKeyRateBypass)
	b, _ := v.(bool)
	return b
}

// Handler enforces the bucket and answers 429 with the standard envelope
// and a Retry-After header when it is empty.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	retry := strconv.Itoa(int(edgeRetryAfter.Seconds()))
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}
		if rl.getVisitor(rl.keyFn(c)).Allow() {
			c.Next()
			return
		}
		c.Header("Retry-After", retry)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "resource_exhausted",
			"message":    "rate limit exceeded",
		})
	}
}
