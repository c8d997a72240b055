// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements an in-memory token-bucket rate limiter with
// per-identity buckets and opportunistic garbage collection. Routes can be
// given a cost so that the expensive calls (questions hit the model, uploads
// start an ingestion) drain a bucket faster than cheap reads.
//
// The limiter is process-local; it protects one API instance from abuse and
// runaway model spend. It is not an authorization mechanism.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc selects the identity used to key a rate-limit bucket.
type KeyFunc func(*gin.Context) string

// KeyByUserOrIP prefers the resolved owner id and falls back to the client
// IP. Keys are prefixed so the two namespaces never collide.
func KeyByUserOrIP() KeyFunc {
	return func(c *gin.Context) string {
		if v, ok := c.Get(UserIDKey); ok {
			if s, ok := v.(string); ok && s != "" && s != DemoUser {
				return "user:" + s
			}
		}
		return "ip:" + c.ClientIP()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter implements a per-key token-bucket rate limiter.
// It is safe for concurrent use.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn KeyFunc
	costs map[string]int // "METHOD route" -> tokens

	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	cleanupN uint64
}

// NewRateLimiter constructs a RateLimiter with the given tokens-per-second
// and burst size, keyed by keyFn. burst <= 0 is coerced to 1.
func NewRateLimiter(rps float64, burst int, keyFn KeyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		costs:    make(map[string]int),
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
	}
}

// Cost makes requests to method+route take n tokens instead of one. The
// route is the registered Gin path, e.g. "/api/v1/chats/:id/messages".
// Costs above the burst are clamped so the route stays reachable.
func (rl *RateLimiter) Cost(method, route string, n int) *RateLimiter {
	if n < 1 {
		n = 1
	}
	if n > rl.burst {
		n = rl.burst
	}
	rl.costs[method+" "+route] = n
	return rl
}

func (rl *RateLimiter) cost(c *gin.Context) int {
	if n, ok := rl.costs[c.Request.Method+" "+c.FullPath()]; ok {
		return n
	}
	return 1
}

// getVisitor returns the limiter for key, creating it if absent. Every
// ~5000 lookups idle buckets are evicted; this runs before the lookup so an
// expired bucket is replaced rather than refreshed.
func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cleanupN++
	if rl.cleanupN >= 5000 {
		for k, vv := range rl.visitors {
			if now.Sub(vv.lastSeen) >= rl.ttl {
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

// IsRateBypass reports whether IdempotencyValidator marked this request as
// a replay, which is served without consuming tokens.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler returns a Gin middleware that enforces the limits. A rejected
// request gets 429 with a Retry-After header estimated from the bucket's
// refill rate:
//
//	{ "request_id": "<uuid>", "code": "too_many_requests", "message": "rate limit exceeded" }
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}

		n := rl.cost(c)
		lim := rl.getVisitor(rl.keyFn(c))
		if lim.AllowN(time.Now(), n) {
			c.Next()
			return
		}

		c.Header("Retry-After", strconv.Itoa(rl.retryAfter(n)))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}

// retryAfter is the whole number of seconds needed to refill n tokens.
func (rl *RateLimiter) retryAfter(n int) int {
	if rl.rps <= 0 {
		return 60
	}
	s := int(math.Ceil(float64(n) / float64(rl.rps)))
	if s < 1 {
		s = 1
	}
	return s
}
