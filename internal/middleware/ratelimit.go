package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/authcore/pkg/response"
	"golang.org/x/time/rate"
)

const (
	throttleSweepInterval = 3 * time.Minute
	throttleIdleTTL       = 5 * time.Minute
)

// ipLimiter holds a rate limiter and last-seen time per IP.
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle is a per-IP token bucket for public routes. It bounds request
// volume ahead of the login limiter, which counts credential failures.
type Throttle struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rps      rate.Limit
	burst    int
}

// NewThrottle creates a Throttle whose idle-entry sweeper stops with ctx.
func NewThrottle(ctx context.Context, rps float64, burst int) *Throttle {
	t := &Throttle{
		limiters: make(map[string]*ipLimiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go t.sweepLoop(ctx)
	return t
}

func (t *Throttle) getLimiter(ip string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, exists := t.limiters[ip]
	if !exists {
		limiter := rate.NewLimiter(t.rps, t.burst)
		t.limiters[ip] = &ipLimiter{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func (t *Throttle) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(throttleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

// sweep removes IP entries not seen for throttleIdleTTL.
func (t *Throttle) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for ip, v := range t.limiters {
		if now.Sub(v.lastSeen) > throttleIdleTTL {
			delete(t.limiters, ip)
			removed++
		}
	}
	return removed
}

// Middleware returns a Gin middleware that enforces IP-based rate limiting.
func (t *Throttle) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := t.getLimiter(c.ClientIP())

		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, response.Response{
				Code:      429,
				Message:   "too many requests, please try again later",
				ErrorCode: "RATE_LIMITED",
			})
			return
		}

		c.Next()
	}
}
