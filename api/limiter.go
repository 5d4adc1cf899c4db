package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/namnv2496/go-codelab/internal/metrics"
)

// RateLimiter keeps one token bucket per client. A client is the submitter
// when identity headers are present, else the remote address.
type RateLimiter struct {
	limiters *xsync.MapOf[string, *rate.Limiter]
	rps      rate.Limit
	burst    int
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &RateLimiter{
		limiters: xsync.NewMapOf[string, *rate.Limiter](),
		rps:      limit,
		burst:    burst,
	}
}

func (rl *RateLimiter) Allow(client string) bool {
	limiter, _ := rl.limiters.LoadOrCompute(client, func() *rate.Limiter {
		return rate.NewLimiter(rl.rps, rl.burst)
	})
	if !limiter.Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}
	return true
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := c.ClientIP()
		if s := submitter(c); s.Valid() {
			client = s.Key()
		}
		if !rl.Allow(client) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Too many requests",
				"code":  "rate_limited",
			})
			return
		}
		c.Next()
	}
}
