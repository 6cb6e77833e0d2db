package entgin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RateLimiter is a sliding-window limiter keyed by bucket and caller.
// Satisfied by ratelimit/redis and ratelimit/memory.
type RateLimiter interface {
	Allow(ctx context.Context, bucket, key string) (bool, error)
}

// Buckets for the entitlement endpoints. Restore is the expensive one:
// each call fans out to every billing rail.
const (
	BucketRestore = "entitlement_restore"
	BucketRead    = "entitlement_read"
)

// throttle limits a route per account id, falling back to client IP when
// the route carries no account parameter. A limiter failure fails open:
// entitlement checks must not die with Redis.
func throttle(limiter RateLimiter, bucket string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		key := c.Param("account_id")
		if key == "" {
			key = c.ClientIP()
		}
		ok, err := limiter.Allow(c.Request.Context(), bucket, key)
		if err != nil {
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}
