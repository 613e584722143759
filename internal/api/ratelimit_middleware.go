package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kleis/kleis/internal/ratelimit"
)

// rateLimitMiddleware blocks a client IP that has exceeded policy's failure
// threshold, per §4.6/§5. A 429 short-circuits before auth runs; the IP is
// resolved once per request and handed to the group's auth middleware via
// the context so it can record success/failure against the same key.
func rateLimitMiddleware(limiter *ratelimit.Limiter, policy ratelimit.Policy) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := ratelimit.ClientIP(c.Request.Header.Get)
		c.Set(clientIPKey, ip)

		if blocked, retryAfter := limiter.Blocked(policy, ip); blocked {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.Header("Cache-Control", "no-store")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}

		c.Next()
	}
}

const clientIPKey = "kleis_client_ip"

func clientIPFromContext(c *gin.Context) string {
	v, ok := c.Get(clientIPKey)
	if !ok {
		return ratelimit.ClientIP(c.Request.Header.Get)
	}
	ip, _ := v.(string)
	return ip
}
