package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kleis/kleis/internal/ratelimit"
)

// adminAuthMiddleware enforces the static ADMIN_TOKEN bearer, recording
// auth failures/successes against the admin rate-limit policy (§4.6).
func adminAuthMiddleware(adminToken string, limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := clientIPFromContext(c)
		token := bearerToken(c.Request)

		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
			limiter.RecordFailure(ratelimit.AdminPolicy, ip)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		limiter.RecordSuccess(ratelimit.AdminPolicy, ip)
		c.Next()
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return ""
}
