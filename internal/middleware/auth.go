// Package middleware provides Gin HTTP middleware for request IDs, metrics,
// security headers, rate limiting, admin authentication and download token
// brute-force protection.
//
// Middleware ordering matters and is enforced in internal/api/router.go:
//
//	Recovery → RequestID → Metrics → Logger → Security → RateLimit → Auth → Handler
//
// Security headers run first among the policy middleware so they appear on
// all responses including errors. Rate limiting runs before auth so
// brute-force attempts are blocked before any bcrypt work.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/live-assets/asset-repository/internal/auth"
)

const (
	// SubjectContextKey holds the authenticated admin identity.
	SubjectContextKey = "subject"
	// AuthMethodContextKey holds "jwt" or "api_key".
	AuthMethodContextKey = "auth_method"
)

// AuthMiddleware admits requests carrying "Authorization: Bearer <credential>"
// where the credential is a JWT accepted by tokens or an admin API key in
// keys. Either may be nil. The admin identity is stored under
// SubjectContextKey.
func AuthMiddleware(keys *auth.KeySet, tokens *auth.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			unauthorized(c, "Missing authorization header")
			return
		}

		credential, err := auth.ExtractBearerToken(authHeader)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		if tokens != nil {
			if claims, err := tokens.Validate(credential); err == nil {
				c.Set(SubjectContextKey, claims.Subject)
				c.Set(AuthMethodContextKey, "jwt")
				c.Next()
				return
			}
		}

		if keys.Match(credential) {
			c.Set(SubjectContextKey, "api-key")
			c.Set(AuthMethodContextKey, "api_key")
			c.Next()
			return
		}

		unauthorized(c, "Invalid or expired credentials")
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.Header("WWW-Authenticate", `Bearer realm="asset-repository"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
}
