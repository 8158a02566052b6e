package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/offerhub/escrowd/internal/logging"
)

const (
	// ContextKeyPrincipal holds the authenticated principal in the gin context.
	ContextKeyPrincipal = "authPrincipal"
	// DevPrincipalHeader names the caller when no secret is configured.
	DevPrincipalHeader = "X-Principal"
)

// Middleware resolves the caller and stores it under ContextKeyPrincipal.
// With devFallback set and no secret configured, the X-Principal header is
// trusted as-is; never enable that outside development.
func Middleware(v *Verifier, devFallback bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !v.Enabled() {
			if devFallback {
				if p := c.GetHeader(DevPrincipalHeader); p != "" {
					c.Set(ContextKeyPrincipal, p)
				}
			}
			c.Next()
			return
		}

		token := extractBearer(c.GetHeader("Authorization"))
		if token != "" {
			claims, err := v.Verify(token)
			if err != nil {
				logging.L(c.Request.Context()).Debug("token rejected", "error", err)
			} else {
				c.Set(ContextKeyPrincipal, claims.Subject)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without an authenticated principal.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if Principal(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <jwt>' header.",
			})
			return
		}
		c.Next()
	}
}

// Principal returns the authenticated principal, or "" when anonymous.
func Principal(c *gin.Context) string {
	return c.GetString(ContextKeyPrincipal)
}
