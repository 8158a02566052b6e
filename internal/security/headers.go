// Package security sets response hardening headers and CORS for the API.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// apiHeaders are sent on every response. The API serves JSON and websocket
// upgrades only, so nothing may be framed or loaded from it.
var apiHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Referrer-Policy":         "no-referrer",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"Cache-Control":           "no-store",
}

// HeadersMiddleware adds the hardening headers.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		for k, v := range apiHeaders {
			c.Header(k, v)
		}
		c.Next()
	}
}

// allowedHeaders lists request headers browsers may send cross-origin.
var allowedHeaders = []string{"Authorization", "Content-Type", "X-Request-ID", "X-Principal"}

// CORSMiddleware answers preflights and tags responses for allowed origins.
// An empty list or "*" allows any origin without credentials.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[strings.TrimSpace(o)] = true
	}
	wildcard := len(origins) == 0 || origins["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (wildcard || origins[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", strings.Join(allowedHeaders, ", "))
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")
			c.Header("Access-Control-Max-Age", "86400")
			// Credentials never go with a wildcard.
			if !wildcard {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
