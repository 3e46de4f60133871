// Package middleware provides the gin middleware used by the gateway API:
// client API key authentication for the OpenAI and Gemini surfaces.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// KeyValidator checks a client-supplied API key.
type KeyValidator interface {
	ValidateAPIKey(key string) bool
}

// AuthOptions selects which credential carriers an endpoint accepts beyond
// the Authorization bearer header.
type AuthOptions struct {
	// AllowGoogleHeader accepts the x-goog-api-key header, used by Gemini
	// native clients.
	AllowGoogleHeader bool
	// AllowQueryKey accepts a key query parameter, used by Gemini native
	// clients.
	AllowQueryKey bool
}

// APIKeyAuth returns a middleware rejecting requests without a valid key.
// Precedence follows the carriers: query key, then the google header, then
// the bearer token.
func APIKeyAuth(validator KeyValidator, opts AuthOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opts.AllowQueryKey {
			if key := c.Query("key"); key != "" {
				finish(c, validator.ValidateAPIKey(key))
				return
			}
		}
		if opts.AllowGoogleHeader {
			if key := c.GetHeader("x-goog-api-key"); key != "" {
				finish(c, validator.ValidateAPIKey(key))
				return
			}
		}

		authorization := c.GetHeader("Authorization")
		if !strings.HasPrefix(authorization, "Bearer ") {
			finish(c, false)
			return
		}
		finish(c, validator.ValidateAPIKey(strings.TrimPrefix(authorization, "Bearer ")))
	}
}

func finish(c *gin.Context, ok bool) {
	if ok {
		c.Next()
		return
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{
			"message": "Invalid API key",
			"type":    "auth_error",
			"code":    http.StatusUnauthorized,
		},
	})
}
