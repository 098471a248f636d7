package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the key for storing the API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyAccount is the key for storing the calling account
	ContextKeyAccount = "authAccount"

	// HeaderAccount carries the caller account from a trusted gateway.
	HeaderAccount = "X-Account"
)

// Middleware resolves the calling account. A valid API key wins; otherwise,
// when trustGateway is set, the X-Account header is taken as already
// authenticated upstream. Requests without either pass through anonymous.
func Middleware(m *Manager, trustGateway bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyAccount, key.Account)
			}
		} else if trustGateway {
			if account := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderAccount))); account != "" {
				c.Set(ContextKeyAccount, account)
			}
		}

		c.Next()
	}
}

// RequireAccount rejects anonymous requests
func RequireAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		if Caller(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Caller account required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects callers holding none of roles
func RequireRole(a Authorizer, roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := Caller(c)
		if caller == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Caller account required.",
			})
			return
		}
		if !AnyOf(c.Request.Context(), a, caller, roles...) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Caller does not hold the required role.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated by key)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := key.(*APIKey)
	return k, ok
}

// Caller returns the calling account, or "" for anonymous requests
func Caller(c *gin.Context) string {
	return c.GetString(ContextKeyAccount)
}
