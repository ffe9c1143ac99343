package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// apiKeyCtxKey is the Gin context key used to store the authenticated API key.
const apiKeyCtxKey = "api_key"

// UnauthorizedMessage is the body text returned for a missing or wrong key.
const UnauthorizedMessage = "Unauthorized: Invalid or missing API key"

// KeyValidator decides whether an API key may call the API.
// It only authenticates; mapping a key to a tenant is tenant.Resolver's job.
type KeyValidator interface {
	Validate(apiKey string) bool
}

// StaticKey accepts exactly one configured key.
type StaticKey struct {
	expected []byte
}

func NewStaticKey(expected string) *StaticKey {
	return &StaticKey{expected: []byte(expected)}
}

func (s *StaticKey) Validate(apiKey string) bool {
	if apiKey == "" || len(s.expected) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(apiKey), s.expected) == 1
}

// APIKeyMiddleware rejects requests without a valid x-api-key (or legacy api-key) header.
func APIKeyMiddleware(v KeyValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := keyFromHeaders(c)
		if !v.Validate(apiKey) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": UnauthorizedMessage})
			return
		}
		c.Set(apiKeyCtxKey, apiKey)
		c.Next()
	}
}

// APIKey returns the authenticated API key from the request context.
func APIKey(c *gin.Context) string {
	v, _ := c.Get(apiKeyCtxKey)
	s, _ := v.(string)
	return s
}

func keyFromHeaders(c *gin.Context) string {
	if k := strings.TrimSpace(c.GetHeader("X-API-Key")); k != "" {
		return k
	}
	return strings.TrimSpace(c.GetHeader("Api-Key"))
}
