package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// PrincipalContextKey is the gin context key holding the authenticated
// principal.
const PrincipalContextKey = "auth_principal"

// GinMiddleware authenticates requests via a Bearer token. Every failure
// maps to the same opaque 401 body; the underlying cause is only logged.
func (s *Service) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			s.reject(c, "missing bearer token")
			return
		}

		principal, err := s.VerifyToken(c.Request.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			s.reject(c, err.Error())
			return
		}

		c.Set(PrincipalContextKey, principal)
		c.Next()
	}
}

func (s *Service) reject(c *gin.Context, reason string) {
	s.logger.Warn("Authentication failed", map[string]interface{}{
		"reason": reason,
		"ip":     c.ClientIP(),
		"path":   c.Request.URL.Path,
	})
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrInvalidCredentials.Error()})
}

// PrincipalFromContext extracts the authenticated principal set by
// GinMiddleware.
func PrincipalFromContext(c *gin.Context) (string, bool) {
	value, exists := c.Get(PrincipalContextKey)
	if !exists {
		return "", false
	}
	principal, ok := value.(string)
	return principal, ok && principal != ""
}
