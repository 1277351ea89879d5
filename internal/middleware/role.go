package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/kursflyt/waitlist/internal/apperr"
)

// RequireRole returns a middleware that allows only the given roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{})
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		claims, ok := ClaimsOf(c)
		if !ok {
			Error(c, apperr.ErrUnauthorized)
			return
		}
		if _, ok := allowed[claims.Role]; !ok {
			Error(c, apperr.WithMetadata(apperr.CodeForbidden, "role not allowed", nil))
			return
		}
		c.Next()
	}
}
