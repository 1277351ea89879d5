package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kursflyt/waitlist/internal/apperr"
	"github.com/kursflyt/waitlist/internal/auth"
)

const (
	// ContextClaims is the key for the validated token claims.
	ContextClaims = "claims"
	// ContextUserID is the key for user ID in gin context.
	ContextUserID = "user_id"
	// ContextUserRole is the key for user role in gin context.
	ContextUserRole = "user_role"
)

// JWT returns a middleware that validates the bearer token and sets its
// claims in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			Error(c, apperr.ErrUnauthorized)
			return
		}
		claims, err := jwtService.Validate(parts[1])
		if err != nil {
			Error(c, apperr.Wrap(apperr.CodeUnauthorized, "token rejected", err))
			return
		}
		c.Set(ContextClaims, claims)
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserRole, claims.Role)
		c.Next()
	}
}

// ClaimsOf returns the claims set by JWT.
func ClaimsOf(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(ContextClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}
