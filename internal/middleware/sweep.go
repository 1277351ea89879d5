package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"github.com/kursflyt/waitlist/internal/apperr"
)

// SweepTokenHeader carries the shared secret for the sweep trigger.
const SweepTokenHeader = "X-Sweep-Token"

// RequireSweepToken guards internal endpoints with a shared secret. An empty
// token disables the endpoint.
func RequireSweepToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(SweepTokenHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			Error(c, apperr.ErrUnauthorized)
			return
		}
		c.Next()
	}
}
