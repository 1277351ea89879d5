package sweeper

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kursflyt/waitlist/pkg/response"
)

// Handler handles POST /internal/sweep. Guard it with RequireSweepToken.
func Handler(s *Sweeper, now func() time.Time) gin.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(c *gin.Context) {
		res := s.Sweep(c.Request.Context(), now())
		if res.Errors == nil {
			res.Errors = []Failure{}
		}
		response.OK(c, res)
	}
}
