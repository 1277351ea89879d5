package emaillogs

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kursflyt/waitlist/internal/apperr"
	"github.com/kursflyt/waitlist/internal/middleware"
	"github.com/kursflyt/waitlist/internal/models"
	"github.com/kursflyt/waitlist/pkg/response"
)

// Lister lists the e-mail log of a course.
type Lister interface {
	ListByCourse(ctx context.Context, courseID uuid.UUID) ([]*models.EmailLog, error)
}

// Handler handles email log HTTP endpoints.
type Handler struct {
	repo Lister
}

// NewHandler creates an email logs handler.
func NewHandler(repo Lister) *Handler {
	return &Handler{repo: repo}
}

// ListByCourse handles GET /courses/:id/emails. Call after RequireOrgAccess
// so access is already validated.
func (h *Handler) ListByCourse(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		middleware.Error(c, apperr.Validation("id", "invalid course id"))
		return
	}
	logs, err := h.repo.ListByCourse(c.Request.Context(), courseID)
	if err != nil {
		middleware.Error(c, apperr.Wrap(apperr.CodeInternal, "list email logs", err))
		return
	}
	response.OK(c, logs)
}
