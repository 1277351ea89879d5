// Package courses serves the instructor endpoints for managing a course
// waitlist.
package courses

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kursflyt/waitlist/internal/apperr"
	"github.com/kursflyt/waitlist/internal/auth"
	"github.com/kursflyt/waitlist/internal/middleware"
	"github.com/kursflyt/waitlist/internal/models"
	"github.com/kursflyt/waitlist/internal/promotion"
	"github.com/kursflyt/waitlist/internal/realtime"
	"github.com/kursflyt/waitlist/internal/store"
	"github.com/kursflyt/waitlist/internal/waitlist"
	"github.com/kursflyt/waitlist/pkg/response"
)

// WaitlistResponse is the instructor view of a course waitlist.
type WaitlistResponse struct {
	Course  *models.Course    `json:"course"`
	Counts  models.SeatCounts `json:"counts"`
	Entries []models.Signup   `json:"entries"`
}

// CapacityRequest is the body for PATCH /courses/:id/capacity.
type CapacityRequest struct {
	Capacity *int `json:"capacity" binding:"required"`
}

// PromoteRequest is the body for POST /courses/:id/promote.
type PromoteRequest struct {
	Vacancies int `json:"vacancies"`
}

// CancelResponse is returned after cancelling a course.
type CancelResponse struct {
	CourseID uuid.UUID `json:"course_id"`
	Affected int       `json:"affected_signups"`
}

// Handler handles course HTTP endpoints.
type Handler struct {
	store store.Store
	queue *waitlist.Queue
	coord *promotion.Coordinator
}

// NewHandler creates a courses handler.
func NewHandler(st store.Store, queue *waitlist.Queue, coord *promotion.Coordinator) *Handler {
	return &Handler{store: st, queue: queue, coord: coord}
}

// Waitlist handles GET /courses/:id/waitlist.
func (h *Handler) Waitlist(c *gin.Context) {
	courseID, ok := courseParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	course, err := h.store.GetCourse(ctx, courseID)
	if err != nil {
		middleware.Error(c, store.AsDomain(err, apperr.ErrCourseNotFound))
		return
	}
	counts, err := h.store.SeatCounts(ctx, courseID)
	if err != nil {
		middleware.Error(c, store.AsDomain(err, nil))
		return
	}
	entries, err := h.queue.List(ctx, courseID)
	if err != nil {
		middleware.Error(c, err)
		return
	}
	response.OK(c, WaitlistResponse{Course: course, Counts: counts, Entries: entries})
}

// ChangeCapacity handles PATCH /courses/:id/capacity.
func (h *Handler) ChangeCapacity(c *gin.Context) {
	courseID, ok := courseParam(c)
	if !ok {
		return
	}
	var req CapacityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Error(c, apperr.Validation("capacity", "required"))
		return
	}
	change, err := h.coord.ChangeCapacity(c.Request.Context(), courseID, *req.Capacity)
	if err != nil {
		middleware.Error(c, err)
		return
	}
	response.OK(c, change)
}

// Promote handles POST /courses/:id/promote.
func (h *Handler) Promote(c *gin.Context) {
	courseID, ok := courseParam(c)
	if !ok {
		return
	}
	var req PromoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Error(c, apperr.Validation("vacancies", err.Error()))
		return
	}
	res, err := h.coord.Promote(c.Request.Context(), courseID, req.Vacancies)
	if err != nil {
		middleware.Error(c, err)
		return
	}
	response.OK(c, res)
}

// Cancel handles POST /courses/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	courseID, ok := courseParam(c)
	if !ok {
		return
	}
	n, err := h.coord.CancelCourse(c.Request.Context(), courseID)
	if err != nil {
		middleware.Error(c, err)
		return
	}
	response.OK(c, CancelResponse{CourseID: courseID, Affected: n})
}

// FeedAuthorizer checks websocket feed tokens: the bearer must be allowed to
// manage the course.
func FeedAuthorizer(jwtService *auth.JWTService, st store.Store) realtime.Authorize {
	return func(ctx context.Context, token string, courseID uuid.UUID) (uuid.UUID, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return uuid.Nil, apperr.Wrap(apperr.CodeUnauthorized, "feed token rejected", err)
		}
		course, err := st.GetCourse(ctx, courseID)
		if err != nil {
			return uuid.Nil, store.AsDomain(err, apperr.ErrCourseNotFound)
		}
		if !claims.CanManage(course.OrganizationID) {
			return uuid.Nil, apperr.ErrForbidden
		}
		return claims.UserID, nil
	}
}

// FeedSnapshot returns the waitlist sent to a feed client on connect.
func FeedSnapshot(queue *waitlist.Queue) realtime.Snapshot {
	return func(ctx context.Context, courseID uuid.UUID) (interface{}, error) {
		list, err := queue.List(ctx, courseID)
		if err != nil {
			return nil, err
		}
		return realtime.SnapshotOf(list), nil
	}
}

func courseParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		middleware.Error(c, apperr.Validation("id", "invalid course id"))
		return uuid.Nil, false
	}
	return id, true
}
