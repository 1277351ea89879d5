// Package signups serves the participant-facing waitlist endpoints and the
// checkout service callbacks.
package signups

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kursflyt/waitlist/internal/apperr"
	"github.com/kursflyt/waitlist/internal/middleware"
	"github.com/kursflyt/waitlist/internal/models"
	"github.com/kursflyt/waitlist/internal/offers"
	"github.com/kursflyt/waitlist/internal/promotion"
	"github.com/kursflyt/waitlist/internal/waitlist"
	"github.com/kursflyt/waitlist/pkg/response"
)

// JoinRequest is the body for POST /courses/:id/waitlist.
type JoinRequest struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	OrganizationID string `json:"organization_id"`
}

// JoinResponse is returned after joining.
type JoinResponse struct {
	SignupID uuid.UUID `json:"signup_id"`
	Position int64     `json:"waitlist_position"`
	Status   string    `json:"status"`
}

// StandingResponse is returned by GET /signups/:id/waitlist-position.
// Position and Rank are omitted once the signup has left the queue.
type StandingResponse struct {
	SignupID       uuid.UUID          `json:"signup_id"`
	Status         string             `json:"status"`
	Position       *int64             `json:"position,omitempty"`
	Rank           int                `json:"rank,omitempty"`
	OfferStatus    models.OfferStatus `json:"offer_status"`
	OfferExpiresAt *time.Time         `json:"offer_expires_at,omitempty"`
}

// OfferResponse is the claim page context behind a token.
type OfferResponse struct {
	Signup       *models.Signup       `json:"signup"`
	Course       *models.Course       `json:"course"`
	Organization *models.Organization `json:"organization"`
	ExpiresAt    time.Time            `json:"expires_at"`
	Deadline     string               `json:"deadline"`
}

// ResolutionResponse is returned when an offer or signup changes state and
// the freed spot is offered on. Promotion names other participants, so it is
// only set for instructors and services.
type ResolutionResponse struct {
	Signup    *models.Signup    `json:"signup"`
	Promotion *promotion.Result `json:"promotion,omitempty"`
}

// Handler handles signup HTTP endpoints.
type Handler struct {
	queue  *waitlist.Queue
	offers *offers.Lifecycle
	coord  *promotion.Coordinator
}

// NewHandler creates a signups handler.
func NewHandler(queue *waitlist.Queue, lifecycle *offers.Lifecycle, coord *promotion.Coordinator) *Handler {
	return &Handler{queue: queue, offers: lifecycle, coord: coord}
}

// Join handles POST /courses/:id/waitlist.
func (h *Handler) Join(c *gin.Context) {
	courseID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Error(c, apperr.Validation("body", err.Error()))
		return
	}
	var orgID uuid.UUID
	if req.OrganizationID != "" {
		id, err := uuid.Parse(req.OrganizationID)
		if err != nil {
			middleware.Error(c, apperr.Validation("organization_id", "invalid uuid"))
			return
		}
		orgID = id
	}

	s, err := h.queue.Join(c.Request.Context(), waitlist.JoinRequest{
		CourseID:       courseID,
		OrganizationID: orgID,
		Name:           req.Name,
		Email:          req.Email,
		Phone:          req.Phone,
	})
	if err != nil {
		middleware.Error(c, err)
		return
	}
	response.Created(c, JoinResponse{SignupID: s.ID, Position: *s.Position, Status: string(s.Status)})
}

// Standing handles GET /signups/:id/waitlist-position.
func (h *Handler) Standing(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	st, err := h.queue.Standing(c.Request.Context(), id)
	if err != nil {
		middleware.Error(c, err)
		return
	}
	out := StandingResponse{
		SignupID:    st.Signup.ID,
		Status:      string(st.Signup.Status),
		Position:    st.Signup.Position,
		Rank:        st.Rank,
		OfferStatus: st.Signup.CurrentOffer().Status(),
	}
	if p, ok := st.Signup.Pending(); ok {
		out.OfferExpiresAt = &p.ExpiresAt
	}
	response.OK(c, out)
}

// Leave handles POST /signups/:id/leave: the participant leaves the queue.
func (h *Handler) Leave(c *gin.Context) {
	if out, ok := h.remove(c, waitlist.RemovedByParticipant); ok {
		out.Promotion = nil
		response.OK(c, out)
	}
}

// Remove handles DELETE /signups/:id for instructors.
func (h *Handler) Remove(c *gin.Context) {
	if out, ok := h.remove(c, waitlist.RemovedByInstructor); ok {
		response.OK(c, out)
	}
}

func (h *Handler) remove(c *gin.Context, reason waitlist.RemovalReason) (ResolutionResponse, bool) {
	id, ok := paramID(c, "id")
	if !ok {
		return ResolutionResponse{}, false
	}
	removal, res, err := h.coord.RemoveFromWaitlist(c.Request.Context(), h.queue, id, reason)
	if err != nil {
		middleware.Error(c, err)
		return ResolutionResponse{}, false
	}
	return ResolutionResponse{Signup: removal.Signup, Promotion: res}, true
}

// Offer handles GET /offers/:token.
func (h *Handler) Offer(c *gin.Context) {
	cc, err := h.offers.ValidateToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		middleware.Error(c, err)
		return
	}
	response.OK(c, OfferResponse{
		Signup:       cc.Signup,
		Course:       cc.Course,
		Organization: cc.Organization,
		ExpiresAt:    cc.ExpiresAt,
		Deadline:     apperr.FormatTime(cc.ExpiresAt, middleware.LocaleOf(c)),
	})
}

// Decline handles POST /offers/:token/decline.
func (h *Handler) Decline(c *gin.Context) {
	s, _, err := h.coord.Decline(c.Request.Context(), c.Param("token"))
	if err != nil {
		middleware.Error(c, err)
		return
	}
	response.OK(c, ResolutionResponse{Signup: s})
}

// Complete handles POST /offers/:token/complete, called by checkout.
func (h *Handler) Complete(c *gin.Context) {
	s, err := h.offers.ClaimByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		middleware.Error(c, err)
		return
	}
	response.OK(c, ResolutionResponse{Signup: s})
}

// CancelConfirmed handles POST /signups/:id/cancel-confirmed, called when a
// confirmed participant cancels or is refunded.
func (h *Handler) CancelConfirmed(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	s, res, err := h.coord.CancelConfirmed(c.Request.Context(), id)
	if err != nil {
		middleware.Error(c, err)
		return
	}
	response.OK(c, ResolutionResponse{Signup: s, Promotion: res})
}

func paramID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		middleware.Error(c, apperr.Validation(name, "invalid uuid"))
		return uuid.Nil, false
	}
	return id, true
}
