package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MembershipStatus is where a signup stands relative to the course.
type MembershipStatus string

const (
	StatusConfirmed       MembershipStatus = "confirmed"
	StatusWaitlisted      MembershipStatus = "waitlisted"
	StatusCancelled       MembershipStatus = "cancelled"
	StatusCourseCancelled MembershipStatus = "course_cancelled"
)

// Active reports whether the signup still holds or waits for a seat.
func (s MembershipStatus) Active() bool {
	return s == StatusConfirmed || s == StatusWaitlisted
}

// Signup is a participant's membership in a course. While waitlisted it is a
// queue entry ordered by Position.
type Signup struct {
	ID             uuid.UUID
	CourseID       uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	Email          string
	Phone          string
	Status         MembershipStatus
	Position       *int64 // set only while waitlisted
	Offer          Offer
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CurrentOffer never returns nil.
func (s *Signup) CurrentOffer() Offer {
	if s.Offer == nil {
		return NoOffer{}
	}
	return s.Offer
}

// Pending returns the pending offer, if the signup holds one.
func (s *Signup) Pending() (PendingOffer, bool) {
	p, ok := s.CurrentOffer().(PendingOffer)
	return p, ok
}

type signupJSON struct {
	ID             uuid.UUID        `json:"id"`
	CourseID       uuid.UUID        `json:"course_id"`
	OrganizationID uuid.UUID        `json:"organization_id"`
	Name           string           `json:"name"`
	Email          string           `json:"email"`
	Phone          string           `json:"phone,omitempty"`
	Status         MembershipStatus `json:"status"`
	Position       *int64           `json:"waitlist_position,omitempty"`
	OfferStatus    OfferStatus      `json:"offer_status"`
	OfferIssuedAt  *time.Time       `json:"offer_issued_at,omitempty"`
	OfferExpiresAt *time.Time       `json:"offer_expires_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// MarshalJSON flattens the offer. The claim token is never serialised.
func (s Signup) MarshalJSON() ([]byte, error) {
	out := signupJSON{
		ID:             s.ID,
		CourseID:       s.CourseID,
		OrganizationID: s.OrganizationID,
		Name:           s.Name,
		Email:          s.Email,
		Phone:          s.Phone,
		Status:         s.Status,
		Position:       s.Position,
		OfferStatus:    s.CurrentOffer().Status(),
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
	switch o := s.CurrentOffer().(type) {
	case PendingOffer:
		out.OfferIssuedAt, out.OfferExpiresAt = &o.IssuedAt, &o.ExpiresAt
	case ClaimedOffer:
		out.OfferIssuedAt = &o.IssuedAt
	case ExpiredOffer:
		out.OfferIssuedAt, out.OfferExpiresAt = &o.IssuedAt, &o.ExpiresAt
	case SkippedOffer:
		out.OfferIssuedAt = &o.IssuedAt
	}
	return json.Marshal(out)
}
