package models

import (
	"time"

	"github.com/google/uuid"
)

// OfferStatus names the variant of an Offer.
type OfferStatus string

const (
	OfferNone    OfferStatus = "none"
	OfferPending OfferStatus = "pending"
	OfferClaimed OfferStatus = "claimed"
	OfferExpired OfferStatus = "expired"
	OfferSkipped OfferStatus = "skipped"
)

// Offer is the claim-offer state of a signup: one of NoOffer, PendingOffer,
// ClaimedOffer, ExpiredOffer or SkippedOffer. Each variant carries only the
// fields meaningful for it, so a pending offer always has a token and expiry.
type Offer interface {
	Status() OfferStatus
	isOffer()
}

// NoOffer means no offer is outstanding.
type NoOffer struct{}

// PendingOffer holds a vacancy for the participant until ExpiresAt.
type PendingOffer struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ClaimedOffer was completed through checkout.
type ClaimedOffer struct {
	IssuedAt  time.Time
	ClaimedAt time.Time
}

// ExpiredOffer lapsed without being claimed.
type ExpiredOffer struct {
	IssuedAt  time.Time
	ExpiresAt time.Time
	ExpiredAt time.Time
}

// SkippedOffer was declined by the participant or withdrawn.
type SkippedOffer struct {
	IssuedAt  time.Time
	SkippedAt time.Time
}

func (NoOffer) Status() OfferStatus      { return OfferNone }
func (PendingOffer) Status() OfferStatus { return OfferPending }
func (ClaimedOffer) Status() OfferStatus { return OfferClaimed }
func (ExpiredOffer) Status() OfferStatus { return OfferExpired }
func (SkippedOffer) Status() OfferStatus { return OfferSkipped }

func (NoOffer) isOffer()      {}
func (PendingOffer) isOffer() {}
func (ClaimedOffer) isOffer() {}
func (ExpiredOffer) isOffer() {}
func (SkippedOffer) isOffer() {}

// ExpiredAt reports whether the offer window has passed at now. The
// expiry instant itself is still claimable.
func (o PendingOffer) ExpiredAt(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// OfferRecord is the persisted audit row of one issued offer. Rows are never
// deleted, so a token stays resolvable after its signup moves on.
type OfferRecord struct {
	ID         uuid.UUID   `json:"id"`
	SignupID   uuid.UUID   `json:"signup_id"`
	CourseID   uuid.UUID   `json:"course_id"`
	Token      string      `json:"-"`
	Status     OfferStatus `json:"status"`
	IssuedAt   time.Time   `json:"issued_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
}

// AsOffer converts the record to its Offer variant.
func (r OfferRecord) AsOffer() Offer {
	var resolved time.Time
	if r.ResolvedAt != nil {
		resolved = *r.ResolvedAt
	}
	switch r.Status {
	case OfferPending:
		return PendingOffer{Token: r.Token, IssuedAt: r.IssuedAt, ExpiresAt: r.ExpiresAt}
	case OfferClaimed:
		return ClaimedOffer{IssuedAt: r.IssuedAt, ClaimedAt: resolved}
	case OfferExpired:
		return ExpiredOffer{IssuedAt: r.IssuedAt, ExpiresAt: r.ExpiresAt, ExpiredAt: resolved}
	case OfferSkipped:
		return SkippedOffer{IssuedAt: r.IssuedAt, SkippedAt: resolved}
	default:
		return NoOffer{}
	}
}
