package checkout

import (
	"time"

	"github.com/google/uuid"
)

// CompletedEvent is published by the checkout service once payment for a
// claimed spot succeeds. Either SignupID or OfferToken identifies the offer.
type CompletedEvent struct {
	CheckoutID string    `json:"checkout_id"`
	SignupID   uuid.UUID `json:"signup_id"`
	OfferToken string    `json:"offer_token,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// RefundedEvent is published when a confirmed spot is refunded.
type RefundedEvent struct {
	CheckoutID string    `json:"checkout_id"`
	SignupID   uuid.UUID `json:"signup_id"`
	Timestamp  time.Time `json:"timestamp"`
}
