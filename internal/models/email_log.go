package models

import (
	"time"

	"github.com/google/uuid"
)

// EmailType for waitlist notifications.
const (
	EmailTypeWaitlistJoined = "waitlist_joined"
	EmailTypeOfferIssued    = "offer_issued"
	EmailTypeOfferExpired   = "offer_expired"
)

// EmailLogStatus for delivery.
const (
	EmailLogStatusPending = "pending"
	EmailLogStatusSent    = "sent"
	EmailLogStatusFailed  = "failed"
)

// EmailLog records one notification e-mail and its delivery outcome.
type EmailLog struct {
	ID             uuid.UUID  `json:"id"`
	CourseID       *uuid.UUID `json:"course_id,omitempty"`
	SignupID       *uuid.UUID `json:"signup_id,omitempty"`
	EmailType      string     `json:"email_type"`
	RecipientEmail string     `json:"recipient_email"`
	Subject        string     `json:"subject,omitempty"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
