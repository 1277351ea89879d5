package models

import (
	"time"

	"github.com/google/uuid"
)

// Organization is the course provider (tenant). Its name and contact address
// are shown to participants on the claim page and in e-mails.
type Organization struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Slug         string    `json:"slug"`
	ContactEmail string    `json:"contact_email,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
