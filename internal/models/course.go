package models

import (
	"time"

	"github.com/google/uuid"
)

// CourseStatus is the lifecycle state of a course.
type CourseStatus string

const (
	CourseStatusActive    CourseStatus = "active"
	CourseStatusCancelled CourseStatus = "cancelled"
)

// Course is a capacity-limited course offered by an organization.
type Course struct {
	ID             uuid.UUID    `json:"id"`
	OrganizationID uuid.UUID    `json:"organization_id"`
	Title          string       `json:"title"`
	Capacity       int          `json:"capacity"`
	Status         CourseStatus `json:"status"`
	StartsAt       *time.Time   `json:"starts_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// SeatCounts summarises how a course's capacity is used.
type SeatCounts struct {
	Capacity      int `json:"capacity"`
	Confirmed     int `json:"confirmed"`
	PendingOffers int `json:"pending_offers"`
	Waitlisted    int `json:"waitlisted"`
}

// Free is the number of spots neither confirmed nor held by a pending offer.
func (s SeatCounts) Free() int {
	free := s.Capacity - s.Confirmed - s.PendingOffers
	if free < 0 {
		return 0
	}
	return free
}
