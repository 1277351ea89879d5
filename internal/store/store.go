// Package store persists courses, signups and offers. Postgres is the
// production implementation; Memory backs tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kursflyt/waitlist/internal/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConditionFailed is returned when a conditional update matched no row
	// because the row is no longer in the expected state.
	ErrConditionFailed = errors.New("store: condition not met")
	// ErrDuplicateSignup is returned when the email already has an active
	// signup for the course.
	ErrDuplicateSignup = errors.New("store: duplicate active signup")
	// ErrPositionTaken is returned when a concurrent writer took the queue
	// position. Callers retry with a fresh position.
	ErrPositionTaken = errors.New("store: queue position taken")
)

// HeadQuery narrows FirstInQueue.
type HeadQuery struct {
	// SkipPendingOffers excludes entries that already hold a pending offer.
	SkipPendingOffers bool
	// Exclude lists entries to pass over, e.g. ones that failed to receive an offer.
	Exclude []uuid.UUID
}

// NewSignup is the input for InsertSignup.
type NewSignup struct {
	CourseID       uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	Email          string
	Phone          string
	Status         models.MembershipStatus
	Position       *int64
	At             time.Time
}

// IssueOfferParams is the input for IssueOffer.
type IssueOfferParams struct {
	SignupID  uuid.UUID
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ResolveOfferParams ends a pending offer without a claim.
type ResolveOfferParams struct {
	SignupID uuid.UUID
	Outcome  models.OfferStatus // OfferExpired or OfferSkipped
	At       time.Time
	// RequireLapsed makes the update conditional on expires_at < At.
	RequireLapsed bool
	// Next is the membership after resolution: waitlisted (re-queued at
	// Position) or cancelled.
	Next     models.MembershipStatus
	Position *int64
}

// Store is the persistence port of the waitlist engine. Every mutating call
// is atomic on its own; WithCourseLock groups calls into one unit that is
// serialized against every other WithCourseLock for the same course.
type Store interface {
	GetCourse(ctx context.Context, id uuid.UUID) (*models.Course, error)
	GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	SetCourseCapacity(ctx context.Context, id uuid.UUID, capacity int, at time.Time) error
	SetCourseStatus(ctx context.Context, id uuid.UUID, status models.CourseStatus, at time.Time) error
	SeatCounts(ctx context.Context, courseID uuid.UUID) (models.SeatCounts, error)

	GetSignup(ctx context.Context, id uuid.UUID) (*models.Signup, error)
	FindActiveSignup(ctx context.Context, courseID uuid.UUID, email string) (*models.Signup, error)
	// ListSignups returns signups with any of the statuses; waitlisted
	// entries come first in position order, the rest by creation time.
	ListSignups(ctx context.Context, courseID uuid.UUID, statuses ...models.MembershipStatus) ([]models.Signup, error)
	FirstInQueue(ctx context.Context, courseID uuid.UUID, q HeadQuery) (*models.Signup, error)
	// CountAhead counts waitlisted entries with a lower position.
	CountAhead(ctx context.Context, courseID uuid.UUID, position int64) (int, error)

	// NextPosition advances the per-course position counter and returns the
	// new value. The first call for a course returns 1.
	NextPosition(ctx context.Context, courseID uuid.UUID) (int64, error)
	InsertSignup(ctx context.Context, in NewSignup) (*models.Signup, error)
	// TransitionSignup moves a signup whose status is one of from to the
	// status to. Leaving the waitlist clears the position and withdraws a
	// pending offer as skipped.
	TransitionSignup(ctx context.Context, id uuid.UUID, from []models.MembershipStatus, to models.MembershipStatus, at time.Time) (*models.Signup, error)

	GetOfferByToken(ctx context.Context, token string) (*models.OfferRecord, error)
	// IssueOffer attaches a pending offer to a waitlisted signup that has none.
	IssueOffer(ctx context.Context, in IssueOfferParams) (*models.Signup, error)
	// ClaimOffer confirms a signup whose pending offer has not lapsed at at.
	ClaimOffer(ctx context.Context, signupID uuid.UUID, at time.Time) (*models.Signup, error)
	ResolveOffer(ctx context.Context, in ResolveOfferParams) (*models.Signup, error)
	// ListLapsedOffers returns pending offers with expires_at < now, oldest first.
	ListLapsedOffers(ctx context.Context, now time.Time, limit int) ([]models.OfferRecord, error)

	// WithCourseLock runs fn under the course's exclusive lock. fn must use
	// the Store it is given. Nested calls on that Store re-enter the lock and
	// are isolated: a failing nested call leaves the outer unit intact.
	WithCourseLock(ctx context.Context, courseID uuid.UUID, fn func(Store) error) error
}
