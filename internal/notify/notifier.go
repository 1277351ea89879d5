// Package notify delivers waitlist notifications to participants and to
// downstream systems. Delivery is best effort: adapters log failures and
// never report them to the engine.
package notify

import (
	"context"
	"time"

	"github.com/kursflyt/waitlist/internal/models"
)

// Joined is sent after a participant joins a waitlist.
type Joined struct {
	Signup       models.Signup
	Course       models.Course
	Organization models.Organization
}

// OfferIssued is sent when a vacancy is offered to a waitlisted participant.
type OfferIssued struct {
	Signup       models.Signup
	Course       models.Course
	Organization models.Organization
	Token        string
	ClaimURL     string
	ExpiresAt    time.Time
}

// OfferExpired is sent when an offer lapses or is declined. Requeued is false
// when the entry left the queue instead of going to the back.
type OfferExpired struct {
	Signup       models.Signup
	Course       models.Course
	Organization models.Organization
	Outcome      models.OfferStatus
	Requeued     bool
}

// OfferClaimed is emitted when checkout completes a claim.
type OfferClaimed struct {
	Signup models.Signup
	Course models.Course
}

// Removed is emitted when a signup leaves a course.
type Removed struct {
	Signup models.Signup
	Reason string
}

// Notifier is the notification port. Implementations must return promptly
// and must not panic on delivery failure.
type Notifier interface {
	WaitlistJoined(ctx context.Context, n Joined)
	OfferIssued(ctx context.Context, n OfferIssued)
	OfferExpired(ctx context.Context, n OfferExpired)
	OfferClaimed(ctx context.Context, n OfferClaimed)
	SignupRemoved(ctx context.Context, n Removed)
}

// Nop ignores every notification. Embed it to implement only some methods.
type Nop struct{}

func (Nop) WaitlistJoined(context.Context, Joined)     {}
func (Nop) OfferIssued(context.Context, OfferIssued)   {}
func (Nop) OfferExpired(context.Context, OfferExpired) {}
func (Nop) OfferClaimed(context.Context, OfferClaimed) {}
func (Nop) SignupRemoved(context.Context, Removed)     {}

// Multi fans a notification out to every notifier in order.
type Multi []Notifier

func (m Multi) WaitlistJoined(ctx context.Context, n Joined) {
	for _, x := range m {
		x.WaitlistJoined(ctx, n)
	}
}

func (m Multi) OfferIssued(ctx context.Context, n OfferIssued) {
	for _, x := range m {
		x.OfferIssued(ctx, n)
	}
}

func (m Multi) OfferExpired(ctx context.Context, n OfferExpired) {
	for _, x := range m {
		x.OfferExpired(ctx, n)
	}
}

func (m Multi) OfferClaimed(ctx context.Context, n OfferClaimed) {
	for _, x := range m {
		x.OfferClaimed(ctx, n)
	}
}

func (m Multi) SignupRemoved(ctx context.Context, n Removed) {
	for _, x := range m {
		x.SignupRemoved(ctx, n)
	}
}

// detach keeps request values but drops cancellation, bounded by timeout,
// so a notification outlives the HTTP request that triggered it.
func detach(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
