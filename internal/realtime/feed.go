package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kursflyt/waitlist/internal/models"
	"github.com/kursflyt/waitlist/internal/notify"
)

// Feed event names.
const (
	EventSnapshot      = "waitlist_snapshot"
	EventJoined        = "waitlist_joined"
	EventOfferIssued   = "offer_issued"
	EventOfferResolved = "offer_resolved"
	EventOfferClaimed  = "offer_claimed"
	EventRemoved       = "signup_removed"
)

// FeedEntry is what instructors see about one signup.
type FeedEntry struct {
	SignupID  uuid.UUID               `json:"signup_id"`
	Name      string                  `json:"name"`
	Status    models.MembershipStatus `json:"status"`
	Position  *int64                  `json:"waitlist_position,omitempty"`
	Offer     models.OfferStatus      `json:"offer_status"`
	ExpiresAt *time.Time              `json:"offer_expires_at,omitempty"`
	Reason    string                  `json:"reason,omitempty"`
}

func entryOf(s models.Signup) FeedEntry {
	e := FeedEntry{
		SignupID: s.ID,
		Name:     s.Name,
		Status:   s.Status,
		Position: s.Position,
		Offer:    s.CurrentOffer().Status(),
	}
	if p, ok := s.Pending(); ok {
		e.ExpiresAt = &p.ExpiresAt
	}
	return e
}

// FeedNotifier pushes waitlist changes to the live course feed.
type FeedNotifier struct {
	hub *Hub
}

// NewFeedNotifier returns a notifier that publishes through hub.
func NewFeedNotifier(hub *Hub) *FeedNotifier {
	return &FeedNotifier{hub: hub}
}

var _ notify.Notifier = (*FeedNotifier)(nil)

func (f *FeedNotifier) WaitlistJoined(_ context.Context, n notify.Joined) {
	f.hub.Publish(n.Course.ID, EventJoined, entryOf(n.Signup))
}

func (f *FeedNotifier) OfferIssued(_ context.Context, n notify.OfferIssued) {
	f.hub.Publish(n.Course.ID, EventOfferIssued, entryOf(n.Signup))
}

func (f *FeedNotifier) OfferExpired(_ context.Context, n notify.OfferExpired) {
	e := entryOf(n.Signup)
	e.Reason = string(n.Outcome)
	f.hub.Publish(n.Course.ID, EventOfferResolved, e)
}

func (f *FeedNotifier) OfferClaimed(_ context.Context, n notify.OfferClaimed) {
	f.hub.Publish(n.Course.ID, EventOfferClaimed, entryOf(n.Signup))
}

func (f *FeedNotifier) SignupRemoved(_ context.Context, n notify.Removed) {
	e := entryOf(n.Signup)
	e.Reason = n.Reason
	f.hub.Publish(n.Signup.CourseID, EventRemoved, e)
}

// SnapshotOf converts a waitlist listing to feed entries.
func SnapshotOf(list []models.Signup) []FeedEntry {
	out := make([]FeedEntry, len(list))
	for i, s := range list {
		out[i] = entryOf(s)
	}
	return out
}
