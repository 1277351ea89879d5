// Package notifytest provides a Notifier that records what it receives.
package notifytest

import (
	"context"
	"sync"

	"github.com/kursflyt/waitlist/internal/notify"
)

// Recorder is a concurrency-safe notify.Notifier for tests.
type Recorder struct {
	mu      sync.Mutex
	Joined  []notify.Joined
	Issued  []notify.OfferIssued
	Expired []notify.OfferExpired
	Claimed []notify.OfferClaimed
	Removed []notify.Removed
}

func (r *Recorder) WaitlistJoined(_ context.Context, n notify.Joined) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Joined = append(r.Joined, n)
}

func (r *Recorder) OfferIssued(_ context.Context, n notify.OfferIssued) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Issued = append(r.Issued, n)
}

func (r *Recorder) OfferExpired(_ context.Context, n notify.OfferExpired) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Expired = append(r.Expired, n)
}

func (r *Recorder) OfferClaimed(_ context.Context, n notify.OfferClaimed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Claimed = append(r.Claimed, n)
}

func (r *Recorder) SignupRemoved(_ context.Context, n notify.Removed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Removed = append(r.Removed, n)
}

// IssuedEmails returns the recipients of issued offers in order.
func (r *Recorder) IssuedEmails() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Issued))
	for i, n := range r.Issued {
		out[i] = n.Signup.Email
	}
	return out
}
