package promotion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kursflyt/waitlist/internal/apperr"
	"github.com/kursflyt/waitlist/internal/models"
	"github.com/kursflyt/waitlist/internal/store"
	"github.com/kursflyt/waitlist/internal/waitlist"
)

func pendingToken(t *testing.T, s *models.Signup) string {
	t.Helper()
	p, ok := s.Pending()
	require.True(t, ok, "signup %s has no pending offer", s.Email)
	return p.Token
}

func TestDecline_RequeuesAndOffersNext(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	seat := f.confirmed(t, "a@example.no")
	p1 := f.join(t, "p1@example.no")
	p2 := f.join(t, "p2@example.no")
	_, _, err := f.coord.CancelConfirmed(ctx, seat.ID)
	require.NoError(t, err)

	declined, res, err := f.coord.Decline(ctx, pendingToken(t, f.signup(t, p1.ID)))
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitlisted, declined.Status)
	assert.Equal(t, int64(3), *declined.Position)
	require.Len(t, res.Issued, 1)
	assert.Equal(t, p2.ID, res.Issued[0].ID)

	require.Len(t, f.rec.Expired, 1)
	assert.Equal(t, models.OfferSkipped, f.rec.Expired[0].Outcome)
	assert.True(t, f.rec.Expired[0].Requeued)
}

func TestDecline_ResolvedOffer(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	seat := f.confirmed(t, "a@example.no")
	p1 := f.join(t, "p1@example.no")
	_, _, err := f.coord.CancelConfirmed(ctx, seat.ID)
	require.NoError(t, err)
	token := pendingToken(t, f.signup(t, p1.ID))

	_, err = f.offers.ClaimByToken(ctx, token)
	require.NoError(t, err)

	_, _, err = f.coord.Decline(ctx, token)
	assert.ErrorIs(t, err, apperr.ErrAlreadyClaimed)

	_, _, err = f.coord.Decline(ctx, "ukjent")
	assert.ErrorIs(t, err, apperr.ErrTokenInvalid)
}

func TestRemoveFromWaitlist_PromotesWhenOfferHeld(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	seat := f.confirmed(t, "a@example.no")
	p1 := f.join(t, "p1@example.no")
	p2 := f.join(t, "p2@example.no")
	_, _, err := f.coord.CancelConfirmed(ctx, seat.ID)
	require.NoError(t, err)

	removal, res, err := f.coord.RemoveFromWaitlist(ctx, f.queue, p1.ID, waitlist.RemovedByParticipant)
	require.NoError(t, err)
	assert.True(t, removal.HeldOffer)
	require.NotNil(t, res)
	require.Len(t, res.Issued, 1)
	assert.Equal(t, p2.ID, res.Issued[0].ID)
	assert.Equal(t, models.OfferSkipped, f.signup(t, p1.ID).CurrentOffer().Status())
}

func TestRemoveFromWaitlist_NoOfferNoPromotion(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.confirmed(t, "a@example.no")
	p1 := f.join(t, "p1@example.no")
	f.join(t, "p2@example.no")

	removal, res, err := f.coord.RemoveFromWaitlist(ctx, f.queue, p1.ID, waitlist.RemovedByInstructor)
	require.NoError(t, err)
	assert.False(t, removal.HeldOffer)
	assert.Nil(t, res)
	assert.Empty(t, f.rec.Issued)
}

var errCounts = errors.New("connection reset by peer")

type failingCounts struct {
	store.Store
}

func (failingCounts) SeatCounts(context.Context, uuid.UUID) (models.SeatCounts, error) {
	return models.SeatCounts{}, errCounts
}

func (s failingCounts) WithCourseLock(ctx context.Context, courseID uuid.UUID, fn func(store.Store) error) error {
	return s.Store.WithCourseLock(ctx, courseID, func(tx store.Store) error {
		return fn(failingCounts{Store: tx})
	})
}

func TestRemoveFromWaitlist_FailedPromotionKeepsEntry(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	seat := f.confirmed(t, "a@example.no")
	p1 := f.join(t, "p1@example.no")
	p2 := f.join(t, "p2@example.no")
	_, _, err := f.coord.CancelConfirmed(ctx, seat.ID)
	require.NoError(t, err)
	removedBefore := len(f.rec.Removed)

	broken := NewCoordinator(failingCounts{Store: f.mem}, f.offers, f.rec, nil)
	_, _, err = broken.RemoveFromWaitlist(ctx, f.queue, p1.ID, waitlist.RemovedByParticipant)
	require.ErrorIs(t, err, errCounts)

	got := f.signup(t, p1.ID)
	assert.Equal(t, models.StatusWaitlisted, got.Status)
	assert.Equal(t, models.OfferPending, got.CurrentOffer().Status())
	assert.Equal(t, models.OfferNone, f.signup(t, p2.ID).CurrentOffer().Status())
	assert.Len(t, f.rec.Removed, removedBefore)

	removal, res, err := f.coord.RemoveFromWaitlist(ctx, f.queue, p1.ID, waitlist.RemovedByParticipant)
	require.NoError(t, err)
	assert.True(t, removal.HeldOffer)
	require.Len(t, res.Issued, 1)
	assert.Equal(t, p2.ID, res.Issued[0].ID)
	require.Len(t, f.rec.Removed, removedBefore+1)
	assert.Equal(t, string(waitlist.RemovedByParticipant), f.rec.Removed[removedBefore].Reason)
}

func TestChangeCapacity_BelowConfirmed(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.confirmed(t, "a@example.no")
	f.confirmed(t, "b@example.no")

	_, err := f.coord.ChangeCapacity(ctx, f.courseID, 1)
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, "2", apperr.MetadataOf(err)["Confirmed"])

	_, err = f.coord.ChangeCapacity(ctx, f.courseID, -3)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCancelCourse_WithdrawsPendingOffers(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	seat := f.confirmed(t, "a@example.no")
	p1 := f.join(t, "p1@example.no")
	_, _, err := f.coord.CancelConfirmed(ctx, seat.ID)
	require.NoError(t, err)
	token := pendingToken(t, f.signup(t, p1.ID))

	n, err := f.coord.CancelCourse(ctx, f.courseID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.signup(t, p1.ID)
	assert.Equal(t, models.StatusCourseCancelled, got.Status)
	assert.Nil(t, got.Position)

	f.now = f.now.Add(time.Minute)
	_, err = f.offers.ValidateToken(ctx, token)
	assert.ErrorIs(t, err, apperr.ErrTokenInvalid)
}
