package promotion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kursflyt/waitlist/internal/apperr"
	"github.com/kursflyt/waitlist/internal/models"
	"github.com/kursflyt/waitlist/internal/notify/notifytest"
	"github.com/kursflyt/waitlist/internal/offers"
	"github.com/kursflyt/waitlist/internal/store"
	"github.com/kursflyt/waitlist/internal/waitlist"
)

type fixture struct {
	mem      *store.Memory
	courseID uuid.UUID
	rec      *notifytest.Recorder
	queue    *waitlist.Queue
	offers   *offers.Lifecycle
	coord    *Coordinator
	now      time.Time
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	f := &fixture{
		mem: store.NewMemory(),
		rec: &notifytest.Recorder{},
		now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	org := models.Organization{ID: uuid.New(), Name: "Bergen Keramikk"}
	course := models.Course{ID: uuid.New(), OrganizationID: org.ID, Title: "Dreiekurs", Capacity: capacity}
	f.mem.AddOrganization(org)
	f.mem.AddCourse(course)
	f.courseID = course.ID

	clock := func() time.Time { return f.now }
	f.queue = waitlist.NewQueue(f.mem, f.rec, waitlist.Options{Now: clock}, nil)
	f.offers = offers.NewLifecycle(f.mem, f.rec, offers.Options{Window: time.Hour, ClaimBaseURL: "https://kurs.example.no/tilbud", Now: clock}, nil)
	f.coord = NewCoordinator(f.mem, f.offers, f.rec, nil)
	return f
}

func (f *fixture) confirmed(t *testing.T, email string) *models.Signup {
	t.Helper()
	s, err := f.mem.InsertSignup(context.Background(), store.NewSignup{
		CourseID: f.courseID, Name: email, Email: email, Status: models.StatusConfirmed, At: f.now,
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) join(t *testing.T, email string) *models.Signup {
	t.Helper()
	s, err := f.queue.Join(context.Background(), waitlist.JoinRequest{CourseID: f.courseID, Name: email, Email: email})
	require.NoError(t, err)
	return s
}

func (f *fixture) signup(t *testing.T, id uuid.UUID) *models.Signup {
	t.Helper()
	s, err := f.mem.GetSignup(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestPromote_OffersHeadOfQueue(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	seat := f.confirmed(t, "fast@example.no")
	p1 := f.join(t, "p1@example.no")
	p2 := f.join(t, "p2@example.no")
	assert.Equal(t, int64(1), *p1.Position)
	assert.Equal(t, int64(2), *p2.Position)

	cancelled, res, err := f.coord.CancelConfirmed(ctx, seat.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	require.Len(t, res.Issued, 1)
	assert.Equal(t, p1.ID, res.Issued[0].ID)
	assert.Equal(t, models.OfferPending, f.signup(t, p1.ID).CurrentOffer().Status())
	assert.Equal(t, models.OfferNone, f.signup(t, p2.ID).CurrentOffer().Status())

	assert.Equal(t, []string{"p1@example.no"}, f.rec.IssuedEmails())
	issued := f.rec.Issued[0]
	assert.Equal(t, "https://kurs.example.no/tilbud/"+issued.Token, issued.ClaimURL)
	assert.Equal(t, f.now.Add(time.Hour), issued.ExpiresAt)
}

func TestPromote_CappedByFreeSpots(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.confirmed(t, "a@example.no")
	f.confirmed(t, "b@example.no")
	f.join(t, "p1@example.no")

	res, err := f.coord.Promote(ctx, f.courseID, 3)
	require.NoError(t, err)
	assert.Empty(t, res.Issued)
	assert.Empty(t, f.rec.Issued)
}

func TestChangeCapacity_PromotesUntilQueueRunsOut(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.confirmed(t, "a@example.no")
	p1 := f.join(t, "p1@example.no")

	change, err := f.coord.ChangeCapacity(ctx, f.courseID, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, change.OldCapacity)
	require.Len(t, change.Promotion.Issued, 1)
	assert.Equal(t, p1.ID, change.Promotion.Issued[0].ID)
}

func TestPromote_ConcurrentTriggersIssueOneOffer(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	seat := f.confirmed(t, "a@example.no")
	f.confirmed(t, "b@example.no")
	for _, e := range []string{"p1@example.no", "p2@example.no", "p3@example.no", "p4@example.no"} {
		f.join(t, e)
	}
	_, err := f.mem.TransitionSignup(ctx, seat.ID, []models.MembershipStatus{models.StatusConfirmed}, models.StatusCancelled, f.now)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.Promote(ctx, f.courseID, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	counts, err := f.mem.SeatCounts(ctx, f.courseID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.PendingOffers)
	assert.Equal(t, []string{"p1@example.no"}, f.rec.IssuedEmails())
}

type failingIssue struct {
	store.Store
	fail uuid.UUID
}

func (s failingIssue) IssueOffer(ctx context.Context, in store.IssueOfferParams) (*models.Signup, error) {
	if in.SignupID == s.fail {
		return nil, errors.New("connection reset by peer")
	}
	return s.Store.IssueOffer(ctx, in)
}

func (s failingIssue) WithCourseLock(ctx context.Context, courseID uuid.UUID, fn func(store.Store) error) error {
	return s.Store.WithCourseLock(ctx, courseID, func(tx store.Store) error {
		return fn(failingIssue{Store: tx, fail: s.fail})
	})
}

func TestPromote_SkipsEntryThatFailsToIssue(t *testing.T) {
	f := newFixture(t, 1)
	seat := f.confirmed(t, "a@example.no")
	p1 := f.join(t, "p1@example.no")
	p2 := f.join(t, "p2@example.no")
	_, err := f.mem.TransitionSignup(context.Background(), seat.ID,
		[]models.MembershipStatus{models.StatusConfirmed}, models.StatusCancelled, f.now)
	require.NoError(t, err)

	st := failingIssue{Store: f.mem, fail: p1.ID}
	lifecycle := offers.NewLifecycle(st, f.rec, offers.Options{Now: func() time.Time { return f.now }}, nil)
	coord := NewCoordinator(st, lifecycle, f.rec, nil)

	res, err := coord.Promote(context.Background(), f.courseID, 1)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{p1.ID}, res.Failed)
	require.Len(t, res.Issued, 1)
	assert.Equal(t, p2.ID, res.Issued[0].ID)
	assert.Equal(t, models.OfferNone, f.signup(t, p1.ID).CurrentOffer().Status())
}

func TestPromote_CancelledCourseIssuesNothing(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.confirmed(t, "a@example.no")
	f.join(t, "p1@example.no")

	n, err := f.coord.CancelCourse(ctx, f.courseID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err := f.coord.Promote(ctx, f.courseID, 1)
	require.NoError(t, err)
	assert.Empty(t, res.Issued)
	assert.Len(t, f.rec.Removed, 2)
}

func TestPromote_RejectsNegativeVacancies(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.coord.Promote(context.Background(), f.courseID, -1)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestPromote_UnknownCourse(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.coord.Promote(context.Background(), uuid.New(), 1)
	assert.ErrorIs(t, err, apperr.ErrCourseNotFound)
}
