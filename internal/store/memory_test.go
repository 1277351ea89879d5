package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kursflyt/waitlist/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, capacity int) (*Memory, uuid.UUID) {
	t.Helper()
	m := NewMemory()
	org := models.Organization{ID: uuid.New(), Name: "Oslo Dansesenter"}
	course := models.Course{ID: uuid.New(), OrganizationID: org.ID, Title: "Salsa nybegynner", Capacity: capacity}
	m.AddOrganization(org)
	m.AddCourse(course)
	return m, course.ID
}

func waitlisted(t *testing.T, m *Memory, courseID uuid.UUID, email string) *models.Signup {
	t.Helper()
	ctx := context.Background()
	pos, err := m.NextPosition(ctx, courseID)
	require.NoError(t, err)
	s, err := m.InsertSignup(ctx, NewSignup{CourseID: courseID, Name: email, Email: email, Status: models.StatusWaitlisted, Position: &pos, At: t0})
	require.NoError(t, err)
	return s
}

func TestMemory_NextPositionStartsAtOne(t *testing.T) {
	m, courseID := seed(t, 1)
	ctx := context.Background()

	first, err := m.NextPosition(ctx, courseID)
	require.NoError(t, err)
	second, err := m.NextPosition(ctx, courseID)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)

	_, err = m.NextPosition(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_InsertEnforcesUniqueness(t *testing.T) {
	m, courseID := seed(t, 1)
	ctx := context.Background()
	waitlisted(t, m, courseID, "kari@example.no")

	pos := int64(1)
	_, err := m.InsertSignup(ctx, NewSignup{CourseID: courseID, Email: "ola@example.no", Status: models.StatusWaitlisted, Position: &pos, At: t0})
	assert.ErrorIs(t, err, ErrPositionTaken)

	pos = 7
	_, err = m.InsertSignup(ctx, NewSignup{CourseID: courseID, Email: "KARI@example.no", Status: models.StatusWaitlisted, Position: &pos, At: t0})
	assert.ErrorIs(t, err, ErrDuplicateSignup)
}

func TestMemory_OfferLifecycle(t *testing.T) {
	m, courseID := seed(t, 1)
	ctx := context.Background()
	s := waitlisted(t, m, courseID, "kari@example.no")

	issued, err := m.IssueOffer(ctx, IssueOfferParams{SignupID: s.ID, Token: "tok", IssuedAt: t0, ExpiresAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, models.OfferPending, issued.CurrentOffer().Status())

	_, err = m.IssueOffer(ctx, IssueOfferParams{SignupID: s.ID, Token: "tok2", IssuedAt: t0, ExpiresAt: t0.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrConditionFailed)

	counts, err := m.SeatCounts(ctx, courseID)
	require.NoError(t, err)
	assert.Equal(t, models.SeatCounts{Capacity: 1, PendingOffers: 1, Waitlisted: 1}, counts)

	_, err = m.ClaimOffer(ctx, s.ID, t0.Add(time.Hour+time.Second))
	assert.ErrorIs(t, err, ErrConditionFailed, "claim after the window")

	claimed, err := m.ClaimOffer(ctx, s.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, claimed.Status)
	assert.Nil(t, claimed.Position)
	assert.Equal(t, models.OfferClaimed, claimed.CurrentOffer().Status())

	rec, err := m.GetOfferByToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, models.OfferClaimed, rec.Status)
}

func TestMemory_ResolveRequeues(t *testing.T) {
	m, courseID := seed(t, 1)
	ctx := context.Background()
	s := waitlisted(t, m, courseID, "kari@example.no")
	_, err := m.IssueOffer(ctx, IssueOfferParams{SignupID: s.ID, Token: "tok", IssuedAt: t0, ExpiresAt: t0.Add(time.Hour)})
	require.NoError(t, err)

	pos := int64(5)
	_, err = m.ResolveOffer(ctx, ResolveOfferParams{SignupID: s.ID, Outcome: models.OfferExpired, At: t0.Add(time.Hour), RequireLapsed: true, Next: models.StatusWaitlisted, Position: &pos})
	assert.ErrorIs(t, err, ErrConditionFailed, "not lapsed at the expiry instant")

	lapsed, err := m.ListLapsedOffers(ctx, t0.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, lapsed, 1)

	got, err := m.ResolveOffer(ctx, ResolveOfferParams{SignupID: s.ID, Outcome: models.OfferExpired, At: t0.Add(2 * time.Hour), RequireLapsed: true, Next: models.StatusWaitlisted, Position: &pos})
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitlisted, got.Status)
	assert.Equal(t, int64(5), *got.Position)
	assert.Equal(t, models.OfferNone, got.CurrentOffer().Status())

	rec, err := m.GetOfferByToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, models.OfferExpired, rec.Status)
}

func TestMemory_TransitionWithdrawsPendingOffer(t *testing.T) {
	m, courseID := seed(t, 1)
	ctx := context.Background()
	s := waitlisted(t, m, courseID, "kari@example.no")
	_, err := m.IssueOffer(ctx, IssueOfferParams{SignupID: s.ID, Token: "tok", IssuedAt: t0, ExpiresAt: t0.Add(time.Hour)})
	require.NoError(t, err)

	got, err := m.TransitionSignup(ctx, s.ID, []models.MembershipStatus{models.StatusWaitlisted}, models.StatusCancelled, t0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Nil(t, got.Position)
	assert.Equal(t, models.OfferSkipped, got.CurrentOffer().Status())

	_, err = m.TransitionSignup(ctx, s.ID, []models.MembershipStatus{models.StatusWaitlisted}, models.StatusCancelled, t0)
	assert.ErrorIs(t, err, ErrConditionFailed)
}

func TestMemory_WithCourseLockReenters(t *testing.T) {
	m, courseID := seed(t, 1)
	ctx := context.Background()

	err := m.WithCourseLock(ctx, courseID, func(tx Store) error {
		return tx.WithCourseLock(ctx, courseID, func(inner Store) error {
			_, err := inner.NextPosition(ctx, courseID)
			return err
		})
	})
	require.NoError(t, err)
}

func TestMemory_WithCourseLockRollsBack(t *testing.T) {
	m, courseID := seed(t, 1)
	ctx := context.Background()
	s := waitlisted(t, m, courseID, "kari@example.no")
	boom := errors.New("boom")

	err := m.WithCourseLock(ctx, courseID, func(tx Store) error {
		if _, err := tx.IssueOffer(ctx, IssueOfferParams{SignupID: s.ID, Token: "tok", IssuedAt: t0, ExpiresAt: t0.Add(time.Hour)}); err != nil {
			return err
		}
		if _, err := tx.NextPosition(ctx, courseID); err != nil {
			return err
		}
		if _, err := tx.InsertSignup(ctx, NewSignup{CourseID: courseID, Name: "Ola", Email: "ola@example.no", Status: models.StatusConfirmed, At: t0}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := m.GetSignup(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferNone, got.CurrentOffer().Status())
	_, err = m.GetOfferByToken(ctx, "tok")
	assert.ErrorIs(t, err, ErrNotFound)

	counts, err := m.SeatCounts(ctx, courseID)
	require.NoError(t, err)
	assert.Equal(t, models.SeatCounts{Capacity: 1, Waitlisted: 1}, counts)

	pos, err := m.NextPosition(ctx, courseID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)
}

func TestMemory_NestedFailureRollsBackOnlyInner(t *testing.T) {
	m, courseID := seed(t, 1)
	ctx := context.Background()
	kari := waitlisted(t, m, courseID, "kari@example.no")
	ola := waitlisted(t, m, courseID, "ola@example.no")

	err := m.WithCourseLock(ctx, courseID, func(tx Store) error {
		if _, err := tx.IssueOffer(ctx, IssueOfferParams{SignupID: kari.ID, Token: "kari", IssuedAt: t0, ExpiresAt: t0.Add(time.Hour)}); err != nil {
			return err
		}
		inner := tx.WithCourseLock(ctx, courseID, func(sp Store) error {
			if _, err := sp.IssueOffer(ctx, IssueOfferParams{SignupID: ola.ID, Token: "ola", IssuedAt: t0, ExpiresAt: t0.Add(time.Hour)}); err != nil {
				return err
			}
			return ErrConditionFailed
		})
		assert.ErrorIs(t, inner, ErrConditionFailed)
		return nil
	})
	require.NoError(t, err)

	_, err = m.GetOfferByToken(ctx, "kari")
	assert.NoError(t, err)
	_, err = m.GetOfferByToken(ctx, "ola")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := m.GetSignup(ctx, ola.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferNone, got.CurrentOffer().Status())
}

func TestMemory_WithCourseLockSerializes(t *testing.T) {
	m, courseID := seed(t, 1)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithCourseLock(ctx, courseID, func(Store) error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}
