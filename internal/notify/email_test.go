package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kursflyt/waitlist/internal/models"
	"github.com/kursflyt/waitlist/pkg/queue"
)

type fakeQueue struct {
	jobs []queue.EmailPayload
	err  error
}

func (f *fakeQueue) EnqueueEmail(_ context.Context, p queue.EmailPayload) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, p)
	return nil
}

type fakeLogs struct {
	rows []*models.EmailLog
}

func (f *fakeLogs) Create(_ context.Context, l *models.EmailLog) error {
	f.rows = append(f.rows, l)
	return nil
}

func sample() (models.Signup, models.Course, models.Organization) {
	pos := int64(7)
	course := models.Course{ID: uuid.New(), Title: "Keramikk for nybegynnere"}
	org := models.Organization{ID: uuid.New(), Name: "Leirverkstedet"}
	s := models.Signup{ID: uuid.New(), CourseID: course.ID, Name: "Kari", Email: "kari@example.no",
		Status: models.StatusWaitlisted, Position: &pos}
	return s, course, org
}

func TestEmailNotifier_OfferIssued(t *testing.T) {
	q, logs := &fakeQueue{}, &fakeLogs{}
	n := NewEmailNotifier(q, logs, nil)
	s, course, org := sample()

	n.OfferIssued(context.Background(), OfferIssued{
		Signup: s, Course: course, Organization: org,
		ClaimURL:  "https://kurs.example.no/tilbud/abc",
		ExpiresAt: time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC),
	})

	require.Len(t, q.jobs, 1)
	job := q.jobs[0]
	assert.Equal(t, models.EmailTypeOfferIssued, job.EmailType)
	assert.Equal(t, "kari@example.no", job.RecipientEmail)
	assert.Equal(t, "Ledig plass på Keramikk for nybegynnere", job.Subject)
	assert.Contains(t, job.BodyText, "https://kurs.example.no/tilbud/abc")
	assert.Contains(t, job.BodyText, "20.05.2026 kl. 14:00")
	assert.Contains(t, job.BodyHTML, "<p>Hei Kari,</p>")
	assert.Equal(t, course.ID, job.CourseID)
	assert.Equal(t, s.ID, job.SignupID)

	require.Len(t, logs.rows, 1)
	assert.Equal(t, job.EmailLogID, logs.rows[0].ID)
	assert.Equal(t, models.EmailLogStatusPending, logs.rows[0].Status)
}

func TestEmailNotifier_JoinedAndExpired(t *testing.T) {
	q := &fakeQueue{}
	n := NewEmailNotifier(q, nil, nil)
	s, course, org := sample()
	ctx := context.Background()

	n.WaitlistJoined(ctx, Joined{Signup: s, Course: course, Organization: org})
	n.OfferExpired(ctx, OfferExpired{Signup: s, Course: course, Organization: org, Outcome: models.OfferExpired, Requeued: true})

	dropped := s
	dropped.Position, dropped.Status = nil, models.StatusCancelled
	n.OfferExpired(ctx, OfferExpired{Signup: dropped, Course: course, Organization: org, Outcome: models.OfferSkipped})

	require.Len(t, q.jobs, 3)
	assert.Contains(t, q.jobs[0].BodyText, "kønummer 7")
	assert.Contains(t, q.jobs[1].BodyText, "ble ikke benyttet innen fristen")
	assert.Contains(t, q.jobs[1].BodyText, "bakerst med kønummer 7")
	assert.Contains(t, q.jobs[2].BodyText, "Du takket nei")
	assert.Contains(t, q.jobs[2].BodyText, "tatt av ventelisten")
}

func TestEmailNotifier_EscapesHTML(t *testing.T) {
	q := &fakeQueue{}
	n := NewEmailNotifier(q, nil, nil)
	s, course, org := sample()
	s.Name = "<script>Kari</script>"

	n.WaitlistJoined(context.Background(), Joined{Signup: s, Course: course, Organization: org})
	require.Len(t, q.jobs, 1)
	assert.NotContains(t, q.jobs[0].BodyHTML, "<script>")
}

func TestEmailNotifier_QueueFailureIsSwallowed(t *testing.T) {
	q := &fakeQueue{err: errors.New("redis: connection refused")}
	n := NewEmailNotifier(q, nil, nil)
	s, course, org := sample()

	assert.NotPanics(t, func() {
		n.OfferIssued(context.Background(), OfferIssued{Signup: s, Course: course, Organization: org})
	})
}

func TestMulti(t *testing.T) {
	a, b := &fakeQueue{}, &fakeQueue{}
	m := Multi{NewEmailNotifier(a, nil, nil), Nop{}, NewEmailNotifier(b, nil, nil)}
	s, course, org := sample()

	m.WaitlistJoined(context.Background(), Joined{Signup: s, Course: course, Organization: org})
	m.OfferClaimed(context.Background(), OfferClaimed{Signup: s, Course: course})
	assert.Len(t, a.jobs, 1)
	assert.Len(t, b.jobs, 1)
}
