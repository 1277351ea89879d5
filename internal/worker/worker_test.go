package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kursflyt/waitlist/pkg/queue"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, msg Message) error {
	return m.Called(ctx, msg).Error(0)
}

type attempt struct {
	id      uuid.UUID
	sent    bool
	message string
	final   bool
}

type fakeLog struct {
	mu       sync.Mutex
	attempts []attempt
}

func (f *fakeLog) MarkSent(_ context.Context, id uuid.UUID, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt{id: id, sent: true})
	return nil
}

func (f *fakeLog) MarkFailed(_ context.Context, id uuid.UUID, message string, final bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt{id: id, message: message, final: final})
	return nil
}

// memQueue replays jobs in order and mimics the retry and DLQ rules of the
// Redis queue. cancel is called once the queue drains.
type memQueue struct {
	mu     sync.Mutex
	jobs   []*queue.Job
	dlq    []*queue.Job
	cancel context.CancelFunc
}

func (q *memQueue) Dequeue(ctx context.Context, _ string) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		q.cancel()
		return nil, ctx.Err()
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, nil
}

func (q *memQueue) Retry(_ context.Context, _ string, job *queue.Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.Attempt++
	if job.Attempt >= queue.MaxRetries {
		q.dlq = append(q.dlq, job)
		return true, nil
	}
	q.jobs = append(q.jobs, job)
	return false, nil
}

func emailJob(t *testing.T, logID uuid.UUID) *queue.Job {
	t.Helper()
	job, err := queue.NewJob(queue.JobTypeEmail, queue.EmailPayload{
		EmailLogID:     logID,
		EmailType:      "offer_issued",
		RecipientEmail: "kari@example.no",
		RecipientName:  "Kari",
		Subject:        "Ledig plass på Dreiekurs",
		BodyText:       "Hei Kari",
		BodyHTML:       "<p>Hei Kari</p>",
	})
	require.NoError(t, err)
	return job
}

func TestProcess_SendsAndRecords(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, Message{
		To: "kari@example.no", ToName: "Kari", Subject: "Ledig plass på Dreiekurs",
		Text: "Hei Kari", HTML: "<p>Hei Kari</p>",
	}).Return(nil).Once()
	logs := &fakeLog{}
	p := NewEmailProcessor(nil, sender, logs, nil)

	logID := uuid.New()
	require.NoError(t, p.Process(context.Background(), emailJob(t, logID)))
	sender.AssertExpectations(t)
	assert.Equal(t, []attempt{{id: logID, sent: true}}, logs.attempts)
}

func TestProcess_RejectsMalformedJobs(t *testing.T) {
	p := NewEmailProcessor(nil, &mockSender{}, &fakeLog{}, nil)

	err := p.Process(context.Background(), &queue.Job{Type: "recording_upload"})
	assert.ErrorIs(t, err, errPermanent)

	err = p.Process(context.Background(), &queue.Job{Type: queue.JobTypeEmail, Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, errPermanent)
}

func TestRun_RetriesThenDeadLetters(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, mock.Anything).Return(errors.New("smtp: 421 try again later"))
	logs := &fakeLog{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logID := uuid.New()
	q := &memQueue{jobs: []*queue.Job{emailJob(t, logID)}, cancel: cancel}
	p := NewEmailProcessor(q, sender, logs, nil)
	p.backoff = time.Millisecond

	p.Run(ctx)

	sender.AssertNumberOfCalls(t, "Send", queue.MaxRetries)
	require.Len(t, q.dlq, 1)
	require.Len(t, logs.attempts, queue.MaxRetries)
	for i, a := range logs.attempts {
		assert.Equal(t, logID, a.id)
		assert.False(t, a.sent)
		assert.Contains(t, a.message, "421")
		assert.Equal(t, i == queue.MaxRetries-1, a.final, "attempt %d", i+1)
	}
}

func TestRun_PermanentFailureSkipsRetry(t *testing.T) {
	logs := &fakeLog{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logID := uuid.New()
	payload, _ := json.Marshal(queue.EmailPayload{EmailLogID: logID})
	q := &memQueue{jobs: []*queue.Job{{ID: "1", Type: queue.JobTypeEmail, Payload: payload}}, cancel: cancel}
	p := NewEmailProcessor(q, &mockSender{}, logs, nil)

	p.Run(ctx)

	assert.Empty(t, q.dlq)
	require.Len(t, logs.attempts, 1)
	assert.True(t, logs.attempts[0].final)
}

func TestBuildMIME(t *testing.T) {
	raw, err := buildMIME("post@kursflyt.no", "Kursflyt", Message{
		To: "kari@example.no", ToName: "Kari Nordmann", Subject: "Ledig plass på Dreiekurs",
		Text: "Hei Kari", HTML: "<p>Hei Kari</p>",
	}, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	msg := string(raw)
	assert.Contains(t, msg, "From: \"Kursflyt\" <post@kursflyt.no>\r\n")
	assert.Contains(t, msg, "To: \"Kari Nordmann\" <kari@example.no>\r\n")
	assert.Contains(t, msg, "Subject: =?utf-8?q?Ledig_plass_p=C3=A5_Dreiekurs?=\r\n")
	assert.Contains(t, msg, "@kursflyt.no>\r\n")
	assert.Contains(t, msg, "multipart/alternative")
	assert.Equal(t, 1, strings.Count(msg, "text/plain; charset=utf-8"))
	assert.Equal(t, 1, strings.Count(msg, "text/html; charset=utf-8"))
}

func TestSMTPSender(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotAuth smtp.Auth
	s := NewSMTPSender(SMTPConfig{Host: "smtp.example.no", Port: 587, Username: "bruker", Password: "hemmelig", From: "post@kursflyt.no"})
	s.send = func(addr string, a smtp.Auth, from string, to []string, _ []byte) error {
		gotAddr, gotAuth, gotFrom, gotTo = addr, a, from, to
		return nil
	}

	require.NoError(t, s.Send(context.Background(), Message{To: "kari@example.no", Subject: "Hei"}))
	assert.Equal(t, "smtp.example.no:587", gotAddr)
	assert.NotNil(t, gotAuth)
	assert.Equal(t, "post@kursflyt.no", gotFrom)
	assert.Equal(t, []string{"kari@example.no"}, gotTo)
}
