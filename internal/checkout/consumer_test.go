package checkout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kursflyt/waitlist/internal/apperr"
	"github.com/kursflyt/waitlist/internal/models"
	"github.com/kursflyt/waitlist/internal/notify/notifytest"
	"github.com/kursflyt/waitlist/internal/offers"
	"github.com/kursflyt/waitlist/internal/promotion"
	"github.com/kursflyt/waitlist/internal/store"
	"github.com/kursflyt/waitlist/internal/waitlist"
)

var topics = Topics{Completed: "checkout.completed", Refunded: "checkout.refunded"}

type fakeSession struct {
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32                        { return nil }
func (s *fakeSession) MemberID() string                                  { return "test" }
func (s *fakeSession) GenerationID() int32                               { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)           {}
func (s *fakeSession) Commit()                                           {}
func (s *fakeSession) ResetOffset(string, int32, int64, string)          {}
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) { s.marked = append(s.marked, msg.Offset) }
func (s *fakeSession) Context() context.Context                          { return s.ctx }

type fakeClaim struct {
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func message(t *testing.T, topic string, offset int64, v interface{}) *sarama.ConsumerMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: topic, Offset: offset, Value: raw}
}

// consume feeds msgs through ConsumeClaim and returns the marked offsets.
func consume(t *testing.T, c *Consumer, msgs ...*sarama.ConsumerMessage) []int64 {
	t.Helper()
	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, len(msgs))}
	for _, m := range msgs {
		claim.msgs <- m
	}
	close(claim.msgs)
	sess := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.ConsumeClaim(sess, claim))
	return sess.marked
}

type env struct {
	mem      *store.Memory
	courseID uuid.UUID
	queue    *waitlist.Queue
	offers   *offers.Lifecycle
	consumer *Consumer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	now := time.Date(2026, 8, 3, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	e := &env{mem: store.NewMemory()}
	org := models.Organization{ID: uuid.New(), Name: "Trondheim Sykurs"}
	course := models.Course{ID: uuid.New(), OrganizationID: org.ID, Title: "Sying for nybegynnere", Capacity: 1}
	e.mem.AddOrganization(org)
	e.mem.AddCourse(course)
	e.courseID = course.ID

	rec := &notifytest.Recorder{}
	e.queue = waitlist.NewQueue(e.mem, rec, waitlist.Options{Now: clock}, nil)
	e.offers = offers.NewLifecycle(e.mem, rec, offers.Options{Window: time.Hour, Now: clock}, nil)
	coord := promotion.NewCoordinator(e.mem, e.offers, rec, nil)
	e.consumer = NewConsumer(nil, topics, e.offers, coord, nil)
	return e
}

func (e *env) get(t *testing.T, id uuid.UUID) *models.Signup {
	t.Helper()
	s, err := e.mem.GetSignup(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestConsumer_RefundThenCompleted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seat, err := e.mem.InsertSignup(ctx, store.NewSignup{
		CourseID: e.courseID, Name: "Per", Email: "per@example.no", Status: models.StatusConfirmed,
	})
	require.NoError(t, err)
	waiting, err := e.queue.Join(ctx, waitlist.JoinRequest{CourseID: e.courseID, Name: "Siri", Email: "siri@example.no"})
	require.NoError(t, err)

	marked := consume(t, e.consumer,
		message(t, topics.Refunded, 10, RefundedEvent{CheckoutID: "co_1", SignupID: seat.ID}),
	)
	assert.Equal(t, []int64{10}, marked)
	assert.Equal(t, models.StatusCancelled, e.get(t, seat.ID).Status)
	offered := e.get(t, waiting.ID)
	require.Equal(t, models.OfferPending, offered.CurrentOffer().Status())

	p, _ := offered.Pending()
	completed := CompletedEvent{CheckoutID: "co_2", OfferToken: p.Token}
	marked = consume(t, e.consumer,
		message(t, topics.Completed, 11, completed),
		message(t, topics.Completed, 12, completed), // redelivery
		message(t, topics.Refunded, 13, RefundedEvent{CheckoutID: "co_1", SignupID: seat.ID}),
	)
	assert.Equal(t, []int64{11, 12, 13}, marked)

	claimed := e.get(t, waiting.ID)
	assert.Equal(t, models.StatusConfirmed, claimed.Status)
	assert.Equal(t, models.OfferClaimed, claimed.CurrentOffer().Status())
}

func TestConsumer_BySignupID(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seat, err := e.mem.InsertSignup(ctx, store.NewSignup{
		CourseID: e.courseID, Name: "Per", Email: "per@example.no", Status: models.StatusConfirmed,
	})
	require.NoError(t, err)
	waiting, err := e.queue.Join(ctx, waitlist.JoinRequest{CourseID: e.courseID, Name: "Siri", Email: "siri@example.no"})
	require.NoError(t, err)
	_, err = e.mem.TransitionSignup(ctx, seat.ID, []models.MembershipStatus{models.StatusConfirmed}, models.StatusCancelled, time.Now())
	require.NoError(t, err)
	_, err = e.offers.Issue(ctx, waiting.ID)
	require.NoError(t, err)

	err = e.consumer.Handle(ctx, message(t, topics.Completed, 1, CompletedEvent{SignupID: waiting.ID}))
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, e.get(t, waiting.ID).Status)
}

func TestConsumer_DropsPoisonMessages(t *testing.T) {
	e := newEnv(t)
	marked := consume(t, e.consumer,
		&sarama.ConsumerMessage{Topic: topics.Completed, Offset: 1, Value: []byte("{not json")},
		message(t, topics.Completed, 2, CompletedEvent{CheckoutID: "co_9"}),
		message(t, topics.Completed, 3, CompletedEvent{SignupID: uuid.New()}),
		message(t, topics.Refunded, 4, RefundedEvent{}),
		message(t, "checkout.other", 5, struct{}{}),
	)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, marked)
}

type busyClaimer struct{}

func (busyClaimer) MarkClaimed(context.Context, uuid.UUID) (*models.Signup, error) {
	return nil, apperr.ErrStoreBusy
}

func (busyClaimer) ClaimByToken(context.Context, string) (*models.Signup, error) {
	return nil, apperr.ErrStoreBusy
}

func TestConsumer_LeavesTransientFailuresUnmarked(t *testing.T) {
	c := NewConsumer(nil, topics, busyClaimer{}, nil, nil)
	marked := consume(t, c, message(t, topics.Completed, 7, CompletedEvent{SignupID: uuid.New()}))
	assert.Empty(t, marked)
}
