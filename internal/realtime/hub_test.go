package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kursflyt/waitlist/internal/models"
	"github.com/kursflyt/waitlist/internal/notify"
)

func testClient(h *Hub, courseID uuid.UUID) *Client {
	return &Client{ID: uuid.NewString(), CourseID: courseID, hub: h, send: make(chan WSMessage, 8)}
}

func next(t *testing.T, c *Client) WSMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message")
		return WSMessage{}
	}
}

// loopback stands in for Redis: published events come straight back to the
// subscribed handlers.
type loopback struct {
	mu       sync.Mutex
	handlers map[uuid.UUID]func(string, []byte)
	fail     error
	cancels  int
}

func (l *loopback) PublishCourseEvent(courseID uuid.UUID, event string, payload []byte) error {
	if l.fail != nil {
		return l.fail
	}
	l.mu.Lock()
	h := l.handlers[courseID]
	l.mu.Unlock()
	if h != nil {
		h(event, payload)
	}
	return nil
}

func (l *loopback) SubscribeCourse(courseID uuid.UUID, handler func(string, []byte)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handlers == nil {
		l.handlers = map[uuid.UUID]func(string, []byte){}
	}
	l.handlers[courseID] = handler
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.handlers, courseID)
		l.cancels++
	}, nil
}

func TestHub_BroadcastScopedToCourse(t *testing.T) {
	h := NewHub(nil, nil, nil)
	courseA, courseB := uuid.New(), uuid.New()
	a := testClient(h, courseA)
	b := testClient(h, courseB)
	h.Register(a)
	h.Register(b)

	h.Publish(courseA, EventJoined, map[string]string{"name": "Kari"})

	msg := next(t, a)
	assert.Equal(t, EventJoined, msg.Event)
	assert.JSONEq(t, `{"name":"Kari"}`, string(msg.Data))
	assert.Empty(t, b.send)
	assert.Equal(t, 1, h.Watchers(courseA))
}

func TestHub_PublishThroughRedis(t *testing.T) {
	bus := &loopback{}
	h := NewHub(nil, bus, bus)
	courseID := uuid.New()
	c := testClient(h, courseID)
	h.Register(c)

	h.Publish(courseID, EventOfferIssued, map[string]int{"n": 1})
	msg := next(t, c)
	assert.Equal(t, EventOfferIssued, msg.Event)
	assert.Empty(t, c.send, "delivered once, through the subscription")

	h.Unregister(c)
	assert.Equal(t, 1, bus.cancels)
	assert.Zero(t, h.Watchers(courseID))
	_, open := <-c.send
	assert.False(t, open)
}

func TestHub_FallsBackToLocalWhenRedisFails(t *testing.T) {
	bus := &loopback{fail: errors.New("redis: connection refused")}
	h := NewHub(nil, bus, bus)
	courseID := uuid.New()
	c := testClient(h, courseID)
	h.Register(c)

	h.Publish(courseID, EventRemoved, map[string]string{"reason": "participant"})
	assert.Equal(t, EventRemoved, next(t, c).Event)
}

func TestFeedNotifier(t *testing.T) {
	h := NewHub(nil, nil, nil)
	courseID := uuid.New()
	c := testClient(h, courseID)
	h.Register(c)
	f := NewFeedNotifier(h)
	ctx := context.Background()

	pos := int64(4)
	expires := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	signup := models.Signup{
		ID: uuid.New(), CourseID: courseID, Name: "Ola", Email: "ola@example.no",
		Status: models.StatusWaitlisted, Position: &pos,
		Offer: models.PendingOffer{Token: "hemmelig", ExpiresAt: expires},
	}
	course := models.Course{ID: courseID}

	f.OfferIssued(ctx, notify.OfferIssued{Signup: signup, Course: course, Token: "hemmelig"})
	msg := next(t, c)
	assert.Equal(t, EventOfferIssued, msg.Event)
	assert.NotContains(t, string(msg.Data), "hemmelig")
	assert.NotContains(t, string(msg.Data), "ola@example.no")

	var entry FeedEntry
	require.NoError(t, json.Unmarshal(msg.Data, &entry))
	assert.Equal(t, signup.ID, entry.SignupID)
	assert.Equal(t, models.OfferPending, entry.Offer)
	assert.Equal(t, int64(4), *entry.Position)
	assert.True(t, expires.Equal(*entry.ExpiresAt))

	signup.Offer = models.NoOffer{}
	f.SignupRemoved(ctx, notify.Removed{Signup: signup, Reason: "instructor"})
	msg = next(t, c)
	assert.Equal(t, EventRemoved, msg.Event)
	var removed FeedEntry
	require.NoError(t, json.Unmarshal(msg.Data, &removed))
	assert.Equal(t, signup.ID, removed.SignupID)
	assert.Equal(t, "instructor", removed.Reason)
	assert.Equal(t, models.OfferNone, removed.Offer)
	assert.Nil(t, removed.ExpiresAt)
	assert.NotContains(t, string(msg.Data), "offer_expires_at")
}

func TestFeedMessage(t *testing.T) {
	courseID := uuid.New()
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	raw, err := encodeFeedMessage(courseID, EventOfferClaimed, []byte(`{"n":1}`), at)
	require.NoError(t, err)

	m, err := decodeFeedMessage(courseID, raw, at.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, EventOfferClaimed, m.Event)
	assert.JSONEq(t, `{"n":1}`, string(m.Data))

	_, err = decodeFeedMessage(uuid.New(), raw, at)
	assert.Error(t, err, "wrong course")
	_, err = decodeFeedMessage(courseID, raw, at.Add(time.Minute))
	assert.Error(t, err, "stale")
	_, err = decodeFeedMessage(courseID, []byte("not json"), at)
	assert.Error(t, err)
	assert.Equal(t, "waitlist:course:"+courseID.String(), channelFor(courseID))
}
