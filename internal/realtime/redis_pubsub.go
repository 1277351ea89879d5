package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "waitlist:course:"
	publishTimeout = 5 * time.Second
	// maxEventAge drops feed events that sat in a stalled subscription for
	// too long; a reconnecting client gets a fresh snapshot instead.
	maxEventAge = 30 * time.Second
)

// feedMessage is what goes over a course channel.
type feedMessage struct {
	CourseID uuid.UUID       `json:"course_id"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
	At       int64           `json:"at"` // unix millis
}

func channelFor(courseID uuid.UUID) string {
	return channelPrefix + courseID.String()
}

func encodeFeedMessage(courseID uuid.UUID, event string, payload []byte, at time.Time) ([]byte, error) {
	return json.Marshal(feedMessage{CourseID: courseID, Event: event, Data: payload, At: at.UnixMilli()})
}

// decodeFeedMessage rejects messages for another course and stale ones.
func decodeFeedMessage(courseID uuid.UUID, raw []byte, now time.Time) (feedMessage, error) {
	var m feedMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, err
	}
	if m.CourseID != courseID {
		return m, fmt.Errorf("message for course %s on channel of %s", m.CourseID, courseID)
	}
	if age := now.Sub(time.UnixMilli(m.At)); age > maxEventAge {
		return m, fmt.Errorf("stale event %q (%s old)", m.Event, age.Round(time.Second))
	}
	return m, nil
}

// RedisPubSub carries course feed events between API instances.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisPubSub returns a RedisPubSub.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger, now: time.Now}
}

func (r *RedisPubSub) PublishCourseEvent(courseID uuid.UUID, event string, payload []byte) error {
	body, err := encodeFeedMessage(courseID, event, payload, r.now())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, channelFor(courseID), body).Err()
}

// SubscribeCourse calls handler for every event on the course channel until
// the returned cancel func is called.
func (r *RedisPubSub) SubscribeCourse(courseID uuid.UUID, handler func(event string, payload []byte)) (func(), error) {
	channel := channelFor(courseID)
	ctx, cancel := context.WithCancel(context.Background())
	sub := r.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				m, err := decodeFeedMessage(courseID, []byte(msg.Payload), r.now())
				if err != nil {
					r.logger.Debug("drop feed message", zap.String("channel", channel), zap.Error(err))
					continue
				}
				handler(m.Event, m.Data)
			}
		}
	}()
	return cancel, nil
}
