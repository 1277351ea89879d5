package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kursflyt/waitlist/internal/models"
)

// Domain event topic suffixes. The full topic is "<prefix>.<suffix>".
const (
	TopicJoined       = "joined"
	TopicOfferIssued  = "offer_issued"
	TopicOfferExpired = "offer_expired"
	TopicOfferClaimed = "offer_claimed"
	TopicRemoved      = "removed"
)

// Event is the JSON body of every domain event. Contact details and claim
// tokens stay out of the event stream.
type Event struct {
	EventID        uuid.UUID          `json:"event_id"`
	Type           string             `json:"type"`
	CourseID       uuid.UUID          `json:"course_id"`
	OrganizationID uuid.UUID          `json:"organization_id"`
	SignupID       uuid.UUID          `json:"signup_id"`
	Status         string             `json:"status"`
	Position       *int64             `json:"waitlist_position,omitempty"`
	OfferStatus    models.OfferStatus `json:"offer_status"`
	ExpiresAt      *time.Time         `json:"offer_expires_at,omitempty"`
	Requeued       bool               `json:"requeued,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// EventPublisher publishes domain events to Kafka, keyed by course so one
// course's events stay ordered within a partition.
type EventPublisher struct {
	producer sarama.SyncProducer
	prefix   string
	logger   *zap.Logger
	now      func() time.Time
}

var _ Notifier = (*EventPublisher)(nil)

// NewEventPublisher returns a publisher writing to "<prefix>.<suffix>" topics.
func NewEventPublisher(producer sarama.SyncProducer, prefix string, logger *zap.Logger) *EventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventPublisher{producer: producer, prefix: prefix, logger: logger, now: time.Now}
}

// Topic returns the full topic name for a suffix.
func (p *EventPublisher) Topic(suffix string) string {
	if p.prefix == "" {
		return suffix
	}
	return p.prefix + "." + suffix
}

func (p *EventPublisher) WaitlistJoined(_ context.Context, n Joined) {
	p.publish(TopicJoined, p.eventOf(n.Signup))
}

func (p *EventPublisher) OfferIssued(_ context.Context, n OfferIssued) {
	ev := p.eventOf(n.Signup)
	ev.ExpiresAt = &n.ExpiresAt
	p.publish(TopicOfferIssued, ev)
}

func (p *EventPublisher) OfferExpired(_ context.Context, n OfferExpired) {
	ev := p.eventOf(n.Signup)
	ev.OfferStatus = n.Outcome
	ev.Requeued = n.Requeued
	p.publish(TopicOfferExpired, ev)
}

func (p *EventPublisher) OfferClaimed(_ context.Context, n OfferClaimed) {
	p.publish(TopicOfferClaimed, p.eventOf(n.Signup))
}

func (p *EventPublisher) SignupRemoved(_ context.Context, n Removed) {
	ev := p.eventOf(n.Signup)
	ev.Reason = n.Reason
	p.publish(TopicRemoved, ev)
}

func (p *EventPublisher) eventOf(s models.Signup) Event {
	return Event{
		EventID:        uuid.New(),
		CourseID:       s.CourseID,
		OrganizationID: s.OrganizationID,
		SignupID:       s.ID,
		Status:         string(s.Status),
		Position:       s.Position,
		OfferStatus:    s.CurrentOffer().Status(),
		Timestamp:      p.now().UTC(),
	}
}

func (p *EventPublisher) publish(suffix string, ev Event) {
	topic := p.Topic(suffix)
	ev.Type = topic
	if err := p.send(topic, ev); err != nil {
		p.logger.Error("publish domain event",
			zap.String("topic", topic),
			zap.String("signup_id", ev.SignupID.String()),
			zap.Error(err),
		)
	}
}

func (p *EventPublisher) send(topic string, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(ev.CourseID.String()),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(topic)},
			{Key: []byte("timestamp"), Value: []byte(ev.Timestamp.Format(time.RFC3339))},
		},
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send to %s: %w", topic, err)
	}
	p.logger.Debug("domain event published",
		zap.String("topic", topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}
