// Package checkout consumes checkout service events from Kafka and applies
// them to the waitlist: completed checkouts claim offers and refunds free
// confirmed spots.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kursflyt/waitlist/internal/apperr"
	"github.com/kursflyt/waitlist/internal/models"
	"github.com/kursflyt/waitlist/internal/promotion"
)

// Claimer confirms signups behind pending offers.
type Claimer interface {
	MarkClaimed(ctx context.Context, signupID uuid.UUID) (*models.Signup, error)
	ClaimByToken(ctx context.Context, token string) (*models.Signup, error)
}

// Canceller frees confirmed spots.
type Canceller interface {
	CancelConfirmed(ctx context.Context, signupID uuid.UUID) (*models.Signup, *promotion.Result, error)
}

// Topics names the checkout topics to consume.
type Topics struct {
	Completed string
	Refunded  string
}

// Consumer is a sarama consumer group handler for checkout events.
type Consumer struct {
	group     sarama.ConsumerGroup
	topics    Topics
	claimer   Claimer
	canceller Canceller
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// NewConsumer returns a Consumer. group may be nil when the handler is
// driven directly.
func NewConsumer(group sarama.ConsumerGroup, topics Topics, claimer Claimer, canceller Canceller, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{group: group, topics: topics, claimer: claimer, canceller: canceller, logger: logger}
}

// Start consumes until ctx is cancelled. It returns immediately.
func (c *Consumer) Start(ctx context.Context) {
	topics := []string{c.topics.Completed, c.topics.Refunded}
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.group.Consume(ctx, topics, c); err != nil {
				c.logger.Error("checkout consume", zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.Error("checkout consumer group", zap.Error(err))
		}
	}()
	c.logger.Info("Checkout consumer started", zap.Strings("topics", topics))
}

// Close leaves the consumer group and waits for Start's goroutines.
func (c *Consumer) Close() error {
	if err := c.group.Close(); err != nil {
		return err
	}
	c.wg.Wait()
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim marks a message once it is applied or can never be applied.
// Messages that failed for transient reasons stay unmarked and are
// redelivered after the next rebalance.
func (c *Consumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok || msg == nil {
				return nil
			}
			err := c.Handle(sess.Context(), msg)
			if err != nil && retryable(err) {
				c.logger.Error("checkout event failed, will be redelivered",
					zap.String("topic", msg.Topic),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
				continue
			}
			if err != nil {
				c.logger.Warn("checkout event dropped",
					zap.String("topic", msg.Topic),
					zap.Int64("offset", msg.Offset),
					zap.String("code", string(apperr.CodeOf(err))),
					zap.Error(err),
				)
			}
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}

// Handle applies one checkout message. Redelivered messages for offers or
// signups already in the target state succeed without change.
func (c *Consumer) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	switch msg.Topic {
	case c.topics.Completed:
		return c.handleCompleted(ctx, msg)
	case c.topics.Refunded:
		return c.handleRefunded(ctx, msg)
	default:
		c.logger.Warn("unknown checkout topic", zap.String("topic", msg.Topic))
		return nil
	}
}

func (c *Consumer) handleCompleted(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var e CompletedEvent
	if err := json.Unmarshal(msg.Value, &e); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "decode checkout.completed", err)
	}

	var (
		s   *models.Signup
		err error
	)
	switch {
	case e.SignupID != uuid.Nil:
		s, err = c.claimer.MarkClaimed(ctx, e.SignupID)
	case e.OfferToken != "":
		s, err = c.claimer.ClaimByToken(ctx, e.OfferToken)
	default:
		return apperr.Validation("signup_id", "checkout.completed carries neither signup_id nor offer_token")
	}
	if errors.Is(err, apperr.ErrAlreadyClaimed) {
		c.logger.Info("checkout already applied", zap.String("checkout_id", e.CheckoutID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim for checkout %s: %w", e.CheckoutID, err)
	}
	c.logger.Info("offer claimed by checkout",
		zap.String("checkout_id", e.CheckoutID),
		zap.String("signup_id", s.ID.String()),
	)
	return nil
}

func (c *Consumer) handleRefunded(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var e RefundedEvent
	if err := json.Unmarshal(msg.Value, &e); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "decode checkout.refunded", err)
	}
	if e.SignupID == uuid.Nil {
		return apperr.Validation("signup_id", "checkout.refunded carries no signup_id")
	}

	s, res, err := c.canceller.CancelConfirmed(ctx, e.SignupID)
	if apperr.CodeOf(err) == apperr.CodeInvalidState {
		c.logger.Info("refund already applied", zap.String("checkout_id", e.CheckoutID), zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel for refund %s: %w", e.CheckoutID, err)
	}
	c.logger.Info("confirmed spot refunded",
		zap.String("checkout_id", e.CheckoutID),
		zap.String("signup_id", s.ID.String()),
		zap.Int("offers_issued", len(res.Issued)),
	)
	return nil
}

// retryable reports whether a failed message may succeed when redelivered.
// Domain rejections never will.
func retryable(err error) bool {
	switch apperr.CodeOf(err).Kind() {
	case apperr.KindTransient, apperr.KindInternal:
		return true
	default:
		return false
	}
}
