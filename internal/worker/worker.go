// Package worker delivers queued notification e-mails.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kursflyt/waitlist/pkg/queue"
)

// JobQueue is the part of the Redis job queue the worker uses.
type JobQueue interface {
	Dequeue(ctx context.Context, key string) (*queue.Job, error)
	Retry(ctx context.Context, key string, job *queue.Job) (bool, error)
}

// DeliveryLog records delivery attempts in email_logs.
type DeliveryLog interface {
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string, final bool) error
}

// errPermanent marks jobs that can never succeed; they skip the retry queue.
var errPermanent = errors.New("permanent job failure")

// EmailProcessor processes e-mail jobs: send, then record the outcome.
type EmailProcessor struct {
	queue   JobQueue
	sender  Sender
	logs    DeliveryLog
	logger  *zap.Logger
	backoff time.Duration
	now     func() time.Time
}

// NewEmailProcessor creates an e-mail job processor.
func NewEmailProcessor(q JobQueue, sender Sender, logs DeliveryLog, logger *zap.Logger) *EmailProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmailProcessor{queue: q, sender: sender, logs: logs, logger: logger, backoff: queue.RetryBackoff, now: time.Now}
}

// Process executes one e-mail job.
func (p *EmailProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeEmail {
		return fmt.Errorf("%w: unknown job type %s", errPermanent, job.Type)
	}
	var payload queue.EmailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: unmarshal payload: %v", errPermanent, err)
	}
	if payload.RecipientEmail == "" {
		return fmt.Errorf("%w: job has no recipient", errPermanent)
	}

	err := p.sender.Send(ctx, Message{
		To:      payload.RecipientEmail,
		ToName:  payload.RecipientName,
		Subject: payload.Subject,
		Text:    payload.BodyText,
		HTML:    payload.BodyHTML,
	})
	if err != nil {
		return err
	}

	if payload.EmailLogID != uuid.Nil {
		if err := p.logs.MarkSent(ctx, payload.EmailLogID, p.now()); err != nil {
			// The e-mail is out; retrying would send it twice.
			p.logger.Error("mark email sent", zap.String("email_log_id", payload.EmailLogID.String()), zap.Error(err))
		}
	}
	p.logger.Info("email sent",
		zap.String("job_id", job.ID),
		zap.String("email_type", payload.EmailType),
		zap.String("signup_id", payload.SignupID.String()),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *EmailProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("email worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, queue.QueueEmails)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.fail(ctx, job, err)
			if !errors.Is(err, errPermanent) {
				p.sleep(ctx)
			}
		}
	}
}

func (p *EmailProcessor) fail(ctx context.Context, job *queue.Job, cause error) {
	p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(cause))

	final := errors.Is(cause, errPermanent)
	if !final {
		dlq, err := p.queue.Retry(ctx, queue.QueueEmails, job)
		if err != nil {
			p.logger.Error("retry enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		final = dlq
	}

	var payload queue.EmailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.EmailLogID == uuid.Nil {
		return
	}
	if err := p.logs.MarkFailed(ctx, payload.EmailLogID, cause.Error(), final); err != nil {
		p.logger.Error("mark email failed", zap.String("email_log_id", payload.EmailLogID.String()), zap.Error(err))
	}
}

func (p *EmailProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
