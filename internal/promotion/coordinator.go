// Package promotion turns vacancies into claim offers for the head of a
// course waitlist.
package promotion

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kursflyt/waitlist/internal/apperr"
	"github.com/kursflyt/waitlist/internal/models"
	"github.com/kursflyt/waitlist/internal/notify"
	"github.com/kursflyt/waitlist/internal/offers"
	"github.com/kursflyt/waitlist/internal/store"
	"github.com/kursflyt/waitlist/internal/waitlist"
	"github.com/kursflyt/waitlist/pkg/telemetry"
)

// Result summarises one promotion.
type Result struct {
	CourseID  uuid.UUID       `json:"course_id"`
	Requested int             `json:"requested"`
	Issued    []models.Signup `json:"issued"`
	Failed    []uuid.UUID     `json:"failed,omitempty"`
}

// Coordinator issues offers for vacancies. All work for one course runs
// under the course lock, so concurrent triggers for the same vacancy
// produce a single offer.
type Coordinator struct {
	store    store.Store
	offers   *offers.Lifecycle
	notifier notify.Notifier
	logger   *zap.Logger
}

// NewCoordinator returns a Coordinator.
func NewCoordinator(st store.Store, lifecycle *offers.Lifecycle, notifier notify.Notifier, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Coordinator{store: st, offers: lifecycle, notifier: notifier, logger: logger}
}

// Promote offers up to vacancies spots to the head of the queue, one offer
// per entry. Fewer offers are issued when the queue runs out or when
// confirmed signups and pending offers already fill the course. A failure
// to issue one offer is logged and the next entry is tried.
func (c *Coordinator) Promote(ctx context.Context, courseID uuid.UUID, vacancies int) (_ *Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "promotion.Promote",
		attribute.String("course.id", courseID.String()),
		attribute.Int("vacancies", vacancies),
	)
	defer func() { telemetry.End(span, err) }()

	if vacancies < 0 {
		return nil, apperr.Validation("vacancies", "cannot be negative")
	}

	var (
		res         *Result
		transitions []offers.Transition
	)
	err = c.store.WithCourseLock(ctx, courseID, func(tx store.Store) error {
		var err error
		res, transitions, err = c.PromoteIn(ctx, tx, courseID, vacancies)
		return err
	})
	if err != nil {
		return nil, store.AsDomain(err, apperr.ErrCourseNotFound)
	}
	c.announce(ctx, transitions)
	span.SetAttributes(attribute.Int("offers.issued", len(res.Issued)))
	return res, nil
}

// PromoteIn is Promote through st, which the caller has locked. The returned
// transitions must be announced after the caller commits.
func (c *Coordinator) PromoteIn(ctx context.Context, st store.Store, courseID uuid.UUID, vacancies int) (*Result, []offers.Transition, error) {
	res := &Result{CourseID: courseID, Requested: vacancies, Issued: []models.Signup{}}
	if vacancies == 0 {
		return res, nil, nil
	}

	course, err := st.GetCourse(ctx, courseID)
	if err != nil {
		return nil, nil, store.AsDomain(err, apperr.ErrCourseNotFound)
	}
	if course.Status == models.CourseStatusCancelled {
		return res, nil, nil
	}
	counts, err := st.SeatCounts(ctx, courseID)
	if err != nil {
		return nil, nil, fmt.Errorf("seat counts: %w", err)
	}
	want := min(vacancies, counts.Free())
	if want < vacancies {
		c.logger.Info("promotion capped by free spots",
			zap.String("course_id", courseID.String()),
			zap.Int("vacancies", vacancies),
			zap.Int("free", counts.Free()),
		)
	}

	var transitions []offers.Transition
	for len(transitions) < want {
		head, err := waitlist.Head(ctx, st, courseID, res.Failed...)
		if err != nil {
			return nil, nil, err
		}
		if head == nil {
			break
		}

		var t *offers.Transition
		err = st.WithCourseLock(ctx, courseID, func(sp store.Store) error {
			var err error
			t, err = c.offers.IssueIn(ctx, sp, head.ID)
			return err
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, nil, err
			}
			c.logger.Warn("issue offer failed, trying next in queue",
				zap.String("course_id", courseID.String()),
				zap.String("signup_id", head.ID.String()),
				zap.Error(err),
			)
			res.Failed = append(res.Failed, head.ID)
			continue
		}
		transitions = append(transitions, *t)
		res.Issued = append(res.Issued, t.Signup)
	}

	c.logger.Info("promotion done",
		zap.String("course_id", courseID.String()),
		zap.Int("requested", vacancies),
		zap.Int("issued", len(transitions)),
		zap.Int("failed", len(res.Failed)),
	)
	return res, transitions, nil
}

func (c *Coordinator) announce(ctx context.Context, transitions []offers.Transition) {
	for _, t := range transitions {
		c.offers.Announce(ctx, t)
	}
}
