package promotion

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kursflyt/waitlist/internal/apperr"
	"github.com/kursflyt/waitlist/internal/models"
	"github.com/kursflyt/waitlist/internal/notify"
	"github.com/kursflyt/waitlist/internal/offers"
	"github.com/kursflyt/waitlist/internal/store"
	"github.com/kursflyt/waitlist/internal/waitlist"
)

// CapacityChange reports a capacity update and the promotion it caused.
type CapacityChange struct {
	OldCapacity int     `json:"old_capacity"`
	NewCapacity int     `json:"new_capacity"`
	Promotion   *Result `json:"promotion"`
}

// CancelConfirmed cancels a confirmed signup (e.g. after a refund) and
// offers the freed spot to the queue.
func (c *Coordinator) CancelConfirmed(ctx context.Context, signupID uuid.UUID) (*models.Signup, *Result, error) {
	s, err := c.store.GetSignup(ctx, signupID)
	if err != nil {
		return nil, nil, store.AsDomain(err, apperr.ErrSignupNotFound)
	}

	var (
		cancelled   *models.Signup
		res         *Result
		transitions []offers.Transition
	)
	err = c.store.WithCourseLock(ctx, s.CourseID, func(tx store.Store) error {
		var err error
		cancelled, err = tx.TransitionSignup(ctx, signupID,
			[]models.MembershipStatus{models.StatusConfirmed}, models.StatusCancelled, c.offers.Now())
		if errors.Is(err, store.ErrConditionFailed) {
			return apperr.InvalidState("signup is not confirmed", map[string]string{"Status": string(s.Status)})
		}
		if err != nil {
			return err
		}
		res, transitions, err = c.PromoteIn(ctx, tx, s.CourseID, 1)
		return err
	})
	if err != nil {
		return nil, nil, store.AsDomain(err, apperr.ErrSignupNotFound)
	}

	c.notifier.SignupRemoved(ctx, notify.Removed{Signup: *cancelled, Reason: "cancelled"})
	c.announce(ctx, transitions)
	return cancelled, res, nil
}

// RemoveFromWaitlist removes a waitlisted entry. When the entry held a
// pending offer the vacancy is offered to the next in line under the same
// lock; if that fails the removal is rolled back too.
func (c *Coordinator) RemoveFromWaitlist(ctx context.Context, queue *waitlist.Queue, signupID uuid.UUID, reason waitlist.RemovalReason) (*waitlist.Removal, *Result, error) {
	s, err := c.store.GetSignup(ctx, signupID)
	if err != nil {
		return nil, nil, store.AsDomain(err, apperr.ErrSignupNotFound)
	}

	var (
		removal     *waitlist.Removal
		res         *Result
		transitions []offers.Transition
	)
	err = c.store.WithCourseLock(ctx, s.CourseID, func(tx store.Store) error {
		var err error
		removal, err = queue.RemoveIn(ctx, tx, signupID, reason)
		if err != nil || !removal.HeldOffer {
			return err
		}
		res, transitions, err = c.PromoteIn(ctx, tx, s.CourseID, 1)
		return err
	})
	if err != nil {
		c.logger.Error("remove from waitlist", zap.String("signup_id", signupID.String()), zap.Error(err))
		return nil, nil, store.AsDomain(err, apperr.ErrSignupNotFound)
	}

	queue.Announce(ctx, removal)
	c.announce(ctx, transitions)
	return removal, res, nil
}

// Decline skips the offer behind a claim token and re-offers the spot.
func (c *Coordinator) Decline(ctx context.Context, token string) (*models.Signup, *Result, error) {
	rec, err := c.offers.Lookup(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	switch rec.Status {
	case models.OfferClaimed:
		return nil, nil, apperr.ErrAlreadyClaimed
	case models.OfferExpired, models.OfferSkipped:
		return nil, nil, apperr.InvalidState("offer is no longer pending", map[string]string{"OfferStatus": string(rec.Status)})
	}

	var (
		skipped     *offers.Transition
		res         *Result
		transitions []offers.Transition
	)
	err = c.store.WithCourseLock(ctx, rec.CourseID, func(tx store.Store) error {
		var err error
		skipped, err = c.offers.SkipIn(ctx, tx, rec.SignupID)
		if err != nil {
			return err
		}
		res, transitions, err = c.PromoteIn(ctx, tx, rec.CourseID, 1)
		return err
	})
	if err != nil {
		return nil, nil, store.AsDomain(err, apperr.ErrSignupNotFound)
	}

	c.offers.Announce(ctx, *skipped)
	c.announce(ctx, transitions)
	return &skipped.Signup, res, nil
}

// ChangeCapacity sets a new course capacity. Growth is offered to the queue
// straight away. Capacity cannot drop below the confirmed count.
func (c *Coordinator) ChangeCapacity(ctx context.Context, courseID uuid.UUID, capacity int) (*CapacityChange, error) {
	if capacity < 0 {
		return nil, apperr.Validation("capacity", "cannot be negative")
	}

	var (
		out         = &CapacityChange{NewCapacity: capacity}
		transitions []offers.Transition
	)
	err := c.store.WithCourseLock(ctx, courseID, func(tx store.Store) error {
		course, err := tx.GetCourse(ctx, courseID)
		if err != nil {
			return store.AsDomain(err, apperr.ErrCourseNotFound)
		}
		if course.Status == models.CourseStatusCancelled {
			return apperr.ErrCourseCancelled
		}
		counts, err := tx.SeatCounts(ctx, courseID)
		if err != nil {
			return err
		}
		if capacity < counts.Confirmed {
			return apperr.WithMetadata(apperr.CodeValidation, "capacity below confirmed count",
				map[string]string{"Field": "capacity", "Confirmed": strconv.Itoa(counts.Confirmed)})
		}

		out.OldCapacity = course.Capacity
		if err := tx.SetCourseCapacity(ctx, courseID, capacity, c.offers.Now()); err != nil {
			return err
		}
		growth := max(capacity-course.Capacity, 0)
		out.Promotion, transitions, err = c.PromoteIn(ctx, tx, courseID, growth)
		return err
	})
	if err != nil {
		return nil, store.AsDomain(err, apperr.ErrCourseNotFound)
	}

	c.logger.Info("course capacity changed",
		zap.String("course_id", courseID.String()),
		zap.Int("old", out.OldCapacity),
		zap.Int("new", out.NewCapacity),
	)
	c.announce(ctx, transitions)
	return out, nil
}

// CancelCourse marks the course cancelled and every active signup
// course_cancelled. Pending offers are withdrawn and nothing is promoted.
func (c *Coordinator) CancelCourse(ctx context.Context, courseID uuid.UUID) (int, error) {
	var affected []models.Signup
	err := c.store.WithCourseLock(ctx, courseID, func(tx store.Store) error {
		now := c.offers.Now()
		if err := tx.SetCourseStatus(ctx, courseID, models.CourseStatusCancelled, now); err != nil {
			return store.AsDomain(err, apperr.ErrCourseNotFound)
		}
		active, err := tx.ListSignups(ctx, courseID, models.StatusConfirmed, models.StatusWaitlisted)
		if err != nil {
			return err
		}
		for _, s := range active {
			updated, err := tx.TransitionSignup(ctx, s.ID,
				[]models.MembershipStatus{models.StatusConfirmed, models.StatusWaitlisted},
				models.StatusCourseCancelled, now)
			if err != nil {
				return err
			}
			affected = append(affected, *updated)
		}
		return nil
	})
	if err != nil {
		return 0, store.AsDomain(err, apperr.ErrCourseNotFound)
	}

	c.logger.Info("course cancelled", zap.String("course_id", courseID.String()), zap.Int("signups", len(affected)))
	for _, s := range affected {
		c.notifier.SignupRemoved(ctx, notify.Removed{Signup: s, Reason: string(waitlist.RemovedCourseCancelled)})
	}
	return len(affected), nil
}
