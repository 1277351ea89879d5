// Package waitlist maintains the per-course queue of waitlisted signups.
package waitlist

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kursflyt/waitlist/internal/apperr"
	"github.com/kursflyt/waitlist/internal/models"
	"github.com/kursflyt/waitlist/internal/notify"
	"github.com/kursflyt/waitlist/internal/store"
	"github.com/kursflyt/waitlist/pkg/telemetry"
)

// RemovalReason says why a signup left the course.
type RemovalReason string

const (
	RemovedByParticipant   RemovalReason = "participant"
	RemovedByInstructor    RemovalReason = "instructor"
	RemovedCourseCancelled RemovalReason = "course_cancelled"
)

// JoinRequest is a participant asking for a place in a full course.
type JoinRequest struct {
	CourseID uuid.UUID
	// OrganizationID, when set, must own the course.
	OrganizationID uuid.UUID
	Name           string
	Email          string
	Phone          string
}

// Removal is the outcome of Remove.
type Removal struct {
	Signup *models.Signup
	Reason RemovalReason
	// HeldOffer is true when the removed entry held a pending offer, so its
	// vacancy is free again.
	HeldOffer bool
}

// Standing is a signup's place in the queue. Rank is 1 for the head and 0
// when the signup is not waitlisted.
type Standing struct {
	Signup *models.Signup
	Rank   int
}

// Options tunes a Queue.
type Options struct {
	// GraceSpots lets participants join while up to this many spots are free.
	GraceSpots    int
	RetryAttempts int
	Now           func() time.Time
}

// Queue implements joining, leaving and reading course waitlists.
type Queue struct {
	store    store.Store
	notifier notify.Notifier
	opts     Options
	logger   *zap.Logger
}

// NewQueue returns a Queue.
func NewQueue(st store.Store, notifier notify.Notifier, opts Options, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 3
	}
	return &Queue{store: st, notifier: notifier, opts: opts, logger: logger}
}

// Join puts the participant at the back of the course waitlist. It fails with
// ALREADY_SIGNED_UP when the email has an active signup and COURSE_NOT_FULL
// when the course still has free spots.
func (q *Queue) Join(ctx context.Context, req JoinRequest) (_ *models.Signup, err error) {
	ctx, span := telemetry.StartSpan(ctx, "waitlist.Join", attribute.String("course.id", req.CourseID.String()))
	defer func() { telemetry.End(span, err) }()

	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Name == "" {
		return nil, apperr.Validation("name", "required")
	}
	if _, perr := mail.ParseAddress(req.Email); perr != nil {
		return nil, apperr.Validation("email", "not an e-mail address")
	}

	var (
		joined *models.Signup
		course *models.Course
		org    *models.Organization
	)
	err = store.Retry(ctx, q.opts.RetryAttempts, func() error {
		return q.store.WithCourseLock(ctx, req.CourseID, func(tx store.Store) error {
			var err error
			course, err = tx.GetCourse(ctx, req.CourseID)
			if err != nil {
				return courseErr(err)
			}
			if req.OrganizationID != uuid.Nil && req.OrganizationID != course.OrganizationID {
				return apperr.Validation("organization_id", "organization does not own the course")
			}
			if course.Status == models.CourseStatusCancelled {
				return apperr.ErrCourseCancelled
			}

			if _, err := tx.FindActiveSignup(ctx, req.CourseID, req.Email); err == nil {
				return apperr.ErrAlreadySignedUp
			} else if !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("find active signup: %w", err)
			}

			counts, err := tx.SeatCounts(ctx, req.CourseID)
			if err != nil {
				return fmt.Errorf("seat counts: %w", err)
			}
			if free := counts.Free(); free > q.opts.GraceSpots {
				return apperr.WithMetadata(apperr.CodeCourseNotFull, "course has free spots",
					map[string]string{"FreeSpots": strconv.Itoa(free)})
			}

			pos, err := tx.NextPosition(ctx, req.CourseID)
			if err != nil {
				return fmt.Errorf("next position: %w", err)
			}
			joined, err = tx.InsertSignup(ctx, store.NewSignup{
				CourseID:       req.CourseID,
				OrganizationID: course.OrganizationID,
				Name:           req.Name,
				Email:          req.Email,
				Phone:          req.Phone,
				Status:         models.StatusWaitlisted,
				Position:       &pos,
				At:             q.opts.Now(),
			})
			if errors.Is(err, store.ErrDuplicateSignup) {
				return apperr.ErrAlreadySignedUp
			}
			if err != nil {
				return err
			}

			org, err = tx.GetOrganization(ctx, course.OrganizationID)
			if err != nil {
				return fmt.Errorf("get organization: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, storeErr(err)
	}

	q.logger.Info("joined waitlist",
		zap.String("course_id", req.CourseID.String()),
		zap.String("signup_id", joined.ID.String()),
		zap.Int64("position", *joined.Position),
	)
	q.notifier.WaitlistJoined(ctx, notify.Joined{Signup: *joined, Course: *course, Organization: *org})
	return joined, nil
}

// Remove takes a waitlisted signup out of the queue. Positions of the others
// are untouched. A pending offer held by the entry is withdrawn.
func (q *Queue) Remove(ctx context.Context, signupID uuid.UUID, reason RemovalReason) (*Removal, error) {
	current, err := q.store.GetSignup(ctx, signupID)
	if err != nil {
		return nil, signupErr(err)
	}

	var out *Removal
	err = q.store.WithCourseLock(ctx, current.CourseID, func(tx store.Store) error {
		var err error
		out, err = q.RemoveIn(ctx, tx, signupID, reason)
		return err
	})
	if err != nil {
		return nil, storeErr(err)
	}
	q.Announce(ctx, out)
	return out, nil
}

// RemoveIn is Remove through st, which the caller has locked. Nothing is
// announced until the caller passes the result to Announce after commit.
func (q *Queue) RemoveIn(ctx context.Context, st store.Store, signupID uuid.UUID, reason RemovalReason) (*Removal, error) {
	before, err := st.GetSignup(ctx, signupID)
	if err != nil {
		return nil, signupErr(err)
	}
	to := models.StatusCancelled
	if reason == RemovedCourseCancelled {
		to = models.StatusCourseCancelled
	}

	out := &Removal{Reason: reason}
	_, out.HeldOffer = before.Pending()
	out.Signup, err = st.TransitionSignup(ctx, signupID,
		[]models.MembershipStatus{models.StatusWaitlisted}, to, q.opts.Now())
	if errors.Is(err, store.ErrConditionFailed) {
		return nil, apperr.InvalidState("signup is not waitlisted",
			map[string]string{"Status": string(before.Status)})
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Announce logs a committed removal and tells the notifier.
func (q *Queue) Announce(ctx context.Context, r *Removal) {
	q.logger.Info("removed from waitlist",
		zap.String("signup_id", r.Signup.ID.String()),
		zap.String("reason", string(r.Reason)),
		zap.Bool("held_offer", r.HeldOffer),
	)
	q.notifier.SignupRemoved(ctx, notify.Removed{Signup: *r.Signup, Reason: string(r.Reason)})
}

// Head returns the lowest-positioned waitlisted entry without a pending
// offer, or nil when there is none.
func (q *Queue) Head(ctx context.Context, courseID uuid.UUID) (*models.Signup, error) {
	return Head(ctx, q.store, courseID)
}

// Head is Queue.Head against an explicit store, for callers already holding
// the course lock. Entries in exclude are passed over.
func Head(ctx context.Context, st store.Store, courseID uuid.UUID, exclude ...uuid.UUID) (*models.Signup, error) {
	s, err := st.FirstInQueue(ctx, courseID, store.HeadQuery{SkipPendingOffers: true, Exclude: exclude})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue head: %w", err)
	}
	return s, nil
}

// List returns the course waitlist in queue order.
func (q *Queue) List(ctx context.Context, courseID uuid.UUID) ([]models.Signup, error) {
	if _, err := q.store.GetCourse(ctx, courseID); err != nil {
		return nil, courseErr(err)
	}
	out, err := q.store.ListSignups(ctx, courseID, models.StatusWaitlisted)
	if err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

// Standing reports where a signup stands in its course queue.
func (q *Queue) Standing(ctx context.Context, signupID uuid.UUID) (*Standing, error) {
	s, err := q.store.GetSignup(ctx, signupID)
	if err != nil {
		return nil, signupErr(err)
	}
	out := &Standing{Signup: s}
	if s.Status != models.StatusWaitlisted {
		return out, nil
	}
	ahead, err := q.store.CountAhead(ctx, s.CourseID, *s.Position)
	if err != nil {
		return nil, storeErr(err)
	}
	out.Rank = ahead + 1
	return out, nil
}

func courseErr(err error) error {
	return store.AsDomain(err, apperr.ErrCourseNotFound)
}

func signupErr(err error) error {
	return store.AsDomain(err, apperr.ErrSignupNotFound)
}

func storeErr(err error) error {
	return store.AsDomain(err, nil)
}
