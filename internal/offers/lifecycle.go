// Package offers manages claim offers: issuing them to waitlisted signups,
// validating claim links, and resolving offers as claimed, expired or skipped.
package offers

import (
	"context"
	"errors"
	"fmt"
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

// RequeuePolicy decides what happens to an entry whose offer lapsed or was declined.
type RequeuePolicy string

const (
	RequeueBack RequeuePolicy = "back" // back of the live queue with a fresh position
	RequeueDrop RequeuePolicy = "drop" // leaves the queue as cancelled
)

// DefaultWindow is how long a participant has to claim an offer.
const DefaultWindow = 24 * time.Hour

// Options tunes a Lifecycle.
type Options struct {
	Window        time.Duration
	Requeue       RequeuePolicy
	ClaimBaseURL  string
	RetryAttempts int
	Now           func() time.Time
}

// Lifecycle implements the offer state machine
// none -> pending -> claimed | expired | skipped.
type Lifecycle struct {
	store    store.Store
	notifier notify.Notifier
	opts     Options
	logger   *zap.Logger
}

// ClaimContext is what a claim page needs to render a valid offer.
type ClaimContext struct {
	Signup       *models.Signup
	Course       *models.Course
	Organization *models.Organization
	ExpiresAt    time.Time
}

// Transition is one offer state change. It is announced only after the
// transaction that made it has committed.
type Transition struct {
	Outcome      models.OfferStatus // pending for a newly issued offer
	Signup       models.Signup
	Course       models.Course
	Organization models.Organization
}

// NewLifecycle returns a Lifecycle.
func NewLifecycle(st store.Store, notifier notify.Notifier, opts Options, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Requeue == "" {
		opts.Requeue = RequeueBack
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Lifecycle{store: st, notifier: notifier, opts: opts, logger: logger}
}

// Now is the lifecycle clock.
func (l *Lifecycle) Now() time.Time {
	return l.opts.Now()
}

// Issue offers a vacancy to a waitlisted signup without an outstanding offer.
func (l *Lifecycle) Issue(ctx context.Context, signupID uuid.UUID) (_ *models.Signup, err error) {
	ctx, span := telemetry.StartSpan(ctx, "offers.Issue", attribute.String("signup.id", signupID.String()))
	defer func() { telemetry.End(span, err) }()

	s, err := l.store.GetSignup(ctx, signupID)
	if err != nil {
		return nil, store.AsDomain(err, apperr.ErrSignupNotFound)
	}
	var t *Transition
	err = l.store.WithCourseLock(ctx, s.CourseID, func(tx store.Store) error {
		var err error
		t, err = l.IssueIn(ctx, tx, signupID)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.Announce(ctx, *t)
	return &t.Signup, nil
}

// IssueIn issues an offer through st, which the caller has locked.
func (l *Lifecycle) IssueIn(ctx context.Context, st store.Store, signupID uuid.UUID) (*Transition, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate claim token: %w", err)
	}
	now := l.opts.Now()
	s, err := st.IssueOffer(ctx, store.IssueOfferParams{
		SignupID:  signupID,
		Token:     token,
		IssuedAt:  now,
		ExpiresAt: now.Add(l.opts.Window),
	})
	if errors.Is(err, store.ErrConditionFailed) {
		return nil, apperr.InvalidState("signup is not waitlisted or already has an offer",
			map[string]string{"SignupID": signupID.String()})
	}
	if err != nil {
		return nil, store.AsDomain(err, apperr.ErrSignupNotFound)
	}
	return l.transition(ctx, st, models.OfferPending, s)
}

// ValidateToken resolves a claim link. It does not change state. An offer
// whose window has passed is reported expired even before a sweep marks it.
func (l *Lifecycle) ValidateToken(ctx context.Context, token string) (*ClaimContext, error) {
	rec, err := l.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	s, err := l.store.GetSignup(ctx, rec.SignupID)
	if err != nil {
		return nil, store.AsDomain(err, apperr.ErrTokenInvalid)
	}
	course, err := l.store.GetCourse(ctx, rec.CourseID)
	if err != nil {
		return nil, store.AsDomain(err, apperr.ErrCourseNotFound)
	}
	if course.Status == models.CourseStatusCancelled {
		return nil, apperr.ErrCourseCancelled
	}
	org, err := l.store.GetOrganization(ctx, course.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return &ClaimContext{Signup: s, Course: course, Organization: org, ExpiresAt: rec.ExpiresAt}, nil
}

// MarkClaimed confirms the signup behind a pending, unexpired offer. It is
// called once checkout completes. The course must still have room.
func (l *Lifecycle) MarkClaimed(ctx context.Context, signupID uuid.UUID) (_ *models.Signup, err error) {
	ctx, span := telemetry.StartSpan(ctx, "offers.MarkClaimed", attribute.String("signup.id", signupID.String()))
	defer func() { telemetry.End(span, err) }()

	s, err := l.store.GetSignup(ctx, signupID)
	if err != nil {
		return nil, store.AsDomain(err, apperr.ErrSignupNotFound)
	}

	var t *Transition
	err = l.store.WithCourseLock(ctx, s.CourseID, func(tx store.Store) error {
		now := l.opts.Now()
		current, err := tx.GetSignup(ctx, signupID)
		if err != nil {
			return store.AsDomain(err, apperr.ErrSignupNotFound)
		}
		if err := claimable(current, now, l.opts.Requeue); err != nil {
			return err
		}

		course, err := tx.GetCourse(ctx, current.CourseID)
		if err != nil {
			return store.AsDomain(err, apperr.ErrCourseNotFound)
		}
		if course.Status == models.CourseStatusCancelled {
			return apperr.ErrCourseCancelled
		}
		counts, err := tx.SeatCounts(ctx, current.CourseID)
		if err != nil {
			return fmt.Errorf("seat counts: %w", err)
		}
		if counts.Confirmed >= course.Capacity {
			return apperr.ErrCourseFull
		}

		claimed, err := tx.ClaimOffer(ctx, signupID, now)
		if errors.Is(err, store.ErrConditionFailed) {
			return apperr.InvalidState("offer changed during claim", nil)
		}
		if err != nil {
			return store.AsDomain(err, apperr.ErrSignupNotFound)
		}
		t, err = l.transition(ctx, tx, models.OfferClaimed, claimed)
		return err
	})
	if err != nil {
		return nil, store.AsDomain(err, nil)
	}
	l.Announce(ctx, *t)
	return &t.Signup, nil
}

// ClaimByToken is MarkClaimed addressed by claim token.
func (l *Lifecycle) ClaimByToken(ctx context.Context, token string) (*models.Signup, error) {
	rec, err := l.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	return l.MarkClaimed(ctx, rec.SignupID)
}

// Expire ends a pending offer whose window has passed and applies the
// requeue policy.
func (l *Lifecycle) Expire(ctx context.Context, signupID uuid.UUID) (_ *models.Signup, err error) {
	ctx, span := telemetry.StartSpan(ctx, "offers.Expire", attribute.String("signup.id", signupID.String()))
	defer func() { telemetry.End(span, err) }()

	at := l.opts.Now()
	return l.resolveLocked(ctx, signupID, func(ctx context.Context, st store.Store, id uuid.UUID) (*Transition, error) {
		return l.ExpireIn(ctx, st, id, at)
	})
}

// ExpireIn is Expire through st, which the caller has locked. The offer must
// have lapsed at at, which is also recorded as the resolution time.
func (l *Lifecycle) ExpireIn(ctx context.Context, st store.Store, signupID uuid.UUID, at time.Time) (*Transition, error) {
	return l.resolveIn(ctx, st, signupID, models.OfferExpired, at)
}

// Skip ends a pending offer before its window closes, e.g. when the
// participant declines, and applies the requeue policy.
func (l *Lifecycle) Skip(ctx context.Context, signupID uuid.UUID) (_ *models.Signup, err error) {
	ctx, span := telemetry.StartSpan(ctx, "offers.Skip", attribute.String("signup.id", signupID.String()))
	defer func() { telemetry.End(span, err) }()

	return l.resolveLocked(ctx, signupID, l.SkipIn)
}

// SkipIn is Skip through st, which the caller has locked.
func (l *Lifecycle) SkipIn(ctx context.Context, st store.Store, signupID uuid.UUID) (*Transition, error) {
	return l.resolveIn(ctx, st, signupID, models.OfferSkipped, l.opts.Now())
}

// Lookup returns the offer record behind a token without judging its state.
func (l *Lifecycle) Lookup(ctx context.Context, token string) (*models.OfferRecord, error) {
	if token == "" {
		return nil, apperr.ErrTokenInvalid
	}
	rec, err := l.store.GetOfferByToken(ctx, token)
	if err != nil {
		return nil, store.AsDomain(err, apperr.ErrTokenInvalid)
	}
	return rec, nil
}

// Announce sends the notification for a committed transition.
func (l *Lifecycle) Announce(ctx context.Context, t Transition) {
	switch t.Outcome {
	case models.OfferPending:
		p, ok := t.Signup.Pending()
		if !ok {
			return
		}
		l.notifier.OfferIssued(ctx, notify.OfferIssued{
			Signup:       t.Signup,
			Course:       t.Course,
			Organization: t.Organization,
			Token:        p.Token,
			ClaimURL:     l.ClaimURL(p.Token),
			ExpiresAt:    p.ExpiresAt,
		})
	case models.OfferClaimed:
		l.notifier.OfferClaimed(ctx, notify.OfferClaimed{Signup: t.Signup, Course: t.Course})
	case models.OfferExpired, models.OfferSkipped:
		l.notifier.OfferExpired(ctx, notify.OfferExpired{
			Signup:       t.Signup,
			Course:       t.Course,
			Organization: t.Organization,
			Outcome:      t.Outcome,
			Requeued:     t.Signup.Status == models.StatusWaitlisted,
		})
	}
}

// ClaimURL is the participant-facing link for a token.
func (l *Lifecycle) ClaimURL(token string) string {
	return l.opts.ClaimBaseURL + "/" + token
}

// lookup resolves a token to an offer that can still be acted on.
func (l *Lifecycle) lookup(ctx context.Context, token string) (*models.OfferRecord, error) {
	rec, err := l.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case models.OfferClaimed:
		return nil, apperr.ErrAlreadyClaimed
	case models.OfferExpired:
		waitlisted := false
		if owner, err := l.store.GetSignup(ctx, rec.SignupID); err == nil {
			waitlisted = owner.Status == models.StatusWaitlisted
		}
		return nil, expiredErr(rec.ExpiresAt, waitlisted)
	case models.OfferSkipped:
		return nil, apperr.WithMetadata(apperr.CodeTokenInvalid, "offer was skipped", nil)
	}
	if l.opts.Now().After(rec.ExpiresAt) {
		return nil, expiredErr(rec.ExpiresAt, l.opts.Requeue == RequeueBack)
	}
	return rec, nil
}

func (l *Lifecycle) resolveLocked(ctx context.Context, signupID uuid.UUID,
	fn func(context.Context, store.Store, uuid.UUID) (*Transition, error)) (*models.Signup, error) {
	s, err := l.store.GetSignup(ctx, signupID)
	if err != nil {
		return nil, store.AsDomain(err, apperr.ErrSignupNotFound)
	}
	var t *Transition
	err = l.store.WithCourseLock(ctx, s.CourseID, func(tx store.Store) error {
		var err error
		t, err = fn(ctx, tx, signupID)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.Announce(ctx, *t)
	return &t.Signup, nil
}

func (l *Lifecycle) resolveIn(ctx context.Context, st store.Store, signupID uuid.UUID, outcome models.OfferStatus, now time.Time) (*Transition, error) {
	before, err := st.GetSignup(ctx, signupID)
	if err != nil {
		return nil, store.AsDomain(err, apperr.ErrSignupNotFound)
	}
	p, ok := before.Pending()
	if !ok {
		return nil, apperr.InvalidState("signup has no pending offer",
			map[string]string{"OfferStatus": string(before.CurrentOffer().Status())})
	}
	lapsed := outcome == models.OfferExpired
	if lapsed && !p.ExpiredAt(now) {
		return nil, apperr.InvalidState("offer window still open",
			map[string]string{"ExpiresAt": p.ExpiresAt.Format(time.RFC3339)})
	}

	var resolved *models.Signup
	err = store.Retry(ctx, l.opts.RetryAttempts, func() error {
		params := store.ResolveOfferParams{
			SignupID:      signupID,
			Outcome:       outcome,
			At:            now,
			RequireLapsed: lapsed,
			Next:          models.StatusCancelled,
		}
		if l.opts.Requeue == RequeueBack {
			pos, err := st.NextPosition(ctx, before.CourseID)
			if err != nil {
				return fmt.Errorf("next position: %w", err)
			}
			params.Next, params.Position = models.StatusWaitlisted, &pos
		}
		var err error
		resolved, err = st.ResolveOffer(ctx, params)
		return err
	})
	if errors.Is(err, store.ErrConditionFailed) {
		return nil, apperr.InvalidState("offer is no longer pending", nil)
	}
	if err != nil {
		return nil, store.AsDomain(err, apperr.ErrSignupNotFound)
	}

	l.logger.Info("offer resolved",
		zap.String("signup_id", signupID.String()),
		zap.String("outcome", string(outcome)),
		zap.String("membership", string(resolved.Status)),
	)
	return l.transition(ctx, st, outcome, resolved)
}

func (l *Lifecycle) transition(ctx context.Context, st store.Store, outcome models.OfferStatus, s *models.Signup) (*Transition, error) {
	course, err := st.GetCourse(ctx, s.CourseID)
	if err != nil {
		return nil, store.AsDomain(err, apperr.ErrCourseNotFound)
	}
	org, err := st.GetOrganization(ctx, course.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return &Transition{Outcome: outcome, Signup: *s, Course: *course, Organization: *org}, nil
}

// claimable reports why s cannot claim its offer at now, if it cannot. A
// lapsed offer that has not been swept yet will requeue the entry only under
// RequeueBack.
func claimable(s *models.Signup, now time.Time, requeue RequeuePolicy) error {
	switch o := s.CurrentOffer().(type) {
	case models.PendingOffer:
		if o.ExpiredAt(now) {
			return expiredErr(o.ExpiresAt, requeue == RequeueBack)
		}
		return nil
	case models.ClaimedOffer:
		return apperr.ErrAlreadyClaimed
	case models.ExpiredOffer:
		return expiredErr(o.ExpiresAt, s.Status == models.StatusWaitlisted)
	default:
		return apperr.InvalidState("signup has no pending offer",
			map[string]string{"Status": string(s.Status)})
	}
}

// expiredErr carries the deadline and, when the participant keeps a place in
// the queue, a Waitlisted flag for the message template.
func expiredErr(expiresAt time.Time, waitlisted bool) error {
	md := map[string]string{"ExpiresAt": expiresAt.Format(time.RFC3339)}
	if waitlisted {
		md["Waitlisted"] = "true"
	}
	return apperr.WithMetadata(apperr.CodeOfferExpired, "offer expired at "+expiresAt.Format(time.RFC3339), md)
}
