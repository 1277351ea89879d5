// Package sweeper resolves lapsed offers and re-offers the spots they held.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kursflyt/waitlist/internal/models"
	"github.com/kursflyt/waitlist/internal/offers"
	"github.com/kursflyt/waitlist/internal/promotion"
	"github.com/kursflyt/waitlist/internal/store"
	"github.com/kursflyt/waitlist/pkg/telemetry"
)

// Failure is one entry or course the sweep could not process.
type Failure struct {
	CourseID uuid.UUID  `json:"course_id"`
	SignupID *uuid.UUID `json:"signup_id,omitempty"`
	Message  string     `json:"message"`
	Err      error      `json:"-"`
}

func (f Failure) Error() string {
	if f.SignupID != nil {
		return fmt.Sprintf("course %s signup %s: %s", f.CourseID, f.SignupID, f.Message)
	}
	return fmt.Sprintf("course %s: %s", f.CourseID, f.Message)
}

func (f Failure) Unwrap() error { return f.Err }

// Result summarises one sweep.
type Result struct {
	Processed           int       `json:"processed"`
	PromotionsTriggered int       `json:"promotionsTriggered"`
	OffersIssued        int       `json:"offersIssued"`
	Errors              []Failure `json:"errors"`
}

// Options tunes a Sweeper.
type Options struct {
	BatchSize   int
	Concurrency int
}

// Sweeper expires pending offers whose window has passed. Courses are
// processed in parallel; each course is handled under its lock.
type Sweeper struct {
	store  store.Store
	offers *offers.Lifecycle
	coord  *promotion.Coordinator
	opts   Options
	logger *zap.Logger
}

// New returns a Sweeper.
func New(st store.Store, lifecycle *offers.Lifecycle, coord *promotion.Coordinator, opts Options, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 500
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	return &Sweeper{store: st, offers: lifecycle, coord: coord, opts: opts, logger: logger}
}

// Sweep expires every pending offer that lapsed before now and promotes one
// entry per expired offer. It never fails: problems are collected in the
// result and the next sweep picks up whatever was left.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) Result {
	ctx, span := telemetry.StartSpan(ctx, "sweeper.Sweep")
	defer span.End()

	var (
		res    Result
		mu     sync.Mutex
		failed = map[uuid.UUID]bool{}
	)
	record := func(r courseResult) {
		mu.Lock()
		defer mu.Unlock()
		res.Processed += r.expired
		res.OffersIssued += r.issued
		if r.promoted {
			res.PromotionsTriggered++
		}
		for _, f := range r.failures {
			if f.SignupID != nil {
				failed[*f.SignupID] = true
			}
			res.Errors = append(res.Errors, f)
		}
	}

	for {
		// Entries that failed earlier in this sweep are still pending and come
		// back at the head of every listing, so the window widens past them.
		limit := s.opts.BatchSize + len(failed)
		lapsed, err := s.store.ListLapsedOffers(ctx, now, limit)
		if err != nil {
			s.logger.Error("list lapsed offers", zap.Error(err))
			res.Errors = append(res.Errors, Failure{Message: "list lapsed offers: " + err.Error(), Err: err})
			break
		}

		groups := map[uuid.UUID][]models.OfferRecord{}
		for _, rec := range lapsed {
			if failed[rec.SignupID] {
				continue
			}
			groups[rec.CourseID] = append(groups[rec.CourseID], rec)
		}
		if len(groups) == 0 {
			break
		}

		var g errgroup.Group
		g.SetLimit(s.opts.Concurrency)
		for courseID, recs := range groups {
			g.Go(func() error {
				record(s.sweepCourse(ctx, courseID, recs, now))
				return nil
			})
		}
		_ = g.Wait()

		if len(lapsed) < limit || ctx.Err() != nil {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("sweep.processed", res.Processed),
		attribute.Int("sweep.promotions", res.PromotionsTriggered),
		attribute.Int("sweep.errors", len(res.Errors)),
	)
	s.logger.Info("sweep done",
		zap.Int("processed", res.Processed),
		zap.Int("promotions", res.PromotionsTriggered),
		zap.Int("offers_issued", res.OffersIssued),
		zap.Int("errors", len(res.Errors)),
	)
	return res
}

type courseResult struct {
	expired  int
	issued   int
	promoted bool
	failures []Failure
}

func (s *Sweeper) sweepCourse(ctx context.Context, courseID uuid.UUID, recs []models.OfferRecord, now time.Time) courseResult {
	var (
		out         courseResult
		transitions []offers.Transition
	)
	entryFailed := func(signupID uuid.UUID, err error) {
		id := signupID
		out.failures = append(out.failures, Failure{CourseID: courseID, SignupID: &id, Message: err.Error(), Err: err})
		s.logger.Warn("expire offer failed",
			zap.String("course_id", courseID.String()),
			zap.String("signup_id", signupID.String()),
			zap.Error(err),
		)
	}

	err := s.store.WithCourseLock(ctx, courseID, func(tx store.Store) error {
		for _, rec := range recs {
			var t *offers.Transition
			err := tx.WithCourseLock(ctx, courseID, func(sp store.Store) error {
				var err error
				t, err = s.offers.ExpireIn(ctx, sp, rec.SignupID, now)
				return err
			})
			if err != nil {
				entryFailed(rec.SignupID, err)
				continue
			}
			transitions = append(transitions, *t)
		}
		out.expired = len(transitions)
		if out.expired == 0 {
			return nil
		}

		out.promoted = true
		var promoted []offers.Transition
		err := tx.WithCourseLock(ctx, courseID, func(sp store.Store) error {
			res, ts, err := s.coord.PromoteIn(ctx, sp, courseID, out.expired)
			if err != nil {
				return err
			}
			out.issued = len(res.Issued)
			promoted = ts
			return nil
		})
		if err != nil {
			out.failures = append(out.failures, Failure{CourseID: courseID, Message: "promote: " + err.Error(), Err: err})
			s.logger.Error("promote after expiry", zap.String("course_id", courseID.String()), zap.Error(err))
			return nil
		}
		transitions = append(transitions, promoted...)
		return nil
	})
	if err != nil {
		s.logger.Error("sweep course", zap.String("course_id", courseID.String()), zap.Error(err))
		failures := make([]Failure, 0, len(recs))
		for _, rec := range recs {
			id := rec.SignupID
			failures = append(failures, Failure{CourseID: courseID, SignupID: &id, Message: err.Error(), Err: err})
		}
		return courseResult{failures: failures}
	}

	for _, t := range transitions {
		s.offers.Announce(ctx, t)
	}
	return out
}
