// Package app wires the waitlist engine from configuration. The binaries
// share it so the server, the worker and the one-shot sweeper always agree
// on offer windows and requeue policy.
package app

import (
	"go.uber.org/zap"

	"github.com/kursflyt/waitlist/config"
	"github.com/kursflyt/waitlist/internal/notify"
	"github.com/kursflyt/waitlist/internal/offers"
	"github.com/kursflyt/waitlist/internal/promotion"
	"github.com/kursflyt/waitlist/internal/store"
	"github.com/kursflyt/waitlist/internal/sweeper"
	"github.com/kursflyt/waitlist/internal/waitlist"
)

// Engine is the set of services behind every waitlist operation.
type Engine struct {
	Store       store.Store
	Queue       *waitlist.Queue
	Lifecycle   *offers.Lifecycle
	Coordinator *promotion.Coordinator
	Sweeper     *sweeper.Sweeper
}

// NewEngine builds an Engine over st. notifier may be nil.
func NewEngine(cfg config.WaitlistConfig, st store.Store, notifier notify.Notifier, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	lifecycle := offers.NewLifecycle(st, notifier, offers.Options{
		Window:        cfg.OfferWindow,
		Requeue:       offers.RequeuePolicy(cfg.RequeuePolicy),
		ClaimBaseURL:  cfg.ClaimBaseURL,
		RetryAttempts: cfg.StoreRetryAttempts,
	}, logger.Named("offers"))
	coord := promotion.NewCoordinator(st, lifecycle, notifier, logger.Named("promotion"))
	return &Engine{
		Store: st,
		Queue: waitlist.NewQueue(st, notifier, waitlist.Options{
			GraceSpots:    cfg.JoinGraceSpots,
			RetryAttempts: cfg.StoreRetryAttempts,
			Now:           lifecycle.Now,
		}, logger.Named("waitlist")),
		Lifecycle:   lifecycle,
		Coordinator: coord,
		Sweeper: sweeper.New(st, lifecycle, coord, sweeper.Options{
			BatchSize:   cfg.SweepBatchSize,
			Concurrency: cfg.SweepConcurrency,
		}, logger.Named("sweeper")),
	}
}
