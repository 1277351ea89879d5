// Package main runs expiration sweeps from the command line. Schedule
// "sweeper run" from cron or a Kubernetes CronJob; the engine owns no timer.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kursflyt/waitlist/config"
	"github.com/kursflyt/waitlist/internal/app"
	"github.com/kursflyt/waitlist/internal/emaillogs"
	"github.com/kursflyt/waitlist/internal/notify"
	"github.com/kursflyt/waitlist/internal/realtime"
	"github.com/kursflyt/waitlist/internal/store"
	"github.com/kursflyt/waitlist/pkg/database"
	"github.com/kursflyt/waitlist/pkg/kafka"
	"github.com/kursflyt/waitlist/pkg/logger"
	"github.com/kursflyt/waitlist/pkg/queue"
	"github.com/kursflyt/waitlist/pkg/redis"
)

// errUnfinished makes the process exit non-zero when a sweep left offers
// behind. The next run retries them.
var errUnfinished = errors.New("sweep finished with errors")

func main() {
	var timeout time.Duration

	rootCmd := &cobra.Command{
		Use:           "sweeper",
		Short:         "Expire lapsed waitlist offers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "abort after this long")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Expire every lapsed offer and re-offer the freed spots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), timeout, func(ctx context.Context, e *app.Engine, logger *zap.Logger) error {
				res := e.Sweeper.Sweep(ctx, e.Lifecycle.Now())
				if err := printJSON(res); err != nil {
					return err
				}
				if len(res.Errors) > 0 {
					logger.Warn("sweep finished with errors", zap.Int("errors", len(res.Errors)))
					return errUnfinished
				}
				return nil
			})
		},
	}

	lapsedCmd := &cobra.Command{
		Use:   "lapsed",
		Short: "List lapsed offers without touching them",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withEngine(cmd.Context(), timeout, func(ctx context.Context, e *app.Engine, _ *zap.Logger) error {
				recs, err := e.Store.ListLapsedOffers(ctx, e.Lifecycle.Now(), limit)
				if err != nil {
					return fmt.Errorf("list lapsed offers: %w", err)
				}
				return printJSON(recs)
			})
		},
	}
	lapsedCmd.Flags().Int("limit", 100, "maximum number of offers to list")

	rootCmd.AddCommand(runCmd, lapsedCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sweeper:", err)
		os.Exit(1)
	}
}

// withEngine connects to Postgres and Redis, builds the engine with the same
// notifiers as the API and calls fn.
func withEngine(ctx context.Context, timeout time.Duration, fn func(context.Context, *app.Engine, *zap.Logger) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logger.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(),
		database.PoolOptions{MaxConns: int32(cfg.Waitlist.SweepConcurrency + 1)}, logger)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close()

	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	notifiers := notify.Multi{
		notify.NewEmailNotifier(queue.NewQueue(rdb.Client, logger), emaillogs.NewRepository(pool), logger.Named("email")),
		realtime.NewFeedNotifier(realtime.NewHub(logger, redisPubSub, redisPubSub)),
	}
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewSyncProducer(kafka.ProducerConfig{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID,
		}, logger)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		defer producer.Close()
		notifiers = append(notifiers, notify.NewEventPublisher(producer, cfg.Kafka.TopicPrefix, logger.Named("events")))
	}

	return fn(ctx, app.NewEngine(cfg.Waitlist, store.NewPostgres(pool), notifiers, logger), logger)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
