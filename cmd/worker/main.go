// Package main runs the background worker: e-mail delivery from the Redis
// job queue and, when Kafka is enabled, the checkout event consumer.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/kursflyt/waitlist/config"
	"github.com/kursflyt/waitlist/internal/app"
	"github.com/kursflyt/waitlist/internal/checkout"
	"github.com/kursflyt/waitlist/internal/emaillogs"
	"github.com/kursflyt/waitlist/internal/notify"
	"github.com/kursflyt/waitlist/internal/realtime"
	"github.com/kursflyt/waitlist/internal/store"
	"github.com/kursflyt/waitlist/internal/worker"
	"github.com/kursflyt/waitlist/pkg/database"
	"github.com/kursflyt/waitlist/pkg/kafka"
	"github.com/kursflyt/waitlist/pkg/logger"
	"github.com/kursflyt/waitlist/pkg/queue"
	"github.com/kursflyt/waitlist/pkg/redis"
	"github.com/kursflyt/waitlist/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logger.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:       cfg.Telemetry.Enabled,
		ServiceName:   cfg.Telemetry.ServiceName + "-worker",
		Environment:   cfg.Telemetry.Environment,
		CollectorAddr: cfg.Telemetry.CollectorAddr,
	})
	if err != nil {
		logger.Fatal("telemetry", zap.Error(err))
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(),
		database.PoolOptions{MaxConns: int32(cfg.Database.MaxConns)}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	emailLogsRepo := emaillogs.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	var sender worker.Sender
	if cfg.Email.SMTPHost != "" {
		sender = worker.NewSMTPSender(worker.SMTPConfig{
			Host:     cfg.Email.SMTPHost,
			Port:     cfg.Email.SMTPPort,
			Username: cfg.Email.SMTPUser,
			Password: cfg.Email.SMTPPass,
			From:     cfg.Email.FromAddress,
			FromName: cfg.Email.FromName,
		})
	} else {
		logger.Warn("SMTP_HOST not set, e-mails are logged instead of sent")
		sender = worker.NewLogSender(logger)
	}
	processor := worker.NewEmailProcessor(jobQueue, sender, emailLogsRepo, logger.Named("email"))

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		processor.Run(workerCtx)
	}()
	logger.Info("email worker started")

	var (
		consumer *checkout.Consumer
		producer sarama.SyncProducer
	)
	if cfg.Kafka.Enabled {
		// Claims and refunds change the queue, so the worker announces them
		// the same way the API does.
		redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
		notifiers := notify.Multi{
			notify.NewEmailNotifier(jobQueue, emailLogsRepo, logger.Named("email")),
			realtime.NewFeedNotifier(realtime.NewHub(logger, redisPubSub, redisPubSub)),
		}
		producer, err = kafka.NewSyncProducer(kafka.ProducerConfig{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID,
		}, logger)
		if err != nil {
			logger.Fatal("kafka producer", zap.Error(err))
		}
		notifiers = append(notifiers, notify.NewEventPublisher(producer, cfg.Kafka.TopicPrefix, logger.Named("events")))

		engine := app.NewEngine(cfg.Waitlist, store.NewPostgres(pool), notifiers, logger)
		group, err := kafka.NewConsumerGroup(kafka.ConsumerConfig{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID,
			GroupID:  cfg.Kafka.ConsumerGroup,
		}, logger)
		if err != nil {
			logger.Fatal("kafka consumer group", zap.Error(err))
		}
		consumer = checkout.NewConsumer(group, checkout.Topics{
			Completed: cfg.Kafka.CheckoutCompletedTopic,
			Refunded:  cfg.Kafka.CheckoutRefundedTopic,
		}, engine.Lifecycle, engine.Coordinator, logger.Named("checkout"))
		consumer.Start(workerCtx)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Warn("checkout consumer close", zap.Error(err))
		}
	}
	wg.Wait()
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Warn("kafka producer close", zap.Error(err))
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", zap.Error(err))
	}
	logger.Info("worker stopped")
}
