// Package main runs the waitlist HTTP API and the live waitlist feed.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kursflyt/waitlist/config"
	"github.com/kursflyt/waitlist/internal/apperr"
	"github.com/kursflyt/waitlist/internal/app"
	"github.com/kursflyt/waitlist/internal/auth"
	"github.com/kursflyt/waitlist/internal/courses"
	"github.com/kursflyt/waitlist/internal/emaillogs"
	"github.com/kursflyt/waitlist/internal/middleware"
	"github.com/kursflyt/waitlist/internal/notify"
	"github.com/kursflyt/waitlist/internal/realtime"
	"github.com/kursflyt/waitlist/internal/signups"
	"github.com/kursflyt/waitlist/internal/store"
	"github.com/kursflyt/waitlist/internal/sweeper"
	"github.com/kursflyt/waitlist/pkg/database"
	"github.com/kursflyt/waitlist/pkg/kafka"
	"github.com/kursflyt/waitlist/pkg/logger"
	"github.com/kursflyt/waitlist/pkg/queue"
	"github.com/kursflyt/waitlist/pkg/redis"
	"github.com/kursflyt/waitlist/pkg/response"
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
		ServiceName:   cfg.Telemetry.ServiceName,
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
	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	// Live feed: Redis pub/sub fans course events out to every instance.
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)

	emailLogsRepo := emaillogs.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	notifiers := notify.Multi{
		notify.NewEmailNotifier(jobQueue, emailLogsRepo, logger.Named("email")),
		realtime.NewFeedNotifier(hub),
	}

	var producer sarama.SyncProducer
	if cfg.Kafka.Enabled {
		producer, err = kafka.NewSyncProducer(kafka.ProducerConfig{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID,
		}, logger)
		if err != nil {
			logger.Fatal("kafka producer", zap.Error(err))
		}
		notifiers = append(notifiers, notify.NewEventPublisher(producer, cfg.Kafka.TopicPrefix, logger.Named("events")))
	}

	st := store.NewPostgres(pool)
	engine := app.NewEngine(cfg.Waitlist, st, notifiers, logger)
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	router := newRouter(cfg, logger, routes{
		signups:   signups.NewHandler(engine.Queue, engine.Lifecycle, engine.Coordinator),
		courses:   courses.NewHandler(st, engine.Queue, engine.Coordinator),
		emails:    emaillogs.NewHandler(emailLogsRepo),
		sweep:     sweeper.Handler(engine.Sweeper, engine.Lifecycle.Now),
		live:      realtime.ServeWs(hub, logger, courses.FeedAuthorizer(jwtService, st), courses.FeedSnapshot(engine.Queue)),
		jwt:       jwtService,
		orgLookup: st,
		health: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				return err
			}
			return rdb.Ping(ctx).Err()
		},
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Warn("kafka producer close", zap.Error(err))
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

// routes bundles what newRouter mounts.
type routes struct {
	signups   *signups.Handler
	courses   *courses.Handler
	emails    *emaillogs.Handler
	sweep     gin.HandlerFunc
	live      gin.HandlerFunc
	jwt       *auth.JWTService
	orgLookup middleware.Lookup
	health    func(context.Context) error
}

func newRouter(cfg *config.Config, logger *zap.Logger, r routes) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Locale(apperr.ParseLocale(cfg.Server.DefaultLocale)))

	router.GET("/health", func(c *gin.Context) {
		if err := r.health(c.Request.Context()); err != nil {
			middleware.Error(c, apperr.Wrap(apperr.CodeStoreBusy, "health check", err))
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})

	// Participants: no login, the signup id and offer token are the credentials.
	router.POST("/courses/:id/waitlist", r.signups.Join)
	router.GET("/signups/:id/waitlist-position", r.signups.Standing)
	router.POST("/signups/:id/leave", r.signups.Leave)
	router.GET("/offers/:token", r.signups.Offer)
	router.POST("/offers/:token/decline", r.signups.Decline)

	// Websocket (token in query; no Authorization header on upgrade)
	router.GET("/courses/:id/waitlist/live", r.live)

	// Checkout and payment services
	service := router.Group("")
	service.Use(middleware.JWT(r.jwt), middleware.RequireRole(auth.RoleService))
	{
		service.POST("/offers/:token/complete", r.signups.Complete)
		service.POST("/signups/:id/cancel-confirmed", r.signups.CancelConfirmed)
	}

	staff := router.Group("")
	staff.Use(middleware.JWT(r.jwt), middleware.RequireRole(auth.RoleInstructor, auth.RoleAdmin))
	{
		courseAccess := middleware.RequireOrgAccess(middleware.CourseOrg(r.orgLookup))
		staff.GET("/courses/:id/waitlist", courseAccess, r.courses.Waitlist)
		staff.PATCH("/courses/:id/capacity", courseAccess, r.courses.ChangeCapacity)
		staff.POST("/courses/:id/promote", courseAccess, r.courses.Promote)
		staff.POST("/courses/:id/cancel", courseAccess, r.courses.Cancel)
		staff.GET("/courses/:id/emails", courseAccess, r.emails.ListByCourse)
		staff.DELETE("/signups/:id", middleware.RequireOrgAccess(middleware.SignupOrg(r.orgLookup)), r.signups.Remove)
	}

	router.POST("/internal/sweep", middleware.RequireSweepToken(cfg.Waitlist.SweepToken), r.sweep)
	return router
}
