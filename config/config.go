package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Requeue policies applied when a pending offer lapses or is declined.
const (
	RequeueBack = "back" // entry goes to the back of the live queue
	RequeueDrop = "drop" // entry leaves the queue as cancelled
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Waitlist  WaitlistConfig
	Email     EmailConfig
	Kafka     KafkaConfig
	Telemetry TelemetryConfig
	Log       LogConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	DefaultLocale      string
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/kursflyt?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// WaitlistConfig tunes the waitlist engine.
type WaitlistConfig struct {
	OfferWindow        time.Duration
	RequeuePolicy      string
	JoinGraceSpots     int
	StoreRetryAttempts int
	ClaimBaseURL       string // claim links are ClaimBaseURL + "/" + token
	SweepBatchSize     int
	SweepConcurrency   int
	SweepToken         string // shared secret for POST /internal/sweep; empty disables the endpoint
}

// EmailConfig for SMTP delivery of participant notifications.
type EmailConfig struct {
	FromAddress string
	FromName    string
	SMTPHost    string
	SMTPPort    int
	SMTPUser    string
	SMTPPass    string
}

// KafkaConfig for domain events and checkout integration.
type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	ClientID      string
	TopicPrefix   string
	ConsumerGroup string
	// Topics published by the checkout service.
	CheckoutCompletedTopic string
	CheckoutRefundedTopic  string
}

// TelemetryConfig for OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled       bool
	ServiceName   string
	Environment   string
	CollectorAddr string
}

// LogConfig selects the zap level.
type LogConfig struct {
	Level string
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
			DefaultLocale:      getEnv("DEFAULT_LOCALE", "nb-NO"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "kursflyt"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		Waitlist: WaitlistConfig{
			OfferWindow:        getEnvDuration("WAITLIST_OFFER_WINDOW", 24*time.Hour),
			RequeuePolicy:      strings.ToLower(getEnv("WAITLIST_REQUEUE_POLICY", RequeueBack)),
			JoinGraceSpots:     getEnvInt("WAITLIST_JOIN_GRACE_SPOTS", 0),
			StoreRetryAttempts: getEnvInt("WAITLIST_STORE_RETRY_ATTEMPTS", 3),
			ClaimBaseURL:       strings.TrimRight(getEnv("WAITLIST_CLAIM_BASE_URL", "http://localhost:3000/tilbud"), "/"),
			SweepBatchSize:     getEnvInt("WAITLIST_SWEEP_BATCH_SIZE", 500),
			SweepConcurrency:   getEnvInt("WAITLIST_SWEEP_CONCURRENCY", 4),
			SweepToken:         getEnv("WAITLIST_SWEEP_TOKEN", ""),
		},
		Email: EmailConfig{
			FromAddress: getEnv("EMAIL_FROM_ADDRESS", "noreply@example.com"),
			FromName:    getEnv("EMAIL_FROM_NAME", "Kursflyt"),
			SMTPHost:    getEnv("SMTP_HOST", ""),
			SMTPPort:    getEnvInt("SMTP_PORT", 587),
			SMTPUser:    getEnv("SMTP_USER", ""),
			SMTPPass:    getEnv("SMTP_PASS", ""),
		},
		Kafka: KafkaConfig{
			Enabled:                getEnvBool("KAFKA_ENABLED", false),
			Brokers:                splitTrim(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			ClientID:               getEnv("KAFKA_CLIENT_ID", "kursflyt-waitlist"),
			TopicPrefix:            getEnv("KAFKA_TOPIC_PREFIX", "waitlist"),
			ConsumerGroup:          getEnv("KAFKA_CONSUMER_GROUP", "kursflyt-waitlist"),
			CheckoutCompletedTopic: getEnv("KAFKA_CHECKOUT_COMPLETED_TOPIC", "checkout.completed"),
			CheckoutRefundedTopic:  getEnv("KAFKA_CHECKOUT_REFUNDED_TOPIC", "checkout.refunded"),
		},
		Telemetry: TelemetryConfig{
			Enabled:       getEnvBool("OTEL_ENABLED", false),
			ServiceName:   getEnv("OTEL_SERVICE_NAME", "kursflyt-waitlist"),
			Environment:   getEnv("APP_ENV", "development"),
			CollectorAddr: getEnv("OTEL_COLLECTOR_ADDR", "localhost:4317"),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Waitlist.OfferWindow <= 0 {
		errs = append(errs, errors.New("WAITLIST_OFFER_WINDOW must be positive"))
	}
	if c.Waitlist.RequeuePolicy != RequeueBack && c.Waitlist.RequeuePolicy != RequeueDrop {
		errs = append(errs, fmt.Errorf("WAITLIST_REQUEUE_POLICY must be %q or %q, got %q", RequeueBack, RequeueDrop, c.Waitlist.RequeuePolicy))
	}
	if c.Waitlist.JoinGraceSpots < 0 {
		errs = append(errs, errors.New("WAITLIST_JOIN_GRACE_SPOTS cannot be negative"))
	}
	if c.Waitlist.StoreRetryAttempts < 1 {
		errs = append(errs, errors.New("WAITLIST_STORE_RETRY_ATTEMPTS must be at least 1"))
	}
	if c.Waitlist.SweepBatchSize < 1 {
		errs = append(errs, errors.New("WAITLIST_SWEEP_BATCH_SIZE must be at least 1"))
	}
	if c.Waitlist.SweepConcurrency < 1 {
		errs = append(errs, errors.New("WAITLIST_SWEEP_CONCURRENCY must be at least 1"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED=true"))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	return errors.Join(errs...)
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("36h") or plain seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
