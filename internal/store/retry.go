package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrRetriesExhausted wraps the last transient error once Retry gives up.
var ErrRetriesExhausted = errors.New("store: retries exhausted")

const retryDelay = 15 * time.Millisecond

// IsTransient reports whether err is worth retrying: a lost race for a queue
// position, a serialization failure, a deadlock or a lock timeout.
func IsTransient(err error) bool {
	if errors.Is(err, ErrPositionTaken) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}

// Retry runs op up to attempts times while it fails with a transient error,
// backing off linearly between attempts.
func Retry(ctx context.Context, attempts int, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt)):
			}
		}
		lastErr = op()
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}
