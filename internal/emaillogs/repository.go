package emaillogs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kursflyt/waitlist/internal/models"
)

// Repository handles email_logs persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an email logs repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a log row for an e-mail about to be queued.
func (r *Repository) Create(ctx context.Context, l *models.EmailLog) error {
	const q = `INSERT INTO email_logs (id, course_id, signup_id, email_type, recipient_email, subject, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err := r.pool.Exec(ctx, q, l.ID, l.CourseID, l.SignupID, l.EmailType, l.RecipientEmail, l.Subject, l.Status, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert email log: %w", err)
	}
	return nil
}

// MarkSent records a successful delivery attempt.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `UPDATE email_logs
		SET status = 'sent', attempts = attempts + 1, sent_at = $2, error_message = ''
		WHERE id = $1`
	if _, err := r.pool.Exec(ctx, q, id, at); err != nil {
		return fmt.Errorf("mark email sent: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. The row stays pending until final is
// set, when the job has run out of retries.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, message string, final bool) error {
	const q = `UPDATE email_logs
		SET status = CASE WHEN $3 THEN 'failed' ELSE status END,
		    attempts = attempts + 1, error_message = $2
		WHERE id = $1`
	if _, err := r.pool.Exec(ctx, q, id, message, final); err != nil {
		return fmt.Errorf("mark email failed: %w", err)
	}
	return nil
}

// ListByCourse returns email logs for a course, newest first.
func (r *Repository) ListByCourse(ctx context.Context, courseID uuid.UUID) ([]*models.EmailLog, error) {
	const q = `SELECT id, course_id, signup_id, email_type, recipient_email, subject, status, attempts, sent_at, error_message, created_at
		FROM email_logs
		WHERE course_id = $1
		ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.EmailLog{}
	for rows.Next() {
		var el models.EmailLog
		if err := rows.Scan(&el.ID, &el.CourseID, &el.SignupID, &el.EmailType, &el.RecipientEmail, &el.Subject,
			&el.Status, &el.Attempts, &el.SentAt, &el.ErrorMessage, &el.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &el)
	}
	return list, rows.Err()
}
