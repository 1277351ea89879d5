package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kursflyt/waitlist/internal/models"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx. Begin on a pgx.Tx opens
// a savepoint.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres implements Store on PostgreSQL.
type Postgres struct {
	db querier
}

// NewPostgres returns a Store backed by the pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{db: pool}
}

const signupColumns = `
	s.id, s.course_id, s.organization_id, s.name, s.email, s.phone, s.status, s.position,
	s.created_at, s.updated_at,
	o.id, o.claim_token, o.status, o.issued_at, o.expires_at, o.resolved_at`

const signupFrom = `
	FROM signups s
	LEFT JOIN waitlist_offers o ON o.id = s.current_offer_id`

const (
	queryGetCourse = `
		SELECT id, organization_id, title, capacity, status, starts_at, created_at, updated_at
		FROM courses WHERE id = $1`

	queryGetOrganization = `
		SELECT id, name, slug, contact_email, created_at, updated_at
		FROM organizations WHERE id = $1`

	querySetCapacity = `UPDATE courses SET capacity = $2, updated_at = $3 WHERE id = $1`

	querySetCourseStatus = `UPDATE courses SET status = $2, updated_at = $3 WHERE id = $1`

	querySeatCounts = `
		SELECT c.capacity,
			COUNT(s.id) FILTER (WHERE s.status = 'confirmed'),
			COUNT(s.id) FILTER (WHERE s.status = 'waitlisted' AND o.status = 'pending'),
			COUNT(s.id) FILTER (WHERE s.status = 'waitlisted')
		FROM courses c
		LEFT JOIN signups s ON s.course_id = c.id
		LEFT JOIN waitlist_offers o ON o.id = s.current_offer_id
		WHERE c.id = $1
		GROUP BY c.capacity`

	queryNextPosition = `
		INSERT INTO course_queue_counters (course_id, last_position)
		VALUES ($1, 1)
		ON CONFLICT (course_id) DO UPDATE SET last_position = course_queue_counters.last_position + 1
		RETURNING last_position`

	queryInsertSignup = `
		INSERT INTO signups (course_id, organization_id, name, email, phone, status, position, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING id`

	queryCountAhead = `
		SELECT COUNT(*) FROM signups
		WHERE course_id = $1 AND status = 'waitlisted' AND position < $2`

	queryGetOfferByToken = `
		SELECT id, signup_id, course_id, claim_token, status, issued_at, expires_at, resolved_at
		FROM waitlist_offers WHERE claim_token = $1`

	queryListLapsed = `
		SELECT id, signup_id, course_id, claim_token, status, issued_at, expires_at, resolved_at
		FROM waitlist_offers
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`

	queryInsertOffer = `
		INSERT INTO waitlist_offers (signup_id, course_id, claim_token, status, issued_at, expires_at)
		SELECT s.id, s.course_id, $2, 'pending', $3, $4
		FROM signups s
		WHERE s.id = $1 AND s.status = 'waitlisted' AND s.current_offer_id IS NULL
		RETURNING id`

	queryAttachOffer = `UPDATE signups SET current_offer_id = $2, updated_at = $3 WHERE id = $1`

	queryClaimOffer = `
		UPDATE waitlist_offers o SET status = 'claimed', resolved_at = $2
		FROM signups s
		WHERE s.id = $1 AND s.status = 'waitlisted' AND o.id = s.current_offer_id
			AND o.status = 'pending' AND o.expires_at >= $2`

	queryConfirmSignup = `
		UPDATE signups SET status = 'confirmed', position = NULL, updated_at = $2 WHERE id = $1`

	queryResolveOffer = `
		UPDATE waitlist_offers o SET status = $2, resolved_at = $3
		FROM signups s
		WHERE s.id = $1 AND o.id = s.current_offer_id AND o.status = 'pending'
			AND (NOT $4 OR o.expires_at < $3)`

	queryRequeueSignup = `
		UPDATE signups SET position = $2, current_offer_id = NULL, updated_at = $3 WHERE id = $1`

	queryCancelAfterOffer = `
		UPDATE signups SET status = $2, position = NULL, updated_at = $3 WHERE id = $1`

	queryWithdrawPending = `
		UPDATE waitlist_offers o SET status = 'skipped', resolved_at = $2
		FROM signups s
		WHERE s.id = $1 AND o.id = s.current_offer_id AND o.status = 'pending'`

	queryTransition = `
		UPDATE signups
		SET status = $3,
			position = CASE WHEN $3 = 'waitlisted' THEN position ELSE NULL END,
			updated_at = $4
		WHERE id = $1 AND status = ANY($2)`

	queryAdvisoryLock = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
)

func (p *Postgres) GetCourse(ctx context.Context, id uuid.UUID) (*models.Course, error) {
	var c models.Course
	err := p.db.QueryRow(ctx, queryGetCourse, id).Scan(
		&c.ID, &c.OrganizationID, &c.Title, &c.Capacity, &c.Status, &c.StartsAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &c, nil
}

func (p *Postgres) GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	var o models.Organization
	err := p.db.QueryRow(ctx, queryGetOrganization, id).Scan(
		&o.ID, &o.Name, &o.Slug, &o.ContactEmail, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &o, nil
}

func (p *Postgres) SetCourseCapacity(ctx context.Context, id uuid.UUID, capacity int, at time.Time) error {
	tag, err := p.db.Exec(ctx, querySetCapacity, id, capacity, at)
	if err != nil {
		return fmt.Errorf("set capacity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SetCourseStatus(ctx context.Context, id uuid.UUID, status models.CourseStatus, at time.Time) error {
	tag, err := p.db.Exec(ctx, querySetCourseStatus, id, status, at)
	if err != nil {
		return fmt.Errorf("set course status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SeatCounts(ctx context.Context, courseID uuid.UUID) (models.SeatCounts, error) {
	var s models.SeatCounts
	err := p.db.QueryRow(ctx, querySeatCounts, courseID).Scan(&s.Capacity, &s.Confirmed, &s.PendingOffers, &s.Waitlisted)
	if err != nil {
		return models.SeatCounts{}, mapNoRows(err)
	}
	return s, nil
}

func (p *Postgres) GetSignup(ctx context.Context, id uuid.UUID) (*models.Signup, error) {
	row := p.db.QueryRow(ctx, `SELECT `+signupColumns+signupFrom+` WHERE s.id = $1`, id)
	s, err := scanSignup(row)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return s, nil
}

func (p *Postgres) FindActiveSignup(ctx context.Context, courseID uuid.UUID, email string) (*models.Signup, error) {
	row := p.db.QueryRow(ctx, `SELECT `+signupColumns+signupFrom+`
		WHERE s.course_id = $1 AND lower(s.email) = lower($2) AND s.status IN ('confirmed', 'waitlisted')`,
		courseID, email)
	s, err := scanSignup(row)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return s, nil
}

func (p *Postgres) ListSignups(ctx context.Context, courseID uuid.UUID, statuses ...models.MembershipStatus) ([]models.Signup, error) {
	filter := make([]string, len(statuses))
	for i, st := range statuses {
		filter[i] = string(st)
	}
	rows, err := p.db.Query(ctx, `SELECT `+signupColumns+signupFrom+`
		WHERE s.course_id = $1 AND (cardinality($2::text[]) = 0 OR s.status = ANY($2))
		ORDER BY s.position ASC NULLS LAST, s.created_at ASC`, courseID, filter)
	if err != nil {
		return nil, fmt.Errorf("list signups: %w", err)
	}
	defer rows.Close()

	var out []models.Signup
	for rows.Next() {
		s, err := scanSignup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signup: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (p *Postgres) FirstInQueue(ctx context.Context, courseID uuid.UUID, q HeadQuery) (*models.Signup, error) {
	exclude := q.Exclude
	if exclude == nil {
		exclude = []uuid.UUID{}
	}
	row := p.db.QueryRow(ctx, `SELECT `+signupColumns+signupFrom+`
		WHERE s.course_id = $1 AND s.status = 'waitlisted'
			AND NOT (s.id = ANY($2))
			AND (NOT $3 OR o.id IS NULL OR o.status <> 'pending')
		ORDER BY s.position ASC
		LIMIT 1`, courseID, exclude, q.SkipPendingOffers)
	s, err := scanSignup(row)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return s, nil
}

func (p *Postgres) CountAhead(ctx context.Context, courseID uuid.UUID, position int64) (int, error) {
	var n int
	if err := p.db.QueryRow(ctx, queryCountAhead, courseID, position).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ahead: %w", err)
	}
	return n, nil
}

func (p *Postgres) NextPosition(ctx context.Context, courseID uuid.UUID) (int64, error) {
	var pos int64
	if err := p.db.QueryRow(ctx, queryNextPosition, courseID).Scan(&pos); err != nil {
		if isForeignKeyViolation(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("next position: %w", err)
	}
	return pos, nil
}

func (p *Postgres) InsertSignup(ctx context.Context, in NewSignup) (*models.Signup, error) {
	var id uuid.UUID
	err := p.inTx(ctx, func(q querier) error {
		err := q.QueryRow(ctx, queryInsertSignup,
			in.CourseID, in.OrganizationID, in.Name, in.Email, in.Phone, in.Status, in.Position, in.At,
		).Scan(&id)
		return mapWriteError(err)
	})
	if err != nil {
		return nil, err
	}
	return p.GetSignup(ctx, id)
}

func (p *Postgres) TransitionSignup(ctx context.Context, id uuid.UUID, from []models.MembershipStatus, to models.MembershipStatus, at time.Time) (*models.Signup, error) {
	fromStrings := make([]string, len(from))
	for i, st := range from {
		fromStrings[i] = string(st)
	}
	err := p.inTx(ctx, func(q querier) error {
		if to != models.StatusWaitlisted {
			if _, err := q.Exec(ctx, queryWithdrawPending, id, at); err != nil {
				return fmt.Errorf("withdraw offer: %w", err)
			}
		}
		tag, err := q.Exec(ctx, queryTransition, id, fromStrings, to, at)
		if err != nil {
			return mapWriteError(err)
		}
		if tag.RowsAffected() == 0 {
			return p.missingOr(ctx, q, id, ErrConditionFailed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.GetSignup(ctx, id)
}

func (p *Postgres) GetOfferByToken(ctx context.Context, token string) (*models.OfferRecord, error) {
	rec, err := scanOffer(p.db.QueryRow(ctx, queryGetOfferByToken, token))
	if err != nil {
		return nil, mapNoRows(err)
	}
	return rec, nil
}

func (p *Postgres) IssueOffer(ctx context.Context, in IssueOfferParams) (*models.Signup, error) {
	err := p.inTx(ctx, func(q querier) error {
		var offerID uuid.UUID
		err := q.QueryRow(ctx, queryInsertOffer, in.SignupID, in.Token, in.IssuedAt, in.ExpiresAt).Scan(&offerID)
		if errors.Is(err, pgx.ErrNoRows) {
			return p.missingOr(ctx, q, in.SignupID, ErrConditionFailed)
		}
		if err != nil {
			return mapWriteError(err)
		}
		if _, err := q.Exec(ctx, queryAttachOffer, in.SignupID, offerID, in.IssuedAt); err != nil {
			return fmt.Errorf("attach offer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.GetSignup(ctx, in.SignupID)
}

func (p *Postgres) ClaimOffer(ctx context.Context, signupID uuid.UUID, at time.Time) (*models.Signup, error) {
	err := p.inTx(ctx, func(q querier) error {
		tag, err := q.Exec(ctx, queryClaimOffer, signupID, at)
		if err != nil {
			return fmt.Errorf("claim offer: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return p.missingOr(ctx, q, signupID, ErrConditionFailed)
		}
		if _, err := q.Exec(ctx, queryConfirmSignup, signupID, at); err != nil {
			return mapWriteError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.GetSignup(ctx, signupID)
}

func (p *Postgres) ResolveOffer(ctx context.Context, in ResolveOfferParams) (*models.Signup, error) {
	if in.Next == models.StatusWaitlisted && in.Position == nil {
		return nil, ErrConditionFailed
	}
	err := p.inTx(ctx, func(q querier) error {
		tag, err := q.Exec(ctx, queryResolveOffer, in.SignupID, in.Outcome, in.At, in.RequireLapsed)
		if err != nil {
			return fmt.Errorf("resolve offer: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return p.missingOr(ctx, q, in.SignupID, ErrConditionFailed)
		}
		if in.Next == models.StatusWaitlisted {
			_, err = q.Exec(ctx, queryRequeueSignup, in.SignupID, *in.Position, in.At)
		} else {
			_, err = q.Exec(ctx, queryCancelAfterOffer, in.SignupID, in.Next, in.At)
		}
		return mapWriteError(err)
	})
	if err != nil {
		return nil, err
	}
	return p.GetSignup(ctx, in.SignupID)
}

func (p *Postgres) ListLapsedOffers(ctx context.Context, now time.Time, limit int) ([]models.OfferRecord, error) {
	rows, err := p.db.Query(ctx, queryListLapsed, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list lapsed offers: %w", err)
	}
	defer rows.Close()

	var out []models.OfferRecord
	for rows.Next() {
		rec, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// WithCourseLock opens a transaction (a savepoint when already inside one)
// and takes a transaction-scoped advisory lock keyed by the course.
func (p *Postgres) WithCourseLock(ctx context.Context, courseID uuid.UUID, fn func(Store) error) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, queryAdvisoryLock, "course:"+courseID.String()); err != nil {
		return fmt.Errorf("course lock: %w", err)
	}
	if err := fn(&Postgres{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *Postgres) inTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// missingOr distinguishes a missing signup from one in the wrong state.
func (p *Postgres) missingOr(ctx context.Context, q querier, id uuid.UUID, otherwise error) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM signups WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check signup: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return otherwise
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSignup(row scanner) (*models.Signup, error) {
	var (
		s          models.Signup
		offerID    *uuid.UUID
		token      *string
		status     *string
		issuedAt   *time.Time
		expiresAt  *time.Time
		resolvedAt *time.Time
	)
	err := row.Scan(
		&s.ID, &s.CourseID, &s.OrganizationID, &s.Name, &s.Email, &s.Phone, &s.Status, &s.Position,
		&s.CreatedAt, &s.UpdatedAt,
		&offerID, &token, &status, &issuedAt, &expiresAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Offer = models.NoOffer{}
	if offerID != nil {
		s.Offer = models.OfferRecord{
			ID:         *offerID,
			SignupID:   s.ID,
			CourseID:   s.CourseID,
			Token:      *token,
			Status:     models.OfferStatus(*status),
			IssuedAt:   *issuedAt,
			ExpiresAt:  *expiresAt,
			ResolvedAt: resolvedAt,
		}.AsOffer()
	}
	return &s, nil
}

func scanOffer(row scanner) (*models.OfferRecord, error) {
	var rec models.OfferRecord
	err := row.Scan(&rec.ID, &rec.SignupID, &rec.CourseID, &rec.Token, &rec.Status, &rec.IssuedAt, &rec.ExpiresAt, &rec.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// mapWriteError turns constraint violations into store sentinels.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			switch pgErr.ConstraintName {
			case "signups_active_email_key":
				return ErrDuplicateSignup
			case "signups_waitlist_position_key":
				return ErrPositionTaken
			}
		case "23503":
			return ErrNotFound
		}
	}
	return err
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
