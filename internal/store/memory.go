package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kursflyt/waitlist/internal/models"
)

// Memory is an in-process Store. It enforces the same uniqueness rules as
// the Postgres schema (one active signup per email, one waitlisted entry per
// position, one pending offer per signup) so engine behaviour is identical.
type Memory struct {
	mu       sync.Mutex
	orgs     map[uuid.UUID]models.Organization
	courses  map[uuid.UUID]models.Course
	signups  map[uuid.UUID]*memSignup
	offers   map[uuid.UUID]*models.OfferRecord
	tokens   map[string]uuid.UUID
	counters map[uuid.UUID]int64

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

type memSignup struct {
	signup  models.Signup
	offerID *uuid.UUID
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		orgs:     make(map[uuid.UUID]models.Organization),
		courses:  make(map[uuid.UUID]models.Course),
		signups:  make(map[uuid.UUID]*memSignup),
		offers:   make(map[uuid.UUID]*models.OfferRecord),
		tokens:   make(map[string]uuid.UUID),
		counters: make(map[uuid.UUID]int64),
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

// AddOrganization seeds an organization.
func (m *Memory) AddOrganization(org models.Organization) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orgs[org.ID] = org
}

// AddCourse seeds a course.
func (m *Memory) AddCourse(c models.Course) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Status == "" {
		c.Status = models.CourseStatusActive
	}
	m.courses[c.ID] = c
}

func (m *Memory) GetCourse(_ context.Context, id uuid.UUID) (*models.Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *Memory) GetOrganization(_ context.Context, id uuid.UUID) (*models.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (m *Memory) SetCourseCapacity(_ context.Context, id uuid.UUID, capacity int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[id]
	if !ok {
		return ErrNotFound
	}
	c.Capacity, c.UpdatedAt = capacity, at
	m.courses[id] = c
	return nil
}

func (m *Memory) SetCourseStatus(_ context.Context, id uuid.UUID, status models.CourseStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[id]
	if !ok {
		return ErrNotFound
	}
	c.Status, c.UpdatedAt = status, at
	m.courses[id] = c
	return nil
}

func (m *Memory) SeatCounts(_ context.Context, courseID uuid.UUID) (models.SeatCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[courseID]
	if !ok {
		return models.SeatCounts{}, ErrNotFound
	}
	counts := models.SeatCounts{Capacity: c.Capacity}
	for _, row := range m.signups {
		if row.signup.CourseID != courseID {
			continue
		}
		switch row.signup.Status {
		case models.StatusConfirmed:
			counts.Confirmed++
		case models.StatusWaitlisted:
			counts.Waitlisted++
			if m.pendingOfferLocked(row) != nil {
				counts.PendingOffers++
			}
		}
	}
	return counts, nil
}

func (m *Memory) GetSignup(_ context.Context, id uuid.UUID) (*models.Signup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.signups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.viewLocked(row), nil
}

func (m *Memory) FindActiveSignup(_ context.Context, courseID uuid.UUID, email string) (*models.Signup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row := m.activeByEmailLocked(courseID, email); row != nil {
		return m.viewLocked(row), nil
	}
	return nil, ErrNotFound
}

func (m *Memory) ListSignups(_ context.Context, courseID uuid.UUID, statuses ...models.MembershipStatus) ([]models.Signup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Signup
	for _, row := range m.signups {
		if row.signup.CourseID != courseID || !statusIn(row.signup.Status, statuses) {
			continue
		}
		out = append(out, *m.viewLocked(row))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Position != nil) != (b.Position != nil) {
			return a.Position != nil
		}
		if a.Position != nil {
			return *a.Position < *b.Position
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out, nil
}

func (m *Memory) FirstInQueue(_ context.Context, courseID uuid.UUID, q HeadQuery) (*models.Signup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	excluded := make(map[uuid.UUID]bool, len(q.Exclude))
	for _, id := range q.Exclude {
		excluded[id] = true
	}
	var head *memSignup
	for _, row := range m.signups {
		s := row.signup
		if s.CourseID != courseID || s.Status != models.StatusWaitlisted || excluded[s.ID] {
			continue
		}
		if q.SkipPendingOffers && m.pendingOfferLocked(row) != nil {
			continue
		}
		if head == nil || *s.Position < *head.signup.Position {
			head = row
		}
	}
	if head == nil {
		return nil, ErrNotFound
	}
	return m.viewLocked(head), nil
}

func (m *Memory) CountAhead(_ context.Context, courseID uuid.UUID, position int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range m.signups {
		s := row.signup
		if s.CourseID == courseID && s.Status == models.StatusWaitlisted && *s.Position < position {
			n++
		}
	}
	return n, nil
}

func (m *Memory) NextPosition(_ context.Context, courseID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.courses[courseID]; !ok {
		return 0, ErrNotFound
	}
	m.counters[courseID]++
	return m.counters[courseID], nil
}

func (m *Memory) InsertSignup(_ context.Context, in NewSignup) (*models.Signup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.courses[in.CourseID]; !ok {
		return nil, ErrNotFound
	}
	if in.Status.Active() && m.activeByEmailLocked(in.CourseID, in.Email) != nil {
		return nil, ErrDuplicateSignup
	}
	if in.Status == models.StatusWaitlisted {
		if in.Position == nil {
			return nil, ErrConditionFailed
		}
		if m.positionTakenLocked(in.CourseID, *in.Position, uuid.Nil) {
			return nil, ErrPositionTaken
		}
	}
	row := &memSignup{signup: models.Signup{
		ID:             uuid.New(),
		CourseID:       in.CourseID,
		OrganizationID: in.OrganizationID,
		Name:           in.Name,
		Email:          in.Email,
		Phone:          in.Phone,
		Status:         in.Status,
		Position:       copyPosition(in.Position),
		CreatedAt:      in.At,
		UpdatedAt:      in.At,
	}}
	m.signups[row.signup.ID] = row
	return m.viewLocked(row), nil
}

func (m *Memory) TransitionSignup(_ context.Context, id uuid.UUID, from []models.MembershipStatus, to models.MembershipStatus, at time.Time) (*models.Signup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.signups[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !statusIn(row.signup.Status, from) || len(from) == 0 {
		return nil, ErrConditionFailed
	}
	if to.Active() && row.signup.Status != to && m.activeByEmailLocked(row.signup.CourseID, row.signup.Email) != nil {
		return nil, ErrDuplicateSignup
	}
	if row.signup.Status == models.StatusWaitlisted && to != models.StatusWaitlisted {
		if rec := m.pendingOfferLocked(row); rec != nil {
			rec.Status = models.OfferSkipped
			rec.ResolvedAt = &at
		}
		row.signup.Position = nil
	}
	row.signup.Status = to
	row.signup.UpdatedAt = at
	return m.viewLocked(row), nil
}

func (m *Memory) GetOfferByToken(_ context.Context, token string) (*models.OfferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	rec := *m.offers[id]
	return &rec, nil
}

func (m *Memory) IssueOffer(_ context.Context, in IssueOfferParams) (*models.Signup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.signups[in.SignupID]
	if !ok {
		return nil, ErrNotFound
	}
	if row.signup.Status != models.StatusWaitlisted || row.offerID != nil {
		return nil, ErrConditionFailed
	}
	if _, taken := m.tokens[in.Token]; taken {
		return nil, ErrConditionFailed
	}
	rec := &models.OfferRecord{
		ID:        uuid.New(),
		SignupID:  row.signup.ID,
		CourseID:  row.signup.CourseID,
		Token:     in.Token,
		Status:    models.OfferPending,
		IssuedAt:  in.IssuedAt,
		ExpiresAt: in.ExpiresAt,
	}
	m.offers[rec.ID] = rec
	m.tokens[rec.Token] = rec.ID
	row.offerID = &rec.ID
	row.signup.UpdatedAt = in.IssuedAt
	return m.viewLocked(row), nil
}

func (m *Memory) ClaimOffer(_ context.Context, signupID uuid.UUID, at time.Time) (*models.Signup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.signups[signupID]
	if !ok {
		return nil, ErrNotFound
	}
	rec := m.pendingOfferLocked(row)
	if row.signup.Status != models.StatusWaitlisted || rec == nil || at.After(rec.ExpiresAt) {
		return nil, ErrConditionFailed
	}
	rec.Status = models.OfferClaimed
	rec.ResolvedAt = &at
	row.signup.Status = models.StatusConfirmed
	row.signup.Position = nil
	row.signup.UpdatedAt = at
	return m.viewLocked(row), nil
}

func (m *Memory) ResolveOffer(_ context.Context, in ResolveOfferParams) (*models.Signup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.signups[in.SignupID]
	if !ok {
		return nil, ErrNotFound
	}
	rec := m.pendingOfferLocked(row)
	if rec == nil || (in.RequireLapsed && !in.At.After(rec.ExpiresAt)) {
		return nil, ErrConditionFailed
	}
	if in.Next == models.StatusWaitlisted {
		if in.Position == nil {
			return nil, ErrConditionFailed
		}
		if m.positionTakenLocked(row.signup.CourseID, *in.Position, row.signup.ID) {
			return nil, ErrPositionTaken
		}
	}

	rec.Status = in.Outcome
	rec.ResolvedAt = &in.At
	row.signup.Status = in.Next
	row.signup.UpdatedAt = in.At
	if in.Next == models.StatusWaitlisted {
		row.signup.Position = copyPosition(in.Position)
		row.offerID = nil
	} else {
		row.signup.Position = nil
	}
	return m.viewLocked(row), nil
}

func (m *Memory) ListLapsedOffers(_ context.Context, now time.Time, limit int) ([]models.OfferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OfferRecord
	for _, rec := range m.offers {
		if rec.Status == models.OfferPending && rec.ExpiresAt.Before(now) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// WithCourseLock serializes fn against other holders of the same course lock.
// When fn fails, the course's rows are restored to their state on entry, the
// way a rolled back transaction or savepoint leaves them in Postgres.
func (m *Memory) WithCourseLock(ctx context.Context, courseID uuid.UUID, fn func(Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := m.courseLock(courseID)
	l.Lock()
	defer l.Unlock()
	return m.atomically(courseID, func() error {
		return fn(&lockedMemory{Memory: m, courseID: courseID})
	})
}

func (m *Memory) atomically(courseID uuid.UUID, fn func() error) error {
	snap := m.snapshot(courseID)
	if err := fn(); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// lockedMemory is the Store handed to WithCourseLock callbacks; it re-enters
// the lock it already holds.
type lockedMemory struct {
	*Memory
	courseID uuid.UUID
}

func (l *lockedMemory) WithCourseLock(ctx context.Context, courseID uuid.UUID, fn func(Store) error) error {
	if courseID == l.courseID {
		return l.atomically(courseID, func() error { return fn(l) })
	}
	return l.Memory.WithCourseLock(ctx, courseID, fn)
}

// courseSnapshot is a copy of every row one course owns.
type courseSnapshot struct {
	courseID   uuid.UUID
	course     models.Course
	hasCourse  bool
	counter    int64
	hasCounter bool
	signups    map[uuid.UUID]memSignup
	offers     map[uuid.UUID]models.OfferRecord
}

func (m *Memory) snapshot(courseID uuid.UUID) courseSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := courseSnapshot{
		courseID: courseID,
		signups:  make(map[uuid.UUID]memSignup),
		offers:   make(map[uuid.UUID]models.OfferRecord),
	}
	snap.course, snap.hasCourse = m.courses[courseID]
	snap.counter, snap.hasCounter = m.counters[courseID]
	for id, row := range m.signups {
		if row.signup.CourseID != courseID {
			continue
		}
		cp := *row
		cp.signup.Position = copyPosition(row.signup.Position)
		if row.offerID != nil {
			oid := *row.offerID
			cp.offerID = &oid
		}
		snap.signups[id] = cp
	}
	for id, rec := range m.offers {
		if rec.CourseID == courseID {
			snap.offers[id] = *rec
		}
	}
	return snap
}

func (m *Memory) restore(snap courseSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.hasCourse {
		m.courses[snap.courseID] = snap.course
	}
	if snap.hasCounter {
		m.counters[snap.courseID] = snap.counter
	} else {
		delete(m.counters, snap.courseID)
	}
	for id, row := range m.signups {
		if row.signup.CourseID == snap.courseID {
			delete(m.signups, id)
		}
	}
	for id, row := range snap.signups {
		row := row
		m.signups[id] = &row
	}
	for token, id := range m.tokens {
		if rec, ok := m.offers[id]; ok && rec.CourseID == snap.courseID {
			delete(m.tokens, token)
		}
	}
	for id, rec := range m.offers {
		if rec.CourseID == snap.courseID {
			delete(m.offers, id)
		}
	}
	for id, rec := range snap.offers {
		rec := rec
		m.offers[id] = &rec
		m.tokens[rec.Token] = id
	}
}

func (m *Memory) courseLock(courseID uuid.UUID) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[courseID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[courseID] = l
	}
	return l
}

func (m *Memory) viewLocked(row *memSignup) *models.Signup {
	s := row.signup
	s.Position = copyPosition(row.signup.Position)
	s.Offer = models.NoOffer{}
	if row.offerID != nil {
		s.Offer = m.offers[*row.offerID].AsOffer()
	}
	return &s
}

func (m *Memory) pendingOfferLocked(row *memSignup) *models.OfferRecord {
	if row.offerID == nil {
		return nil
	}
	if rec := m.offers[*row.offerID]; rec.Status == models.OfferPending {
		return rec
	}
	return nil
}

func (m *Memory) activeByEmailLocked(courseID uuid.UUID, email string) *memSignup {
	for _, row := range m.signups {
		s := row.signup
		if s.CourseID == courseID && s.Status.Active() && strings.EqualFold(s.Email, email) {
			return row
		}
	}
	return nil
}

func (m *Memory) positionTakenLocked(courseID uuid.UUID, position int64, except uuid.UUID) bool {
	for _, row := range m.signups {
		s := row.signup
		if s.ID != except && s.CourseID == courseID && s.Status == models.StatusWaitlisted && *s.Position == position {
			return true
		}
	}
	return false
}

func statusIn(s models.MembershipStatus, set []models.MembershipStatus) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func copyPosition(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
