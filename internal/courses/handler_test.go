package courses

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kursflyt/waitlist/internal/apperr"
	"github.com/kursflyt/waitlist/internal/auth"
	"github.com/kursflyt/waitlist/internal/middleware"
	"github.com/kursflyt/waitlist/internal/models"
	"github.com/kursflyt/waitlist/internal/notify/notifytest"
	"github.com/kursflyt/waitlist/internal/offers"
	"github.com/kursflyt/waitlist/internal/promotion"
	"github.com/kursflyt/waitlist/internal/realtime"
	"github.com/kursflyt/waitlist/internal/store"
	"github.com/kursflyt/waitlist/internal/waitlist"
	"github.com/kursflyt/waitlist/pkg/response"
)

type env struct {
	router   *gin.Engine
	mem      *store.Memory
	queue    *waitlist.Queue
	courseID uuid.UUID
	orgID    uuid.UUID
	now      time.Time
}

func newEnv(t *testing.T, capacity int) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	e := &env{mem: store.NewMemory(), now: time.Date(2026, 9, 1, 17, 0, 0, 0, time.UTC)}
	org := models.Organization{ID: uuid.New(), Name: "Bodø Kulturskole"}
	course := models.Course{ID: uuid.New(), OrganizationID: org.ID, Title: "Gitar for voksne", Capacity: capacity}
	e.mem.AddOrganization(org)
	e.mem.AddCourse(course)
	e.courseID, e.orgID = course.ID, org.ID

	clock := func() time.Time { return e.now }
	rec := &notifytest.Recorder{}
	e.queue = waitlist.NewQueue(e.mem, rec, waitlist.Options{Now: clock}, nil)
	lifecycle := offers.NewLifecycle(e.mem, rec, offers.Options{Window: time.Hour, Now: clock}, nil)
	coord := promotion.NewCoordinator(e.mem, lifecycle, rec, nil)
	h := NewHandler(e.mem, e.queue, coord)

	r := gin.New()
	r.Use(middleware.Locale(apperr.LocaleNorwegian))
	r.GET("/courses/:id/waitlist", h.Waitlist)
	r.PATCH("/courses/:id/capacity", h.ChangeCapacity)
	r.POST("/courses/:id/promote", h.Promote)
	r.POST("/courses/:id/cancel", h.Cancel)
	e.router = r
	return e
}

func (e *env) do(t *testing.T, method, path, body string) (int, response.Body, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var out struct {
		response.Body
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w.Code, out.Body, out.Data
}

func (e *env) path(suffix string) string {
	return "/courses/" + e.courseID.String() + suffix
}

func (e *env) seed(t *testing.T, confirmed int, waiting ...string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < confirmed; i++ {
		_, err := e.mem.InsertSignup(ctx, store.NewSignup{
			CourseID: e.courseID, Name: "Deltaker", Email: uuid.NewString() + "@example.no", Status: models.StatusConfirmed,
		})
		require.NoError(t, err)
	}
	for _, email := range waiting {
		_, err := e.queue.Join(ctx, waitlist.JoinRequest{CourseID: e.courseID, Name: email, Email: email})
		require.NoError(t, err)
	}
}

func TestWaitlist(t *testing.T) {
	e := newEnv(t, 2)
	e.seed(t, 2, "a@example.no", "b@example.no")

	status, _, data := e.do(t, http.MethodGet, e.path("/waitlist"), "")
	require.Equal(t, http.StatusOK, status)
	var out struct {
		Counts  models.SeatCounts `json:"counts"`
		Entries []struct {
			Email    string `json:"email"`
			Position int64  `json:"waitlist_position"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, models.SeatCounts{Capacity: 2, Confirmed: 2, Waitlisted: 2}, out.Counts)
	require.Len(t, out.Entries, 2)
	assert.Equal(t, "a@example.no", out.Entries[0].Email)
	assert.Equal(t, int64(2), out.Entries[1].Position)
}

func TestChangeCapacity(t *testing.T) {
	e := newEnv(t, 2)
	e.seed(t, 2, "a@example.no", "b@example.no", "c@example.no")

	status, _, data := e.do(t, http.MethodPatch, e.path("/capacity"), `{"capacity": 4}`)
	require.Equal(t, http.StatusOK, status)
	var change promotion.CapacityChange
	require.NoError(t, json.Unmarshal(data, &change))
	assert.Equal(t, 2, change.OldCapacity)
	assert.Equal(t, 4, change.NewCapacity)
	assert.Len(t, change.Promotion.Issued, 2)

	status, body, _ := e.do(t, http.MethodPatch, e.path("/capacity"), `{"capacity": 1}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "capacity", body.Details["Field"])

	status, body, _ = e.do(t, http.MethodPatch, e.path("/capacity"), `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", body.Code)
}

func TestPromote(t *testing.T) {
	e := newEnv(t, 3)
	e.seed(t, 2)
	// The course had room when these joined through the grace path.
	e.queue = waitlist.NewQueue(e.mem, nil, waitlist.Options{GraceSpots: 1}, nil)
	e.seed(t, 0, "a@example.no", "b@example.no")

	status, _, data := e.do(t, http.MethodPost, e.path("/promote"), `{"vacancies": 5}`)
	require.Equal(t, http.StatusOK, status)
	var res promotion.Result
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, 5, res.Requested)
	assert.Len(t, res.Issued, 1, "one free spot")

	status, body, _ := e.do(t, http.MethodPost, e.path("/promote"), `{"vacancies": -1}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", body.Code)
}

func TestCancel(t *testing.T) {
	e := newEnv(t, 1)
	e.seed(t, 1, "a@example.no")

	status, _, data := e.do(t, http.MethodPost, e.path("/cancel"), "")
	require.Equal(t, http.StatusOK, status)
	var out CancelResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, 2, out.Affected)

	status, body, _ := e.do(t, http.MethodPatch, e.path("/capacity"), `{"capacity": 3}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "COURSE_CANCELLED", body.Code)
	assert.Equal(t, "Kurset er avlyst.", body.Error)
}

func TestFeedAuthorizer(t *testing.T) {
	e := newEnv(t, 1)
	jwtService := auth.NewJWTService("test-secret", 1)
	authorize := FeedAuthorizer(jwtService, e.mem)
	ctx := context.Background()

	userID := uuid.New()
	own, err := jwtService.Generate(userID, e.orgID, auth.RoleInstructor)
	require.NoError(t, err)
	got, err := authorize(ctx, own, e.courseID)
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	other, err := jwtService.Generate(uuid.New(), uuid.New(), auth.RoleInstructor)
	require.NoError(t, err)
	_, err = authorize(ctx, other, e.courseID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = authorize(ctx, "garbage", e.courseID)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestFeedSnapshot(t *testing.T) {
	e := newEnv(t, 1)
	e.seed(t, 1, "a@example.no")

	state, err := FeedSnapshot(e.queue)(context.Background(), e.courseID)
	require.NoError(t, err)
	entries, ok := state.([]realtime.FeedEntry)
	require.True(t, ok)
	require.Len(t, entries, 1)
	assert.Equal(t, "a@example.no", entries[0].Name)
}
