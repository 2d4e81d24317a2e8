package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tsuzuku-app/tsuzuku/backend/models"
	"github.com/tsuzuku-app/tsuzuku/backend/reconcile"
	"github.com/tsuzuku-app/tsuzuku/backend/server/auth"
	cache "github.com/tsuzuku-app/tsuzuku/backend/storage/cache"
	storage "github.com/tsuzuku-app/tsuzuku/backend/storage/persistent"
	"github.com/tsuzuku-app/tsuzuku/backend/tracker"
)

const testSigningKey = "handlers-test-signing-key"
const testCronSecret = "handlers-test-cron-secret"

type env struct {
	store   *storage.MemoryStorage
	tracker *tracker.Tracker
	job     *reconcile.Job
	router  http.Handler
}

func newEnv(t *testing.T, now time.Time) *env {
	t.Helper()

	store := storage.NewMemoryStorage()
	c := cache.NewMemoryCache()
	auth.InitAuth(store, testSigningKey)

	tr := tracker.New(store, c)
	tr.Now = func() time.Time { return now }

	loc, err := time.LoadLocation(tracker.DefaultTimezone)
	assert.NoError(t, err)
	job := reconcile.NewJob(store, c, nil, loc)
	job.Now = func() time.Time { return now }

	e := &env{store: store, tracker: tr, job: job}
	e.router = Router(Config{
		SigningKey: testSigningKey,
		CronSecret: testCronSecret,
		Store:      store,
		Tracker:    tr,
		Job:        job,
	})
	return e
}

// addUser inserts a user directly and mints an auth token for it.
func (e *env) addUser(t *testing.T, username string) (*models.User, string) {
	t.Helper()
	user, err := e.store.AddUser(nil, &models.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "x",
		CreatedAt:    time.Now(),
	})
	assert.NoError(t, err)
	token, err := auth.CreateAuthToken(user.ID.Hex())
	assert.NoError(t, err)
	return user, token
}

func (e *env) addHabit(t *testing.T, userID primitive.ObjectID, name string) *models.Habit {
	t.Helper()
	habit, err := e.store.AddHabit(nil, &models.Habit{
		UserID:    userID,
		Name:      name,
		Frequency: models.FrequencyDaily,
		Status:    models.HabitActive,
		CreatedAt: time.Now(),
	})
	assert.NoError(t, err)
	return habit
}

// do runs one request through the full production handler chain.
func (e *env) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	assert.NoError(t, json.NewDecoder(w.Body).Decode(dest))
}

func TestSignUpSignInFlow(t *testing.T) {
	e := newEnv(t, time.Now())

	w := e.do("POST", "/api/auth/signup", "", map[string]string{
		"username": "kenji",
		"email":    "kenji@example.com",
		"password": "password1",
	})
	assert.Equal(t, http.StatusCreated, w.Code)
	var tokens auth.Tokens
	decode(t, w, &tokens)
	assert.NotEmpty(t, tokens.AuthToken)
	assert.NotEmpty(t, tokens.RefreshToken)

	w = e.do("POST", "/api/auth/signin", "", map[string]string{
		"username": "kenji",
		"password": "password1",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do("POST", "/api/auth/signin", "", map[string]string{
		"username": "kenji",
		"password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSignUpRejectsWeakPassword(t *testing.T) {
	e := newEnv(t, time.Now())

	w := e.do("POST", "/api/auth/signup", "", map[string]string{
		"username": "kenji",
		"email":    "kenji@example.com",
		"password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRefreshRoute(t *testing.T) {
	e := newEnv(t, time.Now())

	w := e.do("POST", "/api/auth/signup", "", map[string]string{
		"username": "kenji",
		"email":    "kenji@example.com",
		"password": "password1",
	})
	assert.Equal(t, http.StatusCreated, w.Code)
	var tokens auth.Tokens
	decode(t, w, &tokens)

	w = e.do("POST", "/api/auth/refresh", "", map[string]string{
		"refresh_token": tokens.RefreshToken,
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do("POST", "/api/auth/refresh", "", map[string]string{
		"refresh_token": "not-a-token",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHabitRoutesRequireAuth(t *testing.T) {
	e := newEnv(t, time.Now())

	assert.Equal(t, http.StatusUnauthorized, e.do("GET", "/api/habits", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, e.do("POST", "/api/habits", "", map[string]string{"name": "x"}).Code)
	assert.Equal(t, http.StatusUnauthorized, e.do("GET", "/api/habits", "garbage-token", nil).Code)
}

func TestCreateHabit(t *testing.T) {
	e := newEnv(t, time.Now())
	_, token := e.addUser(t, "kenji")

	w := e.do("POST", "/api/habits", token, map[string]string{
		"name":      "morning run",
		"frequency": "daily",
	})
	assert.Equal(t, http.StatusCreated, w.Code)
	var habit models.Habit
	decode(t, w, &habit)
	assert.Equal(t, "morning run", habit.Name)
	assert.Equal(t, models.HabitActive, habit.Status)
	assert.Equal(t, 0, habit.CurrentStreak)

	// Same name again for the same user is a conflict.
	w = e.do("POST", "/api/habits", token, map[string]string{
		"name":      "morning run",
		"frequency": "daily",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateHabitValidation(t *testing.T) {
	e := newEnv(t, time.Now())
	_, token := e.addUser(t, "kenji")

	w := e.do("POST", "/api/habits", token, map[string]string{
		"name":      "",
		"frequency": "daily",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do("POST", "/api/habits", token, map[string]string{
		"name":      "journal",
		"frequency": "fortnightly",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCompleteAndUncomplete(t *testing.T) {
	// 18:00 JST on March 10 for a user in the default timezone.
	now := time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)
	e := newEnv(t, now)
	user, token := e.addUser(t, "kenji")
	habit := e.addHabit(t, user.ID, "reading")

	base := fmt.Sprintf("/api/habits/%s/completions", habit.ID.Hex())

	w := e.do("POST", base, token, nil)
	assert.Equal(t, http.StatusCreated, w.Code)

	// Recording the same day twice is a conflict.
	w = e.do("POST", base, token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Backdating yesterday extends the streak.
	w = e.do("POST", base, token, map[string]string{"day": "2024-03-09"})
	assert.Equal(t, http.StatusCreated, w.Code)
	var updated models.Habit
	decode(t, w, &updated)
	assert.Equal(t, 1, updated.CurrentStreak)

	w = e.do("DELETE", base+"/2024-03-09", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &updated)
	assert.Equal(t, 0, updated.CurrentStreak)

	// Deleting a day that was never recorded.
	w = e.do("DELETE", base+"/2024-03-01", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// A malformed day.
	w = e.do("DELETE", base+"/yesterday", token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHabitOwnershipHidden(t *testing.T) {
	e := newEnv(t, time.Now())
	owner, _ := e.addUser(t, "owner")
	_, intruderToken := e.addUser(t, "intruder")
	habit := e.addHabit(t, owner.ID, "reading")

	path := fmt.Sprintf("/api/habits/%s/streak", habit.ID.Hex())
	assert.Equal(t, http.StatusNotFound, e.do("GET", path, intruderToken, nil).Code)

	path = fmt.Sprintf("/api/habits/%s/completions", habit.ID.Hex())
	assert.Equal(t, http.StatusNotFound, e.do("POST", path, intruderToken, nil).Code)

	path = fmt.Sprintf("/api/habits/%s", habit.ID.Hex())
	assert.Equal(t, http.StatusNotFound, e.do("DELETE", path, intruderToken, nil).Code)
}

func TestStreakOverviewRoute(t *testing.T) {
	// 18:00 JST on March 10.
	now := time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)
	e := newEnv(t, now)
	user, token := e.addUser(t, "kenji")
	habit := e.addHabit(t, user.ID, "reading")

	base := fmt.Sprintf("/api/habits/%s", habit.ID.Hex())
	w := e.do("POST", base+"/completions", token, map[string]string{"day": "2024-03-09"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = e.do("GET", base+"/streak", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var overview tracker.Overview
	decode(t, w, &overview)
	assert.Equal(t, 1, overview.Habit.CurrentStreak)
	assert.NotNil(t, overview.Deadline)
}

func TestListHabitsReturnsOverviews(t *testing.T) {
	e := newEnv(t, time.Now())
	user, token := e.addUser(t, "kenji")
	e.addHabit(t, user.ID, "reading")
	e.addHabit(t, user.ID, "running")

	w := e.do("GET", "/api/habits", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var overviews []tracker.Overview
	decode(t, w, &overviews)
	assert.Len(t, overviews, 2)
}

func TestUpdateHabitStatus(t *testing.T) {
	e := newEnv(t, time.Now())
	user, token := e.addUser(t, "kenji")
	habit := e.addHabit(t, user.ID, "reading")

	path := fmt.Sprintf("/api/habits/%s", habit.ID.Hex())
	w := e.do("PATCH", path, token, map[string]string{"status": "paused"})
	assert.Equal(t, http.StatusOK, w.Code)
	var updated models.Habit
	decode(t, w, &updated)
	assert.Equal(t, models.HabitPaused, updated.Status)

	w = e.do("PATCH", path, token, map[string]string{"status": "hibernating"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteHabit(t *testing.T) {
	e := newEnv(t, time.Now())
	user, token := e.addUser(t, "kenji")
	habit := e.addHabit(t, user.ID, "reading")

	path := fmt.Sprintf("/api/habits/%s", habit.ID.Hex())
	assert.Equal(t, http.StatusNoContent, e.do("DELETE", path, token, nil).Code)

	// Gone now.
	assert.Equal(t, http.StatusNotFound, e.do("DELETE", path, token, nil).Code)
}

func TestReconcileEndpointSecret(t *testing.T) {
	e := newEnv(t, time.Now())

	// No secret and a wrong secret are both rejected.
	w := e.do("POST", "/api/cron/reconcile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest("POST", "/api/cron/reconcile", nil)
	req.Header.Set("X-Cron-Secret", "wrong-secret")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest("POST", "/api/cron/reconcile", nil)
	req.Header.Set("X-Cron-Secret", testCronSecret)
	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var summary reconcile.Summary
	assert.NoError(t, json.NewDecoder(rec.Body).Decode(&summary))
	assert.Equal(t, 0, summary.Failed)
}

func TestReconcileEndpointResetsBrokenStreaks(t *testing.T) {
	now := time.Date(2024, time.March, 10, 4, 0, 0, 0, time.UTC)
	e := newEnv(t, now)
	user, _ := e.addUser(t, "kenji")
	habit := e.addHabit(t, user.ID, "reading")

	// A stale streak with nothing recorded yesterday.
	last := time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)
	err := e.store.UpdateHabitStreak(nil, habit.ID, models.StreakState{
		CurrentStreak:     4,
		LongestStreak:     4,
		LastCompletedDate: &last,
		StreakStartDate:   &last,
	})
	assert.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/cron/reconcile", nil)
	req.Header.Set("X-Cron-Secret", testCronSecret)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var summary reconcile.Summary
	assert.NoError(t, json.NewDecoder(rec.Body).Decode(&summary))
	assert.Equal(t, 1, summary.Reset)

	fixed, err := e.store.FindHabitByID(nil, habit.ID)
	assert.NoError(t, err)
	assert.Equal(t, 0, fixed.CurrentStreak)
	assert.Equal(t, 4, fixed.LongestStreak)
}
