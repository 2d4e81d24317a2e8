package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tsuzuku-app/tsuzuku/backend/models"
	"github.com/tsuzuku-app/tsuzuku/backend/server/auth"
	"github.com/tsuzuku-app/tsuzuku/backend/server/contextkey"
	storage "github.com/tsuzuku-app/tsuzuku/backend/storage/persistent"
	"github.com/tsuzuku-app/tsuzuku/backend/tracker"
	"github.com/tsuzuku-app/tsuzuku/lib/utils"
)

// apiHandlers holds the service handles the route handlers delegate to.
type apiHandlers struct {
	cfg Config
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Printf("Failed to encode response: %v", err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// requireUser extracts the authenticated user's id from the request context,
// as injected by the JWT middleware. Writes a 401 and returns false when the
// request carried no valid token.
func requireUser(w http.ResponseWriter, r *http.Request) (primitive.ObjectID, bool) {
	if err, ok := r.Context().Value(contextkey.JwtErrorKey).(error); ok && err != nil {
		writeError(w, http.StatusUnauthorized, "invalid auth token")
		return primitive.NilObjectID, false
	}
	idStr, ok := r.Context().Value(contextkey.UserIDKey).(string)
	if !ok || idStr == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return primitive.NilObjectID, false
	}
	userID, err := primitive.ObjectIDFromHex(idStr)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid auth token")
		return primitive.NilObjectID, false
	}
	return userID, true
}

// pathHabitID parses the {id} path variable. Writes a 404 and returns false
// when it is not a valid object id; a malformed id can never name a habit.
func pathHabitID(w http.ResponseWriter, r *http.Request) (primitive.ObjectID, bool) {
	habitID, err := primitive.ObjectIDFromHex(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "habit not found")
		return primitive.NilObjectID, false
	}
	return habitID, true
}

// habitError maps the typed failures of the completion-toggle path onto HTTP
// statuses. ErrNotOwned is reported as 404 so the API does not reveal which
// habit ids exist.
func habitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrHabitNotFound), errors.Is(err, tracker.ErrNotOwned):
		writeError(w, http.StatusNotFound, "habit not found")
	case errors.Is(err, storage.ErrDuplicateCompletion):
		writeError(w, http.StatusConflict, "completion already recorded for that day")
	case errors.Is(err, storage.ErrCompletionNotFound):
		writeError(w, http.StatusNotFound, "completion not found")
	default:
		log.Printf("Storage error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// --- Auth routes ---

func (a *apiHandlers) signUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Timezone string `json:"timezone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tokens, err := auth.SignUp(r.Context(), req.Username, req.Email, req.Password, req.Timezone)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, tokens)
}

func (a *apiHandlers) signIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tokens, err := auth.SignIn(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		log.Printf("Sign in error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (a *apiHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tokens, err := auth.Refresh(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

// --- Habit routes ---

func (a *apiHandlers) createHabit(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Name      string           `json:"name"`
		Frequency models.Frequency `json:"frequency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "habit name is required")
		return
	}
	if !req.Frequency.Valid() {
		writeError(w, http.StatusBadRequest, "frequency must be daily, weekly or monthly")
		return
	}

	habit, err := a.cfg.Store.AddHabit(r.Context(), &models.Habit{
		UserID:    userID,
		Name:      req.Name,
		Frequency: req.Frequency,
		Status:    models.HabitActive,
		CreatedAt: time.Now(),
	})
	if err != nil {
		// The storage layer enforces the per-user name uniqueness invariant.
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, habit)
}

func (a *apiHandlers) listHabits(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	overviews, err := a.cfg.Tracker.ListOverviews(r.Context(), userID)
	if err != nil {
		habitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, overviews)
}

func (a *apiHandlers) updateHabitStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	habitID, ok := pathHabitID(w, r)
	if !ok {
		return
	}

	var req struct {
		Status models.HabitStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be active, paused or stopped")
		return
	}

	habit, err := a.ownedHabit(r.Context(), userID, habitID)
	if err != nil {
		habitError(w, err)
		return
	}

	if err := a.cfg.Store.UpdateHabitStatus(r.Context(), habit.ID, req.Status); err != nil {
		habitError(w, err)
		return
	}
	habit.Status = req.Status
	writeJSON(w, http.StatusOK, habit)
}

func (a *apiHandlers) deleteHabit(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	habitID, ok := pathHabitID(w, r)
	if !ok {
		return
	}

	habit, err := a.ownedHabit(r.Context(), userID, habitID)
	if err != nil {
		habitError(w, err)
		return
	}

	if _, err := a.cfg.Store.DeleteHabit(r.Context(), habit.ID); err != nil {
		habitError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Completion routes ---

func (a *apiHandlers) complete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	habitID, ok := pathHabitID(w, r)
	if !ok {
		return
	}

	// The day is optional: an absent or empty body means today in the user's
	// timezone.
	var req struct {
		Day string `json:"day"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var day time.Time
	if req.Day != "" {
		parsed, err := utils.ParseDay(req.Day)
		if err != nil {
			writeError(w, http.StatusBadRequest, "day must be formatted as YYYY-MM-DD")
			return
		}
		day = parsed
	}

	habit, err := a.cfg.Tracker.Complete(r.Context(), userID, habitID, day)
	if err != nil {
		habitError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, habit)
}

func (a *apiHandlers) uncomplete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	habitID, ok := pathHabitID(w, r)
	if !ok {
		return
	}

	day, err := utils.ParseDay(mux.Vars(r)["day"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "day must be formatted as YYYY-MM-DD")
		return
	}

	habit, err := a.cfg.Tracker.Uncomplete(r.Context(), userID, habitID, day)
	if err != nil {
		habitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, habit)
}

func (a *apiHandlers) streakOverview(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	habitID, ok := pathHabitID(w, r)
	if !ok {
		return
	}

	overview, err := a.cfg.Tracker.GetOverview(r.Context(), userID, habitID)
	if err != nil {
		habitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

// --- Scheduler route ---

func (a *apiHandlers) reconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := a.cfg.Job.Run(r.Context())
	if err != nil {
		log.Printf("Reconcile run failed: %v", err)
		writeError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ownedHabit loads a habit and checks it belongs to the requesting user.
func (a *apiHandlers) ownedHabit(ctx context.Context, userID, habitID primitive.ObjectID) (*models.Habit, error) {
	habit, err := a.cfg.Store.FindHabitByID(ctx, habitID)
	if err != nil {
		return nil, err
	}
	if habit.UserID != userID {
		return nil, tracker.ErrNotOwned
	}
	return habit, nil
}
