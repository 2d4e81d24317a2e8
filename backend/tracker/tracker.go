// Package tracker is the interactive completion-toggle path: it owns every
// streak-state write triggered by a user action. It shares the pure streak
// arithmetic with the reconciliation job, so both writers agree on what the
// ledger means.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tsuzuku-app/tsuzuku/backend/models"
	cache "github.com/tsuzuku-app/tsuzuku/backend/storage/cache"
	storage "github.com/tsuzuku-app/tsuzuku/backend/storage/persistent"
	"github.com/tsuzuku-app/tsuzuku/backend/streak"
)

// ErrNotOwned is returned when a caller touches a habit that belongs to a
// different user.
var ErrNotOwned = errors.New("habit does not belong to the requesting user")

// DefaultTimezone is used for users without a configured timezone.
const DefaultTimezone = "Asia/Tokyo"

// overviewTTL bounds how stale a cached streak overview can get. The risk
// classification moves with the clock, so this stays short.
const overviewTTL = 15 * time.Minute

// Tracker executes completion toggles and streak reads against injected
// storage and cache handles.
type Tracker struct {
	store storage.StorageInterface
	cache cache.CacheInterface

	// Now is the clock used for "today" decisions. Tests pin it.
	Now func() time.Time
}

// New creates a Tracker. cache may be nil, in which case reads always hit
// storage.
func New(store storage.StorageInterface, c cache.CacheInterface) *Tracker {
	return &Tracker{store: store, cache: c, Now: time.Now}
}

// Overview is the read model for one habit: the cached streak fields plus the
// advisory risk classification and whether the habit is already done today.
type Overview struct {
	Habit     models.Habit `json:"habit"`
	State     streak.State `json:"state"`
	DoneToday bool         `json:"done_today"`
	Deadline  *time.Time   `json:"deadline,omitempty"`
}

// CacheKey is the cache key for a habit's overview on a given day. The day is
// part of the key so a cached entry can never leak across midnight.
func CacheKey(habitID primitive.ObjectID, day time.Time) string {
	return fmt.Sprintf("overview_%s_%s", habitID.Hex(), streak.DayOf(day).Format("2006-01-02"))
}

// Complete records that the user finished the habit on the given day and
// rewrites the habit's cached streak fields from the ledger. A zero day means
// today in the user's timezone. Returns storage.ErrDuplicateCompletion when
// the day is already recorded; on any failure no cached field is touched.
func (t *Tracker) Complete(ctx context.Context, userID, habitID primitive.ObjectID, day time.Time) (*models.Habit, error) {
	habit, loc, err := t.ownedHabit(ctx, userID, habitID)
	if err != nil {
		return nil, err
	}

	today := streak.DayOf(t.Now().In(loc))
	if day.IsZero() {
		day = today
	}

	_, err = t.store.AddCompletion(ctx, &models.Completion{
		HabitID:       habitID,
		CompletedDate: streak.DayOf(day),
		CompletedAt:   t.Now(),
	})
	if err != nil {
		return nil, err
	}

	return t.refresh(ctx, habit, today)
}

// Uncomplete removes the completion for the given day (the toggle-off half of
// the ledger) and rewrites the cached streak fields, returning the habit to
// the state it would have had without that completion. A zero day means today
// in the user's timezone.
func (t *Tracker) Uncomplete(ctx context.Context, userID, habitID primitive.ObjectID, day time.Time) (*models.Habit, error) {
	habit, loc, err := t.ownedHabit(ctx, userID, habitID)
	if err != nil {
		return nil, err
	}

	today := streak.DayOf(t.Now().In(loc))
	if day.IsZero() {
		day = today
	}

	if err := t.store.DeleteCompletion(ctx, habitID, day); err != nil {
		return nil, err
	}

	return t.refresh(ctx, habit, today)
}

// GetOverview returns the habit's streak overview, serving from cache when
// possible.
func (t *Tracker) GetOverview(ctx context.Context, userID, habitID primitive.ObjectID) (*Overview, error) {
	habit, loc, err := t.ownedHabit(ctx, userID, habitID)
	if err != nil {
		return nil, err
	}

	now := t.Now().In(loc)
	key := CacheKey(habitID, streak.DayOf(now))

	if t.cache != nil {
		var cached Overview
		err := t.cache.Get(ctx, key, &cached)
		if err == nil {
			return &cached, nil
		}
		if err != cache.ErrCacheMiss {
			log.Printf("overview cache read failed for habit %s: %v", habitID.Hex(), err)
		}
	}

	overview := t.buildOverview(habit, now, loc)

	if t.cache != nil {
		if err := t.cache.Set(ctx, key, overview, overviewTTL); err != nil {
			log.Printf("overview cache write failed for habit %s: %v", habitID.Hex(), err)
		}
	}
	return overview, nil
}

// ListOverviews returns overviews for all of the user's habits. The list read
// skips the cache: it is a dashboard view and must reflect a toggle done a
// moment ago on any habit.
func (t *Tracker) ListOverviews(ctx context.Context, userID primitive.ObjectID) ([]Overview, error) {
	loc, err := t.userLocation(ctx, userID)
	if err != nil {
		return nil, err
	}

	habits, err := t.store.FindHabitsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := t.Now().In(loc)
	overviews := make([]Overview, 0, len(habits))
	for i := range habits {
		overviews = append(overviews, *t.buildOverview(&habits[i], now, loc))
	}
	return overviews, nil
}

// refresh re-derives the cached streak fields from the full ledger and writes
// them back. The caller's habit is updated in place on success.
func (t *Tracker) refresh(ctx context.Context, habit *models.Habit, today time.Time) (*models.Habit, error) {
	completions, err := t.store.ListCompletions(ctx, habit.ID)
	if err != nil {
		return nil, err
	}

	state := streak.Derive(completions, today, habit.LongestStreak)
	if err := t.store.UpdateHabitStreak(ctx, habit.ID, state); err != nil {
		return nil, err
	}

	habit.CurrentStreak = state.CurrentStreak
	habit.LongestStreak = state.LongestStreak
	habit.LastCompletedDate = state.LastCompletedDate
	habit.StreakStartDate = state.StreakStartDate

	if t.cache != nil {
		if err := t.cache.Delete(ctx, CacheKey(habit.ID, today)); err != nil {
			log.Printf("overview cache invalidation failed for habit %s: %v", habit.ID.Hex(), err)
		}
	}
	return habit, nil
}

func (t *Tracker) buildOverview(habit *models.Habit, now time.Time, loc *time.Location) *Overview {
	overview := &Overview{
		Habit: *habit,
		State: streak.Classify(habit, now),
	}
	if habit.LastCompletedDate != nil && streak.SameDay(*habit.LastCompletedDate, now) {
		overview.DoneToday = true
	}
	if deadline, ok := streak.Deadline(habit, loc); ok {
		overview.Deadline = &deadline
	}
	return overview
}

// ownedHabit loads the habit and verifies ownership before any mutation or
// read on its completions.
func (t *Tracker) ownedHabit(ctx context.Context, userID, habitID primitive.ObjectID) (*models.Habit, *time.Location, error) {
	habit, err := t.store.FindHabitByID(ctx, habitID)
	if err != nil {
		return nil, nil, err
	}
	if habit.UserID != userID {
		return nil, nil, ErrNotOwned
	}

	loc, err := t.userLocation(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return habit, loc, nil
}

func (t *Tracker) userLocation(ctx context.Context, userID primitive.ObjectID) (*time.Location, error) {
	user, err := t.store.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	tz := user.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("invalid timezone %q for user %s, falling back to %s", tz, userID.Hex(), DefaultTimezone)
		return time.LoadLocation(DefaultTimezone)
	}
	return loc, nil
}
