// Package reconcile is the scheduled batch half of the streak system. Once a
// day it re-derives every active habit's cached streak fields from the
// completion ledger and repairs whatever drifted: a crashed update, a manual
// database edit, or simply a day passing without a completion. It only ever
// writes the cached fields; completion records are never touched.
package reconcile

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tsuzuku-app/tsuzuku/backend/models"
	"github.com/tsuzuku-app/tsuzuku/backend/queue"
	cache "github.com/tsuzuku-app/tsuzuku/backend/storage/cache"
	storage "github.com/tsuzuku-app/tsuzuku/backend/storage/persistent"
	"github.com/tsuzuku-app/tsuzuku/backend/streak"
	"github.com/tsuzuku-app/tsuzuku/backend/tracker"
)

// Summary reports what one reconciliation run did. Failed counts habits whose
// processing errored; those habits are picked up again on the next run.
type Summary struct {
	Processed    int `json:"processed"`
	Reset        int `json:"reset"`
	Recalculated int `json:"recalculated"`
	Failed       int `json:"failed"`
}

// Job executes reconciliation runs against injected storage, cache and queue
// handles.
type Job struct {
	store storage.StorageInterface
	cache cache.CacheInterface
	queue *queue.Queue
	loc   *time.Location

	// Now is the clock used to derive the reference day. Tests pin it.
	Now func() time.Time
}

// NewJob creates a reconciliation job. cache and q may be nil; loc is the
// timezone the reference day is taken in (nil means UTC).
func NewJob(store storage.StorageInterface, c cache.CacheInterface, q *queue.Queue, loc *time.Location) *Job {
	if loc == nil {
		loc = time.UTC
	}
	return &Job{store: store, cache: c, queue: q, loc: loc, Now: time.Now}
}

// Run executes one reconciliation pass with the reference day taken from the
// job's clock and timezone.
func (j *Job) Run(ctx context.Context) (*Summary, error) {
	return j.RunFor(ctx, streak.DayOf(j.Now().In(j.loc)))
}

// RunFor executes one reconciliation pass against an explicit reference day.
// It walks every active habit; a single habit's failure is logged and counted
// but never aborts the rest of the pass. Re-running with an unchanged ledger
// is a no-op: the summary's Reset and Recalculated come back zero.
func (j *Job) RunFor(ctx context.Context, refDay time.Time) (*Summary, error) {
	runID := uuid.NewString()
	refDay = streak.DayOf(refDay)
	log.Printf("reconcile run %s starting, reference day %s", runID, refDay.Format("2006-01-02"))

	habits, err := j.store.ListHabitsByStatus(ctx, models.HabitActive)
	if err != nil {
		// Without the habit list there is nothing to iterate; this is the one
		// failure that aborts the run.
		return nil, err
	}

	summary := &Summary{}
	for i := range habits {
		habit := habits[i]
		summary.Processed++

		reset, recalculated, err := j.reconcileHabit(ctx, &habit, refDay)
		if err != nil {
			summary.Failed++
			log.Printf("reconcile run %s: habit %s (%q) failed: %v", runID, habit.ID.Hex(), habit.Name, err)
			continue
		}
		if reset {
			summary.Reset++
		}
		if recalculated {
			summary.Recalculated++
		}
	}

	log.Printf("reconcile run %s done: processed=%d reset=%d recalculated=%d failed=%d",
		runID, summary.Processed, summary.Reset, summary.Recalculated, summary.Failed)
	return summary, nil
}

// reconcileHabit repairs one habit's cached streak fields. It mirrors the
// two-step shape of the original flow: a fast-path reset when yesterday is
// missing, then a full recompute that corrects any remaining drift.
func (j *Job) reconcileHabit(ctx context.Context, habit *models.Habit, refDay time.Time) (reset, recalculated bool, err error) {
	completions, err := j.store.ListCompletions(ctx, habit.ID)
	if err != nil {
		return false, false, err
	}

	yesterday := streak.PrevDay(refDay)
	if habit.CurrentStreak > 0 && !completedOn(completions, yesterday) {
		// The streak broke overnight: zero it immediately, keeping the
		// historical fields for the recompute below to settle.
		brokenState := models.StateOf(habit)
		brokenState.CurrentStreak = 0
		brokenState.StreakStartDate = nil
		if err := j.store.UpdateHabitStreak(ctx, habit.ID, brokenState); err != nil {
			return false, false, err
		}
		habit.CurrentStreak = 0
		habit.StreakStartDate = nil
		reset = true
	}

	correct := streak.Rebuild(completions, refDay, habit.LongestStreak)
	if !correct.Equal(models.StateOf(habit)) {
		if err := j.store.UpdateHabitStreak(ctx, habit.ID, correct); err != nil {
			return reset, false, err
		}
		habit.CurrentStreak = correct.CurrentStreak
		habit.LongestStreak = correct.LongestStreak
		habit.LastCompletedDate = correct.LastCompletedDate
		habit.StreakStartDate = correct.StreakStartDate
		recalculated = true
	}

	if j.cache != nil {
		if err := j.cache.Delete(ctx, tracker.CacheKey(habit.ID, refDay)); err != nil {
			log.Printf("overview cache invalidation failed for habit %s: %v", habit.ID.Hex(), err)
		}
	}

	j.publishReminder(habit, refDay)
	return reset, recalculated, nil
}

// publishReminder enqueues an at-risk reminder for the habit when its streak
// is in its final stretch. Publishing failures are logged only: reminders are
// advisory and must never fail a reconciliation.
func (j *Job) publishReminder(habit *models.Habit, refDay time.Time) {
	if j.queue == nil {
		return
	}

	// Classify at the end of the reference day, when the remaining window is
	// narrowest: a habit that will still be fine tomorrow stays quiet.
	endOfDay := refDay.Add(23*time.Hour + 59*time.Minute)
	if streak.Classify(habit, endOfDay) != streak.StateAtRisk {
		return
	}

	message := &queue.ReminderMessage{
		Id:            habit.ID.Hex() + "_" + refDay.Format("2006-01-02"),
		HabitID:       habit.ID.Hex(),
		UserID:        habit.UserID.Hex(),
		HabitName:     habit.Name,
		State:         streak.StateAtRisk,
		CurrentStreak: habit.CurrentStreak,
		Day:           refDay.Format("2006-01-02"),
	}
	if err := queue.ProcessReminder(message, j.queue); err != nil {
		log.Printf("failed to publish reminder for habit %s: %v", habit.ID.Hex(), err)
	}
}

func completedOn(completions []models.Completion, day time.Time) bool {
	for _, c := range completions {
		if streak.SameDay(c.CompletedDate, day) {
			return true
		}
	}
	return false
}
