package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Frequency describes how often a habit is meant to be completed.
// It determines how much grace a streak gets before it is considered broken.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Valid reports whether f is one of the supported frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// HabitStatus is the lifecycle status of a habit.
type HabitStatus string

const (
	HabitActive  HabitStatus = "active"
	HabitPaused  HabitStatus = "paused"
	HabitStopped HabitStatus = "stopped"
)

// Valid reports whether s is one of the supported lifecycle statuses.
func (s HabitStatus) Valid() bool {
	switch s {
	case HabitActive, HabitPaused, HabitStopped:
		return true
	}
	return false
}

type User struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Username     string             `bson:"username" json:"username"`
	PasswordHash string             `bson:"password_hash" json:"-"`
	Email        string             `bson:"email" json:"email"`
	// Timezone is the IANA name of the user's timezone. All "today" and
	// "yesterday" decisions for this user's habits are made in this zone.
	Timezone  string    `bson:"timezone" json:"timezone"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// Habit is the canonical habit entity. The streak fields are a denormalized
// cache over the habit's completion records: they are written only by the
// completion-toggle path and the reconciliation job, never by callers.
type Habit struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID    primitive.ObjectID `bson:"user_id" json:"user_id"`
	Name      string             `bson:"name" json:"name"`
	Frequency Frequency          `bson:"frequency" json:"frequency"`
	Status    HabitStatus        `bson:"status" json:"status"`

	CurrentStreak     int        `bson:"current_streak" json:"current_streak"`
	LongestStreak     int        `bson:"longest_streak" json:"longest_streak"`
	LastCompletedDate *time.Time `bson:"last_completed_date,omitempty" json:"last_completed_date,omitempty"`
	StreakStartDate   *time.Time `bson:"streak_start_date,omitempty" json:"streak_start_date,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// Completion records that a habit was completed on a single calendar day.
// CompletedDate is the calendar day (midnight-normalized, UTC); CompletedAt is
// audit metadata only and never participates in streak math. There is at most
// one completion per (habit, day) pair, enforced by the storage layer.
type Completion struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	HabitID       primitive.ObjectID `bson:"habit_id" json:"habit_id"`
	CompletedDate time.Time          `bson:"completed_date" json:"completed_date"`
	CompletedAt   time.Time          `bson:"completed_at" json:"completed_at"`
}

// StreakState is the full set of cached streak fields written back onto a
// habit in a single update.
type StreakState struct {
	CurrentStreak     int
	LongestStreak     int
	LastCompletedDate *time.Time
	StreakStartDate   *time.Time
}

// StateOf extracts the cached streak fields from a habit.
func StateOf(h *Habit) StreakState {
	return StreakState{
		CurrentStreak:     h.CurrentStreak,
		LongestStreak:     h.LongestStreak,
		LastCompletedDate: h.LastCompletedDate,
		StreakStartDate:   h.StreakStartDate,
	}
}

// Equal compares two streak states field by field. Date pointers compare by
// calendar value, not identity.
func (s StreakState) Equal(o StreakState) bool {
	if s.CurrentStreak != o.CurrentStreak || s.LongestStreak != o.LongestStreak {
		return false
	}
	if !datesEqual(s.LastCompletedDate, o.LastCompletedDate) {
		return false
	}
	return datesEqual(s.StreakStartDate, o.StreakStartDate)
}

func datesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
