package streak

import (
	"time"

	"github.com/tsuzuku-app/tsuzuku/backend/models"
)

// State is the advisory risk classification of a habit's streak. It drives
// UI alerts and reminder publishing only; classification never writes any
// streak field.
type State string

const (
	StateInactive State = "inactive"
	StateActive   State = "active"
	StateAtRisk   State = "at_risk"
	StateExpired  State = "expired"
)

// GraceDays is how many days a streak survives past its last completion, per
// frequency. The values are product decisions inherited unchanged; they are
// variables rather than constants so a deployment can tune them, but the
// defaults must not drift.
var GraceDays = map[models.Frequency]int{
	models.FrequencyDaily:   1,
	models.FrequencyWeekly:  7,
	models.FrequencyMonthly: 30,
}

// AtRiskFraction is the share of the grace window that must have elapsed
// before an active streak is flagged as at risk.
var AtRiskFraction = 0.8

// Classify determines whether a habit's streak is inactive, active, at risk,
// or expired as of now. now is a real timestamp in the observer's timezone.
//
// The grace window for a streak runs from midnight of the last completed day
// through the end of the Nth day after it, N per GraceDays: a daily habit
// completed yesterday can still be saved any time today and expires at
// midnight. Expired means the window end has passed; at risk means more than
// AtRiskFraction of the window has elapsed.
func Classify(h *models.Habit, now time.Time) State {
	if h.Status != models.HabitActive || h.CurrentStreak == 0 || h.LastCompletedDate == nil {
		return StateInactive
	}

	grace, ok := GraceDays[h.Frequency]
	if !ok {
		return StateInactive
	}

	// Whole days elapsed since the last completion, plus how far into the
	// current day "now" is. Both are measured on the calendar, so the math is
	// identical whether the caller passes midnight (the batch job) or an
	// arbitrary wall-clock instant (a UI read).
	lastDay := DayOf(*h.LastCompletedDate)
	nowDay := DayOf(now)
	daysSince := int(nowDay.Sub(lastDay).Hours() / 24)
	windowDays := grace + 1

	if daysSince >= windowDays {
		return StateExpired
	}

	elapsed := float64(daysSince) + dayFraction(now)
	if elapsed/float64(windowDays) > AtRiskFraction {
		return StateAtRisk
	}
	return StateActive
}

// dayFraction is how far through its calendar day now is, in [0, 1).
func dayFraction(now time.Time) float64 {
	secs := now.Hour()*3600 + now.Minute()*60 + now.Second()
	return float64(secs) / 86400.0
}

// Deadline returns the instant the habit's streak expires: midnight at the
// end of the grace window, on the calendar of the provided location. ok is
// false when the habit has no running streak to expire.
func Deadline(h *models.Habit, loc *time.Location) (time.Time, bool) {
	if h.CurrentStreak == 0 || h.LastCompletedDate == nil {
		return time.Time{}, false
	}
	grace, ok := GraceDays[h.Frequency]
	if !ok {
		return time.Time{}, false
	}
	last := DayOf(*h.LastCompletedDate)
	end := last.AddDate(0, 0, grace+1)
	return time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc), true
}
