// Package streak holds the pure streak arithmetic shared by the interactive
// completion-toggle path and the batch reconciliation job. Everything in this
// package works on calendar days, never raw timestamps: a day is a time.Time
// normalized to midnight UTC regardless of the timezone it was observed in,
// so day comparisons cannot be thrown off by clock components or offsets.
package streak

import (
	"sort"
	"time"

	"github.com/tsuzuku-app/tsuzuku/backend/models"
)

// DayOf returns the calendar day of t as observed in t's own location,
// normalized to midnight UTC. This is the canonical representation every
// completed_date is stored in.
func DayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today returns the current calendar day in loc, in canonical form.
func Today(loc *time.Location) time.Time {
	return DayOf(time.Now().In(loc))
}

// NextDay and PrevDay step a canonical day by one calendar day. AddDate on a
// UTC midnight is exact; there is no DST in UTC.
func NextDay(day time.Time) time.Time { return day.AddDate(0, 0, 1) }
func PrevDay(day time.Time) time.Time { return day.AddDate(0, 0, -1) }

// SameDay reports whether a and b fall on the same calendar day.
func SameDay(a, b time.Time) bool {
	return DayOf(a).Equal(DayOf(b))
}

// daySet collapses completions into their unique set of canonical days.
func daySet(completions []models.Completion) map[time.Time]struct{} {
	days := make(map[time.Time]struct{}, len(completions))
	for _, c := range completions {
		days[DayOf(c.CompletedDate)] = struct{}{}
	}
	return days
}

// Current computes the habit's current streak against refDay: the number of
// consecutive completed days ending exactly at refDay-1. The reference day
// itself is still in progress, so a completion dated refDay neither extends
// nor breaks the count. Any gap terminates the walk; there are no grace days
// here (grace belongs to the classifier, not the count).
func Current(completions []models.Completion, refDay time.Time) int {
	if len(completions) == 0 {
		return 0
	}
	days := daySet(completions)

	count := 0
	cursor := PrevDay(DayOf(refDay))
	for {
		if _, ok := days[cursor]; !ok {
			return count
		}
		count++
		cursor = PrevDay(cursor)
	}
}

// RunStart returns the first day of the run counted by Current, and false if
// the current streak is zero.
func RunStart(completions []models.Completion, refDay time.Time) (time.Time, bool) {
	n := Current(completions, refDay)
	if n == 0 {
		return time.Time{}, false
	}
	// The run ends at refDay-1 and spans n days.
	return DayOf(refDay).AddDate(0, 0, -n), true
}

// LongestRun returns the length of the longest run of calendar-consecutive
// days anywhere in the completion history. This is a full-history walk and is
// only meant for the reconciliation path; the hot path maintains the longest
// streak incrementally as max(longest, current).
func LongestRun(completions []models.Completion) int {
	if len(completions) == 0 {
		return 0
	}

	set := daySet(completions)
	days := make([]time.Time, 0, len(set))
	for d := range set {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	longest, run := 1, 1
	for i := 1; i < len(days); i++ {
		if days[i].Equal(NextDay(days[i-1])) {
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
	}
	return longest
}

// LastCompleted returns the most recent completion day in the history, and
// false for an empty history.
func LastCompleted(completions []models.Completion) (time.Time, bool) {
	var last time.Time
	for _, c := range completions {
		d := DayOf(c.CompletedDate)
		if d.After(last) {
			last = d
		}
	}
	if last.IsZero() {
		return time.Time{}, false
	}
	return last, true
}

// Derive computes the cached streak state for a habit from its completion
// history, for the interactive toggle path. prevLongest carries the
// previously cached longest streak: the hot path only ever raises it to the
// new current streak and never replays full history (that is the
// reconciliation job's business).
func Derive(completions []models.Completion, refDay time.Time, prevLongest int) models.StreakState {
	state := baseState(completions, refDay)
	state.LongestStreak = prevLongest
	if state.CurrentStreak > state.LongestStreak {
		state.LongestStreak = state.CurrentStreak
	}
	return state
}

// Rebuild computes the cached streak state from full history, for the
// reconciliation job. The longest streak is taken as the maximum of the
// previously cached value, the longest run anywhere in history, and the
// current streak, so it stays monotonically non-decreasing even if older
// completions were toggled off since it was last raised.
func Rebuild(completions []models.Completion, refDay time.Time, prevLongest int) models.StreakState {
	state := baseState(completions, refDay)
	state.LongestStreak = prevLongest
	if hist := LongestRun(completions); hist > state.LongestStreak {
		state.LongestStreak = hist
	}
	if state.CurrentStreak > state.LongestStreak {
		state.LongestStreak = state.CurrentStreak
	}
	return state
}

func baseState(completions []models.Completion, refDay time.Time) models.StreakState {
	state := models.StreakState{
		CurrentStreak: Current(completions, refDay),
	}
	if last, ok := LastCompleted(completions); ok {
		state.LastCompletedDate = &last
	}
	if start, ok := RunStart(completions, refDay); ok {
		state.StreakStartDate = &start
	}
	return state
}
