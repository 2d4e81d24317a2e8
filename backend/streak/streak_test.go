package streak

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tsuzuku-app/tsuzuku/backend/models"
)

// day builds a canonical calendar day for tests.
func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// completionsOn builds one completion record per given day. CompletedAt is
// deliberately noisy to prove it never affects the math.
func completionsOn(days ...time.Time) []models.Completion {
	out := make([]models.Completion, 0, len(days))
	for _, d := range days {
		out = append(out, models.Completion{
			CompletedDate: d,
			CompletedAt:   d.Add(took),
		})
	}
	return out
}

const took = 13*time.Hour + 37*time.Minute

func TestCurrentUnbrokenRun(t *testing.T) {
	// Completions on Jan 1..5, reference Jan 6: the run ends exactly at
	// yesterday, so the streak is the full run length.
	completions := completionsOn(
		day(2024, time.January, 1),
		day(2024, time.January, 2),
		day(2024, time.January, 3),
		day(2024, time.January, 4),
		day(2024, time.January, 5),
	)
	assert.Equal(t, 5, Current(completions, day(2024, time.January, 6)))
}

func TestCurrentMissingYesterdayIsZero(t *testing.T) {
	// Older history is irrelevant once the day before the reference is missing.
	completions := completionsOn(
		day(2024, time.January, 1),
		day(2024, time.January, 2),
		day(2024, time.January, 3),
	)
	assert.Equal(t, 0, Current(completions, day(2024, time.January, 6)))
}

func TestCurrentEmptyHistory(t *testing.T) {
	assert.Equal(t, 0, Current(nil, day(2024, time.January, 6)))
}

func TestCurrentIgnoresReferenceDay(t *testing.T) {
	// A completion dated on the reference day itself is "today, still in
	// progress": it must neither extend nor break the count.
	completions := completionsOn(
		day(2024, time.March, 9),
		day(2024, time.March, 10),
	)
	ref := day(2024, time.March, 10)
	assert.Equal(t, 1, Current(completions, ref))

	// Only today completed: the streak has not materialized yet.
	todayOnly := completionsOn(ref)
	assert.Equal(t, 0, Current(todayOnly, ref))
}

func TestCurrentGapTerminatesWalk(t *testing.T) {
	// Jan 2 is missing: the chain from yesterday backward stops there,
	// regardless of how long the older run was.
	completions := completionsOn(
		day(2023, time.December, 28),
		day(2023, time.December, 29),
		day(2023, time.December, 30),
		day(2023, time.December, 31),
		day(2024, time.January, 1),
		day(2024, time.January, 3),
		day(2024, time.January, 4),
	)
	assert.Equal(t, 2, Current(completions, day(2024, time.January, 5)))
}

func TestCurrentAcrossMonthAndYearBoundary(t *testing.T) {
	completions := completionsOn(
		day(2023, time.December, 30),
		day(2023, time.December, 31),
		day(2024, time.January, 1),
	)
	assert.Equal(t, 3, Current(completions, day(2024, time.January, 2)))
}

func TestCurrentNormalizesTimestampedDates(t *testing.T) {
	// Dates carrying clock components or non-UTC offsets must count the same
	// as canonical days.
	jst := time.FixedZone("JST", 9*3600)
	completions := []models.Completion{
		{CompletedDate: time.Date(2024, time.May, 1, 23, 59, 0, 0, jst)},
		{CompletedDate: time.Date(2024, time.May, 2, 6, 30, 0, 0, jst)},
	}
	assert.Equal(t, 2, Current(completions, day(2024, time.May, 3)))
}

func TestRunStart(t *testing.T) {
	completions := completionsOn(
		day(2024, time.February, 26),
		day(2024, time.February, 27),
		day(2024, time.February, 28),
	)
	start, ok := RunStart(completions, day(2024, time.February, 29))
	assert.True(t, ok)
	assert.Equal(t, day(2024, time.February, 26), start)

	_, ok = RunStart(nil, day(2024, time.February, 29))
	assert.False(t, ok)
}

func TestLongestRun(t *testing.T) {
	assert.Equal(t, 0, LongestRun(nil))

	// Two runs: 4 days, then a gap, then 2 days.
	completions := completionsOn(
		day(2024, time.January, 1),
		day(2024, time.January, 2),
		day(2024, time.January, 3),
		day(2024, time.January, 4),
		day(2024, time.January, 10),
		day(2024, time.January, 11),
	)
	assert.Equal(t, 4, LongestRun(completions))

	single := completionsOn(day(2024, time.January, 1))
	assert.Equal(t, 1, LongestRun(single))
}

func TestLastCompleted(t *testing.T) {
	completions := completionsOn(
		day(2024, time.January, 3),
		day(2024, time.January, 1),
		day(2024, time.January, 2),
	)
	last, ok := LastCompleted(completions)
	assert.True(t, ok)
	assert.Equal(t, day(2024, time.January, 3), last)

	_, ok = LastCompleted(nil)
	assert.False(t, ok)
}

func TestDeriveHotPathKeepsLongestMonotone(t *testing.T) {
	// The cached longest streak was earned by history that has since been
	// partially toggled off; the hot path must not lower it.
	completions := completionsOn(
		day(2024, time.January, 4),
		day(2024, time.January, 5),
	)
	state := Derive(completions, day(2024, time.January, 6), 9)
	assert.Equal(t, 2, state.CurrentStreak)
	assert.Equal(t, 9, state.LongestStreak)

	// A new personal best raises it.
	state = Derive(completions, day(2024, time.January, 6), 1)
	assert.Equal(t, 2, state.LongestStreak)
}

func TestDeriveEmptyHistory(t *testing.T) {
	state := Derive(nil, day(2024, time.January, 6), 3)
	assert.Equal(t, 0, state.CurrentStreak)
	assert.Equal(t, 3, state.LongestStreak)
	assert.Nil(t, state.LastCompletedDate)
	assert.Nil(t, state.StreakStartDate)
}

func TestRebuildRecoversLongestFromHistory(t *testing.T) {
	// A 4-day historical run the cached value never recorded (e.g. after a
	// crashed update) is recovered by the full-history rebuild.
	completions := completionsOn(
		day(2024, time.January, 1),
		day(2024, time.January, 2),
		day(2024, time.January, 3),
		day(2024, time.January, 4),
		day(2024, time.January, 9),
	)
	state := Rebuild(completions, day(2024, time.January, 10), 0)
	assert.Equal(t, 1, state.CurrentStreak)
	assert.Equal(t, 4, state.LongestStreak)
	assert.Equal(t, day(2024, time.January, 9), *state.LastCompletedDate)
	assert.Equal(t, day(2024, time.January, 9), *state.StreakStartDate)
}

func TestFreshHabitScenario(t *testing.T) {
	// User completes on day D: the streak stays 0 that day, and becomes 1
	// once the reference advances to D+1.
	d := day(2024, time.June, 1)
	completions := completionsOn(d)

	sameDay := Derive(completions, d, 0)
	assert.Equal(t, 0, sameDay.CurrentStreak)
	assert.Equal(t, d, *sameDay.LastCompletedDate)
	assert.Nil(t, sameDay.StreakStartDate)

	nextDay := Derive(completions, NextDay(d), 0)
	assert.Equal(t, 1, nextDay.CurrentStreak)
	assert.Equal(t, d, *nextDay.StreakStartDate)
}
