package calendar_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/calm-planner/calendar"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func hours(h float64) decimal.Decimal { return decimal.NewFromFloat(h) }

func section(label string, h float64) calendar.Section {
	return calendar.Section{Label: label, Hours: hours(h)}
}

func midnight(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func planInput(outline []calendar.Section, start, due time.Time, capacity float64) calendar.PlanInput {
	return calendar.PlanInput{
		PlanID:        "exam",
		SubjectID:     "exam",
		Outline:       outline,
		StartAt:       start,
		DueAt:         due,
		DailyCapacity: hours(capacity),
	}
}

func sumHours(tasks []calendar.Task) decimal.Decimal {
	total := decimal.Zero
	for _, t := range tasks {
		total = total.Add(t.EstimatedHours)
	}
	return total
}

// =============================================================================
// PLAN GENERATION
// =============================================================================

func TestGeneratePlan_TwoChaptersTwoDays(t *testing.T) {
	// GIVEN: 4h + 6h of work, due in two days, 5h per day
	start := midnight(2026, time.October, 14)
	due := start.Add(48 * time.Hour)
	in := planInput([]calendar.Section{section("ch1", 4), section("ch2", 6)}, start, due, 5)

	// WHEN: The plan is generated
	sched, err := calendar.GeneratePlan(in)
	require.NoError(t, err)

	// THEN: Two tasks, both due by day 2, no day above capacity
	require.Len(t, sched.Tasks, 2)
	assert.Equal(t, calendar.EntityID("exam-1"), sched.Tasks[0].ID)
	assert.Equal(t, calendar.EntityID("exam-2"), sched.Tasks[1].ID)
	for _, task := range sched.Tasks {
		require.NotNil(t, task.DueAt)
		assert.False(t, task.DueAt.After(due), "task %s due after the plan due date", task.ID)
		assert.Nil(t, task.StartsAt, "plans without a workday start carry no ranges")
	}
	assert.Equal(t, midnight(2026, time.October, 15).Add(-time.Second), *sched.Tasks[0].DueAt)
	assert.Equal(t, due.Add(-time.Second), *sched.Tasks[1].DueAt)
	assert.Equal(t, calendar.Day{Year: 2026, Month: time.October, Day: 14}, calendar.DayOf(*sched.Tasks[0].DueAt, time.UTC))

	require.Len(t, sched.Days, 2)
	for _, d := range sched.Days {
		assert.True(t, d.Hours.LessThanOrEqual(hours(5)), "day %s over capacity: %s", d.Day, d.Hours)
	}
	assert.True(t, sched.Compression.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, "2026-10-14=1,2026-10-15=5", sched.Tasks[1].Metadata[calendar.MetaPlanAllocation])
}

func TestGeneratePlan_CompressesProportionally(t *testing.T) {
	// GIVEN: 12h of work but only 2 days at 3h
	start := midnight(2026, time.March, 1)
	due := start.Add(48 * time.Hour)
	in := planInput([]calendar.Section{section("a", 8), section("b", 4)}, start, due, 3)

	// WHEN: The plan is generated
	sched, err := calendar.GeneratePlan(in)
	require.NoError(t, err)

	// THEN: Every section is scaled by 6/12 and the total fits the capacity
	require.Len(t, sched.Tasks, 2)
	assert.True(t, sched.Tasks[0].EstimatedHours.Equal(hours(4)), "got %s", sched.Tasks[0].EstimatedHours)
	assert.True(t, sched.Tasks[1].EstimatedHours.Equal(hours(2)), "got %s", sched.Tasks[1].EstimatedHours)
	assert.True(t, sumHours(sched.Tasks).LessThanOrEqual(hours(6)))
	assert.Equal(t, "0.5000", sched.Tasks[0].Metadata[calendar.MetaPlanCompression])
}

func TestGeneratePlan_CompressionNeverExceedsWeights(t *testing.T) {
	// GIVEN: Weights that do not divide evenly into the capacity
	start := midnight(2026, time.March, 1)
	due := start.Add(72 * time.Hour)
	outline := []calendar.Section{section("a", 7), section("b", 5), section("c", 11)}
	in := planInput(outline, start, due, 2.5)

	sched, err := calendar.GeneratePlan(in)
	require.NoError(t, err)

	// THEN: Each task is at most its weight and the total at most capacity
	for i, task := range sched.Tasks {
		assert.True(t, task.EstimatedHours.LessThanOrEqual(outline[i].Hours))
	}
	assert.True(t, sumHours(sched.Tasks).LessThanOrEqual(hours(7.5)))
	for _, d := range sched.Days {
		assert.True(t, d.Hours.LessThanOrEqual(hours(2.5)))
	}
}

func TestGeneratePlan_DueDatesNonDecreasing(t *testing.T) {
	start := time.Date(2026, time.May, 4, 9, 30, 0, 0, time.UTC)
	due := time.Date(2026, time.May, 11, 17, 0, 0, 0, time.UTC)
	outline := []calendar.Section{
		section("intro", 1), section("methods", 3), section("results", 2.5),
		section("discussion", 4), section("abstract", 0.5),
	}

	sched, err := calendar.GeneratePlan(planInput(outline, start, due, 2))
	require.NoError(t, err)

	var prev time.Time
	for _, task := range sched.Tasks {
		require.NotNil(t, task.DueAt)
		assert.False(t, task.DueAt.Before(prev), "due dates must not decrease")
		assert.False(t, task.DueAt.After(due))
		prev = *task.DueAt
	}
}

func TestGeneratePlan_PartialFirstAndLastDay(t *testing.T) {
	// GIVEN: Starting late in the evening and due early in the morning
	start := time.Date(2026, time.June, 1, 22, 0, 0, 0, time.UTC)
	due := time.Date(2026, time.June, 2, 1, 0, 0, 0, time.UTC)

	sched, err := calendar.GeneratePlan(planInput([]calendar.Section{section("cram", 5)}, start, due, 4))
	require.NoError(t, err)

	// THEN: Only the 3 wall-clock hours are schedulable (2h + 1h)
	require.Len(t, sched.Days, 2)
	assert.True(t, sched.Days[0].Hours.Equal(hours(2)))
	assert.True(t, sched.Days[1].Hours.Equal(hours(1)))
	assert.Equal(t, due, *sched.Tasks[0].DueAt)
}

func TestGeneratePlan_WorkdayStartProducesRanges(t *testing.T) {
	start := midnight(2026, time.October, 14)
	due := start.Add(48 * time.Hour)
	workday := 9 * time.Hour
	in := planInput([]calendar.Section{section("ch1", 4), section("ch2", 6)}, start, due, 5)
	in.WorkdayStart = &workday

	sched, err := calendar.GeneratePlan(in)
	require.NoError(t, err)

	first, second := sched.Tasks[0], sched.Tasks[1]
	require.NotNil(t, first.StartsAt)
	require.NotNil(t, first.EndsAt)
	assert.Equal(t, time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC), *first.StartsAt)
	assert.Equal(t, time.Date(2026, 10, 14, 13, 0, 0, 0, time.UTC), *first.EndsAt)
	assert.Equal(t, time.Date(2026, 10, 14, 13, 0, 0, 0, time.UTC), *second.StartsAt)
	assert.Equal(t, time.Date(2026, 10, 15, 14, 0, 0, 0, time.UTC), *second.EndsAt)
	assert.Equal(t, *second.EndsAt, *second.DueAt)
}

func TestGeneratePlan_Deterministic(t *testing.T) {
	start := midnight(2026, time.January, 5)
	due := start.Add(5 * 24 * time.Hour)
	in := planInput([]calendar.Section{section("a", 3), section("b", 3), section("c", 7)}, start, due, 2)

	first, err := calendar.GeneratePlan(in)
	require.NoError(t, err)
	second, err := calendar.GeneratePlan(in)
	require.NoError(t, err)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	assert.JSONEq(t, string(a), string(b))
}

func TestGeneratePlan_InvalidInput(t *testing.T) {
	start := midnight(2026, time.January, 5)
	due := start.Add(24 * time.Hour)
	nine := 9 * time.Hour

	tests := []struct {
		name  string
		in    calendar.PlanInput
		field string
	}{
		{"empty outline", planInput(nil, start, due, 2), "outline"},
		{"blank label", planInput([]calendar.Section{section("  ", 1)}, start, due, 2), "outline[0].label"},
		{"zero weight", planInput([]calendar.Section{section("a", 0)}, start, due, 2), "outline[0].hours"},
		{"negative weight", planInput([]calendar.Section{section("a", -1)}, start, due, 2), "outline[0].hours"},
		{"zero capacity", planInput([]calendar.Section{section("a", 1)}, start, due, 0), "daily_capacity"},
		{"due before start", planInput([]calendar.Section{section("a", 1)}, due, start, 2), "due_date"},
		{"due equals start", planInput([]calendar.Section{section("a", 1)}, start, start, 2), "due_date"},
		{"workday past midnight", func() calendar.PlanInput {
			in := planInput([]calendar.Section{section("a", 1)}, start, due, 16)
			in.WorkdayStart = &nine
			return in
		}(), "workday_start"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := calendar.GeneratePlan(tt.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, calendar.ErrInvalidScheduleInput))

			var inputErr *calendar.ScheduleInputError
			require.ErrorAs(t, err, &inputErr)
			assert.Equal(t, tt.field, inputErr.Field)
		})
	}
}

// =============================================================================
// OUTLINE HELPERS
// =============================================================================

func TestParseOutline_SplitsCompoundLines(t *testing.T) {
	sections := calendar.ParseOutline([]string{
		"Limits - Derivatives",
		"  ",
		"Integrals|Series | ",
		"Review",
	}, hours(2))

	labels := make([]string, 0, len(sections))
	for _, s := range sections {
		labels = append(labels, s.Label)
		assert.True(t, s.Hours.Equal(hours(2)))
	}
	assert.Equal(t, []string{"Limits", "Derivatives", "Integrals", "Series", "Review"}, labels)
}

func TestParseAllocation(t *testing.T) {
	loads, err := calendar.ParseAllocation("2026-10-14=1,2026-10-15=5.5")
	require.NoError(t, err)
	require.Len(t, loads, 2)
	assert.Equal(t, calendar.Day{Year: 2026, Month: time.October, Day: 15}, loads[1].Day)
	assert.Equal(t, "5.5", loads[1].Hours.String())

	empty, err := calendar.ParseAllocation("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = calendar.ParseAllocation("2026-10-14")
	assert.ErrorIs(t, err, calendar.ErrInvalidInput)
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "linear-algebra", calendar.Slug("Linear Algebra"))
	assert.Equal(t, "cs-101-final", calendar.Slug("  CS 101: Final! "))
	assert.Equal(t, "", calendar.Slug("!!!"))
}

func TestFormatAllocation_ReadsBack(t *testing.T) {
	loads := []calendar.DayLoad{
		{Day: calendar.Day{Year: 2026, Month: time.October, Day: 14}, Hours: hours(1)},
		{Day: calendar.Day{Year: 2026, Month: time.October, Day: 15}, Hours: hours(2.25)},
	}

	text := calendar.FormatAllocation(loads)

	assert.Equal(t, "2026-10-14=1,2026-10-15=2.25", text)
	back, err := calendar.ParseAllocation(text)
	require.NoError(t, err)
	assert.Equal(t, loads[1].Day, back[1].Day)
	assert.True(t, loads[1].Hours.Equal(back[1].Hours))
}
