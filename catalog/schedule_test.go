package catalog_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/calm-planner/calendar"
	"github.com/warp/calm-planner/catalog"
)

// =============================================================================
// DUE DATES AND RESCHEDULING
// =============================================================================

func TestUpdateEventDueDate_DateMeansEndOfDay(t *testing.T) {
	e := newEnv(t)
	ev := e.event(t, "Essay", "2026-10-20")

	res, err := e.svc.UpdateEventDueDate(context.Background(), string(ev.ID), "2026-10-22")

	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 22, 23, 59, 59, 0, time.UTC), *res.Event.DueAt)
	last, _ := e.history.Last()
	assert.Equal(t, calendar.ActionUpdateDueDate, last.Action)

	day, err := e.svc.EventsForDay("2026-10-22")
	require.NoError(t, err)
	assert.Len(t, day, 1)
}

func TestRescheduleEvent_KeepsTimesOfDay(t *testing.T) {
	// GIVEN: A two-hour session next Tuesday
	e := newEnv(t)
	ctx := context.Background()
	ev, err := e.svc.UpsertEvent(ctx, catalog.UpsertEventRequest{
		Title: str("Lab"), StartsAt: str("2026-10-20T10:00"), EndsAt: str("2026-10-20T12:00"),
	})
	require.NoError(t, err)
	id := string(ev.Event.ID)

	// WHEN: Moving it to today
	res, err := e.svc.RescheduleEvent(ctx, id, catalog.RescheduleToday)
	require.NoError(t, err)

	// THEN: Same hours, today
	assert.Equal(t, -6, res.ShiftedDays)
	assert.Equal(t, time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC), *res.Event.StartsAt)
	assert.Equal(t, time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC), *res.Event.EndsAt)
	assert.Equal(t, time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC), res.PreviousDue)

	// AND: Tomorrow and next week follow from there
	res, err = e.svc.RescheduleEvent(ctx, id, catalog.RescheduleTomorrow)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC), *res.Event.StartsAt)

	res, err = e.svc.RescheduleEvent(ctx, id, catalog.RescheduleNextWeek)
	require.NoError(t, err)
	assert.Equal(t, 7, res.ShiftedDays)
	assert.Equal(t, time.Date(2026, 10, 22, 12, 0, 0, 0, time.UTC), *res.Event.EndsAt)
	require.NoError(t, e.entities.CheckIndexes())
}

func TestRescheduleEvent_MovesPlannedAllocation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	capacity := hours(5)
	_, err := e.svc.GeneratePlanFromOutline(ctx, catalog.GeneratePlanRequest{
		Subject:            "Optics",
		DueDate:            "2026-10-16",
		Sections:           []catalog.SectionInput{{Label: "lenses", Hours: hours(3)}},
		DailyCapacityHours: &capacity,
	})
	require.NoError(t, err)

	res, err := e.svc.RescheduleEvent(ctx, "optics-1", catalog.RescheduleNextWeek)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 14, 23, 59, 59, 0, time.UTC), res.PreviousDue)

	sched, err := e.svc.DailyScheduleForTask(ctx, "optics-1")
	require.NoError(t, err)
	assert.True(t, sched.Planned)
	require.Len(t, sched.Days, 1)
	assert.Equal(t, "2026-10-21", sched.Days[0].Day.String())
	assert.True(t, sched.Days[0].Hours.Equal(hours(3)))
}

func TestRescheduleEvent_Errors(t *testing.T) {
	e := newEnv(t)
	ev := e.event(t, "Quiz", "2026-10-20")

	_, err := e.svc.RescheduleEvent(context.Background(), string(ev.ID), "someday")
	assert.ErrorIs(t, err, calendar.ErrInvalidInput)

	_, err = e.svc.RescheduleEvent(context.Background(), "missing", catalog.RescheduleToday)
	assert.True(t, calendar.IsNotFound(err))
	assert.Equal(t, 1, e.history.Len())
}

// =============================================================================
// DUPLICATION
// =============================================================================

func TestDuplicateEventToSubject(t *testing.T) {
	// GIVEN: A generated task and a second, empty subject
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.svc.GeneratePlanFromOutline(ctx, catalog.GeneratePlanRequest{
		Subject: "Physics", DueDate: "2026-10-18", Outline: []string{"Motion"},
	})
	require.NoError(t, err)
	_, err = e.svc.CreateSubject(ctx, "Chemistry", "", "")
	require.NoError(t, err)
	_, err = e.svc.UpdateEventStatus(ctx, "physics-1", "done")
	require.NoError(t, err)

	// WHEN: Copying it into the other subject
	res, err := e.svc.DuplicateEventToSubject(ctx, catalog.DuplicateEventRequest{ID: "physics-1", SubjectID: "chemistry", DueDate: "2026-10-30"})
	require.NoError(t, err)

	// THEN: A new pending task, linked into the target subject
	assert.Equal(t, calendar.EntityID("chemistry-id-1"), res.Event.ID)
	assert.Equal(t, calendar.EntityID("physics-1"), res.SourceID)
	assert.Equal(t, "Motion", res.Event.Title)
	assert.Equal(t, calendar.StatusPending, res.Event.Status)
	assert.Equal(t, calendar.EntityID("chemistry"), res.Event.SubjectID)
	assert.Equal(t, time.Date(2026, 10, 30, 23, 59, 59, 0, time.UTC), *res.Event.DueAt)
	assert.Empty(t, res.Event.Metadata[calendar.MetaPlanSection])
	sub, _ := e.entities.Subject("chemistry")
	assert.Equal(t, []calendar.EntityID{res.Event.ID}, sub.TaskIDs)

	// AND: The source is untouched
	src, _ := e.entities.Task("physics-1")
	assert.Equal(t, calendar.StatusDone, src.Status)

	_, err = e.svc.DuplicateEventToSubject(ctx, catalog.DuplicateEventRequest{ID: "physics-1", SubjectID: "nope", DueDate: "2026-10-30"})
	assert.True(t, calendar.IsNotFound(err))
}

// =============================================================================
// SUBJECTS
// =============================================================================

func TestCreateAndUpdateSubject(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	created, err := e.svc.CreateSubject(ctx, "Art History", "Renaissance to now", "#aa3300")
	require.NoError(t, err)
	assert.True(t, created.Created)
	assert.Equal(t, calendar.EntityID("art-history"), created.Subject.ID)

	_, err = e.svc.CreateSubject(ctx, "art history", "", "")
	assert.ErrorIs(t, err, calendar.ErrDuplicateName)

	out, err := e.reg.Call(ctx, "assign_subject_color", json.RawMessage(`{"id":"art-history","color":"#3366ff"}`))
	require.NoError(t, err)
	assert.Equal(t, "#3366ff", out.(catalog.SubjectResult).Subject.Color)

	_, err = e.reg.Call(ctx, "update_subject_description", json.RawMessage(`{"id":"art-history","description":"Baroque only"}`))
	require.NoError(t, err)

	// A plan for the same name fills the subject in and keeps its details
	_, err = e.svc.GeneratePlanFromOutline(ctx, catalog.GeneratePlanRequest{
		Subject: "Art History", DueDate: "2026-10-20", Outline: []string{"Caravaggio"},
	})
	require.NoError(t, err)
	sub, _ := e.entities.Subject("art-history")
	assert.Equal(t, "Baroque only", sub.Description)
	assert.Equal(t, "#3366ff", sub.Color)
	assert.Equal(t, []calendar.EntityID{"art-history-1"}, sub.TaskIDs)

	_, err = e.svc.UpdateSubject(ctx, catalog.UpdateSubjectRequest{ID: "missing", Color: str("red")})
	assert.True(t, calendar.IsNotFound(err))
}

// =============================================================================
// READS
// =============================================================================

func TestGetEventDetails_IncludesReferencesAndReachesBackend(t *testing.T) {
	// GIVEN: A far event in a category, evicted from the mirror
	e := newEnv(t)
	ctx := context.Background()
	cat, err := e.svc.UpsertCategory(ctx, catalog.UpsertCategoryRequest{Name: str("Travel")})
	require.NoError(t, err)
	far, err := e.svc.UpsertEvent(ctx, catalog.UpsertEventRequest{Title: str("Flight"), DueAt: str(farDay), CategoryID: str(string(cat.Category.ID))})
	require.NoError(t, err)
	e.settle(t)

	// WHEN: Asking for its details
	details, err := e.svc.GetEventDetails(ctx, string(far.Event.ID))
	require.NoError(t, err)

	// THEN: It is read from the backend and not mirrored
	assert.Equal(t, "Flight", details.Event.Title)
	require.NotNil(t, details.Category)
	assert.Equal(t, "Travel", details.Category.Name)
	assert.Nil(t, details.Subject)
	_, ok := e.entities.Task(far.Event.ID)
	assert.False(t, ok)

	_, err = e.svc.GetEventDetails(ctx, "missing")
	assert.True(t, calendar.IsNotFound(err))
}

func TestListPendingAndCompletedTasks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.event(t, "A", "2026-10-22")
	b := e.event(t, "B", "2026-10-21")
	c := e.event(t, "C", "2026-10-20")
	d := e.event(t, "D", "2026-10-19")
	_, err := e.svc.UpdateEventStatus(ctx, string(d.ID), "in_progress")
	require.NoError(t, err)

	e.clock.Advance(time.Hour)
	_, err = e.svc.UpdateEventStatus(ctx, string(a.ID), "done")
	require.NoError(t, err)
	e.clock.Advance(time.Hour)
	_, err = e.svc.UpdateEventStatus(ctx, string(c.ID), "done")
	require.NoError(t, err)

	pending := e.svc.ListPendingTasks()
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	done := e.svc.ListCompletedTasks()
	require.Len(t, done, 2)
	assert.Equal(t, []calendar.EntityID{c.ID, a.ID}, []calendar.EntityID{done[0].ID, done[1].ID})
}

func TestDailyScheduleForTask_SplitsHandMadeTasksEvenly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	est := hours(6)
	ev, err := e.svc.UpsertEvent(ctx, catalog.UpsertEventRequest{
		Title: str("Retreat"), StartsAt: str("2026-10-20T20:00"), EndsAt: str("2026-10-22T00:00"), EstimatedHours: &est,
	})
	require.NoError(t, err)

	sched, err := e.svc.DailyScheduleForTask(ctx, string(ev.Event.ID))

	require.NoError(t, err)
	assert.False(t, sched.Planned)
	require.Len(t, sched.Days, 2)
	assert.Equal(t, "2026-10-20", sched.Days[0].Day.String())
	assert.Equal(t, "2026-10-21", sched.Days[1].Day.String())
	assert.True(t, sched.Days[1].Hours.Equal(hours(3)))
}

// =============================================================================
// PLANNING INPUTS
// =============================================================================

func TestGeneratePlanFromDescription(t *testing.T) {
	e := newEnv(t)

	res, err := e.svc.GeneratePlanFromDescription(context.Background(), catalog.DescriptionPlanRequest{
		GeneratePlanRequest: catalog.GeneratePlanRequest{
			Subject: "Calculus", DueDate: "2026-10-25", Description: "Limits - Derivatives\nIntegrals",
		},
	})

	require.NoError(t, err)
	require.Len(t, res.Tasks, 3)
	assert.Equal(t, "Integrals", res.Tasks[2].Title)
	sub, _ := e.entities.Subject("calculus")
	assert.Equal(t, "Limits - Derivatives\nIntegrals", sub.Description)

	_, err = e.svc.GeneratePlanFromDescription(context.Background(), catalog.DescriptionPlanRequest{
		GeneratePlanRequest: catalog.GeneratePlanRequest{Subject: "Calculus", DueDate: "2026-10-25", Description: "  "},
	})
	assert.ErrorIs(t, err, calendar.ErrInvalidInput)
}

func TestGeneratePlanFromOutlineFile(t *testing.T) {
	// GIVEN: An outline file with a blank line and Windows line endings
	e := newEnv(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outline.txt")
	require.NoError(t, os.WriteFile(path, []byte("Cells\r\n\r\nGenes\r\n"), 0o600))

	// WHEN: Planning from it
	out, err := e.reg.Call(ctx, "generate_plan_from_outline_file",
		json.RawMessage(`{"subject":"Biology","due_date":"2026-10-20","path":`+quote(path)+`}`))
	require.NoError(t, err)

	// THEN: One task per non-empty line
	res := out.(catalog.PlanResult)
	require.Len(t, res.Tasks, 2)
	assert.Equal(t, "Genes", res.Tasks[1].Title)
}

func TestGeneratePlanFromOutlineFile_RejectsUnreadableInput(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	dir := t.TempDir()
	big := filepath.Join(dir, "big.txt")
	require.NoError(t, os.WriteFile(big, []byte(strings.Repeat("x", 1<<20+1)), 0o600))

	for _, path := range []string{filepath.Join(dir, "missing.txt"), big, ""} {
		_, err := e.svc.GeneratePlanFromOutlineFile(ctx, catalog.OutlineFilePlanRequest{
			GeneratePlanRequest: catalog.GeneratePlanRequest{Subject: "Biology", DueDate: "2026-10-20"},
			Path:                path,
		})
		assert.ErrorIs(t, err, calendar.ErrInvalidInput, path)
	}
	assert.Zero(t, e.history.Len())
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
