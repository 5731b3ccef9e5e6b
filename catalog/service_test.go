package catalog_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/calm-planner/cachesync"
	"github.com/warp/calm-planner/calendar"
	"github.com/warp/calm-planner/calendar/store"
	"github.com/warp/calm-planner/catalog"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const owner calendar.UserID = "user-1"

var now = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

type env struct {
	clock    *calendar.FixedClock
	backend  *store.Memory
	journal  *calendar.MemoryHistoryLog
	entities *calendar.EntityStore
	history  *calendar.HistoryStore
	sync     *cachesync.Synchronizer
	svc      *catalog.Service
	reg      *catalog.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	var mu sync.Mutex
	e := &env{
		clock:    calendar.NewFixedClock(now),
		backend:  store.NewMemory(),
		journal:  calendar.NewMemoryHistoryLog(),
		entities: calendar.NewEntityStore(time.UTC),
	}
	e.history = calendar.NewHistoryStore(e.journal, e.clock)
	e.sync = cachesync.New(cachesync.Config{
		Owner:    owner,
		Backend:  e.backend,
		Entities: e.entities,
		History:  e.history,
		Lock:     &mu,
		Clock:    e.clock,
	})
	n := 0
	e.svc = catalog.New(catalog.Config{
		Owner:    owner,
		Entities: e.entities,
		History:  e.history,
		Sync:     e.sync,
		Lock:     &mu,
		Clock:    e.clock,
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
	})
	e.reg = catalog.NewRegistry(e.svc)
	return e
}

func str(s string) *string { return &s }

func hours(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func (e *env) event(t *testing.T, title, due string) calendar.Task {
	t.Helper()
	res, err := e.svc.UpsertEvent(context.Background(), catalog.UpsertEventRequest{Title: str(title), DueAt: str(due)})
	require.NoError(t, err)
	return res.Event
}

// farDay lies beyond the mirrored window around now.
const farDay = "2028-06-01"

// settle pushes every pending write and re-hydrates, which evicts whatever
// lies outside the window.
func (e *env) settle(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.sync.FlushAll(ctx))
	require.NoError(t, e.sync.HydrateAround(ctx, now))
}

func (e *env) remote(t *testing.T, key calendar.Key) (calendar.Entity, bool) {
	t.Helper()
	got, err := e.backend.Get(context.Background(), owner, key)
	if calendar.IsNotFound(err) {
		return calendar.Entity{}, false
	}
	require.NoError(t, err)
	return got, true
}

// =============================================================================
// PLANS
// =============================================================================

func TestGeneratePlan_TwoChaptersTwoDays(t *testing.T) {
	// GIVEN: Outline ch1=4h, ch2=6h due in two days at 5h per day
	e := newEnv(t)
	capacity := hours(5)

	// WHEN: Generating the plan
	res, err := e.svc.GeneratePlanFromOutline(context.Background(), catalog.GeneratePlanRequest{
		Subject:            "Linear Algebra",
		DueDate:            "2026-10-15",
		Sections:           []catalog.SectionInput{{Label: "ch1", Hours: hours(4)}, {Label: "ch2", Hours: hours(6)}},
		DailyCapacityHours: &capacity,
	})
	require.NoError(t, err)

	// THEN: Two tasks, both due by the end of day two
	require.Len(t, res.Tasks, 2)
	assert.Equal(t, time.Date(2026, 10, 14, 23, 59, 59, 0, time.UTC), *res.Tasks[0].DueAt)
	assert.Equal(t, time.Date(2026, 10, 15, 23, 59, 59, 0, time.UTC), *res.Tasks[1].DueAt)
	for _, d := range res.Days {
		assert.True(t, d.Hours.LessThanOrEqual(capacity), "day %s over capacity", d.Day)
	}

	// AND: The subject is stored with its schedule
	sub, ok := e.entities.Subject("linear-algebra")
	require.True(t, ok)
	assert.Equal(t, []calendar.EntityID{"linear-algebra-1", "linear-algebra-2"}, sub.TaskIDs)
	assert.False(t, sub.DueAt.Before(*res.Tasks[1].DueAt))

	// AND: One history entry covers the subject and both tasks
	assert.Equal(t, 1, e.history.Len())
	last, _ := e.history.Last()
	assert.Equal(t, calendar.ActionGeneratePlan, last.Action)
	assert.Len(t, last.Pre, 3)
	assert.Equal(t, last.ID, res.HistoryID)
}

func TestGeneratePlan_TaskListedOnItsAllocationDay(t *testing.T) {
	// GIVEN: A plan whose first chapter fits entirely on today
	e := newEnv(t)
	capacity := hours(5)
	_, err := e.svc.GeneratePlanFromOutline(context.Background(), catalog.GeneratePlanRequest{
		Subject:            "Optics",
		DueDate:            "2026-10-16",
		Sections:           []catalog.SectionInput{{Label: "lenses", Hours: hours(3)}, {Label: "mirrors", Hours: hours(4)}},
		DailyCapacityHours: &capacity,
	})
	require.NoError(t, err)

	// WHEN: Listing today and tomorrow
	today, err := e.svc.EventsForDay("2026-10-14")
	require.NoError(t, err)
	tomorrow, err := e.svc.EventsForDay("2026-10-15")
	require.NoError(t, err)

	// THEN: Each chapter shows on the day its last hour lands on
	require.Len(t, today, 1)
	assert.Equal(t, calendar.EntityID("optics-1"), today[0].ID)
	require.Len(t, tomorrow, 1)
	assert.Equal(t, calendar.EntityID("optics-2"), tomorrow[0].ID)
	require.NoError(t, e.entities.CheckIndexes())
}

func TestGeneratePlan_RegenerateReplacesGeneratedTasks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.svc.GeneratePlanFromOutline(ctx, catalog.GeneratePlanRequest{
		Subject: "History", DueDate: "2026-10-20", Outline: []string{"Rome - Greece - Egypt"},
	})
	require.NoError(t, err)

	// AND: A hand-made task linked to the subject
	_, err = e.svc.UpsertEvent(ctx, catalog.UpsertEventRequest{Title: str("Museum visit"), DueAt: str("2026-10-18"), SubjectID: str("history")})
	require.NoError(t, err)

	// WHEN: Regenerating with a shorter outline
	res, err := e.svc.GeneratePlanFromOutline(ctx, catalog.GeneratePlanRequest{
		Subject: "History", DueDate: "2026-10-20", Outline: []string{"Rome"},
	})
	require.NoError(t, err)

	// THEN: Old generated tasks are gone, the hand-made one stays linked
	assert.Equal(t, []calendar.EntityID{"history-2", "history-3"}, res.Removed)
	_, ok := e.entities.Task("history-3")
	assert.False(t, ok)
	sub, _ := e.entities.Subject("history")
	assert.Equal(t, []calendar.EntityID{"history-1", "id-1"}, sub.TaskIDs)
	require.NoError(t, e.entities.CheckIndexes())
}

func TestGeneratePlan_RegenerateReplacesTasksOutsideWindow(t *testing.T) {
	// GIVEN: A plan far in the future, flushed and evicted from the mirror
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.svc.GeneratePlanFromOutline(ctx, catalog.GeneratePlanRequest{
		Subject: "Geology", StartDate: "2028-05-01", DueDate: "2028-05-10", Outline: []string{"Rocks", "Soil", "Water"},
	})
	require.NoError(t, err)
	e.settle(t)
	_, ok := e.entities.Task("geology-2")
	require.False(t, ok)

	// WHEN: Regenerating with one section
	res, err := e.svc.GeneratePlanFromOutline(ctx, catalog.GeneratePlanRequest{
		Subject: "Geology", StartDate: "2028-05-01", DueDate: "2028-05-10", Outline: []string{"Rocks"},
	})
	require.NoError(t, err)

	// THEN: The evicted tasks of the old plan are replaced too
	assert.Equal(t, []calendar.EntityID{"geology-2", "geology-3"}, res.Removed)
	require.NoError(t, e.sync.FlushAll(ctx))
	_, ok = e.remote(t, calendar.TaskKey("geology-3"))
	assert.False(t, ok)
	first, ok := e.remote(t, calendar.TaskKey("geology-1"))
	require.True(t, ok)
	assert.Equal(t, "Rocks", first.Task.Title)
	assert.Empty(t, e.sync.State().Conflicts)
	sub, _ := e.entities.Subject("geology")
	assert.Equal(t, []calendar.EntityID{"geology-1"}, sub.TaskIDs)
}

func TestGeneratePlan_InvalidInputTouchesNothing(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.GeneratePlanFromOutline(context.Background(), catalog.GeneratePlanRequest{
		Subject: "Chemistry", DueDate: "2026-10-01", Outline: []string{"Atoms"},
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, calendar.ErrInvalidScheduleInput))
	assert.Zero(t, e.history.Len())
	assert.Zero(t, e.entities.Len())
}

func TestGenerateReviewPlan_DoesNotMutate(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.GeneratePlanFromOutline(context.Background(), catalog.GeneratePlanRequest{
		Subject: "Biology", DueDate: "2026-10-16", Outline: []string{"Cells", "Genes"},
	})
	require.NoError(t, err)
	before := e.entities.Len()

	res, err := e.svc.GenerateReviewPlanForSubject(catalog.ReviewPlanRequest{Subject: "Biology", DueDate: "2026-10-25"})

	require.NoError(t, err)
	require.Len(t, res.Tasks, 2)
	assert.Equal(t, calendar.EntityID("biology-review-1"), res.Tasks[0].ID)
	assert.Equal(t, "Cells", res.Tasks[0].Title)
	assert.Equal(t, before, e.entities.Len())
	assert.Equal(t, 1, e.history.Len())
}

// =============================================================================
// EVENTS
// =============================================================================

func TestUpsertEvent_CreateThenPartialUpdate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	created, err := e.svc.UpsertEvent(ctx, catalog.UpsertEventRequest{
		Title: str("Dentist"), StartsAt: str("2026-10-15T10:00:00Z"), EndsAt: str("2026-10-15T11:00:00Z"), Location: str("Main St"),
	})
	require.NoError(t, err)
	assert.True(t, created.Created)
	assert.Equal(t, calendar.EntityID("id-1"), created.Event.ID)

	updated, err := e.svc.UpsertEvent(ctx, catalog.UpsertEventRequest{ID: "id-1", Title: str("Dentist (moved)"), EndsAt: str("")})
	require.NoError(t, err)
	assert.False(t, updated.Created)
	assert.Equal(t, "Dentist (moved)", updated.Event.Title)
	assert.Equal(t, "Main St", updated.Event.Location)
	assert.Nil(t, updated.Event.EndsAt)

	day, err := e.svc.EventsForDay("2026-10-15")
	require.NoError(t, err)
	require.Len(t, day, 1)
	assert.Equal(t, 2, e.history.Len())
}

func TestUpsertEvent_RevisionMismatchIsStale(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ev := e.event(t, "Essay", "2026-10-20")
	require.NoError(t, e.sync.FlushAll(ctx))
	mirrored, _ := e.entities.Task(ev.ID)
	require.Equal(t, calendar.Revision(1), mirrored.Revision)

	stale := calendar.Revision(0)
	_, err := e.svc.UpsertEvent(ctx, catalog.UpsertEventRequest{ID: string(ev.ID), Title: str("Essay v2"), Revision: &stale})

	require.Error(t, err)
	assert.True(t, calendar.IsConflict(err))
	got, _ := e.entities.Task(ev.ID)
	assert.Equal(t, "Essay", got.Title)

	current := calendar.Revision(1)
	_, err = e.svc.UpsertEvent(ctx, catalog.UpsertEventRequest{ID: string(ev.ID), Title: str("Essay v2"), Revision: &current})
	require.NoError(t, err)
}

func TestUpsertEvent_Validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  catalog.UpsertEventRequest
		is   error
	}{
		{"missing title", catalog.UpsertEventRequest{DueAt: str("2026-10-20")}, calendar.ErrInvalidInput},
		{"no time", catalog.UpsertEventRequest{Title: str("x")}, calendar.ErrInvalidInput},
		{"bad time", catalog.UpsertEventRequest{Title: str("x"), DueAt: str("next tuesday")}, calendar.ErrInvalidInput},
		{"overdue status", catalog.UpsertEventRequest{Title: str("x"), DueAt: str("2026-10-20"), Status: str("overdue")}, calendar.ErrInvalidInput},
		{"end before start", catalog.UpsertEventRequest{Title: str("x"), StartsAt: str("2026-10-20T10:00:00Z"), EndsAt: str("2026-10-20T09:00:00Z")}, calendar.ErrInvalidInput},
		{"unknown category", catalog.UpsertEventRequest{Title: str("x"), DueAt: str("2026-10-20"), CategoryID: str("nope")}, calendar.ErrEntityNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.UpsertEvent(ctx, tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.is)
		})
	}
	assert.Zero(t, e.history.Len())
	assert.Zero(t, e.sync.Dirty().Len())
}

func TestStatusNotesAndOverdue(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	late := e.event(t, "Late report", "2026-10-13")
	soon := e.event(t, "Reading", "2026-10-16")
	e.event(t, "Later", "2026-11-30")

	// Past due and not done reads as overdue
	overdue := e.svc.ListOverdueTasks()
	require.Len(t, overdue, 1)
	assert.Equal(t, late.ID, overdue[0].ID)
	assert.Equal(t, calendar.StatusOverdue, overdue[0].Status)

	within, err := e.svc.ListTasksDueWithin(3)
	require.NoError(t, err)
	require.Len(t, within.Tasks, 1)
	assert.Equal(t, soon.ID, within.Tasks[0].ID)
	assert.Equal(t, "2026-10-17", within.End)

	_, err = e.svc.UpdateEventStatus(ctx, string(late.ID), "done")
	require.NoError(t, err)
	assert.Empty(t, e.svc.ListOverdueTasks())

	_, err = e.svc.AddNoteToEvent(ctx, string(soon.ID), "chapter 3")
	require.NoError(t, err)
	res, err := e.svc.AddNoteToEvent(ctx, string(soon.ID), "chapter 4")
	require.NoError(t, err)
	assert.Equal(t, "chapter 3\nchapter 4", res.Event.Notes)

	_, err = e.svc.UpdateEventStatus(ctx, string(soon.ID), "overdue")
	assert.ErrorIs(t, err, calendar.ErrInvalidInput)
	_, err = e.svc.UpdateEventStatus(ctx, "missing", "done")
	assert.True(t, calendar.IsNotFound(err))
}

func TestDeleteEvent_UnlinksSubject(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.svc.GeneratePlanFromOutline(ctx, catalog.GeneratePlanRequest{
		Subject: "Physics", DueDate: "2026-10-18", Outline: []string{"Motion", "Energy"},
	})
	require.NoError(t, err)

	_, err = e.svc.DeleteEvent(ctx, "physics-1")
	require.NoError(t, err)

	sub, _ := e.entities.Subject("physics")
	assert.Equal(t, []calendar.EntityID{"physics-2"}, sub.TaskIDs)
	_, err = e.svc.DeleteEvent(ctx, "physics-1")
	assert.True(t, calendar.IsNotFound(err))
}

// =============================================================================
// CATEGORIES
// =============================================================================

func TestDeleteCategory_CascadesInOneEntry(t *testing.T) {
	// GIVEN: A category used by two events
	e := newEnv(t)
	ctx := context.Background()
	cat, err := e.svc.UpsertCategory(ctx, catalog.UpsertCategoryRequest{Name: str("School"), Color: str("#3366ff")})
	require.NoError(t, err)
	a, err := e.svc.UpsertEvent(ctx, catalog.UpsertEventRequest{Title: str("A"), DueAt: str("2026-10-20"), CategoryID: str(string(cat.Category.ID))})
	require.NoError(t, err)
	b, err := e.svc.UpsertEvent(ctx, catalog.UpsertEventRequest{Title: str("B"), DueAt: str("2026-10-21"), CategoryID: str(string(cat.Category.ID))})
	require.NoError(t, err)
	entriesBefore := e.history.Len()

	// WHEN: Deleting the category
	res, err := e.svc.DeleteCategory(ctx, string(cat.Category.ID))
	require.NoError(t, err)

	// THEN: Both events lose the reference, in the same history entry
	assert.ElementsMatch(t, []calendar.EntityID{a.Event.ID, b.Event.ID}, res.Cleared)
	for _, id := range res.Cleared {
		task, _ := e.entities.Task(id)
		assert.Empty(t, task.CategoryID)
	}
	assert.Empty(t, e.entities.TasksByCategory(cat.Category.ID))
	assert.Empty(t, e.svc.ListCategories())
	assert.Equal(t, entriesBefore+1, e.history.Len())
	last, _ := e.history.Last()
	assert.Len(t, last.Pre, 3)

	// AND: Reverting restores the category and both references
	_, err = e.svc.RevertToHistoryEntry(ctx, int64(res.HistoryID))
	require.NoError(t, err)
	assert.Len(t, e.entities.TasksByCategory(cat.Category.ID), 2)
	assert.Len(t, e.svc.ListCategories(), 1)
}

func TestDeleteCategory_ClearsEventsOutsideWindow(t *testing.T) {
	// GIVEN: A category used by a near event and an evicted far one
	e := newEnv(t)
	ctx := context.Background()
	cat, err := e.svc.UpsertCategory(ctx, catalog.UpsertCategoryRequest{Name: str("Trips")})
	require.NoError(t, err)
	catID := str(string(cat.Category.ID))
	near, err := e.svc.UpsertEvent(ctx, catalog.UpsertEventRequest{Title: str("Pack"), DueAt: str("2026-10-20"), CategoryID: catID})
	require.NoError(t, err)
	far, err := e.svc.UpsertEvent(ctx, catalog.UpsertEventRequest{Title: str("Fly"), DueAt: str(farDay), CategoryID: catID})
	require.NoError(t, err)
	e.settle(t)
	_, ok := e.entities.Task(far.Event.ID)
	require.False(t, ok)

	// WHEN: Deleting the category
	res, err := e.svc.DeleteCategory(ctx, string(cat.Category.ID))
	require.NoError(t, err)
	require.NoError(t, e.sync.FlushAll(ctx))

	// THEN: Both events are cleared, remotely as well
	assert.ElementsMatch(t, []calendar.EntityID{near.Event.ID, far.Event.ID}, res.Cleared)
	remote, ok := e.remote(t, calendar.TaskKey(far.Event.ID))
	require.True(t, ok)
	assert.Empty(t, remote.Task.CategoryID)
	_, ok = e.remote(t, calendar.CategoryKey(cat.Category.ID))
	assert.False(t, ok)
	assert.Empty(t, e.sync.State().Conflicts)
}

func TestDeleteCategory_BackendUnreachableChangesNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cat, err := e.svc.UpsertCategory(ctx, catalog.UpsertCategoryRequest{Name: str("Home")})
	require.NoError(t, err)
	before := e.history.Len()
	e.backend.FailNext(errors.New("connection refused"))

	_, err = e.svc.DeleteCategory(ctx, string(cat.Category.ID))

	require.Error(t, err)
	assert.True(t, calendar.IsRetryable(err))
	assert.Len(t, e.svc.ListCategories(), 1)
	assert.Equal(t, before, e.history.Len())
}

func TestUpsertCategory_UniqueName(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	first, err := e.svc.UpsertCategory(ctx, catalog.UpsertCategoryRequest{Name: str("Work")})
	require.NoError(t, err)

	_, err = e.svc.UpsertCategory(ctx, catalog.UpsertCategoryRequest{Name: str("work")})
	assert.ErrorIs(t, err, calendar.ErrDuplicateName)
	assert.True(t, calendar.IsClientError(err))

	// Renaming itself is fine
	_, err = e.svc.UpsertCategory(ctx, catalog.UpsertCategoryRequest{ID: string(first.Category.ID), Name: str("WORK"), Icon: str("briefcase")})
	require.NoError(t, err)
	cats := e.svc.ListCategories()
	require.Len(t, cats, 1)
	assert.Equal(t, "WORK", cats[0].Name)
	assert.Equal(t, "briefcase", cats[0].Icon)
}

// =============================================================================
// SUBJECTS
// =============================================================================

func TestDeleteSubject_KeepOrRemoveTasks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, name := range []string{"Art", "Music"} {
		_, err := e.svc.GeneratePlanFromOutline(ctx, catalog.GeneratePlanRequest{
			Subject: name, DueDate: "2026-10-18", Outline: []string{"one", "two"},
		})
		require.NoError(t, err)
	}
	_, err := e.svc.UpdateEventStatus(ctx, "art-1", "done")
	require.NoError(t, err)

	subjects := e.svc.ListSubjects()
	require.Len(t, subjects, 2)
	for _, sum := range subjects {
		assert.Equal(t, 2, sum.TaskCount)
		if sum.ID == "art" {
			assert.Equal(t, 1, sum.DoneCount)
		}
	}

	kept, err := e.svc.DeleteSubject(ctx, "art", false)
	require.NoError(t, err)
	assert.Len(t, kept.Detached, 2)
	task, ok := e.entities.Task("art-1")
	require.True(t, ok)
	assert.Empty(t, task.SubjectID)

	removed, err := e.svc.DeleteSubject(ctx, "music", true)
	require.NoError(t, err)
	assert.Len(t, removed.Removed, 2)
	_, ok = e.entities.Task("music-1")
	assert.False(t, ok)
	assert.Empty(t, e.svc.ListSubjects())
	require.NoError(t, e.entities.CheckIndexes())
}

func TestDeleteSubject_RemovesTasksOutsideWindow(t *testing.T) {
	// GIVEN: A far plan plus a hand-made far task, all evicted
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.svc.GeneratePlanFromOutline(ctx, catalog.GeneratePlanRequest{
		Subject: "Latin", StartDate: "2028-05-01", DueDate: "2028-05-10", Outline: []string{"Nouns", "Verbs"},
	})
	require.NoError(t, err)
	extra, err := e.svc.UpsertEvent(ctx, catalog.UpsertEventRequest{Title: str("Oral exam"), DueAt: str(farDay), SubjectID: str("latin")})
	require.NoError(t, err)
	e.settle(t)
	require.Empty(t, e.entities.TasksBySubject("latin"))

	// WHEN: Deleting the subject with its tasks
	res, err := e.svc.DeleteSubject(ctx, "latin", true)
	require.NoError(t, err)
	require.NoError(t, e.sync.FlushAll(ctx))

	// THEN: Every task is gone remotely
	assert.ElementsMatch(t, []calendar.EntityID{"latin-1", "latin-2", extra.Event.ID}, res.Removed)
	for _, id := range res.Removed {
		_, ok := e.remote(t, calendar.TaskKey(id))
		assert.False(t, ok, "task %s still stored", id)
	}
	_, ok := e.remote(t, calendar.SubjectKey("latin"))
	assert.False(t, ok)
}

// =============================================================================
// HISTORY
// =============================================================================

func TestRevert_ChainThroughCatalog(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ev := e.event(t, "Draft", "2026-10-20")
	edit, err := e.svc.UpsertEvent(ctx, catalog.UpsertEventRequest{ID: string(ev.ID), Title: str("Final")})
	require.NoError(t, err)

	// WHEN: Reverting the edit
	rev, err := e.svc.RevertToHistoryEntry(ctx, int64(edit.HistoryID))
	require.NoError(t, err)
	got, _ := e.entities.Task(ev.ID)
	assert.Equal(t, "Draft", got.Title)

	entry, err := e.svc.GetHistoryEntry(int64(rev.HistoryID))
	require.NoError(t, err)
	assert.Equal(t, calendar.ActionRevert, entry.Action)
	assert.Equal(t, edit.HistoryID.String(), entry.Metadata["reverted_entry"])

	// AND: Reverting the revert
	_, err = e.svc.RevertToHistoryEntry(ctx, int64(rev.HistoryID))
	require.NoError(t, err)
	got, _ = e.entities.Task(ev.ID)
	assert.Equal(t, "Final", got.Title)

	// AND: Reverting the creation deletes it
	_, err = e.svc.RevertToHistoryEntry(ctx, 1)
	require.NoError(t, err)
	_, ok := e.entities.Task(ev.ID)
	assert.False(t, ok)

	_, err = e.svc.RevertToHistoryEntry(ctx, 99)
	assert.True(t, calendar.IsNotFound(err))
}

func TestRevert_EntityOutsideWindow(t *testing.T) {
	// GIVEN: A far event created then renamed, flushed and evicted
	e := newEnv(t)
	ctx := context.Background()
	ev := e.event(t, "Far", farDay)
	_, err := e.svc.UpsertEvent(ctx, catalog.UpsertEventRequest{ID: string(ev.ID), Title: str("Farther")})
	require.NoError(t, err)
	e.settle(t)
	_, ok := e.entities.Task(ev.ID)
	require.False(t, ok)

	// WHEN: Reverting the rename
	res, err := e.svc.RevertToHistoryEntry(ctx, 2)
	require.NoError(t, err)

	// THEN: The revert is recorded and reaches the backend
	assert.NotZero(t, res.HistoryID)
	require.Len(t, res.Applied, 1)
	require.NotNil(t, res.Applied[0].State)
	assert.Equal(t, "Far", res.Applied[0].State.Task.Title)
	require.NoError(t, e.sync.FlushAll(ctx))
	remote, ok := e.remote(t, calendar.TaskKey(ev.ID))
	require.True(t, ok)
	assert.Equal(t, "Far", remote.Task.Title)

	// AND: Reverting the creation once evicted again deletes it remotely
	require.NoError(t, e.sync.HydrateAround(ctx, now))
	_, err = e.svc.RevertToHistoryEntry(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, e.sync.FlushAll(ctx))
	_, ok = e.remote(t, calendar.TaskKey(ev.ID))
	assert.False(t, ok)
	assert.Empty(t, e.sync.State().Conflicts)
}

func TestRevert_NothingToChangeRecordsNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ev := e.event(t, "Short lived", "2026-10-20")
	_, err := e.svc.DeleteEvent(ctx, string(ev.ID))
	require.NoError(t, err)

	res, err := e.svc.RevertToHistoryEntry(ctx, 1)

	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Zero(t, res.HistoryID)
	assert.Equal(t, 2, e.history.Len())
}

func TestRevert_DetachesFromDeletedCategory(t *testing.T) {
	// GIVEN: An event renamed while in a category that is deleted later
	e := newEnv(t)
	ctx := context.Background()
	cat, err := e.svc.UpsertCategory(ctx, catalog.UpsertCategoryRequest{Name: str("Errands")})
	require.NoError(t, err)
	ev, err := e.svc.UpsertEvent(ctx, catalog.UpsertEventRequest{Title: str("Bank"), DueAt: str("2026-10-20"), CategoryID: str(string(cat.Category.ID))})
	require.NoError(t, err)
	rename, err := e.svc.UpsertEvent(ctx, catalog.UpsertEventRequest{ID: string(ev.Event.ID), Title: str("Post office")})
	require.NoError(t, err)
	_, err = e.svc.DeleteCategory(ctx, string(cat.Category.ID))
	require.NoError(t, err)

	// WHEN: Reverting the rename
	_, err = e.svc.RevertToHistoryEntry(ctx, int64(rename.HistoryID))
	require.NoError(t, err)

	// THEN: The title comes back without the dangling category
	got, _ := e.entities.Task(ev.Event.ID)
	assert.Equal(t, "Bank", got.Title)
	assert.Empty(t, got.CategoryID)
	require.NoError(t, e.entities.CheckIndexes())
}

func TestHistoryWriteFailure_RollsBack(t *testing.T) {
	// GIVEN: An event and a journal that fails next
	e := newEnv(t)
	ctx := context.Background()
	ev := e.event(t, "Keep me", "2026-10-20")
	require.NoError(t, e.sync.FlushAll(ctx))
	e.journal.FailNext(errors.New("disk full"))

	// WHEN: Editing it
	_, err := e.svc.UpsertEvent(ctx, catalog.UpsertEventRequest{ID: string(ev.ID), Title: str("Changed")})

	// THEN: The failure is reported and nothing changed
	require.Error(t, err)
	assert.ErrorIs(t, err, calendar.ErrHistoryWrite)
	got, _ := e.entities.Task(ev.ID)
	assert.Equal(t, "Keep me", got.Title)
	assert.Equal(t, 1, e.history.Len())
	assert.Zero(t, e.sync.Dirty().Len(), "nothing to propagate")
}

func TestListHistory_FiltersAndLimit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ev := e.event(t, "One", "2026-10-20")
	e.clock.Advance(time.Hour)
	_, err := e.svc.UpdateEventStatus(ctx, string(ev.ID), "in_progress")
	require.NoError(t, err)
	e.clock.Advance(time.Hour)
	_, err = e.svc.AddNoteToEvent(ctx, string(ev.ID), "n")
	require.NoError(t, err)

	all, err := e.svc.ListHistory(catalog.HistoryQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	recent, err := e.svc.ListHistory(catalog.HistoryQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, calendar.ActionUpdateStatus, recent[0].Action)

	statusOnly, err := e.svc.ListHistory(catalog.HistoryQuery{Actions: []string{"update_event_status"}})
	require.NoError(t, err)
	assert.Len(t, statusOnly, 1)

	later, err := e.svc.ListHistory(catalog.HistoryQuery{From: now.Add(90 * time.Minute).Format(time.RFC3339)})
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, calendar.ActionAddNote, later[0].Action)
}

// =============================================================================
// PROPAGATION
// =============================================================================

func TestMutations_ReachBackendWithHistory(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.backend.SaveProfile(calendar.Profile{ID: owner, Email: "me@example.com"})
	ev := e.event(t, "Sync me", "2026-10-20")
	_, err := e.svc.DeleteEvent(ctx, string(ev.ID))
	require.NoError(t, err)
	kept := e.event(t, "Stay", "2026-10-21")

	require.NoError(t, e.sync.FlushAll(ctx))

	_, err = e.backend.Get(ctx, owner, calendar.TaskKey(ev.ID))
	assert.True(t, calendar.IsNotFound(err))
	remote, err := e.backend.Get(ctx, owner, calendar.TaskKey(kept.ID))
	require.NoError(t, err)
	assert.Equal(t, "Stay", remote.Task.Title)
	assert.Equal(t, owner, remote.Task.OwnerID)
	history, err := e.backend.LoadHistory(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	p, err := e.svc.CurrentUserProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", p.Email)

	window, err := e.svc.RefreshTimeline(ctx)
	require.NoError(t, err)
	assert.Contains(t, window.Mirrored, calendar.TaskKey(kept.ID))
	assert.Empty(t, window.Dirty)
}
