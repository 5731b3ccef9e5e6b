package calendar_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/calm-planner/calendar"
)

func dueTask(id string, due time.Time) calendar.Task {
	return calendar.Task{
		ID:     calendar.EntityID(id),
		Title:  "task " + id,
		DueAt:  calendar.TimePtr(due),
		Status: calendar.StatusPending,
	}
}

func rangedTask(id string, start, end time.Time) calendar.Task {
	return calendar.Task{
		ID:       calendar.EntityID(id),
		Title:    "event " + id,
		StartsAt: calendar.TimePtr(start),
		EndsAt:   calendar.TimePtr(end),
		Status:   calendar.StatusPending,
	}
}

func put(t *testing.T, s *calendar.EntityStore, entities ...calendar.Entity) {
	t.Helper()
	require.NoError(t, s.Apply(func(tx *calendar.Tx) error {
		for _, e := range entities {
			if err := tx.Put(e); err != nil {
				return err
			}
		}
		return nil
	}))
}

func ids(tasks []calendar.Task) []calendar.EntityID {
	out := make([]calendar.EntityID, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func TestEntityStore_DayIndexCoversRanges(t *testing.T) {
	// GIVEN: A three-day event and a task due on the middle day
	s := calendar.NewEntityStore(time.UTC)
	put(t, s,
		calendar.TaskEntity(rangedTask("trip", time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC), time.Date(2026, 4, 3, 12, 0, 0, 0, time.UTC))),
		calendar.TaskEntity(dueTask("essay", time.Date(2026, 4, 2, 17, 0, 0, 0, time.UTC))),
	)

	// THEN: Each day lists what covers it, ordered by anchor
	assert.Equal(t, []calendar.EntityID{"trip"}, ids(s.TasksForDay(calendar.Day{Year: 2026, Month: 4, Day: 1})))
	assert.Equal(t, []calendar.EntityID{"trip", "essay"}, ids(s.TasksForDay(calendar.Day{Year: 2026, Month: 4, Day: 2})))
	assert.Equal(t, []calendar.EntityID{"trip"}, ids(s.TasksForDay(calendar.Day{Year: 2026, Month: 4, Day: 3})))
	assert.Empty(t, s.TasksForDay(calendar.Day{Year: 2026, Month: 4, Day: 4}))
	require.NoError(t, s.CheckIndexes())
}

func TestEntityStore_DayIndexUsesLocation(t *testing.T) {
	// GIVEN: A store in a zone west of UTC
	loc := time.FixedZone("UTC-5", -5*3600)
	s := calendar.NewEntityStore(loc)
	put(t, s, calendar.TaskEntity(dueTask("late", time.Date(2026, 4, 2, 2, 0, 0, 0, time.UTC))))

	// THEN: 02:00 UTC belongs to the previous local day
	assert.Len(t, s.TasksForDay(calendar.Day{Year: 2026, Month: 4, Day: 1}), 1)
	assert.Empty(t, s.TasksForDay(calendar.Day{Year: 2026, Month: 4, Day: 2}))
}

func TestEntityStore_TasksBetweenIncludesOverlaps(t *testing.T) {
	s := calendar.NewEntityStore(time.UTC)
	put(t, s,
		calendar.TaskEntity(rangedTask("spans", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC))),
		calendar.TaskEntity(dueTask("before", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))),
		calendar.TaskEntity(dueTask("inside", time.Date(2026, 4, 5, 0, 0, 0, 0, time.UTC))),
		calendar.TaskEntity(dueTask("after", time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))),
	)

	got := s.TasksBetween(time.Date(2026, 4, 4, 0, 0, 0, 0, time.UTC), time.Date(2026, 4, 6, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, []calendar.EntityID{"spans", "inside"}, ids(got))
}

func TestEntityStore_MidnightEndStaysOnPreviousDay(t *testing.T) {
	// GIVEN: An event running until the midnight that opens April 2
	s := calendar.NewEntityStore(time.UTC)
	put(t, s, calendar.TaskEntity(rangedTask("evening",
		time.Date(2026, 4, 1, 20, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC))))

	// THEN: It files under April 1 only
	assert.Len(t, s.TasksForDay(calendar.Day{Year: 2026, Month: 4, Day: 1}), 1)
	assert.Empty(t, s.TasksForDay(calendar.Day{Year: 2026, Month: 4, Day: 2}))
	assert.Empty(t, s.TasksBetween(time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC), time.Date(2026, 4, 2, 23, 0, 0, 0, time.UTC)))
	require.NoError(t, s.CheckIndexes())
}

func TestTask_ValidateCapsSpan(t *testing.T) {
	// GIVEN: An event stretching three years
	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	task := rangedTask("forever", start, start.AddDate(3, 0, 0))

	// WHEN: It is validated and offered to the store
	err := task.Validate()
	putErr := calendar.NewEntityStore(time.UTC).Apply(func(tx *calendar.Tx) error {
		return tx.Put(calendar.TaskEntity(task))
	})

	// THEN: Both reject it on the end field
	var verr *calendar.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "ends_at", verr.Field)
	require.ErrorAs(t, putErr, &verr)

	// AND: A one-year event is fine
	assert.NoError(t, rangedTask("year", start, start.AddDate(1, 0, 0)).Validate())
}

func TestEntityStore_ReplaceMovesIndexes(t *testing.T) {
	// GIVEN: A task in category "math" due Monday
	s := calendar.NewEntityStore(time.UTC)
	task := dueTask("t1", time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC))
	task.CategoryID = "math"
	put(t, s, calendar.TaskEntity(task))

	// WHEN: It is moved to Tuesday and re-categorized
	task.DueAt = calendar.TimePtr(time.Date(2026, 4, 7, 9, 0, 0, 0, time.UTC))
	task.CategoryID = "physics"
	put(t, s, calendar.TaskEntity(task))

	// THEN: No index still points at the old position
	assert.Empty(t, s.TasksForDay(calendar.Day{Year: 2026, Month: 4, Day: 6}))
	assert.Len(t, s.TasksForDay(calendar.Day{Year: 2026, Month: 4, Day: 7}), 1)
	assert.Empty(t, s.TasksByCategory("math"))
	assert.Len(t, s.TasksByCategory("physics"), 1)
	require.NoError(t, s.CheckIndexes())
}

func TestEntityStore_DeleteClearsIndexes(t *testing.T) {
	s := calendar.NewEntityStore(time.UTC)
	task := dueTask("t1", time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC))
	task.CategoryID = "math"
	task.SubjectID = "calc"
	put(t, s, calendar.TaskEntity(task))

	require.NoError(t, s.Apply(func(tx *calendar.Tx) error {
		assert.True(t, tx.Delete(calendar.TaskKey("t1")))
		assert.False(t, tx.Delete(calendar.TaskKey("t1")))
		return nil
	}))

	_, ok := s.Task("t1")
	assert.False(t, ok)
	assert.Empty(t, s.TasksByCategory("math"))
	assert.Empty(t, s.TasksBySubject("calc"))
	assert.Empty(t, s.Tasks())
	require.NoError(t, s.CheckIndexes())
}

func TestEntityStore_RejectsPersistedOverdue(t *testing.T) {
	s := calendar.NewEntityStore(time.UTC)
	task := dueTask("t1", time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC))
	task.Status = calendar.StatusOverdue

	err := s.Apply(func(tx *calendar.Tx) error { return tx.Put(calendar.TaskEntity(task)) })
	require.Error(t, err)
	assert.True(t, errors.Is(err, calendar.ErrInvalidInput))
	assert.Equal(t, 0, s.Len())
}

func TestEntityStore_EffectiveStatusIsDerived(t *testing.T) {
	due := time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC)
	task := dueTask("t1", due)

	assert.Equal(t, calendar.StatusPending, task.Effective(due.Add(-time.Minute)).Status)
	assert.Equal(t, calendar.StatusOverdue, task.Effective(due.Add(time.Minute)).Status)

	task.Status = calendar.StatusDone
	assert.Equal(t, calendar.StatusDone, task.Effective(due.Add(time.Minute)).Status)
}

func TestTx_RollbackRestoresPriorState(t *testing.T) {
	// GIVEN: One existing task
	s := calendar.NewEntityStore(time.UTC)
	original := dueTask("keep", time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC))
	put(t, s, calendar.TaskEntity(original))

	// WHEN: A transaction edits it, adds another, then rolls back
	tx := s.Begin()
	edited := original.Clone()
	edited.Title = "changed"
	edited.DueAt = calendar.TimePtr(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, tx.Put(calendar.TaskEntity(edited)))
	require.NoError(t, tx.Put(calendar.TaskEntity(dueTask("new", time.Date(2026, 4, 7, 0, 0, 0, 0, time.UTC)))))
	tx.Rollback()

	// THEN: The store is exactly as before
	got, ok := s.Task("keep")
	require.True(t, ok)
	assert.Equal(t, original, got)
	_, ok = s.Task("new")
	assert.False(t, ok)
	assert.Len(t, s.TasksForDay(calendar.Day{Year: 2026, Month: 4, Day: 6}), 1)
	require.NoError(t, s.CheckIndexes())
}

func TestTx_ChangesReportFirstTouchPreState(t *testing.T) {
	s := calendar.NewEntityStore(time.UTC)
	put(t, s, calendar.CategoryEntity(calendar.Category{ID: "c1", Name: "Math"}))

	tx := s.Begin()
	require.NoError(t, tx.Put(calendar.CategoryEntity(calendar.Category{ID: "c1", Name: "Maths"})))
	require.NoError(t, tx.Put(calendar.CategoryEntity(calendar.Category{ID: "c1", Name: "Mathematics"})))
	require.NoError(t, tx.Put(calendar.CategoryEntity(calendar.Category{ID: "c2", Name: "Art"})))
	pre, post := tx.Changes()
	tx.Commit()

	require.Len(t, pre, 2)
	require.Len(t, post, 2)
	assert.Equal(t, "Math", pre[0].State.Category.Name)
	assert.Equal(t, "Mathematics", post[0].State.Category.Name)
	assert.Nil(t, pre[1].State, "c2 did not exist before")
	assert.Equal(t, "Art", post[1].State.Category.Name)
}

func TestEntityStore_ReadsReturnCopies(t *testing.T) {
	s := calendar.NewEntityStore(time.UTC)
	task := dueTask("t1", time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC))
	task.Metadata = map[string]string{"k": "v"}
	put(t, s, calendar.TaskEntity(task))

	got, _ := s.Task("t1")
	got.Metadata["k"] = "mutated"
	*got.DueAt = time.Time{}

	again, _ := s.Task("t1")
	assert.Equal(t, "v", again.Metadata["k"])
	assert.False(t, again.DueAt.IsZero())
}

func TestEntityStore_CategoriesSortedByName(t *testing.T) {
	s := calendar.NewEntityStore(time.UTC)
	put(t, s,
		calendar.CategoryEntity(calendar.Category{ID: "1", Name: "physics"}),
		calendar.CategoryEntity(calendar.Category{ID: "2", Name: "Art"}),
		calendar.CategoryEntity(calendar.Category{ID: "3", Name: "math"}),
	)

	var names []string
	for _, c := range s.Categories() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"Art", "math", "physics"}, names)
}
