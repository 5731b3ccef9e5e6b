package catalog

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/calm-planner/calendar"
)

// =============================================================================
// REQUESTS / RESULTS
// =============================================================================

// Reschedule names where RescheduleEvent moves a task.
type Reschedule string

const (
	RescheduleToday    Reschedule = "today"
	RescheduleTomorrow Reschedule = "tomorrow"
	RescheduleNextWeek Reschedule = "next_week"
)

type RescheduleResult struct {
	Event calendar.Task `json:"event"`
	// PreviousDue is the due time before the move, or the start for tasks
	// without one.
	PreviousDue time.Time          `json:"previous_due"`
	ShiftedDays int                `json:"shifted_days"`
	HistoryID   calendar.HistoryID `json:"history_id,omitempty"`
}

type DuplicateEventRequest struct {
	ID        string `json:"id"`
	SubjectID string `json:"subject_id"`
	DueDate   string `json:"due_date"`
}

type DuplicateResult struct {
	Event     calendar.Task      `json:"event"`
	SourceID  calendar.EntityID  `json:"source_id"`
	HistoryID calendar.HistoryID `json:"history_id,omitempty"`
}

// EventDetails is a task with the category and subject it is filed under.
type EventDetails struct {
	Event    calendar.Task      `json:"event"`
	Category *calendar.Category `json:"category,omitempty"`
	Subject  *calendar.Subject  `json:"subject,omitempty"`
}

// DailySchedule is how a task's hours fall across days.
type DailySchedule struct {
	EventID calendar.EntityID  `json:"event_id"`
	Days    []calendar.DayLoad `json:"days"`
	Planned bool               `json:"planned"`
}

// =============================================================================
// READS
// =============================================================================

// GetEventDetails returns one task. Tasks outside the mirrored window are
// read from the backend without being mirrored.
func (s *Service) GetEventDetails(ctx context.Context, id string) (EventDetails, error) {
	task, err := s.lookupTask(ctx, calendar.EntityID(id))
	if err != nil {
		return EventDetails{}, err
	}
	out := EventDetails{Event: task.Effective(s.now())}
	if task.CategoryID != "" {
		if c, ok := s.entities.Category(task.CategoryID); ok {
			out.Category = &c
		}
	}
	if task.SubjectID != "" {
		if sub, ok := s.entities.Subject(task.SubjectID); ok {
			out.Subject = &sub
		}
	}
	return out, nil
}

// ListPendingTasks lists tasks not yet started, soonest due first.
func (s *Service) ListPendingTasks() []calendar.Task {
	out := s.tasksWithStatus(calendar.StatusPending)
	sortByDue(out)
	return s.effective(out)
}

// ListCompletedTasks lists finished tasks, most recently updated first.
func (s *Service) ListCompletedTasks() []calendar.Task {
	out := s.tasksWithStatus(calendar.StatusDone)
	sortByUpdateDesc(out)
	return out
}

// DailyScheduleForTask spreads a task's hours over the days it covers.
// Generated tasks keep the allocation the planner chose; other tasks split
// their estimate evenly.
func (s *Service) DailyScheduleForTask(ctx context.Context, id string) (DailySchedule, error) {
	task, err := s.lookupTask(ctx, calendar.EntityID(id))
	if err != nil {
		return DailySchedule{}, err
	}
	out := DailySchedule{EventID: task.ID, Days: []calendar.DayLoad{}}
	if v := task.Metadata[calendar.MetaPlanAllocation]; v != "" {
		loads, err := calendar.ParseAllocation(v)
		if err != nil {
			return DailySchedule{}, err
		}
		out.Days = append(out.Days, loads...)
		out.Planned = true
		return out, nil
	}

	first := calendar.DayOf(task.Anchor(), s.loc)
	end := task.Last()
	if end.After(task.Anchor()) {
		end = end.Add(-time.Nanosecond)
	}
	n := calendar.DaysBetween(first, calendar.DayOf(end, s.loc)) + 1
	share := task.EstimatedHours.DivRound(decimal.NewFromInt(int64(n)), 2)
	for i := range n {
		out.Days = append(out.Days, calendar.DayLoad{Day: first.AddDays(i), Hours: share})
	}
	return out, nil
}

func (s *Service) lookupTask(ctx context.Context, id calendar.EntityID) (calendar.Task, error) {
	if t, ok := s.entities.Task(id); ok {
		return t, nil
	}
	key := calendar.TaskKey(id)
	if s.sync == nil {
		return calendar.Task{}, calendar.NotFound(key)
	}
	pulled, err := s.sync.Pull(ctx, []calendar.Key{key}, nil)
	if err != nil {
		return calendar.Task{}, err
	}
	for _, e := range pulled {
		if e.Key() == key && e.Task != nil {
			return e.Task.Clone(), nil
		}
	}
	return calendar.Task{}, calendar.NotFound(key)
}

func (s *Service) tasksWithStatus(st calendar.Status) []calendar.Task {
	out := []calendar.Task{}
	for _, t := range s.entities.Tasks() {
		if t.Status == st {
			out = append(out, t)
		}
	}
	return out
}

// =============================================================================
// MUTATIONS
// =============================================================================

// UpdateEventDueDate sets the due time. A date means the end of that day.
func (s *Service) UpdateEventDueDate(ctx context.Context, id, due string) (EventResult, error) {
	at, err := s.parseMoment("due_date", due, true)
	if err != nil {
		return EventResult{}, err
	}
	return s.editEvent(ctx, calendar.ActionUpdateDueDate, id, func(t *calendar.Task) error {
		t.DueAt = &at
		return nil
	}, map[string]string{"due_at": at.UTC().Format(time.RFC3339)})
}

// RescheduleEvent moves a task by whole days, keeping its times of day and
// its length. Today and tomorrow move the day it starts on; next week adds
// seven days.
func (s *Service) RescheduleEvent(ctx context.Context, id string, to Reschedule) (RescheduleResult, error) {
	if !slices.Contains([]Reschedule{RescheduleToday, RescheduleTomorrow, RescheduleNextWeek}, to) {
		return RescheduleResult{}, &calendar.ValidationError{Field: "to", Reason: "must be today, tomorrow or next_week"}
	}
	today := calendar.DayOf(s.now(), s.loc)
	var (
		prev  time.Time
		shift int
	)
	meta := map[string]string{"to": string(to)}
	res, err := s.editEvent(ctx, calendar.ActionReschedule, id, func(t *calendar.Task) error {
		prev = t.Anchor()
		if t.DueAt != nil {
			prev = *t.DueAt
		}
		from := calendar.DayOf(t.Anchor(), s.loc)
		switch to {
		case RescheduleToday:
			shift = calendar.DaysBetween(from, today)
		case RescheduleTomorrow:
			shift = calendar.DaysBetween(from, today.AddDays(1))
		default:
			shift = 7
		}
		meta["shifted_days"] = strconv.Itoa(shift)
		return shiftTask(t, shift, s.loc)
	}, meta)
	if err != nil {
		return RescheduleResult{}, err
	}
	return RescheduleResult{Event: res.Event, PreviousDue: prev, ShiftedDays: shift, HistoryID: res.HistoryID}, nil
}

// DuplicateEventToSubject copies a task into a subject as a new pending task
// due at DueDate. Planner bookkeeping is not copied.
func (s *Service) DuplicateEventToSubject(ctx context.Context, req DuplicateEventRequest) (DuplicateResult, error) {
	if err := required("id", req.ID); err != nil {
		return DuplicateResult{}, err
	}
	subjectID := calendar.EntityID(strings.TrimSpace(req.SubjectID))
	if err := required("subject_id", string(subjectID)); err != nil {
		return DuplicateResult{}, err
	}
	due, err := s.parseMoment("due_date", req.DueDate, true)
	if err != nil {
		return DuplicateResult{}, err
	}

	source := calendar.TaskKey(calendar.EntityID(strings.TrimSpace(req.ID)))
	var out calendar.Task
	entry, err := s.mutateBeyond(ctx, calendar.ActionDuplicateEvent, reach{keys: []calendar.Key{source}}, func(tx *calendar.Tx) (map[string]string, error) {
		orig, ok := tx.Task(source.ID)
		if !ok {
			return nil, calendar.NotFound(source)
		}
		if _, ok := tx.Subject(subjectID); !ok {
			return nil, calendar.NotFound(calendar.SubjectKey(subjectID))
		}
		dup := calendar.Task{
			ID:             calendar.EntityID(string(subjectID) + "-" + s.newID()),
			OwnerID:        s.owner,
			Title:          orig.Title,
			Notes:          orig.Notes,
			Location:       orig.Location,
			DueAt:          &due,
			Status:         calendar.StatusPending,
			CategoryID:     orig.CategoryID,
			SubjectID:      subjectID,
			EstimatedHours: orig.EstimatedHours,
			Metadata:       withoutPlanKeys(orig.Metadata),
			UpdatedAt:      s.now().UTC(),
		}
		if err := put(tx, calendar.TaskEntity(dup)); err != nil {
			return nil, err
		}
		if err := linkSubject(tx, calendar.Task{}, dup, false); err != nil {
			return nil, err
		}
		out, _ = tx.Task(dup.ID)
		return map[string]string{"event_id": string(dup.ID), "source_id": string(orig.ID)}, nil
	})
	if err != nil {
		return DuplicateResult{}, err
	}
	return DuplicateResult{Event: out.Effective(s.now()), SourceID: source.ID, HistoryID: entryID(entry)}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// shiftTask moves every time of t by n calendar days in loc, along with the
// planner allocation if there is one.
func shiftTask(t *calendar.Task, n int, loc *time.Location) error {
	if n == 0 {
		return nil
	}
	for _, p := range []**time.Time{&t.StartsAt, &t.EndsAt, &t.DueAt} {
		if *p == nil {
			continue
		}
		moved := (*p).In(loc).AddDate(0, 0, n)
		*p = &moved
	}
	v, ok := t.Metadata[calendar.MetaPlanAllocation]
	if !ok {
		return nil
	}
	loads, err := calendar.ParseAllocation(v)
	if err != nil {
		return err
	}
	for i := range loads {
		loads[i].Day = loads[i].Day.AddDays(n)
	}
	t.Metadata = maps.Clone(t.Metadata)
	t.Metadata[calendar.MetaPlanAllocation] = calendar.FormatAllocation(loads)
	return nil
}

func withoutPlanKeys(meta map[string]string) map[string]string {
	out := maps.Clone(meta)
	for k := range out {
		if strings.HasPrefix(k, "plan.") {
			delete(out, k)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sortByUpdateDesc(tasks []calendar.Task) {
	slices.SortStableFunc(tasks, func(a, b calendar.Task) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
}
