package catalog

import (
	"context"
	"maps"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/calm-planner/calendar"
)

// =============================================================================
// REQUESTS / RESULTS
// =============================================================================

// UpsertEventRequest creates an event when ID is empty or unknown, and
// otherwise updates it. Nil fields keep their current value; an empty time
// string clears that time.
type UpsertEventRequest struct {
	ID             string            `json:"id,omitempty"`
	Title          *string           `json:"title,omitempty"`
	Notes          *string           `json:"notes,omitempty"`
	Location       *string           `json:"location,omitempty"`
	StartsAt       *string           `json:"starts_at,omitempty"`
	EndsAt         *string           `json:"ends_at,omitempty"`
	DueAt          *string           `json:"due_at,omitempty"`
	Status         *string           `json:"status,omitempty"`
	CategoryID     *string           `json:"category_id,omitempty"`
	SubjectID      *string           `json:"subject_id,omitempty"`
	EstimatedHours *decimal.Decimal  `json:"estimated_hours,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	// Revision, when set, must match the mirrored revision.
	Revision *calendar.Revision `json:"revision,omitempty"`
}

type EventResult struct {
	Event     calendar.Task      `json:"event"`
	Created   bool               `json:"created,omitempty"`
	HistoryID calendar.HistoryID `json:"history_id,omitempty"`
}

type DeleteResult struct {
	ID        calendar.EntityID  `json:"id"`
	Deleted   bool               `json:"deleted"`
	HistoryID calendar.HistoryID `json:"history_id,omitempty"`
}

type DueWithinResult struct {
	Start string          `json:"start"`
	End   string          `json:"end"`
	Tasks []calendar.Task `json:"tasks"`
}

// =============================================================================
// READS
// =============================================================================

// EventsForDay lists tasks touching day, ordered by anchor.
func (s *Service) EventsForDay(day string) ([]calendar.Task, error) {
	d, err := calendar.ParseDay(day)
	if err != nil {
		return nil, err
	}
	return s.effective(s.entities.TasksForDay(d)), nil
}

// EventsBetween lists tasks overlapping [start, end]. Date-only bounds cover
// whole days.
func (s *Service) EventsBetween(start, end string) ([]calendar.Task, error) {
	from, err := s.parseMoment("start", start, false)
	if err != nil {
		return nil, err
	}
	to, err := s.parseUpperBound("end", end)
	if err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, &calendar.ValidationError{Field: "end", Reason: "before start"}
	}
	return s.effective(s.entities.TasksBetween(from, to)), nil
}

// ListOverdueTasks lists unfinished tasks whose due date has passed.
func (s *Service) ListOverdueTasks() []calendar.Task {
	now := s.now()
	var out []calendar.Task
	for _, t := range s.entities.Tasks() {
		if t.IsOverdue(now) {
			out = append(out, t.Effective(now))
		}
	}
	sortByDue(out)
	return out
}

// ListTasksDueWithin lists tasks due between now and the end of the day
// `days` days ahead. Zero means today.
func (s *Service) ListTasksDueWithin(days int) (DueWithinResult, error) {
	if days < 0 {
		return DueWithinResult{}, &calendar.ValidationError{Field: "days", Reason: "must not be negative"}
	}
	now := s.now()
	w := calendar.Horizon(now, days, s.loc)
	out := []calendar.Task{}
	for _, t := range s.entities.Tasks() {
		if t.DueAt != nil && w.Contains(*t.DueAt) {
			out = append(out, t.Effective(now))
		}
	}
	sortByDue(out)
	return DueWithinResult{
		Start: calendar.DayOf(w.Lower, s.loc).String(),
		End:   calendar.DayOf(now, s.loc).AddDays(days).String(),
		Tasks: out,
	}, nil
}

// ListTasksForSubject lists a subject's tasks in schedule order.
func (s *Service) ListTasksForSubject(subjectID string) ([]calendar.Task, error) {
	sub, ok := s.entities.Subject(calendar.EntityID(subjectID))
	if !ok {
		return nil, calendar.NotFound(calendar.SubjectKey(calendar.EntityID(subjectID)))
	}
	tasks := s.entities.TasksBySubject(sub.ID)
	order := make(map[calendar.EntityID]int, len(sub.TaskIDs))
	for i, id := range sub.TaskIDs {
		order[id] = i
	}
	slices.SortStableFunc(tasks, func(a, b calendar.Task) int {
		ai, aok := order[a.ID]
		bi, bok := order[b.ID]
		switch {
		case aok && bok:
			return ai - bi
		case aok:
			return -1
		case bok:
			return 1
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return s.effective(tasks), nil
}

// =============================================================================
// MUTATIONS
// =============================================================================

func (s *Service) UpsertEvent(ctx context.Context, req UpsertEventRequest) (EventResult, error) {
	var (
		result  EventResult
		created bool
	)
	var need reach
	if id := strings.TrimSpace(req.ID); id != "" {
		need.keys = []calendar.Key{calendar.TaskKey(calendar.EntityID(id))}
	}
	entry, err := s.mutateBeyond(ctx, calendar.ActionUpsertEvent, need, func(tx *calendar.Tx) (map[string]string, error) {
		id := calendar.EntityID(strings.TrimSpace(req.ID))
		var task calendar.Task
		existing, found := calendar.Task{}, false
		if id != "" {
			existing, found = tx.Task(id)
		}
		if req.Revision != nil {
			var current calendar.Revision
			if found {
				current = existing.Revision
			}
			if current != *req.Revision {
				return nil, &calendar.StaleWriteError{Key: calendar.TaskKey(id), Base: *req.Revision, Current: current}
			}
		}

		if found {
			task = existing
		} else {
			if id == "" {
				id = calendar.EntityID(s.newID())
			}
			task = calendar.Task{ID: id, OwnerID: s.owner, Status: calendar.StatusPending}
			created = true
		}
		if err := s.applyEventFields(tx, &task, req); err != nil {
			return nil, err
		}
		task.UpdatedAt = s.now().UTC()
		if err := put(tx, calendar.TaskEntity(task)); err != nil {
			return nil, err
		}
		if err := linkSubject(tx, existing, task, found); err != nil {
			return nil, err
		}
		result.Event, _ = tx.Task(task.ID)
		return map[string]string{"event_id": string(task.ID)}, nil
	})
	if err != nil {
		return EventResult{}, err
	}
	result.Event = result.Event.Effective(s.now())
	result.Created = created
	result.HistoryID = entryID(entry)
	return result, nil
}

func (s *Service) applyEventFields(tx *calendar.Tx, task *calendar.Task, req UpsertEventRequest) error {
	if req.Title != nil {
		task.Title = strings.TrimSpace(*req.Title)
	}
	if req.Notes != nil {
		task.Notes = *req.Notes
	}
	if req.Location != nil {
		task.Location = strings.TrimSpace(*req.Location)
	}
	if set, t, err := s.parseOptionalMoment("starts_at", req.StartsAt); err != nil {
		return err
	} else if set {
		task.StartsAt = t
	}
	if set, t, err := s.parseOptionalMoment("ends_at", req.EndsAt); err != nil {
		return err
	} else if set {
		task.EndsAt = t
	}
	if set, t, err := s.parseOptionalMoment("due_at", req.DueAt); err != nil {
		return err
	} else if set {
		task.DueAt = t
	}
	if req.Status != nil {
		st, err := parseStatus(*req.Status)
		if err != nil {
			return err
		}
		task.Status = st
	}
	if req.CategoryID != nil {
		id := calendar.EntityID(strings.TrimSpace(*req.CategoryID))
		if id != "" {
			if _, ok := tx.Category(id); !ok {
				return calendar.NotFound(calendar.CategoryKey(id))
			}
		}
		task.CategoryID = id
	}
	if req.SubjectID != nil {
		id := calendar.EntityID(strings.TrimSpace(*req.SubjectID))
		if id != "" {
			if _, ok := tx.Subject(id); !ok {
				return calendar.NotFound(calendar.SubjectKey(id))
			}
		}
		task.SubjectID = id
	}
	if req.EstimatedHours != nil {
		task.EstimatedHours = *req.EstimatedHours
	}
	if req.Metadata != nil {
		if task.Metadata == nil {
			task.Metadata = make(map[string]string, len(req.Metadata))
		}
		maps.Copy(task.Metadata, req.Metadata)
	}
	return nil
}

func (s *Service) UpdateEventStatus(ctx context.Context, id, status string) (EventResult, error) {
	st, err := parseStatus(status)
	if err != nil {
		return EventResult{}, err
	}
	return s.editEvent(ctx, calendar.ActionUpdateStatus, id, func(t *calendar.Task) error {
		t.Status = st
		return nil
	}, map[string]string{"status": string(st)})
}

// AddNoteToEvent appends note on its own line.
func (s *Service) AddNoteToEvent(ctx context.Context, id, note string) (EventResult, error) {
	note = strings.TrimSpace(note)
	if err := required("note", note); err != nil {
		return EventResult{}, err
	}
	return s.editEvent(ctx, calendar.ActionAddNote, id, func(t *calendar.Task) error {
		if t.Notes == "" {
			t.Notes = note
		} else {
			t.Notes = strings.TrimRight(t.Notes, "\n") + "\n" + note
		}
		return nil
	}, nil)
}

func (s *Service) editEvent(ctx context.Context, action calendar.Action, id string, edit func(*calendar.Task) error, meta map[string]string) (EventResult, error) {
	var out calendar.Task
	key := calendar.TaskKey(calendar.EntityID(id))
	entry, err := s.mutateBeyond(ctx, action, reach{keys: []calendar.Key{key}}, func(tx *calendar.Tx) (map[string]string, error) {
		task, ok := tx.Task(key.ID)
		if !ok {
			return nil, calendar.NotFound(key)
		}
		if err := edit(&task); err != nil {
			return nil, err
		}
		task.UpdatedAt = s.now().UTC()
		if err := put(tx, calendar.TaskEntity(task)); err != nil {
			return nil, err
		}
		out, _ = tx.Task(task.ID)
		m := maps.Clone(meta)
		if m == nil {
			m = map[string]string{}
		}
		m["event_id"] = id
		return m, nil
	})
	if err != nil {
		return EventResult{}, err
	}
	return EventResult{Event: out.Effective(s.now()), HistoryID: entryID(entry)}, nil
}

// DeleteEvent removes the event and its place in its subject's schedule.
func (s *Service) DeleteEvent(ctx context.Context, id string) (DeleteResult, error) {
	key := calendar.TaskKey(calendar.EntityID(id))
	entry, err := s.mutateBeyond(ctx, calendar.ActionDeleteEvent, reach{keys: []calendar.Key{key}}, func(tx *calendar.Tx) (map[string]string, error) {
		task, ok := tx.Task(key.ID)
		if !ok {
			return nil, calendar.NotFound(key)
		}
		tx.Delete(key)
		if err := unlinkSubject(tx, task.SubjectID, task.ID); err != nil {
			return nil, err
		}
		return map[string]string{"event_id": id}, nil
	})
	if err != nil {
		return DeleteResult{}, err
	}
	return DeleteResult{ID: key.ID, Deleted: true, HistoryID: entryID(entry)}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func parseStatus(v string) (calendar.Status, error) {
	st, ok := calendar.ParseStatus(v)
	if !ok || !st.Valid() {
		return "", &calendar.ValidationError{Field: "status", Reason: "must be pending, in_progress or done"}
	}
	return st, nil
}

// linkSubject keeps Subject.TaskIDs in step with a task's subject.
func linkSubject(tx *calendar.Tx, before, after calendar.Task, existed bool) error {
	if existed && before.SubjectID == after.SubjectID {
		return nil
	}
	if existed && before.SubjectID != "" {
		if err := unlinkSubject(tx, before.SubjectID, before.ID); err != nil {
			return err
		}
	}
	if after.SubjectID == "" {
		return nil
	}
	sub, ok := tx.Subject(after.SubjectID)
	if !ok || slices.Contains(sub.TaskIDs, after.ID) {
		return nil
	}
	sub.TaskIDs = append(sub.TaskIDs, after.ID)
	return put(tx, calendar.SubjectEntity(sub))
}

func unlinkSubject(tx *calendar.Tx, subjectID, taskID calendar.EntityID) error {
	if subjectID == "" {
		return nil
	}
	sub, ok := tx.Subject(subjectID)
	if !ok {
		return nil
	}
	i := slices.Index(sub.TaskIDs, taskID)
	if i < 0 {
		return nil
	}
	sub.TaskIDs = slices.Delete(sub.TaskIDs, i, i+1)
	return put(tx, calendar.SubjectEntity(sub))
}

func sortByDue(tasks []calendar.Task) {
	slices.SortStableFunc(tasks, func(a, b calendar.Task) int {
		if c := a.Last().Compare(b.Last()); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
}
