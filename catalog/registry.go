package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"

	"github.com/warp/calm-planner/calendar"
)

// =============================================================================
// REGISTRY - Static name to function table
// =============================================================================

// Param describes one named argument. Type is a JSON schema type.
type Param struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Required    bool     `json:"required,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	// Items is the element type of array params.
	Items string `json:"items,omitempty"`
}

type handler func(ctx context.Context, args json.RawMessage) (any, error)

// Function is one catalog entry.
type Function struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Group       string  `json:"group"`
	Params      []Param `json:"params"`
	Mutates     bool    `json:"mutates"`
	call        handler
}

// Schema renders the arguments as a JSON schema object.
func (f Function) Schema() map[string]any {
	props := make(map[string]any, len(f.Params))
	required := []string{}
	for _, p := range f.Params {
		prop := map[string]any{"type": p.Type, "description": p.Description}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Type == "array" {
			items := p.Items
			if items == "" {
				items = "string"
			}
			prop["items"] = map[string]any{"type": items}
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

// FunctionInfo is what list_functions reports.
type FunctionInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Group       string         `json:"group"`
	Mutates     bool           `json:"mutates"`
	Parameters  map[string]any `json:"parameters"`
}

type Registry struct {
	funcs  []Function
	byName map[string]int
}

// Call invokes the function called name with JSON-encoded arguments.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	f, ok := r.Lookup(name)
	if !ok {
		return nil, calendar.NotFound(calendar.Key{Kind: "function", ID: calendar.EntityID(name)})
	}
	return f.call(ctx, args)
}

func (r *Registry) Lookup(name string) (Function, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Function{}, false
	}
	return r.funcs[i], true
}

// Functions lists the catalog in declaration order.
func (r *Registry) Functions() []Function {
	return slices.Clone(r.funcs)
}

func (r *Registry) Describe() []FunctionInfo {
	out := make([]FunctionInfo, 0, len(r.funcs))
	for _, f := range r.funcs {
		out = append(out, FunctionInfo{
			Name:        f.Name,
			Description: f.Description,
			Group:       f.Group,
			Mutates:     f.Mutates,
			Parameters:  f.Schema(),
		})
	}
	return out
}

// bind decodes the arguments into T before calling fn.
func bind[T any](fn func(ctx context.Context, req T) (any, error)) handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req T
		if err := decodeArgs(raw, &req); err != nil {
			return nil, err
		}
		return fn(ctx, req)
	}
}

func decodeArgs(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &calendar.ValidationError{Field: "arguments", Reason: err.Error()}
	}
	return nil
}

// =============================================================================
// ARGUMENT SHAPES
// =============================================================================

type noArgs struct{}

type dayArgs struct {
	Day string `json:"day"`
}

type rangeArgs struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type idArgs struct {
	ID string `json:"id"`
}

type statusArgs struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type noteArgs struct {
	ID   string `json:"id"`
	Note string `json:"note"`
}

type daysArgs struct {
	Days int `json:"days"`
}

type subjectArgs struct {
	SubjectID string `json:"subject_id"`
}

type deleteSubjectArgs struct {
	ID          string `json:"id"`
	RemoveTasks bool   `json:"remove_tasks"`
}

type dueArgs struct {
	ID      string `json:"id"`
	DueDate string `json:"due_date"`
}

type createSubjectArgs struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

type subjectDescriptionArgs struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

type subjectColorArgs struct {
	ID    string `json:"id"`
	Color string `json:"color"`
}

type entryArgs struct {
	EntryID int64 `json:"entry_id"`
}

// =============================================================================
// DECLARATIONS
// =============================================================================

var statusEnum = []string{string(calendar.StatusPending), string(calendar.StatusInProgress), string(calendar.StatusDone)}

// NewRegistry declares every catalog function served by svc.
func NewRegistry(svc *Service) *Registry {
	r := &Registry{}
	r.funcs = []Function{
		// Planning
		{
			Name:        "generate_plan_from_outline",
			Description: "Generate study tasks for a subject from an outline, spread over the days before the due date.",
			Group:       "planning",
			Mutates:     true,
			Params: []Param{
				{Name: "subject", Type: "string", Description: "Subject name", Required: true},
				{Name: "due_date", Type: "string", Description: "Due date (YYYY-MM-DD or RFC 3339)", Required: true},
				{Name: "outline", Type: "array", Items: "string", Description: "Outline lines; compound lines split on ' - ' and '|'"},
				{Name: "sections", Type: "array", Items: "object", Description: "Weighted sections: [{label, hours}]"},
				{Name: "hours_per_section", Type: "number", Description: "Hours given to each outline line"},
				{Name: "daily_capacity_hours", Type: "number", Description: "Study hours available per day"},
				{Name: "start_date", Type: "string", Description: "First day to schedule (default now)"},
				{Name: "workday_start", Type: "string", Description: "HH:MM; gives every task a time range"},
				{Name: "category_id", Type: "string", Description: "Category for the generated tasks"},
				{Name: "description", Type: "string", Description: "Subject description"},
				{Name: "color", Type: "string", Description: "Subject color"},
			},
			call: bind(func(ctx context.Context, req GeneratePlanRequest) (any, error) {
				return svc.GeneratePlanFromOutline(ctx, req)
			}),
		},
		{
			Name:        "generate_review_plan_for_subject",
			Description: "Preview a review session per existing task of a subject without storing anything.",
			Group:       "planning",
			Params: []Param{
				{Name: "subject", Type: "string", Description: "Subject name", Required: true},
				{Name: "due_date", Type: "string", Description: "Review due date", Required: true},
				{Name: "hours_per_section", Type: "number", Description: "Hours per review session"},
				{Name: "start_date", Type: "string", Description: "First day to schedule (default now)"},
			},
			call: bind(func(_ context.Context, req ReviewPlanRequest) (any, error) {
				return svc.GenerateReviewPlanForSubject(req)
			}),
		},

		{
			Name:        "generate_plan_from_description",
			Description: "Generate study tasks for a subject from free text; each line becomes a section.",
			Group:       "planning",
			Mutates:     true,
			Params: []Param{
				{Name: "subject", Type: "string", Description: "Subject name", Required: true},
				{Name: "due_date", Type: "string", Description: "Due date (YYYY-MM-DD or RFC 3339)", Required: true},
				{Name: "description", Type: "string", Description: "Text to plan from; also stored on the subject", Required: true},
				{Name: "hours_per_section", Type: "number", Description: "Hours given to each section"},
				{Name: "daily_capacity_hours", Type: "number", Description: "Study hours available per day"},
				{Name: "start_date", Type: "string", Description: "First day to schedule (default now)"},
			},
			call: bind(func(ctx context.Context, req DescriptionPlanRequest) (any, error) {
				return svc.GeneratePlanFromDescription(ctx, req)
			}),
		},
		{
			Name:        "generate_plan_from_outline_file",
			Description: "Generate study tasks for a subject from a text file with one outline line per line.",
			Group:       "planning",
			Mutates:     true,
			Params: []Param{
				{Name: "subject", Type: "string", Description: "Subject name", Required: true},
				{Name: "due_date", Type: "string", Description: "Due date (YYYY-MM-DD or RFC 3339)", Required: true},
				{Name: "path", Type: "string", Description: "Outline file; ~ expands to the home directory", Required: true},
				{Name: "hours_per_section", Type: "number", Description: "Hours given to each outline line"},
				{Name: "daily_capacity_hours", Type: "number", Description: "Study hours available per day"},
				{Name: "start_date", Type: "string", Description: "First day to schedule (default now)"},
			},
			call: bind(func(ctx context.Context, req OutlineFilePlanRequest) (any, error) {
				return svc.GeneratePlanFromOutlineFile(ctx, req)
			}),
		},
		{
			Name:        "daily_schedule_for_task",
			Description: "Show how a task's hours are spread over the days it covers.",
			Group:       "planning",
			Params:      []Param{{Name: "id", Type: "string", Description: "Event id", Required: true}},
			call: bind(func(ctx context.Context, a idArgs) (any, error) {
				return svc.DailyScheduleForTask(ctx, a.ID)
			}),
		},

		// Events
		{
			Name:        "events_for_day",
			Description: "List events on a day.",
			Group:       "events",
			Params:      []Param{{Name: "day", Type: "string", Description: "YYYY-MM-DD", Required: true}},
			call: bind(func(_ context.Context, a dayArgs) (any, error) {
				return svc.EventsForDay(a.Day)
			}),
		},
		{
			Name:        "events_between",
			Description: "List events overlapping a time range.",
			Group:       "events",
			Params: []Param{
				{Name: "start", Type: "string", Description: "Range start", Required: true},
				{Name: "end", Type: "string", Description: "Range end", Required: true},
			},
			call: bind(func(_ context.Context, a rangeArgs) (any, error) {
				return svc.EventsBetween(a.Start, a.End)
			}),
		},
		{
			Name:        "list_overdue_tasks",
			Description: "List unfinished tasks past their due date.",
			Group:       "events",
			Params:      []Param{},
			call: bind(func(context.Context, noArgs) (any, error) {
				return svc.ListOverdueTasks(), nil
			}),
		},
		{
			Name:        "list_tasks_due_within",
			Description: "List tasks due between now and the end of the day N days ahead.",
			Group:       "events",
			Params:      []Param{{Name: "days", Type: "integer", Description: "Days ahead; 0 is today", Required: true}},
			call: bind(func(_ context.Context, a daysArgs) (any, error) {
				return svc.ListTasksDueWithin(a.Days)
			}),
		},
		{
			Name:        "list_tasks_for_subject",
			Description: "List a subject's tasks in schedule order.",
			Group:       "events",
			Params:      []Param{{Name: "subject_id", Type: "string", Description: "Subject id", Required: true}},
			call: bind(func(_ context.Context, a subjectArgs) (any, error) {
				return svc.ListTasksForSubject(a.SubjectID)
			}),
		},
		{
			Name:        "list_pending_tasks",
			Description: "List tasks not yet started, soonest due first.",
			Group:       "events",
			Params:      []Param{},
			call: bind(func(context.Context, noArgs) (any, error) {
				return svc.ListPendingTasks(), nil
			}),
		},
		{
			Name:        "list_completed_tasks",
			Description: "List finished tasks, most recently updated first.",
			Group:       "events",
			Params:      []Param{},
			call: bind(func(context.Context, noArgs) (any, error) {
				return svc.ListCompletedTasks(), nil
			}),
		},
		{
			Name:        "get_event_details",
			Description: "Fetch one event with its category and subject.",
			Group:       "events",
			Params:      []Param{{Name: "id", Type: "string", Description: "Event id", Required: true}},
			call: bind(func(ctx context.Context, a idArgs) (any, error) {
				return svc.GetEventDetails(ctx, a.ID)
			}),
		},
		{
			Name:        "upsert_event",
			Description: "Create an event, or update the fields given for an existing one.",
			Group:       "events",
			Mutates:     true,
			Params: []Param{
				{Name: "id", Type: "string", Description: "Event id; omit to create"},
				{Name: "title", Type: "string", Description: "Title"},
				{Name: "notes", Type: "string", Description: "Notes"},
				{Name: "location", Type: "string", Description: "Location"},
				{Name: "starts_at", Type: "string", Description: "Start time; empty clears"},
				{Name: "ends_at", Type: "string", Description: "End time; empty clears"},
				{Name: "due_at", Type: "string", Description: "Due time; empty clears"},
				{Name: "status", Type: "string", Description: "Status", Enum: statusEnum},
				{Name: "category_id", Type: "string", Description: "Category id; empty clears"},
				{Name: "subject_id", Type: "string", Description: "Subject id; empty clears"},
				{Name: "estimated_hours", Type: "number", Description: "Estimated hours"},
				{Name: "metadata", Type: "object", Description: "Extra string fields, merged"},
				{Name: "revision", Type: "integer", Description: "Expected current revision"},
			},
			call: bind(func(ctx context.Context, req UpsertEventRequest) (any, error) {
				return svc.UpsertEvent(ctx, req)
			}),
		},
		{
			Name:        "update_event_status",
			Description: "Set an event's status.",
			Group:       "events",
			Mutates:     true,
			Params: []Param{
				{Name: "id", Type: "string", Description: "Event id", Required: true},
				{Name: "status", Type: "string", Description: "New status", Required: true, Enum: statusEnum},
			},
			call: bind(func(ctx context.Context, a statusArgs) (any, error) {
				return svc.UpdateEventStatus(ctx, a.ID, a.Status)
			}),
		},
		{
			Name:        "add_note_to_event",
			Description: "Append a note to an event.",
			Group:       "events",
			Mutates:     true,
			Params: []Param{
				{Name: "id", Type: "string", Description: "Event id", Required: true},
				{Name: "note", Type: "string", Description: "Note text", Required: true},
			},
			call: bind(func(ctx context.Context, a noteArgs) (any, error) {
				return svc.AddNoteToEvent(ctx, a.ID, a.Note)
			}),
		},
		{
			Name:        "update_event_due_date",
			Description: "Set an event's due date; a date means the end of that day.",
			Group:       "events",
			Mutates:     true,
			Params: []Param{
				{Name: "id", Type: "string", Description: "Event id", Required: true},
				{Name: "due_date", Type: "string", Description: "New due date or time", Required: true},
			},
			call: bind(func(ctx context.Context, a dueArgs) (any, error) {
				return svc.UpdateEventDueDate(ctx, a.ID, a.DueDate)
			}),
		},
		{
			Name:        "reschedule_event_to_today",
			Description: "Move an event to today, keeping its times of day.",
			Group:       "events",
			Mutates:     true,
			Params:      []Param{{Name: "id", Type: "string", Description: "Event id", Required: true}},
			call: bind(func(ctx context.Context, a idArgs) (any, error) {
				return svc.RescheduleEvent(ctx, a.ID, RescheduleToday)
			}),
		},
		{
			Name:        "reschedule_event_to_tomorrow",
			Description: "Move an event to tomorrow, keeping its times of day.",
			Group:       "events",
			Mutates:     true,
			Params:      []Param{{Name: "id", Type: "string", Description: "Event id", Required: true}},
			call: bind(func(ctx context.Context, a idArgs) (any, error) {
				return svc.RescheduleEvent(ctx, a.ID, RescheduleTomorrow)
			}),
		},
		{
			Name:        "reschedule_event_next_week",
			Description: "Move an event seven days later and report its previous due time.",
			Group:       "events",
			Mutates:     true,
			Params:      []Param{{Name: "id", Type: "string", Description: "Event id", Required: true}},
			call: bind(func(ctx context.Context, a idArgs) (any, error) {
				return svc.RescheduleEvent(ctx, a.ID, RescheduleNextWeek)
			}),
		},
		{
			Name:        "duplicate_event_to_subject",
			Description: "Copy an event into a subject as a new pending task with its own due date.",
			Group:       "events",
			Mutates:     true,
			Params: []Param{
				{Name: "id", Type: "string", Description: "Event to copy", Required: true},
				{Name: "subject_id", Type: "string", Description: "Target subject id", Required: true},
				{Name: "due_date", Type: "string", Description: "Due date of the copy", Required: true},
			},
			call: bind(func(ctx context.Context, req DuplicateEventRequest) (any, error) {
				return svc.DuplicateEventToSubject(ctx, req)
			}),
		},
		{
			Name:        "delete_event",
			Description: "Delete an event.",
			Group:       "events",
			Mutates:     true,
			Params:      []Param{{Name: "id", Type: "string", Description: "Event id", Required: true}},
			call: bind(func(ctx context.Context, a idArgs) (any, error) {
				return svc.DeleteEvent(ctx, a.ID)
			}),
		},

		// Categories
		{
			Name:        "list_categories",
			Description: "List categories by name.",
			Group:       "categories",
			Params:      []Param{},
			call: bind(func(context.Context, noArgs) (any, error) {
				return svc.ListCategories(), nil
			}),
		},
		{
			Name:        "upsert_category",
			Description: "Create a category, or update the fields given for an existing one.",
			Group:       "categories",
			Mutates:     true,
			Params: []Param{
				{Name: "id", Type: "string", Description: "Category id; omit to create"},
				{Name: "name", Type: "string", Description: "Unique name"},
				{Name: "color", Type: "string", Description: "Color"},
				{Name: "icon", Type: "string", Description: "Icon"},
				{Name: "description", Type: "string", Description: "Description"},
			},
			call: bind(func(ctx context.Context, req UpsertCategoryRequest) (any, error) {
				return svc.UpsertCategory(ctx, req)
			}),
		},
		{
			Name:        "delete_category",
			Description: "Delete a category and clear it from its events.",
			Group:       "categories",
			Mutates:     true,
			Params:      []Param{{Name: "id", Type: "string", Description: "Category id", Required: true}},
			call: bind(func(ctx context.Context, a idArgs) (any, error) {
				return svc.DeleteCategory(ctx, a.ID)
			}),
		},

		// Subjects
		{
			Name:        "list_subjects",
			Description: "List subjects with task counts, soonest due first.",
			Group:       "subjects",
			Params:      []Param{},
			call: bind(func(context.Context, noArgs) (any, error) {
				return svc.ListSubjects(), nil
			}),
		},
		{
			Name:        "create_subject",
			Description: "Create a subject with no tasks yet.",
			Group:       "subjects",
			Mutates:     true,
			Params: []Param{
				{Name: "name", Type: "string", Description: "Unique name", Required: true},
				{Name: "description", Type: "string", Description: "Description"},
				{Name: "color", Type: "string", Description: "Color"},
			},
			call: bind(func(ctx context.Context, a createSubjectArgs) (any, error) {
				return svc.CreateSubject(ctx, a.Name, a.Description, a.Color)
			}),
		},
		{
			Name:        "update_subject_description",
			Description: "Replace a subject's description.",
			Group:       "subjects",
			Mutates:     true,
			Params: []Param{
				{Name: "id", Type: "string", Description: "Subject id", Required: true},
				{Name: "description", Type: "string", Description: "New description", Required: true},
			},
			call: bind(func(ctx context.Context, a subjectDescriptionArgs) (any, error) {
				return svc.UpdateSubject(ctx, UpdateSubjectRequest{ID: a.ID, Description: &a.Description})
			}),
		},
		{
			Name:        "assign_subject_color",
			Description: "Set a subject's color.",
			Group:       "subjects",
			Mutates:     true,
			Params: []Param{
				{Name: "id", Type: "string", Description: "Subject id", Required: true},
				{Name: "color", Type: "string", Description: "Color, e.g. #3366ff", Required: true},
			},
			call: bind(func(ctx context.Context, a subjectColorArgs) (any, error) {
				return svc.UpdateSubject(ctx, UpdateSubjectRequest{ID: a.ID, Color: &a.Color})
			}),
		},
		{
			Name:        "delete_subject",
			Description: "Delete a subject, optionally with its tasks.",
			Group:       "subjects",
			Mutates:     true,
			Params: []Param{
				{Name: "id", Type: "string", Description: "Subject id", Required: true},
				{Name: "remove_tasks", Type: "boolean", Description: "Also delete the subject's tasks"},
			},
			call: bind(func(ctx context.Context, a deleteSubjectArgs) (any, error) {
				return svc.DeleteSubject(ctx, a.ID, a.RemoveTasks)
			}),
		},

		// History
		{
			Name:        "list_history",
			Description: "List recorded changes, oldest first.",
			Group:       "history",
			Params: []Param{
				{Name: "from", Type: "string", Description: "Earliest timestamp"},
				{Name: "to", Type: "string", Description: "Latest timestamp"},
				{Name: "actions", Type: "array", Items: "string", Description: "Only these actions"},
				{Name: "limit", Type: "integer", Description: "Keep only the most recent N"},
			},
			call: bind(func(_ context.Context, q HistoryQuery) (any, error) {
				return svc.ListHistory(q)
			}),
		},
		{
			Name:        "get_history_entry",
			Description: "Fetch one recorded change.",
			Group:       "history",
			Params:      []Param{{Name: "entry_id", Type: "integer", Description: "History entry id", Required: true}},
			call: bind(func(_ context.Context, a entryArgs) (any, error) {
				return svc.GetHistoryEntry(a.EntryID)
			}),
		},
		{
			Name:        "revert_to_history_entry",
			Description: "Restore the entities a change touched to their state before it.",
			Group:       "history",
			Mutates:     true,
			Params:      []Param{{Name: "entry_id", Type: "integer", Description: "History entry id", Required: true}},
			call: bind(func(ctx context.Context, a entryArgs) (any, error) {
				return svc.RevertToHistoryEntry(ctx, a.EntryID)
			}),
		},

		// Account and meta
		{
			Name:        "current_user_profile",
			Description: "Return the signed-in user's profile.",
			Group:       "meta",
			Params:      []Param{},
			call: bind(func(ctx context.Context, _ noArgs) (any, error) {
				return svc.CurrentUserProfile(ctx)
			}),
		},
		{
			Name:        "refresh_timeline",
			Description: "Reload the calendar window around now from the backend.",
			Group:       "meta",
			Params:      []Param{},
			call: bind(func(ctx context.Context, _ noArgs) (any, error) {
				return svc.RefreshTimeline(ctx)
			}),
		},
		{
			Name:        "list_functions",
			Description: "List the available functions and their parameters.",
			Group:       "meta",
			Params:      []Param{},
			call: bind(func(context.Context, noArgs) (any, error) {
				return r.Describe(), nil
			}),
		},
	}

	r.byName = make(map[string]int, len(r.funcs))
	for i, f := range r.funcs {
		r.byName[f.Name] = i
	}
	return r
}
