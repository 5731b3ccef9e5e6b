/*
Package calendar provides the state core of the study planner.

PURPOSE:
  This package contains the domain types and algorithms shared by every
  surface of the planner: the desktop client, the local HTTP bridge and the
  tool-calling interface. Tasks, categories and subjects live in an
  EntityStore, every mutation is captured by the HistoryStore, and the
  Scheduler turns an outline into dated tasks.

KEY CONCEPTS IN THIS FILE (types.go):
  - Task: A calendar item with optional range, optional due date and a status
  - Category: A user-defined label with color/icon, referenced by tasks
  - Subject: A plan generated from an outline, owning an ordered task list
  - Profile: Read-only identity of the current user
  - Entity: A tagged union used by history snapshots and the backends

DESIGN PRINCIPLES:
  1. Precision: Hours use decimal.Decimal so plan arithmetic is exact
  2. Type Safety: Distinct ID types for entities, users and history entries
  3. Value semantics: Clone returns a deep copy, nothing shares maps or slices
  4. Derived state: "overdue" is computed on read, never stored

USAGE:
  due := time.Date(2026, 10, 20, 17, 0, 0, 0, time.UTC)
  task := calendar.Task{
      ID:     "essay-1",
      Title:  "Draft introduction",
      DueAt:  &due,
      Status: calendar.StatusPending,
  }
  view := task.Effective(clock.Now())

SEE ALSO:
  - entities.go: EntityStore with secondary indexes
  - history.go: HistoryStore and snapshots
  - scheduler.go: Plan generation
  - store.go: Backend contract
*/
package calendar

import (
	"maps"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntityID string
type UserID string

// Revision is the backend's per-entity version counter. Zero means the
// entity has never been accepted by the backend.
type Revision int64

// Kind tags which collection an entity belongs to.
type Kind string

const (
	KindTask     Kind = "task"
	KindCategory Kind = "category"
	KindSubject  Kind = "subject"
	KindHistory  Kind = "history"
)

// Key addresses one entity across collections.
type Key struct {
	Kind Kind     `json:"kind"`
	ID   EntityID `json:"id"`
}

func TaskKey(id EntityID) Key     { return Key{Kind: KindTask, ID: id} }
func CategoryKey(id EntityID) Key { return Key{Kind: KindCategory, ID: id} }
func SubjectKey(id EntityID) Key  { return Key{Kind: KindSubject, ID: id} }

func (k Key) String() string { return string(k.Kind) + "/" + string(k.ID) }

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	// StatusOverdue is derived on read and rejected on write.
	StatusOverdue Status = "overdue"
)

// Valid reports whether s may be persisted.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// ParseStatus accepts the persisted statuses plus the aliases older clients send.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "pending", "planned", "todo", "":
		return StatusPending, true
	case "in_progress", "in-progress", "started":
		return StatusInProgress, true
	case "done", "completed", "complete":
		return StatusDone, true
	}
	return "", false
}

// =============================================================================
// TASK
// =============================================================================

type Task struct {
	ID             EntityID          `json:"id"`
	OwnerID        UserID            `json:"owner_id,omitempty"`
	Title          string            `json:"title"`
	Notes          string            `json:"notes,omitempty"`
	Location       string            `json:"location,omitempty"`
	StartsAt       *time.Time        `json:"starts_at,omitempty"`
	EndsAt         *time.Time        `json:"ends_at,omitempty"`
	DueAt          *time.Time        `json:"due_at,omitempty"`
	Status         Status            `json:"status"`
	CategoryID     EntityID          `json:"category_id,omitempty"`
	SubjectID      EntityID          `json:"subject_id,omitempty"`
	EstimatedHours decimal.Decimal   `json:"estimated_hours"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Revision       Revision          `json:"revision"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// MaxTaskSpan bounds how far a task may reach past its anchor. Every covered
// day gets an index entry, so the span is capped.
const MaxTaskSpan = 731 * 24 * time.Hour

// Anchor is the timestamp used for ordering and window membership:
// the start of a ranged task, otherwise its due date.
func (t Task) Anchor() time.Time {
	if t.StartsAt != nil {
		return *t.StartsAt
	}
	if t.DueAt != nil {
		return *t.DueAt
	}
	return time.Time{}
}

// Last is the latest timestamp the task covers.
func (t Task) Last() time.Time {
	last := t.Anchor()
	if t.EndsAt != nil && t.EndsAt.After(last) {
		last = *t.EndsAt
	}
	if t.DueAt != nil && t.DueAt.After(last) {
		last = *t.DueAt
	}
	return last
}

// References reports whether t is filed under ref.
func (t Task) References(ref Key) bool {
	switch ref.Kind {
	case KindCategory:
		return t.CategoryID != "" && t.CategoryID == ref.ID
	case KindSubject:
		return t.SubjectID != "" && t.SubjectID == ref.ID
	}
	return false
}

// IsOverdue reports whether the task is past due and not done.
func (t Task) IsOverdue(now time.Time) bool {
	return t.DueAt != nil && t.DueAt.Before(now) && t.Status != StatusDone
}

// Effective returns a copy whose status reflects the derived overdue state.
func (t Task) Effective(now time.Time) Task {
	out := t.Clone()
	if out.IsOverdue(now) {
		out.Status = StatusOverdue
	}
	return out
}

func (t Task) Validate() error {
	if t.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if t.Title == "" {
		return &ValidationError{Field: "title", Reason: "required"}
	}
	if !t.Status.Valid() {
		return &ValidationError{Field: "status", Reason: "must be pending, in_progress or done"}
	}
	if t.StartsAt == nil && t.DueAt == nil {
		return &ValidationError{Field: "starts_at", Reason: "a start or a due date is required"}
	}
	if t.EndsAt != nil && t.StartsAt == nil {
		return &ValidationError{Field: "ends_at", Reason: "an end requires a start"}
	}
	if t.StartsAt != nil && t.EndsAt != nil && t.EndsAt.Before(*t.StartsAt) {
		return &ValidationError{Field: "ends_at", Reason: "end before start"}
	}
	if t.EstimatedHours.IsNegative() {
		return &ValidationError{Field: "estimated_hours", Reason: "must not be negative"}
	}
	if span := t.Last().Sub(t.Anchor()); span > MaxTaskSpan {
		field := "due_at"
		if t.EndsAt != nil && !t.EndsAt.Before(t.Last()) {
			field = "ends_at"
		}
		return &ValidationError{Field: field, Reason: "task spans more than two years"}
	}
	return nil
}

func (t Task) Clone() Task {
	out := t
	out.StartsAt = cloneTime(t.StartsAt)
	out.EndsAt = cloneTime(t.EndsAt)
	out.DueAt = cloneTime(t.DueAt)
	out.Metadata = maps.Clone(t.Metadata)
	return out
}

// =============================================================================
// CATEGORY
// =============================================================================

type Category struct {
	ID          EntityID  `json:"id"`
	OwnerID     UserID    `json:"owner_id,omitempty"`
	Name        string    `json:"name"`
	Color       string    `json:"color,omitempty"`
	Icon        string    `json:"icon,omitempty"`
	Description string    `json:"description,omitempty"`
	Revision    Revision  `json:"revision"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (c Category) Validate() error {
	if c.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if c.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	return nil
}

// =============================================================================
// SUBJECT / PLAN
// =============================================================================

// Section is one outline item and its weight in hours.
type Section struct {
	Label string          `json:"label"`
	Hours decimal.Decimal `json:"hours"`
}

type Subject struct {
	ID            EntityID        `json:"id"`
	OwnerID       UserID          `json:"owner_id,omitempty"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Color         string          `json:"color,omitempty"`
	Outline       []Section       `json:"outline"`
	DueAt         time.Time       `json:"due_at"`
	DailyCapacity decimal.Decimal `json:"daily_capacity"`
	TaskIDs       []EntityID      `json:"task_ids"`
	Revision      Revision        `json:"revision"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (s Subject) Validate() error {
	if s.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if s.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	return nil
}

func (s Subject) Clone() Subject {
	out := s
	out.Outline = slices.Clone(s.Outline)
	out.TaskIDs = slices.Clone(s.TaskIDs)
	return out
}

// Plan is the result of generating a schedule for a subject.
type Plan struct {
	Subject Subject `json:"subject"`
	Tasks   []Task  `json:"tasks"`
}

// =============================================================================
// PROFILE
// =============================================================================

type Profile struct {
	ID        UserID `json:"id"`
	Email     string `json:"email,omitempty"`
	FullName  string `json:"full_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// =============================================================================
// ENTITY - Tagged union over the mirrored collections
// =============================================================================

// Entity carries exactly one of Task, Category or Subject, selected by Kind.
type Entity struct {
	Kind     Kind      `json:"kind"`
	Task     *Task     `json:"task,omitempty"`
	Category *Category `json:"category,omitempty"`
	Subject  *Subject  `json:"subject,omitempty"`
}

func TaskEntity(t Task) Entity {
	c := t.Clone()
	return Entity{Kind: KindTask, Task: &c}
}

func CategoryEntity(c Category) Entity {
	return Entity{Kind: KindCategory, Category: &c}
}

func SubjectEntity(s Subject) Entity {
	c := s.Clone()
	return Entity{Kind: KindSubject, Subject: &c}
}

func (e Entity) Key() Key {
	switch e.Kind {
	case KindTask:
		if e.Task != nil {
			return TaskKey(e.Task.ID)
		}
	case KindCategory:
		if e.Category != nil {
			return CategoryKey(e.Category.ID)
		}
	case KindSubject:
		if e.Subject != nil {
			return SubjectKey(e.Subject.ID)
		}
	}
	return Key{Kind: e.Kind}
}

func (e Entity) Revision() Revision {
	switch {
	case e.Task != nil:
		return e.Task.Revision
	case e.Category != nil:
		return e.Category.Revision
	case e.Subject != nil:
		return e.Subject.Revision
	}
	return 0
}

// WithRevision returns a copy stamped with rev.
func (e Entity) WithRevision(rev Revision) Entity {
	out := e.Clone()
	switch {
	case out.Task != nil:
		out.Task.Revision = rev
	case out.Category != nil:
		out.Category.Revision = rev
	case out.Subject != nil:
		out.Subject.Revision = rev
	}
	return out
}

// WithOwner returns a copy owned by owner.
func (e Entity) WithOwner(owner UserID) Entity {
	out := e.Clone()
	switch {
	case out.Task != nil:
		out.Task.OwnerID = owner
	case out.Category != nil:
		out.Category.OwnerID = owner
	case out.Subject != nil:
		out.Subject.OwnerID = owner
	}
	return out
}

func (e Entity) Validate() error {
	switch e.Kind {
	case KindTask:
		if e.Task == nil {
			return &ValidationError{Field: "task", Reason: "missing payload"}
		}
		return e.Task.Validate()
	case KindCategory:
		if e.Category == nil {
			return &ValidationError{Field: "category", Reason: "missing payload"}
		}
		return e.Category.Validate()
	case KindSubject:
		if e.Subject == nil {
			return &ValidationError{Field: "subject", Reason: "missing payload"}
		}
		return e.Subject.Validate()
	}
	return &ValidationError{Field: "kind", Reason: "unknown entity kind " + string(e.Kind)}
}

func (e Entity) Clone() Entity {
	out := Entity{Kind: e.Kind}
	if e.Task != nil {
		t := e.Task.Clone()
		out.Task = &t
	}
	if e.Category != nil {
		c := *e.Category
		out.Category = &c
	}
	if e.Subject != nil {
		s := e.Subject.Clone()
		out.Subject = &s
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr is a convenience for building optional timestamps.
func TimePtr(t time.Time) *time.Time { return &t }
