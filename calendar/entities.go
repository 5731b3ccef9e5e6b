/*
entities.go - In-memory working set with secondary indexes

PURPOSE:
  EntityStore is the single owner of live entity state. Every catalog read
  is served from it and every mutation goes through a Tx so the caller can
  capture the touched entities for history and roll them back.

INDEXES:
  - byTime:     all tasks ordered by (anchor, id), binary-search insertion
  - byDay:      every calendar day a task covers, start day through last day
  - byCategory: tasks referencing a category
  - bySubject:  tasks generated for a subject

  Indexes are updated in the same critical section as the primary maps, so
  no index ever names an entity the primary map does not hold.

CONCURRENCY:
  Reads take the read lock. A Tx holds the write lock from Begin until
  Commit or Rollback; serializing writers across catalog calls is the
  caller's job (see catalog.Service).

SEE ALSO:
  - history.go: Snapshots produced from Tx.Changes
  - cachesync: Hydration and absorb apply through Tx without history
*/
package calendar

import (
	"cmp"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

type EntityStore struct {
	mu  sync.RWMutex
	loc *time.Location

	tasks      map[EntityID]Task
	categories map[EntityID]Category
	subjects   map[EntityID]Subject

	byTime     []timeKey
	byDay      map[Day]map[EntityID]struct{}
	byCategory map[EntityID]map[EntityID]struct{}
	bySubject  map[EntityID]map[EntityID]struct{}
}

type timeKey struct {
	At time.Time
	ID EntityID
}

func (a timeKey) less(b timeKey) bool {
	if !a.At.Equal(b.At) {
		return a.At.Before(b.At)
	}
	return a.ID < b.ID
}

// NewEntityStore creates an empty store whose day index uses loc.
func NewEntityStore(loc *time.Location) *EntityStore {
	return &EntityStore{
		loc:        locOrUTC(loc),
		tasks:      make(map[EntityID]Task),
		categories: make(map[EntityID]Category),
		subjects:   make(map[EntityID]Subject),
		byDay:      make(map[Day]map[EntityID]struct{}),
		byCategory: make(map[EntityID]map[EntityID]struct{}),
		bySubject:  make(map[EntityID]map[EntityID]struct{}),
	}
}

func (s *EntityStore) Location() *time.Location { return s.loc }

// =============================================================================
// READS
// =============================================================================

func (s *EntityStore) Get(k Key) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(k)
}

func (s *EntityStore) Task(id EntityID) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t.Clone(), ok
}

func (s *EntityStore) Category(id EntityID) (Category, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.categories[id]
	return c, ok
}

func (s *EntityStore) Subject(id EntityID) (Subject, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subjects[id]
	return sub.Clone(), ok
}

// TasksForDay returns every task covering day, ordered by anchor.
func (s *EntityStore) TasksForDay(day Day) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.byDay[day])
}

// TasksBetween returns every task whose covered range intersects
// [start, end], ordered by anchor.
func (s *EntityStore) TasksBetween(start, end time.Time) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Task
	for _, k := range s.byTime {
		if k.At.After(end) {
			break
		}
		t := s.tasks[k.ID]
		if reaches(t, start) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Tasks returns every mirrored task ordered by anchor.
func (s *EntityStore) Tasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.byTime))
	for _, k := range s.byTime {
		out = append(out, s.tasks[k.ID].Clone())
	}
	return out
}

func (s *EntityStore) TasksByCategory(id EntityID) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.byCategory[id])
}

func (s *EntityStore) TasksBySubject(id EntityID) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.bySubject[id])
}

// Categories returns all categories ordered by name.
func (s *EntityStore) Categories() []Category {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Category, 0, len(s.categories))
	for _, c := range s.categories {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Category) int {
		return cmp.Or(strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)), strings.Compare(string(a.ID), string(b.ID)))
	})
	return out
}

// Subjects returns all subjects ordered by due date.
func (s *EntityStore) Subjects() []Subject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Subject, 0, len(s.subjects))
	for _, sub := range s.subjects {
		out = append(out, sub.Clone())
	}
	slices.SortFunc(out, func(a, b Subject) int {
		return cmp.Or(a.DueAt.Compare(b.DueAt), strings.Compare(string(a.ID), string(b.ID)))
	})
	return out
}

// Keys lists every mirrored entity.
func (s *EntityStore) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keysLocked()
}

func (s *EntityStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks) + len(s.categories) + len(s.subjects)
}

// SetRevision stamps the mirrored copy of k with the backend revision.
// Index positions do not depend on revisions, so no reindexing happens.
func (s *EntityStore) SetRevision(k Key, rev Revision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch k.Kind {
	case KindTask:
		if t, ok := s.tasks[k.ID]; ok {
			t.Revision = rev
			s.tasks[k.ID] = t
		}
	case KindCategory:
		if c, ok := s.categories[k.ID]; ok {
			c.Revision = rev
			s.categories[k.ID] = c
		}
	case KindSubject:
		if sub, ok := s.subjects[k.ID]; ok {
			sub.Revision = rev
			s.subjects[k.ID] = sub
		}
	}
}

// CheckIndexes verifies that every index entry refers to a live task and
// every task is indexed.
func (s *EntityStore) CheckIndexes() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.byTime) != len(s.tasks) {
		return fmt.Errorf("time index holds %d entries for %d tasks", len(s.byTime), len(s.tasks))
	}
	for i, k := range s.byTime {
		t, ok := s.tasks[k.ID]
		if !ok {
			return fmt.Errorf("time index references missing task %q", k.ID)
		}
		if !t.Anchor().Equal(k.At) {
			return fmt.Errorf("time index for %q is stale", k.ID)
		}
		if i > 0 && k.less(s.byTime[i-1]) {
			return fmt.Errorf("time index out of order at %q", k.ID)
		}
	}
	for day, ids := range s.byDay {
		for id := range ids {
			if _, ok := s.tasks[id]; !ok {
				return fmt.Errorf("day index %s references missing task %q", day, id)
			}
		}
	}
	for cat, ids := range s.byCategory {
		for id := range ids {
			t, ok := s.tasks[id]
			if !ok || t.CategoryID != cat {
				return fmt.Errorf("category index %q references task %q incorrectly", cat, id)
			}
		}
	}
	for sub, ids := range s.bySubject {
		for id := range ids {
			t, ok := s.tasks[id]
			if !ok || t.SubjectID != sub {
				return fmt.Errorf("subject index %q references task %q incorrectly", sub, id)
			}
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// Tx is an open write on the store. The first touch of every key journals
// its prior state so Rollback can restore it and Changes can report it.
type Tx struct {
	s     *EntityStore
	order []Key
	pre   map[Key]*Entity
	done  bool
}

// Begin acquires the write lock. Exactly one of Commit or Rollback must follow.
func (s *EntityStore) Begin() *Tx {
	s.mu.Lock()
	return &Tx{s: s, pre: make(map[Key]*Entity)}
}

// Apply runs fn in a transaction, committing on success.
func (s *EntityStore) Apply(fn func(tx *Tx) error) error {
	tx := s.Begin()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()
	return nil
}

func (tx *Tx) Get(k Key) (Entity, bool) { return tx.s.getLocked(k) }

func (tx *Tx) Task(id EntityID) (Task, bool) {
	t, ok := tx.s.tasks[id]
	return t.Clone(), ok
}

func (tx *Tx) Category(id EntityID) (Category, bool) {
	c, ok := tx.s.categories[id]
	return c, ok
}

func (tx *Tx) Subject(id EntityID) (Subject, bool) {
	sub, ok := tx.s.subjects[id]
	return sub.Clone(), ok
}

// CategoryByName finds a category by case-insensitive name.
func (tx *Tx) CategoryByName(name string) (Category, bool) {
	for _, c := range tx.s.categories {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Category{}, false
}

// SubjectByName finds a subject by case-insensitive name.
func (tx *Tx) SubjectByName(name string) (Subject, bool) {
	for _, sub := range tx.s.subjects {
		if strings.EqualFold(sub.Name, name) {
			return sub.Clone(), true
		}
	}
	return Subject{}, false
}

func (tx *Tx) TasksByCategory(id EntityID) []Task { return tx.s.collectLocked(tx.s.byCategory[id]) }
func (tx *Tx) TasksBySubject(id EntityID) []Task  { return tx.s.collectLocked(tx.s.bySubject[id]) }
func (tx *Tx) Keys() []Key                        { return tx.s.keysLocked() }

// Put inserts or replaces e after validation.
func (tx *Tx) Put(e Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	k := e.Key()
	tx.touch(k)
	tx.s.putLocked(e)
	return nil
}

// Delete removes k and reports whether it existed.
func (tx *Tx) Delete(k Key) bool {
	if _, ok := tx.s.getLocked(k); !ok {
		return false
	}
	tx.touch(k)
	tx.s.deleteLocked(k)
	return true
}

// Changes returns the journaled pre-state and the current post-state of
// every touched key, in first-touch order.
func (tx *Tx) Changes() (pre, post []Snapshot) {
	for _, k := range tx.order {
		pre = append(pre, Snapshot{Key: k, State: cloneEntityPtr(tx.pre[k])})
		var cur *Entity
		if e, ok := tx.s.getLocked(k); ok {
			cur = &e
		}
		post = append(post, Snapshot{Key: k, State: cur})
	}
	return pre, post
}

// Touched lists the keys written so far.
func (tx *Tx) Touched() []Key { return slices.Clone(tx.order) }

func (tx *Tx) Commit() {
	if tx.done {
		return
	}
	tx.done = true
	tx.s.mu.Unlock()
}

// Rollback restores every touched key to its journaled state.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	for i := len(tx.order) - 1; i >= 0; i-- {
		k := tx.order[i]
		tx.s.deleteLocked(k)
		if prior := tx.pre[k]; prior != nil {
			tx.s.putLocked(*prior)
		}
	}
	tx.done = true
	tx.s.mu.Unlock()
}

func (tx *Tx) touch(k Key) {
	if _, seen := tx.pre[k]; seen {
		return
	}
	tx.order = append(tx.order, k)
	if e, ok := tx.s.getLocked(k); ok {
		tx.pre[k] = &e
	} else {
		tx.pre[k] = nil
	}
}

// =============================================================================
// LOCKED INTERNALS
// =============================================================================

func (s *EntityStore) getLocked(k Key) (Entity, bool) {
	switch k.Kind {
	case KindTask:
		if t, ok := s.tasks[k.ID]; ok {
			return TaskEntity(t), true
		}
	case KindCategory:
		if c, ok := s.categories[k.ID]; ok {
			return CategoryEntity(c), true
		}
	case KindSubject:
		if sub, ok := s.subjects[k.ID]; ok {
			return SubjectEntity(sub), true
		}
	}
	return Entity{}, false
}

func (s *EntityStore) keysLocked() []Key {
	keys := make([]Key, 0, len(s.tasks)+len(s.categories)+len(s.subjects))
	for id := range s.tasks {
		keys = append(keys, TaskKey(id))
	}
	for id := range s.categories {
		keys = append(keys, CategoryKey(id))
	}
	for id := range s.subjects {
		keys = append(keys, SubjectKey(id))
	}
	slices.SortFunc(keys, func(a, b Key) int {
		return cmp.Or(strings.Compare(string(a.Kind), string(b.Kind)), strings.Compare(string(a.ID), string(b.ID)))
	})
	return keys
}

func (s *EntityStore) putLocked(e Entity) {
	s.deleteLocked(e.Key())
	switch e.Kind {
	case KindTask:
		t := e.Task.Clone()
		s.tasks[t.ID] = t
		s.indexLocked(t)
	case KindCategory:
		s.categories[e.Category.ID] = *e.Category
	case KindSubject:
		s.subjects[e.Subject.ID] = e.Subject.Clone()
	}
}

func (s *EntityStore) deleteLocked(k Key) {
	switch k.Kind {
	case KindTask:
		if t, ok := s.tasks[k.ID]; ok {
			s.unindexLocked(t)
			delete(s.tasks, k.ID)
		}
	case KindCategory:
		delete(s.categories, k.ID)
	case KindSubject:
		delete(s.subjects, k.ID)
	}
}

func (s *EntityStore) indexLocked(t Task) {
	tk := timeKey{At: t.Anchor(), ID: t.ID}
	i := sort.Search(len(s.byTime), func(i int) bool { return tk.less(s.byTime[i]) })
	s.byTime = append(s.byTime, timeKey{})
	copy(s.byTime[i+1:], s.byTime[i:])
	s.byTime[i] = tk

	for _, day := range s.coveredDays(t) {
		addTo(s.byDay, day, t.ID)
	}
	if t.CategoryID != "" {
		addTo(s.byCategory, t.CategoryID, t.ID)
	}
	if t.SubjectID != "" {
		addTo(s.bySubject, t.SubjectID, t.ID)
	}
}

func (s *EntityStore) unindexLocked(t Task) {
	tk := timeKey{At: t.Anchor(), ID: t.ID}
	i := sort.Search(len(s.byTime), func(i int) bool { return !s.byTime[i].less(tk) })
	if i < len(s.byTime) && s.byTime[i] == tk {
		s.byTime = append(s.byTime[:i], s.byTime[i+1:]...)
	}

	for _, day := range s.coveredDays(t) {
		removeFrom(s.byDay, day, t.ID)
	}
	if t.CategoryID != "" {
		removeFrom(s.byCategory, t.CategoryID, t.ID)
	}
	if t.SubjectID != "" {
		removeFrom(s.bySubject, t.SubjectID, t.ID)
	}
}

// coveredDays lists the days from the anchor's day to the last day. A task
// that ends exactly at a later midnight does not cover the day that starts
// there.
func (s *EntityStore) coveredDays(t Task) []Day {
	first := DayOf(t.Anchor(), s.loc)
	last := DayOf(t.Last(), s.loc)
	if endsAtMidnight(t, s.loc) && last.After(first) {
		last = last.AddDays(-1)
	}
	days := []Day{first}
	for d := first.AddDays(1); !d.After(last); d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}

func endsAtMidnight(t Task, loc *time.Location) bool {
	last := t.Last()
	return last.After(t.Anchor()) && last.Equal(DayOf(last, loc).Start(loc))
}

// reaches reports whether t still covers start. A range's end is exclusive
// once it lies past the anchor.
func reaches(t Task, start time.Time) bool {
	last := t.Last()
	if last.After(t.Anchor()) {
		return last.After(start)
	}
	return !last.Before(start)
}

func (s *EntityStore) collectLocked(ids map[EntityID]struct{}) []Task {
	out := make([]Task, 0, len(ids))
	for id := range ids {
		out = append(out, s.tasks[id].Clone())
	}
	SortTasks(out)
	return out
}

// SortTasks orders tasks by anchor, then id.
func SortTasks(tasks []Task) {
	slices.SortFunc(tasks, func(a, b Task) int {
		return cmp.Or(a.Anchor().Compare(b.Anchor()), strings.Compare(string(a.ID), string(b.ID)))
	})
}

func addTo[K comparable](idx map[K]map[EntityID]struct{}, k K, id EntityID) {
	set, ok := idx[k]
	if !ok {
		set = make(map[EntityID]struct{})
		idx[k] = set
	}
	set[id] = struct{}{}
}

func removeFrom[K comparable](idx map[K]map[EntityID]struct{}, k K, id EntityID) {
	set, ok := idx[k]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, k)
	}
}

func cloneEntityPtr(e *Entity) *Entity {
	if e == nil {
		return nil
	}
	c := e.Clone()
	return &c
}
