/*
history.go - Reversible mutation history

PURPOSE:
  Every catalog mutation produces exactly one HistoryEntry holding a deep
  copy of each touched entity before and after the change. Entries are
  immutable and ordered; reverting to an entry re-applies its pre-state and
  is itself recorded, so reverts can be reverted.

ORDERING:
  IDs are assigned under the store lock and strictly increase. Timestamps
  never decrease even if the clock steps backwards.

DURABILITY:
  Record persists through a HistoryLog before the entry becomes visible.
  When the log fails nothing is appended and the caller rolls back the
  paired entity transaction.

USAGE:
  tx := entities.Begin()
  _ = tx.Put(calendar.TaskEntity(task))
  pre, post := tx.Changes()
  if _, err := history.Record(ctx, calendar.ActionUpsertEvent, pre, post, nil); err != nil {
      tx.Rollback()
      return err
  }
  tx.Commit()

SEE ALSO:
  - entities.go: Tx journal that produces the snapshots
  - catalog/service.go: The mutation path that pairs both
*/
package calendar

import (
	"cmp"
	"context"
	"iter"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"
)

// =============================================================================
// TYPES
// =============================================================================

type HistoryID int64

func (id HistoryID) String() string { return strconv.FormatInt(int64(id), 10) }

// HistoryKey addresses an entry in the synchronizer's dirty set.
func HistoryKey(id HistoryID) Key { return Key{Kind: KindHistory, ID: EntityID(id.String())} }

// ParseHistoryID accepts the decimal form produced by HistoryID.String.
func ParseHistoryID(s string) (HistoryID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, &ValidationError{Field: "entry_id", Reason: "must be a positive integer"}
	}
	return HistoryID(n), nil
}

type Action string

const (
	ActionGeneratePlan   Action = "generate_plan"
	ActionUpsertEvent    Action = "upsert_event"
	ActionUpdateStatus   Action = "update_event_status"
	ActionAddNote        Action = "add_note"
	ActionDeleteEvent    Action = "delete_event"
	ActionUpsertCategory Action = "upsert_category"
	ActionDeleteCategory Action = "delete_category"
	ActionDeleteSubject  Action = "delete_subject"
	ActionUpsertSubject  Action = "upsert_subject"
	ActionUpdateDueDate  Action = "update_due_date"
	ActionReschedule     Action = "reschedule_event"
	ActionDuplicateEvent Action = "duplicate_event"
	ActionRevert         Action = "revert"
)

// Snapshot is the state of one entity at a point in history.
// A nil State means the entity did not exist.
type Snapshot struct {
	Key   Key     `json:"key"`
	State *Entity `json:"state,omitempty"`
}

func (s Snapshot) Clone() Snapshot {
	return Snapshot{Key: s.Key, State: cloneEntityPtr(s.State)}
}

type HistoryEntry struct {
	ID        HistoryID         `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Action    Action            `json:"action"`
	Pre       []Snapshot        `json:"pre"`
	Post      []Snapshot        `json:"post"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (h HistoryEntry) Clone() HistoryEntry {
	out := h
	out.Pre = cloneSnapshots(h.Pre)
	out.Post = cloneSnapshots(h.Post)
	out.Metadata = maps.Clone(h.Metadata)
	return out
}

// Keys lists the entities the entry touched.
func (h HistoryEntry) Keys() []Key {
	keys := make([]Key, 0, len(h.Pre))
	for _, s := range h.Pre {
		keys = append(keys, s.Key)
	}
	return keys
}

func cloneSnapshots(in []Snapshot) []Snapshot {
	if in == nil {
		return nil
	}
	out := make([]Snapshot, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}

// HistoryFilter narrows List. Zero fields match everything.
type HistoryFilter struct {
	From    time.Time
	To      time.Time
	Actions []Action
}

func (f HistoryFilter) matches(h HistoryEntry) bool {
	if !f.From.IsZero() && h.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && h.Timestamp.After(f.To) {
		return false
	}
	if len(f.Actions) > 0 && !slices.Contains(f.Actions, h.Action) {
		return false
	}
	return true
}

// =============================================================================
// HISTORY STORE
// =============================================================================

type HistoryStore struct {
	mu      sync.RWMutex
	log     HistoryLog
	clock   Clock
	entries []HistoryEntry
	index   map[HistoryID]int
}

func NewHistoryStore(log HistoryLog, clock Clock) *HistoryStore {
	if log == nil {
		log = NewMemoryHistoryLog()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &HistoryStore{log: log, clock: clock, index: make(map[HistoryID]int)}
}

// Load replaces the in-memory entries with the log's contents.
func (h *HistoryStore) Load(ctx context.Context) error {
	entries, err := h.log.Entries(ctx)
	if err != nil {
		return err
	}
	slices.SortFunc(entries, func(a, b HistoryEntry) int { return cmp.Compare(a.ID, b.ID) })

	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = h.entries[:0]
	h.index = make(map[HistoryID]int, len(entries))
	for _, e := range entries {
		if _, dup := h.index[e.ID]; dup {
			continue
		}
		h.index[e.ID] = len(h.entries)
		h.entries = append(h.entries, e.Clone())
	}
	return nil
}

// Record appends an entry for a completed change. The snapshots are cloned,
// so callers may keep using their slices.
func (h *HistoryStore) Record(ctx context.Context, action Action, pre, post []Snapshot, metadata map[string]string) (HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry := HistoryEntry{
		ID:        h.nextIDLocked(),
		Timestamp: h.clock.Now().UTC(),
		Action:    action,
		Pre:       cloneSnapshots(pre),
		Post:      cloneSnapshots(post),
		Metadata:  maps.Clone(metadata),
	}
	if n := len(h.entries); n > 0 && entry.Timestamp.Before(h.entries[n-1].Timestamp) {
		entry.Timestamp = h.entries[n-1].Timestamp
	}

	if err := h.log.Append(ctx, entry.Clone()); err != nil {
		return HistoryEntry{}, &HistoryWriteError{Action: action, Err: err}
	}

	h.index[entry.ID] = len(h.entries)
	h.entries = append(h.entries, entry)
	return entry.Clone(), nil
}

// Revert applies the pre-state captured by entry id inside tx and returns
// the snapshots it applied. Entities absent at that point are deleted. A
// restored task that points at a category or subject which no longer exists
// is detached from it. The caller records the resulting change as a new
// entry.
func (h *HistoryStore) Revert(tx *Tx, id HistoryID) ([]Snapshot, error) {
	entry, ok := h.Get(id)
	if !ok {
		return nil, NotFound(HistoryKey(id))
	}
	applied := make([]Snapshot, 0, len(entry.Pre))
	for _, snap := range entry.Pre {
		if snap.State == nil {
			tx.Delete(snap.Key)
			applied = append(applied, Snapshot{Key: snap.Key})
			continue
		}
		// Content comes from the snapshot; the revision stays with the live
		// copy so the next write is based on what the backend holds.
		var rev Revision
		if cur, ok := tx.Get(snap.Key); ok {
			rev = cur.Revision()
		}
		state := snap.State.WithRevision(rev)
		if state.Task != nil {
			state.Task.CategoryID, state.Task.SubjectID = liveRefs(tx, entry.Pre, *state.Task)
		}
		if err := tx.Put(state); err != nil {
			return nil, err
		}
		applied = append(applied, Snapshot{Key: snap.Key, State: &state})
	}
	return applied, nil
}

// liveRefs returns t's category and subject ids, cleared where the target is
// gone once the revert lands. Targets restored by the same entry count as
// live.
func liveRefs(tx *Tx, restoring []Snapshot, t Task) (EntityID, EntityID) {
	exists := func(k Key) bool {
		for _, snap := range restoring {
			if snap.Key == k {
				return snap.State != nil
			}
		}
		_, ok := tx.Get(k)
		return ok
	}
	category, subject := t.CategoryID, t.SubjectID
	if category != "" && !exists(CategoryKey(category)) {
		category = ""
	}
	if subject != "" && !exists(SubjectKey(subject)) {
		subject = ""
	}
	return category, subject
}

func (h *HistoryStore) Get(id HistoryID) (HistoryEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	i, ok := h.index[id]
	if !ok {
		return HistoryEntry{}, false
	}
	return h.entries[i].Clone(), true
}

// Last returns the most recent entry.
func (h *HistoryStore) Last() (HistoryEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.entries) == 0 {
		return HistoryEntry{}, false
	}
	return h.entries[len(h.entries)-1].Clone(), true
}

func (h *HistoryStore) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// List yields matching entries oldest first. Each range over the sequence
// sees the entries recorded before it started.
func (h *HistoryStore) List(filter HistoryFilter) iter.Seq[HistoryEntry] {
	return func(yield func(HistoryEntry) bool) {
		h.mu.RLock()
		n := len(h.entries)
		h.mu.RUnlock()

		for i := 0; i < n; i++ {
			h.mu.RLock()
			e := h.entries[i]
			h.mu.RUnlock()
			if !filter.matches(e) {
				continue
			}
			if !yield(e.Clone()) {
				return
			}
		}
	}
}

func (h *HistoryStore) nextIDLocked() HistoryID {
	if n := len(h.entries); n > 0 {
		return h.entries[n-1].ID + 1
	}
	return 1
}

// =============================================================================
// MEMORY HISTORY LOG
// =============================================================================

// MemoryHistoryLog keeps entries in memory. FailNext makes the next Append
// return the given error, for exercising rollback paths.
type MemoryHistoryLog struct {
	mu      sync.Mutex
	entries []HistoryEntry
	failErr error
}

func NewMemoryHistoryLog() *MemoryHistoryLog {
	return &MemoryHistoryLog{}
}

func (m *MemoryHistoryLog) Append(_ context.Context, entry HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failErr; err != nil {
		m.failErr = nil
		return err
	}
	m.entries = append(m.entries, entry.Clone())
	return nil
}

func (m *MemoryHistoryLog) Entries(_ context.Context) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HistoryEntry, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Clone()
	}
	return out, nil
}

func (m *MemoryHistoryLog) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}
