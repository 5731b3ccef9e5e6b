// Package store provides Backend implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/calm-planner/calendar"
)

// =============================================================================
// MEMORY BACKEND - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a multi-tenant Backend held in process memory. It enforces the
// same revision rules as the relational stores and publishes a change feed.
type Memory struct {
	mu      sync.RWMutex
	tenants map[calendar.UserID]*tenant
	subs    map[calendar.UserID][]chan calendar.Delta

	failures []error
	calls    map[string]int
}

type tenant struct {
	profile *calendar.Profile
	records map[calendar.Key]calendar.Entity
	// tombstones holds the revision each deleted key ended on.
	tombstones map[calendar.Key]calendar.Revision
	history    map[calendar.HistoryID]calendar.HistoryEntry
}

var (
	_ calendar.Backend = (*Memory)(nil)
	_ calendar.Watcher = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		tenants: make(map[calendar.UserID]*tenant),
		subs:    make(map[calendar.UserID][]chan calendar.Delta),
		calls:   make(map[string]int),
	}
}

// SaveProfile creates or replaces the owner's profile.
func (m *Memory) SaveProfile(p calendar.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenantLocked(p.ID).profile = &p
}

// FailNext queues errors returned by the next calls, one per call, in order.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Calls reports how many times op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// Revision returns the stored revision for key, zero when absent.
func (m *Memory) Revision(owner calendar.UserID, key calendar.Key) calendar.Revision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tenants[owner]; ok {
		if e, ok := t.records[key]; ok {
			return e.Revision()
		}
	}
	return 0
}

func (m *Memory) Profile(_ context.Context, owner calendar.UserID) (calendar.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked("profile"); err != nil {
		return calendar.Profile{}, err
	}
	t, ok := m.tenants[owner]
	if !ok || t.profile == nil {
		return calendar.Profile{}, calendar.NotFound(calendar.Key{Kind: "profile", ID: calendar.EntityID(owner)})
	}
	return *t.profile, nil
}

func (m *Memory) FetchTasks(_ context.Context, owner calendar.UserID, w calendar.Window) ([]calendar.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked("fetch_tasks"); err != nil {
		return nil, err
	}
	var out []calendar.Task
	for k, e := range m.tenantLocked(owner).records {
		if k.Kind == calendar.KindTask && w.Contains(e.Task.Anchor()) {
			out = append(out, e.Task.Clone())
		}
	}
	calendar.SortTasks(out)
	return out, nil
}

func (m *Memory) FetchTasksReferencing(_ context.Context, owner calendar.UserID, ref calendar.Key) ([]calendar.Task, error) {
	if err := calendar.CheckReference(ref); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked("fetch_referencing"); err != nil {
		return nil, err
	}
	var out []calendar.Task
	for k, e := range m.tenantLocked(owner).records {
		if k.Kind == calendar.KindTask && e.Task.References(ref) {
			out = append(out, e.Task.Clone())
		}
	}
	calendar.SortTasks(out)
	return out, nil
}

func (m *Memory) FetchCategories(_ context.Context, owner calendar.UserID) ([]calendar.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked("fetch_categories"); err != nil {
		return nil, err
	}
	var out []calendar.Category
	for k, e := range m.tenantLocked(owner).records {
		if k.Kind == calendar.KindCategory {
			out = append(out, *e.Category)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) FetchSubjects(_ context.Context, owner calendar.UserID) ([]calendar.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked("fetch_subjects"); err != nil {
		return nil, err
	}
	var out []calendar.Subject
	for k, e := range m.tenantLocked(owner).records {
		if k.Kind == calendar.KindSubject {
			out = append(out, e.Subject.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Get(_ context.Context, owner calendar.UserID, key calendar.Key) (calendar.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked("get"); err != nil {
		return calendar.Entity{}, err
	}
	e, ok := m.tenantLocked(owner).records[key]
	if !ok {
		return calendar.Entity{}, calendar.NotFound(key)
	}
	return e.Clone(), nil
}

func (m *Memory) Put(_ context.Context, owner calendar.UserID, e calendar.Entity, base calendar.Revision) (calendar.Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked("put"); err != nil {
		return 0, err
	}
	key := e.Key()
	t := m.tenantLocked(owner)
	var current calendar.Revision
	if existing, ok := t.records[key]; ok {
		current = existing.Revision()
	}
	next, err := calendar.NextRevision(key, current, t.tombstones[key], base)
	if err != nil {
		return 0, err
	}
	stored := e.WithOwner(owner).WithRevision(next)
	t.records[key] = stored
	delete(t.tombstones, key)
	m.publishLocked(owner, calendar.Delta{Key: key, Op: calendar.OpUpsert, Entity: &stored, Revision: next})
	return next, nil
}

func (m *Memory) Delete(_ context.Context, owner calendar.UserID, key calendar.Key, base calendar.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked("delete"); err != nil {
		return err
	}
	t := m.tenantLocked(owner)
	existing, ok := t.records[key]
	if !ok {
		return nil
	}
	if current := existing.Revision(); current > base {
		return &calendar.StaleWriteError{Key: key, Base: base, Current: current}
	}
	delete(t.records, key)
	t.tombstones[key] = existing.Revision() + 1
	m.publishLocked(owner, calendar.Delta{Key: key, Op: calendar.OpDelete, Revision: t.tombstones[key]})
	return nil
}

func (m *Memory) AppendHistory(_ context.Context, owner calendar.UserID, entry calendar.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked("append_history"); err != nil {
		return err
	}
	t := m.tenantLocked(owner)
	if _, dup := t.history[entry.ID]; !dup {
		t.history[entry.ID] = entry.Clone()
	}
	return nil
}

func (m *Memory) LoadHistory(_ context.Context, owner calendar.UserID) ([]calendar.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked("load_history"); err != nil {
		return nil, err
	}
	t := m.tenantLocked(owner)
	out := make([]calendar.HistoryEntry, 0, len(t.history))
	for _, h := range t.history {
		out = append(out, h.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Watch streams every accepted write for owner until ctx is done.
func (m *Memory) Watch(ctx context.Context, owner calendar.UserID) (<-chan calendar.Delta, error) {
	ch := make(chan calendar.Delta, 64)
	m.mu.Lock()
	m.subs[owner] = append(m.subs[owner], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[owner]
		for i, c := range subs {
			if c == ch {
				m.subs[owner] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) tenantLocked(owner calendar.UserID) *tenant {
	t, ok := m.tenants[owner]
	if !ok {
		t = &tenant{
			records:    make(map[calendar.Key]calendar.Entity),
			tombstones: make(map[calendar.Key]calendar.Revision),
			history:    make(map[calendar.HistoryID]calendar.HistoryEntry),
		}
		m.tenants[owner] = t
	}
	return t
}

// enterLocked counts the call and pops a queued failure.
func (m *Memory) enterLocked(op string) error {
	m.calls[op]++
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return calendar.Unavailable(op, err)
}

// publishLocked never blocks; a subscriber that falls behind misses deltas
// and catches up on the next hydration.
func (m *Memory) publishLocked(owner calendar.UserID, d calendar.Delta) {
	for _, ch := range m.subs[owner] {
		select {
		case ch <- d:
		default:
		}
	}
}
