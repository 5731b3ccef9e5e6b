/*
Package cachesync keeps the in-memory EntityStore consistent with a Backend.

PURPOSE:
  The planner serves every read from memory. The Synchronizer decides which
  slice of the backend is mirrored (a window of days around now), pushes
  local writes out in the background and folds remote changes back in.

WINDOW:
  Hydrate replaces the mirrored contents of a window with the backend's.
  When now comes within Margin of an edge, Slide moves the window, fetches
  only the newly exposed ranges and evicts clean entities that fell out.
  Entities with pending writes are never replaced or evicted.

WRITES:
  Catalog mutations call MarkDirty after committing. The worker flushes
  pending keys with the revision they were based on:
    - accepted:       the entry settles and the new revision is stored
    - stale:          the local write is rejected, the backend value is
                      re-read into the mirror, a Conflict is published
    - unavailable:    the entry is retried with exponential backoff
    - cancelled:      the entry stays pending untouched

PULL:
  Some mutations reach past the window: cascades over every task of a
  category or subject, and reverts of entries whose entities were evicted.
  The catalog calls Pull before taking the mutation lock, then AdoptLocked
  under it, so those tasks are in the mirror when the transaction runs.

LOCKING:
  The mutation lock (shared with catalog.Service) is held only while
  applying fetched data to the EntityStore, never during backend I/O.
  The dirty set has its own lock.

SEE ALSO:
  - dirty.go: Pending write bookkeeping
  - worker.go: Background loop
  - calendar/store.go: Backend contract
*/
package cachesync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/warp/calm-planner/calendar"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

type Options struct {
	BeforeDays    int
	AfterDays     int
	Margin        time.Duration
	FlushInterval time.Duration
	SlideInterval time.Duration
	FlushTimeout  time.Duration
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
}

func DefaultOptions() Options {
	return Options{
		BeforeDays:    365,
		AfterDays:     365,
		Margin:        7 * 24 * time.Hour,
		FlushInterval: 2 * time.Second,
		SlideInterval: time.Minute,
		FlushTimeout:  10 * time.Second,
		BaseBackoff:   500 * time.Millisecond,
		MaxBackoff:    time.Minute,
	}
}

type Config struct {
	Owner    calendar.UserID
	Backend  calendar.Backend
	Entities *calendar.EntityStore
	History  *calendar.HistoryStore
	// Lock is the mutation lock shared with the catalog.
	Lock    sync.Locker
	Clock   calendar.Clock
	Options Options
}

// Conflict describes a local write the backend rejected.
type Conflict struct {
	Key    calendar.Key     `json:"key"`
	Error  string           `json:"error"`
	Remote *calendar.Entity `json:"remote,omitempty"`
	At     time.Time        `json:"at"`
}

// CacheWindow is a point-in-time view of what is mirrored.
type CacheWindow struct {
	Lower        time.Time      `json:"lower"`
	Upper        time.Time      `json:"upper"`
	Mirrored     []calendar.Key `json:"mirrored"`
	Dirty        []Pending      `json:"dirty"`
	LastHydrated time.Time      `json:"last_hydrated,omitempty"`
	Conflicts    []Conflict     `json:"conflicts,omitempty"`
}

// Change is one committed local write to propagate.
type Change struct {
	Key  calendar.Key
	Op   calendar.Op
	Base calendar.Revision
}

const recentConflicts = 20

// =============================================================================
// SYNCHRONIZER
// =============================================================================

type Synchronizer struct {
	owner    calendar.UserID
	backend  calendar.Backend
	entities *calendar.EntityStore
	history  *calendar.HistoryStore
	lock     sync.Locker
	clock    calendar.Clock
	opts     Options
	dirty    *DirtySet

	mu           sync.RWMutex
	window       calendar.Window
	profile      *calendar.Profile
	lastHydrated time.Time
	recent       []Conflict

	kick      chan struct{}
	conflicts chan Conflict

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func New(cfg Config) *Synchronizer {
	if cfg.Clock == nil {
		cfg.Clock = calendar.SystemClock{}
	}
	if cfg.Lock == nil {
		cfg.Lock = &sync.Mutex{}
	}
	if cfg.Options == (Options{}) {
		cfg.Options = DefaultOptions()
	}
	return &Synchronizer{
		owner:     cfg.Owner,
		backend:   cfg.Backend,
		entities:  cfg.Entities,
		history:   cfg.History,
		lock:      cfg.Lock,
		clock:     cfg.Clock,
		opts:      cfg.Options,
		dirty:     NewDirtySet(),
		kick:      make(chan struct{}, 1),
		conflicts: make(chan Conflict, 16),
	}
}

// Dirty exposes the pending write set.
func (s *Synchronizer) Dirty() *DirtySet { return s.dirty }

// Conflicts delivers rejected writes. Conflicts are dropped when nobody reads.
func (s *Synchronizer) Conflicts() <-chan Conflict { return s.conflicts }

func (s *Synchronizer) Window() calendar.Window {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.window
}

func (s *Synchronizer) State() CacheWindow {
	s.mu.RLock()
	w, last, recent := s.window, s.lastHydrated, append([]Conflict(nil), s.recent...)
	s.mu.RUnlock()
	return CacheWindow{
		Lower:        w.Lower,
		Upper:        w.Upper,
		Mirrored:     s.entities.Keys(),
		Dirty:        s.dirty.All(),
		LastHydrated: last,
		Conflicts:    recent,
	}
}

// Profile returns the profile fetched by the last hydration, or fetches it.
func (s *Synchronizer) Profile(ctx context.Context) (calendar.Profile, error) {
	s.mu.RLock()
	p := s.profile
	s.mu.RUnlock()
	if p != nil {
		return *p, nil
	}
	profile, err := s.backend.Profile(ctx, s.owner)
	if err != nil {
		return calendar.Profile{}, err
	}
	s.mu.Lock()
	s.profile = &profile
	s.mu.Unlock()
	return profile, nil
}

// MarkDirty queues committed changes and wakes the worker. The caller holds
// the mutation lock.
func (s *Synchronizer) MarkDirty(changes ...Change) {
	for _, c := range changes {
		s.dirty.Mark(c.Key, c.Op, c.Base)
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// =============================================================================
// HYDRATION
// =============================================================================

type snapshot struct {
	tasks      []calendar.Task
	categories []calendar.Category
	subjects   []calendar.Subject
	profile    *calendar.Profile
}

// Hydrate makes the mirror match the backend inside w. Calling it twice with
// the same w and no remote changes leaves the mirror unchanged.
func (s *Synchronizer) Hydrate(ctx context.Context, w calendar.Window) error {
	var snap snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		snap.tasks, err = s.backend.FetchTasks(gctx, s.owner, w)
		return err
	})
	g.Go(func() (err error) {
		snap.categories, err = s.backend.FetchCategories(gctx, s.owner)
		return err
	})
	g.Go(func() (err error) {
		snap.subjects, err = s.backend.FetchSubjects(gctx, s.owner)
		return err
	})
	g.Go(func() error {
		p, err := s.backend.Profile(gctx, s.owner)
		if calendar.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		snap.profile = &p
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("hydrate %s: %w", w, err)
	}

	s.lock.Lock()
	err := s.entities.Apply(func(tx *calendar.Tx) error {
		s.replaceTasks(tx, w, snap.tasks)
		s.replaceKind(tx, calendar.KindCategory, categoryEntities(snap.categories))
		s.replaceKind(tx, calendar.KindSubject, subjectEntities(snap.subjects))
		s.evictOutside(tx, w)
		return nil
	})
	s.lock.Unlock()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.window = w
	if snap.profile != nil {
		s.profile = snap.profile
	}
	s.lastHydrated = s.clock.Now()
	s.mu.Unlock()
	return nil
}

// HydrateAround hydrates the configured window around now.
func (s *Synchronizer) HydrateAround(ctx context.Context, now time.Time) error {
	return s.Hydrate(ctx, calendar.HydrationWindow(now, s.opts.BeforeDays, s.opts.AfterDays, s.entities.Location()))
}

// Slide moves the window when now is near an edge. Only the exposed ranges
// are fetched. It reports whether the window moved.
func (s *Synchronizer) Slide(ctx context.Context, now time.Time) (bool, error) {
	cur := s.Window()
	if !calendar.NeedsSlide(cur, now, s.opts.Margin) {
		return false, nil
	}
	next := calendar.HydrationWindow(now, s.opts.BeforeDays, s.opts.AfterDays, s.entities.Location())
	if cur.IsZero() {
		return true, s.Hydrate(ctx, next)
	}
	if next == cur {
		return false, nil
	}

	exposed := next.Exposed(cur)
	fetched := make([][]calendar.Task, len(exposed))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range exposed {
		g.Go(func() (err error) {
			fetched[i], err = s.backend.FetchTasks(gctx, s.owner, r)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return false, fmt.Errorf("slide to %s: %w", next, err)
	}

	s.lock.Lock()
	err := s.entities.Apply(func(tx *calendar.Tx) error {
		for i, r := range exposed {
			s.replaceTasks(tx, r, fetched[i])
		}
		s.evictOutside(tx, next)
		return nil
	})
	s.lock.Unlock()
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.window = next
	s.mu.Unlock()
	log.Printf("[Sync] Window moved to %s (%d ranges fetched)", next, len(exposed))
	return true, nil
}

// replaceTasks makes clean mirrored tasks anchored in w match remote.
func (s *Synchronizer) replaceTasks(tx *calendar.Tx, w calendar.Window, remote []calendar.Task) {
	seen := make(map[calendar.EntityID]bool, len(remote))
	for _, t := range remote {
		seen[t.ID] = true
		key := calendar.TaskKey(t.ID)
		if s.dirty.Contains(key) || s.newerLocally(tx, key, t.Revision) {
			continue
		}
		if err := tx.Put(calendar.TaskEntity(t)); err != nil {
			log.Printf("[Sync] Skipping invalid remote task %s: %v", t.ID, err)
		}
	}
	for _, key := range tx.Keys() {
		if key.Kind != calendar.KindTask || seen[key.ID] || s.dirty.Contains(key) {
			continue
		}
		if t, ok := tx.Task(key.ID); ok && w.Contains(t.Anchor()) {
			tx.Delete(key)
		}
	}
}

// replaceKind makes the clean mirrored entities of kind match remote.
func (s *Synchronizer) replaceKind(tx *calendar.Tx, kind calendar.Kind, remote []calendar.Entity) {
	seen := make(map[calendar.Key]bool, len(remote))
	for _, e := range remote {
		key := e.Key()
		seen[key] = true
		if s.dirty.Contains(key) || s.newerLocally(tx, key, e.Revision()) {
			continue
		}
		if err := tx.Put(e); err != nil {
			log.Printf("[Sync] Skipping invalid remote %s: %v", key, err)
		}
	}
	for _, key := range tx.Keys() {
		if key.Kind == kind && !seen[key] && !s.dirty.Contains(key) {
			tx.Delete(key)
		}
	}
}

// newerLocally reports whether a flush settled after the fetch started.
func (s *Synchronizer) newerLocally(tx *calendar.Tx, key calendar.Key, remote calendar.Revision) bool {
	cur, ok := tx.Get(key)
	return ok && cur.Revision() > remote
}

// evictOutside drops clean tasks anchored outside w from the mirror only.
func (s *Synchronizer) evictOutside(tx *calendar.Tx, w calendar.Window) {
	for _, key := range tx.Keys() {
		if key.Kind != calendar.KindTask || s.dirty.Contains(key) {
			continue
		}
		if t, ok := tx.Task(key.ID); ok && !w.Contains(t.Anchor()) {
			tx.Delete(key)
		}
	}
}

// =============================================================================
// PULL
// =============================================================================

// pullConcurrency bounds the backend reads one Pull issues at a time.
const pullConcurrency = 4

// Pull reads what a mutation needs beyond the window: each of keys (absent
// ones are skipped) and every task filed under each of refs. It performs
// I/O only and leaves the mirror alone.
func (s *Synchronizer) Pull(ctx context.Context, keys, refs []calendar.Key) ([]calendar.Entity, error) {
	if len(keys) == 0 && len(refs) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.FlushTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		pulled []calendar.Entity
	)
	keep := func(es ...calendar.Entity) {
		mu.Lock()
		pulled = append(pulled, es...)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pullConcurrency)
	for _, key := range keys {
		if key.Kind == calendar.KindHistory {
			continue
		}
		g.Go(func() error {
			e, err := s.backend.Get(gctx, s.owner, key)
			if calendar.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			keep(e)
			return nil
		})
	}
	for _, ref := range refs {
		g.Go(func() error {
			tasks, err := s.backend.FetchTasksReferencing(gctx, s.owner, ref)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				keep(calendar.TaskEntity(t))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}
	return pulled, nil
}

// AdoptLocked puts pulled entities into the mirror where it holds neither a
// copy nor a pending write. Nothing is recorded in history. The caller holds
// the mutation lock. It returns how many entities were adopted.
func (s *Synchronizer) AdoptLocked(pulled []calendar.Entity) int {
	adopted := 0
	_ = s.entities.Apply(func(tx *calendar.Tx) error {
		for _, e := range pulled {
			key := e.Key()
			if s.dirty.Contains(key) {
				continue
			}
			if _, ok := tx.Get(key); ok {
				continue
			}
			if err := tx.Put(e); err != nil {
				log.Printf("[Sync] Skipping invalid pulled %s: %v", key, err)
				continue
			}
			adopted++
		}
		return nil
	})
	if adopted > 0 {
		log.Printf("[Sync] Adopted %d entities from outside the window", adopted)
	}
	return adopted
}

// =============================================================================
// ABSORB
// =============================================================================

// Absorb merges one observed remote change into the mirror. It performs no
// I/O. Deltas for keys with pending writes, or not newer than the mirrored
// revision, are ignored. It reports whether the mirror changed.
func (s *Synchronizer) Absorb(d calendar.Delta) bool {
	if d.Key.Kind == calendar.KindHistory {
		return false
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.absorbLocked(d)
}

func (s *Synchronizer) absorbLocked(d calendar.Delta) bool {
	if s.dirty.Contains(d.Key) {
		return false
	}
	if local, ok := s.entities.Get(d.Key); ok && d.Revision <= local.Revision() {
		return false
	}
	return s.applyLocked(d)
}

// applyLocked writes a backend value into the mirror, honoring the window.
func (s *Synchronizer) applyLocked(d calendar.Delta) bool {
	w := s.Window()
	changed := false
	_ = s.entities.Apply(func(tx *calendar.Tx) error {
		if d.Op == calendar.OpDelete || d.Entity == nil {
			changed = tx.Delete(d.Key)
			return nil
		}
		e := d.Entity.WithRevision(d.Revision)
		if e.Kind == calendar.KindTask && !w.IsZero() && !w.Contains(e.Task.Anchor()) {
			changed = tx.Delete(d.Key)
			return nil
		}
		if err := tx.Put(e); err != nil {
			log.Printf("[Sync] Ignoring invalid delta for %s: %v", d.Key, err)
			return nil
		}
		changed = true
		return nil
	})
	return changed
}

// =============================================================================
// FLUSH
// =============================================================================

// Flush pushes the pending write for key, if any.
func (s *Synchronizer) Flush(ctx context.Context, key calendar.Key) error {
	p, ok := s.dirty.Get(key)
	if !ok {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		rev calendar.Revision
		err error
	)
	switch {
	case key.Kind == calendar.KindHistory:
		id, perr := calendar.ParseHistoryID(string(key.ID))
		entry, found := s.history.Get(id)
		if perr != nil || !found {
			s.dirty.Drop(key)
			return nil
		}
		err = s.backend.AppendHistory(ctx, s.owner, entry)
	case p.Op == calendar.OpDelete:
		err = s.backend.Delete(ctx, s.owner, key, p.Base)
	default:
		e, found := s.entities.Get(key)
		if !found {
			// Deleted locally after being marked; the delete has its own mark.
			s.dirty.Drop(key)
			return nil
		}
		rev, err = s.backend.Put(ctx, s.owner, e, p.Base)
	}

	switch {
	case err == nil:
		s.lock.Lock()
		if key.Kind != calendar.KindHistory && p.Op == calendar.OpUpsert {
			s.entities.SetRevision(key, rev)
		}
		s.dirty.Settle(key, p.Gen, rev)
		s.lock.Unlock()
		return nil

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		return err

	case calendar.IsRetryable(err):
		delay := s.backoff(p.Attempts)
		s.dirty.Defer(key, s.clock.Now().Add(delay), err)
		log.Printf("[Sync] Flush of %s failed, retrying in %v: %v", key, delay, err)
		return err

	case key.Kind == calendar.KindHistory:
		s.dirty.Drop(key)
		log.Printf("[Sync] Dropping history entry %s rejected by backend: %v", key.ID, err)
		return err

	default:
		// Stale or otherwise rejected: the backend value wins.
		s.dirty.Drop(key)
		s.reconcile(ctx, key, err)
		return err
	}
}

// FlushAll pushes every pending write regardless of backoff.
func (s *Synchronizer) FlushAll(ctx context.Context) error {
	var errs []error
	for _, p := range s.dirty.All() {
		if err := s.Flush(ctx, p.Key); err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

// FlushDue pushes the pending writes whose backoff has elapsed.
func (s *Synchronizer) FlushDue(ctx context.Context) int {
	flushed := 0
	for _, p := range s.dirty.Due(s.clock.Now()) {
		fctx, cancel := context.WithTimeout(ctx, s.opts.FlushTimeout)
		err := s.Flush(fctx, p.Key)
		cancel()
		if err == nil {
			flushed++
		}
		if ctx.Err() != nil {
			break
		}
	}
	return flushed
}

// reconcile replaces the mirrored copy of key with the backend's and
// publishes the conflict.
func (s *Synchronizer) reconcile(ctx context.Context, key calendar.Key, cause error) {
	c := Conflict{Key: key, Error: cause.Error(), At: s.clock.Now()}

	remote, err := s.backend.Get(ctx, s.owner, key)
	switch {
	case err == nil:
		c.Remote = &remote
		s.lock.Lock()
		s.applyLocked(calendar.Delta{Key: key, Op: calendar.OpUpsert, Entity: &remote, Revision: remote.Revision()})
		s.lock.Unlock()
	case calendar.IsNotFound(err):
		s.lock.Lock()
		_ = s.entities.Apply(func(tx *calendar.Tx) error {
			tx.Delete(key)
			return nil
		})
		s.lock.Unlock()
	default:
		log.Printf("[Sync] Could not re-read %s after conflict: %v", key, err)
	}

	log.Printf("[Sync] Write to %s rejected: %v", key, cause)
	s.mu.Lock()
	s.recent = append(s.recent, c)
	if len(s.recent) > recentConflicts {
		s.recent = s.recent[len(s.recent)-recentConflicts:]
	}
	s.mu.Unlock()
	select {
	case s.conflicts <- c:
	default:
	}
}

func (s *Synchronizer) backoff(attempts int) time.Duration {
	d := s.opts.BaseBackoff
	for i := 0; i < attempts && d < s.opts.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, s.opts.MaxBackoff)
}

func categoryEntities(cs []calendar.Category) []calendar.Entity {
	out := make([]calendar.Entity, 0, len(cs))
	for _, c := range cs {
		out = append(out, calendar.CategoryEntity(c))
	}
	return out
}

func subjectEntities(ss []calendar.Subject) []calendar.Entity {
	out := make([]calendar.Entity, 0, len(ss))
	for _, sub := range ss {
		out = append(out, calendar.SubjectEntity(sub))
	}
	return out
}
