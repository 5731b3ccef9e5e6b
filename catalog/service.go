/*
Package catalog is the fixed set of functions every surface calls.

PURPOSE:
  The desktop UI, the HTTP bridge and the tool server all read and write
  through Service. Each mutating function runs inside one entity
  transaction and produces exactly one history entry.

MUTATION PATH:
  1. Take the mutation lock (shared with the synchronizer)
  2. Begin an EntityStore transaction and apply the change
  3. Record the pre/post snapshots in the HistoryStore
  4. On history failure roll the transaction back and return the error
  5. Commit, mark touched keys dirty and wake the sync worker

  No backend I/O happens while the lock is held. Cascades and reverts
  first pull what lies outside the mirrored window (mutateBeyond), so they
  see every task they touch; that read happens before step 1 and fails the
  call when the backend is unreachable.

READS:
  Reads come from the mirror. Task status is derived on the way out:
  a pending task whose due date has passed is reported as overdue.

SEE ALSO:
  - registry.go: Name to function table used by the external surfaces
  - cachesync: Propagation of the dirty keys
*/
package catalog

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/calm-planner/cachesync"
	"github.com/warp/calm-planner/calendar"
)

// Syncer is the part of the synchronizer the catalog drives.
type Syncer interface {
	MarkDirty(changes ...cachesync.Change)
	HydrateAround(ctx context.Context, now time.Time) error
	Profile(ctx context.Context) (calendar.Profile, error)
	State() cachesync.CacheWindow
	Pull(ctx context.Context, keys, refs []calendar.Key) ([]calendar.Entity, error)
	// AdoptLocked runs under the mutation lock.
	AdoptLocked(pulled []calendar.Entity) int
}

type Config struct {
	Owner    calendar.UserID
	Entities *calendar.EntityStore
	History  *calendar.HistoryStore
	Sync     Syncer
	// Lock is the mutation lock. Pass the same one to the synchronizer.
	Lock  sync.Locker
	Clock calendar.Clock

	// Planner defaults used when a request leaves them out.
	DailyCapacity   decimal.Decimal
	HoursPerSection decimal.Decimal

	// NewID generates ids for new events and categories.
	NewID func() string
}

// Service serves one user scope.
type Service struct {
	owner    calendar.UserID
	entities *calendar.EntityStore
	history  *calendar.HistoryStore
	sync     Syncer
	mu       sync.Locker
	clock    calendar.Clock
	loc      *time.Location

	dailyCapacity   decimal.Decimal
	hoursPerSection decimal.Decimal
	newID           func() string
}

func New(cfg Config) *Service {
	if cfg.Lock == nil {
		cfg.Lock = &sync.Mutex{}
	}
	if cfg.Clock == nil {
		cfg.Clock = calendar.SystemClock{}
	}
	if !cfg.DailyCapacity.IsPositive() {
		cfg.DailyCapacity = decimal.NewFromInt(4)
	}
	if !cfg.HoursPerSection.IsPositive() {
		cfg.HoursPerSection = decimal.NewFromInt(2)
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Service{
		owner:           cfg.Owner,
		entities:        cfg.Entities,
		history:         cfg.History,
		sync:            cfg.Sync,
		mu:              cfg.Lock,
		clock:           cfg.Clock,
		loc:             cfg.Entities.Location(),
		dailyCapacity:   cfg.DailyCapacity,
		hoursPerSection: cfg.HoursPerSection,
		newID:           cfg.NewID,
	}
}

func (s *Service) Owner() calendar.UserID { return s.owner }

// Location is the time zone days are computed in.
func (s *Service) Location() *time.Location { return s.loc }

// =============================================================================
// MUTATION PATH
// =============================================================================

// mutation applies one change to the transaction and returns the metadata to
// record with it.
type mutation func(tx *calendar.Tx) (map[string]string, error)

// reach names what a mutation must see beyond the window: keys are pulled
// when the mirror lacks them, refs pull every task filed under a category
// or subject.
type reach struct {
	keys []calendar.Key
	refs []calendar.Key
}

// mutate runs fn as one recorded change. It returns a nil entry when fn
// touched nothing.
func (s *Service) mutate(ctx context.Context, action calendar.Action, fn mutation) (*calendar.HistoryEntry, error) {
	return s.run(ctx, action, nil, fn)
}

// mutateBeyond pulls what r names from the backend, then runs fn like mutate
// with the pulled entities in the mirror.
func (s *Service) mutateBeyond(ctx context.Context, action calendar.Action, r reach, fn mutation) (*calendar.HistoryEntry, error) {
	if s.sync == nil {
		return s.run(ctx, action, nil, fn)
	}
	var missing []calendar.Key
	for _, k := range r.keys {
		if _, ok := s.entities.Get(k); !ok {
			missing = append(missing, k)
		}
	}
	pulled, err := s.sync.Pull(ctx, missing, r.refs)
	if err != nil {
		log.Printf("[Catalog] %s needs entities outside the window: %v", action, err)
		return nil, err
	}
	return s.run(ctx, action, pulled, fn)
}

func (s *Service) run(ctx context.Context, action calendar.Action, pulled []calendar.Entity, fn mutation) (*calendar.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(pulled) > 0 {
		s.sync.AdoptLocked(pulled)
	}
	tx := s.entities.Begin()
	meta, err := fn(tx)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	pre, post := tx.Changes()
	if len(pre) == 0 {
		tx.Commit()
		return nil, nil
	}

	entry, err := s.history.Record(ctx, action, pre, post, meta)
	if err != nil {
		tx.Rollback()
		log.Printf("[Catalog] %s rolled back: %v", action, err)
		return nil, err
	}
	tx.Commit()

	if s.sync != nil {
		s.sync.MarkDirty(changesFor(entry)...)
	}
	return &entry, nil
}

// changesFor derives the keys a committed entry leaves dirty. The history
// entry itself is replicated too.
func changesFor(entry calendar.HistoryEntry) []cachesync.Change {
	out := make([]cachesync.Change, 0, len(entry.Pre)+1)
	for i, before := range entry.Pre {
		c := cachesync.Change{Key: before.Key, Op: calendar.OpUpsert}
		if before.State != nil {
			c.Base = before.State.Revision()
		}
		if entry.Post[i].State == nil {
			c.Op = calendar.OpDelete
		}
		out = append(out, c)
	}
	return append(out, cachesync.Change{Key: calendar.HistoryKey(entry.ID), Op: calendar.OpUpsert})
}

// put stores e carrying the mirrored revision, so the write stays based on
// what the backend last accepted.
func put(tx *calendar.Tx, e calendar.Entity) error {
	var rev calendar.Revision
	if cur, ok := tx.Get(e.Key()); ok {
		rev = cur.Revision()
	}
	return tx.Put(e.WithRevision(rev))
}

func entryID(e *calendar.HistoryEntry) calendar.HistoryID {
	if e == nil {
		return 0
	}
	return e.ID
}

func (s *Service) now() time.Time { return s.clock.Now() }

// effective derives the reported status of every task.
func (s *Service) effective(tasks []calendar.Task) []calendar.Task {
	now := s.now()
	out := make([]calendar.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Effective(now)
	}
	return out
}
