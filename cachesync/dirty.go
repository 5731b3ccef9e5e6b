package cachesync

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/warp/calm-planner/calendar"
)

// Pending is one local write waiting to reach the backend.
type Pending struct {
	Key calendar.Key `json:"key"`
	Op  calendar.Op  `json:"op"`
	// Base is the backend revision the local copy derives from.
	Base calendar.Revision `json:"base"`
	// Gen changes on every local write to the key.
	Gen         uint64    `json:"gen"`
	Attempts    int       `json:"attempts"`
	NextAttempt time.Time `json:"next_attempt,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// DirtySet tracks pending writes. It has its own lock so the worker can scan
// it without taking the mutation lock.
type DirtySet struct {
	mu      sync.Mutex
	entries map[calendar.Key]*Pending
	gen     uint64
}

func NewDirtySet() *DirtySet {
	return &DirtySet{entries: make(map[calendar.Key]*Pending)}
}

// Mark records a local write. A key that is already pending keeps its base
// revision: the backend has not seen any of the intermediate writes.
func (d *DirtySet) Mark(key calendar.Key, op calendar.Op, base calendar.Revision) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	if p, ok := d.entries[key]; ok {
		p.Op = op
		p.Gen = d.gen
		p.Attempts = 0
		p.NextAttempt = time.Time{}
		return
	}
	d.entries[key] = &Pending{Key: key, Op: op, Base: base, Gen: d.gen}
}

func (d *DirtySet) Get(key calendar.Key) (Pending, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.entries[key]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

func (d *DirtySet) Contains(key calendar.Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.entries[key]
	return ok
}

// Settle marks the write with generation gen as accepted at rev. If the key
// was written again in the meantime it stays pending, rebased on rev.
func (d *DirtySet) Settle(key calendar.Key, gen uint64, rev calendar.Revision) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.entries[key]
	if !ok {
		return true
	}
	if p.Gen == gen {
		delete(d.entries, key)
		return true
	}
	p.Base = rev
	p.Attempts = 0
	p.NextAttempt = time.Time{}
	p.LastError = ""
	return false
}

// Defer schedules the next attempt for key at next.
func (d *DirtySet) Defer(key calendar.Key, next time.Time, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.entries[key]; ok {
		p.Attempts++
		p.NextAttempt = next
		if err != nil {
			p.LastError = err.Error()
		}
	}
}

func (d *DirtySet) Drop(key calendar.Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, key)
}

// Due lists entries whose next attempt is at or before now, oldest write first.
func (d *DirtySet) Due(now time.Time) []Pending {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Pending
	for _, p := range d.entries {
		if !p.NextAttempt.After(now) {
			out = append(out, *p)
		}
	}
	sortPending(out)
	return out
}

// All lists every pending entry, oldest write first.
func (d *DirtySet) All() []Pending {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Pending, 0, len(d.entries))
	for _, p := range d.entries {
		out = append(out, *p)
	}
	sortPending(out)
	return out
}

func (d *DirtySet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func sortPending(ps []Pending) {
	slices.SortFunc(ps, func(a, b Pending) int { return cmp.Compare(a.Gen, b.Gen) })
}
