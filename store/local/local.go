/*
Package local provides the single-user offline backend.

PURPOSE:
  Keeps each user's calendar as one JSON document on disk, under the
  per-OS application data directory. Used when no remote database is
  configured, and as the synchronous history journal in every mode.

DOCUMENT FORMAT:
  {
    "schema": 1,
    "owner": "user-1",
    "profile": {...},
    "tasks":      {"<id>": {...}},
    "categories": {"<id>": {...}},
    "subjects":   {"<id>": {...}},
    "tombstones": {"task/<id>": 4},
    "history":    [{...}, ...]     // ordered by id
  }

  Entities carry their revision, so the same compare-and-set rules as the
  relational stores apply. A deleted key leaves its last revision in
  tombstones, and a re-created entity continues from it.

COST:
  Every accepted write re-encodes and rewrites the whole document,
  history included.

DURABILITY:
  Documents are written through diskv with a temp directory, so a write
  either replaces the whole file or leaves the previous one in place. A
  failed write drops the cached document; the next access re-reads disk.

SEE ALSO:
  - calendar/store.go: Backend and HistoryLog contracts
  - config: Data directory resolution
*/
package local

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/peterbourgon/diskv/v3"

	"github.com/warp/calm-planner/calendar"
)

const schemaVersion = 1

type document struct {
	Schema     int                                     `json:"schema"`
	Owner      calendar.UserID                         `json:"owner"`
	Profile    *calendar.Profile                       `json:"profile,omitempty"`
	Tasks      map[calendar.EntityID]calendar.Task     `json:"tasks"`
	Categories map[calendar.EntityID]calendar.Category `json:"categories"`
	Subjects   map[calendar.EntityID]calendar.Subject  `json:"subjects"`
	Tombstones map[string]calendar.Revision            `json:"tombstones,omitempty"`
	History    []calendar.HistoryEntry                 `json:"history"`
}

func newDocument(owner calendar.UserID) *document {
	return &document{
		Schema:     schemaVersion,
		Owner:      owner,
		Tasks:      make(map[calendar.EntityID]calendar.Task),
		Categories: make(map[calendar.EntityID]calendar.Category),
		Subjects:   make(map[calendar.EntityID]calendar.Subject),
		Tombstones: make(map[string]calendar.Revision),
	}
}

func (d *document) get(key calendar.Key) (calendar.Entity, bool) {
	switch key.Kind {
	case calendar.KindTask:
		if t, ok := d.Tasks[key.ID]; ok {
			return calendar.TaskEntity(t), true
		}
	case calendar.KindCategory:
		if c, ok := d.Categories[key.ID]; ok {
			return calendar.CategoryEntity(c), true
		}
	case calendar.KindSubject:
		if s, ok := d.Subjects[key.ID]; ok {
			return calendar.SubjectEntity(s), true
		}
	}
	return calendar.Entity{}, false
}

func (d *document) put(e calendar.Entity) {
	switch e.Kind {
	case calendar.KindTask:
		d.Tasks[e.Task.ID] = e.Task.Clone()
	case calendar.KindCategory:
		d.Categories[e.Category.ID] = *e.Category
	case calendar.KindSubject:
		d.Subjects[e.Subject.ID] = e.Subject.Clone()
	}
}

func (d *document) remove(key calendar.Key, rev calendar.Revision) {
	d.Tombstones[key.String()] = rev
	switch key.Kind {
	case calendar.KindTask:
		delete(d.Tasks, key.ID)
	case calendar.KindCategory:
		delete(d.Categories, key.ID)
	case calendar.KindSubject:
		delete(d.Subjects, key.ID)
	}
}

// appendHistory inserts entry in id order. Returns false for a known id.
func (d *document) appendHistory(entry calendar.HistoryEntry) bool {
	i := sort.Search(len(d.History), func(i int) bool { return d.History[i].ID >= entry.ID })
	if i < len(d.History) && d.History[i].ID == entry.ID {
		return false
	}
	d.History = append(d.History, calendar.HistoryEntry{})
	copy(d.History[i+1:], d.History[i:])
	d.History[i] = entry.Clone()
	return true
}

// =============================================================================
// STORE
// =============================================================================

// Store implements calendar.Backend on per-user JSON documents.
type Store struct {
	d   *diskv.Diskv
	dir string

	mu   sync.Mutex
	docs map[calendar.UserID]*document
}

var _ calendar.Backend = (*Store)(nil)

// New opens (creating if needed) the document directory.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, &calendar.ValidationError{Field: "data_dir", Reason: "required"}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Store{
		d: diskv.New(diskv.Options{
			BasePath:     dir,
			TempDir:      filepath.Join(dir, ".tmp"),
			CacheSizeMax: 1024 * 1024, // 1MB
		}),
		dir:  dir,
		docs: make(map[calendar.UserID]*document),
	}, nil
}

// Dir is where the documents live.
func (s *Store) Dir() string { return s.dir }

func (s *Store) Close() error { return nil }

// documentKey maps an owner to a file name that is safe on every OS.
func documentKey(owner calendar.UserID) string {
	return base64.RawURLEncoding.EncodeToString([]byte(owner)) + ".json"
}

// loadLocked returns the cached document, reading it from disk once.
func (s *Store) loadLocked(owner calendar.UserID) (*document, error) {
	if doc, ok := s.docs[owner]; ok {
		return doc, nil
	}
	raw, err := s.d.Read(documentKey(owner))
	if errors.Is(err, fs.ErrNotExist) {
		doc := newDocument(owner)
		s.docs[owner] = doc
		return doc, nil
	}
	if err != nil {
		return nil, calendar.Unavailable("read_document", err)
	}

	doc := newDocument(owner)
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("corrupt document for %s: %w", owner, err)
	}
	if doc.Schema > schemaVersion {
		return nil, fmt.Errorf("document for %s has schema %d, newest supported is %d", owner, doc.Schema, schemaVersion)
	}
	// Maps are nil when an older document omitted them
	if doc.Tasks == nil {
		doc.Tasks = make(map[calendar.EntityID]calendar.Task)
	}
	if doc.Categories == nil {
		doc.Categories = make(map[calendar.EntityID]calendar.Category)
	}
	if doc.Subjects == nil {
		doc.Subjects = make(map[calendar.EntityID]calendar.Subject)
	}
	if doc.Tombstones == nil {
		doc.Tombstones = make(map[string]calendar.Revision)
	}
	s.docs[owner] = doc
	return doc, nil
}

// saveLocked writes the document. On failure the cached copy is dropped
// so the in-memory state never runs ahead of disk.
func (s *Store) saveLocked(doc *document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		delete(s.docs, doc.Owner)
		return fmt.Errorf("failed to encode document: %w", err)
	}
	if err := s.d.Write(documentKey(doc.Owner), raw); err != nil {
		delete(s.docs, doc.Owner)
		return calendar.Unavailable("write_document", err)
	}
	return nil
}

// =============================================================================
// BACKEND
// =============================================================================

// SaveProfile creates or replaces the owner's profile.
func (s *Store) SaveProfile(p calendar.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked(p.ID)
	if err != nil {
		return err
	}
	doc.Profile = &p
	return s.saveLocked(doc)
}

func (s *Store) Profile(_ context.Context, owner calendar.UserID) (calendar.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked(owner)
	if err != nil {
		return calendar.Profile{}, err
	}
	if doc.Profile == nil {
		return calendar.Profile{}, calendar.NotFound(calendar.Key{Kind: "profile", ID: calendar.EntityID(owner)})
	}
	return *doc.Profile, nil
}

func (s *Store) FetchTasks(_ context.Context, owner calendar.UserID, w calendar.Window) ([]calendar.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked(owner)
	if err != nil {
		return nil, err
	}
	var out []calendar.Task
	for _, t := range doc.Tasks {
		if w.Contains(t.Anchor()) {
			out = append(out, t.Clone())
		}
	}
	calendar.SortTasks(out)
	return out, nil
}

func (s *Store) FetchTasksReferencing(_ context.Context, owner calendar.UserID, ref calendar.Key) ([]calendar.Task, error) {
	if err := calendar.CheckReference(ref); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked(owner)
	if err != nil {
		return nil, err
	}
	var out []calendar.Task
	for _, t := range doc.Tasks {
		if t.References(ref) {
			out = append(out, t.Clone())
		}
	}
	calendar.SortTasks(out)
	return out, nil
}

func (s *Store) FetchCategories(_ context.Context, owner calendar.UserID) ([]calendar.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked(owner)
	if err != nil {
		return nil, err
	}
	out := make([]calendar.Category, 0, len(doc.Categories))
	for _, c := range doc.Categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) FetchSubjects(_ context.Context, owner calendar.UserID) ([]calendar.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked(owner)
	if err != nil {
		return nil, err
	}
	out := make([]calendar.Subject, 0, len(doc.Subjects))
	for _, sub := range doc.Subjects {
		out = append(out, sub.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Get(_ context.Context, owner calendar.UserID, key calendar.Key) (calendar.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked(owner)
	if err != nil {
		return calendar.Entity{}, err
	}
	e, ok := doc.get(key)
	if !ok {
		return calendar.Entity{}, calendar.NotFound(key)
	}
	return e, nil
}

// Put stores e if the stored revision is not newer than base.
func (s *Store) Put(_ context.Context, owner calendar.UserID, e calendar.Entity, base calendar.Revision) (calendar.Revision, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked(owner)
	if err != nil {
		return 0, err
	}

	key := e.Key()
	var current calendar.Revision
	if existing, ok := doc.get(key); ok {
		current = existing.Revision()
	}
	next, err := calendar.NextRevision(key, current, doc.Tombstones[key.String()], base)
	if err != nil {
		return 0, err
	}
	if e.Kind == calendar.KindCategory {
		for _, c := range doc.Categories {
			if c.ID != e.Category.ID && strings.EqualFold(c.Name, e.Category.Name) {
				return 0, fmt.Errorf("%s: %w", key, calendar.ErrDuplicateName)
			}
		}
	}

	doc.put(e.WithOwner(owner).WithRevision(next))
	delete(doc.Tombstones, key.String())
	if err := s.saveLocked(doc); err != nil {
		return 0, err
	}
	return next, nil
}

// Delete removes key if the stored revision is not newer than base.
func (s *Store) Delete(_ context.Context, owner calendar.UserID, key calendar.Key, base calendar.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked(owner)
	if err != nil {
		return err
	}
	existing, ok := doc.get(key)
	if !ok {
		return nil
	}
	if current := existing.Revision(); current > base {
		return &calendar.StaleWriteError{Key: key, Base: base, Current: current}
	}
	doc.remove(key, existing.Revision()+1)
	return s.saveLocked(doc)
}

// AppendHistory stores entry once; appending the same id again is a no-op.
func (s *Store) AppendHistory(_ context.Context, owner calendar.UserID, entry calendar.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked(owner)
	if err != nil {
		return err
	}
	if !doc.appendHistory(entry) {
		return nil
	}
	return s.saveLocked(doc)
}

func (s *Store) LoadHistory(_ context.Context, owner calendar.UserID) ([]calendar.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked(owner)
	if err != nil {
		return nil, err
	}
	out := make([]calendar.HistoryEntry, len(doc.History))
	for i, h := range doc.History {
		out[i] = h.Clone()
	}
	return out, nil
}

// =============================================================================
// JOURNAL - HistoryLog for one owner
// =============================================================================

// Journal is the synchronous history log of one user, kept in the same
// document as the entities.
type Journal struct {
	s     *Store
	owner calendar.UserID
}

var _ calendar.HistoryLog = (*Journal)(nil)

// Journal returns the history log of owner.
func (s *Store) Journal(owner calendar.UserID) *Journal {
	return &Journal{s: s, owner: owner}
}

func (j *Journal) Append(ctx context.Context, entry calendar.HistoryEntry) error {
	return j.s.AppendHistory(ctx, j.owner, entry)
}

func (j *Journal) Entries(ctx context.Context) ([]calendar.HistoryEntry, error) {
	return j.s.LoadHistory(ctx, j.owner)
}
