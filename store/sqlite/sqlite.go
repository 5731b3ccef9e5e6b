/*
Package sqlite provides a SQLite-backed calendar.Backend.

PURPOSE:
  The relational remote for single-machine and test setups. Every row is
  scoped by owner_id and carries the revision the synchronizer bases its
  writes on. The PostgreSQL store uses the same schema.

KEY TABLES:
  profiles:         One row per user; every other table references it
  categories:       Unique name per owner, case-insensitive
  events:           Tasks; anchor_at indexes window fetches
  subjects:         Plans with their outline and schedule order
  history_entries:  Replicated mutation history, append-only
  tombstones:       Last revision of every deleted row

REVISIONS:
  Put and Delete run inside a transaction that reads the current revision
  first. A write based on an older revision fails with StaleWriteError;
  an accepted write stores revision+1. A delete records revision+1 as a
  tombstone and a re-created row continues from there.

DRIVERS:
  "sqlite3" (mattn/go-sqlite3, cgo) is the default. "sqlite"
  (modernc.org/sqlite) is pure Go for builds without cgo.

TIMES:
  Stored as fixed-width UTC text so string comparison orders them.

USAGE:
  store, err := sqlite.New("./data/calm.db", sqlite.Options{})
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - calendar/store.go: Backend contract
  - store/postgres: Same schema over pgx
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/warp/calm-planner/calendar"
	"github.com/warp/calm-planner/calendar/store"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Tables is shared with the PostgreSQL store.
type Tables = store.Tables

type Options struct {
	// Driver is "sqlite3" (default) or "sqlite".
	Driver string
	Tables Tables
}

// Store implements calendar.Backend using SQLite.
type Store struct {
	db *sql.DB
	t  Tables
	mu sync.RWMutex
}

var _ calendar.Backend = (*Store)(nil)

// New opens the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts Options) (*Store, error) {
	if opts.Tables == (Tables{}) {
		opts.Tables = store.DefaultTables()
	}
	if err := opts.Tables.Validate(); err != nil {
		return nil, err
	}

	var dsn string
	switch opts.Driver {
	case "", "sqlite3":
		opts.Driver = "sqlite3"
		dsn = dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	case "sqlite":
		dsn = dbPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	default:
		return nil, &calendar.ValidationError{Field: "sqlite.driver", Reason: "must be sqlite3 or sqlite"}
	}

	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, t: opts.Tables}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	t := s.t
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		email TEXT,
		full_name TEXT,
		avatar_url TEXT
	);

	CREATE TABLE IF NOT EXISTS %[2]s (
		owner_id TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
		id TEXT NOT NULL,
		name TEXT NOT NULL COLLATE NOCASE,
		color TEXT,
		icon TEXT,
		description TEXT,
		revision INTEGER NOT NULL,
		updated_at TEXT,
		PRIMARY KEY (owner_id, id),
		UNIQUE (owner_id, name)
	);

	CREATE TABLE IF NOT EXISTS %[3]s (
		owner_id TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
		id TEXT NOT NULL,
		title TEXT NOT NULL,
		notes TEXT,
		location TEXT,
		starts_at TEXT,
		ends_at TEXT,
		due_at TEXT,
		anchor_at TEXT NOT NULL,
		status TEXT NOT NULL,
		category_id TEXT,
		subject_id TEXT,
		estimated_hours TEXT,
		metadata_json TEXT,
		revision INTEGER NOT NULL,
		updated_at TEXT,
		PRIMARY KEY (owner_id, id)
	);

	-- Window fetches (hot path)
	CREATE INDEX IF NOT EXISTS idx_%[3]s_owner_anchor
		ON %[3]s(owner_id, anchor_at);

	-- Cascades reach past the window
	CREATE INDEX IF NOT EXISTS idx_%[3]s_owner_category
		ON %[3]s(owner_id, category_id);
	CREATE INDEX IF NOT EXISTS idx_%[3]s_owner_subject
		ON %[3]s(owner_id, subject_id);

	CREATE TABLE IF NOT EXISTS %[4]s (
		owner_id TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		color TEXT,
		outline_json TEXT NOT NULL,
		due_at TEXT,
		daily_capacity TEXT,
		task_ids_json TEXT NOT NULL,
		revision INTEGER NOT NULL,
		updated_at TEXT,
		PRIMARY KEY (owner_id, id)
	);

	CREATE TABLE IF NOT EXISTS %[5]s (
		owner_id TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
		id INTEGER NOT NULL,
		recorded_at TEXT NOT NULL,
		action TEXT NOT NULL,
		pre_json TEXT NOT NULL,
		post_json TEXT NOT NULL,
		metadata_json TEXT,
		PRIMARY KEY (owner_id, id)
	);

	CREATE TABLE IF NOT EXISTS %[6]s (
		owner_id TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		revision INTEGER NOT NULL,
		PRIMARY KEY (owner_id, kind, id)
	);
	`, t.Profiles, t.Categories, t.Events, t.Subjects, t.History, t.Tombstones)

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// PROFILES
// =============================================================================

// SaveProfile creates or replaces a profile row.
func (s *Store) SaveProfile(ctx context.Context, p calendar.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, email, full_name, avatar_url) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET email = excluded.email, full_name = excluded.full_name, avatar_url = excluded.avatar_url
	`, s.t.Profiles)
	_, err := s.db.ExecContext(ctx, query, p.ID, nullString(p.Email), nullString(p.FullName), nullString(p.AvatarURL))
	return classify("save_profile", err)
}

func (s *Store) Profile(ctx context.Context, owner calendar.UserID) (calendar.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p                       calendar.Profile
		email, name, avatarURL sql.NullString
	)
	query := fmt.Sprintf(`SELECT id, email, full_name, avatar_url FROM %s WHERE id = ?`, s.t.Profiles)
	err := s.db.QueryRowContext(ctx, query, owner).Scan(&p.ID, &email, &name, &avatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return calendar.Profile{}, calendar.NotFound(calendar.Key{Kind: "profile", ID: calendar.EntityID(owner)})
	}
	if err != nil {
		return calendar.Profile{}, classify("profile", err)
	}
	p.Email, p.FullName, p.AvatarURL = email.String, name.String, avatarURL.String
	return p, nil
}

// =============================================================================
// FETCH
// =============================================================================

const taskColumns = `id, owner_id, title, notes, location, starts_at, ends_at, due_at, status,
	category_id, subject_id, estimated_hours, metadata_json, revision, updated_at`

func (s *Store) FetchTasks(ctx context.Context, owner calendar.UserID, w calendar.Window) ([]calendar.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE owner_id = ? AND anchor_at >= ? AND anchor_at <= ?
		ORDER BY anchor_at ASC, id ASC
	`, taskColumns, s.t.Events)
	rows, err := s.db.QueryContext(ctx, query, owner, formatTime(w.Lower), formatTime(w.Upper))
	if err != nil {
		return nil, classify("fetch_tasks", err)
	}
	defer rows.Close()

	var tasks []calendar.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, classify("fetch_tasks", rows.Err())
}

// FetchTasksReferencing reads by category_id or subject_id, without a window.
func (s *Store) FetchTasksReferencing(ctx context.Context, owner calendar.UserID, ref calendar.Key) ([]calendar.Task, error) {
	if err := calendar.CheckReference(ref); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	column := "category_id"
	if ref.Kind == calendar.KindSubject {
		column = "subject_id"
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE owner_id = ? AND %s = ?
		ORDER BY anchor_at ASC, id ASC
	`, taskColumns, s.t.Events, column)
	rows, err := s.db.QueryContext(ctx, query, owner, ref.ID)
	if err != nil {
		return nil, classify("fetch_referencing", err)
	}
	defer rows.Close()

	var tasks []calendar.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, classify("fetch_referencing", rows.Err())
}

func (s *Store) FetchCategories(ctx context.Context, owner calendar.UserID) ([]calendar.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(`
		SELECT id, owner_id, name, color, icon, description, revision, updated_at
		FROM %s WHERE owner_id = ? ORDER BY id ASC
	`, s.t.Categories)
	rows, err := s.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, classify("fetch_categories", err)
	}
	defer rows.Close()

	var out []calendar.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, classify("fetch_categories", rows.Err())
}

func (s *Store) FetchSubjects(ctx context.Context, owner calendar.UserID) ([]calendar.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(`
		SELECT id, owner_id, name, description, color, outline_json, due_at, daily_capacity, task_ids_json, revision, updated_at
		FROM %s WHERE owner_id = ? ORDER BY id ASC
	`, s.t.Subjects)
	rows, err := s.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, classify("fetch_subjects", err)
	}
	defer rows.Close()

	var out []calendar.Subject
	for rows.Next() {
		sub, err := scanSubject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, classify("fetch_subjects", rows.Err())
}

// =============================================================================
// SINGLE ENTITY
// =============================================================================

func (s *Store) Get(ctx context.Context, owner calendar.UserID, key calendar.Key) (calendar.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table, err := s.tableFor(key.Kind)
	if err != nil {
		return calendar.Entity{}, err
	}
	var row *sql.Row
	switch key.Kind {
	case calendar.KindTask:
		row = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE owner_id = ? AND id = ?`, taskColumns, table), owner, key.ID)
		t, err := scanTask(row)
		if err != nil {
			return calendar.Entity{}, notFoundOr(key, err)
		}
		return calendar.TaskEntity(t), nil
	case calendar.KindCategory:
		row = s.db.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT id, owner_id, name, color, icon, description, revision, updated_at
			FROM %s WHERE owner_id = ? AND id = ?`, table), owner, key.ID)
		c, err := scanCategory(row)
		if err != nil {
			return calendar.Entity{}, notFoundOr(key, err)
		}
		return calendar.CategoryEntity(c), nil
	default:
		row = s.db.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT id, owner_id, name, description, color, outline_json, due_at, daily_capacity, task_ids_json, revision, updated_at
			FROM %s WHERE owner_id = ? AND id = ?`, table), owner, key.ID)
		sub, err := scanSubject(row)
		if err != nil {
			return calendar.Entity{}, notFoundOr(key, err)
		}
		return calendar.SubjectEntity(sub), nil
	}
}

// Put writes e if the stored revision is not newer than base.
func (s *Store) Put(ctx context.Context, owner calendar.UserID, e calendar.Entity, base calendar.Revision) (calendar.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := e.Validate(); err != nil {
		return 0, err
	}
	key := e.Key()
	table, err := s.tableFor(key.Kind)
	if err != nil {
		return 0, err
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("put", err)
	}
	defer sqlTx.Rollback()

	if err := s.ensureOwner(ctx, sqlTx, owner); err != nil {
		return 0, err
	}
	current, err := currentRevision(ctx, sqlTx, table, owner, key.ID)
	if err != nil {
		return 0, err
	}
	var tomb calendar.Revision
	if current == 0 {
		if tomb, err = s.tombstone(ctx, sqlTx, owner, key); err != nil {
			return 0, err
		}
	}
	next, err := calendar.NextRevision(key, current, tomb, base)
	if err != nil {
		return 0, err
	}

	switch key.Kind {
	case calendar.KindTask:
		err = s.upsertTask(ctx, sqlTx, owner, *e.Task, next)
	case calendar.KindCategory:
		err = s.upsertCategory(ctx, sqlTx, owner, *e.Category, next)
	case calendar.KindSubject:
		err = s.upsertSubject(ctx, sqlTx, owner, *e.Subject, next)
	}
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, fmt.Errorf("%s: %w", key, calendar.ErrDuplicateName)
		}
		return 0, classify("put", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return 0, classify("put", err)
	}
	return next, nil
}

// Delete removes key if the stored revision is not newer than base.
// Deleting an absent entity succeeds.
func (s *Store) Delete(ctx context.Context, owner calendar.UserID, key calendar.Key, base calendar.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.tableFor(key.Kind)
	if err != nil {
		return err
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("delete", err)
	}
	defer sqlTx.Rollback()

	current, err := currentRevision(ctx, sqlTx, table, owner, key.ID)
	if err != nil {
		return err
	}
	if current == 0 {
		return nil
	}
	if current > base {
		return &calendar.StaleWriteError{Key: key, Base: base, Current: current}
	}
	if _, err := sqlTx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE owner_id = ? AND id = ?`, table), owner, key.ID); err != nil {
		return classify("delete", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (owner_id, kind, id, revision) VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_id, kind, id) DO UPDATE SET revision = excluded.revision
	`, s.t.Tombstones)
	if _, err := sqlTx.ExecContext(ctx, query, owner, string(key.Kind), key.ID, int64(current+1)); err != nil {
		return classify("delete", err)
	}
	return classify("delete", sqlTx.Commit())
}

// =============================================================================
// HISTORY
// =============================================================================

// AppendHistory stores entry once; appending the same id again is a no-op.
func (s *Store) AppendHistory(ctx context.Context, owner calendar.UserID, entry calendar.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pre, _ := json.Marshal(entry.Pre)
	post, _ := json.Marshal(entry.Post)
	meta, _ := json.Marshal(entry.Metadata)

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("append_history", err)
	}
	defer sqlTx.Rollback()
	if err := s.ensureOwner(ctx, sqlTx, owner); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (owner_id, id, recorded_at, action, pre_json, post_json, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, id) DO NOTHING
	`, s.t.History)
	if _, err := sqlTx.ExecContext(ctx, query, owner, int64(entry.ID), formatTime(entry.Timestamp),
		string(entry.Action), string(pre), string(post), string(meta)); err != nil {
		return classify("append_history", err)
	}
	return classify("append_history", sqlTx.Commit())
}

func (s *Store) LoadHistory(ctx context.Context, owner calendar.UserID) ([]calendar.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(`
		SELECT id, recorded_at, action, pre_json, post_json, metadata_json
		FROM %s WHERE owner_id = ? ORDER BY id ASC
	`, s.t.History)
	rows, err := s.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, classify("load_history", err)
	}
	defer rows.Close()

	var out []calendar.HistoryEntry
	for rows.Next() {
		var (
			h              calendar.HistoryEntry
			id             int64
			at, action     string
			pre, post      string
			meta           sql.NullString
		)
		if err := rows.Scan(&id, &at, &action, &pre, &post, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		h.ID = calendar.HistoryID(id)
		h.Action = calendar.Action(action)
		if h.Timestamp, err = parseTime(at); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(pre), &h.Pre); err != nil {
			return nil, fmt.Errorf("history %d pre: %w", id, err)
		}
		if err := json.Unmarshal([]byte(post), &h.Post); err != nil {
			return nil, fmt.Errorf("history %d post: %w", id, err)
		}
		if meta.Valid && meta.String != "" && meta.String != "null" {
			if err := json.Unmarshal([]byte(meta.String), &h.Metadata); err != nil {
				return nil, fmt.Errorf("history %d metadata: %w", id, err)
			}
		}
		out = append(out, h)
	}
	return out, classify("load_history", rows.Err())
}

// =============================================================================
// WRITES
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ensureOwner creates a bare profile row so foreign keys hold for users
// whose profile has not been saved yet.
func (s *Store) ensureOwner(ctx context.Context, db execer, owner calendar.UserID) error {
	query := fmt.Sprintf(`INSERT INTO %s (id) VALUES (?) ON CONFLICT(id) DO NOTHING`, s.t.Profiles)
	_, err := db.ExecContext(ctx, query, owner)
	return classify("ensure_owner", err)
}

func currentRevision(ctx context.Context, db execer, table string, owner calendar.UserID, id calendar.EntityID) (calendar.Revision, error) {
	var rev int64
	err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT revision FROM %s WHERE owner_id = ? AND id = ?`, table), owner, id).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify("read_revision", err)
	}
	return calendar.Revision(rev), nil
}

func (s *Store) tombstone(ctx context.Context, db execer, owner calendar.UserID, key calendar.Key) (calendar.Revision, error) {
	var rev int64
	query := fmt.Sprintf(`SELECT revision FROM %s WHERE owner_id = ? AND kind = ? AND id = ?`, s.t.Tombstones)
	err := db.QueryRowContext(ctx, query, owner, string(key.Kind), key.ID).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify("read_tombstone", err)
	}
	return calendar.Revision(rev), nil
}

func (s *Store) upsertTask(ctx context.Context, db execer, owner calendar.UserID, t calendar.Task, rev calendar.Revision) error {
	meta, _ := json.Marshal(t.Metadata)
	query := fmt.Sprintf(`
		INSERT INTO %s (owner_id, id, title, notes, location, starts_at, ends_at, due_at, anchor_at, status,
		                category_id, subject_id, estimated_hours, metadata_json, revision, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, id) DO UPDATE SET
			title = excluded.title, notes = excluded.notes, location = excluded.location,
			starts_at = excluded.starts_at, ends_at = excluded.ends_at, due_at = excluded.due_at,
			anchor_at = excluded.anchor_at, status = excluded.status, category_id = excluded.category_id,
			subject_id = excluded.subject_id, estimated_hours = excluded.estimated_hours,
			metadata_json = excluded.metadata_json, revision = excluded.revision, updated_at = excluded.updated_at
	`, s.t.Events)
	_, err := db.ExecContext(ctx, query,
		owner, t.ID, t.Title, nullString(t.Notes), nullString(t.Location),
		nullTime(t.StartsAt), nullTime(t.EndsAt), nullTime(t.DueAt), formatTime(t.Anchor()), string(t.Status),
		nullString(string(t.CategoryID)), nullString(string(t.SubjectID)), t.EstimatedHours.String(),
		string(meta), int64(rev), formatTime(t.UpdatedAt),
	)
	return err
}

func (s *Store) upsertCategory(ctx context.Context, db execer, owner calendar.UserID, c calendar.Category, rev calendar.Revision) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (owner_id, id, name, color, icon, description, revision, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, id) DO UPDATE SET
			name = excluded.name, color = excluded.color, icon = excluded.icon,
			description = excluded.description, revision = excluded.revision, updated_at = excluded.updated_at
	`, s.t.Categories)
	_, err := db.ExecContext(ctx, query,
		owner, c.ID, c.Name, nullString(c.Color), nullString(c.Icon), nullString(c.Description),
		int64(rev), formatTime(c.UpdatedAt),
	)
	return err
}

func (s *Store) upsertSubject(ctx context.Context, db execer, owner calendar.UserID, sub calendar.Subject, rev calendar.Revision) error {
	outline, _ := json.Marshal(sub.Outline)
	taskIDs, _ := json.Marshal(sub.TaskIDs)
	query := fmt.Sprintf(`
		INSERT INTO %s (owner_id, id, name, description, color, outline_json, due_at, daily_capacity, task_ids_json, revision, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, id) DO UPDATE SET
			name = excluded.name, description = excluded.description, color = excluded.color,
			outline_json = excluded.outline_json, due_at = excluded.due_at, daily_capacity = excluded.daily_capacity,
			task_ids_json = excluded.task_ids_json, revision = excluded.revision, updated_at = excluded.updated_at
	`, s.t.Subjects)
	_, err := db.ExecContext(ctx, query,
		owner, sub.ID, sub.Name, nullString(sub.Description), nullString(sub.Color), string(outline),
		nullTime(&sub.DueAt), sub.DailyCapacity.String(), string(taskIDs), int64(rev), formatTime(sub.UpdatedAt),
	)
	return err
}

func (s *Store) tableFor(kind calendar.Kind) (string, error) {
	switch kind {
	case calendar.KindTask:
		return s.t.Events, nil
	case calendar.KindCategory:
		return s.t.Categories, nil
	case calendar.KindSubject:
		return s.t.Subjects, nil
	}
	return "", &calendar.ValidationError{Field: "kind", Reason: fmt.Sprintf("%q is not stored in a table", kind)}
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (calendar.Task, error) {
	var (
		t                          calendar.Task
		owner, status              string
		notes, location            sql.NullString
		startsAt, endsAt, dueAt    sql.NullString
		categoryID, subjectID      sql.NullString
		hours, meta, updatedAt     sql.NullString
		rev                        int64
	)
	if err := row.Scan(&t.ID, &owner, &t.Title, &notes, &location, &startsAt, &endsAt, &dueAt, &status,
		&categoryID, &subjectID, &hours, &meta, &rev, &updatedAt); err != nil {
		return calendar.Task{}, err
	}
	t.OwnerID = calendar.UserID(owner)
	t.Notes, t.Location = notes.String, location.String
	t.Status = calendar.Status(status)
	t.CategoryID = calendar.EntityID(categoryID.String)
	t.SubjectID = calendar.EntityID(subjectID.String)
	t.Revision = calendar.Revision(rev)

	var err error
	if t.StartsAt, err = parseNullTime(startsAt); err != nil {
		return calendar.Task{}, err
	}
	if t.EndsAt, err = parseNullTime(endsAt); err != nil {
		return calendar.Task{}, err
	}
	if t.DueAt, err = parseNullTime(dueAt); err != nil {
		return calendar.Task{}, err
	}
	if hours.Valid && hours.String != "" {
		if t.EstimatedHours, err = decimal.NewFromString(hours.String); err != nil {
			return calendar.Task{}, fmt.Errorf("task %s estimated_hours: %w", t.ID, err)
		}
	}
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &t.Metadata); err != nil {
			return calendar.Task{}, fmt.Errorf("task %s metadata: %w", t.ID, err)
		}
	}
	if updatedAt.Valid {
		if t.UpdatedAt, err = parseTime(updatedAt.String); err != nil {
			return calendar.Task{}, err
		}
	}
	return t, nil
}

func scanCategory(row scanner) (calendar.Category, error) {
	var (
		c                              calendar.Category
		owner                          string
		color, icon, desc, updatedAt   sql.NullString
		rev                            int64
	)
	if err := row.Scan(&c.ID, &owner, &c.Name, &color, &icon, &desc, &rev, &updatedAt); err != nil {
		return calendar.Category{}, err
	}
	c.OwnerID = calendar.UserID(owner)
	c.Color, c.Icon, c.Description = color.String, icon.String, desc.String
	c.Revision = calendar.Revision(rev)
	if updatedAt.Valid {
		t, err := parseTime(updatedAt.String)
		if err != nil {
			return calendar.Category{}, err
		}
		c.UpdatedAt = t
	}
	return c, nil
}

func scanSubject(row scanner) (calendar.Subject, error) {
	var (
		sub                                   calendar.Subject
		owner, outline, taskIDs               string
		desc, color, dueAt, daily, updatedAt  sql.NullString
		rev                                   int64
	)
	if err := row.Scan(&sub.ID, &owner, &sub.Name, &desc, &color, &outline, &dueAt, &daily, &taskIDs, &rev, &updatedAt); err != nil {
		return calendar.Subject{}, err
	}
	sub.OwnerID = calendar.UserID(owner)
	sub.Description, sub.Color = desc.String, color.String
	sub.Revision = calendar.Revision(rev)
	if err := json.Unmarshal([]byte(outline), &sub.Outline); err != nil {
		return calendar.Subject{}, fmt.Errorf("subject %s outline: %w", sub.ID, err)
	}
	if err := json.Unmarshal([]byte(taskIDs), &sub.TaskIDs); err != nil {
		return calendar.Subject{}, fmt.Errorf("subject %s task_ids: %w", sub.ID, err)
	}
	due, err := parseNullTime(dueAt)
	if err != nil {
		return calendar.Subject{}, err
	}
	if due != nil {
		sub.DueAt = *due
	}
	if daily.Valid && daily.String != "" {
		if sub.DailyCapacity, err = decimal.NewFromString(daily.String); err != nil {
			return calendar.Subject{}, fmt.Errorf("subject %s daily_capacity: %w", sub.ID, err)
		}
	}
	if updatedAt.Valid {
		if sub.UpdatedAt, err = parseTime(updatedAt.String); err != nil {
			return calendar.Subject{}, err
		}
	}
	return sub, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by other tools
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func notFoundOr(key calendar.Key, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return calendar.NotFound(key)
	}
	return classify("get", err)
}

// classify marks lock contention and closed connections as transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isBusyError(err) || errors.Is(err, sql.ErrConnDone) {
		return calendar.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isBusyError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is busy")
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
