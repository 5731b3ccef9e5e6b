/*
Package postgres provides a PostgreSQL-backed calendar.Backend.

PURPOSE:
  The multi-tenant remote. Rows of every user live in the same tables and
  are isolated by owner_id; the schema matches a Supabase project with
  row-level security keyed on the same column.

REVISIONS:
  Writes are single statements guarded on the stored revision:

    INSERT ... ON CONFLICT (owner_id, id) DO UPDATE SET ..., revision = revision + 1
    WHERE revision <= $base RETURNING revision

  No row back means another writer got there first: StaleWriteError.
  A fresh insert starts one past the key's tombstone, the revision its
  last delete recorded.

CHANGE FEED:
  Every accepted write sends pg_notify(channel, payload) inside its
  transaction, so listeners only hear about committed rows. Watch holds a
  dedicated connection running LISTEN and turns payloads into Deltas.

ERRORS:
  Connection failures, timeouts, serialization failures and server
  shutdowns are transient (RemoteError). Unique violations on category
  names map to ErrDuplicateName.

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"), postgres.Options{})
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - calendar/store.go: Backend and Watcher contracts
  - store/sqlite: Same tables on SQLite
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/calm-planner/calendar"
	"github.com/warp/calm-planner/calendar/store"
)

const DefaultChannel = "calm_changes"

type Options struct {
	Tables store.Tables
	// Channel is the LISTEN/NOTIFY channel of the change feed.
	Channel string
}

// Store implements calendar.Backend and calendar.Watcher using PostgreSQL.
type Store struct {
	pool    *pgxpool.Pool
	t       store.Tables
	channel string
}

var (
	_ calendar.Backend = (*Store)(nil)
	_ calendar.Watcher = (*Store)(nil)
)

// New connects to dsn and ensures the schema exists.
func New(ctx context.Context, dsn string, opts Options) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify("connect", err)
	}
	s, err := NewWithPool(pool, opts)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool wraps an existing pool. The schema is not touched.
func NewWithPool(pool *pgxpool.Pool, opts Options) (*Store, error) {
	if opts.Tables == (store.Tables{}) {
		opts.Tables = store.DefaultTables()
	}
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if err := opts.Tables.Validate(); err != nil {
		return nil, err
	}
	// Channel names follow the same identifier rules
	asIdent := opts.Tables
	asIdent.Profiles = opts.Channel
	if err := asIdent.Validate(); err != nil {
		return nil, &calendar.ValidationError{Field: "postgres.channel", Reason: fmt.Sprintf("invalid channel %q", opts.Channel)}
	}
	return &Store{pool: pool, t: opts.Tables, channel: opts.Channel}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// EnsureSchema creates the tables and indexes if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	t := s.t
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + t.Profiles + ` (
    id         TEXT PRIMARY KEY,
    email      TEXT NOT NULL DEFAULT '',
    full_name  TEXT NOT NULL DEFAULT '',
    avatar_url TEXT NOT NULL DEFAULT ''
)`,
		`CREATE TABLE IF NOT EXISTS ` + t.Categories + ` (
    owner_id    TEXT NOT NULL REFERENCES ` + t.Profiles + `(id) ON DELETE CASCADE,
    id          TEXT NOT NULL,
    name        TEXT NOT NULL,
    color       TEXT NOT NULL DEFAULT '',
    icon        TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    revision    BIGINT NOT NULL,
    updated_at  TIMESTAMPTZ,
    PRIMARY KEY (owner_id, id)
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_` + t.Categories + `_owner_name ON ` + t.Categories + ` (owner_id, lower(name))`,
		`CREATE TABLE IF NOT EXISTS ` + t.Events + ` (
    owner_id        TEXT NOT NULL REFERENCES ` + t.Profiles + `(id) ON DELETE CASCADE,
    id              TEXT NOT NULL,
    title           TEXT NOT NULL,
    notes           TEXT NOT NULL DEFAULT '',
    location        TEXT NOT NULL DEFAULT '',
    starts_at       TIMESTAMPTZ,
    ends_at         TIMESTAMPTZ,
    due_at          TIMESTAMPTZ,
    anchor_at       TIMESTAMPTZ NOT NULL,
    status          TEXT NOT NULL,
    category_id     TEXT NOT NULL DEFAULT '',
    subject_id      TEXT NOT NULL DEFAULT '',
    estimated_hours NUMERIC NOT NULL DEFAULT 0,
    metadata        JSONB,
    revision        BIGINT NOT NULL,
    updated_at      TIMESTAMPTZ,
    PRIMARY KEY (owner_id, id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_` + t.Events + `_owner_anchor ON ` + t.Events + ` (owner_id, anchor_at)`,
		`CREATE TABLE IF NOT EXISTS ` + t.Subjects + ` (
    owner_id       TEXT NOT NULL REFERENCES ` + t.Profiles + `(id) ON DELETE CASCADE,
    id             TEXT NOT NULL,
    name           TEXT NOT NULL,
    description    TEXT NOT NULL DEFAULT '',
    color          TEXT NOT NULL DEFAULT '',
    outline        JSONB NOT NULL,
    due_at         TIMESTAMPTZ,
    daily_capacity NUMERIC NOT NULL DEFAULT 0,
    task_ids       JSONB NOT NULL,
    revision       BIGINT NOT NULL,
    updated_at     TIMESTAMPTZ,
    PRIMARY KEY (owner_id, id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_` + t.Events + `_owner_category ON ` + t.Events + ` (owner_id, category_id)`,
		`CREATE INDEX IF NOT EXISTS idx_` + t.Events + `_owner_subject ON ` + t.Events + ` (owner_id, subject_id)`,
		`CREATE TABLE IF NOT EXISTS ` + t.Tombstones + ` (
    owner_id TEXT NOT NULL REFERENCES ` + t.Profiles + `(id) ON DELETE CASCADE,
    kind     TEXT NOT NULL,
    id       TEXT NOT NULL,
    revision BIGINT NOT NULL,
    PRIMARY KEY (owner_id, kind, id)
)`,
		`CREATE TABLE IF NOT EXISTS ` + t.History + ` (
    owner_id    TEXT NOT NULL REFERENCES ` + t.Profiles + `(id) ON DELETE CASCADE,
    id          BIGINT NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL,
    action      TEXT NOT NULL,
    pre         JSONB NOT NULL,
    post        JSONB NOT NULL,
    metadata    JSONB,
    PRIMARY KEY (owner_id, id)
)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// =============================================================================
// PROFILES
// =============================================================================

// SaveProfile creates or replaces a profile row.
func (s *Store) SaveProfile(ctx context.Context, p calendar.Profile) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.t.Profiles+` (id, email, full_name, avatar_url) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, full_name = EXCLUDED.full_name, avatar_url = EXCLUDED.avatar_url`,
		string(p.ID), p.Email, p.FullName, p.AvatarURL)
	return classify("save_profile", err)
}

func (s *Store) Profile(ctx context.Context, owner calendar.UserID) (calendar.Profile, error) {
	var p calendar.Profile
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id, email, full_name, avatar_url FROM `+s.t.Profiles+` WHERE id = $1`, string(owner)).
		Scan(&id, &p.Email, &p.FullName, &p.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return calendar.Profile{}, calendar.NotFound(calendar.Key{Kind: "profile", ID: calendar.EntityID(owner)})
	}
	if err != nil {
		return calendar.Profile{}, classify("profile", err)
	}
	p.ID = calendar.UserID(id)
	return p, nil
}

// =============================================================================
// FETCH
// =============================================================================

func (s *Store) taskSelect() string {
	return `SELECT id, owner_id, title, notes, location, starts_at, ends_at, due_at, status,
	category_id, subject_id, estimated_hours::text, metadata, revision, updated_at FROM ` + s.t.Events
}

func (s *Store) categorySelect() string {
	return `SELECT id, owner_id, name, color, icon, description, revision, updated_at FROM ` + s.t.Categories
}

func (s *Store) subjectSelect() string {
	return `SELECT id, owner_id, name, description, color, outline, due_at, daily_capacity::text, task_ids, revision, updated_at FROM ` + s.t.Subjects
}

func (s *Store) FetchTasks(ctx context.Context, owner calendar.UserID, w calendar.Window) ([]calendar.Task, error) {
	rows, err := s.pool.Query(ctx, s.taskSelect()+`
		WHERE owner_id = $1 AND anchor_at >= $2 AND anchor_at <= $3
		ORDER BY anchor_at ASC, id ASC`, string(owner), w.Lower, w.Upper)
	if err != nil {
		return nil, classify("fetch_tasks", err)
	}
	return collect(rows, scanTask)
}

// FetchTasksReferencing reads by category_id or subject_id, without a window.
func (s *Store) FetchTasksReferencing(ctx context.Context, owner calendar.UserID, ref calendar.Key) ([]calendar.Task, error) {
	if err := calendar.CheckReference(ref); err != nil {
		return nil, err
	}
	column := "category_id"
	if ref.Kind == calendar.KindSubject {
		column = "subject_id"
	}
	rows, err := s.pool.Query(ctx, s.taskSelect()+`
		WHERE owner_id = $1 AND `+column+` = $2
		ORDER BY anchor_at ASC, id ASC`, string(owner), string(ref.ID))
	if err != nil {
		return nil, classify("fetch_referencing", err)
	}
	return collect(rows, scanTask)
}

func (s *Store) FetchCategories(ctx context.Context, owner calendar.UserID) ([]calendar.Category, error) {
	rows, err := s.pool.Query(ctx, s.categorySelect()+` WHERE owner_id = $1 ORDER BY id ASC`, string(owner))
	if err != nil {
		return nil, classify("fetch_categories", err)
	}
	return collect(rows, scanCategory)
}

func (s *Store) FetchSubjects(ctx context.Context, owner calendar.UserID) ([]calendar.Subject, error) {
	rows, err := s.pool.Query(ctx, s.subjectSelect()+` WHERE owner_id = $1 ORDER BY id ASC`, string(owner))
	if err != nil {
		return nil, classify("fetch_subjects", err)
	}
	return collect(rows, scanSubject)
}

func (s *Store) Get(ctx context.Context, owner calendar.UserID, key calendar.Key) (calendar.Entity, error) {
	const where = ` WHERE owner_id = $1 AND id = $2`
	var (
		e   calendar.Entity
		err error
	)
	switch key.Kind {
	case calendar.KindTask:
		var t calendar.Task
		t, err = scanTask(s.pool.QueryRow(ctx, s.taskSelect()+where, string(owner), string(key.ID)))
		e = calendar.TaskEntity(t)
	case calendar.KindCategory:
		var c calendar.Category
		c, err = scanCategory(s.pool.QueryRow(ctx, s.categorySelect()+where, string(owner), string(key.ID)))
		e = calendar.CategoryEntity(c)
	case calendar.KindSubject:
		var sub calendar.Subject
		sub, err = scanSubject(s.pool.QueryRow(ctx, s.subjectSelect()+where, string(owner), string(key.ID)))
		e = calendar.SubjectEntity(sub)
	default:
		return calendar.Entity{}, &calendar.ValidationError{Field: "kind", Reason: fmt.Sprintf("%q is not stored in a table", key.Kind)}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return calendar.Entity{}, calendar.NotFound(key)
	}
	if err != nil {
		return calendar.Entity{}, classify("get", err)
	}
	return e, nil
}

// =============================================================================
// WRITES
// =============================================================================

// Put stores e if the stored revision is not newer than base.
func (s *Store) Put(ctx context.Context, owner calendar.UserID, e calendar.Entity, base calendar.Revision) (calendar.Revision, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}
	key := e.Key()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, classify("put", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.ensureOwner(ctx, tx, owner); err != nil {
		return 0, err
	}

	tomb, err := s.tombstone(ctx, tx, owner, key)
	if err != nil {
		return 0, err
	}
	first := tomb + 1

	var row pgx.Row
	switch key.Kind {
	case calendar.KindTask:
		row = s.upsertTask(ctx, tx, owner, *e.Task, base, first)
	case calendar.KindCategory:
		row = s.upsertCategory(ctx, tx, owner, *e.Category, base, first)
	case calendar.KindSubject:
		row = s.upsertSubject(ctx, tx, owner, *e.Subject, base, first)
	}

	var next int64
	err = row.Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		current, rerr := s.currentRevision(ctx, tx, key, owner)
		if rerr != nil {
			return 0, rerr
		}
		return 0, &calendar.StaleWriteError{Key: key, Base: base, Current: current}
	}
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%s: %w", key, calendar.ErrDuplicateName)
		}
		return 0, classify("put", err)
	}

	rev := calendar.Revision(next)
	if err := s.notify(ctx, tx, owner, key, calendar.OpUpsert, rev); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, classify("put", err)
	}
	return rev, nil
}

// Delete removes key if the stored revision is not newer than base.
// Deleting an absent entity succeeds.
func (s *Store) Delete(ctx context.Context, owner calendar.UserID, key calendar.Key, base calendar.Revision) error {
	table, err := s.tableFor(key.Kind)
	if err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("delete", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var deleted int64
	err = tx.QueryRow(ctx, `DELETE FROM `+table+` WHERE owner_id = $1 AND id = $2 AND revision <= $3 RETURNING revision`,
		string(owner), string(key.ID), int64(base)).Scan(&deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		current, rerr := s.currentRevision(ctx, tx, key, owner)
		if rerr != nil {
			return rerr
		}
		if current == 0 {
			return nil
		}
		return &calendar.StaleWriteError{Key: key, Base: base, Current: current}
	}
	if err != nil {
		return classify("delete", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO `+s.t.Tombstones+` (owner_id, kind, id, revision) VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_id, kind, id) DO UPDATE SET revision = EXCLUDED.revision`,
		string(owner), string(key.Kind), string(key.ID), deleted+1)
	if err != nil {
		return classify("delete", err)
	}
	if err := s.notify(ctx, tx, owner, key, calendar.OpDelete, calendar.Revision(deleted+1)); err != nil {
		return err
	}
	return classify("delete", tx.Commit(ctx))
}

func (s *Store) ensureOwner(ctx context.Context, tx pgx.Tx, owner calendar.UserID) error {
	_, err := tx.Exec(ctx, `INSERT INTO `+s.t.Profiles+` (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, string(owner))
	return classify("ensure_owner", err)
}

func (s *Store) currentRevision(ctx context.Context, tx pgx.Tx, key calendar.Key, owner calendar.UserID) (calendar.Revision, error) {
	table, err := s.tableFor(key.Kind)
	if err != nil {
		return 0, err
	}
	var rev int64
	err = tx.QueryRow(ctx, `SELECT revision FROM `+table+` WHERE owner_id = $1 AND id = $2`, string(owner), string(key.ID)).Scan(&rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify("read_revision", err)
	}
	return calendar.Revision(rev), nil
}

// tombstone returns the revision key's last delete ended on, zero if none.
func (s *Store) tombstone(ctx context.Context, tx pgx.Tx, owner calendar.UserID, key calendar.Key) (calendar.Revision, error) {
	var rev int64
	err := tx.QueryRow(ctx, `SELECT revision FROM `+s.t.Tombstones+` WHERE owner_id = $1 AND kind = $2 AND id = $3`,
		string(owner), string(key.Kind), string(key.ID)).Scan(&rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify("read_tombstone", err)
	}
	return calendar.Revision(rev), nil
}

func (s *Store) upsertTask(ctx context.Context, tx pgx.Tx, owner calendar.UserID, t calendar.Task, base, first calendar.Revision) pgx.Row {
	meta, _ := json.Marshal(t.Metadata)
	table := s.t.Events
	return tx.QueryRow(ctx, `
		INSERT INTO `+table+` (owner_id, id, title, notes, location, starts_at, ends_at, due_at, anchor_at, status,
		                       category_id, subject_id, estimated_hours, metadata, revision, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::numeric, $14::jsonb, $17, $15)
		ON CONFLICT (owner_id, id) DO UPDATE SET
			title = EXCLUDED.title, notes = EXCLUDED.notes, location = EXCLUDED.location,
			starts_at = EXCLUDED.starts_at, ends_at = EXCLUDED.ends_at, due_at = EXCLUDED.due_at,
			anchor_at = EXCLUDED.anchor_at, status = EXCLUDED.status, category_id = EXCLUDED.category_id,
			subject_id = EXCLUDED.subject_id, estimated_hours = EXCLUDED.estimated_hours,
			metadata = EXCLUDED.metadata, revision = `+table+`.revision + 1, updated_at = EXCLUDED.updated_at
		WHERE `+table+`.revision <= $16
		RETURNING revision`,
		string(owner), string(t.ID), t.Title, t.Notes, t.Location,
		t.StartsAt, t.EndsAt, t.DueAt, t.Anchor(), string(t.Status),
		string(t.CategoryID), string(t.SubjectID), t.EstimatedHours.String(), string(meta),
		nullTime(t.UpdatedAt), int64(base), int64(first),
	)
}

func (s *Store) upsertCategory(ctx context.Context, tx pgx.Tx, owner calendar.UserID, c calendar.Category, base, first calendar.Revision) pgx.Row {
	table := s.t.Categories
	return tx.QueryRow(ctx, `
		INSERT INTO `+table+` (owner_id, id, name, color, icon, description, revision, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $9, $7)
		ON CONFLICT (owner_id, id) DO UPDATE SET
			name = EXCLUDED.name, color = EXCLUDED.color, icon = EXCLUDED.icon, description = EXCLUDED.description,
			revision = `+table+`.revision + 1, updated_at = EXCLUDED.updated_at
		WHERE `+table+`.revision <= $8
		RETURNING revision`,
		string(owner), string(c.ID), c.Name, c.Color, c.Icon, c.Description, nullTime(c.UpdatedAt), int64(base), int64(first),
	)
}

func (s *Store) upsertSubject(ctx context.Context, tx pgx.Tx, owner calendar.UserID, sub calendar.Subject, base, first calendar.Revision) pgx.Row {
	outline, _ := json.Marshal(sub.Outline)
	taskIDs, _ := json.Marshal(sub.TaskIDs)
	table := s.t.Subjects
	return tx.QueryRow(ctx, `
		INSERT INTO `+table+` (owner_id, id, name, description, color, outline, due_at, daily_capacity, task_ids, revision, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8::numeric, $9::jsonb, $12, $10)
		ON CONFLICT (owner_id, id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description, color = EXCLUDED.color,
			outline = EXCLUDED.outline, due_at = EXCLUDED.due_at, daily_capacity = EXCLUDED.daily_capacity,
			task_ids = EXCLUDED.task_ids, revision = `+table+`.revision + 1, updated_at = EXCLUDED.updated_at
		WHERE `+table+`.revision <= $11
		RETURNING revision`,
		string(owner), string(sub.ID), sub.Name, sub.Description, sub.Color, string(outline),
		nullTime(sub.DueAt), sub.DailyCapacity.String(), string(taskIDs), nullTime(sub.UpdatedAt), int64(base), int64(first),
	)
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
// HISTORY
// =============================================================================

// AppendHistory stores entry once; appending the same id again is a no-op.
func (s *Store) AppendHistory(ctx context.Context, owner calendar.UserID, entry calendar.HistoryEntry) error {
	pre, _ := json.Marshal(entry.Pre)
	post, _ := json.Marshal(entry.Post)
	meta, _ := json.Marshal(entry.Metadata)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("append_history", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := s.ensureOwner(ctx, tx, owner); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO `+s.t.History+` (owner_id, id, recorded_at, action, pre, post, metadata)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb)
		ON CONFLICT (owner_id, id) DO NOTHING`,
		string(owner), int64(entry.ID), entry.Timestamp, string(entry.Action), string(pre), string(post), string(meta))
	if err != nil {
		return classify("append_history", err)
	}
	return classify("append_history", tx.Commit(ctx))
}

func (s *Store) LoadHistory(ctx context.Context, owner calendar.UserID) ([]calendar.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, recorded_at, action, pre, post, metadata
		FROM `+s.t.History+` WHERE owner_id = $1 ORDER BY id ASC`, string(owner))
	if err != nil {
		return nil, classify("load_history", err)
	}
	return collect(rows, func(row pgx.Row) (calendar.HistoryEntry, error) {
		var (
			h               calendar.HistoryEntry
			id              int64
			action          string
			pre, post, meta []byte
		)
		if err := row.Scan(&id, &h.Timestamp, &action, &pre, &post, &meta); err != nil {
			return h, err
		}
		h.ID = calendar.HistoryID(id)
		h.Action = calendar.Action(action)
		h.Timestamp = h.Timestamp.UTC()
		if err := json.Unmarshal(pre, &h.Pre); err != nil {
			return h, fmt.Errorf("history %d pre: %w", id, err)
		}
		if err := json.Unmarshal(post, &h.Post); err != nil {
			return h, fmt.Errorf("history %d post: %w", id, err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &h.Metadata); err != nil {
				return h, fmt.Errorf("history %d metadata: %w", id, err)
			}
		}
		return h, nil
	})
}

// =============================================================================
// CHANGE FEED
// =============================================================================

type notification struct {
	Owner    calendar.UserID   `json:"owner"`
	Key      calendar.Key      `json:"key"`
	Op       calendar.Op       `json:"op"`
	Revision calendar.Revision `json:"revision"`
}

func (s *Store) notify(ctx context.Context, tx pgx.Tx, owner calendar.UserID, key calendar.Key, op calendar.Op, rev calendar.Revision) error {
	payload, _ := json.Marshal(notification{Owner: owner, Key: key, Op: op, Revision: rev})
	_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, string(payload))
	return classify("notify", err)
}

// Watch streams committed writes of owner. Upserts are re-read so the
// delta carries the stored entity. The channel closes when ctx is done or
// the listening connection breaks.
func (s *Store) Watch(ctx context.Context, owner calendar.UserID) (<-chan calendar.Delta, error) {
	pooled, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, classify("watch", err)
	}
	// The listening connection never goes back to the pool.
	conn := pooled.Hijack()
	if _, err := conn.Exec(ctx, `LISTEN `+s.channel); err != nil {
		conn.Close(context.Background())
		return nil, classify("watch", err)
	}

	ch := make(chan calendar.Delta, 64)
	go func() {
		defer close(ch)
		defer conn.Close(context.Background())
		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[Postgres] Change feed stopped: %v", err)
				}
				return
			}
			var msg notification
			if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil || msg.Owner != owner {
				continue
			}
			d := calendar.Delta{Key: msg.Key, Op: msg.Op, Revision: msg.Revision}
			if msg.Op == calendar.OpUpsert {
				e, err := s.Get(ctx, owner, msg.Key)
				if calendar.IsNotFound(err) {
					// Deleted since; its own notification follows
					continue
				}
				if err != nil {
					log.Printf("[Postgres] Change feed read of %s failed: %v", msg.Key, err)
					continue
				}
				d.Entity = &e
				d.Revision = e.Revision()
			}
			select {
			case ch <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// =============================================================================
// SCANNING
// =============================================================================

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, classify("scan", rows.Err())
}

func scanTask(row pgx.Row) (calendar.Task, error) {
	var (
		t                                 calendar.Task
		id, owner, status, category, subj string
		hours                             string
		meta                              []byte
		rev                               int64
		updatedAt                         *time.Time
	)
	if err := row.Scan(&id, &owner, &t.Title, &t.Notes, &t.Location, &t.StartsAt, &t.EndsAt, &t.DueAt, &status,
		&category, &subj, &hours, &meta, &rev, &updatedAt); err != nil {
		return calendar.Task{}, err
	}
	t.ID = calendar.EntityID(id)
	t.OwnerID = calendar.UserID(owner)
	t.Status = calendar.Status(status)
	t.CategoryID = calendar.EntityID(category)
	t.SubjectID = calendar.EntityID(subj)
	t.Revision = calendar.Revision(rev)
	t.StartsAt = utc(t.StartsAt)
	t.EndsAt = utc(t.EndsAt)
	t.DueAt = utc(t.DueAt)
	if updatedAt != nil {
		t.UpdatedAt = updatedAt.UTC()
	}
	var err error
	if t.EstimatedHours, err = decimal.NewFromString(hours); err != nil {
		return calendar.Task{}, fmt.Errorf("task %s estimated_hours: %w", id, err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return calendar.Task{}, fmt.Errorf("task %s metadata: %w", id, err)
		}
	}
	return t, nil
}

func scanCategory(row pgx.Row) (calendar.Category, error) {
	var (
		c         calendar.Category
		id, owner string
		rev       int64
		updatedAt *time.Time
	)
	if err := row.Scan(&id, &owner, &c.Name, &c.Color, &c.Icon, &c.Description, &rev, &updatedAt); err != nil {
		return calendar.Category{}, err
	}
	c.ID = calendar.EntityID(id)
	c.OwnerID = calendar.UserID(owner)
	c.Revision = calendar.Revision(rev)
	if updatedAt != nil {
		c.UpdatedAt = updatedAt.UTC()
	}
	return c, nil
}

func scanSubject(row pgx.Row) (calendar.Subject, error) {
	var (
		sub              calendar.Subject
		id, owner, daily string
		outline, taskIDs []byte
		dueAt, updatedAt *time.Time
		rev              int64
	)
	if err := row.Scan(&id, &owner, &sub.Name, &sub.Description, &sub.Color, &outline, &dueAt, &daily, &taskIDs, &rev, &updatedAt); err != nil {
		return calendar.Subject{}, err
	}
	sub.ID = calendar.EntityID(id)
	sub.OwnerID = calendar.UserID(owner)
	sub.Revision = calendar.Revision(rev)
	if dueAt != nil {
		sub.DueAt = dueAt.UTC()
	}
	if updatedAt != nil {
		sub.UpdatedAt = updatedAt.UTC()
	}
	if err := json.Unmarshal(outline, &sub.Outline); err != nil {
		return calendar.Subject{}, fmt.Errorf("subject %s outline: %w", id, err)
	}
	if err := json.Unmarshal(taskIDs, &sub.TaskIDs); err != nil {
		return calendar.Subject{}, fmt.Errorf("subject %s task_ids: %w", id, err)
	}
	var err error
	if sub.DailyCapacity, err = decimal.NewFromString(daily); err != nil {
		return calendar.Subject{}, fmt.Errorf("subject %s daily_capacity: %w", id, err)
	}
	return sub, nil
}

// Helper functions

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// classify marks connection-level and retryable server failures as transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "53300", // too_many_connections
			pgErr.Code == "57P01", // admin_shutdown
			pgErr.Code == "57P03": // cannot_connect_now
			return calendar.Unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return calendar.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
