package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/warp/calm-planner/cachesync"
	"github.com/warp/calm-planner/calendar"
	"github.com/warp/calm-planner/calendar/store"
	"github.com/warp/calm-planner/catalog"
	"github.com/warp/calm-planner/config"
	"github.com/warp/calm-planner/store/local"
	"github.com/warp/calm-planner/store/postgres"
	"github.com/warp/calm-planner/store/sqlite"
)

// app is the wired planner for one user.
type app struct {
	cfg      *config.Config
	backend  calendar.Backend
	entities *calendar.EntityStore
	history  *calendar.HistoryStore
	sync     *cachesync.Synchronizer
	service  *catalog.Service
	registry *catalog.Registry
}

// profileSaver is implemented by every backend that can create the owner's
// profile row.
type profileSaver interface {
	SaveProfile(ctx context.Context, p calendar.Profile) error
}

// build opens the configured backend and composes the planner on top of it.
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	owner := calendar.UserID(cfg.UserID)

	backend, journal, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := ensureProfile(ctx, backend, cfg); err != nil {
		log.Printf("[Server] Warning: could not create profile for %s: %v", owner, err)
	}

	var historyLog calendar.HistoryLog
	if journal != nil {
		if cfg.Mode != config.ModeLocal {
			if err := seedJournal(ctx, backend, journal, owner); err != nil {
				log.Printf("[Server] Warning: history not imported from backend: %v", err)
			}
		}
		historyLog = journal
	}
	history := calendar.NewHistoryStore(historyLog, nil)
	if err := history.Load(ctx); err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	var mu sync.Mutex
	entities := calendar.NewEntityStore(loc)
	syncer := cachesync.New(cachesync.Config{
		Owner:    owner,
		Backend:  backend,
		Entities: entities,
		History:  history,
		Lock:     &mu,
		Options:  cfg.SyncOptions(),
	})
	svc := catalog.New(catalog.Config{
		Owner:           owner,
		Entities:        entities,
		History:         history,
		Sync:            syncer,
		Lock:            &mu,
		DailyCapacity:   cfg.DailyCapacity(),
		HoursPerSection: cfg.HoursPerSection(),
		NewID:           uuid.NewString,
	})

	return &app{
		cfg:      cfg,
		backend:  backend,
		entities: entities,
		history:  history,
		sync:     syncer,
		service:  svc,
		registry: catalog.NewRegistry(svc),
	}, nil
}

// openBackend returns the backend for cfg.Mode and, outside memory mode, the
// on-disk history journal.
func openBackend(ctx context.Context, cfg *config.Config) (calendar.Backend, *local.Journal, error) {
	owner := calendar.UserID(cfg.UserID)
	if cfg.Mode == config.ModeMemory {
		return store.NewMemory(), nil, nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	docs, err := local.New(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	journal := docs.Journal(owner)

	switch cfg.Mode {
	case config.ModeLocal:
		log.Printf("[Server] Local mode, data in %s", docs.Dir())
		return docs, journal, nil

	case config.ModeSQLite:
		s, err := sqlite.New(cfg.SQLite.Path, sqlite.Options{Driver: cfg.SQLite.Driver, Tables: cfg.Tables})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		log.Printf("[Server] SQLite mode (%s driver), database %s", cfg.SQLite.Driver, cfg.SQLite.Path)
		return s, journal, nil

	case config.ModePostgres:
		s, err := postgres.New(ctx, cfg.Postgres.DSN, postgres.Options{Tables: cfg.Tables, Channel: cfg.Postgres.Channel})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		log.Printf("[Server] Postgres mode, change feed on %q", cfg.Postgres.Channel)
		return s, journal, nil
	}
	return nil, nil, fmt.Errorf("unknown mode %q", cfg.Mode)
}

// ensureProfile creates the owner's profile from the configuration when the
// backend has none. Relational backends need the row for their foreign keys.
func ensureProfile(ctx context.Context, backend calendar.Backend, cfg *config.Config) error {
	_, err := backend.Profile(ctx, calendar.UserID(cfg.UserID))
	if err == nil || !calendar.IsNotFound(err) {
		return err
	}
	p := cfg.Profile()
	switch b := backend.(type) {
	case profileSaver:
		return b.SaveProfile(ctx, p)
	case *local.Store:
		return b.SaveProfile(p)
	case *store.Memory:
		b.SaveProfile(p)
		return nil
	}
	return errors.New("backend cannot store profiles")
}

// seedJournal imports the backend's history into an empty local journal, so
// a new machine can revert changes made elsewhere.
func seedJournal(ctx context.Context, backend calendar.Backend, journal *local.Journal, owner calendar.UserID) error {
	existing, err := journal.Entries(ctx)
	if err != nil || len(existing) > 0 {
		return err
	}
	remote, err := backend.LoadHistory(ctx, owner)
	if err != nil {
		return err
	}
	for _, entry := range remote {
		if err := journal.Append(ctx, entry); err != nil {
			return err
		}
	}
	if len(remote) > 0 {
		log.Printf("[Server] Imported %d history entries from backend", len(remote))
	}
	return nil
}

// Close releases the backend.
func (a *app) Close() error {
	return a.backend.Close()
}
