package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/calm-planner/calendar"
	"github.com/warp/calm-planner/config"
	"github.com/warp/calm-planner/store/local"
)

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("CALM_MODE", mode)
	t.Setenv("CALM_USER_ID", "ada")
	t.Setenv("CALM_USER_NAME", "Ada")
	t.Setenv("CALM_DATA_DIR", t.TempDir())
	t.Setenv("CALM_TIMEZONE", "UTC")
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestBuild_LocalModePersistsAcrossRestart(t *testing.T) {
	// GIVEN: A planner in local mode with one recorded event
	cfg := testConfig(t, config.ModeLocal)
	ctx := context.Background()

	a, err := build(ctx, cfg)
	require.NoError(t, err)
	_, err = a.registry.Call(ctx, "upsert_event", json.RawMessage(`{"title":"Essay","due_at":"2026-10-20"}`))
	require.NoError(t, err)
	require.NoError(t, a.sync.FlushAll(ctx))
	require.NoError(t, a.Close())

	// WHEN: Building again from the same data dir
	b, err := build(ctx, cfg)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.sync.HydrateAround(ctx, time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)))

	// THEN: The event, its history entry and the profile are back
	assert.Equal(t, 1, b.history.Len())
	events, err := b.service.EventsForDay("2026-10-20")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Essay", events[0].Title)

	p, err := b.service.CurrentUserProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ada", p.FullName)
}

func TestBuild_MemoryMode(t *testing.T) {
	cfg := testConfig(t, config.ModeMemory)
	a, err := build(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	p, err := a.backend.Profile(context.Background(), "ada")
	require.NoError(t, err)
	assert.Equal(t, "Ada", p.FullName)
	assert.Len(t, a.registry.Functions(), len(a.registry.Describe()))
}

func TestBuild_SQLiteModeSeedsJournal(t *testing.T) {
	// GIVEN: A SQLite database that already holds a history entry
	cfg := testConfig(t, config.ModeSQLite)
	ctx := context.Background()
	backend, _, err := openBackend(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, ensureProfile(ctx, backend, cfg))
	require.NoError(t, backend.AppendHistory(ctx, "ada", calendar.HistoryEntry{
		ID: 1, Timestamp: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), Action: calendar.ActionUpsertCategory,
	}))
	require.NoError(t, backend.Close())

	// WHEN: Building the planner on a fresh local journal
	a, err := build(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	// THEN: The entry was imported and the journal keeps it
	assert.Equal(t, 1, a.history.Len())
	docs, err := local.New(cfg.DataDir)
	require.NoError(t, err)
	entries, err := docs.Journal("ada").Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
