/*
Package config loads the planner's configuration.

SOURCES (later wins):
  1. Defaults below
  2. Config file: calm.yaml in ./ or the data directory, or an explicit path
  3. .env in the working directory (never overrides the real environment)
  4. Environment: CALM_ prefix, dots become underscores
     (CALM_WINDOW_BEFORE_DAYS, CALM_POSTGRES_DSN, ...)

MODES:
  local     One JSON document per user in the data directory (offline)
  sqlite    SQLite database file
  postgres  Remote PostgreSQL / Supabase database
  memory    Nothing persisted (demos and tests)

EXAMPLE calm.yaml:
  mode: postgres
  user_id: 6f1c...
  timezone: Europe/Paris
  window:
    before_days: 90
    after_days: 365
  postgres:
    dsn: postgres://planner@db.example.com/calm
  tables:
    events: calendar_events
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/warp/calm-planner/cachesync"
	"github.com/warp/calm-planner/calendar"
	"github.com/warp/calm-planner/calendar/store"
)

const (
	ModeLocal    = "local"
	ModeSQLite   = "sqlite"
	ModePostgres = "postgres"
	ModeMemory   = "memory"

	// AppName names the data directory.
	AppName = "calm-chimp"
)

type Config struct {
	Mode      string `mapstructure:"mode"`
	UserID    string `mapstructure:"user_id"`
	UserEmail string `mapstructure:"user_email"`
	UserName  string `mapstructure:"user_name"`
	DataDir   string `mapstructure:"data_dir"`
	Timezone  string `mapstructure:"timezone"`

	Window   Window       `mapstructure:"window"`
	Sync     Sync         `mapstructure:"sync"`
	Planner  Planner      `mapstructure:"planner"`
	SQLite   SQLite       `mapstructure:"sqlite"`
	Postgres Postgres     `mapstructure:"postgres"`
	Tables   store.Tables `mapstructure:"tables"`
	HTTP     HTTP         `mapstructure:"http"`
}

// Window is the hydration window around now, in days.
type Window struct {
	BeforeDays int `mapstructure:"before_days"`
	AfterDays  int `mapstructure:"after_days"`
	MarginDays int `mapstructure:"margin_days"`
}

type Sync struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	SlideInterval time.Duration `mapstructure:"slide_interval"`
	FlushTimeout  time.Duration `mapstructure:"flush_timeout"`
	BaseBackoff   time.Duration `mapstructure:"base_backoff"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
}

type Planner struct {
	DailyCapacityHours float64 `mapstructure:"daily_capacity_hours"`
	HoursPerSection    float64 `mapstructure:"hours_per_section"`
}

type SQLite struct {
	Path string `mapstructure:"path"`
	// Driver is "sqlite3" (cgo) or "sqlite" (pure Go).
	Driver string `mapstructure:"driver"`
}

type Postgres struct {
	DSN     string `mapstructure:"dsn"`
	Channel string `mapstructure:"channel"`
}

type HTTP struct {
	Addr string `mapstructure:"addr"`
}

// DefaultDataDir is the per-OS application data directory.
func DefaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "~/.config"
	}
	return filepath.Join(base, AppName)
}

func setDefaults(v *viper.Viper) {
	tables := store.DefaultTables()
	defaults := map[string]any{
		"mode":                         ModeLocal,
		"user_id":                      "local",
		"user_email":                   "",
		"user_name":                    "",
		"data_dir":                     DefaultDataDir(),
		"timezone":                     "Local",
		"window.before_days":           365,
		"window.after_days":            365,
		"window.margin_days":           7,
		"sync.flush_interval":          "2s",
		"sync.slide_interval":          "1m",
		"sync.flush_timeout":           "10s",
		"sync.base_backoff":            "500ms",
		"sync.max_backoff":             "1m",
		"planner.daily_capacity_hours": 4,
		"planner.hours_per_section":    2,
		"sqlite.path":                  "",
		"sqlite.driver":                "sqlite3",
		"postgres.dsn":                 "",
		"postgres.channel":             "calm_changes",
		"tables.profiles":              tables.Profiles,
		"tables.categories":            tables.Categories,
		"tables.events":                tables.Events,
		"tables.subjects":              tables.Subjects,
		"tables.history":               tables.History,
		"tables.tombstones":            tables.Tombstones,
		"http.addr":                    "127.0.0.1:8765",
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load reads the configuration. An empty path searches for calm.yaml in
// the working directory and the default data directory; a missing file is
// not an error then.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CALM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, err
		}
		v.SetConfigFile(expanded)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", expanded, err)
		}
	} else {
		v.SetConfigName("calm")
		v.AddConfigPath(".")
		if dir, err := homedir.Expand(DefaultDataDir()); err == nil {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize expands ~ in paths and fills paths derived from the data dir.
func (c *Config) normalize() error {
	dir, err := homedir.Expand(c.DataDir)
	if err != nil {
		return &calendar.ValidationError{Field: "data_dir", Reason: err.Error()}
	}
	c.DataDir = dir
	if c.SQLite.Path == "" {
		c.SQLite.Path = filepath.Join(c.DataDir, "calm.db")
	} else if c.SQLite.Path != ":memory:" {
		if c.SQLite.Path, err = homedir.Expand(c.SQLite.Path); err != nil {
			return &calendar.ValidationError{Field: "sqlite.path", Reason: err.Error()}
		}
	}
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	return nil
}

// Validate rejects configurations the planner cannot run with.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLocal, ModeSQLite, ModePostgres, ModeMemory:
	default:
		return &calendar.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", c.Mode)}
	}
	if c.UserID == "" {
		return &calendar.ValidationError{Field: "user_id", Reason: "required"}
	}
	if c.Mode == ModePostgres && c.Postgres.DSN == "" {
		return &calendar.ValidationError{Field: "postgres.dsn", Reason: "required in postgres mode"}
	}
	if c.Mode == ModeSQLite && c.SQLite.Driver != "sqlite3" && c.SQLite.Driver != "sqlite" {
		return &calendar.ValidationError{Field: "sqlite.driver", Reason: "must be sqlite3 or sqlite"}
	}
	if _, err := c.Location(); err != nil {
		return &calendar.ValidationError{Field: "timezone", Reason: err.Error()}
	}
	if c.Window.BeforeDays < 0 || c.Window.AfterDays < 0 {
		return &calendar.ValidationError{Field: "window", Reason: "days must not be negative"}
	}
	if c.Window.MarginDays < 0 || c.Window.MarginDays > min(c.Window.BeforeDays, c.Window.AfterDays) {
		return &calendar.ValidationError{Field: "window.margin_days", Reason: "must be between 0 and the smaller window side"}
	}
	for name, d := range map[string]time.Duration{
		"sync.flush_interval": c.Sync.FlushInterval,
		"sync.slide_interval": c.Sync.SlideInterval,
		"sync.flush_timeout":  c.Sync.FlushTimeout,
		"sync.base_backoff":   c.Sync.BaseBackoff,
		"sync.max_backoff":    c.Sync.MaxBackoff,
	} {
		if d <= 0 {
			return &calendar.ValidationError{Field: name, Reason: "must be positive"}
		}
	}
	if c.Sync.MaxBackoff < c.Sync.BaseBackoff {
		return &calendar.ValidationError{Field: "sync.max_backoff", Reason: "must not be below sync.base_backoff"}
	}
	if c.Planner.DailyCapacityHours <= 0 || c.Planner.DailyCapacityHours > 24 {
		return &calendar.ValidationError{Field: "planner.daily_capacity_hours", Reason: "must be in (0, 24]"}
	}
	if c.Planner.HoursPerSection <= 0 {
		return &calendar.ValidationError{Field: "planner.hours_per_section", Reason: "must be positive"}
	}
	return c.Tables.Validate()
}

// Location is the time zone days are computed in.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// SyncOptions converts the window and sync settings for the synchronizer.
func (c *Config) SyncOptions() cachesync.Options {
	return cachesync.Options{
		BeforeDays:    c.Window.BeforeDays,
		AfterDays:     c.Window.AfterDays,
		Margin:        time.Duration(c.Window.MarginDays) * 24 * time.Hour,
		FlushInterval: c.Sync.FlushInterval,
		SlideInterval: c.Sync.SlideInterval,
		FlushTimeout:  c.Sync.FlushTimeout,
		BaseBackoff:   c.Sync.BaseBackoff,
		MaxBackoff:    c.Sync.MaxBackoff,
	}
}

func (c *Config) DailyCapacity() decimal.Decimal {
	return decimal.NewFromFloat(c.Planner.DailyCapacityHours)
}

func (c *Config) HoursPerSection() decimal.Decimal {
	return decimal.NewFromFloat(c.Planner.HoursPerSection)
}

// Profile is the identity configured for the local user.
func (c *Config) Profile() calendar.Profile {
	return calendar.Profile{ID: calendar.UserID(c.UserID), Email: c.UserEmail, FullName: c.UserName}
}
