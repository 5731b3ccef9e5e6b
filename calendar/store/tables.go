package store

import (
	"fmt"
	"regexp"

	"github.com/warp/calm-planner/calendar"
)

// Tables names the tables a relational backend reads and writes.
type Tables struct {
	Profiles   string `mapstructure:"profiles"`
	Categories string `mapstructure:"categories"`
	Events     string `mapstructure:"events"`
	Subjects   string `mapstructure:"subjects"`
	History    string `mapstructure:"history"`
	// Tombstones keeps the last revision of each deleted row.
	Tombstones string `mapstructure:"tombstones"`
}

func DefaultTables() Tables {
	return Tables{
		Profiles:   "profiles",
		Categories: "categories",
		Events:     "events",
		Subjects:   "subjects",
		History:    "history_entries",
		Tombstones: "tombstones",
	}
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate rejects names that cannot be used unquoted in SQL.
func (t Tables) Validate() error {
	for _, n := range []string{t.Profiles, t.Categories, t.Events, t.Subjects, t.History, t.Tombstones} {
		if !tableName.MatchString(n) {
			return &calendar.ValidationError{Field: "tables", Reason: fmt.Sprintf("invalid table name %q", n)}
		}
	}
	return nil
}
