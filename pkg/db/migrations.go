package db

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

const migrationsLogPrefix = "db:migrations"

// Migration is one schema version. Down is empty when the version cannot be
// rolled back.
type Migration struct {
	Version string
	Name    string
	Up      string
	Down    string
}

// ID is the version and name, e.g. "001_response_cache".
func (m Migration) ID() string { return m.Version + "_" + m.Name }

// 001_response_cache.up.sql, 001_response_cache.down.sql, or 001_seed.sql (up only).
var migrationFileRegex = regexp.MustCompile(`^(\d+)_([A-Za-z0-9_]+?)(?:\.(up|down))?\.sql$`)

// LoadMigrations reads the .sql files in dir and pairs them into migrations
// ordered by numeric version.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}

	byVersion := map[string]*Migration{}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		m := migrationFileRegex.FindStringSubmatch(e.Name())
		if m == nil {
			return nil, fmt.Errorf("%s - %s does not match NNN_name[.up|.down].sql", migrationsLogPrefix, e.Name())
		}
		version, name, direction := m[1], m[2], m[3]

		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to read %s: %w", migrationsLogPrefix, path, err)
		}

		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: name}
			byVersion[version] = mig
		} else if mig.Name != name {
			return nil, fmt.Errorf("%s - version %s is used by both %s and %s", migrationsLogPrefix, version, mig.Name, name)
		}

		target, kind := &mig.Up, "up"
		if direction == "down" {
			target, kind = &mig.Down, "down"
		}
		if *target != "" {
			return nil, fmt.Errorf("%s - duplicate %s migration for %s", migrationsLogPrefix, kind, mig.ID())
		}
		*target = string(data)
	}

	out := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.Up == "" {
			return nil, fmt.Errorf("%s - %s has a down migration but no up migration", migrationsLogPrefix, mig.ID())
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return versionLess(out[i].Version, out[j].Version) })

	slog.Info(fmt.Sprintf("%s - Loaded %d migrations from %s", migrationsLogPrefix, len(out), dir))
	return out, nil
}

// versionLess orders "2" before "10"; equal numbers fall back to the text.
func versionLess(a, b string) bool {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA != nil || errB != nil || na == nb {
		return a < b
	}
	return na < nb
}

// MigrationState pairs a migration with whether it is recorded as applied.
type MigrationState struct {
	Migration
	Applied bool
}

// PlanUp returns the migrations not yet in applied, in order.
func PlanUp(migrations []Migration, applied []string) []Migration {
	done := make(map[string]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}
	var pending []Migration
	for _, m := range migrations {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending
}

// ErrNothingToRollBack is returned by PlanDown when no migration is applied.
var ErrNothingToRollBack = errors.New(migrationsLogPrefix + " - no applied migration to roll back")

// PlanDown returns the highest applied migration. It fails when that version
// is missing from migrations or has no down SQL.
func PlanDown(migrations []Migration, applied []string) (Migration, error) {
	if len(applied) == 0 {
		return Migration{}, ErrNothingToRollBack
	}
	last := applied[0]
	for _, v := range applied[1:] {
		if versionLess(last, v) {
			last = v
		}
	}
	for _, m := range migrations {
		if m.Version != last {
			continue
		}
		if m.Down == "" {
			return Migration{}, fmt.Errorf("%s - %s has no down migration", migrationsLogPrefix, m.ID())
		}
		return m, nil
	}
	return Migration{}, fmt.Errorf("%s - applied version %s has no migration file", migrationsLogPrefix, last)
}

// Statuses reports every migration with its applied flag.
func Statuses(migrations []Migration, applied []string) []MigrationState {
	done := make(map[string]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}
	out := make([]MigrationState, len(migrations))
	for i, m := range migrations {
		out[i] = MigrationState{Migration: m, Applied: done[m.Version]}
	}
	return out
}
