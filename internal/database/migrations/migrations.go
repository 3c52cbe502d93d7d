// Package migrations applies the schema in order. Each migration file
// registers itself from init() under a YYYYMMDD-HHmmss version; applied
// versions are recorded in schema_migrations so a migration runs once.
package migrations

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Migration is one ordered schema change.
type Migration struct {
	Version     string // YYYYMMDD-HHmmss, drives ordering
	Description string
	Up          []string
}

var registry []Migration

// Register adds a migration; called from each migration file's init().
func Register(m Migration) {
	registry = append(registry, m)
}

// Run applies every registered migration that is not yet recorded.
func Run(db *sql.DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	sort.Slice(registry, func(i, j int) bool {
		return registry[i].Version < registry[j].Version
	})

	for _, m := range registry {
		if applied[m.Version] {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)
		if err := apply(db, m); err != nil {
			return fmt.Errorf("migration %s (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

func appliedVersions(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// apply runs one migration's statements and the bookkeeping insert in a
// single transaction.
func apply(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.Up {
		if _, err := tx.Exec(stmt); err != nil {
			if ignorable(err, stmt) {
				continue
			}
			return fmt.Errorf("statement failed: %w\n%s", err, stmt)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Description, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// ignorable reports whether a statement error means the change already
// exists, which happens when a migration is re-run after a partial apply
// on engines without transactional DDL.
func ignorable(err error, stmt string) bool {
	msg := err.Error()
	if strings.Contains(msg, "duplicate column") {
		return true
	}
	return strings.Contains(msg, "already exists") && strings.Contains(stmt, "CREATE INDEX")
}
