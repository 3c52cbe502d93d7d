// Package database opens the libsql connection the repositories run on.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/tursodatabase/go-libsql"
)

// New opens a libsql database from a DSN. Three forms are supported: a local
// file DSN, a libsql server URL, and an embedded replica when TURSO_URL and
// TURSO_AUTH_TOKEN are set (the DSN then names the local replica file).
func New(dsn string) (*sql.DB, error) {
	db, err := open(dsn)
	if err != nil {
		return nil, err
	}

	// Ledger and crawl-page rows cascade from jobs; the pragma is per
	// connection so it must be set before anything else runs.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func open(dsn string) (*sql.DB, error) {
	tursoURL, tursoToken := os.Getenv("TURSO_URL"), os.Getenv("TURSO_AUTH_TOKEN")
	if tursoURL == "" || tursoToken == "" {
		db, err := sql.Open("libsql", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return db, nil
	}

	replicaPath := strings.TrimPrefix(dsn, "file:")
	replicaPath, _, _ = strings.Cut(replicaPath, "?")
	connector, err := libsql.NewEmbeddedReplicaConnector(replicaPath, tursoURL,
		libsql.WithAuthToken(tursoToken),
		libsql.WithReadYourWrites(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded replica connector: %w", err)
	}
	return sql.OpenDB(connector), nil
}
