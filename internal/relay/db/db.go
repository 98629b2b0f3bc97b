// Package db opens the shared relational store and manages its schema.
// The store is sqlite (single-instance deployments, tests) or postgres
// (horizontally scaled deployments), selected by the database URL.
package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// DB wraps the sql handle with the dialect it was opened with.
type DB struct {
	*sql.DB
	Dialect string
}

// Open opens the database named by url. URLs starting with postgres:// or
// postgresql:// use the postgres driver; anything else is treated as a
// sqlite path (an optional sqlite:// prefix is stripped). Use ":memory:"
// for an in-memory sqlite database (useful for testing).
func Open(url string) (*DB, error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		sqlDB, err := sql.Open("postgres", url)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return &DB{DB: sqlDB, Dialect: DialectPostgres}, nil
	}

	path := strings.TrimPrefix(url, "sqlite://")
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite only supports a single writer at a time.
	sqlDB.SetMaxOpenConns(1)

	return &DB{DB: sqlDB, Dialect: DialectSQLite}, nil
}

// Rebind converts a query written with ? placeholders to the dialect's
// placeholder style.
func (d *DB) Rebind(query string) string {
	if d.Dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
