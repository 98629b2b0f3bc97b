// Package store is the query layer over the shared relational store. All SQL
// lives here; queries are written with ? placeholders and rebound for the
// active dialect. Staleness cutoffs are computed by callers and passed in so
// the predicates are identical across dialects and testable with forced
// clocks.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/homecast/homecast/internal/relay/db"
)

// Session types.
const (
	SessionTypeAgent    = "agent"
	SessionTypeListener = "listener"
)

// User is a web-portal account.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Name         string
	SettingsJSON sql.NullString
	IsActive     bool
	LastLoginAt  sql.NullTime
	CreatedAt    time.Time
}

// Session is a live socket binding (agent or listener) on some instance.
type Session struct {
	ID            string
	UserID        string
	InstanceID    string
	SessionType   string
	AgentID       sql.NullString
	Name          sql.NullString
	LastHeartbeat time.Time
	CreatedAt     time.Time
}

// TopicSlot is a lease of one pooled bus topic to one instance.
type TopicSlot struct {
	SlotName      string
	InstanceID    sql.NullString
	ClaimedAt     sql.NullTime
	LastHeartbeat sql.NullTime
}

// Home is a cached home-to-owner binding reported by agents.
type Home struct {
	HomeID    string
	Name      string
	UserID    string
	UpdatedAt time.Time
}

// Store executes queries against the shared database.
type Store struct {
	db *db.DB
}

// New creates a Store over an opened database.
func New(d *db.DB) *Store {
	return &Store{db: d}
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.db.Rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.db.Rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.db.Rebind(query), args...)
}
