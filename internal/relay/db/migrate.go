package db

import (
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/homecast/homecast/internal/relay/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

// requiredTables is the set of tables the schema validation probes for.
var requiredTables = []string{"users", "sessions", "topic_slots", "homes"}

// Migrate runs all pending database migrations.
func Migrate(d *DB) error {
	goose.SetBaseFS(migrations)

	dialect := "sqlite3"
	if d.Dialect == DialectPostgres {
		dialect = "postgres"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(d.DB, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Setup applies the configured startup policy:
//
//   - validateOrRecreate: probe the schema; on a mismatch drop everything
//     and migrate from scratch, otherwise migrate forward.
//   - createIfMissing: migrate forward.
//   - off: leave the schema alone.
func Setup(d *DB, policy string) error {
	switch policy {
	case config.DBStartupOff:
		return nil
	case config.DBStartupCreateIfMissing:
		return Migrate(d)
	case config.DBStartupValidateOrRecreate:
		if validateSchema(d) {
			return Migrate(d)
		}
		if err := wipe(d); err != nil {
			return fmt.Errorf("wipe schema: %w", err)
		}
		return Migrate(d)
	default:
		return fmt.Errorf("unknown db startup policy %q", policy)
	}
}

// validateSchema reports whether every required table either exists with a
// queryable shape or is absent entirely (a fresh database validates).
func validateSchema(d *DB) bool {
	present := 0
	for _, table := range requiredTables {
		if tableExists(d, table) {
			present++
		}
	}
	// All present (forward-migratable) or none present (fresh) is fine;
	// a partial schema means a broken previous deployment.
	return present == len(requiredTables) || present == 0
}

func tableExists(d *DB, table string) bool {
	var q string
	if d.Dialect == DialectPostgres {
		q = `SELECT 1 FROM information_schema.tables WHERE table_name = $1`
	} else {
		q = `SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`
	}
	var one int
	return d.QueryRow(q, table).Scan(&one) == nil
}

func wipe(d *DB) error {
	tables := append([]string{"goose_db_version"}, requiredTables...)
	for _, table := range tables {
		stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s", table)
		if d.Dialect == DialectPostgres {
			stmt += " CASCADE"
		}
		if _, err := d.Exec(stmt); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
	}
	return nil
}
