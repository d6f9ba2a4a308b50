package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DB wraps the database connection. Queries are written with ? placeholders
// and rebound for the active driver.
type DB struct {
	*sql.DB
	driver string
}

// Open establishes a connection for driver ("postgres" or "sqlite")
func Open(driver, dsn string) (*DB, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if driver == DriverSQLite {
		// One writer; also keeps :memory: databases on a single connection
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}

	return &DB{DB: db, driver: driver}, nil
}

// Driver returns the driver name the connection was opened with
func (db *DB) Driver() string {
	return db.driver
}

// Migrate creates the tables and indexes if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	timestamp := "TIMESTAMPTZ"
	if db.driver == DriverSQLite {
		timestamp = "DATETIME"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			name        TEXT NOT NULL,
			city        TEXT,
			lat         DOUBLE PRECISION,
			lon         DOUBLE PRECISION,
			parameter   TEXT NOT NULL,
			operator    TEXT NOT NULL,
			threshold   DOUBLE PRECISION NOT NULL,
			is_active   BOOLEAN NOT NULL DEFAULT TRUE,
			status      TEXT NOT NULL DEFAULT 'NOT_TRIGGERED',
			last_checked ` + timestamp + `,
			created_at  ` + timestamp + ` NOT NULL,
			updated_at  ` + timestamp + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts (user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_active ON alerts (is_active)`,
		`CREATE TABLE IF NOT EXISTS alert_history (
			id           TEXT PRIMARY KEY,
			alert_id     TEXT NOT NULL REFERENCES alerts (id) ON DELETE CASCADE,
			status       TEXT NOT NULL,
			weather_data TEXT NOT NULL,
			triggered_at ` + timestamp + ` NOT NULL,
			resolved_at  ` + timestamp + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_alert ON alert_history (alert_id, triggered_at)`,
		// At most one open period per alert
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_history_open ON alert_history (alert_id) WHERE resolved_at IS NULL`,
	}

	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration step %d: %w", i+1, err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $N for postgres
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
