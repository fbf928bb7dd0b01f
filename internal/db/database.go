package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// InitDB opens and pings the database for the given driver and DSN.
func InitDB(driver, dsn string) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY and
		// keeps ":memory:" databases shared across callers.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(20)
		conn.SetConnMaxIdleTime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info().Str("driver", driver).Msg("Database connection established successfully.")
	return conn, nil
}

// MigrateDB creates the tables the engine reads and writes. Statements are
// idempotent so it runs on every start.
func MigrateDB(conn *sqlx.DB) error {
	if conn == nil {
		return fmt.Errorf("database not initialized, call InitDB first")
	}

	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if conn.DriverName() == DriverPostgres {
		idColumn = "BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS sync_rules (
			id ` + idColumn + `,
			user_id BIGINT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			webhook_source TEXT NOT NULL,
			conditions TEXT NOT NULL DEFAULT '{}',
			actions TEXT NOT NULL DEFAULT '{}',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			execution_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_rules_user ON sync_rules (user_id)`,
		`CREATE TABLE IF NOT EXISTS amocrm_settings (
			user_id BIGINT PRIMARY KEY,
			subdomain TEXT NOT NULL UNIQUE,
			api_key TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS lptracker_settings (
			user_id BIGINT PRIMARY KEY,
			project_id TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lptracker_settings_project ON lptracker_settings (project_id)`,
		`CREATE TABLE IF NOT EXISTS lptracker_global_settings (
			id INTEGER PRIMARY KEY,
			login TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			service TEXT NOT NULL DEFAULT '',
			token TEXT NOT NULL DEFAULT '',
			token_expires_at TIMESTAMP NULL
		)`,
		`CREATE TABLE IF NOT EXISTS provider_metadata (
			user_id BIGINT NOT NULL,
			provider TEXT NOT NULL,
			type TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, provider, type)
		)`,
		`CREATE TABLE IF NOT EXISTS processed_webhooks (
			user_id BIGINT NOT NULL,
			provider TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			rule_id BIGINT NOT NULL,
			event_timestamp TEXT NOT NULL DEFAULT '',
			processed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, provider, entity_id, rule_id, event_timestamp)
		)`,
		`CREATE TABLE IF NOT EXISTS system_logs (
			id ` + idColumn + `,
			user_id BIGINT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			data TEXT NULL,
			source TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, stmt := range statements {
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	log.Info().Int("statements", len(statements)).Msg("Database migration completed successfully.")
	return nil
}
