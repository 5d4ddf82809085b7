package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS monitor_state (
		entity_id INTEGER NOT NULL,
		endpoint TEXT NOT NULL,
		last_update_time INTEGER,
		status TEXT NOT NULL DEFAULT 'idle',
		last_error TEXT,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (entity_id, endpoint)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_monitor_state_entity ON monitor_state(entity_id);`,
	`CREATE TABLE IF NOT EXISTS error_budget (
		scope TEXT PRIMARY KEY,
		errors_remaining INTEGER NOT NULL DEFAULT 0,
		window_reset INTEGER,
		backoff_until INTEGER,
		last_limited_at INTEGER,
		updated_at INTEGER NOT NULL DEFAULT 0
	);`,
}

// Migrate ensures the required database tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}

	// Columns added after the first schema release.
	if err := s.ensureColumn(ctx, "monitor_state", "last_error", "TEXT"); err != nil {
		return err
	}
	if err := s.ensureColumn(ctx, "error_budget", "updated_at", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

func (s *Store) ensureColumn(ctx context.Context, table, column, columnDef string) error {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect %s schema: %w", table, err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("inspect %s columns: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s columns: %w", table, err)
	}

	if _, err := s.DB.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, columnDef)); err != nil {
		return fmt.Errorf("add %s.%s column: %w", table, column, err)
	}

	return nil
}
