package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/esisync/esisync/internal/core"
)

// SaveMonitorStates upserts monitor staleness metadata in one transaction.
func (s *Store) SaveMonitorStates(ctx context.Context, states []core.MonitorState) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(states) == 0 {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin monitor state save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO monitor_state (entity_id, endpoint, last_update_time, status, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, endpoint) DO UPDATE SET
			last_update_time = excluded.last_update_time,
			status = excluded.status,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare monitor state save: %w", err)
	}
	defer stmt.Close() // nolint:errcheck // best-effort cleanup

	now := time.Now().UTC()
	for _, state := range states {
		endpoint := strings.TrimSpace(string(state.Endpoint))
		if endpoint == "" {
			return errors.New("endpoint is required")
		}

		var lastUpdate sql.NullInt64
		if !state.LastUpdateTime.IsZero() {
			lastUpdate = sql.NullInt64{Int64: state.LastUpdateTime.UTC().UnixMilli(), Valid: true}
		}
		var lastError sql.NullString
		if state.LastError != "" {
			lastError = sql.NullString{String: state.LastError, Valid: true}
		}
		updatedAt := state.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = now
		}

		if _, err := stmt.ExecContext(ctx, int64(state.Entity), endpoint, lastUpdate,
			state.Status.String(), lastError, updatedAt.UTC().UnixMilli()); err != nil {
			return fmt.Errorf("store monitor state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit monitor state save: %w", err)
	}
	return nil
}

// LoadMonitorStates returns the persisted states of one entity.
func (s *Store) LoadMonitorStates(ctx context.Context, entity core.EntityID) ([]core.MonitorState, error) {
	return s.queryMonitorStates(ctx, "WHERE entity_id = ?", int64(entity))
}

// ListMonitorStates returns every persisted state ordered by entity and endpoint.
func (s *Store) ListMonitorStates(ctx context.Context) ([]core.MonitorState, error) {
	return s.queryMonitorStates(ctx, "")
}

// DeleteMonitorStates removes all state of an entity.
func (s *Store) DeleteMonitorStates(ctx context.Context, entity core.EntityID) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := s.DB.ExecContext(ctx, `DELETE FROM monitor_state WHERE entity_id = ?`, int64(entity))
	if err != nil {
		return 0, fmt.Errorf("delete monitor state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete monitor state: %w", err)
	}
	return affected, nil
}

func (s *Store) queryMonitorStates(ctx context.Context, where string, args ...any) ([]core.MonitorState, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT entity_id, endpoint, last_update_time, status, last_error, updated_at
		FROM monitor_state
		%s
		ORDER BY entity_id, endpoint
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list monitor state: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	states := []core.MonitorState{}
	for rows.Next() {
		var (
			entity     int64
			endpoint   string
			lastUpdate sql.NullInt64
			status     string
			lastError  sql.NullString
			updatedAt  int64
		)
		if err := rows.Scan(&entity, &endpoint, &lastUpdate, &status, &lastError, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan monitor state: %w", err)
		}

		state := core.MonitorState{
			Entity:    core.EntityID(entity),
			Endpoint:  core.Endpoint(endpoint),
			Status:    core.ParseStatus(status),
			UpdatedAt: time.UnixMilli(updatedAt).UTC(),
		}
		if lastUpdate.Valid {
			state.LastUpdateTime = time.UnixMilli(lastUpdate.Int64).UTC()
		}
		if lastError.Valid {
			state.LastError = lastError.String
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list monitor state: %w", err)
	}
	return states, nil
}

// RestoredTimes indexes states by endpoint for scheduler registration.
func RestoredTimes(states []core.MonitorState) map[core.Endpoint]time.Time {
	out := make(map[core.Endpoint]time.Time, len(states))
	for _, state := range states {
		if state.LastUpdateTime.IsZero() {
			continue
		}
		out[state.Endpoint] = state.LastUpdateTime
	}
	return out
}
