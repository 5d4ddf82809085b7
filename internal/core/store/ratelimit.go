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

const budgetColumns = `errors_remaining, window_reset, backoff_until, last_limited_at`

// GetRateLimit returns the stored error budget of scope, or nil when none
// has been recorded.
func (s *Store) GetRateLimit(ctx context.Context, scope string) (*core.RateLimitState, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, errors.New("budget scope is required")
	}

	row := s.DB.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM error_budget WHERE scope = ?`, scope)
	state, err := scanBudget(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch error budget: %w", err)
	}
	return &state, nil
}

// UpdateRateLimit upserts the error budget of scope.
func (s *Store) UpdateRateLimit(ctx context.Context, scope string, state *core.RateLimitState) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return errors.New("budget scope is required")
	}
	if state == nil {
		return errors.New("error budget state is required")
	}

	var windowReset *time.Time
	if !state.WindowReset.IsZero() {
		windowReset = &state.WindowReset
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO error_budget (scope, `+budgetColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			errors_remaining = excluded.errors_remaining,
			window_reset = excluded.window_reset,
			backoff_until = excluded.backoff_until,
			last_limited_at = excluded.last_limited_at,
			updated_at = excluded.updated_at
	`, scope, state.ErrorsRemaining, unixOrNull(windowReset), unixOrNull(state.BackoffUntil),
		unixOrNull(state.Last429At), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("store error budget: %w", err)
	}
	return nil
}

func unixOrNull(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().Unix(), Valid: true}
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

// scanBudget reads budgetColumns, after any leading destinations.
func scanBudget(scan func(dest ...any) error, leading ...any) (core.RateLimitState, error) {
	var (
		remaining   int
		windowReset sql.NullInt64
		backoff     sql.NullInt64
		limitedAt   sql.NullInt64
	)
	dest := append(leading, &remaining, &windowReset, &backoff, &limitedAt)
	if err := scan(dest...); err != nil {
		return core.RateLimitState{}, err
	}

	state := core.RateLimitState{
		ErrorsRemaining: remaining,
		BackoffUntil:    timeOrNil(backoff),
		Last429At:       timeOrNil(limitedAt),
	}
	if reset := timeOrNil(windowReset); reset != nil {
		state.WindowReset = *reset
	}
	return state, nil
}
