package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/esisync/esisync/internal/core"
)

// BudgetEntry is one persisted error budget row.
type BudgetEntry struct {
	Scope string              `json:"scope"`
	State core.RateLimitState `json:"state"`
}

// ListBudgets returns every stored error budget ordered by scope.
func (s *Store) ListBudgets(ctx context.Context) ([]BudgetEntry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT scope, `+budgetColumns+` FROM error_budget ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("list error budgets: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	entries := []BudgetEntry{}
	for rows.Next() {
		var scope string
		state, err := scanBudget(rows.Scan, &scope)
		if err != nil {
			return nil, fmt.Errorf("scan error budget: %w", err)
		}
		entries = append(entries, BudgetEntry{Scope: scope, State: state})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list error budgets: %w", err)
	}
	return entries, nil
}

// ClearBackoff lifts a persisted backoff of scope while keeping the last
// reported remaining count. It reports whether a backoff was cleared.
func (s *Store) ClearBackoff(ctx context.Context, scope string) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := s.DB.ExecContext(ctx, `
		UPDATE error_budget SET backoff_until = NULL
		WHERE scope = ? AND backoff_until IS NOT NULL
	`, strings.TrimSpace(scope))
	if err != nil {
		return false, fmt.Errorf("clear backoff: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("clear backoff: %w", err)
	}
	return affected > 0, nil
}

// DeleteBudgets removes the named scopes, or every row when none are named.
func (s *Store) DeleteBudgets(ctx context.Context, scopes ...string) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	query := `DELETE FROM error_budget`
	args := make([]any, 0, len(scopes))
	if len(scopes) > 0 {
		placeholders := make([]string, 0, len(scopes))
		for _, scope := range scopes {
			placeholders = append(placeholders, "?")
			args = append(args, strings.TrimSpace(scope))
		}
		query += ` WHERE scope IN (` + strings.Join(placeholders, ", ") + `)`
	}

	result, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete error budgets: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete error budgets: %w", err)
	}
	return affected, nil
}
