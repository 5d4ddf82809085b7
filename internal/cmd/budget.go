package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/esisync/esisync/internal/core/engine"
	"github.com/esisync/esisync/internal/core/store"
	"github.com/esisync/esisync/internal/output"
)

var (
	budgetScopes []string
	budgetAll    bool
	budgetYes    bool
	budgetDryRun bool
)

var budgetCmd = &cobra.Command{
	Use:     "budget",
	Aliases: []string{"rate-limit"},
	Short:   "Inspect or reset the persisted remote error budget",
}

var budgetShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show stored error budgets",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd, output.FormatTable, output.FormatJSON)
		if err != nil {
			return err
		}

		db, err := openStore(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		entries, err := db.ListBudgets(cmd.Context())
		if err != nil {
			return err
		}

		sink, err := openCommandSink(cmd, format, "budget.show")
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		if format == output.FormatJSON {
			return writeJSONLine(sink.writer, entries)
		}
		_, err = fmt.Fprint(sink.writer, renderBudgets(entries, time.Now()))
		return err
	},
}

var budgetClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Lift a persisted backoff so polling resumes on next start",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		for _, scope := range scopesOrDefault() {
			cleared, err := db.ClearBackoff(cmd.Context(), scope)
			if err != nil {
				return err
			}
			state := "no active backoff"
			if cleared {
				state = "backoff cleared"
			}
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", scope, state); err != nil {
				return err
			}
		}
		return nil
	},
}

var budgetResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete stored error budgets",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd, output.FormatTable, output.FormatJSON)
		if err != nil {
			return err
		}
		if budgetAll && len(budgetScopes) > 0 {
			return errors.New("--all and --scope are mutually exclusive")
		}
		if budgetAll && !budgetYes && !budgetDryRun {
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		db, err := openStore(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		var scopes []string
		if !budgetAll {
			scopes = scopesOrDefault()
		}

		entries, err := db.ListBudgets(cmd.Context())
		if err != nil {
			return err
		}
		matched := countScopes(entries, scopes)

		sink, err := openCommandSink(cmd, format, "budget.reset")
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		var deleted int64
		if !budgetDryRun {
			deleted, err = db.DeleteBudgets(cmd.Context(), scopes...)
			if err != nil {
				return err
			}
		}
		return writeResetResult(format, sink.writer, matched, deleted, budgetDryRun)
	},
}

func scopesOrDefault() []string {
	scopes := make([]string, 0, len(budgetScopes))
	for _, scope := range budgetScopes {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopes = append(scopes, scope)
		}
	}
	if len(scopes) == 0 {
		return []string{engine.RateLimitKey}
	}
	return scopes
}

// countScopes counts entries matching scopes; nil matches everything.
func countScopes(entries []store.BudgetEntry, scopes []string) int {
	if scopes == nil {
		return len(entries)
	}
	want := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		want[scope] = struct{}{}
	}
	n := 0
	for _, entry := range entries {
		if _, ok := want[entry.Scope]; ok {
			n++
		}
	}
	return n
}

func renderBudgets(entries []store.BudgetEntry, now time.Time) string {
	lines := []string{"Error budgets", ""}
	if len(entries) == 0 {
		lines = append(lines, "(no stored error budget)")
	}
	for _, entry := range entries {
		backoff := "-"
		if until := entry.State.BackoffUntil; until != nil && until.After(now) {
			backoff = until.UTC().Format(time.RFC3339)
		}
		lines = append(lines, fmt.Sprintf("%s: errors_remaining=%d backoff_until=%s",
			entry.Scope, entry.State.ErrorsRemaining, backoff))
	}
	return ascii.DrawBox(strings.Join(lines, "\n"), 0)
}

func writeResetResult(format output.Format, w io.Writer, matched int, deleted int64, dryRun bool) error {
	if format == output.FormatJSON {
		return writeJSONLine(w, map[string]any{
			"matched": matched,
			"deleted": deleted,
			"dry_run": dryRun,
		})
	}
	if dryRun {
		_, err := fmt.Fprintf(w, "Would delete %d error budget row(s)\n", matched)
		return err
	}
	_, err := fmt.Fprintf(w, "Deleted %d/%d error budget row(s)\n", deleted, matched)
	return err
}

func writeJSONLine(w io.Writer, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(payload))
	return err
}

func init() {
	budgetCmd.PersistentFlags().StringSliceVar(&budgetScopes, "scope", nil, "Budget scope (default "+engine.RateLimitKey+")")

	addOutputFlags(budgetShowCmd, output.FormatTable, output.FormatJSON)

	addOutputFlags(budgetResetCmd, output.FormatTable, output.FormatJSON)
	budgetResetCmd.Flags().BoolVar(&budgetAll, "all", false, "Reset every stored scope")
	budgetResetCmd.Flags().BoolVar(&budgetYes, "yes", false, "Confirm destructive reset")
	budgetResetCmd.Flags().BoolVar(&budgetDryRun, "dry-run", false, "Show what would be deleted")

	budgetCmd.AddCommand(budgetShowCmd, budgetClearCmd, budgetResetCmd)
	rootCmd.AddCommand(budgetCmd)
}
