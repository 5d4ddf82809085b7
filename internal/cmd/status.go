package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/esisync/esisync/internal/core"
	"github.com/esisync/esisync/internal/core/store"
	"github.com/esisync/esisync/internal/output"
)

var statusEntity string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted monitor state",
	Long: `Show the last persisted state of every monitor: status, last update
time and the last error. Use --entity to limit output to one character.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}

		var entity core.EntityID
		if raw := strings.TrimSpace(statusEntity); raw != "" {
			entity, err = core.ParseEntityID(raw)
			if err != nil {
				return err
			}
		}

		db, err := openStore(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		var states []core.MonitorState
		if entity != 0 {
			states, err = db.LoadMonitorStates(cmd.Context(), entity)
		} else {
			states, err = db.ListMonitorStates(cmd.Context())
		}
		if err != nil {
			return err
		}

		name := "status.all"
		if entity != 0 {
			name = "status." + entity.String()
		}
		sink, err := openCommandSink(cmd, format, name)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		rendered, err := output.NewFormatter(format).FormatStates(states)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(sink.writer, rendered); err != nil {
			return err
		}

		if format == output.FormatTable {
			return writeBudgetBox(cmd, sink.writer, db)
		}
		return nil
	},
}

// writeBudgetBox prints the persisted error budget below the table.
func writeBudgetBox(cmd *cobra.Command, w io.Writer, db *store.Store) error {
	entries, err := db.ListBudgets(cmd.Context())
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(w, renderBudgets(entries, time.Now()))
	return err
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusEntity, "entity", "", "Only show one entity id")
	addOutputFlags(statusCmd, output.FormatTable, output.FormatJSON, output.FormatMarkdown)
}
