package output

import (
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/esisync/esisync/internal/core"
)

// TableFormatter renders monitor state as an ASCII table.
type TableFormatter struct {
	Clock func() time.Time
}

// FormatStates renders states as a table.
func (f *TableFormatter) FormatStates(states []core.MonitorState) (string, error) {
	if len(states) == 0 {
		return "(no persisted monitor state)", nil
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	appendStates(t, states, now(f.Clock))
	return t.Render(), nil
}

func appendStates(t table.Writer, states []core.MonitorState, at time.Time) {
	t.AppendHeader(table.Row{"Entity", "Endpoint", "Status", "Last Update", "Age", "Error"})
	for _, row := range Rows(states, at) {
		t.AppendRow(table.Row{row.Entity, row.Endpoint, row.Status, row.LastUpdate, row.Age, row.Error})
	}
	t.AppendFooter(table.Row{"", "", summary(states), "", "", ""})
}

func now(clock func() time.Time) time.Time {
	if clock != nil {
		return clock()
	}
	return time.Now().UTC()
}
