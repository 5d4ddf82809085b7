package output

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/esisync/esisync/internal/core"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// Formatter renders persisted monitor state.
type Formatter interface {
	FormatStates(states []core.MonitorState) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatMarkdown:
		return &MarkdownFormatter{}
	default:
		return &TableFormatter{}
	}
}

// Row is one rendered monitor line.
type Row struct {
	Entity     string
	Endpoint   string
	Status     string
	LastUpdate string
	Age        string
	Error      string
}

// Rows converts states into display rows ordered by entity and endpoint.
// now anchors the age column.
func Rows(states []core.MonitorState, now time.Time) []Row {
	sorted := make([]core.MonitorState, len(states))
	copy(sorted, states)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Entity != sorted[j].Entity {
			return sorted[i].Entity < sorted[j].Entity
		}
		return sorted[i].Endpoint < sorted[j].Endpoint
	})

	rows := make([]Row, 0, len(sorted))
	for _, state := range sorted {
		row := Row{
			Entity:     state.Entity.String(),
			Endpoint:   string(state.Endpoint),
			Status:     state.Status.String(),
			LastUpdate: "never",
			Age:        "-",
			Error:      truncate(state.LastError, 60),
		}
		if !state.LastUpdateTime.IsZero() {
			row.LastUpdate = state.LastUpdateTime.UTC().Format(time.RFC3339)
			row.Age = humanAge(now.Sub(state.LastUpdateTime))
		}
		rows = append(rows, row)
	}
	return rows
}

func humanAge(d time.Duration) string {
	if d < 0 {
		return "0s"
	}
	switch {
	case d < time.Minute:
		return d.Truncate(time.Second).String()
	case d < time.Hour:
		return d.Truncate(time.Minute).String()
	default:
		return d.Truncate(time.Hour).String()
	}
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	if len(value) <= limit {
		return value
	}
	return value[:limit-3] + "..."
}

// summary counts states per status name.
func summary(states []core.MonitorState) string {
	counts := map[string]int{}
	for _, state := range states {
		counts[state.Status.String()]++
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%d %s", counts[name], strings.ToLower(name)))
	}
	return fmt.Sprintf("%d monitors: %s", len(states), strings.Join(parts, ", "))
}
