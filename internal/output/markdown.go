package output

import (
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/esisync/esisync/internal/core"
)

// MarkdownFormatter renders monitor state as a markdown table.
type MarkdownFormatter struct {
	Clock func() time.Time
}

// FormatStates renders states as Markdown.
func (f *MarkdownFormatter) FormatStates(states []core.MonitorState) (string, error) {
	var sb strings.Builder
	sb.WriteString("## Monitor state\n\n")
	if len(states) == 0 {
		sb.WriteString("_No persisted monitor state._\n")
		return sb.String(), nil
	}

	t := table.NewWriter()
	appendStates(t, states, now(f.Clock))
	sb.WriteString(t.RenderMarkdown())
	sb.WriteString("\n")
	return sb.String(), nil
}
