package output

import (
	"encoding/json"

	"github.com/esisync/esisync/internal/core"
)

// JSONFormatter renders monitor state as JSON.
type JSONFormatter struct {
	Indent bool
}

// FormatStates renders states as a JSON array.
func (f *JSONFormatter) FormatStates(states []core.MonitorState) (string, error) {
	if states == nil {
		states = []core.MonitorState{}
	}

	var (
		data []byte
		err  error
	)

	if f.Indent {
		data, err = json.MarshalIndent(states, "", "  ")
	} else {
		data, err = json.Marshal(states)
	}
	if err != nil {
		return "", err
	}

	return string(data), nil
}
