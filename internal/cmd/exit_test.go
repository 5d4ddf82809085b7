package cmd

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errwrap "github.com/esisync/esisync/internal/errors"
)

func TestWriteFatal(t *testing.T) {
	t.Run("plain error", func(t *testing.T) {
		var buf bytes.Buffer
		writeFatal(&buf, foundry.ExitFailure, "Store unavailable", stderrors.New("disk full"))
		assert.Contains(t, buf.String(), "FATAL: Store unavailable: disk full\n")
		assert.Contains(t, buf.String(), "Exit Code: 1")
	})

	t.Run("no error", func(t *testing.T) {
		var buf bytes.Buffer
		writeFatal(&buf, foundry.ExitFailure, "Stopped", nil)
		assert.Contains(t, buf.String(), "FATAL: Stopped\n")
	})

	t.Run("wrapped envelope", func(t *testing.T) {
		var buf bytes.Buffer
		err := fmt.Errorf("startup: %w", errwrap.NewInternalError("version information missing"))
		writeFatal(&buf, foundry.ExitConfigInvalid, "Health check failed", err)
		assert.Contains(t, buf.String(), "[INTERNAL_ERROR]: version information missing")
	})
}

func TestEnvelopeFields(t *testing.T) {
	assert.Nil(t, envelopeFields(nil))
	require.Len(t, envelopeFields(stderrors.New("boom")), 1)

	fields := envelopeFields(errwrap.NewInternalError("bad"))
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, f.Key)
	}
	assert.Contains(t, keys, "error_code")
	assert.Contains(t, keys, "error_message")
}

func TestExitWithCodeStderrUsesFoundryCode(t *testing.T) {
	var got int
	original := osExit
	osExit = func(code int) { got = code }
	t.Cleanup(func() { osExit = original })

	ExitWithCodeStderr(foundry.ExitFailure, "Command execution failed", nil)
	assert.Equal(t, 1, got)
}
