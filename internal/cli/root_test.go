package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	cmd := NewRootCommand()

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"export", "forms", "info"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestRootCommandRejectsBadFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "xml", "forms"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"command error", NewExitError(ExitCommandError, "bad flags"), ExitCommandError},
		{"failure", NewExitError(ExitFailure, "broken"), ExitFailure},
		{"wrapped", WrapExitError(ExitCommandError, "outer", assert.AnError), ExitCommandError},
		{"plain error defaults to failure", assert.AnError, ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestOutputFormatterJSON(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}

	require.NoError(t, f.Success(map[string]int{"records": 3}))
	assert.JSONEq(t, `{"status":"ok","data":{"records":3}}`, buf.String())

	buf.Reset()
	require.NoError(t, f.Error("E003", "boom", nil))
	assert.JSONEq(t, `{"status":"error","error":{"code":"E003","message":"boom"}}`, buf.String())
}

func TestOutputFormatterTextPrefersText(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "text", Writer: &buf}

	require.NoError(t, f.SuccessText("exported 3 records", map[string]int{"records": 3}))
	assert.Equal(t, "exported 3 records\n", buf.String())
}
