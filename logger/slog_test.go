package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlogLogger_JSONOutput(t *testing.T) {
	require := require.New(t)
	t.Setenv("ENV", "")

	var buf bytes.Buffer
	l := NewSlogTo(&buf, InfoLevel, false)

	l.Debug("hidden")
	require.Zero(buf.Len())

	l.With("peer", "P1").Info("run started", "run", 1)

	var rec map[string]any
	require.NoError(json.Unmarshal(buf.Bytes(), &rec))
	require.Equal("run started", rec["msg"])
	require.Equal("P1", rec["peer"])
	require.EqualValues(1, rec["run"])
	require.Contains(rec, "ts")
}

func TestSlogLogger_SetLevel(t *testing.T) {
	require := require.New(t)
	t.Setenv("ENV", "")

	var buf bytes.Buffer
	l := NewSlogTo(&buf, ErrorLevel, false)
	require.Equal(ErrorLevel, l.Level())

	child := l.With("component", "outbound")
	l.SetLevel(DebugLevel)
	require.Equal(DebugLevel, child.Level())

	child.Debug("frame sent")
	require.Contains(buf.String(), "frame sent")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		description string
		input       string
		expected    Level
		ok          bool
	}{
		{"debug", "debug", DebugLevel, true},
		{"warning alias", "warning", WarnLevel, true},
		{"error", "error", ErrorLevel, true},
		{"unknown", "loud", InfoLevel, false},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			level, ok := ParseLevel(tt.input)
			require.Equal(t, tt.expected, level)
			require.Equal(t, tt.ok, ok)
		})
	}
}
