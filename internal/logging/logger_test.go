package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"success": LevelSuccess,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_JSONSuccessLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelInfo, FormatJSON)

	Success(WithRunID(context.Background(), "run-1"), logger, "deployed", "url", "https://x")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "SUCCESS", rec["level"])
	assert.Equal(t, "deployed", rec["msg"])
	assert.Equal(t, "run-1", rec["run_id"])
}

func TestNew_TextNoColorForBuffers(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelDebug, FormatText)
	logger.Debug("hello", "n", 1)

	out := buf.String()
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "n=1")
	assert.NotContains(t, out, "\x1b[")
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelWarn, FormatJSON)
	logger.Info("dropped")
	Success(context.Background(), logger, "dropped too")
	assert.Empty(t, buf.String())
}
