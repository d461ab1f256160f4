package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/matchengine/internal/logging"
)

func restoreDefault(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func TestSetup_JSONRespectsLevel(t *testing.T) {
	restoreDefault(t)
	var buf bytes.Buffer

	logger, err := logging.Setup("warn", "json", &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("task_retry", slog.Int("worker", 3))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "task_retry", entry["msg"])
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "matchengine", entry["service"])
	assert.EqualValues(t, 3, entry["worker"])
}

func TestSetup_TextInstallsDefault(t *testing.T) {
	restoreDefault(t)
	var buf bytes.Buffer

	_, err := logging.Setup("debug", "text", &buf)
	require.NoError(t, err)

	slog.Debug("task_received", slog.String("protocol_no", "NCT-1"))
	assert.Contains(t, buf.String(), "msg=task_received")
	assert.Contains(t, buf.String(), "protocol_no=NCT-1")
}

func TestSetup_RejectsUnknownValues(t *testing.T) {
	restoreDefault(t)

	_, err := logging.Setup("verbose", "json", &bytes.Buffer{})
	require.Error(t, err)

	_, err = logging.Setup("info", "xml", &bytes.Buffer{})
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := logging.ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
