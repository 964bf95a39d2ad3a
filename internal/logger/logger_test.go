package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("warn", &buf)

	log.Info("hidden")
	log.Warn("shown")
	log.Error("also shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "shown", lines[0]["message"])
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "error", lines[1]["level"])
	assert.False(t, log.Enabled(context.Background(), slog.LevelInfo))
}

func TestAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("debug", &buf).With("node", "a").WithGroup("tx")

	log.Debug("committed",
		"id", "t1",
		"writes", 3,
		"took", 2*time.Millisecond,
		"error", errors.New("boom"),
		slog.Group("peer", "name", "b"),
	)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "a", line["node"])
	assert.Equal(t, "t1", line["tx.id"])
	assert.Equal(t, float64(3), line["tx.writes"])
	assert.Equal(t, "boom", line["tx.error"])
	assert.Equal(t, "b", line["tx.peer.name"])
	assert.Contains(t, line, "time")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
