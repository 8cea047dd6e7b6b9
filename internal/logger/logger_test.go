package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(buf *bytes.Buffer, format string) *StructuredLogger {
	cfg := DefaultLogConfig()
	cfg.Writer = buf
	cfg.Format = format
	return NewStructuredLoggerWithConfig("scheduler", cfg)
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		entry := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestJobLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	jl := newBufferLogger(&buf, "json").ForJob("job-1", "cfg-1")
	ctx := context.Background()

	jl.LogJobStart(ctx, "manual", "combined")
	jl.LogJobComplete(ctx, JobResult{FilePath: "/backups/site.tar.gz", Size: 2048, Duration: time.Second})
	jl.LogJobError(ctx, errors.New("pg_dump: exit status 1"), "database")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, "job-1", e["job_id"])
		assert.Equal(t, "cfg-1", e["config_id"])
		assert.Equal(t, "scheduler", e["component"])
	}
	assert.Equal(t, "combined", entries[0]["strategy"])
	assert.Equal(t, "2.0 kB", entries[1]["size_human"])
	assert.Equal(t, "ERROR", entries[2]["level"])
	assert.Equal(t, "database", entries[2]["operation"])
}

func TestComponent_SharesOutput(t *testing.T) {
	var buf bytes.Buffer
	root := newBufferLogger(&buf, "text")

	root.Component("file_backup").Warn("Каталог не найден", "dir", "/var/www")
	root.Debug("не попадет в вывод")

	out := buf.String()
	assert.Contains(t, out, "component=file_backup")
	assert.Contains(t, out, "dir=/var/www")
	assert.NotContains(t, out, "не попадет")
}
