package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEntries(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry LogEntry
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DebugLevel,
		"DEBUG":   DebugLevel,
		"warn":    WarnLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"info":    InfoLevel,
		"":        InfoLevel,
		"verbose": InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestStructuredLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger("device-etl", "test", WarnLevel)
	logger.SetOutput(&buf)

	ctx := context.Background()
	logger.Debug(ctx, "debug", nil)
	logger.Info(ctx, "info", nil)
	logger.Warn(ctx, "warn", Fields{"k": "v"})

	entries := decodeEntries(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "WARN", entries[0].Level)
	assert.Equal(t, "v", entries[0].Fields["k"])
	assert.Equal(t, "device-etl", entries[0].Service)
}

func TestStructuredLogger_ContextValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger("device-etl", "test", DebugLevel)
	logger.SetOutput(&buf)

	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	ctx := WithWindow(WithRunID(context.Background(), "run-1"), start)
	logger.Error(ctx, "[LOAD_ERROR] boom", Fields{}, errors.New("insert failed"))

	entries := decodeEntries(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "run-1", entries[0].RunID)
	assert.Equal(t, "2024-03-01T08:00:00Z", entries[0].WindowStart)
	assert.Equal(t, "insert failed", entries[0].Error)
	assert.NotEmpty(t, entries[0].File)
}

func TestCronLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger("device-etl", "test", DebugLevel)
	logger.SetOutput(&buf)

	cl := NewCronLogger(logger)
	cl.Info("schedule", "now", "x", "entry", 1, "dangling")
	cl.Error(errors.New("panic"), "job failed", "entry", 1)

	entries := decodeEntries(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "[CRON] schedule", entries[0].Message)
	assert.Equal(t, "x", entries[0].Fields["now"])
	assert.Equal(t, "dangling", entries[0].Fields["extra"])
	assert.Equal(t, "ERROR", entries[1].Level)
	assert.Equal(t, "panic", entries[1].Error)
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	logger.Error(context.Background(), "discarded", nil, errors.New("x"))
}
