package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		entries = append(entries, e)
	}
	return entries
}

func TestStructuredLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger("test", "0.0.1", WarnLevel)
	logger.SetOutput(&buf)

	ctx := context.Background()
	logger.Debug(ctx, "debug", nil)
	logger.Info(ctx, "info", nil)
	logger.Warn(ctx, "warn", Fields{"k": "v"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "WARN", entries[0].Level)
	assert.Equal(t, "warn", entries[0].Message)
	assert.Equal(t, "v", entries[0].Fields["k"])
	assert.Equal(t, "test", entries[0].Service)
}

func TestStructuredLogger_RunIDFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger("test", "0.0.1", DebugLevel)
	logger.SetOutput(&buf)

	ctx := WithRunID(context.Background(), "run-42")
	logger.Error(ctx, "[TEST] boom", Fields{}, errors.New("kaput"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "run-42", entries[0].RunID)
	assert.Equal(t, "kaput", entries[0].Error)
	assert.NotEmpty(t, entries[0].File)
	assert.Equal(t, "run-42", RunID(ctx))
}

func TestContextLogger_MergesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger("test", "0.0.1", DebugLevel)
	logger.SetOutput(&buf)

	fileLogger := logger.WithFields(Fields{"file": "USC001.txt", "worker": 1})
	fileLogger.Info(context.Background(), "line", Fields{"worker": 2})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "USC001.txt", entries[0].Fields["file"])
	assert.EqualValues(t, 2, entries[0].Fields["worker"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, WarnLevel, ParseLevel("warning"))
	assert.Equal(t, ErrorLevel, ParseLevel("error"))
	assert.Equal(t, InfoLevel, ParseLevel("nonsense"))
}

func TestNopLogger_WritesNothing(t *testing.T) {
	logger := NewNopLogger()
	logger.Error(context.Background(), "ignored", nil, errors.New("x"))
}
