package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARNING"))
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestJSONLogHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newLogHandler(&buf, LogConfig{Level: "WARNING", Format: "json"}))

	logger.Info("Dropped")
	logger.Warn("Stale report dropped", "build_id", 7)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Stale report dropped", entry["msg"])
	assert.Equal(t, float64(7), entry["build_id"])
}

func TestParseIPs(t *testing.T) {
	ips := ParseIPs("127.0.0.1, not-an-ip, ::1")
	require.Len(t, ips, 2)
	assert.Equal(t, "127.0.0.1", ips[0].String())
	assert.Equal(t, "::1", ips[1].String())
	assert.Nil(t, ParseCommaSeparated(""))
}
