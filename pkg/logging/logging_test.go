package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svdb.log")
	log := New(Options{Format: FormatJSON, File: path, Service: "svdbd"})
	log.Info("object stored", "size", 42)
	log.Debug("filtered out")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "object stored", rec["message"])
	assert.Equal(t, "INFO", rec["severity"])
	assert.Equal(t, "svdbd", rec["service"])
	assert.EqualValues(t, 42, rec["size"])
	assert.Contains(t, rec, "timestamp")
}
