package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Named("orchestrator").Info("failing over", zap.String("to", "sambanova"))
	logger.Debug("dropped")
	require.NoError(t, logger.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "orchestrator", entry["logger"])
	assert.Equal(t, "sambanova", entry["to"])
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "debug", Format: "console"}, &buf)
	require.NoError(t, err)

	logger.Debug("hello")
	assert.Contains(t, buf.String(), "hello")
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.log")
	var buf bytes.Buffer
	logger, err := New(Options{Format: "console", File: path}, &buf)
	require.NoError(t, err)

	logger.Warn("written twice")
	require.NoError(t, logger.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"msg":"written twice"`)
	assert.Contains(t, buf.String(), "written twice")
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"}, nil)
	assert.Error(t, err)

	_, err = New(Options{Format: "xml"}, nil)
	assert.Error(t, err)
}
