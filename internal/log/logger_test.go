package log

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_DisabledByDefault(t *testing.T) {
	logger, closer, err := New(Options{})
	require.NoError(t, err)
	defer closer.Close()
	assert.False(t, logger.Enabled(t.Context(), slog.LevelError))
}

func TestNew_FileRotationAndRedaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "meshctrl.log")
	logger, closer, err := New(Options{Level: "info", File: path, MaxSize: 200, MaxBackups: 2})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		logger.Info("connecting", "url", "wss://mesh.example.com/control.ashx?auth=topsecret", "password", "hunter2")
	}
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "topsecret")
	assert.NotContains(t, string(data), "hunter2")

	_, err = os.Stat(path + ".1")
	assert.NoError(t, err, "log should have rotated")
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err), "only MaxBackups files are kept")

	backup, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(backup), "connecting"))
}
