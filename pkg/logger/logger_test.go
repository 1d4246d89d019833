package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitSetsLevel(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	Init("debug", "json")
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	Init("bogus", "console")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestInitWithFileWritesRotatingLog(t *testing.T) {
	previous := log.Logger
	t.Cleanup(func() { log.Logger = previous })

	path := filepath.Join(t.TempDir(), "logs", "qr.log")
	closeFn, err := InitWithFile("info", "json", FileConfig{Path: path, MaxSizeMB: 1})
	require.NoError(t, err)

	engineLog := Component("engine")
	engineLog.Info().Msg("association accepted")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.Contains(t, line, `"component":"engine"`)
	assert.Contains(t, line, `"message":"association accepted"`)
}
