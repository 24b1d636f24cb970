package logger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Rrens/social-inbox/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_Level(t *testing.T) {
	closer, err := Setup(config.LoggingConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	_, err = Setup(config.LoggingConfig{Level: "nonsense", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestSetup_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "inbox.log")

	closer, err := Setup(config.LoggingConfig{
		Level:        "info",
		Format:       "json",
		File:         path,
		RotationTime: time.Hour,
		MaxAge:       24 * time.Hour,
	})
	require.NoError(t, err)

	log.Info().Str("component", "test").Msg("hello file")
	require.NoError(t, closer.Close())

	matches, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	require.NotEmpty(t, matches)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")
}
