package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	t.Setenv(pathEnv, path)
	return path
}

func TestReadConfig(t *testing.T) {
	t.Run("creates missing file with defaults", func(t *testing.T) {
		path := useConfigFile(t, "")

		cfg, err := ReadConfig()
		assert.ErrorIs(t, err, ErrConfigCreated)
		assert.Equal(t, Default(), cfg)
		assert.FileExists(t, path)
	})

	t.Run("overrides defaults", func(t *testing.T) {
		useConfigFile(t, `{"debug_mode": true, "reactor": {"workers": 3}, "journal": {"enabled": true, "port": 27018}}`)

		cfg, err := ReadConfig()
		require.NoError(t, err)
		assert.True(t, cfg.DebugMode)
		assert.Equal(t, 3, cfg.Reactor.Workers)
		assert.Equal(t, DefaultReadBufferSize, cfg.Reactor.ReadBufferSize)
		assert.True(t, cfg.Journal.Enabled)
		assert.Equal(t, uint64(27018), cfg.Journal.Port)
		assert.Equal(t, "stomp", cfg.Journal.Database)
	})

	t.Run("normalizes bad values", func(t *testing.T) {
		useConfigFile(t, `{"log_path": "", "reactor": {"workers": -2, "read_buffer_size": 0}, "journal": {"queue_size": -1}}`)

		cfg, err := ReadConfig()
		require.NoError(t, err)
		assert.Equal(t, 0, cfg.Reactor.Workers)
		assert.Equal(t, DefaultReadBufferSize, cfg.Reactor.ReadBufferSize)
		assert.Equal(t, DefaultJournalQueue, cfg.Journal.QueueSize)
		assert.Equal(t, "logs", cfg.LogPath)
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		useConfigFile(t, `{not json`)

		_, err := ReadConfig()
		assert.ErrorIs(t, err, ErrConfigInvalid)
	})
}

func TestGetConfigCaches(t *testing.T) {
	useConfigFile(t, `{"app_name": "cached"}`)
	_, err := ReadConfig()
	require.NoError(t, err)

	useConfigFile(t, `{"app_name": "other"}`)
	cfg, err := GetConfig()
	require.NoError(t, err)
	assert.Equal(t, "cached", cfg.AppName)
}
