package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cratis.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
client:
  id: laptop-1
  name: laptop
backup:
  root: /srv/data
  watch_directories: [docs, photos]
  exclude: ["*.log", "cache/*"]
  debounce: 750ms
storage:
  path: store
  compression:
    enabled: false
server:
  port: 9000
  auth_token: secret
advanced:
  max_file_size_mb: 10
  retry_attempts: 5
  retry_delay_seconds: 2
log_level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "laptop-1", cfg.Client.ID)
	assert.Equal(t, "/srv/data", cfg.Backup.Root)
	assert.Equal(t, []string{"docs", "photos"}, cfg.Backup.WatchDirectories)
	assert.Equal(t, []string{"*.log", "cache/*"}, cfg.Backup.Exclude)
	assert.Equal(t, 750*time.Millisecond, cfg.Backup.Debounce)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "store"), cfg.Storage.Path)
	assert.False(t, cfg.Storage.Compression.Enabled)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, int64(10<<20), cfg.Advanced.MaxFileSize())
	assert.Equal(t, 2*time.Second, cfg.Advanced.RetryDelay())
	assert.Equal(t, "secret", cfg.Server.AuthToken)

	// Untouched fields keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Backup.MaxDebounce)
	assert.Equal(t, 1000, cfg.Storage.CacheSize)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr())
	assert.Equal(t, "http://127.0.0.1:9000", cfg.BaseURL())
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown field", content: "backup:\n  rooot: /x\n"},
		{name: "bad duration", content: "backup:\n  debounce: soon\n"},
		{name: "empty storage path", content: "storage:\n  path: \"\"\n"},
		{name: "port out of range", content: "server:\n  port: 70000\n"},
		{name: "bad compression level", content: "storage:\n  compression:\n    level: 9\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("empty file uses defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, ""))
		require.NoError(t, err)
		assert.Equal(t, 500*time.Millisecond, cfg.Backup.Debounce)
	})
}

func TestPath(t *testing.T) {
	t.Setenv("CRATIS_CONFIG", "")
	assert.Equal(t, DefaultPath, Path())

	t.Setenv("CRATIS_CONFIG", "/etc/cratis.yml")
	assert.Equal(t, "/etc/cratis.yml", Path())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cratis.yml")
	cfg := Default()
	cfg.Backup.Root = "/data"
	cfg.Backup.Debounce = 2 * time.Second
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Client.ID, loaded.Client.ID)
	assert.Equal(t, 2*time.Second, loaded.Backup.Debounce)
	assert.Equal(t, "/data", loaded.Backup.Root)
}

func TestSetValue(t *testing.T) {
	path := writeConfig(t, "# my backup\nserver:\n  port: 7420\n")

	require.NoError(t, SetValue(path, "server.port", "8080"))
	require.NoError(t, SetValue(path, "server.auth_token", "abc"))
	require.NoError(t, SetValue(path, "advanced.retry_attempts", "7"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "abc", cfg.Server.AuthToken)
	assert.Equal(t, 7, cfg.Advanced.RetryAttempts)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# my backup")

	t.Run("invalid value is rejected", func(t *testing.T) {
		err := SetValue(path, "server.port", "not-a-port")
		require.Error(t, err)

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Server.Port)
	})

	t.Run("scalar in the way", func(t *testing.T) {
		err := SetValue(path, "server.port.inner", "1")
		assert.Error(t, err)
	})
}
