package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// chdir moves into an empty directory so a stray .env is not picked up.
func chdir(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	chdir(t)

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Port, cfg.Port)
	assert.Equal(t, BackendJSON, cfg.StoreBackend)
	assert.Equal(t, time.Second, cfg.SaveInterval.Std())
	assert.Equal(t, 24*time.Hour, cfg.TaskRetention.Std())
	assert.Equal(t, 200, cfg.MaxLogLines)
	assert.True(t, cfg.CreateShortcuts)
	assert.Equal(t, "0.0.0.0:5000", cfg.Addr())
}

func TestLoadConfigJSON(t *testing.T) {
	chdir(t)
	path := writeFile(t, "config.json", `{
		"port": 8080,
		"download_path": "/srv/media",
		"store_backend": "sqlite",
		"sqlite_path": "/var/lib/ytdlp/tasks.db",
		"save_interval": "250ms",
		"task_retention": "48h",
		"use_aria2c": false,
		"create_shortcuts": false,
		"headers": {"Referer": "https://example.com"}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "/srv/media", cfg.DownloadPath)
	assert.Equal(t, BackendSQLite, cfg.StoreBackend)
	assert.Equal(t, 250*time.Millisecond, cfg.SaveInterval.Std())
	assert.Equal(t, 48*time.Hour, cfg.TaskRetention.Std())
	assert.False(t, cfg.UseAria2c)
	assert.False(t, cfg.CreateShortcuts)
	assert.Equal(t, "https://example.com", cfg.Headers["Referer"])
	assert.NotEmpty(t, cfg.Headers["User-Agent"], "default headers are kept")
}

func TestLoadConfigYAML(t *testing.T) {
	chdir(t)
	path := writeFile(t, "config.yaml", `
host: 127.0.0.1
port: 9000
vod_download_path: /srv/vods
terminate_grace: 2s
max_tasks: 10
log_json: true
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
	assert.Equal(t, "/srv/vods", cfg.VODDownloadPath)
	assert.Equal(t, 2*time.Second, cfg.TerminateGrace.Std())
	assert.Equal(t, 10, cfg.MaxTasks)
	assert.True(t, cfg.LogJSON)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	chdir(t)
	path := writeFile(t, "config.json", `{"port": 8080, "download_path": "/from/file"}`)

	t.Setenv("DOWNLOAD_PATH", "/from/env")
	t.Setenv("VOD_DOWNLOAD_PATH", "/vods/env")
	t.Setenv("PORT", "7000")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.DownloadPath)
	assert.Equal(t, "/vods/env", cfg.VODDownloadPath)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigDotEnv(t *testing.T) {
	chdir(t)
	require.NoError(t, os.WriteFile(".env", []byte("TASK_FILE=/tmp/from-dotenv.json\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("TASK_FILE") })

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-dotenv.json", cfg.TaskFile)
}

func TestLoadConfigErrors(t *testing.T) {
	chdir(t)

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"malformed json", "config.json", `{"port":`},
		{"bad duration", "config.json", `{"save_interval": "soon"}`},
		{"bad port", "config.json", `{"port": 70000}`},
		{"unknown backend", "config.yml", "store_backend: postgres\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}

	t.Run("bad PORT env", func(t *testing.T) {
		t.Setenv("PORT", "http")
		_, err := LoadConfig("")
		assert.ErrorContains(t, err, "invalid PORT")
	})
}

func TestDurationJSONNumberIsSeconds(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte("1.5")))
	assert.Equal(t, 1500*time.Millisecond, d.Std())

	b, err := Duration(time.Minute).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m0s"`, string(b))
}
