package destination

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortcutPath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/videos/My Title/My Title.mkv", "/videos/My Title/My Title.url"},
		{"/videos/a/a.f137.mp4", "/videos/a/a.url"},
		{"/videos/a/a.part1.mp4", "/videos/a/a.part1.url"},
		{"/videos/a/noext", "/videos/a/noext.url"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, ShortcutPath(tt.input), tt.input)
	}
}

func TestWriteShortcut(t *testing.T) {
	dir := t.TempDir()
	r := &Resolver{FallbackDir: t.TempDir()}

	path, err := r.WriteShortcut(filepath.Join(dir, "Clip", "Clip.mp4"), "https://www.youtube.com/watch?v=abc")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Clip", "Clip.url"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[InternetShortcut]\nURL=https://www.youtube.com/watch?v=abc\n", string(data))
}

func TestWriteShortcutFallback(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("needs a directory the test user can't write")
	}
	shortcutBackoff = time.Millisecond
	t.Cleanup(func() { shortcutBackoff = time.Second })

	locked := filepath.Join(t.TempDir(), "locked")
	require.NoError(t, os.MkdirAll(locked, 0o755))
	require.NoError(t, os.Chmod(locked, 0o555))
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	fallback := t.TempDir()
	r := &Resolver{FallbackDir: fallback}
	path, err := r.WriteShortcut(filepath.Join(locked, "Clip.webm"), "https://example.com/v")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(fallback, "Clip.url"), path)
	assert.FileExists(t, path)
	assert.NoFileExists(t, filepath.Join(locked, "Clip.url"))
}

func TestWriteShortcutFails(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	r := &Resolver{}
	_, err := r.WriteShortcut(filepath.Join(blocker, "Clip", "Clip.mp4"), "https://example.com/v")
	assert.Error(t, err)

	_, err = r.WriteShortcut("", "https://example.com/v")
	assert.Error(t, err)
}
