package destination

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const shortcutAttempts = 3

// shortcutBackoff is the first delay between attempts on a permission
// error. It doubles after every attempt.
var shortcutBackoff = time.Second

// formatSuffix matches the per-format part yt-dlp appends before merging,
// as in title.f137.mp4.
var formatSuffix = regexp.MustCompile(`\.f\d+$`)

// ShortcutPath returns the .url file that belongs next to videoPath.
func ShortcutPath(videoPath string) string {
	base := strings.TrimSuffix(videoPath, filepath.Ext(videoPath))
	return formatSuffix.ReplaceAllString(base, "") + ".url"
}

// WriteShortcut writes an [InternetShortcut] file pointing at target next to
// videoPath. When that directory can't be written the shortcut goes to the
// fallback directory. It returns the path written.
func (r *Resolver) WriteShortcut(videoPath, target string) (string, error) {
	if videoPath == "" {
		return "", errors.New("no destination file")
	}
	path := ShortcutPath(videoPath)
	content := []byte("[InternetShortcut]\nURL=" + target + "\n")

	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err == nil {
		err = writeRetrying(path, content)
	}
	if err == nil {
		return path, nil
	}
	if r.FallbackDir == "" || abs(filepath.Dir(path)) == abs(r.FallbackDir) {
		return "", fmt.Errorf("write shortcut %s: %w", path, err)
	}
	if r.Logger != nil {
		r.Logger.Warn("could not write url shortcut, using fallback", "path", path, "fallback", r.FallbackDir, "error", err)
	}

	alt := filepath.Join(r.FallbackDir, filepath.Base(path))
	if ferr := os.WriteFile(alt, content, 0644); ferr != nil {
		return "", fmt.Errorf("write shortcut %s: %w (fallback: %w)", path, err, ferr)
	}
	return alt, nil
}

// writeRetrying retries permission errors, which network shares report
// transiently.
func writeRetrying(path string, content []byte) error {
	delay := shortcutBackoff
	var err error
	for attempt := 1; attempt <= shortcutAttempts; attempt++ {
		err = os.WriteFile(path, content, 0644)
		if err == nil || !errors.Is(err, fs.ErrPermission) || attempt == shortcutAttempts {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}
