// Package destination decides where downloads land and builds the yt-dlp
// output templates and sanitized folder names for them.
package destination

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// DefaultMaxNameLength bounds titles embedded in output templates. Network
// shares choke on long paths.
const DefaultMaxNameLength = 50

// vodTitleLength is the title budget inside a VOD folder name, which also
// carries the date prefix.
const vodTitleLength = 30

// Resolver picks the target directory for a download kind.
type Resolver struct {
	DownloadDir string
	VODDir      string
	FallbackDir string
	Logger      *slog.Logger
}

// Dir returns the configured directory for the kind when it is a writable
// directory, the fallback directory otherwise. With no usable fallback the
// configured directory is returned as is and spawning in it will fail.
func (r *Resolver) Dir(vod bool) string {
	target := r.DownloadDir
	kind := "regular"
	if vod {
		target = r.VODDir
		kind = "vod"
	}
	if target != "" && Writable(target) {
		return abs(target)
	}
	if r.FallbackDir != "" && Writable(r.FallbackDir) {
		if r.Logger != nil {
			r.Logger.Warn("download path not accessible, using fallback",
				"kind", kind, "path", target, "fallback", r.FallbackDir)
		}
		return abs(r.FallbackDir)
	}
	if target == "" {
		return r.FallbackDir
	}
	return target
}

// EnsureFallback creates the fallback directory if it doesn't exist.
func (r *Resolver) EnsureFallback() error {
	if r.FallbackDir == "" {
		return nil
	}
	return os.MkdirAll(r.FallbackDir, 0755)
}

// Writable checks that path is a directory a file can be created in.
func Writable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	f, err := os.CreateTemp(path, ".write-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}

func abs(path string) string {
	p, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return p
}

// Template describes one output template request.
type Template struct {
	BaseDir       string
	VOD           bool
	Date          string
	MaxNameLength int
}

// String renders the yt-dlp -o template:
//
//	regular: <base>/<title>/<title>.<ext>
//	vod:     <base>/<date> - <title>/<title>.<ext>
//
// A VOD without a date uses the upload date reported by the extractor.
func (t Template) String() string {
	max := t.MaxNameLength
	if max <= 0 {
		max = DefaultMaxNameLength
	}
	titleField := "%(title)." + strconv.Itoa(max) + "s"
	file := titleField + ".%(ext)s"

	var folder string
	switch {
	case t.VOD && t.Date != "":
		budget := max - vodTitleLength - len(" - ")
		if budget < len("2006-01-02") {
			budget = len("2006-01-02")
		}
		folder = Sanitize(t.Date, budget) + " - %(title)." + strconv.Itoa(vodTitleLength) + "s"
	case t.VOD:
		folder = "%(upload_date>%Y-%m-%d)s - %(title)." + strconv.Itoa(vodTitleLength) + "s"
	default:
		folder = titleField
	}
	return filepath.Join(t.BaseDir, folder, file)
}

var (
	forbiddenChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	spaceRuns      = regexp.MustCompile(`\s+`)
)

var replacements = []struct{ old, new string }{
	{"&", "and"},
	{"#", "num"},
	{"@", "at"},
	{"!", ""},
	{"%", "pct"},
}

// Sanitize makes name safe as a single Windows or Linux path component and
// truncates it to maxLength bytes. Empty results become "video".
func Sanitize(name string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = 80
	}
	name = forbiddenChars.ReplaceAllString(name, "")
	for _, r := range replacements {
		name = strings.ReplaceAll(name, r.old, r.new)
	}
	name = spaceRuns.ReplaceAllString(name, " ")
	name = strings.Trim(name, " .")
	if len(name) > maxLength {
		name = truncate(name, maxLength)
		name = strings.Trim(name, " .")
	}
	if name == "" {
		return "video"
	}
	return name
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
