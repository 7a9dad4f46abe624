// Package progress turns single lines of yt-dlp or aria2c console output into
// structured progress updates. Parsing is pure: unknown lines yield no update.
package progress

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Tool identifies which program produced a line.
type Tool int

const (
	// Auto tries the aria2c shape first, then the yt-dlp shape.
	Auto Tool = iota
	YTDLP
	Aria2
)

func (t Tool) String() string {
	switch t {
	case YTDLP:
		return "yt-dlp"
	case Aria2:
		return "aria2c"
	default:
		return "auto"
	}
}

// Update carries the fields found on one line. Empty strings and a false
// HasPercent mean the field was not present and must not overwrite state.
type Update struct {
	Percent     float64
	HasPercent  bool
	FileSize    string
	Speed       string
	ETA         string
	Destination string
	Title       string
	Completed   bool
	Critical    bool
}

// Empty reports whether the update carries nothing.
func (u Update) Empty() bool {
	return !u.HasPercent && u.FileSize == "" && u.Speed == "" && u.ETA == "" &&
		u.Destination == "" && u.Title == "" && !u.Completed && !u.Critical
}

const sizePattern = `\d+(?:\.\d+)?\s*(?:[KMGT]i?B|B)`

var (
	percentRe = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)
	ofSizeRe  = regexp.MustCompile(`\bof\s+~?\s*(` + sizePattern + `)`)
	atSpeedRe = regexp.MustCompile(`\bat\s+(` + sizePattern + `/s)`)
	etaRe     = regexp.MustCompile(`(?i)\bETA\s+(\d{1,2}:\d{2}(?::\d{2})?|unknown)`)
	destRe    = regexp.MustCompile(`Destination:\s+(.+)$`)

	// [#2089b0 400.0KiB/33.2MiB(1%) CN:1 DL:115.7KiB ETA:4m46s]
	aria2LineRe  = regexp.MustCompile(`\[#[0-9a-fA-F]+\s`)
	aria2SizeRe  = regexp.MustCompile(`(` + sizePattern + `)/(` + sizePattern + `)\((\d+(?:\.\d+)?)%\)`)
	aria2SpeedRe = regexp.MustCompile(`DL:(` + sizePattern + `)`)
	aria2ETARe   = regexp.MustCompile(`ETA:((?:\d+h)?(?:\d+m)?(?:\d+s)?)`)
)

var completionMarkers = []string{
	"has already been downloaded",
	"download completed.",
	"download complete:",
}

var nonCriticalMarkers = []string{
	"cannot write internet shortcut",
	"write url link",
}

var criticalMarkers = []string{
	"error: unable to download",
	"error: video not available",
	"error: private video",
	"error: this video is not available",
	"http error 404",
	"http error 403",
}

// Parse extracts progress information from line. The boolean is false when
// the line carries nothing worth applying.
func Parse(line string, hint Tool) (Update, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Update{}, false
	}

	var u Update
	switch hint {
	case Aria2:
		parseAria2(line, &u)
	case YTDLP:
		parseYTDLP(line, &u)
	default:
		if aria2LineRe.MatchString(line) {
			parseAria2(line, &u)
		} else {
			parseYTDLP(line, &u)
		}
	}

	lower := strings.ToLower(line)
	for _, m := range completionMarkers {
		if strings.Contains(lower, m) {
			u.Completed = true
			break
		}
	}
	u.Critical = isCritical(lower)

	if u.Empty() {
		return Update{}, false
	}
	return u, true
}

func parseYTDLP(line string, u *Update) {
	if m := destRe.FindStringSubmatch(line); m != nil {
		dest := strings.TrimSpace(m[1])
		u.Destination = dest
		if title := filepath.Base(filepath.Dir(dest)); title != "" && title != "." && title != string(filepath.Separator) {
			u.Title = title
		}
		return
	}
	// Tagged lines from other stages ([youtube], [Merger], ...) may contain
	// titles with percent signs in them.
	if tag := lineTag(line); tag != "" && tag != "download" {
		return
	}
	if m := percentRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v <= 100 {
			u.Percent = v
			u.HasPercent = true
		}
	}
	if m := ofSizeRe.FindStringSubmatch(line); m != nil {
		u.FileSize = compact(m[1])
	}
	if m := atSpeedRe.FindStringSubmatch(line); m != nil {
		u.Speed = compact(m[1])
	}
	if m := etaRe.FindStringSubmatch(line); m != nil {
		u.ETA = normalizeETA(m[1])
	}
}

func parseAria2(line string, u *Update) {
	if m := aria2SizeRe.FindStringSubmatch(line); m != nil {
		u.FileSize = compact(m[2])
		if v, err := strconv.ParseFloat(m[3], 64); err == nil && v <= 100 {
			u.Percent = v
			u.HasPercent = true
		}
	} else if m := percentRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v <= 100 {
			u.Percent = v
			u.HasPercent = true
		}
	}
	if m := aria2SpeedRe.FindStringSubmatch(line); m != nil {
		u.Speed = compact(m[1]) + "/s"
	}
	if m := aria2ETARe.FindStringSubmatch(line); m != nil && m[1] != "" {
		u.ETA = m[1]
	}
}

func lineTag(line string) string {
	if !strings.HasPrefix(line, "[") {
		return ""
	}
	end := strings.IndexByte(line, ']')
	if end < 0 {
		return ""
	}
	return strings.ToLower(line[1:end])
}

func isCritical(lower string) bool {
	for _, m := range nonCriticalMarkers {
		if strings.Contains(lower, m) {
			return false
		}
	}
	for _, m := range criticalMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func normalizeETA(s string) string {
	if strings.EqualFold(s, "unknown") {
		return "unknown"
	}
	return s
}

// compact drops the optional space between number and unit.
func compact(s string) string {
	return strings.ReplaceAll(s, " ", "")
}
