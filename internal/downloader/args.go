// Package downloader knows how to invoke yt-dlp and aria2c: the argument
// list for one download, version probes for the health endpoint and a small
// aria2 JSON-RPC client.
package downloader

import (
	"strconv"

	"ytdlp-web/internal/progress"
)

// FormatString prefers AV1, then VP9, HEVC and H.264 at 1080p or more.
const FormatString = "bestvideo[vcodec^=av01][height>=1080]+bestaudio/" +
	"bestvideo[vcodec^=av01]+bestaudio/" +
	"bestvideo[vcodec=vp9.2][height>=1080]+bestaudio/" +
	"bestvideo[vcodec=vp9][height>=1080]+bestaudio/" +
	"bestvideo[vcodec^=hev][height>=1080]+bestaudio/" +
	"bestvideo[vcodec^=avc][height>=1080]+bestaudio/" +
	"bestvideo+bestaudio/" +
	"best"

// CodecPriority lists the codecs FormatString tries, best first.
var CodecPriority = []string{"AV1", "VP9.2", "VP9", "HEVC/H.265", "H.264"}

var commonArgs = []string{
	"--newline",
	"-i",
	"--no-warnings",
	"--write-sub",
	"--write-auto-sub",
	"--sub-lang", "en,en-US,en-GB",
	"--embed-subs",
	"--convert-subs=srt",
	"--ignore-config",
	"--no-mtime",
	"--force-ipv4",
	"--socket-timeout", "30",
	"--retries", "10",
	"--fragment-retries", "10",
	"--retry-sleep", "3",
}

// aria2Args is handed to yt-dlp as one --external-downloader-args value.
const aria2Args = "aria2c:" +
	"--console-log-level=error " +
	"--summary-interval=1 " +
	"--continue=true " +
	"--max-connection-per-server=16 " +
	"--min-split-size=1M " +
	"--split=16 " +
	"--max-concurrent-downloads=16 " +
	"--max-tries=10 " +
	"--retry-wait=3 " +
	"--timeout=30 " +
	"--connect-timeout=30 " +
	"--max-file-not-found=5 " +
	"--allow-overwrite=false " +
	"--auto-file-renaming=true " +
	"--file-allocation=none"

// Builder assembles yt-dlp invocations.
type Builder struct {
	YTDLP             string
	Aria2c            string
	UseAria2          bool
	MaxFilenameLength int
	Format            string
}

// Command returns the yt-dlp executable.
func (b *Builder) Command() string {
	if b.YTDLP == "" {
		return "yt-dlp"
	}
	return b.YTDLP
}

// Tool tells the parser which output shapes to expect.
func (b *Builder) Tool() progress.Tool {
	if b.UseAria2 {
		return progress.Auto
	}
	return progress.YTDLP
}

// Args returns the argument list for downloading rawURL into output, an
// yt-dlp -o template. The URL always follows "--" so it can never be read
// as an option.
func (b *Builder) Args(rawURL, output string) []string {
	format := b.Format
	if format == "" {
		format = FormatString
	}
	maxLen := b.MaxFilenameLength
	if maxLen <= 0 {
		maxLen = 50
	}

	args := make([]string, 0, len(commonArgs)+20)
	args = append(args, commonArgs...)
	args = append(args,
		"-f", format,
		"--merge-output-format", "mkv",
	)
	if b.UseAria2 {
		aria2 := b.Aria2c
		if aria2 == "" {
			aria2 = "aria2c"
		}
		args = append(args,
			"--external-downloader", aria2,
			"--external-downloader-args", aria2Args,
		)
	}
	args = append(args,
		"--embed-thumbnail",
		"--embed-metadata",
		"--embed-chapters",
		"-o", output,
		"--restrict-filenames",
		"--windows-filenames",
		"--trim-filenames", strconv.Itoa(maxLen),
		"--",
		rawURL,
	)
	return args
}
