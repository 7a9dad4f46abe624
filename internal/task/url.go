package task

import (
	"net/url"
	"regexp"
	"strings"
)

var supportedDomains = []string{
	"youtube.com", "youtu.be", "twitch.tv", "facebook.com",
	"instagram.com", "tiktok.com", "vimeo.com", "dailymotion.com",
	"twitter.com", "x.com", "reddit.com", "streamable.com",
	"bilibili.com", "nicovideo.jp", "soundcloud.com",
}

var (
	pastePrefixRe  = regexp.MustCompile(`(?i)^(url[:\s]+|link[:\s]+)`)
	embeddedURLRe  = regexp.MustCompile("(?i)https?://[^\\s<>\"'{}|\\\\^`\\[\\]]+|www\\.[^\\s<>\"'{}|\\\\^`\\[\\]]+")
	trailingPunct  = regexp.MustCompile(`[.,;:!?)]+$`)
	validURLPrefix = regexp.MustCompile(`^https?://[^\s<>"']+\.[^\s<>"']+$`)
)

// ExtractURL pulls the first URL out of pasted text. It strips "url:" and
// "link:" prefixes and trailing punctuation and defaults the scheme to
// https. Bare text mentioning a known site is taken whole.
func ExtractURL(text string) (string, bool) {
	text = strings.TrimSpace(text)
	text = pastePrefixRe.ReplaceAllString(text, "")

	if m := embeddedURLRe.FindString(text); m != "" {
		u := trailingPunct.ReplaceAllString(m, "")
		if !hasScheme(u) {
			u = "https://" + u
		}
		return u, true
	}

	lower := strings.ToLower(text)
	for _, d := range supportedDomains {
		if strings.Contains(lower, d) {
			if !hasScheme(text) {
				return "https://" + text, true
			}
			return text, true
		}
	}
	return "", false
}

func hasScheme(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// IsValidURL checks for an http(s) URL with a dotted host.
func IsValidURL(raw string) bool {
	if raw == "" || !validURLPrefix.MatchString(raw) {
		return false
	}
	u, err := url.Parse(raw)
	return err == nil && u.Host != ""
}
