// Package m3u8 probes HLS playlists so a task started from a direct .m3u8
// link can report what it is downloading.
package m3u8

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/grafov/m3u8"
)

type PlaylistType int

const (
	Master PlaylistType = iota
	Variant
	Unknown
)

func (t PlaylistType) String() string {
	switch t {
	case Master:
		return "master"
	case Variant:
		return "media"
	default:
		return "unknown"
	}
}

// Info describes a probed stream. For a master playlist the segment fields
// come from its highest-bandwidth variant.
type Info struct {
	Type       string  `json:"type"`
	Variants   int     `json:"variants,omitempty"`
	Bandwidth  uint32  `json:"bandwidth,omitempty"`
	Resolution string  `json:"resolution,omitempty"`
	Codecs     string  `json:"codecs,omitempty"`
	VariantURL string  `json:"variant_url,omitempty"`
	Segments   int     `json:"segments"`
	Duration   float64 `json:"duration_seconds"`
	Live       bool    `json:"live"`
	Encrypted  bool    `json:"encrypted"`
}

// Parse checks the content and returns the type and parsed object
func Parse(content io.Reader) (m3u8.Playlist, PlaylistType, error) {
	p, listType, err := m3u8.DecodeFrom(content, true)
	if err != nil {
		return nil, Unknown, err
	}

	switch listType {
	case m3u8.MASTER:
		return p, Master, nil
	case m3u8.MEDIA:
		return p, Variant, nil
	default:
		return nil, Unknown, fmt.Errorf("unknown playlist type")
	}
}

// ResolveURL resolves a relative reference against a base URL
func ResolveURL(base *url.URL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(refURL).String()
}

// IsPlaylistURL reports whether raw points at an .m3u8 file.
func IsPlaylistURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".m3u8")
}

// BestVariant returns the variant with the highest bandwidth, or nil.
func BestVariant(p *m3u8.MasterPlaylist) *m3u8.Variant {
	var best *m3u8.Variant
	for _, v := range p.Variants {
		if v == nil || v.Iframe {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best
}

// DescribeMedia summarizes the segments of a media playlist.
func DescribeMedia(p *m3u8.MediaPlaylist) Info {
	info := Info{
		Type: Variant.String(),
		Live: !p.Closed,
	}
	if p.Key != nil && p.Key.Method != "" && p.Key.Method != "NONE" {
		info.Encrypted = true
	}
	for _, seg := range p.Segments {
		if seg == nil || seg.URI == "" {
			continue
		}
		info.Segments++
		info.Duration += seg.Duration
		if seg.Key != nil && seg.Key.Method != "" && seg.Key.Method != "NONE" {
			info.Encrypted = true
		}
	}
	return info
}

// Prober fetches playlists over HTTP.
type Prober struct {
	Client  *http.Client
	Headers map[string]string
}

func NewProber(headers map[string]string, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Prober{
		Client:  &http.Client{Timeout: timeout},
		Headers: headers,
	}
}

// Probe fetches rawURL and describes it. A master playlist is followed to
// its best variant; when that second fetch fails the master summary is
// still returned.
func (p *Prober) Probe(ctx context.Context, rawURL string) (*Info, error) {
	pl, typ, base, err := p.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	switch typ {
	case Variant:
		info := DescribeMedia(pl.(*m3u8.MediaPlaylist))
		return &info, nil
	case Master:
		master := pl.(*m3u8.MasterPlaylist)
		info := &Info{Type: Master.String()}
		for _, v := range master.Variants {
			if v != nil && !v.Iframe {
				info.Variants++
			}
		}
		best := BestVariant(master)
		if best == nil {
			return nil, fmt.Errorf("master playlist has no variants")
		}
		info.Bandwidth = best.Bandwidth
		info.Resolution = best.Resolution
		info.Codecs = best.Codecs
		info.VariantURL = ResolveURL(base, best.URI)

		vpl, vtyp, _, err := p.fetch(ctx, info.VariantURL)
		if err != nil || vtyp != Variant {
			return info, nil
		}
		media := DescribeMedia(vpl.(*m3u8.MediaPlaylist))
		info.Segments = media.Segments
		info.Duration = media.Duration
		info.Live = media.Live
		info.Encrypted = media.Encrypted
		return info, nil
	}
	return nil, fmt.Errorf("unknown playlist type")
}

func (p *Prober) fetch(ctx context.Context, rawURL string) (m3u8.Playlist, PlaylistType, *url.URL, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, Unknown, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, Unknown, nil, err
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, Unknown, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, Unknown, nil, fmt.Errorf("bad status code: %d", resp.StatusCode)
	}

	pl, typ, err := Parse(resp.Body)
	if err != nil {
		return nil, Unknown, nil, fmt.Errorf("parse playlist: %w", err)
	}
	return pl, typ, base, nil
}
