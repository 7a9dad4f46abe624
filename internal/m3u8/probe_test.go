package m3u8

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const masterPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360,CODECS="avc1.4d401e,mp4a.40.2"
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080,CODECS="avc1.640028,mp4a.40.2"
high/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720,CODECS="avc1.4d401f,mp4a.40.2"
mid/index.m3u8
`

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:10.0,
seg0.ts
#EXTINF:10.0,
seg1.ts
#EXTINF:4.5,
seg2.ts
#EXT-X-ENDLIST
`

const livePlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:100
#EXT-X-KEY:METHOD=AES-128,URI="key.bin"
#EXTINF:6.0,
seg100.ts
#EXTINF:6.0,
seg101.ts
`

func newPlaylistServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var agents []string
	mux := http.NewServeMux()
	serve := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			agents = append(agents, r.Header.Get("User-Agent"))
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			w.Write([]byte(body))
		}
	}
	mux.HandleFunc("/master.m3u8", serve(masterPlaylist))
	mux.HandleFunc("/high/index.m3u8", serve(mediaPlaylist))
	mux.HandleFunc("/media.m3u8", serve(mediaPlaylist))
	mux.HandleFunc("/live.m3u8", serve(livePlaylist))
	mux.HandleFunc("/broken-master.m3u8", serve(strings.Replace(masterPlaylist, "high/index.m3u8", "missing/index.m3u8", 1)))
	mux.HandleFunc("/garbage.m3u8", serve("<html>not a playlist</html>"))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &agents
}

func TestProbeMedia(t *testing.T) {
	srv, _ := newPlaylistServer(t)
	p := NewProber(nil, 0)

	info, err := p.Probe(context.Background(), srv.URL+"/media.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "media", info.Type)
	assert.Equal(t, 3, info.Segments)
	assert.InDelta(t, 24.5, info.Duration, 0.001)
	assert.False(t, info.Live)
	assert.False(t, info.Encrypted)
}

func TestProbeLiveEncrypted(t *testing.T) {
	srv, _ := newPlaylistServer(t)
	p := NewProber(nil, 0)

	info, err := p.Probe(context.Background(), srv.URL+"/live.m3u8")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Segments)
	assert.True(t, info.Live)
	assert.True(t, info.Encrypted)
}

func TestProbeMasterFollowsBestVariant(t *testing.T) {
	srv, agents := newPlaylistServer(t)
	p := NewProber(map[string]string{"User-Agent": "probe-test"}, 0)

	info, err := p.Probe(context.Background(), srv.URL+"/master.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "master", info.Type)
	assert.Equal(t, 3, info.Variants)
	assert.Equal(t, uint32(5000000), info.Bandwidth)
	assert.Equal(t, "1920x1080", info.Resolution)
	assert.Equal(t, srv.URL+"/high/index.m3u8", info.VariantURL)
	assert.Equal(t, 3, info.Segments)
	assert.InDelta(t, 24.5, info.Duration, 0.001)

	assert.Equal(t, []string{"probe-test", "probe-test"}, *agents)
}

func TestProbeMasterWithUnreachableVariant(t *testing.T) {
	srv, _ := newPlaylistServer(t)
	p := NewProber(nil, 0)

	info, err := p.Probe(context.Background(), srv.URL+"/broken-master.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "master", info.Type)
	assert.Equal(t, srv.URL+"/missing/index.m3u8", info.VariantURL)
	assert.Zero(t, info.Segments)
}

func TestProbeErrors(t *testing.T) {
	srv, _ := newPlaylistServer(t)
	p := NewProber(nil, 0)

	_, err := p.Probe(context.Background(), srv.URL+"/nope.m3u8")
	assert.ErrorContains(t, err, "bad status code: 404")

	_, err = p.Probe(context.Background(), srv.URL+"/garbage.m3u8")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Probe(ctx, srv.URL+"/media.m3u8")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsPlaylistURL(t *testing.T) {
	assert.True(t, IsPlaylistURL("https://cdn.example.com/live/index.m3u8"))
	assert.True(t, IsPlaylistURL("https://cdn.example.com/live/INDEX.M3U8?token=abc"))
	assert.False(t, IsPlaylistURL("https://www.youtube.com/watch?v=abc"))
	assert.False(t, IsPlaylistURL("https://example.com/m3u8/video.mp4"))
}

func TestResolveURL(t *testing.T) {
	base, _ := url.Parse("https://cdn.example.com/a/b/master.m3u8")
	assert.Equal(t, "https://cdn.example.com/a/b/low.m3u8", ResolveURL(base, "low.m3u8"))
	assert.Equal(t, "https://cdn.example.com/x.m3u8", ResolveURL(base, "/x.m3u8"))
	assert.Equal(t, "https://other.example/y.m3u8", ResolveURL(base, "https://other.example/y.m3u8"))
}
