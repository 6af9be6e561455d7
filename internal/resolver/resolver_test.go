package resolver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	src      map[string]string
	rendered map[string]string
	err      error
	calls    []string
	renders  []string
}

func (f *fakeProbe) RenderPage(_ context.Context, pageURL string) (string, error) {
	f.renders = append(f.renders, pageURL)
	if f.err != nil {
		return "", f.err
	}
	return f.rendered[pageURL], nil
}

func (f *fakeProbe) ProbeVideoSource(_ context.Context, pageURL string) (string, error) {
	f.calls = append(f.calls, pageURL)
	if f.err != nil {
		return "", f.err
	}
	return f.src[pageURL], nil
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func page(t *testing.T, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/video/abc"
}

func TestCandidatesDecodesServerButtons(t *testing.T) {
	t.Parallel()

	html := fmt.Sprintf(`<html><body>
<button class="sv-change" value="%s">one</button>
<button class="sv-change" value="%s">two</button>
<button class="sv-change" value="not base64!!">bad</button>
<script>var s = "https://cdn.example/raw/clip.webm";</script>
</body></html>`,
		b64("https://player.example/p?file="+b64("https://dood.example/e/xyz")),
		b64("https://player.example/p?file=https://cdn.example/v/direct.mp4"),
	)
	assert.Equal(t, []string{
		"https://dood.example/e/xyz",
		"https://cdn.example/v/direct.mp4",
		"https://cdn.example/raw/clip.webm",
	}, Candidates(html))
}

func TestResolveReturnsDirectCandidate(t *testing.T) {
	t.Parallel()

	probe := &fakeProbe{}
	r := New(Config{}, probe, nil)
	got, err := r.Resolve(context.Background(), page(t, `<a href="https://cdn.example/v/clip.mp4?t=1">x</a>`))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/v/clip.mp4?t=1", got)
	assert.Empty(t, probe.calls)
}

func TestResolveFollowsEmbedHosts(t *testing.T) {
	t.Parallel()

	embed := "https://bigwarp.io/e/123"
	probe := &fakeProbe{src: map[string]string{embed: "https://media.example/final.mp4"}}
	body := fmt.Sprintf(`<button class="sv-change" value="%s"></button>`, b64("https://p.example/?file="+embed))

	got, err := New(Config{}, probe, nil).Resolve(context.Background(), page(t, body))
	require.NoError(t, err)
	assert.Equal(t, "https://media.example/final.mp4", got)
	assert.Equal(t, []string{embed}, probe.calls)
}

func TestResolveNoCandidate(t *testing.T) {
	t.Parallel()

	embed := "https://host.example/embed/9"
	body := fmt.Sprintf(`<button class="sv-change" value="%s"></button><button class="sv-change" value="%s"></button>`,
		b64("https://p.example/?file="+embed),
		b64("https://p.example/?file=https://unknown.example/watch/1"),
	)

	probe := &fakeProbe{err: errors.New("chrome crashed")}
	_, err := New(Config{}, probe, nil).Resolve(context.Background(), page(t, body))
	require.ErrorIs(t, err, ErrNoCandidate)
	assert.Equal(t, []string{embed}, probe.calls)

	_, err = New(Config{}, nil, nil).Resolve(context.Background(), page(t, body))
	require.ErrorIs(t, err, ErrNoCandidate)
}

func TestResolveRendersPageWithoutStaticCandidates(t *testing.T) {
	t.Parallel()

	pageURL := page(t, `<div id="player"></div><script src="/player.js"></script>`)
	embed := "https://host.example/embed/7"
	rendered := fmt.Sprintf(`<div id="player"><button class="sv-change" value="%s"></button></div>`,
		b64("https://p.example/?file="+b64(embed)))
	probe := &fakeProbe{
		rendered: map[string]string{pageURL: rendered},
		src:      map[string]string{embed: "https://media.example/rendered.mp4"},
	}

	got, err := New(Config{}, probe, nil).Resolve(context.Background(), pageURL)
	require.NoError(t, err)
	assert.Equal(t, "https://media.example/rendered.mp4", got)
	assert.Equal(t, []string{pageURL}, probe.renders)
	assert.Equal(t, []string{embed}, probe.calls)
}

func TestResolveSkipsRenderWhenStaticCandidatesExist(t *testing.T) {
	t.Parallel()

	body := fmt.Sprintf(`<button class="sv-change" value="%s"></button>`,
		b64("https://p.example/?file=https://unknown.example/watch/1"))
	probe := &fakeProbe{}
	_, err := New(Config{}, probe, nil).Resolve(context.Background(), page(t, body))
	require.ErrorIs(t, err, ErrNoCandidate)
	assert.Empty(t, probe.renders)
}

func TestResolveRenderFailureIsNoCandidate(t *testing.T) {
	t.Parallel()

	probe := &fakeProbe{err: errors.New("chrome crashed")}
	pageURL := page(t, `<p>nothing here</p>`)
	_, err := New(Config{}, probe, nil).Resolve(context.Background(), pageURL)
	require.ErrorIs(t, err, ErrNoCandidate)
	assert.Equal(t, []string{pageURL}, probe.renders)
	assert.Empty(t, probe.calls)
}

func TestResolvePageErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	_, err := New(Config{}, nil, nil).Resolve(context.Background(), srv.URL)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoCandidate)
}

func TestIsEmbedHost(t *testing.T) {
	t.Parallel()

	assert.True(t, IsEmbedHost("https://dood.watch/e/1"))
	assert.True(t, IsEmbedHost("https://x.example/embed-abc.html"))
	assert.False(t, IsEmbedHost("https://cdn.example/v/1"))
}

func TestDecodeFileParam(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://a.example/x", decodeFileParam("https://a.example/x"))
	assert.Equal(t, "https://a.example/y", decodeFileParam(b64("https://a.example/y")))
	assert.Empty(t, decodeFileParam(b64("ftp://nope")))
	assert.Empty(t, decodeFileParam(""))
}
