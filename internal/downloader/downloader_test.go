package downloader

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gallery-crawler/internal/media"
)

var (
	pngBytes  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
	jpegBytes = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00")
)

func fastDownloader() *Downloader {
	d := New(Config{UserAgent: "gallery-test", Timeout: 5 * time.Second}, nil)
	d.policy = Policy{MaxAttempts: 3, RetryDelay: time.Millisecond, MaxDNSFailures: 2, DNSRetryDelay: time.Millisecond}
	return d
}

func serve(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchSniffsExtension(t *testing.T) {
	t.Parallel()

	var gotUA, gotReferer string
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotReferer = r.Header.Get("Referer")
		_, _ = w.Write(pngBytes)
	})
	dir := t.TempDir()
	res, err := fastDownloader().Fetch(context.Background(), Request{
		URL: srv.URL + "/a.jpg:large", DestDir: dir, Referer: "https://site.example/g",
		Index: 3, Gallery: "g", Kind: media.KindImage,
	})
	require.NoError(t, err)
	assert.Equal(t, "g-3.png", res.Filename)
	assert.Equal(t, int64(len(pngBytes)), res.Size)
	assert.Equal(t, "gallery-test", gotUA)
	assert.Equal(t, "https://site.example/g", gotReferer)
	assert.NoFileExists(t, filepath.Join(dir, "g-3.tmp"))
}

func TestFetchFallbackExtensions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body []byte
		kind media.Kind
		want string
	}{
		{"video sniffed as image", jpegBytes, media.KindVideo, "g-1.mp4"},
		{"unknown video", []byte("opaque bytes"), media.KindVideo, "g-1.mp4"},
		{"unknown image", []byte("opaque bytes"), media.KindImage, "g-1.jpg"},
		{"jpeg image", jpegBytes, media.KindImage, "g-1.jpg"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write(tt.body)
			})
			res, err := fastDownloader().Fetch(context.Background(), Request{
				URL: srv.URL, DestDir: t.TempDir(), Index: 1, Gallery: "g", Kind: tt.kind,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Filename)
		})
	}
}

func TestFetchPermanentStatusIsNotRetried(t *testing.T) {
	t.Parallel()

	for _, code := range []int{400, 403, 404, 410} {
		var hits atomic.Int32
		srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
			hits.Add(1)
			w.WriteHeader(code)
		})
		dir := t.TempDir()
		_, err := fastDownloader().Fetch(context.Background(), Request{URL: srv.URL, DestDir: dir, Index: 1, Gallery: "g"})
		require.ErrorIs(t, err, ErrPermanent)
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, code, statusErr.Code)
		assert.Equal(t, int32(1), hits.Load())
		assert.NoFileExists(t, filepath.Join(dir, "g-1.tmp"))
	}
}

func TestFetchRetryCeiling(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := fastDownloader().Fetch(context.Background(), Request{URL: srv.URL, DestDir: t.TempDir(), Index: 1, Gallery: "g"})
	require.ErrorIs(t, err, ErrTransient)
	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Zero(t, exhausted.DNSFailures)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchRecoversAfterTransientFailures(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(pngBytes)
	})
	res, err := fastDownloader().Fetch(context.Background(), Request{URL: srv.URL, DestDir: t.TempDir(), Index: 2, Gallery: "g"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestFetchCountsDNSFailuresSeparately(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d := fastDownloader()
	d.client.SetTransport(roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, &net.DNSError{Err: "no such host", Name: "cdn.invalid", IsNotFound: true}
	}))
	_, err := d.Fetch(context.Background(), Request{URL: "http://cdn.invalid/a.jpg", DestDir: t.TempDir(), Index: 1, Gallery: "g"})
	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.DNSFailures)
	assert.Zero(t, exhausted.Attempts)
	assert.Equal(t, int32(2), calls.Load())
	var dnsErr *net.DNSError
	assert.True(t, errors.As(err, &dnsErr))
}

func TestFetchResumesPartialFile(t *testing.T) {
	t.Parallel()

	var gotRange string
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("world"))
	})
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "g-4.tmp"), []byte("hello "), 0o600))

	res, err := fastDownloader().Fetch(context.Background(), Request{URL: srv.URL, DestDir: dir, Index: 4, Gallery: "g", Kind: media.KindImage})
	require.NoError(t, err)
	assert.Equal(t, "bytes=6-", gotRange)
	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestFetchFullResponseReplacesPartialFile(t *testing.T) {
	t.Parallel()

	srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(pngBytes)
	})
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "g-5.tmp"), []byte("stale partial data"), 0o600))

	res, err := fastDownloader().Fetch(context.Background(), Request{URL: srv.URL, DestDir: dir, Index: 5, Gallery: "g"})
	require.NoError(t, err)
	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
}

func TestFetchCollisionSuffix(t *testing.T) {
	t.Parallel()

	srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(pngBytes)
	})
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "g-1.png"), []byte("old"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "g-1(2).png"), []byte("older"), 0o600))

	res, err := fastDownloader().Fetch(context.Background(), Request{URL: srv.URL, DestDir: dir, Index: 1, Gallery: "g"})
	require.NoError(t, err)
	assert.Equal(t, "g-1(3).png", res.Filename)
}

func TestFetchCanceled(t *testing.T) {
	t.Parallel()

	srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fastDownloader().Fetch(ctx, Request{URL: srv.URL, DestDir: t.TempDir(), Index: 1, Gallery: "g"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSanitizeURL(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"https://cdn.example/a.jpg:large":       "https://cdn.example/a.jpg",
		"https://cdn.example/a.jpg:orig?x=1":    "https://cdn.example/a.jpg?x=1",
		"https://cdn.example/a.jpg?w=200":       "https://cdn.example/a.jpg",
		"https://cdn.example:8443/a.jpg":        "https://cdn.example:8443/a.jpg",
		"https://cdn.example/a.jpg?w=200&h=100": "https://cdn.example/a.jpg?w=200&h=100",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeURL(in), in)
	}
}
