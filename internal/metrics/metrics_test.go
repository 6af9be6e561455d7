package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserversInitializeLazily(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(downloadsTotal.WithLabelValues("image", "network"))
	ObserveDownload("image", "network", 128)
	assert.Equal(t, before+1, testutil.ToFloat64(downloadsTotal.WithLabelValues("image", "network")))

	beforeTier := testutil.ToFloat64(tierHitsTotal.WithLabelValues("archive"))
	ObserveTier("archive")
	assert.Equal(t, beforeTier+1, testutil.ToFloat64(tierHitsTotal.WithLabelValues("archive")))

	beforeRetry := testutil.ToFloat64(fetchRetriesTotal.WithLabelValues("cdn.example", "dns"))
	ObserveRetry("https://CDN.example/media/1.jpg", "dns")
	assert.Equal(t, beforeRetry+1, testutil.ToFloat64(fetchRetriesTotal.WithLabelValues("cdn.example", "dns")))

	IncActiveDownloads()
	DecActiveDownloads()
	ObserveGallery("ok", time.Second)
	ObserveHTTPRequest(http.MethodGet, "/healthz", http.StatusOK, time.Millisecond)
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	ObserveTier("disk")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gallery_tier_hits_total")
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
