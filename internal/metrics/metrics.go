// Package metrics exposes Prometheus collectors for the gallery crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	downloadsTotal             *prometheus.CounterVec
	downloadBytesTotal         *prometheus.CounterVec
	tierHitsTotal              *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	galleriesTotal             *prometheus.CounterVec
	galleryDurationSeconds     prometheus.Histogram
	activeDownloads            prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; every observer calls it.
func Init() {
	once.Do(func() {
		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gallery_downloads_total",
				Help: "Media items hydrated, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		downloadBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gallery_download_bytes_total",
				Help: "Bytes written to disk by network downloads, labeled by kind.",
			},
			[]string{"kind"},
		)

		tierHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gallery_tier_hits_total",
				Help: "Items satisfied per storage tier.",
			},
			[]string{"tier"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gallery_fetch_retries_total",
				Help: "Failed download attempts that were retried, labeled by media host and reason.",
			},
			[]string{"site", "reason"},
		)

		galleriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gallery_galleries_total",
				Help: "Galleries processed, labeled by result.",
			},
			[]string{"result"},
		)

		galleryDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gallery_duration_seconds",
				Help:    "Time spent downloading one gallery.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900},
			},
		)

		activeDownloads = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gallery_active_downloads",
				Help: "Number of items currently being hydrated.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveDownload records one hydrated item.
func ObserveDownload(kind, result string, bytes int64) {
	Init()
	downloadsTotal.WithLabelValues(kind, result).Inc()
	if bytes > 0 {
		downloadBytesTotal.WithLabelValues(kind).Add(float64(bytes))
	}
}

// ObserveTier records which tier satisfied an item.
func ObserveTier(tier string) {
	Init()
	tierHitsTotal.WithLabelValues(tier).Inc()
}

// ObserveRetry records a retried download attempt against rawURL's host.
func ObserveRetry(rawURL, reason string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeSite(rawURL), reason).Inc()
}

// ObserveGallery records a finished gallery.
func ObserveGallery(result string, duration time.Duration) {
	Init()
	galleriesTotal.WithLabelValues(result).Inc()
	galleryDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveDownloads increments the active downloads gauge.
func IncActiveDownloads() {
	Init()
	activeDownloads.Inc()
}

// DecActiveDownloads decrements the active downloads gauge.
func DecActiveDownloads() {
	Init()
	activeDownloads.Dec()
}
