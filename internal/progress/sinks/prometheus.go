package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/gallery-crawler/internal/progress"
)

// PrometheusSink exports run and gallery progress via Prometheus. It owns all collectors
// for runs started/running and per-gallery completion counters.
type PrometheusSink struct {
	runsStarted prometheus.Counter
	runsRunning prometheus.Gauge
	runRuntime  prometheus.Histogram

	galleries       *prometheus.CounterVec
	galleryRuntime  *prometheus.HistogramVec
	itemsDownloaded *prometheus.CounterVec
	itemsFailed     prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gallery_runs_started_total",
			Help: "Total pipeline runs that have started.",
		}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gallery_runs_running",
			Help: "Current number of running pipeline runs.",
		}),
		runRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gallery_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		}),
		galleries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gallery_progress_galleries_total",
			Help: "Galleries finished, partitioned by result.",
		}, []string{"result"}),
		galleryRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gallery_progress_gallery_seconds",
			Help:    "Wall time per finished gallery.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		itemsDownloaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gallery_progress_items_total",
			Help: "Items present after each finished gallery, partitioned by kind.",
		}, []string{"kind"}),
		itemsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gallery_progress_items_failed_total",
			Help: "Items that could not be hydrated.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsRunning,
		s.runRuntime,
		s.galleries,
		s.galleryRuntime,
		s.itemsDownloaded,
		s.itemsFailed,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
		if evt.Dur > 0 {
			s.runRuntime.Observe(evt.Dur.Seconds())
		}
	case progress.StageGalleryDone:
		s.observeGallery(evt, "success")
		s.itemsDownloaded.WithLabelValues("image").Add(float64(evt.Images))
		s.itemsDownloaded.WithLabelValues("video").Add(float64(evt.Videos))
		s.itemsFailed.Add(float64(evt.Failed))
	case progress.StageGalleryError:
		s.observeGallery(evt, "error")
	}
}

func (s *PrometheusSink) observeGallery(evt progress.Event, result string) {
	s.galleries.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.galleryRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[uuid.UUID]struct{})}
}

func (t *runTracker) start(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
