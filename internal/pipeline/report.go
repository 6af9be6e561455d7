package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/gallery-crawler/internal/hydrate"
)

// GalleryReport is the outcome of one gallery: counts achieved versus expected.
type GalleryReport struct {
	URL            string               `json:"url"`
	Boxes          int                  `json:"boxes"`
	ExpectedImages int                  `json:"expected_images"`
	ExpectedVideos int                  `json:"expected_videos"`
	Images         int                  `json:"images"`
	Videos         int                  `json:"videos"`
	Failed         int                  `json:"failed"`
	Tiers          map[hydrate.Tier]int `json:"tiers,omitempty"`
	Skipped        bool                 `json:"skipped,omitempty"`
	Elapsed        time.Duration        `json:"elapsed_ns"`
	Err            string               `json:"error,omitempty"`
}

// Report maps tag to gallery name to the gallery's outcome.
type Report struct {
	RunID     uuid.UUID                           `json:"run_id"`
	StartedAt time.Time                           `json:"started_at"`
	Elapsed   time.Duration                       `json:"elapsed_ns"`
	Tags      map[string]map[string]GalleryReport `json:"tags"`
}

// Totals sums the per-gallery counters.
type Totals struct {
	Galleries int
	Errors    int
	Images    int
	Videos    int
	Failed    int
}

func newReport(id uuid.UUID, start time.Time) Report {
	return Report{RunID: id, StartedAt: start, Tags: map[string]map[string]GalleryReport{}}
}

func (r Report) ensureTag(tag string) {
	if _, ok := r.Tags[tag]; !ok {
		r.Tags[tag] = map[string]GalleryReport{}
	}
}

func (r Report) set(tag, gallery string, gr GalleryReport) {
	r.ensureTag(tag)
	r.Tags[tag][gallery] = gr
}

// Totals aggregates the report.
func (r Report) Totals() Totals {
	var t Totals
	for _, galleries := range r.Tags {
		for _, g := range galleries {
			t.Galleries++
			if g.Err != "" {
				t.Errors++
			}
			t.Images += g.Images
			t.Videos += g.Videos
			t.Failed += g.Failed
		}
	}
	return t
}
