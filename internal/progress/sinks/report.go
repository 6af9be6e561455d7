package sinks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/gallery-crawler/internal/progress"
)

// GallerySnapshot is the latest known state of one gallery within a run.
type GallerySnapshot struct {
	Tag     string        `json:"tag"`
	Gallery string        `json:"gallery"`
	Status  string        `json:"status"`
	Images  int           `json:"images"`
	Videos  int           `json:"videos"`
	Failed  int           `json:"failed"`
	Dur     time.Duration `json:"duration_ns"`
	Note    string        `json:"note,omitempty"`
}

// RunSnapshot summarizes a run as observed through progress events.
type RunSnapshot struct {
	RunID     uuid.UUID         `json:"run_id"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
	Galleries []GallerySnapshot `json:"galleries"`
}

// ReportSink keeps the most recent run snapshots in memory for the HTTP API.
type ReportSink struct {
	mu    sync.RWMutex
	limit int
	order []uuid.UUID
	runs  map[uuid.UUID]*runState
}

type runState struct {
	started   time.Time
	ended     *time.Time
	galleries map[string]GallerySnapshot
}

// NewReportSink retains at most limit runs; older runs are evicted first.
func NewReportSink(limit int) *ReportSink {
	if limit <= 0 {
		limit = 16
	}
	return &ReportSink{limit: limit, runs: make(map[uuid.UUID]*runState)}
}

// Consume folds the batch into the in-memory snapshots.
func (s *ReportSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		st := s.state(evt.RunID, evt.TS)
		switch evt.Stage {
		case progress.StageRunStart:
			st.started = evt.TS
		case progress.StageRunDone:
			ts := evt.TS
			st.ended = &ts
		case progress.StageGalleryDone, progress.StageGalleryError:
			status := "done"
			if evt.Stage == progress.StageGalleryError {
				status = "error"
			}
			st.galleries[evt.Gallery] = GallerySnapshot{
				Tag:     evt.Tag,
				Gallery: evt.Gallery,
				Status:  status,
				Images:  evt.Images,
				Videos:  evt.Videos,
				Failed:  evt.Failed,
				Dur:     evt.Dur,
				Note:    evt.Note,
			}
		}
	}
	return nil
}

func (s *ReportSink) state(id uuid.UUID, ts time.Time) *runState {
	if st, ok := s.runs[id]; ok {
		return st
	}
	st := &runState{started: ts, galleries: make(map[string]GallerySnapshot)}
	s.runs[id] = st
	s.order = append(s.order, id)
	for len(s.order) > s.limit {
		delete(s.runs, s.order[0])
		s.order = s.order[1:]
	}
	return st
}

// Snapshot returns the run's state; ok is false for unknown or evicted runs.
func (s *ReportSink) Snapshot(id uuid.UUID) (RunSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.runs[id]
	if !ok {
		return RunSnapshot{}, false
	}
	return st.snapshot(id), true
}

// Latest returns the most recently started run.
func (s *ReportSink) Latest() (RunSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return RunSnapshot{}, false
	}
	id := s.order[len(s.order)-1]
	return s.runs[id].snapshot(id), true
}

func (st *runState) snapshot(id uuid.UUID) RunSnapshot {
	out := RunSnapshot{RunID: id, StartedAt: st.started, Galleries: make([]GallerySnapshot, 0, len(st.galleries))}
	if st.ended != nil {
		ts := *st.ended
		out.EndedAt = &ts
	}
	for _, g := range st.galleries {
		out.Galleries = append(out.Galleries, g)
	}
	sort.Slice(out.Galleries, func(i, j int) bool {
		if out.Galleries[i].Tag != out.Galleries[j].Tag {
			return out.Galleries[i].Tag < out.Galleries[j].Tag
		}
		return out.Galleries[i].Gallery < out.Galleries[j].Gallery
	})
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *ReportSink) Close(context.Context) error {
	return nil
}
