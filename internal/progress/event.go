package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageGalleryDone  Stage = "GALLERY_DONE"
	StageGalleryError Stage = "GALLERY_ERROR"
	StageRunDone      Stage = "RUN_DONE"
)

// Event captures one milestone of a pipeline run.
type Event struct {
	RunID uuid.UUID `json:"run_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS      time.Time `json:"ts"`
	Stage   Stage     `json:"stage"`
	Tag     string    `json:"tag,omitempty"`
	Gallery string    `json:"gallery,omitempty"`
	// Images and Videos count items present on disk once the gallery finished.
	Images         int           `json:"images"`
	Videos         int           `json:"videos"`
	ExpectedImages int           `json:"expected_images"`
	ExpectedVideos int           `json:"expected_videos"`
	Failed         int           `json:"failed"`
	Dur            time.Duration `json:"duration_ns"`
	// Note carries low-volume context such as error text.
	Note string `json:"note,omitempty"`
	// Trace holds W3C trace context headers of the emitting span, if any.
	Trace map[string]string `json:"trace,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageGalleryDone, StageGalleryError:
		if e.Gallery == "" {
			return fmt.Errorf("%s requires gallery", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
