// Package pipeline runs the four acquisition phases over a batch of tags and gallery URLs:
// resolve tags, scan galleries, extract media targets, hydrate every target.
//
// Phases are barriers. No gallery enters a phase until the previous phase finished for the
// whole batch. Failures of one tag or gallery are recorded in the Report and never abort the
// batch; cancelling ctx aborts everything at once and Run returns ctx.Err().
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-crawler/internal/archive"
	"github.com/JakeFAU/gallery-crawler/internal/cache"
	"github.com/JakeFAU/gallery-crawler/internal/hydrate"
	"github.com/JakeFAU/gallery-crawler/internal/progress"
)

var tracer = otel.Tracer("github.com/JakeFAU/gallery-crawler/internal/pipeline")

// DirectTag groups gallery URLs passed explicitly instead of through a tag search.
const DirectTag = "direct"

// TagSource resolves a tag to gallery URLs on the live site.
type TagSource interface {
	GalleryLinks(ctx context.Context, tag string) ([]string, error)
}

// Scanner loads a gallery page and returns the raw HTML of every box.
type Scanner interface {
	ScanGallery(ctx context.Context, galleryURL string) ([]string, error)
}

// Hydrator makes one item present on disk. Locate is used for dry runs.
type Hydrator interface {
	Hydrate(ctx context.Context, it hydrate.Item) (hydrate.Outcome, error)
	Locate(ctx context.Context, it hydrate.Item) (hydrate.Tier, error)
}

// IDGenerator mints run identifiers.
type IDGenerator interface {
	NewRunID() (uuid.UUID, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Budget bounds parallelism per phase.
type Budget struct {
	ScanTags         int
	ScanGalleries    int
	Galleries        int
	ImagesPerGallery int
	VideosPerGallery int
}

// DefaultBudget returns the stock concurrency limits.
func DefaultBudget() Budget {
	return Budget{
		ScanTags:         25,
		ScanGalleries:    15,
		Galleries:        1,
		ImagesPerGallery: 50,
		VideosPerGallery: 10,
	}
}

func (b Budget) withDefaults() Budget {
	d := DefaultBudget()
	if b.ScanTags <= 0 {
		b.ScanTags = d.ScanTags
	}
	if b.ScanGalleries <= 0 {
		b.ScanGalleries = d.ScanGalleries
	}
	if b.Galleries <= 0 {
		b.Galleries = d.Galleries
	}
	if b.ImagesPerGallery <= 0 {
		b.ImagesPerGallery = d.ImagesPerGallery
	}
	if b.VideosPerGallery <= 0 {
		b.VideosPerGallery = d.VideosPerGallery
	}
	return b
}

// Options tune one run.
type Options struct {
	Budget Budget
	// TTLDays is the metadata cache freshness window. Zero or less forces a live refresh.
	TTLDays int
	// MinItems skips galleries with fewer boxes.
	MinItems int
	// DryRun stops after extraction and only reports which tier would serve each item.
	DryRun     bool
	ImagesOnly bool
	VideosOnly bool
	// BigToSmall processes galleries with the most boxes first.
	BigToSmall bool
}

// Request is the input of Run.
type Request struct {
	Tags        []string
	GalleryURLs []string
	Options     Options
}

// Deps are the collaborators of a run. Archive and Progress are optional.
type Deps struct {
	Cache    cache.Store
	Tags     TagSource
	Scanner  Scanner
	Hydrator Hydrator
	Archive  *archive.Archive
	Progress progress.Emitter
	Clock    Clock
	IDs      IDGenerator
	Logger   *zap.Logger
	// BaseURL resolves relative media links. Empty means the gallery URL itself.
	BaseURL string
}

func (d Deps) validate() error {
	var errs []error
	if d.Cache == nil {
		errs = append(errs, errors.New("cache is required"))
	}
	if d.Tags == nil {
		errs = append(errs, errors.New("tag source is required"))
	}
	if d.Scanner == nil {
		errs = append(errs, errors.New("scanner is required"))
	}
	if d.Hydrator == nil {
		errs = append(errs, errors.New("hydrator is required"))
	}
	if d.Clock == nil {
		errs = append(errs, errors.New("clock is required"))
	}
	if d.IDs == nil {
		errs = append(errs, errors.New("id generator is required"))
	}
	return errors.Join(errs...)
}

// ErrNothingToDo is returned when a request carries neither tags nor gallery URLs.
var ErrNothingToDo = errors.New("no tags or gallery urls given")

type runner struct {
	deps   Deps
	opts   Options
	runID  uuid.UUID
	logger *zap.Logger
}

// Run executes one batch. The returned Report is populated even when ctx is cancelled; it
// then holds whatever finished before the cancellation.
func Run(ctx context.Context, deps Deps, req Request) (Report, error) {
	if err := deps.validate(); err != nil {
		return Report{}, fmt.Errorf("pipeline deps: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Progress == nil {
		deps.Progress = progress.Discard{}
	}
	tags := normalizeTags(req.Tags)
	galleryURLs := trimAll(req.GalleryURLs)
	if len(tags) == 0 && len(galleryURLs) == 0 {
		return Report{}, ErrNothingToDo
	}
	opts := req.Options
	opts.Budget = opts.Budget.withDefaults()
	if opts.ImagesOnly && opts.VideosOnly {
		return Report{}, errors.New("images-only and videos-only are mutually exclusive")
	}

	runID, err := deps.IDs.NewRunID()
	if err != nil {
		return Report{}, fmt.Errorf("run id: %w", err)
	}
	r := &runner{
		deps:   deps,
		opts:   opts,
		runID:  runID,
		logger: deps.Logger.Named("pipeline").With(zap.String("run_id", runID.String())),
	}
	return r.run(ctx, tags, galleryURLs)
}

func (r *runner) run(ctx context.Context, tags, galleryURLs []string) (Report, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("run_id", r.runID.String()),
		attribute.StringSlice("tags", tags),
		attribute.Int("gallery_urls", len(galleryURLs)),
		attribute.Bool("dry_run", r.opts.DryRun),
	))
	defer span.End()

	start := r.deps.Clock.Now()
	report := newReport(r.runID, start)
	r.emit(ctx, progress.Event{Stage: progress.StageRunStart, Note: strings.Join(tags, ",")})
	r.logger.Info("run started",
		zap.Strings("tags", tags),
		zap.Int("gallery_urls", len(galleryURLs)),
		zap.Bool("dry_run", r.opts.DryRun),
	)
	if len(tags) > 0 {
		if err := r.deps.Cache.AddHistoryTags(ctx, tags); err != nil {
			r.logger.Warn("record tag history failed", zap.Error(err))
		}
	}

	resolved, err := r.resolveTags(ctx, tags)
	if err != nil {
		return r.finish(ctx, report, nil, err)
	}
	if len(galleryURLs) > 0 {
		resolved = append(resolved, tagGalleries{tag: DirectTag, urls: galleryURLs})
	}
	for _, tg := range resolved {
		report.ensureTag(tg.tag)
	}

	jobs := dedupGalleries(resolved)
	r.logger.Info("tags resolved", zap.Int("tags", len(resolved)), zap.Int("galleries", len(jobs)))

	if err := r.scanGalleries(ctx, jobs); err != nil {
		return r.finish(ctx, report, jobs, err)
	}

	accepted := r.extract(jobs)
	r.logger.Info("targets extracted", zap.Int("accepted", len(accepted)), zap.Int("scanned", len(jobs)))

	err = r.download(ctx, accepted)
	return r.finish(ctx, report, jobs, err)
}

func (r *runner) finish(ctx context.Context, report Report, jobs []*galleryJob, err error) (Report, error) {
	for _, job := range jobs {
		report.set(job.tag, job.name, job.report)
	}
	report.Elapsed = r.deps.Clock.Now().Sub(report.StartedAt)
	note := ""
	if err != nil {
		note = err.Error()
	}
	totals := report.Totals()
	r.emit(ctx, progress.Event{
		Stage:  progress.StageRunDone,
		Images: totals.Images,
		Videos: totals.Videos,
		Failed: totals.Failed,
		Dur:    report.Elapsed,
		Note:   note,
	})
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Int("galleries", totals.Galleries),
		attribute.Int("images", totals.Images),
		attribute.Int("videos", totals.Videos),
		attribute.Int("failed", totals.Failed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run aborted")
		r.logger.Warn("run aborted", zap.Error(err), zap.Duration("elapsed", report.Elapsed))
		return report, err
	}
	r.logger.Info("run finished",
		zap.Int("images", totals.Images),
		zap.Int("videos", totals.Videos),
		zap.Int("failed", totals.Failed),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

// emit stamps evt and attaches the trace context of ctx so downstream consumers can join the run's trace.
func (r *runner) emit(ctx context.Context, evt progress.Event) {
	evt.RunID = r.runID
	evt.TS = r.deps.Clock.Now()
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) > 0 {
		evt.Trace = carrier
	}
	r.deps.Progress.Emit(evt)
}

func normalizeTags(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = cache.NormalizeTag(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
