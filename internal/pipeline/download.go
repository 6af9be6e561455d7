package pipeline

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/gallery-crawler/internal/archive"
	"github.com/JakeFAU/gallery-crawler/internal/extract"
	"github.com/JakeFAU/gallery-crawler/internal/hydrate"
	"github.com/JakeFAU/gallery-crawler/internal/media"
	"github.com/JakeFAU/gallery-crawler/internal/metrics"
	"github.com/JakeFAU/gallery-crawler/internal/progress"
	"github.com/JakeFAU/gallery-crawler/internal/resolver"
)

type itemResult struct {
	target extract.Target
	out    hydrate.Outcome
	err    error
}

// download runs phase 4 over the accepted galleries.
func (r *runner) download(ctx context.Context, jobs []*galleryJob) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Budget.Galleries)
	for _, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if r.opts.DryRun {
				return r.locateGallery(gctx, job)
			}
			return r.hydrateGallery(gctx, job)
		})
	}
	return g.Wait()
}

func (r *runner) item(job *galleryJob, t extract.Target) hydrate.Item {
	return hydrate.Item{
		Tag:        job.tag,
		Gallery:    job.name,
		GalleryURL: job.url,
		Index:      t.Index,
		Kind:       t.Kind,
		URL:        t.URL,
	}
}

// hydrateGallery is the gallery's coordinator. Item workers hand their outcomes back over a
// channel and only this goroutine touches the archive for the gallery.
func (r *runner) hydrateGallery(ctx context.Context, job *galleryJob) error {
	ctx, span := r.startGallerySpan(ctx, "pipeline.hydrateGallery", job)
	defer span.End()
	start := r.deps.Clock.Now()
	job.report.Tiers = map[hydrate.Tier]int{}
	results := make(chan itemResult)

	pools := []struct {
		targets []extract.Target
		limit   int
	}{
		{job.images, r.opts.Budget.ImagesPerGallery},
		{job.videos, r.opts.Budget.VideosPerGallery},
	}
	errs := make([]error, len(pools))
	var wg sync.WaitGroup
	for i, p := range pools {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.hydrateTargets(ctx, job, p.targets, p.limit, results)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	archived := 0
	for res := range results {
		if r.record(job, res) {
			archived++
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gallery aborted")
		return err
	}
	if archived > 0 {
		if err := r.deps.Archive.SaveIndex(); err != nil {
			r.logger.Warn("archive index save failed", zap.String("gallery", job.name), zap.Error(err))
		}
	}

	job.report.Elapsed = r.deps.Clock.Now().Sub(start)
	metrics.ObserveGallery("success", job.report.Elapsed)
	r.logger.Info("gallery done",
		zap.String("tag", job.tag),
		zap.String("gallery", job.name),
		zap.Int("images", job.report.Images),
		zap.Int("expected_images", job.report.ExpectedImages),
		zap.Int("videos", job.report.Videos),
		zap.Int("expected_videos", job.report.ExpectedVideos),
		zap.Int("failed", job.report.Failed),
		zap.Int("archived", archived),
		zap.Duration("elapsed", job.report.Elapsed),
	)
	span.SetAttributes(
		attribute.Int("images", job.report.Images),
		attribute.Int("videos", job.report.Videos),
		attribute.Int("failed", job.report.Failed),
		attribute.Int("archived", archived),
	)
	r.emitGalleryDone(ctx, job, "")
	return nil
}

func (r *runner) hydrateTargets(
	ctx context.Context,
	job *galleryJob,
	targets []extract.Target,
	limit int,
	results chan<- itemResult,
) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, t := range targets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := r.deps.Hydrator.Hydrate(gctx, r.item(job, t))
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			select {
			case results <- itemResult{target: t, out: out, err: err}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// record folds one item outcome into the gallery report and applies its archive write.
// It reports whether the archive gained an entry.
func (r *runner) record(job *galleryJob, res itemResult) bool {
	if res.err != nil {
		job.report.Failed++
		log := r.logger.Warn
		if errors.Is(res.err, resolver.ErrNoCandidate) {
			log = r.logger.Info
		}
		log("item failed",
			zap.String("gallery", job.name),
			zap.Int("index", res.target.Index),
			zap.String("kind", string(res.target.Kind)),
			zap.String("url", res.target.URL),
			zap.Error(res.err),
		)
		return false
	}
	if res.target.Kind == media.KindVideo {
		job.report.Videos++
	} else {
		job.report.Images++
	}
	job.report.Tiers[res.out.Tier]++
	if res.out.ArchiveData == nil || r.deps.Archive == nil {
		return false
	}
	if err := r.deps.Archive.AddFile(job.name, res.out.RelPath, res.out.ArchiveData, archive.Kind(res.target.Kind)); err != nil {
		r.logger.Warn("archive add failed",
			zap.String("gallery", job.name),
			zap.String("file", res.out.RelPath),
			zap.Error(err),
		)
		return false
	}
	return true
}

// locateGallery counts which tier would serve each target without writing anything.
func (r *runner) locateGallery(ctx context.Context, job *galleryJob) error {
	ctx, span := r.startGallerySpan(ctx, "pipeline.locateGallery", job)
	defer span.End()
	start := r.deps.Clock.Now()
	job.report.Tiers = map[hydrate.Tier]int{}
	for _, targets := range [][]extract.Target{job.images, job.videos} {
		for _, t := range targets {
			tier, err := r.deps.Hydrator.Locate(ctx, r.item(job, t))
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				job.report.Failed++
				continue
			}
			job.report.Tiers[tier]++
		}
	}
	job.report.Elapsed = r.deps.Clock.Now().Sub(start)
	r.logger.Info("gallery located",
		zap.String("gallery", job.name),
		zap.Int("disk", job.report.Tiers[hydrate.TierDisk]),
		zap.Int("archive", job.report.Tiers[hydrate.TierArchive]),
		zap.Int("remote", job.report.Tiers[hydrate.TierRemote]),
		zap.Int("network", job.report.Tiers[hydrate.TierNetwork]),
	)
	r.emitGalleryDone(ctx, job, "dry run")
	return nil
}

func (r *runner) startGallerySpan(ctx context.Context, name string, job *galleryJob) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("tag", job.tag),
		attribute.String("gallery", job.name),
		attribute.Int("expected_images", job.report.ExpectedImages),
		attribute.Int("expected_videos", job.report.ExpectedVideos),
	))
}

func (r *runner) emitGalleryDone(ctx context.Context, job *galleryJob, note string) {
	r.emit(ctx, progress.Event{
		Stage:          progress.StageGalleryDone,
		Tag:            job.tag,
		Gallery:        job.name,
		Images:         job.report.Images,
		Videos:         job.report.Videos,
		ExpectedImages: job.report.ExpectedImages,
		ExpectedVideos: job.report.ExpectedVideos,
		Failed:         job.report.Failed,
		Dur:            job.report.Elapsed,
		Note:           note,
	})
}
