package pipeline

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/gallery-crawler/internal/cache"
	"github.com/JakeFAU/gallery-crawler/internal/extract"
	"github.com/JakeFAU/gallery-crawler/internal/media"
	"github.com/JakeFAU/gallery-crawler/internal/metrics"
	"github.com/JakeFAU/gallery-crawler/internal/progress"
)

type tagGalleries struct {
	tag  string
	urls []string
}

type galleryJob struct {
	tag    string
	url    string
	name   string
	items  []cache.Item
	images []extract.Target
	videos []extract.Target
	report GalleryReport
}

// resolveTags runs phase 1. A failing tag resolves to no galleries.
func (r *runner) resolveTags(ctx context.Context, tags []string) ([]tagGalleries, error) {
	out := make([]tagGalleries, len(tags))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Budget.ScanTags)
	for i, tag := range tags {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			urls, err := r.galleriesForTag(gctx, tag)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r.logger.Warn("tag resolution failed", zap.String("tag", tag), zap.Error(err))
			}
			out[i] = tagGalleries{tag: tag, urls: urls}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *runner) galleriesForTag(ctx context.Context, tag string) ([]string, error) {
	urls, ok, err := r.deps.Cache.LookupTagGalleries(ctx, tag, r.opts.TTLDays)
	if err != nil {
		r.logger.Warn("tag cache lookup failed", zap.String("tag", tag), zap.Error(err))
	}
	if ok {
		r.logger.Debug("tag cache hit", zap.String("tag", tag), zap.Int("galleries", len(urls)))
		return urls, nil
	}
	urls, err = r.deps.Tags.GalleryLinks(ctx, tag)
	if err != nil {
		return nil, fmt.Errorf("fetch tag %q: %w", tag, err)
	}
	if err := r.deps.Cache.StoreTagGalleries(ctx, tag, urls); err != nil {
		r.logger.Warn("tag cache store failed", zap.String("tag", tag), zap.Error(err))
	}
	r.logger.Debug("tag fetched", zap.String("tag", tag), zap.Int("galleries", len(urls)))
	return urls, nil
}

// dedupGalleries flattens tags into gallery jobs. A gallery reachable from several tags
// belongs to the first tag that listed it.
func dedupGalleries(resolved []tagGalleries) []*galleryJob {
	seen := map[string]struct{}{}
	var jobs []*galleryJob
	for _, tg := range resolved {
		for _, u := range tg.urls {
			name := media.GalleryName(u)
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			jobs = append(jobs, &galleryJob{
				tag:    tg.tag,
				url:    u,
				name:   name,
				report: GalleryReport{URL: u},
			})
		}
	}
	return jobs
}

// scanGalleries runs phase 2. A failing gallery keeps an error in its report.
func (r *runner) scanGalleries(ctx context.Context, jobs []*galleryJob) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Budget.ScanGalleries)
	for _, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := r.deps.Clock.Now()
			items, err := r.itemsForGallery(gctx, job.url)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				job.report.Err = err.Error()
				job.report.Elapsed = r.deps.Clock.Now().Sub(start)
				r.galleryFailed(gctx, job)
				return nil
			}
			job.items = items
			return nil
		})
	}
	return g.Wait()
}

func (r *runner) itemsForGallery(ctx context.Context, galleryURL string) ([]cache.Item, error) {
	items, ok, err := r.deps.Cache.LookupGalleryItems(ctx, galleryURL, r.opts.TTLDays)
	if err != nil {
		r.logger.Warn("gallery cache lookup failed", zap.String("url", galleryURL), zap.Error(err))
	}
	if ok {
		return items, nil
	}
	snippets, err := r.deps.Scanner.ScanGallery(ctx, galleryURL)
	if err != nil {
		return nil, fmt.Errorf("scan gallery: %w", err)
	}
	if _, err := r.deps.Cache.StoreGalleryItems(ctx, galleryURL, snippets); err != nil {
		r.logger.Warn("gallery cache store failed", zap.String("url", galleryURL), zap.Error(err))
	}
	items, _ = cache.Classify(snippets)
	return items, nil
}

// extract runs phase 3 and returns the galleries accepted for download in processing order.
func (r *runner) extract(jobs []*galleryJob) []*galleryJob {
	accepted := make([]*galleryJob, 0, len(jobs))
	for _, job := range jobs {
		if job.report.Err != "" {
			continue
		}
		base := r.deps.BaseURL
		if base == "" {
			base = job.url
		}
		job.images, job.videos = extract.Targets(base, job.items)
		job.report.Boxes = len(cache.Snippets(job.items))
		if r.opts.VideosOnly {
			job.images = nil
		}
		if r.opts.ImagesOnly {
			job.videos = nil
		}
		job.report.ExpectedImages = len(job.images)
		job.report.ExpectedVideos = len(job.videos)
		if job.report.Boxes < r.opts.MinItems {
			job.report.Skipped = true
			r.logger.Info("gallery below minimum size, skipped",
				zap.String("gallery", job.name),
				zap.Int("boxes", job.report.Boxes),
				zap.Int("min_items", r.opts.MinItems),
			)
			continue
		}
		accepted = append(accepted, job)
	}
	sort.SliceStable(accepted, func(i, j int) bool {
		if r.opts.BigToSmall {
			return accepted[i].report.Boxes > accepted[j].report.Boxes
		}
		return accepted[i].report.Boxes < accepted[j].report.Boxes
	})
	return accepted
}

func (r *runner) galleryFailed(ctx context.Context, job *galleryJob) {
	metrics.ObserveGallery("error", job.report.Elapsed)
	r.logger.Warn("gallery failed",
		zap.String("tag", job.tag),
		zap.String("gallery", job.name),
		zap.String("error", job.report.Err),
	)
	r.emit(ctx, progress.Event{
		Stage:   progress.StageGalleryError,
		Tag:     job.tag,
		Gallery: job.name,
		Dur:     job.report.Elapsed,
		Note:    job.report.Err,
	})
}
