package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/gallery-crawler/internal/api"
	"github.com/JakeFAU/gallery-crawler/internal/clock/system"
	"github.com/JakeFAU/gallery-crawler/internal/config"
	"github.com/JakeFAU/gallery-crawler/internal/id/uuid"
	"github.com/JakeFAU/gallery-crawler/internal/pipeline"
	"github.com/JakeFAU/gallery-crawler/internal/telemetry"
)

type runFlags struct {
	tags        []string
	galleries   []string
	dryRun      bool
	imagesOnly  bool
	videosOnly  bool
	bigToSmall  bool
	ttlDays     int
	minItems    int
	serveStatus string
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [tag...]",
		Short: "Resolve tags and galleries, then hydrate every image and video.",
		Example: `  gallerycrawler run forest lake
  gallerycrawler run --gallery https://gallery.example/g/forest-walk --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			f.tags = append(f.tags, args...)
			return runCrawl(cmd, a, f)
		},
	}
	fl := cmd.Flags()
	fl.StringSliceVarP(&f.tags, "tag", "t", nil, "tag to crawl (repeatable)")
	fl.StringSliceVarP(&f.galleries, "gallery", "g", nil, "gallery URL to crawl directly (repeatable)")
	fl.BoolVar(&f.dryRun, "dry-run", false, "report which tier would serve each item without writing anything")
	fl.BoolVar(&f.imagesOnly, "images-only", false, "skip videos")
	fl.BoolVar(&f.videosOnly, "videos-only", false, "skip images")
	fl.BoolVar(&f.bigToSmall, "big-to-small", false, "process galleries with the most boxes first")
	fl.IntVar(&f.ttlDays, "ttl-days", 0, "metadata cache freshness in days (overrides cache.ttl_days)")
	fl.IntVar(&f.minItems, "min-items", 0, "skip galleries with fewer boxes (overrides download.min_items)")
	fl.StringVar(&f.serveStatus, "serve", "", "status server address (overrides server.addr)")
	cmd.MarkFlagsMutuallyExclusive("images-only", "videos-only")
	return cmd
}

// requestFor merges flags over the loaded configuration. Only flags the user set win.
func requestFor(cmd *cobra.Command, cfg config.Config, f runFlags) pipeline.Request {
	opts := pipeline.Options{
		Budget: pipeline.Budget{
			ScanTags:         cfg.Concurrency.ScanTags,
			ScanGalleries:    cfg.Concurrency.ScanGalleries,
			Galleries:        cfg.Concurrency.Galleries,
			ImagesPerGallery: cfg.Concurrency.ImagesPerGallery,
			VideosPerGallery: cfg.Concurrency.VideosPerGallery,
		},
		TTLDays:    cfg.Cache.TTLDays,
		MinItems:   cfg.Download.MinItems,
		DryRun:     cfg.Download.DryRun || f.dryRun,
		ImagesOnly: cfg.Download.ImagesOnly || f.imagesOnly,
		VideosOnly: cfg.Download.VideosOnly || f.videosOnly,
		BigToSmall: cfg.Download.BigToSmall || f.bigToSmall,
	}
	flags := cmd.Flags()
	if flags.Changed("ttl-days") {
		opts.TTLDays = f.ttlDays
	}
	if flags.Changed("min-items") {
		opts.MinItems = f.minItems
	}
	// An explicit kind flag replaces the opposite one coming from config.
	if flags.Changed("images-only") {
		opts.VideosOnly = false
	}
	if flags.Changed("videos-only") {
		opts.ImagesOnly = false
	}
	return pipeline.Request{Tags: f.tags, GalleryURLs: f.galleries, Options: opts}
}

func runCrawl(cmd *cobra.Command, a *app, f runFlags) error {
	ctx := cmd.Context()
	req := requestFor(cmd, a.cfg, f)
	if len(req.Tags) == 0 && len(req.GalleryURLs) == 0 {
		return errors.New("give at least one tag or --gallery url")
	}

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: "gallerycrawler",
		SampleRatio: a.cfg.Tracing.SampleRatio,
		Exporter:    a.cfg.Tracing.Exporter,
		Endpoint:    a.cfg.Tracing.Endpoint,
		Insecure:    a.cfg.Tracing.Insecure,
		Headers:     a.cfg.Tracing.Headers,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("trace flush failed", zap.Error(err))
		}
	}()

	svc, err := openServices(ctx, a.cfg, a.logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.close(); err != nil {
			a.logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	addr := a.cfg.Server.Addr
	if f.serveStatus != "" {
		addr = f.serveStatus
	}

	runCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	g, gctx := errgroup.WithContext(runCtx)
	if addr != "" {
		srvDeps := api.Deps{Reports: svc.reports, History: svc.cache}
		if svc.archive != nil {
			srvDeps.Archive = svc.archive
		}
		server := api.NewServer(srvDeps, a.logger)
		g.Go(func() error {
			return api.Serve(gctx, addr, server.Handler(), a.logger)
		})
	}

	var report pipeline.Report
	g.Go(func() error {
		defer stopServer()
		var runErr error
		report, runErr = pipeline.Run(gctx, pipeline.Deps{
			Cache:    svc.cache,
			Tags:     svc.tags,
			Scanner:  svc.scanner,
			Hydrator: svc.hydrator,
			Archive:  svc.archive,
			Progress: svc.hub,
			Clock:    system.New(),
			IDs:      uuid.New(),
			Logger:   a.logger,
			BaseURL:  a.cfg.Site.BaseURL,
		}, req)
		return runErr
	})

	err = g.Wait()
	printReport(cmd, report)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		a.logger.Warn("run interrupted; partial results kept")
		return err
	}
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

func printReport(cmd *cobra.Command, report pipeline.Report) {
	if report.Tags == nil {
		return
	}
	out := cmd.OutOrStdout()
	tags := make([]string, 0, len(report.Tags))
	for tag := range report.Tags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		galleries := report.Tags[tag]
		names := make([]string, 0, len(galleries))
		for name := range galleries {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(out, "%s (%d galleries)\n", tag, len(names))
		for _, name := range names {
			gr := galleries[name]
			switch {
			case gr.Err != "":
				fmt.Fprintf(out, "  %-40s error: %s\n", name, gr.Err)
			case gr.Skipped:
				fmt.Fprintf(out, "  %-40s skipped (%d boxes)\n", name, gr.Boxes)
			default:
				fmt.Fprintf(out, "  %-40s images %d/%d  videos %d/%d  failed %d\n",
					name, gr.Images, gr.ExpectedImages, gr.Videos, gr.ExpectedVideos, gr.Failed)
			}
		}
	}
	t := report.Totals()
	fmt.Fprintf(out, "total: %d galleries, %d images, %d videos, %d failed, %d errors in %s\n",
		t.Galleries, t.Images, t.Videos, t.Failed, t.Errors, report.Elapsed.Round(time.Millisecond))
}
