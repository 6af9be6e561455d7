package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	gcsstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-crawler/internal/archive"
	"github.com/JakeFAU/gallery-crawler/internal/cache"
	"github.com/JakeFAU/gallery-crawler/internal/cache/postgres"
	"github.com/JakeFAU/gallery-crawler/internal/cache/sqlite"
	"github.com/JakeFAU/gallery-crawler/internal/clock/system"
	"github.com/JakeFAU/gallery-crawler/internal/config"
	"github.com/JakeFAU/gallery-crawler/internal/downloader"
	collyfetcher "github.com/JakeFAU/gallery-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/gallery-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/gallery-crawler/internal/hydrate"
	"github.com/JakeFAU/gallery-crawler/internal/progress"
	"github.com/JakeFAU/gallery-crawler/internal/progress/sinks"
	"github.com/JakeFAU/gallery-crawler/internal/resolver"
	"github.com/JakeFAU/gallery-crawler/internal/storage"
	"github.com/JakeFAU/gallery-crawler/internal/storage/gcs"
	"github.com/JakeFAU/gallery-crawler/internal/storage/local"
)

// scanner is the headless browser, real or disabled.
type scanner interface {
	ScanGallery(ctx context.Context, galleryURL string) ([]string, error)
	ProbeVideoSource(ctx context.Context, pageURL string) (string, error)
	RenderPage(ctx context.Context, pageURL string) (string, error)
	Close()
}

// services holds everything a run needs. close releases them in reverse order.
type services struct {
	cache    cache.Store
	archive  *archive.Archive
	remote   storage.Remote
	tags     *collyfetcher.Fetcher
	scanner  scanner
	hydrator *hydrate.Hydrator
	hub      *progress.Hub
	reports  *sinks.ReportSink

	closers []func() error
}

func (s *services) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *services) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// openCache opens the configured metadata cache backend.
func openCache(ctx context.Context, cfg config.Config, logger *zap.Logger) (cache.Store, error) {
	clock := system.New()
	switch cfg.Cache.Driver {
	case "postgres":
		return postgres.New(ctx, postgres.Config{DSN: cfg.Cache.PostgresDSN}, clock, logger)
	default:
		return sqlite.Open(ctx, sqlite.Config{Path: cfg.Cache.SQLitePath}, clock, logger)
	}
}

// openArchive returns nil when the archive tier is disabled.
func openArchive(cfg config.Config, logger *zap.Logger) (*archive.Archive, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	return archive.Open(cfg.Archive.Path, logger)
}

// openRemote returns a nil Remote and a no-op closer when no remote tier is configured.
func openRemote(ctx context.Context, cfg config.Config) (storage.Remote, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Remote.Driver {
	case "gcs":
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Remote.GCSBucket, Prefix: cfg.Remote.GCSPrefix})
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return store, client.Close, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.Remote.LocalDir})
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	default:
		return nil, noop, nil
	}
}

func openScanner(cfg config.Config, logger *zap.Logger) (scanner, error) {
	if !cfg.Headless.Enabled {
		logger.Warn("headless browser disabled; gallery scans and video probes will fail")
		return headless.NewNoop(), nil
	}
	return headless.NewChromedp(headless.Config{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.Site.UserAgent,
		NavigationTimeout: cfg.NavTimeout(),
		ScrollDelay:       cfg.ScrollDelay(),
		MaxScrollRounds:   cfg.Headless.MaxScrollRounds,
		ExecPath:          cfg.Headless.ExecPath,
		NoSandbox:         cfg.Headless.NoSandbox,
	}, logger)
}

// openHub builds the progress hub. Pub/Sub is attached only when configured.
func openHub(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (*progress.Hub, *sinks.ReportSink, func() error, error) {
	reports := sinks.NewReportSink(0)
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, nil, nil, err
	}
	hubSinks := []progress.Sink{sinks.NewLogSink(logger), promSink, reports}

	closeClient := func() error { return nil }
	if cfg.PubSub.ProjectID != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		pubSink, err := sinks.NewPubSubSink(client.Topic(cfg.PubSub.Topic), logger)
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		hubSinks = append(hubSinks, pubSink)
		closeClient = client.Close
	}

	hub := progress.NewHub(progress.Config{Logger: logger}, hubSinks...)
	closeHub := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(hub.Close(shutdownCtx), closeClient())
	}
	return hub, reports, closeHub, nil
}

// openServices wires every collaborator of a run. On error, whatever was opened is released.
func openServices(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (svc *services, err error) {
	svc = &services{}
	defer func() {
		if err != nil {
			_ = svc.close()
			svc = nil
		}
	}()

	if svc.cache, err = openCache(ctx, cfg, logger); err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	svc.onClose(svc.cache.Close)

	if svc.archive, err = openArchive(cfg, logger); err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if svc.archive != nil {
		svc.onClose(svc.archive.Close)
	}

	remote, closeRemote, err := openRemote(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open remote: %w", err)
	}
	svc.remote = remote
	svc.onClose(closeRemote)

	if svc.tags, err = collyfetcher.New(collyfetcher.Config{
		BaseURL:           cfg.Site.BaseURL,
		UserAgent:         cfg.Site.UserAgent,
		RespectRobots:     cfg.Site.RespectRobots,
		Timeout:           cfg.HTTPTimeout(),
		RequestsPerSecond: cfg.Site.RequestsPerSecond,
	}, logger); err != nil {
		return nil, fmt.Errorf("tag fetcher: %w", err)
	}

	if svc.scanner, err = openScanner(cfg, logger); err != nil {
		return nil, fmt.Errorf("headless browser: %w", err)
	}
	svc.onClose(func() error {
		svc.scanner.Close()
		return nil
	})

	res := resolver.New(resolver.Config{UserAgent: cfg.Site.UserAgent, Timeout: cfg.HTTPTimeout()}, svc.scanner, logger)
	dl := downloader.New(downloader.Config{UserAgent: cfg.Site.UserAgent, Timeout: cfg.HTTPTimeout()}, logger)
	svc.hydrator = hydrate.New(cfg.Download.Root, hydrate.Deps{
		Archive:  svc.archive,
		Remote:   svc.remote,
		Fetcher:  dl,
		Resolver: res,
	}, logger)

	hub, reports, closeHub, err := openHub(ctx, cfg, logger, reg)
	if err != nil {
		return nil, fmt.Errorf("progress hub: %w", err)
	}
	svc.hub, svc.reports = hub, reports
	svc.onClose(closeHub)
	return svc, nil
}
