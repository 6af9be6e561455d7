// Package collyfetcher resolves tag search pages into gallery URLs using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GallerySelector matches the gallery boxes on a tag search page.
const GallerySelector = "div.bg-red-400 a[href]"

// Config controls collector behavior.
type Config struct {
	BaseURL       string
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// RequestsPerSecond paces search page requests across all tags. Zero disables pacing.
	RequestsPerSecond float64
}

// Fetcher implements pipeline.TagSource using the Colly collector.
type Fetcher struct {
	cfg           Config
	base          *url.URL
	transport     http.RoundTripper
	baseCollector *colly.Collector
	limiter       *rate.Limiter
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("site base url %q is invalid", cfg.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	transport := newHTTPTransport()
	c.WithTransport(transport)

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Fetcher{
		cfg:           cfg,
		base:          base,
		transport:     transport,
		baseCollector: c,
		limiter:       limiter,
		logger:        logger,
	}, nil
}

// SearchURL returns the search page for tag.
func (f *Fetcher) SearchURL(tag string) string {
	return f.base.String() + "/search/" + url.PathEscape(tag) + "/"
}

// GalleryLinks visits the tag's search page and returns the absolute gallery URLs in page order.
func (f *Fetcher) GalleryLinks(ctx context.Context, tag string) ([]string, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("tag page rate limit: %w", err)
		}
	}
	var (
		links    []string
		fetchErr error
	)
	collector := f.buildCollector()
	f.configureCollectorHooks(collector, &links, &fetchErr)

	target := f.SearchURL(tag)
	start := time.Now()
	if err := f.runCollector(ctx, collector, target, &fetchErr); err != nil {
		return nil, err
	}
	f.logger.Debug("tag page resolved",
		zap.String("tag", tag),
		zap.Int("galleries", len(links)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return links, nil
}

func (f *Fetcher) buildCollector() *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	transport := f.transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	collector.WithTransport(transport)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, links *[]string, fetchErr *error) {
	seen := make(map[string]struct{})
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml")
	})
	hooks.OnHTML(GallerySelector, func(e *colly.HTMLElement) {
		href := strings.TrimSpace(e.Attr("href"))
		if href == "" {
			return
		}
		abs := e.Request.AbsoluteURL(href)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		*links = append(*links, abs)
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
