// Package headless drives headless Chrome through chromedp: it scrolls gallery pages until their
// lazy-loaded boxes settle and probes embed pages for a playable video source.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-crawler/internal/media"
)

// BoxSelector matches one content box on a gallery page.
const BoxSelector = "#content > div"

const (
	defaultNavTimeout  = 45 * time.Second
	defaultScrollDelay = time.Second
	defaultMaxRounds   = 500
	stableRounds       = 2
)

const (
	scrollScript = `window.scrollTo(0, document.body.scrollHeight)`
	countScript  = `document.querySelectorAll("#content > div").length`
	boxesScript  = `Array.from(document.querySelectorAll("#content > div"), el => el.outerHTML)`
	sourceScript = `(() => {
		const v = document.querySelector("video");
		if (v && v.getAttribute("src")) return v.src;
		const s = document.querySelector("source");
		if (s && s.getAttribute("src")) return s.src;
		return "";
	})()`
)

// Config controls the behavior of the headless scanner.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// ScrollDelay is the wait after each scroll before boxes are counted.
	ScrollDelay time.Duration
	// MaxScrollRounds bounds the scroll loop on pages that never settle.
	MaxScrollRounds int
	// ExecPath overrides the Chrome binary; empty uses chromedp's lookup.
	ExecPath  string
	NoSandbox bool
}

// Fetcher implements the gallery scanner and the video probe using chromedp.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.ScrollDelay <= 0 {
		cfg.ScrollDelay = defaultScrollDelay
	}
	if cfg.MaxScrollRounds <= 0 {
		cfg.MaxScrollRounds = defaultMaxRounds
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("mute-audio", true),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// ScanGallery opens the gallery, scrolls until the number of boxes is unchanged for two
// consecutive rounds and returns the outer HTML of every box in page order.
func (f *Fetcher) ScanGallery(ctx context.Context, galleryURL string) ([]string, error) {
	var boxes []string
	start := time.Now()
	err := f.withTab(ctx, galleryURL, nil, func(taskCtx context.Context) error {
		rounds, err := scrollUntilStable(taskCtx, f.cfg.MaxScrollRounds, func(c context.Context) (int, error) {
			var count int
			if err := chromedp.Run(c,
				chromedp.Evaluate(scrollScript, nil),
			); err != nil {
				return 0, fmt.Errorf("scroll: %w", err)
			}
			if err := sleepCtx(c, f.cfg.ScrollDelay); err != nil {
				return 0, err
			}
			if err := chromedp.Run(c, chromedp.Evaluate(countScript, &count)); err != nil {
				return 0, fmt.Errorf("count boxes: %w", err)
			}
			return count, nil
		})
		if err != nil {
			return err
		}
		if err := chromedp.Run(taskCtx, chromedp.Evaluate(boxesScript, &boxes)); err != nil {
			return fmt.Errorf("collect boxes: %w", err)
		}
		f.logger.Debug("gallery scrolled",
			zap.String("url", galleryURL),
			zap.Int("rounds", rounds),
			zap.Int("boxes", len(boxes)),
			zap.Duration("elapsed", time.Since(start)),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return boxes, nil
}

// RenderPage loads pageURL and returns the document markup after its scripts have run.
func (f *Fetcher) RenderPage(ctx context.Context, pageURL string) (string, error) {
	var html string
	headers := http.Header{}
	headers.Set("Referer", pageURL)
	err := f.withTab(ctx, pageURL, headers, func(taskCtx context.Context) error {
		if err := chromedp.Run(taskCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
			return fmt.Errorf("render page: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return html, nil
}

// ProbeVideoSource opens an embed page and returns the first playable source: the src of a
// <video> or <source> element, or else the first direct video URL in the rendered document.
// An empty string means nothing playable was found.
func (f *Fetcher) ProbeVideoSource(ctx context.Context, pageURL string) (string, error) {
	var (
		src  string
		html string
	)
	headers := http.Header{}
	headers.Set("Referer", pageURL)
	err := f.withTab(ctx, pageURL, headers, func(taskCtx context.Context) error {
		if err := chromedp.Run(taskCtx,
			chromedp.Evaluate(sourceScript, &src),
			chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		); err != nil {
			return fmt.Errorf("probe video source: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if src != "" {
		return src, nil
	}
	if found := media.FindVideoURLs(html); len(found) > 0 {
		return found[0], nil
	}
	return "", nil
}

// navigateAction loads target and waits for its body, bounded by the navigation timeout.
func (f *Fetcher) navigateAction(target string, headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		navCtx, cancel := context.WithTimeout(ctx, f.navTimeout())
		defer cancel()
		return chromedp.Tasks{
			f.networkSetupAction(headers),
			chromedp.Navigate(target),
			chromedp.WaitReady("body", chromedp.ByQuery),
		}.Do(navCtx)
	})
}

// withTab opens a new tab, navigates to target and runs fn while a limiter slot is held.
func (f *Fetcher) withTab(ctx context.Context, target string, headers http.Header, fn func(context.Context) error) error {
	if err := f.acquire(ctx); err != nil {
		return err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()
	// Stop the tab when the caller gives up.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	// The first Run allocates the browser and binds its lifetime to the
	// context, so it must not carry a deadline.
	if err := chromedp.Run(taskCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("chromedp allocate: %w", err)
	}
	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)
	if err := chromedp.Run(taskCtx, f.navigateAction(target, headers)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("chromedp navigate: %w", err)
	}
	if status, finalURL := meta.snapshotWithFallbacks(target); status >= http.StatusBadRequest {
		return fmt.Errorf("chromedp navigate %s: status %d", finalURL, status)
	}
	if err := fn(taskCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// scrollUntilStable calls step until it reports the same count stableRounds times in a row or
// maxRounds is reached. It returns the number of rounds performed.
func scrollUntilStable(ctx context.Context, maxRounds int, step func(context.Context) (int, error)) (int, error) {
	last, same := 0, 0
	for round := 1; round <= maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return round - 1, err
		}
		count, err := step(ctx)
		if err != nil {
			return round, err
		}
		if count == last {
			same++
			if same >= stableRounds {
				return round, nil
			}
			continue
		}
		same = 0
		last = count
	}
	return maxRounds, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (f *Fetcher) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// responseMeta records the main document response seen during navigation.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	// Redirect hops and iframes also arrive as documents; the first one is the page itself.
	if m.status == 0 {
		m.status = int(event.Response.Status)
		m.url = event.Response.URL
	}
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL string) (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, url := m.status, m.url
	if url == "" {
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
