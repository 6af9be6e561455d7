package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/JakeFAU/gallery-crawler/internal/downloader"
	"github.com/JakeFAU/gallery-crawler/internal/hydrate"
	"github.com/JakeFAU/gallery-crawler/internal/media"
	"github.com/JakeFAU/gallery-crawler/internal/progress"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeTags struct {
	mu    sync.Mutex
	links map[string][]string
	errs  map[string]error
	calls int
}

func (f *fakeTags) GalleryLinks(_ context.Context, tag string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[tag]; err != nil {
		return nil, err
	}
	return f.links[tag], nil
}

func (f *fakeTags) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeScanner struct {
	mu       sync.Mutex
	snippets map[string][]string
	errs     map[string]error
	calls    int
}

func (f *fakeScanner) ScanGallery(_ context.Context, galleryURL string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[galleryURL]; err != nil {
		return nil, err
	}
	return f.snippets[galleryURL], nil
}

func (f *fakeScanner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// diskFetcher writes fixed bytes where the real downloader would.
type diskFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *diskFetcher) Fetch(_ context.Context, req downloader.Request) (downloader.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	ext := ".jpg"
	if req.Kind == media.KindVideo {
		ext = ".mp4"
	}
	name := fmt.Sprintf("%s-%d%s", req.Gallery, req.Index, ext)
	if err := os.MkdirAll(req.DestDir, 0o750); err != nil {
		return downloader.Result{}, err
	}
	p := filepath.Join(req.DestDir, name)
	data := []byte(req.URL)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return downloader.Result{}, err
	}
	return downloader.Result{Path: p, Filename: name, Size: int64(len(data)), Attempts: 1}, nil
}

func (f *diskFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type directResolver struct{}

func (directResolver) Resolve(_ context.Context, pageURL string) (string, error) {
	return pageURL + ".mp4", nil
}

type fakeHydrator struct {
	mu        sync.Mutex
	hydrated  []hydrate.Item
	located   []hydrate.Item
	onHydrate func(hydrate.Item) (hydrate.Outcome, error)
}

func (f *fakeHydrator) Hydrate(_ context.Context, it hydrate.Item) (hydrate.Outcome, error) {
	f.mu.Lock()
	f.hydrated = append(f.hydrated, it)
	fn := f.onHydrate
	f.mu.Unlock()
	if fn != nil {
		return fn(it)
	}
	return hydrate.Outcome{Tier: hydrate.TierNetwork}, nil
}

func (f *fakeHydrator) Locate(_ context.Context, it hydrate.Item) (hydrate.Tier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.located = append(f.located, it)
	return hydrate.TierNetwork, nil
}

func (f *fakeHydrator) galleries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, it := range f.hydrated {
		if len(out) == 0 || out[len(out)-1] != it.Gallery {
			out = append(out, it.Gallery)
		}
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) stage(s progress.Stage) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, e := range r.events {
		if e.Stage == s {
			out = append(out, e)
		}
	}
	return out
}

func imageBox(src string) string {
	return fmt.Sprintf(`<div><a href="/post/x"><img src="%s"></a></div>`, src)
}

func videoBox(href, thumb string) string {
	return fmt.Sprintf(`<div><a href="%s"><img src="/static/icon-play.svg"><img src="%s"></a></div>`, href, thumb)
}
