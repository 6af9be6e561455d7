package headless

import (
	"context"
	"errors"
)

// ErrDisabled is returned by Noop for every call.
var ErrDisabled = errors.New("headless browser disabled")

// Noop stands in for the chromedp fetcher when headless browsing is turned off. Galleries and
// embeds that are not already cached then fail individually instead of launching Chrome.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// ScanGallery always fails with ErrDisabled.
func (Noop) ScanGallery(_ context.Context, _ string) ([]string, error) {
	return nil, ErrDisabled
}

// ProbeVideoSource always fails with ErrDisabled.
func (Noop) ProbeVideoSource(_ context.Context, _ string) (string, error) {
	return "", ErrDisabled
}

// RenderPage always fails with ErrDisabled.
func (Noop) RenderPage(_ context.Context, _ string) (string, error) {
	return "", ErrDisabled
}

// Close is a no-op.
func (Noop) Close() {}
