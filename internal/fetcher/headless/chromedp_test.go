package headless

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1}, nil)
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2}, nil)
	require.NoError(t, err)
	defer fetcher.Close()
	assert.Equal(t, 2, cap(fetcher.limiter))
	assert.Equal(t, time.Second, fetcher.cfg.ScrollDelay)
	assert.Equal(t, defaultMaxRounds, fetcher.cfg.MaxScrollRounds)
}

func TestFetcherNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{}
	assert.Equal(t, 45*time.Second, fetcher.navTimeout())
	fetcher.cfg.NavigationTimeout = time.Second
	assert.Equal(t, time.Second, fetcher.navTimeout())
}

func TestScrollUntilStableStopsAfterTwoEqualRounds(t *testing.T) {
	t.Parallel()

	counts := []int{12, 24, 30, 30, 30, 99}
	calls := 0
	rounds, err := scrollUntilStable(context.Background(), 100, func(context.Context) (int, error) {
		c := counts[calls]
		calls++
		return c, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, rounds)
	assert.Equal(t, 5, calls)
}

func TestScrollUntilStableEmptyPage(t *testing.T) {
	t.Parallel()

	rounds, err := scrollUntilStable(context.Background(), 100, func(context.Context) (int, error) {
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rounds)
}

func TestScrollUntilStableIsBounded(t *testing.T) {
	t.Parallel()

	n := 0
	rounds, err := scrollUntilStable(context.Background(), 7, func(context.Context) (int, error) {
		n++
		return n, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, rounds)
}

func TestScrollUntilStablePropagatesErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	_, err := scrollUntilStable(context.Background(), 5, func(context.Context) (int, error) {
		return 0, boom
	})
	require.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = scrollUntilStable(ctx, 5, func(context.Context) (int, error) {
		t.Fatal("step must not run after cancel")
		return 0, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSleepCtxCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
	require.NoError(t, sleepCtx(context.Background(), time.Millisecond))
}

func TestNetworkHeaders(t *testing.T) {
	t.Parallel()

	netHeaders := toNetworkHeaders(http.Header{"X-Test": {"a", "b"}, "Referer": {"https://r"}, "Empty": nil})
	assert.Equal(t, []string{"a", "b"}, netHeaders["X-Test"])
	assert.Equal(t, "https://r", netHeaders["Referer"])
	assert.NotContains(t, netHeaders, "Empty")
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 500, URL: "https://example.com/a.png"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404, URL: "https://example.com/gallery"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://ads.example/frame"},
	})
	status, url := meta.snapshotWithFallbacks("https://req")
	assert.Equal(t, 404, status)
	assert.Equal(t, "https://example.com/gallery", url)

	status, url = newResponseMeta().snapshotWithFallbacks("https://req")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "https://req", url)
}

func TestNoopFetcherErrors(t *testing.T) {
	t.Parallel()

	fetcher := NewNoop()
	_, err := fetcher.ScanGallery(context.Background(), "https://g")
	require.ErrorIs(t, err, ErrDisabled)
	_, err = fetcher.ProbeVideoSource(context.Background(), "https://e")
	require.ErrorIs(t, err, ErrDisabled)
	_, err = fetcher.RenderPage(context.Background(), "https://v")
	require.ErrorIs(t, err, ErrDisabled)
}
