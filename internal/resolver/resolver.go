// Package resolver turns a video page into a direct, downloadable video URL.
package resolver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-crawler/internal/media"
)

// ErrNoCandidate means the page offered nothing playable. Callers skip the item.
var ErrNoCandidate = errors.New("no playable video candidate")

// ServerButtonSelector matches the player's server switch buttons, whose value is a base64
// encoded URL carrying the real source in its file= parameter.
const ServerButtonSelector = "button.sv-change[value]"

var embedMarkers = []string{"dood.", "embed-", "bigwarp.io", "/embed/"}

// BrowserProbe drives a real browser. ProbeVideoSource reports an embed page's player source;
// RenderPage returns a page's markup after its scripts have run.
type BrowserProbe interface {
	ProbeVideoSource(ctx context.Context, pageURL string) (string, error)
	RenderPage(ctx context.Context, pageURL string) (string, error)
}

// Config controls the page client.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Resolver resolves video pages.
type Resolver struct {
	client *resty.Client
	probe  BrowserProbe
	logger *zap.Logger
}

// New builds a Resolver. probe may be nil, in which case embed hosts are never followed.
func New(cfg Config, probe BrowserProbe, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	client := resty.New().SetTimeout(timeout).SetHeader("Accept", "text/html,application/xhtml+xml")
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	return &Resolver{client: client, probe: probe, logger: logger.Named("resolver")}
}

// Resolve loads pageURL and returns the first candidate that is a direct video URL, following
// known embed hosts through the browser probe. When the static markup offers no candidates the
// page is rendered in the browser, since server buttons may be injected by script.
func (r *Resolver) Resolve(ctx context.Context, pageURL string) (string, error) {
	resp, err := r.client.R().SetContext(ctx).SetHeader("Referer", pageURL).Get(pageURL)
	if err != nil {
		return "", fmt.Errorf("load video page: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("load video page %s: status %d", pageURL, resp.StatusCode())
	}
	candidates := Candidates(resp.String())
	if len(candidates) == 0 && r.probe != nil {
		html, err := r.probe.RenderPage(ctx, pageURL)
		switch {
		case err == nil:
			candidates = Candidates(html)
		case ctx.Err() != nil:
			return "", ctx.Err()
		default:
			r.logger.Debug("render video page failed", zap.String("page", pageURL), zap.Error(err))
		}
	}
	src, err := r.pick(ctx, candidates)
	if err != nil {
		return "", err
	}
	if src == "" {
		return "", fmt.Errorf("%s: %w", pageURL, ErrNoCandidate)
	}
	return src, nil
}

// pick returns the first candidate that is, or probes to, a direct video URL.
func (r *Resolver) pick(ctx context.Context, candidates []string) (string, error) {
	for _, candidate := range candidates {
		if media.HasVideoExtension(candidate) {
			return candidate, nil
		}
		if !IsEmbedHost(candidate) || r.probe == nil {
			continue
		}
		src, err := r.probe.ProbeVideoSource(ctx, candidate)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			r.logger.Debug("embed probe failed", zap.String("embed", candidate), zap.Error(err))
			continue
		}
		if media.HasVideoExtension(src) {
			return src, nil
		}
	}
	return "", nil
}

// Candidates lists server URLs found in a video page: decoded server buttons first, then every
// direct video URL in the markup.
func Candidates(html string) []string {
	var out []string
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
		doc.Find(ServerButtonSelector).Each(func(_ int, s *goquery.Selection) {
			if u := decodeServerButton(s.AttrOr("value", "")); u != "" {
				out = append(out, u)
			}
		})
	}
	return append(out, media.FindVideoURLs(html)...)
}

// IsEmbedHost reports whether the URL belongs to a known embed or redirector host.
func IsEmbedHost(u string) bool {
	for _, m := range embedMarkers {
		if strings.Contains(u, m) {
			return true
		}
	}
	return false
}

func decodeServerButton(value string) string {
	decoded, ok := decodeBase64(strings.TrimSpace(value))
	if !ok {
		return ""
	}
	u, err := url.Parse(decoded)
	if err != nil {
		return ""
	}
	return decodeFileParam(u.Query().Get("file"))
}

// decodeFileParam accepts a raw http(s) URL or a base64 encoded one.
func decodeFileParam(raw string) string {
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "http") {
		return raw
	}
	if decoded, ok := decodeBase64(raw); ok && strings.HasPrefix(decoded, "http") {
		return decoded
	}
	return ""
}

func decodeBase64(s string) (string, bool) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return string(b), true
		}
	}
	return "", false
}
