// Package downloader fetches one media URL to disk with resume, bounded retries and
// content-sniffed file extensions.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-crawler/internal/archive"
	"github.com/JakeFAU/gallery-crawler/internal/media"
	"github.com/JakeFAU/gallery-crawler/internal/metrics"
)

// Policy is the retry policy. Generic failures (5xx, resets, timeouts) and DNS failures are
// counted separately; a fetch gives up when either ceiling is reached.
type Policy struct {
	MaxAttempts    int
	RetryDelay     time.Duration
	MaxDNSFailures int
	DNSRetryDelay  time.Duration
}

// DefaultPolicy is the only policy used in production: 10 attempts 1s apart, and 10 DNS
// failures 2s apart.
var DefaultPolicy = Policy{
	MaxAttempts:    10,
	RetryDelay:     time.Second,
	MaxDNSFailures: 10,
	DNSRetryDelay:  2 * time.Second,
}

// Config controls the HTTP client.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Request describes one item to fetch. DestDir is the kind folder (images/ or videos/).
type Request struct {
	URL     string
	DestDir string
	Referer string
	Index   int
	Gallery string
	Kind    media.Kind
}

// Result describes the stored file.
type Result struct {
	Path     string
	Filename string
	Size     int64
	Attempts int
}

// Downloader streams media to disk.
type Downloader struct {
	client *resty.Client
	policy Policy
	logger *zap.Logger
}

// New builds a Downloader using DefaultPolicy.
func New(cfg Config, logger *zap.Logger) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "*/*")
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	return &Downloader{client: client, policy: DefaultPolicy, logger: logger.Named("downloader")}
}

var (
	sizeSuffix  = regexp.MustCompile(`:[a-zA-Z]+(\?.*)?$`)
	widthSuffix = regexp.MustCompile(`\?w=\d+$`)
)

// SanitizeURL strips CDN scaling suffixes such as ":large" and a trailing "?w=200".
func SanitizeURL(raw string) string {
	raw = sizeSuffix.ReplaceAllString(raw, "$1")
	return widthSuffix.ReplaceAllString(raw, "")
}

// Fetch downloads req.URL into req.DestDir as {gallery}-{index}{ext}. Partial data survives in
// {gallery}-{index}.tmp between attempts and is resumed with a Range request.
func (d *Downloader) Fetch(ctx context.Context, req Request) (Result, error) {
	target := SanitizeURL(req.URL)
	if err := os.MkdirAll(req.DestDir, 0o750); err != nil {
		return Result{}, fmt.Errorf("create dest dir: %w", err)
	}
	stem := media.Stem(req.Gallery, req.Index)
	tmp := filepath.Join(req.DestDir, stem+".tmp")
	log := d.logger.With(zap.String("gallery", req.Gallery), zap.Int("index", req.Index), zap.String("url", target))

	// Each failed pass bumps exactly one counter, so the loop ends within
	// MaxAttempts+MaxDNSFailures passes.
	var generic, dns int
	for {
		err := d.attempt(ctx, target, tmp, req.Referer)
		if err == nil {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		if errors.Is(err, ErrPermanent) {
			_ = os.Remove(tmp)
			log.Debug("permanent fetch failure", zap.Error(err))
			return Result{}, err
		}
		delay := d.policy.RetryDelay
		reason := "generic"
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			dns++
			delay = d.policy.DNSRetryDelay
			reason = "dns"
		} else {
			generic++
		}
		metrics.ObserveRetry(target, reason)
		log.Debug("fetch attempt failed",
			zap.String("reason", reason),
			zap.Int("attempts", generic),
			zap.Int("dns_failures", dns),
			zap.Error(err),
		)
		if generic >= d.policy.MaxAttempts || dns >= d.policy.MaxDNSFailures {
			return Result{}, &RetryExhaustedError{URL: target, Attempts: generic, DNSFailures: dns, Last: err}
		}
		if err := sleep(ctx, delay); err != nil {
			return Result{}, err
		}
	}

	ext, err := sniffExtension(tmp, req.Kind)
	if err != nil {
		return Result{}, err
	}
	final := uniquePath(filepath.Join(req.DestDir, stem+ext))
	if err := os.Rename(tmp, final); err != nil {
		return Result{}, fmt.Errorf("rename download: %w", err)
	}
	info, err := os.Stat(final)
	if err != nil {
		return Result{}, fmt.Errorf("stat download: %w", err)
	}
	log.Debug("downloaded", zap.String("file", filepath.Base(final)), zap.Int64("bytes", info.Size()))
	return Result{
		Path:     final,
		Filename: filepath.Base(final),
		Size:     info.Size(),
		Attempts: generic + dns + 1,
	}, nil
}

// attempt performs one request, appending to tmp on 206 and rewriting it on 200.
func (d *Downloader) attempt(ctx context.Context, target, tmp, referer string) error {
	var offset int64
	if info, err := os.Stat(tmp); err == nil {
		offset = info.Size()
	}
	r := d.client.R().SetContext(ctx).SetDoNotParseResponse(true)
	if referer != "" {
		r.SetHeader("Referer", referer)
	}
	if offset > 0 {
		r.SetHeader("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}
	resp, err := r.Get(target)
	if resp != nil && resp.RawBody() != nil {
		defer resp.RawBody().Close()
	}
	if err != nil {
		return fmt.Errorf("fetch %s: %w", target, err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	switch code := resp.StatusCode(); {
	case code == http.StatusPartialContent && offset > 0:
		flags |= os.O_APPEND
	case code == http.StatusOK || code == http.StatusPartialContent:
		flags |= os.O_TRUNC
	case code == http.StatusRequestedRangeNotSatisfiable:
		// The partial file no longer matches the remote; start over next attempt.
		_ = os.Remove(tmp)
		return &StatusError{URL: target, Code: code}
	default:
		return &StatusError{URL: target, Code: code}
	}

	f, err := os.OpenFile(tmp, flags, 0o600) //nolint:gosec // path built from gallery name and index
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	_, copyErr := io.Copy(f, resp.RawBody())
	closeErr := f.Close()
	if copyErr != nil {
		return fmt.Errorf("read body: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close temp file: %w", closeErr)
	}
	return nil
}

// sniffExtension picks the file extension from the content. Images fall back to .jpg and
// videos to .mp4; a video that sniffs as an image still gets .mp4.
func sniffExtension(path string, kind media.Kind) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("sniff content: %w", err)
	}
	ext := mt.Extension()
	if ext == ".jpeg" {
		ext = ".jpg"
	}
	sniffed := archive.KindForName("x" + ext)
	switch kind {
	case media.KindVideo:
		if sniffed != archive.KindVideo {
			return ".mp4", nil
		}
	default:
		if sniffed == archive.KindOther {
			return ".jpg", nil
		}
	}
	return ext, nil
}

// uniquePath appends (2), (3), ... to the stem until the path is free.
func uniquePath(p string) string {
	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		return p
	}
	ext := filepath.Ext(p)
	base := p[:len(p)-len(ext)]
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s(%d)%s", base, n, ext)
		if _, err := os.Stat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
