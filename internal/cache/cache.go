// Package cache defines the metadata cache: tag to gallery lookups and classified gallery
// items, both gated by a time-to-live measured in days.
package cache

import (
	"context"
	"strings"
	"time"

	"github.com/JakeFAU/gallery-crawler/internal/media"
)

// SecondsPerDay converts TTL days to the unit stored in scanned_at.
const SecondsPerDay = 86400

// Item is one classified box of a gallery. A box that is both an image and a video yields
// two Items sharing Index.
type Item struct {
	Index int
	Kind  media.Kind
	HTML  string
}

// Summary aggregates a stored gallery.
type Summary struct {
	RawBoxCount int
	BoxCount    int
	ImageCount  int
	VideoCount  int
}

// Store is the metadata cache contract. Implementations replace rows wholesale
// (delete then insert) and never take a global lock across galleries.
type Store interface {
	LookupTagGalleries(ctx context.Context, tag string, ttlDays int) ([]string, bool, error)
	StoreTagGalleries(ctx context.Context, tag string, urls []string) error
	LookupGalleryItems(ctx context.Context, gallery string, ttlDays int) ([]Item, bool, error)
	StoreGalleryItems(ctx context.Context, gallery string, snippets []string) (Summary, error)
	AddHistoryTags(ctx context.Context, tags []string) error
	LastHistoryTags(ctx context.Context, n int) ([]string, error)
	Close() error
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// NormalizeTag lower-cases and trims a tag.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// Fresh reports whether scannedAt (unix seconds) is within ttlDays of now.
// A ttlDays of zero or less disables the cache.
func Fresh(now time.Time, scannedAt int64, ttlDays int) bool {
	if ttlDays <= 0 {
		return false
	}
	return now.Unix()-scannedAt <= int64(ttlDays)*SecondsPerDay
}

// Snippets rebuilds the index-ordered raw snippet list from items, one entry per index.
func Snippets(items []Item) map[int]string {
	out := make(map[int]string, len(items))
	for _, it := range items {
		if _, ok := out[it.Index]; !ok {
			out[it.Index] = it.HTML
		}
	}
	return out
}
