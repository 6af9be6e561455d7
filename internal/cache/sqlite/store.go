// Package sqlite implements cache.Store on an embedded SQLite file via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/gallery-crawler/internal/cache"
	"github.com/JakeFAU/gallery-crawler/internal/clock/system"
	"github.com/JakeFAU/gallery-crawler/internal/media"
)

// Config controls where the database lives and how long writers wait on a busy file.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Store is a cache.Store backed by SQLite in WAL mode.
type Store struct {
	db     *sql.DB
	clock  cache.Clock
	logger *zap.Logger
}

// Open opens (creating if needed) the database and applies the schema.
func Open(ctx context.Context, cfg Config, clock cache.Clock, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 10 * time.Second
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if cfg.Path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, cache.Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, clock: clock, logger: logger}, nil
}

func dsn(cfg Config) string {
	pragmas := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()),
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_pragma=foreign_keys(ON)",
		"_txlock=immediate",
	}
	if cfg.Path == ":memory:" {
		return "file::memory:?" + strings.Join(pragmas[:1], "&")
	}
	return "file:" + cfg.Path + "?" + strings.Join(pragmas, "&")
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// LookupTagGalleries returns the cached gallery URLs for tag when every row is fresh.
func (s *Store) LookupTagGalleries(ctx context.Context, tag string, ttlDays int) ([]string, bool, error) {
	tag = cache.NormalizeTag(tag)
	rows, err := s.db.QueryContext(ctx,
		`SELECT gallery, scanned_at FROM tag_gallery WHERE tag = ? ORDER BY rowid`, tag)
	if err != nil {
		return nil, false, fmt.Errorf("query tag galleries: %w", err)
	}
	defer rows.Close()

	now := s.clock.Now()
	var urls []string
	for rows.Next() {
		var (
			gallery   string
			scannedAt int64
		)
		if err := rows.Scan(&gallery, &scannedAt); err != nil {
			return nil, false, fmt.Errorf("scan tag gallery: %w", err)
		}
		if !cache.Fresh(now, scannedAt, ttlDays) {
			return nil, false, nil
		}
		urls = append(urls, gallery)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate tag galleries: %w", err)
	}
	if len(urls) == 0 {
		return nil, false, nil
	}
	return urls, true, nil
}

// StoreTagGalleries replaces every mapping for tag.
func (s *Store) StoreTagGalleries(ctx context.Context, tag string, urls []string) error {
	tag = cache.NormalizeTag(tag)
	now := s.clock.Now().Unix()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tag_gallery WHERE tag = ?`, tag); err != nil {
			return fmt.Errorf("delete tag galleries: %w", err)
		}
		for _, u := range urls {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO tag_gallery (tag, gallery, scanned_at) VALUES (?, ?, ?)`,
				tag, u, now); err != nil {
				return fmt.Errorf("insert tag gallery: %w", err)
			}
		}
		return nil
	})
}

// LookupGalleryItems returns the classified items for gallery when its row is fresh.
func (s *Store) LookupGalleryItems(ctx context.Context, gallery string, ttlDays int) ([]cache.Item, bool, error) {
	var scannedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT scanned_at FROM galleries WHERE gallery = ?`, gallery).Scan(&scannedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("query gallery: %w", err)
	}
	if !cache.Fresh(s.clock.Now(), scannedAt, ttlDays) {
		return nil, false, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, kind, html FROM gallery_items WHERE gallery = ? ORDER BY idx, kind`, gallery)
	if err != nil {
		return nil, false, fmt.Errorf("query gallery items: %w", err)
	}
	defer rows.Close()
	var items []cache.Item
	for rows.Next() {
		var (
			it   cache.Item
			kind string
		)
		if err := rows.Scan(&it.Index, &kind, &it.HTML); err != nil {
			return nil, false, fmt.Errorf("scan gallery item: %w", err)
		}
		it.Kind = media.Kind(kind)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate gallery items: %w", err)
	}
	if len(items) == 0 {
		return nil, false, nil
	}
	return items, true, nil
}

// StoreGalleryItems classifies snippets and replaces the gallery's items and metadata row.
func (s *Store) StoreGalleryItems(ctx context.Context, gallery string, snippets []string) (cache.Summary, error) {
	items, sum := cache.Classify(snippets)
	now := s.clock.Now().Unix()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM gallery_items WHERE gallery = ?`, gallery); err != nil {
			return fmt.Errorf("delete gallery items: %w", err)
		}
		for _, it := range items {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO gallery_items (gallery, idx, kind, html) VALUES (?, ?, ?, ?)`,
				gallery, it.Index, string(it.Kind), it.HTML); err != nil {
				return fmt.Errorf("insert gallery item: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO galleries (gallery, raw_box_count, box_count, img_count, vid_count, scanned_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(gallery) DO UPDATE SET
	raw_box_count = excluded.raw_box_count,
	box_count     = excluded.box_count,
	img_count     = excluded.img_count,
	vid_count     = excluded.vid_count,
	scanned_at    = excluded.scanned_at`,
			gallery, sum.RawBoxCount, sum.BoxCount, sum.ImageCount, sum.VideoCount, now); err != nil {
			return fmt.Errorf("upsert gallery: %w", err)
		}
		return nil
	})
	if err != nil {
		return cache.Summary{}, err
	}
	s.logger.Debug("gallery cached",
		zap.String("gallery", gallery),
		zap.Int("boxes", sum.BoxCount),
		zap.Int("images", sum.ImageCount),
		zap.Int("videos", sum.VideoCount),
	)
	return sum, nil
}

// AddHistoryTags records tags with the current timestamp.
func (s *Store) AddHistoryTags(ctx context.Context, tags []string) error {
	now := s.clock.Now().Unix()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tags {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO history_tags (tag, added_at) VALUES (?, ?)
ON CONFLICT(tag) DO UPDATE SET added_at = excluded.added_at`,
				cache.NormalizeTag(t), now); err != nil {
				return fmt.Errorf("insert history tag: %w", err)
			}
		}
		return nil
	})
}

// LastHistoryTags returns the n most recent tags, newest first. n <= 0 returns every tag,
// oldest first.
func (s *Store) LastHistoryTags(ctx context.Context, n int) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if n <= 0 {
		rows, err = s.db.QueryContext(ctx, `SELECT tag FROM history_tags ORDER BY added_at ASC, tag ASC`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT tag FROM history_tags ORDER BY added_at DESC, tag ASC LIMIT ?`, n)
	}
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan history tag: %w", err)
		}
		tags = append(tags, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return tags, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
