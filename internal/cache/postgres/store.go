// Package postgres implements cache.Store on a shared Postgres database via pgxpool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-crawler/internal/cache"
	"github.com/JakeFAU/gallery-crawler/internal/clock/system"
	"github.com/JakeFAU/gallery-crawler/internal/media"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store needs, satisfied by pgxmock in tests.
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store is a cache.Store backed by Postgres.
type Store struct {
	pool   pool
	clock  cache.Clock
	logger *zap.Logger
}

// New connects to Postgres and applies the schema.
func New(ctx context.Context, cfg Config, clock cache.Clock, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("cache.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, clock, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, clock cache.Clock, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: p, clock: clock, logger: logger}, nil
}

// Migrate applies the cache schema statement by statement.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(cache.Schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// LookupTagGalleries returns the cached gallery URLs for tag when every row is fresh.
func (s *Store) LookupTagGalleries(ctx context.Context, tag string, ttlDays int) ([]string, bool, error) {
	tag = cache.NormalizeTag(tag)
	rows, err := s.pool.Query(ctx,
		`SELECT gallery, scanned_at FROM tag_gallery WHERE tag = $1 ORDER BY ctid`, tag)
	if err != nil {
		return nil, false, fmt.Errorf("query tag galleries: %w", err)
	}
	defer rows.Close()

	now := s.clock.Now()
	var urls []string
	stale := false
	for rows.Next() {
		var (
			gallery   string
			scannedAt int64
		)
		if err := rows.Scan(&gallery, &scannedAt); err != nil {
			return nil, false, fmt.Errorf("scan tag gallery: %w", err)
		}
		if !cache.Fresh(now, scannedAt, ttlDays) {
			stale = true
		}
		urls = append(urls, gallery)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate tag galleries: %w", err)
	}
	if stale || len(urls) == 0 {
		return nil, false, nil
	}
	return urls, true, nil
}

// StoreTagGalleries replaces every mapping for tag.
func (s *Store) StoreTagGalleries(ctx context.Context, tag string, urls []string) error {
	tag = cache.NormalizeTag(tag)
	now := s.clock.Now().Unix()
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM tag_gallery WHERE tag = $1`, tag); err != nil {
			return fmt.Errorf("delete tag galleries: %w", err)
		}
		for _, u := range urls {
			if _, err := tx.Exec(ctx,
				`INSERT INTO tag_gallery (tag, gallery, scanned_at) VALUES ($1, $2, $3)`,
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
	err := s.pool.QueryRow(ctx,
		`SELECT scanned_at FROM galleries WHERE gallery = $1`, gallery).Scan(&scannedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("query gallery: %w", err)
	}
	if !cache.Fresh(s.clock.Now(), scannedAt, ttlDays) {
		return nil, false, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT idx, kind, html FROM gallery_items WHERE gallery = $1 ORDER BY idx, kind`, gallery)
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
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM gallery_items WHERE gallery = $1`, gallery); err != nil {
			return fmt.Errorf("delete gallery items: %w", err)
		}
		for _, it := range items {
			if _, err := tx.Exec(ctx,
				`INSERT INTO gallery_items (gallery, idx, kind, html) VALUES ($1, $2, $3, $4)`,
				gallery, it.Index, string(it.Kind), it.HTML); err != nil {
				return fmt.Errorf("insert gallery item: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO galleries (gallery, raw_box_count, box_count, img_count, vid_count, scanned_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (gallery) DO UPDATE SET
	raw_box_count = EXCLUDED.raw_box_count,
	box_count     = EXCLUDED.box_count,
	img_count     = EXCLUDED.img_count,
	vid_count     = EXCLUDED.vid_count,
	scanned_at    = EXCLUDED.scanned_at`,
			gallery, sum.RawBoxCount, sum.BoxCount, sum.ImageCount, sum.VideoCount, now); err != nil {
			return fmt.Errorf("upsert gallery: %w", err)
		}
		return nil
	})
	if err != nil {
		return cache.Summary{}, err
	}
	return sum, nil
}

// AddHistoryTags records tags with the current timestamp.
func (s *Store) AddHistoryTags(ctx context.Context, tags []string) error {
	now := s.clock.Now().Unix()
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, t := range tags {
			if _, err := tx.Exec(ctx, `
INSERT INTO history_tags (tag, added_at) VALUES ($1, $2)
ON CONFLICT (tag) DO UPDATE SET added_at = EXCLUDED.added_at`,
				cache.NormalizeTag(t), now); err != nil {
				return fmt.Errorf("insert history tag: %w", err)
			}
		}
		return nil
	})
}

// LastHistoryTags returns the n most recent tags, newest first; n <= 0 returns all, oldest first.
func (s *Store) LastHistoryTags(ctx context.Context, n int) ([]string, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if n <= 0 {
		rows, err = s.pool.Query(ctx, `SELECT tag FROM history_tags ORDER BY added_at ASC, tag ASC`)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT tag FROM history_tags ORDER BY added_at DESC, tag ASC LIMIT $1`, n)
	}
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	tags, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect history: %w", err)
	}
	return tags, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
