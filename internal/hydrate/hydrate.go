// Package hydrate locates or produces one media item by walking the storage tiers in order:
// local disk, archive, remote object store, network. A hit on a slower tier is written back to
// the faster tiers it skipped.
//
// Archive writes are never performed here. They are returned in Outcome so the gallery's
// coordinating goroutine can apply them serially.
package hydrate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-crawler/internal/archive"
	"github.com/JakeFAU/gallery-crawler/internal/downloader"
	"github.com/JakeFAU/gallery-crawler/internal/media"
	"github.com/JakeFAU/gallery-crawler/internal/metrics"
	"github.com/JakeFAU/gallery-crawler/internal/storage"
)

// Tier names where an item was found.
type Tier string

// Tiers in lookup order.
const (
	TierDisk    Tier = "disk"
	TierArchive Tier = "archive"
	TierRemote  Tier = "remote"
	TierNetwork Tier = "network"
)

// Item is one expected media asset.
type Item struct {
	Tag        string
	Gallery    string
	GalleryURL string
	Index      int
	Kind       media.Kind
	// URL is the image URL, or the video page URL for videos.
	URL string
}

// Outcome reports how an item was satisfied.
type Outcome struct {
	Tier    Tier
	Path    string
	RelPath string
	Size    int64
	// ArchiveData, when non-nil, must be recorded in the archive under RelPath.
	ArchiveData []byte
}

// Fetcher downloads one URL to disk.
type Fetcher interface {
	Fetch(ctx context.Context, req downloader.Request) (downloader.Result, error)
}

// Resolver turns a video page into a direct video URL.
type Resolver interface {
	Resolve(ctx context.Context, pageURL string) (string, error)
}

// Deps are the tiers and network clients. Archive and Remote are optional.
type Deps struct {
	Archive  *archive.Archive
	Remote   storage.Remote
	Fetcher  Fetcher
	Resolver Resolver
}

// Hydrator resolves items against the tiers rooted at Root.
type Hydrator struct {
	root   string
	deps   Deps
	logger *zap.Logger
}

// New builds a Hydrator writing below root ({root}/{tag}/{gallery}/images|videos).
func New(root string, deps Deps, logger *zap.Logger) *Hydrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hydrator{root: root, deps: deps, logger: logger.Named("hydrate")}
}

// GalleryDir returns the on-disk folder of a gallery.
func (h *Hydrator) GalleryDir(tag, gallery string) string {
	return filepath.Join(h.root, tag, gallery)
}

func (h *Hydrator) kindDir(it Item) string {
	return filepath.Join(h.GalleryDir(it.Tag, it.Gallery), it.Kind.Folder())
}

// Hydrate makes the item present on disk and reports the tier that satisfied it.
func (h *Hydrator) Hydrate(ctx context.Context, it Item) (Outcome, error) {
	metrics.IncActiveDownloads()
	defer metrics.DecActiveDownloads()

	out, err := h.hydrate(ctx, it)
	if err != nil {
		metrics.ObserveDownload(string(it.Kind), "failed", 0)
		return out, err
	}
	metrics.ObserveTier(string(out.Tier))
	var written int64
	if out.Tier == TierNetwork {
		written = out.Size
	}
	metrics.ObserveDownload(string(it.Kind), string(out.Tier), written)
	return out, nil
}

func (h *Hydrator) hydrate(ctx context.Context, it Item) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	dir := h.kindDir(it)
	stem := media.Stem(it.Gallery, it.Index)
	log := h.logger.With(zap.String("gallery", it.Gallery), zap.Int("index", it.Index), zap.String("kind", string(it.Kind)))

	if name, ok, err := findOnDisk(dir, stem); err != nil {
		return Outcome{}, err
	} else if ok {
		return h.fromDisk(it, dir, name, stem)
	}

	if out, ok, err := h.fromArchive(it, dir, stem); err != nil {
		log.Warn("archive restore failed, trying next tier", zap.Error(err))
	} else if ok {
		return out, nil
	}

	if out, ok, err := h.fromRemote(ctx, it, dir, stem); err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		log.Warn("remote restore failed, trying network", zap.Error(err))
	} else if ok {
		return out, nil
	}

	return h.fromNetwork(ctx, it, dir)
}

// Locate reports which tier would satisfy the item without writing anything.
func (h *Hydrator) Locate(ctx context.Context, it Item) (Tier, error) {
	stem := media.Stem(it.Gallery, it.Index)
	if _, ok, err := findOnDisk(h.kindDir(it), stem); err != nil {
		return "", err
	} else if ok {
		return TierDisk, nil
	}
	if h.deps.Archive != nil {
		if _, ok := h.deps.Archive.HasFile(it.Gallery, stem, archive.Kind(it.Kind)); ok {
			return TierArchive, nil
		}
	}
	if h.deps.Remote != nil {
		if _, ok, err := h.remoteKey(ctx, it, stem); err != nil {
			return "", err
		} else if ok {
			return TierRemote, nil
		}
	}
	return TierNetwork, nil
}

func (h *Hydrator) fromDisk(it Item, dir, name, stem string) (Outcome, error) {
	rel := media.RelPath(it.Kind, name)
	p := filepath.Join(dir, name)
	out := Outcome{Tier: TierDisk, Path: p, RelPath: rel}
	a := h.deps.Archive
	if a == nil {
		return out, nil
	}
	if _, ok := a.HasFile(it.Gallery, stem, archive.Kind(it.Kind)); ok {
		return out, nil
	}
	data, err := os.ReadFile(p) //nolint:gosec // path inside the download root
	if err != nil {
		return Outcome{}, fmt.Errorf("read disk hit: %w", err)
	}
	out.ArchiveData = data
	out.Size = int64(len(data))
	return out, nil
}

func (h *Hydrator) fromArchive(it Item, dir, stem string) (Outcome, bool, error) {
	a := h.deps.Archive
	if a == nil {
		return Outcome{}, false, nil
	}
	rel, ok := a.HasFile(it.Gallery, stem, archive.Kind(it.Kind))
	if !ok {
		return Outcome{}, false, nil
	}
	data, err := a.ReadFile(it.Gallery, rel)
	if err != nil {
		return Outcome{}, false, err
	}
	p := filepath.Join(dir, path.Base(rel))
	if err := writeAtomic(p, data); err != nil {
		return Outcome{}, false, err
	}
	return Outcome{Tier: TierArchive, Path: p, RelPath: rel, Size: int64(len(data))}, true, nil
}

func (h *Hydrator) remoteKey(ctx context.Context, it Item, stem string) (string, bool, error) {
	for _, ext := range media.Extensions(it.Kind) {
		key := media.RemoteKey(it.Gallery, it.Kind, stem+ext)
		ok, err := h.deps.Remote.Exists(ctx, key)
		if err != nil {
			return "", false, fmt.Errorf("remote exists %s: %w", key, err)
		}
		if ok {
			return key, true, nil
		}
	}
	return "", false, nil
}

func (h *Hydrator) fromRemote(ctx context.Context, it Item, dir, stem string) (Outcome, bool, error) {
	if h.deps.Remote == nil {
		return Outcome{}, false, nil
	}
	key, ok, err := h.remoteKey(ctx, it, stem)
	if err != nil || !ok {
		return Outcome{}, false, err
	}
	name := path.Base(key)
	p := filepath.Join(dir, name)
	n, err := storage.RestoreToDisk(ctx, h.deps.Remote, key, p)
	if err != nil {
		return Outcome{}, false, err
	}
	out := Outcome{Tier: TierRemote, Path: p, RelPath: media.RelPath(it.Kind, name), Size: n}
	if h.deps.Archive != nil {
		data, err := os.ReadFile(p) //nolint:gosec // path inside the download root
		if err != nil {
			return Outcome{}, false, fmt.Errorf("read restored file: %w", err)
		}
		out.ArchiveData = data
	}
	return out, true, nil
}

func (h *Hydrator) fromNetwork(ctx context.Context, it Item, dir string) (Outcome, error) {
	if h.deps.Fetcher == nil {
		return Outcome{}, fmt.Errorf("no downloader configured")
	}
	target, referer := it.URL, it.GalleryURL
	if it.Kind == media.KindVideo {
		if h.deps.Resolver == nil {
			return Outcome{}, fmt.Errorf("no video resolver configured")
		}
		direct, err := h.deps.Resolver.Resolve(ctx, it.URL)
		if err != nil {
			return Outcome{}, fmt.Errorf("resolve video page: %w", err)
		}
		target, referer = direct, it.URL
	}
	start := time.Now()
	res, err := h.deps.Fetcher.Fetch(ctx, downloader.Request{
		URL:     target,
		DestDir: dir,
		Referer: referer,
		Index:   it.Index,
		Gallery: it.Gallery,
		Kind:    it.Kind,
	})
	if err != nil {
		return Outcome{}, err
	}
	rel := media.RelPath(it.Kind, res.Filename)
	out := Outcome{Tier: TierNetwork, Path: res.Path, RelPath: rel, Size: res.Size}
	if h.deps.Archive == nil && h.deps.Remote == nil {
		return out, nil
	}
	data, err := os.ReadFile(res.Path)
	if err != nil {
		return Outcome{}, fmt.Errorf("read download: %w", err)
	}
	if h.deps.Archive != nil {
		out.ArchiveData = data
	}
	if h.deps.Remote != nil {
		key := media.RemoteKey(it.Gallery, it.Kind, res.Filename)
		if _, err := h.deps.Remote.PutObject(ctx, key, mime.TypeByExtension(filepath.Ext(res.Filename)), bytes.NewReader(data)); err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			h.logger.Warn("remote upload failed", zap.String("key", key), zap.Error(err))
		}
	}
	h.logger.Debug("fetched from network",
		zap.String("gallery", it.Gallery),
		zap.Int("index", it.Index),
		zap.Int64("bytes", res.Size),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

// findOnDisk returns the first media file in dir named after stem.
func findOnDisk(dir, stem string) (string, bool, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("list %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !archive.IsMedia(e.Name()) {
			continue
		}
		if media.MatchesStem(e.Name(), stem) {
			return e.Name(), true, nil
		}
	}
	return "", false, nil
}

func writeAtomic(p string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	part := p + ".part"
	if err := os.WriteFile(part, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(p), err)
	}
	if err := os.Rename(part, p); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(p), err)
	}
	return nil
}
