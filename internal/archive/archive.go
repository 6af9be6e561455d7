// Package archive implements the append-only media bundle used as a portable cache tier.
//
// File layout:
//
//	[blob bytes ...][index json][u64 big-endian index length]["BNDLIDX"]
//
// Every SaveIndex appends a fresh index and footer; only the last footer is read.
package archive

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-crawler/internal/media"
)

const (
	magic      = "BNDLIDX"
	footerSize = 8 + len(magic)
)

// Kind labels an archived blob.
type Kind string

// Supported kinds. KindOther covers anything without a known media extension.
const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindOther Kind = "other"
)

// Folder returns the relative folder used for the kind ("images" or "videos").
func (k Kind) Folder() string {
	if k == KindVideo {
		return "videos"
	}
	return "images"
}

var (
	videoExts = map[string]struct{}{".mp4": {}, ".webm": {}, ".mkv": {}, ".avi": {}, ".mov": {}}
	imageExts = map[string]struct{}{".jpg": {}, ".jpeg": {}, ".png": {}, ".webp": {}, ".gif": {}}
)

// ErrNotFound is returned by ReadFile when the gallery or file is not indexed.
var ErrNotFound = errors.New("archive entry not found")

// ErrBadEntry is returned by ReadFile when an entry points outside the bundle.
var ErrBadEntry = errors.New("archive entry out of range")

// KindForName infers the kind from a file extension.
func KindForName(name string) Kind {
	ext := strings.ToLower(path.Ext(name))
	if _, ok := videoExts[ext]; ok {
		return KindVideo
	}
	if _, ok := imageExts[ext]; ok {
		return KindImage
	}
	return KindOther
}

// IsMedia reports whether the file name carries a known image or video extension.
func IsMedia(name string) bool {
	return KindForName(name) != KindOther
}

// Entry locates one blob inside the archive file.
type Entry struct {
	Offset int64 `json:"offset"`
	Size   int64 `json:"size"`
	Type   Kind  `json:"type"`
}

type galleryIndex struct {
	Files map[string]Entry `json:"files"`
}

type index struct {
	Galleries map[string]*galleryIndex `json:"galleries"`
}

func emptyIndex() index {
	return index{Galleries: map[string]*galleryIndex{}}
}

// Archive is a single bundle file plus its in-memory index. Reads are safe from any
// goroutine; AddFile and SaveIndex are expected to be driven by one coordinator per gallery.
type Archive struct {
	path   string
	logger *zap.Logger

	mu   sync.RWMutex
	file *os.File
	end  int64
	idx  index
}

// Open opens (creating if needed) the bundle at path and loads its trailing index.
// A damaged footer or index never fails Open; it yields an empty index.
func Open(filePath string, logger *zap.Logger) (*Archive, error) {
	if strings.TrimSpace(filePath) == "" {
		return nil, fmt.Errorf("archive path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0o600) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	a := &Archive{
		path:   filePath,
		logger: logger,
		file:   f,
		end:    info.Size(),
	}
	a.idx = a.loadIndex()
	logger.Debug("archive opened",
		zap.String("path", filePath),
		zap.Int64("bytes", a.end),
		zap.Int("galleries", len(a.idx.Galleries)),
	)
	return a, nil
}

func (a *Archive) loadIndex() index {
	size := a.end
	if size < int64(footerSize) {
		return emptyIndex()
	}
	footer := make([]byte, footerSize)
	if _, err := a.file.ReadAt(footer, size-int64(footerSize)); err != nil {
		a.logger.Warn("archive footer unreadable, starting empty", zap.Error(err))
		return emptyIndex()
	}
	if string(footer[8:]) != magic {
		a.logger.Warn("archive footer magic mismatch, starting empty", zap.String("path", a.path))
		return emptyIndex()
	}
	length := binary.BigEndian.Uint64(footer[:8])
	available := uint64(size - int64(footerSize))
	if length == 0 || length > available {
		a.logger.Warn("archive index length invalid, starting empty", zap.Uint64("length", length))
		return emptyIndex()
	}
	raw := make([]byte, length)
	if _, err := a.file.ReadAt(raw, int64(available-length)); err != nil {
		a.logger.Warn("archive index unreadable, starting empty", zap.Error(err))
		return emptyIndex()
	}
	idx := emptyIndex()
	if err := json.Unmarshal(raw, &idx); err != nil {
		a.logger.Warn("archive index json invalid, starting empty", zap.Error(err))
		return emptyIndex()
	}
	if idx.Galleries == nil {
		idx.Galleries = map[string]*galleryIndex{}
	}
	indexStart := int64(available - length)
	for name, g := range idx.Galleries {
		if g == nil || g.Files == nil {
			idx.Galleries[name] = &galleryIndex{Files: map[string]Entry{}}
			continue
		}
		for rel, e := range g.Files {
			if !e.within(indexStart) {
				a.logger.Warn("archive index entry out of range, starting empty",
					zap.String("gallery", name),
					zap.String("file", rel),
					zap.Int64("offset", e.Offset),
					zap.Int64("size", e.Size),
				)
				return emptyIndex()
			}
		}
	}
	return idx
}

// within reports whether the entry's blob lies entirely before limit.
func (e Entry) within(limit int64) bool {
	return e.Offset >= 0 && e.Size >= 0 && e.Offset <= limit && e.Size <= limit-e.Offset
}

// Path returns the bundle file path.
func (a *Archive) Path() string {
	return a.path
}

// AddFile appends data at the end of the bundle and records it in the in-memory index.
// The on-disk index is untouched until SaveIndex.
func (a *Archive) AddFile(gallery, relPath string, data []byte, kind Kind) error {
	relPath = strings.ReplaceAll(relPath, "\\", "/")
	if gallery == "" || relPath == "" {
		return fmt.Errorf("gallery and path are required")
	}
	if kind == "" {
		kind = KindForName(relPath)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	offset := a.end
	n, err := a.file.WriteAt(data, offset)
	if err != nil {
		return fmt.Errorf("append blob: %w", err)
	}
	a.end += int64(n)

	g, ok := a.idx.Galleries[gallery]
	if !ok {
		g = &galleryIndex{Files: map[string]Entry{}}
		a.idx.Galleries[gallery] = g
	}
	g.Files[relPath] = Entry{Offset: offset, Size: int64(n), Type: kind}
	a.logger.Debug("archive add",
		zap.String("gallery", gallery),
		zap.String("file", relPath),
		zap.Int64("offset", offset),
		zap.Int("size", n),
	)
	return nil
}

// SaveIndex appends the whole in-memory index plus a new footer, making it the tail.
func (a *Archive) SaveIndex() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	body, err := json.Marshal(a.idx)
	if err != nil {
		return fmt.Errorf("marshal archive index: %w", err)
	}
	buf := make([]byte, 0, len(body)+footerSize)
	buf = append(buf, body...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(body)))
	buf = append(buf, magic...)
	n, err := a.file.WriteAt(buf, a.end)
	if err != nil {
		return fmt.Errorf("append archive index: %w", err)
	}
	a.end += int64(n)
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	a.logger.Debug("archive index saved", zap.Int("bytes", len(body)))
	return nil
}

// HasFile looks for an entry under the kind's folder whose stem is prefix, or prefix with
// a collision suffix such as "(2)". It returns the archived relative path.
func (a *Archive) HasFile(gallery, prefix string, kind Kind) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	g, ok := a.idx.Galleries[gallery]
	if !ok {
		return "", false
	}
	folder := kind.Folder() + "/"
	var matches []string
	for name := range g.Files {
		if !strings.HasPrefix(name, folder) {
			continue
		}
		if media.MatchesStem(strings.TrimPrefix(name, folder), prefix) {
			matches = append(matches, name)
		}
	}
	if len(matches) == 0 {
		return "", false
	}
	sort.Strings(matches)
	return matches[0], true
}

// ReadFile returns the bytes stored for gallery/relPath.
func (a *Archive) ReadFile(gallery, relPath string) ([]byte, error) {
	a.mu.RLock()
	entry, ok := a.lookup(gallery, relPath)
	end := a.end
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", gallery, relPath, ErrNotFound)
	}
	if !entry.within(end) {
		return nil, fmt.Errorf("%s/%s: %w", gallery, relPath, ErrBadEntry)
	}
	data := make([]byte, entry.Size)
	if _, err := a.file.ReadAt(data, entry.Offset); err != nil {
		return nil, fmt.Errorf("read archive blob: %w", err)
	}
	return data, nil
}

func (a *Archive) lookup(gallery, relPath string) (Entry, bool) {
	g, ok := a.idx.Galleries[gallery]
	if !ok {
		return Entry{}, false
	}
	e, ok := g.Files[relPath]
	return e, ok
}

// Contains reports whether gallery/relPath is indexed.
func (a *Archive) Contains(gallery, relPath string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.lookup(gallery, relPath)
	return ok
}

// Galleries lists indexed gallery names in sorted order.
func (a *Archive) Galleries() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.idx.Galleries))
	for name := range a.idx.Galleries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Files returns a copy of the entries recorded for gallery.
func (a *Archive) Files(gallery string) map[string]Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	g, ok := a.idx.Galleries[gallery]
	if !ok {
		return nil
	}
	out := make(map[string]Entry, len(g.Files))
	for k, v := range g.Files {
		out[k] = v
	}
	return out
}

// Close releases the underlying file. Index changes not saved are discarded.
func (a *Archive) Close() error {
	if a == nil || a.file == nil {
		return nil
	}
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}
