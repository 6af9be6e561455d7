package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// CommitFromDisk walks galleryDir and archives every media file not yet indexed for gallery.
// Relative paths keep the on-disk layout (images/x.jpg, videos/y.mp4). The index is saved
// when at least one file was added. It returns the number of files added.
func (a *Archive) CommitFromDisk(gallery, galleryDir string) (int, error) {
	if _, err := os.Stat(galleryDir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat gallery dir: %w", err)
	}
	added := 0
	err := filepath.WalkDir(galleryDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !IsMedia(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(galleryDir, p)
		if err != nil {
			return fmt.Errorf("relative path: %w", err)
		}
		rel = filepath.ToSlash(rel)
		kind := KindForName(rel)
		stem := strings.TrimSuffix(path.Base(rel), path.Ext(rel))
		if _, ok := a.HasFile(gallery, stem, kind); ok || a.Contains(gallery, rel) {
			return nil
		}
		data, err := os.ReadFile(p) //nolint:gosec // walking our own download tree
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		if err := a.AddFile(gallery, rel, data, kind); err != nil {
			return err
		}
		added++
		return nil
	})
	if err != nil {
		return added, fmt.Errorf("walk gallery dir: %w", err)
	}
	if added > 0 {
		if err := a.SaveIndex(); err != nil {
			return added, err
		}
	}
	a.logger.Info("archive commit from disk",
		zap.String("gallery", gallery),
		zap.Int("added", added),
	)
	return added, nil
}
