// Package storage defines the remote object tier: an optional store that mirrors archived
// media under {gallery}/images/{file} and {gallery}/videos/{file} keys.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("remote object not found")

// Remote is implemented by the gcs, local and memory blob stores.
type Remote interface {
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Get opens the object for reading. Missing keys yield ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// PutObject uploads the content and returns a URI describing where it landed.
	PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error)
}

// RestoreToDisk copies the object at key to path, creating parent directories. The file only
// appears at path once fully written.
func RestoreToDisk(ctx context.Context, remote Remote, key, path string) (int64, error) {
	rc, err := remote.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, fmt.Errorf("create restore dir: %w", err)
	}
	part := path + ".part"
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // path built from gallery layout
	if err != nil {
		return 0, fmt.Errorf("open restore file: %w", err)
	}
	n, copyErr := io.Copy(f, rc)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(part)
		if copyErr != nil {
			return 0, fmt.Errorf("copy remote object %s: %w", key, copyErr)
		}
		return 0, fmt.Errorf("close restore file: %w", closeErr)
	}
	if err := os.Rename(part, path); err != nil {
		return 0, fmt.Errorf("rename restore file: %w", err)
	}
	return n, nil
}
