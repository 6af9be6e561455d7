// Package media holds the naming rules shared by every storage tier.
package media

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Kind is the media class of an item.
type Kind string

// Supported kinds.
const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Folder returns the per-gallery sub folder for the kind.
func (k Kind) Folder() string {
	if k == KindVideo {
		return "videos"
	}
	return "images"
}

// GalleryName derives the gallery's short name from its URL: the last non-empty path segment.
func GalleryName(galleryURL string) string {
	u, err := url.Parse(strings.TrimSpace(galleryURL))
	if err != nil || u.Path == "" {
		return sanitize(strings.Trim(galleryURL, "/"))
	}
	return sanitize(path.Base(strings.Trim(u.Path, "/")))
}

func sanitize(name string) string {
	name = strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(name)
	if name == "" || name == "." {
		return "gallery"
	}
	return name
}

// Stem is the file name without extension: {gallery}-{index}.
func Stem(gallery string, index int) string {
	return fmt.Sprintf("%s-%d", gallery, index)
}

// RelPath joins the kind folder and a file name, the key used by the archive and remote tiers.
func RelPath(kind Kind, filename string) string {
	return kind.Folder() + "/" + filename
}

// RemoteKey is the object key for gallery/kind/filename.
func RemoteKey(gallery string, kind Kind, filename string) string {
	return gallery + "/" + RelPath(kind, filename)
}

// videoURLPattern matches absolute URLs ending in a known video container extension.
var videoURLPattern = regexp.MustCompile(`(?i)https?://[^\s"'<>]+\.(?:mp4|webm|mkv|mov|avi|flv|m4v|wmv|ts|mpeg|mpg)(?:[/?#][^\s"'<>]*)?`)

var videoExtPattern = regexp.MustCompile(`(?i)\.(?:mp4|webm|mkv|mov|avi|flv|m4v|wmv|ts|mpeg|mpg)(?:[/?#]|$)`)

// HasVideoExtension reports whether the URL points at a video container directly.
func HasVideoExtension(rawURL string) bool {
	return videoExtPattern.MatchString(rawURL)
}

// FindVideoURLs returns every direct video URL found in text, in order of appearance.
func FindVideoURLs(text string) []string {
	return videoURLPattern.FindAllString(text, -1)
}

// MatchesStem reports whether filename is stem plus an extension, optionally with a collision
// suffix such as "(2)" between them.
func MatchesStem(filename, stem string) bool {
	base := strings.TrimSuffix(filename, path.Ext(filename))
	return base == stem || strings.HasPrefix(base, stem+"(")
}

// Extensions lists the extensions probed for kind on tiers that cannot be listed, most common
// first.
func Extensions(kind Kind) []string {
	if kind == KindVideo {
		return []string{".mp4", ".webm", ".mkv", ".mov", ".avi"}
	}
	return []string{".jpg", ".png", ".webp", ".gif", ".jpeg"}
}
