package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGalleryName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"https://site.example/gallery/forest-walk-123/", "forest-walk-123"},
		{"https://site.example/forest-walk-123", "forest-walk-123"},
		{"https://site.example/", "gallery"},
		{"plain-name", "plain-name"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GalleryName(tt.in), tt.in)
	}
}

func TestKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "g-7", Stem("g", 7))
	assert.Equal(t, "videos/g-7.mp4", RelPath(KindVideo, "g-7.mp4"))
	assert.Equal(t, "g/images/g-1.jpg", RemoteKey("g", KindImage, "g-1.jpg"))
}

func TestVideoURLHelpers(t *testing.T) {
	t.Parallel()

	assert.True(t, HasVideoExtension("https://cdn.example/v/clip.MP4?token=1"))
	assert.True(t, HasVideoExtension("https://cdn.example/v/clip.webm"))
	assert.False(t, HasVideoExtension("https://cdn.example/e/abc123"))
	assert.False(t, HasVideoExtension("https://cdn.example/mp4s/index.html"))

	html := `<script>var a="https://cdn.example/a.mp4?x=1";</script><a href='http://b.example/b.mov'>b</a>`
	assert.Equal(t, []string{"https://cdn.example/a.mp4?x=1", "http://b.example/b.mov"}, FindVideoURLs(html))
	assert.Empty(t, FindVideoURLs("<p>nothing here</p>"))
}

func TestMatchesStem(t *testing.T) {
	t.Parallel()

	assert.True(t, MatchesStem("g-1.jpg", "g-1"))
	assert.True(t, MatchesStem("g-1(2).png", "g-1"))
	assert.False(t, MatchesStem("g-12.jpg", "g-1"))
	assert.False(t, MatchesStem("g-1-extra.jpg", "g-1"))
	assert.Equal(t, ".mp4", Extensions(KindVideo)[0])
	assert.Equal(t, ".jpg", Extensions(KindImage)[0])
}
