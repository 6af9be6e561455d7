package archive

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Archive, string) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cache", "cache.bundle")
	a, err := Open(p, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, p
}

func TestArchiveRoundTrip(t *testing.T) {
	t.Parallel()

	a, p := openTemp(t)
	files := map[string][]byte{
		"images/forest-1.jpg":  []byte("jpeg-bytes"),
		"images/forest-2.png":  []byte("png"),
		"videos/forest-2.mp4":  []byte("a much longer video payload"),
		"videos/forest-3.webm": {},
	}
	for rel, data := range files {
		require.NoError(t, a.AddFile("forest", rel, data, ""))
	}
	require.NoError(t, a.SaveIndex())
	require.NoError(t, a.Close())

	reopened, err := Open(p, nil)
	require.NoError(t, err)
	defer reopened.Close()

	for rel, want := range files {
		got, err := reopened.ReadFile("forest", rel)
		require.NoError(t, err, rel)
		assert.Equal(t, want, got, rel)
	}
	entries := reopened.Files("forest")
	assert.Equal(t, KindVideo, entries["videos/forest-2.mp4"].Type)
	assert.Equal(t, KindImage, entries["images/forest-2.png"].Type)
}

func TestArchiveFooterLayout(t *testing.T) {
	t.Parallel()

	a, p := openTemp(t)
	require.NoError(t, a.AddFile("g", "images/g-1.jpg", []byte("abc"), KindImage))
	require.NoError(t, a.SaveIndex())

	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	require.Equal(t, "BNDLIDX", string(raw[len(raw)-7:]))
	length := binary.BigEndian.Uint64(raw[len(raw)-15 : len(raw)-7])
	body := raw[len(raw)-15-int(length) : len(raw)-15]
	assert.JSONEq(t,
		`{"galleries":{"g":{"files":{"images/g-1.jpg":{"offset":0,"size":3,"type":"image"}}}}}`,
		string(body),
	)
	assert.Equal(t, "abc", string(raw[:3]))
}

func TestArchiveOnlyLastFooterCounts(t *testing.T) {
	t.Parallel()

	a, p := openTemp(t)
	require.NoError(t, a.AddFile("g", "images/g-1.jpg", []byte("one"), ""))
	require.NoError(t, a.SaveIndex())
	require.NoError(t, a.AddFile("g", "images/g-2.jpg", []byte("two"), ""))
	require.NoError(t, a.SaveIndex())
	require.NoError(t, a.Close())

	reopened, err := Open(p, nil)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.ReadFile("g", "images/g-2.jpg")
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))
	got, err = reopened.ReadFile("g", "images/g-1.jpg")
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))
}

func TestArchiveUnsavedIndexIsLost(t *testing.T) {
	t.Parallel()

	a, p := openTemp(t)
	require.NoError(t, a.AddFile("g", "images/g-1.jpg", []byte("one"), ""))
	require.NoError(t, a.SaveIndex())
	require.NoError(t, a.AddFile("g", "images/g-2.jpg", []byte("two"), ""))
	require.NoError(t, a.Close())

	reopened, err := Open(p, nil)
	require.NoError(t, err)
	defer reopened.Close()
	assert.True(t, reopened.Contains("g", "images/g-1.jpg"))
	assert.False(t, reopened.Contains("g", "images/g-2.jpg"))
}

func TestArchiveCorruptFooterYieldsEmptyIndex(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(raw []byte) []byte
	}{
		{
			name: "bad magic",
			mutate: func(raw []byte) []byte {
				copy(raw[len(raw)-7:], "XXXXXXX")
				return raw
			},
		},
		{
			name: "length too large",
			mutate: func(raw []byte) []byte {
				binary.BigEndian.PutUint64(raw[len(raw)-15:len(raw)-7], uint64(len(raw)))
				return raw
			},
		},
		{
			name: "zero length",
			mutate: func(raw []byte) []byte {
				binary.BigEndian.PutUint64(raw[len(raw)-15:len(raw)-7], 0)
				return raw
			},
		},
		{
			name: "garbage json",
			mutate: func(raw []byte) []byte {
				length := binary.BigEndian.Uint64(raw[len(raw)-15 : len(raw)-7])
				start := len(raw) - 15 - int(length)
				for i := start; i < len(raw)-15; i++ {
					raw[i] = '!'
				}
				return raw
			},
		},
		{
			name: "all fifteen bytes zeroed",
			mutate: func(raw []byte) []byte {
				for i := len(raw) - 15; i < len(raw); i++ {
					raw[i] = 0
				}
				return raw
			},
		},
		{
			name: "shorter than footer",
			mutate: func(raw []byte) []byte {
				return raw[:10]
			},
		},
		{
			name: "negative entry size",
			mutate: func(raw []byte) []byte {
				return replaceIndex(raw, `{"galleries":{"g":{"files":{"images/g-1.jpg":{"offset":0,"size":-1,"type":"image"}}}}}`)
			},
		},
		{
			name: "negative entry offset",
			mutate: func(raw []byte) []byte {
				return replaceIndex(raw, `{"galleries":{"g":{"files":{"images/g-1.jpg":{"offset":-4,"size":2,"type":"image"}}}}}`)
			},
		},
		{
			name: "entry runs into index",
			mutate: func(raw []byte) []byte {
				return replaceIndex(raw, `{"galleries":{"g":{"files":{"images/g-1.jpg":{"offset":4,"size":13,"type":"image"}}}}}`)
			},
		},
		{
			name: "entry size overflows",
			mutate: func(raw []byte) []byte {
				return replaceIndex(raw, `{"galleries":{"g":{"files":{"images/g-1.jpg":{"offset":1,"size":9223372036854775807,"type":"image"}}}}}`)
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, p := openTemp(t)
			require.NoError(t, a.AddFile("g", "images/g-1.jpg", []byte("payload-bytes"), ""))
			require.NoError(t, a.SaveIndex())
			require.NoError(t, a.Close())

			raw, err := os.ReadFile(p)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(p, tt.mutate(raw), 0o600))

			reopened, err := Open(p, nil)
			require.NoError(t, err)
			defer reopened.Close()
			assert.Empty(t, reopened.Galleries())
		})
	}
}

// replaceIndex swaps the trailing index for index and writes a matching footer.
func replaceIndex(raw []byte, index string) []byte {
	length := binary.BigEndian.Uint64(raw[len(raw)-15 : len(raw)-7])
	out := append([]byte{}, raw[:len(raw)-15-int(length)]...)
	out = append(out, index...)
	out = binary.BigEndian.AppendUint64(out, uint64(len(index)))
	return append(out, "BNDLIDX"...)
}

func TestArchiveValidEntryAfterRewriteSurvives(t *testing.T) {
	t.Parallel()

	a, p := openTemp(t)
	require.NoError(t, a.AddFile("g", "images/g-1.jpg", []byte("payload-bytes"), ""))
	require.NoError(t, a.SaveIndex())
	require.NoError(t, a.Close())

	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	raw = replaceIndex(raw, `{"galleries":{"g":{"files":{"images/g-1.jpg":{"offset":8,"size":5,"type":"image"}}}}}`)
	require.NoError(t, os.WriteFile(p, raw, 0o600))

	reopened, err := Open(p, nil)
	require.NoError(t, err)
	defer reopened.Close()
	data, err := reopened.ReadFile("g", "images/g-1.jpg")
	require.NoError(t, err)
	assert.Equal(t, "bytes", string(data))
}

func TestArchiveReadFileRejectsOutOfRangeEntry(t *testing.T) {
	t.Parallel()

	a, _ := openTemp(t)
	require.NoError(t, a.AddFile("g", "images/g-1.jpg", []byte("abc"), ""))

	a.mu.Lock()
	a.idx.Galleries["g"].Files["images/g-2.jpg"] = Entry{Offset: 0, Size: -1, Type: KindImage}
	a.idx.Galleries["g"].Files["images/g-3.jpg"] = Entry{Offset: 2, Size: 1 << 40, Type: KindImage}
	a.mu.Unlock()

	_, err := a.ReadFile("g", "images/g-2.jpg")
	require.ErrorIs(t, err, ErrBadEntry)
	_, err = a.ReadFile("g", "images/g-3.jpg")
	require.ErrorIs(t, err, ErrBadEntry)

	data, err := a.ReadFile("g", "images/g-1.jpg")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestArchiveHasFileRespectsFolder(t *testing.T) {
	t.Parallel()

	a, _ := openTemp(t)
	require.NoError(t, a.AddFile("g", "images/g-1.jpg", []byte("i"), ""))
	require.NoError(t, a.AddFile("g", "videos/g-2.mp4", []byte("v"), ""))
	require.NoError(t, a.AddFile("g", "images/g-12.jpg", []byte("i"), ""))
	require.NoError(t, a.AddFile("g", "images/g-3(2).png", []byte("i"), ""))

	name, ok := a.HasFile("g", "g-1", KindImage)
	require.True(t, ok)
	assert.Equal(t, "images/g-1.jpg", name)

	_, ok = a.HasFile("g", "g-1", KindVideo)
	assert.False(t, ok)

	_, ok = a.HasFile("g", "g-2", KindImage)
	assert.False(t, ok)

	name, ok = a.HasFile("g", "g-3", KindImage)
	require.True(t, ok)
	assert.Equal(t, "images/g-3(2).png", name)

	_, ok = a.HasFile("other", "g-1", KindImage)
	assert.False(t, ok)
}

func TestArchiveReadMissing(t *testing.T) {
	t.Parallel()

	a, _ := openTemp(t)
	_, err := a.ReadFile("g", "images/nope.jpg")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestKindForName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindVideo, KindForName("a/b.MOV"))
	assert.Equal(t, KindImage, KindForName("x.webp"))
	assert.Equal(t, KindOther, KindForName("notes.txt"))
	assert.Equal(t, "videos", KindVideo.Folder())
	assert.Equal(t, "images", KindImage.Folder())
}

func TestCommitFromDisk(t *testing.T) {
	t.Parallel()

	a, _ := openTemp(t)
	dir := filepath.Join(t.TempDir(), "forest", "gal")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "images"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "videos"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "images", "gal-1.jpg"), []byte("one"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "videos", "gal-2.mp4"), []byte("two"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "images", "gal-2.tmp"), []byte("partial"), 0o600))

	added, err := a.CommitFromDisk("gal", dir)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	data, err := a.ReadFile("gal", "videos/gal-2.mp4")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	added, err = a.CommitFromDisk("gal", dir)
	require.NoError(t, err)
	assert.Zero(t, added)

	added, err = a.CommitFromDisk("gal", filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Zero(t, added)
}
