package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-crawler/internal/cache/sqlite"
	"github.com/JakeFAU/gallery-crawler/internal/config"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	var cfg config.Config
	cfg.Site.BaseURL = "https://gallery.example"
	cfg.Site.HTTPTimeoutSeconds = 5
	cfg.Concurrency = config.ConcurrencyConfig{ScanTags: 2, ScanGalleries: 2, Galleries: 1, ImagesPerGallery: 4, VideosPerGallery: 2}
	cfg.Cache = config.CacheConfig{Driver: "sqlite", SQLitePath: filepath.Join(dir, "meta.db"), TTLDays: 70}
	cfg.Archive = config.ArchiveConfig{Enabled: true, Path: filepath.Join(dir, "cache.bundle")}
	cfg.Download = config.DownloadConfig{Root: filepath.Join(dir, "downloads"), MinItems: 1}
	return cfg
}

// execute runs the root command with cfg injected. Tests using it must not run in parallel.
func execute(t *testing.T, cfg config.Config, args ...string) (string, error) {
	t.Helper()
	orig := newApp
	newApp = func(string) (*app, error) {
		return &app{cfg: cfg, logger: zap.NewNop()}, nil
	}
	t.Cleanup(func() { newApp = orig })

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestHistoryCommand(t *testing.T) {
	cfg := testConfig(t)
	clock := &stepClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	store, err := sqlite.Open(context.Background(), sqlite.Config{Path: cfg.Cache.SQLitePath}, clock, nil)
	require.NoError(t, err)
	require.NoError(t, store.AddHistoryTags(context.Background(), []string{"forest"}))
	clock.now = clock.now.Add(time.Minute)
	require.NoError(t, store.AddHistoryTags(context.Background(), []string{"lake"}))
	require.NoError(t, store.Close())

	out, err := execute(t, cfg, "history", "--limit", "1")
	require.NoError(t, err)
	assert.Equal(t, "lake\n", out)

	_, err = execute(t, cfg, "history", "--limit", "0")
	require.Error(t, err)
}

func TestArchiveCommitAndList(t *testing.T) {
	cfg := testConfig(t)
	gallery := filepath.Join(cfg.Download.Root, "forest", "walk")
	require.NoError(t, os.MkdirAll(filepath.Join(gallery, "images"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(gallery, "videos"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(gallery, "images", "walk-1.jpg"), []byte("img"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(gallery, "videos", "walk-2.mp4"), []byte("video"), 0o600))

	out, err := execute(t, cfg, "archive", "commit", "--tag", "forest")
	require.NoError(t, err)
	assert.Equal(t, "walk: 2 added\n", out)

	out, err = execute(t, cfg, "archive", "commit", "--tag", "forest", "--gallery", "walk")
	require.NoError(t, err)
	assert.Equal(t, "walk: 0 added\n", out)

	out, err = execute(t, cfg, "archive", "ls")
	require.NoError(t, err)
	assert.Equal(t, "walk\t2\n", out)

	out, err = execute(t, cfg, "archive", "ls", "walk")
	require.NoError(t, err)
	assert.Equal(t, "images/walk-1.jpg\timage\t3\nvideos/walk-2.mp4\tvideo\t5\n", out)

	_, err = execute(t, cfg, "archive", "ls", "missing")
	require.Error(t, err)
}

func TestArchiveCommandsNeedEnabledArchive(t *testing.T) {
	cfg := testConfig(t)
	cfg.Archive.Enabled = false

	_, err := execute(t, cfg, "archive", "ls")
	require.ErrorContains(t, err, "archive is disabled")

	_, err = execute(t, cfg, "archive", "commit")
	require.ErrorContains(t, err, "--tag is required")
}

func TestRunRequiresInput(t *testing.T) {
	cfg := testConfig(t)

	_, err := execute(t, cfg, "run")
	require.ErrorContains(t, err, "at least one tag")

	_, err = execute(t, cfg, "run", "forest", "--images-only", "--videos-only")
	require.Error(t, err)
}

func TestRequestForFlagPrecedence(t *testing.T) {
	cfg := testConfig(t)
	cfg.Download.VideosOnly = true
	cfg.Download.MinItems = 3

	cmd := newRunCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--images-only", "--ttl-days", "0", "--tag", "Forest", "-g", "https://gallery.example/g/walk"}))

	var f runFlags
	f.tags, _ = cmd.Flags().GetStringSlice("tag")
	f.galleries, _ = cmd.Flags().GetStringSlice("gallery")
	f.imagesOnly, _ = cmd.Flags().GetBool("images-only")
	f.ttlDays, _ = cmd.Flags().GetInt("ttl-days")

	req := requestFor(cmd, cfg, f)
	assert.True(t, req.Options.ImagesOnly)
	assert.False(t, req.Options.VideosOnly)
	assert.Equal(t, 0, req.Options.TTLDays)
	assert.Equal(t, 3, req.Options.MinItems)
	assert.Equal(t, []string{"Forest"}, req.Tags)
	assert.Equal(t, []string{"https://gallery.example/g/walk"}, req.GalleryURLs)
	assert.Equal(t, 4, req.Options.Budget.ImagesPerGallery)
}

func TestResolveAppWithoutInit(t *testing.T) {
	t.Parallel()

	_, err := resolveApp(context.Background())
	require.Error(t, err)
}
