// Package config loads and validates gallerycrawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. GALLERY_SITE_BASE_URL.
const EnvPrefix = "GALLERY"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Site        SiteConfig        `mapstructure:"site"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Download    DownloadConfig    `mapstructure:"download"`
	Headless    HeadlessConfig    `mapstructure:"headless"`
	Remote      RemoteConfig      `mapstructure:"remote"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// SiteConfig describes the crawled site and how politely to talk to it.
type SiteConfig struct {
	BaseURL            string  `mapstructure:"base_url"`
	UserAgent          string  `mapstructure:"user_agent"`
	HTTPTimeoutSeconds int     `mapstructure:"http_timeout_seconds"`
	RespectRobots      bool    `mapstructure:"respect_robots"`
	RequestsPerSecond  float64 `mapstructure:"requests_per_second"`
}

// ConcurrencyConfig bounds parallelism per pipeline phase.
type ConcurrencyConfig struct {
	ScanTags         int `mapstructure:"scan_tags"`
	ScanGalleries    int `mapstructure:"scan_galleries"`
	Galleries        int `mapstructure:"galleries"`
	ImagesPerGallery int `mapstructure:"images_per_gallery"`
	VideosPerGallery int `mapstructure:"videos_per_gallery"`
}

// CacheConfig selects the metadata cache backend.
type CacheConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	TTLDays     int    `mapstructure:"ttl_days"`
}

// ArchiveConfig locates the media bundle.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DownloadConfig controls where media lands and which galleries are processed.
type DownloadConfig struct {
	Root       string `mapstructure:"root"`
	MinItems   int    `mapstructure:"min_items"`
	DryRun     bool   `mapstructure:"dry_run"`
	ImagesOnly bool   `mapstructure:"images_only"`
	VideosOnly bool   `mapstructure:"videos_only"`
	BigToSmall bool   `mapstructure:"big_to_small"`
}

// HeadlessConfig configures the Chrome session used for gallery scans and video probes.
type HeadlessConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	MaxParallel       int    `mapstructure:"max_parallel"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	ScrollDelayMillis int    `mapstructure:"scroll_delay_ms"`
	MaxScrollRounds   int    `mapstructure:"max_scroll_rounds"`
	ExecPath          string `mapstructure:"exec_path"`
	NoSandbox         bool   `mapstructure:"no_sandbox"`
}

// RemoteConfig selects the optional remote object tier.
type RemoteConfig struct {
	Driver    string `mapstructure:"driver"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
	LocalDir  string `mapstructure:"local_dir"`
}

// PubSubConfig enables gallery notifications when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the status HTTP server. An empty Addr disables it.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig selects the span exporter. With exporter "none" spans are still created so
// progress events carry trace context.
type TracingConfig struct {
	Exporter    string            `mapstructure:"exporter"`
	Endpoint    string            `mapstructure:"endpoint"`
	Insecure    bool              `mapstructure:"insecure"`
	Headers     map[string]string `mapstructure:"headers"`
	SampleRatio float64           `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk and environment. With an empty path it looks for
// config.yaml in the working directory and $HOME/.gallerycrawler, and a missing file is fine.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.gallerycrawler")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site.base_url", "https://gallery.example")
	v.SetDefault("site.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36")
	v.SetDefault("site.http_timeout_seconds", 30)
	v.SetDefault("site.respect_robots", false)
	v.SetDefault("site.requests_per_second", 0)
	v.SetDefault("concurrency.scan_tags", 25)
	v.SetDefault("concurrency.scan_galleries", 15)
	v.SetDefault("concurrency.galleries", 1)
	v.SetDefault("concurrency.images_per_gallery", 50)
	v.SetDefault("concurrency.videos_per_gallery", 10)
	v.SetDefault("cache.driver", "sqlite")
	v.SetDefault("cache.sqlite_path", "data/metadata.db")
	v.SetDefault("cache.ttl_days", 70)
	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.path", "data/cache.bundle")
	v.SetDefault("download.root", "downloads")
	v.SetDefault("download.min_items", 1)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 4)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.scroll_delay_ms", 1500)
	v.SetDefault("headless.max_scroll_rounds", 500)
	v.SetDefault("remote.driver", "none")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Site.BaseURL) == "" {
		return fmt.Errorf("site.base_url is required")
	}
	if c.Site.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("site.http_timeout_seconds must be > 0")
	}
	if c.Site.RequestsPerSecond < 0 {
		return fmt.Errorf("site.requests_per_second must be >= 0")
	}
	limits := []struct {
		key string
		n   int
	}{
		{"concurrency.scan_tags", c.Concurrency.ScanTags},
		{"concurrency.scan_galleries", c.Concurrency.ScanGalleries},
		{"concurrency.galleries", c.Concurrency.Galleries},
		{"concurrency.images_per_gallery", c.Concurrency.ImagesPerGallery},
		{"concurrency.videos_per_gallery", c.Concurrency.VideosPerGallery},
	}
	for _, l := range limits {
		if l.n <= 0 {
			return fmt.Errorf("%s must be > 0", l.key)
		}
	}
	switch c.Cache.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Cache.SQLitePath) == "" {
			return fmt.Errorf("cache.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(c.Cache.PostgresDSN) == "" {
			return fmt.Errorf("cache.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("cache.driver must be sqlite or postgres, got %q", c.Cache.Driver)
	}
	if c.Archive.Enabled && strings.TrimSpace(c.Archive.Path) == "" {
		return fmt.Errorf("archive.path is required when the archive is enabled")
	}
	if strings.TrimSpace(c.Download.Root) == "" {
		return fmt.Errorf("download.root is required")
	}
	if c.Download.MinItems < 0 {
		return fmt.Errorf("download.min_items must be >= 0")
	}
	if c.Download.ImagesOnly && c.Download.VideosOnly {
		return fmt.Errorf("download.images_only and download.videos_only are mutually exclusive")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Remote.Driver {
	case "", "none":
	case "gcs":
		if strings.TrimSpace(c.Remote.GCSBucket) == "" {
			return fmt.Errorf("remote.gcs_bucket is required for the gcs driver")
		}
	case "local":
		if strings.TrimSpace(c.Remote.LocalDir) == "" {
			return fmt.Errorf("remote.local_dir is required for the local driver")
		}
	default:
		return fmt.Errorf("remote.driver must be none, gcs or local, got %q", c.Remote.Driver)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be none, stdout or otlp, got %q", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

// HTTPTimeout converts the site timeout to a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Site.HTTPTimeoutSeconds) * time.Second
}

// NavTimeout converts the headless navigation timeout to a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSeconds) * time.Second
}

// ScrollDelay converts the scroll delay to a duration.
func (c Config) ScrollDelay() time.Duration {
	return time.Duration(c.Headless.ScrollDelayMillis) * time.Millisecond
}
