// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/JakeFAU/music-graph-crawler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// UpstreamConfig configures the MusicBrainz client.
type UpstreamConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	InterRequestDelay time.Duration `mapstructure:"inter_request_delay"`
	PageLimit         int           `mapstructure:"page_limit"`
	// MaxRPS caps attempts per second per host; 0 disables the limiter.
	MaxRPS float64 `mapstructure:"max_rps"`
	Burst  int     `mapstructure:"burst"`
}

// CrawlConfig governs the BFS loop.
type CrawlConfig struct {
	// Budget is a humanized byte size such as "50MiB" or "2GB".
	Budget            string `mapstructure:"budget"`
	SongCap           int    `mapstructure:"song_cap"`
	CommitGranularity string `mapstructure:"commit_granularity"`
	FrontierPath      string `mapstructure:"frontier_path"`
	SourceURLBase     string `mapstructure:"source_url_base"`
}

// Storage backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// StorageConfig selects and configures the entity store.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig locates the database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// ArchiveConfig controls raw upstream payload archiving.
type ArchiveConfig struct {
	Backend string           `mapstructure:"backend"`
	Prefix  string           `mapstructure:"prefix"`
	Local   LocalArchiveConf `mapstructure:"local"`
	GCS     GCSArchiveConf   `mapstructure:"gcs"`
}

// LocalArchiveConf roots the local archive.
type LocalArchiveConf struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSArchiveConf names the archive bucket.
type GCSArchiveConf struct {
	Bucket string `mapstructure:"bucket"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. Events
// are only published when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether a topic is configured.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.TopicName != ""
}

// TracingConfig toggles OpenTelemetry.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Stdout  bool `mapstructure:"stdout"`
}

// Load builds a Config from disk and environment. With an empty path it
// looks for config.{yaml,json,toml} in the working directory and
// $HOME/.musicgraph, and falls back to defaults when none exists.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
		v.AddConfigPath("$HOME/.musicgraph")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("upstream.base_url", "https://musicbrainz.org/ws/2/")
	v.SetDefault("upstream.user_agent", "music-graph-crawler/0.1 (https://github.com/JakeFAU/music-graph-crawler)")
	v.SetDefault("upstream.timeout", "15s")
	v.SetDefault("upstream.max_retries", 4)
	v.SetDefault("upstream.retry_delay", "3s")
	v.SetDefault("upstream.inter_request_delay", "1s")
	v.SetDefault("upstream.page_limit", 100)
	v.SetDefault("upstream.max_rps", 1.0)
	v.SetDefault("upstream.burst", 1)
	v.SetDefault("crawl.budget", "50MiB")
	v.SetDefault("crawl.song_cap", 50)
	v.SetDefault("crawl.commit_granularity", string(crawler.CommitPerSong))
	v.SetDefault("crawl.frontier_path", "data/frontier.json")
	v.SetDefault("crawl.source_url_base", "https://musicbrainz.org/recording/")
	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.sqlite.path", "data/music.db")
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("storage.postgres.min_conns", 0)
	v.SetDefault("storage.postgres.max_conn_lifetime", "30m")
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("archive.local.base_dir", "data/archive")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.stdout", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.UserAgent == "" {
		return fmt.Errorf("upstream.user_agent is required")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be > 0")
	}
	if c.Upstream.MaxRetries < 0 {
		return fmt.Errorf("upstream.max_retries must be >= 0")
	}
	if c.Upstream.RetryDelay < 0 || c.Upstream.InterRequestDelay < 0 {
		return fmt.Errorf("upstream delays must be >= 0")
	}
	if c.Upstream.PageLimit <= 0 || c.Upstream.PageLimit > 100 {
		return fmt.Errorf("upstream.page_limit must be within 1..100")
	}
	if c.Upstream.MaxRPS < 0 || c.Upstream.Burst < 0 {
		return fmt.Errorf("upstream.max_rps and upstream.burst must be >= 0")
	}
	if _, err := c.BudgetBytes(); err != nil {
		return err
	}
	if c.Crawl.SongCap <= 0 {
		return fmt.Errorf("crawl.song_cap must be > 0")
	}
	switch crawler.CommitGranularity(c.Crawl.CommitGranularity) {
	case crawler.CommitPerSong, crawler.CommitPerArtist:
	default:
		return fmt.Errorf("crawl.commit_granularity must be %q or %q", crawler.CommitPerSong, crawler.CommitPerArtist)
	}
	if c.Crawl.FrontierPath == "" {
		return fmt.Errorf("crawl.frontier_path is required")
	}
	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.Local.BaseDir == "" {
			return fmt.Errorf("archive.local.base_dir is required for the local archive")
		}
	case ArchiveGCS:
		if c.Archive.GCS.Bucket == "" {
			return fmt.Errorf("archive.gcs.bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// BudgetBytes parses crawl.budget.
func (c Config) BudgetBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.Crawl.Budget)
	if err != nil {
		return 0, fmt.Errorf("crawl.budget %q: %w", c.Crawl.Budget, err)
	}
	if n == 0 || n > 1<<62 {
		return 0, fmt.Errorf("crawl.budget %q must be a positive size", c.Crawl.Budget)
	}
	return int64(n), nil
}
