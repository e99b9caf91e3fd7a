// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all engine configuration knobs loaded via Viper.
type Config struct {
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Endpoint EndpointConfig `mapstructure:"endpoint"`
	Rendered RenderedConfig `mapstructure:"rendered"`
	Guard    GuardConfig    `mapstructure:"guard"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	API      APIConfig      `mapstructure:"api"`
	Assets   AssetsConfig   `mapstructure:"assets"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// CrawlConfig governs the scheduler and the pagination controller.
type CrawlConfig struct {
	SeedsFile            string `mapstructure:"seeds_file"`
	OutputDir            string `mapstructure:"output_dir"`
	BatchWidth           int    `mapstructure:"batch_width"`
	BatchCooldownSeconds int    `mapstructure:"batch_cooldown_seconds"`
	MaxPageRetries       int    `mapstructure:"max_page_retries"`
	MaxTargetRetries     int    `mapstructure:"max_target_retries"`
	InterPageDelayMs     int    `mapstructure:"inter_page_delay_ms"`
}

// EndpointConfig addresses the listing service for direct fetches.
type EndpointConfig struct {
	ListingURL     string  `mapstructure:"listing_url"`
	BaseURL        string  `mapstructure:"base_url"`
	StoreID        string  `mapstructure:"store_id"`
	PageSize       int     `mapstructure:"page_size"`
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
}

// RenderedConfig tunes the headless browser sessions.
type RenderedConfig struct {
	Headless            bool `mapstructure:"headless"`
	NavTimeoutSeconds   int  `mapstructure:"nav_timeout_seconds"`
	ExchangeWaitSeconds int  `mapstructure:"exchange_wait_seconds"`
	ScrollAttempts      int  `mapstructure:"scroll_attempts"`
}

// GuardConfig carries the throttling and corruption signatures.
type GuardConfig struct {
	RateLimitStatuses   []int  `mapstructure:"rate_limit_statuses"`
	CorruptEnvelopeCode string `mapstructure:"corrupt_envelope_code"`
	BaseDelaySeconds    int    `mapstructure:"base_delay_seconds"`
	MaxDelaySeconds     int    `mapstructure:"max_delay_seconds"`
}

// StorageConfig sets the optional GCS mirror.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational entity sink.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// PubSubConfig holds metadata for page-saved event publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// APIConfig controls the status HTTP server.
type APIConfig struct {
	Addr    string `mapstructure:"addr"`
	Enabled bool   `mapstructure:"enabled"`
}

// AssetsConfig tunes the product image downloader.
type AssetsConfig struct {
	CDNBaseURL             string `mapstructure:"cdn_base_url"`
	MaxConcurrentDownloads int    `mapstructure:"max_concurrent_downloads"`
	TimeoutSeconds         int    `mapstructure:"timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
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
	v.SetDefault("crawl.seeds_file", "seeds.json")
	v.SetDefault("crawl.output_dir", "crawl-data")
	v.SetDefault("crawl.batch_width", 5)
	v.SetDefault("crawl.batch_cooldown_seconds", 10)
	v.SetDefault("crawl.max_page_retries", 3)
	v.SetDefault("crawl.max_target_retries", 3)
	v.SetDefault("crawl.inter_page_delay_ms", 1500)
	v.SetDefault("endpoint.page_size", 50)
	v.SetDefault("endpoint.timeout_seconds", 30)
	v.SetDefault("endpoint.rate_per_second", 1.0)
	v.SetDefault("rendered.headless", true)
	v.SetDefault("rendered.nav_timeout_seconds", 45)
	v.SetDefault("rendered.exchange_wait_seconds", 10)
	v.SetDefault("rendered.scroll_attempts", 3)
	v.SetDefault("guard.rate_limit_statuses", []int{202, 429, 503})
	v.SetDefault("guard.corrupt_envelope_code", "ERR_NON_2XX_3XX_RESPONSE")
	v.SetDefault("guard.base_delay_seconds", 15)
	v.SetDefault("guard.max_delay_seconds", 120)
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.enabled", true)
	v.SetDefault("assets.max_concurrent_downloads", 5)
	v.SetDefault("assets.timeout_seconds", 30)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawl.BatchWidth <= 0 {
		return fmt.Errorf("crawl.batch_width must be > 0")
	}
	if c.Crawl.OutputDir == "" {
		return fmt.Errorf("crawl.output_dir must be set")
	}
	if c.Endpoint.TimeoutSeconds <= 0 {
		return fmt.Errorf("endpoint.timeout_seconds must be > 0")
	}
	if c.Endpoint.RatePerSecond <= 0 {
		return fmt.Errorf("endpoint.rate_per_second must be > 0")
	}
	if c.Guard.BaseDelaySeconds <= 0 || c.Guard.MaxDelaySeconds < c.Guard.BaseDelaySeconds {
		return fmt.Errorf("guard delays must satisfy 0 < base <= max")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when a topic is configured")
	}
	if c.Assets.MaxConcurrentDownloads <= 0 {
		return fmt.Errorf("assets.max_concurrent_downloads must be > 0")
	}
	return nil
}

// BatchCooldown returns the pause between batches.
func (c Config) BatchCooldown() time.Duration {
	return time.Duration(c.Crawl.BatchCooldownSeconds) * time.Second
}

// InterPageDelay returns the politeness pause between pages.
func (c Config) InterPageDelay() time.Duration {
	return time.Duration(c.Crawl.InterPageDelayMs) * time.Millisecond
}
