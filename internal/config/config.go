// Package config loads the gateway's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration, covering every key
// enumerated in the spec's external-interfaces section.
type Config struct {
	Port                int           `yaml:"port"`
	APIHost             []string      `yaml:"apiHost"`
	EnableHomepage      bool          `yaml:"enableHomepage"`
	DisallowUnknownSite bool          `yaml:"disallowUnknownSite"`
	Cache               CacheConfig   `yaml:"cache"`
	WorkerTimeout       time.Duration `yaml:"workerTimeout"`
	Bus                 BusConfig     `yaml:"bus"`
	Store               StoreConfig   `yaml:"store"`
	LogLevel            string        `yaml:"logLevel"`
}

// CacheConfig holds the freshness/TTL knobs from §6.
type CacheConfig struct {
	Maxage        time.Duration `yaml:"maxage"`
	SMaxage       time.Duration `yaml:"sMaxage"`
	RobotsTxt     time.Duration `yaml:"robotsTxt"`
	Sitemap       time.Duration `yaml:"sitemap"`
	RemoveAfter   time.Duration `yaml:"removeAfter"`
	SiteConfigTTL time.Duration `yaml:"siteConfigTtl"`
}

// BusConfig holds the message bus connection parameters.
type BusConfig struct {
	Reader string `yaml:"reader"`
	Writer string `yaml:"writer"`
}

// StoreConfig holds the snapshot/document store connection parameters.
type StoreConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
	PoolSize int    `yaml:"poolSize"`
}

// Load reads, expands (via environment variables), parses, defaults,
// and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	if cfg.Cache.Maxage == 0 {
		cfg.Cache.Maxage = 180 * time.Second
	}
	if cfg.Cache.SMaxage == 0 {
		cfg.Cache.SMaxage = 86400 * time.Second
	}
	if cfg.Cache.RobotsTxt == 0 {
		cfg.Cache.RobotsTxt = 3600 * time.Second
	}
	if cfg.Cache.Sitemap == 0 {
		cfg.Cache.Sitemap = 3600 * time.Second
	}
	if cfg.Cache.RemoveAfter == 0 {
		cfg.Cache.RemoveAfter = 30 * 24 * time.Hour
	}
	if cfg.Cache.SiteConfigTTL == 0 {
		cfg.Cache.SiteConfigTTL = 60 * time.Second
	}
	if cfg.WorkerTimeout == 0 {
		cfg.WorkerTimeout = 30 * time.Second
	}
	if cfg.Store.PoolSize == 0 {
		cfg.Store.PoolSize = 10
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Port)
	}
	if cfg.Store.URL == "" {
		return fmt.Errorf("store.url is required")
	}
	if cfg.Store.Database == "" {
		return fmt.Errorf("store.database is required")
	}
	if cfg.Bus.Writer == "" {
		return fmt.Errorf("bus.writer is required")
	}
	if cfg.Bus.Reader == "" {
		return fmt.Errorf("bus.reader is required")
	}
	if cfg.Cache.Maxage > cfg.Cache.SMaxage {
		return fmt.Errorf("cache.maxage (%s) must not exceed cache.sMaxage (%s)", cfg.Cache.Maxage, cfg.Cache.SMaxage)
	}
	return nil
}

// JanitorInterval computes the janitor sweep interval per §4.7:
// min(removeAfter/24, 1h).
func (c CacheConfig) JanitorInterval() time.Duration {
	quarter := c.RemoveAfter / 24
	if quarter > time.Hour {
		return time.Hour
	}
	return quarter
}
