// Package config loads config.yaml.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v2"

	"tfinance/db"
	"tfinance/logging"
	"tfinance/market"
	"tfinance/tse"
)

const (
	DefaultDSN         = "data/tfinance.db"
	DefaultScratchDir  = "data/scratch"
	DefaultHTTPPort    = 8080
	DefaultHTTPTimeout = 30 * time.Second
	DefaultBusyTimeout = 5 * time.Second
)

type Config struct {
	Store   StoreConfig    `yaml:"store"`
	Fetcher FetcherConfig  `yaml:"fetcher"`
	Market  MarketConfig   `yaml:"market"`
	HTTP    HTTPConfig     `yaml:"http"`
	Log     logging.Config `yaml:"log"`
}

type StoreConfig struct {
	// DSN is a sqlite path or URL, or a postgres:// URL.
	DSN          string        `yaml:"dsn" validate:"required"`
	MaxOpenConns int           `yaml:"max_open_conns" validate:"min=0"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" validate:"min=0"`
}

type FetcherConfig struct {
	ListingURL string        `yaml:"listing_url" validate:"omitempty,url"`
	SectorsURL string        `yaml:"sectors_url" validate:"omitempty,url"`
	HistoryURL string        `yaml:"history_url" validate:"omitempty,url"`
	UserAgent  string        `yaml:"user_agent"`
	Timeout    time.Duration `yaml:"timeout" validate:"min=0"`
	RateLimit  float64       `yaml:"rate_limit" validate:"min=0"`
	Burst      int           `yaml:"burst" validate:"min=0"`
}

type MarketConfig struct {
	ScratchDir string `yaml:"scratch_dir"`
	// Workers of 0 means runtime.NumCPU()*4.
	Workers    int  `yaml:"workers" validate:"min=0"`
	Preload    bool `yaml:"preload"`
	CacheSize  int  `yaml:"cache_size" validate:"min=0"`
	FoldArabic bool `yaml:"fold_arabic"`
	// RefreshSchedule is a standard cron expression; empty disables
	// scheduled refreshes.
	RefreshSchedule string `yaml:"refresh_schedule"`
	// RefreshTimeZone is an IANA zone name such as Asia/Tehran. Empty
	// means local time.
	RefreshTimeZone string `yaml:"refresh_timezone"`
}

type HTTPConfig struct {
	Port           int           `yaml:"port" validate:"min=1,max=65535"`
	Timeout        time.Duration `yaml:"timeout" validate:"min=0"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// Load reads path, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var cfg Config
	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Store.DSN == "" {
		c.Store.DSN = DefaultDSN
	}
	if c.Store.BusyTimeout == 0 {
		c.Store.BusyTimeout = DefaultBusyTimeout
	}

	defaults := market.DefaultFetcherConfig()
	if c.Fetcher.ListingURL == "" {
		c.Fetcher.ListingURL = defaults.ListingURL
	}
	if c.Fetcher.SectorsURL == "" {
		c.Fetcher.SectorsURL = defaults.SectorsURL
	}
	if c.Fetcher.HistoryURL == "" {
		c.Fetcher.HistoryURL = defaults.HistoryURL
	}
	if c.Fetcher.UserAgent == "" {
		c.Fetcher.UserAgent = defaults.UserAgent
	}
	if c.Fetcher.Timeout == 0 {
		c.Fetcher.Timeout = defaults.Timeout
	}

	if c.Market.ScratchDir == "" {
		c.Market.ScratchDir = DefaultScratchDir
	}
	if c.Market.CacheSize == 0 {
		c.Market.CacheSize = tse.DefaultCacheSize
	}

	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = DefaultHTTPTimeout
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		c.HTTP.AllowedOrigins = []string{"*"}
	}

	logDefaults := logging.DefaultConfig()
	if c.Log.Level == "" {
		c.Log.Level = logDefaults.Level
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = logDefaults.MaxSizeMB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = logDefaults.MaxBackups
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = logDefaults.MaxAgeDays
	}
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Market.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.Market.RefreshSchedule); err != nil {
			return fmt.Errorf("market.refresh_schedule: %w", err)
		}
	}
	if c.Market.RefreshTimeZone != "" {
		if _, err := time.LoadLocation(c.Market.RefreshTimeZone); err != nil {
			return fmt.Errorf("market.refresh_timezone: %w", err)
		}
	}
	return nil
}

// MarketOptions maps the configuration onto the facade's options.
func (c *Config) MarketOptions() tse.Options {
	return tse.Options{
		DSN: c.Store.DSN,
		StoreOptions: db.Options{
			MaxOpenConns: c.Store.MaxOpenConns,
			BusyTimeout:  c.Store.BusyTimeout,
		},
		ScratchDir: c.Market.ScratchDir,
		Workers:    c.Market.Workers,
		Preload:    c.Market.Preload,
		CacheSize:  c.Market.CacheSize,
		FoldArabic: c.Market.FoldArabic,
		Fetcher: market.FetcherConfig{
			ListingURL: c.Fetcher.ListingURL,
			SectorsURL: c.Fetcher.SectorsURL,
			HistoryURL: c.Fetcher.HistoryURL,
			UserAgent:  c.Fetcher.UserAgent,
			Timeout:    c.Fetcher.Timeout,
			RateLimit:  c.Fetcher.RateLimit,
			Burst:      c.Fetcher.Burst,
		},
	}
}
