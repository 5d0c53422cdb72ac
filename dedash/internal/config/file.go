// CLAUDE:SUMMARY Defines dedash config structs and parses YAML configuration files with defaults.
// Package config handles dedash configuration from YAML files.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/dedash/dedash/internal/htmldoc"
)

// Config is the top-level dedash configuration.
type Config struct {
	Browser BrowserConfig `yaml:"browser"`
	Page    PageConfig    `yaml:"page"`
	Stream  StreamConfig  `yaml:"stream"`
	Watch   WatchConfig   `yaml:"watch"`
	Status  StatusConfig  `yaml:"status"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	Stealth          string        `yaml:"stealth"` // headless | headful
	XvfbDisplay      string        `yaml:"xvfb_display"`
	UserDataDir      string        `yaml:"user_data_dir"`
}

// PageConfig defines the chat page and its markup.
type PageConfig struct {
	URL string `yaml:"url"`
	// Selectors are CSS selector groups. They must be valid both for the
	// browser's querySelectorAll and for the offline matcher.
	RootSelector    string `yaml:"root_selector"`
	MessageSelector string `yaml:"message_selector"`
}

// StreamConfig defines how generation start/end is recognised on the wire.
type StreamConfig struct {
	StartPatterns    []string      `yaml:"start_patterns"`
	CompletePatterns []string      `yaml:"complete_patterns"`
	UnpauseDelay     time.Duration `yaml:"unpause_delay"`
}

// WatchConfig controls the change watcher timings.
type WatchConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	CounterIdle   time.Duration `yaml:"counter_idle"`
}

// StatusConfig enables the HTTP status endpoint when Listen is set.
type StatusConfig struct {
	Listen string `yaml:"listen"`
}

// MetricsConfig enables SQLite metrics when DB is set.
type MetricsConfig struct {
	DB            string        `yaml:"db"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	// RetentionDays bounds the metrics, heartbeats and events tables.
	// Zero keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// LoadFile reads a YAML configuration file and applies defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, cfg.Validate()
}

// Default returns a configuration with every default applied and no page.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Page.URL == "" {
		c.Page.URL = "https://chatgpt.com/"
	}
	if c.Page.RootSelector == "" {
		c.Page.RootSelector = "main"
	}
	if c.Page.MessageSelector == "" {
		c.Page.MessageSelector = `div[data-message-author-role="assistant"]`
	}
	if len(c.Stream.StartPatterns) == 0 {
		c.Stream.StartPatterns = []string{"/backend-api/conversation"}
	}
	if len(c.Stream.CompletePatterns) == 0 {
		c.Stream.CompletePatterns = []string{"/backend-api/lat/r"}
	}
	if c.Stream.UnpauseDelay <= 0 {
		c.Stream.UnpauseDelay = time.Second
	}
	if c.Watch.SweepInterval <= 0 {
		c.Watch.SweepInterval = time.Second
	}
	if c.Watch.RetryInterval <= 0 {
		c.Watch.RetryInterval = 500 * time.Millisecond
	}
	if c.Watch.CounterIdle <= 0 {
		c.Watch.CounterIdle = 1300 * time.Millisecond
	}
	if c.Metrics.FlushInterval <= 0 {
		c.Metrics.FlushInterval = 5 * time.Second
	}
	if c.Metrics.BufferSize <= 0 {
		c.Metrics.BufferSize = 100
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	switch c.Browser.Stealth {
	case "headless", "headful":
	default:
		return fmt.Errorf("config: browser.stealth must be headless or headful, got %q", c.Browser.Stealth)
	}
	if err := validatePageURL(c.Page.URL); err != nil {
		return err
	}
	if _, err := htmldoc.CompileSelector(c.Page.RootSelector); err != nil {
		return fmt.Errorf("config: page.root_selector: %w", err)
	}
	if _, err := htmldoc.CompileSelector(c.Page.MessageSelector); err != nil {
		return fmt.Errorf("config: page.message_selector: %w", err)
	}
	if c.Metrics.RetentionDays < 0 {
		return fmt.Errorf("config: metrics.retention_days must not be negative")
	}
	return nil
}

// validatePageURL accepts absolute http(s) URLs with a host. Loopback hosts
// are allowed: a local mirror of the chat page is a valid target.
func validatePageURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: page.url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("config: page.url must be http or https, got %q", raw)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("config: page.url has no host: %q", raw)
	}
	return nil
}
