package dedash

import (
	"github.com/hazyhaar/dedash/dedash/internal/config"
)

// Config is the top-level dedash configuration. Re-exported from internal.
type Config = config.Config

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig = config.BrowserConfig

// PageConfig names the chat page and its markup.
type PageConfig = config.PageConfig

// StreamConfig describes how generation start/end shows on the network.
type StreamConfig = config.StreamConfig

// WatchConfig controls sweep, retry and counter timings.
type WatchConfig = config.WatchConfig

// StatusConfig enables the HTTP status endpoint.
type StatusConfig = config.StatusConfig

// MetricsConfig enables the SQLite metrics store.
type MetricsConfig = config.MetricsConfig

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return config.Default()
}
