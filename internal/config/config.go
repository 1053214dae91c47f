// Package config handles configuration for go-ffmpeg-dash-player.
package config

import (
	"time"
)

// Config holds all configuration for the player.
type Config struct {
	// Source (one of ManifestURL, VideoID or ListCatalog)
	ManifestURL string `yaml:"manifest_url"`
	VideoID     string `yaml:"video_id"`
	CatalogURL  string `yaml:"catalog_url"`
	ListCatalog bool   `yaml:"list"`

	// FFmpeg
	FFmpegPath  string        `yaml:"ffmpeg"`
	FFprobePath string        `yaml:"ffprobe"`
	UserAgent   string        `yaml:"user_agent"`
	Timeout     time.Duration `yaml:"timeout"`
	Reconnect   bool          `yaml:"reconnect"`
	ReadRate    float64       `yaml:"read_rate"`
	Headers     []string      `yaml:"headers"`

	// Playback
	PollInterval   time.Duration `yaml:"poll_interval"`
	AutoPlay       bool          `yaml:"autoplay"`
	InitialQuality string        `yaml:"quality"`
	FastSwitch     bool          `yaml:"fast_switch"`

	// Restart behavior
	BackoffInitial  time.Duration `yaml:"backoff_initial"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	BackoffMultiply float64       `yaml:"backoff_multiply"`
	MaxRestarts     int           `yaml:"max_restarts"`

	// Observability
	ListenAddr   string `yaml:"listen"`
	Verbose      bool   `yaml:"verbose"`
	LogFormat    string `yaml:"log_format"`
	LogLevel     string `yaml:"log_level"`
	TUI          bool   `yaml:"tui"`
	PrintMetrics bool   `yaml:"print_metrics"`

	// Run control
	Duration      time.Duration `yaml:"duration"` // 0 = until interrupted
	PrintCmd      bool          `yaml:"print_cmd"`
	SkipPreflight bool          `yaml:"skip_preflight"`

	// Command-line only
	ConfigFile  string `yaml:"-"`
	EnvFile     string `yaml:"-"`
	ShowVersion bool   `yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		CatalogURL: "http://localhost:8080",

		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		UserAgent:   "go-ffmpeg-dash-player/1.0",
		Timeout:     15 * time.Second,
		Reconnect:   true,
		ReadRate:    1.0,

		PollInterval:   time.Second,
		AutoPlay:       true,
		InitialQuality: "auto",

		BackoffInitial:  250 * time.Millisecond,
		BackoffMax:      5 * time.Second,
		BackoffMultiply: 1.7,
		MaxRestarts:     5,

		ListenAddr: "127.0.0.1:17180",
		LogFormat:  "json",
		LogLevel:   "info",
		TUI:        true,

		EnvFile: ".env",
	}
}

// HasSource reports whether the config names something to play or list.
func (c *Config) HasSource() bool {
	return c.ManifestURL != "" || c.VideoID != "" || c.ListCatalog
}

// APIEnabled reports whether the control API should be started.
func (c *Config) APIEnabled() bool {
	return c.ListenAddr != ""
}
