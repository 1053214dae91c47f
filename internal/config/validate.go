package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/logging"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/quality"
)

// MinPollInterval is the shortest accepted stats poll interval.
const MinPollInterval = 100 * time.Millisecond

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or the joined validation errors.
func Validate(cfg *Config) error {
	var errs []error

	// A source is required
	if !cfg.HasSource() {
		errs = append(errs, ValidationError{
			Field:   "manifest_url",
			Message: "a manifest URL, -video or -list is required",
		})
	}

	if cfg.ManifestURL != "" && cfg.VideoID != "" {
		errs = append(errs, ValidationError{
			Field:   "video_id",
			Message: "cannot be combined with a manifest URL",
		})
	}

	if cfg.ManifestURL != "" {
		if err := validateURL(cfg.ManifestURL); err != nil {
			errs = append(errs, ValidationError{Field: "manifest_url", Message: err.Error()})
		}
	}

	// The catalog is only needed to resolve a video id or list
	if cfg.VideoID != "" || cfg.ListCatalog {
		if err := validateURL(cfg.CatalogURL); err != nil {
			errs = append(errs, ValidationError{Field: "catalog_url", Message: err.Error()})
		}
	}

	if cfg.PollInterval < MinPollInterval {
		errs = append(errs, ValidationError{
			Field:   "poll_interval",
			Message: fmt.Sprintf("must be at least %v (got %v)", MinPollInterval, cfg.PollInterval),
		})
	}

	if _, err := quality.ParseRequest(cfg.InitialQuality); err != nil {
		errs = append(errs, ValidationError{Field: "quality", Message: err.Error()})
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	if !logging.ValidLevel(cfg.LogLevel) {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("must be debug, info, warn or error (got %q)", cfg.LogLevel),
		})
	}

	if cfg.Timeout <= 0 {
		errs = append(errs, ValidationError{Field: "timeout", Message: "must be positive"})
	}

	if cfg.ReadRate < 0 {
		errs = append(errs, ValidationError{Field: "read_rate", Message: "must not be negative"})
	}

	// Backoff settings
	if cfg.BackoffInitial <= 0 {
		errs = append(errs, ValidationError{Field: "backoff_initial", Message: "must be positive"})
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		errs = append(errs, ValidationError{Field: "backoff_max", Message: "must be >= backoff_initial"})
	}
	if cfg.BackoffMultiply < 1.0 {
		errs = append(errs, ValidationError{Field: "backoff_multiply", Message: "must be >= 1.0"})
	}
	if cfg.MaxRestarts < 0 {
		errs = append(errs, ValidationError{Field: "max_restarts", Message: "must not be negative"})
	}

	if cfg.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
			errs = append(errs, ValidationError{Field: "listen", Message: err.Error()})
		}
	}

	if cfg.Duration < 0 {
		errs = append(errs, ValidationError{Field: "duration", Message: "must not be negative"})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// validateURL checks if the URL is valid and uses http or https.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https (got %q)", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must have a host")
	}

	return nil
}

// InitialRequest parses InitialQuality, falling back to auto.
func (c *Config) InitialRequest() quality.Request {
	req, err := quality.ParseRequest(c.InitialQuality)
	if err != nil {
		return quality.Auto()
	}
	return req
}
