package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the player reads.
const EnvPrefix = "DASHPLAYER_"

// LoadFile reads a YAML config file. Fields absent from the file are left
// zero so the result can be merged over defaults with Merge.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return decodeYAML(data)
}

func decodeYAML(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &cfg, nil
}

// Merge overlays the non-zero fields of src onto dst.
//
// A zero value in src never overrides dst, so a file cannot switch a
// default-on boolean off. Use the environment or a flag for that.
func Merge(dst, src *Config) error {
	if src == nil {
		return nil
	}
	if err := mergo.Merge(dst, *src, mergo.WithOverride); err != nil {
		return fmt.Errorf("merge config: %w", err)
	}
	return nil
}

// LoadEnv loads the optional dotenv files into the process environment and
// applies DASHPLAYER_* variables to cfg. Missing dotenv files are ignored.
func LoadEnv(cfg *Config, files ...string) error {
	for _, f := range files {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return applyEnv(cfg, os.LookupEnv)
}

type envBinding struct {
	name  string
	apply func(cfg *Config, v string) error
}

var envBindings = []envBinding{
	{"MANIFEST_URL", setString(func(c *Config) *string { return &c.ManifestURL })},
	{"VIDEO_ID", setString(func(c *Config) *string { return &c.VideoID })},
	{"CATALOG_URL", setString(func(c *Config) *string { return &c.CatalogURL })},
	{"FFMPEG", setString(func(c *Config) *string { return &c.FFmpegPath })},
	{"FFPROBE", setString(func(c *Config) *string { return &c.FFprobePath })},
	{"USER_AGENT", setString(func(c *Config) *string { return &c.UserAgent })},
	{"TIMEOUT", setDuration(func(c *Config) *time.Duration { return &c.Timeout })},
	{"RECONNECT", setBool(func(c *Config) *bool { return &c.Reconnect })},
	{"POLL_INTERVAL", setDuration(func(c *Config) *time.Duration { return &c.PollInterval })},
	{"AUTOPLAY", setBool(func(c *Config) *bool { return &c.AutoPlay })},
	{"QUALITY", setString(func(c *Config) *string { return &c.InitialQuality })},
	{"FAST_SWITCH", setBool(func(c *Config) *bool { return &c.FastSwitch })},
	{"MAX_RESTARTS", setInt(func(c *Config) *int { return &c.MaxRestarts })},
	{"LISTEN", setString(func(c *Config) *string { return &c.ListenAddr })},
	{"LOG_FORMAT", setString(func(c *Config) *string { return &c.LogFormat })},
	{"LOG_LEVEL", setString(func(c *Config) *string { return &c.LogLevel })},
	{"TUI", setBool(func(c *Config) *bool { return &c.TUI })},
	{"VERBOSE", setBool(func(c *Config) *bool { return &c.Verbose })},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.apply(cfg, strings.TrimSpace(v)); err != nil {
			errs = append(errs, ValidationError{Field: EnvPrefix + b.name, Message: err.Error()})
		}
	}
	return errors.Join(errs...)
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func setBool(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", v)
		}
		*field(c) = b
		return nil
	}
}

func setInt(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid integer %q", v)
		}
		*field(c) = n
		return nil
	}
}

func setDuration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q", v)
		}
		*field(c) = d
		return nil
	}
}
