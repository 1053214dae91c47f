package config

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

// headerList is a custom flag type for repeatable -header flags.
type headerList []string

func (h *headerList) String() string {
	return strings.Join(*h, ", ")
}

func (h *headerList) Set(value string) error {
	*h = append(*h, value)
	return nil
}

// ParseArgs builds the configuration from defaults, the optional YAML file
// named by -config, the environment and finally the command line.
// Flags given explicitly always win. The first positional argument is the
// manifest URL.
func ParseArgs(args []string, stderr io.Writer) (*Config, error) {
	flagged := DefaultConfig()
	var headers headerList
	fs := newFlagSet(flagged, &headers, stderr)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	cfg.ConfigFile = flagged.ConfigFile
	cfg.EnvFile = flagged.EnvFile

	if cfg.ConfigFile != "" {
		fileCfg, err := LoadFile(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		if err := Merge(cfg, fileCfg); err != nil {
			return nil, err
		}
	}

	if err := LoadEnv(cfg, cfg.EnvFile); err != nil {
		return nil, err
	}

	// Replay explicitly set flags over the merged config.
	var discard headerList
	overlay := newFlagSet(cfg, &discard, io.Discard)
	var overlayErr error
	fs.Visit(func(f *flag.Flag) {
		if overlayErr != nil {
			return
		}
		if f.Name == "header" {
			cfg.Headers = append([]string(nil), headers...)
			return
		}
		overlayErr = overlay.Set(f.Name, f.Value.String())
	})
	if overlayErr != nil {
		return nil, overlayErr
	}

	if fs.NArg() >= 1 {
		cfg.ManifestURL = fs.Arg(0)
	}

	return cfg, nil
}

func newFlagSet(cfg *Config, headers *headerList, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("go-ffmpeg-dash-player", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.Usage = func() {
		fmt.Fprintf(stderr, `go-ffmpeg-dash-player - adaptive DASH playback driven by FFmpeg

Usage:
  go-ffmpeg-dash-player [flags] [MANIFEST_URL]

Source:
`)
		printFlagCategory(fs, stderr, []string{"video", "catalog", "list"})

		fmt.Fprintf(stderr, "\nPlayback:\n")
		printFlagCategory(fs, stderr, []string{"quality", "autoplay", "fast-switch", "poll", "duration"})

		fmt.Fprintf(stderr, "\nFFmpeg:\n")
		printFlagCategory(fs, stderr, []string{"ffmpeg", "ffprobe", "user-agent", "timeout", "reconnect", "readrate", "header"})

		fmt.Fprintf(stderr, "\nRestart Behavior:\n")
		printFlagCategory(fs, stderr, []string{"backoff-initial", "backoff-max", "backoff-multiply", "max-restarts"})

		fmt.Fprintf(stderr, "\nObservability:\n")
		printFlagCategory(fs, stderr, []string{"listen", "tui", "v", "log-format", "log-level", "print-metrics"})

		fmt.Fprintf(stderr, "\nDiagnostics:\n")
		printFlagCategory(fs, stderr, []string{"print-cmd", "skip-preflight", "config", "env-file", "version"})

		fmt.Fprintf(stderr, `
Precedence (lowest first): defaults, -config file, DASHPLAYER_* environment, flags.

Examples:
  # Play a manifest directly
  go-ffmpeg-dash-player http://localhost:8080/static/abc_dash/manifest.mpd

  # Resolve a video through the catalog and pin the second level
  go-ffmpeg-dash-player -video abc -quality 1

  # List the catalog
  go-ffmpeg-dash-player -list -catalog http://media.local:8080

`)
	}

	// Source
	fs.StringVar(&cfg.VideoID, "video", cfg.VideoID, "Video id resolved through the catalog")
	fs.StringVar(&cfg.CatalogURL, "catalog", cfg.CatalogURL, "Catalog service base URL")
	fs.BoolVar(&cfg.ListCatalog, "list", cfg.ListCatalog, "List catalog videos and exit")

	// Playback
	fs.StringVar(&cfg.InitialQuality, "quality", cfg.InitialQuality, `Initial quality: "auto" or a level index`)
	fs.BoolVar(&cfg.AutoPlay, "autoplay", cfg.AutoPlay, "Start playback as soon as the manifest loads")
	fs.BoolVar(&cfg.FastSwitch, "fast-switch", cfg.FastSwitch, "Replace buffered media on quality switches")
	fs.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "Stats poll interval")
	fs.DurationVar(&cfg.Duration, "duration", cfg.Duration, "Run duration (0 = until interrupted)")

	// FFmpeg
	fs.StringVar(&cfg.FFmpegPath, "ffmpeg", cfg.FFmpegPath, "Path to FFmpeg binary")
	fs.StringVar(&cfg.FFprobePath, "ffprobe", cfg.FFprobePath, "Path to FFprobe binary")
	fs.StringVar(&cfg.UserAgent, "user-agent", cfg.UserAgent, "HTTP User-Agent header")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Network read/write timeout")
	fs.BoolVar(&cfg.Reconnect, "reconnect", cfg.Reconnect, "Enable FFmpeg reconnect flags")
	fs.Float64Var(&cfg.ReadRate, "readrate", cfg.ReadRate, "Input read rate relative to realtime")
	fs.Var(headers, "header", "Add custom HTTP header (can repeat)")

	// Restart behavior
	fs.DurationVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "First restart delay")
	fs.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Maximum restart delay")
	fs.Float64Var(&cfg.BackoffMultiply, "backoff-multiply", cfg.BackoffMultiply, "Restart delay multiplier")
	fs.IntVar(&cfg.MaxRestarts, "max-restarts", cfg.MaxRestarts, "FFmpeg restarts before the engine is unusable")

	// Observability
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, `Control API address ("" disables)`)
	fs.BoolVar(&cfg.TUI, "tui", cfg.TUI, "Enable live terminal dashboard (use -tui=false to disable)")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn" or "error"`)
	fs.BoolVar(&cfg.PrintMetrics, "print-metrics", cfg.PrintMetrics, "Dump Prometheus metrics at exit")

	// Diagnostics
	fs.BoolVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, "Print FFmpeg command and exit")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML config file")
	fs.StringVar(&cfg.EnvFile, "env-file", cfg.EnvFile, "dotenv file loaded before reading DASHPLAYER_* variables")
	fs.BoolVar(&cfg.ShowVersion, "version", cfg.ShowVersion, "Print version and exit")

	return fs
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, w io.Writer, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(w, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
					fmt.Fprintf(w, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(w)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}

	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}

	return "string"
}
