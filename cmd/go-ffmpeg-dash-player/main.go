// Package main provides the go-ffmpeg-dash-player CLI entry point.
//
// go-ffmpeg-dash-player plays one MPEG-DASH session at a time through ffmpeg,
// reports normalized playback telemetry and lets the operator pin or release
// the quality level from a terminal dashboard or a small HTTP control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/config"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/logging"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-ffmpeg-dash-player
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.ParseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 2
	}

	if cfg.ShowVersion {
		fmt.Printf("go-ffmpeg-dash-player %s\n", version)
		return 0
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error:\n%v\n", err)
		return 1
	}

	// The dashboard owns the terminal, so logs are discarded while it runs.
	var logger *slog.Logger
	if cfg.TUI && !cfg.PrintCmd && !cfg.ListCatalog {
		logger = logging.NewLoggerWithWriter(io.Discard, cfg.LogFormat, cfg.LogLevel)
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	logging.SetDefault(logger)

	orch, err := orchestrator.New(cfg, logger, orchestrator.Options{Version: version})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if !cfg.TUI && !cfg.PrintCmd && !cfg.ListCatalog {
		printBanner(cfg, orch)
	}

	if err := orch.Run(context.Background()); err != nil {
		logger.Error("player_failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return 0
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config, orch *orchestrator.Orchestrator) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                     go-ffmpeg-dash-player                         ║")
	fmt.Println("║        MPEG-DASH Playback Sessions with FFmpeg                    ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	if cfg.VideoID != "" {
		fmt.Printf("  Video:       %s (catalog %s)\n", cfg.VideoID, cfg.CatalogURL)
	} else {
		fmt.Printf("  Manifest:    %s\n", cfg.ManifestURL)
	}
	fmt.Printf("  Quality:     %s\n", cfg.InitialRequest())
	fmt.Printf("  Poll:        every %s\n", cfg.PollInterval)
	if cfg.APIEnabled() {
		fmt.Printf("  Control API: http://%s/ (metrics at /metrics)\n", cfg.ListenAddr)
	}
	fmt.Printf("  Instance:    %s\n", orch.InstanceID())
	if cfg.Duration > 0 {
		fmt.Printf("  Duration:    %s\n", cfg.Duration)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}
