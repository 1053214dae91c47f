// Package orchestrator wires the player together: preflight, manifest
// resolution, the playback controller, metrics, the control API and the
// dashboard.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/api"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/catalog"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/config"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/engine"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/engine/ffengine"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/metrics"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/playback"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/playerror"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/preflight"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/process"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/quality"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/stats"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/supervisor"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/tui"
)

const (
	shutdownTimeout = 5 * time.Second
	updateBuffer    = 256
)

// Options overrides collaborators, mostly for tests.
type Options struct {
	Version string

	// Stdout receives the catalog listing, -print-cmd output and the exit
	// summary. Defaults to os.Stdout.
	Stdout io.Writer

	// Factory defaults to an ffmpeg engine factory built from the config.
	Factory engine.Factory

	// Target defaults to a new ffengine.Surface.
	Target engine.RenderTarget

	// Registry defaults to a fresh registry with the Go and process
	// collectors.
	Registry *prometheus.Registry
}

// Orchestrator coordinates all components for one player run.
type Orchestrator struct {
	config *config.Config
	logger *slog.Logger
	opts   Options

	instanceID string
	registry   *prometheus.Registry
	catalog    *catalog.Client
	controller *playback.Controller
	metrics    *metrics.Collector
	apiServer  *api.Server

	startTime time.Time
}

// New creates an Orchestrator. The controller is built here so the API and
// TUI can be attached before Run.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Target == nil {
		opts.Target = ffengine.NewSurface()
	}
	if opts.Factory == nil {
		opts.Factory = ffengine.NewFactory(engineConfig(cfg, logger))
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
		opts.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	o := &Orchestrator{
		config:     cfg,
		logger:     logger,
		opts:       opts,
		instanceID: uuid.NewString(),
		registry:   opts.Registry,
	}

	if cfg.CatalogURL != "" {
		client, err := catalog.NewClient(cfg.CatalogURL, cfg.Timeout, logger)
		if err != nil {
			if cfg.VideoID != "" || cfg.ListCatalog {
				return nil, fmt.Errorf("catalog: %w", err)
			}
			logger.Warn("catalog_disabled", "catalog_url", cfg.CatalogURL, "error", err)
		} else {
			o.catalog = client
		}
	}

	controller, err := playback.New(playback.Config{
		Factory:      opts.Factory,
		Target:       opts.Target,
		PollInterval: cfg.PollInterval,
		AutoPlay:     cfg.AutoPlay,
		FastSwitch:   cfg.FastSwitch,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	o.controller = controller

	o.metrics = metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
		InstanceID: o.instanceID,
		Version:    opts.Version,
	}, o.registry)

	if cfg.APIEnabled() {
		h := api.NewHandler(api.Config{
			Player:     controller,
			Resolver:   o.resolver(),
			Gatherer:   o.registry,
			InstanceID: o.instanceID,
			Logger:     logger,
		})
		o.apiServer = api.NewServer(cfg.ListenAddr, h.Router(), logger)
	}

	return o, nil
}

// engineConfig maps the CLI config onto the ffmpeg engine settings.
func engineConfig(cfg *config.Config, logger *slog.Logger) ffengine.Config {
	ec := ffengine.DefaultConfig()
	ec.FFmpeg.BinaryPath = cfg.FFmpegPath
	ec.FFmpeg.ProbePath = cfg.FFprobePath
	ec.FFmpeg.UserAgent = cfg.UserAgent
	ec.FFmpeg.Timeout = cfg.Timeout
	ec.FFmpeg.Reconnect = cfg.Reconnect
	ec.FFmpeg.ReadRate = cfg.ReadRate
	ec.FFmpeg.Headers = cfg.Headers
	ec.Backoff = supervisor.BackoffConfig{
		Initial:    cfg.BackoffInitial,
		Max:        cfg.BackoffMax,
		Multiplier: cfg.BackoffMultiply,
		JitterPct:  0.4,
	}
	ec.MaxRestarts = cfg.MaxRestarts
	ec.Logger = logger
	ec.Verbose = cfg.Verbose
	return ec
}

// resolver returns the catalog as an api.Resolver, or nil. A nil
// *catalog.Client must not become a non-nil interface.
func (o *Orchestrator) resolver() api.Resolver {
	if o.catalog == nil {
		return nil
	}
	return o.catalog
}

// Run executes the player. It blocks until the duration elapses, a signal
// arrives, the TUI quits or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()
	defer o.controller.Close()

	if o.config.ListCatalog {
		return o.listCatalog(ctx)
	}

	manifestURL, err := o.resolveManifest(ctx)
	if err != nil {
		return err
	}

	if o.config.PrintCmd {
		o.printCommand(manifestURL)
		return nil
	}

	if !o.config.SkipPreflight {
		result := preflight.RunAll(preflight.Options{
			FFmpegPath:  o.config.FFmpegPath,
			FFprobePath: o.config.FFprobePath,
			ListenAddr:  o.config.ListenAddr,
		})
		preflight.PrintResults(o.opts.Stdout, result)
		if !result.Passed {
			return errors.New("preflight checks failed (use -skip-preflight to override)")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	metricsSub := o.controller.Subscribe(updateBuffer)
	g.Go(func() error {
		defer metricsSub.Close()
		o.metrics.Run(gctx, metricsSub)
		return nil
	})

	if req := o.config.InitialRequest(); req.Mode == quality.ModeManual {
		qualitySub := o.controller.Subscribe(updateBuffer)
		g.Go(func() error {
			defer qualitySub.Close()
			o.applyInitialQuality(gctx, qualitySub, req)
			return nil
		})
	}

	if o.apiServer != nil {
		if err := o.apiServer.Start(); err != nil {
			cancel()
			g.Wait()
			return fmt.Errorf("start control api: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			if err := o.apiServer.Shutdown(sctx); err != nil {
				o.logger.Warn("api_server_shutdown_error", "error", err)
			}
			return nil
		})
	}

	o.logger.Info("player_starting",
		"instance_id", o.instanceID,
		"manifest_url", manifestURL,
		"poll_interval", o.config.PollInterval.String(),
		"quality", o.config.InitialRequest().String(),
		"api", o.APIAddr(),
	)

	if _, err := o.controller.Load(manifestURL); err != nil {
		if o.apiServer == nil && !o.config.TUI {
			cancel()
			g.Wait()
			return fmt.Errorf("load manifest: %w", err)
		}
		o.logger.Error("initial_load_failed", "manifest_url", manifestURL, "error", err)
	}

	if o.config.TUI {
		g.Go(func() error {
			return o.runTUI(gctx, cancel)
		})
	}

	g.Go(func() error {
		o.waitForStop(gctx)
		cancel()
		return nil
	})

	err = g.Wait()

	final := o.controller.Snapshot()
	summary := o.controller.Summary()
	o.controller.Dispose()

	o.printExitSummary(final, summary)
	if o.config.PrintMetrics {
		if werr := metrics.WriteText(o.opts.Stdout, o.registry); werr != nil {
			o.logger.Warn("metrics_dump_failed", "error", werr)
		}
	}
	return err
}

// resolveManifest returns the configured manifest URL, resolving a video id
// through the catalog.
func (o *Orchestrator) resolveManifest(ctx context.Context) (string, error) {
	if o.config.VideoID == "" {
		return o.config.ManifestURL, nil
	}
	if o.catalog == nil {
		return "", errors.New("video id requires a catalog url")
	}
	url, err := o.catalog.ResolveManifest(ctx, o.config.VideoID)
	if err != nil {
		return "", fmt.Errorf("resolve video %s: %w", o.config.VideoID, err)
	}
	o.logger.Info("video_resolved", "video_id", o.config.VideoID, "manifest_url", url)
	return url, nil
}

// listCatalog prints the catalog's videos.
func (o *Orchestrator) listCatalog(ctx context.Context) error {
	if o.catalog == nil {
		return errors.New("-list requires a catalog url")
	}
	videos, err := o.catalog.List(ctx)
	if err != nil {
		return fmt.Errorf("list catalog: %w", err)
	}

	w := o.opts.Stdout
	fmt.Fprintf(w, "%-24s %-10s %s\n", "ID", "DURATION", "NAME")
	for _, v := range videos {
		fmt.Fprintf(w, "%-24s %-10s %s\n", v.ID, v.Duration, v.Name)
	}
	fmt.Fprintf(w, "\n%d videos at %s\n", len(videos), o.catalog.BaseURL())
	return nil
}

// printCommand prints the ffmpeg command that plays the first
// representation.
func (o *Orchestrator) printCommand(manifestURL string) {
	ffcfg := engineConfig(o.config, o.logger).FFmpeg
	ffcfg.ManifestURL = manifestURL
	runner := process.NewFFmpegRunner(&ffcfg)

	fmt.Fprintln(o.opts.Stdout, "# ffmpeg command for the first representation:")
	fmt.Fprintln(o.opts.Stdout)
	fmt.Fprintln(o.opts.Stdout, runner.CommandString())
}

// applyInitialQuality pins req once the first catalog is known.
func (o *Orchestrator) applyInitialQuality(ctx context.Context, sub *playback.Subscription, req quality.Request) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-sub.C():
			if !ok {
				return
			}
			if u.Kind != playback.UpdateCatalog || !u.State.Status.Active() {
				continue
			}
			if err := o.controller.SetQuality(req); err != nil {
				o.logger.Warn("initial_quality_rejected",
					"session_id", u.State.SessionID,
					"quality", req.String(),
					"error", err,
				)
			} else {
				o.logger.Info("initial_quality_applied",
					"session_id", u.State.SessionID,
					"quality", req.String(),
				)
			}
			return
		}
	}
}

// runTUI runs the dashboard until it quits or ctx is done. Quitting the
// dashboard stops the run.
func (o *Orchestrator) runTUI(ctx context.Context, stop context.CancelFunc) error {
	model := tui.New(tui.Config{
		Player:  o.controller,
		APIAddr: o.APIAddr(),
	})
	p := tea.NewProgram(model, tea.WithAltScreen())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			tui.SendQuit(p)
		case <-done:
		}
	}()

	_, err := p.Run()
	stop()
	if err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}

// waitForStop blocks until a signal, the configured duration or ctx.
func (o *Orchestrator) waitForStop(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	var durationTimer <-chan time.Time
	if o.config.Duration > 0 {
		t := time.NewTimer(o.config.Duration)
		defer t.Stop()
		durationTimer = t.C
	}

	select {
	case sig := <-sigCh:
		o.logger.Info("received_signal", "signal", sig.String())
	case <-durationTimer:
		o.logger.Info("duration_elapsed", "duration", o.config.Duration.String())
	case <-ctx.Done():
		o.logger.Info("context_cancelled")
	}
}

// printExitSummary prints a summary of the run.
func (o *Orchestrator) printExitSummary(final playback.State, summary stats.SessionSummary) {
	cfg := stats.SummaryConfig{
		Duration:    time.Since(o.startTime),
		ManifestURL: final.ManifestURL,
		Sessions:    o.controller.Loads(),
		FinalState:  final.Status.String(),
		Errors:      make(map[string]int),
	}
	if v, ok := metrics.Lookup(o.registry, "dashplayer_quality_switches_total", "mode", "manual"); ok {
		cfg.QualitySwitches = int(v)
	}
	for _, k := range playerror.Kinds {
		if v, ok := metrics.Lookup(o.registry, "dashplayer_errors_total", "kind", k.String()); ok && v > 0 {
			cfg.Errors[k.String()] = int(v)
		}
	}
	if final.LastError != nil {
		cfg.LastError = final.LastError.Error()
	}
	if o.apiServer != nil {
		cfg.APIAddr = o.apiServer.Addr()
	}

	fmt.Fprint(o.opts.Stdout, stats.FormatExitSummary(summary, cfg))
}

// APIAddr returns the control API address, or "" when it is disabled.
func (o *Orchestrator) APIAddr() string {
	if o.apiServer == nil {
		return ""
	}
	return o.apiServer.Addr()
}

// InstanceID returns the id reported in metrics and API responses.
func (o *Orchestrator) InstanceID() string {
	return o.instanceID
}

// Controller returns the playback controller.
func (o *Orchestrator) Controller() *playback.Controller {
	return o.controller
}
