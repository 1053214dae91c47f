// Package ffengine implements engine.Engine on top of ffmpeg and ffprobe.
//
// ffprobe lists the manifest's video representations. A supervised ffmpeg
// process then plays one of them into a null sink at realtime pace while
// its progress and stderr streams are folded into buffer, fetch and
// dropped-frame metrics. Switching representation restarts ffmpeg at the
// current media position.
package ffengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/engine"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/logging"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/parser"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/process"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/supervisor"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/timeseries"
)

var (
	errAlreadyInitialized = errors.New("engine already initialized")
	errEngineReset        = errors.New("engine has been reset")
)

// Config holds the settings shared by every engine a Factory creates.
type Config struct {
	// FFmpeg is copied per engine; ManifestURL is filled in by Initialize.
	FFmpeg process.FFmpegConfig

	Backoff     supervisor.BackoffConfig
	MaxRestarts int

	Estimator timeseries.EstimatorConfig
	ABR       ABRConfig

	BufferSize    int
	DropThreshold float64

	// StopTimeout is the SIGTERM grace period before SIGKILL.
	StopTimeout time.Duration

	// MaxRequests bounds the fetch history returned by HTTPRequests.
	MaxRequests int

	Logger  *slog.Logger
	Verbose bool
}

// DefaultConfig returns a Config with the package defaults.
func DefaultConfig() Config {
	return Config{
		FFmpeg:        *process.DefaultFFmpegConfig(""),
		Backoff:       supervisor.DefaultBackoffConfig(),
		MaxRestarts:   5,
		Estimator:     timeseries.DefaultEstimatorConfig(),
		ABR:           DefaultABRConfig(),
		BufferSize:    1000,
		DropThreshold: 0.01,
		StopTimeout:   3 * time.Second,
		MaxRequests:   256,
	}
}

// Factory creates ffmpeg engines. It implements engine.Factory.
type Factory struct {
	cfg  Config
	next atomic.Int64
}

func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg}
}

// Create returns a new, uninitialized engine.
func (f *Factory) Create() (engine.Engine, error) {
	if f.cfg.FFmpeg.BinaryPath == "" {
		return nil, errors.New("ffengine: ffmpeg path is empty")
	}
	return New(fmt.Sprintf("engine-%d", f.next.Add(1)), f.cfg), nil
}

// Engine plays one manifest through ffmpeg.
type Engine struct {
	engine.Dispatcher

	id     string
	cfg    Config
	logger *slog.Logger

	estimator *timeseries.ThroughputEstimator
	stderr    *logging.StderrHandler
	progress  *parser.ProgressParser
	fetches   *parser.FetchEventParser

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	initialized bool
	reset       bool
	unusable    bool
	surface     *Surface
	target      engine.RenderTarget
	url         string
	autoPlay    bool
	settings    engine.Settings
	auto        bool
	reps        []process.Representation // ascending bitrate; index is quality
	duration    time.Duration
	current     int
	runner      *process.FFmpegRunner
	sup         *supervisor.Supervisor
	lastSwitch  time.Time

	// Per-process state, reset by beginRun.
	runStart     time.Time
	runOffset    time.Duration
	haveProgress bool
	outTime      time.Duration
	totalSize    int64
	dropFrames   int64

	pending  []pendingFetch
	requests []engine.HTTPRequest
}

type pendingFetch struct {
	parser.InflightFetch
	end time.Time
}

// New creates an engine named id. Most callers use Factory.Create.
func New(id string, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("engine_id", id)
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 256
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 3 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		id:        id,
		cfg:       cfg,
		logger:    logger,
		estimator: timeseries.NewThroughputEstimator(cfg.Estimator),
		stderr:    logging.NewStderrHandler(id, logger, cfg.Verbose),
		ctx:       ctx,
		cancel:    cancel,
		auto:      true,
		settings:  engine.Settings{AutoBitrate: true},
	}
	e.progress = parser.NewProgressParser(e.onProgress)
	e.fetches = parser.NewFetchEventParser(id, e.onFetchEvent)
	return e
}

// ID returns the engine name used in logs.
func (e *Engine) ID() string { return e.id }

// Initialize binds target and starts probing manifestURL in the
// background. If target is a *Surface it is attached exclusively.
func (e *Engine) Initialize(target engine.RenderTarget, manifestURL string, autoPlay bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.reset:
		return errEngineReset
	case e.initialized:
		return errAlreadyInitialized
	case manifestURL == "":
		return errors.New("manifest url is empty")
	}

	if s, ok := target.(*Surface); ok {
		if err := s.Attach(e.id); err != nil {
			return err
		}
		e.surface = s
	}

	ffcfg := e.cfg.FFmpeg
	ffcfg.ManifestURL = manifestURL
	e.runner = process.NewFFmpegRunner(&ffcfg)
	e.target = target
	e.url = manifestURL
	e.autoPlay = autoPlay
	e.initialized = true

	e.wg.Add(1)
	go e.load()

	e.logger.Debug("engine_initialized", "manifest_url", manifestURL, "autoplay", autoPlay)
	return nil
}

// load probes the manifest and reports the result as an event.
func (e *Engine) load() {
	defer e.wg.Done()

	report, err := e.runner.Probe(e.ctx)
	if e.ctx.Err() != nil {
		return
	}
	if err != nil {
		code := engine.CodeManifestLoading
		if errors.Is(err, process.ErrNoRepresentations) {
			code = engine.CodeNoStreams
		}
		e.logger.Warn("manifest_probe_failed", "manifest_url", e.url, "error", err)
		e.Emit(engine.Event{
			Type: engine.EventManifestLoadFailed,
			Payload: engine.ErrorEvent{
				Code:    code,
				Label:   "manifest_load_error",
				Message: err.Error(),
				URL:     e.url,
				Fatal:   true,
			},
		})
		return
	}

	reps := append([]process.Representation(nil), report.Representations...)
	sort.SliceStable(reps, func(i, j int) bool { return reps[i].BitrateBps < reps[j].BitrateBps })

	e.mu.Lock()
	if e.reset {
		e.mu.Unlock()
		return
	}
	e.reps = reps
	e.duration = report.Duration
	if e.auto {
		e.current = initialRepresentation(e.bitratesLocked(), e.estimator.Estimate(), e.cfg.ABR)
	}
	e.runner.Select(process.Selection{VideoIndex: reps[e.current].VideoIndex})
	autoPlay := e.autoPlay
	e.mu.Unlock()

	e.logger.Info("manifest_loaded",
		"manifest_url", e.url,
		"representations", len(reps),
		"duration", report.Duration.String(),
	)
	e.Emit(engine.Event{
		Type:    engine.EventManifestLoaded,
		Payload: engine.ManifestInfo{URL: e.url, Representations: len(reps), Duration: report.Duration},
	})

	if autoPlay {
		e.startPlayback()
	}
}

// startPlayback launches the supervised ffmpeg process.
func (e *Engine) startPlayback() {
	e.mu.Lock()
	if e.reset || e.sup != nil {
		e.mu.Unlock()
		return
	}
	sup := supervisor.New(supervisor.Config{
		ID:             e.id,
		Builder:        &playbackBuilder{e: e},
		Backoff:        supervisor.NewBackoff(e.id, time.Now().UnixNano(), e.cfg.Backoff),
		Logger:         e.logger,
		MaxRestarts:    e.cfg.MaxRestarts,
		BufferSize:     e.cfg.BufferSize,
		DropThreshold:  e.cfg.DropThreshold,
		ProgressParser: e.progress,
		StderrParser:   parser.MultiParser{e.fetches, e.stderr},
	})
	e.sup = sup
	// Let the buffer fill before the first automatic switch.
	e.lastSwitch = time.Now()
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		err := sup.Run(e.ctx)
		switch {
		case err == nil:
			e.logger.Info("playback_ended", "manifest_url", e.url)
		case errors.Is(err, supervisor.ErrMaxRestarts):
			e.markUnusable()
		}
	}()
}

func (e *Engine) markUnusable() {
	e.mu.Lock()
	if e.reset {
		e.mu.Unlock()
		return
	}
	e.unusable = true
	e.mu.Unlock()

	tail := e.stderr.Tail(5)
	e.logger.Error("engine_unusable", "restarts", e.cfg.MaxRestarts, "stderr_tail", tail)
	msg := fmt.Sprintf("ffmpeg exited %d times", e.cfg.MaxRestarts+1)
	if tail != "" {
		msg += ": " + tail
	}
	e.Emit(engine.Event{
		Type: engine.EventError,
		Payload: engine.ErrorEvent{
			Code:    engine.CodeUnusable,
			Label:   "engine_unusable",
			Message: msg,
			URL:     e.url,
			Fatal:   true,
		},
	})
}

// playbackBuilder resets per-process metrics before each ffmpeg start.
type playbackBuilder struct {
	e *Engine
}

func (b *playbackBuilder) Name() string         { return b.e.runner.Name() }
func (b *playbackBuilder) SetProgressFD(fd int) { b.e.runner.SetProgressFD(fd) }

func (b *playbackBuilder) BuildCommand(ctx context.Context) (*exec.Cmd, error) {
	b.e.beginRun()
	return b.e.runner.BuildCommand(ctx)
}

func (e *Engine) beginRun() {
	e.mu.Lock()
	e.runStart = time.Now()
	e.runOffset = e.runner.Selection().Start
	e.haveProgress = false
	e.outTime = 0
	e.totalSize = 0
	e.dropFrames = 0
	e.pending = e.pending[:0]
	e.mu.Unlock()
}

// position is the media time the viewer has reached. Caller holds mu.
func (e *Engine) positionLocked(now time.Time) time.Duration {
	played := now.Sub(e.runStart)
	if played > e.outTime {
		played = e.outTime
	}
	return e.runOffset + played
}

// bufferLocked is media read ahead of realtime. Caller holds mu.
func (e *Engine) bufferLocked(now time.Time) time.Duration {
	b := e.outTime - now.Sub(e.runStart)
	if b < 0 {
		return 0
	}
	return b
}

func (e *Engine) bitratesLocked() []int64 {
	out := make([]int64, len(e.reps))
	for i, r := range e.reps {
		out[i] = r.BitrateBps
	}
	return out
}

// onProgress runs on the progress pipeline goroutine for each block.
func (e *Engine) onProgress(u *parser.ProgressUpdate) {
	e.completeFetches(0, u.ReceivedAt)

	e.mu.Lock()
	prevOut, prevSize := e.outTime, e.totalSize
	dropped := u.DropFrames - e.dropFrames
	e.haveProgress = true
	if out := u.OutTime(); out > e.outTime {
		e.outTime = out
	}
	e.dropFrames = u.DropFrames

	delta := u.TotalSize - prevSize
	if u.TotalSize == 0 && len(e.reps) > 0 {
		// total_size is N/A for some muxers; estimate from the bitrate.
		delta = int64(float64(e.reps[e.current].BitrateBps) / 8 * (e.outTime - prevOut).Seconds())
	} else {
		e.totalSize = u.TotalSize
	}
	e.attributeBytesLocked(delta)

	var target int
	switching := false
	if e.auto && len(e.reps) > 1 && u.ReceivedAt.Sub(e.lastSwitch) >= e.cfg.ABR.Cooldown {
		target = chooseRepresentation(e.bitratesLocked(), e.current, e.estimator.Estimate(), e.bufferLocked(u.ReceivedAt), e.cfg.ABR)
		switching = target != e.current
	}
	surface := e.surface
	e.mu.Unlock()

	e.estimator.RecordSample()
	if surface != nil {
		surface.AddDropped(dropped)
	}
	if switching {
		e.switchTo(target, "abr")
	}
}

// attributeBytesLocked splits delta across completed media fetches and
// records them. Caller holds mu.
func (e *Engine) attributeBytesLocked(delta int64) {
	var media int
	for _, f := range e.pending {
		if f.Kind != parser.URLKindManifest {
			media++
		}
	}
	if media == 0 {
		e.estimator.AddBytes(delta)
	}

	for _, f := range e.pending {
		req := engine.HTTPRequest{URL: f.URL, StartTime: f.Started, EndTime: f.end}
		if f.Kind != parser.URLKindManifest && delta > 0 {
			req.BytesTransferred = delta / int64(media)
			e.estimator.AddFetch(req.BytesTransferred, req.Duration())
		}
		e.requests = append(e.requests, req)
	}
	e.pending = e.pending[:0]
	if over := len(e.requests) - e.cfg.MaxRequests; over > 0 {
		e.requests = append(e.requests[:0], e.requests[over:]...)
	}
}

// completeFetches moves all but keep in-flight fetches to pending.
func (e *Engine) completeFetches(keep int, end time.Time) {
	for e.fetches.InflightCount() > keep {
		f, ok := e.fetches.CompleteOldest()
		if !ok {
			return
		}
		e.mu.Lock()
		e.pending = append(e.pending, pendingFetch{InflightFetch: f, end: end})
		e.mu.Unlock()
	}
}

// onFetchEvent runs on the stderr pipeline goroutine.
func (e *Engine) onFetchEvent(ev *parser.FetchEvent) {
	switch ev.Type {
	case parser.FetchOpen:
		e.completeFetches(1, ev.Timestamp)

	case parser.FetchHTTPError:
		code := engine.CodeContentDownload
		switch ev.Kind {
		case parser.URLKindManifest:
			code = engine.CodeManifestDownload
		case parser.URLKindInit:
			code = engine.CodeInitSegmentDownload
		case parser.URLKindSegment:
			code = engine.CodeSegmentDownload
		}
		e.Emit(engine.Event{
			Type: engine.EventError,
			Payload: engine.ErrorEvent{
				Code:       code,
				Label:      "download_error",
				Message:    fmt.Sprintf("HTTP %d fetching %s", ev.HTTPStatus, ev.Kind),
				URL:        ev.URL,
				HTTPStatus: ev.HTTPStatus,
				Network:    true,
			},
			Time: ev.Timestamp,
		})

	case parser.FetchDecodeError:
		e.Emit(engine.Event{
			Type: engine.EventError,
			Payload: engine.ErrorEvent{
				Code:    engine.CodeDecode,
				Label:   "decode_error",
				Message: strings.TrimSpace(ev.Line),
				URL:     ev.URL,
			},
			Time: ev.Timestamp,
		})
	}
}

// switchTo selects quality index idx and restarts ffmpeg at the current
// position if it is playing.
func (e *Engine) switchTo(idx int, reason string) {
	e.mu.Lock()
	if e.reset || idx == e.current || idx < 0 || idx >= len(e.reps) {
		e.mu.Unlock()
		return
	}
	now := time.Now()
	from := e.current
	pos := e.runOffset
	if e.haveProgress {
		pos = e.positionLocked(now)
	}
	e.current = idx
	e.lastSwitch = now
	e.runner.Select(process.Selection{VideoIndex: e.reps[idx].VideoIndex, Start: pos})
	sup := e.sup
	if sup != nil {
		e.wg.Add(1)
	}
	e.mu.Unlock()

	e.logger.Info("quality_switch",
		"reason", reason,
		"from", from,
		"to", idx,
		"position", pos.String(),
	)

	if sup != nil {
		go func() {
			defer e.wg.Done()
			if err := sup.Restart(e.cfg.StopTimeout); err != nil {
				e.logger.Warn("restart_failed", "error", err)
			}
		}()
	}
}

func (e *Engine) UpdateSettings(s engine.Settings) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reset {
		return errEngineReset
	}
	e.settings = s
	e.auto = s.AutoBitrate
	return nil
}

// Settings returns the last applied settings.
func (e *Engine) Settings() engine.Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

func (e *Engine) QualityFor(track engine.Track) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.readableLocked(track); err != nil {
		return 0, err
	}
	return e.current, nil
}

func (e *Engine) BitrateInfoListFor(track engine.Track) ([]engine.BitrateInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.readableLocked(track); err != nil {
		return nil, err
	}
	out := make([]engine.BitrateInfo, len(e.reps))
	for i, r := range e.reps {
		out[i] = engine.BitrateInfo{QualityIndex: i, Bitrate: r.BitrateBps, Width: r.Width, Height: r.Height}
	}
	return out, nil
}

func (e *Engine) SetAutoSwitchQualityFor(track engine.Track, enabled bool) error {
	if track != engine.TrackVideo {
		return engine.ErrNoData
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reset {
		return errEngineReset
	}
	e.auto = enabled
	e.settings.AutoBitrate = enabled
	return nil
}

// SetQualityFor switches to index immediately.
func (e *Engine) SetQualityFor(track engine.Track, index int) error {
	e.mu.Lock()
	err := e.readableLocked(track)
	if err == nil && (index < 0 || index >= len(e.reps)) {
		err = engine.ErrUnknownQuality
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.switchTo(index, "manual")
	return nil
}

// readableLocked checks that quality reads can be served. Caller holds mu.
func (e *Engine) readableLocked(track engine.Track) error {
	switch {
	case e.unusable:
		return engine.ErrUnusable
	case e.reset:
		return errEngineReset
	case track != engine.TrackVideo:
		return engine.ErrNoData
	case e.reps == nil:
		return engine.ErrNotReady
	}
	return nil
}

func (e *Engine) DashMetrics() (engine.Metrics, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unusable {
		return nil, engine.ErrUnusable
	}
	if !e.initialized || e.reset {
		return nil, engine.ErrNotReady
	}
	return dashMetrics{e}, nil
}

// AverageThroughput implements engine.ThroughputEstimator.
func (e *Engine) AverageThroughput(track engine.Track) (float64, error) {
	if track != engine.TrackVideo {
		return 0, engine.ErrNoData
	}
	s := e.estimator.Stats()
	if s.Fetches == 0 {
		return 0, engine.ErrNoData
	}
	return s.EstimateBps, nil
}

// Duration returns the probed media duration, 0 for live manifests.
func (e *Engine) Duration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

// CommandString returns the ffmpeg command for the current selection.
func (e *Engine) CommandString() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runner == nil {
		return ""
	}
	return e.runner.CommandString()
}

// Reset stops ffmpeg, cancels probing, releases the surface and drops
// every handler. It is idempotent.
func (e *Engine) Reset() error {
	e.mu.Lock()
	if e.reset {
		e.mu.Unlock()
		return nil
	}
	e.reset = true
	sup := e.sup
	e.mu.Unlock()

	var err error
	if sup != nil {
		err = sup.Stop(e.cfg.StopTimeout)
	}
	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	if e.surface != nil {
		e.surface.Release(e.id)
		e.surface = nil
	}
	e.target = nil
	e.mu.Unlock()

	e.Dispatcher.Clear()
	e.logger.Debug("engine_reset")
	return err
}

type dashMetrics struct{ e *Engine }

func (m dashMetrics) CurrentBufferLevel(track engine.Track) (float64, error) {
	e := m.e
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.unusable:
		return 0, engine.ErrUnusable
	case track != engine.TrackVideo, !e.haveProgress:
		return 0, engine.ErrNoData
	}
	return e.bufferLocked(time.Now()).Seconds(), nil
}

func (m dashMetrics) HTTPRequests(track engine.Track) ([]engine.HTTPRequest, error) {
	e := m.e
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.unusable:
		return nil, engine.ErrUnusable
	case track != engine.TrackVideo:
		return nil, engine.ErrNoData
	}
	return append([]engine.HTTPRequest(nil), e.requests...), nil
}

var (
	_ engine.Engine              = (*Engine)(nil)
	_ engine.ThroughputEstimator = (*Engine)(nil)
	_ engine.Factory             = (*Factory)(nil)
)
