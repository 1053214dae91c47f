// Package enginetest provides a scriptable in-memory engine for tests.
//
// Nothing happens asynchronously on its own: a test drives manifest loads and
// errors explicitly through LoadManifest and Fail.
package enginetest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/engine"
)

// DefaultLevels is a three-rung ladder matching a typical DASH encode.
var DefaultLevels = []engine.BitrateInfo{
	{QualityIndex: 0, Bitrate: 800_000, Width: 640, Height: 360},
	{QualityIndex: 1, Bitrate: 1_400_000, Width: 1280, Height: 720},
	{QualityIndex: 2, Bitrate: 2_800_000, Width: 1920, Height: 1080},
}

// Engine is a fake engine.Engine. All setters are safe for concurrent use.
type Engine struct {
	engine.Dispatcher

	ID int

	mu          sync.Mutex
	target      engine.RenderTarget
	url         string
	autoPlay    bool
	initErr     error
	initCalls   int
	settings    engine.Settings
	levels      []engine.BitrateInfo
	quality     int
	qualityErr  error
	autoSwitch  bool
	autoCalls   []bool
	manualCalls []int
	metricsErr  error
	buffer      float64
	bufferErr   error
	requests    []engine.HTTPRequest
	requestsErr error
	throughput  float64
	tputErr     error
	resets      int
}

// New returns a fake engine with DefaultLevels, auto switching on and no
// metric data yet.
func New() *Engine {
	return &Engine{
		levels:     append([]engine.BitrateInfo(nil), DefaultLevels...),
		autoSwitch: true,
		bufferErr:  engine.ErrNoData,
		tputErr:    engine.ErrNoData,
	}
}

// Initialize records the call and binds target when it is an
// engine.BoundTarget. It never emits events.
func (e *Engine) Initialize(target engine.RenderTarget, manifestURL string, autoPlay bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initCalls++
	if e.initErr != nil {
		return e.initErr
	}
	if b, ok := target.(engine.BoundTarget); ok {
		if err := b.Attach(e.owner()); err != nil {
			return err
		}
	}
	e.target = target
	e.url = manifestURL
	e.autoPlay = autoPlay
	return nil
}

// owner names the engine when binding a BoundTarget.
func (e *Engine) owner() string {
	return fmt.Sprintf("fake-%p", e)
}

func (e *Engine) UpdateSettings(s engine.Settings) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings = s
	e.autoSwitch = s.AutoBitrate
	return nil
}

func (e *Engine) QualityFor(engine.Track) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.qualityErr != nil {
		return 0, e.qualityErr
	}
	return e.quality, nil
}

func (e *Engine) BitrateInfoListFor(engine.Track) ([]engine.BitrateInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.levels == nil {
		return nil, engine.ErrNotReady
	}
	return append([]engine.BitrateInfo(nil), e.levels...), nil
}

func (e *Engine) SetAutoSwitchQualityFor(_ engine.Track, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.autoSwitch = enabled
	e.autoCalls = append(e.autoCalls, enabled)
	return nil
}

func (e *Engine) SetQualityFor(_ engine.Track, index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, l := range e.levels {
		if l.QualityIndex == index {
			e.quality = index
			e.manualCalls = append(e.manualCalls, index)
			return nil
		}
	}
	return engine.ErrUnknownQuality
}

func (e *Engine) DashMetrics() (engine.Metrics, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.metricsErr != nil {
		return nil, e.metricsErr
	}
	return metrics{e}, nil
}

// AverageThroughput implements engine.ThroughputEstimator.
func (e *Engine) AverageThroughput(engine.Track) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.throughput, e.tputErr
}

// Reset counts calls and drops every handler.
func (e *Engine) Reset() error {
	e.mu.Lock()
	e.resets++
	if b, ok := e.target.(engine.BoundTarget); ok {
		b.Release(e.owner())
	}
	e.target = nil
	e.mu.Unlock()
	e.Dispatcher.Clear()
	return nil
}

// LoadManifest emits EventManifestLoaded as the real engine would once the
// manifest has been fetched.
func (e *Engine) LoadManifest() {
	e.mu.Lock()
	info := engine.ManifestInfo{URL: e.url, Representations: len(e.levels)}
	e.mu.Unlock()
	e.Emit(engine.Event{Type: engine.EventManifestLoaded, Payload: info, Time: time.Now()})
}

// Fail emits ev under EventError, or EventManifestLoadFailed for manifest
// loading codes.
func (e *Engine) Fail(ev engine.ErrorEvent) {
	t := engine.EventError
	if ev.Code == engine.CodeManifestLoading {
		t = engine.EventManifestLoadFailed
	}
	e.Emit(engine.Event{Type: t, Payload: ev, Time: time.Now()})
}

// EmitRaw emits an arbitrary payload.
func (e *Engine) EmitRaw(t engine.EventType, payload any) {
	e.Emit(engine.Event{Type: t, Payload: payload, Time: time.Now()})
}

func (e *Engine) SetInitError(err error) {
	e.mu.Lock()
	e.initErr = err
	e.mu.Unlock()
}

func (e *Engine) SetLevels(levels []engine.BitrateInfo) {
	e.mu.Lock()
	e.levels = levels
	e.mu.Unlock()
}

func (e *Engine) SetQuality(index int, err error) {
	e.mu.Lock()
	e.quality = index
	e.qualityErr = err
	e.mu.Unlock()
}

func (e *Engine) SetMetricsError(err error) {
	e.mu.Lock()
	e.metricsErr = err
	e.mu.Unlock()
}

func (e *Engine) SetBufferLevel(seconds float64, err error) {
	e.mu.Lock()
	e.buffer = seconds
	e.bufferErr = err
	e.mu.Unlock()
}

func (e *Engine) SetRequests(reqs []engine.HTTPRequest, err error) {
	e.mu.Lock()
	e.requests = reqs
	e.requestsErr = err
	e.mu.Unlock()
}

func (e *Engine) SetThroughput(bps float64, err error) {
	e.mu.Lock()
	e.throughput = bps
	e.tputErr = err
	e.mu.Unlock()
}

func (e *Engine) Resets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resets
}

func (e *Engine) InitCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initCalls
}

func (e *Engine) URL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.url
}

func (e *Engine) AutoPlay() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.autoPlay
}

func (e *Engine) Target() engine.RenderTarget {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.target
}

func (e *Engine) Settings() engine.Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

func (e *Engine) AutoSwitch() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.autoSwitch
}

// AutoSwitchCalls returns every SetAutoSwitchQualityFor argument in order.
func (e *Engine) AutoSwitchCalls() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.autoCalls...)
}

// ManualQualityCalls returns every accepted SetQualityFor index in order.
func (e *Engine) ManualQualityCalls() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.manualCalls...)
}

type metrics struct{ e *Engine }

func (m metrics) CurrentBufferLevel(engine.Track) (float64, error) {
	m.e.mu.Lock()
	defer m.e.mu.Unlock()
	return m.e.buffer, m.e.bufferErr
}

func (m metrics) HTTPRequests(engine.Track) ([]engine.HTTPRequest, error) {
	m.e.mu.Lock()
	defer m.e.mu.Unlock()
	if m.e.requestsErr != nil {
		return nil, m.e.requestsErr
	}
	return append([]engine.HTTPRequest(nil), m.e.requests...), nil
}

// Factory hands out fake engines and remembers them.
type Factory struct {
	mu      sync.Mutex
	engines []*Engine
	err     error
	setup   func(*Engine)
}

// NewFactory returns a factory. setup, if non-nil, runs on every engine
// before it is returned.
func NewFactory(setup func(*Engine)) *Factory {
	return &Factory{setup: setup}
}

// Create implements engine.Factory.
func (f *Factory) Create() (engine.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e := New()
	e.ID = len(f.engines) + 1
	if f.setup != nil {
		f.setup(e)
	}
	f.engines = append(f.engines, e)
	return e, nil
}

// FailCreate makes subsequent Create calls return err.
func (f *Factory) FailCreate(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Engines returns every engine created so far.
func (f *Factory) Engines() []*Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Engine(nil), f.engines...)
}

// Last returns the most recently created engine, or nil.
func (f *Factory) Last() *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

// Target is a fake render target.
type Target struct {
	mu      sync.Mutex
	dropped int64
	err     error
}

func (t *Target) DroppedFrames() (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped, t.err
}

func (t *Target) SetDropped(n int64, err error) {
	t.mu.Lock()
	t.dropped = n
	t.err = err
	t.mu.Unlock()
}

// ErrInjected is a generic failure for scripted reads.
var ErrInjected = errors.New("injected failure")

var (
	_ engine.Engine              = (*Engine)(nil)
	_ engine.ThroughputEstimator = (*Engine)(nil)
	_ engine.Factory             = (*Factory)(nil)
	_ engine.RenderTarget        = (*Target)(nil)
)
