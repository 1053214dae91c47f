package playback

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/engine"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/engine/enginetest"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/engine/ffengine"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/playerror"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/quality"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/stats"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// manualTicker fires only when the test sends on it.
type manualTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               { m.stopped.Store(true) }

type tickers struct {
	mu   sync.Mutex
	list []*manualTicker
}

func (t *tickers) New(time.Duration) Ticker {
	mt := &manualTicker{ch: make(chan time.Time)}
	t.mu.Lock()
	t.list = append(t.list, mt)
	t.mu.Unlock()
	return mt
}

func (t *tickers) Last() *manualTicker {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.list) == 0 {
		return nil
	}
	return t.list[len(t.list)-1]
}

type harness struct {
	c       *Controller
	factory *enginetest.Factory
	target  *enginetest.Target
	tickers *tickers
	sub     *Subscription
}

func newHarness(t *testing.T, factory engine.Factory) *harness {
	t.Helper()
	target := &enginetest.Target{}
	h := newHarnessOn(t, factory, target)
	h.target = target
	return h
}

// newHarnessOn builds a harness whose controller renders on target.
func newHarnessOn(t *testing.T, factory engine.Factory, target engine.RenderTarget) *harness {
	t.Helper()
	h := &harness{tickers: &tickers{}}
	if factory == nil {
		h.factory = enginetest.NewFactory(nil)
		factory = h.factory
	}
	c, err := New(Config{
		Factory:   factory,
		Target:    target,
		AutoPlay:  true,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewTicker: h.tickers.New,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.c = c
	h.sub = c.Subscribe(256)
	t.Cleanup(c.Close)
	return h
}

// tick fires the poll ticker once and waits for the resulting stats update.
func (h *harness) tick(t *testing.T) Update {
	t.Helper()
	tk := h.tickers.Last()
	if tk == nil {
		t.Fatal("no ticker started")
	}
	select {
	case tk.ch <- time.Now():
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop did not accept tick")
	}
	return h.waitFor(t, UpdateStats)
}

func (h *harness) waitFor(t *testing.T, kind UpdateKind) Update {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-h.sub.C():
			if !ok {
				t.Fatalf("subscription closed waiting for %s", kind)
			}
			if u.Kind == kind {
				return u
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s update", kind)
		}
	}
}

func (h *harness) loadReady(t *testing.T, url string) *enginetest.Engine {
	t.Helper()
	if _, err := h.c.Load(url); err != nil {
		t.Fatalf("Load(%q): %v", url, err)
	}
	e := h.factory.Last()
	e.LoadManifest()
	if got := h.c.Snapshot().Status; got != StatusReady {
		t.Fatalf("status after manifest = %s, want ready", got)
	}
	return e
}

func TestNew_RequiresFactory(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New without factory succeeded")
	}
}

func TestController_LoadReachesReady(t *testing.T) {
	h := newHarness(t, nil)

	id, err := h.c.Load("http://localhost:8080/static/abc_dash/manifest.mpd")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if id != 1 {
		t.Errorf("session id = %d, want 1", id)
	}

	s := h.c.Snapshot()
	if s.Status != StatusInitializing {
		t.Errorf("status = %s, want initializing", s.Status)
	}
	if s.Stats.BufferSeconds.String() != "N/A" {
		t.Errorf("initial buffer = %s, want N/A", s.Stats.BufferSeconds)
	}

	e := h.factory.Last()
	if e.URL() != "http://localhost:8080/static/abc_dash/manifest.mpd" || !e.AutoPlay() {
		t.Errorf("Initialize got url=%q autoplay=%v", e.URL(), e.AutoPlay())
	}
	if e.Target() != h.target {
		t.Error("engine not bound to the configured target")
	}
	if !e.Settings().AutoBitrate {
		t.Error("auto bitrate not enabled on new session")
	}

	e.LoadManifest()

	s = h.c.Snapshot()
	if s.Status != StatusReady {
		t.Fatalf("status = %s, want ready", s.Status)
	}
	var got []int
	for _, l := range s.Catalog.Levels {
		got = append(got, l.Index)
	}
	if diff := cmp.Diff([]int{2, 1, 0}, got); diff != "" {
		t.Errorf("catalog order (-want +got):\n%s", diff)
	}
	if s.Catalog.SessionID != id {
		t.Errorf("catalog session = %d, want %d", s.Catalog.SessionID, id)
	}
	if s.Quality.Mode != quality.Auto() {
		t.Errorf("quality mode = %v, want auto", s.Quality.Mode)
	}
}

func TestController_LoadEmptyURL(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.c.Load(""); !errors.Is(err, ErrEmptyManifest) {
		t.Errorf("Load(\"\") = %v, want ErrEmptyManifest", err)
	}
	if n := len(h.factory.Engines()); n != 0 {
		t.Errorf("engines created = %d, want 0", n)
	}
}

func TestController_ReplaceTearsDownPrevious(t *testing.T) {
	h := newHarness(t, nil)

	abc := h.loadReady(t, "http://h/abc_dash/manifest.mpd")
	firstTicker := h.tickers.Last()

	id2, err := h.c.Load("http://h/xyz_dash/manifest.mpd")
	if err != nil {
		t.Fatalf("Load xyz: %v", err)
	}
	xyz := h.factory.Last()

	if abc.Resets() != 1 {
		t.Errorf("abc resets = %d, want 1", abc.Resets())
	}
	if abc.HandlerCount() != 0 {
		t.Errorf("abc still has %d handlers", abc.HandlerCount())
	}
	if !firstTicker.stopped.Load() {
		t.Error("abc poll ticker not stopped")
	}
	if xyz.Resets() != 0 {
		t.Errorf("xyz resets = %d, want 0", xyz.Resets())
	}

	xyz.LoadManifest()
	s := h.c.Snapshot()
	if s.SessionID != id2 || s.Catalog.SessionID != id2 {
		t.Errorf("session = %d catalog = %d, want %d", s.SessionID, s.Catalog.SessionID, id2)
	}
	if s.ManifestURL != "http://h/xyz_dash/manifest.mpd" {
		t.Errorf("manifest = %q", s.ManifestURL)
	}

	h.c.Dispose()
	if abc.Resets() != 1 || xyz.Resets() != 1 {
		t.Errorf("resets abc=%d xyz=%d, want 1/1", abc.Resets(), xyz.Resets())
	}
}

// leakyEngine ignores unsubscribes and keeps its handlers across Reset,
// modelling an engine that fires late callbacks.
type leakyEngine struct {
	*enginetest.Engine
	resets atomic.Int32
}

type noopSub struct{}

func (noopSub) Unsubscribe() {}

func (l *leakyEngine) On(t engine.EventType, h engine.Handler) engine.Subscription {
	l.Engine.On(t, h)
	return noopSub{}
}

func (l *leakyEngine) Reset() error {
	l.resets.Add(1)
	return nil
}

func TestController_StaleCallbacksIgnored(t *testing.T) {
	var engines []*leakyEngine
	factory := engine.FactoryFunc(func() (engine.Engine, error) {
		e := &leakyEngine{Engine: enginetest.New()}
		engines = append(engines, e)
		return e, nil
	})
	h := newHarness(t, factory)

	if _, err := h.c.Load("http://h/abc_dash/manifest.mpd"); err != nil {
		t.Fatal(err)
	}
	abc := engines[0]
	abc.SetLevels([]engine.BitrateInfo{{QualityIndex: 0, Bitrate: 500_000, Width: 320, Height: 180}})

	id2, err := h.c.Load("http://h/xyz_dash/manifest.mpd")
	if err != nil {
		t.Fatal(err)
	}
	if abc.resets.Load() != 1 {
		t.Errorf("abc resets = %d, want 1", abc.resets.Load())
	}

	// abc still has live handlers and fires into the controller.
	abc.LoadManifest()
	abc.Fail(engine.ErrorEvent{Code: engine.CodeManifestLoading, Message: "late"})

	s := h.c.Snapshot()
	if s.SessionID != id2 {
		t.Fatalf("session = %d, want %d", s.SessionID, id2)
	}
	if s.Status != StatusInitializing {
		t.Errorf("status = %s, want initializing", s.Status)
	}
	if !s.Catalog.Empty() {
		t.Errorf("stale catalog applied: %+v", s.Catalog)
	}
	if s.LastError != nil {
		t.Errorf("stale error applied: %v", s.LastError)
	}

	engines[1].LoadManifest()
	s = h.c.Snapshot()
	if len(s.Catalog.Levels) != 3 || s.Catalog.SessionID != id2 {
		t.Errorf("xyz catalog = %+v", s.Catalog)
	}
}

func TestController_SetQuality(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.c.SetQuality(quality.Manual(1)); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("SetQuality before load = %v, want ErrNoActiveSession", err)
	}

	if _, err := h.c.Load("http://h/abc_dash/manifest.mpd"); err != nil {
		t.Fatal(err)
	}
	if err := h.c.SetQuality(quality.Manual(1)); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("SetQuality while initializing = %v, want ErrNoActiveSession", err)
	}

	e := h.factory.Last()
	e.LoadManifest()

	if err := h.c.SetQuality(quality.Manual(7)); !errors.Is(err, ErrUnknownIndex) {
		t.Errorf("SetQuality(7) = %v, want ErrUnknownIndex", err)
	}
	if calls := e.ManualQualityCalls(); len(calls) != 0 {
		t.Errorf("unknown index reached the engine: %v", calls)
	}

	if err := h.c.SetQuality(quality.Manual(1)); err != nil {
		t.Fatalf("SetQuality(1): %v", err)
	}
	u := h.waitFor(t, UpdateQuality)
	if u.State.Quality.Mode != quality.Manual(1) {
		t.Errorf("mode = %v, want manual 1", u.State.Quality.Mode)
	}
	if idx, ok := u.State.Quality.ResolvedIndex(); !ok || idx != 1 {
		t.Errorf("resolved = %d,%v; want 1", idx, ok)
	}
	if !u.State.Quality.Converged() {
		t.Error("manual 1 not converged")
	}

	if err := h.c.SetQuality(quality.Auto()); err != nil {
		t.Fatalf("SetQuality(auto): %v", err)
	}
	if diff := cmp.Diff([]bool{false, true}, e.AutoSwitchCalls()); diff != "" {
		t.Errorf("auto switch calls (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1}, e.ManualQualityCalls()); diff != "" {
		t.Errorf("manual calls (-want +got):\n%s", diff)
	}
	if h.c.Snapshot().Quality.Mode != quality.Auto() {
		t.Error("mode not auto")
	}
}

func TestController_SetQualityFallsBackToRequestedIndex(t *testing.T) {
	h := newHarness(t, nil)
	e := h.loadReady(t, "http://h/abc_dash/manifest.mpd")
	e.SetQuality(0, enginetest.ErrInjected)

	if err := h.c.SetQuality(quality.Manual(2)); err != nil {
		t.Fatal(err)
	}
	if idx, ok := h.c.Snapshot().Quality.ResolvedIndex(); !ok || idx != 2 {
		t.Errorf("resolved = %d,%v; want 2", idx, ok)
	}
}

func TestController_NewSessionStartsAuto(t *testing.T) {
	h := newHarness(t, nil)
	h.loadReady(t, "http://h/abc_dash/manifest.mpd")
	if err := h.c.SetQuality(quality.Manual(0)); err != nil {
		t.Fatal(err)
	}
	h.loadReady(t, "http://h/xyz_dash/manifest.mpd")
	if got := h.c.Snapshot().Quality.Mode; got != quality.Auto() {
		t.Errorf("mode after reload = %v, want auto", got)
	}
}

func TestController_DisposeIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	h.c.Dispose()
	if got := h.c.Snapshot().Status; got != StatusIdle {
		t.Errorf("status after dispose with no session = %s, want idle", got)
	}

	e := h.loadReady(t, "http://h/abc_dash/manifest.mpd")
	h.c.Dispose()
	h.c.Dispose()

	if e.Resets() != 1 {
		t.Errorf("resets = %d, want 1", e.Resets())
	}
	if got := h.c.Snapshot().Status; got != StatusDisposed {
		t.Errorf("status = %s, want disposed", got)
	}
	if err := h.c.SetQuality(quality.Auto()); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("SetQuality after dispose = %v", err)
	}
}

func TestController_PollingCarriesForward(t *testing.T) {
	h := newHarness(t, nil)
	e := h.loadReady(t, "http://h/abc_dash/manifest.mpd")

	// Metrics not available yet: still ready, everything N/A.
	u := h.tick(t)
	if u.State.Status != StatusReady {
		t.Errorf("status = %s, want ready", u.State.Status)
	}
	if u.State.Stats.BufferSeconds.Valid {
		t.Errorf("buffer = %s, want N/A", u.State.Stats.BufferSeconds)
	}

	e.SetBufferLevel(4.0, nil)
	h.target.SetDropped(3, nil)
	u = h.tick(t)
	if u.State.Status != StatusPlaying {
		t.Errorf("status = %s, want playing", u.State.Status)
	}
	if u.State.Stats.BufferSeconds.String() != "4.00" {
		t.Errorf("buffer = %s, want 4.00", u.State.Stats.BufferSeconds)
	}
	if !u.Fresh.Has(stats.FieldBuffer) {
		t.Error("buffer not fresh")
	}

	e.SetBufferLevel(0, enginetest.ErrInjected)
	u = h.tick(t)
	if u.State.Stats.BufferSeconds.String() != "4.00" {
		t.Errorf("buffer after failed read = %s, want 4.00", u.State.Stats.BufferSeconds)
	}
	if u.State.Stats.DroppedFrames != 3 {
		t.Errorf("dropped = %d, want 3", u.State.Stats.DroppedFrames)
	}
	if got := h.c.Stats(); got != u.State.Stats {
		t.Errorf("Stats() = %+v, want %+v", got, u.State.Stats)
	}

	sum := h.c.Summary()
	if sum.Ticks != 3 || sum.BufferSeconds.Samples != 1 {
		t.Errorf("summary ticks=%d buffer samples=%d", sum.Ticks, sum.BufferSeconds.Samples)
	}
}

func TestController_DroppedFramesScopedToSession(t *testing.T) {
	surface := ffengine.NewSurface()
	h := newHarnessOn(t, nil, surface)

	h.loadReady(t, "http://h/abc_dash/manifest.mpd")
	surface.AddDropped(42)
	if u := h.tick(t); u.State.Stats.DroppedFrames != 42 {
		t.Fatalf("abc dropped = %d, want 42", u.State.Stats.DroppedFrames)
	}

	h.loadReady(t, "http://h/xyz_dash/manifest.mpd")
	u := h.tick(t)
	if u.State.ManifestURL != "http://h/xyz_dash/manifest.mpd" {
		t.Fatalf("tick reported %q", u.State.ManifestURL)
	}
	if u.State.Stats.DroppedFrames != 0 {
		t.Errorf("xyz dropped = %d, want 0", u.State.Stats.DroppedFrames)
	}

	surface.AddDropped(1)
	if u := h.tick(t); u.State.Stats.DroppedFrames != 1 {
		t.Errorf("xyz dropped after one drop = %d, want 1", u.State.Stats.DroppedFrames)
	}
}

func TestController_FatalErrorKeepsPolling(t *testing.T) {
	h := newHarness(t, nil)
	e := h.loadReady(t, "http://h/abc_dash/manifest.mpd")

	e.Fail(engine.ErrorEvent{Code: engine.CodeDecode, Message: "decoder exited", Fatal: true})
	u := h.waitFor(t, UpdateError)
	if u.Err == nil || u.Err.Kind != playerror.KindPlaybackEngine {
		t.Fatalf("error = %+v", u.Err)
	}
	if u.State.Status != StatusErrored {
		t.Errorf("status = %s, want errored", u.State.Status)
	}

	e.SetBufferLevel(1.5, nil)
	u = h.tick(t)
	if u.State.Status != StatusErrored {
		t.Errorf("status after tick = %s, want errored", u.State.Status)
	}
	if u.State.Stats.BufferSeconds.String() != "1.50" {
		t.Errorf("buffer = %s", u.State.Stats.BufferSeconds)
	}
	if err := h.c.SetQuality(quality.Auto()); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("SetQuality while errored = %v", err)
	}
}

func TestController_NonFatalErrorKeepsStatus(t *testing.T) {
	h := newHarness(t, nil)
	e := h.loadReady(t, "http://h/abc_dash/manifest.mpd")

	e.Fail(engine.ErrorEvent{Code: engine.CodeSegmentDownload, URL: "http://h/seg-3.m4s", HTTPStatus: 404})
	u := h.waitFor(t, UpdateError)
	if u.State.Status != StatusReady {
		t.Errorf("status = %s, want ready", u.State.Status)
	}
	if u.Err.Kind != playerror.KindNetworkFetch || u.Err.SourceURL != "http://h/seg-3.m4s" {
		t.Errorf("error = %+v", u.Err)
	}
}

func TestController_ManifestLoadFailed(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.c.Load("http://h/missing_dash/manifest.mpd"); err != nil {
		t.Fatal(err)
	}
	h.factory.Last().Fail(engine.ErrorEvent{Code: engine.CodeManifestLoading, Message: "no such manifest"})

	s := h.c.Snapshot()
	if s.Status != StatusErrored {
		t.Errorf("status = %s, want errored", s.Status)
	}
	if s.LastError == nil || s.LastError.Kind != playerror.KindManifestUnavailable || !s.LastError.Fatal {
		t.Errorf("last error = %+v", s.LastError)
	}
}

func TestController_InitializeFailure(t *testing.T) {
	h := newHarness(t, nil)
	fail := true
	h.factory = enginetest.NewFactory(func(e *enginetest.Engine) {
		if fail {
			e.SetInitError(enginetest.ErrInjected)
		}
	})
	h.c.cfg.Factory = h.factory

	id, err := h.c.Load("http://h/abc_dash/manifest.mpd")
	if !errors.Is(err, enginetest.ErrInjected) {
		t.Fatalf("Load = %v, want injected failure", err)
	}
	if id == 0 {
		t.Error("failed load returned no session id")
	}
	first := h.factory.Last()
	if first.Resets() != 1 || first.HandlerCount() != 0 {
		t.Errorf("failed engine resets=%d handlers=%d", first.Resets(), first.HandlerCount())
	}
	s := h.c.Snapshot()
	if s.Status != StatusErrored || s.LastError == nil {
		t.Errorf("state = %s, %v", s.Status, s.LastError)
	}

	fail = false
	h.loadReady(t, "http://h/abc_dash/manifest.mpd")
	if first.Resets() != 1 {
		t.Errorf("failed engine reset again: %d", first.Resets())
	}
}

func TestController_FactoryFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.factory.FailCreate(enginetest.ErrInjected)

	if _, err := h.c.Load("http://h/abc_dash/manifest.mpd"); !errors.Is(err, enginetest.ErrInjected) {
		t.Fatalf("Load = %v", err)
	}
	if got := h.c.Snapshot().Status; got != StatusIdle {
		t.Errorf("status = %s, want idle", got)
	}
	if h.c.Loads() != 0 {
		t.Errorf("loads = %d, want 0", h.c.Loads())
	}
}

func TestController_UnusableStopsPolling(t *testing.T) {
	h := newHarness(t, nil)
	e := h.loadReady(t, "http://h/abc_dash/manifest.mpd")
	e.SetMetricsError(engine.ErrUnusable)

	h.tick(t)
	u := h.waitFor(t, UpdateError)
	if u.State.Status != StatusErrored {
		t.Errorf("status = %s, want errored", u.State.Status)
	}

	h.c.mu.RLock()
	s := h.c.sess
	h.c.mu.RUnlock()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop still running")
	}
}

func TestController_Reload(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.c.Reload(); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Reload with nothing loaded = %v", err)
	}
	h.loadReady(t, "http://h/abc_dash/manifest.mpd")
	id, err := h.c.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if id != 2 || h.factory.Last().URL() != "http://h/abc_dash/manifest.mpd" {
		t.Errorf("reload id=%d url=%q", id, h.factory.Last().URL())
	}
}

func TestController_CloseEndsSubscriptions(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.c.Subscribe(1)
	h.c.Close()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				sub.Close()
				return
			}
		case <-deadline:
			t.Fatal("subscription not closed")
		}
	}
}
