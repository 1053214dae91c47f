package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/engine"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/playerror"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/quality"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/stats"
)

// DefaultPollInterval is the telemetry poll period.
const DefaultPollInterval = time.Second

// Ticker abstracts time.Ticker for tests.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Config holds configuration for creating a Controller.
type Config struct {
	// Factory creates one engine per session (required).
	Factory engine.Factory

	// Target is the render surface bound to every session.
	Target engine.RenderTarget

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration

	AutoPlay   bool
	FastSwitch bool

	Logger *slog.Logger

	// NewTicker overrides the poll ticker (tests).
	NewTicker func(time.Duration) Ticker

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Controller owns at most one playback session at a time.
//
// Load, SetQuality and Dispose are serialized by a lifecycle mutex. Engine
// callbacks and the poll loop run on their own goroutines and only mutate
// state after checking that their session is still current.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	// lifecycle serializes Load, SetQuality and Dispose.
	lifecycle sync.Mutex

	// mu guards everything below. Never held across engine calls.
	mu     sync.RWMutex
	nextID uint64
	sess   *session
	state  State
	loads  int

	recorder *stats.Recorder
	bus      *bus
}

// New creates a controller. It returns an error if cfg.Factory is nil.
func New(cfg Config) (*Controller, error) {
	if cfg.Factory == nil {
		return nil, errors.New("playback: engine factory is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		cfg:      cfg,
		logger:   cfg.Logger,
		state:    State{Status: StatusIdle, Quality: quality.State{Mode: quality.Auto()}},
		recorder: stats.NewRecorder(),
		bus:      newBus(),
	}, nil
}

// Load replaces the current session with a new one for manifestURL. The
// previous session is fully torn down before the new engine is created.
// Load returns once the engine has begun loading; readiness is reported
// through Subscribe and Snapshot.
func (c *Controller) Load(manifestURL string) (uint64, error) {
	if manifestURL == "" {
		return 0, ErrEmptyManifest
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.teardownLocked("replaced")

	eng, err := c.cfg.Factory.Create()
	if err != nil {
		c.logger.Error("engine_create_failed", "manifest_url", manifestURL, "error", err)
		return 0, fmt.Errorf("create engine: %w", err)
	}

	c.mu.Lock()
	c.nextID++
	s := newSession(c.nextID, manifestURL, eng)
	c.sess = s
	c.loads++
	c.state = State{
		SessionID:   s.id,
		ManifestURL: manifestURL,
		Status:      StatusInitializing,
		Quality:     quality.State{Mode: quality.Auto()},
		StartedAt:   c.cfg.Now(),
	}
	snap := c.state.clone()
	c.mu.Unlock()

	c.recorder.Reset()
	c.publish(Update{Kind: UpdateSession, State: snap})

	if err := eng.UpdateSettings(engine.Settings{FastSwitch: c.cfg.FastSwitch, AutoBitrate: true}); err != nil {
		c.logger.Warn("engine_settings_failed", "session_id", s.id, "error", err)
	}

	s.subs = append(s.subs,
		eng.On(engine.EventManifestLoaded, s.guard(c.onManifestLoaded)),
		eng.On(engine.EventManifestLoadFailed, s.guard(c.onError)),
		eng.On(engine.EventError, s.guard(c.onError)),
	)

	if err := eng.Initialize(c.cfg.Target, manifestURL, c.cfg.AutoPlay); err != nil {
		pe := playerror.Classify(err)
		pe.Fatal = true
		c.logger.Error("engine_initialize_failed",
			"session_id", s.id,
			"manifest_url", manifestURL,
			"error", err,
		)
		c.fail(s, pe)
		c.releaseEngine(s)
		return s.id, fmt.Errorf("initialize engine: %w", err)
	}

	s.startPolling(c)

	c.logger.Info("session_loaded",
		"session_id", s.id,
		"manifest_url", manifestURL,
		"poll_interval", c.cfg.PollInterval.String(),
	)
	return s.id, nil
}

// Reload loads the current manifest again in a fresh session.
func (c *Controller) Reload() (uint64, error) {
	c.mu.RLock()
	url := c.state.ManifestURL
	c.mu.RUnlock()
	if url == "" {
		return 0, ErrNoActiveSession
	}
	return c.Load(url)
}

// SetQuality applies a quality override to the current session.
func (c *Controller) SetQuality(req quality.Request) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.RLock()
	s := c.sess
	status := c.state.Status
	catalog := c.state.Catalog
	c.mu.RUnlock()

	if s == nil || !status.Active() {
		return ErrNoActiveSession
	}
	if req.Mode == quality.ModeManual && !catalog.Contains(req.Index) {
		return fmt.Errorf("%w: %d", ErrUnknownIndex, req.Index)
	}

	if err := applyQuality(s.eng, req); err != nil {
		c.logger.Warn("quality_apply_failed",
			"session_id", s.id,
			"request", req.String(),
			"error", err,
		)
		return fmt.Errorf("apply quality %s: %w", req, err)
	}

	next := quality.State{Mode: req}
	if idx, err := s.eng.QualityFor(engine.TrackVideo); err == nil {
		next = next.WithResolved(idx)
	} else if req.Mode == quality.ModeManual {
		next = next.WithResolved(req.Index)
	}

	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	c.state.Quality = next
	snap := c.state.clone()
	c.mu.Unlock()

	c.publish(Update{Kind: UpdateQuality, State: snap})
	c.logger.Info("quality_set",
		"session_id", s.id,
		"request", req.String(),
		"converged", next.Converged(),
	)
	return nil
}

// applyQuality issues the engine calls for req. Auto never issues a
// manual set call.
func applyQuality(e engine.Engine, req quality.Request) error {
	if req.Mode == quality.ModeAuto {
		return e.SetAutoSwitchQualityFor(engine.TrackVideo, true)
	}
	if err := e.SetAutoSwitchQualityFor(engine.TrackVideo, false); err != nil {
		return err
	}
	return e.SetQualityFor(engine.TrackVideo, req.Index)
}

// Stats returns the latest normalized telemetry.
func (c *Controller) Stats() stats.PlaybackStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Stats
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.clone()
}

// Summary returns the current session's telemetry distribution.
func (c *Controller) Summary() stats.SessionSummary {
	return c.recorder.Summary()
}

// Loads returns the number of sessions created so far.
func (c *Controller) Loads() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loads
}

// Subscribe returns a channel of updates. Slow subscribers miss updates
// rather than stall the controller.
func (c *Controller) Subscribe(buffer int) *Subscription {
	return c.bus.subscribe(buffer)
}

// Dispose tears down the current session. Safe to call more than once.
func (c *Controller) Dispose() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.teardownLocked("disposed")
}

// Close disposes the session and closes every subscription.
func (c *Controller) Close() {
	c.Dispose()
	c.bus.closeAll()
}

// teardownLocked stops polling, detaches subscriptions and resets the
// engine, in that order. Caller holds lifecycle.
func (c *Controller) teardownLocked(reason string) {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	if s == nil {
		c.mu.Unlock()
		return
	}
	c.state.Status = StatusDisposed
	snap := c.state.clone()
	c.mu.Unlock()

	s.shutdown()
	c.releaseEngine(s)

	c.publish(Update{Kind: UpdateStatus, State: snap})
	c.logger.Info("session_disposed",
		"session_id", s.id,
		"reason", reason,
	)
}

// releaseEngine detaches handlers, waits for in-flight callbacks and resets
// the engine exactly once.
func (c *Controller) releaseEngine(s *session) {
	s.detach()
	s.resetOnce.Do(func() {
		if err := s.eng.Reset(); err != nil {
			c.logger.Warn("engine_reset_failed", "session_id", s.id, "error", err)
		}
	})
}

func (c *Controller) onManifestLoaded(s *session, ev engine.Event) {
	infos, err := s.eng.BitrateInfoListFor(engine.TrackVideo)
	if err != nil {
		c.logger.Warn("bitrate_list_failed", "session_id", s.id, "error", err)
	}
	catalog := quality.Build(s.id, infos)
	resolved, qerr := s.eng.QualityFor(engine.TrackVideo)

	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.state.Catalog = catalog
	if c.state.Quality.Mode.Mode == quality.ModeManual && !catalog.Contains(c.state.Quality.Mode.Index) {
		c.state.Quality = quality.State{Mode: quality.Auto()}
	}
	if qerr == nil {
		c.state.Quality = c.state.Quality.WithResolved(resolved)
	}
	if c.state.Status == StatusInitializing {
		c.state.Status = StatusReady
	}
	snap := c.state.clone()
	c.mu.Unlock()

	c.publish(Update{Kind: UpdateCatalog, State: snap, At: ev.Time})
	c.logger.Info("manifest_loaded",
		"session_id", s.id,
		"levels", len(catalog.Levels),
		"status", snap.Status.String(),
	)
}

func (c *Controller) onError(s *session, ev engine.Event) {
	pe := playerror.Classify(ev.Payload)
	if ev.Type == engine.EventManifestLoadFailed {
		pe.Fatal = true
		if pe.Kind != playerror.KindNetworkFetch {
			pe.Kind = playerror.KindManifestUnavailable
		}
	}
	c.fail(s, pe)
}

// fail records pe on s if s is still current.
func (c *Controller) fail(s *session, pe *playerror.PlaybackError) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.state.LastError = pe
	if pe.Fatal {
		switch c.state.Status {
		case StatusInitializing, StatusReady, StatusPlaying:
			c.state.Status = StatusErrored
		}
	}
	snap := c.state.clone()
	c.mu.Unlock()

	c.publish(Update{Kind: UpdateError, State: snap, Err: pe})
	c.logger.Warn("playback_error",
		"session_id", s.id,
		"kind", pe.Kind.String(),
		"fatal", pe.Fatal,
		"source_url", pe.SourceURL,
		"http_status", pe.HTTPStatus,
		"message", pe.Message,
	)
}

// tick runs one poll. It returns false when polling should stop.
func (c *Controller) tick(s *session) bool {
	c.mu.RLock()
	current := c.sess == s
	prev := c.state.Stats
	c.mu.RUnlock()
	if !current {
		return false
	}

	reading := stats.Collect(s.eng, c.cfg.Target)
	next, fresh := stats.Normalize(prev, reading)
	resolved, qerr := s.eng.QualityFor(engine.TrackVideo)
	unusable := isUnusable(reading)

	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return false
	}
	c.state.Stats = next
	if qerr == nil {
		c.state.Quality = c.state.Quality.WithResolved(resolved)
	}
	if c.state.Status == StatusReady && (fresh.Has(stats.FieldBuffer) || fresh.Has(stats.FieldDownload)) {
		c.state.Status = StatusPlaying
	}
	snap := c.state.clone()
	c.mu.Unlock()

	c.recorder.Add(next, fresh)
	c.publish(Update{Kind: UpdateStats, State: snap, Fresh: fresh, At: c.cfg.Now()})

	if unusable {
		c.fail(s, &playerror.PlaybackError{
			Kind:    playerror.KindPlaybackEngine,
			Message: engine.ErrUnusable.Error(),
			Fatal:   true,
		})
		c.logger.Warn("polling_stopped", "session_id", s.id, "reason", "engine_unusable")
		return false
	}
	return true
}

func isUnusable(r stats.Reading) bool {
	for _, err := range []error{r.BufferErr, r.RequestsErr, r.BitrateErr} {
		if errors.Is(err, engine.ErrUnusable) {
			return true
		}
	}
	return false
}

func (c *Controller) publish(u Update) {
	if u.At.IsZero() {
		u.At = c.cfg.Now()
	}
	c.bus.publish(u)
}
