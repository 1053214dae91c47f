// Package engine defines the capability contract between the playback
// controller and an adaptive-streaming decode engine.
//
// Every accessor returns an explicit error instead of panicking. Callers are
// expected to treat each read as independently fallible.
package engine

import (
	"errors"
	"time"
)

// Track identifies a media track within a manifest.
type Track string

const (
	TrackVideo Track = "video"
	TrackAudio Track = "audio"
)

var (
	// ErrUnusable is returned once an engine can no longer play anything
	// (for example after exhausting its restart budget). Pollers should stop.
	ErrUnusable = errors.New("engine unusable")

	// ErrNotReady is returned by reads that need a loaded manifest.
	ErrNotReady = errors.New("engine not ready")

	// ErrNoData is returned when a metric has never been sampled.
	ErrNoData = errors.New("no data")

	// ErrUnknownQuality is returned by SetQualityFor for an index the
	// engine does not know.
	ErrUnknownQuality = errors.New("unknown quality index")

	// ErrTargetInUse is returned when a render target is already bound.
	ErrTargetInUse = errors.New("render target already bound")
)

// Settings toggles engine behaviour.
type Settings struct {
	FastSwitch  bool
	AutoBitrate bool
}

// BitrateInfo describes one representation as reported by the engine.
type BitrateInfo struct {
	QualityIndex int
	Bitrate      int64 // bits per second
	Width        int
	Height       int
}

// HTTPRequest is one completed segment or manifest fetch.
type HTTPRequest struct {
	URL              string
	StartTime        time.Time
	EndTime          time.Time
	BytesTransferred int64
}

// Duration returns the fetch wall time.
func (r HTTPRequest) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Metrics exposes live engine measurements.
type Metrics interface {
	// CurrentBufferLevel returns buffered-but-unplayed media in seconds.
	CurrentBufferLevel(track Track) (float64, error)

	// HTTPRequests returns completed fetches, oldest first.
	HTTPRequests(track Track) ([]HTTPRequest, error)
}

// RenderTarget is the surface frames are presented on.
type RenderTarget interface {
	// DroppedFrames returns the cumulative dropped-frame counter.
	DroppedFrames() (int64, error)
}

// BoundTarget is a RenderTarget held by one engine at a time. Its counters
// restart when a different owner binds it.
type BoundTarget interface {
	RenderTarget
	Attach(owner string) error
	Release(owner string)
}

// Engine is a single playback instance. One engine is created per session
// and discarded after Reset.
type Engine interface {
	// Initialize binds the render target and begins loading the manifest.
	// It must return without waiting for the manifest; completion is
	// reported through EventManifestLoaded or EventManifestLoadFailed.
	Initialize(target RenderTarget, manifestURL string, autoPlay bool) error

	UpdateSettings(s Settings) error

	// On registers h for events of type t. The returned Subscription
	// detaches h when Unsubscribe is called.
	On(t EventType, h Handler) Subscription

	QualityFor(track Track) (int, error)
	BitrateInfoListFor(track Track) ([]BitrateInfo, error)
	SetAutoSwitchQualityFor(track Track, enabled bool) error
	SetQualityFor(track Track, index int) error

	DashMetrics() (Metrics, error)

	// Reset stops playback and releases every resource held by the engine,
	// including the render target binding. Safe to call more than once.
	Reset() error
}

// ThroughputEstimator is implemented by engines that keep a running
// throughput estimate. Returned value is bits per second.
type ThroughputEstimator interface {
	AverageThroughput(track Track) (float64, error)
}

// Factory creates a fresh engine instance.
type Factory interface {
	Create() (Engine, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func() (Engine, error)

// Create calls f.
func (f FactoryFunc) Create() (Engine, error) { return f() }
