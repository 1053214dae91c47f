// Package metrics provides Prometheus metrics for go-ffmpeg-dash-player.
//
// The Collector is fed from the playback controller's update bus, so every
// metric reflects a state the controller has already published.
package metrics

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/playback"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/playerror"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/quality"
)

const namespace = "dashplayer"

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	InstanceID string
	Version    string
}

// Collector owns the player's Prometheus metrics.
type Collector struct {
	info *prometheus.GaugeVec

	// --- Telemetry ---
	downloadKbps  prometheus.Gauge
	bufferSeconds prometheus.Gauge
	bufferValid   prometheus.Gauge
	bitrateKbps   prometheus.Gauge
	droppedFrames prometheus.Gauge

	// --- Session ---
	sessionState  *prometheus.GaugeVec
	sessionsTotal prometheus.Counter
	statsPolls    prometheus.Counter

	// --- Quality ---
	qualityIndex    prometheus.Gauge
	qualityAuto     prometheus.Gauge
	qualityLevels   prometheus.Gauge
	qualitySwitches *prometheus.CounterVec

	// --- Errors ---
	errorsTotal *prometheus.CounterVec

	mu         sync.Mutex
	lastStatus playback.Status
	observed   int64
}

// NewCollector creates a collector registered with the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "info",
				Help:      "Information about the player instance (value always 1)",
			},
			[]string{"instance_id", "version"},
		),
		downloadKbps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "download_kbps",
			Help:      "Latest normalized download throughput in kbit/s",
		}),
		bufferSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_seconds",
			Help:      "Latest forward buffer level in seconds",
		}),
		bufferValid: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_available",
			Help:      "1 once the engine has reported a buffer level for the session",
		}),
		bitrateKbps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bitrate_kbps",
			Help:      "Bitrate of the active video representation in kbit/s",
		}),
		droppedFrames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dropped_frames",
			Help:      "Frames dropped by the render target during the session",
		}),
		sessionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_state",
				Help:      "Current session state (one-hot)",
			},
			[]string{"state"},
		),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions created",
		}),
		statsPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_polls_total",
			Help:      "Telemetry poll ticks that refreshed at least one field",
		}),
		qualityIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quality_index",
			Help:      "Engine quality index in use (-1 = unknown)",
		}),
		qualityAuto: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quality_auto",
			Help:      "1 when automatic quality selection is enabled",
		}),
		qualityLevels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quality_levels",
			Help:      "Selectable quality levels in the current catalog",
		}),
		qualitySwitches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quality_switches_total",
				Help:      "Quality overrides applied, by mode",
			},
			[]string{"mode"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Classified playback errors, by kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		c.info,
		c.downloadKbps,
		c.bufferSeconds,
		c.bufferValid,
		c.bitrateKbps,
		c.droppedFrames,
		c.sessionState,
		c.sessionsTotal,
		c.statsPolls,
		c.qualityIndex,
		c.qualityAuto,
		c.qualityLevels,
		c.qualitySwitches,
		c.errorsTotal,
	)

	// Set initial values so every series exists from the first scrape
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	c.info.WithLabelValues(cfg.InstanceID, version).Set(1)
	for _, k := range playerror.Kinds {
		c.errorsTotal.WithLabelValues(k.String())
	}
	for _, m := range []quality.Mode{quality.ModeAuto, quality.ModeManual} {
		c.qualitySwitches.WithLabelValues(m.String())
	}
	c.setStatus(playback.StatusIdle)
	c.qualityIndex.Set(-1)
	c.qualityAuto.Set(1)

	return c
}

// Observe updates the metrics from one controller update.
func (c *Collector) Observe(u playback.Update) {
	c.mu.Lock()
	c.observed++
	if u.State.Status != c.lastStatus {
		c.lastStatus = u.State.Status
		c.setStatus(u.State.Status)
	}
	c.mu.Unlock()

	switch u.Kind {
	case playback.UpdateSession:
		c.sessionsTotal.Inc()
		c.resetTelemetry()
		c.qualityLevels.Set(0)
		c.setQuality(u.State.Quality)

	case playback.UpdateCatalog:
		c.qualityLevels.Set(float64(len(u.State.Catalog.Levels)))
		c.setQuality(u.State.Quality)

	case playback.UpdateQuality:
		c.qualitySwitches.WithLabelValues(u.State.Quality.Mode.Mode.String()).Inc()
		c.setQuality(u.State.Quality)

	case playback.UpdateStats:
		if u.Fresh.Any() {
			c.statsPolls.Inc()
		}
		s := u.State.Stats
		c.downloadKbps.Set(float64(s.DownloadKbps))
		c.bitrateKbps.Set(float64(s.BitrateKbps))
		c.droppedFrames.Set(float64(s.DroppedFrames))
		if s.BufferSeconds.Valid {
			c.bufferSeconds.Set(s.BufferSeconds.Seconds)
			c.bufferValid.Set(1)
		}
		c.setQuality(u.State.Quality)

	case playback.UpdateError:
		if u.Err != nil {
			c.errorsTotal.WithLabelValues(u.Err.Kind.String()).Inc()
		}
	}
}

// Run feeds the collector from sub until ctx is done or sub is closed.
func (c *Collector) Run(ctx context.Context, sub *playback.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-sub.C():
			if !ok {
				return
			}
			c.Observe(u)
		}
	}
}

// Observed returns the number of updates seen.
func (c *Collector) Observed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.observed
}

func (c *Collector) setStatus(current playback.Status) {
	for _, s := range playback.Statuses {
		v := 0.0
		if s == current {
			v = 1
		}
		c.sessionState.WithLabelValues(s.String()).Set(v)
	}
}

func (c *Collector) setQuality(q quality.State) {
	if q.Mode.Mode == quality.ModeAuto {
		c.qualityAuto.Set(1)
	} else {
		c.qualityAuto.Set(0)
	}
	if idx, ok := q.ResolvedIndex(); ok {
		c.qualityIndex.Set(float64(idx))
	} else {
		c.qualityIndex.Set(-1)
	}
}

func (c *Collector) resetTelemetry() {
	c.downloadKbps.Set(0)
	c.bufferSeconds.Set(0)
	c.bufferValid.Set(0)
	c.bitrateKbps.Set(0)
	c.droppedFrames.Set(0)
}
