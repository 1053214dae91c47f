// Package timeseries estimates download throughput for bitrate adaptation.
//
// Two views are kept: an exponentially weighted estimate fed by completed
// fetches, used for switching decisions, and rolling averages over
// cumulative bytes sampled once per tick, used for display.
//
// Thread-safe: AddBytes uses an atomic counter, everything else takes mu.
package timeseries

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// ringBufferSize holds one minute at one sample per second.
	ringBufferSize = 60

	window1s  = 1 * time.Second
	window10s = 10 * time.Second
	window30s = 30 * time.Second
)

// Clock allows deterministic time in tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type sample struct {
	timestamp time.Time
	bytes     int64
}

// ewma is an exponentially weighted moving average whose weight is the
// fetch duration in seconds. Early estimates are corrected for the zero
// starting value.
type ewma struct {
	alpha       float64
	estimate    float64
	totalWeight float64
}

func newEWMA(halfLife time.Duration) ewma {
	return ewma{alpha: math.Exp(math.Log(0.5) / halfLife.Seconds())}
}

func (e *ewma) add(weight, value float64) {
	adj := math.Pow(e.alpha, weight)
	e.estimate = value*(1-adj) + adj*e.estimate
	e.totalWeight += weight
}

func (e *ewma) value() float64 {
	if e.totalWeight == 0 {
		return 0
	}
	return e.estimate / (1 - math.Pow(e.alpha, e.totalWeight))
}

// EstimatorConfig tunes the fetch-driven estimate.
type EstimatorConfig struct {
	FastHalfLife time.Duration
	SlowHalfLife time.Duration

	// MinTotalBytes is how much must be downloaded before the estimate is
	// trusted. Until then Estimate returns DefaultBps.
	MinTotalBytes int64

	// MinFetchBytes ignores tiny fetches whose timing is mostly latency.
	MinFetchBytes int64

	DefaultBps float64
}

// DefaultEstimatorConfig returns the values used by the ffmpeg engine.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		FastHalfLife:  2 * time.Second,
		SlowHalfLife:  5 * time.Second,
		MinTotalBytes: 128 * 1024,
		MinFetchBytes: 16 * 1024,
		DefaultBps:    1_000_000,
	}
}

// ThroughputEstimator tracks download throughput.
//
//	est := NewThroughputEstimator(DefaultEstimatorConfig())
//	est.AddFetch(bytes, elapsed) // per completed segment
//	est.RecordSample()           // once per poll
//	bps := est.Estimate()
type ThroughputEstimator struct {
	cfg EstimatorConfig

	totalBytes atomic.Int64

	mu           sync.RWMutex
	samples      []sample
	writeIdx     int
	fast, slow   ewma
	fetchBytes   int64
	fetchSamples int64
	startTime    time.Time
	clock        Clock
}

// ThroughputStats is a point-in-time view. Rates are bytes per second
// except the *Bps fields, which are bits per second.
type ThroughputStats struct {
	TotalBytes int64
	Fetches    int64

	Avg1s      float64
	Avg10s     float64
	Avg30s     float64
	AvgOverall float64

	FastBps     float64
	SlowBps     float64
	EstimateBps float64
}

func NewThroughputEstimator(cfg EstimatorConfig) *ThroughputEstimator {
	return NewThroughputEstimatorWithClock(cfg, realClock{})
}

func NewThroughputEstimatorWithClock(cfg EstimatorConfig, clock Clock) *ThroughputEstimator {
	def := DefaultEstimatorConfig()
	if cfg.FastHalfLife <= 0 {
		cfg.FastHalfLife = def.FastHalfLife
	}
	if cfg.SlowHalfLife <= 0 {
		cfg.SlowHalfLife = def.SlowHalfLife
	}
	if cfg.DefaultBps <= 0 {
		cfg.DefaultBps = def.DefaultBps
	}

	e := &ThroughputEstimator{
		cfg:     cfg,
		samples: make([]sample, 0, ringBufferSize),
		clock:   clock,
	}
	e.resetLocked(clock.Now())
	return e
}

// AddBytes counts bytes toward the rolling averages only.
func (e *ThroughputEstimator) AddBytes(n int64) {
	if n > 0 {
		e.totalBytes.Add(n)
	}
}

// AddFetch records a completed download of n bytes that took d. It feeds
// both the rolling averages and the switching estimate.
func (e *ThroughputEstimator) AddFetch(n int64, d time.Duration) {
	if n <= 0 {
		return
	}
	e.totalBytes.Add(n)
	if d <= 0 || n < e.cfg.MinFetchBytes {
		return
	}

	seconds := d.Seconds()
	bps := float64(n) * 8 / seconds

	e.mu.Lock()
	e.fast.add(seconds, bps)
	e.slow.add(seconds, bps)
	e.fetchBytes += n
	e.fetchSamples++
	e.mu.Unlock()
}

// RecordSample snapshots the cumulative byte count.
func (e *ThroughputEstimator) RecordSample() {
	now := e.clock.Now()
	current := e.totalBytes.Load()

	e.mu.Lock()
	defer e.mu.Unlock()

	s := sample{timestamp: now, bytes: current}
	if len(e.samples) < ringBufferSize {
		e.samples = append(e.samples, s)
	} else {
		e.samples[e.writeIdx] = s
		e.writeIdx = (e.writeIdx + 1) % ringBufferSize
	}
}

// Estimate returns the conservative throughput in bits per second: the
// lower of the fast and slow averages, or DefaultBps before enough data.
func (e *ThroughputEstimator) Estimate() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.estimateLocked()
}

func (e *ThroughputEstimator) estimateLocked() float64 {
	if e.fetchSamples == 0 || e.fetchBytes < e.cfg.MinTotalBytes {
		return e.cfg.DefaultBps
	}
	return math.Min(e.fast.value(), e.slow.value())
}

// Stats computes rolling averages and the current estimate.
func (e *ThroughputEstimator) Stats() ThroughputStats {
	now := e.clock.Now()
	current := e.totalBytes.Load()

	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := ThroughputStats{
		TotalBytes:  current,
		Fetches:     e.fetchSamples,
		Avg1s:       e.avgOverWindow(now, current, window1s),
		Avg10s:      e.avgOverWindow(now, current, window10s),
		Avg30s:      e.avgOverWindow(now, current, window30s),
		FastBps:     e.fast.value(),
		SlowBps:     e.slow.value(),
		EstimateBps: e.estimateLocked(),
	}
	if elapsed := now.Sub(e.startTime).Seconds(); elapsed > 0 {
		stats.AvgOverall = float64(current) / elapsed
	}
	return stats
}

// avgOverWindow uses the sample closest to but not after now-window, or
// the oldest sample if history is shorter. Caller holds mu.
func (e *ThroughputEstimator) avgOverWindow(now time.Time, current int64, window time.Duration) float64 {
	target := now.Add(-window)

	var best *sample
	var bestDiff time.Duration = -1
	for i := range e.samples {
		s := &e.samples[i]
		if s.timestamp.After(target) {
			continue
		}
		if diff := target.Sub(s.timestamp); bestDiff < 0 || diff < bestDiff {
			best, bestDiff = s, diff
		}
	}
	if best == nil {
		best = e.oldestSample()
	}
	if best == nil {
		return 0
	}

	elapsed := now.Sub(best.timestamp).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(current-best.bytes) / elapsed
}

func (e *ThroughputEstimator) oldestSample() *sample {
	if len(e.samples) == 0 {
		return nil
	}
	if len(e.samples) < ringBufferSize {
		return &e.samples[0]
	}
	return &e.samples[e.writeIdx]
}

// Reset clears all history.
func (e *ThroughputEstimator) Reset() {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked(now)
}

func (e *ThroughputEstimator) resetLocked(now time.Time) {
	e.totalBytes.Store(0)
	e.samples = append(e.samples[:0], sample{timestamp: now})
	e.writeIdx = 0
	e.fast = newEWMA(e.cfg.FastHalfLife)
	e.slow = newEWMA(e.cfg.SlowHalfLife)
	e.fetchBytes = 0
	e.fetchSamples = 0
	e.startTime = now
}

// SampleCount returns the number of buffered samples.
func (e *ThroughputEstimator) SampleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.samples)
}
