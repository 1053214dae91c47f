package stats

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"
)

// Recorder accumulates per-session distributions of normalized stats.
// Only fields refreshed on a tick are added, so carried-forward values do not
// skew the percentiles.
//
// Thread-safe.
type Recorder struct {
	mu sync.Mutex

	downloadDigest *tdigest.TDigest
	bufferDigest   *tdigest.TDigest
	bitrateDigest  *tdigest.TDigest

	ticks         int64
	freshTicks    int64
	minBuffer     float64
	bufferSamples int64
	lastDropped   int64
	lastBitrate   int64

	started time.Time
	now     func() time.Time
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return newRecorderWithClock(time.Now)
}

func newRecorderWithClock(now func() time.Time) *Recorder {
	return &Recorder{
		downloadDigest: tdigest.NewWithCompression(100),
		bufferDigest:   tdigest.NewWithCompression(100),
		bitrateDigest:  tdigest.NewWithCompression(100),
		started:        now(),
		now:            now,
	}
}

// Add records one poll tick.
func (r *Recorder) Add(s PlaybackStats, fresh Fields) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ticks++
	if fresh.Any() {
		r.freshTicks++
	}
	if fresh.Has(FieldDownload) {
		r.downloadDigest.Add(float64(s.DownloadKbps), 1)
	}
	if fresh.Has(FieldBuffer) && s.BufferSeconds.Valid {
		r.bufferDigest.Add(s.BufferSeconds.Seconds, 1)
		if r.bufferSamples == 0 || s.BufferSeconds.Seconds < r.minBuffer {
			r.minBuffer = s.BufferSeconds.Seconds
		}
		r.bufferSamples++
	}
	if fresh.Has(FieldBitrate) {
		r.bitrateDigest.Add(float64(s.BitrateKbps), 1)
		r.lastBitrate = s.BitrateKbps
	}
	if fresh.Has(FieldDropped) {
		r.lastDropped = s.DroppedFrames
	}
}

// Reset clears all samples and restarts the clock.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downloadDigest.Reset()
	r.bufferDigest.Reset()
	r.bitrateDigest.Reset()
	r.ticks, r.freshTicks, r.bufferSamples = 0, 0, 0
	r.minBuffer, r.lastDropped, r.lastBitrate = 0, 0, 0
	r.started = r.now()
}

// Distribution is a percentile summary of one metric.
type Distribution struct {
	Samples int64   `json:"samples"`
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
}

// SessionSummary is the aggregate view of one session's telemetry.
type SessionSummary struct {
	Duration      time.Duration `json:"duration"`
	Ticks         int64         `json:"ticks"`
	FreshTicks    int64         `json:"fresh_ticks"`
	DownloadKbps  Distribution  `json:"download_kbps"`
	BufferSeconds Distribution  `json:"buffer_seconds"`
	MinBuffer     float64       `json:"min_buffer_seconds"`
	BitrateKbps   Distribution  `json:"bitrate_kbps"`
	LastBitrate   int64         `json:"last_bitrate_kbps"`
	DroppedFrames int64         `json:"dropped_frames"`
}

// Summary returns the current percentiles.
func (r *Recorder) Summary() SessionSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	return SessionSummary{
		Duration:      r.now().Sub(r.started),
		Ticks:         r.ticks,
		FreshTicks:    r.freshTicks,
		DownloadKbps:  distribution(r.downloadDigest),
		BufferSeconds: distribution(r.bufferDigest),
		MinBuffer:     r.minBuffer,
		BitrateKbps:   distribution(r.bitrateDigest),
		LastBitrate:   r.lastBitrate,
		DroppedFrames: r.lastDropped,
	}
}

func distribution(d *tdigest.TDigest) Distribution {
	n := int64(d.Count())
	if n == 0 {
		return Distribution{}
	}
	return Distribution{
		Samples: n,
		P50:     d.Quantile(0.50),
		P95:     d.Quantile(0.95),
	}
}
