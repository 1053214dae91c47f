package stats

import (
	"errors"
	"math"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/engine"
)

// ErrNoEstimator is reported when the engine keeps no throughput estimate.
var ErrNoEstimator = errors.New("engine has no throughput estimator")

// Reading is one poll's raw, independently fallible engine reads.
type Reading struct {
	Requests    []engine.HTTPRequest
	RequestsErr error

	BufferSeconds float64
	BufferErr     error

	ActiveBitrateBps int64
	BitrateErr       error

	ThroughputBps float64
	ThroughputErr error

	DroppedFrames int64
	DroppedErr    error
}

// Normalize folds r into prev. Each field is computed on its own; a field
// whose read failed keeps its value from prev. The returned set names the
// fields that were refreshed.
func Normalize(prev PlaybackStats, r Reading) (PlaybackStats, Fields) {
	next := prev
	var fresh Fields

	if kbps, ok := downloadKbps(r); ok {
		next.DownloadKbps = kbps
		fresh.add(FieldDownload)
	}

	if r.BufferErr == nil && !math.IsNaN(r.BufferSeconds) && !math.IsInf(r.BufferSeconds, 0) {
		next.BufferSeconds = Buffer(round2(r.BufferSeconds))
		fresh.add(FieldBuffer)
	}

	switch {
	case r.BitrateErr == nil && r.ActiveBitrateBps > 0:
		next.BitrateKbps = int64(math.Round(float64(r.ActiveBitrateBps) / 1000))
		fresh.add(FieldBitrate)
	case r.ThroughputErr == nil && r.ThroughputBps > 0:
		next.BitrateKbps = int64(math.Round(r.ThroughputBps / 1000))
		fresh.add(FieldBitrate)
	}

	if r.DroppedErr == nil && r.DroppedFrames >= 0 {
		next.DroppedFrames = r.DroppedFrames
		fresh.add(FieldDropped)
	}

	return next, fresh
}

// downloadKbps computes the speed of the most recent completed fetch.
func downloadKbps(r Reading) (int64, bool) {
	if r.RequestsErr != nil || len(r.Requests) == 0 {
		return 0, false
	}
	last := r.Requests[len(r.Requests)-1]
	secs := last.Duration().Seconds()
	if secs <= 0 || last.BytesTransferred <= 0 {
		return 0, false
	}
	return int64(math.Round(float64(last.BytesTransferred) * 8 / secs / 1000)), true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Collect performs every read for one poll tick against e and target.
// It never returns early: each read's failure is recorded in its own error
// field.
func Collect(e engine.Engine, target engine.RenderTarget) Reading {
	var r Reading

	m, err := e.DashMetrics()
	if err != nil {
		r.BufferErr = err
		r.RequestsErr = err
	} else {
		r.BufferSeconds, r.BufferErr = safeFloat(func() (float64, error) {
			return m.CurrentBufferLevel(engine.TrackVideo)
		})
		r.Requests, r.RequestsErr = safeRequests(m)
	}

	r.ActiveBitrateBps, r.BitrateErr = activeBitrate(e)

	if est, ok := e.(engine.ThroughputEstimator); ok {
		r.ThroughputBps, r.ThroughputErr = safeFloat(func() (float64, error) {
			return est.AverageThroughput(engine.TrackVideo)
		})
	} else {
		r.ThroughputErr = ErrNoEstimator
	}

	if target == nil {
		r.DroppedErr = engine.ErrNoData
	} else {
		r.DroppedFrames, r.DroppedErr = target.DroppedFrames()
	}

	return r
}

// activeBitrate resolves the bitrate of the engine's current quality index.
// The list is searched by QualityIndex first, then positionally.
func activeBitrate(e engine.Engine) (int64, error) {
	idx, err := e.QualityFor(engine.TrackVideo)
	if err != nil {
		return 0, err
	}
	list, err := e.BitrateInfoListFor(engine.TrackVideo)
	if err != nil {
		return 0, err
	}
	for _, info := range list {
		if info.QualityIndex == idx {
			return info.Bitrate, nil
		}
	}
	if idx >= 0 && idx < len(list) {
		return list[idx].Bitrate, nil
	}
	return 0, engine.ErrUnknownQuality
}

// safeFloat guards a read against an engine that panics despite the contract.
func safeFloat(read func() (float64, error)) (v float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = 0, errReadPanicked
		}
	}()
	return read()
}

func safeRequests(m engine.Metrics) (reqs []engine.HTTPRequest, err error) {
	defer func() {
		if r := recover(); r != nil {
			reqs, err = nil, errReadPanicked
		}
	}()
	return m.HTTPRequests(engine.TrackVideo)
}

var errReadPanicked = errors.New("metric read panicked")
