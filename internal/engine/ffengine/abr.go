package ffengine

import "time"

// ABRConfig tunes automatic representation selection.
type ABRConfig struct {
	// SafetyFactor scales the throughput estimate before comparing it
	// with representation bitrates.
	SafetyFactor float64

	// LowBuffer forces a step down regardless of the estimate.
	LowBuffer time.Duration

	// HighBuffer allows probing one rung up when the estimate covers the
	// current rung. Paced reads cap the estimate near the current bitrate,
	// so without probing playback would never climb.
	HighBuffer time.Duration

	// Cooldown is the minimum time between automatic switches.
	Cooldown time.Duration
}

// DefaultABRConfig returns the defaults used by NewFactory.
func DefaultABRConfig() ABRConfig {
	return ABRConfig{
		SafetyFactor: 0.9,
		LowBuffer:    2 * time.Second,
		HighBuffer:   8 * time.Second,
		Cooldown:     10 * time.Second,
	}
}

// initialRepresentation picks the starting rung from the estimate alone.
func initialRepresentation(bitrates []int64, estimateBps float64, cfg ABRConfig) int {
	target := 0
	for i, b := range bitrates {
		if float64(b) <= estimateBps*cfg.SafetyFactor {
			target = i
		}
	}
	return target
}

// chooseRepresentation returns the quality index to play next. bitrates is
// ascending, current indexes into it.
func chooseRepresentation(bitrates []int64, current int, estimateBps float64, buffer time.Duration, cfg ABRConfig) int {
	if len(bitrates) == 0 {
		return current
	}
	if current < 0 || current >= len(bitrates) {
		current = 0
	}

	budget := estimateBps * cfg.SafetyFactor
	target := initialRepresentation(bitrates, estimateBps, cfg)

	switch {
	case buffer < cfg.LowBuffer && current > 0:
		if target >= current {
			target = current - 1
		}
	case target < current:
		// Keep the current rung while the buffer is healthy and the
		// estimate still covers it without the safety margin.
		if buffer >= cfg.HighBuffer && estimateBps >= float64(bitrates[current]) {
			target = current
		}
	case target <= current && buffer >= cfg.HighBuffer && budget >= float64(bitrates[current]):
		if current+1 < len(bitrates) {
			target = current + 1
		}
	}
	return target
}
