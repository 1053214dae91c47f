// Package stats normalizes raw engine telemetry into PlaybackStats and keeps
// per-session distributions for the exit summary.
package stats

import (
	"encoding/json"
	"strconv"
)

// NotAvailable is reported for a buffer level that has never been read.
const NotAvailable = "N/A"

// BufferLevel is a buffer depth in seconds, or unavailable.
type BufferLevel struct {
	Seconds float64
	Valid   bool
}

// Buffer returns a valid level.
func Buffer(seconds float64) BufferLevel {
	return BufferLevel{Seconds: seconds, Valid: true}
}

// String formats the level with two decimals, or "N/A".
func (b BufferLevel) String() string {
	if !b.Valid {
		return NotAvailable
	}
	return strconv.FormatFloat(b.Seconds, 'f', 2, 64)
}

// MarshalJSON renders a number, or the string "N/A".
func (b BufferLevel) MarshalJSON() ([]byte, error) {
	if !b.Valid {
		return json.Marshal(NotAvailable)
	}
	return json.Marshal(b.Seconds)
}

// UnmarshalJSON accepts a number or "N/A".
func (b *BufferLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*b = BufferLevel{}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*b = Buffer(f)
	return nil
}

// PlaybackStats is the normalized telemetry snapshot for one poll tick.
// The zero value is the pre-poll default: zeros and an unavailable buffer.
type PlaybackStats struct {
	DownloadKbps  int64       `json:"download_kbps"`
	BufferSeconds BufferLevel `json:"buffer_seconds"`
	BitrateKbps   int64       `json:"bitrate_kbps"`
	DroppedFrames int64       `json:"dropped_frames"`
}

// Field identifies one PlaybackStats field.
type Field uint8

const (
	FieldDownload Field = 1 << iota
	FieldBuffer
	FieldBitrate
	FieldDropped
)

// Fields is a set of fields refreshed by one normalization.
type Fields uint8

// Has reports whether f is in the set.
func (s Fields) Has(f Field) bool { return s&Fields(f) != 0 }

// Any reports whether at least one field was refreshed.
func (s Fields) Any() bool { return s != 0 }

func (s *Fields) add(f Field) { *s |= Fields(f) }
