// Package playback implements the session controller that binds a render
// target and manifest to a decode engine, polls its telemetry, applies
// quality overrides and tears everything down on replacement.
package playback

import (
	"errors"
	"fmt"
	"time"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/playerror"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/quality"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/stats"
)

// Status is the lifecycle state of the current session.
type Status int

const (
	// StatusIdle means no session has been loaded yet.
	StatusIdle Status = iota

	// StatusInitializing means the engine is loading the manifest.
	StatusInitializing

	// StatusReady means the manifest is loaded and the catalog is known.
	StatusReady

	// StatusPlaying means telemetry is flowing.
	StatusPlaying

	// StatusErrored means the engine reported a fatal error. Polling
	// continues unless the engine is unusable.
	StatusErrored

	// StatusDisposed is terminal for a session.
	StatusDisposed
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusInitializing:
		return "initializing"
	case StatusReady:
		return "ready"
	case StatusPlaying:
		return "playing"
	case StatusErrored:
		return "errored"
	case StatusDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// MarshalText renders the status name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(text []byte) error {
	for _, st := range Statuses {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// Active reports whether quality overrides are accepted.
func (s Status) Active() bool {
	return s == StatusReady || s == StatusPlaying
}

// Statuses lists every status, for one-hot metrics.
var Statuses = []Status{StatusIdle, StatusInitializing, StatusReady, StatusPlaying, StatusErrored, StatusDisposed}

var (
	// ErrNoActiveSession is returned by SetQuality when no session is
	// Ready or Playing.
	ErrNoActiveSession = errors.New("no active session")

	// ErrUnknownIndex is returned by SetQuality for an index that is not in
	// the current catalog.
	ErrUnknownIndex = errors.New("unknown quality index")

	// ErrEmptyManifest is returned by Load for an empty URL.
	ErrEmptyManifest = errors.New("manifest url is empty")
)

// State is a point-in-time copy of the controller's session state.
type State struct {
	SessionID   uint64                   `json:"session_id"`
	ManifestURL string                   `json:"manifest_url"`
	Status      Status                   `json:"status"`
	Quality     quality.State            `json:"quality"`
	Catalog     quality.Catalog          `json:"catalog"`
	Stats       stats.PlaybackStats      `json:"stats"`
	LastError   *playerror.PlaybackError `json:"last_error"`
	StartedAt   time.Time                `json:"started_at"`
}

func (s State) clone() State {
	out := s
	out.Catalog.Levels = append([]quality.Level(nil), s.Catalog.Levels...)
	if s.LastError != nil {
		e := *s.LastError
		out.LastError = &e
	}
	if s.Quality.Resolved != nil {
		r := *s.Quality.Resolved
		out.Quality.Resolved = &r
	}
	return out
}

// UpdateKind says what changed in an Update.
type UpdateKind int

const (
	UpdateSession UpdateKind = iota // a new session was created
	UpdateStatus
	UpdateCatalog
	UpdateQuality
	UpdateStats
	UpdateError
)

// String returns a human-readable name for the update kind.
func (k UpdateKind) String() string {
	switch k {
	case UpdateSession:
		return "session"
	case UpdateStatus:
		return "status"
	case UpdateCatalog:
		return "catalog"
	case UpdateQuality:
		return "quality"
	case UpdateStats:
		return "stats"
	case UpdateError:
		return "error"
	default:
		return "unknown"
	}
}

// Update is published to observers after every state change.
type Update struct {
	Kind  UpdateKind
	State State
	Fresh stats.Fields // set for UpdateStats
	Err   *playerror.PlaybackError
	At    time.Time
}
