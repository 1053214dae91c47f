// Package playerror maps raw engine error payloads onto a small set of
// user-facing failure kinds.
package playerror

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/engine"
)

// Kind is the user-facing failure category.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetworkFetch
	KindManifestUnavailable
	KindPlaybackEngine
)

// String returns the snake_case name used in logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindNetworkFetch:
		return "network_fetch"
	case KindManifestUnavailable:
		return "manifest_unavailable"
	case KindPlaybackEngine:
		return "playback_engine"
	default:
		return "unknown"
	}
}

// MarshalText lets Kind render as its name in JSON.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name. Unrecognized names become KindUnknown.
func (k *Kind) UnmarshalText(text []byte) error {
	*k = KindUnknown
	for _, kind := range Kinds {
		if kind.String() == string(text) {
			*k = kind
		}
	}
	return nil
}

// Kinds lists every kind, for pre-registering metric labels.
var Kinds = []Kind{KindUnknown, KindNetworkFetch, KindManifestUnavailable, KindPlaybackEngine}

// PlaybackError is a classified engine failure.
type PlaybackError struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	SourceURL  string `json:"source_url,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Label      string `json:"label,omitempty"`
	Fatal      bool   `json:"fatal"`
}

func (e *PlaybackError) Error() string {
	if e.SourceURL != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.SourceURL)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// manifestCodes are engine codes that mean the manifest itself could not be
// loaded or parsed.
var manifestCodes = map[int]bool{
	engine.CodeManifestParse:    true,
	engine.CodeManifestLoading:  true,
	engine.CodeNoStreams:        true,
	engine.CodeSourceCreation:   true,
	engine.CodeManifestDownload: true,
}

// networkCodes are engine codes raised while downloading media.
var networkCodes = map[int]bool{
	engine.CodeSegmentDownload:     true,
	engine.CodeInitSegmentDownload: true,
	engine.CodeContentDownload:     true,
	engine.CodeManifestDownload:    true,
}

// Classify converts any payload into a PlaybackError. It never panics.
//
// Rules, first match wins: a network fetch failure, then a manifest
// load/parse failure, then any other engine error. Payload shapes it does
// not understand become KindUnknown.
func Classify(payload any) (pe *PlaybackError) {
	defer func() {
		if r := recover(); r != nil {
			pe = &PlaybackError{Kind: KindUnknown, Message: fmt.Sprintf("unclassifiable payload: %v", r), Fatal: true}
		}
	}()

	switch p := payload.(type) {
	case nil:
		return &PlaybackError{Kind: KindUnknown, Message: "empty error payload", Fatal: true}
	case *PlaybackError:
		cp := *p
		return &cp
	case engine.ErrorEvent:
		return classifyEvent(p)
	case *engine.ErrorEvent:
		if p == nil {
			return &PlaybackError{Kind: KindUnknown, Message: "empty error payload", Fatal: true}
		}
		return classifyEvent(*p)
	case map[string]any:
		return classifyMap(p)
	case error:
		var ev engine.ErrorEvent
		if errors.As(p, &ev) {
			return classifyEvent(ev)
		}
		return &PlaybackError{Kind: KindPlaybackEngine, Message: p.Error(), Fatal: true}
	case string:
		if p == "" {
			return &PlaybackError{Kind: KindUnknown, Message: "empty error payload", Fatal: true}
		}
		return &PlaybackError{Kind: KindPlaybackEngine, Message: p, Label: p, Fatal: true}
	default:
		return &PlaybackError{Kind: KindUnknown, Message: fmt.Sprintf("%v", p), Fatal: true}
	}
}

func classifyEvent(ev engine.ErrorEvent) *PlaybackError {
	pe := &PlaybackError{
		Message:    ev.Message,
		SourceURL:  ev.URL,
		HTTPStatus: ev.HTTPStatus,
		Label:      ev.Label,
		Fatal:      ev.Fatal,
	}
	if pe.Message == "" {
		pe.Message = ev.Label
	}

	switch {
	case ev.Network || networkCodes[ev.Code] || ev.HTTPStatus > 0:
		pe.Kind = KindNetworkFetch
	case manifestCodes[ev.Code]:
		pe.Kind = KindManifestUnavailable
	case ev.Code != engine.CodeUnknown || ev.Label != "":
		pe.Kind = KindPlaybackEngine
	default:
		pe.Kind = KindUnknown
		if pe.Message == "" {
			pe.Message = "unrecognised engine error"
		}
	}
	return pe
}

// classifyMap handles loosely-typed payloads such as decoded JSON:
// {"code":25,"message":"...","url":"...","status":404}.
func classifyMap(m map[string]any) *PlaybackError {
	ev := engine.ErrorEvent{Fatal: true}
	ev.Code = intField(m, "code")
	ev.HTTPStatus = intField(m, "status", "http_status", "httpStatus")
	ev.Message = stringField(m, "message", "msg")
	ev.URL = stringField(m, "url", "source_url")
	ev.Label = stringField(m, "label", "type")
	if v, ok := m["fatal"].(bool); ok {
		ev.Fatal = v
	}
	if v, ok := m["network"].(bool); ok {
		ev.Network = v
	}
	if nested, ok := m["error"].(map[string]any); ok && ev.Code == 0 && ev.Message == "" {
		inner := classifyMap(nested)
		if inner.Kind != KindUnknown {
			return inner
		}
	}
	if ev.Code == 0 && ev.Message == "" && ev.Label == "" && ev.URL == "" && ev.HTTPStatus == 0 {
		return &PlaybackError{Kind: KindUnknown, Message: fmt.Sprintf("%v", m), Fatal: ev.Fatal}
	}
	return classifyEvent(ev)
}

func intField(m map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := m[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n
			}
		}
	}
	return 0
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
