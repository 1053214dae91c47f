package engine

import (
	"fmt"
	"sync"
	"time"
)

// EventType identifies an engine lifecycle or error event.
type EventType int

const (
	EventManifestLoaded EventType = iota
	EventManifestLoadFailed
	EventError
)

// String returns a human-readable name for the event type.
func (t EventType) String() string {
	switch t {
	case EventManifestLoaded:
		return "manifest_loaded"
	case EventManifestLoadFailed:
		return "manifest_load_failed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered to handlers. Payload shape depends on the engine;
// ffengine and enginetest send ErrorEvent for failures and ManifestInfo for
// EventManifestLoaded.
type Event struct {
	Type    EventType
	Payload any
	Time    time.Time
}

// ManifestInfo accompanies EventManifestLoaded.
type ManifestInfo struct {
	URL             string
	Representations int
	Duration        time.Duration // 0 for live
}

// Error codes carried by ErrorEvent.
const (
	CodeManifestParse       = 10
	CodeManifestLoading     = 11
	CodeSegmentDownload     = 25
	CodeInitSegmentDownload = 26
	CodeContentDownload     = 27
	CodeManifestDownload    = 28
	CodeNoStreams           = 31
	CodeSourceCreation      = 32
	CodeDecode              = 99
	CodeUnusable            = 100
	CodeUnknown             = 0
)

// ErrorEvent is the structured payload for EventError and
// EventManifestLoadFailed.
type ErrorEvent struct {
	Code       int
	Label      string // short engine label, e.g. "download_error"
	Message    string
	URL        string
	HTTPStatus int
	Network    bool // failure happened while fetching over the network
	Fatal      bool
}

func (e ErrorEvent) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s (code %d): %s [%s]", e.Label, e.Code, e.Message, e.URL)
	}
	return fmt.Sprintf("%s (code %d): %s", e.Label, e.Code, e.Message)
}

// Handler receives engine events. Handlers may be called from any
// goroutine and must not block.
type Handler func(Event)

// Subscription is an explicit handle for an event registration.
type Subscription interface {
	Unsubscribe()
}

// Dispatcher keeps per-event handler lists behind Subscription handles.
// Engines embed it to implement On.
type Dispatcher struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[EventType]map[uint64]Handler
}

// On registers h and returns a handle that removes it.
func (d *Dispatcher) On(t EventType, h Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers == nil {
		d.handlers = make(map[EventType]map[uint64]Handler)
	}
	if d.handlers[t] == nil {
		d.handlers[t] = make(map[uint64]Handler)
	}
	d.nextID++
	id := d.nextID
	d.handlers[t][id] = h
	return &dispatcherSub{d: d, t: t, id: id}
}

// Emit calls every handler registered for ev.Type. Handlers are invoked
// outside the lock so they may unsubscribe.
func (d *Dispatcher) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	d.mu.Lock()
	hs := make([]Handler, 0, len(d.handlers[ev.Type]))
	for _, h := range d.handlers[ev.Type] {
		hs = append(hs, h)
	}
	d.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}

// Clear drops every handler.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	d.handlers = nil
	d.mu.Unlock()
}

// HandlerCount returns the number of live handlers.
func (d *Dispatcher) HandlerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, m := range d.handlers {
		n += len(m)
	}
	return n
}

type dispatcherSub struct {
	d    *Dispatcher
	t    EventType
	id   uint64
	once sync.Once
}

func (s *dispatcherSub) Unsubscribe() {
	s.once.Do(func() {
		s.d.mu.Lock()
		delete(s.d.handlers[s.t], s.id)
		s.d.mu.Unlock()
	})
}
