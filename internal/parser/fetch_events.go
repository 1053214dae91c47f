package parser

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// URLKind classifies a fetched DASH resource.
type URLKind int

const (
	URLKindUnknown  URLKind = iota // fallback bucket
	URLKindManifest                // .mpd
	URLKindInit                    // init segment
	URLKindSegment                 // media segment (.m4s, .mp4, .webm)
)

func (k URLKind) String() string {
	switch k {
	case URLKindManifest:
		return "manifest"
	case URLKindInit:
		return "init"
	case URLKindSegment:
		return "segment"
	default:
		return "unknown"
	}
}

// FetchEventType identifies a stderr event.
type FetchEventType int

const (
	FetchUnknown FetchEventType = iota
	FetchOpen                   // URL opened for reading
	FetchHTTPError              // server returned an error status
	FetchReconnect
	FetchTimeout
	FetchDecodeError // demuxer or decoder rejected media data
)

func (t FetchEventType) String() string {
	switch t {
	case FetchOpen:
		return "open"
	case FetchHTTPError:
		return "http_error"
	case FetchReconnect:
		return "reconnect"
	case FetchTimeout:
		return "timeout"
	case FetchDecodeError:
		return "decode_error"
	default:
		return "unknown"
	}
}

// FetchEvent is one parsed stderr event. For errors, URL is the most
// recently opened URL.
type FetchEvent struct {
	Type       FetchEventType
	URL        string
	Kind       URLKind
	HTTPStatus int
	Line       string
	Timestamp  time.Time
}

// FetchEventCallback is called for each parsed event.
type FetchEventCallback func(*FetchEvent)

// InflightFetch is an opened URL with no completion seen yet.
type InflightFetch struct {
	URL     string
	Kind    URLKind
	Started time.Time
}

// ffmpeg stderr at -loglevel verbose:
//
//	[dash @ 0x5581c1d0] Opening 'http://localhost:8080/static/abc_dash/manifest.mpd' for reading
//	[http @ 0x5581c2e0] Opening 'http://localhost:8080/static/abc_dash/chunk-stream0-00003.m4s' for reading
//	[http @ 0x5581c2e0] HTTP error 404 Not Found
//	Server returned 503 Service Unavailable
//	[http @ 0x5581c2e0] Will reconnect at 1200 in 1 second(s), error=Connection timed out.
//	[h264 @ 0x5581c3f0] error while decoding MB 12 30, bytestream -5
//	Error while decoding stream #0:0: Invalid data found when processing input
var (
	reOpening = regexp.MustCompile(`Opening '([^']+)' for reading`)
	reHTTPErr = regexp.MustCompile(`(?:Server returned|HTTP error) (\d{3})`)
	reReconn  = regexp.MustCompile(`(?i)(Reconnecting|Will reconnect)`)
	reTimeout = regexp.MustCompile(`(?i)(timed? ?out|timeout)`)
	reDecode  = regexp.MustCompile(`(?i)(error while decoding|decode_slice_header error|Invalid data found when processing input)`)
)

// HangingFetchTTL bounds how long an opened URL stays in flight without
// completing.
const HangingFetchTTL = 60 * time.Second

// FetchEventParser parses ffmpeg stderr for DASH fetch activity and tracks
// which fetches are in flight. Safe for concurrent use.
type FetchEventParser struct {
	owner    string
	callback FetchEventCallback

	mu         sync.Mutex
	now        func() time.Time
	inflight   []InflightFetch
	lastURL    string
	lastKind   URLKind
	httpErrors map[int]int64

	manifestFetches atomic.Int64
	initFetches     atomic.Int64
	segmentFetches  atomic.Int64
	unknownFetches  atomic.Int64
	reconnections   atomic.Int64
	timeouts        atomic.Int64
	decodeErrors    atomic.Int64
	linesProcessed  atomic.Int64
	eventsEmitted   atomic.Int64
}

// NewFetchEventParser creates a parser. callback may be nil.
func NewFetchEventParser(owner string, callback FetchEventCallback) *FetchEventParser {
	return &FetchEventParser{
		owner:      owner,
		callback:   callback,
		now:        time.Now,
		httpErrors: make(map[int]int64),
	}
}

// SetClock overrides the event clock.
func (p *FetchEventParser) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

func (p *FetchEventParser) ParseLine(line string) {
	p.linesProcessed.Add(1)

	if m := reOpening.FindStringSubmatch(line); m != nil {
		url := m[1]
		kind := ClassifyURL(url)
		switch kind {
		case URLKindManifest:
			p.manifestFetches.Add(1)
		case URLKindInit:
			p.initFetches.Add(1)
		case URLKindSegment:
			p.segmentFetches.Add(1)
		default:
			p.unknownFetches.Add(1)
		}

		p.mu.Lock()
		ts := p.now()
		p.lastURL, p.lastKind = url, kind
		p.inflight = append(p.inflight, InflightFetch{URL: url, Kind: kind, Started: ts})
		p.mu.Unlock()

		p.emit(&FetchEvent{Type: FetchOpen, URL: url, Kind: kind, Line: line, Timestamp: ts})
		return
	}

	if m := reHTTPErr.FindStringSubmatch(line); m != nil {
		code, _ := strconv.Atoi(m[1])

		p.mu.Lock()
		p.httpErrors[code]++
		url, kind := p.lastURL, p.lastKind
		p.removeLocked(url)
		ts := p.now()
		p.mu.Unlock()

		p.emit(&FetchEvent{Type: FetchHTTPError, URL: url, Kind: kind, HTTPStatus: code, Line: line, Timestamp: ts})
		return
	}

	if reDecode.MatchString(line) {
		p.decodeErrors.Add(1)
		p.emit(&FetchEvent{Type: FetchDecodeError, URL: p.LastURL(), Line: line, Timestamp: p.clock()})
		return
	}

	if reReconn.MatchString(line) {
		p.reconnections.Add(1)
		p.emit(&FetchEvent{Type: FetchReconnect, URL: p.LastURL(), Line: line, Timestamp: p.clock()})
		return
	}

	if reTimeout.MatchString(line) {
		p.timeouts.Add(1)
		p.emit(&FetchEvent{Type: FetchTimeout, URL: p.LastURL(), Line: line, Timestamp: p.clock()})
	}
}

func (p *FetchEventParser) emit(ev *FetchEvent) {
	p.eventsEmitted.Add(1)
	if p.callback != nil {
		p.callback(ev)
	}
}

func (p *FetchEventParser) clock() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now()
}

// removeLocked drops the oldest in-flight entry for url.
func (p *FetchEventParser) removeLocked(url string) {
	for i, f := range p.inflight {
		if f.URL == url {
			p.inflight = append(p.inflight[:i], p.inflight[i+1:]...)
			return
		}
	}
}

// CompleteOldest pops the oldest in-flight fetch. ffmpeg logs no explicit
// completion, so the caller infers one from the next progress block.
// Entries older than HangingFetchTTL are discarded and counted as timeouts.
func (p *FetchEventParser) CompleteOldest() (InflightFetch, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for len(p.inflight) > 0 {
		f := p.inflight[0]
		p.inflight = p.inflight[1:]
		if now.Sub(f.Started) > HangingFetchTTL {
			p.timeouts.Add(1)
			continue
		}
		return f, true
	}
	return InflightFetch{}, false
}

// InflightCount returns the number of open fetches.
func (p *FetchEventParser) InflightCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// LastURL returns the most recently opened URL.
func (p *FetchEventParser) LastURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastURL
}

// FetchStats is a snapshot of parser counters.
type FetchStats struct {
	ManifestFetches int64
	InitFetches     int64
	SegmentFetches  int64
	UnknownFetches  int64
	Reconnections   int64
	Timeouts        int64
	DecodeErrors    int64
	HTTPErrors      map[int]int64
	LinesProcessed  int64
	EventsEmitted   int64
}

func (p *FetchEventParser) Stats() FetchStats {
	p.mu.Lock()
	httpErrors := make(map[int]int64, len(p.httpErrors))
	for k, v := range p.httpErrors {
		httpErrors[k] = v
	}
	p.mu.Unlock()

	return FetchStats{
		ManifestFetches: p.manifestFetches.Load(),
		InitFetches:     p.initFetches.Load(),
		SegmentFetches:  p.segmentFetches.Load(),
		UnknownFetches:  p.unknownFetches.Load(),
		Reconnections:   p.reconnections.Load(),
		Timeouts:        p.timeouts.Load(),
		DecodeErrors:    p.decodeErrors.Load(),
		HTTPErrors:      httpErrors,
		LinesProcessed:  p.linesProcessed.Load(),
		EventsEmitted:   p.eventsEmitted.Load(),
	}
}

// ClassifyURL buckets a URL by its path. Query strings are ignored.
func ClassifyURL(url string) URLKind {
	path := strings.ToLower(url)
	if idx := strings.IndexAny(path, "?#"); idx > 0 {
		path = path[:idx]
	}
	base := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		base = path[idx+1:]
	}

	switch {
	case strings.HasSuffix(base, ".mpd"):
		return URLKindManifest
	case strings.HasPrefix(base, "init") && hasMediaExt(base):
		return URLKindInit
	case hasMediaExt(base):
		return URLKindSegment
	default:
		return URLKindUnknown
	}
}

func hasMediaExt(name string) bool {
	for _, ext := range []string{".m4s", ".mp4", ".m4v", ".m4a", ".webm"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}
