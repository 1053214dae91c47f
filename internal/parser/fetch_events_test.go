package parser

import (
	"testing"
	"time"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time { return c.t }

func TestClassifyURL(t *testing.T) {
	tests := []struct {
		url  string
		want URLKind
	}{
		{"http://localhost:8080/static/abc_dash/manifest.mpd", URLKindManifest},
		{"http://h/abc_dash/MANIFEST.MPD?token=1", URLKindManifest},
		{"http://h/abc_dash/init-stream0.m4s", URLKindInit},
		{"http://h/abc_dash/init-stream1.mp4#frag", URLKindInit},
		{"http://h/abc_dash/chunk-stream0-00001.m4s", URLKindSegment},
		{"http://h/abc_dash/chunk-stream2-00010.m4s?sig=abc", URLKindSegment},
		{"http://h/video/seg.webm", URLKindSegment},
		{"http://h/initial/chunk.m4s", URLKindSegment},
		{"http://h/playlist.m3u8", URLKindUnknown},
		{"", URLKindUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyURL(tt.url); got != tt.want {
			t.Errorf("ClassifyURL(%q) = %s, want %s", tt.url, got, tt.want)
		}
	}
}

func TestFetchEventParser_Events(t *testing.T) {
	var events []*FetchEvent
	p := NewFetchEventParser("engine-1", func(ev *FetchEvent) { events = append(events, ev) })

	lines := []string{
		"[dash @ 0x5581c1d0] Opening 'http://h/abc_dash/manifest.mpd' for reading",
		"[dash @ 0x5581c1d0] Opening 'http://h/abc_dash/init-stream0.m4s' for reading",
		"[http @ 0x5581c2e0] Opening 'http://h/abc_dash/chunk-stream0-00001.m4s' for reading",
		"Input #0, dash, from 'http://h/abc_dash/manifest.mpd':",
		"[http @ 0x5581c2e0] Opening 'http://h/abc_dash/chunk-stream0-00002.m4s' for reading",
		"[http @ 0x5581c2e0] HTTP error 404 Not Found",
		"[http @ 0x5581c2e0] Will reconnect at 1200 in 1 second(s), error=Connection timed out.",
		"Connection timed out",
		"Server returned 503 Service Unavailable",
	}
	for _, l := range lines {
		p.ParseLine(l)
	}

	wantTypes := []FetchEventType{FetchOpen, FetchOpen, FetchOpen, FetchOpen, FetchHTTPError, FetchReconnect, FetchTimeout, FetchHTTPError}
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event[%d] = %s, want %s", i, events[i].Type, want)
		}
	}

	notFound := events[4]
	if notFound.HTTPStatus != 404 || notFound.URL != "http://h/abc_dash/chunk-stream0-00002.m4s" || notFound.Kind != URLKindSegment {
		t.Errorf("404 event = %+v", notFound)
	}
	if events[7].HTTPStatus != 503 {
		t.Errorf("503 event = %+v", events[7])
	}

	s := p.Stats()
	if s.ManifestFetches != 1 || s.InitFetches != 1 || s.SegmentFetches != 2 {
		t.Errorf("fetch counts = %+v", s)
	}
	if s.HTTPErrors[404] != 1 || s.HTTPErrors[503] != 1 {
		t.Errorf("HTTPErrors = %v", s.HTTPErrors)
	}
	if s.Reconnections != 1 || s.Timeouts != 1 {
		t.Errorf("reconnect/timeout = %d/%d", s.Reconnections, s.Timeouts)
	}
	if s.LinesProcessed != int64(len(lines)) || s.EventsEmitted != int64(len(wantTypes)) {
		t.Errorf("lines/events = %d/%d", s.LinesProcessed, s.EventsEmitted)
	}

	// The 404'd segment is no longer in flight.
	if got := p.InflightCount(); got != 3 {
		t.Errorf("InflightCount() = %d, want 3", got)
	}
}

func TestFetchEventParser_CompleteOldest(t *testing.T) {
	clock := &stepClock{t: time.Unix(5000, 0)}
	p := NewFetchEventParser("engine-1", nil)
	p.SetClock(clock.now)

	p.ParseLine("Opening 'http://h/a/chunk-stream0-00001.m4s' for reading")
	clock.t = clock.t.Add(500 * time.Millisecond)
	p.ParseLine("Opening 'http://h/a/chunk-stream0-00002.m4s' for reading")

	f, ok := p.CompleteOldest()
	if !ok || f.URL != "http://h/a/chunk-stream0-00001.m4s" || !f.Started.Equal(time.Unix(5000, 0)) {
		t.Errorf("CompleteOldest() = %+v, %v", f, ok)
	}
	if p.LastURL() != "http://h/a/chunk-stream0-00002.m4s" {
		t.Errorf("LastURL() = %q", p.LastURL())
	}

	// The second fetch hangs past the TTL and is discarded.
	clock.t = clock.t.Add(HangingFetchTTL + time.Second)
	if f, ok := p.CompleteOldest(); ok {
		t.Errorf("hanging fetch completed: %+v", f)
	}
	if p.Stats().Timeouts != 1 {
		t.Errorf("Timeouts = %d, want 1", p.Stats().Timeouts)
	}
	if _, ok := p.CompleteOldest(); ok {
		t.Error("CompleteOldest on empty parser returned ok")
	}
}

func TestFetchEventParser_ErrorWithoutOpen(t *testing.T) {
	var got *FetchEvent
	p := NewFetchEventParser("engine-1", func(ev *FetchEvent) { got = ev })
	p.ParseLine("Server returned 403 Forbidden")
	if got == nil || got.HTTPStatus != 403 || got.URL != "" || got.Kind != URLKindUnknown {
		t.Errorf("event = %+v", got)
	}
}

func TestFetchEventParser_DecodeErrors(t *testing.T) {
	var events []*FetchEvent
	p := NewFetchEventParser("engine-1", func(ev *FetchEvent) { events = append(events, ev) })

	lines := []string{
		"[dash @ 0x1] Opening 'http://h/a/chunk-stream0-00007.m4s' for reading",
		"[h264 @ 0x3] error while decoding MB 12 30, bytestream -5",
		"[h264 @ 0x3] decode_slice_header error",
		"Error while decoding stream #0:0: Invalid data found when processing input",
		"[h264 @ 0x3] concealing 120 DC, 120 AC, 120 MV errors in P frame",
	}
	for _, l := range lines {
		p.ParseLine(l)
	}

	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	for i, ev := range events[1:] {
		if ev.Type != FetchDecodeError {
			t.Errorf("event[%d] = %s, want decode_error", i+1, ev.Type)
		}
		if ev.URL != "http://h/a/chunk-stream0-00007.m4s" {
			t.Errorf("event[%d].URL = %q", i+1, ev.URL)
		}
		if ev.Line != lines[i+1] {
			t.Errorf("event[%d].Line = %q", i+1, ev.Line)
		}
	}
	if got := p.Stats().DecodeErrors; got != 3 {
		t.Errorf("DecodeErrors = %d, want 3", got)
	}
	if got := p.Stats().Timeouts; got != 0 {
		t.Errorf("Timeouts = %d, want 0", got)
	}
}

func TestFetchEnums_String(t *testing.T) {
	if URLKindInit.String() != "init" || URLKind(99).String() != "unknown" {
		t.Error("URLKind.String")
	}
	if FetchHTTPError.String() != "http_error" || FetchDecodeError.String() != "decode_error" || FetchEventType(99).String() != "unknown" {
		t.Error("FetchEventType.String")
	}
}
