package parser

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func feed(p LineParser, input string) {
	for _, line := range strings.Split(input, "\n") {
		if line != "" {
			p.ParseLine(line)
		}
	}
}

func TestParseKeyValue(t *testing.T) {
	tests := []struct {
		input   string
		wantKey string
		wantVal string
		wantOK  bool
	}{
		{"frame=100", "frame", "100", true},
		{"speed=1.00x", "speed", "1.00x", true},
		{"bitrate=N/A", "bitrate", "N/A", true},
		{"out_time=00:00:02.000000", "out_time", "00:00:02.000000", true},
		{"invalid", "", "", false},
		{"", "", "", false},
		{"=empty_key", "", "empty_key", true},
		{"key=", "key", "", true},
		{"key=value=with=equals", "key", "value=with=equals", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			key, val, ok := parseKeyValue(tt.input)
			if ok != tt.wantOK || key != tt.wantKey || val != tt.wantVal {
				t.Errorf("parseKeyValue(%q) = %q, %q, %v", tt.input, key, val, ok)
			}
		})
	}
}

func TestParseSpeed(t *testing.T) {
	tests := []struct {
		input string
		want  float64
	}{
		{"1.00x", 1.0},
		{"0.95x", 0.95},
		{"1.5x", 1.5},
		{" 1.01x", 1.01},
		{"N/A", 0},
		{"", 0},
	}

	for _, tt := range tests {
		if got := parseSpeed(tt.input); got != tt.want {
			t.Errorf("parseSpeed(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

const twoBlocks = `frame=0
fps=0.00
stream_0_0_q=-1.0
bitrate=N/A
total_size=N/A
out_time_us=N/A
out_time_ms=N/A
out_time=N/A
dup_frames=0
drop_frames=0
speed=N/A
progress=continue
frame=240
fps=24.00
stream_0_0_q=-1.0
bitrate=2801.3kbits/s
total_size=3501624
out_time_us=10000000
out_time_ms=10000000
out_time=00:00:10.000000
dup_frames=1
drop_frames=3
speed=1.00x
progress=continue
`

func TestProgressParser_ParseBlocks(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var updates []*ProgressUpdate
	p := NewProgressParser(func(u *ProgressUpdate) { updates = append(updates, u) })
	p.SetClock(func() time.Time { return at })

	feed(p, twoBlocks)

	if len(updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(updates))
	}

	first := updates[0]
	if first.Frame != 0 || first.Speed != 0 || first.TotalSize != 0 || first.OutTimeUS != 0 {
		t.Errorf("startup block = %+v", first)
	}

	second := updates[1]
	if second.Frame != 240 || second.FPS != 24 {
		t.Errorf("frame/fps = %d/%v", second.Frame, second.FPS)
	}
	if second.Bitrate != "2801.3kbits/s" {
		t.Errorf("Bitrate = %q", second.Bitrate)
	}
	if second.TotalSize != 3501624 {
		t.Errorf("TotalSize = %d", second.TotalSize)
	}
	if second.OutTime() != 10*time.Second {
		t.Errorf("OutTime = %v", second.OutTime())
	}
	if second.DupFrames != 1 || second.DropFrames != 3 {
		t.Errorf("dup/drop = %d/%d, want 1/3", second.DupFrames, second.DropFrames)
	}
	if second.Speed != 1.0 || second.Progress != "continue" {
		t.Errorf("speed/progress = %v/%q", second.Speed, second.Progress)
	}
	if !second.ReceivedAt.Equal(at) {
		t.Errorf("ReceivedAt = %v", second.ReceivedAt)
	}
}

func TestProgressParser_StatsAndCurrent(t *testing.T) {
	p := NewProgressParser(nil)
	feed(p, "frame=0\nprogress=continue\nframe=30\nprogress=continue\nframe=60\nprogress=end\n")

	blocks, lines := p.Stats()
	if blocks != 3 || lines != 6 {
		t.Errorf("Stats() = %d, %d; want 3, 6", blocks, lines)
	}

	p.ParseLine("frame=100")
	p.ParseLine("drop_frames=7")
	cur := p.Current()
	if cur.Frame != 100 || cur.DropFrames != 7 {
		t.Errorf("Current() = %+v", cur)
	}
	p.ParseLine("no equals sign")
	if _, lines = p.Stats(); lines != 8 {
		t.Errorf("lines = %d, want 8", lines)
	}
}

func TestProgressUpdate_Predicates(t *testing.T) {
	stalling := []struct {
		speed float64
		want  bool
	}{
		{0, false},
		{0.5, true},
		{0.89, true},
		{0.9, false},
		{1.0, false},
		{2.0, false},
	}
	for _, tt := range stalling {
		u := &ProgressUpdate{Speed: tt.speed}
		if got := u.IsStalling(); got != tt.want {
			t.Errorf("IsStalling(%v) = %v, want %v", tt.speed, got, tt.want)
		}
	}

	if (&ProgressUpdate{Progress: "continue"}).IsEnd() {
		t.Error("continue reported as end")
	}
	if !(&ProgressUpdate{Progress: "end"}).IsEnd() {
		t.Error("end not reported as end")
	}
}

func TestProgressParser_Concurrent(t *testing.T) {
	var mu sync.Mutex
	count := 0
	p := NewProgressParser(func(*ProgressUpdate) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p.ParseLine("frame=100")
				p.ParseLine("progress=continue")
			}
		}()
	}
	wg.Wait()

	if count != 1000 {
		t.Errorf("got %d updates, want 1000", count)
	}
}
