package parser

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProgressUpdate is one completed progress block. Counters are cumulative
// for the life of one ffmpeg process and reset when it restarts.
type ProgressUpdate struct {
	Frame int64
	FPS   float64

	// Bitrate as reported, e.g. "2801.3kbits/s" or "N/A".
	Bitrate string

	// TotalSize is bytes written so far, 0 when ffmpeg reports N/A.
	TotalSize int64

	// OutTimeUS is the media position reached, in microseconds.
	OutTimeUS int64

	DupFrames  int64
	DropFrames int64

	// Speed relative to realtime. 0 means N/A.
	Speed float64

	// "continue" or "end"
	Progress string

	ReceivedAt time.Time
}

// ProgressCallback receives a copy of each completed block.
type ProgressCallback func(*ProgressUpdate)

// ProgressParser reads ffmpeg's "-progress pipe:3" output: blocks of
// key=value lines, each terminated by "progress=continue" or
// "progress=end".
//
//	frame=240
//	fps=24.00
//	bitrate=2801.3kbits/s
//	total_size=3501624
//	out_time_us=10000000
//	dup_frames=0
//	drop_frames=2
//	speed=1.00x
//	progress=continue
//
// Tested against ffmpeg 7.1 and 8.0.
//
// ProgressParser implements LineParser. Safe for concurrent use.
type ProgressParser struct {
	callback ProgressCallback
	now      func() time.Time

	mu      sync.Mutex
	current *ProgressUpdate

	blocksReceived int64
	linesProcessed int64
}

// NewProgressParser creates a parser. cb may be nil.
func NewProgressParser(cb ProgressCallback) *ProgressParser {
	return &ProgressParser{
		callback: cb,
		now:      time.Now,
		current:  &ProgressUpdate{},
	}
}

// SetClock overrides the ReceivedAt clock.
func (p *ProgressParser) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

func (p *ProgressParser) ParseLine(line string) {
	key, value, ok := parseKeyValue(strings.TrimSpace(line))
	if !ok {
		return
	}

	p.mu.Lock()
	p.linesProcessed++

	switch key {
	case "frame":
		p.current.Frame, _ = strconv.ParseInt(value, 10, 64)
	case "fps":
		p.current.FPS, _ = strconv.ParseFloat(value, 64)
	case "bitrate":
		p.current.Bitrate = value
	case "total_size":
		if value != "N/A" && value != "" {
			p.current.TotalSize, _ = strconv.ParseInt(value, 10, 64)
		}
	case "out_time_us":
		if value != "N/A" {
			p.current.OutTimeUS, _ = strconv.ParseInt(value, 10, 64)
		}
	case "dup_frames":
		p.current.DupFrames, _ = strconv.ParseInt(value, 10, 64)
	case "drop_frames":
		p.current.DropFrames, _ = strconv.ParseInt(value, 10, 64)
	case "speed":
		p.current.Speed = parseSpeed(value)
	case "progress":
		p.current.Progress = value
		p.current.ReceivedAt = p.now()
		p.blocksReceived++
		update := *p.current
		p.current = &ProgressUpdate{}
		cb := p.callback
		p.mu.Unlock()
		if cb != nil {
			cb(&update)
		}
		return
	}
	p.mu.Unlock()
}

// Stats returns (blocksReceived, linesProcessed).
func (p *ProgressParser) Stats() (blocksReceived, linesProcessed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocksReceived, p.linesProcessed
}

// Current returns the incomplete block being accumulated.
func (p *ProgressParser) Current() ProgressUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.current
}

func parseKeyValue(line string) (key, value string, ok bool) {
	idx := strings.Index(line, "=")
	if idx < 0 {
		return "", "", false
	}
	return line[:idx], line[idx+1:], true
}

// parseSpeed converts "1.00x" to 1.0. "N/A" and "" are 0.
func parseSpeed(s string) float64 {
	s = strings.TrimSpace(strings.TrimSuffix(s, "x"))
	if s == "N/A" || s == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// OutTime returns the media position as a duration.
func (u *ProgressUpdate) OutTime() time.Duration {
	return time.Duration(u.OutTimeUS) * time.Microsecond
}

// IsStalling reports a known speed below 0.9x.
func (u *ProgressUpdate) IsStalling() bool {
	if u.Speed == 0 {
		return false
	}
	return u.Speed < 0.9
}

func (u *ProgressUpdate) IsEnd() bool {
	return u.Progress == "end"
}
