// Package parser turns ffmpeg's progress and stderr streams into typed
// playback telemetry.
//
// Reading is lossy: a slow parser must never stall ffmpeg, so lines that do
// not fit in the pipeline buffer are dropped and counted.
//
//	Layer 1 (Reader): reads lines fast, drops if channel full
//	Layer 2 (Parser): consumes from channel at own pace
//	Layer 3 (Engine): folds parsed values into metrics
package parser

import (
	"sync"
	"sync/atomic"
)

// LineParser is implemented by ProgressParser and FetchEventParser.
type LineParser interface {
	ParseLine(line string)
}

// LineSource feeds lines into a Pipeline.
//
// Lifecycle:
//
//  1. source := NewFDReader(...) or NewPipeReader(...)
//  2. go source.Run()
//  3. defer source.Close()
//
// The source calls pipeline.CloseChannel() when it exits.
type LineSource interface {
	// Run blocks until the source is exhausted or closed.
	Run()

	// Ready is closed once the source is reading.
	Ready() <-chan struct{}

	// Close is idempotent.
	Close() error

	// Stats returns (bytesRead, linesRead, healthy).
	Stats() (bytesRead int64, linesRead int64, healthy bool)
}

// Pipeline is a bounded line queue between a LineSource and a LineParser.
type Pipeline struct {
	owner      string
	streamType string // "progress" or "stderr"

	lineChan  chan string
	closeOnce sync.Once

	linesRead    atomic.Int64
	linesDropped atomic.Int64
	linesParsed  atomic.Int64

	dropThreshold float64
}

// NewPipeline creates a lossy parsing pipeline.
//
// owner names the engine instance in logs. dropThreshold is the drop
// fraction above which the pipeline reports itself degraded.
func NewPipeline(owner, streamType string, bufferSize int, dropThreshold float64) *Pipeline {
	if bufferSize < 1 {
		bufferSize = 1000
	}
	if dropThreshold <= 0 {
		dropThreshold = 0.01
	}
	return &Pipeline{
		owner:         owner,
		streamType:    streamType,
		lineChan:      make(chan string, bufferSize),
		dropThreshold: dropThreshold,
	}
}

// FeedLine queues a line. It returns false if the line was dropped.
func (p *Pipeline) FeedLine(line string) bool {
	p.linesRead.Add(1)
	select {
	case p.lineChan <- line:
		return true
	default:
		p.linesDropped.Add(1)
		return false
	}
}

// CloseChannel ends the pipeline. RunParser returns once the queue drains.
// Safe to call multiple times.
func (p *Pipeline) CloseChannel() {
	p.closeOnce.Do(func() {
		close(p.lineChan)
	})
}

// RunParser consumes lines until CloseChannel. Run it in its own goroutine.
func (p *Pipeline) RunParser(parser LineParser) {
	for line := range p.lineChan {
		parser.ParseLine(line)
		p.linesParsed.Add(1)
	}
}

// Stats returns (read, dropped, parsed) line counts.
func (p *Pipeline) Stats() (read, dropped, parsed int64) {
	return p.linesRead.Load(), p.linesDropped.Load(), p.linesParsed.Load()
}

// DropRate returns the dropped fraction of lines read.
func (p *Pipeline) DropRate() float64 {
	read := p.linesRead.Load()
	if read == 0 {
		return 0
	}
	return float64(p.linesDropped.Load()) / float64(read)
}

// IsDegraded reports whether the drop rate exceeds the threshold.
func (p *Pipeline) IsDegraded() bool {
	return p.DropRate() > p.dropThreshold
}

func (p *Pipeline) Owner() string      { return p.owner }
func (p *Pipeline) StreamType() string { return p.streamType }

// NoopParser discards lines.
type NoopParser struct{}

func (NoopParser) ParseLine(string) {}

// MultiParser hands each line to every parser in order.
type MultiParser []LineParser

func (m MultiParser) ParseLine(line string) {
	for _, p := range m {
		p.ParseLine(line)
	}
}
