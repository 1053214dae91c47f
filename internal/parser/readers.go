package parser

import (
	"bufio"
	"io"
	"os"
	"sync/atomic"
)

const (
	initialLineBuffer = 64 * 1024
	maxLineSize       = 1024 * 1024
)

// lineCounter is shared by the readers.
type lineCounter struct {
	bytesRead atomic.Int64
	linesRead atomic.Int64
	closed    atomic.Bool
}

func (c *lineCounter) scan(r io.Reader, p *Pipeline) {
	defer p.CloseChannel()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialLineBuffer), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		c.bytesRead.Add(int64(len(line) + 1))
		c.linesRead.Add(1)
		p.FeedLine(line)
	}
}

func (c *lineCounter) Stats() (bytesRead int64, linesRead int64, healthy bool) {
	return c.bytesRead.Load(), c.linesRead.Load(), !c.closed.Load()
}

var readyNow = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// FDReader reads the parent's end of an os.Pipe whose write end was handed
// to ffmpeg through cmd.ExtraFiles (FD 3 for "-progress pipe:3").
//
//  1. pr, pw, _ := os.Pipe()
//  2. reader := NewFDReader(pr, pipeline)
//  3. cmd.ExtraFiles = []*os.File{pw}
//  4. go reader.Run()
//  5. cmd.Start(); pw.Close()
type FDReader struct {
	lineCounter
	file     *os.File
	pipeline *Pipeline
}

func NewFDReader(file *os.File, pipeline *Pipeline) *FDReader {
	return &FDReader{file: file, pipeline: pipeline}
}

func (f *FDReader) Run()                   { f.scan(f.file, f.pipeline) }
func (f *FDReader) Ready() <-chan struct{} { return readyNow }

// Close closes the read end, which unblocks Run.
func (f *FDReader) Close() error {
	if !f.closed.Swap(true) {
		return f.file.Close()
	}
	return nil
}

// PipeReader reads an io.Reader such as cmd.StderrPipe().
type PipeReader struct {
	lineCounter
	reader   io.Reader
	pipeline *Pipeline
}

func NewPipeReader(r io.Reader, pipeline *Pipeline) *PipeReader {
	return &PipeReader{reader: r, pipeline: pipeline}
}

func (p *PipeReader) Run()                   { p.scan(p.reader, p.pipeline) }
func (p *PipeReader) Ready() <-chan struct{} { return readyNow }

// Close marks the reader closed. The pipe itself closes when the process
// exits.
func (p *PipeReader) Close() error {
	p.closed.Store(true)
	return nil
}

var (
	_ LineSource = (*FDReader)(nil)
	_ LineSource = (*PipeReader)(nil)
)
