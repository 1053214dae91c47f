package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength bounds a stored stderr line.
	MaxLineLength = 4096

	// MaxBufferedLines is the size of the recent-lines ring.
	MaxBufferedLines = 100
)

// StderrHandler keeps the tail of an engine's ffmpeg stderr and logs the
// interesting lines. It implements parser.LineParser.
type StderrHandler struct {
	owner   string
	logger  *slog.Logger
	verbose bool

	mu     sync.Mutex
	buffer []string
	bufIdx int
	total  int
}

// NewStderrHandler creates a handler for the engine named owner.
func NewStderrHandler(owner string, logger *slog.Logger, verbose bool) *StderrHandler {
	return &StderrHandler{
		owner:   owner,
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// ParseLine stores and logs one line.
func (h *StderrHandler) ParseLine(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.total++
	h.mu.Unlock()

	level := ClassifyLine(line)
	if !h.verbose && level == slog.LevelDebug {
		return
	}
	h.logger.Log(context.Background(), level, "ffmpeg_stderr",
		"engine_id", h.owner,
		"line", line,
	)
}

// ClassifyLine picks a log level for an ffmpeg stderr line.
func ClassifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	switch {
	case strings.Contains(lower, "[error]"),
		strings.Contains(lower, "error") && strings.Contains(lower, "failed"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "server returned"),
		strings.Contains(lower, "http error"):
		return slog.LevelWarn
	case strings.Contains(lower, "[warning]"),
		strings.Contains(lower, "reconnect"),
		strings.Contains(lower, "non-monotonous"):
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}

// RecentLines returns up to n of the latest lines, oldest first.
func (h *StderrHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}
	if n > h.total {
		n = h.total
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		lines = append(lines, h.buffer[idx])
	}
	return lines
}

// Tail joins the latest n lines for attaching to an error message.
func (h *StderrHandler) Tail(n int) string {
	return strings.Join(h.RecentLines(n), "\n")
}

// ErrorPatterns are counted by CountErrors for the exit summary.
var ErrorPatterns = []string{
	"Connection refused",
	"Server returned",
	"HTTP error",
	"Reconnecting",
	"Will reconnect",
	"timed out",
	"Invalid data found",
	"403",
	"404",
	"500",
	"503",
}

// CountErrors counts pattern occurrences in the buffered lines.
func (h *StderrHandler) CountErrors() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[string]int)
	for _, line := range h.buffer {
		if line == "" {
			continue
		}
		for _, pattern := range ErrorPatterns {
			if strings.Contains(line, pattern) {
				counts[pattern]++
			}
		}
	}
	return counts
}
