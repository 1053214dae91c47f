// Package process builds the ffmpeg and ffprobe invocations used to play and
// inspect a DASH manifest.
package process

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FFmpegConfig holds configuration for ffmpeg playback processes.
type FFmpegConfig struct {
	// BinaryPath is the path to the ffmpeg binary.
	BinaryPath string

	// ProbePath is the path to ffprobe. Empty means next to BinaryPath, or
	// PATH.
	ProbePath string

	// ManifestURL is the DASH manifest to play.
	ManifestURL string

	UserAgent string

	// Timeout is the network read/write timeout.
	Timeout time.Duration

	// Reconnect enables ffmpeg's HTTP reconnection flags.
	Reconnect         bool
	ReconnectDelayMax int

	// LogLevel must be verbose or higher for fetch events to appear.
	LogLevel string

	// ReadRate paces input reading relative to realtime. 0 disables pacing.
	ReadRate float64

	// InitialBurst is media read ahead of realtime at startup. It becomes
	// the buffer level.
	InitialBurst time.Duration

	// Headers are additional HTTP headers to send.
	Headers []string
}

// DefaultFFmpegConfig returns an FFmpegConfig with sensible defaults.
func DefaultFFmpegConfig(manifestURL string) *FFmpegConfig {
	return &FFmpegConfig{
		BinaryPath:        "ffmpeg",
		ManifestURL:       manifestURL,
		UserAgent:         "go-ffmpeg-dash-player/1.0",
		Timeout:           15 * time.Second,
		Reconnect:         true,
		ReconnectDelayMax: 5,
		LogLevel:          "verbose",
		ReadRate:          1.0,
		InitialBurst:      10 * time.Second,
	}
}

// Selection is the representation ffmpeg plays and where it starts.
type Selection struct {
	// VideoIndex is the position among the manifest's video streams.
	VideoIndex int

	// Start is the media position to resume from.
	Start time.Duration
}

// FFmpegRunner builds playback commands. The selection and progress FD may
// change between restarts; BuildCommand reads them atomically.
type FFmpegRunner struct {
	config *FFmpegConfig

	mu         sync.Mutex
	selection  Selection
	progressFD int
}

// NewFFmpegRunner creates a runner with the given configuration.
func NewFFmpegRunner(cfg *FFmpegConfig) *FFmpegRunner {
	return &FFmpegRunner{config: cfg}
}

// Name returns "ffmpeg".
func (r *FFmpegRunner) Name() string {
	return "ffmpeg"
}

// SetProgressFD sets the descriptor used for "-progress pipe:N". 0 means
// stdout.
func (r *FFmpegRunner) SetProgressFD(fd int) {
	r.mu.Lock()
	r.progressFD = fd
	r.mu.Unlock()
}

// Select sets the representation and start position for the next command.
func (r *FFmpegRunner) Select(sel Selection) {
	r.mu.Lock()
	r.selection = sel
	r.mu.Unlock()
}

// Selection returns the current selection.
func (r *FFmpegRunner) Selection() Selection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selection
}

// BuildCommand creates an exec.Cmd for the current selection. The command
// is not started.
func (r *FFmpegRunner) BuildCommand(ctx context.Context) (*exec.Cmd, error) {
	if r.config.ManifestURL == "" {
		return nil, fmt.Errorf("ffmpeg: manifest url is empty")
	}
	return exec.CommandContext(ctx, r.config.BinaryPath, r.buildArgs()...), nil
}

func (r *FFmpegRunner) buildArgs() []string {
	r.mu.Lock()
	sel := r.selection
	fd := r.progressFD
	r.mu.Unlock()

	progress := "pipe:1"
	if fd > 0 {
		progress = "pipe:" + strconv.Itoa(fd)
	}

	logLevel := r.config.LogLevel
	if logLevel == "" {
		logLevel = "verbose"
	}

	args := []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", logLevel,
		"-progress", progress,
		"-stats_period", "1",
	}

	args = append(args, r.inputArgs()...)

	if r.config.ReadRate > 0 {
		args = append(args, "-readrate", strconv.FormatFloat(r.config.ReadRate, 'f', -1, 64))
		if r.config.InitialBurst > 0 {
			args = append(args, "-readrate_initial_burst", strconv.FormatFloat(r.config.InitialBurst.Seconds(), 'f', -1, 64))
		}
	}

	if sel.Start > 0 {
		args = append(args, "-ss", strconv.FormatFloat(sel.Start.Seconds(), 'f', 3, 64))
	}

	args = append(args, "-i", r.config.ManifestURL)

	// One video representation plus the first audio stream if present.
	args = append(args,
		"-map", fmt.Sprintf("0:v:%d", sel.VideoIndex),
		"-map", "0:a:0?",
		"-c", "copy",
		"-f", "null", "-",
	)
	return args
}

// inputArgs are the network options shared by ffmpeg and ffprobe.
func (r *FFmpegRunner) inputArgs() []string {
	var args []string
	if r.config.Reconnect {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_on_network_error", "1",
			"-reconnect_delay_max", strconv.Itoa(r.config.ReconnectDelayMax),
		)
	}
	if r.config.Timeout > 0 {
		args = append(args, "-rw_timeout", strconv.FormatInt(r.config.Timeout.Microseconds(), 10))
	}
	if r.config.UserAgent != "" {
		args = append(args, "-user_agent", r.config.UserAgent)
	}
	if len(r.config.Headers) > 0 {
		args = append(args, "-headers", strings.Join(r.config.Headers, "\r\n")+"\r\n")
	}
	return args
}

// Config returns the runner configuration.
func (r *FFmpegRunner) Config() *FFmpegConfig {
	return r.config
}

// CommandString returns the command that would be executed.
func (r *FFmpegRunner) CommandString() string {
	return r.config.BinaryPath + " " + strings.Join(r.buildArgs(), " ")
}
