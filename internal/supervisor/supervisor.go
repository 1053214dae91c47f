package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/parser"
)

var (
	// ErrMaxRestarts is returned by Run when the restart budget is spent.
	ErrMaxRestarts = errors.New("max restarts reached")

	// ErrStopped is returned by Run after Stop.
	ErrStopped = errors.New("supervisor stopped")
)

// ProcessBuilder creates the command for each run.
type ProcessBuilder interface {
	// BuildCommand returns a command that has not been started.
	BuildCommand(ctx context.Context) (*exec.Cmd, error)

	// Name returns a human-readable name for this process type.
	Name() string

	// SetProgressFD sets the descriptor the child writes progress to. FD 3
	// is the first ExtraFiles entry.
	SetProgressFD(fd int)
}

// Callbacks are optional hooks for supervisor events. They run on the Run
// goroutine.
type Callbacks struct {
	OnStateChange func(oldState, newState State)
	OnStart       func(pid int)
	OnExit        func(exitCode int, uptime time.Duration)
	OnRestart     func(attempt int, delay time.Duration)
}

// Supervisor runs one child process, restarting it with backoff when it
// fails.
type Supervisor struct {
	id        string
	builder   ProcessBuilder
	backoff   *Backoff
	logger    *slog.Logger
	callbacks Callbacks

	state     State
	stateMu   sync.RWMutex
	startTime time.Time

	cmd    *exec.Cmd
	exited chan struct{}
	cmdMu  sync.Mutex

	maxRestarts        int // restarts after the first run; 0 = unlimited
	restarts           atomic.Int64
	restartOnCleanExit bool

	stopping   atomic.Bool
	restartReq atomic.Bool

	bufferSize    int
	dropThreshold float64

	pipeMu           sync.Mutex
	progressPipeline *parser.Pipeline
	stderrPipeline   *parser.Pipeline

	progressParser parser.LineParser
	stderrParser   parser.LineParser
}

// Config holds configuration for creating a new Supervisor.
type Config struct {
	// ID names the supervised process in logs.
	ID string

	Builder     ProcessBuilder
	Backoff     *Backoff
	Logger      *slog.Logger
	Callbacks   Callbacks
	MaxRestarts int // 0 = unlimited

	// RestartOnCleanExit restarts after exit code 0. When false, Run
	// returns nil once the process finishes cleanly.
	RestartOnCleanExit bool

	BufferSize    int
	DropThreshold float64

	// Parsers default to NoopParser.
	ProgressParser parser.LineParser
	StderrParser   parser.LineParser
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	progressParser := cfg.ProgressParser
	if progressParser == nil {
		progressParser = parser.NoopParser{}
	}
	stderrParser := cfg.StderrParser
	if stderrParser == nil {
		stderrParser = parser.NoopParser{}
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.DropThreshold <= 0 {
		cfg.DropThreshold = 0.01
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Backoff == nil {
		cfg.Backoff = NewBackoff(cfg.ID, time.Now().UnixNano(), DefaultBackoffConfig())
	}

	return &Supervisor{
		id:                 cfg.ID,
		builder:            cfg.Builder,
		backoff:            cfg.Backoff,
		logger:             cfg.Logger,
		callbacks:          cfg.Callbacks,
		state:              StateCreated,
		maxRestarts:        cfg.MaxRestarts,
		restartOnCleanExit: cfg.RestartOnCleanExit,
		bufferSize:         cfg.BufferSize,
		dropThreshold:      cfg.DropThreshold,
		progressParser:     progressParser,
		stderrParser:       stderrParser,
	}
}

// Run starts the supervision loop. It blocks until the context is
// cancelled, Stop is called, the process finishes cleanly, or MaxRestarts
// is reached.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Debug("supervisor_starting", "process_id", s.id)

	for {
		select {
		case <-ctx.Done():
			s.setState(StateStopped)
			s.logger.Debug("supervisor_stopped", "process_id", s.id, "reason", "context_cancelled")
			return ctx.Err()
		default:
		}
		if s.stopping.Load() {
			s.setState(StateStopped)
			return ErrStopped
		}

		exitCode, uptime, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			s.setState(StateStopped)
			return ctx.Err()
		}
		if s.stopping.Load() {
			s.setState(StateStopped)
			return ErrStopped
		}

		// A requested restart skips backoff and does not count.
		if s.restartReq.Swap(false) {
			s.backoff.Reset()
			s.logger.Info("process_restart_requested", "process_id", s.id)
			continue
		}

		if err == nil && exitCode == 0 && !s.restartOnCleanExit {
			s.setState(StateStopped)
			s.logger.Info("process_finished", "process_id", s.id, "uptime", uptime.String())
			return nil
		}

		if s.maxRestarts > 0 && int(s.restarts.Load()) >= s.maxRestarts {
			s.setState(StateStopped)
			s.logger.Warn("max_restarts_reached",
				"process_id", s.id,
				"restarts", s.restarts.Load(),
				"max", s.maxRestarts,
			)
			return ErrMaxRestarts
		}

		if ShouldReset(uptime, exitCode) {
			s.backoff.Reset()
		}

		delay := s.backoff.Next()
		attempt := int(s.restarts.Add(1))

		if s.callbacks.OnRestart != nil {
			s.callbacks.OnRestart(attempt, delay)
		}

		s.logger.Info("process_restart_scheduled",
			"process_id", s.id,
			"attempt", attempt,
			"delay", delay.String(),
		)

		s.setState(StateBackoff)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateStopped)
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// runOnce runs the process once and waits for it to exit.
func (s *Supervisor) runOnce(ctx context.Context) (exitCode int, uptime time.Duration, err error) {
	s.setState(StateStarting)

	progressPipeline := parser.NewPipeline(s.id, "progress", s.bufferSize, s.dropThreshold)
	stderrPipeline := parser.NewPipeline(s.id, "stderr", s.bufferSize, s.dropThreshold)
	s.pipeMu.Lock()
	s.progressPipeline = progressPipeline
	s.stderrPipeline = stderrPipeline
	s.pipeMu.Unlock()

	// Progress goes through an anonymous pipe handed to the child as FD 3.
	// Stderr gets its own pipe rather than cmd.StderrPipe, so Wait never
	// closes it under the reader.
	progressRead, progressWrite, err := os.Pipe()
	if err != nil {
		s.logger.Error("fd_creation_failed", "process_id", s.id, "error", err)
		return 1, 0, fmt.Errorf("failed to create progress pipe: %w", err)
	}
	stderrRead, stderrWrite, err := os.Pipe()
	if err != nil {
		s.logger.Error("fd_creation_failed", "process_id", s.id, "error", err)
		progressRead.Close()
		progressWrite.Close()
		return 1, 0, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	closeFDs := func() {
		progressRead.Close()
		progressWrite.Close()
		stderrRead.Close()
		stderrWrite.Close()
	}

	s.builder.SetProgressFD(3)
	cmd, err := s.builder.BuildCommand(ctx)
	if err != nil {
		s.logger.Error("failed_to_build_command", "process_id", s.id, "error", err)
		closeFDs()
		return 1, 0, err
	}
	cmd.ExtraFiles = []*os.File{progressWrite}
	cmd.Stderr = stderrWrite
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	exited := make(chan struct{})
	s.cmdMu.Lock()
	s.cmd = cmd
	s.exited = exited
	s.cmdMu.Unlock()
	defer func() {
		s.cmdMu.Lock()
		s.cmd = nil
		s.cmdMu.Unlock()
		close(exited)
	}()

	started := time.Now()
	if err := cmd.Start(); err != nil {
		s.logger.Error("failed_to_start_process", "process_id", s.id, "error", err)
		closeFDs()
		return 1, 0, err
	}

	// The child holds its own copies; closing ours lets EOF arrive on exit.
	progressWrite.Close()
	stderrWrite.Close()

	pid := cmd.Process.Pid
	s.setState(StateRunning)
	s.logger.Info("process_started",
		"process_id", s.id,
		"process", s.builder.Name(),
		"pid", pid,
	)

	progressSource := parser.NewFDReader(progressRead, progressPipeline)
	stderrSource := parser.NewPipeReader(stderrRead, stderrPipeline)

	var readWg sync.WaitGroup
	readWg.Add(2)
	go func() {
		defer readWg.Done()
		progressSource.Run()
	}()
	go func() {
		defer readWg.Done()
		stderrSource.Run()
	}()

	var parseWg sync.WaitGroup
	parseWg.Add(2)
	go func() {
		defer parseWg.Done()
		progressPipeline.RunParser(s.progressParser)
	}()
	go func() {
		defer parseWg.Done()
		stderrPipeline.RunParser(s.stderrParser)
	}()

	if s.callbacks.OnStart != nil {
		s.callbacks.OnStart(pid)
	}

	waitErr := cmd.Wait()
	uptime = time.Since(started)
	exitCode = extractExitCode(waitErr)

	// Read both pipes to EOF before closing them, so the last progress
	// block and stderr lines are parsed.
	s.awaitReaders(&readWg)
	progressSource.Close()
	stderrSource.Close()
	stderrRead.Close()
	s.drainParsers(&parseWg, progressPipeline, stderrPipeline)

	s.logger.Info("process_exited",
		"process_id", s.id,
		"pid", pid,
		"exit_code", exitCode,
		"uptime", uptime.String(),
	)

	if s.callbacks.OnExit != nil {
		s.callbacks.OnExit(exitCode, uptime)
	}

	return exitCode, uptime, waitErr
}

// readerDrainTimeout bounds the wait for pipe EOF after the process exits.
// A leftover child holding the pipes open would otherwise block forever.
const readerDrainTimeout = 2 * time.Second

// awaitReaders waits for the pipe readers to reach EOF.
func (s *Supervisor) awaitReaders(readWg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		readWg.Wait()
		close(done)
	}()

	timer := time.NewTimer(readerDrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("reader_drain_timeout",
			"process_id", s.id,
			"timeout", readerDrainTimeout.String(),
		)
	}
}

// drainParsers waits for parsing pipelines to finish with a timeout.
func (s *Supervisor) drainParsers(parseWg *sync.WaitGroup, pipelines ...*parser.Pipeline) {
	const drainTimeout = 5 * time.Second

	done := make(chan struct{})
	go func() {
		parseWg.Wait()
		close(done)
	}()

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("parser_drain_timeout",
			"process_id", s.id,
			"timeout", drainTimeout.String(),
		)
	}

	for _, p := range pipelines {
		read, dropped, parsed := p.Stats()
		if dropped > 0 || s.logger.Enabled(context.Background(), slog.LevelDebug) {
			s.logger.Info("pipeline_stats",
				"process_id", s.id,
				"stream", p.StreamType(),
				"lines_read", read,
				"lines_dropped", dropped,
				"lines_parsed", parsed,
				"degraded", p.IsDegraded(),
			)
		}
	}
}

// Restart terminates the running process so Run starts a fresh one
// immediately, without backoff. The builder's next command takes effect.
func (s *Supervisor) Restart(timeout time.Duration) error {
	s.restartReq.Store(true)
	return s.terminate(timeout)
}

// Stop terminates the process and makes Run return ErrStopped. It sends
// SIGTERM to the process group, then SIGKILL after timeout.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.stopping.Store(true)
	return s.terminate(timeout)
}

func (s *Supervisor) terminate(timeout time.Duration) error {
	s.cmdMu.Lock()
	cmd := s.cmd
	exited := s.exited
	s.cmdMu.Unlock()

	if cmd == nil || cmd.Process == nil {
		s.restartReq.Store(false)
		return nil
	}

	signalGroup(cmd.Process, syscall.SIGTERM)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-timer.C:
		s.logger.Warn("force_killing_process",
			"process_id", s.id,
			"pid", cmd.Process.Pid,
		)
		signalGroup(cmd.Process, syscall.SIGKILL)
		<-exited
		return errors.New("process did not exit gracefully")
	}
}

func signalGroup(p *os.Process, sig syscall.Signal) {
	if pgid, err := syscall.Getpgid(p.Pid); err == nil {
		_ = syscall.Kill(-pgid, sig)
		return
	}
	_ = p.Signal(sig)
}

// State returns the current state of the supervisor.
func (s *Supervisor) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Supervisor) setState(newState State) {
	s.stateMu.Lock()
	oldState := s.state
	s.state = newState
	if newState == StateRunning {
		s.startTime = time.Now()
	}
	s.stateMu.Unlock()

	if s.callbacks.OnStateChange != nil && oldState != newState {
		s.callbacks.OnStateChange(oldState, newState)
	}
}

// ID returns the supervised process name.
func (s *Supervisor) ID() string {
	return s.id
}

// Restarts returns the number of failure restarts so far.
func (s *Supervisor) Restarts() int {
	return int(s.restarts.Load())
}

// Uptime returns the current uptime if running, or 0 if not.
func (s *Supervisor) Uptime() time.Duration {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.state != StateRunning {
		return 0
	}
	return time.Since(s.startTime)
}

// PipelineStats returns line counts for the current or last run.
func (s *Supervisor) PipelineStats() (progressRead, progressDropped, stderrRead, stderrDropped int64) {
	s.pipeMu.Lock()
	defer s.pipeMu.Unlock()
	if s.progressPipeline != nil {
		progressRead, progressDropped, _ = s.progressPipeline.Stats()
	}
	if s.stderrPipeline != nil {
		stderrRead, stderrDropped, _ = s.stderrPipeline.Stats()
	}
	return
}

// IsMetricsDegraded reports whether either pipeline is dropping lines.
func (s *Supervisor) IsMetricsDegraded() bool {
	s.pipeMu.Lock()
	defer s.pipeMu.Unlock()
	if s.progressPipeline != nil && s.progressPipeline.IsDegraded() {
		return true
	}
	return s.stderrPipeline != nil && s.stderrPipeline.IsDegraded()
}

// extractExitCode extracts the exit code from a Wait() error.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}
	return 1
}
