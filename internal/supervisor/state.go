// Package supervisor runs a single ffmpeg process, feeding its output
// through the parser pipelines and restarting it on failure.
package supervisor

// State is the lifecycle state of a supervised process.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateRunning

	// StateBackoff is the wait between a failure and the next start.
	StateBackoff

	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsActive reports whether the process is running or about to be.
func (s State) IsActive() bool {
	return s == StateStarting || s == StateRunning || s == StateBackoff
}

func (s State) IsTerminal() bool {
	return s == StateStopped
}
