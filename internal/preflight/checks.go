// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"syscall"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/process"
)

// requiredFDs covers one ffmpeg, a concurrent ffprobe, the control API and
// the catalog client.
const requiredFDs = 256

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options selects what RunAll checks.
type Options struct {
	FFmpegPath string
	// FFprobePath empty means next to FFmpegPath, or PATH.
	FFprobePath string
	// ListenAddr empty skips the bind check.
	ListenAddr string
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes all preflight checks.
func RunAll(opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, 4),
		Passed: true,
	}
	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	add(checkFileDescriptors())
	add(checkBinary("ffmpeg", opts.FFmpegPath))

	probe := opts.FFprobePath
	if probe == "" {
		probe = process.FFprobeFor(opts.FFmpegPath)
	}
	add(checkBinary("ffprobe", probe))

	if opts.ListenAddr != "" {
		add(checkListen(opts.ListenAddr))
	}

	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors() Check {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}
	actual := int(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: requiredFDs,
		Actual:   actual,
		Passed:   actual >= requiredFDs,
		Message:  fmt.Sprintf("ulimit -n %d (need %d)", actual, requiredFDs),
	}
}

// checkBinary verifies an ffmpeg-suite binary runs and reports its version.
func checkBinary(name, path string) Check {
	if path == "" {
		return Check{Name: name, Passed: false, Message: "not found: empty path"}
	}
	output, err := exec.Command(path, "-version").Output()
	if err != nil {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("not found at %s: %v", path, err),
		}
	}

	return Check{
		Name:    name,
		Passed:  true,
		Message: fmt.Sprintf("found at %s (version %s)", path, parseVersion(output)),
	}
}

// parseVersion extracts "6.1" from "ffmpeg version 6.1 Copyright ...".
func parseVersion(output []byte) string {
	first, _, _ := strings.Cut(string(output), "\n")
	parts := strings.Fields(first)
	if len(parts) >= 3 && parts[1] == "version" {
		return parts[2]
	}
	return "unknown"
}

// checkListen verifies the control API address can be bound.
func checkListen(addr string) Check {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return Check{
			Name:    "listen_addr",
			Passed:  false,
			Message: fmt.Sprintf("cannot bind %s: %v", addr, err),
		}
	}
	ln.Close()
	return Check{
		Name:    "listen_addr",
		Passed:  true,
		Message: fmt.Sprintf("%s is free", addr),
	}
}

// PrintResults prints the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 1024 (or edit /etc/security/limits.conf)"
	case "ffmpeg", "ffprobe":
		return "install ffmpeg (apt install ffmpeg / brew install ffmpeg), or pass -ffmpeg / -ffprobe"
	case "listen_addr":
		return "pick another -listen address, or -listen \"\" to disable the control API"
	default:
		return "see documentation"
	}
}
