package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SummaryConfig carries run-level context for the exit summary.
type SummaryConfig struct {
	// Duration is the total run duration
	Duration time.Duration

	// ManifestURL of the last loaded session
	ManifestURL string

	// Sessions is the number of sessions loaded during the run
	Sessions int

	// FinalState is the controller state at exit
	FinalState string

	// QualitySwitches counts accepted quality overrides
	QualitySwitches int

	// Errors maps error kind names to counts
	Errors map[string]int

	// LastError is the most recent classified error, if any
	LastError string

	// APIAddr is the control API address, if it was enabled
	APIAddr string
}

const (
	ruleHeavy = "═══════════════════════════════════════════════════════════════════════════════\n"
	ruleLight = "───────────────────────────────────────────────────────────────────────────────\n"
)

// FormatExitSummary formats a session summary for display at program exit.
func FormatExitSummary(s SessionSummary, cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(ruleHeavy)
	b.WriteString("                       go-ffmpeg-dash-player Exit Summary\n")
	b.WriteString(ruleHeavy + "\n")

	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	if cfg.ManifestURL != "" {
		fmt.Fprintf(&b, "Manifest:               %s\n", cfg.ManifestURL)
	}
	fmt.Fprintf(&b, "Sessions Loaded:        %d\n", cfg.Sessions)
	if cfg.FinalState != "" {
		fmt.Fprintf(&b, "Final State:            %s\n", cfg.FinalState)
	}
	b.WriteString("\n")

	section(&b, "Playback Telemetry")
	if s.Ticks == 0 {
		b.WriteString("  (no telemetry was collected)\n\n")
	} else {
		fmt.Fprintf(&b, "  Poll Ticks:           %s (%s with fresh data)\n",
			FormatNumber(s.Ticks), FormatNumber(s.FreshTicks))
		fmt.Fprintf(&b, "  %-20s %12s %12s %10s\n", "Metric", "P50", "P95", "Samples")
		b.WriteString("  " + strings.Repeat("─", 56) + "\n")
		writeDistribution(&b, "Download (kbps)", s.DownloadKbps, "%.0f")
		writeDistribution(&b, "Buffer (sec)", s.BufferSeconds, "%.2f")
		writeDistribution(&b, "Bitrate (kbps)", s.BitrateKbps, "%.0f")
		b.WriteString("\n")
		if s.BufferSeconds.Samples > 0 {
			fmt.Fprintf(&b, "  Min Buffer:           %.2f sec\n", s.MinBuffer)
		}
		fmt.Fprintf(&b, "  Last Bitrate:         %d kbps\n", s.LastBitrate)
		fmt.Fprintf(&b, "  Dropped Frames:       %d\n\n", s.DroppedFrames)
	}

	if cfg.QualitySwitches > 0 {
		section(&b, "Quality")
		fmt.Fprintf(&b, "  Manual Overrides:     %d\n\n", cfg.QualitySwitches)
	}

	if len(cfg.Errors) > 0 {
		section(&b, "Errors")
		kinds := make([]string, 0, len(cfg.Errors))
		for k := range cfg.Errors {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(&b, "  %-22s%d\n", k+":", cfg.Errors[k])
		}
		if cfg.LastError != "" {
			fmt.Fprintf(&b, "  Last:                 %s\n", cfg.LastError)
		}
		b.WriteString("\n")
	}

	if cfg.APIAddr != "" {
		fmt.Fprintf(&b, "Control API was: http://%s/\n", cfg.APIAddr)
	}

	b.WriteString(ruleHeavy)
	return b.String()
}

func section(b *strings.Builder, title string) {
	b.WriteString(ruleLight)
	pad := (79 - len(title)) / 2
	if pad < 0 {
		pad = 0
	}
	b.WriteString(strings.Repeat(" ", pad) + title + "\n")
	b.WriteString(ruleLight + "\n")
}

func writeDistribution(b *strings.Builder, name string, d Distribution, format string) {
	if d.Samples == 0 {
		fmt.Fprintf(b, "  %-20s %12s %12s %10d\n", name, "-", "-", 0)
		return
	}
	fmt.Fprintf(b, "  %-20s %12s %12s %10d\n", name,
		fmt.Sprintf(format, d.P50), fmt.Sprintf(format, d.P95), d.Samples)
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatBytes formats bytes with KB/MB/GB suffixes.
func FormatBytes(n int64) string {
	if n >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(n)/1_000_000_000)
	}
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2f MB", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.2f KB", float64(n)/1_000)
	}
	return fmt.Sprintf("%d B", n)
}

// FormatKbps formats a kbps value as Kbps or Mbps.
func FormatKbps(kbps int64) string {
	if kbps >= 1000 {
		return fmt.Sprintf("%.1f Mbps", float64(kbps)/1000)
	}
	return fmt.Sprintf("%d Kbps", kbps)
}
