package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/quality"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/stats"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderDashboard renders the full dashboard.
func (m Model) renderDashboard() string {
	sections := []string{
		m.renderHeader(),
		m.renderSession(),
		m.renderTelemetry(),
		m.renderLadder(),
	}

	if m.state.LastError != nil {
		sections = append(sections, m.renderError())
	}

	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	header := fmt.Sprintf(
		" go-ffmpeg-dash-player │ %s │ Session: %d │ Elapsed: %s ",
		GetStatusLabel(m.state.Status),
		m.state.SessionID,
		stats.FormatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Session
// =============================================================================

func (m Model) renderSession() string {
	url := m.state.ManifestURL
	if url == "" {
		url = "-"
	}
	url = truncate(url, m.width-26)

	rows := []string{
		sectionHeaderStyle.Render("Session"),
		RenderKeyValue("Manifest", url),
		RenderKeyValue("Quality", qualitySummary(m.state.Quality, m.state.Catalog)),
	}
	if m.apiAddr != "" {
		rows = append(rows, RenderKeyValue("Control API", "http://"+m.apiAddr+"/"))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// qualitySummary renders e.g. "manual → 720p (1.4 Mbps)".
func qualitySummary(q quality.State, c quality.Catalog) string {
	resolved := "unknown"
	if idx, ok := q.ResolvedIndex(); ok {
		if level, found := c.Lookup(idx); found {
			resolved = level.Label
		} else {
			resolved = fmt.Sprintf("index %d", idx)
		}
	}
	out := q.Mode.Mode.String() + " → " + resolved
	if !q.Converged() {
		out += " (switching)"
	}
	return out
}

// =============================================================================
// Telemetry
// =============================================================================

func (m Model) renderTelemetry() string {
	s := m.state.Stats

	current := []string{
		RenderKeyValue("Download", stats.FormatKbps(s.DownloadKbps)),
		lipgloss.JoinHorizontal(lipgloss.Left, labelStyle.Render("Buffer:"), GetBufferLabel(s.BufferSeconds)),
		RenderKeyValue("Bitrate", stats.FormatKbps(s.BitrateKbps)),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Dropped Frames:"),
			GetDroppedStyle(s.DroppedFrames).Render(fmt.Sprintf("%d", s.DroppedFrames)),
		),
	}

	sum := m.summary
	history := []string{
		renderPercentileRow("Download p50/p95", sum.DownloadKbps, "%.0f kbps"),
		renderPercentileRow("Buffer p50/p95", sum.BufferSeconds, "%.1f s"),
		renderPercentileRow("Bitrate p50/p95", sum.BitrateKbps, "%.0f kbps"),
		RenderKeyValue("Polls", fmt.Sprintf("%s (%s fresh)",
			stats.FormatNumber(sum.Ticks), stats.FormatNumber(sum.FreshTicks))),
	}

	bar := RenderProgressBar(bufferProgress(s.BufferSeconds), m.width-30)

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Telemetry"),
		renderTwoColumns(current, history, m.width-2),
		dimStyle.Render("Buffer fill"),
		bar,
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

func renderPercentileRow(label string, d stats.Distribution, format string) string {
	if d.Samples == 0 {
		return RenderKeyValue(label, "-")
	}
	return RenderKeyValue(label, fmt.Sprintf(format, d.P50)+" / "+fmt.Sprintf(format, d.P95))
}

// bufferProgress maps a buffer level onto 0..1 of bufferGoal.
func bufferProgress(b stats.BufferLevel) float64 {
	if !b.Valid || b.Seconds <= 0 {
		return 0
	}
	if b.Seconds >= bufferGoal {
		return 1
	}
	return b.Seconds / bufferGoal
}

// =============================================================================
// Quality Ladder
// =============================================================================

func (m Model) renderLadder() string {
	rows := []string{sectionHeaderStyle.Render("Quality Ladder")}

	levels := m.state.Catalog.Levels
	if len(levels) == 0 {
		rows = append(rows, dimStyle.Render("  (no levels yet)"))
		return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
	}

	resolved, hasResolved := m.state.Quality.ResolvedIndex()
	pinned := -1
	if m.state.Quality.Mode.Mode == quality.ModeManual {
		pinned = m.state.Quality.Mode.Index
	}

	for i, level := range levels {
		rows = append(rows, renderLevelRow(level, i == m.cursor, hasResolved && level.Index == resolved, level.Index == pinned))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// renderLevelRow renders "> [2] 1080p (2.8 Mbps) ● active (pinned)".
func renderLevelRow(level quality.Level, selected, active, pinned bool) string {
	marker := "  "
	if selected {
		marker = cursorStyle.Render("> ")
	}

	text := fmt.Sprintf("[%d] %s", level.Index, level.Label)
	if active {
		text = activeLevelStyle.Render(text + " ● active")
	} else {
		text = mutedStyle.Render(text)
	}
	if pinned {
		text += statusWarning.Render(" (pinned)")
	}
	return marker + text
}

// =============================================================================
// Last Error
// =============================================================================

func (m Model) renderError() string {
	e := m.state.LastError
	rows := []string{
		sectionHeaderStyle.Render("Last Error"),
		lipgloss.JoinHorizontal(lipgloss.Left, labelStyle.Render("Kind:"), statusError.Render(e.Kind.String())),
		RenderKeyValue("Message", truncate(e.Message, m.width-26)),
	}
	if e.SourceURL != "" {
		rows = append(rows, RenderKeyValue("URL", truncate(e.SourceURL, m.width-26)))
	}
	if e.HTTPStatus != 0 {
		rows = append(rows, RenderKeyValue("HTTP Status", fmt.Sprintf("%d", e.HTTPStatus)))
	}
	if e.Fatal {
		rows = append(rows, statusError.Render("fatal"))
	}
	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{
		"↑/↓: select",
		"enter: pin",
		"a: auto",
		"r: reload",
		"q: quit",
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))

	var right string
	switch {
	case m.statusLine == "":
	case m.statusErr:
		right = statusError.Render(m.statusLine)
	default:
		right = statusOK.Render(m.statusLine)
	}

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}

// =============================================================================
// Layout Helpers
// =============================================================================

// renderTwoColumns renders two columns side-by-side with a separator.
func renderTwoColumns(left, right []string, totalWidth int) string {
	leftWidth := (totalWidth - 7) / 2
	if leftWidth < 20 {
		leftWidth = 20
	}

	leftContent := lipgloss.NewStyle().Width(leftWidth).Render(lipgloss.JoinVertical(lipgloss.Left, left...))
	rightContent := lipgloss.JoinVertical(lipgloss.Left, right...)

	separator := mutedStyle.Render(" │ ")
	return lipgloss.JoinHorizontal(lipgloss.Top, leftContent, separator, rightContent)
}

// truncate shortens s to max runes with a trailing "...".
func truncate(s string, max int) string {
	r := []rune(s)
	if max <= 10 || len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
