// Package tui provides a live terminal dashboard for a playback session.
//
// The TUI uses Bubble Tea for the application framework and Lipgloss for styling.
// It displays:
// - Session state and manifest
// - Download, buffer and bitrate telemetry with percentiles
// - The quality ladder, with keys to pin a level or return to auto
// - The last classified playback error
package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/playback"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/stats"
)

// =============================================================================
// Color Palette
// =============================================================================

var (
	colorPrimary   = lipgloss.Color("#7C3AED") // Purple
	colorSecondary = lipgloss.Color("#06B6D4") // Cyan

	colorSuccess = lipgloss.Color("#10B981") // Green
	colorWarning = lipgloss.Color("#F59E0B") // Amber
	colorError   = lipgloss.Color("#EF4444") // Red
	colorInfo    = lipgloss.Color("#3B82F6") // Blue

	colorText      = lipgloss.Color("#E5E7EB") // Light gray
	colorTextMuted = lipgloss.Color("#9CA3AF") // Medium gray
	colorTextDim   = lipgloss.Color("#6B7280") // Dark gray
	colorBorder    = lipgloss.Color("#374151") // Border gray
)

// =============================================================================
// Base Styles
// =============================================================================

var (
	mutedStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorTextDim)
)

// =============================================================================
// Status Indicator Styles
// =============================================================================

var (
	statusOK = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	statusWarning = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	statusError = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	statusInfo = lipgloss.NewStyle().
			Foreground(colorInfo).
			Bold(true)
)

// =============================================================================
// Layout Styles
// =============================================================================

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Background(colorPrimary).
			Bold(true).
			Padding(0, 1).
			MarginBottom(1)

	sectionHeaderStyle = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(colorBorder)

	footerStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			MarginTop(1)
)

// =============================================================================
// Value Styles
// =============================================================================

var (
	valueStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Bold(true)

	valueGoodStyle = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	valueBadStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	valueWarnStyle = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			Width(20)

	// Ladder rows
	cursorStyle = lipgloss.NewStyle().
			Foreground(colorPrimary).
			Bold(true)

	activeLevelStyle = lipgloss.NewStyle().
				Foreground(colorSuccess).
				Bold(true)
)

// =============================================================================
// Progress Bar Styles
// =============================================================================

var (
	progressBarStyle = lipgloss.NewStyle().
				Foreground(colorPrimary)

	progressBarEmptyStyle = lipgloss.NewStyle().
				Foreground(colorBorder)

	progressPercentStyle = lipgloss.NewStyle().
				Foreground(colorText).
				Bold(true)
)

// =============================================================================
// Session Status Indicator
// =============================================================================

// GetStatusStyle returns the style for a session status.
func GetStatusStyle(s playback.Status) lipgloss.Style {
	switch s {
	case playback.StatusPlaying:
		return statusOK
	case playback.StatusReady:
		return statusInfo
	case playback.StatusInitializing:
		return statusWarning
	case playback.StatusErrored:
		return statusError
	default:
		return mutedStyle
	}
}

// GetStatusLabel returns a styled "● state" indicator.
func GetStatusLabel(s playback.Status) string {
	return GetStatusStyle(s).Render("● " + s.String())
}

// =============================================================================
// Buffer Indicator
// =============================================================================

// Buffer thresholds, in seconds.
const (
	bufferLow  = 2.0
	bufferGood = 10.0

	// bufferGoal is the buffer depth drawn as a full bar.
	bufferGoal = 30.0
)

// GetBufferStyle returns a style based on buffer depth.
func GetBufferStyle(b stats.BufferLevel) lipgloss.Style {
	switch {
	case !b.Valid:
		return mutedStyle
	case b.Seconds >= bufferGood:
		return valueGoodStyle
	case b.Seconds >= bufferLow:
		return valueWarnStyle
	default:
		return valueBadStyle
	}
}

// GetBufferLabel returns a styled buffer value.
func GetBufferLabel(b stats.BufferLevel) string {
	if !b.Valid {
		return GetBufferStyle(b).Render(stats.NotAvailable)
	}
	return GetBufferStyle(b).Render(b.String() + " s")
}

// GetDroppedStyle returns a style based on the dropped frame count.
func GetDroppedStyle(dropped int64) lipgloss.Style {
	if dropped == 0 {
		return valueGoodStyle
	}
	return valueWarnStyle
}

// =============================================================================
// Helper Functions
// =============================================================================

// RenderKeyValue renders a label-value pair.
func RenderKeyValue(label string, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(label+":"),
		valueStyle.Render(value),
	)
}

// RenderProgressBar renders a progress bar.
func RenderProgressBar(progress float64, width int) string {
	if width < 10 {
		width = 10
	}

	filled := int(progress * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}

	bar := progressBarStyle.Render(repeatChar('█', filled)) +
		progressBarEmptyStyle.Render(repeatChar('░', width-filled))

	percent := progressPercentStyle.Render(fmt.Sprintf(" %3.0f%%", progress*100))

	return bar + percent
}

func repeatChar(char rune, count int) string {
	if count <= 0 {
		return ""
	}
	result := make([]rune, count)
	for i := range result {
		result[i] = char
	}
	return string(result)
}
