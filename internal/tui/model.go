package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/playback"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/quality"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/stats"
)

// DefaultRefreshInterval is how often the dashboard pulls a snapshot.
const DefaultRefreshInterval = 500 * time.Millisecond

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// ActionMsg reports the outcome of a key-triggered controller call.
type ActionMsg struct {
	Action string
	Err    error
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// Player is the controller surface the dashboard reads and drives.
type Player interface {
	Snapshot() playback.State
	Summary() stats.SessionSummary
	SetQuality(req quality.Request) error
	Reload() (uint64, error)
}

// Config holds TUI configuration.
type Config struct {
	Player          Player
	APIAddr         string
	RefreshInterval time.Duration
	// Now is the clock used for elapsed time. Defaults to time.Now.
	Now func() time.Time
}

// Model represents the TUI state.
type Model struct {
	player   Player
	apiAddr  string
	interval time.Duration
	now      func() time.Time

	// Current state
	state      playback.State
	summary    stats.SessionSummary
	lastUpdate time.Time

	// Ladder cursor, an offset into state.Catalog.Levels
	cursor int

	// Outcome of the last key action
	statusLine string
	statusErr  bool

	width  int
	height int

	quitting bool
}

// New creates a new TUI model and takes an initial snapshot.
func New(cfg Config) Model {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := Model{
		player:   cfg.Player,
		apiAddr:  cfg.APIAddr,
		interval: cfg.RefreshInterval,
		now:      cfg.Now,
		width:    80,
		height:   24,
	}
	m.refresh()
	return m
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return m.tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.refresh()
		return m, m.tickCmd()

	case ActionMsg:
		if msg.Err != nil {
			m.statusLine = fmt.Sprintf("%s failed: %v", msg.Action, msg.Err)
			m.statusErr = true
		} else {
			m.statusLine = msg.Action
			m.statusErr = false
		}
		m.refresh()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		m.quitting = true
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.state.Catalog.Levels)-1 {
			m.cursor++
		}
	case "enter":
		levels := m.state.Catalog.Levels
		if len(levels) == 0 {
			return m, nil
		}
		level := levels[m.cursor]
		return m, m.setQualityCmd(quality.Manual(level.Index), "pinned "+level.Label)
	case "a":
		return m, m.setQualityCmd(quality.Auto(), "auto quality")
	case "r":
		return m, m.reloadCmd()
	}
	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderDashboard()
}

// refresh pulls a fresh snapshot from the player and keeps the cursor on the
// ladder.
func (m *Model) refresh() {
	if m.player == nil {
		return
	}
	m.state = m.player.Snapshot()
	m.summary = m.player.Summary()
	m.lastUpdate = m.now()

	n := len(m.state.Catalog.Levels)
	switch {
	case n == 0:
		m.cursor = 0
	case m.cursor >= n:
		m.cursor = n - 1
	}
}

// =============================================================================
// Commands
// =============================================================================

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) setQualityCmd(req quality.Request, action string) tea.Cmd {
	player := m.player
	return func() tea.Msg {
		if player == nil {
			return nil
		}
		return ActionMsg{Action: action, Err: player.SetQuality(req)}
	}
}

func (m Model) reloadCmd() tea.Cmd {
	player := m.player
	return func() tea.Msg {
		if player == nil {
			return nil
		}
		id, err := player.Reload()
		if err != nil {
			return ActionMsg{Action: "reload", Err: err}
		}
		return ActionMsg{Action: fmt.Sprintf("reloaded as session %d", id)}
	}
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the current session started.
func (m Model) Elapsed() time.Duration {
	if m.state.StartedAt.IsZero() {
		return 0
	}
	return m.now().Sub(m.state.StartedAt)
}

// State returns the last snapshot.
func (m Model) State() playback.State {
	return m.state
}

// Cursor returns the selected ladder offset.
func (m Model) Cursor() int {
	return m.cursor
}

// StatusLine returns the outcome of the last key action.
func (m Model) StatusLine() string {
	return m.statusLine
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}
