// Package tui renders a live, per-layer view of an execution's log
// stream in the terminal.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/coffersTech/labxstream/internal/model"
	"github.com/coffersTech/labxstream/internal/store"
	"github.com/coffersTech/labxstream/internal/view"
)

const allTab = "All"

const refreshInterval = 250 * time.Millisecond

type tickMsg struct{}

// StatusMsg reports the state of the upstream connection.
type StatusMsg struct {
	Connected bool
	Err       error
}

// Model is the bubbletea model of the log viewer.
type Model struct {
	store  *store.Store
	fanout *view.Fanout
	tabs   []string
	target string

	active int
	width  int
	height int
	follow bool
	offset int

	connected bool
	lastErr   error
}

// New builds a viewer over st with a tab for every layer of fanout.
func New(st *store.Store, fanout *view.Fanout, target string) Model {
	tabs := []string{allTab}
	for _, l := range fanout.Layers() {
		tabs = append(tabs, string(l))
	}
	return Model{store: st, fanout: fanout, tabs: tabs, target: target, follow: true}
}

func (m Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

// ActiveTab returns the name of the selected tab.
func (m Model) ActiveTab() string { return m.tabs[m.active] }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab", "right", "l":
			m.active = (m.active + 1) % len(m.tabs)
			m.offset = 0
		case "shift+tab", "left", "h":
			m.active = (m.active - 1 + len(m.tabs)) % len(m.tabs)
			m.offset = 0
		case "c":
			m.store.Clear()
			m.offset = 0
		case "f":
			m.follow = !m.follow
			m.offset = 0
		case "up", "k":
			m.follow = false
			m.offset++
		case "down", "j":
			if m.offset > 0 {
				m.offset--
			}
		case "1", "2", "3", "4", "5", "6", "7", "8", "9":
			if i := int(msg.String()[0] - '1'); i < len(m.tabs) {
				m.active = i
				m.offset = 0
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case StatusMsg:
		m.connected = msg.Connected
		m.lastErr = msg.Err

	case tickMsg:
		return m, tick()
	}
	return m, nil
}

// entries returns the active tab's entries, oldest first.
func (m Model) entries() []model.LogEntry {
	if m.active == 0 {
		return m.store.Snapshot()
	}
	if v := m.fanout.View(model.Layer(m.tabs[m.active])); v != nil {
		return v.Entries()
	}
	return nil
}

func (m Model) count(tab int) int {
	if tab == 0 {
		return m.store.Len()
	}
	if v := m.fanout.View(model.Layer(m.tabs[tab])); v != nil {
		return v.Len()
	}
	return 0
}

var (
	titleStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED")).Background(lipgloss.Color("#1E1E2E")).Padding(0, 1)
	tabActiveStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#CDD6F4")).Background(lipgloss.Color("#7C3AED")).Padding(0, 1)
	tabInactiveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C7086")).Background(lipgloss.Color("#313244")).Padding(0, 1)
	dimStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C7086"))
	okStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("#A6E3A1"))
	errStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("#F38BA8"))
	statusBarStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#CDD6F4")).Background(lipgloss.Color("#1E1E2E"))

	levelStyles = map[model.Level]lipgloss.Style{
		model.LevelDebug:    dimStyle,
		model.LevelInfo:     lipgloss.NewStyle().Foreground(lipgloss.Color("#89B4FA")),
		model.LevelWarning:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FAB387")),
		model.LevelError:    errStyle,
		model.LevelCritical: errStyle.Bold(true),
	}
)

func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderTitleBar())
	b.WriteRune('\n')
	b.WriteString(m.renderTabBar())
	b.WriteString("\n\n")

	rows := m.height - 5
	if rows < 1 {
		rows = 1
	}
	b.WriteString(m.renderEntries(rows))
	b.WriteRune('\n')
	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) renderTitleBar() string {
	title := titleStyle.Render("labxtail")
	session := m.store.Session()
	label := m.target
	if !session.IsZero() {
		label = session.String()
	}
	state := errStyle.Render("disconnected")
	if m.connected {
		state = okStyle.Render("connected")
	}
	info := dimStyle.Render(fmt.Sprintf("%s | %s | ", label, m.store.State())) + state
	gap := strings.Repeat(" ", max(0, m.width-lipgloss.Width(title)-lipgloss.Width(info)-1))
	return title + gap + info
}

func (m Model) renderTabBar() string {
	tabs := make([]string, len(m.tabs))
	for i, name := range m.tabs {
		label := fmt.Sprintf("%s %d", name, m.count(i))
		if i == m.active {
			tabs[i] = tabActiveStyle.Render(label)
		} else {
			tabs[i] = tabInactiveStyle.Render(label)
		}
	}
	return strings.Join(tabs, " ")
}

// renderEntries shows the newest rows that fit, shifted back by offset
// when not following.
func (m Model) renderEntries(rows int) string {
	entries := m.entries()
	if len(entries) == 0 {
		return dimStyle.Render("waiting for logs...")
	}
	end := len(entries)
	if !m.follow {
		end -= min(m.offset, len(entries)-1)
	}
	start := max(0, end-rows)

	lines := make([]string, 0, end-start)
	for _, e := range entries[start:end] {
		lines = append(lines, m.formatEntry(e))
	}
	return strings.Join(lines, "\n")
}

func (m Model) formatEntry(e model.LogEntry) string {
	level := strings.ToUpper(string(e.Level))
	if s, ok := levelStyles[e.Level]; ok {
		level = s.Render(fmt.Sprintf("%-8s", level))
	}
	dir := string(e.Direction)
	if dir == "" {
		dir = "-"
	}
	prefix := fmt.Sprintf("%s %s %-5s %-4s ", e.Timestamp.Format("15:04:05.000"), level, e.Layer, dir)
	msg := strings.ReplaceAll(e.Message, "\n", " ")
	if room := m.width - lipgloss.Width(prefix); room > 3 && len(msg) > room {
		msg = msg[:room-3] + "..."
	}
	return prefix + msg
}

func (m Model) renderStatusBar() string {
	left := " tab/←→ switch  1-9 jump  ↑↓ scroll  f follow  c clear  q quit"
	right := "following "
	if !m.follow {
		right = fmt.Sprintf("paused (-%d) ", m.offset)
	}
	if m.lastErr != nil {
		right = errStyle.Render(m.lastErr.Error()) + " " + right
	}
	gap := strings.Repeat(" ", max(0, m.width-lipgloss.Width(left)-lipgloss.Width(right)))
	return statusBarStyle.Render(left + gap + right)
}
