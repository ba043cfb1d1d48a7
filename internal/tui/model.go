package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/docbridge/internal/events"
)

const maxEventLog = 50

// HealthState tracks bridge health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Lifecycle     string
	ContextID     string
	PendingScans  int
	Connected     bool
}

// Model is the BubbleTea model behind `docbridge watch`.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	health   HealthState
	board    *ScanBoard
	eventLog []events.Event
	scans    table.Model
	theme    Theme

	hubEvents chan events.Event
	lastError string
	now       func() time.Time
}

// New creates a monitor for the bridge API at apiURL.
func New(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Method", Width: 28},
			{Title: "Token", Width: 10},
			{Title: "Status", Width: 12},
			{Title: "Code", Width: 28},
			{Title: "Duration", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:    strings.TrimRight(apiURL, "/"),
		apiKey:    apiKey,
		board:     NewScanBoard(),
		scans:     t,
		theme:     NewDefaultTheme(),
		hubEvents: make(chan events.Event, 100),
		now:       time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.scans.SetWidth(max(m.width-6, 20))

	case tickMsg:
		// Refresh durations of in-flight scans.
		m.refreshTable()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.board.Apply(e)
		if e.Type == events.LifecycleChanged && m.board.lifecycle != "" {
			m.health.Lifecycle = m.board.lifecycle
			m.health.ContextID = m.board.contextID
		}
		m.health.Connected = true
		m.lastError = ""
		m.refreshTable()
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health = HealthState{
			Status:        msg.Status,
			UptimeSeconds: msg.UptimeSeconds,
			Lifecycle:     msg.Lifecycle,
			ContextID:     msg.ContextID,
			PendingScans:  msg.PendingScans,
			Connected:     true,
		}
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})
	}

	var cmd tea.Cmd
	m.scans, cmd = m.scans.Update(msg)
	return m, cmd
}

func (m *Model) refreshTable() {
	now := m.now()
	rows := make([]table.Row, 0)
	for _, r := range m.board.Rows() {
		token := r.Token
		if len(token) > 8 {
			token = token[:8]
		}
		rows = append(rows, table.Row{
			m.statusSymbol(r.Status),
			r.Method,
			token,
			r.Status,
			r.Code,
			r.Duration(now).Round(time.Millisecond).String(),
		})
	}
	m.scans.SetRows(rows)
}

func (m Model) statusSymbol(status string) string {
	switch status {
	case "preparing", "registered":
		return m.theme.StatusMuted.Render("○")
	case "scanning":
		return m.theme.StatusPending.Render("◉")
	case "succeeded":
		return m.theme.StatusOK.Render("●")
	case "cancelled":
		return m.theme.StatusMuted.Render("◌")
	case "failed", "expired":
		return m.theme.StatusFailed.Render("∅")
	case "detached":
		return m.theme.StatusFailed.Render("◔")
	}
	return "○"
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	inner := m.width - 4
	scans := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Scans"),
			m.scans.View(),
		),
	)
	stream := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	parts := []string{m.renderHeader(), scans, stream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, m.theme.Help.Render(" [q] Quit • [↑/↓] Scroll Scans"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) renderHeader() string {
	status := m.theme.StatusOK.Render("HEALTHY")
	switch {
	case !m.health.Connected:
		status = m.theme.StatusFailed.Render("CONNECTING")
	case m.health.Lifecycle != "attached":
		status = m.theme.StatusPending.Render("NO CONTEXT")
	}

	lifecycle := m.health.Lifecycle
	if lifecycle == "" {
		lifecycle = "unknown"
	}
	if m.health.ContextID != "" {
		lifecycle += " (" + m.health.ContextID + ")"
	}

	items := []string{
		"Status: " + status,
		"Uptime: " + (time.Duration(m.health.UptimeSeconds) * time.Second).String(),
		"Host: " + lifecycle,
		fmt.Sprintf("Pending: %d  In flight: %d", m.health.PendingScans, m.board.InFlight()),
	}

	cell := lipgloss.NewStyle().Width((m.width - 4) / len(items))
	cols := make([]string, len(items))
	for i, item := range items {
		cols[i] = cell.Render(item)
	}
	return m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinHorizontal(lipgloss.Top, cols...))
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, fmt.Sprintf("%s | %-18s | %s", e.At.Format("15:04:05"), e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return m.theme.Dim.Render("  No events yet...")
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}
