// Package tui is the terminal monitor: a live view of executions, spend and
// events pulled from the status API over SSE and periodic polls.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/valetbot/valet/internal/events"
)

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)

	statusOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusFailed = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// Model is the bubbletea model for the monitor.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	health    healthMsg
	connected bool
	daily     dailyMsg
	execs     table.Model
	eventLog  viewport.Model
	eventBuf  []string

	hubEvents chan events.Event
	lastError string
}

// NewModel creates the monitor model for the given status API.
func NewModel(apiURL, apiKey string) *Model {
	columns := []table.Column{
		{Title: "ID", Width: 10},
		{Title: "Status", Width: 10},
		{Title: "Model", Width: 16},
		{Title: "Cost", Width: 8},
		{Title: "Duration", Width: 10},
		{Title: "Started", Width: 20},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		execs:     t,
		eventLog:  viewport.New(80, 8),
		hubEvents: make(chan events.Event, 100),
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) },
		func() tea.Msg { return fetchDaily(m.apiURL, m.apiKey) },
		func() tea.Msg { return fetchExecutions(m.apiURL, m.apiKey) },
		tea.EnterAltScreen,
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, func() tea.Msg { return fetchExecutions(m.apiURL, m.apiKey) }
		}
		var cmd tea.Cmd
		m.execs, cmd = m.execs.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.eventLog.Width = msg.Width - 6

	case eventMsg:
		e := events.Event(msg)
		m.connected = true
		m.lastError = ""
		m.appendEvent(e)
		// Settlements change the execution list and today's totals.
		if e.Type == events.TypeExecutionSettled {
			return m, tea.Batch(
				receiveNextEvent(m.hubEvents),
				func() tea.Msg { return fetchExecutions(m.apiURL, m.apiKey) },
				func() tea.Msg { return fetchDaily(m.apiURL, m.apiKey) },
			)
		}
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health = msg
		m.connected = true
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})

	case dailyMsg:
		m.daily = msg

	case executionsMsg:
		rows := make([]table.Row, 0, len(msg))
		for _, e := range msg {
			rows = append(rows, table.Row{
				shortID(e.ID),
				e.Status,
				e.Model,
				fmt.Sprintf("$%.2f", e.CostUSD),
				(time.Duration(e.DurationMs) * time.Millisecond).String(),
				e.StartedAt.Local().Format("2006-01-02 15:04:05"),
			})
		}
		m.execs.SetRows(rows)

	case sseDisconnectedMsg:
		m.connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})
	}

	return m, nil
}

func (m *Model) View() string {
	if m.width == 0 {
		return "Connecting to valet..."
	}

	conn := statusFailed.Render("● offline")
	if m.connected {
		conn = statusOK.Render("● live")
	}
	header := titleStyle.Render("valet monitor") + "  " + conn +
		fmt.Sprintf("  inflight: %d  today: $%.2f (%d runs)",
			m.health.Inflight, m.daily.CostUSD, m.daily.Executions)

	execsPane := borderStyle.Render(m.execs.View())

	m.eventLog.SetContent(joinLines(m.eventBuf))
	eventsPane := borderStyle.Render(m.eventLog.View())

	var errBar string
	if m.lastError != "" {
		errBar = statusFailed.Render(" ⚠ " + m.lastError)
	}
	help := helpStyle.Render(" [q] quit • [r] refresh • [↑/↓] scroll executions")

	parts := []string{header, execsPane, eventsPane}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return docStyle.Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m *Model) appendEvent(e events.Event) {
	line := fmt.Sprintf("%s  %-22s %s", e.At.Local().Format("15:04:05"), e.Type, string(e.Data))
	m.eventBuf = append([]string{line}, m.eventBuf...)
	if len(m.eventBuf) > 50 {
		m.eventBuf = m.eventBuf[:50]
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
