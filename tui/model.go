package tui

import (
	"fmt"
	"strings"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// state represents the current phase of a command.
type state int

const (
	stateInit       state = iota
	stateLoggingIn        // exchanging credentials
	stateRefreshing       // rotating the token pair
	stateRequesting       // API call in flight
	stateSuccess          // all done
	stateError            // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the CLI status view.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	login   string
	request string
	summary Summary
	errMsg  string

	statusLines []statusLine
}

var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	case MsgBanner:
		return m, nil

	case MsgSessionFound:
		if msg.Login != "" {
			m.login = msg.Login
			m.addStatus(statusOK, "Found session for "+msg.Login)
		} else {
			m.addStatus(statusOK, "Found existing session")
		}

	case MsgSessionNotFound:
		m.addStatus(statusWarn, "Not logged in. Run 'pature login' first.")

	case MsgLoggingIn:
		m.state = stateLoggingIn
		m.login = msg.Login
		m.addStatus(statusInfo, "Logging in as "+msg.Login)

	case MsgLoginOK:
		m.login = msg.Login
		m.addStatus(statusOK, "Logged in as "+msg.Login)

	case MsgRefreshing:
		m.state = stateRefreshing
		m.addStatus(statusInfo, "Refreshing access token...")

	case MsgRefreshOK:
		m.addStatus(statusOK, "Token refreshed successfully")

	case MsgRefreshFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))

	case MsgReAuthRequired:
		m.addStatus(statusWarn, "Session expired. Run 'pature login' to sign in again.")

	case MsgSessionCleared:
		m.addStatus(statusOK, "Local session cleared")

	case MsgRequesting:
		m.state = stateRequesting
		m.request = msg.Method + " " + msg.Path
		m.addStatus(statusInfo, m.request)

	case MsgRequestOK:
		m.addStatus(statusOK, msg.Path+": OK")

	case MsgRequestFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Request failed: %v", msg.Err))

	case MsgNotice:
		m.addStatus(statusInfo, msg.Text)

	case MsgDone:
		m.summary = msg.Summary
		m.state = stateSuccess

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Pature  "))
	b.WriteString("\n\n")

	b.WriteString(m.spinner.View())
	switch m.state {
	case stateLoggingIn:
		b.WriteString(" Logging in as " + m.login + "...\n")
	case stateRefreshing:
		b.WriteString(" Refreshing access token...\n")
	case stateRequesting:
		b.WriteString(" " + m.request + "\n")
	default:
		b.WriteString(" Loading session...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ Done"))
	b.WriteString("\n\n")

	for _, l := range summaryLines(m.summary) {
		b.WriteString(styleBold.Render(fmt.Sprintf("%-14s", l.label+":")))
		b.WriteString(l.value + "\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}
