package terminal

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/m4xw311/alang/agent"
	"github.com/m4xw311/alang/session"
)

const welcomeText = `# Welcome to alang!

Your coding assistant is ready to help with:

- **Code writing** and debugging
- **File operations** and management
- **Problem solving** and explanations

Type a message and press Enter. Type ` + "`/help`" + ` for commands.

**Keys:** Enter send · Ctrl+S send · Ctrl+L clear · Esc focus input · PgUp/PgDn scroll · Ctrl+C quit`

const inputHeight = 3

// Orchestrator is the part of the agent the interface drives.
type Orchestrator interface {
	Submit(input string) bool
	SessionID() int64
}

// Agent is what Run needs to attach the interface to an orchestrator.
type Agent interface {
	Orchestrator
	History(ctx context.Context) ([]session.Message, error)
	SetListener(l agent.Listener)
	Wait()
}

// Notifications from the agent, delivered to the program as messages.
type (
	stateMsg   struct{ state agent.State }
	chatMsg    struct{ msg session.Message }
	toolMsg    struct{ exec session.ToolExecution }
	clearedMsg struct{ sessionID int64 }
	noticeMsg  struct{ text string }
	errMsg     struct{ err error }
)

// Listener forwards agent notifications to a running program.
type Listener struct {
	send func(tea.Msg)
}

func NewListener(send func(tea.Msg)) *Listener {
	return &Listener{send: send}
}

func (l *Listener) OnStateChange(s agent.State)             { l.send(stateMsg{s}) }
func (l *Listener) OnMessage(m session.Message)             { l.send(chatMsg{m}) }
func (l *Listener) OnToolExecution(e session.ToolExecution) { l.send(toolMsg{e}) }
func (l *Listener) OnCleared(id int64)                      { l.send(clearedMsg{id}) }
func (l *Listener) OnNotice(text string)                    { l.send(noticeMsg{text}) }
func (l *Listener) OnError(err error)                       { l.send(errMsg{err}) }

type entryKind int

const (
	entryWelcome entryKind = iota
	entryUser
	entryAssistant
	entrySystem
	entryTool
	entryNotice
	entryError
)

type entry struct {
	kind    entryKind
	content string
}

type styles struct {
	header    lipgloss.Style
	user      lipgloss.Style
	assistant lipgloss.Style
	system    lipgloss.Style
	tool      lipgloss.Style
	notice    lipgloss.Style
	errorText lipgloss.Style
	thinking  lipgloss.Style
	footer    lipgloss.Style
	input     lipgloss.Style
}

func defaultStyles() styles {
	accent := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	pink := lipgloss.Color("#ff71ce")
	muted := lipgloss.Color("#9ca3d8")
	return styles{
		header: lipgloss.NewStyle().
			Bold(true).
			Foreground(accent).
			Padding(0, 1),
		user:      lipgloss.NewStyle().Foreground(mint).Bold(true),
		assistant: lipgloss.NewStyle().Foreground(accent).Bold(true),
		system:    lipgloss.NewStyle().Foreground(muted).Bold(true),
		tool:      lipgloss.NewStyle().Foreground(muted).Italic(true),
		notice:    lipgloss.NewStyle().Foreground(muted),
		errorText: lipgloss.NewStyle().Foreground(pink).Bold(true),
		thinking:  lipgloss.NewStyle().Foreground(accent).Italic(true),
		footer:    lipgloss.NewStyle().Foreground(muted).Padding(0, 1),
		input: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(accent),
	}
}

// Model is the bubbletea model of the chat interface.
type Model struct {
	orch      Orchestrator
	textarea  textarea.Model
	viewport  viewport.Model
	spinner   spinner.Model
	renderer  *glamour.TermRenderer
	styles    styles
	entries   []entry
	thinking  bool
	sessionID int64
	width     int
}

// NewModel builds the interface with history already on display.
func NewModel(orch Orchestrator, history []session.Message) Model {
	ta := textarea.New()
	ta.Placeholder = "Type a message or /help..."
	ta.ShowLineNumbers = false
	ta.SetHeight(inputHeight)
	ta.CharLimit = 0
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := Model{
		orch:      orch,
		textarea:  ta,
		viewport:  viewport.New(80, 20),
		spinner:   sp,
		styles:    defaultStyles(),
		sessionID: orch.SessionID(),
		entries:   []entry{{kind: entryWelcome, content: welcomeText}},
	}
	sp.Style = m.styles.thinking
	m.spinner = sp
	for _, msg := range history {
		m.entries = append(m.entries, entryFor(msg))
	}
	m.refresh()
	return m
}

// Thinking reports whether the thinking indicator is shown.
func (m Model) Thinking() bool { return m.thinking }

func (m Model) Init() tea.Cmd {
	return textarea.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyCtrlL:
			m.orch.Submit("/clear")
			return m, nil
		case tea.KeyEsc:
			return m, m.textarea.Focus()
		case tea.KeyEnter, tea.KeyCtrlS:
			input := m.textarea.Value()
			m.textarea.Reset()
			m.orch.Submit(input)
			return m, nil
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
		var cmd tea.Cmd
		m.textarea, cmd = m.textarea.Update(msg)
		return m, cmd

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case stateMsg:
		wasThinking := m.thinking
		m.thinking = msg.state == agent.StateAwaitingResponse
		if m.thinking && !wasThinking {
			return m, m.spinner.Tick
		}
		return m, nil

	case spinner.TickMsg:
		if !m.thinking {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case chatMsg:
		m.appendEntry(entryFor(msg.msg))
	case toolMsg:
		status := "ok"
		if !msg.exec.Success {
			status = "failed"
		}
		m.appendEntry(entry{kind: entryTool, content: fmt.Sprintf("⚙ %s (%s)", msg.exec.ToolName, status)})
	case clearedMsg:
		m.sessionID = msg.sessionID
		m.entries = []entry{{kind: entryWelcome, content: welcomeText}}
		m.refresh()
	case noticeMsg:
		m.appendEntry(entry{kind: entryNotice, content: msg.text})
	case errMsg:
		m.appendEntry(entry{kind: entryError, content: msg.err.Error()})
	}
	return m, nil
}

func (m Model) View() string {
	header := m.styles.header.Render(fmt.Sprintf("alang · session %d", m.sessionID))
	status := ""
	if m.thinking {
		status = m.spinner.View() + m.styles.thinking.Render(" Thinking...")
	}
	footer := m.styles.footer.Render("enter send · ctrl+l clear · pgup/pgdn scroll · ctrl+c quit")
	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		status,
		m.styles.input.Render(m.textarea.View()),
		footer,
	)
}

func (m *Model) resize(width, height int) {
	m.width = width
	// header, status, bordered input and footer
	chrome := 1 + 1 + (inputHeight + 2) + 1
	vpHeight := height - chrome
	if vpHeight < 3 {
		vpHeight = 3
	}
	m.viewport.Width = width
	m.viewport.Height = vpHeight
	m.textarea.SetWidth(width - 2)

	wrap := width - 4
	if wrap < 20 {
		wrap = 20
	}
	if r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(wrap)); err == nil {
		m.renderer = r
	}
	m.refresh()
}

func (m *Model) appendEntry(e entry) {
	m.entries = append(m.entries, e)
	m.refresh()
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderEntries())
	m.viewport.GotoBottom()
}

func (m Model) renderEntries() string {
	var sb strings.Builder
	for _, e := range m.entries {
		switch e.kind {
		case entryWelcome:
			sb.WriteString(m.renderMarkdown(e.content))
		case entryUser:
			sb.WriteString(m.styles.user.Render("You") + "\n")
			sb.WriteString(e.content + "\n")
		case entryAssistant:
			sb.WriteString(m.styles.assistant.Render("alang") + "\n")
			sb.WriteString(m.renderMarkdown(e.content))
		case entrySystem:
			sb.WriteString(m.styles.system.Render("system") + "\n")
			sb.WriteString(e.content + "\n")
		case entryTool:
			sb.WriteString(m.styles.tool.Render(e.content) + "\n")
		case entryNotice:
			sb.WriteString(m.styles.notice.Render(e.content) + "\n")
		case entryError:
			sb.WriteString(m.styles.errorText.Render("Error: "+e.content) + "\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// renderMarkdown falls back to the raw text when no renderer is available or
// rendering fails.
func (m Model) renderMarkdown(s string) string {
	if m.renderer == nil {
		return s + "\n"
	}
	out, err := m.renderer.Render(s)
	if err != nil {
		return s + "\n"
	}
	return out
}

func entryFor(msg session.Message) entry {
	switch msg.Role {
	case session.RoleUser:
		return entry{kind: entryUser, content: msg.Content}
	case session.RoleAssistant:
		return entry{kind: entryAssistant, content: msg.Content}
	}
	return entry{kind: entrySystem, content: msg.Content}
}

// Run shows the interface for a until the user quits. A non-empty
// initialPrompt is submitted as the first turn. Turns still queued when the
// user quits are completed before Run returns.
func Run(ctx context.Context, a Agent, initialPrompt string) error {
	history, err := a.History(ctx)
	if err != nil {
		return err
	}
	p := tea.NewProgram(NewModel(a, history),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx))
	a.SetListener(NewListener(p.Send))
	a.Submit(initialPrompt)
	_, err = p.Run()
	a.SetListener(nil)
	a.Wait()
	return err
}
