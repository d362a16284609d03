package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/mattjoyce/pixelbrain/internal/monitor"
	"github.com/mattjoyce/pixelbrain/internal/session"
	"github.com/mattjoyce/pixelbrain/internal/view"
)

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	flags := addCommonFlags(fs)
	logFile := fs.String("log-file", "", "write logs here (the TUI owns the terminal)")
	plain := fs.Bool("plain", false, "do not render replies as markdown")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !isTerminal(os.Stdout.Fd()) {
		return fmt.Errorf("chat needs an interactive terminal; use ask for scripted prompts")
	}

	cfg, err := flags.load(flagSet(fs, "config"))
	if err != nil {
		return err
	}

	var logOut io.Writer = io.Discard
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	logger := newLogger(cfg.Service.LogLevel, logOut, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, client := newManager(cfg, nil, logger)
	defer manager.Close()

	mon := monitor.New(client, cfg.Monitor.Interval, cfg.Monitor.ProbeTimeout, logger)
	connCh, unsubscribe := mon.Subscribe()
	defer unsubscribe()
	go mon.Run(ctx)

	sub := manager.Subscribe()
	defer sub.Close()

	m := newChatModel(chatConfig{
		Model:         cfg.Ollama.Model,
		ServerURL:     cfg.Ollama.ServerURL(),
		StoppedMarker: cfg.Chat.StoppedMarker,
	}, manager, sub.C(), connCh)

	if !*plain {
		m.markdown = true
		if err := m.setWrap(bodyWidth(0)); err != nil {
			logger.Warn("markdown rendering disabled", "error", err)
			m.markdown = false
		}
	}

	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

type chatConfig struct {
	Model         string
	ServerURL     string
	StoppedMarker string
}

// chatSession is the part of *session.Manager the TUI drives.
type chatSession interface {
	Submit(prompt string) (session.Session, error)
	Cancel() bool
	Clear() error
}

type snapshotMsg struct {
	Snapshot session.Snapshot
	Closed   bool
}

type connectivityMsg struct {
	State  monitor.ConnectivityState
	Closed bool
}

type chatModel struct {
	cfg       chatConfig
	chat      chatSession
	snapshots <-chan session.Snapshot
	conn      <-chan monitor.ConnectivityState

	state     view.State
	online    bool
	connKnown bool
	notice    string

	textarea textarea.Model
	viewport viewport.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer
	markdown bool
	wrap     int

	width  int
	height int
}

func newChatModel(cfg chatConfig, chat chatSession, snapshots <-chan session.Snapshot, conn <-chan monitor.ConnectivityState) chatModel {
	ta := textarea.New()
	ta.Placeholder = "Ask something... (Enter to send)"
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 0
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false)

	vp := viewport.New(bodyWidth(0), 10)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#F97316"))

	return chatModel{
		cfg:       cfg,
		chat:      chat,
		snapshots: snapshots,
		conn:      conn,
		state:     view.Project(session.Snapshot{}, cfg.StoppedMarker),
		textarea:  ta,
		viewport:  vp,
		spinner:   sp,
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		m.spinner.Tick,
		waitForSnapshotCmd(m.snapshots),
		waitForConnectivityCmd(m.conn),
	)
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		m.refreshViewport()
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.chat.Cancel()
			return m, tea.Quit
		case "esc":
			if m.state.CanCancel {
				m.chat.Cancel()
			}
			return m, nil
		case "enter":
			return m.handleEnter()
		case "ctrl+l":
			if err := m.chat.Clear(); err != nil {
				m.notice = "cannot clear while a reply is streaming"
			} else {
				m.notice = ""
			}
			return m, nil
		}
	case snapshotMsg:
		if msg.Closed {
			return m, nil
		}
		m.state = view.Project(msg.Snapshot, m.cfg.StoppedMarker)
		m.refreshViewport()
		return m, waitForSnapshotCmd(m.snapshots)
	case connectivityMsg:
		if msg.Closed {
			return m, nil
		}
		m.online = msg.State.Online
		m.connKnown = true
		return m, waitForConnectivityCmd(m.conn)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// handleEnter submits the input, or stops the reply while one is streaming.
func (m chatModel) handleEnter() (tea.Model, tea.Cmd) {
	if m.state.CanCancel {
		m.chat.Cancel()
		return m, nil
	}

	_, err := m.chat.Submit(m.textarea.Value())
	switch {
	case errors.Is(err, session.ErrEmptyPrompt):
		return m, nil
	case errors.Is(err, session.ErrSessionActive):
		m.notice = "a reply is still streaming"
		return m, nil
	case err != nil:
		m.notice = err.Error()
		return m, nil
	}
	m.notice = ""
	m.textarea.Reset()
	return m, nil
}

func (m chatModel) View() string {
	accent := lipgloss.Color("#F97316")
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#1C1007")).
		Background(accent).
		Padding(0, 1).
		Render("pixelbrain")

	meta := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FDBA74")).
		Render(fmt.Sprintf("model=%s  server=%s", m.cfg.Model, m.cfg.ServerURL))

	header := title + " " + connectivityBadge(m.connKnown, m.online) + "  " + meta

	footerText := "enter: send  ctrl+l: clear  ctrl+c: quit"
	if m.state.CanCancel {
		footerText = "enter/esc: stop  ctrl+c: quit"
	}
	footer := lipgloss.NewStyle().Foreground(lipgloss.Color("#FDBA74")).Render(footerText)
	if m.notice != "" {
		footer = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Render(m.notice) + "  " + footer
	}

	return strings.Join([]string{
		header,
		m.viewport.View(),
		m.indicatorLine(),
		m.textarea.View(),
		footer,
	}, "\n")
}

func (m chatModel) indicatorLine() string {
	style := lipgloss.NewStyle().Foreground(lipgloss.Color("#FDBA74")).Italic(true)
	switch m.state.Indicator {
	case view.IndicatorThinking:
		return m.spinner.View() + style.Render(" thinking...")
	case view.IndicatorTyping:
		return m.spinner.View() + style.Render(" typing...")
	default:
		return ""
	}
}

func (m *chatModel) layout() {
	width := bodyWidth(m.width)
	if m.markdown {
		if err := m.setWrap(width); err != nil {
			m.notice = "markdown rendering disabled: " + err.Error()
			m.markdown = false
			m.renderer = nil
		}
	}
	m.textarea.SetWidth(width)
	height := m.height - m.textarea.Height() - 4
	if height < 5 {
		height = 5
	}
	m.viewport.Width = width
	m.viewport.Height = height
}

func (m *chatModel) refreshViewport() {
	m.viewport.SetContent(m.renderMessages())
	m.viewport.GotoBottom()
}

// renderMessages draws the transcript. Finished replies go through the
// markdown renderer when one is set; the reply being typed stays plain.
func (m chatModel) renderMessages() string {
	if len(m.state.Messages) == 0 {
		return lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")).Render("No messages yet.")
	}

	userLabel := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#1C1007")).Background(lipgloss.Color("#FDBA74")).Padding(0, 1)
	botLabel := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#1C1007")).Background(lipgloss.Color("#F97316")).Padding(0, 1)
	errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	stoppedStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))

	last := len(m.state.Messages) - 1
	var sb strings.Builder
	for i, msg := range m.state.Messages {
		if i > 0 {
			sb.WriteString("\n")
		}
		if msg.IsFromUser {
			sb.WriteString(userLabel.Render("you") + "\n" + msg.Text + "\n")
			continue
		}

		sb.WriteString(botLabel.Render(m.cfg.Model) + "\n")
		switch {
		case msg.IsError:
			sb.WriteString(errStyle.Render(msg.Text) + "\n")
		case msg.IsStopped:
			sb.WriteString(stoppedStyle.Render(msg.Text) + "\n")
		case i == last && m.state.Indicator == view.IndicatorTyping:
			sb.WriteString(msg.Text + "▌\n")
		default:
			sb.WriteString(m.renderMarkdown(msg.Text) + "\n")
		}
	}
	return sb.String()
}

// setWrap rebuilds the markdown renderer to wrap inside a body of the given
// width. Glamour fixes the wrap width at construction.
func (m *chatModel) setWrap(width int) error {
	wrap := width - 4
	if m.renderer != nil && m.wrap == wrap {
		return nil
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wrap),
	)
	if err != nil {
		return fmt.Errorf("create markdown renderer: %w", err)
	}
	m.renderer = r
	m.wrap = wrap
	return nil
}

func (m chatModel) renderMarkdown(text string) string {
	if m.renderer == nil || text == "" {
		return text
	}
	out, err := m.renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

func connectivityBadge(known, online bool) string {
	style := lipgloss.NewStyle().Bold(true).Padding(0, 1).Foreground(lipgloss.Color("#FFF7ED"))
	switch {
	case !known:
		return style.Background(lipgloss.Color("#6B7280")).Render("CHECKING")
	case online:
		return style.Background(lipgloss.Color("#16A34A")).Render("ONLINE")
	default:
		return style.Background(lipgloss.Color("#EF4444")).Render("OFFLINE")
	}
}

func waitForSnapshotCmd(in <-chan session.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-in
		if !ok {
			return snapshotMsg{Closed: true}
		}
		return snapshotMsg{Snapshot: snap}
	}
}

func waitForConnectivityCmd(in <-chan monitor.ConnectivityState) tea.Cmd {
	return func() tea.Msg {
		st, ok := <-in
		if !ok {
			return connectivityMsg{Closed: true}
		}
		return connectivityMsg{State: st}
	}
}

func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func bodyWidth(terminalWidth int) int {
	if terminalWidth <= 0 {
		return 80
	}
	w := terminalWidth - 2
	if w < 40 {
		return 40
	}
	return w
}
