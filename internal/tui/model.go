package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vitaminmoo/blesock/internal/frame"
	"github.com/vitaminmoo/blesock/internal/protocol"
	"github.com/vitaminmoo/blesock/internal/session"
	"github.com/vitaminmoo/blesock/internal/util"
)

// View represents the current screen
type View int

const (
	ViewScan View = iota
	ViewChat
)

// Status is the session phase shown in the title bar
type Status int

const (
	StatusStarting Status = iota
	StatusBluetooth
	StatusScanning
	StatusJoining
	StatusOnline
)

// Session is the guest API the UI drives. *session.Guest satisfies it.
type Session interface {
	StartScan() error
	StopScan() error
	Connect(deviceID int) error
	Disconnect() error
	Send(message []byte, receiver int) error
	LocalPlayer() session.Player
	Players() []session.Player
}

var _ Session = (*session.Guest)(nil)

// HostEntry is a discovered host
type HostEntry struct {
	ID   int
	Name string
}

// Options configures the model
type Options struct {
	// Title is shown in the title bar
	Title string

	// OnJoin is called after the host admitted the local player
	OnJoin func(host HostEntry, local session.Player, players []session.Player)
}

// chatLine is one entry of the conversation
type chatLine struct {
	sender string
	text   string
	self   bool
	system bool
}

const rosterWidth = 20

// Model is the main TUI model.
type Model struct {
	// Navigation
	view     View
	cursor   int
	width    int
	height   int
	showHelp bool

	// Session
	sess    Session
	events  *Events
	opts    Options
	status  Status
	hosts   []HostEntry
	joining HostEntry
	host    HostEntry
	lines   []chatLine

	// Components
	spinner  spinner.Model
	help     help.Model
	input    textinput.Model
	viewport viewport.Model
	keys     KeyMap
	styles   Styles

	// Error state
	err error
}

// NewModel creates a model driving sess. events must be the handler sess
// was created with.
func NewModel(sess Session, events *Events, opts Options) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))

	h := help.New()
	h.ShowAll = false

	in := textinput.New()
	in.Placeholder = "Say something..."
	in.CharLimit = frame.MaxMessageSize
	in.Prompt = "> "

	if opts.Title == "" {
		opts.Title = "blesock"
	}

	return Model{
		view:     ViewScan,
		sess:     sess,
		events:   events,
		opts:     opts,
		status:   StatusStarting,
		spinner:  s,
		help:     h,
		input:    in,
		viewport: viewport.New(80, 10),
		keys:     DefaultKeyMap(),
		styles:   DefaultStyles(),
	}
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.events.wait())
}

// Update handles messages and updates the model. Every session message is
// followed by another wait so exactly one is pending at a time.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.resize()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case closedMsg:
		return m, tea.Quit

	case readyMsg:
		m.err = nil
		m.scan()

	case bluetoothMsg:
		m.status = StatusBluetooth
		m.hosts = nil
		m.cursor = 0

	case discoverMsg:
		m.hosts = append(m.hosts, HostEntry{ID: msg.id, Name: msg.name})

	case failMsg:
		if m.status == StatusJoining {
			m.err = fmt.Errorf("could not join %s", m.joining.Name)
		} else if m.view == ViewChat {
			m.err = fmt.Errorf("lost %s", m.host.Name)
		} else {
			m.err = fmt.Errorf("bluetooth failure")
		}
		m.leaveChat()
		m.scan()

	case connectMsg:
		m.host = m.joining
		m.status = StatusOnline
		m.view = ViewChat
		m.err = nil
		m.lines = nil
		local := m.sess.LocalPlayer()
		players := m.sess.Players()
		m.system(fmt.Sprintf("joined %s as %s", m.host.Name, local.Name))
		if m.opts.OnJoin != nil {
			m.opts.OnJoin(m.host, local, players)
		}
		cmds = append(cmds, m.input.Focus())

	case disconnectMsg:
		m.err = fmt.Errorf("left %s", m.host.Name)
		m.leaveChat()
		m.scan()

	case joinMsg:
		m.system(msg.player.Name + " joined")

	case leaveMsg:
		m.system(msg.player.Name + " left")

	case receiveMsg:
		m.appendLine(chatLine{sender: msg.sender.Name, text: messageText(msg.data)})

	default:
		// Cursor blink and other component messages
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	cmds = append(cmds, m.events.wait())
	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.view == ViewChat {
		return m.handleChatKey(msg)
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.showHelp = !m.showHelp
		m.help.ShowAll = m.showHelp
		return m, nil

	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil

	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.hosts)-1 {
			m.cursor++
		}
		return m, nil

	case key.Matches(msg, m.keys.Refresh):
		if m.status == StatusScanning {
			if err := m.sess.StopScan(); err != nil {
				m.err = err
				return m, nil
			}
			m.scan()
		}
		return m, nil

	case key.Matches(msg, m.keys.Select):
		if m.status != StatusScanning || len(m.hosts) == 0 {
			return m, nil
		}
		target := m.hosts[m.cursor]
		if err := m.sess.Connect(target.ID); err != nil {
			m.err = err
			return m, nil
		}
		m.joining = target
		m.status = StatusJoining
		m.err = nil
		return m, nil
	}

	return m, nil
}

func (m Model) handleChatKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.ForceQuit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Back):
		if err := m.sess.Disconnect(); err != nil {
			m.err = err
		}
		return m, nil

	case key.Matches(msg, m.keys.Send):
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		if err := m.sess.Send([]byte(text), protocol.Others); err != nil {
			m.err = err
			return m, nil
		}
		m.err = nil
		m.input.SetValue("")
		m.appendLine(chatLine{sender: m.sess.LocalPlayer().Name, text: text, self: true})
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// scan restarts discovery with an empty host list
func (m *Model) scan() {
	m.hosts = nil
	m.cursor = 0
	if err := m.sess.StartScan(); err != nil {
		m.err = err
		m.status = StatusStarting
		return
	}
	m.status = StatusScanning
}

func (m *Model) leaveChat() {
	m.view = ViewScan
	m.input.Blur()
	m.input.SetValue("")
}

func (m *Model) system(text string) {
	m.appendLine(chatLine{text: text, system: true})
}

func (m *Model) appendLine(l chatLine) {
	m.lines = append(m.lines, l)
	m.viewport.SetContent(m.renderLines())
	m.viewport.GotoBottom()
}

func (m *Model) resize() {
	w := m.width - 4 - rosterWidth - 2
	if w < 10 {
		w = 10
	}
	h := m.height - 10
	if h < 3 {
		h = 3
	}
	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 4
	m.viewport.SetContent(m.renderLines())
}

// messageText renders a received payload, hex for binary data
func messageText(data []byte) string {
	if util.IsTextData(data) {
		return string(data)
	}
	return util.Preview(data, 64)
}

// View renders the UI.
func (m Model) View() string {
	var content string

	switch m.view {
	case ViewScan:
		content = m.viewScan()
	case ViewChat:
		content = m.viewChat()
	}

	return m.styles.App.Render(content)
}

func (m Model) renderTitleBar() string {
	title := m.styles.Title.Render(m.opts.Title)

	var status string
	switch m.status {
	case StatusStarting:
		status = m.spinner.View() + " Starting..."
	case StatusBluetooth:
		status = m.styles.StatusOffline.Render("○ Bluetooth off")
	case StatusScanning:
		status = m.spinner.View() + " Searching..."
	case StatusJoining:
		status = m.spinner.View() + " Joining " + m.joining.Name + "..."
	case StatusOnline:
		status = m.styles.StatusOnline.Render("●") + " " + m.host.Name
	}

	return m.styles.TitleBar.Render(title + "  " + status)
}

func (m Model) renderError() string {
	if m.err == nil {
		return ""
	}
	return m.styles.Error.Render(m.err.Error()) + "\n"
}

func (m Model) viewScan() string {
	var b strings.Builder

	b.WriteString(m.renderTitleBar())
	b.WriteString("\n")
	b.WriteString(m.renderError())

	if len(m.hosts) == 0 {
		b.WriteString(m.styles.Muted.Render("No hosts found yet"))
		b.WriteString("\n")
	}
	for i, h := range m.hosts {
		cursor := "  "
		style := m.styles.MenuItem
		if i == m.cursor {
			cursor = "> "
			style = m.styles.MenuItemSelected
		}
		b.WriteString(cursor + style.Render(h.Name))
		b.WriteString("\n")
		if i == m.cursor {
			b.WriteString(m.styles.MenuItemDim.Render(fmt.Sprintf("device %d", h.ID)))
			b.WriteString("\n")
		}
	}

	b.WriteString(m.styles.Help.Render(m.help.View(m.keys)))
	return b.String()
}

func (m Model) viewChat() string {
	var b strings.Builder

	b.WriteString(m.renderTitleBar())
	b.WriteString("\n")
	b.WriteString(m.renderError())

	body := m.styles.Viewport.Render(m.viewport.View())
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, body, m.renderRoster()))
	b.WriteString("\n")
	b.WriteString(m.styles.Input.Render(m.input.View()))
	b.WriteString(m.styles.Help.Render(m.help.View(chatKeys{m.keys})))
	return b.String()
}

func (m Model) renderRoster() string {
	local := m.sess.LocalPlayer()
	var b strings.Builder
	b.WriteString(m.styles.Subtitle.Render("Players"))
	for _, p := range m.sess.Players() {
		b.WriteString("\n")
		name := truncate(p.Name, rosterWidth-2)
		if p.ID == local.ID {
			name = m.styles.Self.Render(name)
		}
		b.WriteString(name)
	}
	return m.styles.Roster.Width(rosterWidth).Render(b.String())
}

func (m Model) renderLines() string {
	var b strings.Builder
	for i, l := range m.lines {
		if i > 0 {
			b.WriteString("\n")
		}
		switch {
		case l.system:
			b.WriteString(m.styles.System.Render("-- " + l.text))
		case l.self:
			b.WriteString(m.styles.Self.Render(l.sender+":") + " " + l.text)
		default:
			b.WriteString(m.styles.Sender.Render(l.sender+":") + " " + l.text)
		}
	}
	return b.String()
}

// truncate shortens a string to fit within maxLen
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
