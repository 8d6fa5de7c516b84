// Package monitor is the interactive RTT viewer. It polls one up-channel
// through a handler.Worker and shows the output in a scrolling viewport.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/handler"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/rtt"
)

const (
	// DefaultInterval polls about sixty times a second.
	DefaultInterval = 16 * time.Millisecond

	readSize    = 4096
	maxBytes    = 1 << 20
	callTimeout = time.Second
	chromeLines = 4
)

// Config selects what the monitor shows.
type Config struct {
	Core       int
	Channel    int
	Timestamps bool
	Interval   time.Duration
}

type infoMsg struct {
	chip     string
	channels []rtt.ChannelInfo
}

type tickMsg time.Time

type readMsg struct {
	channel int
	data    []byte
	err     error
}

// Model is the bubbletea model of the monitor.
type Model struct {
	worker *handler.Worker
	cfg    Config

	chip     string
	channels []rtt.ChannelInfo
	channel  int
	reading  bool
	status   string

	stamper Stamper
	output  strings.Builder

	width    int
	height   int
	ready    bool
	viewport viewport.Model
	help     help.Model
	keys     keyMap
}

// New returns a monitor reading through w.
func New(w *handler.Worker, cfg Config) *Model {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Model{
		worker:  w,
		cfg:     cfg,
		channel: cfg.Channel,
		reading: true,
		stamper: Stamper{Timestamps: cfg.Timestamps},
		help:    help.New(),
		keys:    defaultKeys(),
	}
}

// Run shows the monitor on the terminal until the user quits.
func Run(w *handler.Worker, cfg Config) error {
	p := tea.NewProgram(New(w, cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.loadInfo(), m.tick())
}

func (m *Model) loadInfo() tea.Cmd {
	w := m.worker
	return func() tea.Msg {
		var msg infoMsg
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		w.Do(ctx, func(h *handler.Handler) {
			msg.chip = h.ChipName()
			msg.channels = h.UpChannels()
		})
		return msg
	}
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.cfg.Interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) read() tea.Cmd {
	w, core, ch := m.worker, m.cfg.Core, m.channel
	return func() tea.Msg {
		buf := make([]byte, readSize)
		msg := readMsg{channel: ch}
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		var n int
		if err := w.Do(ctx, func(h *handler.Handler) {
			n, msg.err = h.ReadChannel(core, ch, buf)
		}); err != nil {
			msg.err = err
		}
		msg.data = buf[:n]
		return msg
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		m.resize()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case infoMsg:
		m.chip = msg.chip
		m.channels = msg.channels
		if len(m.channels) > 0 && m.channel >= len(m.channels) {
			m.channel = 0
		}
		return m, nil

	case tickMsg:
		if !m.reading {
			return m, m.tick()
		}
		return m, m.read()

	case readMsg:
		m.handleRead(msg)
		return m, m.tick()
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Toggle):
		m.reading = !m.reading
		return m, nil
	case key.Matches(msg, m.keys.Channel):
		if len(m.channels) > 1 {
			m.channel = (m.channel + 1) % len(m.channels)
			m.append(fmt.Sprintf("\n--- %s ---\n", m.channelLabel()))
		}
		return m, nil
	case key.Matches(msg, m.keys.Clear):
		m.output.Reset()
		m.refresh()
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *Model) handleRead(msg readMsg) {
	if msg.err != nil {
		m.status = msg.err.Error()
		return
	}
	m.status = ""
	// Data read before a channel switch still belongs to the old channel
	if len(msg.data) > 0 {
		m.append(m.stamper.Format(msg.data))
	}
}

func (m *Model) append(text string) {
	m.output.WriteString(text)
	if m.output.Len() > maxBytes {
		keep := m.output.String()[m.output.Len()-maxBytes/2:]
		m.output.Reset()
		m.output.WriteString(keep)
	}
	m.refresh()
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.output.String())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *Model) resize() {
	h := max(m.height-chromeLines-viewportStyle.GetVerticalFrameSize(), 1)
	w := max(m.width-viewportStyle.GetHorizontalFrameSize(), 1)
	if !m.ready {
		m.viewport = viewport.New(w, h)
		m.ready = true
	} else {
		m.viewport.Width, m.viewport.Height = w, h
	}
	m.viewport.SetContent(m.output.String())
	m.viewport.GotoBottom()
}

func (m *Model) channelLabel() string {
	if m.channel < len(m.channels) && m.channels[m.channel].Name != "" {
		return fmt.Sprintf("channel %d (%s)", m.channel, m.channels[m.channel].Name)
	}
	return fmt.Sprintf("channel %d", m.channel)
}

// Output returns everything shown so far.
func (m *Model) Output() string {
	return m.output.String()
}

func (m *Model) View() string {
	state := readingStyle.Render("● reading")
	if !m.reading {
		state = pausedStyle.Render("‖ paused")
	}
	header := lipgloss.JoinHorizontal(lipgloss.Top,
		titleStyle.Render(m.chip), "  ",
		subtleStyle.Render(fmt.Sprintf("core %d  %s", m.cfg.Core, m.channelLabel())), "  ",
		state)

	body := m.output.String()
	if m.ready {
		body = viewportStyle.Render(m.viewport.View())
	}

	status := ""
	if m.status != "" {
		status = errorStyle.Render(m.status)
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, body, status, m.help.View(m.keys))
}
