// Package tui is the terminal front end: a Bubble Tea chat view for one
// session and a line-oriented plain mode for non-TTY use.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"agentchat/internal/session"
)

type Mode string

const (
	ModeTUI   Mode = "tui"
	ModePlain Mode = "plain"
)

var spinnerFrames = []string{"|", "/", "-", "\\"}

// Client is the part of the session registry the front ends drive.
type Client interface {
	Subscribe(key session.Key, fn func(session.Snapshot)) (func(), error)
	SendMessage(ctx context.Context, key session.Key, text string) (session.Message, error)
	SubmitInput(ctx context.Context, key session.Key, text string) (session.Message, error)
	CancelExecution(ctx context.Context, key session.Key) error
	LoadOlderMessages(ctx context.Context, key session.Key, limit int) (bool, error)
}

type Options struct {
	// Banner is shown under the header until the first error notice.
	Banner string
	// PageLimit is the history page size requested on pgup.
	PageLimit int
}

// Run starts the full-screen chat view for key and blocks until the user
// quits or ctx is cancelled.
func Run(ctx context.Context, client Client, key session.Key, in io.Reader, out io.Writer, opts Options) error {
	if client == nil {
		return errors.New("tui requires a session client")
	}
	if f, ok := out.(*os.File); ok {
		if !term.IsTerminal(int(f.Fd())) {
			return fmt.Errorf("stdout is not a TTY; use --ui=plain")
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	feed := newSnapshotFeed()
	unsubscribe, err := client.Subscribe(key, feed.push)
	if err != nil {
		return err
	}
	defer unsubscribe()

	model := newModel(ctx, client, key, feed, opts)
	prog := tea.NewProgram(
		model,
		tea.WithAltScreen(),
		tea.WithContext(ctx),
		tea.WithInput(in),
		tea.WithOutput(out),
	)
	_, err = prog.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// snapshotFeed hands the newest snapshot to the UI without ever blocking the
// publisher. Intermediate versions may be skipped.
type snapshotFeed struct {
	mu     sync.Mutex
	latest session.Snapshot
	has    bool
	ready  chan struct{}
}

func newSnapshotFeed() *snapshotFeed {
	return &snapshotFeed{ready: make(chan struct{}, 1)}
}

func (f *snapshotFeed) push(s session.Snapshot) {
	f.mu.Lock()
	if f.has && s.Version < f.latest.Version {
		f.mu.Unlock()
		return
	}
	f.latest = s
	f.has = true
	f.mu.Unlock()
	select {
	case f.ready <- struct{}{}:
	default:
	}
}

func (f *snapshotFeed) take() (session.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.has {
		return session.Snapshot{}, false
	}
	return f.latest, true
}

type snapshotMsg struct {
	Snapshot session.Snapshot
}

type actionResultMsg struct {
	Action string
	Err    error
}

type tickMsg struct{}

func waitSnapshotCmd(ctx context.Context, feed *snapshotFeed) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-feed.ready:
		case <-ctx.Done():
			return nil
		}
		snap, _ := feed.take()
		return snapshotMsg{Snapshot: snap}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(300*time.Millisecond, func(time.Time) tea.Msg { return tickMsg{} })
}

type model struct {
	ctx    context.Context
	client Client
	key    session.Key
	feed   *snapshotFeed
	opts   Options

	width  int
	height int

	snap    session.Snapshot
	hasSnap bool

	input    textinput.Model
	viewport viewport.Model

	stickToBottom bool
	spinnerFrame  int
	notice        string
	quitting      bool
}

func newModel(ctx context.Context, client Client, key session.Key, feed *snapshotFeed, opts Options) model {
	inp := textinput.New()
	inp.Placeholder = "Type a message…"
	inp.Prompt = "› "
	inp.CharLimit = 0
	inp.Focus()

	vp := viewport.New(0, 0)
	vp.SetContent("")

	return model{
		ctx:           ctx,
		client:        client,
		key:           key,
		feed:          feed,
		opts:          opts,
		input:         inp,
		viewport:      vp,
		stickToBottom: true,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		tickCmd(),
		waitSnapshotCmd(m.ctx, m.feed),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.rerender()
		return m, nil
	case snapshotMsg:
		m.applySnapshot(msg.Snapshot)
		return m, waitSnapshotCmd(m.ctx, m.feed)
	case actionResultMsg:
		if msg.Err != nil {
			m.notice = fmt.Sprintf("%s: %v", msg.Action, msg.Err)
		} else {
			m.notice = ""
		}
		return m, nil
	case tickMsg:
		if m.hasSnap && (m.snap.Execution.InFlight() || m.snap.StreamingMessageID != "") {
			m.spinnerFrame = (m.spinnerFrame + 1) % len(spinnerFrames)
			m.rerender()
		}
		return m, tickCmd()
	case tea.KeyMsg:
		if handled, cmd := m.handleKey(msg); handled {
			return m, cmd
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	default:
		return m, nil
	}
}

func (m *model) applySnapshot(s session.Snapshot) {
	if m.hasSnap && s.Version < m.snap.Version {
		return
	}
	m.snap = s
	m.hasSnap = true
	if s.LastError != "" && m.notice == "" {
		m.notice = s.LastError
	}
	m.rerender()
}

func (m *model) handleKey(msg tea.KeyMsg) (bool, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return true, tea.Quit
	case "esc":
		if !m.hasSnap || !m.snap.Execution.InFlight() {
			return true, nil
		}
		return true, m.action("cancel", func(ctx context.Context) error {
			return m.client.CancelExecution(ctx, m.key)
		})
	case "pgup":
		if m.viewport.AtTop() {
			return true, m.loadOlder()
		}
		m.viewport.PageUp()
		m.stickToBottom = false
		return true, nil
	case "pgdown":
		m.viewport.PageDown()
		m.stickToBottom = m.viewport.AtBottom()
		return true, nil
	case "shift+up", "alt+up":
		m.viewport.ScrollUp(1)
		m.stickToBottom = false
		return true, nil
	case "shift+down", "alt+down":
		m.viewport.ScrollDown(1)
		m.stickToBottom = m.viewport.AtBottom()
		return true, nil
	case "enter":
		return true, m.submit()
	}
	return false, nil
}

func (m *model) loadOlder() tea.Cmd {
	if !m.hasSnap || !m.snap.HasOlder {
		return nil
	}
	limit := m.opts.PageLimit
	return m.action("load older", func(ctx context.Context) error {
		_, err := m.client.LoadOlderMessages(ctx, m.key, limit)
		return err
	})
}

// submit sends the input box. While an input request is open the text
// answers it instead of starting a new turn.
func (m *model) submit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	m.input.Reset()
	m.stickToBottom = true

	if m.waitingForInput() {
		return m.action("answer", func(ctx context.Context) error {
			_, err := m.client.SubmitInput(ctx, m.key, text)
			return err
		})
	}
	return m.action("send", func(ctx context.Context) error {
		_, err := m.client.SendMessage(ctx, m.key, text)
		return err
	})
}

func (m *model) waitingForInput() bool {
	return m.hasSnap && m.snap.Execution == session.ExecutionWaitingForInput && m.snap.ActiveInputRequest != nil
}

func (m *model) action(name string, fn func(ctx context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return actionResultMsg{Action: name, Err: fn(ctx)}
	}
}

func (m model) View() string {
	if m.quitting {
		return ""
	}
	if m.width <= 0 || m.height <= 0 {
		return lipgloss.NewStyle().Padding(1, 2).Render("loading…")
	}
	header := m.renderHeader(m.width)
	status := m.renderStatus(m.width)
	input := m.renderInputLine(m.width)
	return lipgloss.JoinVertical(lipgloss.Left, header, m.viewport.View(), status, input)
}

func (m *model) resize() {
	headerH := lipgloss.Height(m.renderHeader(m.width))
	vpH := max(1, m.height-headerH-2)
	m.viewport.Width = max(10, m.width)
	m.viewport.Height = vpH
	m.input.Width = max(10, m.width-4)
}

func (m *model) rerender() {
	width := m.viewport.Width
	if width <= 0 {
		width = 80
	}
	if !m.hasSnap {
		m.viewport.SetContent("")
		return
	}
	lines := buildLines(m.snap, max(10, width-2), m.spinner())
	rendered := make([]string, 0, len(lines))
	for _, line := range lines {
		rendered = append(rendered, " "+truncateANSI(line, max(10, width-1)))
	}
	m.viewport.SetContent(strings.Join(rendered, "\n"))
	if m.stickToBottom {
		m.viewport.GotoBottom()
	}
}

func (m *model) spinner() string {
	return spinnerFrames[m.spinnerFrame%len(spinnerFrames)]
}
