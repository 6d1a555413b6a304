package tui

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"agentchat/internal/appinfo"
	"agentchat/internal/session"
	"agentchat/internal/transport"
)

const ansiReset = "\x1b[0m"

var (
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	traceStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	questionStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3"))
	hintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// buildLines lays out the message log. Runs of log entries collapse into an
// indented trace block under a single heading.
func buildLines(s session.Snapshot, width int, spinner string) []string {
	if width <= 0 {
		width = 80
	}
	out := make([]string, 0, max(64, len(s.Messages)*2))
	addBlank := func() {
		if len(out) > 0 && strings.TrimSpace(out[len(out)-1]) != "" {
			out = append(out, "")
		}
	}

	if s.HasOlder {
		out = append(out, hintStyle.Render("… older messages available (pgup at top)"))
		out = append(out, "")
	}

	inTrace := false
	for _, msg := range s.Messages {
		if msg.IsLog() {
			if !inTrace {
				out = append(out, traceStyle.Render("trace"))
				inTrace = true
			}
			out = append(out, wrapPrefixedLines("  · ", traceStyle, msg.Content, width)...)
			continue
		}
		if inTrace {
			addBlank()
			inTrace = false
		}

		switch {
		case msg.IsInputRequest():
			req := msg.Metadata.InputRequest
			out = append(out, wrapPrefixedLines("?    ", questionStyle, req.Question, width)...)
			if ctx := strings.TrimSpace(req.Context); ctx != "" {
				out = append(out, wrapPrefixedLines("     ", hintStyle, ctx, width)...)
			}
			for i, opt := range req.Options {
				out = append(out, hintStyle.Render(fmt.Sprintf("     [%d] %s", i+1, opt)))
			}
		case msg.Metadata != nil && msg.Metadata.Kind == session.MetadataError:
			out = append(out, wrapPrefixedLines("ERR: ", errorStyle, msg.Content, width)...)
		case msg.Role == session.RoleUser:
			text := msg.Content
			if msg.Pending() {
				text += " " + hintStyle.Render("(sending)")
			}
			out = append(out, wrapPrefixedLines("You: ", userStyle, text, width)...)
		case msg.Role == session.RoleAssistant:
			text := msg.Content
			if msg.ID == s.StreamingMessageID {
				text += " " + spinner
			}
			out = append(out, wrapPrefixedLines("AI:  ", assistantStyle, text, width)...)
		default:
			out = append(out, wrapPrefixedLines("SYS: ", systemStyle, msg.Content, width)...)
		}
		addBlank()
	}
	return out
}

func wrapPrefixedLines(prefix string, style lipgloss.Style, text string, width int) []string {
	text = strings.TrimRight(text, "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	prefixWidth := runewidth.StringWidth(prefix)
	contentWidth := max(10, width-prefixWidth)
	wrapped := wrapText(text, contentWidth)

	lines := strings.Split(wrapped, "\n")
	out := make([]string, 0, len(lines))
	indent := strings.Repeat(" ", prefixWidth)
	for i, line := range lines {
		if i == 0 {
			out = append(out, style.Render(prefix+line))
			continue
		}
		out = append(out, style.Render(indent+line))
	}
	return out
}

func (m *model) renderHeader(width int) string {
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	conv, agent := m.key.Split()
	parts := []string{
		headerStyle.Render(appinfo.Display()),
		hintStyle.Render(fmt.Sprintf("Conversation: %s | Agent: %s", conv, agent)),
	}
	maxW := max(10, width-2)
	if notice := strings.TrimSpace(m.notice); notice != "" {
		parts = append(parts, errorStyle.Render(truncateANSI("Error: "+safeOneLine(notice), maxW)))
	} else if banner := strings.TrimSpace(m.opts.Banner); banner != "" {
		parts = append(parts, lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Render(truncateANSI(banner, maxW)))
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(parts, "\n"))
}

func (m *model) renderStatus(width int) string {
	conn := transport.StatusDisconnected
	exec := session.ExecutionIdle
	if m.hasSnap {
		conn = m.snap.Connection.Status
		exec = m.snap.Execution
	}
	text := connectionColor(conn).Render("● "+string(conn)) + hintStyle.Render(" | ") + executionColor(exec).Render(string(exec))
	if exec.InFlight() {
		text += " " + m.spinner()
	}
	if m.hasSnap && m.snap.Connection.Error != "" && conn != transport.StatusConnected {
		text += hintStyle.Render(" | " + safeOneLine(m.snap.Connection.Error))
	}
	keys := "enter send · esc cancel · pgup older · ctrl+c quit"
	line := text + hintStyle.Render("   "+keys)
	return lipgloss.NewStyle().Padding(0, 1).Render(truncateANSI(line, max(10, width-2)))
}

func (m *model) renderInputLine(width int) string {
	m.input.Width = max(10, width-4)
	if m.waitingForInput() {
		req := m.snap.ActiveInputRequest.Metadata.InputRequest
		placeholder := "Answer: " + safeOneLine(req.Question)
		if req.Placeholder != "" {
			placeholder = req.Placeholder
		}
		m.input.Placeholder = placeholder
		m.input.Prompt = "? "
	} else {
		m.input.Placeholder = "Type a message…"
		m.input.Prompt = "› "
	}
	return lipgloss.NewStyle().Width(width).Padding(0, 1).Render(m.input.View())
}

func connectionColor(s transport.Status) lipgloss.Style {
	switch s {
	case transport.StatusConnected:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case transport.StatusConnecting:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	case transport.StatusError:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	}
}

func executionColor(s session.ExecutionStatus) lipgloss.Style {
	switch s {
	case session.ExecutionRunning, session.ExecutionStarting:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	case session.ExecutionWaitingForInput:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
	case session.ExecutionCompleted:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	case session.ExecutionFailed:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	}
}

func truncateANSI(s string, width int) string {
	if width <= 0 {
		return s
	}
	if width == 1 {
		return "…"
	}

	maxVisible := width - 1
	var b strings.Builder
	b.Grow(len(s) + 4)

	visible := 0
	truncated := false
	sawEsc := false

	for i := 0; i < len(s); {
		if s[i] == 0x1b {
			sawEsc = true
			seq, n := readANSISequence(s[i:])
			if n > 0 {
				b.WriteString(seq)
				i += n
				continue
			}
			i++
			continue
		}

		r, n := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && n == 1 {
			i++
			continue
		}
		rw := runewidth.RuneWidth(r)
		if rw < 0 {
			rw = 0
		}
		if visible+rw > maxVisible {
			truncated = true
			break
		}
		b.WriteRune(r)
		visible += rw
		i += n
	}

	if !truncated {
		return s
	}

	b.WriteRune('…')
	if sawEsc {
		b.WriteString(ansiReset)
	}
	return b.String()
}

func readANSISequence(s string) (seq string, n int) {
	if len(s) < 2 || s[0] != 0x1b {
		return "", 0
	}
	switch s[1] {
	case '[':
		// CSI: ESC [ ... final byte in @-~
		for i := 2; i < len(s); i++ {
			if s[i] >= 0x40 && s[i] <= 0x7e {
				return s[:i+1], i + 1
			}
		}
		return s, len(s)
	case ']':
		// OSC: ESC ] ... BEL or ESC \
		for i := 2; i < len(s); i++ {
			if s[i] == 0x07 {
				return s[:i+1], i + 1
			}
			if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '\\' {
				return s[:i+2], i + 2
			}
		}
		return s, len(s)
	default:
		return s[:2], 2
	}
}

func safeOneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func wrapText(text string, width int) string {
	if width <= 10 {
		return text
	}
	return lipgloss.NewStyle().Width(width).Render(text)
}
