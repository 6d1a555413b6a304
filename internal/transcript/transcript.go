// Package transcript renders a session snapshot as Markdown or a standalone
// HTML page.
package transcript

import (
	"fmt"
	"strings"
	"time"

	"agentchat/internal/session"
)

// RenderMarkdown formats the settled messages of s. Consecutive log entries
// are grouped into a single trace block.
func RenderMarkdown(s session.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Conversation %s\n\n", orDash(s.ConversationID))
	fmt.Fprintf(&b, "Agent: `%s`", orDash(s.AgentID))
	if !s.SavedAt.IsZero() {
		fmt.Fprintf(&b, " · saved %s", s.SavedAt.UTC().Format(time.RFC3339))
	}
	b.WriteString("\n\n")

	if len(s.Messages) == 0 {
		b.WriteString("_No messages._\n")
		return b.String()
	}

	var trace []session.Message
	flush := func() {
		if len(trace) == 0 {
			return
		}
		fmt.Fprintf(&b, "> _Trace (%d)_\n>\n", len(trace))
		for _, m := range trace {
			b.WriteString("> - ")
			b.WriteString(oneLine(m.Content))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		trace = trace[:0]
	}

	for _, m := range s.Messages {
		if m.IsLog() {
			trace = append(trace, m)
			continue
		}
		flush()
		writeMessage(&b, m, s.StreamingMessageID)
	}
	flush()
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func writeMessage(b *strings.Builder, m session.Message, streamingID string) {
	fmt.Fprintf(b, "### %s", roleTitle(m.Role))
	if !m.Timestamp.IsZero() {
		fmt.Fprintf(b, " · %s", m.Timestamp.UTC().Format("2006-01-02 15:04:05"))
	}
	if m.Pending() {
		b.WriteString(" · _sending_")
	}
	if streamingID != "" && m.ID == streamingID {
		b.WriteString(" · _streaming_")
	}
	b.WriteString("\n\n")

	switch {
	case m.IsInputRequest():
		req := m.Metadata.InputRequest
		fmt.Fprintf(b, "**Input requested:** %s\n\n", strings.TrimSpace(req.Question))
		if ctx := strings.TrimSpace(req.Context); ctx != "" {
			b.WriteString(quote(ctx))
			b.WriteString("\n\n")
		}
		for _, opt := range req.Options {
			fmt.Fprintf(b, "- %s\n", opt)
		}
		if len(req.Options) > 0 {
			b.WriteString("\n")
		}
	case m.Metadata != nil && m.Metadata.Kind == session.MetadataError:
		fmt.Fprintf(b, "> **Error:** %s\n\n", oneLine(m.Content))
	default:
		content := strings.TrimSpace(m.Content)
		if content == "" {
			content = "_(empty)_"
		}
		b.WriteString(content)
		b.WriteString("\n\n")
	}
}

func roleTitle(r session.Role) string {
	switch r {
	case session.RoleUser:
		return "User"
	case session.RoleAssistant:
		return "Assistant"
	case session.RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

func quote(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
