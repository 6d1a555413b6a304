package session

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"agentchat/internal/protocol"
)

const summaryWidth = 240

// summarize turns an intermediate agent event into the one-line text shown in
// the collapsed thinking trace.
func summarize(c protocol.Content) string {
	switch v := c.(type) {
	case protocol.Acknowledgment:
		if text := strings.TrimSpace(v.Message); text != "" {
			return shorten(text)
		}
		return "Acknowledged"
	case protocol.Ideation:
		return withDetail("Thinking", v.ReasoningSummary)
	case protocol.ActionPlanning:
		out := withDetail("Planning", v.TaskSummary)
		if len(v.Actions) > 0 {
			names := make([]string, 0, len(v.Actions))
			for _, a := range v.Actions {
				if name := strings.TrimSpace(a.Action); name != "" {
					names = append(names, name)
				}
			}
			out += fmt.Sprintf(" (%s: %s)", plural(len(v.Actions), "action"), strings.Join(names, ", "))
		}
		return shorten(out)
	case protocol.TaskExecution:
		return withDetail("Executing", v.TaskDescription)
	case protocol.TaskBreakdown:
		descs := make([]string, 0, len(v.Tasks))
		for _, t := range v.Tasks {
			if d := strings.TrimSpace(t.Description); d != "" {
				descs = append(descs, d)
			}
		}
		out := "Breaking down into " + plural(len(v.Tasks), "task")
		if len(descs) > 0 {
			out += ": " + strings.Join(descs, "; ")
		}
		return shorten(out)
	case protocol.Validation:
		status := strings.TrimSpace(v.Status)
		if status == "" {
			status = "done"
		}
		out := withDetail("Validation "+status, v.Reasoning)
		if v.Aborted() {
			out += " (aborting)"
		}
		return out
	case protocol.ContextGathering:
		out := withDetail("Searching", v.Query)
		if len(v.Sources) > 0 {
			out += " in " + strings.Join(v.Sources, ", ")
		}
		return shorten(out)
	case protocol.ContextResults:
		out := "Found " + plural(len(v.Results), "result")
		seen := make(map[string]bool)
		var sources []string
		for _, r := range v.Results {
			src := strings.TrimSpace(r.Source)
			if src != "" && !seen[src] {
				seen[src] = true
				sources = append(sources, src)
			}
		}
		if len(sources) > 0 {
			out += " from " + strings.Join(sources, ", ")
		}
		return shorten(out)
	case protocol.SystemDecision:
		return withDetail("Decision", v.Decision)
	case protocol.UnknownContent:
		return fallbackText(v.Type, v.Raw)
	default:
		return ""
	}
}

// fallbackText renders a payload this client has no model for.
func fallbackText(kind string, raw []byte) string {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = "unknown"
	}
	body := strings.Join(strings.Fields(string(raw)), " ")
	if body == "" {
		return "[" + kind + "]"
	}
	return shorten("[" + kind + "] " + body)
}

func withDetail(label, detail string) string {
	detail = strings.Join(strings.Fields(detail), " ")
	if detail == "" {
		return label
	}
	return shorten(label + ": " + detail)
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func shorten(s string) string {
	return runewidth.Truncate(s, summaryWidth, "…")
}
