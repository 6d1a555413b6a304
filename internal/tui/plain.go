package tui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"agentchat/internal/session"
	"agentchat/internal/transport"
)

const (
	ansiBold   = "\x1b[1m"
	ansiDim    = "\x1b[2m"
	ansiCyan   = "\x1b[36m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
)

// ColorEnabled reports whether plain output should carry ANSI colours.
func ColorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	term := strings.TrimSpace(os.Getenv("TERM"))
	return term != "" && term != "dumb"
}

// RunPlain is the line-oriented front end: each input line is sent (or
// answers the open input request) and settled messages are printed as they
// arrive. Lines starting with / are commands.
func RunPlain(ctx context.Context, client Client, key session.Key, in io.Reader, out io.Writer, opts Options, color bool) error {
	if client == nil {
		return errors.New("plain mode requires a session client")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p := newPlainPrinter(out, color)
	if banner := strings.TrimSpace(opts.Banner); banner != "" {
		p.println(p.wrap(ansiDim, banner))
	}
	unsubscribe, err := client.Subscribe(key, p.update)
	if err != nil {
		return err
	}
	defer unsubscribe()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		switch text {
		case "/exit", "/quit":
			return nil
		case "/help":
			p.println("/cancel  stop the running turn\n/older   load older history\n/quit    exit")
			continue
		case "/cancel":
			if err := client.CancelExecution(ctx, key); err != nil {
				p.printError("cancel", err)
			}
			continue
		case "/older":
			ok, err := client.LoadOlderMessages(ctx, key, opts.PageLimit)
			if err != nil {
				p.printError("load older", err)
			} else if !ok {
				p.println(p.wrap(ansiDim, "no older messages"))
			}
			continue
		}

		if p.waitingForInput() {
			if _, err := client.SubmitInput(ctx, key, text); err != nil {
				p.printError("answer", err)
			}
			continue
		}
		if _, err := client.SendMessage(ctx, key, text); err != nil {
			p.printError("send", err)
		}
	}
}

type plainPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	color   bool
	printed map[string]bool
	last    session.Snapshot
	hasLast bool
}

func newPlainPrinter(out io.Writer, color bool) *plainPrinter {
	return &plainPrinter{out: out, color: color, printed: make(map[string]bool)}
}

func (p *plainPrinter) wrap(code, text string) string {
	if !p.color || code == "" {
		return text
	}
	return code + text + ansiReset
}

func (p *plainPrinter) println(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, text)
}

func (p *plainPrinter) printError(action string, err error) {
	p.println(p.wrap(ansiRed, fmt.Sprintf("%s failed: %v", action, err)))
}

func (p *plainPrinter) waitingForInput() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasLast && p.last.Execution == session.ExecutionWaitingForInput && p.last.ActiveInputRequest != nil
}

// update prints what changed since the previous snapshot. Messages are
// printed once they carry a backend id and are no longer streaming.
func (p *plainPrinter) update(s session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasLast && s.Version < p.last.Version {
		return
	}
	prev, hadPrev := p.last, p.hasLast
	p.last = s
	p.hasLast = true

	if !hadPrev || prev.Connection.Status != s.Connection.Status {
		line := "[connection] " + string(s.Connection.Status)
		if s.Connection.Error != "" && s.Connection.Status != transport.StatusConnected {
			line += ": " + s.Connection.Error
		}
		fmt.Fprintln(p.out, p.wrap(ansiDim, line))
	}

	for _, msg := range s.Messages {
		if p.printed[msg.ID] || msg.Pending() || msg.ID == s.StreamingMessageID {
			continue
		}
		p.printed[msg.ID] = true
		fmt.Fprintln(p.out, p.formatMessage(msg))
	}

	if hadPrev && prev.Execution != s.Execution {
		fmt.Fprintln(p.out, p.wrap(ansiDim, "[status] "+string(s.Execution)))
	}
}

func (p *plainPrinter) formatMessage(msg session.Message) string {
	switch {
	case msg.IsLog():
		return p.wrap(ansiDim, "  · "+msg.Content)
	case msg.IsInputRequest():
		req := msg.Metadata.InputRequest
		var b strings.Builder
		b.WriteString(p.wrap(ansiBold+ansiYellow, "? "+req.Question))
		for i, opt := range req.Options {
			fmt.Fprintf(&b, "\n  [%d] %s", i+1, opt)
		}
		return b.String()
	case msg.Metadata != nil && msg.Metadata.Kind == session.MetadataError:
		return p.wrap(ansiRed, "ERR: "+msg.Content)
	case msg.Role == session.RoleUser:
		return p.wrap(ansiGreen, "You: ") + msg.Content
	case msg.Role == session.RoleAssistant:
		return p.wrap(ansiCyan, "AI:  ") + msg.Content
	default:
		return p.wrap(ansiDim, "SYS: "+msg.Content)
	}
}
