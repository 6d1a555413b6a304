package tui

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"agentchat/internal/protocol"
	"agentchat/internal/session"
	"agentchat/internal/transport"
)

type fakeClient struct {
	mu        sync.Mutex
	snapshots []session.Snapshot
	sent      []string
	answers   []string
	cancels   int
	older     []int
	onSend    func(text string)
}

func (c *fakeClient) Subscribe(key session.Key, fn func(session.Snapshot)) (func(), error) {
	c.mu.Lock()
	snaps := append([]session.Snapshot(nil), c.snapshots...)
	c.mu.Unlock()
	for _, s := range snaps {
		fn(s)
	}
	return func() {}, nil
}

func (c *fakeClient) SendMessage(ctx context.Context, key session.Key, text string) (session.Message, error) {
	c.mu.Lock()
	c.sent = append(c.sent, text)
	onSend := c.onSend
	c.mu.Unlock()
	if onSend != nil {
		onSend(text)
	}
	return session.Message{ID: protocol.NewTemporaryID(), Role: session.RoleUser, Content: text}, nil
}

func (c *fakeClient) SubmitInput(ctx context.Context, key session.Key, text string) (session.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers = append(c.answers, text)
	return session.Message{ID: protocol.NewTemporaryID(), Role: session.RoleUser, Content: text}, nil
}

func (c *fakeClient) CancelExecution(ctx context.Context, key session.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels++
	return nil
}

func (c *fakeClient) LoadOlderMessages(ctx context.Context, key session.Key, limit int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.older = append(c.older, limit)
	return true, nil
}

var testKey = session.NewKey("conv-1", "agent-1")

func baseSnapshot(version uint64) session.Snapshot {
	return session.Snapshot{
		Key:            testKey,
		ConversationID: "conv-1",
		AgentID:        "agent-1",
		Version:        version,
		Connection:     session.ConnectionState{Status: transport.StatusConnected},
		Execution:      session.ExecutionIdle,
		Messages: []session.Message{
			{ID: "1", Role: session.RoleUser, Content: "hello agent"},
			{ID: "2", Role: session.RoleAssistant, Content: "Thinking: reading", Metadata: &session.Metadata{Kind: session.MetadataLog}},
			{ID: "3", Role: session.RoleAssistant, Content: "Searching: docs", Metadata: &session.Metadata{Kind: session.MetadataLog}},
			{ID: "4", Role: session.RoleAssistant, Content: "hi there"},
		},
	}
}

func waitingSnapshot(version uint64) session.Snapshot {
	s := baseSnapshot(version)
	req := session.Message{ID: "5", Role: session.RoleAssistant, Content: "Pick one", Metadata: &session.Metadata{
		Kind:         session.MetadataInputRequest,
		InputRequest: &protocol.InputRequest{Question: "Pick one", InputType: protocol.InputSelect, Options: []string{"red", "blue"}},
	}}
	s.Messages = append(s.Messages, req)
	s.Execution = session.ExecutionWaitingForInput
	s.ActiveInputRequest = &req
	return s
}

func newTestModel(client *fakeClient) model {
	m := newModel(context.Background(), client, testKey, newSnapshotFeed(), Options{PageLimit: 25})
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	return next.(model)
}

func update(t *testing.T, m model, msg tea.Msg) (model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(model)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return out, cmd
}

func runCmd(t *testing.T, cmd tea.Cmd) actionResultMsg {
	t.Helper()
	if cmd == nil {
		t.Fatalf("expected a command")
	}
	res, ok := cmd().(actionResultMsg)
	if !ok {
		t.Fatalf("command did not produce an action result")
	}
	return res
}

func TestModelRendersSnapshot(t *testing.T) {
	m := newTestModel(&fakeClient{})
	m, _ = update(t, m, snapshotMsg{Snapshot: waitingSnapshot(3)})

	view := m.View()
	for _, want := range []string{"You: hello agent", "AI:  hi there", "· Thinking: reading", "?    Pick one", "[2] blue", "connected", "waiting_for_input"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
	if strings.Count(view, "trace") != 1 {
		t.Fatalf("expected consecutive log entries under one trace heading:\n%s", view)
	}
}

func TestModelIgnoresStaleSnapshot(t *testing.T) {
	m := newTestModel(&fakeClient{})
	m, _ = update(t, m, snapshotMsg{Snapshot: waitingSnapshot(5)})
	m, _ = update(t, m, snapshotMsg{Snapshot: baseSnapshot(4)})
	if m.snap.Version != 5 {
		t.Fatalf("version = %d, want 5", m.snap.Version)
	}
}

func TestModelEnterSendsMessage(t *testing.T) {
	client := &fakeClient{}
	m := newTestModel(client)
	m, _ = update(t, m, snapshotMsg{Snapshot: baseSnapshot(1)})

	m.input.SetValue("  next question ")
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if res := runCmd(t, cmd); res.Err != nil {
		t.Fatalf("send error: %v", res.Err)
	}
	if len(client.sent) != 1 || client.sent[0] != "next question" {
		t.Fatalf("sent = %q", client.sent)
	}
	if m.input.Value() != "" {
		t.Fatalf("input not cleared: %q", m.input.Value())
	}

	_, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if cmd != nil {
		t.Fatalf("empty input must not send")
	}
}

func TestModelEnterAnswersInputRequest(t *testing.T) {
	client := &fakeClient{}
	m := newTestModel(client)
	m, _ = update(t, m, snapshotMsg{Snapshot: waitingSnapshot(2)})

	m.input.SetValue("blue")
	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	runCmd(t, cmd)
	if len(client.answers) != 1 || client.answers[0] != "blue" || len(client.sent) != 0 {
		t.Fatalf("answers=%q sent=%q", client.answers, client.sent)
	}
}

func TestModelEscCancelsOnlyInFlight(t *testing.T) {
	client := &fakeClient{}
	m := newTestModel(client)
	m, _ = update(t, m, snapshotMsg{Snapshot: baseSnapshot(1)})
	if _, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEsc}); cmd != nil {
		t.Fatalf("esc while idle must not cancel")
	}

	running := baseSnapshot(2)
	running.Execution = session.ExecutionRunning
	m, _ = update(t, m, snapshotMsg{Snapshot: running})
	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	runCmd(t, cmd)
	if client.cancels != 1 {
		t.Fatalf("cancels = %d", client.cancels)
	}
}

func TestModelPageUpLoadsOlderAtTop(t *testing.T) {
	client := &fakeClient{}
	m := newTestModel(client)
	s := baseSnapshot(1)
	m, _ = update(t, m, snapshotMsg{Snapshot: s})
	if _, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyPgUp}); cmd != nil {
		t.Fatalf("pgup without older history must not fetch")
	}

	s.Version = 2
	s.HasOlder = true
	m, _ = update(t, m, snapshotMsg{Snapshot: s})
	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyPgUp})
	runCmd(t, cmd)
	if len(client.older) != 1 || client.older[0] != 25 {
		t.Fatalf("older requests = %v", client.older)
	}
}

func TestModelShowsActionError(t *testing.T) {
	m := newTestModel(&fakeClient{})
	m, _ = update(t, m, actionResultMsg{Action: "send", Err: session.ErrNotConnected})
	if !strings.Contains(m.View(), "send: session is not connected") {
		t.Fatalf("error notice missing:\n%s", m.View())
	}
}

func TestSnapshotFeedKeepsNewest(t *testing.T) {
	feed := newSnapshotFeed()
	feed.push(baseSnapshot(3))
	feed.push(baseSnapshot(2))
	feed.push(baseSnapshot(4))
	snap, ok := feed.take()
	if !ok || snap.Version != 4 {
		t.Fatalf("take = %d, %v", snap.Version, ok)
	}
	msg := waitSnapshotCmd(context.Background(), feed)()
	if got := msg.(snapshotMsg).Snapshot.Version; got != 4 {
		t.Fatalf("waitSnapshotCmd version = %d", got)
	}
}

func TestRunPlain(t *testing.T) {
	client := &fakeClient{snapshots: []session.Snapshot{baseSnapshot(1)}}
	var out bytes.Buffer
	in := strings.NewReader("hello\n\n/cancel\n/older\n/quit\nignored\n")

	if err := RunPlain(context.Background(), client, testKey, in, &out, Options{PageLimit: 10}, false); err != nil {
		t.Fatalf("RunPlain: %v", err)
	}
	if len(client.sent) != 1 || client.sent[0] != "hello" {
		t.Fatalf("sent = %q", client.sent)
	}
	if client.cancels != 1 || len(client.older) != 1 || client.older[0] != 10 {
		t.Fatalf("cancels=%d older=%v", client.cancels, client.older)
	}
	text := out.String()
	for _, want := range []string{"[connection] connected", "You: hello agent", "  · Thinking: reading", "AI:  hi there"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
}

func TestRunPlainAnswersInputRequest(t *testing.T) {
	client := &fakeClient{snapshots: []session.Snapshot{waitingSnapshot(1)}}
	var out bytes.Buffer
	if err := RunPlain(context.Background(), client, testKey, strings.NewReader("red\n"), &out, Options{}, false); err != nil {
		t.Fatalf("RunPlain: %v", err)
	}
	if len(client.answers) != 1 || client.answers[0] != "red" || len(client.sent) != 0 {
		t.Fatalf("answers=%q sent=%q", client.answers, client.sent)
	}
	if !strings.Contains(out.String(), "? Pick one\n  [1] red\n  [2] blue") {
		t.Fatalf("input request not printed:\n%s", out.String())
	}
}

func TestPlainPrinterSkipsPendingAndStreaming(t *testing.T) {
	var out bytes.Buffer
	p := newPlainPrinter(&out, false)
	s := baseSnapshot(1)
	s.Messages = append(s.Messages,
		session.Message{ID: protocol.NewTemporaryID(), Role: session.RoleUser, Content: "queued"},
		session.Message{ID: "9", Role: session.RoleAssistant, Content: "partial"},
	)
	s.StreamingMessageID = "9"
	s.Execution = session.ExecutionRunning
	p.update(s)
	if strings.Contains(out.String(), "queued") || strings.Contains(out.String(), "partial") {
		t.Fatalf("pending or streaming message printed:\n%s", out.String())
	}

	s.Version = 2
	s.StreamingMessageID = ""
	s.Execution = session.ExecutionIdle
	p.update(s)
	if !strings.Contains(out.String(), "AI:  partial") || !strings.Contains(out.String(), "[status] idle") {
		t.Fatalf("finalised message or status missing:\n%s", out.String())
	}
	p.update(s)
	if strings.Count(out.String(), "AI:  partial") != 1 {
		t.Fatalf("message printed twice:\n%s", out.String())
	}
}

func TestTruncateANSI(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		width int
		want  string
	}{
		{name: "fits", in: "hello", width: 10, want: "hello"},
		{name: "cut", in: "hello world", width: 6, want: "hello…"},
		{name: "wide_runes", in: "你好世界", width: 5, want: "你好…"},
		{name: "keeps_escape", in: "\x1b[31mhello world\x1b[0m", width: 6, want: "\x1b[31mhello…\x1b[0m"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := truncateANSI(tc.in, tc.width); got != tc.want {
				t.Fatalf("truncateANSI(%q, %d) = %q, want %q", tc.in, tc.width, got, tc.want)
			}
		})
	}
}
