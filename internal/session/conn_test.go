package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"agentchat/internal/protocol"
	"agentchat/internal/transport"
)

// fakeConn is an in-memory transport. Tests drive state and inbound frames
// synchronously; outbound frames are recorded.
type fakeConn struct {
	mu        sync.Mutex
	state     transport.State
	connects  []string
	sent      []protocol.Frame
	sentCh    chan protocol.Frame
	nextSub   int
	msgSubs   map[int]func([]byte)
	stateSubs map[int]func(transport.State)
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		state:     transport.State{Status: transport.StatusDisconnected},
		sentCh:    make(chan protocol.Frame, 64),
		msgSubs:   make(map[int]func([]byte)),
		stateSubs: make(map[int]func(transport.State)),
	}
}

func (c *fakeConn) Connect(url string) {
	c.mu.Lock()
	c.connects = append(c.connects, url)
	c.mu.Unlock()
}

func (c *fakeConn) Send(ctx context.Context, frame any) error {
	c.mu.Lock()
	if !c.state.Connected() {
		c.mu.Unlock()
		return transport.ErrNotConnected
	}
	f, ok := frame.(protocol.Frame)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("unexpected frame type %T", frame)
	}
	c.sent = append(c.sent, f)
	c.mu.Unlock()
	c.sentCh <- f
	return nil
}

func (c *fakeConn) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) OnMessage(fn func([]byte)) func() {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.msgSubs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.msgSubs, id)
		c.mu.Unlock()
	}
}

func (c *fakeConn) OnConnectionStateChange(fn func(transport.State)) func() {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.stateSubs[id] = fn
	st := c.state
	c.mu.Unlock()
	fn(st)
	return func() {
		c.mu.Lock()
		delete(c.stateSubs, id)
		c.mu.Unlock()
	}
}

func (c *fakeConn) setState(st transport.State) {
	c.mu.Lock()
	c.state = st
	subs := make([]func(transport.State), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
}

func (c *fakeConn) setStatus(status transport.Status) {
	c.setState(transport.State{Status: status})
}

func (c *fakeConn) deliver(raw string) {
	c.mu.Lock()
	subs := make([]func([]byte), 0, len(c.msgSubs))
	for _, fn := range c.msgSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn([]byte(raw))
	}
}

func (c *fakeConn) subscribers() (msgs, states int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgSubs), len(c.stateSubs)
}

// drain returns the tags of every frame sent so far that has not been read.
func (c *fakeConn) drain(t *testing.T) []sentFrame {
	t.Helper()
	var out []sentFrame
	for {
		select {
		case f := <-c.sentCh:
			out = append(out, decodeSent(t, f))
		default:
			return out
		}
	}
}

func (c *fakeConn) waitSent(t *testing.T) sentFrame {
	t.Helper()
	select {
	case f := <-c.sentCh:
		return decodeSent(t, f)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for an outbound frame")
		return sentFrame{}
	}
}

type sentFrame struct {
	Tag     string
	Payload json.RawMessage
	Data    json.RawMessage
}

func decodeSent(t *testing.T, f protocol.Frame) sentFrame {
	t.Helper()
	tag, payload, err := f.Tag()
	if err != nil {
		t.Fatalf("outbound frame has bad tag: %v", err)
	}
	return sentFrame{Tag: tag, Payload: payload, Data: f.Data}
}

func tags(frames []sentFrame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Tag)
	}
	return out
}

func conversationFrame(id, content string) string {
	return fmt.Sprintf(`{"message_type":"conversation_message","data":{"id":%q,"created_at":"2024-05-01T10:00:00Z","content":%s}}`, id, content)
}

func historyItem(id, content string) string {
	return fmt.Sprintf(`{"id":%q,"created_at":"2024-05-01T10:00:00Z","content":%s}`, id, content)
}

func userContent(text string) string {
	return fmt.Sprintf(`{"message_type":"user_message","message":%q}`, text)
}

func agentContent(text string) string {
	return fmt.Sprintf(`{"message_type":"agent_response","response":%q}`, text)
}

func messageIDs(snap Snapshot) []string {
	out := make([]string, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		out = append(out, m.ID)
	}
	return out
}

// connectedRegistry returns a registry whose session has completed the
// handshake; the handshake frames are drained.
func connectedRegistry(t *testing.T, opts Options) (*Registry, *fakeConn, Key) {
	t.Helper()
	conn := newFakeConn()
	r := NewRegistry(conn, opts)
	t.Cleanup(func() { _ = r.Close() })
	key := r.CreateSession("conv-1", "agent-1")
	if err := r.Connect(key, "ws://backend/ws"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn.setStatus(transport.StatusConnected)
	conn.deliver(`{"message_type":"session_connected","data":{}}`)
	conn.drain(t)
	return r, conn, key
}

func mustSnapshot(t *testing.T, r *Registry, key Key) Snapshot {
	t.Helper()
	snap, ok := r.Snapshot(key)
	if !ok {
		t.Fatalf("session %s not found", key)
	}
	return snap
}
