package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"agentchat/internal/protocol"
)

var ErrNoHandler = errors.New("no handler registered")

// Handler runs one platform function invocation on behalf of the remote agent.
type Handler interface {
	Call(ctx context.Context, params json.RawMessage) (any, error)
}

type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

func (f HandlerFunc) Call(ctx context.Context, params json.RawMessage) (any, error) {
	return f(ctx, params)
}

// EventFunc receives platform_event frames unchanged.
type EventFunc func(label string, data json.RawMessage)

type Options struct {
	OnEvent EventFunc
	Logf    func(format string, args ...any)
}

// Bridge routes platform function calls to host handlers and returns exactly
// one result frame per execution id. There is no retry policy.
type Bridge struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	onEvent  EventFunc

	logf func(format string, args ...any)
	wg   sync.WaitGroup
}

func NewBridge(opts Options) *Bridge {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Bridge{
		handlers: make(map[string]Handler),
		onEvent:  opts.OnEvent,
		logf:     logf,
	}
}

// Register binds name to h, replacing any previous handler.
func (b *Bridge) Register(name string, h Handler) {
	if b == nil || h == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	b.mu.Lock()
	if b.handlers == nil {
		b.handlers = make(map[string]Handler)
	}
	b.handlers[name] = h
	b.mu.Unlock()
}

func (b *Bridge) RegisterFunc(name string, fn func(ctx context.Context, params json.RawMessage) (any, error)) {
	if fn == nil {
		return
	}
	b.Register(name, HandlerFunc(fn))
}

func (b *Bridge) Unregister(name string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	delete(b.handlers, strings.TrimSpace(name))
	b.mu.Unlock()
}

func (b *Bridge) UnregisterMany(names []string) {
	if b == nil || len(names) == 0 {
		return
	}
	b.mu.Lock()
	for _, name := range names {
		delete(b.handlers, strings.TrimSpace(name))
	}
	b.mu.Unlock()
}

func (b *Bridge) Names() []string {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	names := make([]string, 0, len(b.handlers))
	for name := range b.handlers {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (b *Bridge) SetEventHandler(fn EventFunc) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.onEvent = fn
	b.mu.Unlock()
}

// HandleEvent forwards a platform_event to the host callback, if any.
func (b *Bridge) HandleEvent(ev protocol.PlatformEvent) {
	if b == nil {
		return
	}
	b.mu.RLock()
	fn := b.onEvent
	b.mu.RUnlock()
	if fn == nil {
		b.logf("platform: event %q dropped, no host callback", ev.Label)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logf("platform: event callback panicked label=%s: %v", ev.Label, r)
		}
	}()
	fn(ev.Label, ev.Data)
}

// Dispatch invokes the handler registered for call.Name and passes the single
// result frame to reply. A missing handler is answered immediately; otherwise
// the handler runs on its own goroutine.
func (b *Bridge) Dispatch(ctx context.Context, call protocol.PlatformFunctionCall, reply func(protocol.Frame)) {
	if b == nil || reply == nil {
		return
	}
	id := strings.TrimSpace(call.ExecutionID)
	if id == "" {
		b.logf("platform: call %q without execution id dropped", call.Name)
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	b.mu.RLock()
	h, ok := b.handlers[call.Name]
	b.mu.RUnlock()
	if !ok {
		b.logf("platform: no handler for %q execution_id=%s", call.Name, id)
		b.reply(reply, id, protocol.PlatformResult{Error: fmt.Sprintf("%s: %s", ErrNoHandler.Error(), call.Name)})
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		res := invoke(ctx, h, call.Parameters)
		if res.Error != "" {
			b.logf("platform: %s execution_id=%s failed: %s", call.Name, id, res.Error)
		} else {
			b.logf("platform: %s execution_id=%s ok", call.Name, id)
		}
		b.reply(reply, id, res)
	}()
}

// Wait blocks until every dispatched handler has replied.
func (b *Bridge) Wait() {
	if b == nil {
		return
	}
	b.wg.Wait()
}

func (b *Bridge) reply(reply func(protocol.Frame), id string, res protocol.PlatformResult) {
	frame, err := protocol.PlatformFunctionResult(id, res)
	if err != nil {
		frame, err = protocol.PlatformFunctionResult(id, protocol.PlatformResult{Error: "encode result: " + err.Error()})
		if err != nil {
			b.logf("platform: cannot encode result execution_id=%s: %v", id, err)
			return
		}
	}
	reply(frame)
}

func invoke(ctx context.Context, h Handler, params json.RawMessage) (res protocol.PlatformResult) {
	defer func() {
		if r := recover(); r != nil {
			res = protocol.PlatformResult{Error: fmt.Sprintf("handler panicked: %v", r)}
		}
	}()
	out, err := h.Call(ctx, params)
	if err != nil {
		msg := strings.TrimSpace(err.Error())
		if msg == "" {
			msg = "handler failed"
		}
		return protocol.PlatformResult{Error: msg}
	}
	return protocol.PlatformResult{Result: out}
}
