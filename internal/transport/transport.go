package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

var ErrNotConnected = errors.New("websocket is not connected")

type Options struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// JitterFraction defaults to 0.3; a negative value disables jitter.
	JitterFraction  float64
	DialTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64

	InsecureSkipVerify bool
	Header             http.Header

	Logf func(format string, args ...any)

	// Schedule runs fn after d and returns a func that cancels it.
	// Defaults to time.AfterFunc.
	Schedule func(d time.Duration, fn func()) (cancel func())
	// Rand returns a value in [0,1) used for reconnect jitter.
	Rand func() float64
}

// Transport owns the process-wide websocket. Frames are delivered to message
// subscribers one at a time, in arrival order, from a single read goroutine.
type Transport struct {
	baseDelay       time.Duration
	maxDelay        time.Duration
	jitter          float64
	dialTimeout     time.Duration
	writeTimeout    time.Duration
	maxMessageBytes int64
	header          http.Header
	insecure        bool
	schedule        func(d time.Duration, fn func()) (cancel func())
	rnd             func() float64
	logf            func(format string, args ...any)

	mu              sync.Mutex
	url             string
	conn            *websocket.Conn
	connCancel      context.CancelFunc
	state           State
	stateSeq        uint64
	gen             uint64
	attempt         int
	intentional     bool
	cancelReconnect func()
	closed          bool

	writeMu sync.Mutex

	subMu     sync.Mutex
	nextSub   int
	msgSubs   map[int]func([]byte)
	stateSubs map[int]func(State)

	notifyMu sync.Mutex
	notified uint64

	wg sync.WaitGroup
}

func New(opts Options) *Transport {
	base := opts.BaseDelay
	if base <= 0 {
		base = 1 * time.Second
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	jitter := opts.JitterFraction
	switch {
	case jitter < 0:
		jitter = 0
	case jitter == 0:
		jitter = 0.3
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 15 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	maxMsg := opts.MaxMessageBytes
	if maxMsg <= 0 {
		maxMsg = 4 << 20
	}
	schedule := opts.Schedule
	if schedule == nil {
		schedule = func(d time.Duration, fn func()) func() {
			timer := time.AfterFunc(d, fn)
			return func() { timer.Stop() }
		}
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}

	return &Transport{
		baseDelay:       base,
		maxDelay:        maxDelay,
		jitter:          jitter,
		dialTimeout:     dialTimeout,
		writeTimeout:    writeTimeout,
		maxMessageBytes: maxMsg,
		header:          opts.Header,
		insecure:        opts.InsecureSkipVerify,
		schedule:        schedule,
		rnd:             rnd,
		logf:            logf,
		state:           State{Status: StatusDisconnected},
		msgSubs:         make(map[int]func([]byte)),
		stateSubs:       make(map[int]func(State)),
	}
}

func (t *Transport) State() State {
	if t == nil {
		return State{Status: StatusDisconnected}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect opens the socket to url. It is a no-op while a dial is in flight or
// when the socket is already open to the same url. Dialing happens in the
// background; observe progress with OnConnectionStateChange.
func (t *Transport) Connect(url string) {
	if t == nil {
		return
	}
	url = strings.TrimSpace(url)
	if url == "" {
		t.logf("transport: connect ignored, empty url")
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.state.Status == StatusConnecting {
		t.mu.Unlock()
		return
	}
	if t.state.Status == StatusConnected && t.url == url {
		t.mu.Unlock()
		return
	}
	oldConn := t.teardownLocked()
	t.url = url
	t.intentional = false
	t.attempt = 0
	st, seq := t.startDialLocked()
	t.mu.Unlock()

	if oldConn != nil {
		_ = oldConn.Close(websocket.StatusNormalClosure, "switching url")
	}
	t.publish(st, seq)
}

// Disconnect closes the socket on purpose; no reconnect follows.
func (t *Transport) Disconnect() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.intentional = true
	conn := t.teardownLocked()
	st, seq := t.setStateLocked(State{Status: StatusDisconnected, URL: t.url, LastConnectedAt: t.state.LastConnectedAt})
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	t.publish(st, seq)
}

// Close disconnects and waits for background goroutines to exit.
func (t *Transport) Close() error {
	if t == nil {
		return nil
	}
	t.Disconnect()
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}

// Send writes frame as a JSON text message. When the socket is not open the
// frame is dropped and ErrNotConnected is returned.
func (t *Transport) Send(ctx context.Context, frame any) error {
	if t == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		t.logf("transport: dropping frame, socket not open: %s", preview(data))
		return ErrNotConnected
	}
	if ctx == nil {
		ctx = context.Background()
	}
	wctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		t.logf("transport: write failed: %v", err)
		return err
	}
	return nil
}

// OnMessage registers fn for every inbound text frame.
func (t *Transport) OnMessage(fn func([]byte)) (unsubscribe func()) {
	if t == nil || fn == nil {
		return func() {}
	}
	t.subMu.Lock()
	t.nextSub++
	id := t.nextSub
	t.msgSubs[id] = fn
	t.subMu.Unlock()
	return func() {
		t.subMu.Lock()
		delete(t.msgSubs, id)
		t.subMu.Unlock()
	}
}

// OnConnectionStateChange registers fn and immediately replays the current state to it.
func (t *Transport) OnConnectionStateChange(fn func(State)) (unsubscribe func()) {
	if t == nil || fn == nil {
		return func() {}
	}
	t.subMu.Lock()
	t.nextSub++
	id := t.nextSub
	t.stateSubs[id] = fn
	t.subMu.Unlock()

	t.safeCall("state", func() { fn(t.State()) })
	return func() {
		t.subMu.Lock()
		delete(t.stateSubs, id)
		t.subMu.Unlock()
	}
}

// teardownLocked invalidates the current dial/read goroutine and any pending
// reconnect, returning the open socket for the caller to close outside the lock.
func (t *Transport) teardownLocked() *websocket.Conn {
	t.gen++
	if t.cancelReconnect != nil {
		t.cancelReconnect()
		t.cancelReconnect = nil
	}
	if t.connCancel != nil {
		t.connCancel()
		t.connCancel = nil
	}
	conn := t.conn
	t.conn = nil
	return conn
}

func (t *Transport) setStateLocked(st State) (State, uint64) {
	t.state = st
	t.stateSeq++
	return st, t.stateSeq
}

func (t *Transport) startDialLocked() (State, uint64) {
	t.gen++
	gen := t.gen
	url := t.url
	ctx, cancel := context.WithCancel(context.Background())
	t.connCancel = cancel
	st, seq := t.setStateLocked(State{Status: StatusConnecting, URL: url, LastConnectedAt: t.state.LastConnectedAt})
	t.wg.Add(1)
	go t.run(ctx, gen, url)
	return st, seq
}

func (t *Transport) dialOptions() *websocket.DialOptions {
	opts := &websocket.DialOptions{HTTPHeader: t.header}
	if t.insecure {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
		}
	}
	return opts
}

func (t *Transport) run(ctx context.Context, gen uint64, url string) {
	defer t.wg.Done()

	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, url, t.dialOptions())
	cancel()
	if err != nil {
		t.onClosed(gen, err, true)
		return
	}
	conn.SetReadLimit(t.maxMessageBytes)

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	t.conn = conn
	t.attempt = 0
	st, seq := t.setStateLocked(State{Status: StatusConnected, URL: url, LastConnectedAt: time.Now().UTC()})
	t.mu.Unlock()
	t.logf("transport: connected url=%s", url)
	t.publish(st, seq)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.onClosed(gen, err, false)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		t.deliver(data)
	}
}

// onClosed mirrors a browser socket's error-then-close sequence: an abnormal
// close publishes an error state, then the socket is torn down and a
// reconnect is scheduled unless the close was requested.
func (t *Transport) onClosed(gen uint64, cause error, dialFailed bool) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	if t.connCancel != nil {
		t.connCancel()
		t.connCancel = nil
	}
	t.conn = nil
	last := t.state.LastConnectedAt
	url := t.url

	var states []State
	var seqs []uint64
	normal := !dialFailed && websocket.CloseStatus(cause) == websocket.StatusNormalClosure
	if !normal {
		st, seq := t.setStateLocked(State{Status: StatusError, Error: errorText(cause), URL: url, LastConnectedAt: last})
		states, seqs = append(states, st), append(seqs, seq)
	}
	st, seq := t.setStateLocked(State{Status: StatusDisconnected, Error: t.state.Error, URL: url, LastConnectedAt: last})
	states, seqs = append(states, st), append(seqs, seq)

	if !t.intentional && !t.closed {
		t.scheduleReconnectLocked(gen)
	}
	t.mu.Unlock()

	if dialFailed {
		t.logf("transport: dial failed url=%s err=%v", url, cause)
	} else {
		t.logf("transport: closed url=%s err=%v", url, cause)
	}
	for i := range states {
		t.publish(states[i], seqs[i])
	}
}

func (t *Transport) scheduleReconnectLocked(gen uint64) {
	delay := t.backoff(t.attempt)
	t.attempt++
	t.logf("transport: reconnect in %s (attempt %d)", delay.Round(time.Millisecond), t.attempt)
	t.cancelReconnect = t.schedule(delay, func() { t.reconnect(gen) })
}

func (t *Transport) reconnect(gen uint64) {
	t.mu.Lock()
	if t.gen != gen || t.intentional || t.closed {
		t.mu.Unlock()
		return
	}
	t.cancelReconnect = nil
	st, seq := t.startDialLocked()
	t.mu.Unlock()
	t.publish(st, seq)
}

// backoff returns min(base*2^attempt, max) plus up to jitter*delay.
func (t *Transport) backoff(attempt int) time.Duration {
	delay := t.baseDelay
	for i := 0; i < attempt && delay < t.maxDelay; i++ {
		delay *= 2
	}
	if delay > t.maxDelay {
		delay = t.maxDelay
	}
	if t.jitter > 0 {
		r := t.rnd()
		if r < 0 {
			r = 0
		}
		if r >= 1 {
			r = 0.999999
		}
		delay += time.Duration(float64(delay) * t.jitter * r)
	}
	return delay
}

func (t *Transport) deliver(data []byte) {
	t.subMu.Lock()
	subs := make([]func([]byte), 0, len(t.msgSubs))
	for _, fn := range t.msgSubs {
		subs = append(subs, fn)
	}
	t.subMu.Unlock()
	for _, fn := range subs {
		t.safeCall("message", func() { fn(data) })
	}
}

// publish delivers st to state subscribers, dropping it if a newer state
// was already delivered.
func (t *Transport) publish(st State, seq uint64) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	if seq <= t.notified {
		return
	}
	t.notified = seq

	t.subMu.Lock()
	subs := make([]func(State), 0, len(t.stateSubs))
	for _, fn := range t.stateSubs {
		subs = append(subs, fn)
	}
	t.subMu.Unlock()
	for _, fn := range subs {
		t.safeCall("state", func() { fn(st) })
	}
}

func (t *Transport) safeCall(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logf("transport: %s handler panicked: %v", kind, r)
		}
	}()
	fn()
}

func errorText(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}

func preview(data []byte) string {
	const max = 120
	if len(data) <= max {
		return string(data)
	}
	return string(data[:max]) + "..."
}
