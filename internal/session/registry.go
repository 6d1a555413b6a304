package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"agentchat/internal/platform"
	"agentchat/internal/protocol"
	"agentchat/internal/transport"
)

// Conn is what the registry needs from the shared transport.
type Conn interface {
	Connect(url string)
	Send(ctx context.Context, frame any) error
	State() transport.State
	OnMessage(fn func([]byte)) (unsubscribe func())
	OnConnectionStateChange(fn func(transport.State)) (unsubscribe func())
}

type Options struct {
	// Bridge answers platform_function calls. A bridge with no handlers is
	// used when nil.
	Bridge *platform.Bridge
	// OnPlatformEvent receives platform_event frames.
	OnPlatformEvent platform.EventFunc

	Store        SnapshotStore
	StoreTimeout time.Duration

	// NewMatcher builds the optimistic-message matcher for each session.
	NewMatcher func() PendingMatcher
	// CorrelationIDs sends the temporary id as client_message_id with every
	// message_input and matches echoes on it first.
	CorrelationIDs bool

	// TurnTimeout fails an in-flight turn that sees no frame for this long.
	// Zero disables the watchdog.
	TurnTimeout time.Duration
	PageLimit   int

	Logf     func(format string, args ...any)
	Now      func() time.Time
	Schedule func(d time.Duration, fn func()) (cancel func())
}

// Registry is the table of sessions sharing one transport. Exactly one
// session, the active one, receives inbound frames.
//
// Snapshot subscribers run one at a time and must not call back into the
// registry synchronously.
type Registry struct {
	conn   Conn
	bridge *platform.Bridge
	store  SnapshotStore

	storeTimeout   time.Duration
	newMatcher     func() PendingMatcher
	correlationIDs bool
	turnTimeout    time.Duration
	pageLimit      int
	logf           func(format string, args ...any)
	now            func() time.Time
	schedule       func(d time.Duration, fn func()) func()

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	sessions  map[Key]*Session
	active    Key
	bound     bool
	connState transport.State
	helloFor  Key
	nextSub   uint64
	closed    bool

	bindMu     sync.Mutex
	unsubMsg   func()
	unsubState func()

	notifyMu sync.Mutex
}

func NewRegistry(conn Conn, opts Options) *Registry {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	bridge := opts.Bridge
	if bridge == nil {
		bridge = platform.NewBridge(platform.Options{Logf: logf})
	}
	if opts.OnPlatformEvent != nil {
		bridge.SetEventHandler(opts.OnPlatformEvent)
	}
	newMatcher := opts.NewMatcher
	if newMatcher == nil {
		if opts.CorrelationIDs {
			newMatcher = func() PendingMatcher { return NewCorrelationMatcher() }
		} else {
			newMatcher = func() PendingMatcher { return NewContentKeyMatcher() }
		}
	}
	storeTimeout := opts.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = 3 * time.Second
	}
	pageLimit := opts.PageLimit
	if pageLimit <= 0 {
		pageLimit = defaultPageLimit
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	schedule := opts.Schedule
	if schedule == nil {
		schedule = func(d time.Duration, fn func()) func() {
			timer := time.AfterFunc(d, fn)
			return func() { timer.Stop() }
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		conn:           conn,
		bridge:         bridge,
		store:          opts.Store,
		storeTimeout:   storeTimeout,
		newMatcher:     newMatcher,
		correlationIDs: opts.CorrelationIDs,
		turnTimeout:    opts.TurnTimeout,
		pageLimit:      pageLimit,
		logf:           logf,
		now:            now,
		schedule:       schedule,
		ctx:            ctx,
		cancel:         cancel,
		sessions:       make(map[Key]*Session),
		connState:      transport.State{Status: transport.StatusDisconnected},
	}
}

func (r *Registry) Bridge() *platform.Bridge {
	if r == nil {
		return nil
	}
	return r.bridge
}

// CreateSession returns the key for (conversationID, agentID), creating the
// session on first use. A configured store seeds its message log.
func (r *Registry) CreateSession(conversationID, agentID string) Key {
	if r == nil {
		return ""
	}
	key := NewKey(conversationID, agentID)
	r.mu.Lock()
	if _, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		return key
	}
	s := newSession(conversationID, agentID, r.newMatcher(), r.now)
	s.pageLimit = r.pageLimit
	r.sessions[key] = s
	r.mu.Unlock()

	if r.store == nil {
		return key
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.storeTimeout)
	snap, ok, err := r.store.Load(ctx, key)
	cancel()
	if err != nil {
		r.logf("session: load %s from store failed: %v", key, err)
		return key
	}
	if !ok {
		return key
	}
	r.mu.Lock()
	if cur, exists := r.sessions[key]; exists && cur == s && len(s.messages) == 0 {
		s.restore(snap)
		r.logf("session: restored %s with %d messages", key, len(s.messages))
	}
	r.mu.Unlock()
	return key
}

func (r *Registry) Keys() []Key {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	keys := make([]Key, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (r *Registry) ActiveSession() Key {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registry) Snapshot(key Key) (Snapshot, bool) {
	if r == nil {
		return Snapshot{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Subscribe registers fn for every snapshot of key and replays the current one.
func (r *Registry) Subscribe(key Key, fn func(Snapshot)) (unsubscribe func(), err error) {
	if r == nil || fn == nil {
		return func() {}, nil
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return func() {}, fmt.Errorf("%w: %s", ErrUnknownSession, key)
	}
	r.nextSub++
	id := r.nextSub
	s.subs[id] = fn
	snap := s.snapshot()
	r.mu.Unlock()

	r.safeCall(func() { fn(snap) })
	return func() {
		r.mu.Lock()
		delete(s.subs, id)
		r.mu.Unlock()
	}, nil
}

// SetActiveSession routes inbound frames to key from now on. The socket is
// left open; if it is connected the new session sends its handshake.
func (r *Registry) SetActiveSession(key Key) error {
	if r == nil {
		return ErrUnknownSession
	}
	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, key)
	}
	if r.active == key {
		r.mu.Unlock()
		return nil
	}
	var snaps []pendingSnapshot
	if prev, ok := r.sessions[r.active]; ok && r.bound {
		if prev.setConnection(transport.State{Status: transport.StatusDisconnected, LastConnectedAt: r.connState.LastConnectedAt}) {
			snaps = append(snaps, pendingSnapshot{prev, prev.snapshot()})
		}
	}
	r.active = key
	var hello *protocol.Frame
	if r.bound {
		if s.setConnection(r.connState) {
			snaps = append(snaps, pendingSnapshot{s, s.snapshot()})
		}
		hello = r.helloLocked(s)
	}
	r.mu.Unlock()

	r.logf("session: active session is now %s", key)
	r.publishAll(snaps)
	r.sendHello(hello)
	return nil
}

// Connect makes key the active session, binds it to the transport and opens
// the socket to url. The handshake is sent on every fresh connection.
func (r *Registry) Connect(key Key, url string) error {
	if r == nil || r.conn == nil {
		return ErrNotConnected
	}
	if err := r.SetActiveSession(key); err != nil {
		return err
	}

	r.bindMu.Lock()
	defer r.bindMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrNotConnected
	}
	r.bound = true
	r.mu.Unlock()

	if r.unsubState == nil {
		r.unsubMsg = r.conn.OnMessage(r.onTransportMessage)
		r.unsubState = r.conn.OnConnectionStateChange(r.onTransportState)
	} else {
		r.onTransportState(r.conn.State())
	}

	r.mu.Lock()
	var snaps []pendingSnapshot
	if s, ok := r.sessions[key]; ok && r.active == key && !r.connState.Connected() {
		if s.setConnection(transport.State{Status: transport.StatusConnecting, LastConnectedAt: r.connState.LastConnectedAt}) {
			snaps = append(snaps, pendingSnapshot{s, s.snapshot()})
		}
	}
	r.mu.Unlock()
	r.publishAll(snaps)

	r.logf("session: connecting %s to %s", key, url)
	r.conn.Connect(url)
	return nil
}

// Disconnect stops routing frames to key. The shared socket stays open.
func (r *Registry) Disconnect(key Key) error {
	if r == nil {
		return ErrUnknownSession
	}
	r.bindMu.Lock()
	defer r.bindMu.Unlock()

	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, key)
	}
	unbind := r.active == key && r.bound
	if r.active == key {
		r.active = ""
		r.bound = false
		r.helloFor = ""
	}
	r.stopWatchdogLocked(s)
	var snaps []pendingSnapshot
	if s.setConnection(transport.State{Status: transport.StatusDisconnected, LastConnectedAt: s.connection.LastConnectedAt}) {
		snaps = append(snaps, pendingSnapshot{s, s.snapshot()})
	}
	r.mu.Unlock()

	if unbind {
		r.unbindLocked()
	}
	r.publishAll(snaps)
	r.logf("session: %s disconnected", key)
	return nil
}

// RemoveSession disconnects key, drops it and deletes its stored snapshot.
func (r *Registry) RemoveSession(key Key) error {
	if err := r.Disconnect(key); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.sessions, key)
	r.mu.Unlock()
	if r.store != nil {
		ctx, cancel := context.WithTimeout(r.ctx, r.storeTimeout)
		defer cancel()
		if err := r.store.Delete(ctx, key); err != nil {
			r.logf("session: delete %s from store failed: %v", key, err)
		}
	}
	return nil
}

// SendMessage appends an optimistic user message, moves the turn to
// starting and sends message_input.
func (r *Registry) SendMessage(ctx context.Context, key Key, text string) (Message, error) {
	if r == nil {
		return Message{}, ErrUnknownSession
	}
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyMessage
	}
	r.mu.Lock()
	s, err := r.connectedLocked(key)
	if err != nil {
		r.mu.Unlock()
		return Message{}, err
	}
	msg := s.beginSend(text)
	r.armWatchdogLocked(s)
	snap := s.snapshot()
	r.mu.Unlock()
	r.publish(s, snap)

	frame := protocol.MessageInput(text)
	if r.correlationIDs {
		frame = protocol.MessageInputWithCorrelation(text, msg.ID)
	}
	if err := r.conn.Send(ctx, frame); err != nil {
		r.failTurn(key, "send failed: "+err.Error())
		return msg, err
	}
	return msg, nil
}

// SubmitInput answers the active input request with text.
func (r *Registry) SubmitInput(ctx context.Context, key Key, text string) (Message, error) {
	if r == nil {
		return Message{}, ErrUnknownSession
	}
	r.mu.Lock()
	s, err := r.connectedLocked(key)
	if err != nil {
		r.mu.Unlock()
		return Message{}, err
	}
	msg, err := s.beginInput(text)
	if err != nil {
		r.mu.Unlock()
		return Message{}, err
	}
	r.armWatchdogLocked(s)
	snap := s.snapshot()
	r.mu.Unlock()
	r.publish(s, snap)

	if err := r.conn.Send(ctx, protocol.UserInputResponse(text)); err != nil {
		r.failTurn(key, "send failed: "+err.Error())
		return msg, err
	}
	return msg, nil
}

// CancelExecution flips the turn to idle at once and sends cancel_execution
// without waiting for the backend to confirm.
func (r *Registry) CancelExecution(ctx context.Context, key Key) error {
	if r == nil {
		return ErrUnknownSession
	}
	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, key)
	}
	changed := s.cancel()
	r.stopWatchdogLocked(s)
	snap := s.snapshot()
	live := r.active == key && r.bound && r.connState.Connected()
	r.mu.Unlock()
	if changed {
		r.publish(s, snap)
	}
	if !live {
		return ErrNotConnected
	}
	return r.conn.Send(ctx, protocol.CancelExecution())
}

// LoadOlderMessages asks for the page before the oldest loaded message.
// It reports false when there is nothing older to fetch.
func (r *Registry) LoadOlderMessages(ctx context.Context, key Key, limit int) (bool, error) {
	if r == nil {
		return false, ErrUnknownSession
	}
	r.mu.Lock()
	s, err := r.connectedLocked(key)
	if err != nil {
		r.mu.Unlock()
		return false, err
	}
	if !s.hasOlder || s.oldestID.IsZero() {
		r.mu.Unlock()
		return false, nil
	}
	if limit <= 0 {
		limit = r.pageLimit
	}
	s.pageLimit = limit
	s.awaitingOlder = true
	before := s.oldestID
	r.mu.Unlock()

	if err := r.conn.Send(ctx, protocol.FetchOlderContextMessages(before, limit)); err != nil {
		r.mu.Lock()
		s.awaitingOlder = false
		r.mu.Unlock()
		return false, err
	}
	return true, nil
}

// RefreshHistory re-requests the full history; the reply replaces the log.
func (r *Registry) RefreshHistory(ctx context.Context, key Key) error {
	if r == nil {
		return ErrUnknownSession
	}
	r.mu.Lock()
	s, err := r.connectedLocked(key)
	if err == nil {
		s.awaitingOlder = false
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.conn.Send(ctx, protocol.FetchContextMessages())
}

// Close unbinds from the transport, stops watchdogs and waits for in-flight
// platform function calls.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	r.bindMu.Lock()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.bindMu.Unlock()
		return nil
	}
	r.closed = true
	r.bound = false
	r.active = ""
	r.helloFor = ""
	for _, s := range r.sessions {
		r.stopWatchdogLocked(s)
	}
	r.mu.Unlock()
	r.unbindLocked()
	r.bindMu.Unlock()

	r.cancel()
	r.bridge.Wait()
	return nil
}

func (r *Registry) unbindLocked() {
	if r.unsubMsg != nil {
		r.unsubMsg()
		r.unsubMsg = nil
	}
	if r.unsubState != nil {
		r.unsubState()
		r.unsubState = nil
	}
}

func (r *Registry) connectedLocked(key Key) (*Session, error) {
	s, ok := r.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, key)
	}
	if r.active != key || !r.bound || !r.connState.Connected() {
		return nil, ErrNotConnected
	}
	return s, nil
}

// helloLocked returns the handshake for s if this socket has not carried it yet.
func (r *Registry) helloLocked(s *Session) *protocol.Frame {
	if !r.connState.Connected() || r.helloFor == s.key {
		return nil
	}
	r.helloFor = s.key
	f := protocol.SessionConnect(s.conversationID, s.agentID)
	return &f
}

func (r *Registry) sendHello(f *protocol.Frame) {
	if f == nil {
		return
	}
	if err := r.conn.Send(r.ctx, *f); err != nil {
		r.logf("session: handshake failed: %v", err)
		r.mu.Lock()
		r.helloFor = ""
		r.mu.Unlock()
	}
}

func (r *Registry) onTransportState(st transport.State) {
	r.mu.Lock()
	r.connState = st
	if !st.Connected() {
		r.helloFor = ""
		// A page request does not survive the socket it was sent on.
		for _, sess := range r.sessions {
			sess.awaitingOlder = false
		}
	}
	s, ok := r.sessions[r.active]
	if !ok || !r.bound {
		r.mu.Unlock()
		return
	}
	var snaps []pendingSnapshot
	if s.setConnection(st) {
		snaps = append(snaps, pendingSnapshot{s, s.snapshot()})
	}
	hello := r.helloLocked(s)
	r.mu.Unlock()

	r.publishAll(snaps)
	r.sendHello(hello)
}

func (r *Registry) onTransportMessage(data []byte) {
	ev, err := protocol.DecodeFrame(data)
	if err != nil {
		r.logf("session: dropping frame: %v", err)
		return
	}
	r.mu.Lock()
	s, ok := r.sessions[r.active]
	if !ok || !r.bound {
		r.mu.Unlock()
		r.logf("session: no active session for %s frame", protocol.EventType(ev))
		return
	}
	eff := s.apply(ev)
	r.armWatchdogLocked(s)
	var snap Snapshot
	if eff.changed {
		snap = s.snapshot()
	}
	r.mu.Unlock()

	if cm, ok := ev.(protocol.ContextMessages); ok && cm.Skipped > 0 {
		r.logf("session: %d history items could not be decoded", cm.Skipped)
	}
	if eff.changed {
		r.publish(s, snap)
	}
	for _, f := range eff.frames {
		if err := r.conn.Send(r.ctx, f); err != nil {
			r.logf("session: send failed: %v", err)
		}
	}
	if eff.event != nil {
		r.bridge.HandleEvent(*eff.event)
	}
	if eff.call != nil {
		r.bridge.Dispatch(r.ctx, *eff.call, func(f protocol.Frame) {
			if err := r.conn.Send(r.ctx, f); err != nil {
				r.logf("session: platform result for %s not sent: %v", eff.call.ExecutionID, err)
			}
		})
	}
}

func (r *Registry) failTurn(key Key, text string) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok || !s.execution.InFlight() {
		r.mu.Unlock()
		return
	}
	s.fail(text)
	s.version++
	r.stopWatchdogLocked(s)
	snap := s.snapshot()
	r.mu.Unlock()
	r.publish(s, snap)
}

type pendingSnapshot struct {
	s    *Session
	snap Snapshot
}

func (r *Registry) publishAll(list []pendingSnapshot) {
	for _, p := range list {
		r.publish(p.s, p.snap)
	}
}

// publish delivers snap to subscribers of s unless a newer version was
// already delivered, then persists settled snapshots.
func (r *Registry) publish(s *Session, snap Snapshot) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	if snap.Version <= s.notified {
		return
	}
	s.notified = snap.Version

	r.mu.Lock()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()
	for _, fn := range subs {
		r.safeCall(func() { fn(snap) })
	}
	r.persist(snap)
}

func (r *Registry) persist(snap Snapshot) {
	if r.store == nil || snap.StreamingMessageID != "" {
		return
	}
	snap.SavedAt = r.now()
	ctx, cancel := context.WithTimeout(r.ctx, r.storeTimeout)
	defer cancel()
	if err := r.store.Save(ctx, snap); err != nil {
		r.logf("session: save %s failed: %v", snap.Key, err)
	}
}

func (r *Registry) safeCall(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logf("session: subscriber panicked: %v", rec)
		}
	}()
	fn()
}
