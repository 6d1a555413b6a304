package session

import (
	"sort"
	"strings"
	"time"

	"agentchat/internal/protocol"
	"agentchat/internal/transport"
)

const defaultPageLimit = 50

// Session is the client-side state for one (conversation, agent) pairing.
// It is not safe for concurrent use; the Registry owns all access.
type Session struct {
	key            Key
	conversationID string
	agentID        string

	messages []Message
	index    map[string]int
	matcher  PendingMatcher
	answered map[string]bool
	// sentAfter holds, per pending temporary id, the newest confirmed id
	// in the log when it was sent.
	sentAfter map[string]protocol.SnowflakeID

	connection  ConnectionState
	execution   ExecutionStatus
	streamingID string

	oldestID      protocol.SnowflakeID
	hasOlder      bool
	awaitingOlder bool
	pageLimit     int
	lastError     string
	version       uint64

	now func() time.Time

	subs           map[uint64]func(Snapshot)
	notified       uint64
	cancelWatchdog func()
	watchdogGen    uint64
}

// effect lists the work a frame asks of the registry once state is updated.
type effect struct {
	changed bool
	frames  []protocol.Frame
	call    *protocol.PlatformFunctionCall
	event   *protocol.PlatformEvent
}

func newSession(conversationID, agentID string, matcher PendingMatcher, now func() time.Time) *Session {
	if matcher == nil {
		matcher = NewContentKeyMatcher()
	}
	if now == nil {
		now = time.Now
	}
	return &Session{
		key:            NewKey(conversationID, agentID),
		conversationID: strings.TrimSpace(conversationID),
		agentID:        strings.TrimSpace(agentID),
		index:          make(map[string]int),
		matcher:        matcher,
		answered:       make(map[string]bool),
		sentAfter:      make(map[string]protocol.SnowflakeID),
		connection:     ConnectionState{Status: transport.StatusDisconnected},
		execution:      ExecutionIdle,
		pageLimit:      defaultPageLimit,
		now:            now,
		subs:           make(map[uint64]func(Snapshot)),
	}
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Key:                s.key,
		ConversationID:     s.conversationID,
		AgentID:            s.agentID,
		Version:            s.version,
		Messages:           append([]Message(nil), s.messages...),
		Connection:         s.connection,
		Execution:          s.execution,
		StreamingMessageID: s.streamingID,
		OldestID:           s.oldestID,
		HasOlder:           s.hasOlder,
		LastError:          s.lastError,
	}
	if pos, ok := s.index[s.streamingID]; ok && s.streamingID != "" {
		snap.StreamingContent = s.messages[pos].Content
	}
	if pos, ok := s.activeInputRequest(); ok {
		m := s.messages[pos]
		snap.ActiveInputRequest = &m
	}
	return snap
}

// restore seeds the log from a persisted snapshot. Live state stays at rest.
func (s *Session) restore(snap Snapshot) {
	s.messages = nil
	for _, m := range snap.Messages {
		if m.Pending() && m.Role == RoleAssistant {
			continue
		}
		s.messages = append(s.messages, m)
	}
	s.rebuildIndex()
	s.oldestID = snap.OldestID
	s.hasOlder = snap.HasOlder
	s.version++
}

func (s *Session) rebuildIndex() {
	s.index = make(map[string]int, len(s.messages))
	for i, m := range s.messages {
		s.index[m.ID] = i
	}
}

// appendMessage adds msg to the end of the log, keeping an open streaming
// message last.
func (s *Session) appendMessage(msg Message) {
	if pos, ok := s.index[s.streamingID]; ok && s.streamingID != "" && pos == len(s.messages)-1 {
		s.messages = append(s.messages, Message{})
		copy(s.messages[pos+1:], s.messages[pos:])
		s.messages[pos] = msg
		s.index[msg.ID] = pos
		s.index[s.streamingID] = pos + 1
		return
	}
	s.messages = append(s.messages, msg)
	s.index[msg.ID] = len(s.messages) - 1
}

// upsert replaces the message with the same id in place or appends it.
func (s *Session) upsert(msg Message) {
	if pos, ok := s.index[msg.ID]; ok {
		s.messages[pos] = msg
		return
	}
	s.appendMessage(msg)
}

func (s *Session) rename(oldID string, msg Message) bool {
	pos, ok := s.index[oldID]
	if !ok {
		return false
	}
	delete(s.index, oldID)
	s.messages[pos] = msg
	s.index[msg.ID] = pos
	return true
}

func (s *Session) clearStreaming() {
	s.streamingID = ""
}

// promote moves a starting turn to running on the first sign of agent activity.
func (s *Session) promote() {
	if s.execution == ExecutionStarting {
		s.execution = ExecutionRunning
	}
}

// activeInputRequest finds the newest input request no response was sent for.
func (s *Session) activeInputRequest() (int, bool) {
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.Role == RoleUser || m.Role == RoleAssistant {
			return 0, false
		}
		if m.IsInputRequest() {
			if s.answered[m.ID] {
				return 0, false
			}
			return i, true
		}
	}
	return 0, false
}

func (s *Session) systemMessage(kind MetadataKind, text string) Message {
	return Message{
		ID:        protocol.NewTemporaryID(),
		Role:      RoleSystem,
		Content:   text,
		Timestamp: s.now(),
		Metadata:  &Metadata{Kind: kind},
	}
}

// fail ends the turn with a visible error entry.
func (s *Session) fail(text string) {
	s.clearStreaming()
	s.execution = ExecutionFailed
	s.lastError = text
	s.appendMessage(s.systemMessage(MetadataError, text))
}

func (s *Session) setConnection(st transport.State) bool {
	next := ConnectionState{Status: st.Status, Error: st.Error, LastConnectedAt: st.LastConnectedAt}
	if next.Status == "" {
		next.Status = transport.StatusDisconnected
	}
	if next == s.connection {
		return false
	}
	s.connection = next
	s.version++
	return true
}

// messageFromEvent is the per-event transform shared by live frames and
// history items. ok is false for events that are not rendered.
func (s *Session) messageFromEvent(ev protocol.ConversationEvent) (Message, bool) {
	msg := Message{ID: ev.ID.String(), Timestamp: ev.CreatedAt}
	if msg.ID == "" {
		msg.ID = protocol.NewTemporaryID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	switch c := ev.Content.(type) {
	case protocol.UserMessage:
		msg.Role = RoleUser
		msg.Content = c.Message
	case protocol.AgentResponse:
		msg.Role = RoleAssistant
		msg.Content = c.Response
	case protocol.InputRequest:
		req := c
		if !req.InputType.Valid() {
			req.InputType = protocol.InputText
		}
		msg.Role = RoleSystem
		msg.Content = req.Question
		msg.Metadata = &Metadata{Kind: MetadataInputRequest, InputRequest: &req}
	case protocol.SystemDecision:
		return Message{}, false
	case protocol.UnknownContent:
		msg.Role = RoleSystem
		msg.Content = summarize(c)
		msg.Metadata = &Metadata{Kind: MetadataLog, LogType: strings.TrimSpace(c.Type)}
	case nil:
		return Message{}, false
	default:
		msg.Role = RoleSystem
		msg.Content = summarize(c)
		msg.Metadata = &Metadata{Kind: MetadataLog, LogType: string(c.Kind())}
	}
	return msg, true
}

// apply runs the transition for one inbound event. Applying the same
// backend event twice leaves the log unchanged.
func (s *Session) apply(ev protocol.Event) effect {
	var eff effect
	switch e := ev.(type) {
	case protocol.SessionConnected:
		s.awaitingOlder = false
		eff.frames = append(eff.frames, protocol.FetchContextMessages())
		if s.connection.Status != transport.StatusConnected {
			s.connection.Status = transport.StatusConnected
			s.connection.Error = ""
			eff.changed = true
		}
	case protocol.ContextMessages:
		s.applyHistory(e)
		eff.changed = true
	case protocol.ConversationMessage:
		s.applyConversation(e.Event)
		eff.changed = true
	case protocol.MessageChunk:
		if e.Chunk == "" {
			break
		}
		s.applyChunk(e.Chunk)
		eff.changed = true
	case protocol.ExecutionComplete:
		s.clearStreaming()
		s.execution = ExecutionIdle
		eff.changed = true
	case protocol.ExecutionError:
		text := e.Error
		if text == "" {
			text = "execution failed"
		}
		s.fail(text)
		eff.changed = true
	case protocol.ExecutionCancelled:
		if s.streamingID != "" || s.execution != ExecutionIdle {
			s.clearStreaming()
			s.execution = ExecutionIdle
			eff.changed = true
		}
	case protocol.ExecutionStatus:
		next, ok := executionFromBackend(e.Status)
		if !ok || next == s.execution {
			break
		}
		s.execution = next
		if !next.InFlight() {
			s.clearStreaming()
		}
		eff.changed = true
	case protocol.PlatformEvent:
		ev := e
		eff.event = &ev
	case protocol.PlatformFunctionCall:
		call := e
		eff.call = &call
	case protocol.Unknown:
		s.appendMessage(Message{
			ID:        protocol.NewTemporaryID(),
			Role:      RoleSystem,
			Content:   fallbackText(e.Type, e.Raw),
			Timestamp: s.now(),
			Metadata:  &Metadata{Kind: MetadataLog, LogType: e.Type},
		})
		eff.changed = true
	}
	if eff.changed {
		s.version++
	}
	return eff
}

func (s *Session) applyChunk(chunk string) {
	s.promote()
	if pos, ok := s.index[s.streamingID]; ok && s.streamingID != "" {
		s.messages[pos].Content += chunk
		return
	}
	id := protocol.NewTemporaryID()
	s.messages = append(s.messages, Message{ID: id, Role: RoleAssistant, Content: chunk, Timestamp: s.now()})
	s.index[id] = len(s.messages) - 1
	s.streamingID = id
}

func (s *Session) applyConversation(ev protocol.ConversationEvent) {
	msg, ok := s.messageFromEvent(ev)
	switch c := ev.Content.(type) {
	case protocol.UserMessage:
		if _, exists := s.index[msg.ID]; exists {
			s.upsert(msg)
			return
		}
		if tempID, ok := s.matcher.Match(c); ok {
			delete(s.sentAfter, tempID)
			if s.rename(tempID, msg) {
				return
			}
		}
		s.appendMessage(msg)
	case protocol.AgentResponse:
		_, exists := s.index[msg.ID]
		switch {
		case exists:
			s.upsert(msg)
		case s.streamingID != "":
			if !s.rename(s.streamingID, msg) {
				s.appendMessage(msg)
			}
		default:
			s.appendMessage(msg)
		}
		s.clearStreaming()
		s.execution = ExecutionIdle
		s.matcher.Reset()
		clear(s.sentAfter)
	case protocol.InputRequest:
		// The agent paused for input: the streamed text so far stays as is
		// and the request becomes the newest entry.
		s.clearStreaming()
		s.upsert(msg)
		if !s.answered[msg.ID] {
			s.execution = ExecutionWaitingForInput
		}
	case protocol.Validation:
		s.upsert(msg)
		s.promote()
		if c.Aborted() {
			s.lastError = msg.Content
		}
	default:
		s.promote()
		if ok {
			s.upsert(msg)
		}
	}
}

func (s *Session) applyHistory(ev protocol.ContextMessages) {
	items := append([]protocol.ConversationEvent(nil), ev.Items...)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ID.Compare(items[j].ID) < 0
	})

	var msgs []Message
	pos := make(map[string]int, len(items))
	for _, item := range items {
		msg, ok := s.messageFromEvent(item)
		if !ok {
			continue
		}
		if i, dup := pos[msg.ID]; dup {
			msgs[i] = msg
			continue
		}
		pos[msg.ID] = len(msgs)
		msgs = append(msgs, msg)
	}

	older := ev.Older || s.awaitingOlder
	s.awaitingOlder = false
	if older {
		fresh := msgs[:0:0]
		for _, m := range msgs {
			if _, exists := s.index[m.ID]; !exists {
				fresh = append(fresh, m)
			}
		}
		s.messages = append(fresh, s.messages...)
		s.rebuildIndex()
		if len(items) > 0 && (s.oldestID.IsZero() || items[0].ID.Compare(s.oldestID) < 0) {
			s.oldestID = items[0].ID
		}
		switch {
		case ev.HasMore != nil:
			s.hasOlder = *ev.HasMore
		default:
			s.hasOlder = len(items) > 0 && len(items) >= s.pageLimit
		}
		return
	}

	for _, item := range items {
		if um, ok := item.Content.(protocol.UserMessage); ok {
			s.confirmFromHistory(item.ID, um)
		}
	}
	var keep []Message
	var streaming *Message
	for _, m := range s.messages {
		if _, inHistory := pos[m.ID]; inHistory {
			continue
		}
		if m.ID == s.streamingID && s.streamingID != "" {
			mc := m
			streaming = &mc
			continue
		}
		if m.Pending() && m.Role == RoleUser && s.matcher.IsPending(m.ID) {
			keep = append(keep, m)
		}
	}
	s.messages = append(msgs, keep...)
	if streaming != nil {
		s.messages = append(s.messages, *streaming)
	} else {
		s.clearStreaming()
	}
	s.rebuildIndex()

	s.oldestID = ""
	if len(items) > 0 {
		s.oldestID = items[0].ID
	}
	switch {
	case ev.HasMore != nil:
		s.hasOlder = *ev.HasMore
	default:
		s.hasOlder = len(items) > 0
	}

	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		if last.IsInputRequest() && !s.answered[last.ID] {
			s.execution = ExecutionWaitingForInput
		}
	}
}

// confirmFromHistory retires a pending send whose echo shows up in a full
// history reply. Items no newer than the log was at send time predate the
// send and never confirm it.
func (s *Session) confirmFromHistory(id protocol.SnowflakeID, um protocol.UserMessage) {
	tempID, ok := s.matcher.Peek(um)
	if !ok {
		return
	}
	if floor := s.sentAfter[tempID]; !floor.IsZero() && id.Compare(floor) <= 0 {
		return
	}
	s.matcher.Match(um)
	delete(s.sentAfter, tempID)
}

// newestConfirmedID is the largest backend id in the log.
func (s *Session) newestConfirmedID() protocol.SnowflakeID {
	var newest protocol.SnowflakeID
	for _, m := range s.messages {
		if m.Pending() {
			continue
		}
		if id := protocol.SnowflakeID(m.ID); newest.IsZero() || id.Compare(newest) > 0 {
			newest = id
		}
	}
	return newest
}

// track registers an optimistic message with the matcher.
func (s *Session) track(msg Message) {
	s.sentAfter[msg.ID] = s.newestConfirmedID()
	s.matcher.Track(msg.ID, msg.Content)
}

// beginSend records an optimistic user message and starts a turn.
func (s *Session) beginSend(text string) Message {
	msg := Message{ID: protocol.NewTemporaryID(), Role: RoleUser, Content: text, Timestamp: s.now()}
	s.appendMessage(msg)
	s.track(msg)
	s.execution = ExecutionStarting
	s.lastError = ""
	s.version++
	return msg
}

// beginInput answers the active input request and resumes the turn.
func (s *Session) beginInput(text string) (Message, error) {
	pos, ok := s.activeInputRequest()
	if !ok {
		return Message{}, ErrNoPendingInput
	}
	s.answered[s.messages[pos].ID] = true
	msg := Message{ID: protocol.NewTemporaryID(), Role: RoleUser, Content: text, Timestamp: s.now()}
	s.appendMessage(msg)
	s.track(msg)
	s.execution = ExecutionRunning
	s.version++
	return msg, nil
}

// cancel flips the turn to idle without waiting for the backend.
func (s *Session) cancel() bool {
	if s.execution == ExecutionIdle && s.streamingID == "" {
		return false
	}
	s.clearStreaming()
	s.execution = ExecutionIdle
	s.version++
	return true
}

func (s *Session) expire(d time.Duration) bool {
	if !s.execution.InFlight() {
		return false
	}
	s.fail("turn timed out after " + d.String())
	s.version++
	return true
}
