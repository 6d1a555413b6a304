package session

import (
	"strings"

	"agentchat/internal/protocol"
)

// PendingMatcher pairs optimistic user messages with their backend echo.
// Implementations need no locking; the registry serialises access.
type PendingMatcher interface {
	// Track records an optimistic message sent with tempID.
	Track(tempID, content string)
	// Match returns the temporary id an echo confirms and retires it.
	Match(echo protocol.UserMessage) (tempID string, ok bool)
	// Peek is Match without retiring the temporary id.
	Peek(echo protocol.UserMessage) (tempID string, ok bool)
	IsPending(tempID string) bool
	Reset()
}

func contentKey(role Role, content string) string {
	return string(role) + "\x00" + content
}

// ContentKeyMatcher matches an echo by exact (role, content). Two identical
// messages in flight share one key and the later send wins.
type ContentKeyMatcher struct {
	byKey map[string]string
}

func NewContentKeyMatcher() *ContentKeyMatcher {
	return &ContentKeyMatcher{byKey: make(map[string]string)}
}

func (m *ContentKeyMatcher) Track(tempID, content string) {
	if m.byKey == nil {
		m.byKey = make(map[string]string)
	}
	m.byKey[contentKey(RoleUser, content)] = tempID
}

func (m *ContentKeyMatcher) Match(echo protocol.UserMessage) (string, bool) {
	key := contentKey(RoleUser, echo.Message)
	id, ok := m.byKey[key]
	if ok {
		delete(m.byKey, key)
	}
	return id, ok
}

func (m *ContentKeyMatcher) Peek(echo protocol.UserMessage) (string, bool) {
	id, ok := m.byKey[contentKey(RoleUser, echo.Message)]
	return id, ok
}

func (m *ContentKeyMatcher) IsPending(tempID string) bool {
	for _, id := range m.byKey {
		if id == tempID {
			return true
		}
	}
	return false
}

func (m *ContentKeyMatcher) Reset() {
	clear(m.byKey)
}

// CorrelationMatcher matches on the client_message_id a backend echoes back
// and falls back to content matching for echoes that lack one.
type CorrelationMatcher struct {
	byID     map[string]string
	fallback *ContentKeyMatcher
}

func NewCorrelationMatcher() *CorrelationMatcher {
	return &CorrelationMatcher{byID: make(map[string]string), fallback: NewContentKeyMatcher()}
}

func (m *CorrelationMatcher) Track(tempID, content string) {
	m.byID[tempID] = content
	m.fallback.Track(tempID, content)
}

func (m *CorrelationMatcher) Match(echo protocol.UserMessage) (string, bool) {
	if id := strings.TrimSpace(echo.ClientMessageID); id != "" {
		content, ok := m.byID[id]
		if !ok {
			return "", false
		}
		delete(m.byID, id)
		if m.fallback.byKey[contentKey(RoleUser, content)] == id {
			delete(m.fallback.byKey, contentKey(RoleUser, content))
		}
		return id, true
	}
	id, ok := m.fallback.Match(echo)
	if ok {
		delete(m.byID, id)
	}
	return id, ok
}

func (m *CorrelationMatcher) Peek(echo protocol.UserMessage) (string, bool) {
	if id := strings.TrimSpace(echo.ClientMessageID); id != "" {
		_, ok := m.byID[id]
		return id, ok
	}
	return m.fallback.Peek(echo)
}

func (m *CorrelationMatcher) IsPending(tempID string) bool {
	_, ok := m.byID[tempID]
	return ok
}

func (m *CorrelationMatcher) Reset() {
	clear(m.byID)
	m.fallback.Reset()
}
