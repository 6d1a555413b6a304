package session

import (
	"errors"
	"strings"
	"time"

	"agentchat/internal/protocol"
	"agentchat/internal/transport"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNotConnected   = errors.New("session is not connected")
	ErrNoPendingInput = errors.New("no input request is waiting for an answer")
	ErrEmptyMessage   = errors.New("message is empty")
)

// Key identifies one (conversation, agent) pairing.
type Key string

func NewKey(conversationID, agentID string) Key {
	return Key(strings.TrimSpace(conversationID) + ":" + strings.TrimSpace(agentID))
}

// Split returns the conversation and agent ids the key was built from.
func (k Key) Split() (conversationID, agentID string) {
	conv, agent, _ := strings.Cut(string(k), ":")
	return conv, agent
}

func (k Key) String() string { return string(k) }

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type MetadataKind string

const (
	MetadataInputRequest MetadataKind = "user_input_request"
	MetadataLog          MetadataKind = "log"
	MetadataError        MetadataKind = "error"
)

// Metadata tags messages that need a specialised rendering.
type Metadata struct {
	Kind         MetadataKind           `json:"kind"`
	InputRequest *protocol.InputRequest `json:"input_request,omitempty"`
	// LogType is the backend sub-type a log entry was derived from.
	LogType string `json:"log_type,omitempty"`
}

type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

func (m Message) IsInputRequest() bool {
	return m.Metadata != nil && m.Metadata.Kind == MetadataInputRequest && m.Metadata.InputRequest != nil
}

func (m Message) IsLog() bool {
	return m.Metadata != nil && m.Metadata.Kind == MetadataLog
}

// Pending reports whether the message still carries a client temporary id.
func (m Message) Pending() bool {
	return protocol.IsTemporaryID(m.ID)
}

type ExecutionStatus string

const (
	ExecutionIdle            ExecutionStatus = "idle"
	ExecutionStarting        ExecutionStatus = "starting"
	ExecutionRunning         ExecutionStatus = "running"
	ExecutionWaitingForInput ExecutionStatus = "waiting_for_input"
	ExecutionCompleted       ExecutionStatus = "completed"
	ExecutionFailed          ExecutionStatus = "failed"
)

// InFlight reports whether a turn is underway.
func (s ExecutionStatus) InFlight() bool {
	switch s {
	case ExecutionStarting, ExecutionRunning, ExecutionWaitingForInput:
		return true
	default:
		return false
	}
}

func executionFromBackend(s protocol.BackendStatus) (ExecutionStatus, bool) {
	switch s {
	case protocol.BackendIdle:
		return ExecutionIdle, true
	case protocol.BackendStarting:
		return ExecutionStarting, true
	case protocol.BackendRunning:
		return ExecutionRunning, true
	case protocol.BackendWaitingForInput:
		return ExecutionWaitingForInput, true
	case protocol.BackendCompleted:
		return ExecutionCompleted, true
	case protocol.BackendFailed, protocol.BackendCancelled:
		return ExecutionFailed, true
	default:
		return "", false
	}
}

type ConnectionState struct {
	Status          transport.Status `json:"status"`
	Error           string           `json:"error,omitempty"`
	LastConnectedAt time.Time        `json:"last_connected_at,omitempty"`
}

func (c ConnectionState) Connected() bool { return c.Status == transport.StatusConnected }

// Snapshot is an immutable copy of a session taken after one update.
// Version increases by one per update.
type Snapshot struct {
	Key            Key    `json:"key"`
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
	Version        uint64 `json:"version"`

	Messages   []Message       `json:"messages"`
	Connection ConnectionState `json:"connection"`
	Execution  ExecutionStatus `json:"execution"`

	StreamingMessageID string `json:"streaming_message_id,omitempty"`
	StreamingContent   string `json:"streaming_content,omitempty"`

	ActiveInputRequest *Message `json:"active_input_request,omitempty"`

	OldestID  protocol.SnowflakeID `json:"oldest_id,omitempty"`
	HasOlder  bool                 `json:"has_older,omitempty"`
	LastError string               `json:"last_error,omitempty"`
	SavedAt   time.Time            `json:"saved_at,omitempty"`
}

// Message returns the message with id, if present.
func (s Snapshot) Message(id string) (Message, bool) {
	for _, m := range s.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}
