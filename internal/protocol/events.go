package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Event is a decoded inbound frame. The set of variants is closed; frames
// with an unrecognised message_type decode to Unknown.
type Event interface {
	eventType() string
}

type SessionConnected struct{}

// ContextMessages is a history (or older-page) response.
type ContextMessages struct {
	Items []ConversationEvent
	// Older is set when the backend echoed a pagination cursor.
	Older    bool
	BeforeID SnowflakeID
	HasMore  *bool
	// Skipped counts items that failed to decode and were dropped.
	Skipped int
}

type ConversationMessage struct {
	Event ConversationEvent
}

type MessageChunk struct {
	Chunk string
}

type ExecutionComplete struct{}

type ExecutionError struct {
	Error string
}

type ExecutionCancelled struct{}

// BackendStatus is the backend's execution status vocabulary.
type BackendStatus string

const (
	BackendIdle            BackendStatus = "Idle"
	BackendStarting        BackendStatus = "Starting"
	BackendRunning         BackendStatus = "Running"
	BackendWaitingForInput BackendStatus = "WaitingForInput"
	BackendCompleted       BackendStatus = "Completed"
	BackendFailed          BackendStatus = "Failed"
	BackendCancelled       BackendStatus = "Cancelled"
)

type ExecutionStatus struct {
	Status BackendStatus
}

type PlatformEvent struct {
	Label string
	Data  json.RawMessage
}

type PlatformFunctionCall struct {
	Name        string
	Parameters  json.RawMessage
	ExecutionID string
}

// Unknown is any frame whose message_type this client does not model.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (SessionConnected) eventType() string     { return TypeSessionConnected }
func (ContextMessages) eventType() string      { return TypeContextMessages }
func (ConversationMessage) eventType() string  { return TypeConversationMessage }
func (MessageChunk) eventType() string         { return TypeMessageChunk }
func (ExecutionComplete) eventType() string    { return TypeExecutionComplete }
func (ExecutionError) eventType() string       { return TypeExecutionError }
func (ExecutionCancelled) eventType() string   { return TypeExecutionCancelled }
func (ExecutionStatus) eventType() string      { return TypeExecutionStatus }
func (PlatformEvent) eventType() string        { return TypePlatformEvent }
func (PlatformFunctionCall) eventType() string { return TypePlatformFunction }
func (u Unknown) eventType() string            { return u.Type }

// EventType returns the wire message_type an event was decoded from.
func EventType(ev Event) string {
	if ev == nil {
		return ""
	}
	return ev.eventType()
}

// DecodeFrame validates one inbound text frame and maps it to an Event.
func DecodeFrame(data []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	tag, payload, err := f.Tag()
	if err != nil {
		return nil, err
	}
	body := bytes.TrimSpace(f.Data)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		body = payload
	}

	switch tag {
	case TypeSessionConnected:
		return SessionConnected{}, nil
	case TypeContextMessages:
		return decodeContextMessages(body)
	case TypeConversationMessage:
		ev, err := DecodeConversationEvent(body)
		if err != nil {
			return nil, err
		}
		return ConversationMessage{Event: ev}, nil
	case TypeMessageChunk:
		var d struct {
			Chunk string `json:"chunk"`
		}
		if err := unmarshalBody(body, &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", tag, err)
		}
		return MessageChunk{Chunk: d.Chunk}, nil
	case TypeExecutionComplete:
		return ExecutionComplete{}, nil
	case TypeExecutionError:
		var d struct {
			Error string `json:"error"`
		}
		if err := unmarshalBody(body, &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", tag, err)
		}
		return ExecutionError{Error: strings.TrimSpace(d.Error)}, nil
	case TypeExecutionCancelled:
		return ExecutionCancelled{}, nil
	case TypeExecutionStatus:
		var d struct {
			Status BackendStatus `json:"status"`
		}
		if err := unmarshalBody(body, &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", tag, err)
		}
		return ExecutionStatus{Status: BackendStatus(strings.TrimSpace(string(d.Status)))}, nil
	case TypePlatformEvent:
		var d struct {
			Label string          `json:"event_label"`
			Data  json.RawMessage `json:"event_data"`
		}
		if err := unmarshalBody(body, &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", tag, err)
		}
		return PlatformEvent{Label: strings.TrimSpace(d.Label), Data: d.Data}, nil
	case TypePlatformFunction:
		var d struct {
			Name string `json:"function_name"`
			Data struct {
				Parameters  json.RawMessage `json:"parameters"`
				ExecutionID SnowflakeID     `json:"execution_id"`
			} `json:"function_data"`
		}
		if err := unmarshalBody(body, &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", tag, err)
		}
		return PlatformFunctionCall{
			Name:        strings.TrimSpace(d.Name),
			Parameters:  d.Data.Parameters,
			ExecutionID: d.Data.ExecutionID.String(),
		}, nil
	default:
		return Unknown{Type: tag, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

func unmarshalBody(body json.RawMessage, v any) error {
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

func decodeContextMessages(body json.RawMessage) (Event, error) {
	var out ContextMessages
	var items []json.RawMessage
	switch {
	case len(body) == 0:
	case body[0] == '[':
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("decode %s: %w", TypeContextMessages, err)
		}
	default:
		var d struct {
			Messages []json.RawMessage `json:"messages"`
			BeforeID SnowflakeID       `json:"before_id"`
			HasMore  *bool             `json:"has_more"`
		}
		if err := json.Unmarshal(body, &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", TypeContextMessages, err)
		}
		items = d.Messages
		out.BeforeID = d.BeforeID
		out.Older = !d.BeforeID.IsZero()
		out.HasMore = d.HasMore
	}
	out.Items = make([]ConversationEvent, 0, len(items))
	for _, raw := range items {
		ev, err := DecodeConversationEvent(raw)
		if err != nil {
			out.Skipped++
			continue
		}
		out.Items = append(out.Items, ev)
	}
	return out, nil
}
