package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Outbound tags (client -> backend).
const (
	TagSessionConnect         = "session_connect"
	TagFetchContextMessages   = "fetch_context_messages"
	TagMessageInput           = "message_input"
	TagUserInputResponse      = "user_input_response"
	TagCancelExecution        = "cancel_execution"
	TagPlatformFunctionResult = "platform_function_result"
)

// Inbound tags (backend -> client).
const (
	TypeSessionConnected    = "session_connected"
	TypeContextMessages     = "fetch_context_messages"
	TypeConversationMessage = "conversation_message"
	TypeMessageChunk        = "new_message_chunk"
	TypeExecutionComplete   = "execution_complete"
	TypeExecutionError      = "execution_error"
	TypeExecutionCancelled  = "execution_cancelled"
	TypeExecutionStatus     = "execution_status"
	TypePlatformEvent       = "platform_event"
	TypePlatformFunction    = "platform_function"
)

// Frame is one JSON text frame on the socket. MessageType holds either a bare
// string tag or a single-key object {"<tag>": <payload>}.
type Frame struct {
	MessageID   *int64          `json:"message_id,omitempty"`
	MessageType json.RawMessage `json:"message_type"`
	Data        json.RawMessage `json:"data"`
}

var emptyObject = json.RawMessage(`{}`)

// Tag splits MessageType into its tag and optional payload.
func (f Frame) Tag() (string, json.RawMessage, error) {
	raw := bytes.TrimSpace(f.MessageType)
	if len(raw) == 0 {
		return "", nil, errors.New("message_type is required")
	}
	switch raw[0] {
	case '"':
		var tag string
		if err := json.Unmarshal(raw, &tag); err != nil {
			return "", nil, fmt.Errorf("decode message_type: %w", err)
		}
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return "", nil, errors.New("message_type is empty")
		}
		return tag, nil, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", nil, fmt.Errorf("decode message_type: %w", err)
		}
		if len(obj) != 1 {
			return "", nil, fmt.Errorf("message_type object must have exactly one key, got %d", len(obj))
		}
		for tag, payload := range obj {
			return strings.TrimSpace(tag), payload, nil
		}
	}
	return "", nil, fmt.Errorf("unsupported message_type %s", string(raw))
}

func newTaggedFrame(tag string, payload any) (Frame, error) {
	var mt json.RawMessage
	if payload == nil {
		data, err := json.Marshal(tag)
		if err != nil {
			return Frame{}, err
		}
		mt = data
	} else {
		data, err := json.Marshal(map[string]any{tag: payload})
		if err != nil {
			return Frame{}, err
		}
		mt = data
	}
	return Frame{MessageType: mt, Data: emptyObject}, nil
}

// tagged is only used with payloads built from plain strings and ints, which
// always marshal.
func tagged(tag string, payload any) Frame {
	f, _ := newTaggedFrame(tag, payload)
	return f
}

func SessionConnect(conversationID, agentID string) Frame {
	return tagged(TagSessionConnect, []string{conversationID, agentID})
}

func FetchContextMessages() Frame {
	return tagged(TagFetchContextMessages, struct{}{})
}

type fetchPage struct {
	BeforeID SnowflakeID `json:"before_id"`
	Limit    int         `json:"limit"`
}

func FetchOlderContextMessages(beforeID SnowflakeID, limit int) Frame {
	return tagged(TagFetchContextMessages, fetchPage{BeforeID: beforeID, Limit: limit})
}

func MessageInput(text string) Frame {
	return tagged(TagMessageInput, text)
}

// MessageInputWithCorrelation carries the client temporary id in data so a
// backend that supports it can echo it back on the user_message event.
func MessageInputWithCorrelation(text, clientMessageID string) Frame {
	f := tagged(TagMessageInput, text)
	if id := strings.TrimSpace(clientMessageID); id != "" {
		data, err := json.Marshal(map[string]string{"client_message_id": id})
		if err == nil {
			f.Data = data
		}
	}
	return f
}

func UserInputResponse(text string) Frame {
	return tagged(TagUserInputResponse, text)
}

func CancelExecution() Frame {
	return tagged(TagCancelExecution, nil)
}

// PlatformResult is the outcome of one platform function invocation.
// Exactly one of Result or Error is meaningful.
type PlatformResult struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (r PlatformResult) MarshalJSON() ([]byte, error) {
	if strings.TrimSpace(r.Error) != "" {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{Error: r.Error})
	}
	return json.Marshal(struct {
		Result any `json:"result"`
	}{Result: r.Result})
}

func PlatformFunctionResult(executionID string, res PlatformResult) (Frame, error) {
	id := strings.TrimSpace(executionID)
	if id == "" {
		return Frame{}, errors.New("execution id is required")
	}
	return newTaggedFrame(TagPlatformFunctionResult, []any{id, res})
}
