package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ContentKind is the conversation_message sub-type found at content.message_type.
type ContentKind string

const (
	ContentUserMessage      ContentKind = "user_message"
	ContentAgentResponse    ContentKind = "agent_response"
	ContentAcknowledgment   ContentKind = "assistant_acknowledgment"
	ContentIdeation         ContentKind = "assistant_ideation"
	ContentActionPlanning   ContentKind = "assistant_action_planning"
	ContentTaskExecution    ContentKind = "assistant_task_execution"
	ContentTaskBreakdown    ContentKind = "assistant_task_breakdown"
	ContentValidation       ContentKind = "assistant_validation"
	ContentContextGathering ContentKind = "assistant_context_gathering"
	ContentContextResults   ContentKind = "context_results"
	ContentUserInputRequest ContentKind = "user_input_request"
	ContentSystemDecision   ContentKind = "system_decision"
	ContentUnknown          ContentKind = ""
)

// Content is one decoded conversation_message payload.
type Content interface {
	Kind() ContentKind
}

type UserMessage struct {
	Message         string `json:"message"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

type AgentResponse struct {
	Response string `json:"response"`
}

type Acknowledgment struct {
	Message               string `json:"acknowledgment_message"`
	FurtherActionRequired bool   `json:"further_action_required,omitempty"`
}

type Ideation struct {
	ReasoningSummary string `json:"reasoning_summary"`
}

type PlannedAction struct {
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

type ActionPlanning struct {
	TaskSummary string          `json:"task_summary,omitempty"`
	Actions     []PlannedAction `json:"actions,omitempty"`
}

type TaskExecution struct {
	TaskDescription string `json:"task_description"`
	Approach        string `json:"approach,omitempty"`
}

type TaskItem struct {
	Description string `json:"description"`
}

type TaskBreakdown struct {
	Tasks []TaskItem `json:"tasks"`
}

type Validation struct {
	Status     string `json:"validation_status"`
	Reasoning  string `json:"reasoning,omitempty"`
	NextAction string `json:"next_action,omitempty"`
}

// Aborted reports whether the validation asks the run to stop.
func (v Validation) Aborted() bool {
	return strings.EqualFold(strings.TrimSpace(v.NextAction), "abort")
}

type ContextGathering struct {
	Query   string   `json:"query"`
	Sources []string `json:"sources,omitempty"`
}

type ContextResult struct {
	Source  string `json:"source,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

type ContextResults struct {
	Results []ContextResult `json:"results"`
}

type SystemDecision struct {
	Decision  string `json:"decision"`
	Reasoning string `json:"reasoning,omitempty"`
}

// UnknownContent keeps sub-types this client does not model for fallback rendering.
type UnknownContent struct {
	Type string
	Raw  json.RawMessage
}

func (UserMessage) Kind() ContentKind      { return ContentUserMessage }
func (AgentResponse) Kind() ContentKind    { return ContentAgentResponse }
func (Acknowledgment) Kind() ContentKind   { return ContentAcknowledgment }
func (Ideation) Kind() ContentKind         { return ContentIdeation }
func (ActionPlanning) Kind() ContentKind   { return ContentActionPlanning }
func (TaskExecution) Kind() ContentKind    { return ContentTaskExecution }
func (TaskBreakdown) Kind() ContentKind    { return ContentTaskBreakdown }
func (Validation) Kind() ContentKind       { return ContentValidation }
func (ContextGathering) Kind() ContentKind { return ContentContextGathering }
func (ContextResults) Kind() ContentKind   { return ContentContextResults }
func (InputRequest) Kind() ContentKind     { return ContentUserInputRequest }
func (SystemDecision) Kind() ContentKind   { return ContentSystemDecision }
func (UnknownContent) Kind() ContentKind   { return ContentUnknown }

// InputType is the kind of answer a user_input_request expects.
type InputType string

const (
	InputText        InputType = "text"
	InputNumber      InputType = "number"
	InputSelect      InputType = "select"
	InputMultiSelect InputType = "multiselect"
	InputBoolean     InputType = "boolean"
	InputDate        InputType = "date"
)

func (t InputType) Valid() bool {
	switch t {
	case InputText, InputNumber, InputSelect, InputMultiSelect, InputBoolean, InputDate:
		return true
	default:
		return false
	}
}

// InputRequest is the structured descriptor carried by a user_input_request.
type InputRequest struct {
	Question     string    `json:"question"`
	Context      string    `json:"context,omitempty"`
	InputType    InputType `json:"input_type"`
	Options      []string  `json:"options,omitempty"`
	DefaultValue string    `json:"default_value,omitempty"`
	Placeholder  string    `json:"placeholder,omitempty"`
}

// ConversationEvent is one backend event, live or from history.
type ConversationEvent struct {
	ID        SnowflakeID
	CreatedAt time.Time
	Content   Content
}

func (e ConversationEvent) Kind() ContentKind {
	if e.Content == nil {
		return ContentUnknown
	}
	return e.Content.Kind()
}

type wireConversationEvent struct {
	ID        SnowflakeID     `json:"id"`
	CreatedAt string          `json:"created_at,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Content   json.RawMessage `json:"content"`
}

func parseEventTime(values ...string) time.Time {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts.UTC()
			}
		}
	}
	return time.Time{}
}

// DecodeConversationEvent decodes one conversation_message / history item.
// An unrecognised sub-type is returned as UnknownContent, not an error.
func DecodeConversationEvent(raw json.RawMessage) (ConversationEvent, error) {
	var w wireConversationEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return ConversationEvent{}, fmt.Errorf("decode conversation event: %w", err)
	}
	content, err := decodeContent(w.Content)
	if err != nil {
		return ConversationEvent{}, err
	}
	return ConversationEvent{
		ID:        w.ID,
		CreatedAt: parseEventTime(w.CreatedAt, w.Timestamp),
		Content:   content,
	}, nil
}

func decodeContent(raw json.RawMessage) (Content, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errors.New("conversation event content is missing")
	}
	var head struct {
		MessageType string `json:"message_type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	kind := ContentKind(strings.TrimSpace(head.MessageType))

	var content Content
	switch kind {
	case ContentUserMessage:
		var c UserMessage
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		content = c
	case ContentAgentResponse:
		var c AgentResponse
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		content = c
	case ContentAcknowledgment:
		var c Acknowledgment
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		content = c
	case ContentIdeation:
		var c Ideation
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		content = c
	case ContentActionPlanning:
		var c ActionPlanning
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		content = c
	case ContentTaskExecution:
		var c TaskExecution
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		content = c
	case ContentTaskBreakdown:
		var c TaskBreakdown
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		content = c
	case ContentValidation:
		var c Validation
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		content = c
	case ContentContextGathering:
		var c ContextGathering
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		content = c
	case ContentContextResults:
		var c ContextResults
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		content = c
	case ContentUserInputRequest:
		var c InputRequest
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if !c.InputType.Valid() {
			c.InputType = InputText
		}
		content = c
	case ContentSystemDecision:
		var c SystemDecision
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		content = c
	default:
		content = UnknownContent{Type: string(kind), Raw: append(json.RawMessage(nil), raw...)}
	}
	return content, nil
}
