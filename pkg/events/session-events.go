package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType names a session lifecycle event, published to sinks as the controller works.
type EventType string

const (
	EventTypeStatus   EventType = "status"
	EventTypeFragment EventType = "fragment"
	EventTypeFinish   EventType = "finish"
	EventTypeError    EventType = "error"
	// EventTypeApproval is published when a tool call waits for the user.
	EventTypeApproval EventType = "approval"
	// EventTypeToolResult is published by transports that run tools locally.
	EventTypeToolResult EventType = "tool-result"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// EventMetadata correlates an event with its conversation and exchange. An exchange is one request
// to the transport and the stream it answers with.
type EventMetadata struct {
	ID             uuid.UUID              `json:"event_id" yaml:"event_id"`
	ConversationID string                 `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	ExchangeID     uuid.UUID              `json:"exchange_id" yaml:"exchange_id"`
	MessageID      conversation.NodeID    `json:"message_id,omitempty" yaml:"message_id,omitempty"`
	Extra          map[string]interface{} `json:"extra,omitempty" yaml:"extra,omitempty"`
}

func NewEventMetadata(conversationID string, exchangeID uuid.UUID, messageID conversation.NodeID) EventMetadata {
	return EventMetadata{
		ID:             uuid.New(),
		ConversationID: conversationID,
		ExchangeID:     exchangeID,
		MessageID:      messageID,
	}
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("event_id", em.ID.String())
	e.Str("exchange_id", em.ExchangeID.String())
	if em.ConversationID != "" {
		e.Str("conversation_id", em.ConversationID)
	}
	if em.MessageID != conversation.RootID {
		e.Str("message_id", string(em.MessageID))
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`

	// store payload if the event was deserialized from JSON (see NewEventFromJson), not further used
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

func (e *EventImpl) SetPayload(b []byte) {
	e.payload = b
}

var _ Event = &EventImpl{}

type EventStatus struct {
	EventImpl
	Status   string `json:"status"`
	Previous string `json:"previous"`
}

func NewStatusEvent(metadata EventMetadata, previous, status string) *EventStatus {
	return &EventStatus{
		EventImpl: EventImpl{Type_: EventTypeStatus, Metadata_: metadata},
		Status:    status,
		Previous:  previous,
	}
}

// EventFragment relays a stream fragment after it was applied to the tree.
type EventFragment struct {
	EventImpl
	FragmentType FragmentType    `json:"fragment_type"`
	Fragment     json.RawMessage `json:"fragment"`
}

func NewFragmentEvent(metadata EventMetadata, f Fragment) (*EventFragment, error) {
	raw := f.Payload()
	if raw == nil {
		b, err := json.Marshal(f)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &EventFragment{
		EventImpl:    EventImpl{Type_: EventTypeFragment, Metadata_: metadata},
		FragmentType: f.Type(),
		Fragment:     raw,
	}, nil
}

func (e *EventFragment) Decode() (Fragment, error) {
	return NewFragmentFromJSON(e.Fragment)
}

type EventFinish struct {
	EventImpl
	FinishReason string              `json:"finish_reason,omitempty"`
	Usage        *conversation.Usage `json:"usage,omitempty"`
	Stopped      bool                `json:"stopped,omitempty"`
}

func NewFinishEvent(metadata EventMetadata, finishReason string, usage *conversation.Usage, stopped bool) *EventFinish {
	return &EventFinish{
		EventImpl:    EventImpl{Type_: EventTypeFinish, Metadata_: metadata},
		FinishReason: finishReason,
		Usage:        usage,
		Stopped:      stopped,
	}
}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
	}
}

type EventApproval struct {
	EventImpl
	ApprovalID string `json:"approval_id"`
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	// Input is the tool call's arguments as JSON.
	Input json.RawMessage `json:"input,omitempty"`
}

func NewApprovalEvent(metadata EventMetadata, approvalID string, part *conversation.ToolPart) *EventApproval {
	return &EventApproval{
		EventImpl:  EventImpl{Type_: EventTypeApproval, Metadata_: metadata},
		ApprovalID: approvalID,
		ToolCallID: part.ToolCallID,
		ToolName:   part.ToolName,
		Input:      part.Input,
	}
}

// EventToolResult reports one local tool execution.
type EventToolResult struct {
	EventImpl
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	DurationMs int64  `json:"duration_ms"`
	// ErrorString is empty when the tool succeeded.
	ErrorString string `json:"error_string,omitempty"`
}

func NewToolResultEvent(metadata EventMetadata, toolCallID, toolName string, duration time.Duration, err error) *EventToolResult {
	ret := &EventToolResult{
		EventImpl:  EventImpl{Type_: EventTypeToolResult, Metadata_: metadata},
		ToolCallID: toolCallID,
		ToolName:   toolName,
		DurationMs: duration.Milliseconds(),
	}
	if err != nil {
		ret.ErrorString = err.Error()
	}
	return ret
}

func ToTypedEvent[T any](e Event) (*T, bool) {
	var ret *T
	err := json.Unmarshal(e.Payload(), &ret)
	if err != nil {
		return nil, false
	}

	return ret, true
}

func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	err := json.Unmarshal(b, &e)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("empty event")
	}

	e.payload = b

	switch e.Type_ {
	case EventTypeStatus:
		ret, ok := ToTypedEvent[EventStatus](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventStatus")
		}
		ret.payload = b
		return ret, nil
	case EventTypeFragment:
		ret, ok := ToTypedEvent[EventFragment](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventFragment")
		}
		ret.payload = b
		return ret, nil
	case EventTypeFinish:
		ret, ok := ToTypedEvent[EventFinish](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventFinish")
		}
		ret.payload = b
		return ret, nil
	case EventTypeError:
		ret, ok := ToTypedEvent[EventError](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventError")
		}
		ret.payload = b
		return ret, nil
	case EventTypeApproval:
		ret, ok := ToTypedEvent[EventApproval](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventApproval")
		}
		ret.payload = b
		return ret, nil
	case EventTypeToolResult:
		ret, ok := ToTypedEvent[EventToolResult](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventToolResult")
		}
		ret.payload = b
		return ret, nil
	}

	return e, nil
}
