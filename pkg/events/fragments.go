package events

import (
	"encoding/json"
	"strings"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// FragmentType names one kind of chunk in the UI message stream.
type FragmentType string

const (
	FragmentTypeStart           FragmentType = "start"
	FragmentTypeStartStep       FragmentType = "start-step"
	FragmentTypeFinishStep      FragmentType = "finish-step"
	FragmentTypeFinish          FragmentType = "finish"
	FragmentTypeError           FragmentType = "error"
	FragmentTypeAbort           FragmentType = "abort"
	FragmentTypeMessageMetadata FragmentType = "message-metadata"
	// FragmentTypeMessage carries a complete message, e.g. the persisted user message echoed back.
	FragmentTypeMessage FragmentType = "message"

	FragmentTypeTextStart      FragmentType = "text-start"
	FragmentTypeTextDelta      FragmentType = "text-delta"
	FragmentTypeTextEnd        FragmentType = "text-end"
	FragmentTypeReasoningStart FragmentType = "reasoning-start"
	FragmentTypeReasoningDelta FragmentType = "reasoning-delta"
	FragmentTypeReasoningEnd   FragmentType = "reasoning-end"

	FragmentTypeToolInputStart      FragmentType = "tool-input-start"
	FragmentTypeToolInputDelta      FragmentType = "tool-input-delta"
	FragmentTypeToolInputAvailable  FragmentType = "tool-input-available"
	FragmentTypeToolApprovalRequest FragmentType = "tool-approval-request"
	FragmentTypeToolOutputAvailable FragmentType = "tool-output-available"
	FragmentTypeToolOutputError     FragmentType = "tool-output-error"
	FragmentTypeToolOutputDenied    FragmentType = "tool-output-denied"

	FragmentTypeSourceURL FragmentType = "source-url"
	FragmentTypeFile      FragmentType = "file"
)

// Named data fragments are typed "data-<name>".
const DataFragmentPrefix = "data-"

const (
	DataConversationID FragmentType = "data-conversation-id"
	DataMessageID      FragmentType = "data-message-id"
)

func (t FragmentType) IsData() bool {
	return strings.HasPrefix(string(t), DataFragmentPrefix)
}

// Fragment is one decoded unit of a stream.
type Fragment interface {
	Type() FragmentType
	Payload() []byte
}

type FragmentImpl struct {
	Type_ FragmentType `json:"type"`

	// raw JSON if the fragment was decoded by NewFragmentFromJSON
	payload []byte
}

func (f *FragmentImpl) Type() FragmentType {
	return f.Type_
}

func (f *FragmentImpl) Payload() []byte {
	return f.payload
}

func (f *FragmentImpl) SetPayload(b []byte) {
	f.payload = b
}

func (f *FragmentImpl) MarshalZerologObject(e *zerolog.Event) {
	e.Str("type", string(f.Type_))
}

var _ Fragment = &FragmentImpl{}

type FragmentStart struct {
	FragmentImpl
	MessageID       string                 `json:"messageId,omitempty"`
	MessageMetadata map[string]interface{} `json:"messageMetadata,omitempty"`
}

func NewStartFragment(messageID string) *FragmentStart {
	return &FragmentStart{
		FragmentImpl: FragmentImpl{Type_: FragmentTypeStart},
		MessageID:    messageID,
	}
}

// FragmentPartBoundary opens or closes a text or reasoning part.
type FragmentPartBoundary struct {
	FragmentImpl
	ID string `json:"id"`
}

func NewPartBoundaryFragment(t FragmentType, id string) *FragmentPartBoundary {
	return &FragmentPartBoundary{
		FragmentImpl: FragmentImpl{Type_: t},
		ID:           id,
	}
}

// FragmentPartDelta appends to a text or reasoning part.
type FragmentPartDelta struct {
	FragmentImpl
	ID    string `json:"id"`
	Delta string `json:"delta"`
}

func NewTextDeltaFragment(id string, delta string) *FragmentPartDelta {
	return &FragmentPartDelta{
		FragmentImpl: FragmentImpl{Type_: FragmentTypeTextDelta},
		ID:           id,
		Delta:        delta,
	}
}

func NewReasoningDeltaFragment(id string, delta string) *FragmentPartDelta {
	return &FragmentPartDelta{
		FragmentImpl: FragmentImpl{Type_: FragmentTypeReasoningDelta},
		ID:           id,
		Delta:        delta,
	}
}

type FragmentToolInputStart struct {
	FragmentImpl
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
}

func NewToolInputStartFragment(toolCallID, toolName string) *FragmentToolInputStart {
	return &FragmentToolInputStart{
		FragmentImpl: FragmentImpl{Type_: FragmentTypeToolInputStart},
		ToolCallID:   toolCallID,
		ToolName:     toolName,
	}
}

type FragmentToolInputDelta struct {
	FragmentImpl
	ToolCallID     string `json:"toolCallId"`
	InputTextDelta string `json:"inputTextDelta"`
}

func NewToolInputDeltaFragment(toolCallID, delta string) *FragmentToolInputDelta {
	return &FragmentToolInputDelta{
		FragmentImpl:   FragmentImpl{Type_: FragmentTypeToolInputDelta},
		ToolCallID:     toolCallID,
		InputTextDelta: delta,
	}
}

type FragmentToolInputAvailable struct {
	FragmentImpl
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input,omitempty"`
}

func NewToolInputAvailableFragment(toolCallID, toolName string, input json.RawMessage) *FragmentToolInputAvailable {
	return &FragmentToolInputAvailable{
		FragmentImpl: FragmentImpl{Type_: FragmentTypeToolInputAvailable},
		ToolCallID:   toolCallID,
		ToolName:     toolName,
		Input:        input,
	}
}

type FragmentToolApprovalRequest struct {
	FragmentImpl
	ApprovalID string `json:"approvalId"`
	ToolCallID string `json:"toolCallId"`
}

func NewToolApprovalRequestFragment(approvalID, toolCallID string) *FragmentToolApprovalRequest {
	return &FragmentToolApprovalRequest{
		FragmentImpl: FragmentImpl{Type_: FragmentTypeToolApprovalRequest},
		ApprovalID:   approvalID,
		ToolCallID:   toolCallID,
	}
}

type FragmentToolOutputAvailable struct {
	FragmentImpl
	ToolCallID string          `json:"toolCallId"`
	Output     json.RawMessage `json:"output,omitempty"`
}

func NewToolOutputAvailableFragment(toolCallID string, output json.RawMessage) *FragmentToolOutputAvailable {
	return &FragmentToolOutputAvailable{
		FragmentImpl: FragmentImpl{Type_: FragmentTypeToolOutputAvailable},
		ToolCallID:   toolCallID,
		Output:       output,
	}
}

type FragmentToolOutputError struct {
	FragmentImpl
	ToolCallID string `json:"toolCallId"`
	ErrorText  string `json:"errorText"`
}

func NewToolOutputErrorFragment(toolCallID, errorText string) *FragmentToolOutputError {
	return &FragmentToolOutputError{
		FragmentImpl: FragmentImpl{Type_: FragmentTypeToolOutputError},
		ToolCallID:   toolCallID,
		ErrorText:    errorText,
	}
}

type FragmentToolOutputDenied struct {
	FragmentImpl
	ToolCallID string `json:"toolCallId"`
}

type FragmentSourceURL struct {
	FragmentImpl
	SourceID string `json:"sourceId"`
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
}

type FragmentFile struct {
	FragmentImpl
	URL       string `json:"url"`
	MediaType string `json:"mediaType"`
}

type FragmentMessageMetadata struct {
	FragmentImpl
	MessageMetadata map[string]interface{} `json:"messageMetadata"`
}

type FragmentMessage struct {
	FragmentImpl
	Message *conversation.Message `json:"message"`
}

func NewMessageFragment(msg *conversation.Message) *FragmentMessage {
	return &FragmentMessage{
		FragmentImpl: FragmentImpl{Type_: FragmentTypeMessage},
		Message:      msg,
	}
}

// FragmentData is a named data event. Decoded is filled when a codec is registered for its type.
type FragmentData struct {
	FragmentImpl
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data"`
	Transient bool            `json:"transient,omitempty"`

	Decoded interface{} `json:"-"`
}

func (f *FragmentData) Name() string {
	return strings.TrimPrefix(string(f.Type_), DataFragmentPrefix)
}

// StringData returns the data payload as a string, for events like data-message-id.
func (f *FragmentData) StringData() (string, bool) {
	if s, ok := f.Decoded.(string); ok {
		return s, true
	}
	var s string
	if err := json.Unmarshal(f.Data, &s); err != nil {
		return "", false
	}
	return s, true
}

func NewDataFragment(t FragmentType, data interface{}) (*FragmentData, error) {
	if !t.IsData() {
		return nil, errors.Errorf("%s is not a data fragment type", t)
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &FragmentData{
		FragmentImpl: FragmentImpl{Type_: t},
		Data:         b,
		Decoded:      data,
	}, nil
}

type FragmentFinish struct {
	FragmentImpl
	FinishReason    string                 `json:"finishReason,omitempty"`
	MessageMetadata map[string]interface{} `json:"messageMetadata,omitempty"`
	Usage           *conversation.Usage    `json:"usage,omitempty"`
}

func NewFinishFragment(finishReason string, usage *conversation.Usage) *FragmentFinish {
	return &FragmentFinish{
		FragmentImpl: FragmentImpl{Type_: FragmentTypeFinish},
		FinishReason: finishReason,
		Usage:        usage,
	}
}

type FragmentError struct {
	FragmentImpl
	ErrorText string `json:"errorText"`
}

func NewErrorFragment(errorText string) *FragmentError {
	return &FragmentError{
		FragmentImpl: FragmentImpl{Type_: FragmentTypeError},
		ErrorText:    errorText,
	}
}

func NewSimpleFragment(t FragmentType) *FragmentImpl {
	return &FragmentImpl{Type_: t}
}

type payloadSetter interface {
	SetPayload([]byte)
}

func decodeFragment[T any, PT interface {
	*T
	Fragment
}](b []byte) (Fragment, error) {
	var ret PT = new(T)
	if err := json.Unmarshal(b, ret); err != nil {
		return nil, err
	}
	if s, ok := Fragment(ret).(payloadSetter); ok {
		s.SetPayload(b)
	}
	return ret, nil
}

// NewFragmentFromJSON decodes one fragment. Unknown non-data types decode to a bare *FragmentImpl
// so newer servers don't break older clients.
func NewFragmentFromJSON(b []byte) (Fragment, error) {
	var hdr struct {
		Type FragmentType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, errors.Wrap(err, "could not decode fragment header")
	}
	if hdr.Type == "" {
		return nil, errors.New("fragment has no type")
	}

	switch hdr.Type {
	case FragmentTypeStart:
		return decodeFragment[FragmentStart](b)
	case FragmentTypeTextStart, FragmentTypeTextEnd, FragmentTypeReasoningStart, FragmentTypeReasoningEnd:
		return decodeFragment[FragmentPartBoundary](b)
	case FragmentTypeTextDelta, FragmentTypeReasoningDelta:
		return decodeFragment[FragmentPartDelta](b)
	case FragmentTypeToolInputStart:
		return decodeFragment[FragmentToolInputStart](b)
	case FragmentTypeToolInputDelta:
		return decodeFragment[FragmentToolInputDelta](b)
	case FragmentTypeToolInputAvailable:
		return decodeFragment[FragmentToolInputAvailable](b)
	case FragmentTypeToolApprovalRequest:
		return decodeFragment[FragmentToolApprovalRequest](b)
	case FragmentTypeToolOutputAvailable:
		return decodeFragment[FragmentToolOutputAvailable](b)
	case FragmentTypeToolOutputError:
		return decodeFragment[FragmentToolOutputError](b)
	case FragmentTypeToolOutputDenied:
		return decodeFragment[FragmentToolOutputDenied](b)
	case FragmentTypeSourceURL:
		return decodeFragment[FragmentSourceURL](b)
	case FragmentTypeFile:
		return decodeFragment[FragmentFile](b)
	case FragmentTypeMessageMetadata:
		return decodeFragment[FragmentMessageMetadata](b)
	case FragmentTypeMessage:
		return decodeFragment[FragmentMessage](b)
	case FragmentTypeFinish:
		return decodeFragment[FragmentFinish](b)
	case FragmentTypeError:
		return decodeFragment[FragmentError](b)
	case FragmentTypeStartStep, FragmentTypeFinishStep, FragmentTypeAbort:
		return decodeFragment[FragmentImpl](b)
	}

	if hdr.Type.IsData() {
		f, err := decodeFragment[FragmentData](b)
		if err != nil {
			return nil, err
		}
		data := f.(*FragmentData)
		if dec := lookupDataCodec(hdr.Type); dec != nil {
			v, err := dec(data.Data)
			if err != nil {
				return nil, errors.Wrapf(err, "could not decode %s", hdr.Type)
			}
			data.Decoded = v
		}
		return data, nil
	}

	return decodeFragment[FragmentImpl](b)
}
