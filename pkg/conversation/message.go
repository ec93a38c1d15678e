package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// NodeID identifies a message inside a conversation tree.
//
// The zero value is the identity of the sentinel root.
type NodeID string

// RootID is the identity of the implicit root every conversation hangs from.
const RootID NodeID = ""

func (id NodeID) String() string {
	if id == RootID {
		return "<root>"
	}
	return string(id)
}

func (id NodeID) IsRoot() bool {
	return id == RootID
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
	RoleTool      Role = "tool"
)

// Metadata keys the core reads or writes on Message.Metadata.
const (
	MetadataKeySequence  = "sequence"
	MetadataKeyParentID  = "parentId"
	MetadataKeyCreatedAt = "createdAt"
	MetadataKeyUsage     = "usage"
	MetadataKeyError     = "error"
	MetadataKeyStatus    = "status"
)

// Message status values stored under MetadataKeyStatus.
const (
	MessageStatusComplete   = "complete"
	MessageStatusIncomplete = "incomplete"
	MessageStatusFailed     = "failed"
)

// Usage represents token usage reported at the end of a generation.
type Usage struct {
	InputTokens  int `json:"inputTokens" yaml:"input_tokens"`
	OutputTokens int `json:"outputTokens" yaml:"output_tokens"`
	CachedTokens int `json:"cachedTokens,omitempty" yaml:"cached_tokens,omitempty"`
}

// Message is the payload stored in each node of the tree. It is replaced wholesale on update.
type Message struct {
	ID       NodeID                 `json:"id" yaml:"id"`
	Role     Role                   `json:"role" yaml:"role"`
	Parts    []Part                 `json:"parts" yaml:"parts"`
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type MessageOption func(*Message)

func WithID(id NodeID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithMetadata(metadata map[string]interface{}) MessageOption {
	return func(m *Message) {
		m.Metadata = metadata
	}
}

func WithParts(parts ...Part) MessageOption {
	return func(m *Message) {
		m.Parts = append(m.Parts, parts...)
	}
}

func WithCreatedAt(t time.Time) MessageOption {
	return func(m *Message) {
		m.SetMetadata(MetadataKeyCreatedAt, t.UTC().Format(time.RFC3339Nano))
	}
}

func NewMessage(role Role, options ...MessageOption) *Message {
	ret := &Message{
		Role: role,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// NewTextMessage creates a message with a single finished text part.
func NewTextMessage(role Role, text string, options ...MessageOption) *Message {
	options = append([]MessageOption{WithParts(&TextPart{Text: text, State: PartStateDone})}, options...)
	return NewMessage(role, options...)
}

func (m *Message) SetMetadata(key string, value interface{}) {
	if m.Metadata == nil {
		m.Metadata = map[string]interface{}{}
	}
	m.Metadata[key] = value
}

func (m *Message) MetadataString(key string) (string, bool) {
	if m == nil || m.Metadata == nil {
		return "", false
	}
	s, ok := m.Metadata[key].(string)
	return s, ok
}

// Sequence returns the sequence number carried in the metadata, if any.
// Numbers decoded from JSON arrive as float64, from YAML as int.
func (m *Message) Sequence() (int64, bool) {
	if m == nil || m.Metadata == nil {
		return 0, false
	}
	switch v := m.Metadata[MetadataKeySequence].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	}
	return 0, false
}

// ParentIDFromMetadata returns the explicit lineage carried in metadata.
// A present but empty value means "attach at root".
func (m *Message) ParentIDFromMetadata() (NodeID, bool) {
	if m == nil || m.Metadata == nil {
		return RootID, false
	}
	v, ok := m.Metadata[MetadataKeyParentID]
	if !ok {
		return RootID, false
	}
	switch p := v.(type) {
	case nil:
		return RootID, true
	case string:
		return NodeID(p), true
	case NodeID:
		return p, true
	}
	return RootID, false
}

// Text concatenates all text parts.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(*TextPart); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

// ToolPart returns the tool part with the given call id.
func (m *Message) ToolPart(toolCallID string) (*ToolPart, bool) {
	if m == nil {
		return nil, false
	}
	for _, p := range m.Parts {
		if t, ok := p.(*ToolPart); ok && t.ToolCallID == toolCallID {
			return t, true
		}
	}
	return nil, false
}

func (m *Message) String() string {
	return fmt.Sprintf("[%s %s]: %s", m.Role, m.ID, strings.TrimRight(m.Text(), "\n"))
}

func (m *Message) MarshalZerologObject(e *zerolog.Event) {
	e.Str("id", string(m.ID))
	e.Str("role", string(m.Role))
	e.Int("parts", len(m.Parts))
	if seq, ok := m.Sequence(); ok {
		e.Int64("sequence", seq)
	}
}

var _ zerolog.LogObjectMarshaler = (*Message)(nil)

// Intermediate representation for unmarshaling.
type messageAlias struct {
	ID       NodeID                 `json:"id"`
	Role     Role                   `json:"role"`
	Parts    []json.RawMessage      `json:"parts"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var ma messageAlias
	if err := json.Unmarshal(data, &ma); err != nil {
		return err
	}
	parts := make([]Part, 0, len(ma.Parts))
	for i, raw := range ma.Parts {
		p, err := UnmarshalPart(raw)
		if err != nil {
			return errors.Wrapf(err, "message %s part %d", ma.ID, i)
		}
		parts = append(parts, p)
	}
	m.ID = ma.ID
	m.Role = ma.Role
	m.Parts = parts
	m.Metadata = ma.Metadata
	return nil
}

// Conversation is a linear sequence of messages, typically the active path.
type Conversation []*Message

func (c Conversation) IDs() []NodeID {
	ret := make([]NodeID, 0, len(c))
	for _, m := range c {
		ret = append(ret, m.ID)
	}
	return ret
}

// Last returns the last message with the given role, or nil.
func (c Conversation) Last(role Role) *Message {
	for i := len(c) - 1; i >= 0; i-- {
		if c[i].Role == role {
			return c[i]
		}
	}
	return nil
}
