package conversation

import (
	"encoding/json"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type PartType string

const (
	PartTypeText      PartType = "text"
	PartTypeReasoning PartType = "reasoning"
	PartTypeFile      PartType = "file"
	PartTypeSource    PartType = "source"
	PartTypeTool      PartType = "tool"
)

// Part is one typed segment of a message.
type Part interface {
	PartType() PartType
}

type PartState string

const (
	PartStateStreaming PartState = "streaming"
	PartStateDone      PartState = "done"
)

type TextPart struct {
	Text  string    `json:"text" yaml:"text"`
	State PartState `json:"state,omitempty" yaml:"state,omitempty"`
}

func (p *TextPart) PartType() PartType { return PartTypeText }

type ReasoningPart struct {
	Text  string    `json:"text" yaml:"text"`
	State PartState `json:"state,omitempty" yaml:"state,omitempty"`
}

func (p *ReasoningPart) PartType() PartType { return PartTypeReasoning }

type FilePart struct {
	MediaType string `json:"mediaType" yaml:"media_type"`
	Filename  string `json:"filename,omitempty" yaml:"filename,omitempty"`
	URL       string `json:"url" yaml:"url"`
}

func (p *FilePart) PartType() PartType { return PartTypeFile }

type SourcePart struct {
	SourceID string `json:"sourceId" yaml:"source_id"`
	URL      string `json:"url" yaml:"url"`
	Title    string `json:"title,omitempty" yaml:"title,omitempty"`
}

func (p *SourcePart) PartType() PartType { return PartTypeSource }

type ToolState string

const (
	ToolStateInputStreaming    ToolState = "input-streaming"
	ToolStateInputAvailable    ToolState = "input-available"
	ToolStateApprovalRequested ToolState = "approval-requested"
	ToolStateApprovalResponded ToolState = "approval-responded"
	ToolStateOutputAvailable   ToolState = "output-available"
	ToolStateOutputError       ToolState = "output-error"
	ToolStateOutputDenied      ToolState = "output-denied"
)

// IsTerminal reports whether no further transition is expected for the tool call.
func (s ToolState) IsTerminal() bool {
	switch s {
	case ToolStateOutputAvailable, ToolStateOutputError, ToolStateOutputDenied:
		return true
	case ToolStateInputStreaming, ToolStateInputAvailable, ToolStateApprovalRequested, ToolStateApprovalResponded:
		return false
	}
	return false
}

type ToolApproval struct {
	ID       string `json:"id" yaml:"id"`
	Approved *bool  `json:"approved,omitempty" yaml:"approved,omitempty"`
	Reason   string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

type ToolPart struct {
	ToolCallID string          `json:"toolCallId" yaml:"tool_call_id"`
	ToolName   string          `json:"toolName" yaml:"tool_name"`
	State      ToolState       `json:"state" yaml:"state"`
	// InputText is the raw argument text streamed so far, while State is input-streaming.
	InputText  string          `json:"inputText,omitempty" yaml:"input_text,omitempty"`
	Input      json.RawMessage `json:"input,omitempty" yaml:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty" yaml:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty" yaml:"error_text,omitempty"`
	Approval   *ToolApproval   `json:"approval,omitempty" yaml:"approval,omitempty"`
}

func (p *ToolPart) PartType() PartType { return PartTypeTool }

var (
	_ Part = (*TextPart)(nil)
	_ Part = (*ReasoningPart)(nil)
	_ Part = (*FilePart)(nil)
	_ Part = (*SourcePart)(nil)
	_ Part = (*ToolPart)(nil)
)

// The marshalers add the `type` discriminator next to the part's own fields.

func (p TextPart) MarshalJSON() ([]byte, error) {
	type alias TextPart
	return json.Marshal(struct {
		Type PartType `json:"type"`
		alias
	}{PartTypeText, alias(p)})
}

func (p TextPart) MarshalYAML() (interface{}, error) {
	type alias TextPart
	return struct {
		Type  PartType `yaml:"type"`
		alias `yaml:",inline"`
	}{PartTypeText, alias(p)}, nil
}

func (p ReasoningPart) MarshalJSON() ([]byte, error) {
	type alias ReasoningPart
	return json.Marshal(struct {
		Type PartType `json:"type"`
		alias
	}{PartTypeReasoning, alias(p)})
}

func (p ReasoningPart) MarshalYAML() (interface{}, error) {
	type alias ReasoningPart
	return struct {
		Type  PartType `yaml:"type"`
		alias `yaml:",inline"`
	}{PartTypeReasoning, alias(p)}, nil
}

func (p FilePart) MarshalJSON() ([]byte, error) {
	type alias FilePart
	return json.Marshal(struct {
		Type PartType `json:"type"`
		alias
	}{PartTypeFile, alias(p)})
}

func (p FilePart) MarshalYAML() (interface{}, error) {
	type alias FilePart
	return struct {
		Type  PartType `yaml:"type"`
		alias `yaml:",inline"`
	}{PartTypeFile, alias(p)}, nil
}

func (p SourcePart) MarshalJSON() ([]byte, error) {
	type alias SourcePart
	return json.Marshal(struct {
		Type PartType `json:"type"`
		alias
	}{PartTypeSource, alias(p)})
}

func (p SourcePart) MarshalYAML() (interface{}, error) {
	type alias SourcePart
	return struct {
		Type  PartType `yaml:"type"`
		alias `yaml:",inline"`
	}{PartTypeSource, alias(p)}, nil
}

func (p ToolPart) MarshalJSON() ([]byte, error) {
	type alias ToolPart
	return json.Marshal(struct {
		Type PartType `json:"type"`
		alias
	}{PartTypeTool, alias(p)})
}

// MarshalYAML renders input/output as strings since raw JSON has no YAML shape.
func (p ToolPart) MarshalYAML() (interface{}, error) {
	return yamlToolPart{
		Type:       PartTypeTool,
		ToolCallID: p.ToolCallID,
		ToolName:   p.ToolName,
		State:      p.State,
		InputText:  p.InputText,
		Input:      string(p.Input),
		Output:     string(p.Output),
		ErrorText:  p.ErrorText,
		Approval:   p.Approval,
	}, nil
}

type yamlToolPart struct {
	Type       PartType      `yaml:"type"`
	ToolCallID string        `yaml:"tool_call_id"`
	ToolName   string        `yaml:"tool_name"`
	State      ToolState     `yaml:"state"`
	InputText  string        `yaml:"input_text,omitempty"`
	Input      string        `yaml:"input,omitempty"`
	Output     string        `yaml:"output,omitempty"`
	ErrorText  string        `yaml:"error_text,omitempty"`
	Approval   *ToolApproval `yaml:"approval,omitempty"`
}

type partHeader struct {
	Type PartType `json:"type" yaml:"type"`
}

func newPart(t PartType) (Part, error) {
	switch t {
	case PartTypeText:
		return &TextPart{}, nil
	case PartTypeReasoning:
		return &ReasoningPart{}, nil
	case PartTypeFile:
		return &FilePart{}, nil
	case PartTypeSource:
		return &SourcePart{}, nil
	case PartTypeTool:
		return &ToolPart{}, nil
	}
	return nil, errors.Errorf("unknown part type %q", t)
}

// UnmarshalPart decodes a JSON part, dispatching on its `type` field.
func UnmarshalPart(data []byte) (Part, error) {
	var h partHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	p, err := newPart(h.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, err
	}
	return p, nil
}

func unmarshalYAMLPart(node *yaml.Node) (Part, error) {
	var h partHeader
	if err := node.Decode(&h); err != nil {
		return nil, err
	}
	if h.Type == PartTypeTool {
		var yp yamlToolPart
		if err := node.Decode(&yp); err != nil {
			return nil, err
		}
		tp := &ToolPart{
			ToolCallID: yp.ToolCallID,
			ToolName:   yp.ToolName,
			State:      yp.State,
			InputText:  yp.InputText,
			ErrorText:  yp.ErrorText,
			Approval:   yp.Approval,
		}
		if yp.Input != "" {
			tp.Input = json.RawMessage(yp.Input)
		}
		if yp.Output != "" {
			tp.Output = json.RawMessage(yp.Output)
		}
		return tp, nil
	}
	p, err := newPart(h.Type)
	if err != nil {
		return nil, err
	}
	if err := node.Decode(p); err != nil {
		return nil, err
	}
	return p, nil
}

// UnmarshalYAML mirrors UnmarshalJSON for fixture and snapshot files.
func (m *Message) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ID       NodeID                 `yaml:"id"`
		Role     Role                   `yaml:"role"`
		Text     string                 `yaml:"text"`
		Parts    []yaml.Node            `yaml:"parts"`
		Metadata map[string]interface{} `yaml:"metadata"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parts := make([]Part, 0, len(raw.Parts)+1)
	// `text:` is a shorthand for a single finished text part
	if raw.Text != "" {
		parts = append(parts, &TextPart{Text: raw.Text, State: PartStateDone})
	}
	for i := range raw.Parts {
		p, err := unmarshalYAMLPart(&raw.Parts[i])
		if err != nil {
			return errors.Wrapf(err, "message %s part %d", raw.ID, i)
		}
		parts = append(parts, p)
	}
	m.ID = raw.ID
	m.Role = raw.Role
	m.Parts = parts
	m.Metadata = raw.Metadata
	return nil
}
