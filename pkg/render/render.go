package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/charmbracelet/glamour"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"
)

// Renderer prints the active path of a conversation as markdown.
type Renderer struct {
	WithMetadata bool
	Concise      bool
	// Styled renders the markdown for a terminal through glamour.
	Styled bool
	Style  string
	// Encoding is the tiktoken encoding used for token counts. Empty disables counting.
	Encoding    string
	RenameRoles map[string]string

	codec tokenizer.Codec
}

type TemplateData struct {
	ConversationID string
	Concise        bool
	WithMetadata   bool
	Messages       []MessageData
}

type MessageData struct {
	ID           string
	ParentID     string
	Role         string
	Status       string
	Error        string
	BranchNumber int
	BranchCount  int
	Tokens       int
	Parts        []string
	Metadata     map[string]interface{}
}

const conversationTemplate = `
{{- if .ConversationID }}# Conversation {{ .ConversationID }}

{{ end -}}
{{- range .Messages -}}
{{ template "message" (list $ .) }}
{{ end -}}
`

const messageTemplate = `
{{- $ := index . 0 -}}
{{- with (index . 1) -}}
{{- if $.Concise -}}
**{{ .Role }}**{{ if gt .BranchCount 1 }} ({{ .BranchNumber }}/{{ .BranchCount }}){{ end }}: {{ .Parts | join "\n" | trim }}
{{- else -}}
### {{ .Role | title }} ` + "`{{ .ID }}`" + `{{ if gt .BranchCount 1 }} - version {{ .BranchNumber }} of {{ .BranchCount }}{{ end }}
{{ if .Status }}
- **Status**: {{ .Status }}
{{- end }}
{{- if .Error }}
- **Error**: {{ .Error }}
{{- end }}
{{- if .Tokens }}
- **Tokens**: {{ .Tokens }}
{{- end }}
{{- if $.WithMetadata }}{{ range $key, $value := .Metadata }}
- **{{ $key }}**: {{ $value }}
{{- end }}{{ end }}

{{ range .Parts -}}
{{ . }}

{{ end -}}
---
{{- end -}}
{{- end -}}
`

func (r *Renderer) tokens(text string) (int, error) {
	if r.Encoding == "" || text == "" {
		return 0, nil
	}
	if r.codec == nil {
		c, err := tokenizer.Get(tokenizer.Encoding(r.Encoding))
		if err != nil {
			return 0, errors.Wrapf(err, "could not load tokenizer %s", r.Encoding)
		}
		r.codec = c
	}
	ids, _, err := r.codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (r *Renderer) role(role conversation.Role) string {
	if r.RenameRoles != nil {
		if renamed, ok := r.RenameRoles[string(role)]; ok {
			return renamed
		}
	}
	return string(role)
}

// PartText renders a single part as a markdown snippet.
func PartText(p conversation.Part) string {
	switch v := p.(type) {
	case *conversation.TextPart:
		return v.Text
	case *conversation.ReasoningPart:
		lines := strings.Split(strings.TrimSpace(v.Text), "\n")
		return "> " + strings.Join(lines, "\n> ")
	case *conversation.FilePart:
		name := v.Filename
		if name == "" {
			name = v.MediaType
		}
		if strings.HasPrefix(v.URL, "data:") {
			return fmt.Sprintf("[file: %s]", name)
		}
		return fmt.Sprintf("[file: %s](%s)", name, v.URL)
	case *conversation.SourcePart:
		title := v.Title
		if title == "" {
			title = v.URL
		}
		return fmt.Sprintf("[%s](%s)", title, v.URL)
	case *conversation.ToolPart:
		ret := fmt.Sprintf("`%s` tool call %s: %s", v.ToolName, v.ToolCallID, v.State)
		if len(v.Input) > 0 {
			ret += "\n\n    input: " + compactJSON(v.Input)
		} else if v.InputText != "" {
			ret += "\n\n    input so far: " + v.InputText
		}
		if len(v.Output) > 0 {
			ret += "\n\n    output: " + compactJSON(v.Output)
		}
		if v.ErrorText != "" {
			ret += "\n\n    error: " + v.ErrorText
		}
		if v.Approval != nil && v.Approval.Reason != "" {
			ret += "\n\n    reason: " + v.Approval.Reason
		}
		return ret
	}
	return ""
}

func compactJSON(b json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return string(b)
	}
	return buf.String()
}

func (r *Renderer) messageData(info conversation.BranchInfo) (MessageData, error) {
	m := info.Message
	ret := MessageData{
		ID:           string(m.ID),
		ParentID:     string(info.ParentID),
		Role:         r.role(m.Role),
		BranchNumber: info.BranchNumber,
		BranchCount:  info.BranchCount,
		Metadata:     m.Metadata,
	}
	ret.Status, _ = m.MetadataString(conversation.MetadataKeyStatus)
	ret.Error, _ = m.MetadataString(conversation.MetadataKeyError)
	for _, p := range m.Parts {
		if s := PartText(p); s != "" {
			ret.Parts = append(ret.Parts, s)
		}
	}
	tokens, err := r.tokens(m.Text())
	if err != nil {
		return MessageData{}, err
	}
	ret.Tokens = tokens
	return ret, nil
}

// Render writes the given active path, annotated with branch positions.
func (r *Renderer) Render(w io.Writer, conversationID string, path []conversation.BranchInfo) error {
	data := TemplateData{
		ConversationID: conversationID,
		Concise:        r.Concise,
		WithMetadata:   r.WithMetadata,
	}
	for _, info := range path {
		if info.Message == nil {
			continue
		}
		md, err := r.messageData(info)
		if err != nil {
			return err
		}
		data.Messages = append(data.Messages, md)
	}

	t, err := template.New("message").Funcs(sprig.TxtFuncMap()).Parse(messageTemplate)
	if err != nil {
		return err
	}
	t, err = t.New("conversation").Parse(conversationTemplate)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "conversation", data); err != nil {
		return err
	}

	out := buf.String()
	if r.Styled {
		style := r.Style
		if style == "" {
			style = "dark"
		}
		out, err = glamour.Render(out, style)
		if err != nil {
			return errors.Wrap(err, "could not style output")
		}
	}
	_, err = io.WriteString(w, out)
	return err
}
