package session

import (
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const MetadataKeyFinishReason = "finishReason"

// Assembler rebuilds the streaming assistant message from part fragments.
//
// Text and reasoning parts are addressed by the id of their start fragment, tool parts by tool
// call id. The message is mutated in place; callers hand copies to the tree.
type Assembler struct {
	message *conversation.Message

	texts      map[string]*conversation.TextPart
	reasonings map[string]*conversation.ReasoningPart

	finishReason string
	usage        *conversation.Usage
}

func NewAssembler(msg *conversation.Message) *Assembler {
	a := &Assembler{}
	a.Reset(msg)
	return a
}

// Reset replaces the working message, e.g. when the backend sent the complete message.
func (a *Assembler) Reset(msg *conversation.Message) {
	a.message = msg
	a.texts = map[string]*conversation.TextPart{}
	a.reasonings = map[string]*conversation.ReasoningPart{}
}

// BeginStep starts another step of the same message. Text and reasoning parts streamed afterwards
// are appended even when the backend reuses part ids.
func (a *Assembler) BeginStep() {
	a.texts = map[string]*conversation.TextPart{}
	a.reasonings = map[string]*conversation.ReasoningPart{}
}

func (a *Assembler) Message() *conversation.Message {
	return a.message
}

func (a *Assembler) FinishReason() string {
	return a.finishReason
}

func (a *Assembler) Usage() *conversation.Usage {
	return a.usage
}

func (a *Assembler) text(id string) *conversation.TextPart {
	if p, ok := a.texts[id]; ok {
		return p
	}
	p := &conversation.TextPart{State: conversation.PartStateStreaming}
	a.texts[id] = p
	a.message.Parts = append(a.message.Parts, p)
	return p
}

func (a *Assembler) reasoning(id string) *conversation.ReasoningPart {
	if p, ok := a.reasonings[id]; ok {
		return p
	}
	p := &conversation.ReasoningPart{State: conversation.PartStateStreaming}
	a.reasonings[id] = p
	a.message.Parts = append(a.message.Parts, p)
	return p
}

func (a *Assembler) tool(toolCallID string, toolName string) *conversation.ToolPart {
	if p, ok := a.message.ToolPart(toolCallID); ok {
		if toolName != "" {
			p.ToolName = toolName
		}
		return p
	}
	p := &conversation.ToolPart{
		ToolCallID: toolCallID,
		ToolName:   toolName,
		State:      conversation.ToolStateInputStreaming,
	}
	a.message.Parts = append(a.message.Parts, p)
	return p
}

func (a *Assembler) mergeMetadata(md map[string]interface{}) bool {
	for k, v := range md {
		a.message.SetMetadata(k, v)
	}
	return len(md) > 0
}

// Add applies one fragment and reports whether the message changed. Fragments that don't concern
// message parts are ignored.
func (a *Assembler) Add(f events.Fragment) (bool, error) {
	switch v := f.(type) {
	case *events.FragmentStart:
		return a.mergeMetadata(v.MessageMetadata), nil

	case *events.FragmentImpl:
		if v.Type() == events.FragmentTypeStartStep {
			a.BeginStep()
		}
		return false, nil

	case *events.FragmentPartBoundary:
		switch v.Type() {
		case events.FragmentTypeTextStart:
			a.text(v.ID)
		case events.FragmentTypeTextEnd:
			a.text(v.ID).State = conversation.PartStateDone
		case events.FragmentTypeReasoningStart:
			a.reasoning(v.ID)
		case events.FragmentTypeReasoningEnd:
			a.reasoning(v.ID).State = conversation.PartStateDone
		default:
			return false, nil
		}
		return true, nil

	case *events.FragmentPartDelta:
		switch v.Type() {
		case events.FragmentTypeTextDelta:
			a.text(v.ID).Text += v.Delta
		case events.FragmentTypeReasoningDelta:
			a.reasoning(v.ID).Text += v.Delta
		default:
			return false, nil
		}
		return true, nil

	case *events.FragmentToolInputStart:
		a.tool(v.ToolCallID, v.ToolName)
		return true, nil

	case *events.FragmentToolInputDelta:
		p := a.tool(v.ToolCallID, "")
		if p.State != conversation.ToolStateInputStreaming || v.InputTextDelta == "" {
			return false, nil
		}
		p.InputText += v.InputTextDelta
		return true, nil

	case *events.FragmentToolInputAvailable:
		p := a.tool(v.ToolCallID, v.ToolName)
		p.Input = v.Input
		p.State = conversation.ToolStateInputAvailable
		p.InputText = ""
		return true, nil

	case *events.FragmentToolApprovalRequest:
		p, ok := a.message.ToolPart(v.ToolCallID)
		if !ok {
			return false, errors.Errorf("approval requested for unknown tool call %s", v.ToolCallID)
		}
		p.State = conversation.ToolStateApprovalRequested
		p.Approval = &conversation.ToolApproval{ID: v.ApprovalID}
		return true, nil

	case *events.FragmentToolOutputAvailable:
		p := a.tool(v.ToolCallID, "")
		p.Output = v.Output
		p.State = conversation.ToolStateOutputAvailable
		return true, nil

	case *events.FragmentToolOutputError:
		p := a.tool(v.ToolCallID, "")
		p.ErrorText = v.ErrorText
		p.State = conversation.ToolStateOutputError
		return true, nil

	case *events.FragmentToolOutputDenied:
		p := a.tool(v.ToolCallID, "")
		p.State = conversation.ToolStateOutputDenied
		return true, nil

	case *events.FragmentSourceURL:
		a.message.Parts = append(a.message.Parts, &conversation.SourcePart{
			SourceID: v.SourceID,
			URL:      v.URL,
			Title:    v.Title,
		})
		return true, nil

	case *events.FragmentFile:
		a.message.Parts = append(a.message.Parts, &conversation.FilePart{
			MediaType: v.MediaType,
			URL:       v.URL,
		})
		return true, nil

	case *events.FragmentMessageMetadata:
		return a.mergeMetadata(v.MessageMetadata), nil

	case *events.FragmentFinish:
		a.mergeMetadata(v.MessageMetadata)
		if v.FinishReason != "" {
			a.finishReason = v.FinishReason
			a.message.SetMetadata(MetadataKeyFinishReason, v.FinishReason)
		}
		if v.Usage != nil {
			a.usage = v.Usage
			a.message.SetMetadata(conversation.MetadataKeyUsage, *v.Usage)
		}
		a.closeParts()
		return true, nil
	}

	log.Trace().Str("fragment_type", string(f.Type())).Msg("fragment does not touch message parts")
	return false, nil
}

// closeParts marks all streaming text and reasoning parts as done.
func (a *Assembler) closeParts() {
	for _, p := range a.message.Parts {
		switch v := p.(type) {
		case *conversation.TextPart:
			v.State = conversation.PartStateDone
		case *conversation.ReasoningPart:
			v.State = conversation.PartStateDone
		}
	}
}
