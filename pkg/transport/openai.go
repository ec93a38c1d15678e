package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// OpenAITransport talks to a chat completion API directly and translates its stream into
// fragments, for running without a chat backend.
type OpenAITransport struct {
	client      *go_openai.Client
	model       string
	temperature float32
	maxTokens   int
	tools       []go_openai.Tool
}

type OpenAIOption func(*OpenAITransport)

func WithTemperature(t float32) OpenAIOption {
	return func(o *OpenAITransport) {
		o.temperature = t
	}
}

func WithMaxTokens(n int) OpenAIOption {
	return func(o *OpenAITransport) {
		o.maxTokens = n
	}
}

func WithTools(tools ...go_openai.Tool) OpenAIOption {
	return func(o *OpenAITransport) {
		o.tools = append(o.tools, tools...)
	}
}

func NewOpenAITransport(client *go_openai.Client, model string, options ...OpenAIOption) *OpenAITransport {
	ret := &OpenAITransport{
		client: client,
		model:  model,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (o *OpenAITransport) Send(ctx context.Context, req *SendRequest) (FragmentStream, error) {
	ccr := go_openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    ToOpenAIMessages(req.Messages),
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
		Stream:      true,
	}
	if len(o.tools) > 0 {
		ccr.Tools = o.tools
		ccr.ToolChoice = "auto"
	}

	log.Debug().
		Str("model", o.model).
		Int("messages", len(ccr.Messages)).
		Int("tools", len(ccr.Tools)).
		Msg("OpenAI starting chat completion stream")

	stream, err := o.client.CreateChatCompletionStream(ctx, ccr)
	if err != nil {
		return nil, errors.Wrap(err, "could not start chat completion stream")
	}

	return &openAIStream{
		ctx:    ctx,
		stream: stream,
		merger: NewToolCallMerger(),
	}, nil
}

var _ Transport = (*OpenAITransport)(nil)

// ToOpenAIMessages flattens a message path into chat completion messages. Tool results become
// separate tool messages following the assistant message that requested them.
func ToOpenAIMessages(msgs []*conversation.Message) []go_openai.ChatCompletionMessage {
	ret := make([]go_openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case conversation.RoleAssistant:
			msg := go_openai.ChatCompletionMessage{
				Role:    go_openai.ChatMessageRoleAssistant,
				Content: m.Text(),
			}
			var results []go_openai.ChatCompletionMessage
			for _, p := range m.Parts {
				tp, ok := p.(*conversation.ToolPart)
				if !ok {
					continue
				}
				args := string(tp.Input)
				if args == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, go_openai.ToolCall{
					ID:   tp.ToolCallID,
					Type: go_openai.ToolTypeFunction,
					Function: go_openai.FunctionCall{
						Name:      tp.ToolName,
						Arguments: args,
					},
				})
				if content, ok := toolResultContent(tp); ok {
					results = append(results, go_openai.ChatCompletionMessage{
						Role:       go_openai.ChatMessageRoleTool,
						Content:    content,
						ToolCallID: tp.ToolCallID,
					})
				}
			}
			ret = append(ret, msg)
			ret = append(ret, results...)

		case conversation.RoleSystem:
			ret = append(ret, go_openai.ChatCompletionMessage{
				Role:    go_openai.ChatMessageRoleSystem,
				Content: m.Text(),
			})

		case conversation.RoleUser, conversation.RoleTool:
			ret = append(ret, userMessage(m))
		}
	}
	return ret
}

func userMessage(m *conversation.Message) go_openai.ChatCompletionMessage {
	text := m.Text()
	var images []go_openai.ChatMessagePart
	for _, p := range m.Parts {
		fp, ok := p.(*conversation.FilePart)
		if !ok {
			continue
		}
		if strings.HasPrefix(fp.MediaType, "image/") {
			images = append(images, go_openai.ChatMessagePart{
				Type: go_openai.ChatMessagePartTypeImageURL,
				ImageURL: &go_openai.ChatMessageImageURL{
					URL:    fp.URL,
					Detail: go_openai.ImageURLDetailAuto,
				},
			})
			continue
		}
		text += fmt.Sprintf("\n[attachment %s (%s): %s]", fp.Filename, fp.MediaType, fp.URL)
	}

	if len(images) == 0 {
		return go_openai.ChatCompletionMessage{Role: go_openai.ChatMessageRoleUser, Content: text}
	}
	parts := []go_openai.ChatMessagePart{{Type: go_openai.ChatMessagePartTypeText, Text: text}}
	return go_openai.ChatCompletionMessage{
		Role:         go_openai.ChatMessageRoleUser,
		MultiContent: append(parts, images...),
	}
}

func toolResultContent(tp *conversation.ToolPart) (string, bool) {
	switch tp.State {
	case conversation.ToolStateOutputAvailable:
		return string(tp.Output), true
	case conversation.ToolStateOutputError:
		return "error: " + tp.ErrorText, true
	case conversation.ToolStateOutputDenied:
		reason := "the user denied this tool call"
		if tp.Approval != nil && tp.Approval.Reason != "" {
			reason += ": " + tp.Approval.Reason
		}
		return reason, true
	case conversation.ToolStateInputStreaming,
		conversation.ToolStateInputAvailable,
		conversation.ToolStateApprovalRequested,
		conversation.ToolStateApprovalResponded:
	}
	return "", false
}

const openAITextPartID = "text-0"

type openAIStream struct {
	ctx    context.Context
	stream *go_openai.ChatCompletionStream
	merger *ToolCallMerger

	pending      []events.Fragment
	started      bool
	textOpen     bool
	finished     bool
	finishReason go_openai.FinishReason
	chunkCount   int
}

func (s *openAIStream) Recv() (events.Fragment, error) {
	for len(s.pending) == 0 {
		if s.finished {
			return nil, io.EOF
		}
		if err := s.fill(); err != nil {
			return nil, err
		}
	}
	f := s.pending[0]
	s.pending = s.pending[1:]
	return f, nil
}

// fill reads one chunk from the upstream stream and queues the fragments it produces.
func (s *openAIStream) fill() error {
	if !s.started {
		s.started = true
		s.pending = append(s.pending, events.NewStartFragment(""))
		return nil
	}

	select {
	case <-s.ctx.Done():
		log.Debug().Msg("OpenAI streaming cancelled by context")
		return s.ctx.Err()
	default:
	}

	response, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		log.Debug().Int("chunks_received", s.chunkCount).Msg("OpenAI stream completed")
		s.complete()
		return nil
	}
	if err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.Error().Err(err).Int("chunks_received", s.chunkCount).Msg("OpenAI stream receive failed")
		return err
	}
	s.chunkCount++

	if len(response.Choices) == 0 {
		return nil
	}
	choice := response.Choices[0]
	if delta := choice.Delta.Content; delta != "" {
		if !s.textOpen {
			s.textOpen = true
			s.pending = append(s.pending, events.NewPartBoundaryFragment(events.FragmentTypeTextStart, openAITextPartID))
		}
		s.pending = append(s.pending, events.NewTextDeltaFragment(openAITextPartID, delta))
	}
	if len(choice.Delta.ToolCalls) > 0 {
		s.merger.AddToolCalls(choice.Delta.ToolCalls)
	}
	if choice.FinishReason != "" {
		s.finishReason = choice.FinishReason
	}
	return nil
}

func (s *openAIStream) complete() {
	s.finished = true
	if s.textOpen {
		s.textOpen = false
		s.pending = append(s.pending, events.NewPartBoundaryFragment(events.FragmentTypeTextEnd, openAITextPartID))
	}
	for _, call := range s.merger.GetToolCalls() {
		input := json.RawMessage(call.Function.Arguments)
		if !json.Valid(input) {
			b, _ := json.Marshal(call.Function.Arguments)
			input = b
		}
		s.pending = append(s.pending, events.NewToolInputAvailableFragment(call.ID, call.Function.Name, input))
	}
	s.pending = append(s.pending, events.NewFinishFragment(finishReason(s.finishReason), nil))
}

func finishReason(r go_openai.FinishReason) string {
	switch r {
	case go_openai.FinishReasonToolCalls, go_openai.FinishReasonFunctionCall:
		return "tool-calls"
	case go_openai.FinishReasonContentFilter:
		return "content-filter"
	case go_openai.FinishReasonStop, go_openai.FinishReasonLength:
		return string(r)
	}
	if r == "" {
		return "stop"
	}
	return string(r)
}

func (s *openAIStream) Close() error {
	s.finished = true
	s.stream.Close()
	return nil
}

// ToolCallMerger accumulates streamed tool call deltas by index.
type ToolCallMerger struct {
	toolCalls map[int]go_openai.ToolCall
}

func NewToolCallMerger() *ToolCallMerger {
	return &ToolCallMerger{
		toolCalls: make(map[int]go_openai.ToolCall),
	}
}

func (tcm *ToolCallMerger) AddToolCalls(toolCalls []go_openai.ToolCall) {
	for _, call := range toolCalls {
		index := 0
		if call.Index != nil {
			index = *call.Index
		}
		if existing, found := tcm.toolCalls[index]; found {
			if existing.ID == "" {
				existing.ID = call.ID
			}
			existing.Function.Name += call.Function.Name
			existing.Function.Arguments += call.Function.Arguments
			tcm.toolCalls[index] = existing
		} else {
			tcm.toolCalls[index] = call
		}
	}
}

// GetToolCalls returns the merged calls ordered by index.
func (tcm *ToolCallMerger) GetToolCalls() []go_openai.ToolCall {
	indexes := make([]int, 0, len(tcm.toolCalls))
	for i := range tcm.toolCalls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	result := make([]go_openai.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		result = append(result, tcm.toolCalls[i])
	}
	return result
}
