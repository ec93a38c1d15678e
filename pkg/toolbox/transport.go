package toolbox

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/transport"
	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Transport runs tools locally for a backend that only proposes tool calls, such as a chat
// completion API. Every call of a registered tool is held for approval. When the continuation
// arrives, approved calls are executed and the backend is sent the conversation so far followed by
// the assistant message carrying the results.
type Transport struct {
	inner transport.Transport
	box   *Toolbox

	mu sync.Mutex
	// history is the message path of the last submit or regenerate request, per conversation.
	history map[string][]*conversation.Message
}

func NewTransport(inner transport.Transport, box *Toolbox) *Transport {
	return &Transport{
		inner:   inner,
		box:     box,
		history: map[string][]*conversation.Message{},
	}
}

func (t *Transport) Send(ctx context.Context, req *transport.SendRequest) (transport.FragmentStream, error) {
	if req.Trigger == transport.TriggerToolApproval {
		return t.continueAfterApproval(ctx, req)
	}

	t.mu.Lock()
	t.history[req.ConversationID] = append([]*conversation.Message(nil), req.Messages...)
	t.mu.Unlock()

	stream, err := t.inner.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return &approvalStream{inner: stream, box: t.box}, nil
}

func (t *Transport) continueAfterApproval(ctx context.Context, req *transport.SendRequest) (transport.FragmentStream, error) {
	if len(req.Messages) != 1 || req.Messages[0] == nil {
		return nil, errors.Errorf("tool approval continuation needs exactly one message, got %d", len(req.Messages))
	}
	msg := clone.Clone(req.Messages[0]).(*conversation.Message)

	var results []events.Fragment
	for _, p := range msg.Parts {
		tp, ok := p.(*conversation.ToolPart)
		if !ok || tp.State != conversation.ToolStateApprovalResponded || !t.box.Has(tp.ToolName) {
			continue
		}
		start := time.Now()
		output, err := t.box.Execute(ctx, tp.ToolName, tp.Input)
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if md, ok := events.GetEventMetadata(ctx); ok {
			md.MessageID = msg.ID
			events.PublishEventToContext(ctx, events.NewToolResultEvent(md, tp.ToolCallID, tp.ToolName, time.Since(start), err))
		}
		if err != nil {
			log.Debug().Err(err).Str("tool_name", tp.ToolName).Msg("tool failed")
			tp.State = conversation.ToolStateOutputError
			tp.ErrorText = err.Error()
			results = append(results, events.NewToolOutputErrorFragment(tp.ToolCallID, tp.ErrorText))
			continue
		}
		tp.State = conversation.ToolStateOutputAvailable
		tp.Output = output
		results = append(results, events.NewToolOutputAvailableFragment(tp.ToolCallID, output))
	}

	t.mu.Lock()
	messages := append([]*conversation.Message(nil), t.history[req.ConversationID]...)
	t.mu.Unlock()
	messages = append(messages, msg)

	stream, err := t.inner.Send(ctx, &transport.SendRequest{
		ConversationID: req.ConversationID,
		Trigger:        req.Trigger,
		MessageID:      req.MessageID,
		Messages:       messages,
		Params:         req.Params,
	})
	if err != nil {
		return nil, err
	}
	return &approvalStream{inner: stream, box: t.box, pending: results}, nil
}

var _ transport.Transport = (*Transport)(nil)

// approvalStream follows every complete call of a registered tool with an approval request.
type approvalStream struct {
	inner   transport.FragmentStream
	box     *Toolbox
	pending []events.Fragment
}

func (s *approvalStream) Recv() (events.Fragment, error) {
	if len(s.pending) > 0 {
		f := s.pending[0]
		s.pending = s.pending[1:]
		return f, nil
	}
	f, err := s.inner.Recv()
	if err != nil {
		return nil, err
	}
	if v, ok := f.(*events.FragmentToolInputAvailable); ok && s.box.Has(v.ToolName) {
		s.pending = append(s.pending, events.NewToolApprovalRequestFragment(uuid.NewString(), v.ToolCallID))
	}
	return f, nil
}

func (s *approvalStream) Close() error {
	return s.inner.Close()
}
