package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/conversation/importer"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/history"
	"github.com/go-go-golems/branchchat/pkg/transport"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func textAnswer(id string, text string) transport.Script {
	return transport.Script{
		Name: "answer " + id,
		Fragments: []events.Fragment{
			events.NewStartFragment(id),
			events.NewPartBoundaryFragment(events.FragmentTypeTextStart, "t0"),
			events.NewTextDeltaFragment("t0", text),
			events.NewPartBoundaryFragment(events.FragmentTypeTextEnd, "t0"),
			events.NewFinishFragment("stop", &conversation.Usage{InputTokens: 1, OutputTokens: 2}),
		},
	}
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) PublishEvent(e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ret []string
	for _, e := range r.events {
		if s, ok := e.(*events.EventStatus); ok {
			ret = append(ret, s.Status)
		}
	}
	return ret
}

func (r *recorder) ofType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ret []events.Event
	for _, e := range r.events {
		if e.Type() == t {
			ret = append(ret, e)
		}
	}
	return ret
}

func pathTexts(c *Controller) []string {
	var ret []string
	for _, m := range c.ActivePath() {
		ret = append(ret, m.Text())
	}
	return ret
}

func mustWait(t *testing.T, h *ExecutionHandle) conversation.NodeID {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("exchange did not finish")
	}
	id, err := h.Wait()
	require.NoError(t, err)
	return id
}

func TestSendStreamsAnswer(t *testing.T) {
	ft := transport.NewFixtureTransport(textAnswer("a-1", "Hello"))
	rec := &recorder{}
	c := NewController(ft, WithConversationID("c1"), WithEventSinks(rec))

	notified := 0
	var mu sync.Mutex
	c.Subscribe(func() {
		mu.Lock()
		notified++
		mu.Unlock()
	})

	h, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.NotEmpty(t, h.UserMessageID)
	assert.Equal(t, conversation.NodeID("a-1"), mustWait(t, h))

	assert.Equal(t, StatusReady, c.Status())
	assert.NoError(t, c.Error())
	assert.Equal(t, []string{"hi", "Hello"}, pathTexts(c))
	path := c.ActivePath()
	assert.Equal(t, h.UserMessageID, path[0].ID)

	answer, ok := c.Message("a-1")
	require.True(t, ok)
	status, _ := answer.MetadataString(conversation.MetadataKeyStatus)
	assert.Equal(t, conversation.MessageStatusComplete, status)
	seq, _ := answer.Sequence()
	assert.Equal(t, int64(2), seq)

	assert.Equal(t, []string{"submitted", "streaming", "ready"}, rec.statuses())
	finishes := rec.ofType(events.EventTypeFinish)
	require.Len(t, finishes, 1)
	finish := finishes[0].(*events.EventFinish)
	assert.Equal(t, "stop", finish.FinishReason)
	assert.False(t, finish.Stopped)
	assert.Equal(t, conversation.NodeID("a-1"), finish.Metadata().MessageID)
	assert.Len(t, rec.ofType(events.EventTypeFragment), 5)

	reqs := ft.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, transport.TriggerSubmit, reqs[0].Trigger)
	assert.Equal(t, "c1", reqs[0].ConversationID)
	assert.Equal(t, h.UserMessageID, reqs[0].MessageID)
	require.Len(t, reqs[0].Messages, 1)
	assert.Equal(t, "hi", reqs[0].Messages[0].Text())

	mu.Lock()
	assert.Greater(t, notified, 0)
	mu.Unlock()
}

func TestSendRejectedWhileStreamingAndStop(t *testing.T) {
	hold := transport.Script{
		Name: "held",
		Fragments: []events.Fragment{
			events.NewStartFragment("a-1"),
			events.NewPartBoundaryFragment(events.FragmentTypeTextStart, "t0"),
			events.NewTextDeltaFragment("t0", "partial"),
		},
		Hold: true,
	}
	ft := transport.NewFixtureTransport(hold, textAnswer("a-2", "second"))
	rec := &recorder{}
	c := NewController(ft, WithEventSinks(rec))

	h, err := c.Send(context.Background(), "first")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		id, ok := c.StreamingMessageID()
		texts := pathTexts(c)
		return ok && id == "a-1" && len(texts) == 2 && texts[1] == "partial"
	}, waitFor, tick)
	assert.Equal(t, StatusStreaming, c.Status())
	assert.Equal(t, []string{"first", "partial"}, pathTexts(c))

	_, err = c.Send(context.Background(), "again")
	assert.ErrorIs(t, err, ErrAlreadyStreaming)
	_, err = c.Regenerate(context.Background(), "a-1")
	assert.ErrorIs(t, err, ErrAlreadyStreaming)

	c.Stop()
	assert.Equal(t, StatusReady, c.Status())
	_, ok := c.StreamingMessageID()
	assert.False(t, ok)
	id, err := h.Wait()
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, conversation.NodeID("a-1"), id)

	partial, ok := c.Message("a-1")
	require.True(t, ok)
	status, _ := partial.MetadataString(conversation.MetadataKeyStatus)
	assert.Equal(t, conversation.MessageStatusIncomplete, status)
	assert.Equal(t, "partial", partial.Text())

	stopped := rec.ofType(events.EventTypeFinish)
	require.Len(t, stopped, 1)
	assert.True(t, stopped[0].(*events.EventFinish).Stopped)

	h, err = c.Send(context.Background(), "second try")
	require.NoError(t, err)
	assert.Equal(t, conversation.NodeID("a-2"), mustWait(t, h))
	assert.Equal(t, []string{"first", "partial", "second try", "second"}, pathTexts(c))
}

func TestRegenerateAssistantCreatesSibling(t *testing.T) {
	ft := transport.NewFixtureTransport(textAnswer("a-1", "one"), textAnswer("a-2", "two"))
	c := NewController(ft)

	h, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)
	mustWait(t, h)

	h, err = c.Regenerate(context.Background(), "a-1")
	require.NoError(t, err)
	assert.Equal(t, conversation.NodeID("a-2"), mustWait(t, h))
	assert.Equal(t, []string{"hi", "two"}, pathTexts(c))

	info, err := c.Branches("a-2")
	require.NoError(t, err)
	assert.Equal(t, 2, info.BranchCount)
	assert.Equal(t, 1, info.BranchIndex)
	assert.Equal(t, []conversation.NodeID{"a-1", "a-2"}, info.SiblingIDs)

	reqs := ft.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, transport.TriggerRegenerate, reqs[1].Trigger)
	assert.Equal(t, conversation.NodeID("a-1"), reqs[1].MessageID)
	require.Len(t, reqs[1].Messages, 1)
	assert.Equal(t, "hi", reqs[1].Messages[0].Text())

	shown, err := c.PreviousBranch("a-2")
	require.NoError(t, err)
	assert.Equal(t, conversation.NodeID("a-1"), shown)
	assert.Equal(t, []string{"hi", "one"}, pathTexts(c))

	require.NoError(t, c.SwitchBranch("a-2"))
	assert.Equal(t, []string{"hi", "two"}, pathTexts(c))
}

func TestRegenerateUserMessageAnswersItAgain(t *testing.T) {
	ft := transport.NewFixtureTransport(textAnswer("a-1", "one"), textAnswer("a-2", "two"))
	c := NewController(ft)

	h, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)
	mustWait(t, h)
	userID := h.UserMessageID

	h, err = c.Regenerate(context.Background(), userID)
	require.NoError(t, err)
	mustWait(t, h)

	info, err := c.Branches("a-2")
	require.NoError(t, err)
	assert.Equal(t, userID, info.ParentID)
	assert.Equal(t, 2, info.BranchCount)

	_, err = c.Regenerate(context.Background(), "unknown")
	assert.ErrorIs(t, err, conversation.ErrMessageNotFound)
}

func TestEditCreatesUserSibling(t *testing.T) {
	ft := transport.NewFixtureTransport(textAnswer("a-1", "one"), textAnswer("a-2", "two"))
	c := NewController(ft)

	h, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)
	mustWait(t, h)
	first := h.UserMessageID

	_, err = c.Edit(context.Background(), "a-1", "nope")
	assert.ErrorIs(t, err, ErrNotEditable)

	h, err = c.Edit(context.Background(), first, "hello")
	require.NoError(t, err)
	mustWait(t, h)
	assert.Equal(t, []string{"hello", "two"}, pathTexts(c))

	info, err := c.Branches(h.UserMessageID)
	require.NoError(t, err)
	assert.Equal(t, 2, info.BranchCount)
	assert.Equal(t, conversation.RootID, info.ParentID)

	reqs := ft.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].Messages, 1)
	assert.Equal(t, "hello", reqs[1].Messages[0].Text())

	_, err = c.PreviousBranch(h.UserMessageID)
	require.NoError(t, err)
	assert.Equal(t, []string{"hi", "one"}, pathTexts(c))
}

func TestStreamedIDsRenameMessages(t *testing.T) {
	messageID, err := events.NewDataFragment(events.DataMessageID, "a-100")
	require.NoError(t, err)
	conversationID, err := events.NewDataFragment(events.DataConversationID, "c-9")
	require.NoError(t, err)

	ft := transport.NewFixtureTransport(transport.Script{
		Name: "renames",
		Fragments: []events.Fragment{
			conversationID,
			events.NewPartBoundaryFragment(events.FragmentTypeTextStart, "t0"),
			events.NewTextDeltaFragment("t0", "Hi "),
			events.NewMessageFragment(conversation.NewTextMessage(conversation.RoleUser, "hello", conversation.WithID("u-100"))),
			messageID,
			events.NewTextDeltaFragment("t0", "there"),
			events.NewFinishFragment("stop", nil),
		},
	})
	c := NewController(ft)

	h, err := c.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, conversation.NodeID("a-100"), mustWait(t, h))

	assert.Equal(t, "c-9", c.ConversationID())
	assert.Equal(t, []conversation.NodeID{"u-100", "a-100"}, c.ActivePath().IDs())
	assert.Equal(t, []string{"hello", "Hi there"}, pathTexts(c))

	// the client id still resolves
	msg, ok := c.Message(h.UserMessageID)
	require.True(t, ok)
	assert.Equal(t, conversation.NodeID("u-100"), msg.ID)
	assert.Len(t, c.Snapshot().Nodes, 2)
}

func toolCallScript() transport.Script {
	return transport.Script{
		Name: "tool call",
		Fragments: []events.Fragment{
			events.NewStartFragment("a-1"),
			events.NewToolInputStartFragment("call-1", "search"),
			events.NewToolInputAvailableFragment("call-1", "search", json.RawMessage(`{"q":"go"}`)),
			events.NewToolApprovalRequestFragment("appr-1", "call-1"),
			events.NewFinishFragment("tool-calls", nil),
		},
	}
}

func TestToolApprovalApprovedContinues(t *testing.T) {
	continuation := transport.Script{
		Name: "continuation",
		Fragments: []events.Fragment{
			events.NewStartFragment("a-1"),
			events.NewToolOutputAvailableFragment("call-1", json.RawMessage(`{"hits":3}`)),
			events.NewPartBoundaryFragment(events.FragmentTypeTextStart, "t0"),
			events.NewTextDeltaFragment("t0", "found 3"),
			events.NewPartBoundaryFragment(events.FragmentTypeTextEnd, "t0"),
			events.NewFinishFragment("stop", nil),
		},
	}
	ft := transport.NewFixtureTransport(toolCallScript(), continuation)
	rec := &recorder{}
	c := NewController(ft, WithEventSinks(rec))

	h, err := c.Send(context.Background(), "search go")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.PendingApprovals()) == 1 }, waitFor, tick)
	pending := c.PendingApprovals()[0]
	assert.Equal(t, "appr-1", pending.ApprovalID)
	assert.Equal(t, "search", pending.ToolName)
	assert.Equal(t, StatusStreaming, c.Status())

	approvals := rec.ofType(events.EventTypeApproval)
	require.Len(t, approvals, 1)
	assert.Equal(t, "call-1", approvals[0].(*events.EventApproval).ToolCallID)

	require.NoError(t, c.ResolveToolApproval("appr-1", true, ""))
	assert.Equal(t, conversation.NodeID("a-1"), mustWait(t, h))

	msg, ok := c.Message("a-1")
	require.True(t, ok)
	p, ok := msg.ToolPart("call-1")
	require.True(t, ok)
	assert.Equal(t, conversation.ToolStateOutputAvailable, p.State)
	require.NotNil(t, p.Approval)
	require.NotNil(t, p.Approval.Approved)
	assert.True(t, *p.Approval.Approved)
	assert.Equal(t, "found 3", msg.Text())

	reqs := ft.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, transport.TriggerToolApproval, reqs[1].Trigger)
	assert.Equal(t, conversation.NodeID("a-1"), reqs[1].MessageID)
	require.Len(t, reqs[1].Messages, 1)
	sent, ok := reqs[1].Messages[0].ToolPart("call-1")
	require.True(t, ok)
	assert.Equal(t, conversation.ToolStateApprovalResponded, sent.State)

	assert.ErrorIs(t, c.ResolveToolApproval("appr-1", true, ""), ErrApprovalNotFound)
}

func TestToolApprovalDeniedCompletes(t *testing.T) {
	ft := transport.NewFixtureTransport(toolCallScript())
	c := NewController(ft)

	h, err := c.Send(context.Background(), "search go")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.PendingApprovals()) == 1 }, waitFor, tick)

	require.NoError(t, c.ResolveToolApproval("appr-1", false, "not now"))
	mustWait(t, h)
	assert.Equal(t, StatusReady, c.Status())

	msg, ok := c.Message("a-1")
	require.True(t, ok)
	p, ok := msg.ToolPart("call-1")
	require.True(t, ok)
	assert.Equal(t, conversation.ToolStateOutputDenied, p.State)
	require.NotNil(t, p.Approval.Approved)
	assert.False(t, *p.Approval.Approved)
	assert.Equal(t, "not now", p.Approval.Reason)
	assert.Len(t, ft.Requests(), 1)
}

func TestStreamErrorMarksAssistant(t *testing.T) {
	ft := transport.NewFixtureTransport(
		transport.Script{
			Name: "overloaded",
			Fragments: []events.Fragment{
				events.NewStartFragment("a-1"),
				events.NewPartBoundaryFragment(events.FragmentTypeTextStart, "t0"),
				events.NewTextDeltaFragment("t0", "par"),
				events.NewErrorFragment("model overloaded"),
			},
		},
		textAnswer("a-2", "fine"),
	)
	rec := &recorder{}
	c := NewController(ft, WithEventSinks(rec))

	h, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)
	<-h.Done()
	_, err = h.Wait()
	assert.ErrorIs(t, err, ErrStream)
	assert.Equal(t, "model overloaded", err.Error())

	assert.Equal(t, StatusError, c.Status())
	assert.ErrorIs(t, c.Error(), ErrStream)
	msg, ok := c.Message("a-1")
	require.True(t, ok)
	errText, _ := msg.MetadataString(conversation.MetadataKeyError)
	assert.Equal(t, "model overloaded", errText)
	status, _ := msg.MetadataString(conversation.MetadataKeyStatus)
	assert.Equal(t, conversation.MessageStatusFailed, status)
	assert.Equal(t, "par", msg.Text())
	assert.Len(t, rec.ofType(events.EventTypeError), 1)

	h, err = c.Regenerate(context.Background(), "a-1")
	require.NoError(t, err)
	mustWait(t, h)
	assert.Equal(t, StatusReady, c.Status())
	assert.NoError(t, c.Error())
	assert.Equal(t, []string{"hi", "fine"}, pathTexts(c))
}

func TestTransportErrorMovesToError(t *testing.T) {
	ft := transport.NewFixtureTransport(transport.Script{Name: "down", Err: errors.New("connection refused")})
	c := NewController(ft)

	h, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)
	<-h.Done()
	_, err = h.Wait()
	assert.EqualError(t, err, "connection refused")
	assert.Equal(t, StatusError, c.Status())
	// the user message stays so it can be answered again
	assert.Equal(t, []string{"hi"}, pathTexts(c))
}

func TestAbortFragmentStops(t *testing.T) {
	ft := transport.NewFixtureTransport(transport.Script{
		Name: "aborted",
		Fragments: []events.Fragment{
			events.NewStartFragment("a-1"),
			events.NewPartBoundaryFragment(events.FragmentTypeTextStart, "t0"),
			events.NewTextDeltaFragment("t0", "cut"),
			events.NewSimpleFragment(events.FragmentTypeAbort),
		},
	})
	c := NewController(ft)

	h, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)
	<-h.Done()
	_, err = h.Wait()
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, StatusReady, c.Status())
	msg, ok := c.Message("a-1")
	require.True(t, ok)
	status, _ := msg.MetadataString(conversation.MetadataKeyStatus)
	assert.Equal(t, conversation.MessageStatusIncomplete, status)
}

func TestDataHandlerReceivesCustomFragments(t *testing.T) {
	weather, err := events.NewDataFragment("data-weather", map[string]interface{}{"temp": 21})
	require.NoError(t, err)
	script := textAnswer("a-1", "sunny")
	script.Fragments = append([]events.Fragment{weather}, script.Fragments...)

	got := make(chan string, 1)
	c := NewController(transport.NewFixtureTransport(script),
		WithDataHandler("data-weather", func(f *events.FragmentData) {
			got <- f.Name()
		}),
	)
	h, err := c.Send(context.Background(), "weather?")
	require.NoError(t, err)
	mustWait(t, h)

	select {
	case name := <-got:
		assert.Equal(t, "weather", name)
	case <-time.After(waitFor):
		t.Fatal("data handler not called")
	}
}

func TestAttachmentsBecomeFileParts(t *testing.T) {
	ft := transport.NewFixtureTransport(textAnswer("a-1", "nice picture"))
	c := NewController(ft)

	h, err := c.Send(context.Background(), "look",
		WithAttachments(&transport.Attachment{Filename: "notes.txt", MediaType: "text/plain", Data: []byte("hello")}),
		WithParams(map[string]interface{}{"temperature": 0.2}),
	)
	require.NoError(t, err)
	mustWait(t, h)

	user := c.ActivePath()[0]
	require.Len(t, user.Parts, 2)
	file := user.Parts[0].(*conversation.FilePart)
	assert.Equal(t, "text/plain", file.MediaType)
	assert.Equal(t, "notes.txt", file.Filename)
	assert.Contains(t, file.URL, "data:text/plain;base64,")

	reqs := ft.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, 0.2, reqs[0].Params["temperature"])
}

type fetcherFunc func(ctx context.Context, conversationID string, page int, pageSize int) (*history.Page, error)

func (f fetcherFunc) Fetch(ctx context.Context, conversationID string, page int, pageSize int) (*history.Page, error) {
	return f(ctx, conversationID, page, pageSize)
}

func historyRecord(id, parent conversation.NodeID, role conversation.Role, seq int64, text string) importer.Record {
	return importer.NewRecord(conversation.NewTextMessage(role, text, conversation.WithID(id))).WithParent(parent).WithSequence(seq)
}

func TestLoadHistoryAndOlderPages(t *testing.T) {
	pages := []*history.Page{
		{
			Records: []importer.Record{
				historyRecord("u2", "a1", conversation.RoleUser, 3, "newer question"),
				historyRecord("a2", "u2", conversation.RoleAssistant, 4, "newer answer"),
			},
			HasMore: true,
		},
		{
			Records: []importer.Record{
				historyRecord("u1", conversation.RootID, conversation.RoleUser, 1, "question"),
				historyRecord("a1", "u1", conversation.RoleAssistant, 2, "answer"),
			},
		},
	}
	var seen []string
	fetcher := fetcherFunc(func(ctx context.Context, conversationID string, page int, pageSize int) (*history.Page, error) {
		seen = append(seen, conversationID)
		return pages[page], nil
	})

	c := NewController(transport.NewFixtureTransport())
	_, err := c.LoadHistory(context.Background(), fetcher, 2)
	assert.ErrorIs(t, err, ErrNoConversation)

	c.Reset("c1")
	hasMore, err := c.LoadHistory(context.Background(), fetcher, 2)
	require.NoError(t, err)
	assert.True(t, hasMore)
	assert.Equal(t, []conversation.NodeID{"u2", "a2"}, c.ActivePath().IDs())

	hasMore, err = c.LoadOlder(context.Background(), fetcher, 1, 2)
	require.NoError(t, err)
	assert.False(t, hasMore)
	assert.Equal(t, []conversation.NodeID{"u1", "a1", "u2", "a2"}, c.ActivePath().IDs())
	assert.Equal(t, []string{"c1", "c1"}, seen)

	c.Reset("c2")
	assert.Empty(t, c.ActivePath())
	assert.Equal(t, "c2", c.ConversationID())
}

func TestDeleteRejectedWhileStreaming(t *testing.T) {
	ft := transport.NewFixtureTransport(
		textAnswer("a-1", "one"),
		transport.Script{Name: "held", Fragments: []events.Fragment{events.NewStartFragment("a-2")}, Hold: true},
	)
	c := NewController(ft)
	h, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)
	mustWait(t, h)

	_, err = c.Send(context.Background(), "more")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Status() == StatusStreaming }, waitFor, tick)
	_, err = c.Delete("a-1")
	assert.ErrorIs(t, err, ErrAlreadyStreaming)

	c.Stop()
	removed, err := c.Delete("a-1")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Len(t, c.ActivePath(), 1)
}

func TestWatermillSinkReceivesSessionEvents(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{BlockPublishUntilSubscriberAck: true}, watermill.NopLogger{})
	defer func() { _ = pubSub.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	messages, err := pubSub.Subscribe(ctx, "chat")
	require.NoError(t, err)

	received := make(chan events.Event, 32)
	go func() {
		for msg := range messages {
			e, err := events.NewEventFromJson(msg.Payload)
			msg.Ack()
			if err == nil {
				received <- e
			}
		}
	}()

	c := NewController(
		transport.NewFixtureTransport(textAnswer("a-1", "hello")),
		WithConversationID("c1"),
		WithEventSinks(events.NewWatermillSink(pubSub, "chat")),
	)
	h, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)
	mustWait(t, h)

	var types []events.EventType
	for {
		select {
		case e := <-received:
			types = append(types, e.Type())
			assert.Equal(t, "c1", e.Metadata().ConversationID)
			if e.Type() == events.EventTypeFinish {
				assert.Equal(t, conversation.NodeID("a-1"), e.Metadata().MessageID)
				assert.Equal(t, events.EventTypeStatus, types[0])
				assert.Contains(t, types, events.EventTypeFragment)
				return
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for finish event")
		}
	}
}

func longAnswer(id string, deltas int) transport.Script {
	fragments := []events.Fragment{
		events.NewStartFragment(id),
		events.NewPartBoundaryFragment(events.FragmentTypeTextStart, "t0"),
	}
	for i := 0; i < deltas; i++ {
		fragments = append(fragments, events.NewTextDeltaFragment("t0", "x"))
	}
	fragments = append(fragments,
		events.NewPartBoundaryFragment(events.FragmentTypeTextEnd, "t0"),
		events.NewFinishFragment("stop", nil),
	)
	return transport.Script{Name: "long answer " + id, Fragments: fragments}
}

func TestObserversReadWhileOtherGoroutinesMutate(t *testing.T) {
	ft := transport.NewFixtureTransport(longAnswer("a-1", 500))
	c := NewController(ft)

	var reads int
	var mu sync.Mutex
	c.Subscribe(func() {
		time.Sleep(50 * time.Microsecond)
		path := c.ActivePath()
		_ = c.Status()
		mu.Lock()
		reads += len(path)
		mu.Unlock()
	})

	h, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-h.Done():
				return
			default:
			}
			_ = c.SwitchBranch(h.UserMessageID)
		}
	}()

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("exchange did not finish while observers were reading")
	}
	<-done
	_, err = h.Wait()
	require.NoError(t, err)

	mu.Lock()
	assert.Greater(t, reads, 0)
	mu.Unlock()
	assert.Equal(t, StatusReady, c.Status())
	assert.Equal(t, 500, len(c.ActivePath()[1].Text()))
}

func TestObserverMayMutateController(t *testing.T) {
	ft := transport.NewFixtureTransport(textAnswer("a-1", "Hello"))
	c := NewController(ft)

	var once sync.Once
	switched := make(chan error, 1)
	c.Subscribe(func() {
		if c.Status() != StatusReady {
			return
		}
		path := c.ActivePath()
		if len(path) == 0 {
			return
		}
		once.Do(func() {
			switched <- c.SwitchBranch(path[0].ID)
		})
	})

	h, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)
	mustWait(t, h)

	select {
	case err := <-switched:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("observer mutation did not return")
	}
}
