package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/conversation/importer"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/helpers"
	"github.com/go-go-golems/branchchat/pkg/history"
	"github.com/go-go-golems/branchchat/pkg/transport"
	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrStream = errors.New("stream error")

// StreamError is an error reported by the backend inside the stream.
type StreamError struct {
	Text string
}

func (e *StreamError) Error() string {
	return e.Text
}

func (e *StreamError) Unwrap() error {
	return ErrStream
}

// Controller drives the exchanges of one conversation view with the backend and keeps the
// conversation tree up to date while fragments stream in.
//
// All tree mutations happen under the controller's mutex. Events and observer notifications are
// delivered after the mutex is released, in the order the mutations happened. Sinks and observers
// may read from the controller. A mutation made from inside a sink or observer is delivered after
// the current batch.
type Controller struct {
	mu sync.Mutex

	// queueMu guards queue and draining. It is never held while calling out.
	queueMu  sync.Mutex
	queue    []delivery
	draining bool

	repo         *importer.Repository
	transport    transport.Transport
	uploader     transport.Uploader
	sinks        []events.EventSink
	observers    *Observers
	approvals    *ApprovalGate
	dataHandlers map[events.FragmentType][]DataHandler
	params       map[string]interface{}

	conversationID string
	status         Status
	err            error
	// generation is bumped by every new exchange and by Stop. Fragments of older generations are dropped.
	generation uint64
	// view is bumped by Reset, so history pages of a previous conversation are dropped.
	view   uint64
	active *exchange

	outbox   []outboxEntry
	deferred []func()
	dirty    bool
}

type outboxEntry struct {
	event events.Event
	sinks []events.EventSink
}

// delivery is what one critical section hands to sinks and observers.
type delivery struct {
	outbox   []outboxEntry
	deferred []func()
	notify   bool
}

func (d delivery) empty() bool {
	return len(d.outbox) == 0 && len(d.deferred) == 0 && !d.notify
}

// exchange is one request to the transport, including its approval continuations.
type exchange struct {
	id         uuid.UUID
	generation uint64
	trigger    transport.Trigger
	ctx        context.Context
	cancel     context.CancelFunc
	handle     *ExecutionHandle
	sinks      []events.EventSink
	params     map[string]interface{}

	// parentID is the parent of the assistant message
	parentID     conversation.NodeID
	userID       conversation.NodeID
	assistantID  conversation.NodeID
	assistantSeq int64
	assembler    *Assembler
}

func NewController(t transport.Transport, options ...Option) *Controller {
	c := &Controller{
		transport:    t,
		uploader:     transport.DataURLUploader{},
		approvals:    NewApprovalGate(),
		dataHandlers: map[events.FragmentType][]DataHandler{},
		status:       StatusReady,
	}
	for _, o := range options {
		o(c)
	}
	if c.repo == nil {
		c.repo = importer.NewRepository()
	}
	if c.observers == nil {
		c.observers = NewObservers()
	}
	return c
}

// unlock releases the mutex and delivers what the critical section produced. The batch is queued
// while the mutex is still held, so batches are delivered in mutation order.
func (c *Controller) unlock() {
	b := delivery{outbox: c.outbox, deferred: c.deferred, notify: c.dirty}
	c.outbox = nil
	c.deferred = nil
	c.dirty = false

	if !b.empty() {
		c.queueMu.Lock()
		c.queue = append(c.queue, b)
		c.queueMu.Unlock()
	}
	c.mu.Unlock()
	c.drain()
}

// drain delivers queued batches until the queue is empty. Only one goroutine drains at a time; a
// goroutine finding a drain in progress leaves its batch to that drainer. No controller lock is
// held while sinks and observers run.
func (c *Controller) drain() {
	c.queueMu.Lock()
	if c.draining {
		c.queueMu.Unlock()
		return
	}
	c.draining = true
	for len(c.queue) > 0 {
		b := c.queue[0]
		c.queue = c.queue[1:]
		c.queueMu.Unlock()
		c.deliver(b)
		c.queueMu.Lock()
	}
	c.draining = false
	c.queueMu.Unlock()
}

func (c *Controller) deliver(b delivery) {
	for _, entry := range b.outbox {
		for _, s := range entry.sinks {
			if err := s.PublishEvent(entry.event); err != nil {
				log.Warn().Err(err).Str("event_type", string(entry.event.Type())).Msg("could not publish session event")
			}
		}
	}
	for _, fn := range b.deferred {
		fn()
	}
	if b.notify {
		c.observers.Notify()
	}
}

func (c *Controller) emit(ex *exchange, e events.Event) {
	sinks := c.sinks
	if ex != nil {
		sinks = ex.sinks
	}
	if len(sinks) == 0 {
		return
	}
	c.outbox = append(c.outbox, outboxEntry{event: e, sinks: sinks})
}

func (c *Controller) metadata(ex *exchange) events.EventMetadata {
	if ex == nil {
		return events.NewEventMetadata(c.conversationID, uuid.Nil, conversation.RootID)
	}
	var messageID conversation.NodeID
	if ex.assistantID != conversation.RootID {
		messageID = c.repo.Canonical(ex.assistantID)
	}
	return events.NewEventMetadata(c.conversationID, ex.id, messageID)
}

func (c *Controller) setStatus(ex *exchange, s Status) {
	previous := c.status
	if previous == s {
		return
	}
	c.status = s
	c.dirty = true
	log.Debug().Str("from", string(previous)).Str("to", string(s)).Msg("session status changed")
	c.emit(ex, events.NewStatusEvent(c.metadata(ex), string(previous), string(s)))
}

func (c *Controller) current(ex *exchange) bool {
	return c.active == ex && ex.generation == c.generation
}

// newExchange starts an exchange. Its events go to the controller's sinks and to the sinks found
// on ctx. The context handed to the transport carries all of them plus the exchange metadata, so
// transports can publish their own events with events.PublishEventToContext.
func (c *Controller) newExchange(ctx context.Context, trigger transport.Trigger, params map[string]interface{}) *exchange {
	c.generation++
	id := uuid.New()
	sinks := append(append([]events.EventSink{}, c.sinks...), events.GetEventSinks(ctx)...)

	runCtx := events.WithEventMetadata(ctx, events.NewEventMetadata(c.conversationID, id, conversation.RootID))
	runCtx = events.WithEventSinks(runCtx, c.sinks...)
	runCtx, cancel := context.WithCancel(runCtx)
	ex := &exchange{
		id:         id,
		generation: c.generation,
		trigger:    trigger,
		ctx:        runCtx,
		cancel:     cancel,
		sinks:      sinks,
		params:     map[string]interface{}{},
	}
	for k, v := range c.params {
		ex.params[k] = v
	}
	for k, v := range params {
		ex.params[k] = v
	}
	ex.handle = newExecutionHandle(c.conversationID, ex.id, conversation.RootID, cancel)
	c.active = ex
	c.err = nil
	return ex
}

func (c *Controller) request(ex *exchange, messageID conversation.NodeID, messages []*conversation.Message) *transport.SendRequest {
	return &transport.SendRequest{
		ConversationID: c.conversationID,
		Trigger:        ex.trigger,
		MessageID:      messageID,
		Messages:       messages,
		Params:         ex.params,
	}
}

// activePathCopy returns a deep copy of the active path for handing to a transport.
func (c *Controller) activePathCopy() []*conversation.Message {
	path := c.repo.ActivePath()
	ret := make([]*conversation.Message, 0, len(path))
	for _, m := range path {
		ret = append(ret, clone.Clone(m).(*conversation.Message))
	}
	return ret
}

// Send appends a user message under the head (or the given parent) and streams the answer.
// Attachments are uploaded before the message is created. Send returns once the user message is
// in the tree; the answer streams in the background.
func (c *Controller) Send(ctx context.Context, text string, options ...SendOption) (*ExecutionHandle, error) {
	var o sendOptions
	for _, opt := range options {
		opt(&o)
	}

	c.mu.Lock()
	if c.status.Busy() {
		c.unlock()
		return nil, ErrAlreadyStreaming
	}
	parent := c.repo.Head()
	if o.hasParent {
		parent = c.repo.Canonical(o.parentID)
		if parent != conversation.RootID && !c.repo.Tree().Has(parent) {
			c.unlock()
			return nil, errors.Wrapf(conversation.ErrMessageNotFound, "send under %s", parent)
		}
	}
	ex := c.newExchange(ctx, transport.TriggerSubmit, o.params)
	c.setStatus(ex, StatusSubmitted)
	c.unlock()

	var files []*conversation.FilePart
	if len(o.attachments) > 0 {
		var err error
		files, err = transport.UploadAll(ex.ctx, c.uploader, o.attachments)
		if err != nil {
			err = errors.Wrap(err, "could not upload attachments")
			c.fail(ex, err)
			return ex.handle, err
		}
	}

	c.mu.Lock()
	if !c.current(ex) {
		c.unlock()
		ex.handle.setResult(conversation.RootID, ErrStopped)
		return ex.handle, ErrStopped
	}
	if err := c.repo.Truncate(parent); err != nil {
		c.unlock()
		c.fail(ex, err)
		return ex.handle, err
	}

	parts := make([]conversation.Part, 0, len(files)+1)
	for _, f := range files {
		parts = append(parts, f)
	}
	parts = append(parts, &conversation.TextPart{Text: text, State: conversation.PartStateDone})
	seq := c.repo.NextSequence(parent)
	userMsg := conversation.NewMessage(conversation.RoleUser,
		conversation.WithID(conversation.NodeID(helpers.NewTemporaryID())),
		conversation.WithParts(parts...),
		conversation.WithCreatedAt(time.Now()),
	)
	userMsg.SetMetadata(conversation.MetadataKeySequence, seq)

	rec := importer.NewRecord(userMsg).WithParent(parent).WithSequence(seq)
	if _, _, err := c.repo.ImportIncremental([]importer.Record{rec}, true); err != nil {
		c.unlock()
		c.fail(ex, err)
		return ex.handle, err
	}
	c.dirty = true
	ex.userID = userMsg.ID
	ex.parentID = userMsg.ID
	ex.assistantSeq = seq + 1
	ex.handle.UserMessageID = userMsg.ID
	req := c.request(ex, userMsg.ID, c.activePathCopy())
	c.unlock()

	log.Debug().
		Str("exchange_id", ex.id.String()).
		Str("user_message_id", string(userMsg.ID)).
		Str("parent_id", string(parent)).
		Msg("sending message")
	go c.run(ex, req)
	return ex.handle, nil
}

// Edit sends text as a new version of the user message messageID.
func (c *Controller) Edit(ctx context.Context, messageID conversation.NodeID, text string, options ...SendOption) (*ExecutionHandle, error) {
	c.mu.Lock()
	id := c.repo.Canonical(messageID)
	n, ok := c.repo.Tree().Node(id)
	c.mu.Unlock()
	if !ok || id == conversation.RootID {
		return nil, errors.Wrapf(conversation.ErrMessageNotFound, "edit %s", messageID)
	}
	if n.Message.Role != conversation.RoleUser {
		return nil, errors.Wrapf(ErrNotEditable, "edit %s", messageID)
	}
	return c.Send(ctx, text, append(options, WithParentID(n.Parent))...)
}

// Regenerate streams a new version of an answer. For an assistant message the new version becomes
// its sibling; for a user message a new answer to it is generated.
func (c *Controller) Regenerate(ctx context.Context, messageID conversation.NodeID) (*ExecutionHandle, error) {
	c.mu.Lock()
	if c.status.Busy() {
		c.unlock()
		return nil, ErrAlreadyStreaming
	}
	id := c.repo.Canonical(messageID)
	n, ok := c.repo.Tree().Node(id)
	if !ok || id == conversation.RootID {
		c.unlock()
		return nil, errors.Wrapf(conversation.ErrMessageNotFound, "regenerate %s", messageID)
	}
	var parent conversation.NodeID
	switch n.Message.Role {
	case conversation.RoleAssistant:
		parent = n.Parent
	case conversation.RoleUser:
		parent = id
	default:
		c.unlock()
		return nil, errors.Wrapf(ErrNotRegenerable, "regenerate %s (%s)", messageID, n.Message.Role)
	}
	if err := c.repo.Truncate(parent); err != nil {
		c.unlock()
		return nil, err
	}
	c.dirty = true

	ex := c.newExchange(ctx, transport.TriggerRegenerate, nil)
	ex.parentID = parent
	ex.assistantSeq = c.repo.NextSequence(parent)
	c.setStatus(ex, StatusSubmitted)
	req := c.request(ex, id, c.activePathCopy())
	c.unlock()

	log.Debug().
		Str("exchange_id", ex.id.String()).
		Str("message_id", string(id)).
		Str("parent_id", string(parent)).
		Msg("regenerating message")
	go c.run(ex, req)
	return ex.handle, nil
}

// Stop cancels the in-flight exchange. The status is ready when Stop returns, fragments still in
// flight are dropped and the partial answer stays in the tree marked incomplete.
func (c *Controller) Stop() {
	c.mu.Lock()
	ex := c.active
	if ex == nil {
		c.unlock()
		return
	}
	assistantID := c.stopLocked(ex)
	c.unlock()
	ex.handle.setResult(assistantID, ErrStopped)
}

func (c *Controller) stopLocked(ex *exchange) conversation.NodeID {
	c.generation++
	c.active = nil
	ex.cancel()
	c.approvals.Drop(ex.id)

	assistantID := c.markAssistant(ex, conversation.MessageStatusIncomplete, nil)
	c.setStatus(ex, StatusReady)
	c.emit(ex, events.NewFinishEvent(c.metadata(ex), "", nil, true))
	log.Debug().Str("exchange_id", ex.id.String()).Msg("exchange stopped")
	return assistantID
}

// markAssistant sets the status of the exchange's assistant message, if it has one.
func (c *Controller) markAssistant(ex *exchange, status string, err error) conversation.NodeID {
	if ex.assistantID == conversation.RootID {
		return conversation.RootID
	}
	id := c.repo.Canonical(ex.assistantID)
	if !c.repo.Tree().Has(id) {
		return id
	}
	if perr := c.repo.Patch(id, func(m *conversation.Message) {
		m.SetMetadata(conversation.MetadataKeyStatus, status)
		if err != nil {
			m.SetMetadata(conversation.MetadataKeyError, err.Error())
		}
	}); perr != nil {
		log.Warn().Err(perr).Str("message_id", string(id)).Msg("could not update message status")
	}
	c.dirty = true
	return id
}

// fail moves the controller to error and attaches err to the last assistant message of the path.
// A cancelled exchange ends as stopped instead.
func (c *Controller) fail(ex *exchange, err error) {
	c.mu.Lock()
	if !c.current(ex) {
		c.unlock()
		ex.handle.setResult(c.repo.Canonical(ex.assistantID), ErrStopped)
		return
	}
	if ex.ctx.Err() != nil {
		assistantID := c.stopLocked(ex)
		c.unlock()
		ex.handle.setResult(assistantID, ErrStopped)
		return
	}

	c.active = nil
	ex.cancel()
	c.approvals.Drop(ex.id)
	c.err = err

	assistantID := conversation.RootID
	if last := c.repo.ActivePath().Last(conversation.RoleAssistant); last != nil {
		assistantID = last.ID
		if perr := c.repo.Patch(last.ID, func(m *conversation.Message) {
			m.SetMetadata(conversation.MetadataKeyError, err.Error())
			m.SetMetadata(conversation.MetadataKeyStatus, conversation.MessageStatusFailed)
		}); perr != nil {
			log.Warn().Err(perr).Str("message_id", string(last.ID)).Msg("could not attach error to message")
		}
	}
	c.dirty = true
	c.setStatus(ex, StatusError)
	c.emit(ex, events.NewErrorEvent(c.metadata(ex), err))
	log.Error().Err(err).Str("exchange_id", ex.id.String()).Msg("exchange failed")
	c.unlock()

	ex.handle.setResult(assistantID, err)
}

func (c *Controller) complete(ex *exchange) {
	c.mu.Lock()
	if !c.current(ex) {
		c.unlock()
		ex.handle.setResult(c.repo.Canonical(ex.assistantID), ErrStopped)
		return
	}
	c.active = nil
	ex.cancel()
	assistantID := c.markAssistant(ex, conversation.MessageStatusComplete, nil)

	var finishReason string
	var usage *conversation.Usage
	if ex.assembler != nil {
		finishReason = ex.assembler.FinishReason()
		usage = ex.assembler.Usage()
	}
	c.setStatus(ex, StatusReady)
	c.emit(ex, events.NewFinishEvent(c.metadata(ex), finishReason, usage, false))
	log.Debug().
		Str("exchange_id", ex.id.String()).
		Str("message_id", string(assistantID)).
		Str("finish_reason", finishReason).
		Msg("exchange complete")
	c.unlock()

	ex.handle.setResult(assistantID, nil)
}

// run streams the answer and its approval continuations.
func (c *Controller) run(ex *exchange, req *transport.SendRequest) {
	for {
		stream, err := c.transport.Send(ex.ctx, req)
		if err != nil {
			c.fail(ex, err)
			return
		}
		err = c.consume(ex, stream)
		if cerr := stream.Close(); cerr != nil {
			log.Debug().Err(cerr).Msg("could not close stream")
		}
		if err != nil {
			c.fail(ex, err)
			return
		}

		next, err := c.awaitApprovals(ex)
		if err != nil {
			c.fail(ex, err)
			return
		}
		if next == nil {
			c.complete(ex)
			return
		}
		req = next
	}
}

func (c *Controller) consume(ex *exchange, stream transport.FragmentStream) error {
	for {
		f, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		c.mu.Lock()
		if !c.current(ex) {
			c.unlock()
			log.Debug().Str("fragment_type", string(f.Type())).Msg("dropping fragment of stopped exchange")
			return ErrStopped
		}
		err = c.apply(ex, f)
		c.unlock()
		if err != nil {
			return err
		}
	}
}

// awaitApprovals blocks until every approval requested during the stream is decided. It returns the
// continuation request when at least one tool call was approved.
func (c *Controller) awaitApprovals(ex *exchange) (*transport.SendRequest, error) {
	pending := c.approvals.Registered(ex.id)
	if len(pending) == 0 {
		return nil, nil
	}

	approved := false
	for _, p := range pending {
		log.Debug().Str("approval_id", p.ApprovalID).Str("tool_name", p.ToolName).Msg("waiting for tool approval")
		d, err := c.approvals.Wait(ex.ctx, p.ApprovalID)
		if err != nil {
			return nil, err
		}
		approved = approved || d.Approved
	}
	if !approved {
		return nil, nil
	}

	c.mu.Lock()
	defer c.unlock()
	if !c.current(ex) {
		return nil, ErrStopped
	}
	ex.assembler.BeginStep()
	msg := clone.Clone(ex.assembler.Message()).(*conversation.Message)
	ex.trigger = transport.TriggerToolApproval
	return c.request(ex, msg.ID, []*conversation.Message{msg}), nil
}

// ResolveToolApproval answers a pending tool approval. An approved call resumes the exchange, a
// denied one is finalized as denied.
func (c *Controller) ResolveToolApproval(approvalID string, approved bool, reason string) error {
	c.mu.Lock()
	defer c.unlock()

	meta, ok := c.approvals.Lookup(approvalID)
	if !ok {
		return errors.Wrapf(ErrApprovalNotFound, "resolve %s", approvalID)
	}

	update := func(p *conversation.ToolPart) {
		p.Approval = &conversation.ToolApproval{ID: approvalID, Approved: helpers.ToPtr(approved), Reason: reason}
		if approved {
			p.State = conversation.ToolStateApprovalResponded
		} else {
			p.State = conversation.ToolStateOutputDenied
		}
	}

	ex := c.active
	if ex != nil && ex.id == meta.ExchangeID && ex.assembler != nil {
		if p, ok := ex.assembler.Message().ToolPart(meta.ToolCallID); ok {
			update(p)
		}
		if err := c.sync(ex); err != nil {
			return err
		}
	} else if err := c.repo.Patch(meta.MessageID, func(m *conversation.Message) {
		if p, ok := m.ToolPart(meta.ToolCallID); ok {
			update(p)
		}
	}); err != nil {
		return err
	}
	c.dirty = true

	c.approvals.Resolve(approvalID, Decision{Approved: approved, Reason: reason})
	log.Debug().Str("approval_id", approvalID).Bool("approved", approved).Msg("tool approval resolved")
	return nil
}

// PendingApprovals lists the tool calls waiting for a decision.
func (c *Controller) PendingApprovals() []PendingApproval {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	return c.approvals.Pending(c.active.id)
}

// SwitchBranch makes id the visible version of its slot.
func (c *Controller) SwitchBranch(id conversation.NodeID) error {
	c.mu.Lock()
	defer c.unlock()
	if err := c.repo.SwitchActiveBranch(id); err != nil {
		return err
	}
	c.dirty = true
	return nil
}

// PreviousBranch switches to the previous sibling of id. It is a no-op at the first sibling.
func (c *Controller) PreviousBranch(id conversation.NodeID) (conversation.NodeID, error) {
	return c.step(id, -1)
}

// NextBranch switches to the next sibling of id. It is a no-op at the last sibling.
func (c *Controller) NextBranch(id conversation.NodeID) (conversation.NodeID, error) {
	return c.step(id, 1)
}

func (c *Controller) step(id conversation.NodeID, delta int) (conversation.NodeID, error) {
	c.mu.Lock()
	defer c.unlock()
	nav := c.repo.Navigator()
	var (
		ret   conversation.NodeID
		moved bool
		err   error
	)
	if delta < 0 {
		ret, moved, err = nav.Previous(c.repo.Canonical(id))
	} else {
		ret, moved, err = nav.Next(c.repo.Canonical(id))
	}
	c.dirty = c.dirty || moved
	return ret, err
}

// Delete removes a message and everything below it. Nothing can be deleted while streaming.
func (c *Controller) Delete(id conversation.NodeID) (int, error) {
	c.mu.Lock()
	defer c.unlock()
	if c.status.Busy() {
		return 0, ErrAlreadyStreaming
	}
	n, err := c.repo.Delete(id)
	if err != nil {
		return 0, err
	}
	c.dirty = true
	return n, nil
}

// Reset stops any exchange and switches the view to another conversation, clearing the tree.
func (c *Controller) Reset(conversationID string) {
	c.mu.Lock()
	ex := c.active
	var assistantID conversation.NodeID
	if ex != nil {
		assistantID = c.stopLocked(ex)
	}
	c.repo.Clear()
	c.conversationID = conversationID
	c.err = nil
	c.view++
	c.setStatus(nil, StatusReady)
	c.dirty = true
	c.unlock()

	if ex != nil {
		ex.handle.setResult(assistantID, ErrStopped)
	}
}

// LoadHistory replaces the tree with the newest page of the conversation, showing the newest
// version at every fork.
func (c *Controller) LoadHistory(ctx context.Context, fetcher history.Fetcher, pageSize int) (bool, error) {
	c.mu.Lock()
	if c.status.Busy() {
		c.mu.Unlock()
		return false, ErrAlreadyStreaming
	}
	conversationID := c.conversationID
	view := c.view
	c.mu.Unlock()
	if conversationID == "" {
		return false, ErrNoConversation
	}

	page, err := fetcher.Fetch(ctx, conversationID, 0, pageSize)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.unlock()
	if c.view != view {
		return false, ErrConversationChanged
	}
	if c.status.Busy() {
		return false, ErrAlreadyStreaming
	}
	if _, err := c.repo.ImportFull(page.Records, true); err != nil {
		return false, err
	}
	c.dirty = true
	return page.HasMore, nil
}

// LoadOlder merges an older page of history into the tree. It may run while an answer streams.
func (c *Controller) LoadOlder(ctx context.Context, fetcher history.Fetcher, page int, pageSize int) (bool, error) {
	c.mu.Lock()
	conversationID := c.conversationID
	view := c.view
	c.mu.Unlock()
	if conversationID == "" {
		return false, ErrNoConversation
	}

	p, err := fetcher.Fetch(ctx, conversationID, page, pageSize)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.unlock()
	if c.view != view {
		return false, ErrConversationChanged
	}
	changed, _, err := c.repo.ImportIncremental(p.Records, false)
	if err != nil {
		return false, err
	}
	// re-import the streaming messages so they stay the previous batch for id reconciliation
	if ex := c.active; ex != nil {
		if err := c.sync(ex); err != nil {
			return false, err
		}
	}
	c.dirty = c.dirty || changed
	return p.HasMore, nil
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Error returns the error of the last failed exchange, nil after a successful one.
func (c *Controller) Error() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// StreamingMessageID is the id of the assistant message currently streaming, if any.
func (c *Controller) StreamingMessageID() (conversation.NodeID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.assistantID == conversation.RootID {
		return conversation.RootID, false
	}
	return c.repo.Canonical(c.active.assistantID), true
}

// ActivePath returns the visible messages. The slice is shared and must not be modified.
func (c *Controller) ActivePath() conversation.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repo.ActivePath()
}

func (c *Controller) ActivePathWithBranchInfo() []conversation.BranchInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repo.ActivePathWithBranchInfo()
}

func (c *Controller) Branches(id conversation.NodeID) (conversation.BranchInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repo.Navigator().Branches(c.repo.Canonical(id))
}

func (c *Controller) Message(id conversation.NodeID) (*conversation.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repo.Get(id)
}

// Snapshot exports the whole tree.
func (c *Controller) Snapshot() *conversation.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repo.Tree().Export()
}

func (c *Controller) Subscribe(fn func()) func() {
	return c.observers.Subscribe(fn)
}
