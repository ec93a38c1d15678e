package session

import (
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/conversation/importer"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/helpers"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// apply folds one fragment into the tree. It is called with the mutex held, for the current
// exchange only.
func (c *Controller) apply(ex *exchange, f events.Fragment) error {
	if c.status == StatusSubmitted {
		c.setStatus(ex, StatusStreaming)
	}

	if e, err := events.NewFragmentEvent(c.metadata(ex), f); err != nil {
		log.Warn().Err(err).Str("fragment_type", string(f.Type())).Msg("could not wrap fragment")
	} else {
		c.emit(ex, e)
	}

	switch v := f.(type) {
	case *events.FragmentStart:
		if err := c.ensureAssistant(ex, conversation.NodeID(v.MessageID)); err != nil {
			return err
		}
		if _, err := ex.assembler.Add(v); err != nil {
			return err
		}
		return c.sync(ex)

	case *events.FragmentData:
		return c.applyData(ex, v)

	case *events.FragmentMessage:
		if v.Message == nil {
			return nil
		}
		return c.applyMessage(ex, clone.Clone(v.Message).(*conversation.Message))

	case *events.FragmentError:
		return &StreamError{Text: v.ErrorText}

	case *events.FragmentToolApprovalRequest:
		if err := c.ensureAssistant(ex, conversation.RootID); err != nil {
			return err
		}
		if _, err := ex.assembler.Add(v); err != nil {
			return err
		}
		p, _ := ex.assembler.Message().ToolPart(v.ToolCallID)
		meta := c.approvals.Register(PendingApproval{
			ApprovalID: v.ApprovalID,
			ToolCallID: p.ToolCallID,
			ToolName:   p.ToolName,
			Input:      p.Input,
			MessageID:  c.repo.Canonical(ex.assistantID),
			ExchangeID: ex.id,
		})
		p.Approval.ID = meta.ApprovalID
		if err := c.sync(ex); err != nil {
			return err
		}
		part := *p
		c.emit(ex, events.NewApprovalEvent(c.metadata(ex), meta.ApprovalID, &part))
		log.Debug().
			Str("approval_id", meta.ApprovalID).
			Str("tool_name", p.ToolName).
			Msg("tool call needs approval")
		return nil
	}

	switch f.Type() {
	case events.FragmentTypeAbort:
		c.stopLocked(ex)
		return ErrStopped
	case events.FragmentTypeFinishStep:
		return nil
	case events.FragmentTypeStartStep:
		if ex.assembler != nil {
			ex.assembler.BeginStep()
		}
		return nil
	}

	if !touchesMessage(f.Type()) {
		log.Debug().Str("fragment_type", string(f.Type())).Msg("ignoring unknown fragment")
		return nil
	}
	if err := c.ensureAssistant(ex, conversation.RootID); err != nil {
		return err
	}
	return c.addToAssistant(ex, f)
}

func touchesMessage(t events.FragmentType) bool {
	switch t {
	case events.FragmentTypeTextStart, events.FragmentTypeTextDelta, events.FragmentTypeTextEnd,
		events.FragmentTypeReasoningStart, events.FragmentTypeReasoningDelta, events.FragmentTypeReasoningEnd,
		events.FragmentTypeToolInputStart, events.FragmentTypeToolInputDelta, events.FragmentTypeToolInputAvailable,
		events.FragmentTypeToolOutputAvailable, events.FragmentTypeToolOutputError, events.FragmentTypeToolOutputDenied,
		events.FragmentTypeSourceURL, events.FragmentTypeFile,
		events.FragmentTypeMessageMetadata, events.FragmentTypeFinish:
		return true
	}
	return false
}

func (c *Controller) addToAssistant(ex *exchange, f events.Fragment) error {
	changed, err := ex.assembler.Add(f)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return c.sync(ex)
}

// ensureAssistant makes sure the exchange has a working assistant message. A non-empty id that
// differs from the current one re-identifies the message.
func (c *Controller) ensureAssistant(ex *exchange, id conversation.NodeID) error {
	if ex.assembler != nil {
		current := c.repo.Canonical(ex.assistantID)
		if id == conversation.RootID || id == current {
			return nil
		}
		if c.repo.Tree().Has(current) {
			if err := c.repo.Rename(current, id); err != nil {
				return errors.Wrapf(err, "could not rename streaming message to %s", id)
			}
			c.dirty = true
		}
		ex.assistantID = id
		ex.assembler.Message().ID = id
		return nil
	}

	if id == conversation.RootID {
		id = conversation.NodeID(helpers.NewTemporaryID())
	}
	var msg *conversation.Message
	if existing, ok := c.repo.Get(id); ok && existing.Role == conversation.RoleAssistant {
		msg = clone.Clone(existing).(*conversation.Message)
	} else {
		msg = conversation.NewMessage(conversation.RoleAssistant,
			conversation.WithID(id),
			conversation.WithCreatedAt(time.Now()),
		)
	}
	msg.SetMetadata(conversation.MetadataKeySequence, ex.assistantSeq)
	msg.SetMetadata(conversation.MetadataKeyParentID, string(c.repo.Canonical(ex.parentID)))
	ex.assistantID = id
	ex.assembler = NewAssembler(msg)
	return nil
}

// sync imports the exchange's user and assistant messages as one batch, keeping them the previous
// batch the reconciler matches late ids against.
func (c *Controller) sync(ex *exchange) error {
	if ex.assembler == nil {
		return nil
	}
	msg := ex.assembler.Message()
	msg.ID = c.repo.Canonical(msg.ID)
	ex.assistantID = msg.ID
	parent := c.repo.Canonical(ex.parentID)
	msg.SetMetadata(conversation.MetadataKeyParentID, string(parent))

	records := make([]importer.Record, 0, 2)
	if ex.userID != conversation.RootID {
		if n, ok := c.repo.Tree().Node(c.repo.Canonical(ex.userID)); ok {
			records = append(records, importer.NewRecord(n.Message).WithParent(n.Parent).WithSequence(n.Sequence))
		}
	}
	records = append(records, importer.NewRecord(msg).WithParent(parent).WithSequence(ex.assistantSeq))

	changed, _, err := c.repo.ImportIncremental(records, true)
	if err != nil {
		return err
	}
	c.dirty = c.dirty || changed
	return nil
}

func messageIDData(f *events.FragmentData) (*events.MessageIDData, bool) {
	switch v := f.Decoded.(type) {
	case *events.MessageIDData:
		return v, v != nil
	case events.MessageIDData:
		return &v, true
	case string:
		return &events.MessageIDData{PersistedID: v}, true
	}
	if s, ok := f.StringData(); ok {
		return &events.MessageIDData{PersistedID: s}, true
	}
	return nil, false
}

func (c *Controller) applyData(ex *exchange, f *events.FragmentData) error {
	switch f.Type() {
	case events.DataConversationID:
		id, ok := f.StringData()
		if !ok || id == "" {
			log.Warn().Msg("conversation id fragment without id")
			return nil
		}
		if c.conversationID != id {
			c.conversationID = id
			c.dirty = true
		}
		return nil

	case events.DataMessageID:
		d, ok := messageIDData(f)
		if !ok || d.PersistedID == "" {
			log.Warn().Msg("message id fragment without id")
			return nil
		}
		persisted := conversation.NodeID(d.PersistedID)
		client := c.repo.Canonical(conversation.NodeID(d.ClientID))
		if d.ClientID == "" || (ex.assembler != nil && client == c.repo.Canonical(ex.assistantID)) {
			if err := c.ensureAssistant(ex, persisted); err != nil {
				return err
			}
			return c.sync(ex)
		}
		if err := c.repo.Rename(client, persisted); err != nil {
			log.Warn().Err(err).Str("client_id", d.ClientID).Str("id", d.PersistedID).Msg("could not rename message")
			return nil
		}
		c.dirty = true
		return nil
	}

	handlers := c.dataHandlers[f.Type()]
	if len(handlers) == 0 {
		log.Debug().Str("data_type", string(f.Type())).Msg("no handler for data fragment")
		return nil
	}
	for _, h := range handlers {
		h := h
		c.deferred = append(c.deferred, func() { h(f) })
	}
	return nil
}

// applyMessage takes a complete message sent by the backend, e.g. the persisted user message or
// the final assistant message.
func (c *Controller) applyMessage(ex *exchange, msg *conversation.Message) error {
	switch msg.Role {
	case conversation.RoleAssistant:
		if err := c.ensureAssistant(ex, msg.ID); err != nil {
			return err
		}
		msg.ID = c.repo.Canonical(ex.assistantID)
		ex.assembler.Reset(msg)
		return c.sync(ex)

	case conversation.RoleUser:
		if ex.userID == conversation.RootID {
			break
		}
		userID := c.repo.Canonical(ex.userID)
		if msg.ID == conversation.RootID {
			msg.ID = userID
		}
		if msg.ID != userID {
			if err := c.repo.Rename(userID, msg.ID); err != nil {
				return errors.Wrapf(err, "could not rename user message to %s", msg.ID)
			}
		}
		n, ok := c.repo.Tree().Node(msg.ID)
		if !ok {
			return errors.Wrapf(conversation.ErrMessageNotFound, "user message %s", msg.ID)
		}
		rec := importer.NewRecord(msg)
		if rec.ParentID == nil {
			rec = rec.WithParent(n.Parent)
		}
		if rec.Sequence == nil {
			rec = rec.WithSequence(n.Sequence)
		}
		if ex.assembler != nil {
			c.dirty = true
			if _, _, err := c.repo.ImportIncremental([]importer.Record{rec}, false); err != nil {
				return err
			}
			return c.sync(ex)
		}
		changed, _, err := c.repo.ImportIncremental([]importer.Record{rec}, true)
		if err != nil {
			return err
		}
		c.dirty = c.dirty || changed
		return nil
	}

	log.Debug().Str("role", string(msg.Role)).Str("message_id", string(msg.ID)).Msg("importing message from stream")
	changed, _, err := c.repo.ImportIncremental([]importer.Record{importer.NewRecord(msg)}, false)
	if err != nil {
		return err
	}
	c.dirty = c.dirty || changed
	return nil
}
