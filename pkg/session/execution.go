package session

import (
	"context"
	"sync"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrExecutionHandleNil = errors.New("execution handle is nil")

// ExecutionHandle represents a single in-flight exchange.
//
// It is cancelable and waitable. Cancel only aborts the transport; use Controller.Stop to also
// return the controller to ready.
type ExecutionHandle struct {
	ConversationID string
	ExchangeID     uuid.UUID
	// UserMessageID is the client id the user message was created under, empty for regenerations.
	UserMessageID conversation.NodeID

	done chan struct{}

	mu          sync.Mutex
	cancel      context.CancelFunc
	assistantID conversation.NodeID
	err         error
}

func newExecutionHandle(conversationID string, exchangeID uuid.UUID, userMessageID conversation.NodeID, cancel context.CancelFunc) *ExecutionHandle {
	return &ExecutionHandle{
		ConversationID: conversationID,
		ExchangeID:     exchangeID,
		UserMessageID:  userMessageID,
		done:           make(chan struct{}),
		cancel:         cancel,
	}
}

// setResult records the outcome once. Later calls are ignored.
func (h *ExecutionHandle) setResult(assistantID conversation.NodeID, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
	}
	h.assistantID = assistantID
	h.err = err
	h.cancel = nil
	close(h.done)
}

// Cancel cancels the in-flight exchange. It is safe to call multiple times.
func (h *ExecutionHandle) Cancel() {
	if h == nil {
		return
	}
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the exchange completes and returns the id of the assistant message it produced.
func (h *ExecutionHandle) Wait() (conversation.NodeID, error) {
	if h == nil {
		return conversation.RootID, ErrExecutionHandleNil
	}
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.assistantID, h.err
}

// Done is closed when the exchange completes.
func (h *ExecutionHandle) Done() <-chan struct{} {
	return h.done
}

// IsRunning reports whether the exchange appears to still be running.
func (h *ExecutionHandle) IsRunning() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
