package session

import (
	"github.com/pkg/errors"
)

// Status is the lifecycle state of the controller's current exchange.
type Status string

const (
	StatusReady     Status = "ready"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

// Busy reports whether an exchange is in flight.
func (s Status) Busy() bool {
	return s == StatusSubmitted || s == StatusStreaming
}

var (
	ErrAlreadyStreaming    = errors.New("a response is already streaming")
	ErrApprovalNotFound    = errors.New("tool approval not found")
	ErrNotRegenerable      = errors.New("message cannot be regenerated")
	ErrNotEditable         = errors.New("only user messages can be edited")
	ErrStopped             = errors.New("exchange was stopped")
	ErrNoConversation      = errors.New("no conversation id")
	ErrConversationChanged = errors.New("conversation changed while loading")
)
