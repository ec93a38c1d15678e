package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/pkg/errors"
)

// Trigger tells the backend why a request was sent.
type Trigger string

const (
	TriggerSubmit       Trigger = "submit-message"
	TriggerRegenerate   Trigger = "regenerate-message"
	TriggerToolApproval Trigger = "tool-approval"
)

// SendRequest is the body of one exchange with the backend.
type SendRequest struct {
	ConversationID string                  `json:"id,omitempty"`
	Trigger        Trigger                 `json:"trigger"`
	MessageID      conversation.NodeID     `json:"messageId,omitempty"`
	Messages       []*conversation.Message `json:"messages"`
	Params         map[string]interface{}  `json:"params,omitempty"`
}

// FragmentStream yields the fragments of one response. Recv returns io.EOF after the last one.
type FragmentStream interface {
	Recv() (events.Fragment, error)
	Close() error
}

// Transport opens a fragment stream for a request. Cancelling ctx aborts the stream.
type Transport interface {
	Send(ctx context.Context, req *SendRequest) (FragmentStream, error)
}

var (
	ErrHTTPStatus = errors.New("unexpected http status")
	// ErrMalformedFragment is returned by streams for stream events that are not valid fragments.
	ErrMalformedFragment = errors.New("malformed stream fragment")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected http status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected http status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrHTTPStatus
}

// SliceStream replays a fixed list of fragments.
type SliceStream struct {
	ctx       context.Context
	fragments []events.Fragment
	// hold keeps the stream open after the last fragment until ctx is done
	hold bool

	mu     sync.Mutex
	next   int
	closed bool
}

func NewSliceStream(ctx context.Context, fragments []events.Fragment, hold bool) *SliceStream {
	return &SliceStream{
		ctx:       ctx,
		fragments: fragments,
		hold:      hold,
	}
}

func (s *SliceStream) Recv() (events.Fragment, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.next < len(s.fragments) {
		f := s.fragments[s.next]
		s.next++
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()

	if s.hold {
		<-s.ctx.Done()
		return nil, s.ctx.Err()
	}
	return nil, io.EOF
}

func (s *SliceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ FragmentStream = (*SliceStream)(nil)
