package session

import (
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/conversation/importer"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/transport"
)

// DataHandler receives named data fragments the controller doesn't handle itself.
type DataHandler func(f *events.FragmentData)

type Option func(*Controller)

func WithConversationID(id string) Option {
	return func(c *Controller) {
		c.conversationID = id
	}
}

func WithUploader(u transport.Uploader) Option {
	return func(c *Controller) {
		c.uploader = u
	}
}

func WithEventSinks(sinks ...events.EventSink) Option {
	return func(c *Controller) {
		c.sinks = append(c.sinks, sinks...)
	}
}

func WithObservers(o *Observers) Option {
	return func(c *Controller) {
		c.observers = o
	}
}

func WithRepository(r *importer.Repository) Option {
	return func(c *Controller) {
		c.repo = r
	}
}

// WithDefaultParams sets generation parameters sent with every request.
func WithDefaultParams(params map[string]interface{}) Option {
	return func(c *Controller) {
		c.params = params
	}
}

// WithDataHandler registers a handler for data fragments of type t.
func WithDataHandler(t events.FragmentType, h DataHandler) Option {
	return func(c *Controller) {
		c.dataHandlers[t] = append(c.dataHandlers[t], h)
	}
}

type sendOptions struct {
	parentID    conversation.NodeID
	hasParent   bool
	attachments []*transport.Attachment
	params      map[string]interface{}
}

type SendOption func(*sendOptions)

// WithParentID appends the new message under parentID instead of the head. conversation.RootID
// starts a new root message.
func WithParentID(id conversation.NodeID) SendOption {
	return func(o *sendOptions) {
		o.parentID = id
		o.hasParent = true
	}
}

func WithAttachments(attachments ...*transport.Attachment) SendOption {
	return func(o *sendOptions) {
		o.attachments = append(o.attachments, attachments...)
	}
}

// WithParams adds generation parameters for this request, overriding the defaults.
func WithParams(params map[string]interface{}) SendOption {
	return func(o *sendOptions) {
		if o.params == nil {
			o.params = map[string]interface{}{}
		}
		for k, v := range params {
			o.params[k] = v
		}
	}
}
