package events

import (
	"context"

	"github.com/rs/zerolog/log"
)

type ctxKey int

const (
	ctxKeyEventSinks ctxKey = iota
	ctxKeyEventMetadata
)

// WithEventSinks adds sinks to the ones already attached to ctx. The session controller publishes
// an exchange's events to the sinks found on the context the exchange was started with, and hands
// the transport a context carrying every sink of the exchange.
func WithEventSinks(ctx context.Context, sinks ...EventSink) context.Context {
	if len(sinks) == 0 {
		return ctx
	}
	combined := append([]EventSink{}, GetEventSinks(ctx)...)
	combined = append(combined, sinks...)
	return context.WithValue(ctx, ctxKeyEventSinks, combined)
}

func GetEventSinks(ctx context.Context) []EventSink {
	if sinks, ok := ctx.Value(ctxKeyEventSinks).([]EventSink); ok {
		return sinks
	}
	return nil
}

// WithEventMetadata records which conversation and exchange the work under ctx belongs to.
func WithEventMetadata(ctx context.Context, md EventMetadata) context.Context {
	return context.WithValue(ctx, ctxKeyEventMetadata, md)
}

// GetEventMetadata returns a copy of the exchange metadata with a fresh event id.
func GetEventMetadata(ctx context.Context) (EventMetadata, bool) {
	md, ok := ctx.Value(ctxKeyEventMetadata).(EventMetadata)
	if !ok {
		return EventMetadata{}, false
	}
	return NewEventMetadata(md.ConversationID, md.ExchangeID, md.MessageID), true
}

// PublishEventToContext publishes event to the sinks attached to ctx. Sink errors are logged and
// don't stop delivery to the remaining sinks.
func PublishEventToContext(ctx context.Context, event Event) {
	for _, sink := range GetEventSinks(ctx) {
		if err := sink.PublishEvent(event); err != nil {
			log.Warn().Err(err).Str("event_type", string(event.Type())).Msg("could not publish event from context")
		}
	}
}
