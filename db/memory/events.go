package memory

import (
	"context"
	"errors"

	"ticketmarket/pubsub/bus"
)

// Publisher is where committed events go, usually a *bus.Publisher.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any, opts ...bus.PublishOption) error
}

type validator interface {
	Validate(eventType string, payload any) error
}

type pendingEvent struct {
	ctx       context.Context
	eventType string
	payload   any
	opts      []bus.PublishOption
}

// eventBuffer holds events published inside a unit of work until it commits.
type eventBuffer struct {
	target Publisher
	events []pendingEvent
}

func (b *eventBuffer) Publish(ctx context.Context, eventType string, payload any, opts ...bus.PublishOption) error {
	if v, ok := b.target.(validator); ok {
		if err := v.Validate(eventType, payload); err != nil {
			return err
		}
	}

	b.events = append(b.events, pendingEvent{
		ctx:       ctx,
		eventType: eventType,
		payload:   payload,
		opts:      opts,
	})
	return nil
}

func (b *eventBuffer) flush() error {
	var errs []error
	for _, e := range b.events {
		if err := b.target.Publish(e.ctx, e.eventType, e.payload, e.opts...); err != nil {
			errs = append(errs, err)
		}
	}
	b.events = nil
	return errors.Join(errs...)
}
