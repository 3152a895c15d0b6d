package bus

import (
	"context"
	"fmt"
	"reflect"
)

type Handler interface {
	EventType() string
	Handle(ctx context.Context, payload any) error
	payloadType() reflect.Type
}

type typedHandler[T any] struct {
	eventType string
	fn        func(ctx context.Context, event *T) error
}

// NewHandler adapts a typed function to a Handler for eventType.
func NewHandler[T any](eventType string, fn func(ctx context.Context, event *T) error) Handler {
	return typedHandler[T]{eventType: eventType, fn: fn}
}

func (h typedHandler[T]) EventType() string {
	return h.eventType
}

func (h typedHandler[T]) Handle(ctx context.Context, payload any) error {
	event, ok := payload.(*T)
	if !ok {
		return fmt.Errorf("handler for %s got %T", h.eventType, payload)
	}
	return h.fn(ctx, event)
}

func (h typedHandler[T]) payloadType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Subscription describes one durable queue and the handlers consuming from it.
type Subscription struct {
	Queue    string
	Exchange string
	Handlers []Handler
}

func (s Subscription) RoutingKeys() []string {
	keys := make([]string, 0, len(s.Handlers))
	for _, h := range s.Handlers {
		keys = append(keys, h.EventType())
	}
	return keys
}
