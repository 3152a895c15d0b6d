package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

type PublishOption func(*publishOptions)

type publishOptions struct {
	delay time.Duration
}

// WithDelay routes the message through the delayed exchange; it reaches its queues after d.
func WithDelay(d time.Duration) PublishOption {
	return func(o *publishOptions) {
		o.delay = d
	}
}

type Publisher struct {
	publisher message.Publisher
	registry  *Registry
	source    string
	now       func() time.Time
}

func NewPublisher(publisher message.Publisher, registry *Registry, source string) *Publisher {
	if publisher == nil {
		panic("missing publisher")
	}
	if registry == nil {
		panic("missing registry")
	}
	if source == "" {
		panic("missing source service")
	}

	return &Publisher{
		publisher: publisher,
		registry:  registry,
		source:    source,
		now:       time.Now,
	}
}

// Publish wraps payload in an envelope and sends it with eventType as routing key.
// Errors are returned as-is; retrying is up to the caller.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload any, opts ...PublishOption) error {
	var options publishOptions
	for _, opt := range opts {
		opt(&options)
	}

	if err := p.registry.Validate(eventType, payload); err != nil {
		return fmt.Errorf("invalid %s payload: %w", eventType, err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("could not marshal %s payload: %w", eventType, err)
	}

	correlationID := log.CorrelationIDFromContext(ctx)
	env := Envelope{
		Metadata: Metadata{
			EventID:        uuid.NewString(),
			EventType:      eventType,
			EventTimestamp: p.now().UTC(),
			SourceService:  p.source,
			SchemaVersion:  SchemaVersion,
			CorrelationID:  correlationID,
		},
		Data: data,
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("could not marshal envelope: %w", err)
	}

	msg := message.NewMessage(env.Metadata.EventID, body)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataEventType, eventType)
	msg.Metadata.Set(MetadataCorrelationID, correlationID)
	if options.delay > 0 {
		msg.Metadata.Set(MetadataDelay, strconv.FormatInt(options.delay.Milliseconds(), 10))
	}

	if err := p.publisher.Publish(eventType, msg); err != nil {
		return fmt.Errorf("could not publish %s: %w", eventType, err)
	}

	log.FromContext(ctx).WithField("event_type", eventType).
		WithField("event_id", env.Metadata.EventID).
		Debug("Event published")

	return nil
}

// DelayFromMetadata returns the delivery delay stored on msg, zero if none.
func DelayFromMetadata(msg *message.Message) time.Duration {
	raw := msg.Metadata.Get(MetadataDelay)
	if raw == "" {
		return 0
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Validate checks payload against the contract of eventType without publishing.
func (p *Publisher) Validate(eventType string, payload any) error {
	return p.registry.Validate(eventType, payload)
}
