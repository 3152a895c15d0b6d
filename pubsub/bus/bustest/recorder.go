// Package bustest records what services publish so tests can assert on the envelopes.
package bustest

import (
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"

	"ticketmarket/pubsub/bus"
)

type Event struct {
	Envelope bus.Envelope
	// Payload is a pointer to the registered contract of the event type.
	Payload any
	Delay   time.Duration
}

// Recorder is a message.Publisher keeping every message it is given.
type Recorder struct {
	registry *bus.Registry

	mu       sync.Mutex
	messages []*message.Message
}

func NewRecorder(registry *bus.Registry) *Recorder {
	return &Recorder{registry: registry}
}

// Publisher returns a bus publisher for source that sends into the recorder.
func (r *Recorder) Publisher(source string) *bus.Publisher {
	return bus.NewPublisher(r, r.registry, source)
}

func (r *Recorder) Publish(_ string, messages ...*message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, messages...)
	return nil
}

func (r *Recorder) Close() error {
	return nil
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = nil
}

// Events decodes the recorded messages. With eventTypes set, only those types are returned.
func (r *Recorder) Events(t testing.TB, eventTypes ...string) []Event {
	t.Helper()

	r.mu.Lock()
	messages := append([]*message.Message(nil), r.messages...)
	r.mu.Unlock()

	wanted := make(map[string]bool, len(eventTypes))
	for _, et := range eventTypes {
		wanted[et] = true
	}

	var events []Event
	for _, msg := range messages {
		env, err := bus.ParseEnvelope(msg.Payload)
		require.NoError(t, err)

		if len(wanted) > 0 && !wanted[env.Metadata.EventType] {
			continue
		}

		payload, err := r.registry.Decode(env.Metadata.EventType, env.Data)
		require.NoError(t, err)

		events = append(events, Event{
			Envelope: env,
			Payload:  payload,
			Delay:    bus.DelayFromMetadata(msg),
		})
	}
	return events
}
