package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

const SchemaVersion = 1

// Message metadata keys understood by the broker adapters.
const (
	MetadataEventType     = "event_type"
	MetadataCorrelationID = "correlation_id"
	MetadataDelay         = "x-delay"
)

type Metadata struct {
	EventID        string    `json:"eventId"`
	EventType      string    `json:"eventType"`
	EventTimestamp time.Time `json:"eventTimestamp"`
	SourceService  string    `json:"sourceService"`
	SchemaVersion  int       `json:"schemaVersion"`
	CorrelationID  string    `json:"correlationId,omitempty"`
}

// Envelope is the wire format of every message on the bus.
type Envelope struct {
	Metadata Metadata        `json:"metadata"`
	Data     json.RawMessage `json:"data"`
}

func ParseEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("could not unmarshal envelope: %w", err)
	}
	if env.Metadata.EventID == "" {
		return Envelope{}, fmt.Errorf("envelope has no eventId")
	}
	if env.Metadata.EventType == "" {
		return Envelope{}, fmt.Errorf("envelope %s has no eventType", env.Metadata.EventID)
	}
	if len(env.Data) == 0 {
		return Envelope{}, fmt.Errorf("envelope %s has no data", env.Metadata.EventID)
	}
	return env, nil
}

// Exchanges every service publishes to and binds against.
const (
	ExchangeEvents  = "ticketmarket.events"
	ExchangeDelayed = "ticketmarket.delayed"
)
