package bus

import (
	"encoding/json"
	"fmt"
	"reflect"
)

type Payload interface {
	Validate() error
}

// Registry maps event types to their payload contracts.
type Registry struct {
	contracts map[string]reflect.Type
}

func NewRegistry() *Registry {
	return &Registry{contracts: map[string]reflect.Type{}}
}

// Register binds eventType to the type of example. Registering the same event type twice panics.
func (r *Registry) Register(eventType string, example Payload) {
	if _, ok := r.contracts[eventType]; ok {
		panic(fmt.Sprintf("contract for %s already registered", eventType))
	}
	r.contracts[eventType] = indirect(reflect.TypeOf(example))
}

func (r *Registry) EventTypes() []string {
	types := make([]string, 0, len(r.contracts))
	for t := range r.contracts {
		types = append(types, t)
	}
	return types
}

func (r *Registry) contract(eventType string) (reflect.Type, error) {
	t, ok := r.contracts[eventType]
	if !ok {
		return nil, UnknownEventTypeError{EventType: eventType}
	}
	return t, nil
}

// Validate checks that payload is the registered contract for eventType and that it is valid.
func (r *Registry) Validate(eventType string, payload any) error {
	t, err := r.contract(eventType)
	if err != nil {
		return err
	}
	if payload == nil {
		return fmt.Errorf("nil payload for %s", eventType)
	}
	if got := indirect(reflect.TypeOf(payload)); got != t {
		return fmt.Errorf("payload for %s must be %s, got %s", eventType, t, got)
	}

	p, ok := payload.(Payload)
	if !ok {
		return fmt.Errorf("payload %T does not implement Validate", payload)
	}
	return p.Validate()
}

// Decode unmarshals data into a new value of the registered contract and validates it.
// Unknown fields are ignored so newer producers can add fields.
func (r *Registry) Decode(eventType string, data []byte) (any, error) {
	t, err := r.contract(eventType)
	if err != nil {
		return nil, err
	}

	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("could not unmarshal %s payload: %w", eventType, err)
	}

	payload := ptr.Interface()
	if err := payload.(Payload).Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

func (r *Registry) check(eventType string, payloadType reflect.Type) error {
	t, err := r.contract(eventType)
	if err != nil {
		return err
	}
	if t != payloadType {
		return fmt.Errorf("handler for %s expects %s, contract is %s", eventType, payloadType, t)
	}
	return nil
}

type UnknownEventTypeError struct {
	EventType string
}

func (e UnknownEventTypeError) Error() string {
	return fmt.Sprintf("no contract registered for event type %q", e.EventType)
}

func indirect(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}
