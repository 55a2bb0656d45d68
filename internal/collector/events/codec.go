package events

import (
	"encoding/json"
	"fmt"

	"github.com/vietddude/collector/internal/core/domain"
)

// Envelope is the wire form of an event shared between instances.
type Envelope struct {
	Origin  string           `json:"origin"`
	Type    domain.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// Encode wraps an event in an Envelope tagged with its origin instance.
func Encode(origin string, e domain.Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.EventType(), err)
	}
	return json.Marshal(Envelope{Origin: origin, Type: e.EventType(), Payload: payload})
}

// Decode parses an Envelope and returns its origin and event.
func Decode(data []byte) (string, domain.Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	var e domain.Event
	var err error
	switch env.Type {
	case domain.EventTypeExceptionStatusChanged:
		var v domain.ExceptionStatusChanged
		err = json.Unmarshal(env.Payload, &v)
		e = v
	case domain.EventTypeRetryAttemptStarted:
		var v domain.RetryAttemptStarted
		err = json.Unmarshal(env.Payload, &v)
		e = v
	case domain.EventTypeRetryAttemptCompleted:
		var v domain.RetryAttemptCompleted
		err = json.Unmarshal(env.Payload, &v)
		e = v
	default:
		return env.Origin, nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	if err != nil {
		return env.Origin, nil, fmt.Errorf("failed to unmarshal %s event: %w", env.Type, err)
	}
	return env.Origin, e, nil
}
