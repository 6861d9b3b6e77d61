package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/deskrelay/deskrelay/pkg/bus"
)

// EventType identifies a session lifecycle announcement.
type EventType string

const (
	EventSessionReserved EventType = "session.reserved"
	EventSessionAccepted EventType = "session.accepted"
	EventSessionRejected EventType = "session.rejected"
	EventSessionStopped  EventType = "session.stopped"
)

var validEventTypes = map[EventType]struct{}{
	EventSessionReserved: {},
	EventSessionAccepted: {},
	EventSessionRejected: {},
	EventSessionStopped:  {},
}

// Envelope is the JSON event envelope published on the lifecycle subjects.
type Envelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	TS            time.Time       `json:"ts"`
	CorrelationID string          `json:"correlation_id"`
	Code          string          `json:"code"`
	Payload       json.RawMessage `json:"payload"`
}

var (
	ErrInvalidEventType = errors.New("invalid event type")
	ErrInvalidRecord    = errors.New("invalid record")
)

func ValidateEventType(eventType EventType) error {
	if _, ok := validEventTypes[eventType]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidEventType, eventType)
	}
	return nil
}

// MarshalV1 marshals an envelope with a v1 payload struct.
func MarshalV1[T any](id string, eventType EventType, ts time.Time, correlationID string, code session.Code, payload T) ([]byte, error) {
	if err := ValidateEventType(eventType); err != nil {
		return nil, err
	}
	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		ID:            id,
		Type:          eventType,
		TS:            ts,
		CorrelationID: correlationID,
		Code:          code.String(),
		Payload:       payloadRaw,
	})
}

// UnmarshalEnvelope unmarshals and validates an event envelope.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if err := ValidateEventType(env.Type); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// V1 payload schemas.
type SessionReservedV1 struct {
	Code string `json:"code"`
}

type SessionAcceptedV1 struct {
	Code        string                `json:"code"`
	Requester   string                `json:"requester"`
	Permissions session.PermissionSet `json:"permissions"`
}

type SessionRejectedV1 struct {
	Code      string `json:"code"`
	Requester string `json:"requester"`
	Reason    string `json:"reason,omitempty"`
}

type SessionStoppedV1 struct {
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// DecodeV1Payload decodes the payload into a v1 schema by event type.
func DecodeV1Payload(env Envelope) (any, error) {
	switch env.Type {
	case EventSessionReserved:
		var payload SessionReservedV1
		return payload, json.Unmarshal(env.Payload, &payload)
	case EventSessionAccepted:
		var payload SessionAcceptedV1
		return payload, json.Unmarshal(env.Payload, &payload)
	case EventSessionRejected:
		var payload SessionRejectedV1
		return payload, json.Unmarshal(env.Payload, &payload)
	case EventSessionStopped:
		var payload SessionStoppedV1
		return payload, json.Unmarshal(env.Payload, &payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidEventType, env.Type)
	}
}

// SubjectForType maps a lifecycle event type to its NATS subject.
func SubjectForType(eventType EventType) (string, error) {
	switch eventType {
	case EventSessionReserved:
		return bus.SubjectSessionReserved, nil
	case EventSessionAccepted:
		return bus.SubjectSessionAccepted, nil
	case EventSessionRejected:
		return bus.SubjectSessionRejected, nil
	case EventSessionStopped:
		return bus.SubjectSessionStopped, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidEventType, eventType)
	}
}
