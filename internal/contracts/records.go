package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/deskrelay/deskrelay/internal/session"
)

// The records below are the values written to the relay channel keys.

// StatusRecord is published on sessions.<code>.status by the host.
type StatusRecord struct {
	Code        string                 `json:"code"`
	Status      session.Status         `json:"status"`
	Permissions *session.PermissionSet `json:"permissions,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// RequestRecord is published on sessions.<host>.request by a client. From is
// the requester's own code: the host answers on its decision key.
type RequestRecord struct {
	From      string    `json:"from"`
	RequestID string    `json:"requestId"`
	SentAt    time.Time `json:"sentAt"`
}

// Outcome of a request as seen by the requester.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeBusy     Outcome = "busy"
)

// DecisionRecord is published on sessions.<requester>.decision by the host.
type DecisionRecord struct {
	Host        string                 `json:"host"`
	RequestID   string                 `json:"requestId"`
	Outcome     Outcome                `json:"outcome"`
	Permissions *session.PermissionSet `json:"permissions,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	DecidedAt   time.Time              `json:"decidedAt"`
}

// ControlEventV1 is one input event inside a ControlBatch. X and Y are
// normalized to [0,1].
type ControlEventV1 struct {
	Seq  uint64  `json:"seq"`
	Kind string  `json:"kind"`
	X    float64 `json:"x,omitempty"`
	Y    float64 `json:"y,omitempty"`
	Key  string  `json:"key,omitempty"`
}

// ControlBatch is the sender's current window of events, published on
// sessions.<host>.control. Sender changes whenever a new sender starts, so
// receivers can reset their sequence tracking.
type ControlBatch struct {
	Sender string           `json:"sender"`
	Events []ControlEventV1 `json:"events"`
}

func (r RequestRecord) Validate() error {
	if r.From == "" || r.RequestID == "" {
		return fmt.Errorf("%w: request needs from and requestId", ErrInvalidRecord)
	}
	return nil
}

func (r DecisionRecord) Validate() error {
	switch r.Outcome {
	case OutcomeAccepted:
		if r.Permissions == nil {
			return fmt.Errorf("%w: accepted decision without permissions", ErrInvalidRecord)
		}
	case OutcomeRejected, OutcomeBusy:
	default:
		return fmt.Errorf("%w: outcome %q", ErrInvalidRecord, r.Outcome)
	}
	if r.Host == "" {
		return fmt.Errorf("%w: decision needs host", ErrInvalidRecord)
	}
	return nil
}

func (r StatusRecord) Validate() error {
	if _, err := session.ParseStatus(string(r.Status)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

func (b ControlBatch) Validate() error {
	if b.Sender == "" {
		return fmt.Errorf("%w: control batch needs sender", ErrInvalidRecord)
	}
	return nil
}

type validator interface{ Validate() error }

// Encode marshals a record after validating it.
func Encode[T validator](rec T) ([]byte, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

// Decode unmarshals and validates a record.
func Decode[T validator](data []byte) (T, error) {
	var rec T
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := rec.Validate(); err != nil {
		return rec, err
	}
	return rec, nil
}
