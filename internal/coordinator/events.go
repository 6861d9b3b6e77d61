package coordinator

import (
	"context"
	"time"

	"github.com/deskrelay/deskrelay/internal/contracts"
	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Events announces session lifecycle changes to observers outside the
// session. Failures never affect the session itself.
type Events interface {
	Emit(ctx context.Context, typ contracts.EventType, code session.Code, correlationID string, payload any) error
}

type NopEvents struct{}

func (NopEvents) Emit(context.Context, contracts.EventType, session.Code, string, any) error {
	return nil
}

type natsPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSEvents publishes lifecycle envelopes on the deskrelay.session.*
// subjects.
type NATSEvents struct {
	nc  natsPublisher
	now func() time.Time
}

func NewNATSEvents(nc natsPublisher) *NATSEvents {
	return &NATSEvents{nc: nc, now: func() time.Time { return time.Now().UTC() }}
}

func (e *NATSEvents) Emit(_ context.Context, typ contracts.EventType, code session.Code, correlationID string, payload any) error {
	subject, err := contracts.SubjectForType(typ)
	if err != nil {
		return err
	}
	raw, err := contracts.MarshalV1(uuid.NewString(), typ, e.now(), correlationID, code, payload)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(subject)
	msg.Data = raw
	msg.Header.Set("correlation_id", correlationID)
	msg.Header.Set("content-type", "application/json")
	return e.nc.PublishMsg(msg)
}
