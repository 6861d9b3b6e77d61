package gateway

import (
	"errors"

	"github.com/deskrelay/deskrelay/internal/contracts"
	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/deskrelay/deskrelay/pkg/bus"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

var ErrInvalidEvent = errors.New("invalid session stopped event")

type natsSubscriber interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// SubscribeSessionStopped disconnects local viewers as soon as a host
// announces its session ended, without waiting for the status key.
func SubscribeSessionStopped(nc natsSubscriber, logger zerolog.Logger, bridge *Bridge) (*nats.Subscription, error) {
	return nc.Subscribe(bus.SubjectSessionStopped, func(msg *nats.Msg) {
		code, reason, err := decodeSessionStopped(msg.Data)
		if err != nil {
			logger.Warn().Err(err).Msg("invalid nats session stopped payload")
			return
		}
		if n := bridge.DisconnectHost(code, reason); n > 0 {
			logger.Info().Str("code", code.String()).Int("viewers", n).Msg("host stopped, viewers disconnected")
			return
		}
		logger.Debug().Str("code", code.String()).Msg("no viewers of stopped host on this gateway instance")
	})
}

func decodeSessionStopped(data []byte) (session.Code, string, error) {
	env, err := contracts.UnmarshalEnvelope(data)
	if err != nil {
		return "", "", err
	}
	if env.Type != contracts.EventSessionStopped {
		return "", "", ErrInvalidEvent
	}
	payload, err := contracts.DecodeV1Payload(env)
	if err != nil {
		return "", "", err
	}
	stopped := payload.(contracts.SessionStoppedV1)
	if stopped.Code == "" {
		return "", "", ErrInvalidEvent
	}
	reason := stopped.Reason
	if reason == "" {
		reason = "host stopped"
	}
	return session.Code(stopped.Code), reason, nil
}
