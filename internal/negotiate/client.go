package negotiate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deskrelay/deskrelay/internal/channel"
	"github.com/deskrelay/deskrelay/internal/contracts"
	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Directory answers whether a code is currently reserved.
type Directory interface {
	Exists(ctx context.Context, code session.Code) (bool, error)
}

// Outcome is an accepted decision as seen by the requester.
type Outcome struct {
	Host        session.Code
	RequestID   string
	Permissions session.PermissionSet
	DecidedAt   time.Time
}

// Client sends requests and waits for the matching decision.
type Client struct {
	ch      channel.Channel
	dir     Directory
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time
	newID   func() string
}

// NewClient builds a client. A zero timeout waits for a decision until ctx
// ends.
func NewClient(ch channel.Channel, dir Directory, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		ch:      ch,
		dir:     dir,
		timeout: timeout,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// Request asks host for access on behalf of requester and blocks until the
// host decides. Rejection returns ErrRejected, a host already in a session
// ErrBusy, an unreserved code ErrUnknownCode. Decisions for other hosts or
// earlier requests are ignored.
func (c *Client) Request(ctx context.Context, host, requester session.Code) (Outcome, error) {
	ok, err := c.dir.Exists(ctx, host)
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup %s: %w", host, err)
	}
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", session.ErrUnknownCode, host)
	}

	// Listen on the return address before asking so the answer cannot be
	// missed.
	sub, err := c.ch.Subscribe(ctx, channel.DecisionKey(requester))
	if err != nil {
		return Outcome{}, err
	}
	defer sub.Close()

	req := contracts.RequestRecord{From: requester.String(), RequestID: c.newID(), SentAt: c.now()}
	raw, err := contracts.Encode(req)
	if err != nil {
		return Outcome{}, err
	}
	if err := c.ch.Publish(ctx, channel.RequestKey(host), raw); err != nil {
		return Outcome{}, fmt.Errorf("publish request: %w", err)
	}
	log := c.logger.With().Str("code", host.String()).Str("request_id", req.RequestID).Logger()
	log.Info().Msg("access requested")

	var expired <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			c.withdraw(ctx, host, log)
			return Outcome{}, ctx.Err()
		case <-expired:
			c.withdraw(ctx, host, log)
			return Outcome{}, fmt.Errorf("%w: no decision from %s after %s", session.ErrRequestExpired, host, c.timeout)
		case u, ok := <-sub.C():
			if !ok {
				return Outcome{}, channel.ErrClosed
			}
			if u.Empty {
				continue
			}
			dec, err := contracts.Decode[contracts.DecisionRecord](u.Value)
			if err != nil {
				log.Warn().Err(err).Msg("ignoring malformed decision")
				continue
			}
			if err := matchDecision(dec, host, req.RequestID); err != nil {
				log.Debug().Err(err).Str("decision_request_id", dec.RequestID).Msg("ignoring decision")
				continue
			}
			return outcomeFrom(dec, host)
		}
	}
}

// withdraw clears the request so the host drops it. It runs after ctx may
// already be cancelled.
func (c *Client) withdraw(ctx context.Context, host session.Code, log zerolog.Logger) {
	if err := c.ch.Clear(context.WithoutCancel(ctx), channel.RequestKey(host)); err != nil {
		log.Warn().Err(err).Msg("clear abandoned request")
	}
}

func matchDecision(dec contracts.DecisionRecord, host session.Code, requestID string) error {
	if dec.Host != host.String() || dec.RequestID != requestID {
		return session.ErrStaleDecision
	}
	return nil
}

func outcomeFrom(dec contracts.DecisionRecord, host session.Code) (Outcome, error) {
	switch dec.Outcome {
	case contracts.OutcomeAccepted:
		return Outcome{Host: host, RequestID: dec.RequestID, Permissions: *dec.Permissions, DecidedAt: dec.DecidedAt}, nil
	case contracts.OutcomeBusy:
		return Outcome{}, fmt.Errorf("%w: %s", session.ErrBusy, host)
	default:
		return Outcome{}, fmt.Errorf("%w: %s", session.ErrRejected, host)
	}
}

// IsFinal reports whether err ends a request for good, as opposed to a
// transport failure worth retrying.
func IsFinal(err error) bool {
	return errors.Is(err, session.ErrRejected) ||
		errors.Is(err, session.ErrBusy) ||
		errors.Is(err, session.ErrUnknownCode) ||
		errors.Is(err, session.ErrRequestExpired)
}
