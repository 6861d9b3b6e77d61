// Package negotiate runs the consent handshake between a requester and a
// host: request, human decision, permission set.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deskrelay/deskrelay/internal/channel"
	"github.com/deskrelay/deskrelay/internal/contracts"
	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/deskrelay/deskrelay/pkg/observability"
	"github.com/rs/zerolog"
)

// ErrNoPendingRequest is returned by Decide when there is nothing to answer.
var ErrNoPendingRequest = errors.New("no pending request")

// Host answers requests addressed to one session. Decisions go to the
// requester's own decision key; status changes go to the host status key.
type Host struct {
	ch      channel.Channel
	sess    *session.Session
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu      sync.Mutex
	pending *contracts.RequestRecord
	handled map[string]struct{}
}

func NewHost(ch channel.Channel, sess *session.Session, logger zerolog.Logger, metrics *observability.Metrics) *Host {
	if metrics == nil {
		metrics = observability.Discard
	}
	return &Host{
		ch:      ch,
		sess:    sess,
		logger:  logger.With().Str("code", sess.Code().String()).Logger(),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
		handled: make(map[string]struct{}),
	}
}

// PublishStatus writes the session's current status record.
func (h *Host) PublishStatus(ctx context.Context) error {
	v := h.sess.View()
	raw, err := contracts.Encode(contracts.StatusRecord{
		Code:        v.Code.String(),
		Status:      v.Status,
		Permissions: v.Permissions,
		Reason:      v.Reason,
		UpdatedAt:   h.now(),
	})
	if err != nil {
		return err
	}
	if err := h.ch.Publish(ctx, channel.StatusKey(h.sess.Code()), raw); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}

// HandleRequest moves an Available session to RequestPending and reports
// true. A request seen before is ignored. Any other state answers the
// requester with a busy decision and returns ErrBusy.
func (h *Host) HandleRequest(ctx context.Context, req contracts.RequestRecord) (bool, error) {
	if err := req.Validate(); err != nil {
		return false, err
	}
	h.mu.Lock()
	if _, seen := h.handled[req.RequestID]; seen {
		h.mu.Unlock()
		return false, nil
	}
	h.handled[req.RequestID] = struct{}{}
	h.mu.Unlock()

	h.metrics.RequestsReceived.Add(1)
	if err := h.sess.IncomingRequest(session.Code(req.From)); err != nil {
		if !errors.Is(err, session.ErrBusy) {
			return false, err
		}
		h.metrics.RequestsBusy.Add(1)
		h.logger.Info().Str("requester", req.From).Str("status", string(h.sess.Status())).Msg("request refused, session busy")
		if perr := h.publishDecision(ctx, req, contracts.OutcomeBusy, nil, "host busy"); perr != nil {
			return false, perr
		}
		return false, err
	}

	h.mu.Lock()
	r := req
	h.pending = &r
	h.mu.Unlock()
	h.logger.Info().Str("requester", req.From).Str("request_id", req.RequestID).Msg("request pending")
	return true, h.PublishStatus(ctx)
}

// Withdraw drops a pending request whose requester went away.
func (h *Host) Withdraw(ctx context.Context) error {
	h.mu.Lock()
	if h.pending == nil {
		h.mu.Unlock()
		return nil
	}
	h.pending = nil
	h.mu.Unlock()
	if err := h.sess.Withdraw(); err != nil {
		return err
	}
	h.logger.Info().Msg("request withdrawn")
	return h.PublishStatus(ctx)
}

// Pending returns the request awaiting a decision.
func (h *Host) Pending() (contracts.RequestRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == nil {
		return contracts.RequestRecord{}, false
	}
	return *h.pending, true
}

// Decide applies the human decision to the pending request and publishes
// it. It returns the granted permission set; on rejection it returns
// ErrRejected.
func (h *Host) Decide(ctx context.Context, g session.Grant) (session.PermissionSet, error) {
	h.mu.Lock()
	req := h.pending
	h.mu.Unlock()
	if req == nil {
		return session.PermissionSet{}, ErrNoPendingRequest
	}

	perms, err := h.sess.Grant(g)
	if err != nil {
		return session.PermissionSet{}, err
	}
	h.mu.Lock()
	h.pending = nil
	h.mu.Unlock()

	if !g.Accept {
		h.metrics.SessionsRejected.Add(1)
		h.logger.Info().Str("requester", req.From).Msg("request rejected")
		if err := h.publishDecision(ctx, *req, contracts.OutcomeRejected, nil, "declined"); err != nil {
			return session.PermissionSet{}, err
		}
		if h.sess.Reopen() {
			h.logger.Info().Msg("code reopened for a new requester")
		}
		if err := h.PublishStatus(ctx); err != nil {
			return session.PermissionSet{}, err
		}
		return session.PermissionSet{}, session.ErrRejected
	}

	h.metrics.SessionsAccepted.Add(1)
	h.logger.Info().Str("requester", req.From).Interface("permissions", perms).Msg("request accepted")
	if err := h.publishDecision(ctx, *req, contracts.OutcomeAccepted, &perms, ""); err != nil {
		return session.PermissionSet{}, err
	}
	return perms, h.PublishStatus(ctx)
}

func (h *Host) publishDecision(ctx context.Context, req contracts.RequestRecord, outcome contracts.Outcome, perms *session.PermissionSet, reason string) error {
	raw, err := contracts.Encode(contracts.DecisionRecord{
		Host:        h.sess.Code().String(),
		RequestID:   req.RequestID,
		Outcome:     outcome,
		Permissions: perms,
		Reason:      reason,
		DecidedAt:   h.now(),
	})
	if err != nil {
		return err
	}
	if err := h.ch.Publish(ctx, channel.DecisionKey(session.Code(req.From)), raw); err != nil {
		return fmt.Errorf("publish decision: %w", err)
	}
	return nil
}
