package controlrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/deskrelay/deskrelay/internal/channel"
	"github.com/deskrelay/deskrelay/internal/contracts"
	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/deskrelay/deskrelay/pkg/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Policy decides what the control key holds when events arrive faster than
// the host reads them.
type Policy string

const (
	// PolicyLatest keeps only the newest event.
	PolicyLatest Policy = "latest"
	// PolicyQueue keeps the newest Window events; older ones are lost.
	PolicyQueue Policy = "queue"
	// PolicyCoalesce is PolicyQueue with consecutive mouse moves merged.
	PolicyCoalesce Policy = "coalesce"
)

const DefaultWindow = 64

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyLatest, PolicyQueue, PolicyCoalesce:
		return Policy(s), nil
	case "":
		return PolicyLatest, nil
	default:
		return "", fmt.Errorf("unknown control policy %q", s)
	}
}

type SenderOptions struct {
	Policy Policy
	Window int
}

// Sender publishes the client's input to sessions.<host>.control. Each
// publish carries the current window of sequenced events so the host can
// apply each event once and in order.
type Sender struct {
	ch      channel.Channel
	host    session.Code
	perms   session.PermissionSet
	policy  Policy
	window  int
	id      string
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	seq     uint64
	pending []contracts.ControlEventV1
}

func NewSender(ch channel.Channel, host session.Code, perms session.PermissionSet, opts SenderOptions, logger zerolog.Logger, metrics *observability.Metrics) *Sender {
	if metrics == nil {
		metrics = observability.Discard
	}
	if opts.Policy == "" {
		opts.Policy = PolicyLatest
	}
	window := opts.Window
	switch {
	case opts.Policy == PolicyLatest:
		window = 1
	case window <= 0:
		window = DefaultWindow
	}
	return &Sender{
		ch:      ch,
		host:    host,
		perms:   perms,
		policy:  opts.Policy,
		window:  window,
		id:      uuid.NewString(),
		logger:  logger.With().Str("code", host.String()).Str("relay", "control").Logger(),
		metrics: metrics,
	}
}

// Send publishes ev. Events the permission set does not allow are dropped
// and logged; they never reach the channel and Send still returns nil.
func (s *Sender) Send(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if !Allowed(s.perms, ev) {
		s.metrics.ControlDropped.Add(1)
		s.logger.Debug().Str("kind", string(ev.Kind)).Err(session.ErrPermissionViolation).Msg("control event dropped")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range Expand(ev) {
		s.enqueue(e)
	}
	raw, err := json.Marshal(contracts.ControlBatch{Sender: s.id, Events: s.pending})
	if err != nil {
		return err
	}
	if err := s.ch.Publish(ctx, channel.ControlKey(s.host), raw); err != nil {
		return fmt.Errorf("publish control: %w", err)
	}
	s.metrics.ControlSent.Add(1)
	return nil
}

func (s *Sender) enqueue(ev Event) {
	s.seq++
	w := toWire(s.seq, ev)
	if s.policy == PolicyCoalesce && ev.Kind == KindMouseMove && len(s.pending) > 0 {
		if last := &s.pending[len(s.pending)-1]; Kind(last.Kind) == KindMouseMove {
			*last = w
			return
		}
	}
	s.pending = append(s.pending, w)
	if over := len(s.pending) - s.window; over > 0 {
		s.pending = append(s.pending[:0:0], s.pending[over:]...)
	}
}

// ID identifies this sender in published batches.
func (s *Sender) ID() string { return s.id }
