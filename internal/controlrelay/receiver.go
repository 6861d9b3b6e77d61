package controlrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/deskrelay/deskrelay/internal/channel"
	"github.com/deskrelay/deskrelay/internal/contracts"
	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/deskrelay/deskrelay/pkg/observability"
	"github.com/rs/zerolog"
)

// Injector performs an input event on the host machine.
type Injector interface {
	Apply(ctx context.Context, ev Event) error
}

type InjectorFunc func(ctx context.Context, ev Event) error

func (f InjectorFunc) Apply(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Receiver applies control batches addressed to the host. It re-checks the
// permission gate because the sender is not trusted.
type Receiver struct {
	ch       channel.Channel
	host     session.Code
	perms    session.PermissionSet
	injector Injector
	logger   zerolog.Logger
	metrics  *observability.Metrics

	sender  string
	lastSeq uint64
}

func NewReceiver(ch channel.Channel, host session.Code, perms session.PermissionSet, injector Injector, logger zerolog.Logger, metrics *observability.Metrics) *Receiver {
	if metrics == nil {
		metrics = observability.Discard
	}
	return &Receiver{
		ch:       ch,
		host:     host,
		perms:    perms,
		injector: injector,
		logger:   logger.With().Str("code", host.String()).Str("relay", "control").Logger(),
		metrics:  metrics,
	}
}

// Run applies incoming events until ctx ends.
func (r *Receiver) Run(ctx context.Context) error {
	sub, err := r.ch.Subscribe(ctx, channel.ControlKey(r.host))
	if err != nil {
		return fmt.Errorf("subscribe control %s: %w", r.host, err)
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-sub.C():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return channel.ErrClosed
			}
			if u.Empty {
				continue
			}
			var batch contracts.ControlBatch
			if err := json.Unmarshal(u.Value, &batch); err != nil {
				r.logger.Warn().Err(err).Msg("ignoring malformed control batch")
				continue
			}
			if err := batch.Validate(); err != nil {
				r.logger.Warn().Err(err).Msg("ignoring control batch")
				continue
			}
			r.applyBatch(ctx, batch)
		}
	}
}

func (r *Receiver) applyBatch(ctx context.Context, batch contracts.ControlBatch) {
	if batch.Sender != r.sender {
		r.sender = batch.Sender
		r.lastSeq = 0
	}
	events := append([]contracts.ControlEventV1(nil), batch.Events...)
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	for _, w := range events {
		if w.Seq <= r.lastSeq {
			continue
		}
		if gap := w.Seq - r.lastSeq - 1; r.lastSeq > 0 && gap > 0 {
			r.metrics.ControlOverwrote.Add(int64(gap))
		}
		r.lastSeq = w.Seq
		ev := fromWire(w)
		if err := ev.Validate(); err != nil {
			r.logger.Warn().Err(err).Msg("ignoring control event")
			continue
		}
		if !Allowed(r.perms, ev) {
			r.metrics.ControlRejected.Add(1)
			r.logger.Warn().Str("kind", string(ev.Kind)).Err(session.ErrPermissionViolation).Msg("control event refused")
			continue
		}
		for _, e := range Expand(ev) {
			if err := r.injector.Apply(ctx, e); err != nil {
				r.logger.Warn().Err(err).Str("kind", string(e.Kind)).Msg("inject failed")
				continue
			}
			r.metrics.ControlApplied.Add(1)
		}
	}
}
