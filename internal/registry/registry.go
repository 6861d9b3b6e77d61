package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/deskrelay/deskrelay/pkg/observability"
	"github.com/rs/zerolog"
)

// Record is the directory entry stored under a reserved code.
type Record struct {
	Code      session.Code   `json:"code"`
	Status    session.Status `json:"status"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Directory is the shared code directory. Create is the only operation that
// must be atomic: it stores rec unless the code already exists and reports
// whether it did.
type Directory interface {
	Exists(ctx context.Context, code session.Code) (bool, error)
	Create(ctx context.Context, rec Record) (bool, error)
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, code session.Code) (Record, bool, error)
	Delete(ctx context.Context, code session.Code) error
}

// Registry issues codes that are unique among currently reserved sessions.
type Registry struct {
	dir         Directory
	gen         Generator
	maxAttempts int
	logger      zerolog.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// New builds a registry. maxAttempts bounds consecutive collisions before
// Reserve gives up with ErrCodeSpaceExhausted; zero retries forever.
func New(dir Directory, gen Generator, maxAttempts int, logger zerolog.Logger, metrics *observability.Metrics) *Registry {
	if metrics == nil {
		metrics = observability.Discard
	}
	return &Registry{
		dir:         dir,
		gen:         gen,
		maxAttempts: maxAttempts,
		logger:      logger,
		metrics:     metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Reserve draws codes until one is free and records it as available.
func (r *Registry) Reserve(ctx context.Context) (session.Code, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if r.maxAttempts > 0 && attempt > r.maxAttempts {
			r.logger.Error().Int("attempts", r.maxAttempts).Msg("no free session code; widen the code space")
			return "", fmt.Errorf("%w after %d attempts", session.ErrCodeSpaceExhausted, r.maxAttempts)
		}

		code, err := r.gen.Next()
		if err != nil {
			return "", err
		}
		created, err := r.dir.Create(ctx, Record{Code: code, Status: session.StatusAvailable, UpdatedAt: r.now()})
		if err != nil {
			return "", fmt.Errorf("reserve code: %w", err)
		}
		if !created {
			r.metrics.CodeCollisions.Add(1)
			r.logger.Debug().Str("code", code.String()).Int("attempt", attempt).Msg("code collision, drawing again")
			continue
		}

		r.metrics.CodesReserved.Add(1)
		return code, nil
	}
}

// Release removes the directory entry. Releasing an unknown code succeeds.
func (r *Registry) Release(ctx context.Context, code session.Code) error {
	if err := r.dir.Delete(ctx, code); err != nil {
		return fmt.Errorf("release code %s: %w", code, err)
	}
	return nil
}

// Lookup fetches the directory entry for code.
func (r *Registry) Lookup(ctx context.Context, code session.Code) (Record, bool, error) {
	return r.dir.Get(ctx, code)
}

// Exists reports whether code is currently reserved.
func (r *Registry) Exists(ctx context.Context, code session.Code) (bool, error) {
	return r.dir.Exists(ctx, code)
}

// SetStatus overwrites the status stored for code.
func (r *Registry) SetStatus(ctx context.Context, code session.Code, status session.Status) error {
	if err := r.dir.Put(ctx, Record{Code: code, Status: status, UpdatedAt: r.now()}); err != nil {
		return fmt.Errorf("set status for %s: %w", code, err)
	}
	return nil
}
