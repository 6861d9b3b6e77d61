// Package coordinator drives one end of a session: the host shares its
// screen and accepts input, the client requests access and views.
package coordinator

import (
	"context"
	"time"

	"github.com/deskrelay/deskrelay/internal/codec"
	"github.com/deskrelay/deskrelay/internal/controlrelay"
	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/deskrelay/deskrelay/pkg/config"
	"github.com/rs/zerolog"
)

// cleanupTimeout bounds the channel and registry writes made while stopping.
const cleanupTimeout = 5 * time.Second

type Config struct {
	FrameInterval  time.Duration
	Compression    codec.Compression
	SkipDuplicates bool
	ControlPolicy  controlrelay.Policy
	ControlWindow  int
	Reusable       bool
	RequestTimeout time.Duration
}

// ConfigFrom maps service configuration onto coordinator settings.
func ConfigFrom(cfg config.Config) (Config, error) {
	comp, err := codec.ParseCompression(cfg.FrameCompression)
	if err != nil {
		return Config{}, err
	}
	policy, err := controlrelay.ParsePolicy(cfg.ControlPolicy)
	if err != nil {
		return Config{}, err
	}
	return Config{
		FrameInterval:  cfg.FrameInterval,
		Compression:    comp,
		SkipDuplicates: cfg.SkipDuplicateFrames,
		ControlPolicy:  policy,
		ControlWindow:  cfg.ControlWindow,
		Reusable:       cfg.ReusableCodes,
		RequestTimeout: cfg.RequestTimeout,
	}, nil
}

// Registry is the part of the code registry a coordinator uses.
type Registry interface {
	Reserve(ctx context.Context) (session.Code, error)
	Release(ctx context.Context, code session.Code) error
	Exists(ctx context.Context, code session.Code) (bool, error)
	SetStatus(ctx context.Context, code session.Code, status session.Status) error
}

// SessionContext is everything a running host session needs, passed
// explicitly to the goroutines that serve it.
type SessionContext struct {
	Code    session.Code
	Session *session.Session
	Logger  zerolog.Logger
	Cancel  context.CancelFunc
}

// PendingRequest is handed to the human decision maker.
type PendingRequest struct {
	From       session.Code
	RequestID  string
	ReceivedAt time.Time
}

func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}
