package coordinator

import (
	"context"
	"errors"
	"sync"

	"github.com/deskrelay/deskrelay/internal/channel"
	"github.com/deskrelay/deskrelay/internal/contracts"
	"github.com/deskrelay/deskrelay/internal/controlrelay"
	"github.com/deskrelay/deskrelay/internal/framerelay"
	"github.com/deskrelay/deskrelay/internal/negotiate"
	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/deskrelay/deskrelay/pkg/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrNotStarted = errors.New("host not started")

type HostDeps struct {
	Registry Registry
	Channel  channel.Channel
	Capturer framerelay.Capturer
	Injector controlrelay.Injector
	Events   Events
	Logger   zerolog.Logger
	Metrics  *observability.Metrics
}

// Host owns one shared session from reservation to stop.
type Host struct {
	cfg  Config
	deps HostDeps

	sc       *SessionContext
	runCtx   context.Context
	neg      *negotiate.Host
	requests chan PendingRequest
	done     chan struct{}
	wg       sync.WaitGroup

	acceptOnce sync.Once
	stopOnce   sync.Once

	mu          sync.Mutex
	err         error
	correlation string
}

func NewHost(cfg Config, deps HostDeps) *Host {
	if deps.Events == nil {
		deps.Events = NopEvents{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.Discard
	}
	return &Host{
		cfg:      cfg,
		deps:     deps,
		requests: make(chan PendingRequest, 1),
		done:     make(chan struct{}),
	}
}

// Start reserves a code, publishes it as available and begins listening
// for requests. The session lives until Stop, a capture failure, or ctx
// ends.
func (h *Host) Start(ctx context.Context) (session.Code, error) {
	code, err := h.deps.Registry.Reserve(ctx)
	if err != nil {
		return "", err
	}
	sess := session.New(code, session.Reusable(h.cfg.Reusable))
	runCtx, cancel := context.WithCancel(ctx)
	logger := h.deps.Logger.With().Str("code", code.String()).Str("role", "host").Logger()
	h.sc = &SessionContext{Code: code, Session: sess, Logger: logger, Cancel: cancel}
	h.runCtx = runCtx
	h.neg = negotiate.NewHost(h.deps.Channel, sess, h.deps.Logger, h.deps.Metrics)
	h.correlation = uuid.NewString()

	// A previous holder of this code may have left relay keys behind.
	for _, key := range []string{channel.RequestKey(code), channel.StreamKey(code), channel.ControlKey(code)} {
		if err := h.deps.Channel.Clear(ctx, key); err != nil {
			cancel()
			_ = h.deps.Registry.Release(ctx, code)
			return "", err
		}
	}
	sub, err := h.deps.Channel.Subscribe(runCtx, channel.RequestKey(code))
	if err != nil {
		cancel()
		_ = h.deps.Registry.Release(ctx, code)
		return "", err
	}
	if err := h.publishStatus(ctx); err != nil {
		_ = sub.Close()
		cancel()
		_ = h.deps.Registry.Release(ctx, code)
		return "", err
	}
	h.emit(ctx, contracts.EventSessionReserved, contracts.SessionReservedV1{Code: code.String()})
	logger.Info().Msg("session available")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.watchRequests(runCtx, sub)
	}()
	go func() {
		<-runCtx.Done()
		h.stop(ctx, nil)
	}()
	return code, nil
}

func (h *Host) watchRequests(ctx context.Context, sub channel.Subscription) {
	defer sub.Close()
	logger := h.sc.Logger
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-sub.C():
			if !ok {
				return
			}
			if u.Empty {
				// The accepted requester clears its request when it leaves.
				switch h.sc.Session.Status() {
				case session.StatusAccepted, session.StatusStreaming:
					logger.Info().Msg("client disconnected")
					go h.stop(context.WithoutCancel(ctx), session.ErrClientGone)
					return
				}
				if err := h.neg.Withdraw(ctx); err != nil {
					logger.Warn().Err(err).Msg("withdraw request")
				}
				continue
			}
			req, err := contracts.Decode[contracts.RequestRecord](u.Value)
			if err != nil {
				logger.Warn().Err(err).Msg("ignoring malformed request")
				continue
			}
			pending, err := h.neg.HandleRequest(ctx, req)
			switch {
			case errors.Is(err, session.ErrBusy):
				continue
			case err != nil:
				logger.Warn().Err(err).Str("requester", req.From).Msg("handle request")
				continue
			case !pending:
				continue
			}
			h.mu.Lock()
			h.correlation = req.RequestID
			h.mu.Unlock()
			select {
			case h.requests <- PendingRequest{From: session.Code(req.From), RequestID: req.RequestID, ReceivedAt: req.SentAt}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Requests delivers pending requests to the human decision maker.
func (h *Host) Requests() <-chan PendingRequest { return h.requests }

// Decide answers the pending request. On acceptance the relays start: the
// control receiver when input was granted, the frame loop when screen
// share was granted. A rejection of a single-use code stops the session.
func (h *Host) Decide(ctx context.Context, g session.Grant) error {
	if h.sc == nil {
		return ErrNotStarted
	}
	pending, _ := h.neg.Pending()
	perms, err := h.neg.Decide(ctx, g)
	if errors.Is(err, session.ErrRejected) {
		h.emit(ctx, contracts.EventSessionRejected, contracts.SessionRejectedV1{Code: h.sc.Code.String(), Requester: pending.From, Reason: "declined"})
		if h.sc.Session.Status() == session.StatusRejected {
			h.stop(ctx, session.ErrRejected)
		} else {
			h.syncRegistry(ctx)
		}
		return nil
	}
	if err != nil {
		return err
	}
	h.syncRegistry(ctx)
	h.emit(ctx, contracts.EventSessionAccepted, contracts.SessionAcceptedV1{Code: h.sc.Code.String(), Requester: pending.From, Permissions: perms})
	h.acceptOnce.Do(func() { h.startRelays(perms) })
	return nil
}

func (h *Host) startRelays(perms session.PermissionSet) {
	runCtx := h.runCtx
	if runCtx.Err() != nil {
		return
	}
	if perms.MouseControl || perms.KeyboardControl {
		recv := controlrelay.NewReceiver(h.deps.Channel, h.sc.Code, perms, h.deps.Injector, h.deps.Logger, h.deps.Metrics)
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			if err := recv.Run(runCtx); err != nil {
				h.sc.Logger.Warn().Err(err).Msg("control receiver ended")
			}
		}()
	}

	if !perms.ScreenShare || h.deps.Capturer == nil {
		h.markStreaming(runCtx)
		return
	}
	pub := framerelay.NewPublisher(h.deps.Channel, h.sc.Code, framerelay.Options{
		Interval:       h.cfg.FrameInterval,
		Compression:    h.cfg.Compression,
		SkipDuplicates: h.cfg.SkipDuplicates,
		OnFirstFrame:   func() { h.markStreaming(runCtx) },
	}, h.deps.Logger, h.deps.Metrics)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := pub.Run(runCtx, h.deps.Capturer); err != nil {
			// stop waits for this goroutine, so it cannot run inline.
			go h.stop(context.Background(), err)
		}
	}()
}

func (h *Host) markStreaming(ctx context.Context) {
	if err := h.sc.Session.MarkStreaming(); err != nil {
		h.sc.Logger.Debug().Err(err).Msg("mark streaming")
		return
	}
	if err := h.publishStatus(ctx); err != nil {
		h.sc.Logger.Warn().Err(err).Msg("publish streaming status")
	}
	h.sc.Logger.Info().Msg("streaming")
}

// Stop ends the session: relays are cancelled, relay keys cleared, Stopped
// published and the code released. Calling Stop again is a no-op.
func (h *Host) Stop(ctx context.Context) error {
	if h.sc == nil {
		return ErrNotStarted
	}
	h.stop(ctx, nil)
	return nil
}

func (h *Host) stop(ctx context.Context, reason error) {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.err = reason
		h.mu.Unlock()
		h.sc.Session.Stop(reason)
		h.sc.Cancel()
		h.wg.Wait()

		ctx, cancel := cleanupContext(ctx)
		defer cancel()
		logger := h.sc.Logger
		for _, key := range []string{channel.StreamKey(h.sc.Code), channel.ControlKey(h.sc.Code), channel.RequestKey(h.sc.Code)} {
			if err := h.deps.Channel.Clear(ctx, key); err != nil {
				logger.Warn().Err(err).Str("key", key).Msg("clear relay key")
			}
		}
		if err := h.neg.PublishStatus(ctx); err != nil {
			logger.Warn().Err(err).Msg("publish stopped status")
		}
		reasonText := ""
		if reason != nil {
			reasonText = reason.Error()
		}
		h.emit(ctx, contracts.EventSessionStopped, contracts.SessionStoppedV1{Code: h.sc.Code.String(), Reason: reasonText})
		if err := h.deps.Registry.Release(ctx, h.sc.Code); err != nil {
			logger.Warn().Err(err).Msg("release code")
		}
		h.deps.Metrics.SessionsStopped.Add(1)
		logger.Info().Str("reason", reasonText).Msg("session stopped")
		close(h.done)
	})
}

func (h *Host) Done() <-chan struct{} { return h.done }

// Err reports why the session stopped. It is nil for an orderly stop.
func (h *Host) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Host) Code() session.Code {
	if h.sc == nil {
		return ""
	}
	return h.sc.Code
}

func (h *Host) View() session.View {
	if h.sc == nil {
		return session.View{}
	}
	return h.sc.Session.View()
}

func (h *Host) Context() *SessionContext { return h.sc }

func (h *Host) publishStatus(ctx context.Context) error {
	if err := h.neg.PublishStatus(ctx); err != nil {
		return err
	}
	h.syncRegistry(ctx)
	return nil
}

func (h *Host) syncRegistry(ctx context.Context) {
	status := h.sc.Session.Status()
	if err := h.deps.Registry.SetStatus(ctx, h.sc.Code, status); err != nil {
		h.sc.Logger.Warn().Err(err).Str("status", string(status)).Msg("update directory status")
	}
}

func (h *Host) emit(ctx context.Context, typ contracts.EventType, payload any) {
	h.mu.Lock()
	corr := h.correlation
	h.mu.Unlock()
	if err := h.deps.Events.Emit(ctx, typ, h.sc.Code, corr, payload); err != nil {
		h.sc.Logger.Warn().Err(err).Str("event", string(typ)).Msg("emit lifecycle event")
	}
}
