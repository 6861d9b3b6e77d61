package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/deskrelay/deskrelay/internal/channel"
	"github.com/deskrelay/deskrelay/internal/contracts"
	"github.com/deskrelay/deskrelay/internal/controlrelay"
	"github.com/deskrelay/deskrelay/internal/framerelay"
	"github.com/deskrelay/deskrelay/internal/negotiate"
	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/deskrelay/deskrelay/pkg/observability"
	"github.com/rs/zerolog"
)

type ClientDeps struct {
	Registry Registry
	Channel  channel.Channel
	Logger   zerolog.Logger
	Metrics  *observability.Metrics
}

// Client connects to hosts. Every connection reserves its own code, which
// is the return address for the host's decision.
type Client struct {
	cfg  Config
	deps ClientDeps
	neg  *negotiate.Client
}

func NewClient(cfg Config, deps ClientDeps) *Client {
	if deps.Metrics == nil {
		deps.Metrics = observability.Discard
	}
	return &Client{
		cfg:  cfg,
		deps: deps,
		neg:  negotiate.NewClient(deps.Channel, deps.Registry, cfg.RequestTimeout, deps.Logger),
	}
}

// Connect requests access to host and blocks until the host decides. On
// acceptance the returned session exposes only what was granted.
func (c *Client) Connect(ctx context.Context, host session.Code) (*ClientSession, error) {
	self, err := c.deps.Registry.Reserve(ctx)
	if err != nil {
		return nil, err
	}
	outcome, err := c.neg.Request(ctx, host, self)
	if err != nil {
		c.release(ctx, self)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cs := &ClientSession{
		self:    self,
		host:    host,
		perms:   outcome.Permissions,
		deps:    c.deps,
		logger:  c.deps.Logger.With().Str("code", host.String()).Str("requester", self.String()).Str("role", "client").Logger(),
		runCtx:  runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		release: c.release,
		leave:   c.leave,
	}
	cs.sender = controlrelay.NewSender(c.deps.Channel, host, outcome.Permissions, controlrelay.SenderOptions{
		Policy: c.cfg.ControlPolicy,
		Window: c.cfg.ControlWindow,
	}, c.deps.Logger, c.deps.Metrics)

	status, err := c.deps.Channel.Subscribe(runCtx, channel.StatusKey(host))
	if err != nil {
		cancel()
		c.leave(ctx, host)
		c.release(ctx, self)
		return nil, err
	}
	go cs.watchHost(status)
	cs.logger.Info().Interface("permissions", outcome.Permissions).Msg("connected")
	return cs, nil
}

// leave clears the request on the host's key, which the host reads as the
// accepted client going away.
func (c *Client) leave(ctx context.Context, host session.Code) {
	ctx, cancel := cleanupContext(ctx)
	defer cancel()
	if err := c.deps.Channel.Clear(ctx, channel.RequestKey(host)); err != nil {
		c.deps.Logger.Warn().Err(err).Msg("clear request key")
	}
}

func (c *Client) release(ctx context.Context, self session.Code) {
	ctx, cancel := cleanupContext(ctx)
	defer cancel()
	if err := c.deps.Channel.Clear(ctx, channel.DecisionKey(self)); err != nil {
		c.deps.Logger.Warn().Err(err).Msg("clear decision key")
	}
	if err := c.deps.Registry.Release(ctx, self); err != nil {
		c.deps.Logger.Warn().Err(err).Msg("release requester code")
	}
}

// ClientSession is an accepted connection to a host.
type ClientSession struct {
	self    session.Code
	host    session.Code
	perms   session.PermissionSet
	deps    ClientDeps
	logger  zerolog.Logger
	sender  *controlrelay.Sender
	runCtx  context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	release func(context.Context, session.Code)
	leave   func(context.Context, session.Code)

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *ClientSession) Host() session.Code                 { return s.host }
func (s *ClientSession) Code() session.Code                 { return s.self }
func (s *ClientSession) Permissions() session.PermissionSet { return s.perms }

// Frames subscribes to the host's screen. It fails unless screen share
// was granted. The subscription closes when the session ends.
func (s *ClientSession) Frames() (*framerelay.Subscription, error) {
	if !s.perms.ScreenShare {
		return nil, fmt.Errorf("%w: screen share not granted", session.ErrPermissionViolation)
	}
	select {
	case <-s.done:
		return nil, session.ErrStopped
	default:
	}
	return framerelay.Subscribe(s.runCtx, s.deps.Channel, s.host, s.deps.Logger, s.deps.Metrics)
}

// Send forwards an input event. Events outside the granted permissions are
// dropped without error.
func (s *ClientSession) Send(ctx context.Context, ev controlrelay.Event) error {
	select {
	case <-s.done:
		return session.ErrStopped
	default:
	}
	return s.sender.Send(ctx, ev)
}

func (s *ClientSession) watchHost(sub channel.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case u, ok := <-sub.C():
			if !ok {
				return
			}
			if u.Empty {
				continue
			}
			rec, err := contracts.Decode[contracts.StatusRecord](u.Value)
			if err != nil {
				s.logger.Warn().Err(err).Msg("ignoring malformed host status")
				continue
			}
			if rec.Status == session.StatusStopped {
				reason := session.ErrStopped
				if rec.Reason != "" {
					reason = fmt.Errorf("%w: %s", session.ErrStopped, rec.Reason)
				}
				go s.finish(context.Background(), reason)
				return
			}
		}
	}
}

// Close ends the client side of the session.
func (s *ClientSession) Close(ctx context.Context) error {
	s.finish(ctx, nil)
	return nil
}

func (s *ClientSession) finish(ctx context.Context, reason error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		s.cancel()
		if !errors.Is(reason, session.ErrStopped) {
			s.leave(ctx, s.host)
		}
		s.release(ctx, s.self)
		s.logger.Info().AnErr("reason", reason).Msg("client session closed")
		close(s.done)
	})
}

func (s *ClientSession) Done() <-chan struct{} { return s.done }

// Err reports why the session ended; nil after Close.
func (s *ClientSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
