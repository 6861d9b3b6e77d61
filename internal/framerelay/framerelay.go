// Package framerelay carries screen frames from the host to the client over
// a replace-latest stream key. Frames are opaque; only the freshest one
// matters.
package framerelay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deskrelay/deskrelay/internal/channel"
	"github.com/deskrelay/deskrelay/internal/codec"
	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/deskrelay/deskrelay/pkg/observability"
	"github.com/rs/zerolog"
)

const DefaultInterval = 100 * time.Millisecond

// Frame is one captured screen image. ContentType is informational.
type Frame struct {
	Data        []byte
	CapturedAt  time.Time
	ContentType string
}

// Capturer produces the current screen image.
type Capturer interface {
	Capture(ctx context.Context) (Frame, error)
}

type CapturerFunc func(ctx context.Context) (Frame, error)

func (f CapturerFunc) Capture(ctx context.Context) (Frame, error) { return f(ctx) }

type Options struct {
	Interval       time.Duration
	Compression    codec.Compression
	SkipDuplicates bool
	// OnFirstFrame runs once, after the first successful capture.
	OnFirstFrame func()
}

// Publisher writes frames to sessions.<code>.stream. Publish hands a frame
// to a sender goroutine through a single slot and never blocks the caller.
type Publisher struct {
	ch      channel.Channel
	code    session.Code
	opts    Options
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu      sync.Mutex
	next    *Frame
	wake    chan struct{}
	seq     uint64
	last    codec.Digest
	hasLast bool
}

func NewPublisher(ch channel.Channel, code session.Code, opts Options, logger zerolog.Logger, metrics *observability.Metrics) *Publisher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if metrics == nil {
		metrics = observability.Discard
	}
	return &Publisher{
		ch:      ch,
		code:    code,
		opts:    opts,
		logger:  logger.With().Str("code", code.String()).Str("relay", "frames").Logger(),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
		wake:    make(chan struct{}, 1),
	}
}

// Publish replaces the frame waiting to be sent.
func (p *Publisher) Publish(f Frame) {
	p.mu.Lock()
	p.next = &f
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Serve sends handed-off frames until ctx ends. Send failures are logged and
// the frame is dropped; the next capture supersedes it anyway.
func (p *Publisher) Serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}
		p.mu.Lock()
		f := p.next
		p.next = nil
		p.mu.Unlock()
		if f == nil {
			continue
		}
		if err := p.send(ctx, *f); err != nil && ctx.Err() == nil {
			p.logger.Warn().Err(err).Msg("frame send failed")
		}
	}
}

func (p *Publisher) send(ctx context.Context, f Frame) error {
	digest := codec.Sum(f.Data)
	if p.opts.SkipDuplicates && p.hasLast && digest == p.last {
		p.metrics.FramesDuplicate.Add(1)
		return nil
	}
	p.seq++
	raw, err := codec.EncodeFrame(p.seq, f.CapturedAt, f.ContentType, f.Data, digest, p.opts.Compression)
	if err != nil {
		return err
	}
	if err := p.ch.Publish(ctx, channel.StreamKey(p.code), raw); err != nil {
		return err
	}
	p.last, p.hasLast = digest, true
	p.metrics.FramesPublished.Add(1)
	p.metrics.FrameBytesOut.Add(int64(len(raw)))
	return nil
}

// Run captures a frame every interval and publishes it until ctx ends. A
// capture error stops the loop and returns ErrCaptureFailed.
func (p *Publisher) Run(ctx context.Context, capturer Capturer) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Serve(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	first := true
	for {
		f, err := capturer.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.metrics.CaptureFailures.Add(1)
			p.logger.Error().Err(err).Msg("capture failed")
			return fmt.Errorf("%w: %v", session.ErrCaptureFailed, err)
		}
		if f.CapturedAt.IsZero() {
			f.CapturedAt = p.now()
		}
		p.Publish(f)
		if first {
			first = false
			if p.opts.OnFirstFrame != nil {
				p.opts.OnFirstFrame()
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Stop clears the stream key so late subscribers observe an empty stream.
func (p *Publisher) Stop(ctx context.Context) error {
	return p.ch.Clear(ctx, channel.StreamKey(p.code))
}

// Update is one observation of the stream key.
type Update struct {
	Frame Frame
	Seq   uint64
	Empty bool
}

// Subscription reads the freshest frame of one stream key.
type Subscription struct {
	sub     channel.Subscription
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// Subscribe yields the frame current at subscribe time (or Empty) and then
// every change. There is no replay.
func Subscribe(ctx context.Context, ch channel.Channel, code session.Code, logger zerolog.Logger, metrics *observability.Metrics) (*Subscription, error) {
	if metrics == nil {
		metrics = observability.Discard
	}
	sub, err := ch.Subscribe(ctx, channel.StreamKey(code))
	if err != nil {
		return nil, fmt.Errorf("subscribe frames %s: %w", code, err)
	}
	return &Subscription{
		sub:     sub,
		logger:  logger.With().Str("code", code.String()).Str("relay", "frames").Logger(),
		metrics: metrics,
	}, nil
}

// Next blocks for the next update. Corrupt frames are skipped. It returns
// channel.ErrClosed once the subscription is closed.
func (s *Subscription) Next(ctx context.Context) (Update, error) {
	for {
		select {
		case <-ctx.Done():
			return Update{}, ctx.Err()
		case u, ok := <-s.sub.C():
			if !ok {
				return Update{}, channel.ErrClosed
			}
			if u.Empty {
				return Update{Empty: true}, nil
			}
			f, err := codec.DecodeFrame(u.Value)
			if err != nil {
				s.logger.Warn().Err(err).Msg("dropping corrupt frame")
				continue
			}
			s.metrics.FramesObserved.Add(1)
			return Update{
				Frame: Frame{Data: f.Data, CapturedAt: f.CapturedAt, ContentType: f.ContentType},
				Seq:   f.Seq,
			}, nil
		}
	}
}

func (s *Subscription) Close() error { return s.sub.Close() }
