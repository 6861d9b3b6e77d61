// Command e2e runs one host and one client against the configured backends
// and checks a full session: request, accept, frames, input and stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/deskrelay/deskrelay/internal/controlrelay"
	"github.com/deskrelay/deskrelay/internal/coordinator"
	"github.com/deskrelay/deskrelay/internal/devices"
	"github.com/deskrelay/deskrelay/internal/platform"
	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/deskrelay/deskrelay/pkg/config"
	"github.com/deskrelay/deskrelay/pkg/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	timeout := pflag.Duration("timeout", 30*time.Second, "overall deadline")
	pflag.Parse()

	cfg, err := config.Load("e2e")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.AppName, cfg.ServiceName, cfg.Env, cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("FAIL")
		os.Exit(1)
	}
	logger.Info().Str("directory", cfg.DirectoryBackend).Str("channel", cfg.ChannelBackend).Msg("PASS")
}

type inputLog struct {
	mu     sync.Mutex
	events []controlrelay.Event
}

func (l *inputLog) Apply(_ context.Context, ev controlrelay.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *inputLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	backends, err := platform.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backends.Close()
	ccfg, err := coordinator.ConfigFrom(cfg)
	if err != nil {
		return err
	}

	screen, err := devices.NewSyntheticScreen(64, 48)
	if err != nil {
		return err
	}
	input := &inputLog{}
	deps := backends.HostDeps(logger.With().Str("side", "host").Logger())
	deps.Capturer = screen
	deps.Injector = input
	host := coordinator.NewHost(ccfg, deps)
	code, err := host.Start(ctx)
	if err != nil {
		return fmt.Errorf("start host: %w", err)
	}
	defer host.Stop(context.Background())
	go devices.Answer(ctx, host, devices.AutoDecider{Grant: session.Grant{Accept: true, AllAccess: true}}, logger)

	client := coordinator.NewClient(ccfg, backends.ClientDeps(logger.With().Str("side", "client").Logger()))
	cs, err := client.Connect(ctx, code)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer cs.Close(context.Background())

	sub, err := cs.Frames()
	if err != nil {
		return fmt.Errorf("frames: %w", err)
	}
	defer sub.Close()
	for {
		u, err := sub.Next(ctx)
		if err != nil {
			return fmt.Errorf("await frame: %w", err)
		}
		if !u.Empty {
			break
		}
	}

	if err := cs.Send(ctx, controlrelay.MouseMove(0.5, 0.5)); err != nil {
		return fmt.Errorf("send input: %w", err)
	}
	for input.count() == 0 {
		select {
		case <-ctx.Done():
			return errors.New("input never reached the host")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := host.Stop(ctx); err != nil {
		return err
	}
	select {
	case <-cs.Done():
	case <-ctx.Done():
		return errors.New("client did not observe the stop")
	}
	if !errors.Is(cs.Err(), session.ErrStopped) {
		return fmt.Errorf("client ended with %v, want stopped", cs.Err())
	}
	return nil
}
