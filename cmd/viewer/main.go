// Command viewer requests access to a host, saves the frames it receives
// and optionally sends input.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/deskrelay/deskrelay/internal/controlrelay"
	"github.com/deskrelay/deskrelay/internal/coordinator"
	"github.com/deskrelay/deskrelay/internal/framerelay"
	"github.com/deskrelay/deskrelay/internal/platform"
	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/deskrelay/deskrelay/pkg/config"
	"github.com/deskrelay/deskrelay/pkg/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	var (
		out    = pflag.StringP("out", "o", "frame.png", "file the latest frame is written to")
		frames = pflag.Int("frames", 0, "exit after this many frames (0 runs until the host stops)")
		click  = pflag.String("click", "", "normalized x,y to click once connected, e.g. 0.5,0.5")
		text   = pflag.String("type", "", "text to type once connected")
	)
	pflag.Parse()
	if pflag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: viewer [flags] CODE")
		os.Exit(2)
	}
	host := session.Code(strings.TrimSpace(pflag.Arg(0)))

	cfg, err := config.Load("viewer")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.AppName, cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err := cfg.RequireShared(); err != nil {
		logger.Fatal().Err(err).Msg("no shared backend configured")
	}

	ctx, stop := platform.SignalContext()
	defer stop()

	backends, err := platform.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open backends")
	}
	defer backends.Close()

	ccfg, err := coordinator.ConfigFrom(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("coordinator config")
	}

	fmt.Printf("Waiting for %s to answer...\n", host)
	cs, err := coordinator.NewClient(ccfg, backends.ClientDeps(logger)).Connect(ctx, host)
	if err != nil {
		fmt.Fprintf(os.Stderr, "not connected: %v\n", err)
		os.Exit(1)
	}
	defer cs.Close(context.Background())
	fmt.Printf("Connected with %+v\n", cs.Permissions())

	events, err := scriptedInput(*click, *text)
	if err != nil {
		logger.Fatal().Err(err).Msg("input")
	}
	for _, ev := range events {
		if err := cs.Send(ctx, ev); err != nil {
			logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("send input")
		}
	}

	if !cs.Permissions().ScreenShare {
		select {
		case <-ctx.Done():
		case <-cs.Done():
		}
		report(cs)
		return
	}

	sub, err := cs.Frames()
	if err != nil {
		logger.Fatal().Err(err).Msg("subscribe frames")
	}
	defer sub.Close()
	if err := saveFrames(ctx, sub, *out, *frames, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn().Err(err).Msg("frame stream ended")
	}
	report(cs)
}

func report(cs *coordinator.ClientSession) {
	if err := cs.Err(); err != nil {
		fmt.Printf("Session ended: %v\n", err)
	}
}

// saveFrames writes each received frame to path, replacing the previous one.
func saveFrames(ctx context.Context, sub *framerelay.Subscription, path string, limit int, logger zerolog.Logger) error {
	for n := 0; limit == 0 || n < limit; {
		u, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if u.Empty {
			logger.Debug().Msg("host screen blank")
			continue
		}
		if err := writeAtomic(path, u.Frame.Data); err != nil {
			return err
		}
		n++
		logger.Debug().Uint64("seq", u.Seq).Int("bytes", len(u.Frame.Data)).Msg("frame saved")
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".frame-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// scriptedInput builds the events for --click and --type.
func scriptedInput(click, text string) ([]controlrelay.Event, error) {
	var events []controlrelay.Event
	if click != "" {
		parts := strings.Split(click, ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("--click wants x,y, got %q", click)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("--click x: %w", err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("--click y: %w", err)
		}
		events = append(events, controlrelay.MouseMove(x, y), controlrelay.MouseDown(x, y), controlrelay.MouseUp(x, y))
	}
	for _, r := range text {
		key := string(r)
		events = append(events, controlrelay.KeyDown(key), controlrelay.KeyUp(key))
	}
	return events, nil
}
