// Command host shares a synthetic screen under a session code and asks on
// the terminal before admitting anyone.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/deskrelay/deskrelay/internal/coordinator"
	"github.com/deskrelay/deskrelay/internal/devices"
	"github.com/deskrelay/deskrelay/internal/platform"
	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/deskrelay/deskrelay/pkg/config"
	"github.com/deskrelay/deskrelay/pkg/httpserver"
	"github.com/deskrelay/deskrelay/pkg/logging"
	"github.com/spf13/pflag"
)

func main() {
	var (
		width      = pflag.Int("width", 320, "synthetic screen width in pixels")
		height     = pflag.Int("height", 200, "synthetic screen height in pixels")
		autoAccept = pflag.Bool("auto-accept", false, "admit every requester without asking")
		grant      = pflag.StringSlice("grant", []string{"all"}, "permissions for --auto-accept: all, screen, mouse, keyboard, files")
		serveHTTP  = pflag.Bool("serve-http", false, "expose /healthz, /readyz and /metrics on PORT")
	)
	pflag.Parse()

	cfg, err := config.Load("host")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.AppName, cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err := cfg.RequireShared(); err != nil {
		logger.Fatal().Err(err).Msg("no shared backend configured")
	}

	var decider devices.Decider
	switch {
	case *autoAccept:
		g, err := parseGrant(*grant)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid --grant")
		}
		decider = devices.AutoDecider{Grant: g}
	case devices.IsInteractive(os.Stdin):
		decider = devices.NewPrompt(os.Stdin, os.Stdout)
	default:
		logger.Fatal().Msg("stdin is not a terminal; pass --auto-accept to run unattended")
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

	screen, err := devices.NewSyntheticScreen(*width, *height)
	if err != nil {
		logger.Fatal().Err(err).Msg("screen")
	}
	deps := backends.HostDeps(logger)
	deps.Capturer = screen
	deps.Injector = devices.NewLogInjector(logger, *width, *height, screen)

	host := coordinator.NewHost(ccfg, deps)
	code, err := host.Start(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("start session")
	}
	fmt.Printf("Session code: %s\n", code)

	go devices.Answer(ctx, host, decider, logger)

	if *serveHTTP {
		mux := httpserver.NewMux(cfg.ServiceName, backends.Metrics, backends.Ready)
		go func() {
			if err := httpserver.Run(ctx, logger, cfg.HTTPPort, mux, cfg.ShutdownTimeout); err != nil {
				logger.Error().Err(err).Msg("http server")
			}
		}()
	}

	select {
	case <-ctx.Done():
		_ = host.Stop(context.Background())
	case <-host.Done():
	}
	if err := host.Err(); err != nil && !errors.Is(err, session.ErrRejected) && !errors.Is(err, session.ErrClientGone) {
		logger.Error().Err(err).Msg("session ended")
		os.Exit(1)
	}
	fmt.Println("Session ended.")
}

// parseGrant turns --grant values into the answer given to every requester.
func parseGrant(values []string) (session.Grant, error) {
	var perms session.PermissionSet
	for _, v := range values {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "all":
			return session.Grant{Accept: true, AllAccess: true}, nil
		case "screen":
			perms.ScreenShare = true
		case "mouse":
			perms.MouseControl = true
		case "keyboard":
			perms.KeyboardControl = true
		case "files":
			perms.FileTransfer = true
		case "":
		default:
			return session.Grant{}, fmt.Errorf("unknown permission %q", v)
		}
	}
	return session.Grant{Accept: true, Permissions: &perms}, nil
}
