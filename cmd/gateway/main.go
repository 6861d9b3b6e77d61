// Command gateway lets browsers view and control hosts over a websocket.
package main

import (
	"fmt"
	"os"

	"github.com/deskrelay/deskrelay/internal/coordinator"
	"github.com/deskrelay/deskrelay/internal/gateway"
	"github.com/deskrelay/deskrelay/internal/platform"
	"github.com/deskrelay/deskrelay/pkg/config"
	"github.com/deskrelay/deskrelay/pkg/httpserver"
	"github.com/deskrelay/deskrelay/pkg/logging"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

func main() {
	port := pflag.Int("port", 0, "HTTP port (overrides PORT)")
	pflag.Parse()

	cfg, err := config.Load("gateway")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.HTTPPort = *port
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

	instanceID := os.Getenv("GATEWAY_INSTANCE_ID")
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	client := coordinator.NewClient(ccfg, backends.ClientDeps(logger))
	var bridge *gateway.Bridge
	// Pass a nil interface, not a nil *redis.Client, when Redis is unused.
	if backends.Redis != nil {
		bridge = gateway.NewBridge(instanceID, logger, backends.Metrics, gateway.FromClient(client), backends.Registry, backends.Redis)
	} else {
		bridge = gateway.NewBridge(instanceID, logger, backends.Metrics, gateway.FromClient(client), backends.Registry, nil)
	}
	defer bridge.DisconnectAll("gateway shutting down")

	if backends.NATS != nil {
		sub, err := gateway.SubscribeSessionStopped(backends.NATS, logger, bridge)
		if err != nil {
			logger.Fatal().Err(err).Msg("subscribe to session stopped subject")
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	mux := httpserver.NewMux(cfg.ServiceName, backends.Metrics, backends.Ready)
	bridge.Register(mux)

	logger.Info().Str("instance_id", instanceID).Msg("gateway ready")
	if err := httpserver.Run(ctx, logger, cfg.HTTPPort, mux, cfg.ShutdownTimeout); err != nil {
		logger.Fatal().Err(err).Msg("gateway service failed")
	}
}
