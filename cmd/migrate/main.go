// Command migrate applies the Postgres directory schema.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/deskrelay/deskrelay/internal/registry"
	"github.com/deskrelay/deskrelay/pkg/config"
	"github.com/deskrelay/deskrelay/pkg/logging"
	"github.com/deskrelay/deskrelay/pkg/storage"
	"github.com/spf13/pflag"
)

func main() {
	var (
		direction = pflag.String("direction", "up", "migration direction: up or down")
		steps     = pflag.Int("steps", 0, "number of migrations to apply (0 = all possible)")
	)
	pflag.Parse()
	if pflag.NArg() > 0 {
		*direction = pflag.Arg(0)
	}

	cfg, err := config.Load("migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.AppName, cfg.ServiceName, cfg.Env, cfg.LogLevel)

	up, err := parseDirection(*direction)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid direction")
	}

	ctx := context.Background()
	db, err := storage.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer db.Close()

	ran, err := registry.Migrate(ctx, db, up, *steps)
	for _, v := range ran {
		logger.Info().Str("version", v).Str("direction", *direction).Msg("applied migration")
	}
	if err != nil {
		logger.Fatal().Err(err).Str("direction", *direction).Msg("apply migration")
	}
	logger.Info().Int("count", len(ran)).Str("direction", *direction).Msg("migrations complete")
}

func parseDirection(s string) (bool, error) {
	switch s {
	case "up":
		return true, nil
	case "down":
		return false, nil
	default:
		return false, fmt.Errorf("direction must be up or down, got %q", s)
	}
}
