// Package platform opens the shared backends every deskrelay binary runs
// on and wires them into coordinators.
package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/deskrelay/deskrelay/internal/channel"
	"github.com/deskrelay/deskrelay/internal/coordinator"
	"github.com/deskrelay/deskrelay/internal/registry"
	"github.com/deskrelay/deskrelay/pkg/bus"
	"github.com/deskrelay/deskrelay/pkg/config"
	"github.com/deskrelay/deskrelay/pkg/observability"
	"github.com/deskrelay/deskrelay/pkg/storage"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Backends holds the directory, channel and event sink chosen by
// configuration, plus the connections behind them.
type Backends struct {
	Registry *registry.Registry
	Channel  channel.Channel
	Events   coordinator.Events
	Metrics  *observability.Metrics

	// Redis is set when any backend uses Redis. The gateway reuses it for
	// viewer presence.
	Redis *redis.Client
	NATS  *nats.Conn

	pings   []func(context.Context) error
	closers []func()
}

// Open connects only the stores the configuration names.
func Open(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Backends, error) {
	b := &Backends{Metrics: observability.NewMetrics(), Events: coordinator.NopEvents{}}
	if err := b.open(ctx, cfg, logger); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backends) open(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	uses := func(backend string) bool {
		return cfg.DirectoryBackend == backend || cfg.ChannelBackend == backend
	}

	if uses(config.BackendRedis) {
		client, err := storage.NewRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		b.Redis = client
		b.closers = append(b.closers, func() { _ = client.Close() })
		b.pings = append(b.pings, func(ctx context.Context) error { return client.Ping(ctx).Err() })
	}

	var js jetstream.JetStream
	if uses(config.BackendNATS) || cfg.PublishEvents {
		nc, err := bus.Connect(cfg.NATSURL, cfg.AppName+"-"+cfg.ServiceName)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		b.NATS = nc
		b.closers = append(b.closers, nc.Close)
		b.pings = append(b.pings, func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
		if js, err = jetstream.New(nc); err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
	}
	if cfg.PublishEvents {
		b.Events = coordinator.NewNATSEvents(b.NATS)
	}

	var dir registry.Directory
	switch cfg.DirectoryBackend {
	case config.BackendMemory:
		dir = registry.NewMemoryDirectory()
	case config.BackendRedis:
		dir = registry.NewRedisDirectory(b.Redis)
	case config.BackendPostgres:
		db, err := storage.NewPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, func() { _ = db.Close() })
		b.pings = append(b.pings, db.PingContext)
		dir = registry.NewPostgresDirectory(db)
	case config.BackendNATS:
		kv, err := keyValue(ctx, js, cfg.NATSBucket+"-codes")
		if err != nil {
			return err
		}
		dir = registry.NewNATSDirectory(kv)
	default:
		return fmt.Errorf("unknown directory backend %q", cfg.DirectoryBackend)
	}

	gen, err := registry.NewGenerator(cfg.CodeFormat, cfg.CodeLength)
	if err != nil {
		return err
	}
	b.Registry = registry.New(dir, gen, cfg.CodeMaxAttempts, logger, b.Metrics)

	switch cfg.ChannelBackend {
	case config.BackendMemory:
		b.Channel = channel.NewMemory()
	case config.BackendRedis:
		b.Channel = channel.NewRedis(b.Redis, 0)
	case config.BackendNATS:
		kv, err := keyValue(ctx, js, cfg.NATSBucket+"-relay")
		if err != nil {
			return err
		}
		b.Channel = channel.NewNATSKV(kv)
	default:
		return fmt.Errorf("unknown channel backend %q", cfg.ChannelBackend)
	}

	logger.Info().
		Str("directory", cfg.DirectoryBackend).
		Str("channel", cfg.ChannelBackend).
		Bool("events", cfg.PublishEvents).
		Msg("backends ready")
	return nil
}

func keyValue(ctx context.Context, js jetstream.JetStream, bucket string) (jetstream.KeyValue, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket, History: 1})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// Ready checks every connection the backends hold.
func (b *Backends) Ready(ctx context.Context) error {
	var errs []error
	for _, ping := range b.pings {
		errs = append(errs, ping(ctx))
	}
	return errors.Join(errs...)
}

// Close releases connections in reverse order of opening.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// HostDeps wires the backends into a host coordinator.
func (b *Backends) HostDeps(logger zerolog.Logger) coordinator.HostDeps {
	return coordinator.HostDeps{
		Registry: b.Registry,
		Channel:  b.Channel,
		Events:   b.Events,
		Logger:   logger,
		Metrics:  b.Metrics,
	}
}

func (b *Backends) ClientDeps(logger zerolog.Logger) coordinator.ClientDeps {
	return coordinator.ClientDeps{
		Registry: b.Registry,
		Channel:  b.Channel,
		Logger:   logger,
		Metrics:  b.Metrics,
	}
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
