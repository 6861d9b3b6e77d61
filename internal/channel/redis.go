package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pub/sub notifications carry a one-byte marker so subscribers can tell a
// cleared key from an empty value.
const (
	markerValue = '1'
	markerClear = '0'
)

// redisClient is the subset of *redis.Client the channel needs.
type redisClient interface {
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	Get(ctx context.Context, key string) *redis.StringCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Redis stores each key's latest value as a string and announces changes on
// a pub/sub channel of the same name. Subscribers read the stored value once
// and then follow the notifications.
type Redis struct {
	client redisClient
	ttl    time.Duration
}

// NewRedis builds a Redis channel. Values expire after ttl so a crashed host
// does not leave relay keys behind; zero keeps them until cleared.
func NewRedis(client redisClient, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func redisKey(key string) string          { return "deskrelay:relay:" + key }
func redisNotifyChannel(key string) string { return "deskrelay:notify:" + key }

func (r *Redis) Publish(ctx context.Context, key string, value []byte) error {
	payload := make([]byte, 0, len(value)+1)
	payload = append(payload, markerValue)
	payload = append(payload, value...)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisKey(key), value, r.ttl)
		pipe.Publish(ctx, redisNotifyChannel(key), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context, key string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisKey(key))
		pipe.Publish(ctx, redisNotifyChannel(key), []byte{markerClear})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis clear %s: %w", key, err)
	}
	return nil
}

// Subscribe listens before reading the stored value, so a publish racing the
// subscribe is seen at least once.
func (r *Redis) Subscribe(ctx context.Context, key string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, redisNotifyChannel(key))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", key, err)
	}

	sub := &redisSub{ps: ps, slot: newSlot(), done: make(chan struct{})}

	current, err := r.client.Get(ctx, redisKey(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		sub.slot.offer(Update{Key: key, Empty: true})
	case err != nil:
		_ = ps.Close()
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	default:
		sub.slot.offer(Update{Key: key, Value: current})
	}

	msgs := ps.Channel()
	go func() {
		defer sub.slot.close()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case <-sub.done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				sub.slot.offer(decodeNotification(key, msg.Payload))
			}
		}
	}()
	return sub, nil
}

func decodeNotification(key, payload string) Update {
	if payload == "" || payload[0] == markerClear {
		return Update{Key: key, Empty: true}
	}
	return Update{Key: key, Value: []byte(payload[1:])}
}

type redisSub struct {
	ps   *redis.PubSub
	slot *slot
	done chan struct{}
	once sync.Once
}

func (s *redisSub) C() <-chan Update { return s.slot.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
