package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/redis/go-redis/v9"
)

// redisKV is the subset of *redis.Client the directory needs.
type redisKV interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisDirectory stores code records as JSON strings. SETNX provides the
// atomic reserve.
type RedisDirectory struct {
	client redisKV
}

func NewRedisDirectory(client redisKV) *RedisDirectory {
	return &RedisDirectory{client: client}
}

func codeKey(code session.Code) string {
	return fmt.Sprintf("deskrelay:code:%s", code)
}

func (d *RedisDirectory) Exists(ctx context.Context, code session.Code) (bool, error) {
	n, err := d.client.Exists(ctx, codeKey(code)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (d *RedisDirectory) Create(ctx context.Context, rec Record) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	ok, err := d.client.SetNX(ctx, codeKey(rec.Code), raw, 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (d *RedisDirectory) Put(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := d.client.Set(ctx, codeKey(rec.Code), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (d *RedisDirectory) Get(ctx context.Context, code session.Code) (Record, bool, error) {
	raw, err := d.client.Get(ctx, codeKey(code)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("redis get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode code record: %w", err)
	}
	return rec, true, nil
}

func (d *RedisDirectory) Delete(ctx context.Context, code session.Code) error {
	if err := d.client.Del(ctx, codeKey(code)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
