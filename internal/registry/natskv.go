package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/nats-io/nats.go/jetstream"
)

// kvStore is the subset of jetstream.KeyValue the directory needs.
type kvStore interface {
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
}

// NATSDirectory stores code records in a JetStream key-value bucket. KV
// Create fails with ErrKeyExists on a live key, which gives the atomic
// reserve.
type NATSDirectory struct {
	kv kvStore
}

func NewNATSDirectory(kv kvStore) *NATSDirectory {
	return &NATSDirectory{kv: kv}
}

func natsCodeKey(code session.Code) string {
	return "codes." + string(code)
}

func (d *NATSDirectory) Exists(ctx context.Context, code session.Code) (bool, error) {
	_, ok, err := d.Get(ctx, code)
	return ok, err
}

func (d *NATSDirectory) Create(ctx context.Context, rec Record) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	if _, err := d.kv.Create(ctx, natsCodeKey(rec.Code), raw); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("kv create: %w", err)
	}
	return true, nil
}

func (d *NATSDirectory) Put(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := d.kv.Put(ctx, natsCodeKey(rec.Code), raw); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

func (d *NATSDirectory) Get(ctx context.Context, code session.Code) (Record, bool, error) {
	entry, err := d.kv.Get(ctx, natsCodeKey(code))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("kv get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode code record: %w", err)
	}
	return rec, true, nil
}

func (d *NATSDirectory) Delete(ctx context.Context, code session.Code) error {
	err := d.kv.Delete(ctx, natsCodeKey(code))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}
