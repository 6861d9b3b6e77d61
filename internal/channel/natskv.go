package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
)

// kvBucket is the subset of jetstream.KeyValue the channel needs.
type kvBucket interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	Watch(ctx context.Context, keys string, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error)
}

// NATSKV maps the channel onto a JetStream key-value bucket with history 1.
// A KV watch already has the replace-latest shape: it yields the current
// value and then every change.
type NATSKV struct {
	kv kvBucket
}

func NewNATSKV(kv kvBucket) *NATSKV {
	return &NATSKV{kv: kv}
}

func (n *NATSKV) Publish(ctx context.Context, key string, value []byte) error {
	if _, err := n.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

func (n *NATSKV) Clear(ctx context.Context, key string) error {
	if err := n.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

func (n *NATSKV) Subscribe(ctx context.Context, key string) (Subscription, error) {
	watcher, err := n.kv.Watch(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("kv watch %s: %w", key, err)
	}

	sub := &natsSub{watcher: watcher, slot: newSlot(), done: make(chan struct{})}
	go func() {
		defer sub.slot.close()
		sawInitial := false
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case <-sub.done:
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					// End of the initial values. No entry before it means the
					// key was empty at subscribe time.
					if !sawInitial {
						sub.slot.offer(Update{Key: key, Empty: true})
					}
					sawInitial = true
					continue
				}
				sawInitial = true
				switch entry.Operation() {
				case jetstream.KeyValuePut:
					sub.slot.offer(Update{Key: key, Value: entry.Value()})
				default:
					sub.slot.offer(Update{Key: key, Empty: true})
				}
			}
		}
	}()
	return sub, nil
}

type natsSub struct {
	watcher jetstream.KeyWatcher
	slot    *slot
	done    chan struct{}
	once    sync.Once
}

func (s *natsSub) C() <-chan Update { return s.slot.ch }

func (s *natsSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.watcher.Stop()
	})
	return err
}
