package channel

import (
	"context"
	"sync"
)

// Memory is an in-process Channel. Host and client share one instance.
type Memory struct {
	mu     sync.Mutex
	values map[string][]byte
	subs   map[string]map[*memorySub]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		values: make(map[string][]byte),
		subs:   make(map[string]map[*memorySub]struct{}),
	}
}

type memorySub struct {
	key   string
	slot  *slot
	owner *Memory
	done  chan struct{}
	once  sync.Once
}

func (s *memorySub) C() <-chan Update { return s.slot.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs[s.key], s)
		if len(s.owner.subs[s.key]) == 0 {
			delete(s.owner.subs, s.key)
		}
		s.owner.mu.Unlock()
		s.slot.close()
		close(s.done)
	})
	return nil
}

func (m *Memory) Publish(_ context.Context, key string, value []byte) error {
	v := append([]byte(nil), value...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = v
	for sub := range m.subs[key] {
		sub.slot.offer(Update{Key: key, Value: v})
	}
	return nil
}

func (m *Memory) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	for sub := range m.subs[key] {
		sub.slot.offer(Update{Key: key, Empty: true})
	}
	return nil
}

// Subscribe delivers the current value (or an empty update) immediately.
// The subscription closes itself when ctx ends.
func (m *Memory) Subscribe(ctx context.Context, key string) (Subscription, error) {
	sub := &memorySub{key: key, slot: newSlot(), owner: m, done: make(chan struct{})}

	m.mu.Lock()
	if m.subs[key] == nil {
		m.subs[key] = make(map[*memorySub]struct{})
	}
	m.subs[key][sub] = struct{}{}
	if v, ok := m.values[key]; ok {
		sub.slot.offer(Update{Key: key, Value: v})
	} else {
		sub.slot.offer(Update{Key: key, Empty: true})
	}
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Value returns the stored value at key, for diagnostics and tests.
func (m *Memory) Value(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}
