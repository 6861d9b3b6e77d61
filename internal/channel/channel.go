// Package channel provides the realtime key-value primitive that connects a
// host and a client. Every key is a single replace-latest slot: a publish
// overwrites the previous value and subscribers only ever see the freshest
// one. Nothing is queued underneath.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/deskrelay/deskrelay/internal/session"
)

var ErrClosed = errors.New("channel closed")

// Update is one observation of a key. Empty means the key holds no value,
// either because nothing was published yet or because it was cleared.
type Update struct {
	Key   string
	Value []byte
	Empty bool
}

// Subscription is a live view of one key. C delivers the value current at
// subscribe time and then every change; a slow reader sees only the latest
// value, never a backlog.
type Subscription interface {
	C() <-chan Update
	Close() error
}

type Channel interface {
	// Publish overwrites the value at key.
	Publish(ctx context.Context, key string, value []byte) error
	Subscribe(ctx context.Context, key string) (Subscription, error)
	// Clear removes the value so subscribers observe an empty update.
	Clear(ctx context.Context, key string) error
}

// Key layout. Dots keep keys valid for Redis and NATS KV alike.
func StatusKey(code session.Code) string   { return key(code, "status") }
func RequestKey(code session.Code) string  { return key(code, "request") }
func DecisionKey(code session.Code) string { return key(code, "decision") }
func StreamKey(code session.Code) string   { return key(code, "stream") }
func ControlKey(code session.Code) string  { return key(code, "control") }

func key(code session.Code, name string) string {
	return fmt.Sprintf("sessions.%s.%s", code, name)
}
