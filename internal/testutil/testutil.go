package testutil

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/deskrelay/deskrelay/internal/channel"
)

func TestTimeout(t *testing.T) time.Duration {
	t.Helper()
	v := os.Getenv("TEST_TIMEOUT_SECONDS")
	if v == "" {
		return 10 * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		t.Logf("invalid TEST_TIMEOUT_SECONDS=%q, using default 10", v)
		return 10 * time.Second
	}
	return time.Duration(n) * time.Second
}

func Context(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), TestTimeout(t))
}

// Next waits for the next update on sub or fails the test.
func Next(t *testing.T, sub channel.Subscription) channel.Update {
	t.Helper()
	select {
	case u, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return u
	case <-time.After(TestTimeout(t)):
		t.Fatal("timed out waiting for update")
	}
	return channel.Update{}
}

// Eventually polls cond until it holds or the test timeout passes.
func Eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(TestTimeout(t))
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
