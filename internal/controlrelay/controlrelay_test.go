package controlrelay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deskrelay/deskrelay/internal/channel"
	"github.com/deskrelay/deskrelay/internal/contracts"
	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/deskrelay/deskrelay/pkg/observability"
	"github.com/rs/zerolog"
)

const host session.Code = "042913"

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Apply(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func storedBatch(t *testing.T, ch *channel.Memory) contracts.ControlBatch {
	t.Helper()
	raw, ok := ch.Value(channel.ControlKey(host))
	if !ok {
		t.Fatal("no control batch published")
	}
	var b contracts.ControlBatch
	if err := json.Unmarshal(raw, &b); err != nil {
		t.Fatal(err)
	}
	return b
}

func kinds(events []Event) []Kind {
	out := make([]Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func equalKinds(a []Kind, b ...Kind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestKeyDownDroppedWithoutKeyboardControl(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ch := channel.NewMemory()
	metrics := observability.NewMetrics()
	perms := session.PermissionSet{ScreenShare: true, MouseControl: true}
	s := NewSender(ch, host, perms, SenderOptions{}, zerolog.Nop(), metrics)

	if err := s.Send(ctx, KeyDown("a")); err != nil {
		t.Fatalf("dropped events are not errors: %v", err)
	}
	if _, ok := ch.Value(channel.ControlKey(host)); ok {
		t.Fatal("forbidden event reached the channel")
	}
	if metrics.ControlDropped.Load() != 1 {
		t.Fatalf("dropped=%d", metrics.ControlDropped.Load())
	}
	if err := s.Send(ctx, MouseMove(0.5, 0.5)); err != nil {
		t.Fatal(err)
	}
	if b := storedBatch(t, ch); len(b.Events) != 1 || b.Events[0].Kind != "mousemove" {
		t.Fatalf("batch %+v", b)
	}
}

func TestReceiverRefusesForgedEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := &recorder{}
	metrics := observability.NewMetrics()
	r := NewReceiver(channel.NewMemory(), host, session.PermissionSet{MouseControl: true}, rec, zerolog.Nop(), metrics)
	r.applyBatch(ctx, contracts.ControlBatch{Sender: "forger", Events: []contracts.ControlEventV1{
		{Seq: 1, Kind: "keydown", Key: "Enter"},
		{Seq: 2, Kind: "mousemove", X: 0.25, Y: 0.75},
	}})
	got := rec.snapshot()
	if !equalKinds(kinds(got), KindMouseMove) {
		t.Fatalf("applied %+v", got)
	}
	if metrics.ControlRejected.Load() != 1 {
		t.Fatalf("rejected=%d", metrics.ControlRejected.Load())
	}
}

func TestPolicies(t *testing.T) {
	t.Parallel()
	all := session.AllAccess()
	tests := []struct {
		name   string
		opts   SenderOptions
		events []Event
		want   []Kind
	}{
		{
			name:   "latest keeps one",
			opts:   SenderOptions{Policy: PolicyLatest, Window: 10},
			events: []Event{MouseMove(0.1, 0.1), KeyDown("a"), MouseMove(0.2, 0.2)},
			want:   []Kind{KindMouseMove},
		},
		{
			name:   "queue keeps window in order",
			opts:   SenderOptions{Policy: PolicyQueue, Window: 3},
			events: []Event{KeyDown("a"), KeyUp("a"), KeyDown("b"), KeyUp("b"), MouseDown(0.5, 0.5)},
			want:   []Kind{KindKeyDown, KindKeyUp, KindMouseDown},
		},
		{
			name:   "coalesce merges consecutive moves",
			opts:   SenderOptions{Policy: PolicyCoalesce, Window: 8},
			events: []Event{MouseMove(0.1, 0.1), MouseMove(0.2, 0.2), MouseDown(0.2, 0.2), MouseMove(0.3, 0.3), MouseMove(0.4, 0.4)},
			want:   []Kind{KindMouseMove, KindMouseDown, KindMouseMove},
		},
		{
			name:   "click expands to press and release",
			opts:   SenderOptions{Policy: PolicyQueue, Window: 4},
			events: []Event{{Kind: KindClick, X: 0.5, Y: 0.5}},
			want:   []Kind{KindMouseDown, KindMouseUp},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			ch := channel.NewMemory()
			s := NewSender(ch, host, all, tt.opts, zerolog.Nop(), nil)
			for _, ev := range tt.events {
				if err := s.Send(ctx, ev); err != nil {
					t.Fatal(err)
				}
			}
			rec := &recorder{}
			r := NewReceiver(ch, host, all, rec, zerolog.Nop(), nil)
			batch := storedBatch(t, ch)
			r.applyBatch(ctx, batch)
			if got := kinds(rec.snapshot()); !equalKinds(got, tt.want...) {
				t.Fatalf("applied %v, want %v", got, tt.want)
			}
			r.applyBatch(ctx, batch)
			if got := rec.snapshot(); len(got) != len(tt.want) {
				t.Fatalf("batch applied twice: %v", kinds(got))
			}
		})
	}
}

func TestCoalesceKeepsLatestPosition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ch := channel.NewMemory()
	s := NewSender(ch, host, session.AllAccess(), SenderOptions{Policy: PolicyCoalesce}, zerolog.Nop(), nil)
	_ = s.Send(ctx, MouseMove(0.1, 0.1))
	_ = s.Send(ctx, MouseMove(0.9, 0.8))
	b := storedBatch(t, ch)
	if len(b.Events) != 1 || b.Events[0].X != 0.9 || b.Events[0].Y != 0.8 || b.Events[0].Seq != 2 {
		t.Fatalf("batch %+v", b)
	}
}

func TestReceiverResetsOnNewSender(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := &recorder{}
	r := NewReceiver(channel.NewMemory(), host, session.AllAccess(), rec, zerolog.Nop(), nil)
	r.applyBatch(ctx, contracts.ControlBatch{Sender: "a", Events: []contracts.ControlEventV1{{Seq: 7, Kind: "keydown", Key: "x"}}})
	r.applyBatch(ctx, contracts.ControlBatch{Sender: "b", Events: []contracts.ControlEventV1{{Seq: 1, Kind: "keyup", Key: "x"}}})
	if got := kinds(rec.snapshot()); !equalKinds(got, KindKeyDown, KindKeyUp) {
		t.Fatalf("applied %v", got)
	}
}

func TestReceiverCountsLostEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics := observability.NewMetrics()
	r := NewReceiver(channel.NewMemory(), host, session.AllAccess(), &recorder{}, zerolog.Nop(), metrics)
	r.applyBatch(ctx, contracts.ControlBatch{Sender: "a", Events: []contracts.ControlEventV1{{Seq: 1, Kind: "mousemove"}}})
	r.applyBatch(ctx, contracts.ControlBatch{Sender: "a", Events: []contracts.ControlEventV1{{Seq: 5, Kind: "mousemove"}}})
	if metrics.ControlOverwrote.Load() != 3 {
		t.Fatalf("lost=%d", metrics.ControlOverwrote.Load())
	}
}

func TestRunDeliversOverChannel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := channel.NewMemory()
	perms := session.PermissionSet{KeyboardControl: true}
	rec := &recorder{}
	r := NewReceiver(ch, host, perms, rec, zerolog.Nop(), nil)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	s := NewSender(ch, host, perms, SenderOptions{Policy: PolicyQueue}, zerolog.Nop(), nil)
	if err := s.Send(ctx, KeyDown("q")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	got := rec.snapshot()
	if len(got) != 1 || got[0].Key != "q" {
		t.Fatalf("applied %+v", got)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := (Event{Kind: "scroll"}).Validate(); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if err := KeyDown("").Validate(); err == nil {
		t.Fatal("key event without key should fail")
	}
	s := NewSender(channel.NewMemory(), host, session.AllAccess(), SenderOptions{}, zerolog.Nop(), nil)
	if err := s.Send(context.Background(), Event{Kind: "scroll"}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		px, py, w, h float64
		x, y         float64
	}{
		{px: 0, py: 0, w: 1920, h: 1080, x: 0, y: 0},
		{px: 960, py: 540, w: 1920, h: 1080, x: 0.5, y: 0.5},
		{px: -40, py: 2000, w: 1920, h: 1080, x: 0, y: 1},
		{px: 10, py: 10, w: 0, h: 0, x: 0, y: 0},
	}
	for _, tt := range tests {
		x, y := Normalize(tt.px, tt.py, tt.w, tt.h)
		if x != tt.x || y != tt.y {
			t.Fatalf("Normalize(%v,%v,%v,%v) = %v,%v want %v,%v", tt.px, tt.py, tt.w, tt.h, x, y, tt.x, tt.y)
		}
	}
	if x, y := Denormalize(1, 0.5, 1920, 1080); x != 1919 || y != 540 {
		t.Fatalf("Denormalize = %d,%d", x, y)
	}
	if x, y := Denormalize(2, -1, 100, 100); x != 99 || y != 0 {
		t.Fatalf("Denormalize clamps, got %d,%d", x, y)
	}
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Policy{"": PolicyLatest, "latest": PolicyLatest, "queue": PolicyQueue, "coalesce": PolicyCoalesce} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("%q: %v %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("fifo"); err == nil {
		t.Fatal("expected error")
	}
}
