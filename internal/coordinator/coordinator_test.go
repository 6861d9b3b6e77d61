package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deskrelay/deskrelay/internal/channel"
	"github.com/deskrelay/deskrelay/internal/codec"
	"github.com/deskrelay/deskrelay/internal/contracts"
	"github.com/deskrelay/deskrelay/internal/controlrelay"
	"github.com/deskrelay/deskrelay/internal/framerelay"
	"github.com/deskrelay/deskrelay/internal/registry"
	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/deskrelay/deskrelay/internal/testutil"
	"github.com/rs/zerolog"
)

func sequence(codes ...session.Code) registry.Generator {
	var (
		mu sync.Mutex
		i  int
	)
	return registry.GeneratorFunc(func() (session.Code, error) {
		mu.Lock()
		defer mu.Unlock()
		c := codes[i%len(codes)]
		i++
		return c, nil
	})
}

type recorder struct {
	mu     sync.Mutex
	events []controlrelay.Event
}

func (r *recorder) Apply(_ context.Context, ev controlrelay.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) snapshot() []controlrelay.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]controlrelay.Event(nil), r.events...)
}

// flakyCapturer succeeds okFrames times and then fails every call.
type flakyCapturer struct {
	okFrames int32
	calls    atomic.Int32
}

func (c *flakyCapturer) Capture(context.Context) (framerelay.Frame, error) {
	n := c.calls.Add(1)
	if c.okFrames >= 0 && n > c.okFrames {
		return framerelay.Frame{}, errors.New("display revoked")
	}
	return framerelay.Frame{Data: []byte{byte(n)}, ContentType: "image/png"}, nil
}

type env struct {
	ch       *channel.Memory
	dir      *registry.MemoryDirectory
	reg      *registry.Registry
	capturer *flakyCapturer
	injector *recorder
	host     *Host
	client   *Client
	events   *eventLog
}

type eventLog struct {
	mu    sync.Mutex
	types []contracts.EventType
}

func (l *eventLog) Emit(_ context.Context, typ contracts.EventType, _ session.Code, _ string, _ any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, typ)
	return nil
}

func (l *eventLog) has(typ contracts.EventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.types {
		if t == typ {
			return true
		}
	}
	return false
}

func newEnv(t *testing.T, okFrames int32) *env {
	t.Helper()
	e := &env{
		ch:       channel.NewMemory(),
		dir:      registry.NewMemoryDirectory(),
		capturer: &flakyCapturer{okFrames: okFrames},
		injector: &recorder{},
		events:   &eventLog{},
	}
	e.reg = registry.New(e.dir, sequence("042913", "771204", "551100"), 10, zerolog.Nop(), nil)
	cfg := Config{FrameInterval: 10 * time.Millisecond, ControlPolicy: controlrelay.PolicyQueue, ControlWindow: 16}
	e.host = NewHost(cfg, HostDeps{Registry: e.reg, Channel: e.ch, Capturer: e.capturer, Injector: e.injector, Events: e.events, Logger: zerolog.Nop()})
	e.client = NewClient(cfg, ClientDeps{Registry: e.reg, Channel: e.ch, Logger: zerolog.Nop()})
	return e
}

type connectResult struct {
	cs  *ClientSession
	err error
}

func (e *env) connect(ctx context.Context, code session.Code) <-chan connectResult {
	out := make(chan connectResult, 1)
	go func() {
		cs, err := e.client.Connect(ctx, code)
		out <- connectResult{cs, err}
	}()
	return out
}

func awaitRequest(t *testing.T, h *Host) PendingRequest {
	t.Helper()
	select {
	case p := <-h.Requests():
		return p
	case <-time.After(testutil.TestTimeout(t)):
		t.Fatal("no pending request")
	}
	return PendingRequest{}
}

func awaitConnect(t *testing.T, ch <-chan connectResult) connectResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(testutil.TestTimeout(t)):
		t.Fatal("connect did not return")
	}
	return connectResult{}
}

func awaitClosed(t *testing.T, done <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(testutil.TestTimeout(t)):
		t.Fatalf("%s did not stop", what)
	}
}

func TestScenarioAcceptMouseOnly(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.Context(t)
	defer cancel()
	e := newEnv(t, -1)

	code, err := e.host.Start(ctx)
	if err != nil || code != "042913" {
		t.Fatalf("start: %s %v", code, err)
	}
	pending := e.connect(ctx, code)
	req := awaitRequest(t, e.host)
	if req.From != "771204" {
		t.Fatalf("requester %s", req.From)
	}
	grant := session.Grant{Accept: true, Permissions: &session.PermissionSet{MouseControl: true}}
	if err := e.host.Decide(ctx, grant); err != nil {
		t.Fatal(err)
	}
	r := awaitConnect(t, pending)
	if r.err != nil {
		t.Fatalf("connect: %v", r.err)
	}
	cs := r.cs
	want := session.PermissionSet{ScreenShare: false, MouseControl: true, KeyboardControl: false, FileTransfer: false}
	if cs.Permissions() != want {
		t.Fatalf("permissions %+v", cs.Permissions())
	}
	testutil.Eventually(t, func() bool { return e.host.View().Status == session.StatusStreaming }, "host streaming")
	if e.capturer.calls.Load() != 0 {
		t.Fatal("capture ran without screen share")
	}
	if _, err := cs.Frames(); !errors.Is(err, session.ErrPermissionViolation) {
		t.Fatalf("frames without screen share: %v", err)
	}

	if err := cs.Send(ctx, controlrelay.KeyDown("a")); err != nil {
		t.Fatal(err)
	}
	if err := cs.Send(ctx, controlrelay.MouseMove(0.5, 0.25)); err != nil {
		t.Fatal(err)
	}
	testutil.Eventually(t, func() bool { return len(e.injector.snapshot()) == 1 }, "mouse move applied")
	for _, ev := range e.injector.snapshot() {
		if ev.Kind.Keyboard() {
			t.Fatalf("keyboard event reached the injector: %+v", ev)
		}
	}

	if err := e.host.Decide(ctx, grant); err == nil {
		t.Fatal("a second decision must not restart the session")
	}

	if err := e.host.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	awaitClosed(t, cs.Done(), "client session")
	if !errors.Is(cs.Err(), session.ErrStopped) {
		t.Fatalf("client err %v", cs.Err())
	}
	if e.host.Err() != nil {
		t.Fatalf("orderly stop reported %v", e.host.Err())
	}
	testutil.Eventually(t, func() bool { return e.dir.Len() == 0 }, "codes released")
	if !e.events.has(contracts.EventSessionAccepted) || !e.events.has(contracts.EventSessionStopped) {
		t.Fatal("lifecycle events missing")
	}
}

func TestScenarioReject(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.Context(t)
	defer cancel()
	e := newEnv(t, -1)

	code, err := e.host.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	pending := e.connect(ctx, code)
	awaitRequest(t, e.host)
	if err := e.host.Decide(ctx, session.Grant{Accept: false}); err != nil {
		t.Fatal(err)
	}
	r := awaitConnect(t, pending)
	if !errors.Is(r.err, session.ErrRejected) || r.cs != nil {
		t.Fatalf("expected rejection, got %+v", r)
	}
	awaitClosed(t, e.host.Done(), "host")
	if !errors.Is(e.host.Err(), session.ErrRejected) {
		t.Fatalf("host err %v", e.host.Err())
	}
	if e.capturer.calls.Load() != 0 || len(e.injector.snapshot()) != 0 {
		t.Fatal("a relay started after rejection")
	}
	if _, ok := e.ch.Value(channel.StreamKey(code)); ok {
		t.Fatal("frames published after rejection")
	}
	if !e.events.has(contracts.EventSessionRejected) {
		t.Fatal("rejected event missing")
	}
}

func TestScenarioLateViewerSeesLatestFrame(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.Context(t)
	defer cancel()
	e := newEnv(t, -1)
	pub := framerelay.NewPublisher(e.ch, "042913", framerelay.Options{}, zerolog.Nop(), nil)
	go pub.Serve(ctx)
	for _, p := range []string{"P1", "P2", "P3"} {
		pub.Publish(framerelay.Frame{Data: []byte(p)})
	}
	testutil.Eventually(t, func() bool {
		raw, ok := e.ch.Value(channel.StreamKey("042913"))
		if !ok {
			return false
		}
		f, err := codec.DecodeFrame(raw)
		return err == nil && string(f.Data) == "P3"
	}, "P3 published")
	sub, err := framerelay.Subscribe(ctx, e.ch, "042913", zerolog.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	u, err := sub.Next(ctx)
	if err != nil || string(u.Frame.Data) != "P3" {
		t.Fatalf("late viewer got %+v %v", u, err)
	}
}

func TestScenarioCaptureFailureStopsSession(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.Context(t)
	defer cancel()
	e := newEnv(t, 3)

	code, _ := e.host.Start(ctx)
	pending := e.connect(ctx, code)
	awaitRequest(t, e.host)
	if err := e.host.Decide(ctx, session.Grant{Accept: true, AllAccess: true}); err != nil {
		t.Fatal(err)
	}
	r := awaitConnect(t, pending)
	if r.err != nil {
		t.Fatal(r.err)
	}
	frames, err := r.cs.Frames()
	if err != nil {
		t.Fatal(err)
	}
	defer frames.Close()

	awaitClosed(t, e.host.Done(), "host")
	if !errors.Is(e.host.Err(), session.ErrCaptureFailed) {
		t.Fatalf("host err %v", e.host.Err())
	}
	v := e.host.View()
	if v.Status != session.StatusStopped || v.Reason == "" {
		t.Fatalf("view %+v", v)
	}
	calls := e.capturer.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if e.capturer.calls.Load() != calls {
		t.Fatal("capture continued after stop")
	}
	if _, ok := e.ch.Value(channel.StreamKey(code)); ok {
		t.Fatal("stream key not cleared")
	}
	awaitClosed(t, r.cs.Done(), "client session")
	if !errors.Is(r.cs.Err(), session.ErrStopped) {
		t.Fatalf("client err %v", r.cs.Err())
	}
	if err := r.cs.Send(ctx, controlrelay.MouseMove(0.1, 0.1)); !errors.Is(err, session.ErrStopped) {
		t.Fatalf("send after stop: %v", err)
	}

	// Input written straight onto the control key must not reach the
	// injector once the session stopped.
	applied := len(e.injector.snapshot())
	raw, err := contracts.Encode(contracts.ControlBatch{
		Sender: "stray",
		Events: []contracts.ControlEventV1{{Seq: 1, Kind: string(controlrelay.KindMouseMove), X: 0.2, Y: 0.2}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ch.Publish(ctx, channel.ControlKey(code), raw); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if got := len(e.injector.snapshot()); got != applied {
		t.Fatalf("control receiver applied %d events after stop", got-applied)
	}
}

func TestClientDisconnectStopsHost(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.Context(t)
	defer cancel()
	e := newEnv(t, -1)

	code, err := e.host.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	pending := e.connect(ctx, code)
	awaitRequest(t, e.host)
	if err := e.host.Decide(ctx, session.Grant{Accept: true, AllAccess: true}); err != nil {
		t.Fatal(err)
	}
	r := awaitConnect(t, pending)
	if r.err != nil {
		t.Fatal(r.err)
	}
	testutil.Eventually(t, func() bool { return e.host.View().Status == session.StatusStreaming }, "host streaming")

	if err := r.cs.Close(ctx); err != nil {
		t.Fatal(err)
	}
	awaitClosed(t, e.host.Done(), "host")
	if !errors.Is(e.host.Err(), session.ErrClientGone) {
		t.Fatalf("host err %v", e.host.Err())
	}
	if v := e.host.View(); v.Status != session.StatusStopped {
		t.Fatalf("view %+v", v)
	}
	calls := e.capturer.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if e.capturer.calls.Load() != calls {
		t.Fatal("capture continued after the client left")
	}
	testutil.Eventually(t, func() bool { return e.dir.Len() == 0 }, "codes released")
}

func TestAbandonedRequestFreesHost(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.Context(t)
	defer cancel()
	e := newEnv(t, -1)

	code, err := e.host.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	reqCtx, abandon := context.WithCancel(ctx)
	first := e.connect(reqCtx, code)
	awaitRequest(t, e.host)
	abandon()
	if r := awaitConnect(t, first); !errors.Is(r.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", r.err)
	}
	testutil.Eventually(t, func() bool { return e.host.View().Status == session.StatusAvailable }, "host available again")

	second := e.connect(ctx, code)
	awaitRequest(t, e.host)
	if err := e.host.Decide(ctx, session.Grant{Accept: true, AllAccess: true}); err != nil {
		t.Fatal(err)
	}
	if r := awaitConnect(t, second); r.err != nil {
		t.Fatalf("second requester: %v", r.err)
	}
	_ = e.host.Stop(ctx)
}

func TestSecondClientIsBusy(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.Context(t)
	defer cancel()
	e := newEnv(t, -1)
	code, _ := e.host.Start(ctx)
	first := e.connect(ctx, code)
	awaitRequest(t, e.host)

	second := NewClient(Config{}, ClientDeps{Registry: e.reg, Channel: e.ch, Logger: zerolog.Nop()})
	if _, err := second.Connect(ctx, code); !errors.Is(err, session.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := e.host.Decide(ctx, session.Grant{Accept: true, AllAccess: true}); err != nil {
		t.Fatal(err)
	}
	if r := awaitConnect(t, first); r.err != nil {
		t.Fatalf("first client disturbed: %v", r.err)
	}
	_ = e.host.Stop(ctx)
}

func TestConnectUnknownCode(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.Context(t)
	defer cancel()
	e := newEnv(t, -1)
	if _, err := e.client.Connect(ctx, "999999"); !errors.Is(err, session.ErrUnknownCode) {
		t.Fatalf("expected ErrUnknownCode, got %v", err)
	}
	if e.dir.Len() != 0 {
		t.Fatal("requester code not released")
	}
}

func TestHostStopsWithContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	e := newEnv(t, -1)
	if _, err := e.host.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	awaitClosed(t, e.host.Done(), "host")
	if e.dir.Len() != 0 {
		t.Fatal("code not released")
	}
	if err := e.host.Stop(context.Background()); err != nil {
		t.Fatalf("stop after stop: %v", err)
	}
}

func TestDecideBeforeStart(t *testing.T) {
	t.Parallel()
	e := newEnv(t, -1)
	if err := e.host.Decide(context.Background(), session.Grant{}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}
