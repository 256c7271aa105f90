package realtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// recordingSubscriber captures delivered events.
type recordingSubscriber struct {
	ch chan Event
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{ch: make(chan Event, 64)}
}

func (r *recordingSubscriber) Deliver(ev Event) error {
	select {
	case r.ch <- ev:
		return nil
	default:
		return ErrSessionGone
	}
}

func (r *recordingSubscriber) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func (r *recordingSubscriber) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(d):
	}
}

// loopback is an in-process backbone: every replicator sees every frame,
// including its own, in publish order.
type loopback struct {
	mu   sync.Mutex
	subs []chan []byte
}

type loopbackReplicator struct {
	bb *loopback
	ch chan []byte
}

func (bb *loopback) replicator() *loopbackReplicator {
	r := &loopbackReplicator{bb: bb, ch: make(chan []byte, 1024)}
	bb.mu.Lock()
	bb.subs = append(bb.subs, r.ch)
	bb.mu.Unlock()
	return r
}

func (r *loopbackReplicator) Publish(_ context.Context, data []byte) error {
	r.bb.mu.Lock()
	defer r.bb.mu.Unlock()
	for _, ch := range r.bb.subs {
		ch <- append([]byte(nil), data...)
	}
	return nil
}

func (r *loopbackReplicator) Subscribe(ctx context.Context, handle func([]byte)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-r.ch:
			handle(data)
		}
	}
}

func (r *loopbackReplicator) Close() error { return nil }

func runBus(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestBus_LocalRouting(t *testing.T) {
	t.Parallel()

	b := NewBus(discardLogger(), nil, nil)
	alice, bob := newRecordingSubscriber(), newRecordingSubscriber()

	b.Subscribe(Global(), "a", alice)
	b.Subscribe(Global(), "b", bob)
	b.Subscribe(Room("x"), "a", alice)
	b.Subscribe(Direct("bob"), "b", bob)

	ctx := testCtx(t)

	tests := []struct {
		name      string
		topic     Topic
		wantAlice bool
		wantBob   bool
	}{
		{name: "global", topic: Global(), wantAlice: true, wantBob: true},
		{name: "room member only", topic: Room("x"), wantAlice: true},
		{name: "direct", topic: Direct("bob"), wantBob: true},
		{name: "nobody", topic: Room("y")},
	}
	for _, tt := range tests {
		if err := b.Publish(ctx, tt.topic, Event{Kind: EventTyping}); err != nil {
			t.Fatalf("%s: publish: %v", tt.name, err)
		}
		if tt.wantAlice {
			alice.next(t)
		}
		if tt.wantBob {
			bob.next(t)
		}
		alice.expectNone(t, 10*time.Millisecond)
		bob.expectNone(t, 10*time.Millisecond)
	}

	b.UnsubscribeAll("a")
	if n := b.Subscribers(Room("x")); n != 0 {
		t.Fatalf("expected room x empty after UnsubscribeAll, got %d", n)
	}
	if n := b.Subscribers(Global()); n != 1 {
		t.Fatalf("expected one global subscriber, got %d", n)
	}

	b.Unsubscribe(Global(), "b")
	if n := b.Deliver(Global(), Event{Kind: EventTyping}); n != 0 {
		t.Fatalf("expected no deliveries, got %d", n)
	}
}

func TestBus_ReplicatesAcrossInstances(t *testing.T) {
	t.Parallel()

	bb := &loopback{}
	a := NewBus(discardLogger(), bb.replicator(), []byte("shared"))
	b := NewBus(discardLogger(), bb.replicator(), []byte("shared"))
	runBus(t, a)
	runBus(t, b)

	onA, onB := newRecordingSubscriber(), newRecordingSubscriber()
	a.Subscribe(Room("x"), "sa", onA)
	b.Subscribe(Room("x"), "sb", onB)

	ctx := testCtx(t)
	for i := int64(1); i <= 5; i++ {
		if err := a.Publish(ctx, Room("x"), Event{Kind: EventMessage, Record: rec(i)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	for i := int64(1); i <= 5; i++ {
		if got := onA.next(t).Record.Offset; got != i {
			t.Fatalf("local: expected offset %d, got %d", i, got)
		}
		if got := onB.next(t).Record.Offset; got != i {
			t.Fatalf("remote: expected offset %d in publish order, got %d", i, got)
		}
	}

	// A must not receive its own frames back.
	onA.expectNone(t, 50*time.Millisecond)
}

func TestBus_RejectsFramesWithWrongSecret(t *testing.T) {
	t.Parallel()

	bb := &loopback{}
	a := NewBus(discardLogger(), bb.replicator(), []byte("one"))
	b := NewBus(discardLogger(), bb.replicator(), []byte("two"))
	runBus(t, a)
	runBus(t, b)

	onB := newRecordingSubscriber()
	b.Subscribe(Global(), "sb", onB)

	if err := a.Publish(testCtx(t), Global(), Event{Kind: EventTyping}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	onB.expectNone(t, 100*time.Millisecond)
}

func TestBus_RemotePresenceHook(t *testing.T) {
	t.Parallel()

	bb := &loopback{}
	a := NewBus(discardLogger(), bb.replicator(), nil)
	b := NewBus(discardLogger(), bb.replicator(), nil)

	got := make(chan map[string]string, 1)
	b.OnRemotePresence(func(origin string, online map[string]string) {
		if origin != a.Origin() {
			t.Errorf("expected origin %s, got %s", a.Origin(), origin)
		}
		got <- online
	})
	runBus(t, a)
	runBus(t, b)

	if err := a.Replicate(testCtx(t), Global(), Event{Kind: EventPresence, Presence: map[string]string{"alice": "Alice"}}); err != nil {
		t.Fatalf("replicate: %v", err)
	}

	select {
	case online := <-got:
		if online["alice"] != "Alice" || len(online) != 1 {
			t.Fatalf("unexpected presence: %v", online)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for remote presence")
	}
}
