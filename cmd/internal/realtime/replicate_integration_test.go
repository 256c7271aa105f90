package realtime

import (
	"os"
	"strings"
	"testing"
	"time"

	"herald/cmd/internal/ids"
)

// Integration tests are enabled when HERALD_REDIS_URL / HERALD_NATS_URL are set.

func TestRedisReplicator_CrossInstance(t *testing.T) {
	t.Parallel()

	raw := strings.TrimSpace(os.Getenv("HERALD_REDIS_URL"))
	if raw == "" {
		t.Skip("integration test skipped: HERALD_REDIS_URL is not set")
	}
	channel := "herald:it:" + ids.MustULID(time.Now())

	runReplicatorSuite(t, func(t *testing.T) Replicator {
		r, err := NewRedisReplicator(testCtx(t), raw, channel)
		if err != nil {
			t.Fatalf("redis: %v", err)
		}
		return r
	})
}

func TestNATSReplicator_CrossInstance(t *testing.T) {
	t.Parallel()

	raw := strings.TrimSpace(os.Getenv("HERALD_NATS_URL"))
	if raw == "" {
		t.Skip("integration test skipped: HERALD_NATS_URL is not set")
	}
	subject := "herald.it." + ids.MustULID(time.Now())

	runReplicatorSuite(t, func(t *testing.T) Replicator {
		r, err := NewNATSReplicator(raw, subject)
		if err != nil {
			t.Fatalf("nats: %v", err)
		}
		return r
	})
}

// runReplicatorSuite runs two buses on one backbone and checks ordered,
// authenticated delivery between them.
func runReplicatorSuite(t *testing.T, open func(t *testing.T) Replicator) {
	t.Helper()

	ra, rb := open(t), open(t)
	t.Cleanup(func() {
		_ = ra.Close()
		_ = rb.Close()
	})

	secret := []byte("integration-secret")
	a := NewBus(discardLogger(), ra, secret)
	b := NewBus(discardLogger(), rb, secret)

	onB := newRecordingSubscriber()
	b.Subscribe(Room("it"), "sb", onB)

	runBus(t, a)
	runBus(t, b)

	// Subscriptions are asynchronous; retry until the first frame lands.
	ctx := testCtx(t)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := a.Publish(ctx, Room("it"), Event{Kind: EventTyping, Typing: TypingEvent{Topic: "room:it", Identity: "warmup"}}); err != nil {
			t.Fatalf("publish warmup: %v", err)
		}
		select {
		case <-onB.ch:
		case <-time.After(200 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatalf("backbone never delivered a warmup frame")
			}
			continue
		}
		break
	}
	// Late warmup frames may still be in flight.
	time.Sleep(300 * time.Millisecond)
	for len(onB.ch) > 0 {
		<-onB.ch
	}

	for i := int64(1); i <= 20; i++ {
		if err := a.Publish(ctx, Room("it"), Event{Kind: EventMessage, Record: rec(i)}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	for i := int64(1); i <= 20; i++ {
		ev := onB.next(t)
		if ev.Kind != EventMessage || ev.Record.Offset != i {
			t.Fatalf("expected offset %d in order, got %+v", i, ev)
		}
	}
}
