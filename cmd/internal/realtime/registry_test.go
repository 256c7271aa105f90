package realtime

import (
	"errors"
	"testing"
)

func TestRegistry_ReplacedSessionCannotMutateSuccessor(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	old := newSession("conn-1", "alice", 8, 8)
	r.Register(old)
	cur := newSession("conn-2", "alice", 8, 8)
	if replaced := r.Register(cur); replaced != old {
		t.Fatalf("expected old session returned as replaced")
	}
	if _, err := r.SetDisplayName(cur, "Alice"); err != nil {
		t.Fatalf("set name: %v", err)
	}
	if _, err := r.JoinRoom(cur, "lobby"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, err := r.SetDisplayName(old, "Mallory"); !errors.Is(err, ErrSessionGone) {
		t.Fatalf("SetDisplayName: expected ErrSessionGone, got %v", err)
	}
	if _, err := r.JoinRoom(old, "other"); !errors.Is(err, ErrSessionGone) {
		t.Fatalf("JoinRoom: expected ErrSessionGone, got %v", err)
	}
	if err := r.LeaveRoom(old, "lobby"); !errors.Is(err, ErrSessionGone) {
		t.Fatalf("LeaveRoom: expected ErrSessionGone, got %v", err)
	}

	if cur.Name() != "Alice" {
		t.Fatalf("successor name changed to %q", cur.Name())
	}
	if rooms := cur.Rooms(); len(rooms) != 1 || rooms[0] != "lobby" {
		t.Fatalf("successor rooms changed: %v", rooms)
	}
	if rooms := old.Rooms(); len(rooms) != 0 {
		t.Fatalf("replaced session gained rooms: %v", rooms)
	}
}

func TestRegistry_UnregisteredSession(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	s := newSession("conn-1", "bob", 8, 8)
	if _, err := r.JoinRoom(s, "lobby"); !errors.Is(err, ErrSessionGone) {
		t.Fatalf("expected ErrSessionGone, got %v", err)
	}
	r.Register(s)
	if !r.Unregister(s) {
		t.Fatalf("expected unregister")
	}
	if err := r.LeaveRoom(s, "lobby"); !errors.Is(err, ErrSessionGone) {
		t.Fatalf("expected ErrSessionGone after unregister, got %v", err)
	}
}
