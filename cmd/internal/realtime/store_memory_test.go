package realtime

import (
	"errors"
	"fmt"
	"testing"
)

func TestInMemoryStore_Contract(t *testing.T) {
	t.Parallel()
	runLogStoreSuite(t, func(t *testing.T) LogStore { return NewInMemoryStore() })
}

func TestInMemoryStore_Retention_RangeExhausted(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore(WithRetention(3))
	ctx := testCtx(t)

	for i := 1; i <= 5; i++ {
		mustAppend(t, st, AppendInput{IdempotencyKey: fmt.Sprintf("k%d", i), Content: "m", Sender: "alice", Topic: "global"})
	}

	_, err := st.ReadRange(ctx, ReadRangeInput{After: 0})
	var rangeErr *RangeExhaustedError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("expected RangeExhaustedError, got %v", err)
	}
	if !errors.Is(err, ErrSyncRangeExhausted) {
		t.Fatalf("expected errors.Is ErrSyncRangeExhausted")
	}
	if rangeErr.Floor != 2 {
		t.Fatalf("expected floor=2, got %d", rangeErr.Floor)
	}

	res, err := st.ReadRange(ctx, ReadRangeInput{After: rangeErr.Floor})
	if err != nil {
		t.Fatalf("read from floor: %v", err)
	}
	if got := offsetsOf(res.Records); len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Fatalf("expected [3 4 5], got %v", got)
	}

	// Trimmed keys still dedupe.
	dup := mustAppend(t, st, AppendInput{IdempotencyKey: "k1", Content: "m", Sender: "alice", Topic: "global"})
	if !dup.Duplicated || dup.Record.Offset != 1 {
		t.Fatalf("expected duplicate of offset 1, got %+v", dup)
	}
}

func TestInMemoryStore_DedupeWindowBounded(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore(WithRetention(2), WithDedupeWindow(3))
	for i := 1; i <= 4; i++ {
		mustAppend(t, st, AppendInput{IdempotencyKey: fmt.Sprintf("k%d", i), Content: "m", Sender: "alice", Topic: "global"})
	}

	st.mu.Lock()
	keys := len(st.dedupe)
	st.mu.Unlock()
	if keys != 3 {
		t.Fatalf("expected 3 remembered keys, got %d", keys)
	}

	if res := mustAppend(t, st, AppendInput{IdempotencyKey: "k2", Content: "m", Sender: "alice", Topic: "global"}); !res.Duplicated || res.Record.Offset != 2 {
		t.Fatalf("expected duplicate of offset 2, got %+v", res)
	}
	if res := mustAppend(t, st, AppendInput{IdempotencyKey: "k1", Content: "m", Sender: "alice", Topic: "global"}); res.Duplicated || res.Record.Offset != 5 {
		t.Fatalf("expected forgotten key to append at 5, got %+v", res)
	}
}

func TestInMemoryStore_DedupeWindowNotBelowRetention(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore(WithRetention(4), WithDedupeWindow(1))
	for i := 1; i <= 4; i++ {
		mustAppend(t, st, AppendInput{IdempotencyKey: fmt.Sprintf("k%d", i), Content: "m", Sender: "alice", Topic: "global"})
	}
	if res := mustAppend(t, st, AppendInput{IdempotencyKey: "k1", Content: "m", Sender: "alice", Topic: "global"}); !res.Duplicated {
		t.Fatalf("keys within retention must dedupe, got %+v", res)
	}
}
