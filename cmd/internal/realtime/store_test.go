package realtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

// runLogStoreSuite checks the LogStore contract against any engine.
// open must return an empty store.
func runLogStoreSuite(t *testing.T, open func(t *testing.T) LogStore) {
	t.Helper()

	t.Run("AppendDedupe", func(t *testing.T) {
		t.Parallel()
		st := open(t)
		ctx := testCtx(t)

		first := mustAppend(t, st, AppendInput{IdempotencyKey: "k1", Content: "hello", Sender: "alice", SenderName: "Alice", Topic: "global"})
		if first.Duplicated {
			t.Fatalf("first append: expected Duplicated=false")
		}
		if first.Record.Offset != 1 {
			t.Fatalf("first append: expected offset=1 got=%d", first.Record.Offset)
		}

		second := mustAppend(t, st, AppendInput{IdempotencyKey: "k1", Content: "hello again", Sender: "alice", Topic: "global"})
		if !second.Duplicated {
			t.Fatalf("second append: expected Duplicated=true")
		}
		if second.Record.Offset != first.Record.Offset {
			t.Fatalf("second append: offset mismatch first=%d second=%d", first.Record.Offset, second.Record.Offset)
		}
		if second.Record.Content != "hello" {
			t.Fatalf("second append: expected stored content, got %q", second.Record.Content)
		}
		if second.Record.SenderName != "Alice" {
			t.Fatalf("second append: expected sender_name=Alice, got %q", second.Record.SenderName)
		}

		third := mustAppend(t, st, AppendInput{IdempotencyKey: "k2", Content: "next", Sender: "alice", Topic: "global"})
		if third.Record.Offset != 2 {
			t.Fatalf("duplicate must not consume an offset: expected 2 got %d", third.Record.Offset)
		}

		max, err := st.MaxOffset(ctx)
		if err != nil {
			t.Fatalf("max offset: %v", err)
		}
		if max != 2 {
			t.Fatalf("expected max offset 2, got %d", max)
		}
	})

	t.Run("ConcurrentAppend_Gapless", func(t *testing.T) {
		t.Parallel()
		st := open(t)
		ctx := testCtx(t)

		const n = 32
		var wg sync.WaitGroup
		errCh := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := st.Append(ctx, AppendInput{
					IdempotencyKey: fmt.Sprintf("key-%d", i),
					Content:        fmt.Sprintf("m%d", i),
					Sender:         "alice",
					Topic:          "global",
				})
				if err != nil {
					errCh <- err
				}
			}(i)
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			t.Fatalf("concurrent append: %v", err)
		}

		res, err := st.ReadRange(ctx, ReadRangeInput{Limit: 1000})
		if err != nil {
			t.Fatalf("read range: %v", err)
		}
		if len(res.Records) != n {
			t.Fatalf("expected %d records, got %d", n, len(res.Records))
		}
		for i, r := range res.Records {
			if want := int64(i + 1); r.Offset != want {
				t.Fatalf("offset gap at %d: want %d got %d", i, want, r.Offset)
			}
		}
	})

	t.Run("ConcurrentAppend_SameKey", func(t *testing.T) {
		t.Parallel()
		st := open(t)
		ctx := testCtx(t)

		const n = 16
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted int
			offsets  = map[int64]struct{}{}
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := st.Append(ctx, AppendInput{IdempotencyKey: "same", Content: "x", Sender: "alice", Topic: "global"})
				if err != nil {
					t.Errorf("append: %v", err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if !res.Duplicated {
					accepted++
				}
				offsets[res.Record.Offset] = struct{}{}
			}()
		}
		wg.Wait()

		if accepted != 1 {
			t.Fatalf("expected exactly 1 accepted append, got %d", accepted)
		}
		if len(offsets) != 1 {
			t.Fatalf("expected one offset for all callers, got %v", offsets)
		}
		max, err := st.MaxOffset(ctx)
		if err != nil {
			t.Fatalf("max offset: %v", err)
		}
		if max != 1 {
			t.Fatalf("expected max offset 1, got %d", max)
		}
	})

	t.Run("ReadRange_Paging", func(t *testing.T) {
		t.Parallel()
		st := open(t)
		ctx := testCtx(t)

		for i := 1; i <= 5; i++ {
			mustAppend(t, st, AppendInput{IdempotencyKey: fmt.Sprintf("p%d", i), Content: "m", Sender: "alice", Topic: "global"})
		}

		page1, err := st.ReadRange(ctx, ReadRangeInput{After: 0, Limit: 2})
		if err != nil {
			t.Fatalf("page 1: %v", err)
		}
		if got := offsetsOf(page1.Records); !reflect.DeepEqual(got, []int64{1, 2}) {
			t.Fatalf("page 1: expected [1 2], got %v", got)
		}
		if !page1.HasMore || page1.HighWater != 5 {
			t.Fatalf("page 1: expected HasMore=true HighWater=5, got %v %d", page1.HasMore, page1.HighWater)
		}

		page2, err := st.ReadRange(ctx, ReadRangeInput{After: 2, UpTo: page1.HighWater, Limit: 2})
		if err != nil {
			t.Fatalf("page 2: %v", err)
		}
		if got := offsetsOf(page2.Records); !reflect.DeepEqual(got, []int64{3, 4}) {
			t.Fatalf("page 2: expected [3 4], got %v", got)
		}

		page3, err := st.ReadRange(ctx, ReadRangeInput{After: 4, UpTo: page1.HighWater, Limit: 2})
		if err != nil {
			t.Fatalf("page 3: %v", err)
		}
		if got := offsetsOf(page3.Records); !reflect.DeepEqual(got, []int64{5}) {
			t.Fatalf("page 3: expected [5], got %v", got)
		}
		if page3.HasMore {
			t.Fatalf("page 3: expected HasMore=false")
		}

		past, err := st.ReadRange(ctx, ReadRangeInput{After: 9})
		if err != nil {
			t.Fatalf("read past end: %v", err)
		}
		if len(past.Records) != 0 || past.HighWater != 5 {
			t.Fatalf("read past end: expected no records and HighWater=5, got %d records HighWater=%d", len(past.Records), past.HighWater)
		}
	})

	t.Run("ReadRange_UpToPinsSnapshot", func(t *testing.T) {
		t.Parallel()
		st := open(t)
		ctx := testCtx(t)

		for i := 1; i <= 3; i++ {
			mustAppend(t, st, AppendInput{IdempotencyKey: fmt.Sprintf("u%d", i), Content: "m", Sender: "alice", Topic: "global"})
		}
		res, err := st.ReadRange(ctx, ReadRangeInput{UpTo: 2})
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got := offsetsOf(res.Records); !reflect.DeepEqual(got, []int64{1, 2}) {
			t.Fatalf("expected [1 2], got %v", got)
		}
		if res.HighWater != 2 {
			t.Fatalf("expected HighWater=2, got %d", res.HighWater)
		}
	})

	t.Run("ReadRange_Idempotent", func(t *testing.T) {
		t.Parallel()
		st := open(t)
		ctx := testCtx(t)

		for i := 1; i <= 4; i++ {
			mustAppend(t, st, AppendInput{IdempotencyKey: fmt.Sprintf("r%d", i), Content: fmt.Sprintf("m%d", i), Sender: "alice", Topic: "global"})
		}
		a, err := st.ReadRange(ctx, ReadRangeInput{After: 1})
		if err != nil {
			t.Fatalf("read a: %v", err)
		}
		b, err := st.ReadRange(ctx, ReadRangeInput{After: 1})
		if err != nil {
			t.Fatalf("read b: %v", err)
		}
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("replay not idempotent:\n a=%+v\n b=%+v", a, b)
		}
	})

	t.Run("ReadRange_Visibility", func(t *testing.T) {
		t.Parallel()
		st := open(t)
		ctx := testCtx(t)

		inputs := []AppendInput{
			{IdempotencyKey: "v1", Content: "g", Sender: "carol", Topic: "global"},
			{IdempotencyKey: "v2", Content: "ra", Sender: "carol", Topic: "room:a"},
			{IdempotencyKey: "v3", Content: "rb", Sender: "carol", Topic: "room:b"},
			{IdempotencyKey: "v4", Content: "to alice", Sender: "bob", Recipient: "alice", Topic: DirectPairTopic("bob", "alice")},
			{IdempotencyKey: "v5", Content: "private", Sender: "carol", Recipient: "dave", Topic: DirectPairTopic("carol", "dave")},
			{IdempotencyKey: "v6", Content: "from alice", Sender: "alice", Recipient: "dave", Topic: DirectPairTopic("alice", "dave")},
		}
		for _, in := range inputs {
			mustAppend(t, st, in)
		}

		res, err := st.ReadRange(ctx, ReadRangeInput{
			Visibility: &Visibility{Topics: []string{"global", "room:a"}, Identity: "alice"},
		})
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got := offsetsOf(res.Records); !reflect.DeepEqual(got, []int64{1, 2, 4, 6}) {
			t.Fatalf("expected [1 2 4 6], got %v", got)
		}
		if res.HighWater != 6 {
			t.Fatalf("expected HighWater=6, got %d", res.HighWater)
		}
		if res.Records[2].Recipient != "alice" {
			t.Fatalf("expected recipient alice, got %q", res.Records[2].Recipient)
		}
	})

	t.Run("Append_RejectsInvalid", func(t *testing.T) {
		t.Parallel()
		st := open(t)
		ctx := testCtx(t)

		_, err := st.Append(ctx, AppendInput{Content: "x", Sender: "alice", Topic: "global"})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
		max, err := st.MaxOffset(ctx)
		if err != nil {
			t.Fatalf("max offset: %v", err)
		}
		if max != 0 {
			t.Fatalf("rejected append must not consume offsets, max=%d", max)
		}
	})
}

// ---- test helpers ----

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustAppend(t *testing.T, st LogStore, in AppendInput) AppendResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := st.Append(ctx, in)
	if err != nil {
		t.Fatalf("append %q: %v", in.IdempotencyKey, err)
	}
	return res
}

func offsetsOf(recs []Record) []int64 {
	out := make([]int64, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Offset)
	}
	return out
}
