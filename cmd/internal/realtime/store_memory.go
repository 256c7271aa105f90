package realtime

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	memDefaultRetention    = 10_000
	memDefaultDedupeWindow = 100_000
)

// InMemoryStore is a dev-only LogStore used when no database is configured.
// It supports:
//   - Append: idempotent + gapless offset allocation under one mutex
//   - ReadRange: visibility filtering + paging
//   - A bounded retention window; reads below it fail with ErrSyncRangeExhausted
//   - A bounded dedupe window, never smaller than retention. A key older than
//     the window is forgotten and appends as a new record.
type InMemoryStore struct {
	mu          sync.Mutex
	retention   int
	dedupeLimit int
	last        int64
	dedupe      map[string]Record // idempotency_key -> stored record
	keys        []string          // dedupe keys ordered by offset
	records     []Record          // ordered by offset
}

// MemoryOption configures InMemoryStore.
type MemoryOption func(*InMemoryStore)

// WithRetention bounds how many records are kept for replay.
func WithRetention(n int) MemoryOption {
	return func(s *InMemoryStore) {
		if n > 0 {
			s.retention = n
		}
	}
}

// WithDedupeWindow bounds how many idempotency keys are remembered.
func WithDedupeWindow(n int) MemoryOption {
	return func(s *InMemoryStore) {
		if n > 0 {
			s.dedupeLimit = n
		}
	}
}

// NewInMemoryStore constructs an in-memory LogStore implementation.
func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		retention:   memDefaultRetention,
		dedupeLimit: memDefaultDedupeWindow,
		dedupe:      make(map[string]Record),
		records:     make([]Record, 0, 256),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.dedupeLimit = max(s.dedupeLimit, s.retention)
	return s
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Ping always succeeds.
func (s *InMemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Append stores a record with idempotency and gapless offset allocation.
func (s *InMemoryStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if err := in.validate(); err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.dedupe[in.IdempotencyKey]; ok {
		return AppendResult{Record: existing, Duplicated: true}, nil
	}

	s.last++
	rec := in.record(s.last, now)
	s.dedupe[in.IdempotencyKey] = rec
	s.keys = append(s.keys, in.IdempotencyKey)
	s.records = append(s.records, rec)

	if len(s.keys) > s.dedupeLimit {
		delete(s.dedupe, s.keys[0])
		s.keys = s.keys[1:]
	}
	if len(s.records) > s.retention {
		trimmed := make([]Record, s.retention, s.retention+256)
		copy(trimmed, s.records[len(s.records)-s.retention:])
		s.records = trimmed
	}

	return AppendResult{Record: rec}, nil
}

// ReadRange returns visible records in (After, HighWater] ordered by offset ASC.
func (s *InMemoryStore) ReadRange(ctx context.Context, in ReadRangeInput) (ReadRangeResult, error) {
	if err := ctx.Err(); err != nil {
		return ReadRangeResult{}, err
	}
	limit := clampReadLimit(in.Limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	hw := highWaterFor(in, s.last)
	if len(s.records) > 0 {
		floor := s.records[0].Offset - 1
		if in.After < floor {
			return ReadRangeResult{HighWater: hw}, &RangeExhaustedError{Floor: floor}
		}
	}
	if in.After >= hw {
		return ReadRangeResult{HighWater: hw}, nil
	}

	start := sort.Search(len(s.records), func(i int) bool { return s.records[i].Offset > in.After })

	out := make([]Record, 0, min(limit, len(s.records)-start))
	hasMore := false
	for _, r := range s.records[start:] {
		if r.Offset > hw {
			break
		}
		if !in.Visibility.Allows(r) {
			continue
		}
		if len(out) == limit {
			hasMore = true
			break
		}
		out = append(out, r)
	}

	return ReadRangeResult{Records: out, HighWater: hw, HasMore: hasMore}, nil
}

// MaxOffset returns the last assigned offset.
func (s *InMemoryStore) MaxOffset(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

var _ LogStore = (*InMemoryStore)(nil)
