package realtime

import (
	"context"
	"strings"
	"time"
)

// Record is the canonical persisted message representation. Immutable once stored.
type Record struct {
	Offset         int64     `json:"offset"`
	IdempotencyKey string    `json:"idempotency_key"`
	Content        string    `json:"content"`
	Sender         string    `json:"sender"`
	SenderName     string    `json:"sender_name,omitempty"`
	Recipient      string    `json:"recipient,omitempty"`
	Topic          string    `json:"topic"`
	CreatedAt      time.Time `json:"created_at"`
}

// IsDirect reports whether the record is a private message.
func (r Record) IsDirect() bool { return r.Recipient != "" }

// LogStore persists and replays the message log.
//
// Requirements:
//   - Offsets start at 1, are strictly increasing and gapless
//   - Offset assignment and the idempotency-key check are one atomic step
//   - A duplicate key returns the stored record with Duplicated=true, not an error
//   - ReadRange is ordered by offset ASC and never observes a partially committed prefix
type LogStore interface {
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	ReadRange(ctx context.Context, in ReadRangeInput) (ReadRangeResult, error)
	MaxOffset(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// AppendInput describes an append request.
type AppendInput struct {
	IdempotencyKey string
	Content        string
	Sender         string
	SenderName     string
	Recipient      string
	Topic          string
	Now            time.Time
}

func (in AppendInput) validate() error {
	switch {
	case strings.TrimSpace(in.IdempotencyKey) == "":
		return invalid("idempotency_key", "required")
	case strings.TrimSpace(in.Sender) == "":
		return invalid("sender", "required")
	case strings.TrimSpace(in.Topic) == "":
		return invalid("topic", "required")
	case in.Content == "":
		return invalid("content", "required")
	}
	return nil
}

func (in AppendInput) record(offset int64, now time.Time) Record {
	return Record{
		Offset:         offset,
		IdempotencyKey: in.IdempotencyKey,
		Content:        in.Content,
		Sender:         in.Sender,
		SenderName:     in.SenderName,
		Recipient:      in.Recipient,
		Topic:          in.Topic,
		CreatedAt:      now,
	}
}

// AppendResult is the append outcome.
type AppendResult struct {
	Record     Record
	Duplicated bool
}

// Visibility restricts a read to what one session may see:
// records on any of Topics, plus direct messages sent by or to Identity.
type Visibility struct {
	Topics   []string
	Identity string
}

// Allows reports whether r passes the filter. A nil Visibility allows everything.
func (v *Visibility) Allows(r Record) bool {
	if v == nil {
		return true
	}
	if r.IsDirect() {
		return v.Identity != "" && (r.Sender == v.Identity || r.Recipient == v.Identity)
	}
	for _, t := range v.Topics {
		if t == r.Topic {
			return true
		}
	}
	return false
}

// ReadRangeInput describes a replay request.
type ReadRangeInput struct {
	// After is exclusive.
	After int64
	// UpTo pins the upper bound (inclusive). Zero means the store's current maximum.
	UpTo       int64
	Visibility *Visibility
	Limit      int
}

// ReadRangeResult is one page of replay.
type ReadRangeResult struct {
	Records []Record
	// HighWater is the upper bound the read was taken against.
	HighWater int64
	// HasMore is true when visible records remain in (last returned, HighWater].
	HasMore bool
}

const (
	defaultReadLimit = 500
	maxReadLimit     = 5000
)

func clampReadLimit(n int) int {
	if n <= 0 {
		return defaultReadLimit
	}
	if n > maxReadLimit {
		return maxReadLimit
	}
	return n
}

func highWaterFor(in ReadRangeInput, maxOffset int64) int64 {
	if in.UpTo > 0 && in.UpTo < maxOffset {
		return in.UpTo
	}
	return maxOffset
}
