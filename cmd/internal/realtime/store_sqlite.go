package realtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore is a single-node LogStore backed by SQLite.
//
// Write transactions are opened with BEGIN IMMEDIATE (_txlock=immediate), so the
// key check and MAX(offset)+1 allocation run under the database write lock.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database file and initializes the schema.
// If dbPath is empty, defaults to "./data/herald.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/herald.db"
	}

	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// One writer connection. Append re-reads only after its tx is rolled back.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	st := &SQLiteStore{db: db}
	if err := st.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		msg_offset      INTEGER PRIMARY KEY CHECK (msg_offset > 0),
		idempotency_key TEXT NOT NULL UNIQUE,
		content         TEXT NOT NULL,
		sender          TEXT NOT NULL,
		sender_name     TEXT NOT NULL DEFAULT '',
		recipient       TEXT,
		topic           TEXT NOT NULL,
		created_at_ns   INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_topic_offset ON messages(topic, msg_offset);
	CREATE INDEX IF NOT EXISTS idx_messages_recipient_offset ON messages(recipient, msg_offset);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append stores a record with idempotency and gapless offset allocation.
func (s *SQLiteStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := s.readByKey(ctx, tx, in.IdempotencyKey)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return AppendResult{}, err
		}
		return AppendResult{Record: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return AppendResult{}, err
	}

	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(msg_offset), 0) FROM messages`).Scan(&last); err != nil {
		return AppendResult{}, err
	}
	offset := last + 1

	var recipient sql.NullString
	if in.Recipient != "" {
		recipient = sql.NullString{String: in.Recipient, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (msg_offset, idempotency_key, content, sender, sender_name, recipient, topic, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, offset, in.IdempotencyKey, in.Content, in.Sender, in.SenderName, recipient, in.Topic, now.UnixNano()); err != nil {
		if isSQLiteUnique(err) {
			_ = tx.Rollback()
			existing, rerr := s.readByKey(ctx, s.db, in.IdempotencyKey)
			if rerr != nil {
				return AppendResult{}, rerr
			}
			return AppendResult{Record: existing, Duplicated: true}, nil
		}
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Record: in.record(offset, now.UTC())}, nil
}

// ReadRange returns visible records in (After, HighWater] ordered by offset ASC.
//
// Offsets at or below MAX(msg_offset) are committed and immutable, so bounding
// the query by the max read first gives a stable snapshot without a read transaction.
func (s *SQLiteStore) ReadRange(ctx context.Context, in ReadRangeInput) (ReadRangeResult, error) {
	if err := ctx.Err(); err != nil {
		return ReadRangeResult{}, err
	}

	maxOffset, err := s.MaxOffset(ctx)
	if err != nil {
		return ReadRangeResult{}, err
	}
	hw := highWaterFor(in, maxOffset)
	if in.After >= hw {
		return ReadRangeResult{HighWater: hw}, nil
	}

	limit := clampReadLimit(in.Limit)
	fetch := limit + 1

	var (
		b    strings.Builder
		args = []any{in.After, hw}
	)
	b.WriteString(`SELECT msg_offset, idempotency_key, content, sender, sender_name, recipient, topic, created_at_ns
		FROM messages
		WHERE msg_offset > ? AND msg_offset <= ?`)

	if v := in.Visibility; v != nil {
		b.WriteString(` AND ((recipient IS NULL AND topic IN (`)
		if len(v.Topics) == 0 {
			b.WriteString(`NULL`)
		}
		for i, t := range v.Topics {
			if i > 0 {
				b.WriteString(`, `)
			}
			b.WriteString(`?`)
			args = append(args, t)
		}
		b.WriteString(`)) OR (recipient IS NOT NULL AND (sender = ? OR recipient = ?)))`)
		args = append(args, v.Identity, v.Identity)
	}
	b.WriteString(` ORDER BY msg_offset ASC LIMIT ?`)
	args = append(args, fetch)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return ReadRangeResult{}, err
	}
	defer rows.Close()

	out := make([]Record, 0, fetch)
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return ReadRangeResult{}, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return ReadRangeResult{}, err
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return ReadRangeResult{Records: out, HighWater: hw, HasMore: hasMore}, nil
}

// MaxOffset returns the last assigned offset.
func (s *SQLiteStore) MaxOffset(ctx context.Context) (int64, error) {
	var last int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(msg_offset), 0) FROM messages`).Scan(&last); err != nil {
		return 0, err
	}
	return last, nil
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) readByKey(ctx context.Context, q sqlQuerier, key string) (Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT msg_offset, idempotency_key, content, sender, sender_name, recipient, topic, created_at_ns
		FROM messages WHERE idempotency_key = ?
	`, key)
	return scanSQLiteRecord(row)
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row sqlScanner) (Record, error) {
	var (
		r         Record
		recipient sql.NullString
		createdNS int64
	)
	if err := row.Scan(
		&r.Offset,
		&r.IdempotencyKey,
		&r.Content,
		&r.Sender,
		&r.SenderName,
		&recipient,
		&r.Topic,
		&createdNS,
	); err != nil {
		return Record{}, err
	}
	r.Recipient = recipient.String
	r.CreatedAt = time.Unix(0, createdNS).UTC()
	return r, nil
}

func isSQLiteUnique(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

var _ LogStore = (*SQLiteStore)(nil)
