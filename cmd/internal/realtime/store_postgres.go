// Package realtime contains Herald's message log, fanout bus, sync coordinator and WebSocket gateway.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a LogStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends take a transactional advisory lock and bump a single cursor row, so
//     offsets are gapless and commit in offset order.
//   - Reads run in a REPEATABLE READ snapshot bounded by the cursor value.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "herald").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed LogStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "herald",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping checks that a connection can be acquired.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the schema, tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	cursor := pgIdent(s.schema, "log_cursor")
	messages := pgIdent(s.schema, "messages")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id          SMALLINT PRIMARY KEY CHECK (id = 1),
  next_offset BIGINT NOT NULL DEFAULT 1,
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

INSERT INTO %s (id, next_offset) VALUES (1, 1) ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS %s (
  msg_offset      BIGINT PRIMARY KEY CHECK (msg_offset > 0),
  idempotency_key TEXT NOT NULL,
  content         TEXT NOT NULL,
  sender          TEXT NOT NULL,
  sender_name     TEXT NOT NULL DEFAULT '',
  recipient       TEXT,
  topic           TEXT NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_messages_idempotency_key UNIQUE (idempotency_key),
  CONSTRAINT chk_messages_content_len CHECK (char_length(content) > 0 AND char_length(content) <= 4096)
);

CREATE INDEX IF NOT EXISTS idx_messages_topic_offset
  ON %s (topic, msg_offset);

CREATE INDEX IF NOT EXISTS idx_messages_recipient_offset
  ON %s (recipient, msg_offset) WHERE recipient IS NOT NULL;
`, pgx.Identifier{s.schema}.Sanitize(), cursor, cursor, messages, messages, messages)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// Append appends a record with idempotency and gapless offset allocation.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if s == nil || s.pool == nil {
		return AppendResult{}, errors.New("realtime: nil store")
	}
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursor := pgIdent(s.schema, "log_cursor")
	messages := pgIdent(s.schema, "messages")

	// Serialize all writers to the log so the key check and offset bump are one step.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, s.schema+".log"); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := readRecordByKey(ctx, tx, messages, in.IdempotencyKey)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendResult{}, err
		}
		return AppendResult{Record: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, err
	}

	// Cursor row ensures gapless offset allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursor+` (id, next_offset) VALUES (1, 1)
		 ON CONFLICT (id) DO NOTHING`,
	); err != nil {
		return AppendResult{}, err
	}

	var offset int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursor+`
		    SET next_offset = next_offset + 1,
		        updated_at = now()
		  WHERE id = 1
		RETURNING (next_offset - 1)`,
	).Scan(&offset); err != nil {
		return AppendResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     msg_offset, idempotency_key, content, sender, sender_name, recipient, topic, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		offset, in.IdempotencyKey, in.Content, in.Sender, in.SenderName, nullIfEmpty(in.Recipient), in.Topic, now,
	); err != nil {
		if isUniqueViolation(err) {
			// Another writer won outside the advisory lock (e.g. a schema shared with an older deploy).
			_ = tx.Rollback(ctx)
			existing, rerr := readRecordByKey(ctx, s.pool, messages, in.IdempotencyKey)
			if rerr != nil {
				return AppendResult{}, rerr
			}
			return AppendResult{Record: existing, Duplicated: true}, nil
		}
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Record: in.record(offset, now)}, nil
}

// ReadRange returns visible records in (After, HighWater] ordered by offset ASC.
func (s *PostgresStore) ReadRange(ctx context.Context, in ReadRangeInput) (ReadRangeResult, error) {
	if s == nil || s.pool == nil {
		return ReadRangeResult{}, errors.New("realtime: nil store")
	}
	if err := ctx.Err(); err != nil {
		return ReadRangeResult{}, err
	}

	limit := clampReadLimit(in.Limit)
	fetch := limit + 1

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return ReadRangeResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	maxOffset, err := readMaxOffset(ctx, tx, pgIdent(s.schema, "log_cursor"))
	if err != nil {
		return ReadRangeResult{}, err
	}
	hw := highWaterFor(in, maxOffset)
	if in.After >= hw {
		return ReadRangeResult{HighWater: hw}, nil
	}

	messages := pgIdent(s.schema, "messages")

	var rows pgx.Rows
	if in.Visibility == nil {
		rows, err = tx.Query(ctx,
			`SELECT msg_offset, idempotency_key, content, sender, sender_name, recipient, topic, created_at
			   FROM `+messages+`
			  WHERE msg_offset > $1 AND msg_offset <= $2
			  ORDER BY msg_offset ASC
			  LIMIT $3`,
			in.After, hw, fetch,
		)
	} else {
		topics := append([]string{}, in.Visibility.Topics...)
		rows, err = tx.Query(ctx,
			`SELECT msg_offset, idempotency_key, content, sender, sender_name, recipient, topic, created_at
			   FROM `+messages+`
			  WHERE msg_offset > $1 AND msg_offset <= $2
			    AND (
			          (recipient IS NULL AND topic = ANY($3))
			       OR (recipient IS NOT NULL AND (sender = $4 OR recipient = $4))
			        )
			  ORDER BY msg_offset ASC
			  LIMIT $5`,
			in.After, hw, topics, in.Visibility.Identity, fetch,
		)
	}
	if err != nil {
		return ReadRangeResult{}, err
	}
	defer rows.Close()

	out := make([]Record, 0, fetch)
	for rows.Next() {
		r, err := scanRecord(rows)
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
func (s *PostgresStore) MaxOffset(ctx context.Context) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("realtime: nil store")
	}
	return readMaxOffset(ctx, s.pool, pgIdent(s.schema, "log_cursor"))
}

// pgQuerier is satisfied by pgx.Tx and *pgxpool.Pool.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readMaxOffset(ctx context.Context, q pgQuerier, cursorTable string) (int64, error) {
	var next int64
	err := q.QueryRow(ctx, `SELECT next_offset FROM `+cursorTable+` WHERE id = 1`).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return next - 1, nil
}

func readRecordByKey(ctx context.Context, q pgQuerier, messagesTable, key string) (Record, error) {
	row := q.QueryRow(ctx,
		`SELECT msg_offset, idempotency_key, content, sender, sender_name, recipient, topic, created_at
		   FROM `+messagesTable+`
		  WHERE idempotency_key = $1`,
		key,
	)
	return scanRecord(row)
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r         Record
		recipient *string
	)
	if err := row.Scan(
		&r.Offset,
		&r.IdempotencyKey,
		&r.Content,
		&r.Sender,
		&r.SenderName,
		&recipient,
		&r.Topic,
		&r.CreatedAt,
	); err != nil {
		return Record{}, err
	}
	if recipient != nil {
		r.Recipient = *recipient
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

var _ LogStore = (*PostgresStore)(nil)
