package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"oip/dplistener/internal/framework"
)

// BatchLimit caps a single claim.
const BatchLimit = 100

// DefaultPollInterval is the pause between empty claims during a long poll.
const DefaultPollInterval = 200 * time.Millisecond

// ErrReceiptNotFound means the receipt is unknown or its lease was re-issued.
var ErrReceiptNotFound = errors.New("postgres queue: receipt not found")

const (
	sqlSchema = `
CREATE TABLE IF NOT EXISTS dplistener_messages (
  id             BIGSERIAL PRIMARY KEY,
  queue          TEXT        NOT NULL,
  body           BYTEA       NOT NULL,
  enqueued_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  not_before     TIMESTAMPTZ NOT NULL DEFAULT now(),
  lease_until    TIMESTAMPTZ,
  receipt        TEXT,
  delivery_count INT         NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS dplistener_messages_queue_idx ON dplistener_messages (queue, not_before);
CREATE UNIQUE INDEX IF NOT EXISTS dplistener_messages_receipt_idx ON dplistener_messages (receipt);`

	sqlEnqueue = `
INSERT INTO dplistener_messages (queue, body, not_before)
VALUES ($1, $2, now() + $3::interval)
RETURNING id;`

	// Expired leases are claimable again, so no sweeper is needed.
	sqlClaim = `
WITH picked AS (
  SELECT id
  FROM dplistener_messages
  WHERE queue = $1
    AND not_before <= now()
    AND (lease_until IS NULL OR lease_until < now())
  ORDER BY id
  FOR UPDATE SKIP LOCKED
  LIMIT $2
)
UPDATE dplistener_messages m
SET lease_until    = now() + $3::interval,
    receipt        = gen_random_uuid()::text,
    delivery_count = m.delivery_count + 1
FROM picked
WHERE m.id = picked.id
RETURNING m.id, m.body, m.receipt, m.delivery_count, m.enqueued_at;`

	sqlDelete = `DELETE FROM dplistener_messages WHERE queue = $1 AND receipt = $2;`

	sqlExtend = `
UPDATE dplistener_messages
SET lease_until = now() + $3::interval
WHERE queue = $1 AND receipt = $2;`

	sqlRelease = `
UPDATE dplistener_messages
SET lease_until = NULL
WHERE queue = $1 AND receipt = $2;`
)

// Queue implements framework.QueueClient over a lease table.
type Queue struct {
	pool         *pgxpool.Pool
	pollInterval time.Duration
}

// New wraps pool. A zero pollInterval uses DefaultPollInterval.
func New(pool *pgxpool.Pool, pollInterval time.Duration) *Queue {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Queue{pool: pool, pollInterval: pollInterval}
}

// Connect opens a pool and checks it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the message table if needed.
func (q *Queue) EnsureSchema(ctx context.Context) error {
	if _, err := q.pool.Exec(ctx, sqlSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Publish enqueues body, visible after delay.
func (q *Queue) Publish(ctx context.Context, queueID string, body []byte, delay time.Duration) (int64, error) {
	var id int64
	if err := q.pool.QueryRow(ctx, sqlEnqueue, queueID, body, toInterval(delay)).Scan(&id); err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// FetchBatch claims up to maxCount rows, polling until at least one is available or
// waitTime has passed.
func (q *Queue) FetchBatch(ctx context.Context, queueID string, maxCount int, waitTime, visibilityTimeout time.Duration) ([]*framework.Message, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	if maxCount > BatchLimit {
		maxCount = BatchLimit
	}

	deadline := time.Now().Add(waitTime)
	for {
		msgs, err := q.claim(ctx, queueID, maxCount, visibilityTimeout)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(min(remaining, q.pollInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Delete removes the row holding receiptToken.
func (q *Queue) Delete(ctx context.Context, queueID string, receiptToken string) error {
	tag, err := q.pool.Exec(ctx, sqlDelete, queueID, receiptToken)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

// ExtendVisibility moves the lease end to now + timeout. A zero timeout releases it.
func (q *Queue) ExtendVisibility(ctx context.Context, queueID string, receiptToken string, timeout time.Duration) error {
	var (
		sql  = sqlExtend
		args = []any{queueID, receiptToken, toInterval(timeout)}
	)
	if timeout <= 0 {
		sql, args = sqlRelease, args[:2]
	}

	tag, err := q.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("extend visibility: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

// BatchLimit implements framework.BatchLimiter.
func (q *Queue) BatchLimit() int {
	return BatchLimit
}

func (q *Queue) claim(ctx context.Context, queueID string, limit int, visibility time.Duration) ([]*framework.Message, error) {
	rows, err := q.pool.Query(ctx, sqlClaim, queueID, limit, toInterval(visibility))
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	defer rows.Close()

	var out []*framework.Message
	for rows.Next() {
		var (
			id         int64
			body       []byte
			receipt    string
			deliveries int
			enqueuedAt time.Time
		)
		if err := rows.Scan(&id, &body, &receipt, &deliveries, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("claim scan: %w", err)
		}
		out = append(out, &framework.Message{
			ID:           strconv.FormatInt(id, 10),
			ReceiptToken: receipt,
			Queue:        queueID,
			Body:         body,
			Attributes:   map[string]string{"enqueued_at": enqueuedAt.UTC().Format(time.RFC3339Nano)},
			Attempts:     deliveries,
		})
	}
	return out, rows.Err()
}

// toInterval renders d as a Postgres interval literal.
func toInterval(d time.Duration) string {
	return fmt.Sprintf("%fs", d.Seconds())
}
