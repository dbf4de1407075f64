// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package world

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteQueue is a durable Queue backed by a table in the same database
// file an event-sourced durable.Storage backend writes its event log to,
// so a durablectl process and a durabled process pointed at the same
// file see the same queue — unlike MemoryQueue, which only exists inside
// the process that created it. Visibility is enforced with a
// visible_at/delivery_token column pair and polled rather than pushed,
// the durable equivalent of the in-process signal channel MemoryQueue
// uses.
type SQLiteQueue struct {
	db *sql.DB
}

// SQLiteQueueConfig configures a SQLiteQueue.
type SQLiteQueueConfig struct {
	// Path is the database file path, typically the same file the
	// durable.Storage sqlite backend was opened against.
	Path string
}

// NewSQLiteQueue opens (and migrates) a SQLite-backed queue.
func NewSQLiteQueue(cfg SQLiteQueueConfig) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to queue database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure pragmas: %w", err)
	}

	q := &SQLiteQueue{db: db}
	if err := q.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run queue migrations: %w", err)
	}
	return q, nil
}

func (q *SQLiteQueue) migrate(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS queue_messages (
	id TEXT PRIMARY KEY,
	queue_name TEXT NOT NULL,
	payload BLOB NOT NULL,
	headers TEXT,
	idempotency_key TEXT,
	priority INTEGER NOT NULL DEFAULT 0,
	enqueued_at TEXT NOT NULL,
	visible_at TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	delivery_token TEXT,
	locked_until TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_messages_visible ON queue_messages(queue_name, visible_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_messages_idempotency ON queue_messages(idempotency_key) WHERE idempotency_key IS NOT NULL;
`)
	return err
}

// Enqueue inserts payload, silently treating a duplicate IdempotencyKey
// as success.
func (q *SQLiteQueue) Enqueue(ctx context.Context, queueName string, payload []byte, opts PublishOptions) error {
	now := time.Now().UTC()
	visibleAt := now
	if opts.DelaySeconds > 0 {
		visibleAt = now.Add(time.Duration(opts.DelaySeconds) * time.Second)
	}
	headers, err := json.Marshal(opts.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	var idempotencyKey any
	if opts.IdempotencyKey != "" {
		idempotencyKey = opts.IdempotencyKey
	}

	_, err = q.db.ExecContext(ctx, `
INSERT INTO queue_messages (id, queue_name, payload, headers, idempotency_key, priority, enqueued_at, visible_at, attempt)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`,
		newMessageID(), queueName, payload, string(headers), idempotencyKey, opts.Priority,
		now.Format(time.RFC3339Nano), visibleAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Receive polls for a visible message matching one of prefixes, claiming
// it under a fresh delivery token. There is no cross-process wakeup
// signal, so this polls at a fixed interval — coarser than MemoryQueue's
// channel-based wakeup, but correct across processes sharing one file.
func (q *SQLiteQueue) Receive(ctx context.Context, prefixes []string, visibilityTimeout time.Duration) (*Message, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		msg, err := q.tryClaim(ctx, prefixes, visibilityTimeout)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *SQLiteQueue) tryClaim(ctx context.Context, prefixes []string, visibilityTimeout time.Duration) (*Message, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	where, args := prefixMatchClause(prefixes)
	args = append(args, now.Format(time.RFC3339Nano))

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
SELECT id, queue_name, payload, headers, idempotency_key, priority, enqueued_at, visible_at, attempt
FROM queue_messages
WHERE (%s) AND visible_at <= ?
ORDER BY priority DESC, visible_at ASC
LIMIT 1`, where), args...)

	var (
		id, queueName, headersJSON                        string
		idempotencyKey                                     sql.NullString
		payload                                            []byte
		priority, attempt                                  int
		enqueuedAtStr, visibleAtStr                        string
	)
	if err := row.Scan(&id, &queueName, &payload, &headersJSON, &idempotencyKey, &priority, &enqueuedAtStr, &visibleAtStr, &attempt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan candidate: %w", err)
	}

	token := newMessageID()
	newVisibleAt := now.Add(visibilityTimeout)
	res, err := tx.ExecContext(ctx, `
UPDATE queue_messages SET attempt = attempt + 1, delivery_token = ?, visible_at = ?
WHERE id = ? AND visible_at = ?`, token, newVisibleAt.Format(time.RFC3339Nano), id, visibleAtStr)
	if err != nil {
		return nil, fmt.Errorf("claim candidate: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim candidate: %w", err)
	}
	if rows == 0 {
		// Another process claimed it between the SELECT and the UPDATE.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	var headers map[string]string
	_ = json.Unmarshal([]byte(headersJSON), &headers)
	enqueuedAt, _ := time.Parse(time.RFC3339Nano, enqueuedAtStr)

	return &Message{
		ID:             id,
		Queue:          queueName,
		Payload:        payload,
		Headers:        headers,
		IdempotencyKey: idempotencyKey.String,
		Priority:       priority,
		EnqueuedAt:     enqueuedAt,
		VisibleAt:      newVisibleAt,
		Attempt:        attempt + 1,
		DeliveryToken:  token,
	}, nil
}

func prefixMatchClause(prefixes []string) (string, []any) {
	if len(prefixes) == 0 {
		return "1=1", nil
	}
	clause := ""
	args := make([]any, 0, len(prefixes))
	for i, p := range prefixes {
		if i > 0 {
			clause += " OR "
		}
		clause += "queue_name LIKE ? ESCAPE '\\'"
		args = append(args, escapeLike(p)+"%")
	}
	return clause, args
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// Ack permanently deletes a delivered message.
func (q *SQLiteQueue) Ack(ctx context.Context, deliveryToken string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE delivery_token = ?`, deliveryToken)
	return err
}

// Defer clears the delivery token and pushes visible_at out by timeout,
// clamped to MaxDefer.
func (q *SQLiteQueue) Defer(ctx context.Context, deliveryToken string, timeout time.Duration) error {
	if timeout > MaxDefer {
		timeout = MaxDefer
	}
	visibleAt := time.Now().UTC().Add(timeout)
	_, err := q.db.ExecContext(ctx, `
UPDATE queue_messages SET delivery_token = NULL, visible_at = ?
WHERE delivery_token = ?`, visibleAt.Format(time.RFC3339Nano), deliveryToken)
	return err
}

// Nack defers a message for immediate redelivery.
func (q *SQLiteQueue) Nack(ctx context.Context, deliveryToken string) error {
	return q.Defer(ctx, deliveryToken, 0)
}

// Len reports the total number of rows in the queue table, pending and
// in-flight alike.
func (q *SQLiteQueue) Len() int {
	var n int
	row := q.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM queue_messages`)
	if err := row.Scan(&n); err != nil {
		return 0
	}
	return n
}

// Close closes the underlying database handle.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

func newMessageID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

var _ Queue = (*SQLiteQueue)(nil)
