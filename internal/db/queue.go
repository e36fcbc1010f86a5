package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
)

// -----------------------------------------------------------------------------
// Queue Methods
// -----------------------------------------------------------------------------

// Enqueue adds a message to the named queue and returns its ID.
func (db *DB) Enqueue(ctx context.Context, queue string, payload any) (int64, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal queue payload: %w", err)
	}

	var id int64
	err = db.pool.QueryRow(ctx,
		`INSERT INTO queue_messages (queue, payload) VALUES ($1, $2) RETURNING id`,
		queue, payloadJSON,
	).Scan(&id)
	if err != nil {
		return 0, faults.Transient("db.Enqueue", fmt.Errorf("failed to enqueue message: %w", err))
	}
	return id, nil
}

// Claim leases up to limit ready messages from queue. Claimed messages are
// hidden from other consumers until visibility has elapsed, after which an
// unacknowledged message becomes claimable again.
func (db *DB) Claim(ctx context.Context, queue string, limit int, visibility time.Duration) ([]QueueMessage, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE queue_messages
		 SET attempts = attempts + 1, available_at = NOW() + $3::bigint * INTERVAL '1 millisecond'
		 WHERE id IN (
		     SELECT id FROM queue_messages
		     WHERE queue = $1 AND status = 'ready' AND available_at <= NOW()
		     ORDER BY id
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, queue, payload, status, attempts, COALESCE(last_error, ''), available_at, created_at`,
		queue, limit, visibility.Milliseconds(),
	)
	if err != nil {
		return nil, faults.Transient("db.Claim", fmt.Errorf("failed to claim messages: %w", err))
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (QueueMessage, error) {
		var m QueueMessage
		err := row.Scan(&m.ID, &m.Queue, &m.Payload, &m.Status, &m.Attempts, &m.LastError, &m.AvailableAt, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, faults.Transient("db.Claim", fmt.Errorf("failed to scan claimed messages: %w", err))
	}
	return msgs, nil
}

// Ack removes a processed message.
func (db *DB) Ack(ctx context.Context, id int64) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM queue_messages WHERE id = $1`, id)
	if err != nil {
		return faults.Transient("db.Ack", fmt.Errorf("failed to ack message: %w", err))
	}
	return nil
}

// Retry makes a message claimable again after delay, recording why it failed.
func (db *DB) Retry(ctx context.Context, id int64, delay time.Duration, reason string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE queue_messages SET available_at = NOW() + $2::bigint * INTERVAL '1 millisecond', last_error = $3 WHERE id = $1`,
		id, delay.Milliseconds(), reason,
	)
	if err != nil {
		return faults.Transient("db.Retry", fmt.Errorf("failed to reschedule message: %w", err))
	}
	return nil
}

// DeadLetter parks a message that can no longer be processed.
func (db *DB) DeadLetter(ctx context.Context, id int64, reason string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE queue_messages SET status = 'dead', last_error = $2 WHERE id = $1`,
		id, reason,
	)
	if err != nil {
		return faults.Transient("db.DeadLetter", fmt.Errorf("failed to dead-letter message: %w", err))
	}
	return nil
}

// ListDeadLetters retrieves dead messages on a queue, oldest first.
func (db *DB) ListDeadLetters(ctx context.Context, queue string, limit int) ([]QueueMessage, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, queue, payload, status, attempts, COALESCE(last_error, ''), available_at, created_at
		 FROM queue_messages WHERE queue = $1 AND status = 'dead'
		 ORDER BY id LIMIT $2`,
		queue, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[QueueMessage])
}
