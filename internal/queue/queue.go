// Package queue provides the durable, per-user mutation queue that records
// pending local writes until the sync engine pushes them to the remote store.
//
// Items are drained oldest-first so push order is FIFO per user. A failed
// push increments the item's retry count instead of removing it; items that
// exhaust their retries are excluded from further push attempts and left for
// the cleanup sweeper. Enqueue never blocks on an in-flight push: the engine
// reads its batch once at round start, so an item enqueued mid-push simply
// waits for the next round.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/northstarlabs/notesync/internal/model"
	"github.com/northstarlabs/notesync/internal/store"
)

const (
	// MaxRetries is the number of failed pushes after which an item is no
	// longer retried.
	MaxRetries = 5

	// DefaultBatchSize bounds a single push round to cap worst-case cycle
	// latency.
	DefaultBatchSize = 50
)

// Queue is the mutation queue DAO. It shares the local store's database.
type Queue struct {
	conn *sql.DB
}

// New creates a Queue on top of an open database connection.
// The sync_queue table must exist (store.InitSchema creates it).
func New(conn *sql.DB) *Queue {
	return &Queue{conn: conn}
}

// Enqueue records one pending push of one entity mutation.
//
// The payload is a serialized snapshot of the entity at enqueue time, not a
// diff. A fresh queue-item id and created_at are assigned.
func (q *Queue) Enqueue(ctx context.Context, table model.Table, recordID string, op model.Operation, payload []byte, userID string) (*model.QueueItem, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("invalid operation %q", op)
	}

	item := &model.QueueItem{
		ID:        uuid.New().String(),
		Table:     table,
		RecordID:  recordID,
		Operation: op,
		Payload:   payload,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}

	_, err := q.conn.ExecContext(ctx, `
	INSERT INTO sync_queue (id, tbl, record_id, operation, payload, user_id, created_at, retry_count, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, 0, '')`,
		item.ID,
		string(item.Table),
		item.RecordID,
		string(item.Operation),
		item.Payload,
		item.UserID,
		item.CreatedAt.Format(store.TimeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s %s/%s: %w", op, table, recordID, err)
	}

	return item, nil
}

// Pending returns up to limit items for the user that still have retries
// left, ordered by created_at ascending (oldest first).
// A limit of 0 means DefaultBatchSize.
func (q *Queue) Pending(ctx context.Context, userID string, limit int) ([]*model.QueueItem, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	rows, err := q.conn.QueryContext(ctx, `
	SELECT id, tbl, record_id, operation, payload, user_id, created_at, retry_count, last_error
	FROM sync_queue
	WHERE user_id = ? AND retry_count < ?
	ORDER BY created_at ASC
	LIMIT ?`, userID, MaxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending items: %w", err)
	}
	defer rows.Close()

	var items []*model.QueueItem
	for rows.Next() {
		var item model.QueueItem
		var tbl, op, createdAt string

		err := rows.Scan(
			&item.ID,
			&tbl,
			&item.RecordID,
			&op,
			&item.Payload,
			&item.UserID,
			&createdAt,
			&item.RetryCount,
			&item.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}

		item.Table = model.Table(tbl)
		item.Operation = model.Operation(op)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			item.CreatedAt = t
		}

		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}

	return items, nil
}

// PendingCount returns the number of items still eligible for push.
func (q *Queue) PendingCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := q.conn.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM sync_queue
	WHERE user_id = ? AND retry_count < ?`, userID, MaxRetries).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending items: %w", err)
	}
	return count, nil
}

// Remove deletes a queue item after a successful push.
// Returns nil if the item doesn't exist (idempotent).
func (q *Queue) Remove(ctx context.Context, id string) error {
	if _, err := q.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove queue item %s: %w", id, err)
	}
	return nil
}

// RecordFailure increments the item's retry count and stores the push error.
// The item is not removed; it is retried on the next cycle until MaxRetries.
func (q *Queue) RecordFailure(ctx context.Context, id string, pushErr error) error {
	msg := ""
	if pushErr != nil {
		msg = pushErr.Error()
	}

	_, err := q.conn.ExecContext(ctx, `
	UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ?
	WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("failed to record failure on queue item %s: %w", id, err)
	}
	return nil
}

// PurgeExhausted deletes the user's items that have reached MaxRetries.
// Returns the number of rows removed.
func (q *Queue) PurgeExhausted(ctx context.Context, userID string) (int64, error) {
	res, err := q.conn.ExecContext(ctx, `
	DELETE FROM sync_queue WHERE user_id = ? AND retry_count >= ?`, userID, MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to purge exhausted items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeOlderThan deletes items created before cutoff regardless of retry
// state. This is the hard retention ceiling applied by the cleanup sweeper.
// Returns the number of rows removed.
func (q *Queue) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.conn.ExecContext(ctx, `
	DELETE FROM sync_queue WHERE created_at < ?`, cutoff.UTC().Format(store.TimeFormat))
	if err != nil {
		return 0, fmt.Errorf("failed to purge old items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
