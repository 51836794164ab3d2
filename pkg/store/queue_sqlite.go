package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/safeact/pkg/queue"
)

// SQLiteQueue is a queue.Queue persisted in SQLite. Items are keyed by event.
type SQLiteQueue struct {
	db        *sql.DB
	scheduler queue.Scheduler
}

var _ queue.Queue = (*SQLiteQueue)(nil)

func NewSQLiteQueue(db *sql.DB, policy queue.BackoffPolicy) (*SQLiteQueue, error) {
	q := &SQLiteQueue{db: db, scheduler: queue.Scheduler{Policy: policy}}
	if err := q.migrate(); err != nil {
		return nil, err
	}
	return q, nil
}

// WithClock overrides the clock for testing.
func (q *SQLiteQueue) WithClock(clock func() time.Time) *SQLiteQueue {
	q.scheduler.Clock = clock
	return q
}

func (q *SQLiteQueue) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS held_events (
        event_id TEXT PRIMARY KEY,
        item_id TEXT NOT NULL,
        plan_id TEXT,
        kind TEXT NOT NULL,
        reason TEXT NOT NULL,
        attempts INTEGER NOT NULL DEFAULT 0,
        held_at TEXT NOT NULL,
        next_attempt_at TEXT,
        payload JSON
    );`
	_, err := q.db.ExecContext(context.Background(), query)
	return err
}

func (q *SQLiteQueue) Hold(ctx context.Context, item queue.Item) (queue.Item, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return queue.Item{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var prev *queue.Item
	row := tx.QueryRowContext(ctx, selectItems+` WHERE event_id = ?`, item.EventID)
	existing, err := scanItem(row)
	switch {
	case err == nil:
		prev = existing
	case errors.Is(err, queue.ErrNotFound):
	default:
		return queue.Item{}, err
	}

	item = q.scheduler.Prepare(item, prev)
	payloadJSON, err := json.Marshal(item.Payload)
	if err != nil {
		return queue.Item{}, fmt.Errorf("failed to encode payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO held_events (event_id, item_id, plan_id, kind, reason, attempts, held_at, next_attempt_at, payload)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(event_id) DO UPDATE SET
            plan_id = excluded.plan_id,
            kind = excluded.kind,
            reason = excluded.reason,
            attempts = excluded.attempts,
            held_at = excluded.held_at,
            next_attempt_at = excluded.next_attempt_at,
            payload = excluded.payload`,
		item.EventID, item.ID, item.PlanID, string(item.Kind), item.Reason, item.Attempts,
		formatTime(item.HeldAt), formatTime(item.NextAttemptAt), string(payloadJSON),
	)
	if err != nil {
		return queue.Item{}, fmt.Errorf("failed to hold event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return queue.Item{}, err
	}
	return item, nil
}

// Due returns retry items whose next attempt is at or before now. Timestamps
// are stored as UTC RFC3339Nano text, which does not sort lexically when the
// fractional part varies, so the comparison happens after decoding.
func (q *SQLiteQueue) Due(ctx context.Context, now time.Time) ([]queue.Item, error) {
	items, err := q.list(ctx, selectItems+` WHERE kind = ? ORDER BY held_at, event_id`, string(queue.KindRetry))
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if !it.NextAttemptAt.After(now) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (q *SQLiteQueue) Pending(ctx context.Context) ([]queue.Item, error) {
	return q.list(ctx, selectItems+` ORDER BY held_at, event_id`)
}

func (q *SQLiteQueue) Resolve(ctx context.Context, eventID string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM held_events WHERE event_id = ?`, eventID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return queue.ErrNotFound
	}
	return nil
}

const selectItems = `
    SELECT event_id, item_id, plan_id, kind, reason, attempts, held_at, next_attempt_at, payload
    FROM held_events`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*queue.Item, error) {
	var (
		it          queue.Item
		planID      sql.NullString
		kind        string
		heldAt      string
		nextAt      sql.NullString
		payloadJSON sql.NullString
	)
	if err := row.Scan(&it.EventID, &it.ID, &planID, &kind, &it.Reason, &it.Attempts, &heldAt, &nextAt, &payloadJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrNotFound
		}
		return nil, err
	}
	it.PlanID = planID.String
	it.Kind = queue.Kind(kind)
	it.HeldAt = parseTime(heldAt)
	it.NextAttemptAt = parseTime(nextAt.String)
	if payloadJSON.Valid && payloadJSON.String != "" {
		var p queue.Payload
		if err := json.Unmarshal([]byte(payloadJSON.String), &p); err != nil {
			return nil, fmt.Errorf("failed to decode held event %s: %w", it.EventID, err)
		}
		it.Payload = p
	}
	return &it, nil
}

func (q *SQLiteQueue) list(ctx context.Context, query string, args ...any) ([]queue.Item, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []queue.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
