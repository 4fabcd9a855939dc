package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const taskColumns = `id, task_type, payload, status, attempts, max_attempts,
	next_attempt_at, leased_by, lease_expires_at, created_at, completed_at, last_error`

// EnqueueTask inserts a pending queue entry and returns its id.
func (d *DB) EnqueueTask(ctx context.Context, taskType string, payload any) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal task payload: %w", err)
	}
	now := time.Now().UTC()
	var id int64
	err = d.FetchOne(ctx,
		`INSERT INTO task_queue (task_type, payload, status, attempts, max_attempts,
		   next_attempt_at, created_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?)
		 RETURNING id`,
		taskType, string(raw), TaskPending, 3, d.BindTime(now), d.BindTime(now)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue task: %w", err)
	}
	return id, nil
}

// ClaimNextTask atomically leases the oldest due pending task for
// workerID. The status guard in the UPDATE makes the claim race-free: a
// competing worker's update matches zero rows and retries. Nil when the
// queue is empty.
func (d *DB) ClaimNextTask(ctx context.Context, workerID string, leaseTTL time.Duration) (*Task, error) {
	now := time.Now().UTC()
	for attempt := 0; attempt < 3; attempt++ {
		row := d.FetchOne(ctx,
			`UPDATE task_queue
			 SET status = ?, leased_by = ?, lease_expires_at = ?, attempts = attempts + 1
			 WHERE id = (SELECT id FROM task_queue
			             WHERE status = ? AND next_attempt_at <= ?
			             ORDER BY id LIMIT 1)
			   AND status = ?
			 RETURNING `+taskColumns,
			TaskLeased, workerID, d.BindTime(now.Add(leaseTTL)),
			TaskPending, d.BindTime(now), TaskPending)

		t, err := scanTask(row)
		if err == sql.ErrNoRows {
			// Either the queue is empty or another worker won the row.
			var pending int
			if cntErr := d.FetchOne(ctx,
				`SELECT COUNT(*) FROM task_queue WHERE status = ? AND next_attempt_at <= ?`,
				TaskPending, d.BindTime(now)).Scan(&pending); cntErr != nil || pending == 0 {
				return nil, nil
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim task: %w", err)
		}
		return t, nil
	}
	return nil, nil
}

// CompleteTask marks a leased task done.
func (d *DB) CompleteTask(ctx context.Context, id int64) error {
	_, err := d.Execute(ctx,
		`UPDATE task_queue SET status = ?, completed_at = ?, leased_by = NULL,
		   lease_expires_at = NULL
		 WHERE id = ?`,
		TaskDone, d.BindTime(time.Now().UTC()), id)
	return err
}

// FailTask re-enqueues with exponential backoff while attempts remain,
// otherwise parks the task as failed.
func (d *DB) FailTask(ctx context.Context, t *Task, taskErr error) error {
	msg := ""
	if taskErr != nil {
		msg = taskErr.Error()
	}
	if t.Attempts < t.MaxAttempts {
		backoff := time.Duration(1<<uint(t.Attempts)) * time.Second
		_, err := d.Execute(ctx,
			`UPDATE task_queue SET status = ?, next_attempt_at = ?, last_error = ?,
			   leased_by = NULL, lease_expires_at = NULL
			 WHERE id = ?`,
			TaskPending, d.BindTime(time.Now().UTC().Add(backoff)), msg, t.ID)
		return err
	}
	_, err := d.Execute(ctx,
		`UPDATE task_queue SET status = ?, last_error = ?, leased_by = NULL,
		   lease_expires_at = NULL
		 WHERE id = ?`,
		TaskFailed, msg, t.ID)
	return err
}

// ReapExpiredLeases returns crashed workers' tasks to pending. This is
// what preserves at-least-once delivery.
func (d *DB) ReapExpiredLeases(ctx context.Context) (int64, error) {
	res, err := d.Execute(ctx,
		`UPDATE task_queue SET status = ?, leased_by = NULL, lease_expires_at = NULL
		 WHERE status = ? AND lease_expires_at < ?`,
		TaskPending, TaskLeased, d.BindTime(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("reap leases: %w", err)
	}
	return res.RowsAffected()
}

// TaskByID fetches one queue entry, nil when absent.
func (d *DB) TaskByID(ctx context.Context, id int64) (*Task, error) {
	row := d.FetchOne(ctx, `SELECT `+taskColumns+` FROM task_queue WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func scanTask(s rowScanner) (*Task, error) {
	var (
		t         Task
		payload   string
		leasedBy  sql.NullString
		leaseExp  NullTime
		nextAt    NullTime
		created   NullTime
		completed NullTime
		lastErr   sql.NullString
	)
	err := s.Scan(&t.ID, &t.Type, &payload, &t.Status, &t.Attempts, &t.MaxAttempts,
		&nextAt, &leasedBy, &leaseExp, &created, &completed, &lastErr)
	if err != nil {
		return nil, err
	}
	t.Payload = json.RawMessage(payload)
	t.NextAttemptAt = nextAt.Time
	t.LeasedBy = strOr(leasedBy)
	t.LeaseExpiresAt = leaseExp.Ptr()
	t.CreatedAt = created.Time
	t.CompletedAt = completed.Ptr()
	t.LastError = strOr(lastErr)
	return &t, nil
}
