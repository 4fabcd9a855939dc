package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// syncResultTTL bounds how long a cached batch-operation result stays
// valid for retries.
const syncResultTTL = 24 * time.Hour

// CachedSyncResult returns the stored result for an idempotency key, nil
// when absent or expired. Expired rows are dropped on read.
func (d *DB) CachedSyncResult(ctx context.Context, licenseID, key string) (json.RawMessage, error) {
	var (
		raw     string
		created NullTime
	)
	err := d.FetchOne(ctx,
		`SELECT result, created_at FROM sync_results
		 WHERE idempotency_key = ? AND license_id = ?`,
		key, licenseID).Scan(&raw, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cached sync result: %w", err)
	}
	if created.Valid && time.Since(created.Time) > syncResultTTL {
		_, _ = d.Execute(ctx, `DELETE FROM sync_results WHERE idempotency_key = ?`, key)
		return nil, nil
	}
	return json.RawMessage(raw), nil
}

// SaveSyncResult caches a batch-operation outcome under its idempotency
// key. Replays keep the first result.
func (d *DB) SaveSyncResult(ctx context.Context, licenseID, key string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal sync result: %w", err)
	}
	_, err = d.Execute(ctx,
		`INSERT INTO sync_results (idempotency_key, license_id, result, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		key, licenseID, string(raw), d.BindTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("save sync result: %w", err)
	}
	return nil
}

// PurgeExpiredSyncResults sweeps the idempotency cache.
func (d *DB) PurgeExpiredSyncResults(ctx context.Context) (int64, error) {
	res, err := d.Execute(ctx,
		`DELETE FROM sync_results WHERE created_at < ?`,
		d.BindTime(time.Now().UTC().Add(-syncResultTTL)))
	if err != nil {
		return 0, fmt.Errorf("purge sync results: %w", err)
	}
	return res.RowsAffected()
}
