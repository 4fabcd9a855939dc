package store

import (
	"context"
	"fmt"
	"time"
)

// UpsertPushToken registers or refreshes a device token.
func (d *DB) UpsertPushToken(ctx context.Context, t *PushToken) error {
	now := time.Now().UTC()
	if t.LastActiveAt.IsZero() {
		t.LastActiveAt = now
	}
	_, err := d.Execute(ctx,
		`INSERT INTO push_tokens (license_id, token, platform, last_active_at, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (license_id, token) DO UPDATE SET
		   platform = excluded.platform,
		   last_active_at = excluded.last_active_at`,
		t.LicenseID, t.Token, t.Platform, d.BindTime(t.LastActiveAt), d.BindTime(now))
	if err != nil {
		return fmt.Errorf("upsert push token: %w", err)
	}
	return nil
}

// PurgeInactivePushTokens removes tokens idle past the cutoff and returns
// how many went away.
func (d *DB) PurgeInactivePushTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.Execute(ctx,
		`DELETE FROM push_tokens WHERE last_active_at < ?`, d.BindTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge push tokens: %w", err)
	}
	return res.RowsAffected()
}
