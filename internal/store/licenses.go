package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const licenseColumns = `id, key_hash, name, active, expires_at, daily_cap, today_count,
	last_reset_date, notify_expiry_sent_on, auto_reply, created_at, updated_at`

// CreateLicense inserts a new tenant. A missing ID is generated.
func (d *DB) CreateLicense(ctx context.Context, l *License) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now
	_, err := d.Execute(ctx,
		`INSERT INTO licenses (`+licenseColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.KeyHash, l.Name, d.BindBool(l.Active), d.BindTimePtr(l.ExpiresAt),
		l.DailyCap, l.TodayCount, l.LastResetDate, l.NotifyExpirySentOn,
		d.BindBool(l.AutoReply), d.BindTime(now), d.BindTime(now))
	if err != nil {
		return fmt.Errorf("insert license: %w", err)
	}
	return nil
}

// LicenseByID returns the license or nil when unknown.
func (d *DB) LicenseByID(ctx context.Context, id string) (*License, error) {
	row := d.FetchOne(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE id = ?`, id)
	return scanLicense(row)
}

// LicenseByKeyHash resolves an API key hash to its license.
func (d *DB) LicenseByKeyHash(ctx context.Context, hash string) (*License, error) {
	row := d.FetchOne(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE key_hash = ?`, hash)
	return scanLicense(row)
}

// ActiveLicenses lists licenses eligible for polling: active and either
// unexpired or without an expiry.
func (d *DB) ActiveLicenses(ctx context.Context) ([]License, error) {
	rows, err := d.FetchAll(ctx,
		`SELECT `+licenseColumns+` FROM licenses
		 WHERE active = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY id`,
		d.BindBool(true), d.BindTime(time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("list active licenses: %w", err)
	}
	defer rows.Close()

	var out []License
	for rows.Next() {
		l, err := scanLicenseRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// LicensesExpiringOn returns licenses whose expiry falls on the given day
// and that have not yet been reminded for it.
func (d *DB) LicensesExpiringOn(ctx context.Context, day time.Time) ([]License, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	dayStr := start.Format("2006-01-02")

	rows, err := d.FetchAll(ctx,
		`SELECT `+licenseColumns+` FROM licenses
		 WHERE active = ? AND expires_at >= ? AND expires_at < ?
		   AND notify_expiry_sent_on <> ?`,
		d.BindBool(true), d.BindTime(start), d.BindTime(end), dayStr)
	if err != nil {
		return nil, fmt.Errorf("list expiring licenses: %w", err)
	}
	defer rows.Close()

	var out []License
	for rows.Next() {
		l, err := scanLicenseRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// MarkExpiryNotified records that the reminder for the given day went out.
func (d *DB) MarkExpiryNotified(ctx context.Context, id string, day time.Time) error {
	_, err := d.Execute(ctx,
		`UPDATE licenses SET notify_expiry_sent_on = ?, updated_at = ? WHERE id = ?`,
		day.UTC().Format("2006-01-02"), d.BindTime(time.Now().UTC()), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row *sql.Row) (*License, error) {
	l, err := scanLicenseRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

func scanLicenseRow(s rowScanner) (*License, error) {
	var (
		l         License
		expires   NullTime
		created   NullTime
		updated   NullTime
	)
	err := s.Scan(&l.ID, &l.KeyHash, &l.Name, &l.Active, &expires, &l.DailyCap,
		&l.TodayCount, &l.LastResetDate, &l.NotifyExpirySentOn, &l.AutoReply,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	l.ExpiresAt = expires.Ptr()
	l.CreatedAt = created.Time
	l.UpdatedAt = updated.Time
	return &l, nil
}
