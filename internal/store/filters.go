package store

import (
	"context"
	"fmt"
)

// FilterRules returns the per-license filter configuration grouped by
// kind. All lists default to empty.
func (d *DB) FilterRules(ctx context.Context, licenseID string) (map[string][]string, error) {
	rows, err := d.FetchAll(ctx,
		`SELECT kind, value FROM filter_rules WHERE license_id = ? ORDER BY id`,
		licenseID)
	if err != nil {
		return nil, fmt.Errorf("filter rules: %w", err)
	}
	defer rows.Close()

	out := map[string][]string{}
	for rows.Next() {
		var kind, value string
		if err := rows.Scan(&kind, &value); err != nil {
			return nil, err
		}
		out[kind] = append(out[kind], value)
	}
	return out, rows.Err()
}

// AddFilterRule appends one per-license rule, ignoring exact duplicates.
func (d *DB) AddFilterRule(ctx context.Context, licenseID, kind, value string) error {
	_, err := d.Execute(ctx,
		`INSERT INTO filter_rules (license_id, kind, value)
		 VALUES (?, ?, ?)
		 ON CONFLICT (license_id, kind, value) DO NOTHING`,
		licenseID, kind, value)
	return err
}

// RemoveFilterRule deletes one per-license rule.
func (d *DB) RemoveFilterRule(ctx context.Context, licenseID, kind, value string) error {
	_, err := d.Execute(ctx,
		`DELETE FROM filter_rules WHERE license_id = ? AND kind = ? AND value = ?`,
		licenseID, kind, value)
	return err
}
