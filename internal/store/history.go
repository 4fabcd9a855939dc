package store

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// HistoryEntry is one line of conversation history fed to the analyzer.
type HistoryEntry struct {
	FromUser bool
	Body     string
	At       time.Time
}

// RecentHistory returns the last limit messages exchanged with the alias
// set, oldest first. Inbound and outbound are merged by effective time.
func (d *DB) RecentHistory(ctx context.Context, licenseID string, contacts []string, limit int) ([]HistoryEntry, error) {
	if len(contacts) == 0 || limit <= 0 {
		return nil, nil
	}
	ph := inPlaceholders(len(contacts))

	args := []any{licenseID, StatusPending}
	for _, c := range contacts {
		args = append(args, c)
	}
	args = append(args, limit)
	inRows, err := d.FetchAll(ctx,
		`SELECT body, COALESCE(received_at, created_at) FROM inbox_messages
		 WHERE license_id = ? AND status <> ? AND deleted_at IS NULL
		   AND sender_contact IN (`+ph+`)
		 ORDER BY COALESCE(received_at, created_at) DESC, id DESC
		 LIMIT ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("history inbox: %w", err)
	}
	entries, err := collectHistory(inRows, true)
	if err != nil {
		return nil, err
	}

	args = []any{licenseID}
	for _, c := range contacts {
		args = append(args, c)
	}
	args = append(args, limit)
	outRows, err := d.FetchAll(ctx,
		`SELECT body, COALESCE(sent_at, created_at) FROM outbox_messages
		 WHERE license_id = ? AND deleted_at IS NULL
		   AND recipient_id IN (`+ph+`)
		 ORDER BY COALESCE(sent_at, created_at) DESC, id DESC
		 LIMIT ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("history outbox: %w", err)
	}
	outEntries, err := collectHistory(outRows, false)
	if err != nil {
		return nil, err
	}

	entries = append(entries, outEntries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].At.Before(entries[j].At) })
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func collectHistory(rows interface {
	Next() bool
	Scan(...any) error
	Close() error
	Err() error
}, fromUser bool) ([]HistoryEntry, error) {
	defer rows.Close()
	var out []HistoryEntry
	for rows.Next() {
		var (
			body string
			at   NullTime
		)
		if err := rows.Scan(&body, &at); err != nil {
			return nil, err
		}
		out = append(out, HistoryEntry{FromUser: fromUser, Body: body, At: at.Time})
	}
	return out, rows.Err()
}
