package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AliasPair is one (sender_contact, sender_id) combination observed in the
// inbox. The conversation engine unions these into an alias set.
type AliasPair struct {
	SenderContact string
	SenderID      string
}

// AliasPairs returns every distinct (sender_contact, sender_id) pair that
// shares any of the given identifiers, matching either column.
func (d *DB) AliasPairs(ctx context.Context, licenseID string, identifiers []string) ([]AliasPair, error) {
	if len(identifiers) == 0 {
		return nil, nil
	}
	args := []any{licenseID}
	for _, id := range identifiers {
		args = append(args, id)
	}
	for _, id := range identifiers {
		args = append(args, id)
	}
	ph := inPlaceholders(len(identifiers))
	rows, err := d.FetchAll(ctx,
		`SELECT DISTINCT sender_contact, sender_id FROM inbox_messages
		 WHERE license_id = ? AND (sender_contact IN (`+ph+`) OR sender_id IN (`+ph+`))`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("alias pairs: %w", err)
	}
	defer rows.Close()

	var out []AliasPair
	for rows.Next() {
		var p AliasPair
		if err := rows.Scan(&p.SenderContact, &p.SenderID); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountUnread counts non-deleted analyzed unread inbox rows in the alias set.
func (d *DB) CountUnread(ctx context.Context, licenseID string, contacts []string) (int, error) {
	if len(contacts) == 0 {
		return 0, nil
	}
	args := []any{licenseID, StatusAnalyzed, d.BindBool(false)}
	for _, c := range contacts {
		args = append(args, c)
	}
	var n int
	err := d.FetchOne(ctx,
		`SELECT COUNT(*) FROM inbox_messages
		 WHERE license_id = ? AND status = ? AND is_read = ? AND deleted_at IS NULL
		   AND sender_contact IN (`+inPlaceholders(len(contacts))+`)`,
		args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// CountInboxVisible counts non-deleted, non-pending inbox rows in the
// alias set. Pending rows stay invisible to the conversation list.
func (d *DB) CountInboxVisible(ctx context.Context, licenseID string, contacts []string) (int, error) {
	if len(contacts) == 0 {
		return 0, nil
	}
	args := []any{licenseID, StatusPending}
	for _, c := range contacts {
		args = append(args, c)
	}
	var n int
	err := d.FetchOne(ctx,
		`SELECT COUNT(*) FROM inbox_messages
		 WHERE license_id = ? AND status <> ? AND deleted_at IS NULL
		   AND sender_contact IN (`+inPlaceholders(len(contacts))+`)`,
		args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count inbox: %w", err)
	}
	return n, nil
}

// LatestInboxForSenders returns the newest visible inbox row in the alias
// set by (effective timestamp, id). Nil when the set has none.
func (d *DB) LatestInboxForSenders(ctx context.Context, licenseID string, contacts []string) (*InboxMessage, error) {
	if len(contacts) == 0 {
		return nil, nil
	}
	args := []any{licenseID, StatusPending}
	for _, c := range contacts {
		args = append(args, c)
	}
	row := d.FetchOne(ctx,
		`SELECT `+inboxColumns+` FROM inbox_messages
		 WHERE license_id = ? AND status <> ? AND deleted_at IS NULL
		   AND sender_contact IN (`+inPlaceholders(len(contacts))+`)
		 ORDER BY COALESCE(received_at, created_at) DESC, id DESC
		 LIMIT 1`,
		args...)
	m, err := scanInboxMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// RecentChannelMessageIDs returns the newest channel message ids for a
// (license, channel), used as the poll exclude set.
func (d *DB) RecentChannelMessageIDs(ctx context.Context, licenseID, channel string, limit int) ([]string, error) {
	rows, err := d.FetchAll(ctx,
		`SELECT channel_message_id FROM inbox_messages
		 WHERE license_id = ? AND channel = ? AND channel_message_id IS NOT NULL
		 ORDER BY id DESC LIMIT ?`,
		licenseID, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("recent channel ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// HasRecentSameBody reports whether the sender already has a message with
// the same first 100 characters received inside the window. Drives the
// duplicate-within-window filter rule.
func (d *DB) HasRecentSameBody(ctx context.Context, licenseID, senderContact, bodyPrefix string, window time.Duration) (bool, error) {
	var one int
	err := d.FetchOne(ctx,
		`SELECT 1 FROM inbox_messages
		 WHERE license_id = ? AND sender_contact = ?
		   AND substr(body, 1, 100) = ? AND received_at > ?
		 LIMIT 1`,
		licenseID, senderContact, bodyPrefix,
		d.BindTime(time.Now().UTC().Add(-window))).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recent same body: %w", err)
	}
	return true, nil
}

// PlaceholderCandidates finds messages still carrying the pending
// placeholder (or no draft at all), created inside the retry window.
func (d *DB) PlaceholderCandidates(ctx context.Context, licenseID, placeholder string, window time.Duration) ([]InboxMessage, error) {
	rows, err := d.FetchAll(ctx,
		`SELECT `+inboxColumns+` FROM inbox_messages
		 WHERE license_id = ?
		   AND (ai_draft_response IS NULL OR ai_draft_response = '' OR ai_draft_response = ?)
		   AND created_at > ?
		   AND status IN (?, ?)
		   AND deleted_at IS NULL
		 ORDER BY id`,
		licenseID, placeholder, d.BindTime(time.Now().UTC().Add(-window)),
		StatusPending, StatusAnalyzed)
	if err != nil {
		return nil, fmt.Errorf("placeholder candidates: %w", err)
	}
	defer rows.Close()

	var out []InboxMessage
	for rows.Next() {
		m, err := scanInboxMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ListInbox pages the raw inbox for a license, newest first.
func (d *DB) ListInbox(ctx context.Context, licenseID string, limit, offset int) ([]InboxMessage, error) {
	rows, err := d.FetchAll(ctx,
		`SELECT `+inboxColumns+` FROM inbox_messages
		 WHERE license_id = ? AND deleted_at IS NULL AND status <> ?
		 ORDER BY COALESCE(received_at, created_at) DESC, id DESC
		 LIMIT ? OFFSET ?`,
		licenseID, StatusPending, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()

	var out []InboxMessage
	for rows.Next() {
		m, err := scanInboxMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// InboxPage returns one cursor page of visible inbox rows for an alias
// set. direction "older" walks back in time from the cursor, "newer"
// forward; a zero cursor time means "from the extreme end".
func (d *DB) InboxPage(ctx context.Context, licenseID string, contacts []string, cursorTS time.Time, cursorID int64, direction string, limit int) ([]InboxMessage, error) {
	if len(contacts) == 0 {
		return nil, nil
	}
	args := []any{licenseID, StatusPending}
	for _, c := range contacts {
		args = append(args, c)
	}

	cond := ""
	order := "DESC"
	if !cursorTS.IsZero() {
		if direction == "newer" {
			cond = `AND (COALESCE(received_at, created_at) > ? OR
			        (COALESCE(received_at, created_at) = ? AND id > ?))`
		} else {
			cond = `AND (COALESCE(received_at, created_at) < ? OR
			        (COALESCE(received_at, created_at) = ? AND id < ?))`
		}
		args = append(args, d.BindTime(cursorTS), d.BindTime(cursorTS), cursorID)
	}
	if direction == "newer" {
		order = "ASC"
	}
	args = append(args, limit)

	rows, err := d.FetchAll(ctx,
		`SELECT `+inboxColumns+` FROM inbox_messages
		 WHERE license_id = ? AND status <> ? AND deleted_at IS NULL
		   AND sender_contact IN (`+inPlaceholders(len(contacts))+`) `+cond+`
		 ORDER BY COALESCE(received_at, created_at) `+order+`, id `+order+`
		 LIMIT ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("inbox page: %w", err)
	}
	defer rows.Close()

	var out []InboxMessage
	for rows.Next() {
		m, err := scanInboxMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// RepairStaleInbox promotes analyzed rows to approved when a later reply
// or decision already exists for the same sender. Returns affected rows.
func (d *DB) RepairStaleInbox(ctx context.Context, licenseID string) (int64, error) {
	res, err := d.Execute(ctx,
		`UPDATE inbox_messages SET status = ?, updated_at = ?
		 WHERE license_id = ? AND status = ? AND deleted_at IS NULL
		   AND (EXISTS (
		          SELECT 1 FROM outbox_messages o
		          WHERE o.license_id = inbox_messages.license_id
		            AND o.recipient_id = inbox_messages.sender_contact
		            AND o.deleted_at IS NULL
		            AND o.status IN (?, ?)
		            AND o.created_at > inbox_messages.received_at)
		     OR EXISTS (
		          SELECT 1 FROM inbox_messages i2
		          WHERE i2.license_id = inbox_messages.license_id
		            AND i2.sender_contact = inbox_messages.sender_contact
		            AND i2.deleted_at IS NULL
		            AND i2.status IN (?, ?, ?)
		            AND i2.received_at > inbox_messages.received_at))`,
		StatusApproved, d.BindTime(time.Now().UTC()),
		licenseID, StatusAnalyzed,
		StatusApproved, StatusSent,
		StatusApproved, StatusAutoReplied, StatusSent)
	if err != nil {
		return 0, fmt.Errorf("repair stale inbox: %w", err)
	}
	return res.RowsAffected()
}
