package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const inboxColumns = `id, license_id, channel, channel_message_id, sender_id, sender_contact,
	sender_name, subject, body, attachments, received_at, status, is_read,
	intent, urgency, sentiment, language, dialect, ai_summary, ai_draft_response,
	search_vector, deleted_at, created_at, updated_at`

// InsertInboxMessage persists one inbound message. Returns duplicate=true
// when the (license, channel, channel_message_id) row already exists; the
// insert is then a no-op.
func (d *DB) InsertInboxMessage(ctx context.Context, m *InboxMessage) (duplicate bool, err error) {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = now
	}
	m.UpdatedAt = now
	if m.Status == "" {
		m.Status = StatusPending
	}

	row := d.FetchOne(ctx,
		`INSERT INTO inbox_messages (license_id, channel, channel_message_id, sender_id,
		   sender_contact, sender_name, subject, body, attachments, received_at, status,
		   is_read, search_vector, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (license_id, channel, channel_message_id)
		   WHERE channel_message_id IS NOT NULL DO NOTHING
		 RETURNING id`,
		m.LicenseID, m.Channel, nilStr(m.ChannelMessageID), m.SenderID,
		m.SenderContact, m.SenderName, m.Subject, m.Body, MarshalAttachments(m.Attachments),
		d.BindTime(m.ReceivedAt), m.Status, d.BindBool(m.IsRead), m.SearchVector,
		d.BindTime(m.CreatedAt), d.BindTime(m.UpdatedAt))

	if err := row.Scan(&m.ID); err != nil {
		if err == sql.ErrNoRows {
			return true, nil
		}
		return false, fmt.Errorf("insert inbox message: %w", err)
	}
	return false, nil
}

// InboxByID fetches one message scoped to a license. Nil when absent.
func (d *DB) InboxByID(ctx context.Context, licenseID string, id int64) (*InboxMessage, error) {
	row := d.FetchOne(ctx,
		`SELECT `+inboxColumns+` FROM inbox_messages WHERE license_id = ? AND id = ?`,
		licenseID, id)
	m, err := scanInboxMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// InboxExists reports whether a channel message id was already ingested.
func (d *DB) InboxExists(ctx context.Context, licenseID, channel, channelMessageID string) (bool, error) {
	if channelMessageID == "" {
		return false, nil
	}
	var one int
	err := d.FetchOne(ctx,
		`SELECT 1 FROM inbox_messages
		 WHERE license_id = ? AND channel = ? AND channel_message_id = ?`,
		licenseID, channel, channelMessageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inbox exists: %w", err)
	}
	return true, nil
}

// Analysis carries the analyzer verdict persisted onto an inbox row.
type Analysis struct {
	Intent   string
	Urgency  string
	Sentiment string
	Language string
	Dialect  string
	Summary  string
	Draft    string
}

// UpdateInboxAnalysis writes analyzer output and promotes the row to
// analyzed. Guarded so a late write never overwrites an operator decision:
// only rows still pending (or with no status) are touched. Returns whether
// the row was updated.
func (d *DB) UpdateInboxAnalysis(ctx context.Context, id int64, a Analysis) (bool, error) {
	res, err := d.Execute(ctx,
		`UPDATE inbox_messages
		 SET intent = ?, urgency = ?, sentiment = ?, language = ?, dialect = ?,
		     ai_summary = ?, ai_draft_response = ?, status = ?, updated_at = ?
		 WHERE id = ? AND (status = ? OR status IS NULL)`,
		a.Intent, a.Urgency, a.Sentiment, a.Language, a.Dialect,
		a.Summary, a.Draft, StatusAnalyzed, d.BindTime(time.Now().UTC()),
		id, StatusPending)
	if err != nil {
		return false, fmt.Errorf("update inbox analysis: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetInboxDraft replaces only the draft response. Used for the pending
// placeholder and for re-analysis.
func (d *DB) SetInboxDraft(ctx context.Context, id int64, draft string) error {
	_, err := d.Execute(ctx,
		`UPDATE inbox_messages SET ai_draft_response = ?, updated_at = ? WHERE id = ?`,
		draft, d.BindTime(time.Now().UTC()), id)
	return err
}

// SetInboxStatus moves a message through its lifecycle.
func (d *DB) SetInboxStatus(ctx context.Context, licenseID string, id int64, status string) error {
	_, err := d.Execute(ctx,
		`UPDATE inbox_messages SET status = ?, updated_at = ?
		 WHERE license_id = ? AND id = ?`,
		status, d.BindTime(time.Now().UTC()), licenseID, id)
	return err
}

// MarkInboxMerged retires a burst fragment: terminal status, fixed merge
// summary, no draft.
func (d *DB) MarkInboxMerged(ctx context.Context, id int64, summary string) error {
	_, err := d.Execute(ctx,
		`UPDATE inbox_messages
		 SET status = ?, intent = ?, ai_summary = ?, ai_draft_response = '', updated_at = ?
		 WHERE id = ?`,
		StatusMerged, "merged", summary, d.BindTime(time.Now().UTC()), id)
	return err
}

// MarkInboxRead flags every unread analyzed message in the alias set.
func (d *DB) MarkInboxRead(ctx context.Context, licenseID string, contacts []string) error {
	if len(contacts) == 0 {
		return nil
	}
	args := []any{d.BindBool(true), d.BindTime(time.Now().UTC()), licenseID}
	for _, c := range contacts {
		args = append(args, c)
	}
	_, err := d.Execute(ctx,
		`UPDATE inbox_messages SET is_read = ?, updated_at = ?
		 WHERE license_id = ? AND sender_contact IN (`+inPlaceholders(len(contacts))+`)
		   AND deleted_at IS NULL`,
		args...)
	return err
}

// SoftDeleteInbox tombstones one message and returns its sender contact so
// the caller can recompute the conversation. ok=false when not found.
func (d *DB) SoftDeleteInbox(ctx context.Context, licenseID string, id int64) (senderContact string, ok bool, err error) {
	err = d.FetchOne(ctx,
		`UPDATE inbox_messages SET deleted_at = ?, updated_at = ?
		 WHERE license_id = ? AND id = ? AND deleted_at IS NULL
		 RETURNING sender_contact`,
		d.BindTime(time.Now().UTC()), d.BindTime(time.Now().UTC()), licenseID, id).
		Scan(&senderContact)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("soft delete inbox: %w", err)
	}
	return senderContact, true, nil
}

// SoftDeleteInboxBySenders tombstones all messages in an alias set.
func (d *DB) SoftDeleteInboxBySenders(ctx context.Context, licenseID string, contacts []string) error {
	if len(contacts) == 0 {
		return nil
	}
	args := []any{d.BindTime(time.Now().UTC()), d.BindTime(time.Now().UTC()), licenseID}
	for _, c := range contacts {
		args = append(args, c)
	}
	_, err := d.Execute(ctx,
		`UPDATE inbox_messages SET deleted_at = ?, updated_at = ?
		 WHERE license_id = ? AND sender_contact IN (`+inPlaceholders(len(contacts))+`)
		   AND deleted_at IS NULL`,
		args...)
	return err
}

func scanInboxMessage(s rowScanner) (*InboxMessage, error) {
	var (
		m          InboxMessage
		channelMsg sql.NullString
		atts       sql.NullString
		received   NullTime
		intent     sql.NullString
		urgency    sql.NullString
		sentiment  sql.NullString
		language   sql.NullString
		dialect    sql.NullString
		summary    sql.NullString
		draft      sql.NullString
		search     sql.NullString
		deleted    NullTime
		created    NullTime
		updated    NullTime
	)
	err := s.Scan(&m.ID, &m.LicenseID, &m.Channel, &channelMsg, &m.SenderID, &m.SenderContact,
		&m.SenderName, &m.Subject, &m.Body, &atts, &received, &m.Status, &m.IsRead,
		&intent, &urgency, &sentiment, &language, &dialect, &summary, &draft,
		&search, &deleted, &created, &updated)
	if err != nil {
		return nil, err
	}
	m.ChannelMessageID = strOr(channelMsg)
	m.Attachments = UnmarshalAttachments(strOr(atts))
	m.ReceivedAt = received.Time
	m.Intent = strOr(intent)
	m.Urgency = strOr(urgency)
	m.Sentiment = strOr(sentiment)
	m.Language = strOr(language)
	m.Dialect = strOr(dialect)
	m.AISummary = strOr(summary)
	m.AIDraftResponse = strOr(draft)
	m.SearchVector = strOr(search)
	m.DeletedAt = deleted.Ptr()
	m.CreatedAt = created.Time
	m.UpdatedAt = updated.Time
	return &m, nil
}
