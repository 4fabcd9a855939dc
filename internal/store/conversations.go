package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const conversationColumns = `id, license_id, sender_contact, sender_name, channel,
	last_message_id, last_message_body, last_message_ai_summary, last_message_at,
	status, unread_count, message_count, updated_at`

// UpsertConversation writes the recomputed denormalized row for
// (license, sender_contact).
func (d *DB) UpsertConversation(ctx context.Context, c *Conversation) error {
	c.UpdatedAt = time.Now().UTC()
	_, err := d.Execute(ctx,
		`INSERT INTO conversations (license_id, sender_contact, sender_name, channel,
		   last_message_id, last_message_body, last_message_ai_summary, last_message_at,
		   status, unread_count, message_count, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (license_id, sender_contact) DO UPDATE SET
		   sender_name = excluded.sender_name,
		   channel = excluded.channel,
		   last_message_id = excluded.last_message_id,
		   last_message_body = excluded.last_message_body,
		   last_message_ai_summary = excluded.last_message_ai_summary,
		   last_message_at = excluded.last_message_at,
		   status = excluded.status,
		   unread_count = excluded.unread_count,
		   message_count = excluded.message_count,
		   updated_at = excluded.updated_at`,
		c.LicenseID, c.SenderContact, c.SenderName, c.Channel,
		c.LastMessageID, c.LastMessageBody, c.LastMessageAISummary,
		d.BindTimePtr(c.LastMessageAt), c.Status, c.UnreadCount, c.MessageCount,
		d.BindTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// ConversationBySender returns the denormalized row, nil when absent.
func (d *DB) ConversationBySender(ctx context.Context, licenseID, senderContact string) (*Conversation, error) {
	row := d.FetchOne(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE license_id = ? AND sender_contact = ?`,
		licenseID, senderContact)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// ListConversations pages the conversation list, most recent first. This
// reads the denormalized table only.
func (d *DB) ListConversations(ctx context.Context, licenseID string, limit, offset int) ([]Conversation, error) {
	rows, err := d.FetchAll(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE license_id = ?
		 ORDER BY last_message_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		licenseID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ConversationsUpdatedSince feeds the delta-sync endpoint.
func (d *DB) ConversationsUpdatedSince(ctx context.Context, licenseID string, since time.Time) ([]Conversation, error) {
	rows, err := d.FetchAll(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE license_id = ? AND updated_at > ?
		 ORDER BY updated_at`,
		licenseID, d.BindTime(since))
	if err != nil {
		return nil, fmt.Errorf("conversations updated since: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// DeleteConversation removes the denormalized row outright. Used when the
// operator deletes the whole conversation; the message tombstones remain.
func (d *DB) DeleteConversation(ctx context.Context, licenseID, senderContact string) error {
	_, err := d.Execute(ctx,
		`DELETE FROM conversations WHERE license_id = ? AND sender_contact = ?`,
		licenseID, senderContact)
	return err
}

func scanConversation(s rowScanner) (*Conversation, error) {
	var (
		c       Conversation
		lastID  sql.NullInt64
		lastAt  NullTime
		updated NullTime
	)
	err := s.Scan(&c.ID, &c.LicenseID, &c.SenderContact, &c.SenderName, &c.Channel,
		&lastID, &c.LastMessageBody, &c.LastMessageAISummary, &lastAt,
		&c.Status, &c.UnreadCount, &c.MessageCount, &updated)
	if err != nil {
		return nil, err
	}
	if lastID.Valid {
		v := lastID.Int64
		c.LastMessageID = &v
	}
	c.LastMessageAt = lastAt.Ptr()
	c.UpdatedAt = updated.Time
	return &c, nil
}
