package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const outboxColumns = `id, license_id, inbox_message_id, channel, recipient_id, recipient_email,
	subject, body, attachments, status, platform_message_id, delivery_status,
	error_message, original_body, edit_count, edited_at, created_at, approved_at,
	sent_at, failed_at, deleted_at`

// CreateOutbox inserts a reply in status pending and fills m.ID.
func (d *DB) CreateOutbox(ctx context.Context, m *OutboxMessage) error {
	now := time.Now().UTC()
	m.CreatedAt = now
	if m.Status == "" {
		m.Status = StatusPending
	}
	err := d.FetchOne(ctx,
		`INSERT INTO outbox_messages (license_id, inbox_message_id, channel, recipient_id,
		   recipient_email, subject, body, attachments, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		m.LicenseID, m.InboxMessageID, m.Channel, m.RecipientID, m.RecipientEmail,
		m.Subject, m.Body, MarshalAttachments(m.Attachments), m.Status,
		d.BindTime(now)).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

// OutboxByID fetches one outbound message scoped to a license.
func (d *DB) OutboxByID(ctx context.Context, licenseID string, id int64) (*OutboxMessage, error) {
	row := d.FetchOne(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages WHERE license_id = ? AND id = ?`,
		licenseID, id)
	m, err := scanOutboxMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// OutboxByPlatformID resolves a delivery receipt to its outbox row.
func (d *DB) OutboxByPlatformID(ctx context.Context, platformID string) (*OutboxMessage, error) {
	row := d.FetchOne(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages WHERE platform_message_id = ?`,
		platformID)
	m, err := scanOutboxMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ApproveOutbox moves pending to approved, optionally replacing the body
// with the operator's edit. Returns false when the row was not pending.
func (d *DB) ApproveOutbox(ctx context.Context, licenseID string, id int64, editedBody string) (bool, error) {
	now := d.BindTime(time.Now().UTC())
	var (
		res sql.Result
		err error
	)
	if editedBody != "" {
		res, err = d.Execute(ctx,
			`UPDATE outbox_messages SET status = ?, body = ?, approved_at = ?
			 WHERE license_id = ? AND id = ? AND status = ?`,
			StatusApproved, editedBody, now, licenseID, id, StatusPending)
	} else {
		res, err = d.Execute(ctx,
			`UPDATE outbox_messages SET status = ?, approved_at = ?
			 WHERE license_id = ? AND id = ? AND status = ?`,
			StatusApproved, now, licenseID, id, StatusPending)
	}
	if err != nil {
		return false, fmt.Errorf("approve outbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequeueOutbox puts a pending or failed row back into the approved
// state so the send worker picks it up again. Sent rows are untouched.
func (d *DB) RequeueOutbox(ctx context.Context, licenseID string, id int64) (bool, error) {
	res, err := d.Execute(ctx,
		`UPDATE outbox_messages
		 SET status = ?, delivery_status = NULL, error_message = '', failed_at = NULL, approved_at = ?
		 WHERE license_id = ? AND id = ? AND status IN (?, ?, ?)`,
		StatusApproved, d.BindTime(time.Now().UTC()),
		licenseID, id, StatusPending, StatusApproved, StatusFailed)
	if err != nil {
		return false, fmt.Errorf("requeue outbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkOutboxSent records the first successful transport send.
func (d *DB) MarkOutboxSent(ctx context.Context, id int64) error {
	_, err := d.Execute(ctx,
		`UPDATE outbox_messages SET status = ?, delivery_status = ?, sent_at = ?
		 WHERE id = ?`,
		StatusSent, DeliverySent, d.BindTime(time.Now().UTC()), id)
	return err
}

// MarkOutboxFailed records a terminal transport failure. The operator can
// re-edit and re-send from the conversation view.
func (d *DB) MarkOutboxFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := d.Execute(ctx,
		`UPDATE outbox_messages SET status = ?, delivery_status = ?, error_message = ?, failed_at = ?
		 WHERE id = ?`,
		StatusFailed, DeliveryFailed, errMsg, d.BindTime(time.Now().UTC()), id)
	return err
}

// SetOutboxPlatformID captures the transport's own id for receipt
// correlation.
func (d *DB) SetOutboxPlatformID(ctx context.Context, id int64, platformID string) error {
	_, err := d.Execute(ctx,
		`UPDATE outbox_messages SET platform_message_id = ? WHERE id = ?`,
		platformID, id)
	return err
}

// SetDeliveryStatus writes the new projection only when the row still
// carries the expected previous value, so concurrent receipt handlers
// cannot interleave a backward move.
func (d *DB) SetDeliveryStatus(ctx context.Context, id int64, status, expect string) (bool, error) {
	res, err := d.Execute(ctx,
		`UPDATE outbox_messages SET delivery_status = ?
		 WHERE id = ? AND COALESCE(delivery_status, '') = ?`,
		status, id, expect)
	if err != nil {
		return false, fmt.Errorf("set delivery status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// EditOutbox rewrites the body, capturing the original on the first edit.
// The 15-minute window is enforced by the dispatcher before calling this.
func (d *DB) EditOutbox(ctx context.Context, licenseID string, id int64, newBody string) error {
	_, err := d.Execute(ctx,
		`UPDATE outbox_messages
		 SET original_body = COALESCE(original_body, body),
		     body = ?, edit_count = edit_count + 1, edited_at = ?
		 WHERE license_id = ? AND id = ?`,
		newBody, d.BindTime(time.Now().UTC()), licenseID, id)
	return err
}

// SoftDeleteOutbox tombstones one outbound message and returns its
// recipient for the conversation recompute. ok=false when not found.
func (d *DB) SoftDeleteOutbox(ctx context.Context, licenseID string, id int64) (recipient string, ok bool, err error) {
	err = d.FetchOne(ctx,
		`UPDATE outbox_messages SET deleted_at = ?
		 WHERE license_id = ? AND id = ? AND deleted_at IS NULL
		 RETURNING recipient_id`,
		d.BindTime(time.Now().UTC()), licenseID, id).Scan(&recipient)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("soft delete outbox: %w", err)
	}
	return recipient, true, nil
}

// SoftDeleteOutboxByRecipients tombstones the alias set's outbound side.
func (d *DB) SoftDeleteOutboxByRecipients(ctx context.Context, licenseID string, contacts []string) error {
	if len(contacts) == 0 {
		return nil
	}
	args := []any{d.BindTime(time.Now().UTC()), licenseID}
	for _, c := range contacts {
		args = append(args, c)
	}
	_, err := d.Execute(ctx,
		`UPDATE outbox_messages SET deleted_at = ?
		 WHERE license_id = ? AND recipient_id IN (`+inPlaceholders(len(contacts))+`)
		   AND deleted_at IS NULL`,
		args...)
	return err
}

// CountOutbox counts non-deleted outbox rows addressed to the alias set.
func (d *DB) CountOutbox(ctx context.Context, licenseID string, contacts []string) (int, error) {
	if len(contacts) == 0 {
		return 0, nil
	}
	args := []any{licenseID}
	for _, c := range contacts {
		args = append(args, c)
	}
	var n int
	err := d.FetchOne(ctx,
		`SELECT COUNT(*) FROM outbox_messages
		 WHERE license_id = ? AND deleted_at IS NULL
		   AND recipient_id IN (`+inPlaceholders(len(contacts))+`)`,
		args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}

// LatestOutboxForRecipients returns the newest non-deleted outbox row for
// the alias set by (effective timestamp, id). Nil when the set has none.
func (d *DB) LatestOutboxForRecipients(ctx context.Context, licenseID string, contacts []string) (*OutboxMessage, error) {
	if len(contacts) == 0 {
		return nil, nil
	}
	args := []any{licenseID}
	for _, c := range contacts {
		args = append(args, c)
	}
	row := d.FetchOne(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages
		 WHERE license_id = ? AND deleted_at IS NULL
		   AND recipient_id IN (`+inPlaceholders(len(contacts))+`)
		 ORDER BY COALESCE(sent_at, created_at) DESC, id DESC
		 LIMIT 1`,
		args...)
	m, err := scanOutboxMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// TelegramReceiptCandidates lists recently sent telegram messages still
// waiting for a read receipt, for the per-cycle outbox poll.
func (d *DB) TelegramReceiptCandidates(ctx context.Context, licenseID string, window time.Duration) ([]OutboxMessage, error) {
	rows, err := d.FetchAll(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages
		 WHERE license_id = ? AND channel = ? AND deleted_at IS NULL
		   AND platform_message_id IS NOT NULL
		   AND delivery_status IN (?, ?)
		   AND created_at > ?
		 ORDER BY id`,
		licenseID, ChannelTelegramUser, DeliverySent, DeliveryDelivered,
		d.BindTime(time.Now().UTC().Add(-window)))
	if err != nil {
		return nil, fmt.Errorf("telegram receipt candidates: %w", err)
	}
	defer rows.Close()

	var out []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// OutboxPage returns one cursor page of outbox rows for the alias set,
// mirroring InboxPage.
func (d *DB) OutboxPage(ctx context.Context, licenseID string, contacts []string, cursorTS time.Time, cursorID int64, direction string, limit int) ([]OutboxMessage, error) {
	if len(contacts) == 0 {
		return nil, nil
	}
	args := []any{licenseID}
	for _, c := range contacts {
		args = append(args, c)
	}

	cond := ""
	order := "DESC"
	if !cursorTS.IsZero() {
		if direction == "newer" {
			cond = `AND (COALESCE(sent_at, created_at) > ? OR
			        (COALESCE(sent_at, created_at) = ? AND id > ?))`
		} else {
			cond = `AND (COALESCE(sent_at, created_at) < ? OR
			        (COALESCE(sent_at, created_at) = ? AND id < ?))`
		}
		args = append(args, d.BindTime(cursorTS), d.BindTime(cursorTS), cursorID)
	}
	if direction == "newer" {
		order = "ASC"
	}
	args = append(args, limit)

	rows, err := d.FetchAll(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages
		 WHERE license_id = ? AND deleted_at IS NULL
		   AND recipient_id IN (`+inPlaceholders(len(contacts))+`) `+cond+`
		 ORDER BY COALESCE(sent_at, created_at) `+order+`, id `+order+`
		 LIMIT ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("outbox page: %w", err)
	}
	defer rows.Close()

	var out []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanOutboxMessage(s rowScanner) (*OutboxMessage, error) {
	var (
		m          OutboxMessage
		inboxRef   sql.NullInt64
		atts       sql.NullString
		platformID sql.NullString
		delivery   sql.NullString
		errMsg     sql.NullString
		original   sql.NullString
		edited     NullTime
		created    NullTime
		approved   NullTime
		sent       NullTime
		failed     NullTime
		deleted    NullTime
	)
	err := s.Scan(&m.ID, &m.LicenseID, &inboxRef, &m.Channel, &m.RecipientID, &m.RecipientEmail,
		&m.Subject, &m.Body, &atts, &m.Status, &platformID, &delivery, &errMsg, &original,
		&m.EditCount, &edited, &created, &approved, &sent, &failed, &deleted)
	if err != nil {
		return nil, err
	}
	if inboxRef.Valid {
		v := inboxRef.Int64
		m.InboxMessageID = &v
	}
	m.Attachments = UnmarshalAttachments(strOr(atts))
	m.PlatformMessageID = strOr(platformID)
	m.DeliveryStatus = strOr(delivery)
	m.ErrorMessage = strOr(errMsg)
	m.OriginalBody = strOr(original)
	m.EditedAt = edited.Ptr()
	m.CreatedAt = created.Time
	m.ApprovedAt = approved.Ptr()
	m.SentAt = sent.Ptr()
	m.FailedAt = failed.Ptr()
	m.DeletedAt = deleted.Ptr()
	return &m, nil
}
