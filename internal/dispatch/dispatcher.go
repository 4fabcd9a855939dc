// Package dispatch owns the outbound side: outbox lifecycle
// (create, approve, send, edit, delete) and the delivery-status
// reconciler fed by webhook receipts and the telegram receipt poll.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/almudeerhq/almudeer/internal/channels"
	"github.com/almudeerhq/almudeer/internal/conversations"
	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/queue"
	"github.com/almudeerhq/almudeer/internal/store"
	"github.com/almudeerhq/almudeer/internal/ws"
)

const editWindow = 15 * time.Minute

var (
	// ErrNoDraft means an approve landed on a message without a draft
	// and without an operator-supplied body.
	ErrNoDraft = errors.New("dispatch: message has no draft to send")

	// ErrEditWindowClosed means the 15 minute edit window has passed.
	ErrEditWindowClosed = errors.New("dispatch: edit window closed")
)

// Dispatcher drives the outbox.
type Dispatcher struct {
	db       *store.DB
	adapters channels.Registry
	conv     *conversations.Engine
	hub      *ws.Hub
	log      *slog.Logger
}

// New wires the dispatcher. hub may be nil in tests.
func New(db *store.DB, adapters channels.Registry, conv *conversations.Engine, hub *ws.Hub, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		db:       db,
		adapters: adapters,
		conv:     conv,
		hub:      hub,
		log:      log.With(logging.Module("dispatch")),
	}
}

// AutoReply creates an already-approved outbox row from an analyzer
// draft and queues the send. Called by the analysis orchestrator for
// auto-reply licenses.
func (d *Dispatcher) AutoReply(ctx context.Context, msg *store.InboxMessage, draft string) error {
	out := d.outboxFromInbox(msg, draft)
	out.Status = store.StatusApproved
	if err := d.db.CreateOutbox(ctx, out); err != nil {
		return err
	}
	if err := d.db.SetInboxStatus(ctx, msg.LicenseID, msg.ID, store.StatusAutoReplied); err != nil {
		return err
	}
	d.broadcastSending(out)
	return d.enqueueSend(ctx, out)
}

// ApproveInbox handles the operator decision on an analyzed message.
// Action approve sends the draft (or the operator's edited body);
// action ignore just parks the message.
func (d *Dispatcher) ApproveInbox(ctx context.Context, licenseID string, inboxID int64, action, editedBody string) error {
	msg, err := d.db.InboxByID(ctx, licenseID, inboxID)
	if err != nil {
		return err
	}
	if msg == nil || msg.DeletedAt != nil {
		return fmt.Errorf("dispatch: inbox message %d not found", inboxID)
	}

	if action == "ignore" {
		if err := d.db.SetInboxStatus(ctx, licenseID, inboxID, store.StatusIgnored); err != nil {
			return err
		}
		d.recompute(ctx, licenseID, msg.SenderContact, ws.EventMessageStatusUpdate)
		return nil
	}

	body := editedBody
	if body == "" {
		body = msg.AIDraftResponse
	}
	if body == "" || body == store.DraftPlaceholder {
		return ErrNoDraft
	}

	out := d.outboxFromInbox(msg, body)
	if err := d.db.CreateOutbox(ctx, out); err != nil {
		return err
	}
	if _, err := d.db.ApproveOutbox(ctx, licenseID, out.ID, ""); err != nil {
		return err
	}
	if err := d.db.SetInboxStatus(ctx, licenseID, inboxID, store.StatusApproved); err != nil {
		return err
	}
	d.broadcastSending(out)
	return d.enqueueSend(ctx, out)
}

// Edit rewrites a sent-or-pending reply inside the 15 minute window,
// keeping the original body on the first edit.
func (d *Dispatcher) Edit(ctx context.Context, licenseID string, id int64, newBody string) (*store.OutboxMessage, error) {
	row, err := d.db.OutboxByID(ctx, licenseID, id)
	if err != nil {
		return nil, err
	}
	if row == nil || row.DeletedAt != nil {
		return nil, fmt.Errorf("dispatch: outbox message %d not found", id)
	}
	if time.Since(row.CreatedAt) > editWindow {
		return nil, ErrEditWindowClosed
	}
	if err := d.db.EditOutbox(ctx, licenseID, id, newBody); err != nil {
		return nil, err
	}
	row, err = d.db.OutboxByID(ctx, licenseID, id)
	if err != nil {
		return nil, err
	}
	if d.hub != nil && row != nil {
		d.hub.SendToLicense(licenseID, ws.Event{
			Type: ws.EventMessageEdited,
			Data: map[string]any{
				"outbox_id":  row.ID,
				"body":       row.Body,
				"edit_count": row.EditCount,
			},
		})
	}
	return row, nil
}

// Resend queues a failed or stuck outbox message again. Sent messages
// are left alone.
func (d *Dispatcher) Resend(ctx context.Context, licenseID string, id int64) error {
	row, err := d.db.OutboxByID(ctx, licenseID, id)
	if err != nil {
		return err
	}
	if row == nil || row.DeletedAt != nil {
		return fmt.Errorf("dispatch: outbox message %d not found", id)
	}
	if row.Status == store.StatusSent {
		return nil
	}
	if _, err := d.db.RequeueOutbox(ctx, licenseID, id); err != nil {
		return err
	}
	d.broadcastSending(row)
	return d.enqueueSend(ctx, row)
}

// DeleteInbox tombstones one inbound message.
func (d *Dispatcher) DeleteInbox(ctx context.Context, licenseID string, id int64) error {
	sender, ok, err := d.db.SoftDeleteInbox(ctx, licenseID, id)
	if err != nil || !ok {
		return err
	}
	d.recompute(ctx, licenseID, sender, ws.EventMessageDeleted)
	return nil
}

// DeleteOutbox tombstones one outbound message.
func (d *Dispatcher) DeleteOutbox(ctx context.Context, licenseID string, id int64) error {
	recipient, ok, err := d.db.SoftDeleteOutbox(ctx, licenseID, id)
	if err != nil || !ok {
		return err
	}
	d.recompute(ctx, licenseID, recipient, ws.EventMessageDeleted)
	return nil
}

// DeleteConversation tombstones every message of the alias set and
// removes the conversation row itself.
func (d *Dispatcher) DeleteConversation(ctx context.Context, licenseID, senderContact string) error {
	aliases, err := d.conv.Aliases(ctx, licenseID, senderContact)
	if err != nil {
		return err
	}
	if err := d.db.SoftDeleteInboxBySenders(ctx, licenseID, aliases); err != nil {
		return err
	}
	if err := d.db.SoftDeleteOutboxByRecipients(ctx, licenseID, aliases); err != nil {
		return err
	}
	return d.conv.Delete(ctx, licenseID, senderContact)
}

func (d *Dispatcher) outboxFromInbox(msg *store.InboxMessage, body string) *store.OutboxMessage {
	out := &store.OutboxMessage{
		LicenseID:      msg.LicenseID,
		InboxMessageID: &msg.ID,
		Channel:        msg.Channel,
		RecipientID:    msg.SenderContact,
		Subject:        msg.Subject,
		Body:           body,
	}
	if strings.Contains(msg.SenderContact, "@") {
		out.RecipientEmail = msg.SenderContact
	}
	return out
}

func (d *Dispatcher) enqueueSend(ctx context.Context, out *store.OutboxMessage) error {
	_, err := d.db.EnqueueTask(ctx, queue.TypeSendOutbox, queue.SendOutboxPayload{
		OutboxID:  out.ID,
		LicenseID: out.LicenseID,
	})
	return err
}

// broadcastSending shows the operator their reply in the chat before it
// hits the wire.
func (d *Dispatcher) broadcastSending(out *store.OutboxMessage) {
	if d.hub == nil {
		return
	}
	d.hub.SendToLicense(out.LicenseID, ws.Event{
		Type: ws.EventMessageStatusUpdate,
		Data: map[string]any{
			"outbox_id":      out.ID,
			"sender_contact": out.RecipientID,
			"status":         "sending",
			"body":           out.Body,
		},
	})
}

func (d *Dispatcher) recompute(ctx context.Context, licenseID, senderContact, event string) {
	if _, err := d.conv.Recompute(ctx, licenseID, senderContact, conversations.Options{Event: event}); err != nil {
		d.log.Warn("conversation recompute failed", "sender", senderContact, logging.Err(err))
	}
}
