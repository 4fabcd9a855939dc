package dispatch

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/almudeerhq/almudeer/internal/channels"
	"github.com/almudeerhq/almudeer/internal/channels/telegramuser"
	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/metrics"
	"github.com/almudeerhq/almudeer/internal/queue"
	"github.com/almudeerhq/almudeer/internal/store"
	"github.com/almudeerhq/almudeer/internal/ws"
)

var audioTagPattern = regexp.MustCompile(`\n?\[AUDIO: ([^\]]+)\]`)

// splitAudioTag separates the text part from the synthesized audio path.
// When audio is present only the audio goes out.
func splitAudioTag(body string) (text, audioPath string) {
	m := audioTagPattern.FindStringSubmatch(body)
	if m == nil {
		return body, ""
	}
	return strings.TrimSpace(audioTagPattern.ReplaceAllString(body, "")), m[1]
}

// HandleSendTask is the queue handler for send_outbox.
func (d *Dispatcher) HandleSendTask(ctx context.Context, task *store.Task) error {
	var payload queue.SendOutboxPayload
	if err := queue.DecodePayload(task, &payload); err != nil {
		return queue.Terminal(err)
	}
	return d.Send(ctx, payload.LicenseID, payload.OutboxID)
}

// Send pushes one approved reply through its transport. Transport
// failures park the row as failed rather than retrying; the operator
// re-sends from the conversation view.
func (d *Dispatcher) Send(ctx context.Context, licenseID string, outboxID int64) error {
	row, err := d.db.OutboxByID(ctx, licenseID, outboxID)
	if err != nil {
		return err
	}
	if row == nil || row.DeletedAt != nil || row.Status == store.StatusSent {
		return nil
	}

	adapter := d.adapters.For(row.Channel)
	if adapter == nil {
		return d.fail(ctx, row, "no adapter for channel "+row.Channel)
	}
	cred, err := d.db.CredentialFor(ctx, licenseID, row.Channel)
	if err != nil {
		return err
	}
	if cred == nil {
		return d.fail(ctx, row, "no active credential for channel "+row.Channel)
	}

	var inbox *store.InboxMessage
	if row.InboxMessageID != nil {
		if inbox, err = d.db.InboxByID(ctx, licenseID, *row.InboxMessageID); err != nil {
			d.log.Warn("reply context lookup failed", "outbox", row.ID, logging.Err(err))
		}
	}
	replyTo := ""
	if inbox != nil {
		replyTo = inbox.ChannelMessageID
	}

	text, audioPath := splitAudioTag(row.Body)
	var platformID string
	if audioPath != "" {
		platformID, err = adapter.SendMedia(ctx, cred, row.RecipientID, store.Attachment{
			Type: store.AttachmentVoice,
			Path: audioPath,
		})
	} else {
		platformID, err = adapter.SendText(ctx, cred, row.RecipientID, text, replyTo)
	}
	if err != nil {
		metrics.OutboxSends.WithLabelValues(row.Channel, "failed").Inc()
		return d.fail(ctx, row, err.Error())
	}

	// Extra attachments ride along after the primary part. Their send
	// errors do not fail an already delivered reply.
	for _, att := range row.Attachments {
		if att.Path == audioPath && audioPath != "" {
			continue
		}
		if _, aerr := adapter.SendMedia(ctx, cred, row.RecipientID, att); aerr != nil {
			d.log.Warn("attachment send failed", "outbox", row.ID, logging.Err(aerr))
		}
	}

	if platformID != "" {
		if key := receiptKeyFor(row.Channel, inbox, platformID); key != "" {
			platformID = key
		}
		if err := d.db.SetOutboxPlatformID(ctx, row.ID, platformID); err != nil {
			d.log.Warn("platform id persist failed", "outbox", row.ID, logging.Err(err))
		}
	}
	if err := d.db.MarkOutboxSent(ctx, row.ID); err != nil {
		return err
	}
	metrics.OutboxSends.WithLabelValues(row.Channel, "ok").Inc()

	d.reactBestEffort(ctx, adapter, cred, inbox)
	d.recompute(ctx, licenseID, row.RecipientID, ws.EventMessageStatusUpdate)
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, row *store.OutboxMessage, reason string) error {
	d.log.Error("send failed", "outbox", row.ID, "channel", row.Channel, "reason", reason)
	if err := d.db.MarkOutboxFailed(ctx, row.ID, reason); err != nil {
		return err
	}
	if d.hub != nil {
		d.hub.SendToLicense(row.LicenseID, ws.Event{
			Type: ws.EventMessageStatusUpdate,
			Data: map[string]any{
				"outbox_id":      row.ID,
				"sender_contact": row.RecipientID,
				"status":         store.DeliveryFailed,
				"error":          reason,
			},
		})
	}
	d.recompute(ctx, row.LicenseID, row.RecipientID, ws.EventMessageStatusUpdate)
	return nil
}

// receiptKeyFor turns a raw telegram message id into the peer-scoped
// receipt key the read-receipt poll correlates on. Other channels keep
// the platform's own id.
func receiptKeyFor(channel string, inbox *store.InboxMessage, platformID string) string {
	if channel != store.ChannelTelegramUser || inbox == nil {
		return ""
	}
	peerID, err := strconv.ParseInt(inbox.SenderID, 10, 64)
	if err != nil {
		return ""
	}
	msgID, err := strconv.Atoi(platformID)
	if err != nil {
		return ""
	}
	return telegramuser.ReceiptKey(peerID, msgID)
}

// reactBestEffort puts a small acknowledgement emoji on the customer's
// message after the reply goes out. Errors are swallowed.
func (d *Dispatcher) reactBestEffort(ctx context.Context, adapter channels.Adapter, cred *store.Credential, inbox *store.InboxMessage) {
	if inbox == nil {
		return
	}
	reactor, ok := adapter.(channels.Reactor)
	if !ok {
		return
	}
	emoji := "👍"
	if inbox.Sentiment == "positive" {
		emoji = "❤️"
	}
	if err := reactor.React(ctx, cred, inbox.SenderContact, inbox.ChannelMessageID, emoji); err != nil {
		d.log.Info("reaction failed", "message", inbox.ID, logging.Err(err))
		return
	}
	if d.hub != nil {
		d.hub.SendToLicense(inbox.LicenseID, ws.Event{
			Type: ws.EventReactionAdded,
			Data: map[string]any{
				"message_id": inbox.ID,
				"emoji":      emoji,
			},
		})
	}
}
