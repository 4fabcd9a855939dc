package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/almudeerhq/almudeer/internal/channels"
	"github.com/almudeerhq/almudeer/internal/channels/telegramuser"
	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/store"
	"github.com/almudeerhq/almudeer/internal/ws"
)

const receiptWindow = 24 * time.Hour

// deliveryRank orders the projection for the monotonicity check.
var deliveryRank = map[string]int{
	"":                      0,
	store.DeliverySent:      1,
	store.DeliveryDelivered: 2,
	store.DeliveryRead:      3,
}

// UpdateDeliveryStatus folds one platform receipt into the outbox.
// Unknown platform ids are dropped silently (receipts for messages sent
// outside the engine). Backward moves are dropped; failed always writes.
func (d *Dispatcher) UpdateDeliveryStatus(ctx context.Context, platformID, status string) error {
	row, err := d.db.OutboxByPlatformID(ctx, platformID)
	if err != nil {
		return err
	}
	if row == nil || row.DeletedAt != nil {
		return nil
	}

	// The CAS on the previous value makes racing receipt handlers
	// serialize; one re-read absorbs a single lost race.
	current := row.DeliveryStatus
	for attempt := 0; attempt < 2; attempt++ {
		if current == store.DeliveryFailed {
			return nil
		}
		if status != store.DeliveryFailed {
			if deliveryRank[status] <= deliveryRank[current] {
				return nil
			}
		}
		ok, err := d.db.SetDeliveryStatus(ctx, row.ID, status, current)
		if err != nil {
			return err
		}
		if ok {
			d.broadcastDelivery(row, status)
			d.recompute(ctx, row.LicenseID, row.RecipientID, ws.EventMessageStatusUpdate)
			return nil
		}
		fresh, err := d.db.OutboxByID(ctx, row.LicenseID, row.ID)
		if err != nil || fresh == nil {
			return err
		}
		current = fresh.DeliveryStatus
	}
	return nil
}

// ApplyStatusEvents feeds webhook receipts (WhatsApp statuses) through
// the reconciler.
func (d *Dispatcher) ApplyStatusEvents(ctx context.Context, events []channels.StatusEvent) {
	for _, ev := range events {
		if err := d.UpdateDeliveryStatus(ctx, ev.PlatformMessageID, ev.Status); err != nil {
			d.log.Warn("delivery update failed", "platform_id", ev.PlatformMessageID, logging.Err(err))
		}
	}
}

// PollTelegramReceipts runs the per-cycle read-receipt poll for one
// license: recent telegram replies still below read are checked against
// the account's dialog read marks.
func (d *Dispatcher) PollTelegramReceipts(ctx context.Context, licenseID string) {
	adapter := d.adapters.For(store.ChannelTelegramUser)
	if adapter == nil {
		return
	}
	candidates, err := d.db.TelegramReceiptCandidates(ctx, licenseID, receiptWindow)
	if err != nil {
		d.log.Error("receipt candidates failed", "license", licenseID, logging.Err(err))
		return
	}
	if len(candidates) == 0 {
		return
	}
	cred, err := d.db.CredentialFor(ctx, licenseID, store.ChannelTelegramUser)
	if err != nil || cred == nil {
		return
	}

	keys := make([]string, 0, len(candidates))
	for _, c := range candidates {
		keys = append(keys, c.PlatformMessageID)
	}
	receipts, err := adapter.PollReceipts(ctx, cred, keys)
	if err != nil && !errors.Is(err, channels.ErrNotSupported) {
		d.log.Warn("receipt poll failed", "license", licenseID, logging.Err(err))
		return
	}
	for key, status := range receipts {
		if err := d.UpdateDeliveryStatus(ctx, key, status); err != nil {
			d.log.Warn("receipt commit failed", "platform_id", key, logging.Err(err))
		}
	}
}

// ApplyReadReceipt handles a live read event from the MTProto listener:
// the peer read our history up to maxID.
func (d *Dispatcher) ApplyReadReceipt(ctx context.Context, licenseID string, peerID int64, maxID int) {
	candidates, err := d.db.TelegramReceiptCandidates(ctx, licenseID, receiptWindow)
	if err != nil {
		d.log.Error("receipt candidates failed", "license", licenseID, logging.Err(err))
		return
	}
	for _, c := range candidates {
		keyPeer, msgID, ok := telegramuser.SplitReceiptKey(c.PlatformMessageID)
		if !ok || keyPeer != peerID || msgID > maxID {
			continue
		}
		if err := d.UpdateDeliveryStatus(ctx, c.PlatformMessageID, store.DeliveryRead); err != nil {
			d.log.Warn("receipt commit failed", "platform_id", c.PlatformMessageID, logging.Err(err))
		}
	}
}

func (d *Dispatcher) broadcastDelivery(row *store.OutboxMessage, status string) {
	if d.hub == nil {
		return
	}
	d.hub.SendToLicense(row.LicenseID, ws.Event{
		Type: ws.EventMessageStatusUpdate,
		Data: map[string]any{
			"outbox_id":           row.ID,
			"sender_contact":      row.RecipientID,
			"platform_message_id": row.PlatformMessageID,
			"delivery_status":     status,
		},
	})
}
