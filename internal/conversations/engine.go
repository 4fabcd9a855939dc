// Package conversations maintains the denormalized per-sender summary
// rows. The engine never trusts a cached value: every recompute rebuilds
// the row from inbox and outbox truth, so racing recomputes are safe
// (last writer wins with identical or fresher data).
package conversations

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/store"
	"github.com/almudeerhq/almudeer/internal/ws"
)

// Media glyphs substituted for an empty body in the conversation preview.
const (
	previewVoice    = "🎙️ تسجيل صوتي"
	previewImage    = "📷 صورة"
	previewVideo    = "🎥 فيديو"
	previewDocument = "📁 ملف"
)

var numericContact = regexp.MustCompile(`^\+?\d+$`)

// Engine recomputes conversation rows and broadcasts the result.
type Engine struct {
	db  *store.DB
	hub *ws.Hub
	log *slog.Logger
}

// New builds the engine. hub may be nil in tests; broadcasts are then
// skipped.
func New(db *store.DB, hub *ws.Hub, log *slog.Logger) *Engine {
	return &Engine{db: db, hub: hub, log: log.With(logging.Module("conversations"))}
}

// Options carries the optional context a mutation knows about the sender.
type Options struct {
	SenderName string
	Channel    string

	// Event overrides the broadcast type; empty means
	// message_status_update.
	Event string
}

// Aliases resolves the equivalence set for one contact: every
// sender_contact string the same logical peer has appeared under. A
// telegram user may show up as "+<phone>", "<username>", "tg:<id>" and
// "<id>"; queries over the conversation must union all of them.
func (e *Engine) Aliases(ctx context.Context, licenseID, contact string) ([]string, error) {
	identifiers := seedIdentifiers(contact)

	pairs, err := e.db.AliasPairs(ctx, licenseID, identifiers)
	if err != nil {
		return nil, fmt.Errorf("resolve aliases for %s: %w", contact, err)
	}

	seen := make(map[string]struct{}, len(identifiers))
	var out []string
	add := func(s string) {
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, id := range identifiers {
		add(id)
	}
	for _, p := range pairs {
		add(p.SenderContact)
		add(p.SenderID)
		add("tg:" + p.SenderID)
	}
	return out, nil
}

// seedIdentifiers expands one contact into the forms it may be stored
// under before the database union.
func seedIdentifiers(contact string) []string {
	ids := []string{contact}
	if stripped, ok := strings.CutPrefix(contact, "tg:"); ok {
		ids = append(ids, stripped)
	} else if numericContact.MatchString(contact) {
		// A purely numeric contact may also be a platform sender id.
		ids = append(ids, "tg:"+contact)
		if trimmed, ok := strings.CutPrefix(contact, "+"); ok {
			ids = append(ids, trimmed)
		}
	}
	return ids
}

// Recompute rebuilds the conversation row for (license, contact) and
// broadcasts the change. Idempotent; call after every inbox or outbox
// mutation that could affect the sender.
func (e *Engine) Recompute(ctx context.Context, licenseID, senderContact string, opt Options) (*store.Conversation, error) {
	aliases, err := e.Aliases(ctx, licenseID, senderContact)
	if err != nil {
		return nil, err
	}

	unread, err := e.db.CountUnread(ctx, licenseID, aliases)
	if err != nil {
		return nil, err
	}
	inCount, err := e.db.CountInboxVisible(ctx, licenseID, aliases)
	if err != nil {
		return nil, err
	}
	outCount, err := e.db.CountOutbox(ctx, licenseID, aliases)
	if err != nil {
		return nil, err
	}

	lastIn, err := e.db.LatestInboxForSenders(ctx, licenseID, aliases)
	if err != nil {
		return nil, err
	}
	lastOut, err := e.db.LatestOutboxForRecipients(ctx, licenseID, aliases)
	if err != nil {
		return nil, err
	}

	conv := &store.Conversation{
		LicenseID:     licenseID,
		SenderContact: senderContact,
		SenderName:    opt.SenderName,
		Channel:       opt.Channel,
		UnreadCount:   unread,
		MessageCount:  inCount + outCount,
	}

	switch {
	case lastIn == nil && lastOut == nil:
		// Nothing visible remains. Keep the row present with zeroed
		// counts unless it never existed; the UI hides it only when the
		// conversation is explicitly deleted.
		existing, err := e.db.ConversationBySender(ctx, licenseID, senderContact)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, nil
		}
		conv.SenderName = coalesce(opt.SenderName, existing.SenderName)
		conv.Channel = coalesce(opt.Channel, existing.Channel)
		conv.UnreadCount, conv.MessageCount = 0, 0

	case lastOut == nil || (lastIn != nil && !lastIn.EffectiveTime().Before(lastOut.EffectiveTime())):
		ts := lastIn.EffectiveTime()
		conv.LastMessageID = &lastIn.ID
		conv.LastMessageAt = &ts
		conv.LastMessageBody = preview(lastIn.Body, lastIn.Attachments)
		conv.LastMessageAISummary = lastIn.AISummary
		conv.Status = lastIn.Status
		conv.SenderName = coalesce(opt.SenderName, lastIn.SenderName)
		conv.Channel = coalesce(opt.Channel, lastIn.Channel)

	default:
		ts := lastOut.EffectiveTime()
		conv.LastMessageID = &lastOut.ID
		conv.LastMessageAt = &ts
		conv.LastMessageBody = preview(lastOut.Body, lastOut.Attachments)
		conv.Status = lastOut.Status
		conv.Channel = coalesce(opt.Channel, lastOut.Channel)
		if conv.SenderName == "" && lastIn != nil {
			conv.SenderName = lastIn.SenderName
		}
	}

	if err := e.db.UpsertConversation(ctx, conv); err != nil {
		return nil, err
	}

	e.broadcast(licenseID, conv, opt.Event)
	return conv, nil
}

// Delete removes the conversation row after an explicit operator delete;
// the message tombstones stay behind.
func (e *Engine) Delete(ctx context.Context, licenseID, senderContact string) error {
	if err := e.db.DeleteConversation(ctx, licenseID, senderContact); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if e.hub != nil {
		e.hub.SendToLicense(licenseID, ws.Event{
			Type: ws.EventConversationDeleted,
			Data: map[string]any{"sender_contact": senderContact},
		})
	}
	return nil
}

func (e *Engine) broadcast(licenseID string, conv *store.Conversation, event string) {
	if e.hub == nil {
		return
	}
	if event == "" {
		event = ws.EventMessageStatusUpdate
	}
	data := map[string]any{
		"sender_contact":    conv.SenderContact,
		"sender_name":       conv.SenderName,
		"channel":           conv.Channel,
		"status":            conv.Status,
		"unread_count":      conv.UnreadCount,
		"message_count":     conv.MessageCount,
		"last_message_body": conv.LastMessageBody,
	}
	if conv.LastMessageID != nil {
		data["last_message_id"] = *conv.LastMessageID
	}
	if conv.LastMessageAt != nil {
		data["last_message_at"] = conv.LastMessageAt.UTC()
	}
	e.hub.SendToLicense(licenseID, ws.Event{Type: event, Data: data})
}

// preview picks the list text for a message: the body, or a media glyph
// when the body is empty and attachments exist.
func preview(body string, atts []store.Attachment) string {
	if strings.TrimSpace(body) != "" {
		return body
	}
	if len(atts) == 0 {
		return body
	}
	switch atts[0].Type {
	case store.AttachmentVoice, store.AttachmentAudio:
		return previewVoice
	case store.AttachmentImage:
		return previewImage
	case store.AttachmentVideo:
		return previewVideo
	default:
		return previewDocument
	}
}

func coalesce(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
