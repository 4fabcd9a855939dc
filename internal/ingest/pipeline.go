// Package ingest moves inbound traffic from the transports into the
// inbox: dedup, existence check, filter chain, persistence, burst
// grouping and the analyze-task handoff. The polling scheduler and the
// webhook handlers both funnel through the same Pipeline.
package ingest

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/almudeerhq/almudeer/internal/channels"
	"github.com/almudeerhq/almudeer/internal/conversations"
	"github.com/almudeerhq/almudeer/internal/dedup"
	"github.com/almudeerhq/almudeer/internal/filter"
	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/metrics"
	"github.com/almudeerhq/almudeer/internal/queue"
	"github.com/almudeerhq/almudeer/internal/store"
	"github.com/almudeerhq/almudeer/internal/ws"
)

// duplicateWindow bounds the same-sender same-prefix filter rule.
const duplicateWindow = 10 * time.Minute

// smallImagePreview is the cap under which downloaded images also get
// an inline base64 preview.
const smallImagePreview = 200 << 10

// Pipeline is the shared ingestion path.
type Pipeline struct {
	db        *store.DB
	adapters  channels.Registry
	dedup     *dedup.Cache
	conv      *conversations.Engine
	uploadDir string
	log       *slog.Logger
}

// NewPipeline wires the ingestion path.
func NewPipeline(db *store.DB, adapters channels.Registry, dd *dedup.Cache, conv *conversations.Engine, uploadDir string, log *slog.Logger) *Pipeline {
	return &Pipeline{
		db:        db,
		adapters:  adapters,
		dedup:     dd,
		conv:      conv,
		uploadDir: uploadDir,
		log:       log.With(logging.Module("ingest")),
	}
}

// HandleWebhook parses one push payload and runs its messages through
// the batch pipeline. Delivery statuses are returned untouched for the
// dispatch reconciler; the caller answers the webhook 200 regardless.
func (p *Pipeline) HandleWebhook(ctx context.Context, cred *store.Credential, payload []byte) (*channels.WebhookResult, error) {
	adapter := p.adapters.For(cred.Channel)
	if adapter == nil {
		return nil, fmt.Errorf("no adapter for channel %q", cred.Channel)
	}
	res, err := adapter.ParseWebhook(payload)
	if err != nil {
		return nil, err
	}
	if len(res.Messages) > 0 {
		if err := p.IngestBatch(ctx, cred, res.Messages); err != nil {
			p.log.Error("webhook batch failed", "license", cred.LicenseID, logging.Err(err))
		}
	}
	return res, nil
}

// IngestBatch runs one batch of normalized messages through dedup,
// existence, filter and persistence, then bursts and enqueues analysis.
func (p *Pipeline) IngestBatch(ctx context.Context, cred *store.Credential, msgs []channels.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	rules, err := p.db.FilterRules(ctx, cred.LicenseID)
	if err != nil {
		return err
	}

	var persisted []*store.InboxMessage
	for i := range msgs {
		msg := &msgs[i]
		if msg.Outgoing {
			p.syncOutgoing(ctx, cred.LicenseID, msg)
			continue
		}
		row, ok := p.ingestOne(ctx, cred, msg, rules)
		if ok {
			persisted = append(persisted, row)
		}
	}
	return p.burstAndEnqueue(ctx, cred, persisted)
}

func (p *Pipeline) ingestOne(ctx context.Context, cred *store.Credential, msg *channels.Message, rules map[string][]string) (*store.InboxMessage, bool) {
	licenseID := cred.LicenseID

	if p.dedup.IsDuplicate(msg.Channel, msg.ChannelMessageID) {
		metrics.DuplicateMessages.WithLabelValues(msg.Channel).Inc()
		return nil, false
	}
	if msg.ChannelMessageID != "" {
		exists, err := p.db.InboxExists(ctx, licenseID, msg.Channel, msg.ChannelMessageID)
		if err != nil {
			p.log.Error("existence check failed", logging.Err(err))
			return nil, false
		}
		if exists {
			metrics.DuplicateMessages.WithLabelValues(msg.Channel).Inc()
			return nil, false
		}
	}

	recentDup, err := p.db.HasRecentSameBody(ctx, licenseID, msg.SenderContact,
		filter.BodyPrefix(msg.Body), duplicateWindow)
	if err != nil {
		p.log.Warn("duplicate-window lookup failed", logging.Err(err))
	}
	pass, reason := filter.Apply(*msg, filter.Context{
		BlockedSenders:  rules[store.FilterBlockedSender],
		BlockedKeywords: rules[store.FilterKeywordBlock],
		AllowedKeywords: rules[store.FilterKeywordAllow],
		RecentDuplicate: recentDup,
	})
	if !pass {
		metrics.FilteredMessages.WithLabelValues(msg.Channel, reason).Inc()
		p.log.Debug("message filtered", "channel", msg.Channel, "reason", reason)
		return nil, false
	}

	p.resolveMedia(ctx, cred, msg)

	row := &store.InboxMessage{
		LicenseID:        licenseID,
		Channel:          msg.Channel,
		ChannelMessageID: msg.ChannelMessageID,
		SenderID:         msg.SenderID,
		SenderContact:    msg.SenderContact,
		SenderName:       msg.SenderName,
		Subject:          msg.Subject,
		Body:             msg.Body,
		Attachments:      msg.Attachments,
		ReceivedAt:       msg.ReceivedAt,
		Status:           store.StatusPending,
	}
	dup, err := p.db.InsertInboxMessage(ctx, row)
	if err != nil {
		p.log.Error("persist failed", "channel", msg.Channel, logging.Err(err))
		return nil, false
	}
	if dup {
		metrics.DuplicateMessages.WithLabelValues(msg.Channel).Inc()
		return nil, false
	}
	metrics.IngestedMessages.WithLabelValues(msg.Channel).Inc()

	if _, err := p.conv.Recompute(ctx, licenseID, msg.SenderContact, conversations.Options{
		SenderName: msg.SenderName,
		Channel:    msg.Channel,
		Event:      ws.EventNewMessage,
	}); err != nil {
		p.log.Warn("conversation recompute failed", logging.Err(err))
	}
	return row, true
}

// resolveMedia downloads webhook-referenced media through the adapter's
// credentialed fetch path and lands it in the upload dir. Attachments
// already carrying bytes or flagged as skipped stay untouched.
func (p *Pipeline) resolveMedia(ctx context.Context, cred *store.Credential, msg *channels.Message) {
	fetcher, ok := p.adapters.For(msg.Channel).(channels.MediaFetcher)
	if !ok {
		return
	}
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		if att.PlatformMediaID == "" || att.Path != "" || att.Status == store.MediaSkipped {
			continue
		}
		data, mime, err := fetcher.FetchMedia(ctx, cred, att.PlatformMediaID)
		if err != nil {
			p.log.Warn("media fetch failed", "channel", msg.Channel,
				"media", att.PlatformMediaID, logging.Err(err))
			att.Status = store.MediaSkipped
			continue
		}
		if mime != "" {
			att.Mime = mime
		}
		att.Size = int64(len(data))

		dir := filepath.Join(p.uploadDir, msg.Channel)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			p.log.Warn("upload dir failed", logging.Err(err))
			continue
		}
		dest := filepath.Join(dir, fmt.Sprintf("%s_%d%s", safeName(msg.ChannelMessageID), i, extFor(att)))
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			p.log.Warn("media write failed", logging.Err(err))
			continue
		}
		att.Path = dest
		if att.Type == store.AttachmentImage && len(data) < smallImagePreview {
			att.Base64 = base64.StdEncoding.EncodeToString(data)
		}
	}
}

// syncOutgoing records a message the operator sent from the linked
// account itself, so the conversation view stays complete. Only peers
// we can address get a row; the rest are logged and dropped.
func (p *Pipeline) syncOutgoing(ctx context.Context, licenseID string, msg *channels.Message) {
	if msg.SenderContact == "" {
		p.log.Debug("outbound sync without a peer, dropped", "channel", msg.Channel)
		return
	}
	out := &store.OutboxMessage{
		LicenseID:         licenseID,
		Channel:           msg.Channel,
		RecipientID:       msg.SenderContact,
		Subject:           msg.Subject,
		Body:              msg.Body,
		Attachments:       msg.Attachments,
		PlatformMessageID: msg.ChannelMessageID,
	}
	if err := p.db.CreateOutbox(ctx, out); err != nil {
		p.log.Warn("outbound sync persist failed", logging.Err(err))
		return
	}
	if err := p.db.MarkOutboxSent(ctx, out.ID); err != nil {
		p.log.Warn("outbound sync mark-sent failed", logging.Err(err))
	}
	if _, err := p.conv.Recompute(ctx, licenseID, msg.SenderContact, conversations.Options{
		Channel: msg.Channel,
	}); err != nil {
		p.log.Warn("conversation recompute failed", logging.Err(err))
	}
}

func safeName(s string) string {
	if s == "" {
		return "media"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func extFor(att *store.Attachment) string {
	switch att.Type {
	case store.AttachmentImage:
		return ".jpg"
	case store.AttachmentVoice, store.AttachmentAudio:
		return ".ogg"
	case store.AttachmentVideo:
		return ".mp4"
	default:
		return ".bin"
	}
}

// burstAndEnqueue groups the batch by sender. Rapid-fire fragments from
// one sender collapse into a single analyze task on the last message;
// the earlier rows are marked merged and keep their full record.
func (p *Pipeline) burstAndEnqueue(ctx context.Context, cred *store.Credential, batch []*store.InboxMessage) error {
	groups := make(map[string][]*store.InboxMessage)
	order := make([]string, 0, len(batch))
	for _, m := range batch {
		if _, seen := groups[m.SenderContact]; !seen {
			order = append(order, m.SenderContact)
		}
		groups[m.SenderContact] = append(groups[m.SenderContact], m)
	}

	for _, sender := range order {
		group := groups[sender]
		sortByReceived(group)

		if len(group) == 1 {
			if err := p.enqueueAnalyze(ctx, cred, group[0], group[0].Body, group[0].Attachments); err != nil {
				return err
			}
			continue
		}

		var (
			concat string
			atts   []store.Attachment
		)
		for i, m := range group {
			concat += fmt.Sprintf("[%s] %s", m.ReceivedAt.Format("15:04"), m.Body)
			if i < len(group)-1 {
				concat += "\n"
			}
			atts = append(atts, m.Attachments...)
			if i < len(group)-1 {
				if err := p.db.MarkInboxMerged(ctx, m.ID, store.MergedSummary); err != nil {
					p.log.Warn("merge mark failed", "id", m.ID, logging.Err(err))
				}
			}
		}
		last := group[len(group)-1]
		if err := p.enqueueAnalyze(ctx, cred, last, concat, atts); err != nil {
			return err
		}
		if _, err := p.conv.Recompute(ctx, cred.LicenseID, sender, conversations.Options{
			Channel: last.Channel,
		}); err != nil {
			p.log.Warn("conversation recompute failed", logging.Err(err))
		}
	}
	return nil
}

func (p *Pipeline) enqueueAnalyze(ctx context.Context, cred *store.Credential, m *store.InboxMessage, body string, atts []store.Attachment) error {
	_, err := p.db.EnqueueTask(ctx, queue.TypeAnalyzeMessage, queue.AnalyzePayload{
		MessageID:   m.ID,
		LicenseID:   m.LicenseID,
		Body:        body,
		AutoReply:   cred.AutoReply,
		Attachments: atts,
	})
	if err != nil {
		return fmt.Errorf("enqueue analyze for message %d: %w", m.ID, err)
	}
	return nil
}

func sortByReceived(group []*store.InboxMessage) {
	sort.SliceStable(group, func(i, j int) bool {
		return group[i].ReceivedAt.Before(group[j].ReceivedAt)
	})
}
