package analysis

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/almudeerhq/almudeer/internal/channels"
	"github.com/almudeerhq/almudeer/internal/conversations"
	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/metrics"
	"github.com/almudeerhq/almudeer/internal/queue"
	"github.com/almudeerhq/almudeer/internal/ratelimit"
	"github.com/almudeerhq/almudeer/internal/store"
	"github.com/almudeerhq/almudeer/internal/ws"
)

const (
	historyLimit     = 10
	cooldownDuration = 60 * time.Second
)

// Replier receives the analyzed draft for auto-reply licenses. Satisfied
// by the outbound dispatcher.
type Replier interface {
	AutoReply(ctx context.Context, msg *store.InboxMessage, draft string) error
}

// Orchestrator is the analyze_message task handler. One instance per
// worker process; the capacity-1 semaphore keeps the worker to a single
// in-flight LLM call, which together with the shared cooldown keeps the
// provider RPM low.
type Orchestrator struct {
	db       *store.DB
	limiter  *ratelimit.Limiter
	adapters channels.Registry
	conv     *conversations.Engine
	analyzer Analyzer
	scraper  *Scraper
	tts      TTS
	replier  Replier
	sem      *semaphore.Weighted
	log      *slog.Logger
}

// New wires the orchestrator. tts and replier may be nil; the
// corresponding steps are skipped.
func New(db *store.DB, limiter *ratelimit.Limiter, adapters channels.Registry,
	conv *conversations.Engine, analyzer Analyzer, tts TTS, replier Replier,
	log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		db:       db,
		limiter:  limiter,
		adapters: adapters,
		conv:     conv,
		analyzer: analyzer,
		scraper:  NewScraper(),
		tts:      tts,
		replier:  replier,
		sem:      semaphore.NewWeighted(1),
		log:      log.With(logging.Module("analysis")),
	}
}

// HandleTask is the queue handler for analyze_message.
func (o *Orchestrator) HandleTask(ctx context.Context, task *store.Task) error {
	var payload queue.AnalyzePayload
	if err := queue.DecodePayload(task, &payload); err != nil {
		return queue.Terminal(err)
	}
	return o.Analyze(ctx, &payload)
}

// Analyze runs the full enrichment for one inbox message. A nil return
// completes the task; rate-limited and transient provider failures leave
// the placeholder draft behind so the scheduler's retry pass picks the
// message up again.
func (o *Orchestrator) Analyze(ctx context.Context, p *queue.AnalyzePayload) error {
	msg, err := o.db.InboxByID(ctx, p.LicenseID, p.MessageID)
	if err != nil {
		return err
	}
	if msg == nil || msg.DeletedAt != nil {
		return nil
	}
	// An operator decision or an earlier analysis already landed.
	if msg.Status != "" && msg.Status != store.StatusPending {
		return nil
	}

	allowed, reason, err := o.limiter.Check(ctx, p.LicenseID)
	if err != nil {
		return err
	}
	if !allowed {
		o.log.Info("analysis deferred", "license", p.LicenseID, "message", msg.ID, "reason", reason)
		metrics.AICalls.WithLabelValues("rate_limited").Inc()
		return o.leavePlaceholder(ctx, msg)
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer o.sem.Release(1)

	body := p.Body
	if body == "" {
		body = msg.Body
	}
	atts := p.Attachments
	if len(atts) == 0 {
		atts = msg.Attachments
	}

	req := Request{
		Body:        body,
		SenderName:  msg.SenderName,
		History:     o.history(ctx, msg),
		PageContext: o.pageContext(ctx, body),
	}

	result, err := o.analyzer.Analyze(ctx, req)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			if cerr := o.limiter.SetCooldown(ctx, cooldownDuration); cerr != nil {
				o.log.Warn("cooldown arm failed", logging.Err(cerr))
			}
			metrics.AICalls.WithLabelValues("rate_limited").Inc()
		} else {
			metrics.AICalls.WithLabelValues("error").Inc()
		}
		if perr := o.leavePlaceholder(ctx, msg); perr != nil {
			o.log.Warn("placeholder write failed", logging.Err(perr))
		}
		return err
	}

	draft := result.DraftResponse
	if o.tts != nil && draft != "" && hasAudioInput(atts) {
		if path, terr := o.tts.Synthesize(ctx, p.LicenseID, draft); terr != nil {
			o.log.Warn("tts failed", "message", msg.ID, logging.Err(terr))
		} else {
			draft += "\n[AUDIO: " + path + "]"
		}
	}

	updated, err := o.db.UpdateInboxAnalysis(ctx, msg.ID, store.Analysis{
		Intent:    result.Intent,
		Urgency:   result.Urgency,
		Sentiment: result.Sentiment,
		Language:  result.Language,
		Dialect:   result.Dialect,
		Summary:   result.Summary,
		Draft:     draft,
	})
	if err != nil {
		return err
	}
	if !updated {
		// Lost the race against an operator action; the verdict is
		// discarded on purpose.
		o.log.Info("analysis skipped, status moved on", "message", msg.ID)
		metrics.AICalls.WithLabelValues("ok").Inc()
		return o.limiter.Increment(ctx, p.LicenseID)
	}

	o.linkCustomer(ctx, msg, result)

	if _, err := o.conv.Recompute(ctx, p.LicenseID, msg.SenderContact, conversations.Options{
		SenderName: msg.SenderName,
		Channel:    msg.Channel,
		Event:      ws.EventMessageStatusUpdate,
	}); err != nil {
		o.log.Warn("conversation recompute failed", "message", msg.ID, logging.Err(err))
	}

	if p.AutoReply && draft != "" && o.replier != nil {
		o.markReadBestEffort(ctx, msg)
		if err := o.replier.AutoReply(ctx, msg, draft); err != nil {
			o.log.Error("auto-reply handoff failed", "message", msg.ID, logging.Err(err))
		}
	}

	metrics.AICalls.WithLabelValues("ok").Inc()
	return o.limiter.Increment(ctx, p.LicenseID)
}

// leavePlaceholder keeps the Arabic pending marker in the draft column
// so the operator UI shows progress and the retry pass finds the row.
func (o *Orchestrator) leavePlaceholder(ctx context.Context, msg *store.InboxMessage) error {
	if msg.AIDraftResponse != "" && msg.AIDraftResponse != store.DraftPlaceholder {
		return nil
	}
	return o.db.SetInboxDraft(ctx, msg.ID, store.DraftPlaceholder)
}

// history renders the last exchanges with this sender's alias set as
// User/Agent lines, oldest first.
func (o *Orchestrator) history(ctx context.Context, msg *store.InboxMessage) []string {
	aliases, err := o.conv.Aliases(ctx, msg.LicenseID, msg.SenderContact)
	if err != nil {
		o.log.Warn("alias resolution failed", "message", msg.ID, logging.Err(err))
		aliases = []string{msg.SenderContact}
	}
	entries, err := o.db.RecentHistory(ctx, msg.LicenseID, aliases, historyLimit)
	if err != nil {
		o.log.Warn("history fetch failed", "message", msg.ID, logging.Err(err))
		return nil
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		role := "Agent"
		if e.FromUser {
			role = "User"
		}
		lines = append(lines, role+": "+e.Body)
	}
	return lines
}

// pageContext scrapes at most one URL from the body. Best-effort.
func (o *Orchestrator) pageContext(ctx context.Context, body string) string {
	url := FirstURL(body)
	if url == "" {
		return ""
	}
	text, err := o.scraper.Fetch(ctx, url)
	if err != nil {
		o.log.Info("url scrape failed", "url", url, logging.Err(err))
		return ""
	}
	return text
}

// linkCustomer upserts the CRM projection and folds the verdict into the
// lead score. Failures never fail the analysis.
func (o *Orchestrator) linkCustomer(ctx context.Context, msg *store.InboxMessage, result *Result) {
	email, phone := contactIdentity(msg.SenderContact)
	if email == "" && phone == "" {
		return
	}
	customer, err := o.db.UpsertCustomerByContact(ctx, msg.LicenseID, msg.SenderName, email, phone)
	if err != nil {
		o.log.Warn("customer upsert failed", "message", msg.ID, logging.Err(err))
		return
	}
	if err := o.db.LinkCustomerMessage(ctx, customer.ID, msg.ID); err != nil {
		o.log.Warn("customer link failed", "customer", customer.ID, logging.Err(err))
	}
	if err := o.db.ApplyLeadScore(ctx, customer.ID, result.Intent, result.Sentiment); err != nil {
		o.log.Warn("lead score update failed", "customer", customer.ID, logging.Err(err))
	}
}

// markReadBestEffort flags the sender's messages read on the platform
// before the auto-reply goes out. Errors are swallowed.
func (o *Orchestrator) markReadBestEffort(ctx context.Context, msg *store.InboxMessage) {
	adapter := o.adapters.For(msg.Channel)
	if adapter == nil {
		return
	}
	cred, err := o.db.CredentialFor(ctx, msg.LicenseID, msg.Channel)
	if err != nil || cred == nil {
		return
	}
	if err := adapter.MarkRead(ctx, cred, msg.SenderContact, msg.ChannelMessageID); err != nil &&
		!errors.Is(err, channels.ErrNotSupported) {
		o.log.Info("mark read failed", "message", msg.ID, logging.Err(err))
	}
}

// contactIdentity splits a sender_contact into the customer identity
// columns: anything with an @ is an email, a leading + or an all-digit
// string is a phone, platform aliases (tg:…) are neither.
func contactIdentity(contact string) (email, phone string) {
	if strings.Contains(contact, "@") {
		return contact, ""
	}
	trimmed := strings.TrimPrefix(contact, "+")
	if trimmed != "" && isDigits(trimmed) {
		return "", contact
	}
	return "", ""
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// hasAudioInput reports whether the customer sent voice or audio, which
// is the cue to answer in kind.
func hasAudioInput(atts []store.Attachment) bool {
	for _, a := range atts {
		if a.Type == store.AttachmentAudio || a.Type == store.AttachmentVoice {
			return true
		}
	}
	return false
}
