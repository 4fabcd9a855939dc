package ingest

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/almudeerhq/almudeer/internal/channels"
	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/queue"
	"github.com/almudeerhq/almudeer/internal/ratelimit"
	"github.com/almudeerhq/almudeer/internal/store"
)

const (
	maxSinceHours     = 720
	backfillLimit     = 500
	excludeIDWindow   = 500
	placeholderWindow = 24 * time.Hour
)

// Scheduler drives the polling transports: every cycle it walks the
// active licenses with a random stagger, polls each poll-capable
// credential through the shared pipeline and runs the placeholder
// retry pass.
type Scheduler struct {
	pipe         *Pipeline
	limiter      *ratelimit.Limiter
	interval     time.Duration
	backfillDays int
	log          *slog.Logger

	// stagger sleeps between licenses; replaced in tests.
	stagger func(ctx context.Context)
}

// NewScheduler builds the polling loop.
func NewScheduler(pipe *Pipeline, limiter *ratelimit.Limiter, interval time.Duration, backfillDays int, log *slog.Logger) *Scheduler {
	return &Scheduler{
		pipe:         pipe,
		limiter:      limiter,
		interval:     interval,
		backfillDays: backfillDays,
		log:          log.With(logging.Module("scheduler")),
		stagger: func(ctx context.Context) {
			wait := 10*time.Second + time.Duration(rand.Int64N(int64(5*time.Second)))
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
		},
	}
}

// Run cycles until the context ends. The interval gets a small jitter
// so multiple workers against one database spread out.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started", "interval", s.interval)
	for {
		s.Cycle(ctx)

		jitter := time.Duration(rand.Int64N(int64(s.interval / 10)))
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case <-time.After(s.interval + jitter):
		}
	}
}

// Cycle runs one full poll pass. Exported so the admin API can trigger
// an immediate poll.
func (s *Scheduler) Cycle(ctx context.Context) {
	licenses, err := s.pipe.db.ActiveLicenses(ctx)
	if err != nil {
		s.log.Error("license enumeration failed", logging.Err(err))
		return
	}

	retried := make(map[int64]struct{})
	for i := range licenses {
		lic := &licenses[i]
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			s.stagger(ctx)
		}
		s.pollLicense(ctx, lic)
		s.retryPlaceholders(ctx, lic.ID, retried)
	}
}

func (s *Scheduler) pollLicense(ctx context.Context, lic *store.License) {
	creds, err := s.pipe.db.ActiveCredentials(ctx, lic.ID)
	if err != nil {
		s.log.Error("credential enumeration failed", "license", lic.ID, logging.Err(err))
		return
	}
	for i := range creds {
		cred := &creds[i]
		adapter := s.pipe.adapters.For(cred.Channel)
		if adapter == nil {
			continue
		}
		s.pollCredential(ctx, cred, adapter)
	}
}

func (s *Scheduler) pollCredential(ctx context.Context, cred *store.Credential, adapter channels.Adapter) {
	opts := s.fetchOptions(cred)
	exclude, err := s.pipe.db.RecentChannelMessageIDs(ctx, cred.LicenseID, cred.Channel, excludeIDWindow)
	if err != nil {
		s.log.Warn("exclude-id lookup failed", logging.Err(err))
	}
	opts.ExcludeIDs = exclude

	msgs, err := adapter.FetchNew(ctx, cred, opts)
	if errors.Is(err, channels.ErrNotSupported) {
		return
	}
	if err != nil {
		s.log.Error("poll failed", "license", cred.LicenseID, "channel", cred.Channel, logging.Err(err))
		var te *channels.TransportError
		if errors.As(err, &te) && te.Code == "auth" && !te.Retryable {
			s.log.Warn("deactivating credential after auth failure",
				"license", cred.LicenseID, "channel", cred.Channel)
			if derr := s.pipe.db.DeactivateCredential(ctx, cred.ID); derr != nil {
				s.log.Error("deactivate failed", logging.Err(derr))
			}
		}
		return
	}

	if err := s.pipe.IngestBatch(ctx, cred, msgs); err != nil {
		s.log.Error("batch failed", "license", cred.LicenseID, "channel", cred.Channel, logging.Err(err))
	}
	if err := s.pipe.db.TouchCredentialChecked(ctx, cred.ID, time.Now().UTC()); err != nil {
		s.log.Warn("touch credential failed", logging.Err(err))
	}
}

// fetchOptions computes the poll window. The first poll of a credential
// triggers backfill; afterwards the window runs from the last completed
// check plus an hour of slack, capped at 30 days.
func (s *Scheduler) fetchOptions(cred *store.Credential) channels.FetchOptions {
	if cred.LastCheckedAt == nil {
		if s.backfillDays > 0 {
			return channels.FetchOptions{
				SinceHours: s.backfillDays * 24,
				Limit:      backfillLimit,
				Backfill:   true,
			}
		}
		return channels.FetchOptions{SinceHours: cappedHours(cred.CreatedAt)}
	}
	return channels.FetchOptions{SinceHours: cappedHours(*cred.LastCheckedAt)}
}

func cappedHours(since time.Time) int {
	h := int(time.Since(since).Hours()) + 1
	if h > maxSinceHours {
		h = maxSinceHours
	}
	if h < 1 {
		h = 1
	}
	return h
}

// retryPlaceholders re-enqueues at most one stuck message per license
// per cycle: draft NULL, empty or still the analysis placeholder,
// younger than 24 h. Skipped entirely while the provider cooldown is
// active, and the per-cycle set keeps one message from being retried
// twice in a cycle.
func (s *Scheduler) retryPlaceholders(ctx context.Context, licenseID string, retried map[int64]struct{}) {
	if s.limiter != nil {
		if active, err := s.limiter.CooldownActive(ctx); err != nil {
			s.log.Warn("cooldown check failed", logging.Err(err))
			return
		} else if active {
			return
		}
	}

	candidates, err := s.pipe.db.PlaceholderCandidates(ctx, licenseID, store.DraftPlaceholder, placeholderWindow)
	if err != nil {
		s.log.Error("placeholder lookup failed", "license", licenseID, logging.Err(err))
		return
	}
	for i := range candidates {
		m := &candidates[i]
		if _, done := retried[m.ID]; done {
			continue
		}
		retried[m.ID] = struct{}{}

		cred, err := s.pipe.db.CredentialFor(ctx, licenseID, m.Channel)
		if err != nil || cred == nil {
			s.log.Warn("placeholder retry without credential", "message", m.ID)
			return
		}
		_, err = s.pipe.db.EnqueueTask(ctx, queue.TypeAnalyzeMessage, queue.AnalyzePayload{
			MessageID:   m.ID,
			LicenseID:   licenseID,
			Body:        m.Body,
			AutoReply:   cred.AutoReply,
			Attachments: m.Attachments,
		})
		if err != nil {
			s.log.Error("placeholder re-enqueue failed", "message", m.ID, logging.Err(err))
			return
		}
		s.log.Info("placeholder retry enqueued", "license", licenseID, "message", m.ID)
		return
	}
}
