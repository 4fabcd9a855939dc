// Package workers hosts the slow background jobs: subscription-expiry
// reminders, push-token cleanup, the sync-result sweep and the
// stale-inbox repair. Jobs run on cron schedules checked once a minute.
package workers

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/adhocore/gronx"

	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/store"
	"github.com/almudeerhq/almudeer/internal/ws"
)

const (
	expiryLeadDays    = 3
	tokenIdleCutoff   = 30 * 24 * time.Hour
	tokenJitterMax    = time.Hour
	expirySchedule    = "0 9 * * *"
	cleanupSchedule   = "0 3 * * *"
	syncSweepSchedule = "0 * * * *"
)

// Runner owns the background jobs of one worker process.
type Runner struct {
	db   *store.DB
	hub  *ws.Hub
	cron *gronx.Gronx
	log  *slog.Logger

	// jitter delays the token cleanup so multiple workers against one
	// database spread out. Replaced in tests.
	jitter func(ctx context.Context)
}

// New builds the runner. hub may be nil; notifications are then skipped.
func New(db *store.DB, hub *ws.Hub, log *slog.Logger) *Runner {
	return &Runner{
		db:   db,
		hub:  hub,
		cron: gronx.New(),
		log:  log.With(logging.Module("workers")),
		jitter: func(ctx context.Context) {
			wait := time.Duration(rand.Int64N(int64(tokenJitterMax)))
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
		},
	}
}

// Run executes the startup repair pass and then ticks the cron
// schedules until the context ends.
func (r *Runner) Run(ctx context.Context) error {
	if n, err := r.RepairAll(ctx); err != nil {
		r.log.Error("startup repair failed", logging.Err(err))
	} else if n > 0 {
		r.log.Info("startup repair promoted stale rows", "count", n)
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("workers stopped")
			return ctx.Err()
		case now := <-ticker.C:
			r.tick(ctx, now.UTC())
		}
	}
}

func (r *Runner) tick(ctx context.Context, now time.Time) {
	if due, _ := r.cron.IsDue(expirySchedule, now); due {
		r.RemindExpiring(ctx, now)
	}
	if due, _ := r.cron.IsDue(cleanupSchedule, now); due {
		r.jitter(ctx)
		r.CleanupPushTokens(ctx, now)
	}
	if due, _ := r.cron.IsDue(syncSweepSchedule, now); due {
		if n, err := r.db.PurgeExpiredSyncResults(ctx); err != nil {
			r.log.Warn("sync-result sweep failed", logging.Err(err))
		} else if n > 0 {
			r.log.Info("sync results swept", "count", n)
		}
	}
}

// RemindExpiring notifies licenses whose subscription ends three days
// from now. The sent-on marker keeps the reminder to once per day.
func (r *Runner) RemindExpiring(ctx context.Context, now time.Time) {
	day := now.AddDate(0, 0, expiryLeadDays)
	licenses, err := r.db.LicensesExpiringOn(ctx, day)
	if err != nil {
		r.log.Error("expiring license lookup failed", logging.Err(err))
		return
	}
	for i := range licenses {
		lic := &licenses[i]
		if r.hub != nil {
			r.hub.SendToLicense(lic.ID, ws.Event{
				Type: ws.EventNotification,
				Data: map[string]any{
					"kind":       "subscription_expiry",
					"priority":   "high",
					"title":      "اشتراكك ينتهي قريباً",
					"body":       "ينتهي اشتراكك خلال ثلاثة أيام، جدد الآن لتجنب انقطاع الخدمة.",
					"expires_at": lic.ExpiresAt,
				},
			})
		}
		if err := r.db.MarkExpiryNotified(ctx, lic.ID, day); err != nil {
			r.log.Warn("expiry mark failed", "license", lic.ID, logging.Err(err))
			continue
		}
		r.log.Info("expiry reminder sent", "license", lic.ID)
	}
}

// CleanupPushTokens purges device tokens idle for over 30 days.
func (r *Runner) CleanupPushTokens(ctx context.Context, now time.Time) {
	n, err := r.db.PurgeInactivePushTokens(ctx, now.Add(-tokenIdleCutoff))
	if err != nil {
		r.log.Error("push-token purge failed", logging.Err(err))
		return
	}
	if n > 0 {
		r.log.Info("push tokens purged", "count", n)
	}
}

// RepairAll runs the stale-inbox repair for every active license.
// Exposed to the admin API for on-demand runs.
func (r *Runner) RepairAll(ctx context.Context) (int64, error) {
	licenses, err := r.db.ActiveLicenses(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for i := range licenses {
		n, err := r.db.RepairStaleInbox(ctx, licenses[i].ID)
		if err != nil {
			r.log.Warn("repair failed", "license", licenses[i].ID, logging.Err(err))
			continue
		}
		total += n
	}
	return total, nil
}
