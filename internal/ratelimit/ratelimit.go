// Package ratelimit guards the AI orchestrator: per-license daily and
// per-minute counters plus one shared cooldown flag written by whichever
// worker hits a provider 429.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/almudeerhq/almudeer/internal/cache"
)

const (
	dailyWindow  = 24 * time.Hour
	minuteWindow = time.Minute
	cooldownKey  = "almudeer:llm:cooldown"
)

// Reasons returned by Check when a request is not allowed.
const (
	ReasonDailyCap  = "daily_cap"
	ReasonMinuteCap = "minute_cap"
	ReasonCooldown  = "cooldown"
)

// Limiter enforces the per-license request caps.
type Limiter struct {
	store     cache.Store
	dailyCap  int
	minuteCap int
}

// New builds a limiter over the shared counter store. Caps of zero or
// below fall back to the deployment defaults (50/day, 1/minute).
func New(store cache.Store, dailyCap, minuteCap int) *Limiter {
	if dailyCap <= 0 {
		dailyCap = 50
	}
	if minuteCap <= 0 {
		minuteCap = 1
	}
	return &Limiter{store: store, dailyCap: dailyCap, minuteCap: minuteCap}
}

// Check reports whether the license may make an AI request now. The
// reason is one of the Reason constants when not allowed.
func (l *Limiter) Check(ctx context.Context, licenseID string) (allowed bool, reason string, err error) {
	if active, _ := l.CooldownActive(ctx); active {
		return false, ReasonCooldown, nil
	}
	day, err := l.store.GetInt(ctx, "daily:"+licenseID)
	if err != nil {
		return false, "", fmt.Errorf("read daily counter: %w", err)
	}
	if day >= int64(l.dailyCap) {
		return false, ReasonDailyCap, nil
	}
	minute, err := l.store.GetInt(ctx, "minute:"+licenseID)
	if err != nil {
		return false, "", fmt.Errorf("read minute counter: %w", err)
	}
	if minute >= int64(l.minuteCap) {
		return false, ReasonMinuteCap, nil
	}
	return true, "", nil
}

// Increment bumps both windows after a successful AI call. The TTL starts
// with the first increment in each window.
func (l *Limiter) Increment(ctx context.Context, licenseID string) error {
	if _, err := l.store.Incr(ctx, "daily:"+licenseID, dailyWindow); err != nil {
		return fmt.Errorf("increment daily counter: %w", err)
	}
	if _, err := l.store.Incr(ctx, "minute:"+licenseID, minuteWindow); err != nil {
		return fmt.Errorf("increment minute counter: %w", err)
	}
	return nil
}

// SetCooldown pauses all AI calls process-wide (cluster-wide on Redis)
// until the duration elapses.
func (l *Limiter) SetCooldown(ctx context.Context, d time.Duration) error {
	deadline := time.Now().UTC().Add(d).Format(time.RFC3339)
	return l.store.Set(ctx, cooldownKey, deadline, d)
}

// CooldownActive reports whether the shared cooldown is still in force.
func (l *Limiter) CooldownActive(ctx context.Context) (bool, error) {
	v, err := l.store.Get(ctx, cooldownKey)
	if err != nil || v == "" {
		return false, err
	}
	deadline, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return false, nil
	}
	return time.Now().UTC().Before(deadline), nil
}
