// Package quota tracks the per-tenant daily submission counters and the
// per-job iteration counters that gate continuation.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/vlad-mantoiu/foundry/internal/kv"
	"github.com/vlad-mantoiu/foundry/internal/tier"
)

// TierLimits resolves a tier's scheduling parameters. The config layer
// satisfies this; tests can stub it.
type TierLimits interface {
	Params(t tier.Tier) tier.Params
}

// DefaultTierLimits serves the built-in tier parameters.
type DefaultTierLimits struct{}

func (DefaultTierLimits) Params(t tier.Tier) tier.Params { return t.DefaultParams() }

// UsageCounters packages a tenant's day for caller display.
type UsageCounters struct {
	Used      int64
	Limit     int64
	Remaining int64 // floored at zero; over-cap usage shows Remaining 0
}

// UsageTracker maintains one counter per (tenant, UTC calendar day) that
// expires at the next midnight. The daily cap is advisory at submission
// time: the orchestrator routes over-cap submissions to next-day scheduling
// instead of rejecting them, and still increments the counter.
type UsageTracker struct {
	store  kv.Store
	limits TierLimits
	now    func() time.Time
}

// NewUsageTracker creates a tracker. limits may be nil for built-in tiers.
func NewUsageTracker(store kv.Store, limits TierLimits) *UsageTracker {
	if limits == nil {
		limits = DefaultTierLimits{}
	}
	return &UsageTracker{store: store, limits: limits, now: time.Now}
}

// CheckDailyLimit reports whether the tenant has used up today's cap.
// Store read failures fail open: the check is advisory, never the reason a
// submission is blocked.
func (u *UsageTracker) CheckDailyLimit(ctx context.Context, tenantID string, t tier.Tier) (exceeded bool, used, limit int64) {
	limit = u.limits.Params(t).DailyJobLimit
	if err := ctx.Err(); err != nil {
		return false, 0, limit
	}
	used, ok, err := u.store.GetInt(kv.UsageKey(tenantID, u.now()))
	if err != nil || !ok {
		return false, 0, limit
	}
	return used >= limit, used, limit
}

// IncrementDailyUsage bumps today's counter atomically, setting its expiry
// to the next UTC midnight. Called for every accepted or scheduled
// submission, so repeated over-cap submissions keep stacking for future
// reconciliation.
func (u *UsageTracker) IncrementDailyUsage(ctx context.Context, tenantID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := u.now()
	n, err := u.store.IncrBy(kv.UsageKey(tenantID, now), 1, kv.UntilNextMidnight(now))
	if err != nil {
		return 0, fmt.Errorf("increment usage for %s: %w", tenantID, err)
	}
	return n, nil
}

// GetUsageCounters packages used/remaining for display.
func (u *UsageTracker) GetUsageCounters(ctx context.Context, tenantID string, t tier.Tier) UsageCounters {
	_, used, limit := u.CheckDailyLimit(ctx, tenantID, t)
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return UsageCounters{Used: used, Limit: limit, Remaining: remaining}
}
