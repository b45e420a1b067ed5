package quota

import (
	"context"
	"fmt"

	"github.com/vlad-mantoiu/foundry/internal/kv"
	"github.com/vlad-mantoiu/foundry/internal/tier"
)

// hardCapMultiple fixes the continuation ceiling at depth x 3.
const hardCapMultiple = 3

// IterationTracker counts confirmed continuation batches per job. The
// counter lives for the job's lifetime and is never reset.
type IterationTracker struct {
	store  kv.Store
	limits TierLimits
}

// NewIterationTracker creates a tracker. limits may be nil for built-in
// tiers.
func NewIterationTracker(store kv.Store, limits TierLimits) *IterationTracker {
	if limits == nil {
		limits = DefaultTierLimits{}
	}
	return &IterationTracker{store: store, limits: limits}
}

// Increment bumps the job's iteration counter atomically and returns the new
// count.
func (it *IterationTracker) Increment(ctx context.Context, jobID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := it.store.IncrBy(kv.IterationKey(jobID), 1, 0)
	if err != nil {
		return 0, fmt.Errorf("increment iterations for %s: %w", jobID, err)
	}
	return n, nil
}

// Count reads the current iteration count (0 when the job has none).
func (it *IterationTracker) Count(ctx context.Context, jobID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, _, err := it.store.GetInt(kv.IterationKey(jobID))
	if err != nil {
		return 0, fmt.Errorf("read iterations for %s: %w", jobID, err)
	}
	return n, nil
}

// NeedsConfirmation is true exactly when the counter is a positive multiple
// of the tier's batch depth: depth 2 pauses at 2, 4, 6, ... and never at 0.
func (it *IterationTracker) NeedsConfirmation(ctx context.Context, jobID string, t tier.Tier) (bool, error) {
	depth := it.limits.Params(t).IterationDepth
	if depth <= 0 {
		return false, nil
	}
	n, err := it.Count(ctx, jobID)
	if err != nil {
		return false, err
	}
	return n > 0 && n%depth == 0, nil
}

// CheckAllowed compares the counter against the hard cap (depth x 3).
// Crossing the cap is terminal for the job's continuation path regardless of
// confirmation.
func (it *IterationTracker) CheckAllowed(ctx context.Context, jobID string, t tier.Tier) (allowed bool, current, remaining int64, err error) {
	depth := it.limits.Params(t).IterationDepth
	cap := depth * hardCapMultiple
	current, err = it.Count(ctx, jobID)
	if err != nil {
		return false, 0, 0, err
	}
	remaining = cap - current
	if remaining < 0 {
		remaining = 0
	}
	return current < cap, current, remaining, nil
}
