package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vlad-mantoiu/foundry/internal/bus"
	"github.com/vlad-mantoiu/foundry/internal/kv"
)

const (
	// sessionCostTTL keeps a session's accumulator alive well beyond the
	// longest expected build session.
	sessionCostTTL = 72 * time.Hour

	// defaultCycleDays is assumed when the renewal date is unknown.
	defaultCycleDays = 30
)

// Hard and graceful thresholds, expressed as integer ratios so the math
// stays in micro-currency units: hard stop strictly above 110% of the daily
// budget, graceful wind-down at or above 90%.
const (
	runawayNum  = 11
	runawayDen  = 10
	gracefulNum = 9
	gracefulDen = 10
)

// ExceededError is the circuit breaker signal: the one error in this layer
// that deliberately interrupts an active call loop. The caller must mark the
// session budget-exhausted, stop issuing model calls, and surface a terminal
// status.
type ExceededError struct {
	SessionID   string
	Cumulative  int64
	DailyBudget int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("session %s spent %d of %d micro-unit daily budget (hard ceiling crossed)",
		e.SessionID, e.Cumulative, e.DailyBudget)
}

// BillingReader is the billing collaborator. Only the three numbers the
// daily calculation needs; everything else about billing stays outside the
// core.
type BillingReader interface {
	// SubscriptionBudget returns the tenant's spend allowance for the
	// current billing cycle, in micro-currency.
	SubscriptionBudget(ctx context.Context, tenantID string) (int64, error)

	// CycleSpend returns what the tenant has already spent this cycle.
	CycleSpend(ctx context.Context, tenantID string) (int64, error)

	// RenewalDate returns when the cycle renews; the zero time means
	// unknown.
	RenewalDate(ctx context.Context, tenantID string) (time.Time, error)
}

// Service is the budget engine.
type Service struct {
	store   kv.Store
	rates   *RateTable
	billing BillingReader
	events  *bus.Bus
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a budget service. events may be nil; logger may be nil.
func NewService(store kv.Store, rates *RateTable, billing BillingReader, events *bus.Bus, logger *slog.Logger) *Service {
	if rates == nil {
		rates = NewRateTable(nil, ModelRate{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		rates:   rates,
		billing: billing,
		events:  events,
		logger:  logger,
		now:     time.Now,
	}
}

// CalcDailyBudget derives today's allowance:
// max(0, subscription - cycle_spend) / max(1, days_until_renewal).
// Every failure on the read path degrades to 0; this method must never be
// the reason a build fails to start.
func (s *Service) CalcDailyBudget(ctx context.Context, tenantID string) int64 {
	if s.billing == nil {
		return 0
	}
	subscription, err := s.billing.SubscriptionBudget(ctx, tenantID)
	if err != nil {
		s.logger.Warn("daily budget: subscription read failed", "tenant_id", tenantID, "error", err)
		return 0
	}
	spent, err := s.billing.CycleSpend(ctx, tenantID)
	if err != nil {
		s.logger.Warn("daily budget: cycle spend read failed", "tenant_id", tenantID, "error", err)
		return 0
	}

	remaining := subscription - spent
	if remaining < 0 {
		remaining = 0
	}

	days := int64(defaultCycleDays)
	renewal, err := s.billing.RenewalDate(ctx, tenantID)
	if err != nil {
		s.logger.Warn("daily budget: renewal read failed", "tenant_id", tenantID, "error", err)
		return 0
	}
	if !renewal.IsZero() {
		days = int64(renewal.Sub(s.now()).Hours() / 24)
		if days < 1 {
			days = 1
		}
	}

	return remaining / days
}

// RecordCallCost prices one model call, atomically adds it to the session's
// accumulator, refreshes the key's expiry, and returns the new cumulative
// spend. Returns 0 on store failure rather than raising.
func (s *Service) RecordCallCost(ctx context.Context, sessionID, model string, inputTokens, outputTokens int64) int64 {
	if err := ctx.Err(); err != nil {
		return 0
	}
	cost := s.rates.Lookup(model).Cost(inputTokens, outputTokens)
	cumulative, err := s.store.IncrBy(kv.SessionCostKey(sessionID), cost, sessionCostTTL)
	if err != nil {
		s.logger.Warn("record call cost failed", "session_id", sessionID, "model", model, "error", err)
		return 0
	}
	return cumulative
}

// SessionCost reads the session's cumulative spend (0 when absent or on
// failure).
func (s *Service) SessionCost(ctx context.Context, sessionID string) int64 {
	if err := ctx.Err(); err != nil {
		return 0
	}
	n, _, err := s.store.GetInt(kv.SessionCostKey(sessionID))
	if err != nil {
		return 0
	}
	return n
}

// BudgetPercentage returns cumulative/daily as a float in [0, inf), or 0.0
// when the daily budget is zero or the read fails.
func (s *Service) BudgetPercentage(ctx context.Context, sessionID string, dailyBudget int64) float64 {
	if dailyBudget == 0 {
		return 0.0
	}
	return float64(s.SessionCost(ctx, sessionID)) / float64(dailyBudget)
}

// CheckRunaway is the hard circuit breaker. It returns *ExceededError only
// when cumulative spend strictly exceeds dailyBudget x 1.1; at exactly the
// ceiling it stays quiet. A store read failure fails open rather than
// blocking the build.
func (s *Service) CheckRunaway(ctx context.Context, sessionID string, dailyBudget int64) error {
	if err := ctx.Err(); err != nil {
		return nil
	}
	cumulative, ok, err := s.store.GetInt(kv.SessionCostKey(sessionID))
	if err != nil {
		s.logger.Warn("runaway check failed open", "session_id", sessionID, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	if cumulative*runawayDen > dailyBudget*runawayNum {
		if s.events != nil {
			s.events.Publish(bus.TopicBudgetTripped, bus.BudgetTrippedEvent{
				SessionID:   sessionID,
				Cumulative:  cumulative,
				DailyBudget: dailyBudget,
			})
		}
		return &ExceededError{
			SessionID:   sessionID,
			Cumulative:  cumulative,
			DailyBudget: dailyBudget,
		}
	}
	return nil
}

// IsAtGracefulThreshold reports whether the session should finish its
// current unit of work and start nothing new: sessionCost >= dailyBudget x
// 0.9. Pure, no I/O. False when dailyBudget is zero, since there is no
// allowance to measure against.
func IsAtGracefulThreshold(sessionCost, dailyBudget int64) bool {
	if dailyBudget == 0 {
		return false
	}
	return sessionCost*gracefulDen >= dailyBudget*gracefulNum
}
