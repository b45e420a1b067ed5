// Package promote moves next-day scheduled jobs back into the admission
// queue once their day arrives. Jobs land in the scheduled state when a
// tenant is over its daily cap; at each UTC midnight the promoter picks up
// every entry filed under a past day and re-queues it.
package promote

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/vlad-mantoiu/foundry/internal/admission"
	"github.com/vlad-mantoiu/foundry/internal/job"
	"github.com/vlad-mantoiu/foundry/internal/kv"
	"github.com/vlad-mantoiu/foundry/internal/otel"
)

// promoteExpr fires at every UTC midnight.
const promoteExpr = "0 0 * * *"

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the promoter's dependencies.
type Config struct {
	Store    kv.Store
	Jobs     *job.Machine
	Queue    *admission.Queue
	Logger   *slog.Logger
	Metrics  *otel.Metrics    // optional
	Interval time.Duration    // tick interval; defaults to 1 minute
	Now      func() time.Time // test hook
}

// Promoter runs the midnight promotion loop.
type Promoter struct {
	store    kv.Store
	jobs     *job.Machine
	queue    *admission.Queue
	logger   *slog.Logger
	metrics  *otel.Metrics
	interval time.Duration
	now      func() time.Time

	schedule cronlib.Schedule
	nextRun  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPromoter creates a promoter. The cron expression is fixed; only the
// tick granularity is configurable.
func NewPromoter(cfg Config) (*Promoter, error) {
	schedule, err := cronParser.Parse(promoteExpr)
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Promoter{
		store:    cfg.Store,
		jobs:     cfg.Jobs,
		queue:    cfg.Queue,
		logger:   logger,
		metrics:  cfg.Metrics,
		interval: interval,
		now:      now,
		schedule: schedule,
		nextRun:  schedule.Next(now().UTC()),
	}, nil
}

// Start begins the loop in a background goroutine. Past-day entries are
// promoted immediately so a daemon restart never strands them until the
// next midnight.
func (p *Promoter) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("promoter started", "next_run", p.nextRun)
}

// Stop cancels the loop and waits for it to exit.
func (p *Promoter) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("promoter stopped")
}

func (p *Promoter) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := p.now().UTC()
			if now.Before(p.nextRun) {
				continue
			}
			p.run(ctx)
			p.nextRun = p.schedule.Next(now)
		}
	}
}

func (p *Promoter) run(ctx context.Context) {
	promoted, err := p.PromoteDue(ctx)
	if err != nil {
		p.logger.Error("promotion sweep failed", "error", err)
		return
	}
	if promoted > 0 {
		p.logger.Info("promoted scheduled jobs", "count", promoted)
	}
}

// PromoteDue re-queues every scheduled job filed under a day strictly
// before the current UTC day. Today's entries stay put. A job that cannot
// be enqueued (queue at capacity) keeps its entry and is retried next
// sweep.
func (p *Promoter) PromoteDue(ctx context.Context) (int, error) {
	today := kv.DayStamp(p.now().UTC())

	type entry struct {
		key   string
		jobID string
	}
	var due []entry
	err := p.store.Scan(kv.ScheduledPrefix, func(key string, value []byte) (bool, error) {
		parts := strings.SplitN(key, "!", 3)
		if len(parts) != 3 {
			return true, nil
		}
		if parts[1] >= today {
			return true, nil
		}
		due = append(due, entry{key: key, jobID: parts[2]})
		return true, nil
	})
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, e := range due {
		rec, err := p.jobs.Get(ctx, e.jobID)
		if err != nil {
			// Orphaned entry, drop it.
			p.logger.Warn("scheduled entry without job record", "job_id", e.jobID, "error", err)
			_ = p.store.Delete(e.key)
			continue
		}

		result, err := p.queue.Enqueue(ctx, e.jobID, rec.Tier)
		if err != nil {
			p.logger.Error("promotion enqueue failed", "job_id", e.jobID, "error", err)
			continue
		}
		if result.Rejected {
			p.logger.Warn("queue full, promotion deferred", "job_id", e.jobID)
			continue
		}

		ok, err := p.jobs.Transition(ctx, e.jobID, job.StatusQueued, "Back in the queue for today")
		if err != nil {
			// Store failure: roll the queue entry back and retry next sweep.
			p.logger.Error("promotion transition failed", "job_id", e.jobID, "error", err)
			_, _ = p.queue.Remove(ctx, e.jobID)
			continue
		}
		if !ok {
			// Raced to a terminal state (founder cancel); the entry is dead.
			p.logger.Warn("scheduled job no longer promotable", "job_id", e.jobID)
			_, _ = p.queue.Remove(ctx, e.jobID)
			_ = p.store.Delete(e.key)
			continue
		}
		if err := p.store.Delete(e.key); err != nil {
			p.logger.Error("scheduled entry delete failed", "job_id", e.jobID, "error", err)
			continue
		}
		if p.metrics != nil {
			p.metrics.PromotionsTotal.Add(ctx, 1)
			p.metrics.QueueDepth.Add(ctx, 1)
		}
		promoted++
	}
	return promoted, nil
}
