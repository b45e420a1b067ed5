// Package coordinator composes the scheduling core for the build
// orchestrator. None of the underlying services call each other; the
// coordinator is the one place that strings admission, quotas, state
// transitions, budget, and failure triage together.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vlad-mantoiu/foundry/internal/admission"
	"github.com/vlad-mantoiu/foundry/internal/budget"
	"github.com/vlad-mantoiu/foundry/internal/bus"
	"github.com/vlad-mantoiu/foundry/internal/failure"
	"github.com/vlad-mantoiu/foundry/internal/job"
	"github.com/vlad-mantoiu/foundry/internal/kv"
	"github.com/vlad-mantoiu/foundry/internal/otel"
	"github.com/vlad-mantoiu/foundry/internal/persistence"
	"github.com/vlad-mantoiu/foundry/internal/quota"
	"github.com/vlad-mantoiu/foundry/internal/runner"
	"github.com/vlad-mantoiu/foundry/internal/shared"
	"github.com/vlad-mantoiu/foundry/internal/tier"
)

// Services are the long-lived collaborators shared by every build.
type Services struct {
	Store      kv.Store
	Jobs       *job.Machine
	Queue      *admission.Queue
	Estimator  *admission.Estimator
	Usage      *quota.UsageTracker
	Iterations *quota.IterationTracker
	Budget     *budget.Service
	Durable    *persistence.Store // may be nil; escalations are then dropped
	Runner     runner.Runner
	Events     *bus.Bus
	Logger     *slog.Logger
	Metrics    *otel.Metrics // may be nil
	Now        func() time.Time
}

// Coordinator owns submission and dispatch.
type Coordinator struct {
	svc Services
}

// New validates the wiring and returns a coordinator.
func New(svc Services) (*Coordinator, error) {
	if svc.Store == nil || svc.Jobs == nil || svc.Queue == nil ||
		svc.Usage == nil || svc.Iterations == nil || svc.Budget == nil || svc.Runner == nil {
		return nil, fmt.Errorf("coordinator: missing required service")
	}
	if svc.Estimator == nil {
		svc.Estimator = admission.NewEstimator()
	}
	if svc.Logger == nil {
		svc.Logger = slog.Default()
	}
	if svc.Now == nil {
		svc.Now = time.Now
	}
	return &Coordinator{svc: svc}, nil
}

// SubmitRequest is one founder goal arriving at the core.
type SubmitRequest struct {
	TenantID  string
	ProjectID string
	Goal      string
	Tier      tier.Tier
}

// SubmitResult tells the caller what happened to the submission. Rejection
// is a result, not an error.
type SubmitResult struct {
	JobID         string
	Status        job.Status
	Rejected      bool
	Position      int
	EstimatedWait time.Duration
	Confidence    admission.Confidence
	ScheduledFor  string // YYYY-MM-DD, set when routed to next-day
	Usage         quota.UsageCounters
}

// Submit runs the admission path: daily-cap check, queue capacity, record
// creation, usage accounting, wait estimate. Over-cap submissions are
// accepted but land in the scheduled state for the next day.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.TenantID == "" || req.Goal == "" {
		return nil, fmt.Errorf("submit: tenant id and goal are required")
	}
	jobID := uuid.NewString()

	exceeded, _, _ := c.svc.Usage.CheckDailyLimit(ctx, req.TenantID, req.Tier)
	if exceeded {
		return c.scheduleNextDay(ctx, jobID, req)
	}

	result, err := c.svc.Queue.Enqueue(ctx, jobID, req.Tier)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	if result.Rejected {
		if c.svc.Metrics != nil {
			c.svc.Metrics.RejectionsTotal.Add(ctx, 1)
		}
		c.svc.Logger.Info("submission rejected at capacity",
			"trace_id", shared.TraceID(ctx), "tenant_id", req.TenantID)
		return &SubmitResult{Rejected: true}, nil
	}

	rec := &job.Record{
		ID:        jobID,
		TenantID:  req.TenantID,
		Tier:      req.Tier,
		ProjectID: req.ProjectID,
		Goal:      req.Goal,
		Status:    job.StatusQueued,
	}
	if err := c.svc.Jobs.Create(ctx, rec); err != nil {
		// Roll the queue entry back so a phantom id does not dispatch.
		_, _ = c.svc.Queue.Remove(ctx, jobID)
		return nil, fmt.Errorf("create job: %w", err)
	}

	if _, err := c.svc.Usage.IncrementDailyUsage(ctx, req.TenantID); err != nil {
		c.svc.Logger.Warn("usage increment failed", "tenant_id", req.TenantID, "error", err)
	}

	wait, confidence := c.svc.Estimator.EstimateWithConfidence(result.Position, req.Tier)
	if c.svc.Metrics != nil {
		c.svc.Metrics.AdmissionsTotal.Add(ctx, 1)
		c.svc.Metrics.QueueDepth.Add(ctx, 1)
		c.svc.Metrics.WaitEstimate.Record(ctx, wait.Seconds())
	}

	return &SubmitResult{
		JobID:         jobID,
		Status:        job.StatusQueued,
		Position:      result.Position,
		EstimatedWait: wait,
		Confidence:    confidence,
		Usage:         c.svc.Usage.GetUsageCounters(ctx, req.TenantID, req.Tier),
	}, nil
}

func (c *Coordinator) scheduleNextDay(ctx context.Context, jobID string, req SubmitRequest) (*SubmitResult, error) {
	rec := &job.Record{
		ID:        jobID,
		TenantID:  req.TenantID,
		Tier:      req.Tier,
		ProjectID: req.ProjectID,
		Goal:      req.Goal,
		Status:    job.StatusScheduled,
	}
	if err := c.svc.Jobs.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create scheduled job: %w", err)
	}

	tomorrow := c.svc.Now().UTC().AddDate(0, 0, 1)
	if err := c.svc.Store.Set(kv.ScheduledKey(tomorrow, jobID), []byte(jobID), 0); err != nil {
		return nil, fmt.Errorf("file next-day entry: %w", err)
	}

	// Over-cap submissions still count; the counter may exceed the cap.
	if _, err := c.svc.Usage.IncrementDailyUsage(ctx, req.TenantID); err != nil {
		c.svc.Logger.Warn("usage increment failed", "tenant_id", req.TenantID, "error", err)
	}
	if c.svc.Metrics != nil {
		c.svc.Metrics.ScheduledNextDay.Add(ctx, 1)
	}
	c.svc.Logger.Info("daily cap reached, scheduled for tomorrow",
		"trace_id", shared.TraceID(ctx), "tenant_id", req.TenantID,
		"job_id", jobID, "day", kv.DayStamp(tomorrow))

	return &SubmitResult{
		JobID:        jobID,
		Status:       job.StatusScheduled,
		ScheduledFor: kv.DayStamp(tomorrow),
		Usage:        c.svc.Usage.GetUsageCounters(ctx, req.TenantID, req.Tier),
	}, nil
}

// Cancel removes a queued job. Cancellation is a transition to failed, not
// an out-of-band signal; in-flight work notices the status and stops.
func (c *Coordinator) Cancel(ctx context.Context, jobID, reason string) (bool, error) {
	removed, err := c.svc.Queue.Remove(ctx, jobID)
	if err != nil {
		return false, err
	}
	ok, err := c.svc.Jobs.Transition(ctx, jobID, job.StatusFailed, reason)
	if err != nil {
		return false, err
	}
	// The depth gauge tracks queue entries; a running job no longer has one.
	if removed && c.svc.Metrics != nil {
		c.svc.Metrics.QueueDepth.Add(ctx, -1)
	}
	return ok, nil
}

// BeginWork dequeues the next job and opens its build context: the job
// moves to starting, a sandbox is provisioned, the daily budget is
// computed, and the failure tracker is restored from the last checkpoint
// if one exists. Returns false when the queue is empty.
func (c *Coordinator) BeginWork(ctx context.Context) (*BuildContext, bool, error) {
	entry, ok, err := c.svc.Queue.Dequeue(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("dequeue: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	if c.svc.Metrics != nil {
		c.svc.Metrics.QueueDepth.Add(ctx, -1)
	}

	rec, err := c.svc.Jobs.Get(ctx, entry.JobID)
	if err != nil {
		return nil, false, fmt.Errorf("load job %s: %w", entry.JobID, err)
	}

	sbx, err := c.svc.Runner.Provision(ctx, entry.JobID)
	if err != nil {
		_, _ = c.svc.Jobs.Transition(ctx, entry.JobID, job.StatusFailed, "We could not set up a workspace for your build")
		return nil, false, fmt.Errorf("provision sandbox: %w", err)
	}

	ok, err = c.svc.Jobs.Transition(ctx, entry.JobID, job.StatusStarting, "", func(r *job.Record) {
		r.SandboxID = sbx.ID
	})
	if err != nil || !ok {
		_ = c.svc.Runner.Destroy(ctx, sbx.ID)
		if err != nil {
			return nil, false, fmt.Errorf("start transition: %w", err)
		}
		// Raced by a cancellation; nothing to run.
		return nil, false, nil
	}

	bc := &BuildContext{
		svc:       c.svc,
		JobID:     entry.JobID,
		SessionID: entry.JobID,
		TenantID:  rec.TenantID,
		Tier:      rec.Tier,
		Sandbox:   sbx,
		startedAt: c.svc.Now(),
		attempts:  make(map[string]int),
	}
	bc.DailyBudget = c.svc.Budget.CalcDailyBudget(ctx, rec.TenantID)
	bc.restore(ctx)
	bc.tracker = failure.NewTracker(bc.SessionID, bc.attempts, escalationStore(c.svc.Durable), c.svc.Events, c.svc.Logger)
	bc.tracker.RestoreEscalationCount(bc.restoredEscalations)
	return bc, true, nil
}

// escalationStore widens *persistence.Store to the tracker's interface
// while keeping a typed nil from leaking into it.
func escalationStore(s *persistence.Store) failure.EscalationStore {
	if s == nil {
		return nil
	}
	return s
}
