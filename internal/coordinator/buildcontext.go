package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/vlad-mantoiu/foundry/internal/budget"
	"github.com/vlad-mantoiu/foundry/internal/bus"
	"github.com/vlad-mantoiu/foundry/internal/failure"
	"github.com/vlad-mantoiu/foundry/internal/job"
	"github.com/vlad-mantoiu/foundry/internal/persistence"
	"github.com/vlad-mantoiu/foundry/internal/runner"
	"github.com/vlad-mantoiu/foundry/internal/shared"
	"github.com/vlad-mantoiu/foundry/internal/tier"
)

// BuildContext is the per-build composition handed to the orchestrator's
// tool-calling loop. It carries the identifiers, the sandbox, the daily
// budget, and the failure tracker for one job.
type BuildContext struct {
	svc Services

	JobID       string
	SessionID   string
	TenantID    string
	Tier        tier.Tier
	Sandbox     *runner.Sandbox
	DailyBudget int64

	tracker             *failure.Tracker
	attempts            map[string]int
	restoredEscalations int
	startedAt           time.Time
	graceful            bool
	lastCumulative      int64
}

// restore reloads the signature attempt map from the last checkpoint. The
// map is mutated in place so the tracker built over it sees the restored
// counts.
func (bc *BuildContext) restore(ctx context.Context) {
	if bc.svc.Durable == nil {
		return
	}
	cp, err := bc.svc.Durable.LoadCheckpoint(ctx, bc.SessionID)
	if err != nil {
		if !errors.Is(err, persistence.ErrCheckpointNotFound) {
			bc.svc.Logger.Warn("checkpoint load failed", "session_id", bc.SessionID, "error", err)
		}
		return
	}
	for sig, n := range cp.Attempts {
		bc.attempts[sig] = n
	}
	bc.restoredEscalations = cp.Escalations
}

// Checkpoint persists the tracker's state so a suspend/resume cycle can
// pick up where it left off.
func (bc *BuildContext) Checkpoint(ctx context.Context) error {
	if bc.svc.Durable == nil {
		return nil
	}
	return bc.svc.Durable.SaveCheckpoint(ctx, &persistence.Checkpoint{
		SessionID:   bc.SessionID,
		Attempts:    bc.attempts,
		Escalations: bc.tracker.EscalationCount(),
	})
}

// Advance moves the job to the next pipeline stage. An illegal transition
// returns false without error.
func (bc *BuildContext) Advance(ctx context.Context, target job.Status, message string, updates ...func(*job.Record)) (bool, error) {
	ok, err := bc.svc.Jobs.Transition(ctx, bc.JobID, target, message, updates...)
	if ok && bc.svc.Metrics != nil {
		bc.svc.Metrics.TransitionsTotal.Add(ctx, 1)
	}
	return ok, err
}

// ContinueDecision is the outcome of an iteration-gate check.
type ContinueDecision struct {
	Allowed           int // remaining iterations under the hard cap
	Current           int64
	NeedsConfirmation bool
	HardCapReached    bool
}

// Continue consumes one iteration and reports the gates: confirmation is
// required at every tier-depth multiple, and crossing depth x 3 is
// terminal for the continuation path.
func (bc *BuildContext) Continue(ctx context.Context) (*ContinueDecision, error) {
	allowed, current, remaining, err := bc.svc.Iterations.CheckAllowed(ctx, bc.JobID, bc.Tier)
	if err != nil {
		return nil, err
	}
	if !allowed {
		_, _ = bc.Advance(ctx, job.StatusFailed, "Your build used all of its iterations")
		return &ContinueDecision{Current: current, HardCapReached: true}, nil
	}

	current, err = bc.svc.Iterations.Increment(ctx, bc.JobID)
	if err != nil {
		return nil, err
	}
	if bc.svc.Metrics != nil {
		bc.svc.Metrics.IterationsTotal.Add(ctx, 1)
	}

	confirm, err := bc.svc.Iterations.NeedsConfirmation(ctx, bc.JobID, bc.Tier)
	if err != nil {
		return nil, err
	}
	return &ContinueDecision{
		Allowed:           int(remaining) - 1,
		Current:           current,
		NeedsConfirmation: confirm,
	}, nil
}

// RecordModelCall accounts one LLM call: prices it, accumulates session
// cost, and runs the hard circuit breaker. A *budget.ExceededError return
// means the build must stop; the job is already marked failed.
func (bc *BuildContext) RecordModelCall(ctx context.Context, model string, inputTokens, outputTokens int64) (int64, error) {
	cumulative := bc.svc.Budget.RecordCallCost(ctx, bc.SessionID, model, inputTokens, outputTokens)
	if cumulative > 0 {
		if bc.svc.Metrics != nil && cumulative > bc.lastCumulative {
			bc.svc.Metrics.SpendMicros.Add(ctx, cumulative-bc.lastCumulative)
		}
		bc.lastCumulative = cumulative
	}
	bc.graceful = budget.IsAtGracefulThreshold(cumulative, bc.DailyBudget)

	if err := bc.svc.Budget.CheckRunaway(ctx, bc.SessionID, bc.DailyBudget); err != nil {
		if bc.svc.Metrics != nil {
			bc.svc.Metrics.BudgetTripsTotal.Add(ctx, 1)
		}
		_, _ = bc.Advance(ctx, job.StatusFailed, "Your build hit its daily budget", func(r *job.Record) {
			r.DebugID = shared.NewDebugID()
		})
		return cumulative, err
	}
	return cumulative, nil
}

// AtGracefulThreshold reports whether the session should finish its
// current unit of work and start nothing new.
func (bc *BuildContext) AtGracefulThreshold() bool {
	return bc.graceful
}

// FailureAction tells the orchestrator what to do with a tool failure.
type FailureAction string

const (
	// ActionRetry means the failure is within its retry budget.
	ActionRetry FailureAction = "retry"
	// ActionEscalate means a human now owns this failure.
	ActionEscalate FailureAction = "escalate"
	// ActionPauseBuild means the session crossed the global escalation
	// threshold and the whole build must stop.
	ActionPauseBuild FailureAction = "pause_build"
)

// FailureOutcome is the triage result for one tool failure.
type FailureOutcome struct {
	Action       FailureAction
	Category     failure.Category
	Attempt      int
	EscalationID string // set when a record was persisted
}

// HandleToolFailure triages a tool failure: never-retry errors escalate
// before touching the retry budget; others burn an attempt and escalate on
// the fourth; too many escalations pause the build.
func (bc *BuildContext) HandleToolFailure(ctx context.Context, errType, message, problem string, priorAttempts []string, recommended string) *FailureOutcome {
	category := failure.Classify(errType, message)
	out := &FailureOutcome{Category: category}

	if bc.tracker.ShouldEscalateImmediately(errType, message) {
		out.Action = ActionEscalate
		out.EscalationID = bc.recordEscalation(ctx, errType, message, problem, priorAttempts, recommended)
		return out
	}

	escalate, attempt := bc.tracker.RecordAndCheck(errType, message)
	out.Attempt = attempt
	if !escalate {
		out.Action = ActionRetry
		return out
	}

	out.Action = ActionEscalate
	out.EscalationID = bc.recordEscalation(ctx, errType, message, problem, priorAttempts, recommended)

	if bc.tracker.GlobalThresholdExceeded() {
		out.Action = ActionPauseBuild
		if bc.svc.Events != nil {
			bc.svc.Events.Publish(bus.TopicBuildPaused, bus.BuildPausedEvent{
				SessionID:   bc.SessionID,
				Escalations: bc.tracker.EscalationCount(),
			})
		}
		if bc.svc.Metrics != nil {
			bc.svc.Metrics.BuildPausesTotal.Add(ctx, 1)
		}
	}
	return out
}

func (bc *BuildContext) recordEscalation(ctx context.Context, errType, message, problem string, priorAttempts []string, recommended string) string {
	id := bc.tracker.RecordEscalation(ctx, errType, message, problem, priorAttempts, recommended)
	if id != "" && bc.svc.Metrics != nil {
		bc.svc.Metrics.EscalationsTotal.Add(ctx, 1)
	}
	return id
}

// ResetFailure forgets a signature's attempts after a human supplied new
// guidance for it.
func (bc *BuildContext) ResetFailure(errType, message string) {
	bc.tracker.ResetSignature(errType, message)
}

// Exec runs a command in the build's sandbox.
func (bc *BuildContext) Exec(ctx context.Context, cmd string) (*runner.ExecResult, error) {
	return bc.svc.Runner.Exec(ctx, bc.Sandbox.ID, cmd)
}

// Finish closes the build: the terminal transition, a throughput sample
// for the wait estimator on success, checkpoint persistence, and sandbox
// teardown.
func (bc *BuildContext) Finish(ctx context.Context, succeeded bool, message string, updates ...func(*job.Record)) error {
	target := job.StatusFailed
	if succeeded {
		target = job.StatusReady
		bc.svc.Estimator.RecordCompletion(bc.svc.Now().Sub(bc.startedAt))
	}
	if _, err := bc.Advance(ctx, target, message, updates...); err != nil {
		return err
	}
	if err := bc.Checkpoint(ctx); err != nil {
		bc.svc.Logger.Warn("final checkpoint failed", "session_id", bc.SessionID, "error", err)
	}
	if err := bc.svc.Runner.Destroy(ctx, bc.Sandbox.ID); err != nil {
		bc.svc.Logger.Warn("sandbox teardown failed", "sandbox_id", bc.Sandbox.ID, "error", err)
	}
	return nil
}
