package bus

import "time"

// Job lifecycle topics. Per-job events are published under "job.<id>." so an
// observer can follow a single build with one prefix subscription.
const (
	TopicJobCreated    = "created"
	TopicJobTransition = "transition"
	TopicJobScheduled  = "scheduled"
)

// Session-scoped topics.
const (
	TopicBudgetTripped      = "budget.tripped"
	TopicEscalationRecorded = "escalation.recorded"
	TopicBuildPaused        = "build.paused"
)

// JobTopic builds the full topic for a per-job event kind.
func JobTopic(jobID, kind string) string {
	return "job." + jobID + "." + kind
}

// JobTopicPrefix matches every event for one job.
func JobTopicPrefix(jobID string) string {
	return "job." + jobID + "."
}

// TransitionEvent is published on every successful state transition.
type TransitionEvent struct {
	JobID      string    // job id
	From       string    // previous status
	To         string    // new status
	StageLabel string    // human-readable label for the new stage
	Message    string    // status message written with the transition
	At         time.Time // transition timestamp
}

// BudgetTrippedEvent is published when the hard circuit breaker fires.
type BudgetTrippedEvent struct {
	SessionID   string
	Cumulative  int64 // micro-currency spent so far
	DailyBudget int64 // micro-currency daily allowance
}

// EscalationEvent is published when a failure is handed to a human.
type EscalationEvent struct {
	EscalationID string
	SessionID    string
	Category     string
	Signature    string
}

// BuildPausedEvent is published when the session-wide escalation threshold
// is crossed and the whole build should stop.
type BuildPausedEvent struct {
	SessionID   string
	Escalations int
}
