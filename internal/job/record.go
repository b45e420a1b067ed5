// Package job holds build-job records and the state machine that is the only
// writer of a job's status.
package job

import (
	"time"

	"github.com/vlad-mantoiu/foundry/internal/tier"
)

// Status is a build job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusStarting  Status = "starting"
	StatusScaffold  Status = "scaffold"
	StatusCode      Status = "code"
	StatusDeps      Status = "deps"
	StatusChecks    Status = "checks"
	StatusReady     Status = "ready"
	StatusFailed    Status = "failed"
	StatusScheduled Status = "scheduled"
)

// allowedTransitions is the fixed adjacency table. A transition absent from
// this table is refused with a boolean false, never an error: racing an
// illegal transition is expected control flow.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusQueued: {
		StatusStarting:  {},
		StatusScheduled: {},
		StatusFailed:    {},
	},
	StatusStarting: {
		StatusScaffold: {},
		StatusFailed:   {},
	},
	StatusScaffold: {
		StatusCode:   {},
		StatusFailed: {},
	},
	StatusCode: {
		StatusDeps:   {},
		StatusFailed: {},
	},
	StatusDeps: {
		StatusChecks: {},
		StatusFailed: {},
	},
	StatusChecks: {
		StatusReady:    {},
		StatusScaffold: {}, // failed checks replan from scaffolding
		StatusFailed:   {},
	},
	StatusScheduled: {
		StatusQueued: {}, // next-day promotion
	},
	// ready and failed are terminal.
}

// CanTransition reports whether target is reachable from current.
func CanTransition(current, target Status) bool {
	next, ok := allowedTransitions[current]
	if !ok {
		return false
	}
	_, ok = next[target]
	return ok
}

// Terminal reports whether a status has no outgoing edges.
func Terminal(s Status) bool {
	return len(allowedTransitions[s]) == 0
}

// stageLabels are the founder-facing names for each stage, carried on every
// transition event.
var stageLabels = map[Status]string{
	StatusQueued:    "Waiting in line",
	StatusStarting:  "Setting up your workspace",
	StatusScaffold:  "Laying the foundation",
	StatusCode:      "Writing your application",
	StatusDeps:      "Installing dependencies",
	StatusChecks:    "Running checks",
	StatusReady:     "Your build is live",
	StatusFailed:    "Build stopped",
	StatusScheduled: "Scheduled for tomorrow",
}

// StageLabel returns the human-readable label for a status.
func StageLabel(s Status) string {
	if label, ok := stageLabels[s]; ok {
		return label
	}
	return string(s)
}

// Record is the ground truth for one build job. Status is only ever written
// by a validated transition; once the status is terminal the record is
// immutable and is reclaimed by store TTL, not by this layer.
type Record struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Tier          tier.Tier `json:"tier"`
	ProjectID     string    `json:"project_id,omitempty"`
	Goal          string    `json:"goal"`
	SandboxID     string    `json:"sandbox_id,omitempty"`
	BuildVersion  string    `json:"build_version,omitempty"`
	PreviewURL    string    `json:"preview_url,omitempty"`
	Status        Status    `json:"status"`
	StatusMessage string    `json:"status_message,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	DebugID       string    `json:"debug_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
