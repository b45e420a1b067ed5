package failure

import "time"

// Escalation statuses.
const (
	EscalationOpen     = "open"
	EscalationResolved = "resolved"
)

// Founder-facing option menus, keyed by category. Never-retry failures get
// no retry option: the founder either supplies what is missing or stops.
var (
	neverRetryOptions = []string{"provide_guidance", "abort_build"}
	retryableOptions  = []string{"retry_with_guidance", "skip_feature", "abort_build"}
)

// OptionsFor returns the decision menu offered to the founder for a
// category. The returned slice is a copy.
func OptionsFor(category Category) []string {
	src := retryableOptions
	if category == CategoryNeverRetry {
		src = neverRetryOptions
	}
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// Escalation is a failure handed to a human. Once persisted it is immutable
// except for the resolution fields.
type Escalation struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	Signature         string    `json:"signature"`
	Category          Category  `json:"category"`
	Problem           string    `json:"problem"`
	Attempts          []string  `json:"attempts"`
	RecommendedAction string    `json:"recommended_action"`
	Options           []string  `json:"options"`
	Status            string    `json:"status"`
	Decision          string    `json:"decision,omitempty"`
	Guidance          string    `json:"guidance,omitempty"`
	ResolvedAt        time.Time `json:"resolved_at,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}
