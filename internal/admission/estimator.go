package admission

import (
	"sync"
	"time"

	"github.com/vlad-mantoiu/foundry/internal/tier"
)

// Confidence qualifies a wait estimate by how much throughput history backs
// it.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

const estimatorWindow = 20

// Conservative per-job defaults used when no throughput history exists yet.
// Lower tiers assume a slower lane.
var defaultPerJob = map[tier.Tier]time.Duration{
	tier.CTOScale:     3 * time.Minute,
	tier.Partner:      4 * time.Minute,
	tier.Bootstrapper: 5 * time.Minute,
}

// Estimator turns queue depth into an estimated wait using a sliding window
// of recent build completion durations. It is deterministic for a fixed
// window and never fails: missing history degrades to a conservative
// default.
type Estimator struct {
	mu      sync.Mutex
	samples []time.Duration
}

// NewEstimator creates an estimator with no history.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// RecordCompletion feeds one completed build's duration into the window.
// Non-positive durations are ignored.
func (e *Estimator) RecordCompletion(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = append(e.samples, d)
	if len(e.samples) > estimatorWindow {
		e.samples = e.samples[len(e.samples)-estimatorWindow:]
	}
}

// Estimate returns the expected wait for a job at the given 1-indexed queue
// position.
func (e *Estimator) Estimate(position int, t tier.Tier) time.Duration {
	d, _ := e.EstimateWithConfidence(position, t)
	return d
}

// EstimateWithConfidence returns the expected wait plus a qualifier for how
// trustworthy the number is.
func (e *Estimator) EstimateWithConfidence(position int, t tier.Tier) (time.Duration, Confidence) {
	if position < 1 {
		position = 1
	}
	ahead := time.Duration(position - 1)

	e.mu.Lock()
	n := len(e.samples)
	var total time.Duration
	for _, s := range e.samples {
		total += s
	}
	e.mu.Unlock()

	if n == 0 {
		perJob, ok := defaultPerJob[t]
		if !ok {
			perJob = defaultPerJob[tier.Bootstrapper]
		}
		return perJob + ahead*perJob, ConfidenceLow
	}

	perJob := total / time.Duration(n)
	wait := perJob + ahead*perJob

	switch {
	case n < 5:
		return wait, ConfidenceMedium
	default:
		return wait, ConfidenceHigh
	}
}
