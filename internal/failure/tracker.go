package failure

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vlad-mantoiu/foundry/internal/bus"
)

const (
	// maxAttempts is the retry budget per signature: three attempts, then
	// the fourth failure escalates.
	maxAttempts = 3

	// globalEscalationThreshold pauses the whole build once this many
	// escalations have piled up in one session.
	globalEscalationThreshold = 5
)

// EscalationStore is the durable-store handle for escalation writes. The
// sqlite layer implements it.
type EscalationStore interface {
	InsertEscalation(ctx context.Context, esc *Escalation) error
}

// Tracker counts failures per signature and decides when to stop retrying.
//
// The attempt map is shared by reference with whoever checkpoints the
// session: the tracker mutates the caller's map in place so suspend/resume
// can serialize and restore it without coordination. No concurrent writers
// are expected within a single build's execution.
type Tracker struct {
	scopeID     string
	attempts    map[string]int
	escalations int
	store       EscalationStore
	events      *bus.Bus
	logger      *slog.Logger
	now         func() time.Time
}

// NewTracker builds a tracker over the caller's attempt map. A nil map gets
// allocated, but then nobody else holds the reference. store and events may
// be nil.
func NewTracker(scopeID string, attempts map[string]int, store EscalationStore, events *bus.Bus, logger *slog.Logger) *Tracker {
	if attempts == nil {
		attempts = make(map[string]int)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		scopeID:  scopeID,
		attempts: attempts,
		store:    store,
		events:   events,
		logger:   logger,
		now:      time.Now,
	}
}

// ShouldEscalateImmediately reports whether this failure must skip the
// retry budget entirely. Check it before RecordAndCheck so a never-retry
// failure does not burn a retry slot.
func (t *Tracker) ShouldEscalateImmediately(errType, message string) bool {
	return Classify(errType, message) == CategoryNeverRetry
}

// RecordAndCheck increments the attempt counter for this failure's
// signature and reports whether the retry budget is spent. Escalate fires
// on the fourth recorded failure of the same signature, and each trip
// bumps the session-wide escalation counter.
func (t *Tracker) RecordAndCheck(errType, message string) (escalate bool, attempt int) {
	sig := Signature(t.scopeID, errType, message)
	t.attempts[sig]++
	attempt = t.attempts[sig]
	if attempt > maxAttempts {
		t.escalations++
		return true, attempt
	}
	return false, attempt
}

// GlobalThresholdExceeded reports whether the session has escalated so many
// times that the whole build should pause, not just the failing task.
func (t *Tracker) GlobalThresholdExceeded() bool {
	return t.escalations >= globalEscalationThreshold
}

// EscalationCount returns the session-scoped escalation counter.
func (t *Tracker) EscalationCount() int {
	return t.escalations
}

// RestoreEscalationCount reinstates the counter after a resume.
func (t *Tracker) RestoreEscalationCount(n int) {
	if n < 0 {
		n = 0
	}
	t.escalations = n
}

// ResetSignature forgets a signature's attempts so a fresh round can begin,
// used after a human supplies new guidance for that failure.
func (t *Tracker) ResetSignature(errType, message string) {
	delete(t.attempts, Signature(t.scopeID, errType, message))
}

// RecordEscalation persists an escalation record and returns its id, or ""
// on any failure. This path never raises: a failed escalation write must
// not crash a build loop that is already struggling.
func (t *Tracker) RecordEscalation(ctx context.Context, errType, message, problem string, attempts []string, recommended string) string {
	category := Classify(errType, message)
	esc := &Escalation{
		ID:                uuid.NewString(),
		SessionID:         t.scopeID,
		Signature:         Signature(t.scopeID, errType, message),
		Category:          category,
		Problem:           problem,
		Attempts:          attempts,
		RecommendedAction: recommended,
		Options:           OptionsFor(category),
		Status:            EscalationOpen,
		CreatedAt:         t.now().UTC(),
	}

	if t.store == nil {
		t.logger.Warn("escalation dropped: no durable store", "session_id", t.scopeID, "signature", esc.Signature)
		return ""
	}
	if err := t.store.InsertEscalation(ctx, esc); err != nil {
		t.logger.Warn("escalation write failed", "session_id", t.scopeID, "signature", esc.Signature, "error", err)
		return ""
	}

	if t.events != nil {
		t.events.Publish(bus.TopicEscalationRecorded, bus.EscalationEvent{
			EscalationID: esc.ID,
			SessionID:    t.scopeID,
			Category:     string(category),
			Signature:    esc.Signature,
		})
	}
	return esc.ID
}
