package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vlad-mantoiu/foundry/internal/bus"
	"github.com/vlad-mantoiu/foundry/internal/kv"
)

// ErrNotFound is returned when a job record does not exist.
var ErrNotFound = errors.New("job not found")

// Machine enforces the legal transition graph over job records in the shared
// store and publishes a transition event on every successful change.
type Machine struct {
	store  kv.Store
	events *bus.Bus
	now    func() time.Time
}

// NewMachine creates a state machine over the given store. The bus may be
// nil; event publication is best-effort either way.
func NewMachine(store kv.Store, events *bus.Bus) *Machine {
	return &Machine{store: store, events: events, now: time.Now}
}

// Create initializes a job record. The initial status must be queued or
// scheduled; anything else is rejected before touching the store.
func (m *Machine) Create(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" {
		return errors.New("job id is required")
	}
	if rec.Status == "" {
		rec.Status = StatusQueued
	}
	if rec.Status != StatusQueued && rec.Status != StatusScheduled {
		return fmt.Errorf("invalid initial status %q", rec.Status)
	}
	now := m.now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	if err := m.write(rec); err != nil {
		return err
	}

	if m.events != nil {
		m.events.Publish(bus.JobTopic(rec.ID, bus.TopicJobCreated), bus.TransitionEvent{
			JobID:      rec.ID,
			To:         string(rec.Status),
			StageLabel: StageLabel(rec.Status),
			Message:    rec.StatusMessage,
			At:         now,
		})
	}
	return nil
}

// Transition atomically moves the job to target if and only if target is
// reachable from the current status, writing status, message, timestamp, and
// any extra field updates in one batch. It returns whether the transition
// happened; callers must branch on the boolean. The error return is reserved
// for store failures.
func (m *Machine) Transition(ctx context.Context, jobID string, target Status, message string, updates ...func(*Record)) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	rec, err := m.Get(ctx, jobID)
	if err != nil {
		return false, err
	}

	from := rec.Status
	if !CanTransition(from, target) {
		return false, nil
	}

	// Field updates never race the status write: both land in the same
	// record value, committed in one atomic store write.
	for _, update := range updates {
		update(rec)
	}
	rec.Status = target
	rec.StatusMessage = message
	if target == StatusFailed && message != "" {
		rec.ErrorMessage = message
	}
	at := m.now().UTC()
	rec.UpdatedAt = at

	if err := m.write(rec); err != nil {
		return false, err
	}

	// The state write is the durable fact; notification is best-effort and
	// must not undo it.
	if m.events != nil {
		m.events.Publish(bus.JobTopic(jobID, bus.TopicJobTransition), bus.TransitionEvent{
			JobID:      jobID,
			From:       string(from),
			To:         string(target),
			StageLabel: StageLabel(target),
			Message:    message,
			At:         at,
		})
	}
	return true, nil
}

// Get reads a job record.
func (m *Machine) Get(ctx context.Context, jobID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, ok, err := m.store.Get(kv.JobKey(jobID))
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", jobID, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &rec, nil
}

// GetStatus reads just the status of a job.
func (m *Machine) GetStatus(ctx context.Context, jobID string) (Status, error) {
	rec, err := m.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

func (m *Machine) write(rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", rec.ID, err)
	}
	if err := m.store.Set(kv.JobKey(rec.ID), raw, 0); err != nil {
		return fmt.Errorf("write job %s: %w", rec.ID, err)
	}
	return nil
}
