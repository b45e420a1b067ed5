package promote

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/vlad-mantoiu/foundry/internal/admission"
	"github.com/vlad-mantoiu/foundry/internal/bus"
	"github.com/vlad-mantoiu/foundry/internal/job"
	"github.com/vlad-mantoiu/foundry/internal/kv"
	"github.com/vlad-mantoiu/foundry/internal/otel"
	"github.com/vlad-mantoiu/foundry/internal/tier"
)

func testPromoter(t *testing.T, store kv.Store, capacity int64, now time.Time) (*Promoter, *job.Machine, *admission.Queue) {
	t.Helper()
	jobs := job.NewMachine(store, bus.New())
	queue := admission.NewQueue(store, capacity)
	metrics, err := otel.NewMetrics(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	p, err := NewPromoter(Config{
		Store:   store,
		Jobs:    jobs,
		Queue:   queue,
		Metrics: metrics,
		Now:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewPromoter: %v", err)
	}
	return p, jobs, queue
}

func scheduleJob(t *testing.T, store kv.Store, jobs *job.Machine, id string, tr tier.Tier, day time.Time) {
	t.Helper()
	rec := &job.Record{
		ID:       id,
		TenantID: "tenant-1",
		Tier:     tr,
		Goal:     "a crm for dog walkers",
		Status:   job.StatusScheduled,
	}
	if err := jobs.Create(context.Background(), rec); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	if err := store.Set(kv.ScheduledKey(day, id), []byte(id), 0); err != nil {
		t.Fatalf("schedule %s: %v", id, err)
	}
}

func TestPromoteDue_PastDaysOnly(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	now := time.Date(2026, 3, 2, 0, 0, 5, 0, time.UTC)
	p, jobs, queue := testPromoter(t, store, 10, now)

	yesterday := now.AddDate(0, 0, -1)
	scheduleJob(t, store, jobs, "job-past", tier.Bootstrapper, yesterday)
	scheduleJob(t, store, jobs, "job-today", tier.Bootstrapper, now)

	promoted, err := p.PromoteDue(ctx)
	if err != nil {
		t.Fatalf("PromoteDue: %v", err)
	}
	if promoted != 1 {
		t.Fatalf("promoted = %d, want 1", promoted)
	}

	status, err := jobs.GetStatus(ctx, "job-past")
	if err != nil || status != job.StatusQueued {
		t.Fatalf("past job status = %v, %v", status, err)
	}
	status, err = jobs.GetStatus(ctx, "job-today")
	if err != nil || status != job.StatusScheduled {
		t.Fatalf("today's job status = %v, %v", status, err)
	}

	if pos, err := queue.Position(ctx, "job-past"); err != nil || pos != 1 {
		t.Fatalf("queue position = %d, %v", pos, err)
	}

	// The consumed entry is gone; re-running promotes nothing.
	promoted, err = p.PromoteDue(ctx)
	if err != nil || promoted != 0 {
		t.Fatalf("second sweep = %d, %v", promoted, err)
	}
}

func TestPromoteDue_KeepsTierOrdering(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	now := time.Date(2026, 3, 2, 0, 0, 5, 0, time.UTC)
	p, jobs, queue := testPromoter(t, store, 10, now)

	yesterday := now.AddDate(0, 0, -1)
	scheduleJob(t, store, jobs, "job-boot", tier.Bootstrapper, yesterday)
	scheduleJob(t, store, jobs, "job-cto", tier.CTOScale, yesterday)

	if _, err := p.PromoteDue(ctx); err != nil {
		t.Fatalf("PromoteDue: %v", err)
	}

	entry, ok, err := queue.Dequeue(ctx)
	if err != nil || !ok {
		t.Fatalf("Dequeue: %v %v", ok, err)
	}
	if entry.JobID != "job-cto" {
		t.Fatalf("dequeued %s first, want job-cto", entry.JobID)
	}
}

func TestPromoteDue_QueueFullDefers(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	now := time.Date(2026, 3, 2, 0, 0, 5, 0, time.UTC)
	p, jobs, queue := testPromoter(t, store, 1, now)

	if _, err := queue.Enqueue(ctx, "occupant", tier.Partner); err != nil {
		t.Fatalf("fill queue: %v", err)
	}
	yesterday := now.AddDate(0, 0, -1)
	scheduleJob(t, store, jobs, "job-1", tier.Bootstrapper, yesterday)

	promoted, err := p.PromoteDue(ctx)
	if err != nil || promoted != 0 {
		t.Fatalf("full-queue sweep = %d, %v", promoted, err)
	}
	if status, _ := jobs.GetStatus(ctx, "job-1"); status != job.StatusScheduled {
		t.Fatalf("deferred job status = %v, want scheduled", status)
	}

	// Once the queue drains the entry is still there to promote.
	if _, _, err := queue.Dequeue(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	promoted, err = p.PromoteDue(ctx)
	if err != nil || promoted != 1 {
		t.Fatalf("retry sweep = %d, %v", promoted, err)
	}
}

func TestPromoteDue_DropsOrphanedEntries(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	now := time.Date(2026, 3, 2, 0, 0, 5, 0, time.UTC)
	p, _, _ := testPromoter(t, store, 10, now)

	yesterday := now.AddDate(0, 0, -1)
	if err := store.Set(kv.ScheduledKey(yesterday, "ghost"), []byte("ghost"), 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	promoted, err := p.PromoteDue(ctx)
	if err != nil || promoted != 0 {
		t.Fatalf("sweep = %d, %v", promoted, err)
	}

	found := false
	store.Scan(kv.ScheduledPrefix, func(string, []byte) (bool, error) {
		found = true
		return false, nil
	})
	if found {
		t.Fatal("orphaned entry not cleaned up")
	}
}

func TestPromoteDue_DropsEntryWhenJobAlreadyMoved(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	now := time.Date(2026, 3, 2, 0, 0, 5, 0, time.UTC)
	p, jobs, queue := testPromoter(t, store, 10, now)

	yesterday := now.AddDate(0, 0, -1)
	scheduleJob(t, store, jobs, "job-1", tier.Bootstrapper, yesterday)

	// A concurrent sweep already moved the job out of scheduled.
	if ok, err := jobs.Transition(ctx, "job-1", job.StatusQueued, ""); err != nil || !ok {
		t.Fatalf("pre-transition: %v %v", ok, err)
	}

	promoted, err := p.PromoteDue(ctx)
	if err != nil {
		t.Fatalf("PromoteDue: %v", err)
	}
	if promoted != 0 {
		t.Fatalf("promoted = %d, want 0", promoted)
	}

	// The dead entry is gone and nothing was left sitting in the queue.
	found := false
	store.Scan(kv.ScheduledPrefix, func(string, []byte) (bool, error) {
		found = true
		return false, nil
	})
	if found {
		t.Fatal("stale entry survived the sweep")
	}
	if n, err := queue.Len(ctx); err != nil || n != 0 {
		t.Fatalf("queue length = %d, %v", n, err)
	}
}
