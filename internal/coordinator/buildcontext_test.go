package coordinator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vlad-mantoiu/foundry/internal/bus"
	"github.com/vlad-mantoiu/foundry/internal/failure"
	"github.com/vlad-mantoiu/foundry/internal/persistence"
	"github.com/vlad-mantoiu/foundry/internal/tier"
)

func startBuild(t *testing.T, h *harness) *BuildContext {
	t.Helper()
	submitOne(t, h, "tenant-1", tier.Partner)
	bc, ok, err := h.coord.BeginWork(context.Background())
	if err != nil || !ok {
		t.Fatalf("BeginWork: %v %v", ok, err)
	}
	return bc
}

func TestHandleToolFailureRetriesThenEscalates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100, fixedBilling{})
	bc := startBuild(t, h)

	for i := 1; i <= 3; i++ {
		out := bc.HandleToolFailure(ctx, "SyntaxError", "unexpected token", "npm build fails", nil, "")
		if out.Action != ActionRetry || out.Attempt != i {
			t.Fatalf("attempt %d outcome = %+v", i, out)
		}
		if out.Category != failure.CategoryCodeError {
			t.Fatalf("category = %q", out.Category)
		}
	}

	out := bc.HandleToolFailure(ctx, "SyntaxError", "unexpected token", "npm build fails", []string{"regenerated the file"}, "ask the founder")
	if out.Action != ActionEscalate || out.Attempt != 4 {
		t.Fatalf("fourth attempt outcome = %+v", out)
	}
	if out.EscalationID == "" {
		t.Fatal("no escalation persisted")
	}

	rec, err := h.durable.GetEscalation(ctx, out.EscalationID)
	if err != nil {
		t.Fatalf("load escalation: %v", err)
	}
	if rec.SessionID != bc.SessionID || rec.Status != failure.EscalationOpen {
		t.Fatalf("record = %+v", rec)
	}
	if len(rec.Options) != 3 {
		t.Fatalf("options = %v", rec.Options)
	}
}

func TestHandleToolFailureNeverRetryEscalatesImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100, fixedBilling{})
	bc := startBuild(t, h)

	out := bc.HandleToolFailure(ctx, "PermissionError", "access denied to registry", "cannot push image", nil, "")
	if out.Action != ActionEscalate || out.Category != failure.CategoryNeverRetry {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Attempt != 0 {
		t.Fatalf("never-retry burned an attempt: %+v", out)
	}

	rec, err := h.durable.GetEscalation(ctx, out.EscalationID)
	if err != nil {
		t.Fatalf("load escalation: %v", err)
	}
	if len(rec.Options) != 2 {
		t.Fatalf("never-retry menu = %v", rec.Options)
	}
}

func TestHandleToolFailureResetForgetsAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100, fixedBilling{})
	bc := startBuild(t, h)

	for i := 0; i < 3; i++ {
		bc.HandleToolFailure(ctx, "TypeError", "x is not a function", "", nil, "")
	}
	bc.ResetFailure("TypeError", "x is not a function")

	out := bc.HandleToolFailure(ctx, "TypeError", "x is not a function", "", nil, "")
	if out.Action != ActionRetry || out.Attempt != 1 {
		t.Fatalf("outcome after reset = %+v", out)
	}
}

func TestHandleToolFailurePausesBuild(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100, fixedBilling{})
	bc := startBuild(t, h)

	sub := h.events.Subscribe(bus.TopicBuildPaused)
	defer sub.Close()

	var last *FailureOutcome
	for i := 0; i < 5; i++ {
		msg := fmt.Sprintf("cannot find module 'pkg-%d'", i)
		for j := 0; j < 4; j++ {
			last = bc.HandleToolFailure(ctx, "ImportError", msg, "", nil, "")
		}
	}
	if last.Action != ActionPauseBuild {
		t.Fatalf("fifth escalation outcome = %+v", last)
	}

	select {
	case ev := <-sub.Ch():
		paused, ok := ev.Payload.(bus.BuildPausedEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if paused.SessionID != bc.SessionID || paused.Escalations != 5 {
			t.Fatalf("event = %+v", paused)
		}
	case <-time.After(time.Second):
		t.Fatal("no pause event published")
	}
}

func TestCheckpointRestoresRetryBudget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100, fixedBilling{})

	res := submitOne(t, h, "tenant-1", tier.Partner)

	// A previous run of this session already burned three attempts on the
	// same signature and recorded one escalation.
	sig := failure.Signature(res.JobID, "SyntaxError", "unexpected token")
	err := h.durable.SaveCheckpoint(ctx, &persistence.Checkpoint{
		SessionID:   res.JobID,
		Attempts:    map[string]int{sig: 3},
		Escalations: 1,
	})
	if err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	bc, ok, err := h.coord.BeginWork(ctx)
	if err != nil || !ok {
		t.Fatalf("BeginWork: %v %v", ok, err)
	}

	out := bc.HandleToolFailure(ctx, "SyntaxError", "unexpected token", "", nil, "")
	if out.Action != ActionEscalate || out.Attempt != 4 {
		t.Fatalf("outcome after restore = %+v", out)
	}
}

func TestCheckpointPersistsCurrentState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100, fixedBilling{})
	bc := startBuild(t, h)

	bc.HandleToolFailure(ctx, "TypeError", "x is not a function", "", nil, "")
	bc.HandleToolFailure(ctx, "TypeError", "x is not a function", "", nil, "")
	if err := bc.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	cp, err := h.durable.LoadCheckpoint(ctx, bc.SessionID)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	sig := failure.Signature(bc.SessionID, "TypeError", "x is not a function")
	if cp.Attempts[sig] != 2 || cp.Escalations != 0 {
		t.Fatalf("checkpoint = %+v", cp)
	}
}
