package failure

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vlad-mantoiu/foundry/internal/bus"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		errType, message string
		want             Category
	}{
		{"PermissionError", "access denied", CategoryNeverRetry},
		{"AuthError", "401 Unauthorized", CategoryNeverRetry},
		{"HTTPError", "Rate Limit exceeded (429)", CategoryNeverRetry},
		{"BillingError", "payment required", CategoryNeverRetry},
		{"TimeoutError", "connection refused on port 5432", CategoryEnvError},
		{"OSError", "No space left on device", CategoryEnvError},
		{"FetchError", "registry.npmjs.org unreachable", CategoryEnvError},
		{"RuntimeError", "deadline exceeded while pulling image", CategoryEnvError},
		{"SyntaxError", "invalid syntax", CategoryCodeError},
		{"TypeError", "cannot read property of undefined", CategoryCodeError},
		{"", "something broke", CategoryCodeError},
		{"", "", CategoryCodeError},
	}
	for _, tc := range cases {
		if got := Classify(tc.errType, tc.message); got != tc.want {
			t.Errorf("Classify(%q, %q) = %v, want %v", tc.errType, tc.message, got, tc.want)
		}
	}
}

func TestSignature(t *testing.T) {
	a := Signature("sess-1", "TypeError", "x is undefined")
	b := Signature("sess-1", "TypeError", "x is undefined")
	if a != b {
		t.Fatalf("signature not deterministic: %q vs %q", a, b)
	}
	if c := Signature("sess-2", "TypeError", "x is undefined"); c == a {
		t.Fatal("signature must vary by scope")
	}
	if c := Signature("sess-1", "ValueError", "x is undefined"); c == a {
		t.Fatal("signature must vary by error type")
	}
	if c := Signature("sess-1", "TypeError", "y is undefined"); c == a {
		t.Fatal("signature must vary by message")
	}

	// The message contributes a fixed-length hash suffix.
	long := Signature("s", "E", strings.Repeat("very long stack trace ", 200))
	short := Signature("s", "E", "x")
	if len(long) != len(short) {
		t.Fatalf("hash suffix not fixed length: %d vs %d", len(long), len(short))
	}
}

func TestRecordAndCheck_EscalatesOnFourthAttempt(t *testing.T) {
	tr := NewTracker("sess", nil, nil, nil, nil)

	for want := 1; want <= 3; want++ {
		escalate, attempt := tr.RecordAndCheck("TypeError", "boom")
		if escalate || attempt != want {
			t.Fatalf("attempt %d: got (%v, %d)", want, escalate, attempt)
		}
	}
	escalate, attempt := tr.RecordAndCheck("TypeError", "boom")
	if !escalate || attempt != 4 {
		t.Fatalf("fourth attempt: got (%v, %d), want (true, 4)", escalate, attempt)
	}
	if tr.EscalationCount() != 1 {
		t.Fatalf("escalation count = %d, want 1", tr.EscalationCount())
	}
}

func TestRecordAndCheck_IndependentSignatures(t *testing.T) {
	tr := NewTracker("sess", nil, nil, nil, nil)

	tr.RecordAndCheck("TypeError", "boom")
	tr.RecordAndCheck("TypeError", "boom")
	if _, attempt := tr.RecordAndCheck("ValueError", "other"); attempt != 1 {
		t.Fatalf("unrelated signature attempt = %d, want 1", attempt)
	}
}

func TestResetSignature(t *testing.T) {
	tr := NewTracker("sess", nil, nil, nil, nil)

	for i := 0; i < 3; i++ {
		tr.RecordAndCheck("TypeError", "boom")
	}
	tr.ResetSignature("TypeError", "boom")
	if escalate, attempt := tr.RecordAndCheck("TypeError", "boom"); escalate || attempt != 1 {
		t.Fatalf("after reset: got (%v, %d), want (false, 1)", escalate, attempt)
	}
}

func TestGlobalThreshold(t *testing.T) {
	tr := NewTracker("sess", nil, nil, nil, nil)

	for i := 0; i < 5; i++ {
		if tr.GlobalThresholdExceeded() {
			t.Fatalf("threshold tripped after %d escalations", i)
		}
		msg := strings.Repeat("x", i+1)
		for j := 0; j < 4; j++ {
			tr.RecordAndCheck("TypeError", msg)
		}
	}
	if !tr.GlobalThresholdExceeded() {
		t.Fatal("threshold not tripped after 5 escalations")
	}
}

func TestSharedAttemptMap(t *testing.T) {
	shared := make(map[string]int)
	tr := NewTracker("sess", shared, nil, nil, nil)

	tr.RecordAndCheck("TypeError", "boom")
	tr.RecordAndCheck("TypeError", "boom")

	sig := Signature("sess", "TypeError", "boom")
	if shared[sig] != 2 {
		t.Fatalf("shared map not mutated in place: %v", shared)
	}

	// Restoring a checkpoint means mutating the same map externally.
	shared[sig] = 3
	if escalate, attempt := tr.RecordAndCheck("TypeError", "boom"); !escalate || attempt != 4 {
		t.Fatalf("after external restore: got (%v, %d), want (true, 4)", escalate, attempt)
	}
}

func TestShouldEscalateImmediately(t *testing.T) {
	tr := NewTracker("sess", nil, nil, nil, nil)

	if !tr.ShouldEscalateImmediately("PermissionError", "access denied") {
		t.Fatal("never-retry failure must escalate immediately")
	}
	if tr.ShouldEscalateImmediately("SyntaxError", "invalid syntax") {
		t.Fatal("code error must consume retry budget first")
	}
	if tr.ShouldEscalateImmediately("TimeoutError", "timed out") {
		t.Fatal("env error must consume retry budget first")
	}
}

type stubEscalationStore struct {
	inserted []*Escalation
	err      error
}

func (s *stubEscalationStore) InsertEscalation(_ context.Context, esc *Escalation) error {
	if s.err != nil {
		return s.err
	}
	s.inserted = append(s.inserted, esc)
	return nil
}

func TestRecordEscalation(t *testing.T) {
	ctx := context.Background()
	store := &stubEscalationStore{}
	events := bus.New()
	sub := events.Subscribe(bus.TopicEscalationRecorded)
	defer events.Unsubscribe(sub)

	tr := NewTracker("sess", nil, store, events, nil)

	id := tr.RecordEscalation(ctx, "PermissionError", "access denied",
		"cannot write deploy config", []string{"chmod attempt"}, "grant write access")
	if id == "" {
		t.Fatal("expected an escalation id")
	}
	if len(store.inserted) != 1 {
		t.Fatalf("inserted %d records, want 1", len(store.inserted))
	}

	esc := store.inserted[0]
	if esc.Category != CategoryNeverRetry {
		t.Fatalf("category = %v, want NEVER_RETRY", esc.Category)
	}
	if len(esc.Options) != 2 {
		t.Fatalf("never-retry options = %v, want 2 entries", esc.Options)
	}
	if esc.Status != EscalationOpen {
		t.Fatalf("status = %q, want %q", esc.Status, EscalationOpen)
	}
	if esc.CreatedAt.IsZero() || esc.CreatedAt.Location() != time.UTC {
		t.Fatalf("created_at = %v, want a UTC timestamp", esc.CreatedAt)
	}

	select {
	case event := <-sub.Ch():
		payload := event.Payload.(bus.EscalationEvent)
		if payload.EscalationID != id || payload.SessionID != "sess" {
			t.Fatalf("event = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no escalation.recorded event")
	}
}

func TestRecordEscalation_RetryableMenu(t *testing.T) {
	store := &stubEscalationStore{}
	tr := NewTracker("sess", nil, store, nil, nil)

	if id := tr.RecordEscalation(context.Background(), "SyntaxError", "invalid syntax",
		"build keeps failing", nil, "rewrite the module"); id == "" {
		t.Fatal("expected an escalation id")
	}
	if got := len(store.inserted[0].Options); got != 3 {
		t.Fatalf("retryable options = %d entries, want 3", got)
	}
}

func TestRecordEscalation_NeverRaises(t *testing.T) {
	ctx := context.Background()

	broken := &stubEscalationStore{err: errors.New("disk detached")}
	tr := NewTracker("sess", nil, broken, nil, nil)
	if id := tr.RecordEscalation(ctx, "TypeError", "boom", "p", nil, "r"); id != "" {
		t.Fatalf("id on write failure = %q, want empty", id)
	}

	noStore := NewTracker("sess", nil, nil, nil, nil)
	if id := noStore.RecordEscalation(ctx, "TypeError", "boom", "p", nil, "r"); id != "" {
		t.Fatalf("id with no store = %q, want empty", id)
	}
}
