package kv

import (
	"testing"
	"time"
)

func TestMemory_SetGetDelete(t *testing.T) {
	s := NewMemory()

	if err := s.Set("a", []byte("one"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := s.Get("a")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v, %v", got, ok, err)
	}
	if string(got) != "one" {
		t.Fatalf("Get = %q, want %q", got, "one")
	}

	if err := s.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get("a"); ok {
		t.Fatal("Get after Delete: key still present")
	}
}

func TestMemory_Expiry(t *testing.T) {
	s := NewMemory()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := base
	s.Now = func() time.Time { return now }

	if err := s.Set("k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, _ := s.Get("k"); !ok {
		t.Fatal("key missing before expiry")
	}

	now = base.Add(2 * time.Minute)
	if _, ok, _ := s.Get("k"); ok {
		t.Fatal("key still live after expiry")
	}

	// A fresh IncrBy on an expired counter restarts from zero.
	v, err := s.IncrBy("k2", 3, time.Minute)
	if err != nil || v != 3 {
		t.Fatalf("IncrBy = %d, %v, want 3", v, err)
	}
	now = now.Add(2 * time.Minute)
	v, err = s.IncrBy("k2", 1, time.Minute)
	if err != nil || v != 1 {
		t.Fatalf("IncrBy after expiry = %d, %v, want 1", v, err)
	}
}

func TestMemory_IncrByMonotonic(t *testing.T) {
	s := NewMemory()
	var last int64
	for i := 1; i <= 10; i++ {
		v, err := s.IncrBy("c", 2, 0)
		if err != nil {
			t.Fatalf("IncrBy: %v", err)
		}
		if v <= last {
			t.Fatalf("counter went backwards: %d after %d", v, last)
		}
		last = v
	}
	if last != 20 {
		t.Fatalf("final counter = %d, want 20", last)
	}
}

func TestMemory_ScanOrderAndPrefix(t *testing.T) {
	s := NewMemory()
	for _, k := range []string{"q!2!b", "q!1!a", "q!1!b", "other"} {
		if err := s.Set(k, []byte(k), 0); err != nil {
			t.Fatalf("Set %q: %v", k, err)
		}
	}

	var got []string
	err := s.Scan("q!", func(key string, _ []byte) (bool, error) {
		got = append(got, key)
		return true, nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	want := []string{"q!1!a", "q!1!b", "q!2!b"}
	if len(got) != len(want) {
		t.Fatalf("Scan keys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Scan keys = %v, want %v", got, want)
		}
	}
}

func TestMemory_BatchAtomic(t *testing.T) {
	s := NewMemory()
	if err := s.Set("a", []byte("old"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	b := s.Batch()
	b.Set("a", []byte("new"), 0)
	b.Set("b", []byte("created"), 0)
	b.Delete("missing")
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if v, _, _ := s.Get("a"); string(v) != "new" {
		t.Fatalf("a = %q, want %q", v, "new")
	}
	if v, _, _ := s.Get("b"); string(v) != "created" {
		t.Fatalf("b = %q, want %q", v, "created")
	}
}

func TestPebble_RoundTrip(t *testing.T) {
	s, err := OpenPebble(t.TempDir() + "/kv")
	if err != nil {
		t.Fatalf("OpenPebble: %v", err)
	}
	defer s.Close()

	if err := s.Set("job!x", []byte(`{"id":"x"}`), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get("job!x")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if string(v) != `{"id":"x"}` {
		t.Fatalf("Get = %q", v)
	}

	if n, err := s.IncrBy("cnt", 5, 0); err != nil || n != 5 {
		t.Fatalf("IncrBy = %d, %v", n, err)
	}
	if n, err := s.IncrBy("cnt", -2, 0); err != nil || n != 3 {
		t.Fatalf("IncrBy = %d, %v", n, err)
	}
	if n, ok, err := s.GetInt("cnt"); err != nil || !ok || n != 3 {
		t.Fatalf("GetInt = %d, %v, %v", n, ok, err)
	}

	b := s.Batch()
	b.Set("q!1!a", []byte("j1"), 0)
	b.Delete("job!x")
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, ok, _ := s.Get("job!x"); ok {
		t.Fatal("job!x survived batch delete")
	}

	var keys []string
	if err := s.Scan("q!", func(k string, _ []byte) (bool, error) {
		keys = append(keys, k)
		return true, nil
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(keys) != 1 || keys[0] != "q!1!a" {
		t.Fatalf("Scan = %v", keys)
	}
}

func TestUntilNextMidnight(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	if d := UntilNextMidnight(now); d != time.Hour {
		t.Fatalf("UntilNextMidnight = %v, want 1h", d)
	}
}

func TestQueueKey_Ordering(t *testing.T) {
	// Inverted-rank keys must sort so that higher tiers come first and, within
	// a tier, earlier sequences come first.
	k1 := QueueKey(0, 7)  // cto_scale (inverted rank 0), later arrival
	k2 := QueueKey(2, 1)  // bootstrapper, earliest arrival
	k3 := QueueKey(2, 2)  // bootstrapper, second
	if !(k1 < k2 && k2 < k3) {
		t.Fatalf("queue key order broken: %q %q %q", k1, k2, k3)
	}
}
