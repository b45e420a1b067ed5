package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vlad-mantoiu/foundry/internal/tier"
)

func TestLoadFrom_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.QueueCapacity != 100 {
		t.Fatalf("queue capacity = %d, want 100", cfg.QueueCapacity)
	}
	if cfg.BindAddr != "127.0.0.1:8090" {
		t.Fatalf("bind addr = %q", cfg.BindAddr)
	}
	if cfg.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("data dir = %q", cfg.DataDir)
	}
	if cfg.Telemetry.LogLevel != "info" || cfg.Telemetry.MetricsExporter != "stdout" {
		t.Fatalf("telemetry defaults = %+v", cfg.Telemetry)
	}
	if cfg.Sandbox.Image != "node:20-alpine" {
		t.Fatalf("sandbox image = %q", cfg.Sandbox.Image)
	}
}

func TestLoadFrom_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := `
queue_capacity: 25
tiers:
  cto_scale:
    daily_job_limit: 20
model_rates:
  my-model:
    input_per_1m: 1000
    output_per_1m: 2000
telemetry:
  log_level: debug
  metrics_exporter: none
`
	if err := os.WriteFile(ConfigPath(dir), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.QueueCapacity != 25 {
		t.Fatalf("queue capacity = %d, want 25", cfg.QueueCapacity)
	}
	if cfg.Telemetry.LogLevel != "debug" || cfg.Telemetry.MetricsExporter != "none" {
		t.Fatalf("telemetry = %+v", cfg.Telemetry)
	}

	limits := cfg.TierLimits()
	if got := limits.Params(tier.CTOScale).DailyJobLimit; got != 20 {
		t.Fatalf("cto daily limit = %d, want 20", got)
	}
	// Fields without overrides keep their defaults.
	if got := limits.Params(tier.CTOScale).IterationDepth; got != tier.CTOScale.DefaultParams().IterationDepth {
		t.Fatalf("cto iteration depth = %d", got)
	}
	if got := limits.Params(tier.Bootstrapper).DailyJobLimit; got != tier.Bootstrapper.DefaultParams().DailyJobLimit {
		t.Fatalf("bootstrapper daily limit = %d", got)
	}

	rates := cfg.RateTable()
	if r := rates.Lookup("my-model"); r.InputPer1M != 1000 || r.OutputPer1M != 2000 {
		t.Fatalf("my-model rate = %+v", r)
	}
}

func TestFingerprintChangesWithConfig(t *testing.T) {
	a, _ := LoadFrom(t.TempDir())
	b := a
	b.QueueCapacity = 7
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint did not change with queue capacity")
	}
}

func TestWatcherEmitsOnWrite(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(ConfigPath(dir), []byte("queue_capacity: 10\n"), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(dir, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(ConfigPath(dir), []byte("queue_capacity: 20\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path != ConfigPath(dir) {
			t.Fatalf("event path = %q", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event after write")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(dir, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %q", ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}
