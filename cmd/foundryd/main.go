package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vlad-mantoiu/foundry/internal/admission"
	"github.com/vlad-mantoiu/foundry/internal/budget"
	"github.com/vlad-mantoiu/foundry/internal/bus"
	"github.com/vlad-mantoiu/foundry/internal/config"
	"github.com/vlad-mantoiu/foundry/internal/coordinator"
	"github.com/vlad-mantoiu/foundry/internal/gateway"
	"github.com/vlad-mantoiu/foundry/internal/job"
	"github.com/vlad-mantoiu/foundry/internal/kv"
	otelPkg "github.com/vlad-mantoiu/foundry/internal/otel"
	"github.com/vlad-mantoiu/foundry/internal/persistence"
	"github.com/vlad-mantoiu/foundry/internal/promote"
	"github.com/vlad-mantoiu/foundry/internal/quota"
	"github.com/vlad-mantoiu/foundry/internal/runner"
	"github.com/vlad-mantoiu/foundry/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                        Start the build admission daemon

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  FOUNDRY_HOME            Data directory (default: ~/.foundry)

Configuration lives at $FOUNDRY_HOME/config.yaml and is hot-reloaded on
change; model rates apply without a restart.
`)
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	quietLogs := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.Telemetry.LogLevel, *quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Exporter: cfg.Telemetry.MetricsExporter,
		Endpoint: cfg.Telemetry.OTLPEndpoint,
		Interval: time.Duration(cfg.Telemetry.IntervalSeconds) * time.Second,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := kv.OpenPebble(cfg.DataDir)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()

	durable, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_DURABLE_OPEN", err)
	}
	defer durable.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	sandboxes, err := runner.NewDocker(
		cfg.Sandbox.Image,
		cfg.Sandbox.MemoryMB,
		cfg.Sandbox.Network,
		cfg.Sandbox.WorkspaceRoot,
	)
	if err != nil {
		fatalStartup(logger, "E_SANDBOX_INIT", err)
	}
	defer sandboxes.Close()

	limits := cfg.TierLimits()
	rates := cfg.RateTable()
	jobs := job.NewMachine(store, eventBus)
	queue := admission.NewQueue(store, cfg.QueueCapacity)
	estimator := admission.NewEstimator()

	coord, err := coordinator.New(coordinator.Services{
		Store:      store,
		Jobs:       jobs,
		Queue:      queue,
		Estimator:  estimator,
		Usage:      quota.NewUsageTracker(store, limits),
		Iterations: quota.NewIterationTracker(store, limits),
		Budget:     budget.NewService(store, rates, nil, eventBus, logger),
		Durable:    durable,
		Runner:     sandboxes,
		Events:     eventBus,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_COORDINATOR_INIT", err)
	}
	logger.Info("startup phase", "phase", "coordinator_ready",
		"queue_capacity", cfg.QueueCapacity, "db_path", cfg.DBPath)

	promoter, err := promote.NewPromoter(promote.Config{
		Store:   store,
		Jobs:    jobs,
		Queue:   queue,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_PROMOTER_INIT", err)
	}
	promoter.Start(ctx)
	defer promoter.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		// A broken watcher degrades hot reload, not the daemon.
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go reloadLoop(ctx, watcher, cfg, rates, logger)
	}

	go observeEvents(ctx, eventBus, logger)

	api := gateway.New(gateway.Config{
		Coordinator: coord,
		Jobs:        jobs,
		Queue:       queue,
		Durable:     durable,
		Logger:      logger,
		Version:     Version,
	})
	httpSrv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("startup phase", "phase", "running", "bind_addr", cfg.BindAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown", "reason", "signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
}

// reloadLoop applies config.yaml changes without a restart. Only the model
// rate table swaps live; queue capacity and tier limits need a restart and
// the loop says so when they drift.
func reloadLoop(ctx context.Context, watcher *config.Watcher, current config.Config, rates *budget.RateTable, logger *slog.Logger) {
	fingerprint := current.Fingerprint()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			next, err := config.LoadFrom(current.HomeDir)
			if err != nil {
				logger.Warn("config reload failed, keeping previous", "path", ev.Path, "error", err)
				continue
			}
			if next.Fingerprint() == fingerprint {
				continue
			}
			fingerprint = next.Fingerprint()
			rates.Replace(next.ModelRates, next.FallbackRate)
			logger.Info("config reloaded", "path", ev.Path)
			if next.QueueCapacity != current.QueueCapacity {
				logger.Warn("queue_capacity changed; restart to apply",
					"running", current.QueueCapacity, "configured", next.QueueCapacity)
			}
		}
	}
}

// observeEvents mirrors lifecycle events into the log so an operator can
// follow builds without a metrics backend.
func observeEvents(ctx context.Context, eventBus *bus.Bus, logger *slog.Logger) {
	jobsSub := eventBus.Subscribe("job.")
	defer jobsSub.Close()
	budgetSub := eventBus.Subscribe(bus.TopicBudgetTripped)
	defer budgetSub.Close()
	pauseSub := eventBus.Subscribe(bus.TopicBuildPaused)
	defer pauseSub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-jobsSub.Ch():
			if tr, ok := ev.Payload.(bus.TransitionEvent); ok {
				logger.Info("job transition",
					"job_id", tr.JobID, "from", tr.From, "to", tr.To, "stage", tr.StageLabel)
			}
		case ev := <-budgetSub.Ch():
			if trip, ok := ev.Payload.(bus.BudgetTrippedEvent); ok {
				logger.Warn("budget breaker tripped",
					"session_id", trip.SessionID,
					"cumulative_micros", trip.Cumulative,
					"daily_budget_micros", trip.DailyBudget)
			}
		case ev := <-pauseSub.Ch():
			if paused, ok := ev.Payload.(bus.BuildPausedEvent); ok {
				logger.Warn("build paused on repeated escalations",
					"session_id", paused.SessionID, "escalations", paused.Escalations)
			}
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"foundry","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
