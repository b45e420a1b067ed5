package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all foundry metric instruments.
type Metrics struct {
	AdmissionsTotal    metric.Int64Counter
	RejectionsTotal    metric.Int64Counter
	QueueDepth         metric.Int64UpDownCounter
	WaitEstimate       metric.Float64Histogram
	TransitionsTotal   metric.Int64Counter
	IterationsTotal    metric.Int64Counter
	SpendMicros        metric.Int64Counter
	BudgetTripsTotal   metric.Int64Counter
	EscalationsTotal   metric.Int64Counter
	BuildPausesTotal   metric.Int64Counter
	ScheduledNextDay   metric.Int64Counter
	PromotionsTotal    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.AdmissionsTotal, err = meter.Int64Counter("foundry.admission.accepted",
		metric.WithDescription("Jobs admitted into the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.RejectionsTotal, err = meter.Int64Counter("foundry.admission.rejected",
		metric.WithDescription("Submissions rejected at capacity"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("foundry.queue.depth",
		metric.WithDescription("Jobs currently waiting in the admission queue"),
	)
	if err != nil {
		return nil, err
	}

	m.WaitEstimate, err = meter.Float64Histogram("foundry.queue.wait_estimate",
		metric.WithDescription("Estimated wait handed to submitters in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TransitionsTotal, err = meter.Int64Counter("foundry.job.transitions",
		metric.WithDescription("Successful job state transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.IterationsTotal, err = meter.Int64Counter("foundry.job.iterations",
		metric.WithDescription("Build iterations consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.SpendMicros, err = meter.Int64Counter("foundry.budget.spend",
		metric.WithDescription("LLM spend recorded, micro-currency units"),
	)
	if err != nil {
		return nil, err
	}

	m.BudgetTripsTotal, err = meter.Int64Counter("foundry.budget.trips",
		metric.WithDescription("Hard budget circuit breaker trips"),
	)
	if err != nil {
		return nil, err
	}

	m.EscalationsTotal, err = meter.Int64Counter("foundry.failure.escalations",
		metric.WithDescription("Failures escalated to a human"),
	)
	if err != nil {
		return nil, err
	}

	m.BuildPausesTotal, err = meter.Int64Counter("foundry.failure.build_pauses",
		metric.WithDescription("Builds paused by the session escalation threshold"),
	)
	if err != nil {
		return nil, err
	}

	m.ScheduledNextDay, err = meter.Int64Counter("foundry.quota.scheduled_next_day",
		metric.WithDescription("Over-cap submissions routed to next-day scheduling"),
	)
	if err != nil {
		return nil, err
	}

	m.PromotionsTotal, err = meter.Int64Counter("foundry.quota.promotions",
		metric.WithDescription("Scheduled jobs promoted back into the queue"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
