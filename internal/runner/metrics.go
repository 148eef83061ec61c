package runner

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/flitsinc/runledger/internal/runner"

const (
	outcomeFinished = "finished"
	outcomeError    = "error"
	outcomeStopped  = "stopped"
)

type metrics struct {
	started    metric.Int64Counter
	completed  metric.Int64Counter
	active     metric.Int64UpDownCounter
	recorded   metric.Int64Counter
	violations metric.Int64Counter
}

// newMetrics creates the coordinator instruments on meter, or on the global
// meter provider when meter is nil. Instruments that fail to register are
// replaced with no-ops.
func newMetrics(meter metric.Meter) *metrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	fallback := noop.NewMeterProvider().Meter(meterName)

	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}
	active, err := meter.Int64UpDownCounter("runledger.runs.active", metric.WithDescription("Runs currently in flight."))
	if err != nil {
		active, _ = fallback.Int64UpDownCounter("runledger.runs.active")
	}

	return &metrics{
		started:    counter("runledger.runs.started", "Runs started."),
		completed:  counter("runledger.runs.completed", "Runs that recorded a terminal event, by outcome."),
		active:     active,
		recorded:   counter("runledger.events.recorded", "Events appended to run records."),
		violations: counter("runledger.violations", "Agent events skipped as structural violations."),
	}
}

func (m *metrics) runStarted(ctx context.Context) {
	m.started.Add(ctx, 1)
	m.active.Add(ctx, 1)
}

func (m *metrics) runCompleted(ctx context.Context, outcome string) {
	m.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.active.Add(ctx, -1)
}
