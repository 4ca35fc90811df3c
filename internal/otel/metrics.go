package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all kvflow metrics instruments.
type Metrics struct {
	TaskDuration    metric.Float64Histogram
	ForwardDuration metric.Float64Histogram
	TokensGenerated metric.Int64Counter
	PagesImported   metric.Int64Counter
	PagesExported   metric.Int64Counter
	ChainLength     metric.Int64Histogram
	RecomputeRuns   metric.Int64Counter
	TaskFailures    metric.Int64Counter
	QueueDepth      metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("kvflow.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ForwardDuration, err = meter.Float64Histogram("kvflow.forward.duration",
		metric.WithDescription("Forward pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensGenerated, err = meter.Int64Counter("kvflow.generate.tokens",
		metric.WithDescription("Total tokens generated"),
	)
	if err != nil {
		return nil, err
	}

	m.PagesImported, err = meter.Int64Counter("kvflow.cache.pages_imported",
		metric.WithDescription("Cache pages imported from ancestor chains"),
	)
	if err != nil {
		return nil, err
	}

	m.PagesExported, err = meter.Int64Counter("kvflow.cache.pages_exported",
		metric.WithDescription("Cache pages exported as lineage deltas"),
	)
	if err != nil {
		return nil, err
	}

	m.ChainLength, err = meter.Int64Histogram("kvflow.cache.chain_length",
		metric.WithDescription("Key chain length at export time"),
	)
	if err != nil {
		return nil, err
	}

	m.RecomputeRuns, err = meter.Int64Counter("kvflow.recompute.runs",
		metric.WithDescription("Tasks that rebuilt cache state by recomputation"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFailures, err = meter.Int64Counter("kvflow.task.failures",
		metric.WithDescription("Tasks that ended in a fatal error"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("kvflow.queue.depth",
		metric.WithDescription("Messages currently buffered across topics"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
