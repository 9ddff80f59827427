package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all trak metric instruments.
type Metrics struct {
	TasksDispatched   metric.Int64Counter
	DispatchFailures  metric.Int64Counter
	CascadeDispatches metric.Int64Counter
	MergeLWWResolved  metric.Int64Counter
	ImportSkips       metric.Int64Counter
	LockConflicts     metric.Int64Counter
	DispatchDuration  metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksDispatched, err = meter.Int64Counter("trak.dispatch.tasks",
		metric.WithDescription("Tasks handed to the execution gateway"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchFailures, err = meter.Int64Counter("trak.dispatch.failures",
		metric.WithDescription("Dispatch attempts rejected by the gateway"),
	)
	if err != nil {
		return nil, err
	}

	m.CascadeDispatches, err = meter.Int64Counter("trak.dispatch.cascade",
		metric.WithDescription("Dependents auto-dispatched after a task completed"),
	)
	if err != nil {
		return nil, err
	}

	m.MergeLWWResolved, err = meter.Int64Counter("trak.merge.lww_resolved",
		metric.WithDescription("Tasks resolved by last-write-wins during log merge"),
	)
	if err != nil {
		return nil, err
	}

	m.ImportSkips, err = meter.Int64Counter("trak.import.skips",
		metric.WithDescription("Malformed or invalid records skipped on import"),
	)
	if err != nil {
		return nil, err
	}

	m.LockConflicts, err = meter.Int64Counter("trak.lock.conflicts",
		metric.WithDescription("Workspace lock acquisitions refused because another task holds the lock"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("trak.dispatch.duration",
		metric.WithDescription("Gateway spawn call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
