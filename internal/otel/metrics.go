package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all gocrew metric instruments.
type Metrics struct {
	TaskOutputsAppended metric.Int64Counter
	ReplayRuns          metric.Int64Counter
	ReplayDuration      metric.Float64Histogram
	ReplayTasks         metric.Int64Counter
	ReplayTaskDuration  metric.Float64Histogram
	ResetRowsCleared    metric.Int64Counter
	ResetFailures       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskOutputsAppended, err = meter.Int64Counter("gocrew.task_outputs.appended",
		metric.WithDescription("Task output records appended to the store"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplayRuns, err = meter.Int64Counter("gocrew.replay.runs",
		metric.WithDescription("Replay runs by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplayDuration, err = meter.Float64Histogram("gocrew.replay.duration",
		metric.WithDescription("Replay run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplayTasks, err = meter.Int64Counter("gocrew.replay.tasks",
		metric.WithDescription("Tasks re-executed during replay, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplayTaskDuration, err = meter.Float64Histogram("gocrew.replay.task.duration",
		metric.WithDescription("Replayed task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ResetRowsCleared, err = meter.Int64Counter("gocrew.reset.rows_cleared",
		metric.WithDescription("Rows removed by memory resets, by category"),
	)
	if err != nil {
		return nil, err
	}

	m.ResetFailures, err = meter.Int64Counter("gocrew.reset.failures",
		metric.WithDescription("Category clears that failed, by category"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
