package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all engine metric instruments.
type Metrics struct {
	TaskDuration      metric.Float64Histogram
	TasksCompleted    metric.Int64Counter
	TasksFailed       metric.Int64Counter
	TasksTimedOut     metric.Int64Counter
	QueueDepth        metric.Int64UpDownCounter
	AgentsBusy        metric.Int64UpDownCounter
	ContainerOps      metric.Int64Counter
	ContainerOpErrors metric.Int64Counter
	ExecDuration      metric.Float64Histogram
	FramesSent        metric.Int64Counter
	FramesReceived    metric.Int64Counter
	HealthFailures    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("conductor.task.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("conductor.task.completed",
		metric.WithDescription("Tasks completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("conductor.task.failed",
		metric.WithDescription("Tasks that finished with a failure status"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksTimedOut, err = meter.Int64Counter("conductor.task.timeout",
		metric.WithDescription("Tasks that exceeded their deadline"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("conductor.queue.depth",
		metric.WithDescription("Tasks currently waiting in the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentsBusy, err = meter.Int64UpDownCounter("conductor.agents.busy",
		metric.WithDescription("Agents currently executing a task"),
	)
	if err != nil {
		return nil, err
	}

	m.ContainerOps, err = meter.Int64Counter("conductor.container.operations",
		metric.WithDescription("Container runtime operations issued"),
	)
	if err != nil {
		return nil, err
	}

	m.ContainerOpErrors, err = meter.Int64Counter("conductor.container.errors",
		metric.WithDescription("Container runtime operations that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.ExecDuration, err = meter.Float64Histogram("conductor.container.exec.duration",
		metric.WithDescription("In-container command execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.FramesSent, err = meter.Int64Counter("conductor.channel.frames.sent",
		metric.WithDescription("Frames written to the broker socket"),
	)
	if err != nil {
		return nil, err
	}

	m.FramesReceived, err = meter.Int64Counter("conductor.channel.frames.received",
		metric.WithDescription("Frames read from the broker socket"),
	)
	if err != nil {
		return nil, err
	}

	m.HealthFailures, err = meter.Int64Counter("conductor.agent.health.failures",
		metric.WithDescription("Health probe failures"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
