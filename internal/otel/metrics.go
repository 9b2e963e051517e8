package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all orchestrator metrics instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	TaskDuration     metric.Float64Histogram
	LLMCallDuration  metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	TasksCreated     metric.Int64Counter
	TaskOutcomes     metric.Int64Counter
	AdmissionRejects metric.Int64Counter
	DispatchErrors   metric.Int64Counter
	LoopCancellations metric.Int64Counter
	ActiveTasks      metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("jamesbrain.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("jamesbrain.task.duration",
		metric.WithDescription("Task time from creation to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("jamesbrain.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("jamesbrain.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCreated, err = meter.Int64Counter("jamesbrain.task.created",
		metric.WithDescription("Tasks created, by type"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskOutcomes, err = meter.Int64Counter("jamesbrain.task.outcomes",
		metric.WithDescription("Terminal task transitions, by status"),
	)
	if err != nil {
		return nil, err
	}

	m.AdmissionRejects, err = meter.Int64Counter("jamesbrain.admission.rejects",
		metric.WithDescription("Messages rejected by the governor, by code"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchErrors, err = meter.Int64Counter("jamesbrain.dispatch.errors",
		metric.WithDescription("Worker dispatch failures"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopCancellations, err = meter.Int64Counter("jamesbrain.loop.cancellations",
		metric.WithDescription("Tasks mass-cancelled by the loop detector"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("jamesbrain.task.active",
		metric.WithDescription("Tasks currently queued or running"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
