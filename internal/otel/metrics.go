package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all storyctl metrics instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	StoryDuration     metric.Float64Histogram
	StepDuration      metric.Float64Histogram
	LLMCallDuration   metric.Float64Histogram
	TokensUsed        metric.Int64Counter
	VerifyDuration    metric.Float64Histogram
	VerifyFailures    metric.Int64Counter
	ActiveStories     metric.Int64UpDownCounter
	WavesDispatched   metric.Int64Counter
	GateEvaluations   metric.Int64Counter
	GateFailures      metric.Int64Counter
	RecoverySweepHits metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("storyctl.request.duration",
		metric.WithDescription("Request-surface call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StoryDuration, err = meter.Float64Histogram("storyctl.story.duration",
		metric.WithDescription("Time from Story creation to a terminal status, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram("storyctl.step.duration",
		metric.WithDescription("Step execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("storyctl.llm.duration",
		metric.WithDescription("LLM provider call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("storyctl.llm.tokens",
		metric.WithDescription("Total tokens consumed across analyzer and decomposer calls"),
	)
	if err != nil {
		return nil, err
	}

	m.VerifyDuration, err = meter.Float64Histogram("storyctl.verify.duration",
		metric.WithDescription("Verification engine run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.VerifyFailures, err = meter.Int64Counter("storyctl.verify.failures",
		metric.WithDescription("Verification step failures"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveStories, err = meter.Int64UpDownCounter("storyctl.story.active",
		metric.WithDescription("Number of Stories currently in a non-terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.WavesDispatched, err = meter.Int64Counter("storyctl.wave.dispatched",
		metric.WithDescription("Total waves dispatched"),
	)
	if err != nil {
		return nil, err
	}

	m.GateEvaluations, err = meter.Int64Counter("storyctl.gate.evaluations",
		metric.WithDescription("Total gate evaluations"),
	)
	if err != nil {
		return nil, err
	}

	m.GateFailures, err = meter.Int64Counter("storyctl.gate.failures",
		metric.WithDescription("Gate evaluations that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoverySweepHits, err = meter.Int64Counter("storyctl.recovery.sweep_hits",
		metric.WithDescription("Stories reset by a crash-recovery sweep"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
