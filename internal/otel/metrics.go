package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the gateway's metric instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	HookDispatches  metric.Int64Counter
	HookRejects     metric.Int64Counter
	StreamEvents    metric.Int64Counter
	ToolInvokes     metric.Int64Counter
	ToolErrors      metric.Int64Counter
	Reconnects      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("openclaw.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.HookDispatches, err = meter.Int64Counter("openclaw.hook.dispatches",
		metric.WithDescription("Webhook payloads mapped and dispatched"),
	)
	if err != nil {
		return nil, err
	}

	m.HookRejects, err = meter.Int64Counter("openclaw.hook.rejects",
		metric.WithDescription("Webhook payloads rejected before dispatch"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamEvents, err = meter.Int64Counter("openclaw.stream.events",
		metric.WithDescription("Stream events decoded from upstream deltas"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolInvokes, err = meter.Int64Counter("openclaw.tool.invokes",
		metric.WithDescription("Reverse-RPC tool invocations issued"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolErrors, err = meter.Int64Counter("openclaw.tool.errors",
		metric.WithDescription("Reverse-RPC tool invocations that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.Reconnects, err = meter.Int64Counter("openclaw.session.reconnects",
		metric.WithDescription("Session transport reconnect attempts"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
