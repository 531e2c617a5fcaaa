package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments call sites record into directly. The engine
// and queue counters are observable instead (see RegisterObservers), so the
// hot delivery path never touches the meter.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates the direct instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("pulse.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("pulse.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Observers supplies the callbacks behind the queue and engine instruments.
// Counter callbacks must be monotonic for the life of the process; a nil
// callback leaves that instrument silent.
type Observers struct {
	TriggersEnqueued    func() int64
	TriggersDelivered   func() int64
	TriggersFailed      func() int64
	DeliveryFallbacks   func() int64
	Compactions         func() int64
	QueueDepth          func(ctx context.Context) (int64, error)
	PresenceSubscribers func() int64
}

// RegisterObservers wires the observable instruments to obs. The returned
// Registration unregisters them, which shutdown must do before closing the
// store the callbacks read from.
func RegisterObservers(meter metric.Meter, obs Observers) (metric.Registration, error) {
	enqueued, err := meter.Int64ObservableCounter("pulse.triggers.enqueued",
		metric.WithDescription("Triggers inserted into the queue"),
	)
	if err != nil {
		return nil, err
	}
	delivered, err := meter.Int64ObservableCounter("pulse.triggers.delivered",
		metric.WithDescription("Triggers delivered to a channel"),
	)
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64ObservableCounter("pulse.triggers.failed",
		metric.WithDescription("Delivery attempts that failed"),
	)
	if err != nil {
		return nil, err
	}
	fallbacks, err := meter.Int64ObservableCounter("pulse.delivery.fallbacks",
		metric.WithDescription("Deliveries that fell back to chat"),
	)
	if err != nil {
		return nil, err
	}
	compactions, err := meter.Int64ObservableCounter("pulse.compactions",
		metric.WithDescription("Session compactions completed"),
	)
	if err != nil {
		return nil, err
	}
	depth, err := meter.Int64ObservableGauge("pulse.queue.depth",
		metric.WithDescription("Triggers currently pending or processing"),
	)
	if err != nil {
		return nil, err
	}
	subscribers, err := meter.Int64ObservableGauge("pulse.presence.subscribers",
		metric.WithDescription("Live realtime connections on this instance"),
	)
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if obs.TriggersEnqueued != nil {
			o.ObserveInt64(enqueued, obs.TriggersEnqueued())
		}
		if obs.TriggersDelivered != nil {
			o.ObserveInt64(delivered, obs.TriggersDelivered())
		}
		if obs.TriggersFailed != nil {
			o.ObserveInt64(failed, obs.TriggersFailed())
		}
		if obs.DeliveryFallbacks != nil {
			o.ObserveInt64(fallbacks, obs.DeliveryFallbacks())
		}
		if obs.Compactions != nil {
			o.ObserveInt64(compactions, obs.Compactions())
		}
		if obs.QueueDepth != nil {
			if n, err := obs.QueueDepth(ctx); err == nil {
				o.ObserveInt64(depth, n)
			}
		}
		if obs.PresenceSubscribers != nil {
			o.ObserveInt64(subscribers, obs.PresenceSubscribers())
		}
		return nil
	}, enqueued, delivered, failed, fallbacks, compactions, depth, subscribers)
}
