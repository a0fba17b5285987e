package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "wirepulse"

type appMetrics struct {
	sessionEvents   metric.Int64Counter
	dispatchCounter metric.Int64Counter
	cycleCounter    metric.Int64Counter
	pushCounter     metric.Int64Counter
	propCounter     metric.Int64Counter
	reconCounter    metric.Int64Counter
	limitCounter    metric.Int64Counter
}

var (
	metricsMu sync.RWMutex
	current   *appMetrics
)

func initRecorders(mp *sdkmetric.MeterProvider) {
	meter := mp.Meter(meterName)
	m := &appMetrics{}
	var err error
	if m.sessionEvents, err = meter.Int64Counter("session.lifecycle.events"); err != nil {
		return
	}
	if m.dispatchCounter, err = meter.Int64Counter("dispatch.messages"); err != nil {
		return
	}
	if m.cycleCounter, err = meter.Int64Counter("invalidation.cycles"); err != nil {
		return
	}
	if m.pushCounter, err = meter.Int64Counter("push.messages"); err != nil {
		return
	}
	if m.propCounter, err = meter.Int64Counter("prop.updates"); err != nil {
		return
	}
	if m.reconCounter, err = meter.Int64Counter("reconnect.redemptions"); err != nil {
		return
	}
	if m.limitCounter, err = meter.Int64Counter("ratelimit.decisions"); err != nil {
		return
	}
	metricsMu.Lock()
	current = m
	metricsMu.Unlock()
}

func load() *appMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return current
}

// RecordSessionEvent counts connect/disconnect/destroy/restore/timeout.
func RecordSessionEvent(event string) {
	if m := load(); m != nil {
		m.sessionEvents.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", event)))
	}
}

// RecordDispatch counts inbound messages by kind and outcome.
func RecordDispatch(kind, outcome string) {
	if m := load(); m != nil {
		m.dispatchCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		))
	}
}

// RecordInvalidationCycle counts Update cycles by outcome.
func RecordInvalidationCycle(outcome string) {
	if m := load(); m != nil {
		m.cycleCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// RecordPush counts server→client pushes by kind.
func RecordPush(kind string) {
	if m := load(); m != nil {
		m.pushCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordPropUpdate counts prop writes by outcome
// (accepted/rejected/noop).
func RecordPropUpdate(outcome string) {
	if m := load(); m != nil {
		m.propCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// RecordReconOutcome counts token redemptions by outcome.
func RecordReconOutcome(outcome string) {
	if m := load(); m != nil {
		m.reconCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// RecordRateLimitDecision counts limiter verdicts by scope.
func RecordRateLimitDecision(scope, outcome string) {
	if m := load(); m != nil {
		m.limitCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("scope", scope),
			attribute.String("outcome", outcome),
		))
	}
}
