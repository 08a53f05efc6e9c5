package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type leaseMetrics struct {
	acquireCount    metric.Int64Counter
	acquireDuration metric.Int64Histogram
	holdDuration    metric.Int64Histogram
	releaseCount    metric.Int64Counter
	expiredCount    metric.Int64Counter
	activeGauge     metric.Int64ObservableGauge
	waitingGauge    metric.Int64ObservableGauge
	active          atomic.Int64
	waiting         atomic.Int64

	regMu        sync.Mutex
	registration metric.Registration
}

func newLeaseMetrics(provider metric.MeterProvider, logger pslog.Logger) *leaseMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("pkt.systems/litehalt/lease")
	m := &leaseMetrics{}
	var err error

	m.acquireCount, err = meter.Int64Counter(
		"litehalt.lease.acquire",
		metric.WithDescription("Halt lease acquisitions"),
	)
	logMetricInitError(logger, "litehalt.lease.acquire", err)

	m.acquireDuration, err = meter.Int64Histogram(
		"litehalt.lease.acquire.duration_ms",
		metric.WithDescription("Time spent waiting for a halt lease"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "litehalt.lease.acquire.duration_ms", err)

	m.holdDuration, err = meter.Int64Histogram(
		"litehalt.lease.hold.duration_ms",
		metric.WithDescription("Time a halt lease was held"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "litehalt.lease.hold.duration_ms", err)

	m.releaseCount, err = meter.Int64Counter(
		"litehalt.lease.release",
		metric.WithDescription("Halt lease releases"),
	)
	logMetricInitError(logger, "litehalt.lease.release", err)

	m.expiredCount, err = meter.Int64Counter(
		"litehalt.lease.expired",
		metric.WithDescription("Halt leases force-released by the manager"),
	)
	logMetricInitError(logger, "litehalt.lease.expired", err)

	m.activeGauge, err = meter.Int64ObservableGauge(
		"litehalt.lease.active",
		metric.WithDescription("Halt leases currently held by this process"),
	)
	logMetricInitError(logger, "litehalt.lease.active", err)

	m.waitingGauge, err = meter.Int64ObservableGauge(
		"litehalt.lease.waiting",
		metric.WithDescription("Requests waiting for a halt lease"),
	)
	logMetricInitError(logger, "litehalt.lease.waiting", err)

	reg, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if m.activeGauge != nil {
			o.ObserveInt64(m.activeGauge, m.active.Load())
		}
		if m.waitingGauge != nil {
			o.ObserveInt64(m.waitingGauge, m.waiting.Load())
		}
		return nil
	}, m.activeGauge, m.waitingGauge)
	if err != nil {
		if logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "litehalt.lease.active", "error", err)
		}
		return m
	}
	m.registration = reg
	return m
}

// unregister detaches the gauge callback so the meter no longer references
// these metrics. It is safe to call more than once.
func (m *leaseMetrics) unregister() error {
	if m == nil {
		return nil
	}
	m.regMu.Lock()
	defer m.regMu.Unlock()
	if m.registration == nil {
		return nil
	}
	err := m.registration.Unregister()
	m.registration = nil
	return err
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

func (m *leaseMetrics) recordAcquire(ctx context.Context, duration time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	attrs := metric.WithAttributes(attribute.String("litehalt.lease.result", resultLabel(err)))
	if m.acquireCount != nil {
		m.acquireCount.Add(ctx, 1, attrs)
	}
	if m.acquireDuration != nil {
		m.acquireDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *leaseMetrics) recordRelease(held time.Duration, reason string, err error) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("litehalt.lease.result", resultLabel(err)),
		attribute.String("litehalt.lease.reason", reason),
	)
	if m.releaseCount != nil {
		m.releaseCount.Add(ctx, 1, attrs)
	}
	if m.holdDuration != nil {
		m.holdDuration.Record(ctx, held.Milliseconds(), attrs)
	}
	if reason == reasonExpired && m.expiredCount != nil {
		m.expiredCount.Add(ctx, 1)
	}
}

func (m *leaseMetrics) addActive(delta int64) {
	if m != nil {
		m.active.Add(delta)
	}
}

func (m *leaseMetrics) addWaiting(delta int64) {
	if m != nil {
		m.waiting.Add(delta)
	}
}
