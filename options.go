package litehalt

import (
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/litehalt/internal/clock"
)

// Option configures coordinator instances.
type Option func(*options)

type options struct {
	Logger        pslog.Logger
	Clock         clock.Clock
	MeterProvider metric.MeterProvider
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithMeterProvider reports lease metrics to provider instead of the global
// meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.MeterProvider = mp
	}
}
