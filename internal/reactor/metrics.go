package reactor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type reactorMetrics struct {
	active   metric.Int64ObservableGauge
	accepted metric.Int64Counter
	evicted  metric.Int64Counter
	refused  metric.Int64Counter
}

type activeCounter interface {
	Active() int
}

func newReactorMetrics(logger pslog.Logger, r activeCounter) *reactorMetrics {
	meter := otel.Meter("pkt.systems/tinyhttpd/reactor")
	m := &reactorMetrics{}
	var err error

	m.active, err = meter.Int64ObservableGauge(
		"tinyhttpd.reactor.connections",
		metric.WithDescription("Open client connections"),
	)
	logMetricInitError(logger, "tinyhttpd.reactor.connections", err)

	m.accepted, err = meter.Int64Counter(
		"tinyhttpd.reactor.accepted",
		metric.WithDescription("Connections admitted to the table"),
	)
	logMetricInitError(logger, "tinyhttpd.reactor.accepted", err)

	m.evicted, err = meter.Int64Counter(
		"tinyhttpd.reactor.evicted",
		metric.WithDescription("Connections closed by the idle timer"),
	)
	logMetricInitError(logger, "tinyhttpd.reactor.evicted", err)

	m.refused, err = meter.Int64Counter(
		"tinyhttpd.reactor.refused",
		metric.WithDescription("Connections closed at accept"),
	)
	logMetricInitError(logger, "tinyhttpd.reactor.refused", err)

	if m.active != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.active, int64(r.Active()))
			return nil
		}, m.active); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "tinyhttpd.reactor.connections", "error", err)
		}
	}
	return m
}

func (m *reactorMetrics) recordAccepted() {
	if m == nil || m.accepted == nil {
		return
	}
	m.accepted.Add(context.Background(), 1)
}

func (m *reactorMetrics) recordEvicted() {
	if m == nil || m.evicted == nil {
		return
	}
	m.evicted.Add(context.Background(), 1)
}

func (m *reactorMetrics) recordRefused(reason string) {
	if m == nil || m.refused == nil {
		return
	}
	m.refused.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
