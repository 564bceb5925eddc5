package workerpool

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type poolMetrics struct {
	pending   metric.Int64ObservableGauge
	busy      metric.Int64ObservableGauge
	processed metric.Int64Counter
	rejected  metric.Int64Counter
}

type poolStats interface {
	Pending() int
	Busy() int
}

func newPoolMetrics(logger pslog.Logger, pool poolStats) *poolMetrics {
	meter := otel.Meter("pkt.systems/tinyhttpd/workerpool")
	m := &poolMetrics{}
	var err error

	m.pending, err = meter.Int64ObservableGauge(
		"tinyhttpd.workers.pending",
		metric.WithDescription("Tasks waiting for a worker"),
	)
	logMetricInitError(logger, "tinyhttpd.workers.pending", err)

	m.busy, err = meter.Int64ObservableGauge(
		"tinyhttpd.workers.busy",
		metric.WithDescription("Workers running a task"),
	)
	logMetricInitError(logger, "tinyhttpd.workers.busy", err)

	m.processed, err = meter.Int64Counter(
		"tinyhttpd.workers.processed",
		metric.WithDescription("Tasks processed"),
	)
	logMetricInitError(logger, "tinyhttpd.workers.processed", err)

	m.rejected, err = meter.Int64Counter(
		"tinyhttpd.workers.rejected",
		metric.WithDescription("Tasks refused because the queue was full"),
	)
	logMetricInitError(logger, "tinyhttpd.workers.rejected", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if m.pending != nil {
			o.ObserveInt64(m.pending, int64(pool.Pending()))
		}
		if m.busy != nil {
			o.ObserveInt64(m.busy, int64(pool.Busy()))
		}
		return nil
	}, m.pending, m.busy); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "tinyhttpd.workers", "error", err)
	}
	return m
}

func (m *poolMetrics) recordProcessed() {
	if m == nil || m.processed == nil {
		return
	}
	m.processed.Add(context.Background(), 1)
}

func (m *poolMetrics) recordRejected() {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(context.Background(), 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
