package dbpool

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type poolMetrics struct {
	free  metric.Int64ObservableGauge
	inUse metric.Int64ObservableGauge
	wait  metric.Float64Histogram
	attrs metric.MeasurementOption
}

type poolStats interface {
	Free() int
	InUse() int
}

func newPoolMetrics(logger pslog.Logger, pool interface {
	poolStats
	poolName() string
}) *poolMetrics {
	meter := otel.Meter("pkt.systems/tinyhttpd/dbpool")
	m := &poolMetrics{
		attrs: metric.WithAttributes(attribute.String("tinyhttpd.pool", pool.poolName())),
	}
	var err error

	m.free, err = meter.Int64ObservableGauge(
		"tinyhttpd.dbpool.free",
		metric.WithDescription("Idle database handles"),
	)
	logMetricInitError(logger, "tinyhttpd.dbpool.free", err)

	m.inUse, err = meter.Int64ObservableGauge(
		"tinyhttpd.dbpool.in_use",
		metric.WithDescription("Leased database handles"),
	)
	logMetricInitError(logger, "tinyhttpd.dbpool.in_use", err)

	m.wait, err = meter.Float64Histogram(
		"tinyhttpd.dbpool.acquire_wait",
		metric.WithDescription("Time spent waiting for a database handle"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "tinyhttpd.dbpool.acquire_wait", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if m.free != nil {
			o.ObserveInt64(m.free, int64(pool.Free()), m.attrs)
		}
		if m.inUse != nil {
			o.ObserveInt64(m.inUse, int64(pool.InUse()), m.attrs)
		}
		return nil
	}, m.free, m.inUse); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "tinyhttpd.dbpool", "error", err)
	}
	return m
}

func (m *poolMetrics) recordWait(ctx context.Context, d time.Duration) {
	if m == nil || m.wait == nil {
		return
	}
	m.wait.Record(ctx, d.Seconds(), m.attrs)
}

func (p *Pool[C]) poolName() string {
	return p.name
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
