package httpconn

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type connMetrics struct {
	responses      metric.Int64Counter
	protocolErrors metric.Int64Counter
}

func newConnMetrics(logger pslog.Logger) *connMetrics {
	meter := otel.Meter("pkt.systems/tinyhttpd/httpconn")
	m := &connMetrics{}
	var err error

	m.responses, err = meter.Int64Counter(
		"tinyhttpd.http.responses",
		metric.WithDescription("Responses prepared, by status code"),
	)
	logMetricInitError(logger, "tinyhttpd.http.responses", err)

	m.protocolErrors, err = meter.Int64Counter(
		"tinyhttpd.http.protocol_errors",
		metric.WithDescription("Requests rejected before execution, by reason"),
	)
	logMetricInitError(logger, "tinyhttpd.http.protocol_errors", err)
	return m
}

func (m *connMetrics) recordResponse(ctx context.Context, status int, failure string) {
	if m == nil {
		return
	}
	if m.responses != nil && status != 0 {
		m.responses.Add(ctx, 1, metric.WithAttributes(attribute.String("http.response.status_code", strconv.Itoa(status))))
	}
	if m.protocolErrors != nil && failure != "" {
		m.protocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", failure)))
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
