package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const orderMetricNamespace = "github.com/hanko-field/orders/internal/services"

// OrderMetrics counts order state transitions and typed order errors.
type OrderMetrics struct {
	transitions metric.Int64Counter
	errors      metric.Int64Counter
}

// NewOrderMetrics registers the order counters on meter, or on the global provider when meter is
// nil. Registration failures are logged and leave the affected counter disabled.
func NewOrderMetrics(meter metric.Meter, logger *zap.Logger) *OrderMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(orderMetricNamespace)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &OrderMetrics{}
	var err error
	m.transitions, err = meter.Int64Counter("orders.state_transitions",
		metric.WithDescription("Count of committed order state transitions"),
	)
	if err != nil {
		logger.Warn("observability: unable to register transition metric", zap.Error(err))
	}
	m.errors, err = meter.Int64Counter("orders.errors",
		metric.WithDescription("Count of typed order errors returned to callers"),
	)
	if err != nil {
		logger.Warn("observability: unable to register order error metric", zap.Error(err))
	}
	return m
}

// RecordTransition implements services.OrderMetrics.
func (m *OrderMetrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("order.from", from),
		attribute.String("order.to", to),
	))
}

// RecordOrderError implements services.OrderMetrics.
func (m *OrderMetrics) RecordOrderError(ctx context.Context, operation, code string) {
	if m == nil || m.errors == nil {
		return
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("order.operation", operation),
		attribute.String("order.error_code", code),
	))
}
