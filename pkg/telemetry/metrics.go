package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersCreatedTotal    = "omc_orders_created_total"
	MetricOrdersFilledTotal     = "omc_orders_filled_total"
	MetricOrdersRejectedTotal   = "omc_orders_rejected_total"
	MetricOrdersCancelledTotal  = "omc_orders_cancelled_total"
	MetricOrdersSettledTotal    = "omc_orders_settled_total"
	MetricWorkflowLatency       = "omc_workflow_step_latency_ms"
	MetricOrdersPending         = "omc_orders_pending"
	MetricEventBusSubscribers   = "omc_event_bus_subscribers"
	MetricSettlementQueueDepth  = "omc_settlement_queue_depth"
)

// MetricsHolder holds the initialized OTel instruments for the core.
type MetricsHolder struct {
	OrdersCreatedTotal   metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	OrdersRejectedTotal  metric.Int64Counter
	OrdersCancelledTotal metric.Int64Counter
	OrdersSettledTotal   metric.Int64Counter
	WorkflowLatency      metric.Float64Histogram
	OrdersPending        metric.Int64ObservableGauge
	EventBusSubscribers  metric.Int64ObservableGauge
	SettlementQueueDepth metric.Int64ObservableGauge

	mu              sync.RWMutex
	pendingByStatus map[string]int64
	subscriberCount int64
	settlementDepth int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			pendingByStatus: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersCreatedTotal, err = meter.Int64Counter(MetricOrdersCreatedTotal, metric.WithDescription("Total orders created"))
	if err != nil {
		return err
	}
	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	if err != nil {
		return err
	}
	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Total orders rejected"))
	if err != nil {
		return err
	}
	m.OrdersCancelledTotal, err = meter.Int64Counter(MetricOrdersCancelledTotal, metric.WithDescription("Total orders cancelled"))
	if err != nil {
		return err
	}
	m.OrdersSettledTotal, err = meter.Int64Counter(MetricOrdersSettledTotal, metric.WithDescription("Total orders settled"))
	if err != nil {
		return err
	}
	m.WorkflowLatency, err = meter.Float64Histogram(MetricWorkflowLatency,
		metric.WithDescription("Latency of a single workflow step"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OrdersPending, err = meter.Int64ObservableGauge(MetricOrdersPending,
		metric.WithDescription("Orders currently in a non-terminal status, by status"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for status, count := range m.pendingByStatus {
				obs.Observe(count, metric.WithAttributes(attribute.String("status", status)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.EventBusSubscribers, err = meter.Int64ObservableGauge(MetricEventBusSubscribers,
		metric.WithDescription("Live event bus subscribers"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.subscriberCount)
			return nil
		}))
	if err != nil {
		return err
	}

	m.SettlementQueueDepth, err = meter.Int64ObservableGauge(MetricSettlementQueueDepth,
		metric.WithDescription("Pending settlement jobs"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.settlementDepth)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetPending records the current count of orders in a given status.
func (m *MetricsHolder) SetPending(status string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingByStatus[status] = count
}

// SetSubscriberCount records the current number of live event bus subscribers.
func (m *MetricsHolder) SetSubscriberCount(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriberCount = count
}

// SetSettlementQueueDepth records the current number of pending settlement jobs.
func (m *MetricsHolder) SetSettlementQueueDepth(depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlementDepth = depth
}
