package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersSubmittedTotal  = "broker_engine_orders_submitted_total"
	MetricOrdersFilledTotal     = "broker_engine_orders_filled_total"
	MetricOrdersCanceledTotal   = "broker_engine_orders_canceled_total"
	MetricOrdersErroredTotal    = "broker_engine_orders_errored_total"
	MetricReconcileCyclesTotal  = "broker_engine_reconcile_cycles_total"
	MetricReconcileSkippedTotal = "broker_engine_reconcile_skipped_total"
	MetricCleanupPrunedTotal    = "broker_engine_cleanup_pruned_total"
	MetricTrackedOrders         = "broker_engine_tracked_orders"
	MetricTrackedPositions      = "broker_engine_tracked_positions"
	MetricEventsDroppedTotal    = "broker_engine_events_dropped_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersSubmittedTotal  metric.Int64Counter
	OrdersFilledTotal     metric.Int64Counter
	OrdersCanceledTotal   metric.Int64Counter
	OrdersErroredTotal    metric.Int64Counter
	ReconcileCyclesTotal  metric.Int64Counter
	ReconcileSkippedTotal metric.Int64Counter
	CleanupPrunedTotal    metric.Int64Counter
	EventsDroppedTotal    metric.Int64Counter
	TrackedOrders         metric.Int64ObservableGauge
	TrackedPositions      metric.Int64ObservableGauge

	// State for observable gauges
	mu                  sync.RWMutex
	trackedOrdersMap    map[string]int64 // collection name -> count
	trackedPositionsMap map[string]int64 // strategy -> count
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			trackedOrdersMap:    make(map[string]int64),
			trackedPositionsMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersSubmittedTotal, err = meter.Int64Counter(MetricOrdersSubmittedTotal, metric.WithDescription("Total orders transmitted to the brokerage"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders fully filled"))
	if err != nil {
		return err
	}

	m.OrdersCanceledTotal, err = meter.Int64Counter(MetricOrdersCanceledTotal, metric.WithDescription("Total orders canceled"))
	if err != nil {
		return err
	}

	m.OrdersErroredTotal, err = meter.Int64Counter(MetricOrdersErroredTotal, metric.WithDescription("Total orders terminated in error"))
	if err != nil {
		return err
	}

	m.ReconcileCyclesTotal, err = meter.Int64Counter(MetricReconcileCyclesTotal, metric.WithDescription("Total reconciliation passes completed"))
	if err != nil {
		return err
	}

	m.ReconcileSkippedTotal, err = meter.Int64Counter(MetricReconcileSkippedTotal, metric.WithDescription("Total reconciliation passes skipped after pull failures"))
	if err != nil {
		return err
	}

	m.CleanupPrunedTotal, err = meter.Int64Counter(MetricCleanupPrunedTotal, metric.WithDescription("Total entries pruned from terminal collections"))
	if err != nil {
		return err
	}

	m.EventsDroppedTotal, err = meter.Int64Counter(MetricEventsDroppedTotal, metric.WithDescription("Total events dropped for strategies with no subscriber"))
	if err != nil {
		return err
	}

	m.TrackedOrders, err = meter.Int64ObservableGauge(MetricTrackedOrders, metric.WithDescription("Orders currently tracked, per collection"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for collection, val := range m.trackedOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("collection", collection)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.TrackedPositions, err = meter.Int64ObservableGauge(MetricTrackedPositions, metric.WithDescription("Positions currently tracked, per strategy"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for strategy, val := range m.trackedPositionsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("strategy", strategy)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetTrackedOrders(collection string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackedOrdersMap[collection] = count
}

// ReplaceTrackedPositions swaps the whole per-strategy view so strategies
// whose last position was removed stop being reported instead of holding
// their stale count.
func (m *MetricsHolder) ReplaceTrackedPositions(counts map[string]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackedPositionsMap = counts
}
