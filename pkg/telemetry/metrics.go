package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricEnginesRunning      = "exit_engine_engines_running"
	MetricActiveTrades        = "exit_engine_active_trades"
	MetricPositionsMonitored  = "exit_engine_positions_monitored"
	MetricTickerConnected     = "exit_engine_ticker_connected"
	MetricRulesLoaded         = "exit_engine_rules_loaded"
	MetricTicksProcessedTotal = "exit_engine_ticks_processed_total"
	MetricTriggersTotal       = "exit_engine_triggers_total"
	MetricOrdersPlacedTotal   = "exit_engine_orders_placed_total"
	MetricOrdersRejectedTotal = "exit_engine_orders_rejected_total"
	MetricBrokerLatency       = "exit_engine_broker_latency_ms"
	MetricTriggerToOrder      = "exit_engine_trigger_to_order_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	TicksProcessedTotal metric.Int64Counter
	TriggersTotal       metric.Int64Counter
	OrdersPlacedTotal   metric.Int64Counter
	OrdersRejectedTotal metric.Int64Counter
	BrokerLatency       metric.Float64Histogram
	TriggerToOrder      metric.Float64Histogram
	EnginesRunning      metric.Int64ObservableGauge
	ActiveTrades        metric.Int64ObservableGauge
	PositionsMonitored  metric.Int64ObservableGauge
	TickerConnected     metric.Int64ObservableGauge
	RulesLoaded         metric.Int64ObservableGauge

	// State for observable gauges, keyed by user ID
	mu            sync.RWMutex
	runningMap    map[string]int64
	tradesMap     map[string]int64
	positionsMap  map[string]int64
	tickerConnMap map[string]int64
	rulesMap      map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			runningMap:    make(map[string]int64),
			tradesMap:     make(map[string]int64),
			positionsMap:  make(map[string]int64),
			tickerConnMap: make(map[string]int64),
			rulesMap:      make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.TicksProcessedTotal, err = meter.Int64Counter(MetricTicksProcessedTotal, metric.WithDescription("Total price ticks routed into evaluation"))
	if err != nil {
		return err
	}

	m.TriggersTotal, err = meter.Int64Counter(MetricTriggersTotal, metric.WithDescription("Total exit triggers fired, by trigger type"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total exit orders accepted by the broker"))
	if err != nil {
		return err
	}

	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Total exit orders rejected or failed"))
	if err != nil {
		return err
	}

	m.BrokerLatency, err = meter.Float64Histogram(MetricBrokerLatency, metric.WithDescription("Latency of broker API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.TriggerToOrder, err = meter.Float64Histogram(MetricTriggerToOrder, metric.WithDescription("Time from trigger detection to order submission"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.EnginesRunning, err = meter.Int64ObservableGauge(MetricEnginesRunning, metric.WithDescription("Engine state per user (1=running, 0=stopped)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for user, val := range m.runningMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("user_id", user)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ActiveTrades, err = meter.Int64ObservableGauge(MetricActiveTrades, metric.WithDescription("Number of trades currently tracked per user"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for user, val := range m.tradesMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("user_id", user)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionsMonitored, err = meter.Int64ObservableGauge(MetricPositionsMonitored, metric.WithDescription("Number of broker positions observed per user"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for user, val := range m.positionsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("user_id", user)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.TickerConnected, err = meter.Int64ObservableGauge(MetricTickerConnected, metric.WithDescription("Ticker connection state per user (1=streaming, 0=polling)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for user, val := range m.tickerConnMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("user_id", user)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.RulesLoaded, err = meter.Int64ObservableGauge(MetricRulesLoaded, metric.WithDescription("Number of enabled exit rules loaded per user"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for user, val := range m.rulesMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("user_id", user)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetEngineRunning(userID string, running bool) {
	val := int64(0)
	if running {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runningMap[userID] = val
}

func (m *MetricsHolder) SetActiveTrades(userID string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tradesMap[userID] = count
}

func (m *MetricsHolder) SetPositionsMonitored(userID string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionsMap[userID] = count
}

func (m *MetricsHolder) SetTickerConnected(userID string, connected bool) {
	val := int64(0)
	if connected {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickerConnMap[userID] = val
}

func (m *MetricsHolder) SetRulesLoaded(userID string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rulesMap[userID] = count
}

// RemoveUser drops all per-user gauge state once an engine is torn down.
func (m *MetricsHolder) RemoveUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runningMap, userID)
	delete(m.tradesMap, userID)
	delete(m.positionsMap, userID)
	delete(m.tickerConnMap, userID)
	delete(m.rulesMap, userID)
}

// GetEnginesRunning returns a copy of the per-user running state.
func (m *MetricsHolder) GetEnginesRunning() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.runningMap {
		res[k] = v
	}
	return res
}
