package engine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"exit_engine/internal/core"
	"exit_engine/internal/events"
	"exit_engine/internal/rules"
	apperrors "exit_engine/pkg/errors"
	"exit_engine/pkg/retry"
	"exit_engine/pkg/telemetry"
	"exit_engine/pkg/tradingutils"
)

// Executor turns a triggered trade into a closing order at the broker. The
// caller has already won the trade's terminal transition, so each trade
// reaches Execute at most once; the executor may retry the broker call on
// transient faults without risking a duplicate exit.
type Executor struct {
	userID   string
	bus      *events.Bus
	tradeLog core.ITradeLogRepository
	logger   core.ILogger
	policy   retry.RetryPolicy
	metrics  *telemetry.MetricsHolder

	mu     sync.Mutex
	client core.IBrokerClient
}

// NewExecutor builds an executor for one user's engine.
func NewExecutor(userID string, client core.IBrokerClient, bus *events.Bus, tradeLog core.ITradeLogRepository, logger core.ILogger) *Executor {
	return &Executor{
		userID:   userID,
		client:   client,
		bus:      bus,
		tradeLog: tradeLog,
		logger:   logger.WithField("component", "exit_executor"),
		policy:   retry.OrderPolicy,
		metrics:  telemetry.GetGlobalMetrics(),
	}
}

// SetClient swaps the broker client after a recovery. Exit tasks may be in
// flight on the pool, so the reference is guarded.
func (e *Executor) SetClient(client core.IBrokerClient) {
	e.mu.Lock()
	e.client = client
	e.mu.Unlock()
}

func (e *Executor) broker() core.IBrokerClient {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

// triggerEventType maps a trigger to its bus event.
func triggerEventType(trigger core.TriggerType) events.EventType {
	switch trigger {
	case core.TriggerTP:
		return events.TPTriggered
	case core.TriggerSL:
		return events.SLTriggered
	default:
		return events.TimeTrigger
	}
}

// exitTag builds the order tag "{TP|SL|SQ}_{rule_id[:8]}".
func exitTag(trigger core.TriggerType, ruleID string) string {
	short := ruleID
	if len(short) > 8 {
		short = short[:8]
	}
	return trigger.TagPrefix() + "_" + short
}

// Execute emits the trigger event, places the closing order and records the
// outcome. Transient broker faults are retried with 1s/2s/4s backoff;
// permanent failures emit order.rejected and leave the trade triggered so
// no second exit is ever attempted automatically.
func (e *Executor) Execute(ctx context.Context, trade *ActiveTrade, trigger core.TriggerType) {
	snap := trade.Snapshot()
	pos := trade.Position()
	rule := trade.Rule()
	start := time.Now()

	e.bus.Publish(events.New(triggerEventType(trigger), e.userID, map[string]interface{}{
		"symbol":        snap.Symbol,
		"exchange":      snap.Exchange,
		"trigger_type":  string(trigger),
		"trigger_price": snap.CurrentPrice,
		"rule_id":       rule.RuleID,
		"rule_name":     rule.Name,
	}))

	if e.metrics.TriggersTotal != nil {
		e.metrics.TriggersTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("trigger_type", string(trigger))))
	}

	params := e.orderParams(snap, pos, rule, trigger)
	orderID, err := retry.DoWithResult(ctx, e.policy, apperrors.IsTransient, func() (string, error) {
		return e.broker().PlaceOrder(ctx, params)
	})

	entry := &core.TradeLogEntry{
		UserID:       e.userID,
		Symbol:       snap.Symbol,
		Exchange:     snap.Exchange,
		Side:         params.TransactionType,
		Quantity:     params.Quantity,
		Price:        snap.CurrentPrice,
		OrderType:    params.OrderType,
		TriggerType:  string(trigger),
		TriggerPrice: snap.CurrentPrice,
	}

	if err != nil {
		e.logger.Error("exit order failed",
			"symbol", snap.Symbol, "trigger", string(trigger), "error", err)
		entry.Status = "REJECTED"
		entry.Error = err.Error()
		e.record(ctx, entry)
		if e.metrics.OrdersRejectedTotal != nil {
			e.metrics.OrdersRejectedTotal.Add(ctx, 1)
		}
		e.bus.Publish(events.New(events.OrderRejected, e.userID, map[string]interface{}{
			"symbol":       snap.Symbol,
			"exchange":     snap.Exchange,
			"trigger_type": string(trigger),
			"error":        err.Error(),
		}))
		return
	}

	e.logger.Info("exit order placed",
		"symbol", snap.Symbol, "order_id", orderID,
		"trigger", string(trigger), "quantity", params.Quantity)

	entry.Status = "PLACED"
	entry.OrderID = orderID
	e.record(ctx, entry)

	if e.metrics.OrdersPlacedTotal != nil {
		e.metrics.OrdersPlacedTotal.Add(ctx, 1)
	}
	if e.metrics.TriggerToOrder != nil {
		e.metrics.TriggerToOrder.Record(ctx, float64(time.Since(start).Milliseconds()))
	}

	e.bus.Publish(events.New(events.OrderPlaced, e.userID, map[string]interface{}{
		"symbol":           snap.Symbol,
		"exchange":         snap.Exchange,
		"order_id":         orderID,
		"transaction_type": string(params.TransactionType),
		"order_type":       string(params.OrderType),
		"quantity":         params.Quantity,
		"trigger_type":     string(trigger),
		"tag":              params.Tag,
	}))
}

// orderParams derives the closing order: SELL for longs, BUY for shorts,
// MARKET for square-off regardless of the rule's configured exit type.
// Product and quantity are carried from the broker position.
func (e *Executor) orderParams(snap core.TradeSnapshot, pos core.TrackedPosition, rule rules.ExitRule, trigger core.TriggerType) core.OrderParams {
	txn := core.TransactionSell
	if snap.PositionType == core.PositionShort {
		txn = core.TransactionBuy
	}

	orderType := core.OrderTypeMarket
	var price float64
	if trigger != core.TriggerSquareOff {
		var configured string
		switch {
		case trigger == core.TriggerTP && rule.TakeProfit != nil:
			configured = rule.TakeProfit.OrderType
		case trigger == core.TriggerSL && rule.StopLoss != nil:
			configured = rule.StopLoss.OrderType
		}
		if configured == rules.OrderLimit {
			orderType = core.OrderTypeLimit
			price = tradingutils.RoundToTickFloat(snap.CurrentPrice, tradingutils.DefaultTickSize)
		}
	}

	return core.OrderParams{
		Variety:         core.VarietyRegular,
		Exchange:        snap.Exchange,
		TradingSymbol:   snap.Symbol,
		TransactionType: txn,
		Quantity:        pos.AbsQuantity(),
		Product:         pos.Product,
		OrderType:       orderType,
		Price:           price,
		Tag:             exitTag(trigger, rule.RuleID),
	}
}

func (e *Executor) record(ctx context.Context, entry *core.TradeLogEntry) {
	if e.tradeLog == nil {
		return
	}
	if _, err := e.tradeLog.LogTrade(ctx, entry); err != nil {
		e.logger.Error("trade log write failed", "symbol", entry.Symbol, "error", err)
	}
}
