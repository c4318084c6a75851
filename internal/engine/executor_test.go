package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exit_engine/internal/core"
	"exit_engine/internal/events"
	"exit_engine/internal/mock"
	"exit_engine/internal/rules"
	apperrors "exit_engine/pkg/errors"
	"exit_engine/pkg/logging"
	"exit_engine/pkg/retry"
)

// eventRecorder captures bus traffic for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) attach(bus *events.Bus) {
	bus.SubscribeAll(func(e events.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
}

func (r *eventRecorder) ofType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// memTradeLog is an in-memory core.ITradeLogRepository.
type memTradeLog struct {
	mu      sync.Mutex
	entries []core.TradeLogEntry
}

func (l *memTradeLog) LogTrade(_ context.Context, entry *core.TradeLogEntry) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, *entry)
	return entry.ID, nil
}

func (l *memTradeLog) ListByUser(_ context.Context, userID string, _ int) ([]core.TradeLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []core.TradeLogEntry
	for _, e := range l.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

// flakyClient fails PlaceOrder a set number of times before delegating.
type flakyClient struct {
	*mock.BrokerClient
	mu       sync.Mutex
	failures int
	attempts int
	err      error
}

func (f *flakyClient) PlaceOrder(ctx context.Context, params core.OrderParams) (string, error) {
	f.mu.Lock()
	f.attempts++
	fail := f.attempts <= f.failures
	f.mu.Unlock()
	if fail {
		return "", f.err
	}
	return f.BrokerClient.PlaceOrder(ctx, params)
}

func fastRetryPolicy() retry.RetryPolicy {
	return retry.RetryPolicy{MaxAttempts: 4, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
}

func newExecutorFixture(t *testing.T) (*Executor, *mock.BrokerClient, *eventRecorder, *memTradeLog) {
	t.Helper()
	client := mock.NewBrokerClient()
	bus := events.NewBus(logging.GetGlobalLogger())
	rec := &eventRecorder{}
	rec.attach(bus)
	log := &memTradeLog{}
	exec := NewExecutor("user1", client, bus, log, logging.GetGlobalLogger())
	exec.policy = fastRetryPolicy()
	return exec, client, rec, log
}

func triggeredTrade(t *testing.T, pos core.TrackedPosition, rule rules.ExitRule, trigger core.TriggerType) *ActiveTrade {
	t.Helper()
	trade := NewActiveTrade(pos, rule)
	trade.mu.Lock()
	trade.triggered = true
	trade.triggerType = trigger
	trade.triggeredAt = time.Now()
	trade.currentPrice = pos.LastPrice
	trade.mu.Unlock()
	return trade
}

func TestExecuteLongExitSells(t *testing.T) {
	exec, client, rec, log := newExecutorFixture(t)
	pos := position("SENSEX25D0486000CE", "BFO", 1000, 366.89)
	client.AddPosition(pos.Position)

	trade := triggeredTrade(t, pos, relativeTPRule(100), core.TriggerTP)
	exec.Execute(context.Background(), trade, core.TriggerTP)

	orders := client.PlacedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, core.TransactionSell, orders[0].TransactionType)
	assert.Equal(t, core.OrderTypeMarket, orders[0].OrderType)
	assert.Equal(t, int64(1000), orders[0].Quantity)
	assert.Equal(t, core.ProductMIS, orders[0].Product)
	assert.Equal(t, core.VarietyRegular, orders[0].Variety)
	assert.Equal(t, "TP_rule-tp-", orders[0].Tag)

	require.Len(t, rec.ofType(events.TPTriggered), 1)
	placed := rec.ofType(events.OrderPlaced)
	require.Len(t, placed, 1)
	assert.Equal(t, "user1", placed[0].UserID)
	assert.Empty(t, rec.ofType(events.OrderRejected))

	require.Len(t, log.entries, 1)
	assert.Equal(t, "PLACED", log.entries[0].Status)
	assert.Equal(t, "TP", log.entries[0].TriggerType)
}

func TestExecuteShortExitBuys(t *testing.T) {
	exec, client, rec, _ := newExecutorFixture(t)
	pos := position("NIFTY25NOV24500CE", "NFO", -500, 200)
	client.AddPosition(pos.Position)

	trade := triggeredTrade(t, pos, relativeTPRule(60), core.TriggerTP)
	exec.Execute(context.Background(), trade, core.TriggerTP)

	orders := client.PlacedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, core.TransactionBuy, orders[0].TransactionType)
	assert.Equal(t, int64(500), orders[0].Quantity)
	require.Len(t, rec.ofType(events.OrderPlaced), 1)
}

func TestExecuteSquareOffAlwaysMarket(t *testing.T) {
	exec, client, rec, _ := newExecutorFixture(t)
	pos := position("INFY", "NSE", 10, 1500)
	client.AddPosition(pos.Position)

	rule := relativeTPRule(100)
	rule.TakeProfit.OrderType = rules.OrderLimit // ignored for square-off
	trade := triggeredTrade(t, pos, rule, core.TriggerSquareOff)
	exec.Execute(context.Background(), trade, core.TriggerSquareOff)

	orders := client.PlacedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, core.OrderTypeMarket, orders[0].OrderType)
	assert.Equal(t, "SQ_rule-tp-", orders[0].Tag)
	require.Len(t, rec.ofType(events.TimeTrigger), 1)
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	client := mock.NewBrokerClient()
	pos := position("INFY", "NSE", 10, 1500)
	client.AddPosition(pos.Position)
	flaky := &flakyClient{BrokerClient: client, failures: 2, err: apperrors.ErrNetwork}

	bus := events.NewBus(logging.GetGlobalLogger())
	rec := &eventRecorder{}
	rec.attach(bus)
	exec := NewExecutor("user1", flaky, bus, &memTradeLog{}, logging.GetGlobalLogger())
	exec.policy = fastRetryPolicy()

	trade := triggeredTrade(t, pos, relativeTPRule(100), core.TriggerTP)
	exec.Execute(context.Background(), trade, core.TriggerTP)

	assert.Equal(t, 3, flaky.attempts)
	require.Len(t, client.PlacedOrders(), 1)
	require.Len(t, rec.ofType(events.OrderPlaced), 1)
	assert.Empty(t, rec.ofType(events.OrderRejected))
}

func TestExecutePermanentFailureRejectsWithoutRetry(t *testing.T) {
	client := mock.NewBrokerClient()
	pos := position("INFY", "NSE", 10, 1500)
	client.AddPosition(pos.Position)
	flaky := &flakyClient{BrokerClient: client, failures: 100, err: apperrors.ErrOrderRejected}

	bus := events.NewBus(logging.GetGlobalLogger())
	rec := &eventRecorder{}
	rec.attach(bus)
	log := &memTradeLog{}
	exec := NewExecutor("user1", flaky, bus, log, logging.GetGlobalLogger())
	exec.policy = fastRetryPolicy()

	trade := triggeredTrade(t, pos, relativeTPRule(100), core.TriggerTP)
	exec.Execute(context.Background(), trade, core.TriggerTP)

	assert.Equal(t, 1, flaky.attempts, "permanent failures are not retried")
	assert.Empty(t, client.PlacedOrders())
	require.Len(t, rec.ofType(events.OrderRejected), 1)
	assert.Empty(t, rec.ofType(events.OrderPlaced))

	require.Len(t, log.entries, 1)
	assert.Equal(t, "REJECTED", log.entries[0].Status)
	assert.NotEmpty(t, log.entries[0].Error)

	// The trade stays triggered: no automatic second exit.
	assert.True(t, trade.Triggered())
}

func TestExecuteLimitExitUsesRuleOrderType(t *testing.T) {
	exec, client, _, _ := newExecutorFixture(t)
	pos := position("INFY", "NSE", 10, 1500)
	client.AddPosition(pos.Position)
	client.UpdateLTP("NSE:INFY", 1610)

	rule := relativeTPRule(100)
	rule.TakeProfit.OrderType = rules.OrderLimit
	trade := triggeredTrade(t, pos, rule, core.TriggerTP)
	trade.mu.Lock()
	trade.currentPrice = 1610.02
	trade.mu.Unlock()

	exec.Execute(context.Background(), trade, core.TriggerTP)

	orders := client.PlacedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, core.OrderTypeLimit, orders[0].OrderType)
}

func TestExitTagTruncatesRuleID(t *testing.T) {
	assert.Equal(t, "TP_abcdefgh", exitTag(core.TriggerTP, "abcdefghijkl"))
	assert.Equal(t, "SL_short", exitTag(core.TriggerSL, "short"))
	assert.Equal(t, "SQ_abcdefgh", exitTag(core.TriggerSquareOff, "abcdefghijkl"))
}
