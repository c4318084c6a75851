package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"exit_engine/internal/core"
	"exit_engine/internal/events"
	"exit_engine/internal/rules"
	"exit_engine/pkg/concurrency"
	apperrors "exit_engine/pkg/errors"
	"exit_engine/pkg/telemetry"
)

// Config carries the per-engine loop parameters resolved from the
// application configuration.
type Config struct {
	PositionPollInterval time.Duration
	PricePollInterval    time.Duration
	RulesRefreshInterval time.Duration
	MaxAuthFailures      int
	UseTicker            bool
	Location             *time.Location

	// ClientSource lets a paused engine request a replacement broker client.
	// After a session expiry the factory evicts and closes the client the
	// engine holds; re-authentication produces a new one that only the
	// factory knows about.
	ClientSource func(ctx context.Context) (core.IBrokerClient, error)
}

// tickBuffer bounds the price-update channel between the ticker callback
// and the evaluation loop. The feed delivers only the latest state per
// instrument, so dropping under backpressure loses staleness, not truth.
const tickBuffer = 512

// Engine runs the exit logic for one user: a position poll loop, a price
// source (streaming with polling fallback), a rules refresh loop, and an
// evaluation loop consuming price updates. All four share one cancellation
// context; Stop drains them.
type Engine struct {
	userID string
	cfg    Config
	client core.IBrokerClient
	bus    *events.Bus
	repo   core.IRulesRepository
	exec   *Executor
	pool   *concurrency.WorkerPool
	logger core.ILogger

	monitor *PositionMonitor
	prices  *PriceCache
	ruleSet atomic.Pointer[rules.TradingConfig]
	metrics *telemetry.MetricsHolder

	mu       sync.Mutex
	trades   map[core.PositionKey]*ActiveTrade
	byToken  map[uint32]core.PositionKey
	ticker   core.ITicker
	tickerUp atomic.Bool
	paused   atomic.Bool

	tickCh    chan []core.Tick
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   atomic.Bool
	startedAt time.Time

	// lastSkipped is the previous refresh's dropped-rule report, kept so the
	// per-second refresh loop reports each bad rule once, not every tick.
	lastSkipped string
}

// New builds an engine for one user. The exit pool is shared across users;
// each triggered trade becomes one pool task.
func New(userID string, cfg Config, client core.IBrokerClient, bus *events.Bus, repo core.IRulesRepository, tradeLog core.ITradeLogRepository, pool *concurrency.WorkerPool, logger core.ILogger) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	log := logger.WithField("component", "engine").WithField("user_id", userID)
	e := &Engine{
		userID:  userID,
		cfg:     cfg,
		client:  client,
		bus:     bus,
		repo:    repo,
		exec:    NewExecutor(userID, client, bus, tradeLog, log),
		pool:    pool,
		logger:  log,
		monitor: NewPositionMonitor(client, log),
		prices:  NewPriceCache(),
		trades:  make(map[core.PositionKey]*ActiveTrade),
		byToken: make(map[uint32]core.PositionKey),
		tickCh:  make(chan []core.Tick, tickBuffer),
		metrics: telemetry.GetGlobalMetrics(),
	}
	e.ruleSet.Store(&rules.TradingConfig{Version: rules.ConfigVersion})
	return e
}

// Start loads the rule set and launches the control loops. Idempotent: a
// second Start on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}

	if err := e.refreshRules(ctx); err != nil {
		e.logger.Warn("initial rules load failed, starting with empty set", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.startedAt = time.Now()

	e.spawn(runCtx, "position_poll", e.positionLoop)
	e.spawn(runCtx, "price_source", e.priceLoop)
	e.spawn(runCtx, "rules_refresh", e.rulesLoop)
	e.spawn(runCtx, "evaluation", e.evalLoop)

	e.metrics.SetEngineRunning(e.userID, true)
	return nil
}

// Stop cancels the loops, drains them, tears the ticker down and clears the
// trade set. Idempotent on an already-stopped engine.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	ticker := e.ticker
	e.ticker = nil
	tokens := make([]uint32, 0, len(e.byToken))
	for tok := range e.byToken {
		tokens = append(tokens, tok)
	}
	e.trades = make(map[core.PositionKey]*ActiveTrade)
	e.byToken = make(map[uint32]core.PositionKey)
	e.mu.Unlock()

	if ticker != nil {
		if len(tokens) > 0 {
			if err := ticker.Unsubscribe(tokens); err != nil {
				e.logger.Debug("unsubscribe on stop failed", "error", err)
			}
		}
		ticker.Close()
	}
	e.tickerUp.Store(false)
	e.metrics.SetEngineRunning(e.userID, false)
}

// Running reports whether the engine loops are live.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Status returns the point-in-time engine state.
// Paused reports whether the position loop is blocked waiting for the
// broker to become reachable again.
func (e *Engine) Paused() bool {
	return e.paused.Load()
}

func (e *Engine) Status() core.EngineStatus {
	e.mu.Lock()
	trades := len(e.trades)
	e.mu.Unlock()
	cfg := e.ruleSet.Load()
	return core.EngineStatus{
		Running:            e.running.Load(),
		TickerConnected:    e.tickerUp.Load(),
		ActiveTrades:       trades,
		PositionsMonitored: e.monitor.TrackedCount(),
		RulesLoaded:        len(cfg.Rules),
		StartedAt:          e.startedAt,
	}
}

// ActiveTrades returns a snapshot of every trade under evaluation.
func (e *Engine) ActiveTrades() []core.TradeSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.TradeSnapshot, 0, len(e.trades))
	for _, t := range e.trades {
		out = append(out, t.Snapshot())
	}
	return out
}

// spawn runs a loop with panic containment: a panicking loop reports
// system.error and dies alone, the sibling loops keep running.
func (e *Engine) spawn(ctx context.Context, name string, loop func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("engine loop panic", "loop", name, "panic", fmt.Sprintf("%v", r), "stack", string(debug.Stack()))
				e.bus.Publish(events.New(events.SystemError, e.userID, map[string]interface{}{
					"loop":  name,
					"error": fmt.Sprintf("panic: %v", r),
				}))
			}
		}()
		loop(ctx)
	}()
}

// positionLoop polls the broker position book and applies the diffs to the
// trade set. Repeated failures pause the engine until the broker answers a
// health probe again.
func (e *Engine) positionLoop(ctx context.Context) {
	interval := e.cfg.PositionPollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().In(e.cfg.Location)
			diffs, err := e.monitor.Poll(ctx, now)
			if err != nil {
				e.handlePollError(ctx, err)
				continue
			}
			for _, diff := range diffs {
				e.applyDiff(diff)
			}
			e.reconcileSystemOrders(ctx, now)
			e.metrics.SetPositionsMonitored(e.userID, int64(e.monitor.TrackedCount()))
			e.mu.Lock()
			e.metrics.SetActiveTrades(e.userID, int64(len(e.trades)))
			e.mu.Unlock()
		}
	}
}

// reconcileSystemOrders adopts exits that already exist at the broker: a
// live order carrying one of our tags marks its trade triggered, so a
// restart mid-exit never places the same exit twice.
func (e *Engine) reconcileSystemOrders(ctx context.Context, now time.Time) {
	e.mu.Lock()
	n := len(e.trades)
	e.mu.Unlock()
	if n == 0 {
		return
	}

	system, _, err := e.monitor.SystemOrders(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("order reconciliation failed", "error", err)
		}
		return
	}
	for _, o := range system {
		if !orderLive(o.Status) {
			continue
		}
		key := core.PositionKey{Exchange: o.Exchange, TradingSymbol: o.TradingSymbol}
		e.mu.Lock()
		trade := e.trades[key]
		e.mu.Unlock()
		if trade == nil {
			continue
		}
		if trade.AdoptTrigger(triggerFromTag(o.Tag), now) {
			e.logger.Info("adopted in-flight exit order",
				"symbol", o.TradingSymbol, "order_id", o.OrderID, "tag", o.Tag)
		}
	}
}

// orderLive reports whether an order is still working at the broker.
// Terminal orders (complete, rejected, cancelled) are ignored: a filled
// exit shows up as a position change, and a same-day re-entry must not be
// poisoned by an old order row.
func orderLive(status string) bool {
	switch status {
	case core.StatusOpen, core.StatusPending, core.StatusTriggerPending:
		return true
	}
	return false
}

func triggerFromTag(tag string) core.TriggerType {
	switch {
	case strings.HasPrefix(tag, "SL_"):
		return core.TriggerSL
	case strings.HasPrefix(tag, "SQ_"):
		return core.TriggerSquareOff
	default:
		return core.TriggerTP
	}
}

func (e *Engine) handlePollError(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	e.logger.Warn("position poll failed",
		"consecutive", e.monitor.ConsecutiveErrors(), "error", err)

	threshold := e.cfg.MaxAuthFailures
	if threshold <= 0 {
		threshold = 3
	}
	if apperrors.IsAuth(err) {
		e.bus.Publish(events.New(events.SessionExpired, e.userID, map[string]interface{}{
			"broker_id": e.brokerClient().BrokerID(),
			"error":     err.Error(),
		}))
	}
	if e.monitor.ConsecutiveErrors() >= threshold {
		e.pause(ctx, err)
	}
}

// pause emits broker.disconnected and blocks the position loop until a
// health probe succeeds, probing with doubling backoff capped at a minute.
// When the held client stays unhealthy, each probe also asks ClientSource
// for a replacement: after a session expiry the factory has closed the old
// client, and only a re-authenticated one can bring the engine back.
func (e *Engine) pause(ctx context.Context, cause error) {
	if !e.paused.CompareAndSwap(false, true) {
		return
	}
	defer e.paused.Store(false)

	e.bus.Publish(events.New(events.BrokerDisconnected, e.userID, map[string]interface{}{
		"broker_id": e.brokerClient().BrokerID(),
		"error":     cause.Error(),
	}))
	e.logger.Warn("broker unreachable, pausing engine", "error", cause)

	wait := 2 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			if e.probeBroker(ctx) {
				e.bus.Publish(events.New(events.BrokerConnected, e.userID, map[string]interface{}{
					"broker_id": e.brokerClient().BrokerID(),
				}))
				e.logger.Info("broker reachable again, resuming")
				return
			}
			if wait < time.Minute {
				wait *= 2
			}
		}
	}
}

// probeBroker health-checks the held client and falls back to a fresh one
// from ClientSource, adopting it on success.
func (e *Engine) probeBroker(ctx context.Context) bool {
	current := e.brokerClient()
	if err := current.CheckHealth(ctx); err == nil {
		return true
	}
	if e.cfg.ClientSource == nil {
		return false
	}
	fresh, err := e.cfg.ClientSource(ctx)
	if err != nil || fresh == nil || fresh == current {
		return false
	}
	if err := fresh.CheckHealth(ctx); err != nil {
		return false
	}
	e.adoptClient(fresh)
	return true
}

// adoptClient swaps the broker client everywhere the engine holds one. Only
// the paused position loop calls this, so the monitor is idle; the executor
// guards its own reference because exit tasks can still be in flight.
func (e *Engine) adoptClient(client core.IBrokerClient) {
	e.mu.Lock()
	e.client = client
	e.mu.Unlock()
	e.monitor.SetClient(client)
	e.exec.SetClient(client)
	e.logger.Info("adopted replacement broker client", "broker_id", client.BrokerID())
}

func (e *Engine) brokerClient() core.IBrokerClient {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

// applyDiff updates the trade set from one position change.
func (e *Engine) applyDiff(diff PositionDiff) {
	pos := diff.Position
	key := pos.Key()

	switch diff.Kind {
	case DiffOpened:
		e.bus.Publish(events.New(events.PositionOpened, e.userID, map[string]interface{}{
			"symbol":   pos.TradingSymbol,
			"exchange": pos.Exchange,
			"quantity": pos.Quantity,
			"product":  pos.Product,
		}))
		e.matchAndTrack(pos)

	case DiffUpdated:
		e.bus.Publish(events.New(events.PositionUpdated, e.userID, map[string]interface{}{
			"symbol":   pos.TradingSymbol,
			"exchange": pos.Exchange,
			"quantity": pos.Quantity,
		}))
		e.mu.Lock()
		if trade, ok := e.trades[key]; ok {
			trade.UpdatePosition(pos)
		}
		e.mu.Unlock()

	case DiffClosed:
		e.bus.Publish(events.New(events.PositionClosed, e.userID, map[string]interface{}{
			"symbol":   pos.TradingSymbol,
			"exchange": pos.Exchange,
		}))
		e.untrack(key)
	}
}

// matchAndTrack resolves the first matching rule for a new position and, on
// a match, creates the ActiveTrade and subscribes its token.
func (e *Engine) matchAndTrack(pos core.TrackedPosition) {
	side := rules.SideLong
	if pos.Type() == core.PositionShort {
		side = rules.SideShort
	}

	cfg := e.ruleSet.Load()
	rule := cfg.FindRule(pos.TradingSymbol, pos.Exchange, side)
	if rule == nil {
		e.logger.Debug("no rule matches position, skipping",
			"symbol", pos.TradingSymbol, "exchange", pos.Exchange, "side", side)
		return
	}

	trade := NewActiveTrade(pos, *rule)
	e.mu.Lock()
	e.trades[pos.Key()] = trade
	if pos.InstrumentToken != 0 {
		e.byToken[pos.InstrumentToken] = pos.Key()
	}
	ticker := e.ticker
	e.mu.Unlock()

	e.logger.Info("position matched, tracking",
		"symbol", pos.TradingSymbol, "rule_id", rule.RuleID, "rule_name", rule.Name)
	e.bus.Publish(events.New(events.RuleMatched, e.userID, map[string]interface{}{
		"symbol":    pos.TradingSymbol,
		"exchange":  pos.Exchange,
		"rule_id":   rule.RuleID,
		"rule_name": rule.Name,
	}))

	if ticker != nil && pos.InstrumentToken != 0 {
		tokens := []uint32{pos.InstrumentToken}
		if err := ticker.Subscribe(tokens); err != nil {
			e.logger.Warn("token subscribe failed", "token", pos.InstrumentToken, "error", err)
		} else if err := ticker.SetMode(core.ModeLTP, tokens); err != nil {
			e.logger.Warn("mode set failed", "token", pos.InstrumentToken, "error", err)
		}
	}
}

// untrack removes a trade and releases its token subscription.
func (e *Engine) untrack(key core.PositionKey) {
	e.mu.Lock()
	trade, ok := e.trades[key]
	var token uint32
	var ticker core.ITicker
	if ok {
		delete(e.trades, key)
		token = trade.Token()
		if token != 0 {
			delete(e.byToken, token)
		}
		ticker = e.ticker
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	if token != 0 {
		e.prices.Remove(token)
		if ticker != nil {
			if err := ticker.Unsubscribe([]uint32{token}); err != nil {
				e.logger.Debug("token unsubscribe failed", "token", token, "error", err)
			}
		}
	}
}

// priceLoop runs the price source. When the broker can stream, the ticker
// feeds the evaluation channel and LTP polling acts only as a fallback
// while the socket is down; otherwise polling is the sole source.
func (e *Engine) priceLoop(ctx context.Context) {
	if e.cfg.UseTicker {
		if provider, ok := e.brokerClient().(core.ITickerProvider); ok {
			e.startTicker(ctx, provider)
		}
	}

	interval := e.cfg.PricePollInterval
	if interval <= 0 {
		interval = time.Second
	}
	poll := time.NewTicker(interval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			if e.tickerUp.Load() {
				continue
			}
			e.pollPrices(ctx)
		}
	}
}

// startTicker wires the streaming callbacks and connects. A connect
// failure degrades to polling; the reconnecting transport keeps trying
// underneath.
func (e *Engine) startTicker(ctx context.Context, provider core.ITickerProvider) {
	ticker := provider.NewTicker()

	ticker.OnTicks(func(ticks []core.Tick) {
		select {
		case e.tickCh <- ticks:
		default:
			e.logger.Warn("tick channel full, dropping frame", "ticks", len(ticks))
		}
	})
	ticker.OnConnect(func() {
		e.tickerUp.Store(true)
		e.metrics.SetTickerConnected(e.userID, true)
		e.logger.Info("price stream connected")
	})
	ticker.OnClose(func(code int, reason string) {
		e.tickerUp.Store(false)
		e.metrics.SetTickerConnected(e.userID, false)
		e.logger.Warn("price stream closed", "code", code, "reason", reason)
	})
	ticker.OnError(func(err error) {
		e.logger.Warn("price stream error", "error", err)
	})
	ticker.OnReconnect(func(attempt int) {
		e.logger.Info("price stream reconnecting", "attempt", attempt)
	})

	e.mu.Lock()
	e.ticker = ticker
	e.mu.Unlock()

	if err := ticker.Connect(ctx); err != nil {
		e.logger.Warn("price stream connect failed, falling back to polling", "error", err)
		return
	}

	// Subscribe tokens for trades created before the stream came up.
	e.mu.Lock()
	tokens := make([]uint32, 0, len(e.byToken))
	for tok := range e.byToken {
		tokens = append(tokens, tok)
	}
	e.mu.Unlock()
	if len(tokens) > 0 {
		if err := ticker.Subscribe(tokens); err == nil {
			_ = ticker.SetMode(core.ModeLTP, tokens)
		}
	}
}

// pollPrices fetches LTPs for every tracked trade and routes them through
// the same evaluation path as streamed ticks.
func (e *Engine) pollPrices(ctx context.Context) {
	e.mu.Lock()
	keys := make([]string, 0, len(e.trades))
	byKey := make(map[string]*ActiveTrade, len(e.trades))
	for key, trade := range e.trades {
		k := key.String()
		keys = append(keys, k)
		byKey[k] = trade
	}
	e.mu.Unlock()
	if len(keys) == 0 {
		return
	}

	quotes, err := e.brokerClient().LTP(ctx, keys)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("price poll failed", "error", err)
		}
		return
	}

	now := time.Now().In(e.cfg.Location)
	for k, quote := range quotes {
		trade, ok := byKey[k]
		if !ok {
			continue
		}
		if quote.InstrumentToken != 0 {
			e.prices.Set(quote.InstrumentToken, quote.LastPrice)
		}
		e.evaluateTrade(ctx, trade, quote.LastPrice, now)
	}
}

// evalLoop consumes streamed ticks and evaluates the trades holding them.
func (e *Engine) evalLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ticks := <-e.tickCh:
			now := time.Now().In(e.cfg.Location)
			for _, tick := range ticks {
				e.handleTick(ctx, tick, now)
			}
		}
	}
}

func (e *Engine) handleTick(ctx context.Context, tick core.Tick, now time.Time) {
	e.prices.Set(tick.InstrumentToken, tick.LastPrice)
	if e.metrics.TicksProcessedTotal != nil {
		e.metrics.TicksProcessedTotal.Add(ctx, 1)
	}

	e.mu.Lock()
	key, ok := e.byToken[tick.InstrumentToken]
	var trade *ActiveTrade
	if ok {
		trade = e.trades[key]
	}
	e.mu.Unlock()
	if trade == nil {
		return
	}

	e.bus.Publish(events.New(events.PriceUpdate, e.userID, map[string]interface{}{
		"instrument_token": tick.InstrumentToken,
		"symbol":           key.TradingSymbol,
		"last_price":       tick.LastPrice,
	}))

	e.evaluateTrade(ctx, trade, tick.LastPrice, now)
}

// evaluateTrade runs one evaluation and, on a trigger, hands the trade to
// the executor on the exit pool. The Evaluate CAS guarantees only one
// caller ever submits a given trade.
func (e *Engine) evaluateTrade(ctx context.Context, trade *ActiveTrade, price float64, now time.Time) {
	trigger, fired := trade.Evaluate(price, now)
	if !fired {
		return
	}

	e.logger.Info("exit trigger fired",
		"symbol", trade.Key().TradingSymbol, "trigger", string(trigger), "price", price)

	// The exit must survive an engine Stop racing the trigger; detach it
	// from loop cancellation but keep it bounded.
	task := func() {
		execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		e.exec.Execute(execCtx, trade, trigger)
	}
	if e.pool != nil {
		if err := e.pool.Submit(task); err != nil {
			e.logger.Error("exit pool rejected task, executing inline", "error", err)
			task()
		}
	} else {
		task()
	}
}

// rulesLoop periodically reloads the rule document. The swap is a single
// atomic pointer store; live trades keep their snapshot.
func (e *Engine) rulesLoop(ctx context.Context) {
	interval := e.cfg.RulesRefreshInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.refreshRules(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("rules refresh failed", "error", err)
			}
		}
	}
}

func (e *Engine) refreshRules(ctx context.Context) error {
	cfg, err := e.repo.GetRules(ctx, e.userID)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = &rules.TradingConfig{Version: rules.ConfigVersion}
	}
	// Prune again at the boundary: evaluation must never see a rule that
	// failed validation, whatever repository produced the document.
	cfg.PruneInvalid()
	e.ruleSet.Store(cfg)
	e.reportSkippedRules(cfg.Skipped)

	enabled := int64(0)
	for i := range cfg.Rules {
		if cfg.Rules[i].Enabled {
			enabled++
		}
	}
	e.metrics.SetRulesLoaded(e.userID, enabled)
	return nil
}

// reportSkippedRules publishes system.error for each rule the load pruned.
// Repeat refreshes of the same document stay quiet until the set changes.
func (e *Engine) reportSkippedRules(skipped []string) {
	signature := strings.Join(skipped, "\n")
	e.mu.Lock()
	changed := signature != e.lastSkipped
	e.lastSkipped = signature
	e.mu.Unlock()
	if !changed {
		return
	}
	for _, msg := range skipped {
		e.logger.Error("rule skipped by validation", "detail", msg)
		e.bus.Publish(events.New(events.SystemError, e.userID, map[string]interface{}{
			"source": "rules_refresh",
			"error":  "rule skipped: " + msg,
		}))
	}
}
