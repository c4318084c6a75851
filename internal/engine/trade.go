package engine

import (
	"sync"
	"time"

	"exit_engine/internal/core"
	"exit_engine/internal/rules"
	"exit_engine/pkg/tradingutils"
)

// ActiveTrade is a matched position under live evaluation. The rule is a
// snapshot taken at match time; rule edits never touch a live trade. All
// mutation happens under the trade's own lock, which serializes price
// updates and evaluations per trade.
type ActiveTrade struct {
	mu sync.Mutex

	position core.TrackedPosition
	rule     rules.ExitRule
	side     string // rules.SideLong or rules.SideShort

	tpPrice float64
	slPrice float64
	hasTP   bool
	hasSL   bool

	currentPrice float64
	highestPrice float64
	lowestPrice  float64

	triggered   bool
	triggerType core.TriggerType
	triggeredAt time.Time
}

// NewActiveTrade snapshots the position and rule and precomputes the
// trigger prices from the entry price.
func NewActiveTrade(pos core.TrackedPosition, rule rules.ExitRule) *ActiveTrade {
	side := rules.SideLong
	if pos.Type() == core.PositionShort {
		side = rules.SideShort
	}
	entry := pos.EntryPrice()

	t := &ActiveTrade{
		position:     pos,
		rule:         rule,
		side:         side,
		currentPrice: pos.LastPrice,
		highestPrice: pos.LastPrice,
		lowestPrice:  pos.LastPrice,
	}
	// Trigger prices align to the exchange tick so PERCENTAGE math never
	// sits between two quotable prices.
	if tp, ok := rule.CalcTP(entry, side); ok {
		t.tpPrice = tradingutils.RoundToTickFloat(tp, tradingutils.DefaultTickSize)
		t.hasTP = true
	}
	if sl, ok := rule.CalcSL(entry, side); ok {
		t.slPrice = tradingutils.RoundToTickFloat(sl, tradingutils.DefaultTickSize)
		t.hasSL = true
	}
	return t
}

// Key returns the trade's position identity.
func (t *ActiveTrade) Key() core.PositionKey {
	return t.position.Key()
}

// Token returns the instrument token to subscribe for this trade.
func (t *ActiveTrade) Token() uint32 {
	return t.position.InstrumentToken
}

// Position returns the position snapshot the trade was created from.
func (t *ActiveTrade) Position() core.TrackedPosition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position
}

// Rule returns the immutable rule snapshot.
func (t *ActiveTrade) Rule() rules.ExitRule {
	return t.rule
}

// UpdatePosition refreshes the quantity and timestamps after a confirmed
// diff. Entry price and trigger prices are fixed at creation.
func (t *ActiveTrade) UpdatePosition(pos core.TrackedPosition) {
	t.mu.Lock()
	t.position.Quantity = pos.Quantity
	t.position.LastPrice = pos.LastPrice
	t.position.PnL = pos.PnL
	t.position.LastUpdated = pos.LastUpdated
	t.mu.Unlock()
}

// AdoptTrigger moves the trade to its terminal state without executing an
// exit, for trades whose exit order already exists at the broker. Returns
// false when the trade had already triggered.
func (t *ActiveTrade) AdoptTrigger(trigger core.TriggerType, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.triggered {
		return false
	}
	t.triggered = true
	t.triggerType = trigger
	t.triggeredAt = at
	return true
}

// Triggered reports whether the trade has reached its terminal state.
func (t *ActiveTrade) Triggered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.triggered
}

// Snapshot returns a point-in-time copy for Status/ActiveTrades readers.
func (t *ActiveTrade) Snapshot() core.TradeSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return core.TradeSnapshot{
		Symbol:       t.position.TradingSymbol,
		Exchange:     t.position.Exchange,
		PositionType: t.position.Type(),
		Quantity:     t.position.Quantity,
		EntryPrice:   t.position.EntryPrice(),
		RuleID:       t.rule.RuleID,
		RuleName:     t.rule.Name,
		TPPrice:      t.tpPrice,
		SLPrice:      t.slPrice,
		CurrentPrice: t.currentPrice,
		HighestPrice: t.highestPrice,
		LowestPrice:  t.lowestPrice,
		Triggered:    t.triggered,
		TriggerType:  t.triggerType,
		TriggeredAt:  t.triggeredAt,
		FirstSeen:    t.position.FirstSeen,
	}
}
