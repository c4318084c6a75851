package engine

import (
	"time"

	"exit_engine/internal/core"
	"exit_engine/internal/rules"
)

// Evaluate applies one price observation to the trade and reports the exit
// trigger, if any. It updates the watermarks, walks the decision order
// (square-off, trading window, trailing TP, static TP, trailing SL, static
// SL) and, on a firing condition, performs the terminal transition. The
// caller that receives ok=true is the only one that may execute the exit;
// a trade already triggered always returns ok=false.
func (t *ActiveTrade) Evaluate(price float64, now time.Time) (core.TriggerType, bool) {
	if price <= 0 {
		return "", false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.triggered {
		return "", false
	}

	if t.highestPrice == 0 || price > t.highestPrice {
		t.highestPrice = price
	}
	if t.lowestPrice == 0 || price < t.lowestPrice {
		t.lowestPrice = price
	}
	t.currentPrice = price

	if tc := t.rule.TimeConditions; tc != nil {
		if tc.ShouldSquareOff(now) {
			return t.fire(core.TriggerSquareOff, now), true
		}
		if !tc.InWindow(now) {
			return "", false
		}
	}

	if t.hasTP {
		if trig, ok := t.checkTakeProfit(price); ok {
			return t.fire(trig, now), true
		}
	}
	if t.hasSL {
		if trig, ok := t.checkStopLoss(price); ok {
			return t.fire(trig, now), true
		}
	}
	return "", false
}

func (t *ActiveTrade) fire(trigger core.TriggerType, now time.Time) core.TriggerType {
	t.triggered = true
	t.triggerType = trigger
	t.triggeredAt = now
	return trigger
}

// checkTakeProfit evaluates the trailing variant first: once the watermark
// has reached the target the trade rides the trend and exits only after
// giving back trail_step from the best price seen.
func (t *ActiveTrade) checkTakeProfit(price float64) (core.TriggerType, bool) {
	tp := t.rule.TakeProfit
	if tp.Trail && tp.TrailStep > 0 {
		if t.side == rules.SideLong {
			if t.highestPrice >= t.tpPrice && price <= t.highestPrice-tp.TrailStep {
				return core.TriggerTP, true
			}
		} else {
			if t.lowestPrice <= t.tpPrice && price >= t.lowestPrice+tp.TrailStep {
				return core.TriggerTP, true
			}
		}
		return "", false
	}

	if t.side == rules.SideLong {
		if price >= t.tpPrice {
			return core.TriggerTP, true
		}
	} else if price <= t.tpPrice {
		return core.TriggerTP, true
	}
	return "", false
}

// checkStopLoss evaluates the trailing variant using the entry-to-stop
// distance ratcheted from the watermark, then the static stop.
func (t *ActiveTrade) checkStopLoss(price float64) (core.TriggerType, bool) {
	sl := t.rule.StopLoss
	entry := t.position.EntryPrice()

	if sl.Trail {
		// The trailing distance is the entry-to-initial-stop gap in rupees,
		// fixed at tracking time. A PERCENTAGE stop therefore trails by the
		// rupee amount the percentage meant at entry, not by a percentage of
		// the moving watermark; the protection band stays constant as the
		// trade runs.
		if t.side == rules.SideLong {
			distance := entry - t.slPrice
			if distance > 0 && price <= t.highestPrice-distance {
				return core.TriggerSL, true
			}
		} else {
			distance := t.slPrice - entry
			if distance > 0 && price >= t.lowestPrice+distance {
				return core.TriggerSL, true
			}
		}
		return "", false
	}

	if t.side == rules.SideLong {
		if price <= t.slPrice {
			return core.TriggerSL, true
		}
	} else if price >= t.slPrice {
		return core.TriggerSL, true
	}
	return "", false
}
