package rules

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// CalcTP computes the take-profit trigger price for a position entered at
// entryPrice on the given side. The second return is false when the rule
// has no enabled take-profit.
func (r *ExitRule) CalcTP(entryPrice float64, side string) (float64, bool) {
	tp := r.TakeProfit
	if tp == nil || !tp.Enabled || !tp.ConditionType.Valid() {
		return 0, false
	}
	entry := decimal.NewFromFloat(entryPrice)
	value := decimal.NewFromFloat(tp.Target)
	switch tp.ConditionType {
	case ConditionAbsolute:
		return tp.Target, true
	case ConditionRelative:
		if side == SideLong {
			return entry.Add(value).InexactFloat64(), true
		}
		return entry.Sub(value).InexactFloat64(), true
	default: // percentage
		pct := value.Div(hundred)
		if side == SideLong {
			return entry.Mul(decimal.NewFromInt(1).Add(pct)).InexactFloat64(), true
		}
		return entry.Mul(decimal.NewFromInt(1).Sub(pct)).InexactFloat64(), true
	}
}

// CalcSL computes the stop-loss trigger price for a position entered at
// entryPrice on the given side. The second return is false when the rule
// has no enabled stop-loss.
func (r *ExitRule) CalcSL(entryPrice float64, side string) (float64, bool) {
	sl := r.StopLoss
	if sl == nil || !sl.Enabled || !sl.ConditionType.Valid() {
		return 0, false
	}
	entry := decimal.NewFromFloat(entryPrice)
	value := decimal.NewFromFloat(sl.Stop)
	switch sl.ConditionType {
	case ConditionAbsolute:
		return sl.Stop, true
	case ConditionRelative:
		if side == SideLong {
			return entry.Sub(value).InexactFloat64(), true
		}
		return entry.Add(value).InexactFloat64(), true
	default: // percentage
		pct := value.Div(hundred)
		if side == SideLong {
			return entry.Mul(decimal.NewFromInt(1).Sub(pct)).InexactFloat64(), true
		}
		return entry.Mul(decimal.NewFromInt(1).Add(pct)).InexactFloat64(), true
	}
}

// CheckTP reports whether price has reached the take-profit trigger.
// Comparisons are inclusive: a price exactly at the trigger fires.
func (r *ExitRule) CheckTP(price, entryPrice float64, side string) bool {
	tp, ok := r.CalcTP(entryPrice, side)
	if !ok {
		return false
	}
	if side == SideLong {
		return price >= tp
	}
	return price <= tp
}

// CheckSL reports whether price has reached the stop-loss trigger.
// Comparisons are inclusive: a price exactly at the trigger fires.
func (r *ExitRule) CheckSL(price, entryPrice float64, side string) bool {
	sl, ok := r.CalcSL(entryPrice, side)
	if !ok {
		return false
	}
	if side == SideLong {
		return price <= sl
	}
	return price >= sl
}

// Weekday converts t's weekday to the Monday=0 indexing used by
// TimeCondition.ActiveDays.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// ActiveOn reports whether t falls on one of the condition's active days.
func (tc *TimeCondition) ActiveOn(t time.Time) bool {
	day := Weekday(t)
	for _, d := range tc.ActiveDays {
		if d == day {
			return true
		}
	}
	return false
}

// InWindow reports whether t is inside the [start, end] trading window on
// an active day. An empty bound is open on that side.
func (tc *TimeCondition) InWindow(t time.Time) bool {
	if !tc.ActiveOn(t) {
		return false
	}
	hhmm := t.Format("15:04")
	if tc.StartTime != "" && hhmm < tc.StartTime {
		return false
	}
	if tc.EndTime != "" && hhmm > tc.EndTime {
		return false
	}
	return true
}

// ShouldSquareOff reports whether t has reached the square-off time on an
// active day. Square-off is checked before the trading window so it still
// fires when square_off_time falls after end_time, the usual intraday
// arrangement.
func (tc *TimeCondition) ShouldSquareOff(t time.Time) bool {
	if tc.SquareOffTime == nil || *tc.SquareOffTime == "" {
		return false
	}
	if !tc.ActiveOn(t) {
		return false
	}
	return t.Format("15:04") >= *tc.SquareOffTime
}
