package tradingutils

import (
	"github.com/shopspring/decimal"
)

// DefaultTickSize is the minimum price increment on NSE/BSE cash and
// derivatives segments.
var DefaultTickSize = decimal.NewFromFloat(0.05)

// RoundToTick aligns a price to the nearest valid exchange tick. Limit
// exit orders at an unaligned price are rejected by the OMS.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	ticks := price.Div(tick).Round(0)
	return ticks.Mul(tick)
}

// RoundToTickFloat is RoundToTick over float64 prices, the representation
// used on the tick hot path.
func RoundToTickFloat(price float64, tick decimal.Decimal) float64 {
	f, _ := RoundToTick(decimal.NewFromFloat(price), tick).Float64()
	return f
}

// GrossPnL computes the signed profit of an exit fill against entry.
// Quantity is the unsigned position size; side is +1 for long, -1 for short.
func GrossPnL(entry, exit decimal.Decimal, quantity int64, side int) decimal.Decimal {
	diff := exit.Sub(entry)
	if side < 0 {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromInt(quantity))
}

// PercentChange returns the percentage move from base to current.
func PercentChange(base, current decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		return decimal.Zero
	}
	return current.Sub(base).Div(base).Mul(decimal.NewFromInt(100))
}
