// Package money provides fixed-point decimal rounding helpers used by the
// holdings mutator, matching the numeric semantics of §4.D:
// at least 4 fractional digits, banker's rounding (half-to-even) when
// representation limits are reached.
package money

import (
	"github.com/shopspring/decimal"
)

// QuantityScale and PriceScale are the minimum fractional digits carried by
// quantities and prices respectively.
const (
	QuantityScale = 4
	PriceScale    = 4
)

// RoundQuantity rounds a quantity to QuantityScale using banker's rounding.
func RoundQuantity(qty decimal.Decimal) decimal.Decimal {
	return qty.RoundBank(QuantityScale)
}

// RoundPrice rounds a price (or a price-derived product such as a cost
// basis) to PriceScale using banker's rounding.
func RoundPrice(price decimal.Decimal) decimal.Decimal {
	return price.RoundBank(PriceScale)
}

// WeightedAverageCost computes the new average cost for a buy fill applied
// on top of an existing position, per §4.D:
//
//	newAvg = (oldQty*oldAvg + fillQty*execPrice) / (oldQty + fillQty)
func WeightedAverageCost(oldQty, oldAvg, fillQty, execPrice decimal.Decimal) decimal.Decimal {
	newQty := oldQty.Add(fillQty)
	if newQty.IsZero() {
		return decimal.Zero
	}
	totalCost := oldQty.Mul(oldAvg).Add(fillQty.Mul(execPrice))
	return RoundPrice(totalCost.Div(newQty))
}
