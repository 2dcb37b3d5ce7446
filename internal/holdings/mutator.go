// Package holdings implements the Holdings Mutator (§4.D): applying a
// filled order's quantity and price to an investor's position using
// weighted-average cost accounting.
package holdings

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ordercore/internal/core"
	apperrors "ordercore/pkg/errors"
	"ordercore/pkg/money"
)

// Mutator computes the post-fill holding. It has no side effects: callers
// persist the returned Holding through the Store within the execution
// transaction.
type Mutator struct{}

func NewMutator() *Mutator { return &Mutator{} }

// ApplyBuy folds a buy fill into the existing holding (nil if this is the
// investor's first position in the asset) using weighted-average cost.
func (m *Mutator) ApplyBuy(existing *core.Holding, investorID, assetID int64, qty, execPrice decimal.Decimal, now time.Time) *core.Holding {
	oldQty := decimal.Zero
	oldAvg := decimal.Zero
	if existing != nil {
		oldQty = existing.Quantity
		oldAvg = existing.AverageCost
	}

	newQty := money.RoundQuantity(oldQty.Add(qty))
	newAvg := money.WeightedAverageCost(oldQty, oldAvg, qty, execPrice)

	return &core.Holding{
		InvestorID:  investorID,
		AssetID:     assetID,
		Quantity:    newQty,
		AverageCost: newAvg,
		UpdatedAt:   now,
	}
}

// ApplySell reduces an existing holding by qty, leaving average cost
// unchanged. The caller must have already validated qty does not exceed the
// holding (§4.C check 4); ApplySell still refuses to go negative as a
// defense against stale reads.
func (m *Mutator) ApplySell(existing *core.Holding, qty decimal.Decimal, now time.Time) (*core.Holding, error) {
	if existing == nil || qty.GreaterThan(existing.Quantity) {
		return nil, fmt.Errorf("%w: sell quantity exceeds held quantity", apperrors.ErrInsufficientHoldings)
	}

	remaining := money.RoundQuantity(existing.Quantity.Sub(qty))
	avg := existing.AverageCost
	if remaining.IsZero() {
		avg = decimal.Zero
	}

	return &core.Holding{
		InvestorID:  existing.InvestorID,
		AssetID:     existing.AssetID,
		Quantity:    remaining,
		AverageCost: avg,
		UpdatedAt:   now,
	}, nil
}
