// Package validate implements the Validator (§4.C): a pure, sequential
// sequence of checks run against an order and the collaborator state loaded
// for it, with no side effects of its own.
package validate

import (
	"fmt"

	"github.com/shopspring/decimal"

	"ordercore/internal/core"
	apperrors "ordercore/pkg/errors"
)

// SequentialValidator runs the checks of §4.C in order, stopping at the
// first failure. It is stateless and safe for concurrent use.
type SequentialValidator struct {
	logger core.ILogger
}

func NewSequentialValidator(logger core.ILogger) *SequentialValidator {
	return &SequentialValidator{logger: logger.WithField("component", "validator")}
}

// Validate checks investor standing, asset standing, quantity and price
// well-formedness, and sell-side holdings sufficiency. holding may be nil
// when the investor has no existing position in the asset.
func (v *SequentialValidator) Validate(order *core.Order, investor *core.Investor, asset *core.Asset, holding *core.Holding) error {
	// 1. Investor must exist and be in good standing.
	if investor == nil {
		return v.reject(order, "Investor not found")
	}
	if investor.AccountStatus != core.AccountActive {
		return v.reject(order, fmt.Sprintf("Account is %s", investor.AccountStatus))
	}

	// 2. Asset must exist and be actively tradable.
	if asset == nil || !asset.IsActive {
		return v.reject(order, "Asset is not available for trading")
	}

	// 3. Quantity and, when present, price must be strictly positive.
	if order.Quantity.LessThanOrEqual(decimal.Zero) {
		return v.reject(order, "Quantity must be positive")
	}
	if order.Price != nil && order.Price.LessThanOrEqual(decimal.Zero) {
		return v.reject(order, "Price must be positive")
	}

	// 4. A sell may not exceed the investor's existing holding in the asset.
	if order.Side == core.SideSell {
		available := decimal.Zero
		if holding != nil {
			available = holding.Quantity
		}
		if order.Quantity.GreaterThan(available) {
			return v.reject(order, fmt.Sprintf("Insufficient holdings. Available: %s, Requested: %s",
				available.String(), order.Quantity.String()))
		}
	}

	// 5. A market order (nil price) requires a usable reference price.
	if order.Price == nil && asset.CurrentPrice.LessThanOrEqual(decimal.Zero) {
		return v.reject(order, "Invalid market price for asset")
	}

	return nil
}

func (v *SequentialValidator) reject(order *core.Order, reason string) error {
	v.logger.Info("order failed validation",
		"order_id", order.OrderID,
		"investor_id", order.InvestorID,
		"asset_id", order.AssetID,
		"reason", reason)
	return fmt.Errorf("%w: %s", apperrors.ErrValidationFailed, reason)
}
