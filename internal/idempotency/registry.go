// Package idempotency implements the Idempotency Registry (§4.B): reserving
// a client-supplied key against the order it first admitted, and detecting
// resubmissions whose payload diverges from the original.
package idempotency

import (
	"context"
	"fmt"

	"ordercore/internal/core"
)

// Registry reserves idempotency keys within an already-open transaction.
// The atomic reserve-or-read-existing operation lives in the Store (it must
// be linearized with the orders table within the same transaction); this
// type layers the payload-divergence check and logging on top of it.
type Registry struct {
	logger core.ILogger
}

func NewRegistry(logger core.ILogger) *Registry {
	return &Registry{logger: logger.WithField("component", "idempotency_registry")}
}

// Outcome reports whether the key reserved a new order or resolved to one
// already admitted, and carries the order it should be treated as referring to.
type Outcome struct {
	Result  core.IdempotencyOutcome
	OrderID string
}

// Reserve attempts to claim key for candidate within tx. If the key was
// already reserved by a different order, it logs a warning when the
// resubmitted request diverges from the original order's parameters -
// divergence never blocks admission, the caller always receives the prior
// order per §4.B.
func (r *Registry) Reserve(ctx context.Context, tx core.Tx, key string, candidate *core.Order) (Outcome, error) {
	if key == "" {
		return Outcome{Result: core.Created, OrderID: candidate.OrderID}, nil
	}

	existingOrderID, reserved, err := tx.ReserveIdempotencyKey(ctx, key, candidate.OrderID)
	if err != nil {
		return Outcome{}, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if reserved {
		return Outcome{Result: core.Created, OrderID: existingOrderID}, nil
	}

	existing, err := tx.GetOrder(ctx, existingOrderID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load order for existing idempotency key: %w", err)
	}
	if r.diverges(existing, candidate) {
		r.logger.Warn("idempotency key resubmitted with divergent payload",
			"idempotency_key", key,
			"existing_order_id", existing.OrderID,
			"existing_investor_id", existing.InvestorID,
			"existing_asset_id", existing.AssetID,
			"existing_side", existing.Side,
			"existing_quantity", existing.Quantity.String(),
			"candidate_investor_id", candidate.InvestorID,
			"candidate_asset_id", candidate.AssetID,
			"candidate_side", candidate.Side,
			"candidate_quantity", candidate.Quantity.String())
	}

	return Outcome{Result: core.Existing, OrderID: existing.OrderID}, nil
}

func (r *Registry) diverges(existing, candidate *core.Order) bool {
	if existing.InvestorID != candidate.InvestorID ||
		existing.AssetID != candidate.AssetID ||
		existing.Side != candidate.Side ||
		!existing.Quantity.Equal(candidate.Quantity) {
		return true
	}
	if (existing.Price == nil) != (candidate.Price == nil) {
		return true
	}
	if existing.Price != nil && candidate.Price != nil && !existing.Price.Equal(*candidate.Price) {
		return true
	}
	return false
}
