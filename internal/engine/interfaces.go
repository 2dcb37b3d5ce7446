// Package engine implements the Order Engine (§4.F): the order lifecycle
// state machine and the workflow driver that advances an order through it.
package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"ordercore/internal/core"
)

// Engine is the entry point for order submission, cancellation, and reads.
type Engine interface {
	// CreateOrder admits an order request, synchronously persisting it as
	// New and scheduling asynchronous workflow processing. It returns the
	// prior order unchanged when idempotencyKey was already reserved.
	CreateOrder(ctx context.Context, req CreateOrderRequest, idempotencyKey string) (*core.Order, error)

	// CancelOrder transitions an order to Cancelled if it is still in
	// {New, Validated}; otherwise it fails with apperrors.ErrInvalidState.
	CancelOrder(ctx context.Context, orderID, reason string) (*core.Order, error)

	GetOrder(ctx context.Context, orderID string) (*core.Order, error)
	ListOrdersForInvestor(ctx context.Context, investorID int64, fromDate *time.Time) ([]core.Order, error)

	// Start launches the workflow worker pool; Stop drains it.
	Start(ctx context.Context) error
	Stop()
}

// CreateOrderRequest is the well-formed input to CreateOrder, already
// parsed and decimal-validated from the external wire representation (§6).
type CreateOrderRequest struct {
	InvestorID int64
	AssetID    int64
	Side       core.OrderSide
	Quantity   decimal.Decimal
	Price      *decimal.Decimal
}

// Directory is the read-only external lookup the Validator depends on
// (§3: investors and assets are owned by external systems).
type Directory interface {
	GetInvestor(ctx context.Context, investorID int64) (*core.Investor, error)
	GetAsset(ctx context.Context, assetID int64) (*core.Asset, error)
}
