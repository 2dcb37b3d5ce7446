// Package core defines the domain types and interfaces shared across the
// order management core: orders, trades, holdings, the append-only state
// log, and the collaborators each component depends on.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderStatus is a state in the order lifecycle state machine.
type OrderStatus string

const (
	StatusNew        OrderStatus = "NEW"
	StatusValidating OrderStatus = "VALIDATING"
	StatusValidated  OrderStatus = "VALIDATED"
	StatusExecuting  OrderStatus = "EXECUTING"
	StatusFilled     OrderStatus = "FILLED"
	StatusSettled    OrderStatus = "SETTLED"
	StatusRejected   OrderStatus = "REJECTED"
	StatusCancelled  OrderStatus = "CANCELLED"
)

// terminal reports whether no further transition is legal from this status.
func (s OrderStatus) terminal() bool {
	switch s {
	case StatusRejected, StatusSettled, StatusCancelled:
		return true
	default:
		return false
	}
}

// legalNext is the adjacency list of the state machine in §4.F.
var legalNext = map[OrderStatus][]OrderStatus{
	StatusNew:        {StatusValidating, StatusCancelled},
	StatusValidating: {StatusValidated, StatusRejected},
	StatusValidated:  {StatusExecuting, StatusCancelled},
	StatusExecuting:  {StatusFilled, StatusRejected},
	StatusFilled:     {StatusSettled},
}

// CanTransition reports whether `to` is a legal next status from `from`.
// A nil `from` (the empty string) is only legal as the creation edge into New.
func CanTransition(from, to OrderStatus) bool {
	if from == "" {
		return to == StatusNew
	}
	if from.terminal() {
		return false
	}
	for _, candidate := range legalNext[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// AccountStatus is the investor's account state, owned by an external system.
type AccountStatus string

const (
	AccountActive    AccountStatus = "ACTIVE"
	AccountSuspended AccountStatus = "SUSPENDED"
	AccountClosed    AccountStatus = "CLOSED"
)

// Order is the unit of work processed by the engine.
type Order struct {
	OrderID        string
	InvestorID     int64
	AssetID        int64
	Side           OrderSide
	Quantity       decimal.Decimal
	Price          *decimal.Decimal // nil means a market order
	Status         OrderStatus
	IdempotencyKey string // empty means none supplied
	RejectReason   string
	OrderedAt      time.Time
	ExecutedAt     *time.Time
	SettledAt      *time.Time
}

// IsMarket reports whether the order carries no limit price.
func (o *Order) IsMarket() bool { return o.Price == nil }

// Trade is created once, at Executing->Filled, and never mutated after.
type Trade struct {
	TradeID        string
	OrderID        string
	InvestorID     int64
	AssetID        int64
	Quantity       decimal.Decimal
	ExecutionPrice decimal.Decimal
	Side           OrderSide
	TradedAt       time.Time
}

// Holding is an investor's position in one asset.
type Holding struct {
	InvestorID  int64
	AssetID     int64
	Quantity    decimal.Decimal
	AverageCost decimal.Decimal
	UpdatedAt   time.Time
}

// Investor is read-only from the core's point of view.
type Investor struct {
	InvestorID    int64
	AccountStatus AccountStatus
}

// Asset is read-only from the core's point of view.
type Asset struct {
	AssetID      int64
	IsActive     bool
	CurrentPrice decimal.Decimal
}

// StateLogEntry is one append-only audit record of a status transition.
type StateLogEntry struct {
	OrderID    string
	FromStatus OrderStatus // empty for the creation entry
	ToStatus   OrderStatus
	Reason     string
	LoggedBy   string
	LoggedAt   time.Time
}

// IdempotencyRecord maps a client-supplied key to the order it first created.
type IdempotencyRecord struct {
	Key       string
	OrderID   string
	CreatedAt time.Time
}

// OrderEvent is published on the event bus after a transition commits.
type OrderEvent struct {
	OrderID    string
	InvestorID int64
	Previous   OrderStatus
	Current    OrderStatus
	Snapshot   Order
	OccurredAt time.Time
}
