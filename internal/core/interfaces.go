package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger is the structured logging interface implemented by pkg/logging.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// Tx is an open transaction against the Store. Every mutation performed
// through a Tx becomes visible to other transactions only on Commit.
type Tx interface {
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	PutOrder(ctx context.Context, order *Order) error
	GetHolding(ctx context.Context, investorID, assetID int64) (*Holding, error)
	PutHolding(ctx context.Context, holding *Holding) error
	PutTrade(ctx context.Context, trade *Trade) error
	AppendStateLog(ctx context.Context, entry *StateLogEntry) error
	ListStateLog(ctx context.Context, orderID string) ([]StateLogEntry, error)
	ReserveIdempotencyKey(ctx context.Context, key, orderID string) (existingOrderID string, reserved bool, err error)
	ListOrdersForInvestor(ctx context.Context, investorID int64, fromDate *time.Time) ([]Order, error)
	ListFilledUnsettled(ctx context.Context) ([]Order, error)

	Commit() error
	Rollback() error
}

// Store provides atomic reads and writes of entities within a transaction
// scope (§4.A). Isolation must be sufficient to prevent two concurrent
// sells of the same (investorID, assetID) from both observing pre-decrement
// holdings.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// IdempotencyOutcome is the result of reserving a client idempotency key.
type IdempotencyOutcome int

const (
	Created IdempotencyOutcome = iota
	Existing
)

// Validator implements the pure check sequence of §4.C.
type Validator interface {
	Validate(order *Order, investor *Investor, asset *Asset, holding *Holding) error
}

// HoldingsMutator applies a filled order to holdings (§4.D).
type HoldingsMutator interface {
	ApplyBuy(existing *Holding, investorID, assetID int64, qty, execPrice decimal.Decimal, now time.Time) *Holding
	ApplySell(existing *Holding, qty decimal.Decimal, now time.Time) (*Holding, error)
}

// EventBus publishes order transitions to per-investor subscribers (§4.H).
type EventBus interface {
	Publish(ctx context.Context, event OrderEvent)
	Subscribe(investorID int64) (ch <-chan OrderEvent, cancel func())
}

// SettlementScheduler maintains pending Filled->Settled jobs (§4.G).
type SettlementScheduler interface {
	Schedule(orderID string, dueAt time.Time)
	Start(ctx context.Context) error
	Stop()
}
