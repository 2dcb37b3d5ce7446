package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ordercore/internal/core"
	"ordercore/internal/idempotency"
	"ordercore/pkg/concurrency"
	apperrors "ordercore/pkg/errors"
	"ordercore/pkg/telemetry"
)

// Config controls the workflow driver's concurrency and timing.
type Config struct {
	WorkerPoolSize    int
	WorkerQueueSize   int
	StepTimeout       time.Duration // outer deadline on the execution step (§5)
	SettlementDelay   time.Duration // §4.G, default simulates T+2
	MaxExecuteRetries int
}

// DefaultConfig mirrors the teacher's worker pool defaults, with a
// settlement delay of 10s per §4.G's stated demonstration value.
var DefaultConfig = Config{
	WorkerPoolSize:    10,
	WorkerQueueSize:   256,
	StepTimeout:       5 * time.Second,
	SettlementDelay:   10 * time.Second,
	MaxExecuteRetries: 3,
}

type engine struct {
	store     core.Store
	directory Directory
	validator core.Validator
	mutator   core.HoldingsMutator
	registry  *idempotency.Registry
	bus       core.EventBus
	scheduler core.SettlementScheduler
	logger    core.ILogger
	cfg       Config

	pool       *concurrency.WorkerPool
	orderLocks *keyLockTable // per-orderId serialization (§5)
	posLocks   *keyLockTable // per-(investorId,assetId) serialization (§5)

	pipeline failsafe.Executor[any]

	tracer trace.Tracer
}

// New constructs the Order Engine. scheduler.Schedule is invoked once an
// order reaches Filled; the scheduler itself is started/stopped by the
// caller's bootstrap Runner, not by the engine.
func New(
	store core.Store,
	directory Directory,
	validator core.Validator,
	mutator core.HoldingsMutator,
	registry *idempotency.Registry,
	bus core.EventBus,
	scheduler core.SettlementScheduler,
	logger core.ILogger,
	cfg Config,
) Engine {
	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && isTransient(err)
		}).
		WithBackoff(50*time.Millisecond, 1*time.Second).
		WithMaxRetries(cfg.MaxExecuteRetries).
		Build()

	return &engine{
		store:     store,
		directory: directory,
		validator: validator,
		mutator:   mutator,
		registry:  registry,
		bus:       bus,
		scheduler: scheduler,
		logger:    logger.WithField("component", "order_engine"),
		cfg:       cfg,

		orderLocks: newKeyLockTable(),
		posLocks:   newKeyLockTable(),
		pipeline:   failsafe.With[any](retryPolicy),

		tracer: telemetry.GetTracer("order-engine"),
	}
}

func isTransient(err error) bool {
	return errors.Is(err, apperrors.ErrTransient)
}

func (e *engine) Start(ctx context.Context) error {
	e.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "order-workflow",
		MaxWorkers:  e.cfg.WorkerPoolSize,
		MaxCapacity: e.cfg.WorkerQueueSize,
	}, e.logger)
	e.logger.Info("order engine started", "workers", e.cfg.WorkerPoolSize)
	return nil
}

func (e *engine) Stop() {
	if e.pool != nil {
		e.pool.Stop()
	}
	e.logger.Info("order engine stopped")
}

// CreateOrder implements §4.F's creation operation: idempotency reservation
// and New-persistence happen in one transaction; processing is enqueued
// only after that transaction commits.
func (e *engine) CreateOrder(ctx context.Context, req CreateOrderRequest, idempotencyKey string) (*core.Order, error) {
	ctx, span := e.tracer.Start(ctx, "CreateOrder")
	defer span.End()

	order := &core.Order{
		OrderID:        uuid.NewString(),
		InvestorID:     req.InvestorID,
		AssetID:        req.AssetID,
		Side:           req.Side,
		Quantity:       req.Quantity,
		Price:          req.Price,
		Status:         core.StatusNew,
		IdempotencyKey: idempotencyKey,
		OrderedAt:      time.Now().UTC(),
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create-order transaction: %w", err)
	}

	outcome, err := e.registry.Reserve(ctx, tx, idempotencyKey, order)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if outcome.Result == core.Existing {
		existing, err := tx.GetOrder(ctx, outcome.OrderID)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		tx.Rollback() // read-only path, nothing to commit
		return existing, nil
	}

	if err := tx.PutOrder(ctx, order); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("persist new order: %w", err)
	}
	if err := tx.AppendStateLog(ctx, &core.StateLogEntry{
		OrderID:  order.OrderID,
		ToStatus: core.StatusNew,
		LoggedBy: "engine",
		LoggedAt: order.OrderedAt,
	}); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("append creation log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit new order: %w", err)
	}

	telemetry.GetGlobalMetrics().OrdersCreatedTotal.Add(ctx, 1)

	e.publish(ctx, core.OrderEvent{
		OrderID:    order.OrderID,
		InvestorID: order.InvestorID,
		Previous:   "",
		Current:    core.StatusNew,
		Snapshot:   *order,
		OccurredAt: order.OrderedAt,
	})

	e.enqueue(order.OrderID)
	return order, nil
}

// enqueue submits processOrder to the worker pool. The pool is blocking, so
// Submit waits while the queue is full instead of failing. A Submit error is
// logged; the order then remains New and stuck until an operator-driven
// resweep, which is outside the core's scope.
func (e *engine) enqueue(orderID string) {
	if err := e.pool.Submit(func() {
		e.processOrder(context.Background(), orderID)
	}); err != nil {
		e.logger.Error("failed to enqueue order for processing", "order_id", orderID, "error", err)
	}
}

// processOrder drives New through Validating/Validated/Executing to Filled,
// then hands off to the Settlement Scheduler. At most one goroutine
// processes a given orderID at a time via orderLocks (§5).
func (e *engine) processOrder(ctx context.Context, orderID string) {
	release := e.orderLocks.acquire(orderID)
	defer release()

	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "processOrder")
	span.SetAttributes(attribute.String("order_id", orderID))
	defer span.End()
	defer func() {
		telemetry.GetGlobalMetrics().WorkflowLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	if !e.transition(ctx, orderID, core.StatusValidating, "workflow started") {
		return
	}

	order, investor, asset, holding, err := e.loadValidationInputs(ctx, orderID)
	if err != nil {
		e.rejectSystemError(ctx, orderID, err, false)
		return
	}
	if order.Status != core.StatusValidating {
		// Cancelled out from under us between transitions; stop quietly (§5).
		return
	}

	if err := e.validator.Validate(order, investor, asset, holding); err != nil {
		e.transition(ctx, orderID, core.StatusRejected, err.Error())
		return
	}

	if !e.transition(ctx, orderID, core.StatusValidated, "validation passed") {
		return
	}
	if !e.transition(ctx, orderID, core.StatusExecuting, "execution started") {
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	err = e.execute(execCtx, orderID)
	if err != nil {
		// Capture execCtx's deadline state before cancel() runs below; it is
		// the only context that actually carries the step timeout. ctx itself
		// still needs to be live so the reject transition can be written.
		timedOut := execCtx.Err() != nil
		e.rejectSystemError(ctx, orderID, err, timedOut)
		return
	}

	order, err = e.GetOrder(ctx, orderID)
	if err != nil {
		e.logger.Error("failed to reload order after execution", "order_id", orderID, "error", err)
		return
	}
	if order.Status != core.StatusFilled {
		return
	}

	dueAt := order.ExecutedAt.Add(e.cfg.SettlementDelay)
	e.scheduler.Schedule(orderID, dueAt)
}

// loadValidationInputs reads the order plus its collaborators in one
// transaction to avoid a torn read across a concurrent cancellation.
func (e *engine) loadValidationInputs(ctx context.Context, orderID string) (*core.Order, *core.Investor, *core.Asset, *core.Holding, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	defer tx.Rollback()

	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	// A nonexistent investor/asset must reach the Validator as a nil
	// pointer so its own "not found" checks run (§4.C checks 1/2); only a
	// genuinely transient lookup failure is a system error here.
	investor, err := e.directory.GetInvestor(ctx, order.InvestorID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil, nil, nil, err
	}
	asset, err := e.directory.GetAsset(ctx, order.AssetID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil, nil, nil, err
	}

	holding, err := tx.GetHolding(ctx, order.InvestorID, order.AssetID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil, nil, nil, err
	}

	return order, investor, asset, holding, nil
}

// execute performs the Executing -> Filled transition: trade creation and
// holdings mutation in one transaction (§4.F), retried under a transient
// failure policy (§7).
func (e *engine) execute(ctx context.Context, orderID string) error {
	_, err := e.pipeline.GetWithExecution(func(exec failsafe.Execution[any]) (any, error) {
		return nil, e.executeOnce(ctx, orderID)
	})
	return err
}

func (e *engine) executeOnce(ctx context.Context, orderID string) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != core.StatusExecuting {
		// Cancelled or otherwise advanced concurrently; nothing to execute.
		return nil
	}

	positionKey := fmt.Sprintf("%d:%d", order.InvestorID, order.AssetID)
	releasePos := e.posLocks.acquire(positionKey)
	defer releasePos()

	asset, err := e.directory.GetAsset(ctx, order.AssetID)
	if err != nil {
		return err
	}
	execPrice := asset.CurrentPrice
	if order.Price != nil {
		execPrice = *order.Price
	}

	holding, err := tx.GetHolding(ctx, order.InvestorID, order.AssetID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	now := time.Now().UTC()
	var newHolding *core.Holding
	if order.Side == core.SideBuy {
		newHolding = e.mutator.ApplyBuy(holding, order.InvestorID, order.AssetID, order.Quantity, execPrice, now)
	} else {
		newHolding, err = e.mutator.ApplySell(holding, order.Quantity, now)
		if err != nil {
			return fmt.Errorf("%w", err)
		}
	}
	if err := tx.PutHolding(ctx, newHolding); err != nil {
		return err
	}

	trade := &core.Trade{
		TradeID:        uuid.NewString(),
		OrderID:        order.OrderID,
		InvestorID:     order.InvestorID,
		AssetID:        order.AssetID,
		Quantity:       order.Quantity,
		ExecutionPrice: execPrice,
		Side:           order.Side,
		TradedAt:       now,
	}
	if err := tx.PutTrade(ctx, trade); err != nil {
		return err
	}

	prev := order.Status
	order.Status = core.StatusFilled
	order.ExecutedAt = &now
	if err := tx.PutOrder(ctx, order); err != nil {
		return err
	}
	if err := tx.AppendStateLog(ctx, &core.StateLogEntry{
		OrderID:    order.OrderID,
		FromStatus: prev,
		ToStatus:   core.StatusFilled,
		Reason:     "trade executed",
		LoggedBy:   "engine",
		LoggedAt:   now,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	telemetry.GetGlobalMetrics().OrdersFilledTotal.Add(ctx, 1)
	e.publish(ctx, core.OrderEvent{
		OrderID: order.OrderID, InvestorID: order.InvestorID,
		Previous: prev, Current: core.StatusFilled, Snapshot: *order, OccurredAt: now,
	})
	return nil
}

// rejectSystemError transitions an order to Rejected after an execution or
// validation-load failure that is not a validation rejection itself (§7:
// Transient on exhaustion, Fatal, or an outer-deadline timeout all resolve
// to a Rejected terminal state so the client always sees a definitive
// outcome).
func (e *engine) rejectSystemError(ctx context.Context, orderID string, cause error, timedOut bool) {
	reason := fmt.Sprintf("System error: %v", cause)
	if timedOut {
		reason = "System error: timeout"
	}
	e.transition(ctx, orderID, core.StatusRejected, reason)
}

// transition loads the order, checks the state machine, writes the new
// status plus a state-log entry, commits, and publishes — all as one unit.
// It returns false (and makes no change) if the order is no longer in a
// status from which the target is legal, which is the normal outcome of a
// concurrent cancellation (§5).
func (e *engine) transition(ctx context.Context, orderID string, to core.OrderStatus, reason string) bool {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		e.logger.Error("failed to begin transition transaction", "order_id", orderID, "error", err)
		return false
	}
	defer tx.Rollback()

	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		e.logger.Error("failed to load order for transition", "order_id", orderID, "error", err)
		return false
	}

	if !core.CanTransition(order.Status, to) {
		return false
	}

	now := time.Now().UTC()
	prev := order.Status
	order.Status = to
	if to == core.StatusRejected {
		order.RejectReason = reason
	}

	if err := tx.PutOrder(ctx, order); err != nil {
		e.logger.Error("failed to persist transition", "order_id", orderID, "to", to, "error", err)
		return false
	}
	if err := tx.AppendStateLog(ctx, &core.StateLogEntry{
		OrderID: orderID, FromStatus: prev, ToStatus: to, Reason: reason, LoggedBy: "engine", LoggedAt: now,
	}); err != nil {
		e.logger.Error("failed to append state log", "order_id", orderID, "error", err)
		return false
	}
	if err := tx.Commit(); err != nil {
		e.logger.Error("failed to commit transition", "order_id", orderID, "error", err)
		return false
	}

	switch to {
	case core.StatusRejected:
		telemetry.GetGlobalMetrics().OrdersRejectedTotal.Add(ctx, 1)
	case core.StatusCancelled:
		telemetry.GetGlobalMetrics().OrdersCancelledTotal.Add(ctx, 1)
	}

	e.publish(ctx, core.OrderEvent{
		OrderID: orderID, InvestorID: order.InvestorID, Previous: prev, Current: to, Snapshot: *order, OccurredAt: now,
	})
	return true
}

func (e *engine) publish(ctx context.Context, event core.OrderEvent) {
	e.bus.Publish(ctx, event)
}

// CancelOrder implements §4.F's user-initiated Cancel transition.
func (e *engine) CancelOrder(ctx context.Context, orderID, reason string) (*core.Order, error) {
	release := e.orderLocks.acquire(orderID)
	defer release()

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != core.StatusNew && order.Status != core.StatusValidated {
		return nil, fmt.Errorf("%w: order is %s", apperrors.ErrInvalidState, order.Status)
	}

	now := time.Now().UTC()
	prev := order.Status
	order.Status = core.StatusCancelled
	if err := tx.PutOrder(ctx, order); err != nil {
		return nil, err
	}
	if err := tx.AppendStateLog(ctx, &core.StateLogEntry{
		OrderID: orderID, FromStatus: prev, ToStatus: core.StatusCancelled, Reason: reason, LoggedBy: "client", LoggedAt: now,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	telemetry.GetGlobalMetrics().OrdersCancelledTotal.Add(ctx, 1)
	e.publish(ctx, core.OrderEvent{
		OrderID: orderID, InvestorID: order.InvestorID, Previous: prev, Current: core.StatusCancelled, Snapshot: *order, OccurredAt: now,
	})
	return order, nil
}

func (e *engine) GetOrder(ctx context.Context, orderID string) (*core.Order, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return tx.GetOrder(ctx, orderID)
}

func (e *engine) ListOrdersForInvestor(ctx context.Context, investorID int64, fromDate *time.Time) ([]core.Order, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return tx.ListOrdersForInvestor(ctx, investorID, fromDate)
}
