// Package settlement implements the Settlement Scheduler (§4.G): deferred
// Filled->Settled transitions, timed off an in-memory wheel but durable
// across restarts via a startup scan of the Store.
package settlement

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ordercore/internal/core"
	apperrors "ordercore/pkg/errors"
	"ordercore/pkg/telemetry"
)

// Scheduler maintains one in-memory timer per pending settlement job. At
// dueAt it opens a transaction, re-reads the order, and settles it iff it is
// still Filled; any other status (e.g. it was never reachable - settlement
// only follows Filled, so this only guards against a double-schedule) is a
// silent no-op.
type Scheduler struct {
	store  core.Store
	bus    core.EventBus
	logger core.ILogger
	delay  time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewScheduler builds a Scheduler. delay is the settlement delay (§1: T+2,
// a demo value of 10s) applied when reconstructing jobs for orders that were
// already Filled at startup, whose dueAt is not otherwise persisted. bus
// receives the Filled->Settled transition the same way every other
// transition is published (§4.H).
func NewScheduler(store core.Store, bus core.EventBus, logger core.ILogger, delay time.Duration) *Scheduler {
	return &Scheduler{
		store:   store,
		bus:     bus,
		delay:   delay,
		pending: make(map[string]*time.Timer),
		logger:  logger.WithField("component", "settlement"),
	}
}

// Start reconstructs pending jobs by scanning orders that are Filled without
// a settledAt, so the scheduler survives a restart with no lost jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	s.group = g

	tx, err := s.store.Begin(gctx)
	if err != nil {
		return err
	}
	orders, err := tx.ListFilledUnsettled(gctx)
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for i := range orders {
		order := orders[i]
		dueAt := time.Now().UTC()
		if order.ExecutedAt != nil {
			dueAt = order.ExecutedAt.Add(s.delay)
		}
		s.Schedule(order.OrderID, dueAt)
	}
	s.logger.Info("settlement scheduler reconstructed pending jobs", "count", len(orders))

	g.Go(func() error {
		<-gctx.Done()
		s.Stop()
		return nil
	})
	return nil
}

// Stop cancels every pending timer without running its job.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for orderID, t := range s.pending {
		t.Stop()
		delete(s.pending, orderID)
	}
	telemetry.GetGlobalMetrics().SetSettlementQueueDepth(0)
}

// Schedule places or replaces the deferred settlement job for orderID.
func (s *Scheduler) Schedule(orderID string, dueAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.pending[orderID]; ok {
		existing.Stop()
	}
	delay := time.Until(dueAt)
	if delay < 0 {
		delay = 0
	}
	s.pending[orderID] = time.AfterFunc(delay, func() { s.fire(orderID) })
	telemetry.GetGlobalMetrics().SetSettlementQueueDepth(int64(len(s.pending)))
}

func (s *Scheduler) fire(orderID string) {
	s.mu.Lock()
	delete(s.pending, orderID)
	telemetry.GetGlobalMetrics().SetSettlementQueueDepth(int64(len(s.pending)))
	s.mu.Unlock()

	ctx := context.Background()
	if err := s.settle(ctx, orderID); err != nil {
		s.logger.Error("settlement job failed", "order_id", orderID, "error", err)
	}
}

func (s *Scheduler) settle(ctx context.Context, orderID string) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != core.StatusFilled {
		// Already settled, or the job outlived the order's relevance; not
		// an error, just stale state from a replaced/duplicate schedule.
		return nil
	}

	now := time.Now().UTC()
	from := order.Status
	order.Status = core.StatusSettled
	order.SettledAt = &now
	if err := tx.PutOrder(ctx, order); err != nil {
		return err
	}
	if err := tx.AppendStateLog(ctx, &core.StateLogEntry{
		OrderID:    orderID,
		FromStatus: from,
		ToStatus:   core.StatusSettled,
		LoggedBy:   "settlement-scheduler",
		LoggedAt:   now,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.ErrTransient
	}

	telemetry.GetGlobalMetrics().OrdersSettledTotal.Add(ctx, 1)
	s.bus.Publish(ctx, core.OrderEvent{
		OrderID: orderID, InvestorID: order.InvestorID,
		Previous: from, Current: core.StatusSettled, Snapshot: *order, OccurredAt: now,
	})
	s.logger.Info("order settled", "order_id", orderID)
	return nil
}
