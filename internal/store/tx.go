package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"ordercore/internal/core"
	apperrors "ordercore/pkg/errors"
)

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.ErrNotFound
	}
	// SQLite reports lock contention and busy conditions as generic driver
	// errors; treat anything else as transient so the workflow worker's
	// retry policy (§7 Transient) gets a chance to recover.
	return fmt.Errorf("%w: %v", apperrors.ErrTransient, err)
}

func (t *sqliteTx) GetOrder(ctx context.Context, orderID string) (*core.Order, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT order_id, investor_id, asset_id, side, quantity, price, status,
		idempotency_key, reject_reason, ordered_at, executed_at, settled_at
		FROM orders WHERE order_id = ?`, orderID)

	var (
		o                            core.Order
		priceStr, idemKey, rejReason sql.NullString
		executedAt, settledAt        sql.NullInt64
		orderedAt                    int64
	)
	err := row.Scan(&o.OrderID, &o.InvestorID, &o.AssetID, &o.Side, mustDecimalScanner(&o.Quantity),
		&priceStr, &o.Status, &idemKey, &rejReason, &orderedAt, &executedAt, &settledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, classifyErr(err)
	}

	if priceStr.Valid {
		p, perr := decimal.NewFromString(priceStr.String)
		if perr != nil {
			return nil, fmt.Errorf("%w: corrupt price: %v", apperrors.ErrFatal, perr)
		}
		o.Price = &p
	}
	o.IdempotencyKey = idemKey.String
	o.RejectReason = rejReason.String
	o.OrderedAt = time.Unix(0, orderedAt).UTC()
	o.ExecutedAt = unixToTime(executedAt)
	o.SettledAt = unixToTime(settledAt)

	return &o, nil
}

func (t *sqliteTx) PutOrder(ctx context.Context, order *core.Order) error {
	var priceStr interface{}
	if order.Price != nil {
		priceStr = order.Price.String()
	}

	_, err := t.tx.ExecContext(ctx, `INSERT INTO orders
		(order_id, investor_id, asset_id, side, quantity, price, status, idempotency_key,
		 reject_reason, ordered_at, executed_at, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			side=excluded.side, quantity=excluded.quantity, price=excluded.price,
			status=excluded.status, idempotency_key=excluded.idempotency_key,
			reject_reason=excluded.reject_reason, executed_at=excluded.executed_at,
			settled_at=excluded.settled_at`,
		order.OrderID, order.InvestorID, order.AssetID, order.Side, order.Quantity.String(),
		priceStr, order.Status, nullableString(order.IdempotencyKey), nullableString(order.RejectReason),
		order.OrderedAt.UnixNano(), timeToUnix(order.ExecutedAt), timeToUnix(order.SettledAt))
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

func (t *sqliteTx) GetHolding(ctx context.Context, investorID, assetID int64) (*core.Holding, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT investor_id, asset_id, quantity, average_cost, updated_at
		FROM holdings WHERE investor_id = ? AND asset_id = ?`, investorID, assetID)

	var (
		h         core.Holding
		updatedAt int64
	)
	err := row.Scan(&h.InvestorID, &h.AssetID, mustDecimalScanner(&h.Quantity),
		mustDecimalScanner(&h.AverageCost), &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, classifyErr(err)
	}
	h.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &h, nil
}

func (t *sqliteTx) PutHolding(ctx context.Context, holding *core.Holding) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO holdings (investor_id, asset_id, quantity, average_cost, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(investor_id, asset_id) DO UPDATE SET
			quantity=excluded.quantity, average_cost=excluded.average_cost, updated_at=excluded.updated_at`,
		holding.InvestorID, holding.AssetID, holding.Quantity.String(), holding.AverageCost.String(),
		holding.UpdatedAt.UnixNano())
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

func (t *sqliteTx) PutTrade(ctx context.Context, trade *core.Trade) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO trades
		(trade_id, order_id, investor_id, asset_id, quantity, execution_price, side, traded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.TradeID, trade.OrderID, trade.InvestorID, trade.AssetID, trade.Quantity.String(),
		trade.ExecutionPrice.String(), trade.Side, trade.TradedAt.UnixNano())
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

func (t *sqliteTx) AppendStateLog(ctx context.Context, entry *core.StateLogEntry) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO order_state_logs
		(order_id, from_status, to_status, reason, logged_by, logged_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.OrderID, nullableString(string(entry.FromStatus)), entry.ToStatus,
		nullableString(entry.Reason), entry.LoggedBy, entry.LoggedAt.UnixNano())
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

func (t *sqliteTx) ListStateLog(ctx context.Context, orderID string) ([]core.StateLogEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT order_id, from_status, to_status, reason, logged_by, logged_at
		FROM order_state_logs WHERE order_id = ? ORDER BY id ASC`, orderID)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var entries []core.StateLogEntry
	for rows.Next() {
		var (
			e          core.StateLogEntry
			fromStatus sql.NullString
			loggedAt   int64
			reason     sql.NullString
		)
		if err := rows.Scan(&e.OrderID, &fromStatus, &e.ToStatus, &reason, &e.LoggedBy, &loggedAt); err != nil {
			return nil, classifyErr(err)
		}
		e.FromStatus = core.OrderStatus(fromStatus.String)
		e.Reason = reason.String
		e.LoggedAt = time.Unix(0, loggedAt).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ReserveIdempotencyKey implements the atomic reserve contract of §4.B: it
// attempts to insert (key -> orderID); if the key already maps to a
// (possibly different) order, it returns that order's id and reserved=false
// so the caller returns the prior order instead of creating a new one.
func (t *sqliteTx) ReserveIdempotencyKey(ctx context.Context, key, orderID string) (string, bool, error) {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO idempotency_keys (key, order_id, created_at) VALUES (?, ?, ?)`,
		key, orderID, time.Now().UnixNano())
	if err == nil {
		return orderID, true, nil
	}
	if !isUniqueViolation(err) {
		return "", false, classifyErr(err)
	}

	// Unique constraint violation: another submission already reserved this
	// key. Read back the prior mapping.
	row := t.tx.QueryRowContext(ctx, `SELECT order_id FROM idempotency_keys WHERE key = ?`, key)
	var existing string
	if scanErr := row.Scan(&existing); scanErr != nil {
		return "", false, classifyErr(scanErr)
	}
	return existing, false, nil
}

func (t *sqliteTx) ListOrdersForInvestor(ctx context.Context, investorID int64, fromDate *time.Time) ([]core.Order, error) {
	query := `SELECT order_id, investor_id, asset_id, side, quantity, price, status, idempotency_key,
		reject_reason, ordered_at, executed_at, settled_at FROM orders WHERE investor_id = ?`
	args := []interface{}{investorID}
	if fromDate != nil {
		query += ` AND ordered_at >= ?`
		args = append(args, fromDate.UnixNano())
	}
	query += ` ORDER BY ordered_at DESC`

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (t *sqliteTx) ListFilledUnsettled(ctx context.Context) ([]core.Order, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT order_id, investor_id, asset_id, side, quantity, price, status,
		idempotency_key, reject_reason, ordered_at, executed_at, settled_at
		FROM orders WHERE status = ? AND settled_at IS NULL`, core.StatusFilled)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]core.Order, error) {
	var orders []core.Order
	for rows.Next() {
		var (
			o                            core.Order
			priceStr, idemKey, rejReason sql.NullString
			executedAt, settledAt       sql.NullInt64
			orderedAt                   int64
		)
		if err := rows.Scan(&o.OrderID, &o.InvestorID, &o.AssetID, &o.Side, mustDecimalScanner(&o.Quantity),
			&priceStr, &o.Status, &idemKey, &rejReason, &orderedAt, &executedAt, &settledAt); err != nil {
			return nil, classifyErr(err)
		}
		if priceStr.Valid {
			p, perr := decimal.NewFromString(priceStr.String)
			if perr != nil {
				return nil, fmt.Errorf("%w: corrupt price: %v", apperrors.ErrFatal, perr)
			}
			o.Price = &p
		}
		o.IdempotencyKey = idemKey.String
		o.RejectReason = rejReason.String
		o.OrderedAt = time.Unix(0, orderedAt).UTC()
		o.ExecutedAt = unixToTime(executedAt)
		o.SettledAt = unixToTime(settledAt)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// decimalScanner adapts a decimal.Decimal field to sql.Scanner so it can be
// passed directly to rows.Scan for TEXT columns.
type decimalScanner struct {
	dst *decimal.Decimal
}

func mustDecimalScanner(dst *decimal.Decimal) *decimalScanner {
	return &decimalScanner{dst: dst}
}

func (d *decimalScanner) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("%w: invalid decimal %q: %v", apperrors.ErrFatal, v, err)
		}
		*d.dst = parsed
		return nil
	case []byte:
		parsed, err := decimal.NewFromString(string(v))
		if err != nil {
			return fmt.Errorf("%w: invalid decimal %q: %v", apperrors.ErrFatal, string(v), err)
		}
		*d.dst = parsed
		return nil
	case nil:
		*d.dst = decimal.Zero
		return nil
	default:
		return fmt.Errorf("%w: unsupported decimal column type %T", apperrors.ErrFatal, src)
	}
}
