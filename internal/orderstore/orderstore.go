// Package orderstore persists OrderState keyed by orderId in an embedded,
// pure-Go SQLite database (modernc.org/sqlite, no CGo), following the
// single-writer UPSERT pattern from the pack's polymarket bot storage layer.
package orderstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/atlas-desktop/xylen-coordinator/internal/errs"
	"github.com/atlas-desktop/xylen-coordinator/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
    order_id             TEXT PRIMARY KEY,
    symbol               TEXT NOT NULL,
    side                 TEXT NOT NULL,
    type                 TEXT NOT NULL,
    quantity             TEXT NOT NULL,
    price                TEXT,
    status               TEXT NOT NULL,
    filled_qty           TEXT NOT NULL,
    avg_price            TEXT NOT NULL,
    ts                   DATETIME NOT NULL,
    stop_loss_order_id   TEXT NOT NULL DEFAULT '',
    take_profit_order_id TEXT NOT NULL DEFAULT '',
    updated_at           DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
`

// Store is the OrderStore: a durable map from orderId to OrderState,
// single-writer (SetMaxOpenConns(1)) since SQLite serializes writers anyway.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes the read-modify-write terminal-state check
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Init("orderstore: open", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Init("orderstore: apply schema", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save is idempotent and never downgrades a terminal status (P2): if the
// stored order for this orderId is already terminal, a write carrying a
// non-terminal status is dropped and reported as a DataIntegrity error.
// stopLossOrderId/takeProfitOrderId are set-once: once non-empty, a write
// carrying a different value for either is ignored for that field.
func (s *Store) Save(ctx context.Context, order types.OrderState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.loadLocked(ctx, order.OrderID)
	if err == nil {
		if existing.Status.IsTerminal() && !order.Status.IsTerminal() {
			return errs.DataIntegrity(fmt.Sprintf("refusing to downgrade terminal order %s from %s to %s", order.OrderID, existing.Status, order.Status))
		}
		if existing.StopLossOrderID != "" {
			order.StopLossOrderID = existing.StopLossOrderID
		}
		if existing.TakeProfitOrderID != "" {
			order.TakeProfitOrderID = existing.TakeProfitOrderID
		}
	}

	var priceStr sql.NullString
	if order.Price != nil {
		priceStr = sql.NullString{String: order.Price.String(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, symbol, side, type, quantity, price, status,
			filled_qty, avg_price, ts, stop_loss_order_id, take_profit_order_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			symbol               = excluded.symbol,
			side                 = excluded.side,
			type                 = excluded.type,
			quantity             = excluded.quantity,
			price                = excluded.price,
			status               = excluded.status,
			filled_qty           = excluded.filled_qty,
			avg_price            = excluded.avg_price,
			ts                   = excluded.ts,
			stop_loss_order_id   = excluded.stop_loss_order_id,
			take_profit_order_id = excluded.take_profit_order_id,
			updated_at           = excluded.updated_at
	`,
		order.OrderID, order.Symbol, string(order.Side), string(order.Type),
		order.Quantity.String(), priceStr, string(order.Status),
		order.FilledQty.String(), order.AvgPrice.String(), order.Timestamp,
		order.StopLossOrderID, order.TakeProfitOrderID, time.Now().UTC(),
	)
	if err != nil {
		return errs.TransientIO("orderstore: save", err)
	}
	return nil
}

// Load returns the persisted OrderState for orderId.
func (s *Store) Load(ctx context.Context, orderID string) (types.OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx, orderID)
}

func (s *Store) loadLocked(ctx context.Context, orderID string) (types.OrderState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, symbol, side, type, quantity, price, status,
		       filled_qty, avg_price, ts, stop_loss_order_id, take_profit_order_id
		FROM orders WHERE order_id = ?`, orderID)

	var o types.OrderState
	var qtyStr, filledStr, avgStr string
	var priceStr sql.NullString
	var side, typ, status string
	if err := row.Scan(&o.OrderID, &o.Symbol, &side, &typ, &qtyStr, &priceStr, &status,
		&filledStr, &avgStr, &o.Timestamp, &o.StopLossOrderID, &o.TakeProfitOrderID); err != nil {
		return types.OrderState{}, err
	}
	o.Side = types.EngineOrderSide(side)
	o.Type = types.EngineOrderType(typ)
	o.Status = types.EngineOrderStatus(status)
	o.Quantity, _ = decimal.NewFromString(qtyStr)
	o.FilledQty, _ = decimal.NewFromString(filledStr)
	o.AvgPrice, _ = decimal.NewFromString(avgStr)
	if priceStr.Valid {
		p, _ := decimal.NewFromString(priceStr.String)
		o.Price = &p
	}
	return o, nil
}

// OpenOrders lists every order for symbol currently in a non-terminal status.
func (s *Store) OpenOrders(ctx context.Context, symbol string) ([]types.OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id FROM orders
		WHERE symbol = ? AND status NOT IN (?, ?, ?, ?)`,
		symbol, string(types.EngineStatusFilled), string(types.EngineStatusCanceled),
		string(types.EngineStatusRejected), string(types.EngineStatusExpired))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	var result []types.OrderState
	for _, id := range ids {
		o, err := s.loadLocked(ctx, id)
		if err != nil {
			continue
		}
		result = append(result, o)
	}
	return result, nil
}
