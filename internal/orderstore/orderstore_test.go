package orderstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/xylen-coordinator/internal/orderstore"
	"github.com/atlas-desktop/xylen-coordinator/pkg/types"
)

func openStore(t *testing.T) *orderstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.db")
	store, err := orderstore.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleOrder(id string, status types.EngineOrderStatus) types.OrderState {
	return types.OrderState{
		OrderID:   id,
		Symbol:    "BTCUSDT",
		Side:      types.EngineSideBuy,
		Type:      types.EngineOrderMarket,
		Quantity:  decimal.NewFromFloat(0.01),
		Status:    status,
		FilledQty: decimal.NewFromFloat(0.01),
		AvgPrice:  decimal.NewFromInt(50000),
		Timestamp: time.Now().UTC(),
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	order := sampleOrder("order-1", types.EngineStatusNew)

	if err := store.Save(ctx, order); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load(ctx, "order-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Status != types.EngineStatusNew {
		t.Fatalf("Status = %v, want NEW", loaded.Status)
	}
	if !loaded.Quantity.Equal(order.Quantity) {
		t.Fatalf("Quantity = %v, want %v", loaded.Quantity, order.Quantity)
	}
}

func TestSaveRefusesToDowngradeTerminalStatus(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	filled := sampleOrder("order-2", types.EngineStatusFilled)
	if err := store.Save(ctx, filled); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	regressed := sampleOrder("order-2", types.EngineStatusNew)
	if err := store.Save(ctx, regressed); err == nil {
		t.Fatal("expected an error when downgrading a terminal order's status")
	}

	loaded, err := store.Load(ctx, "order-2")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Status != types.EngineStatusFilled {
		t.Fatalf("Status = %v, want FILLED to remain after a rejected downgrade", loaded.Status)
	}
}

func TestSavePreservesChildOrderIDsOnceSet(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	order := sampleOrder("order-3", types.EngineStatusNew)
	order.StopLossOrderID = "sl-1"
	if err := store.Save(ctx, order); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	update := sampleOrder("order-3", types.EngineStatusPartiallyFilled)
	update.StopLossOrderID = "sl-2" // should be ignored, sl-1 already set
	if err := store.Save(ctx, update); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load(ctx, "order-3")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.StopLossOrderID != "sl-1" {
		t.Fatalf("StopLossOrderID = %q, want the set-once value sl-1", loaded.StopLossOrderID)
	}
}

func TestOpenOrdersExcludesTerminalStatuses(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, sampleOrder("open-1", types.EngineStatusNew)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Save(ctx, sampleOrder("closed-1", types.EngineStatusFilled)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	open, err := store.OpenOrders(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("OpenOrders() error = %v", err)
	}
	if len(open) != 1 || open[0].OrderID != "open-1" {
		t.Fatalf("OpenOrders() = %+v, want only open-1", open)
	}
}
