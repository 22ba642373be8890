package eventsink_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/xylen-coordinator/internal/eventsink"
	"github.com/atlas-desktop/xylen-coordinator/pkg/types"
)

func openSink(t *testing.T) *eventsink.Sink {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	sink, err := eventsink.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { sink.Close() })
	return sink
}

func TestHeartbeatWritesShareHeartbeatIDWithIncrementingSeq(t *testing.T) {
	sink := openSink(t)
	ctx := context.Background()

	h := sink.NewHeartbeat()
	snap := types.Snapshot{Symbol: "BTCUSDT", CurrentPrice: decimal.NewFromInt(100), Indicators: map[string]float64{}}
	if err := h.Snapshot(ctx, snap); err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	pred := types.ModelPrediction{ModelName: "m1", Action: types.ActionLong, Confidence: 0.8}
	if err := h.Prediction(ctx, pred); err != nil {
		t.Fatalf("Prediction() error = %v", err)
	}
	decision := types.EnsembleDecision{Action: types.ActionLong}
	if err := h.Decision(ctx, decision); err != nil {
		t.Fatalf("Decision() error = %v", err)
	}

	events, err := sink.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	heartbeatID := events[0].HeartbeatID
	seqs := map[int]bool{}
	for _, e := range events {
		if e.HeartbeatID != heartbeatID {
			t.Fatalf("event %+v has a different heartbeat_id than %q", e, heartbeatID)
		}
		seqs[e.Seq] = true
	}
	if len(seqs) != 3 {
		t.Fatalf("expected 3 distinct sequence numbers, got %v", seqs)
	}
}

func TestSeparateHeartbeatsGetDistinctIDs(t *testing.T) {
	sink := openSink(t)
	ctx := context.Background()

	h1 := sink.NewHeartbeat()
	if err := h1.Order(ctx, types.OrderState{OrderID: "o1"}); err != nil {
		t.Fatalf("Order() error = %v", err)
	}
	h2 := sink.NewHeartbeat()
	if err := h2.Order(ctx, types.OrderState{OrderID: "o2"}); err != nil {
		t.Fatalf("Order() error = %v", err)
	}

	events, err := sink.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].HeartbeatID == events[1].HeartbeatID {
		t.Fatal("expected distinct heartbeat IDs across separate NewHeartbeat() scopes")
	}
}

func TestSystemEventIsIndependentOfHeartbeatScope(t *testing.T) {
	sink := openSink(t)
	ctx := context.Background()

	if err := sink.System(ctx, types.SeverityCritical, "circuit breaker tripped"); err != nil {
		t.Fatalf("System() error = %v", err)
	}

	events, err := sink.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Type != eventsink.EventSystem {
		t.Fatalf("Type = %v, want system", events[0].Type)
	}
	if events[0].Severity != types.SeverityCritical {
		t.Fatalf("Severity = %v, want critical", events[0].Severity)
	}
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	sink := openSink(t)
	ctx := context.Background()

	h := sink.NewHeartbeat()
	if err := h.Trade(ctx, types.EngineTrade{TradeID: "t1"}); err != nil {
		t.Fatalf("Trade() error = %v", err)
	}
	if err := h.Trade(ctx, types.EngineTrade{TradeID: "t2"}); err != nil {
		t.Fatalf("Trade() error = %v", err)
	}

	events, err := sink.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (limit respected)", len(events))
	}
	if events[0].Seq != 2 {
		t.Fatalf("Seq = %d, want 2 (most recent write)", events[0].Seq)
	}
}
