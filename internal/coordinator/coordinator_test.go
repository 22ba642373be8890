package coordinator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/xylen-coordinator/internal/clock"
	"github.com/atlas-desktop/xylen-coordinator/internal/coordinator"
	"github.com/atlas-desktop/xylen-coordinator/internal/dashboard"
	"github.com/atlas-desktop/xylen-coordinator/internal/ensemble"
	"github.com/atlas-desktop/xylen-coordinator/internal/eventsink"
	"github.com/atlas-desktop/xylen-coordinator/internal/exchange"
	"github.com/atlas-desktop/xylen-coordinator/internal/metrics"
	"github.com/atlas-desktop/xylen-coordinator/internal/modelclient"
	"github.com/atlas-desktop/xylen-coordinator/internal/orderstore"
	"github.com/atlas-desktop/xylen-coordinator/internal/risk"
	"github.com/atlas-desktop/xylen-coordinator/pkg/types"
)

// fakeMarketData always returns the same valid snapshot.
type fakeMarketData struct{}

func (fakeMarketData) Snapshot(ctx context.Context) (types.Snapshot, error) {
	return types.Snapshot{
		Timestamp:    time.Now().UTC(),
		Symbol:       "BTCUSDT",
		CurrentPrice: decimal.NewFromInt(50000),
		Indicators:   map[string]float64{},
	}, nil
}

func stubLongModel(t *testing.T) (modelclient.Endpoint, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := 0.8
		json.NewEncoder(w).Encode(map[string]interface{}{
			"action": "long", "confidence": 0.9, "raw_score": raw,
		})
	}))
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	return modelclient.Endpoint{Name: "m1", Host: u.Hostname(), Port: port, Weight: 1, Enabled: true}, srv.Close
}

func buildCoordinator(t *testing.T) (*coordinator.Coordinator, *clock.Fake) {
	t.Helper()

	store, err := orderstore.Open(filepath.Join(t.TempDir(), "orders.db"))
	if err != nil {
		t.Fatalf("orderstore.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	exchCfg := exchange.Config{
		DryRun: true, Symbol: "BTCUSDT", Leverage: 5, MarginMode: "CROSSED",
		GeneralRateLimit: 1200, RateLimitBuffer: 0.9, OrdersRateLimit: 300,
	}
	exch := exchange.New(zap.NewNop(), exchCfg, store)

	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	riskCfg := risk.Config{
		SizingMethod: types.SizingFixedFraction, PositionSizeFraction: 0.10,
		MaxPositionSizeUsd: 1000, MinPositionSizeUsd: 10, Leverage: 5,
		MaxOpenPositions: 1, MaxDailyTrades: 20, MinTradeInterval: 0,
		MaxDailyLossPercent: 0.5, MaxDailyLossUsd: 5000,
		EmergencyShutdownLossPercent: 0.9, MaxTotalExposureUsd: 50000,
		MaxLeverageAllowed: 5, BreakerThreshold: 10, BreakerCooldown: time.Hour,
	}
	rm := risk.NewWithClock(zap.NewNop(), riskCfg, fc)

	ep, closeModel := stubLongModel(t)
	t.Cleanup(closeModel)
	agg := ensemble.New(zap.NewNop(), ensemble.Config{
		Method: types.FusionMajority, MinRespondingModels: 1, ModelTimeout: time.Second,
		UncertaintyThreshold: 0.30, ExpectedValueThreshold: -1,
		StopLossPercent: 0.02, TakeProfitPercent: 0.05, SlippageBps: 5, TakerFeeBps: 4,
		PerformanceWindow: 100, WeightDecayHalflife: 24 * time.Hour, CalibrationRetrainEvery: 50,
	}, []modelclient.Endpoint{ep})

	sink, err := eventsink.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("eventsink.Open() error = %v", err)
	}
	t.Cleanup(func() { sink.Close() })

	dash := dashboard.New(zap.NewNop(), "127.0.0.1", 0, func() types.Status { return types.Status{} })
	reg := metrics.New()

	cfg := coordinator.Config{
		Symbol: "BTCUSDT", DryRun: true,
		HeartbeatInterval: time.Minute, HealthCheckInterval: time.Hour,
		OrderCheckInterval: time.Hour, MaxOpenPositions: 1, CloseOnShutdown: false,
	}
	deps := coordinator.Collaborators{
		MarketData: fakeMarketData{}, Exchange: exch, Risk: rm, Ensemble: agg,
		EventSink: sink, Broadcast: dash, Metrics: reg,
	}
	return coordinator.NewWithClock(zap.NewNop(), cfg, deps, fc), fc
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStartOpensPositionOnFirstDecisionCycle(t *testing.T) {
	coord, _ := buildCoordinator(t)
	ctx := context.Background()

	if err := coord.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { coord.Stop(ctx) })

	waitFor(t, 2*time.Second, func() bool { return coord.Status().OpenTrades == 1 })

	status := coord.Status()
	if !status.Running {
		t.Fatal("expected Running=true after Start")
	}
}

func TestStopShutsDownCleanlyAndIsIdempotent(t *testing.T) {
	coord, _ := buildCoordinator(t)
	ctx := context.Background()
	if err := coord.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := coord.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if coord.Status().Running {
		t.Fatal("expected Running=false after Stop")
	}
	if err := coord.Stop(ctx); err != nil {
		t.Fatalf("second Stop() error = %v, want no-op success", err)
	}
}
