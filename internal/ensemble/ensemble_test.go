package ensemble_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/xylen-coordinator/internal/ensemble"
	"github.com/atlas-desktop/xylen-coordinator/internal/modelclient"
	"github.com/atlas-desktop/xylen-coordinator/pkg/types"
)

// stubModel starts an httptest server that always answers /predict with the
// given fixed response, and returns the modelclient.Endpoint pointing at it.
func stubModel(t *testing.T, name string, weight float64, action string, confidence float64, rawScore *float64) (modelclient.Endpoint, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"action":     action,
			"confidence": confidence,
			"raw_score":  rawScore,
		})
	}))
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	return modelclient.Endpoint{Name: name, Host: u.Hostname(), Port: port, Weight: weight, Enabled: true}, srv.Close
}

func baseConfig() ensemble.Config {
	return ensemble.Config{
		Method:                  types.FusionMajority,
		MinRespondingModels:     1,
		ModelTimeout:            time.Second,
		UncertaintyThreshold:    0.30,
		ExpectedValueThreshold:  -1, // disabled for fusion-focused tests
		StopLossPercent:         0.02,
		TakeProfitPercent:       0.05,
		SlippageBps:             5,
		TakerFeeBps:             4,
		PerformanceWindow:       100,
		WeightDecayHalflife:     24 * time.Hour,
		CalibrationRetrainEvery: 50,
	}
}

func f(v float64) *float64 { return &v }

func TestDecideMajorityVote(t *testing.T) {
	ep1, close1 := stubModel(t, "m1", 1, "long", 0.7, f(0.5))
	defer close1()
	ep2, close2 := stubModel(t, "m2", 1, "long", 0.6, f(0.4))
	defer close2()
	ep3, close3 := stubModel(t, "m3", 1, "short", 0.9, f(-0.1))
	defer close3()

	agg := ensemble.New(zap.NewNop(), baseConfig(), []modelclient.Endpoint{ep1, ep2, ep3})
	snap := types.Snapshot{Symbol: "BTCUSDT", CurrentPrice: decimal.NewFromInt(100), Indicators: map[string]float64{}}

	decision, preds := agg.Decide(context.Background(), snap)
	if len(preds) != 3 {
		t.Fatalf("got %d predictions, want 3", len(preds))
	}
	if decision.Action != types.ActionLong {
		t.Fatalf("Action = %v, want long (2 of 3 models voted long)", decision.Action)
	}
	if decision.StopLoss == nil || decision.TakeProfit == nil {
		t.Fatal("expected stops attached to a non-hold decision")
	}
}

func TestDecideHoldsOnUncertainty(t *testing.T) {
	ep1, close1 := stubModel(t, "m1", 1, "long", 0.9, f(0.9))
	defer close1()
	ep2, close2 := stubModel(t, "m2", 1, "short", 0.9, f(-0.9))
	defer close2()

	agg := ensemble.New(zap.NewNop(), baseConfig(), []modelclient.Endpoint{ep1, ep2})
	snap := types.Snapshot{Symbol: "BTCUSDT", CurrentPrice: decimal.NewFromInt(100), Indicators: map[string]float64{}}

	decision, _ := agg.Decide(context.Background(), snap)
	if decision.Action != types.ActionHold {
		t.Fatalf("Action = %v, want hold under high raw-score disagreement", decision.Action)
	}
	if decision.Uncertainty <= 0.30 {
		t.Fatalf("Uncertainty = %v, want > threshold 0.30", decision.Uncertainty)
	}
}

func TestDecideHoldsOnInsufficientModels(t *testing.T) {
	cfg := baseConfig()
	cfg.MinRespondingModels = 2
	ep1, close1 := stubModel(t, "m1", 1, "long", 0.8, f(0.5))
	defer close1()

	agg := ensemble.New(zap.NewNop(), cfg, []modelclient.Endpoint{ep1})
	snap := types.Snapshot{Symbol: "BTCUSDT", CurrentPrice: decimal.NewFromInt(100), Indicators: map[string]float64{}}

	decision, preds := agg.Decide(context.Background(), snap)
	if decision.Action != types.ActionHold {
		t.Fatalf("Action = %v, want hold with only %d of %d required models responding", decision.Action, len(preds), cfg.MinRespondingModels)
	}
}

func TestDecideRejectsLowExpectedValue(t *testing.T) {
	cfg := baseConfig()
	cfg.ExpectedValueThreshold = 1.0 // unreachable, forces rejection
	ep1, close1 := stubModel(t, "m1", 1, "long", 0.9, f(0.9))
	defer close1()

	agg := ensemble.New(zap.NewNop(), cfg, []modelclient.Endpoint{ep1})
	snap := types.Snapshot{Symbol: "BTCUSDT", CurrentPrice: decimal.NewFromInt(100), Indicators: map[string]float64{}}

	decision, _ := agg.Decide(context.Background(), snap)
	if decision.Action != types.ActionHold {
		t.Fatalf("Action = %v, want hold when expected value is below threshold", decision.Action)
	}
}

func TestDecideBayesianWeighted(t *testing.T) {
	cfg := baseConfig()
	cfg.Method = types.FusionBayesianWeighted
	cfg.ExpectedValueThreshold = -1
	ep1, close1 := stubModel(t, "m1", 2, "long", 0.8, f(0.6))
	defer close1()
	ep2, close2 := stubModel(t, "m2", 1, "long", 0.6, f(0.3))
	defer close2()

	agg := ensemble.New(zap.NewNop(), cfg, []modelclient.Endpoint{ep1, ep2})
	snap := types.Snapshot{Symbol: "BTCUSDT", CurrentPrice: decimal.NewFromInt(100), Indicators: map[string]float64{}}

	decision, _ := agg.Decide(context.Background(), snap)
	if decision.Action != types.ActionLong {
		t.Fatalf("Action = %v, want long for two positive-scoring models", decision.Action)
	}
	if decision.AggregationMethod != types.FusionBayesianWeighted {
		t.Fatalf("AggregationMethod = %v, want bayesian_weighted", decision.AggregationMethod)
	}
}

func TestRecordOutcomeAndRankings(t *testing.T) {
	ep1, close1 := stubModel(t, "m1", 1, "long", 0.8, f(0.5))
	defer close1()
	ep2, close2 := stubModel(t, "m2", 1, "long", 0.6, f(0.3))
	defer close2()

	agg := ensemble.New(zap.NewNop(), baseConfig(), []modelclient.Endpoint{ep1, ep2})

	agg.RecordOutcome([]string{ep1.Key()}, true, 0.5)
	agg.RecordOutcome([]string{ep2.Key()}, false, -0.1)

	rankings := agg.Rankings()
	if len(rankings) != 2 {
		t.Fatalf("got %d rankings, want 2", len(rankings))
	}

	perf := agg.PerformanceOf(ep1.Key())
	if perf.WinRate != 1.0 {
		t.Fatalf("ep1 WinRate = %v, want 1.0 after a single recorded win", perf.WinRate)
	}
}

func TestCheckHealth(t *testing.T) {
	ep1, close1 := stubModel(t, "m1", 1, "long", 0.8, f(0.5))
	defer close1()

	agg := ensemble.New(zap.NewNop(), baseConfig(), []modelclient.Endpoint{ep1})
	statuses := agg.CheckHealth(context.Background())
	if len(statuses) != 1 {
		t.Fatalf("got %d statuses, want 1", len(statuses))
	}
}
