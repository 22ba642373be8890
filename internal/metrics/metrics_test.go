package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/atlas-desktop/xylen-coordinator/internal/metrics"
)

func TestSnapshotsCounterIncrements(t *testing.T) {
	r := metrics.New()
	r.Snapshots.Inc()
	r.Snapshots.Inc()
	if got := testutil.ToFloat64(r.Snapshots); got != 2 {
		t.Fatalf("Snapshots = %v, want 2", got)
	}
}

func TestPredictionsCounterVecLabelsByModelAndAction(t *testing.T) {
	r := metrics.New()
	r.Predictions.WithLabelValues("m1", "long").Inc()
	r.Predictions.WithLabelValues("m1", "long").Inc()
	r.Predictions.WithLabelValues("m2", "short").Inc()

	if got := testutil.ToFloat64(r.Predictions.WithLabelValues("m1", "long")); got != 2 {
		t.Fatalf("m1/long = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.Predictions.WithLabelValues("m2", "short")); got != 1 {
		t.Fatalf("m2/short = %v, want 1", got)
	}
}

func TestObserveDecisionLatencyIncrementsSampleCount(t *testing.T) {
	r := metrics.New()
	if got := testutil.CollectAndCount(r.DecisionLatency); got != 0 {
		t.Fatalf("sample count before Observe = %d, want 0", got)
	}
	r.ObserveDecisionLatency(250 * time.Millisecond)
	if got := testutil.CollectAndCount(r.DecisionLatency); got != 1 {
		t.Fatalf("sample count after Observe = %d, want 1", got)
	}
}

func TestAccountEquityGaugeSet(t *testing.T) {
	r := metrics.New()
	r.AccountEquity.Set(10523.50)
	if got := testutil.ToFloat64(r.AccountEquity); got != 10523.50 {
		t.Fatalf("AccountEquity = %v, want 10523.50", got)
	}
}

func TestCircuitBreakerGaugeTogglesOnAndOff(t *testing.T) {
	r := metrics.New()
	r.CircuitBreaker.Set(1)
	if got := testutil.ToFloat64(r.CircuitBreaker); got != 1 {
		t.Fatalf("CircuitBreaker = %v, want 1", got)
	}
	r.CircuitBreaker.Set(0)
	if got := testutil.ToFloat64(r.CircuitBreaker); got != 0 {
		t.Fatalf("CircuitBreaker = %v, want 0", got)
	}
}
