package ensemble

import (
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/xylen-coordinator/pkg/types"
)

// record is one model's adaptive-performance state. Reads/writes are guarded
// by its own mutex so that concurrent fan-out responses and the
// health-check/broadcast loops never race on a single model's bookkeeping
// (spec §5: "one mutex per model record; global reads take a snapshot").
type record struct {
	mu sync.Mutex
	types.ModelPerformance
}

// PerformanceTracker owns the per-model adaptive-weighting state for every
// configured endpoint. It is the sole mutator of ModelPerformance (spec §3
// ownership: "ModelPerformance is owned by EnsembleAggregator").
type PerformanceTracker struct {
	mapMu   sync.RWMutex
	records map[string]*record
	window  int
	halflife time.Duration
}

func NewPerformanceTracker(window int, halflife time.Duration) *PerformanceTracker {
	return &PerformanceTracker{
		records:  make(map[string]*record),
		window:   window,
		halflife: halflife,
	}
}

// Register seeds a performance record for a configured endpoint, a no-op if
// one already exists.
func (t *PerformanceTracker) Register(modelKey string, baseWeight float64) {
	t.mapMu.Lock()
	defer t.mapMu.Unlock()
	if _, ok := t.records[modelKey]; ok {
		return
	}
	t.records[modelKey] = &record{ModelPerformance: types.ModelPerformance{
		ModelKey:    modelKey,
		BaseWeight:  baseWeight,
		Enabled:     true,
		LastUpdated: time.Now(),
	}}
}

func (t *PerformanceTracker) get(modelKey string) *record {
	t.mapMu.RLock()
	r, ok := t.records[modelKey]
	t.mapMu.RUnlock()
	if ok {
		return r
	}
	t.mapMu.Lock()
	defer t.mapMu.Unlock()
	if r, ok := t.records[modelKey]; ok {
		return r
	}
	r := &record{ModelPerformance: types.ModelPerformance{ModelKey: modelKey, BaseWeight: 1.0, Enabled: true, LastUpdated: time.Now()}}
	t.records[modelKey] = r
	return r
}

// Snapshot returns a copy of the named model's current performance, the
// read path used by status/dashboard consumers.
func (t *PerformanceTracker) Snapshot(modelKey string) types.ModelPerformance {
	r := t.get(modelKey)
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.ModelPerformance
	cp.RecentOutcomes = append([]bool(nil), r.RecentOutcomes...)
	return cp
}

// RecordCall updates latency (EWMA, alpha=0.2) and success/failure counters
// after a fan-out round-trip (spec §4.2.7).
func (t *PerformanceTracker) RecordCall(modelKey string, latencyMs float64, success bool) {
	r := t.get(modelKey)
	r.mu.Lock()
	defer r.mu.Unlock()
	const alpha = 0.2
	if r.AvgResponseMs == 0 {
		r.AvgResponseMs = latencyMs
	} else {
		r.AvgResponseMs = alpha*latencyMs + (1-alpha)*r.AvgResponseMs
	}
	if success {
		r.SuccessCount++
		r.LastSuccess = time.Now()
	} else {
		r.FailureCount++
	}
	r.LastUpdated = time.Now()
}

// RecordOutcome appends a win/loss to the bounded ring and recomputes
// winRate and Sharpe (spec §4.2.8): sharpe = mean(r)/std(r) over r in {+1,-1}.
func (t *PerformanceTracker) RecordOutcome(modelKey string, didWin bool) {
	r := t.get(modelKey)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.RecentOutcomes = append(r.RecentOutcomes, didWin)
	if len(r.RecentOutcomes) > t.window {
		r.RecentOutcomes = r.RecentOutcomes[len(r.RecentOutcomes)-t.window:]
	}

	wins := 0
	returns := make([]float64, len(r.RecentOutcomes))
	for i, w := range r.RecentOutcomes {
		if w {
			wins++
			returns[i] = 1
		} else {
			returns[i] = -1
		}
	}
	r.WinRate = float64(wins) / float64(len(r.RecentOutcomes))
	r.Sharpe = sharpeOf(returns)
	r.LastUpdated = time.Now()
}

func sharpeOf(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return mean / std
}

// EffectiveWeight computes a model's current fusion weight (spec §4.2.2):
//
//	perfMult = 0.6*winRate + 0.4*min(sharpe/2, 1)
//	decay    = exp(-(now-lastUpdated)/halflife)
//	w        = clamp(baseWeight*perfMult*decay, 0.1, 2.0)
func (t *PerformanceTracker) EffectiveWeight(modelKey string, now time.Time) float64 {
	r := t.get(modelKey)
	r.mu.Lock()
	defer r.mu.Unlock()

	perfMult := 0.6*r.WinRate + 0.4*math.Min(r.Sharpe/2.0, 1.0)
	elapsed := now.Sub(r.LastUpdated)
	if r.LastUpdated.IsZero() {
		elapsed = 0
	}
	decay := math.Exp(-elapsed.Seconds() / t.halflife.Seconds())
	w := r.BaseWeight * perfMult * decay
	return clamp(w, 0.1, 2.0)
}

// BaseWeight returns the model's configured (non-decayed) weight, used by
// the bayesian_weighted fusion formula per spec §4.2.3's literal text.
func (t *PerformanceTracker) BaseWeight(modelKey string) float64 {
	r := t.get(modelKey)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.BaseWeight
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
