// Package ensemble implements EnsembleAggregator: concurrent fan-out to
// model servers, adaptive per-model weighting, decision fusion, an
// uncertainty gate, probability calibration, and an expected-value gate.
// The fan-out pattern is grounded on the teacher's event-driven worker
// pools (internal/workers/pool.go, internal/events/event_bus.go): parallel
// tasks joined at a single point with a deadline (Design Note: "coroutine-
// driven fan-out").
package ensemble

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/xylen-coordinator/internal/modelclient"
	"github.com/atlas-desktop/xylen-coordinator/pkg/types"
)

// Config configures the aggregator.
type Config struct {
	Method                 types.FusionMethod
	MinRespondingModels    int
	ModelTimeout           time.Duration
	UncertaintyThreshold   float64
	ExpectedValueThreshold float64
	StopLossPercent        float64
	TakeProfitPercent      float64
	SlippageBps            float64
	TakerFeeBps            float64
	PerformanceWindow      int
	WeightDecayHalflife    time.Duration
	CalibrationRetrainEvery int
}

// Aggregator is the EnsembleAggregator.
type Aggregator struct {
	logger      *zap.Logger
	cfg         Config
	endpoints   []modelclient.Endpoint
	client      *modelclient.Client
	performance *PerformanceTracker
	calibrator  *Calibrator
}

func New(logger *zap.Logger, cfg Config, endpoints []modelclient.Endpoint) *Aggregator {
	a := &Aggregator{
		logger:      logger.Named("ensemble"),
		cfg:         cfg,
		endpoints:   endpoints,
		client:      modelclient.New(cfg.ModelTimeout),
		performance: NewPerformanceTracker(cfg.PerformanceWindow, cfg.WeightDecayHalflife),
		calibrator:  NewCalibrator(cfg.CalibrationRetrainEvery),
	}
	for _, ep := range endpoints {
		a.performance.Register(ep.Key(), ep.Weight)
	}
	return a
}

func holdDecision(reason string, method types.FusionMethod) types.EnsembleDecision {
	return types.EnsembleDecision{
		Action:            types.ActionHold,
		Confidence:        0,
		AggregationMethod: method,
		Reasoning:         reason,
	}
}

// Decide runs one full fan-out + fusion + gates pass for a snapshot.
func (a *Aggregator) Decide(ctx context.Context, snap types.Snapshot) (types.EnsembleDecision, []types.ModelPrediction) {
	predictions := a.fanOut(ctx, snap)

	if len(predictions) < a.cfg.MinRespondingModels {
		return holdDecision("insufficient models", a.cfg.Method), predictions
	}

	if sigma := stddevRawScores(predictions); sigma > a.cfg.UncertaintyThreshold {
		d := holdDecision(fmt.Sprintf("model disagreement (sigma=%.3f)", sigma), a.cfg.Method)
		d.Uncertainty = sigma
		return d, predictions
	}

	decision := a.fuse(predictions)
	decision.Uncertainty = stddevRawScores(predictions)

	if decision.Action != types.ActionHold {
		decision.ExpectedValue = a.expectedValue(decision.Confidence)
		if decision.ExpectedValue < a.cfg.ExpectedValueThreshold {
			held := holdDecision(fmt.Sprintf("expected value %.4f below threshold", decision.ExpectedValue), a.cfg.Method)
			held.Uncertainty = decision.Uncertainty
			held.ExpectedValue = decision.ExpectedValue
			return held, predictions
		}
		a.attachStops(&decision, snap)
	}

	return decision, predictions
}

func decimalOneMinus(pct float64) decimal.Decimal {
	return decimal.NewFromFloat(1 - pct)
}

func decimalOnePlus(pct float64) decimal.Decimal {
	return decimal.NewFromFloat(1 + pct)
}

func (a *Aggregator) attachStops(decision *types.EnsembleDecision, snap types.Snapshot) {
	price := snap.CurrentPrice
	if price.IsZero() {
		return
	}
	slPct := a.cfg.StopLossPercent
	tpPct := a.cfg.TakeProfitPercent
	if decision.Action == types.ActionLong {
		sl := price.Mul(decimalOneMinus(slPct))
		tp := price.Mul(decimalOnePlus(tpPct))
		decision.StopLoss, decision.TakeProfit = &sl, &tp
	} else if decision.Action == types.ActionShort {
		sl := price.Mul(decimalOnePlus(slPct))
		tp := price.Mul(decimalOneMinus(tpPct))
		decision.StopLoss, decision.TakeProfit = &sl, &tp
	}
}

// fanOut dispatches a model request to every enabled endpoint in parallel,
// each bounded by ModelTimeout, and joins at a single point (spec §4.2.1).
func (a *Aggregator) fanOut(ctx context.Context, snap types.Snapshot) []types.ModelPrediction {
	var wg sync.WaitGroup
	results := make(chan types.ModelPrediction, len(a.endpoints))

	for _, ep := range a.endpoints {
		if !ep.Enabled {
			continue
		}
		wg.Add(1)
		go func(ep modelclient.Endpoint) {
			defer wg.Done()
			reqCtx, cancel := context.WithTimeout(ctx, a.cfg.ModelTimeout)
			defer cancel()

			pred, err := a.client.Predict(reqCtx, ep, snap)
			if err != nil {
				a.performance.RecordCall(ep.Key(), float64(a.cfg.ModelTimeout.Milliseconds()), false)
				a.logger.Warn("model prediction failed", zap.String("model", ep.Name), zap.Error(err))
				return
			}
			a.performance.RecordCall(ep.Key(), pred.LatencyMs, true)
			results <- pred
		}(ep)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	predictions := make([]types.ModelPrediction, 0, len(a.endpoints))
	for p := range results {
		predictions = append(predictions, p)
	}
	return predictions
}

func stddevRawScores(preds []types.ModelPrediction) float64 {
	var scores []float64
	for _, p := range preds {
		if p.RawScore != nil {
			scores = append(scores, *p.RawScore)
		}
	}
	if len(scores) < 2 {
		return 0
	}
	mean := 0.0
	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))
	variance := 0.0
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	variance /= float64(len(scores))
	return math.Sqrt(variance)
}

// fuse dispatches to the configured fusion method (spec §4.2.3).
func (a *Aggregator) fuse(preds []types.ModelPrediction) types.EnsembleDecision {
	switch a.cfg.Method {
	case types.FusionWeightedVote:
		return a.fuseWeightedVote(preds)
	case types.FusionBayesianWeighted:
		return a.fuseBayesianWeighted(preds)
	case types.FusionAverageConfidence:
		return a.fuseAverageConfidence(preds)
	case types.FusionMajority:
		return a.fuseMajority(preds)
	default:
		return a.fuseBayesianWeighted(preds)
	}
}

func participants(preds []types.ModelPrediction) []string {
	names := make([]string, 0, len(preds))
	for _, p := range preds {
		names = append(names, p.ModelKey)
	}
	return names
}

// fuseWeightedVote: per action, sum confidence*w; argmax wins; confidence =
// winner_sum / sum(w). Ties break by insertion (first-seen) order.
func (a *Aggregator) fuseWeightedVote(preds []types.ModelPrediction) types.EnsembleDecision {
	now := time.Now()
	votes := map[types.Action]float64{}
	order := []types.Action{}
	totalWeight := 0.0

	for _, p := range preds {
		w := a.performance.EffectiveWeight(p.ModelKey, now)
		if _, seen := votes[p.Action]; !seen {
			order = append(order, p.Action)
		}
		votes[p.Action] += p.Confidence * w
		totalWeight += w
	}

	winner, agreement := argmaxStable(votes, order, preds)
	confidence := 0.0
	if totalWeight > 0 {
		confidence = votes[winner] / totalWeight
	}

	return types.EnsembleDecision{
		Action:              winner,
		Confidence:          clamp(confidence, 0, 1),
		ParticipatingModels: participants(preds),
		AggregationMethod:   types.FusionWeightedVote,
		ModelAgreement:      agreement,
		Reasoning:           "weighted vote across responding models",
	}
}

// fuseBayesianWeighted combines (rawScore, confidence) via inverse-variance
// weighting using each model's BASE (configured) weight, per spec §4.2.3's
// literal "baseW_i" — distinct from the decayed effective weight used by
// weighted_vote; average_confidence and majority use no per-model weight.
// See DESIGN.md on this.
func (a *Aggregator) fuseBayesianWeighted(preds []types.ModelPrediction) types.EnsembleDecision {
	weightedSum, weightSum := 0.0, 0.0
	for _, p := range preds {
		if p.RawScore == nil {
			continue
		}
		baseW := a.performance.BaseWeight(p.ModelKey)
		variance := math.Max(1-p.Confidence, 0.01)
		w := baseW * p.Confidence * (1.0 / variance)
		weightedSum += *p.RawScore * w
		weightSum += w
	}

	aggScore := 0.0
	if weightSum > 0 {
		aggScore = weightedSum / weightSum
	}

	action := types.ActionHold
	if aggScore > 0 {
		action = types.ActionLong
	} else if aggScore < 0 {
		action = types.ActionShort
	}

	confidence := a.calibrator.Calibrate(aggScore)
	agreement := agreementFraction(preds, action)

	return types.EnsembleDecision{
		Action:              action,
		Confidence:          confidence,
		ParticipatingModels: participants(preds),
		AggregationMethod:   types.FusionBayesianWeighted,
		ModelAgreement:      agreement,
		Reasoning:           fmt.Sprintf("bayesian-weighted aggregate score %.4f", aggScore),
	}
}

// fuseAverageConfidence: per-action mean confidence; argmax wins.
func (a *Aggregator) fuseAverageConfidence(preds []types.ModelPrediction) types.EnsembleDecision {
	sums := map[types.Action]float64{}
	counts := map[types.Action]int{}
	order := []types.Action{}

	for _, p := range preds {
		if _, seen := sums[p.Action]; !seen {
			order = append(order, p.Action)
		}
		sums[p.Action] += p.Confidence
		counts[p.Action]++
	}
	means := map[types.Action]float64{}
	for act, s := range sums {
		means[act] = s / float64(counts[act])
	}

	winner, agreement := argmaxStable(means, order, preds)
	return types.EnsembleDecision{
		Action:              winner,
		Confidence:          clamp(means[winner], 0, 1),
		ParticipatingModels: participants(preds),
		AggregationMethod:   types.FusionAverageConfidence,
		ModelAgreement:      agreement,
		Reasoning:           "average confidence across responding models",
	}
}

// fuseMajority: per-action count; argmax; confidence = winner/count.
func (a *Aggregator) fuseMajority(preds []types.ModelPrediction) types.EnsembleDecision {
	counts := map[types.Action]float64{}
	order := []types.Action{}
	for _, p := range preds {
		if _, seen := counts[p.Action]; !seen {
			order = append(order, p.Action)
		}
		counts[p.Action]++
	}

	winner, agreement := argmaxStable(counts, order, preds)
	confidence := 0.0
	if len(preds) > 0 {
		confidence = counts[winner] / float64(len(preds))
	}
	return types.EnsembleDecision{
		Action:              winner,
		Confidence:          clamp(confidence, 0, 1),
		ParticipatingModels: participants(preds),
		AggregationMethod:   types.FusionMajority,
		ModelAgreement:      agreement,
		Reasoning:           "majority vote across responding models",
	}
}

// argmaxStable returns the action with the highest tally, breaking ties by
// first-seen insertion order (spec §4.2.2's tie-break rule).
func argmaxStable(tally map[types.Action]float64, order []types.Action, preds []types.ModelPrediction) (types.Action, float64) {
	if len(order) == 0 {
		return types.ActionHold, 0
	}
	best := order[0]
	for _, a := range order[1:] {
		if tally[a] > tally[best] {
			best = a
		}
	}
	return best, agreementFraction(preds, best)
}

func agreementFraction(preds []types.ModelPrediction, action types.Action) float64 {
	if len(preds) == 0 {
		return 0
	}
	n := 0
	for _, p := range preds {
		if p.Action == action {
			n++
		}
	}
	return float64(n) / float64(len(preds))
}

// expectedValue computes EV for the chosen action (spec §4.2.6):
// EV = p_win*avgWin - (1-p_win)*avgLoss - 2*(slippageBps+takerFeeBps)/10000
func (a *Aggregator) expectedValue(confidence float64) float64 {
	pWin := confidence
	pLoss := 1 - confidence
	expectedReturn := pWin*a.cfg.TakeProfitPercent - pLoss*a.cfg.StopLossPercent
	costs := 2 * (a.cfg.SlippageBps + a.cfg.TakerFeeBps) / 10000.0
	return expectedReturn - costs
}

// RecordOutcome feeds a closed trade's win/loss back into every
// participating model's performance record and the calibrator (spec §4.2.8).
func (a *Aggregator) RecordOutcome(modelKeys []string, didWin bool, aggScore float64) {
	for _, k := range modelKeys {
		a.performance.RecordOutcome(k, didWin)
	}
	a.calibrator.Observe(aggScore, didWin)
}

// CheckHealth probes every configured endpoint's /health route.
func (a *Aggregator) CheckHealth(ctx context.Context) []modelclient.HealthStatus {
	var wg sync.WaitGroup
	out := make([]modelclient.HealthStatus, len(a.endpoints))
	for i, ep := range a.endpoints {
		wg.Add(1)
		go func(i int, ep modelclient.Endpoint) {
			defer wg.Done()
			hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			out[i] = a.client.Health(hctx, ep)
		}(i, ep)
	}
	wg.Wait()
	return out
}

// Rankings returns model keys ordered by current effective weight,
// descending — a diagnostic surface for the dashboard/status provider.
func (a *Aggregator) Rankings() []string {
	now := time.Now()
	type kv struct {
		key    string
		weight float64
	}
	kvs := make([]kv, 0, len(a.endpoints))
	for _, ep := range a.endpoints {
		kvs = append(kvs, kv{ep.Key(), a.performance.EffectiveWeight(ep.Key(), now)})
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].weight > kvs[j].weight })
	out := make([]string, len(kvs))
	for i, e := range kvs {
		out[i] = e.key
	}
	return out
}

// PerformanceOf exposes a read-only snapshot for status/dashboard reporting.
func (a *Aggregator) PerformanceOf(modelKey string) types.ModelPerformance {
	return a.performance.Snapshot(modelKey)
}
