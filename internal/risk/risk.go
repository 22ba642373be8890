// Package risk implements RiskManager: position sizing, ordered trade
// validation, a circuit-breaker state machine, and the sticky
// emergency-shutdown latch. Structured the way the teacher's
// internal/sizing.PositionSizer holds config plus a mutex-guarded trade
// history, generalized to the additional validation/breaker state the
// coordinator domain needs.
package risk

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/xylen-coordinator/internal/clock"
	"github.com/atlas-desktop/xylen-coordinator/internal/errs"
	"github.com/atlas-desktop/xylen-coordinator/pkg/types"
)

// Config mirrors the trading/safety sections of the resolved configuration.
type Config struct {
	SizingMethod            types.SizingMethod
	PositionSizeFraction    float64
	FixedAmountUsd          float64
	KellyFraction           float64
	MaxPositionSizeUsd      float64
	MinPositionSizeUsd      float64
	Leverage                int
	MaxOpenPositions        int
	MaxDailyTrades          int
	MinTradeInterval        time.Duration

	MaxDailyLossPercent          float64
	MaxDailyLossUsd              float64
	EmergencyShutdownLossPercent float64
	MaxTotalExposureUsd          float64
	MaxLeverageAllowed           int
	BreakerThreshold             int
	BreakerCooldown              time.Duration
	BreakerResetOnWin            bool
}

// Manager is the RiskManager.
type Manager struct {
	logger *zap.Logger
	cfg    Config
	clk    clock.Clock

	// circuitBreaker and emergencyShutdown are process-wide atomics (spec §5).
	circuitBreaker    atomic.Bool // true = OPEN
	emergencyShutdown atomic.Bool

	mu                sync.Mutex
	consecutiveLosses int
	dailyPnl          decimal.Decimal
	dailyTradeCount   int
	dailyResetAt      time.Time
	breakerOpenedAt   time.Time
	lastTradeAt       time.Time
	initialEquity     *decimal.Decimal
	trades            []types.EngineTrade
}

func New(logger *zap.Logger, cfg Config) *Manager {
	return NewWithClock(logger, cfg, clock.NewReal())
}

// NewWithClock constructs a Manager against an injected Clock, so tests can
// drive daily-reset and circuit-breaker-cooldown timing deterministically
// with a clock.Fake instead of sleeping real wall-clock time.
func NewWithClock(logger *zap.Logger, cfg Config, clk clock.Clock) *Manager {
	return &Manager{
		logger:       logger.Named("risk"),
		cfg:          cfg,
		clk:          clk,
		dailyResetAt: clk.Now(),
	}
}

// SetInitialEquity records the equity baseline used for daily-loss-percent
// checks; called once at startup from ExchangeClient.GetAccountEquity.
func (m *Manager) SetInitialEquity(equity decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialEquity == nil {
		m.initialEquity = &equity
	}
}

// Size computes a position size for a proposed trade (spec §4.3.1).
func (m *Manager) Size(rm types.RiskMetrics, price decimal.Decimal) types.PositionSize {
	m.mu.Lock()
	defer m.mu.Unlock()

	method := m.cfg.SizingMethod
	var sizeUsd decimal.Decimal
	var kellyFrac *float64

	switch method {
	case types.SizingFixedAmount:
		sizeUsd = decimal.NewFromFloat(m.cfg.FixedAmountUsd)
	case types.SizingKelly:
		avgWin, avgLoss, ok := m.tradeStatsLocked()
		if ok && rm.WinRate > 0 && rm.WinRate < 1 {
			p := rm.WinRate
			b := math.Abs(avgWin / avgLoss)
			f := clamp((p*b-(1-p))/b, 0, 1) * m.cfg.KellyFraction
			kellyFrac = &f
			sizeUsd = rm.TotalEquity.Mul(decimal.NewFromFloat(f))
		} else {
			sizeUsd = rm.TotalEquity.Mul(decimal.NewFromFloat(m.cfg.PositionSizeFraction))
			method = types.SizingFixedFraction
		}
	default:
		sizeUsd = rm.TotalEquity.Mul(decimal.NewFromFloat(m.cfg.PositionSizeFraction))
	}

	minUsd := decimal.NewFromFloat(m.cfg.MinPositionSizeUsd)
	maxUsd := decimal.NewFromFloat(m.cfg.MaxPositionSizeUsd)
	if sizeUsd.LessThan(minUsd) {
		sizeUsd = minUsd
	}
	if sizeUsd.GreaterThan(maxUsd) {
		sizeUsd = maxUsd
	}

	leverage := m.cfg.Leverage
	if leverage > m.cfg.MaxLeverageAllowed {
		leverage = m.cfg.MaxLeverageAllowed
	}

	quantity := decimal.Zero
	if price.IsPositive() {
		quantity = sizeUsd.Mul(decimal.NewFromInt(int64(leverage))).Div(price)
	}

	riskPct := 0.0
	if rm.TotalEquity.IsPositive() {
		f, _ := sizeUsd.Div(rm.TotalEquity).Float64()
		riskPct = f
	}

	return types.PositionSize{
		Quantity:      quantity,
		SizeUsd:       sizeUsd,
		Leverage:      leverage,
		Method:        method,
		RiskPercent:   riskPct,
		KellyFraction: kellyFrac,
	}
}

// tradeStatsLocked returns the average winning and losing PnlPercent across
// recorded trades. ok is false until at least one win and one loss have
// been recorded, signaling the caller to fall back to fixed-fraction sizing.
// Must be called with m.mu held.
func (m *Manager) tradeStatsLocked() (avgWin, avgLoss float64, ok bool) {
	var winSum, lossSum float64
	var winN, lossN int
	for _, t := range m.trades {
		if t.PnlPercent == nil {
			continue
		}
		if *t.PnlPercent > 0 {
			winSum += *t.PnlPercent
			winN++
		} else if *t.PnlPercent < 0 {
			lossSum += *t.PnlPercent
			lossN++
		}
	}
	if winN == 0 || lossN == 0 {
		return 0, 0, false
	}
	return winSum / float64(winN), lossSum / float64(lossN), true
}

// Validate runs the ten ordered rejection rules in spec §4.3.2, first match
// wins. A nil return means the proposed trade is accepted.
func (m *Manager) Validate(rm types.RiskMetrics, proposedSize decimal.Decimal) error {
	m.maybeDailyReset()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.emergencyShutdown.Load() {
		return errs.Validation("emergency shutdown")
	}

	if m.circuitBreaker.Load() {
		remaining := m.cfg.BreakerCooldown - m.clk.Now().Sub(m.breakerOpenedAt)
		if remaining > 0 {
			return errs.Validation(fmt.Sprintf("circuit breaker open, %.0fs remaining", remaining.Seconds()))
		}
	}

	if m.dailyTradeCount >= m.cfg.MaxDailyTrades {
		return errs.Validation("max daily trades reached")
	}

	if m.initialEquity != nil && m.dailyPnl.IsNegative() {
		pct, _ := m.dailyPnl.Abs().Div(*m.initialEquity).Float64()
		if pct > m.cfg.MaxDailyLossPercent {
			return errs.Validation("max daily loss percent exceeded")
		}
	}

	if m.dailyPnl.LessThan(decimal.NewFromFloat(-m.cfg.MaxDailyLossUsd)) {
		return errs.Validation("max daily loss usd exceeded")
	}

	if rm.OpenPositions >= m.cfg.MaxOpenPositions {
		return errs.Validation("max open positions reached")
	}

	if rm.TotalExposure.Add(proposedSize).GreaterThan(decimal.NewFromFloat(m.cfg.MaxTotalExposureUsd)) {
		return errs.Validation("max total exposure exceeded")
	}

	if !m.lastTradeAt.IsZero() {
		if elapsed := m.clk.Now().Sub(m.lastTradeAt); elapsed < m.cfg.MinTradeInterval {
			return errs.Validation(fmt.Sprintf("min trade interval not elapsed, %.0fs remaining", (m.cfg.MinTradeInterval - elapsed).Seconds()))
		}
	}

	if proposedSize.GreaterThan(rm.AvailableMargin) {
		return errs.Validation("proposed size exceeds available margin")
	}

	return nil
}

// maybeDailyReset zeroes dailyPnl/dailyTradeCount once 24h have elapsed
// since the last reset (spec §4.3.5). consecutiveLosses and breaker state
// are untouched.
func (m *Manager) maybeDailyReset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clk.Now().Sub(m.dailyResetAt) >= 24*time.Hour {
		m.dailyPnl = decimal.Zero
		m.dailyTradeCount = 0
		m.dailyResetAt = m.clk.Now()
	}
}

// RecordTrade updates daily/consecutive-loss bookkeeping and drives the
// circuit breaker and emergency-shutdown state machines after a trade closes.
func (m *Manager) RecordTrade(trade types.EngineTrade) {
	m.mu.Lock()
	m.trades = append(m.trades, trade)
	m.dailyTradeCount++
	m.lastTradeAt = m.clk.Now()

	var pnl decimal.Decimal
	if trade.Pnl != nil {
		pnl = *trade.Pnl
	}
	m.dailyPnl = m.dailyPnl.Add(pnl)

	if pnl.IsNegative() {
		m.consecutiveLosses++
		if m.consecutiveLosses >= m.cfg.BreakerThreshold && !m.circuitBreaker.Load() {
			m.circuitBreaker.Store(true)
			m.breakerOpenedAt = m.clk.Now()
			m.logger.Warn("circuit breaker tripped", zap.Int("consecutive_losses", m.consecutiveLosses))
		}
	} else {
		if m.cfg.BreakerResetOnWin {
			m.consecutiveLosses = 0
			if m.circuitBreaker.Load() {
				m.circuitBreaker.Store(false)
				m.logger.Info("circuit breaker reset on win")
			}
		}
	}

	initialEquity := m.initialEquity
	dailyPnl := m.dailyPnl
	m.mu.Unlock()

	if initialEquity != nil && dailyPnl.IsNegative() {
		pct, _ := dailyPnl.Abs().Div(*initialEquity).Float64()
		if pct >= m.cfg.EmergencyShutdownLossPercent {
			if !m.emergencyShutdown.Swap(true) {
				m.logger.Error("emergency shutdown latched", zap.Float64("daily_drawdown_pct", pct))
			}
		}
	}
}

// TickBreakerCooldown transitions OPEN -> CLOSED once the cooldown elapses,
// independent of a subsequent win. Intended to be polled from the heartbeat
// so status reads reflect the transition even absent new trades.
func (m *Manager) TickBreakerCooldown() {
	if !m.circuitBreaker.Load() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clk.Now().Sub(m.breakerOpenedAt) >= m.cfg.BreakerCooldown {
		m.circuitBreaker.Store(false)
		m.logger.Info("circuit breaker cooldown elapsed, reset to closed")
	}
}

// CircuitBreakerOpen reports the current breaker state.
func (m *Manager) CircuitBreakerOpen() bool { return m.circuitBreaker.Load() }

// EmergencyShutdownActive reports whether the sticky latch has tripped.
func (m *Manager) EmergencyShutdownActive() bool { return m.emergencyShutdown.Load() }

// ConsecutiveLosses returns the current streak, for status reporting.
func (m *Manager) ConsecutiveLosses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveLosses
}

// DailyPnl returns the running daily P&L, for status reporting.
func (m *Manager) DailyPnl() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnl
}

// DailyTradeCount returns the number of trades recorded since the last daily reset.
func (m *Manager) DailyTradeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyTradeCount
}

// WinRate returns the fraction of all recorded trades that closed profitably,
// for RiskMetrics.WinRate and the supplemental Statistics() reporting surface.
func (m *Manager) WinRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.trades) == 0 {
		return 0
	}
	wins := 0
	for _, t := range m.trades {
		if t.Pnl != nil && t.Pnl.IsPositive() {
			wins++
		}
	}
	return float64(wins) / float64(len(m.trades))
}

// Statistics is the supplemental reporting surface mirroring the original
// system's get_statistics: annualized Sharpe over closed-trade returns,
// alongside the raw counters already exposed individually above.
type Statistics struct {
	TotalTrades       int
	WinRate           float64
	ConsecutiveLosses int
	DailyPnl          decimal.Decimal
	AnnualizedSharpe  float64
	CircuitBreaker    types.CircuitBreakerState
}

// Statistics computes the dashboard/operator reporting snapshot, including
// an annualized Sharpe ratio (sqrt(252) scaling) over closed-trade percent
// returns -- distinct from the unannualized per-model Sharpe EnsembleAggregator
// uses for its weighting formula.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	returns := make([]float64, 0, len(m.trades))
	wins := 0
	for _, t := range m.trades {
		if t.PnlPercent != nil {
			returns = append(returns, *t.PnlPercent)
		}
		if t.Pnl != nil && t.Pnl.IsPositive() {
			wins++
		}
	}

	winRate := 0.0
	if len(m.trades) > 0 {
		winRate = float64(wins) / float64(len(m.trades))
	}

	breaker := types.CircuitBreakerClosed
	if m.circuitBreaker.Load() {
		breaker = types.CircuitBreakerOpen
	}

	return Statistics{
		TotalTrades:       len(m.trades),
		WinRate:           winRate,
		ConsecutiveLosses: m.consecutiveLosses,
		DailyPnl:          m.dailyPnl,
		AnnualizedSharpe:  annualizedSharpe(returns),
		CircuitBreaker:    breaker,
	}
}

func annualizedSharpe(returns []float64) float64 {
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
	return (mean / std) * math.Sqrt(252)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
