// Package coordinator implements the Coordinator: lifecycle management, the
// heartbeat/health-check/broadcast cooperative tasks, and the decision-cycle
// orchestration tying EnsembleAggregator, RiskManager, and ExchangeClient
// together. Structured on the teacher's cmd/server/main.go composition and
// signal-driven graceful-shutdown pattern, generalized into a long-lived
// type rather than inlined in main.
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/xylen-coordinator/internal/clock"
	"github.com/atlas-desktop/xylen-coordinator/internal/dashboard"
	"github.com/atlas-desktop/xylen-coordinator/internal/ensemble"
	"github.com/atlas-desktop/xylen-coordinator/internal/errs"
	"github.com/atlas-desktop/xylen-coordinator/internal/eventsink"
	"github.com/atlas-desktop/xylen-coordinator/internal/exchange"
	"github.com/atlas-desktop/xylen-coordinator/internal/metrics"
	"github.com/atlas-desktop/xylen-coordinator/internal/risk"
	"github.com/atlas-desktop/xylen-coordinator/pkg/types"
)

// Config is the subset of resolved configuration the Coordinator needs
// directly (the rest was already consumed building its collaborators).
type Config struct {
	Symbol              string
	DryRun              bool
	Testnet             bool
	HeartbeatInterval   time.Duration
	HealthCheckInterval time.Duration
	OrderCheckInterval  time.Duration
	MaxOpenPositions    int
	CloseOnShutdown     bool
}

// Collaborators bundles every dependency the Coordinator orchestrates.
// It exclusively owns all four (EnsembleAggregator, RiskManager,
// ExchangeClient, MarketDataProvider); EventSink and BroadcastSink are
// external interfaces.
type Collaborators struct {
	MarketData MarketDataProvider
	Exchange   *exchange.Client
	Risk       *risk.Manager
	Ensemble   *ensemble.Aggregator
	EventSink  *eventsink.Sink
	Broadcast  *dashboard.Server
	Metrics    *metrics.Registry
}

// Coordinator is the top-level orchestrator.
type Coordinator struct {
	logger *zap.Logger
	cfg    Config
	deps   Collaborators
	clk    clock.Clock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	startedAt time.Time

	mu             sync.Mutex
	openTrade      *types.EngineTrade
	breakerAlerted bool
}

func New(logger *zap.Logger, cfg Config, deps Collaborators) *Coordinator {
	return NewWithClock(logger, cfg, deps, clock.NewReal())
}

// NewWithClock constructs a Coordinator against an injected Clock, letting
// tests drive the heartbeat/health-check/broadcast loops with a clock.Fake
// instead of real sleeps.
func NewWithClock(logger *zap.Logger, cfg Config, deps Collaborators, clk clock.Clock) *Coordinator {
	return &Coordinator{
		logger: logger.Named("coordinator"),
		cfg:    cfg,
		deps:   deps,
		clk:    clk,
	}
}

// Start initializes the exchange client, seeds RiskManager's equity
// baseline, then launches the heartbeat, health-check, broadcast, and
// order-check cooperative tasks. It returns once those tasks are running;
// call Stop to shut down. Fails fast (before launching any task) if a
// collaborator's own initialization fails.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.deps.Exchange.Initialize(ctx); err != nil {
		return errs.Init("exchange initialize", err)
	}

	equity, _, err := c.deps.Exchange.GetAccountEquity(ctx)
	if err != nil {
		return errs.Init("fetch initial equity", err)
	}
	c.deps.Risk.SetInitialEquity(equity)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.startedAt = c.clk.Now()
	c.running.Store(true)

	c.wg.Add(4)
	go c.heartbeatLoop(runCtx)
	go c.healthCheckLoop(runCtx)
	go c.broadcastLoop(runCtx)
	go c.orderCheckLoop(runCtx)

	_ = ctx // satisfies the documented signature; start-up itself is synchronous
	return nil
}

// Stop signals shutdown, waits (bounded by heartbeat interval plus a grace
// window) for the in-flight decision cycle to finish, optionally cancels the
// open position, then releases collaborators.
func (c *Coordinator) Stop(ctx context.Context) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.HeartbeatInterval + 10*time.Second):
		c.logger.Warn("timed out waiting for cooperative tasks to exit")
	}

	if c.cfg.CloseOnShutdown {
		c.mu.Lock()
		trade := c.openTrade
		c.mu.Unlock()
		if trade != nil {
			if err := c.deps.Exchange.CancelOrder(ctx, trade.EntryOrderID); err != nil {
				c.logger.Error("failed to cancel open order on shutdown", zap.Error(err))
			}
		}
	}

	if err := c.deps.EventSink.Close(); err != nil {
		c.logger.Warn("event sink close failed", zap.Error(err))
	}
	return nil
}

// Status returns a non-blocking snapshot of coordinator state.
func (c *Coordinator) Status() types.Status {
	c.mu.Lock()
	openTrades := 0
	if c.openTrade != nil {
		openTrades = 1
	}
	c.mu.Unlock()

	return types.Status{
		Running:              c.running.Load(),
		OpenTrades:           openTrades,
		CircuitBreakerActive: c.deps.Risk.CircuitBreakerOpen(),
		DryRun:               c.cfg.DryRun,
		Testnet:              c.cfg.Testnet,
		Symbol:               c.cfg.Symbol,
		HeartbeatInterval:    c.cfg.HeartbeatInterval,
		UptimeSeconds:        c.clk.Now().Sub(c.startedAt).Seconds(),
	}
}

// heartbeatLoop is the single-threaded cooperative scheduler: at most one
// decision cycle is in flight at any time (spec §4.1).
func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		if c.deps.Risk.EmergencyShutdownActive() {
			c.logger.Error("emergency shutdown latch active, exiting heartbeat loop")
			return
		}

		c.deps.Risk.TickBreakerCooldown()
		if c.deps.Risk.CircuitBreakerOpen() {
			c.mu.Lock()
			alreadyAlerted := c.breakerAlerted
			c.breakerAlerted = true
			c.mu.Unlock()
			if !alreadyAlerted {
				c.logger.Warn("circuit breaker open, heartbeat skipping decision cycles")
				c.deps.Broadcast.Broadcast(dashboard.BroadcastStatusUpdate, c.Status())
				_ = c.deps.EventSink.System(ctx, types.SeverityWarning, "circuit breaker tripped")
			}
			if !c.sleep(ctx, c.cfg.HeartbeatInterval) {
				return
			}
			continue
		}
		c.mu.Lock()
		c.breakerAlerted = false
		c.mu.Unlock()

		start := c.clk.Now()
		if err := c.runDecisionCycle(ctx); err != nil {
			c.logger.Error("decision cycle failed", zap.Error(err))
			_ = c.deps.EventSink.System(ctx, types.SeverityError, err.Error())
		}
		c.deps.Metrics.ObserveDecisionLatency(c.clk.Now().Sub(start))

		if !c.sleep(ctx, c.cfg.HeartbeatInterval) {
			return
		}
	}
}

// sleep is a cancellable wait; returns false if the context was canceled.
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	c.clk.Sleep(ctx, d)
	return ctx.Err() == nil
}

// runDecisionCycle executes one full snapshot -> fan-out -> fuse -> validate
// -> execute -> log pass (spec §2 data flow), serialized relative to every
// other decision cycle.
func (c *Coordinator) runDecisionCycle(ctx context.Context) error {
	hb := c.deps.EventSink.NewHeartbeat()

	snap, err := c.deps.MarketData.Snapshot(ctx)
	if err != nil {
		return err
	}
	c.deps.Metrics.Snapshots.Inc()
	if err := hb.Snapshot(ctx, snap); err != nil {
		c.logger.Warn("failed to log snapshot event", zap.Error(err))
	}

	decision, predictions := c.deps.Ensemble.Decide(ctx, snap)
	for _, pred := range predictions {
		c.deps.Metrics.Predictions.WithLabelValues(pred.ModelName, string(pred.Action)).Inc()
		if err := hb.Prediction(ctx, pred); err != nil {
			c.logger.Warn("failed to log prediction event", zap.Error(err))
		}
	}
	if err := hb.Decision(ctx, decision); err != nil {
		c.logger.Warn("failed to log decision event", zap.Error(err))
	}
	c.deps.Broadcast.Broadcast(dashboard.BroadcastDecision, decision)

	c.mu.Lock()
	openTrade := c.openTrade
	c.mu.Unlock()

	if openTrade != nil && opposesPosition(decision.Action, openTrade.Side) {
		c.deps.Metrics.Decisions.WithLabelValues(string(decision.Action), "closed_position").Inc()
		return c.closePosition(ctx, hb, openTrade, snap, decision)
	}

	if decision.Action == types.ActionHold || openTrade != nil {
		c.deps.Metrics.Decisions.WithLabelValues(string(decision.Action), "no_action").Inc()
		return nil
	}

	return c.openPosition(ctx, hb, snap, decision)
}

func opposesPosition(action types.Action, side types.EngineOrderSide) bool {
	if action == types.ActionHold {
		return false
	}
	wantsLong := action == types.ActionLong
	isLong := side == types.EngineSideBuy
	return wantsLong != isLong
}

func (c *Coordinator) openPosition(ctx context.Context, hb *eventsink.Heartbeat, snap types.Snapshot, decision types.EnsembleDecision) error {
	rm, err := c.riskMetrics(ctx)
	if err != nil {
		return err
	}

	size := c.deps.Risk.Size(rm, snap.CurrentPrice)
	c.deps.Metrics.PositionSize.Set(mustFloat(size.SizeUsd))

	if err := c.deps.Risk.Validate(rm, size.SizeUsd); err != nil {
		c.deps.Metrics.Decisions.WithLabelValues(string(decision.Action), "risk_rejected").Inc()
		c.logger.Info("trade rejected by risk manager", zap.Error(err))
		return nil
	}

	side := types.EngineSideBuy
	if decision.Action == types.ActionShort {
		side = types.EngineSideSell
	}

	order, err := c.deps.Exchange.PlaceOrder(ctx, exchange.PlaceOrderRequest{
		Side:       side,
		Quantity:   size.Quantity,
		Type:       types.EngineOrderMarket,
		StopLoss:   decision.StopLoss,
		TakeProfit: decision.TakeProfit,
	})
	if err != nil {
		c.deps.Metrics.Orders.WithLabelValues(string(side), "failed").Inc()
		return err
	}
	c.deps.Metrics.Orders.WithLabelValues(string(order.Side), string(order.Status)).Inc()
	if err := hb.Order(ctx, order); err != nil {
		c.logger.Warn("failed to log order event", zap.Error(err))
	}

	trade := types.EngineTrade{
		TradeID:      uuid.NewString(),
		EntryOrderID: order.OrderID,
		Symbol:       order.Symbol,
		Side:         order.Side,
		Quantity:     order.FilledQty,
		EntryPrice:   order.AvgPrice,
		EntryTime:    order.Timestamp,
		Status:       types.TradeStatusOpen,
	}
	if err := hb.Trade(ctx, trade); err != nil {
		c.logger.Warn("failed to log trade-open event", zap.Error(err))
	}

	c.mu.Lock()
	c.openTrade = &trade
	c.mu.Unlock()

	c.deps.Broadcast.Broadcast(dashboard.BroadcastTradeOpened, trade)
	return nil
}

func (c *Coordinator) closePosition(ctx context.Context, hb *eventsink.Heartbeat, open *types.EngineTrade, snap types.Snapshot, decision types.EnsembleDecision) error {
	closingSide := types.EngineSideSell
	if open.Side == types.EngineSideSell {
		closingSide = types.EngineSideBuy
	}

	order, err := c.deps.Exchange.PlaceOrder(ctx, exchange.PlaceOrderRequest{
		Side:       closingSide,
		Quantity:   open.Quantity,
		Type:       types.EngineOrderMarket,
		ReduceOnly: true,
	})
	if err != nil {
		return err
	}
	c.deps.Metrics.Orders.WithLabelValues(string(order.Side), string(order.Status)).Inc()
	if err := hb.Order(ctx, order); err != nil {
		c.logger.Warn("failed to log closing order event", zap.Error(err))
	}

	exitPrice := order.AvgPrice
	pnl := computePnl(open.Side, open.EntryPrice, exitPrice, open.Quantity)
	pnlPct := pnlPercent(open.Side, open.EntryPrice, exitPrice)
	now := time.Now().UTC()

	closed := *open
	closed.ExitOrderID = order.OrderID
	closed.ExitPrice = &exitPrice
	closed.ExitTime = &now
	closed.Pnl = &pnl
	closed.PnlPercent = &pnlPct
	closed.Status = types.TradeStatusClosed

	if err := hb.Trade(ctx, closed); err != nil {
		c.logger.Warn("failed to log trade-close event", zap.Error(err))
	}
	c.deps.Metrics.TradePnl.Observe(mustFloat(pnl))

	c.deps.Risk.RecordTrade(closed)
	c.deps.Ensemble.RecordOutcome(decision.ParticipatingModels, pnl.IsPositive(), signedScore(decision))

	c.mu.Lock()
	c.openTrade = nil
	c.mu.Unlock()

	c.deps.Broadcast.Broadcast(dashboard.BroadcastTradeClosed, closed)
	c.deps.Metrics.CircuitBreaker.Set(boolToFloat(c.deps.Risk.CircuitBreakerOpen()))
	return nil
}

func signedScore(decision types.EnsembleDecision) float64 {
	switch decision.Action {
	case types.ActionLong:
		return decision.Confidence
	case types.ActionShort:
		return -decision.Confidence
	default:
		return 0
	}
}

func computePnl(side types.EngineOrderSide, entry, exit, qty decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if side == types.EngineSideSell {
		diff = entry.Sub(exit)
	}
	return diff.Mul(qty)
}

func pnlPercent(side types.EngineOrderSide, entry, exit decimal.Decimal) float64 {
	if entry.IsZero() {
		return 0
	}
	diff := exit.Sub(entry)
	if side == types.EngineSideSell {
		diff = entry.Sub(exit)
	}
	pct, _ := diff.Div(entry).Float64()
	return pct
}

func (c *Coordinator) riskMetrics(ctx context.Context) (types.RiskMetrics, error) {
	equity, margin, err := c.deps.Exchange.GetAccountEquity(ctx)
	if err != nil {
		return types.RiskMetrics{}, err
	}
	c.deps.Metrics.AccountEquity.Set(mustFloat(equity))

	c.mu.Lock()
	openPositions := 0
	exposure := decimal.Zero
	if c.openTrade != nil {
		openPositions = 1
		exposure = c.openTrade.EntryPrice.Mul(c.openTrade.Quantity)
	}
	c.mu.Unlock()
	c.deps.Metrics.RiskExposure.Set(mustFloat(exposure))

	return types.RiskMetrics{
		TotalEquity:       equity,
		AvailableMargin:   margin,
		TotalExposure:     exposure,
		OpenPositions:     openPositions,
		DailyPnl:          c.deps.Risk.DailyPnl(),
		DailyTrades:       c.deps.Risk.DailyTradeCount(),
		ConsecutiveLosses: c.deps.Risk.ConsecutiveLosses(),
		WinRate:           c.deps.Risk.WinRate(),
	}, nil
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// healthCheckLoop periodically probes every model endpoint's /health route,
// logs unhealthy models, and records each as a WARNING system event. Health
// results are not included in status broadcasts.
func (c *Coordinator) healthCheckLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		if !c.sleep(ctx, c.cfg.HealthCheckInterval) {
			return
		}
		statuses := c.deps.Ensemble.CheckHealth(ctx)
		for _, s := range statuses {
			if !s.Healthy {
				c.logger.Warn("model endpoint unhealthy", zap.String("model", s.ModelKey), zap.String("err", s.Err))
				_ = c.deps.EventSink.System(ctx, types.SeverityWarning, "model unhealthy: "+s.ModelKey)
			}
		}
	}
}

// orderCheckLoop periodically reconciles the open trade's entry order
// against the exchange, catching fills or cancellations the synchronous
// PlaceOrder response missed (e.g. a child stop/take-profit order that
// filled between heartbeats).
func (c *Coordinator) orderCheckLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		if !c.sleep(ctx, c.cfg.OrderCheckInterval) {
			return
		}

		c.mu.Lock()
		trade := c.openTrade
		c.mu.Unlock()
		if trade == nil {
			continue
		}

		state, err := c.deps.Exchange.GetOrderStatus(ctx, trade.EntryOrderID)
		if err != nil {
			c.logger.Warn("order status check failed", zap.String("order_id", trade.EntryOrderID), zap.Error(err))
			continue
		}
		if state.Status == types.EngineStatusCanceled || state.Status == types.EngineStatusRejected || state.Status == types.EngineStatusExpired {
			c.logger.Warn("open trade's entry order reached a terminal non-fill state",
				zap.String("order_id", trade.EntryOrderID), zap.String("status", string(state.Status)))
			c.mu.Lock()
			c.openTrade = nil
			c.mu.Unlock()
		}
	}
}

// broadcastLoop periodically pushes a status_update independent of decision
// cycles, so dashboard clients see uptime/subscriber-count liveness even
// during a quiet heartbeat.
func (c *Coordinator) broadcastLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		if !c.sleep(ctx, 10*time.Second) {
			return
		}
		c.deps.Broadcast.Broadcast(dashboard.BroadcastStatusUpdate, c.Status())
	}
}
