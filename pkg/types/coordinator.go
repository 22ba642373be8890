package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is a trading decision: go long, go short, or hold.
type Action string

const (
	ActionLong  Action = "long"
	ActionShort Action = "short"
	ActionHold  Action = "hold"
)

// FusionMethod selects how model predictions are combined into a decision.
type FusionMethod string

const (
	FusionWeightedVote       FusionMethod = "weighted_vote"
	FusionBayesianWeighted   FusionMethod = "bayesian_weighted"
	FusionAverageConfidence  FusionMethod = "average_confidence"
	FusionMajority           FusionMethod = "majority"
)

// SizingMethod selects a position-sizing strategy.
type SizingMethod string

const (
	SizingFixedFraction SizingMethod = "fixed_fraction"
	SizingKelly         SizingMethod = "kelly"
	SizingFixedAmount   SizingMethod = "fixed_amount"
)

// CircuitBreakerState is the RiskManager's trading-halt state machine.
type CircuitBreakerState string

const (
	CircuitBreakerClosed CircuitBreakerState = "closed"
	CircuitBreakerOpen   CircuitBreakerState = "open"
)

// EngineOrderSide mirrors the exchange's BUY/SELL vocabulary (uppercase, as
// sent on the wire).
type EngineOrderSide string

const (
	EngineSideBuy  EngineOrderSide = "BUY"
	EngineSideSell EngineOrderSide = "SELL"
)

// EngineOrderType enumerates the futures order types the exchange accepts.
type EngineOrderType string

const (
	EngineOrderMarket           EngineOrderType = "MARKET"
	EngineOrderLimit            EngineOrderType = "LIMIT"
	EngineOrderStopMarket       EngineOrderType = "STOP_MARKET"
	EngineOrderTakeProfitMarket EngineOrderType = "TAKE_PROFIT_MARKET"
)

// EngineOrderStatus enumerates order lifecycle states. FILLED, CANCELED,
// REJECTED and EXPIRED are terminal: once reached they are never overwritten.
type EngineOrderStatus string

const (
	EngineStatusNew             EngineOrderStatus = "NEW"
	EngineStatusPartiallyFilled EngineOrderStatus = "PARTIALLY_FILLED"
	EngineStatusFilled          EngineOrderStatus = "FILLED"
	EngineStatusCanceled        EngineOrderStatus = "CANCELED"
	EngineStatusRejected        EngineOrderStatus = "REJECTED"
	EngineStatusExpired         EngineOrderStatus = "EXPIRED"
)

// IsTerminal reports whether status is one from which no further transition
// is permitted.
func (s EngineOrderStatus) IsTerminal() bool {
	switch s {
	case EngineStatusFilled, EngineStatusCanceled, EngineStatusRejected, EngineStatusExpired:
		return true
	default:
		return false
	}
}

// TradeStatus tracks a Trade record's open/closed lifecycle in the event store.
type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "OPEN"
	TradeStatusClosed TradeStatus = "CLOSED"
)

// Candle is a single OHLCV bar, reused by Snapshot for the 5m/1h series.
type Candle struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Snapshot is the single external input to a decision cycle: current market
// state plus precomputed indicators. The core treats Indicators as opaque.
type Snapshot struct {
	Timestamp      time.Time
	Symbol         string
	CurrentPrice   decimal.Decimal
	Bid            decimal.Decimal
	Ask            decimal.Decimal
	Volume24h      decimal.Decimal
	PriceChange24h decimal.Decimal
	Candles5m      []Candle
	Candles1h      []Candle
	Indicators     map[string]float64
}

// Valid checks the bid/ask/price ordering invariant when both sides are quoted.
func (s Snapshot) Valid() bool {
	if s.Bid.IsPositive() && s.Ask.IsPositive() {
		return s.Bid.LessThanOrEqual(s.CurrentPrice) && s.CurrentPrice.LessThanOrEqual(s.Ask)
	}
	return true
}

// ModelPrediction is one model server's answer for a single snapshot.
type ModelPrediction struct {
	ModelName  string
	ModelKey   string // host:port, identifies the endpoint/performance record
	Action     Action
	Confidence float64 // [0, 1]
	RawScore   *float64 // [-1, 1], optional
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	LatencyMs  float64
	Timestamp  time.Time
}

// ModelPerformance is the mutable, per-endpoint adaptive-weighting record
// owned exclusively by EnsembleAggregator.
type ModelPerformance struct {
	ModelKey        string
	BaseWeight      float64
	SuccessCount    int64
	FailureCount    int64
	AvgResponseMs   float64 // EWMA, alpha=0.2
	LastSuccess     time.Time
	LastUpdated     time.Time
	RecentOutcomes  []bool // bounded ring, size = performanceWindow
	WinRate         float64
	Sharpe          float64
	Enabled         bool
}

// EnsembleDecision is the output of a fusion pass: a single fused action with
// calibrated confidence, expected value, and the metadata needed for risk
// sizing and audit logging.
type EnsembleDecision struct {
	Action               Action
	Confidence           float64 // calibrated, [0,1]
	ExpectedValue        float64
	Uncertainty          float64 // stddev of raw scores
	StopLoss             *decimal.Decimal
	TakeProfit           *decimal.Decimal
	ParticipatingModels  []string
	AggregationMethod    FusionMethod
	Reasoning            string
	ModelAgreement       float64 // fraction of models that agreed with Action
}

// RiskMetrics is the point-in-time account/exposure picture a sizing or
// validation call is evaluated against.
type RiskMetrics struct {
	TotalEquity       decimal.Decimal
	AvailableMargin   decimal.Decimal
	TotalExposure     decimal.Decimal
	OpenPositions     int
	DailyPnl          decimal.Decimal
	DailyTrades       int
	ConsecutiveLosses int
	WinRate           float64
}

// PositionSize is RiskManager's sizing output for a proposed trade.
type PositionSize struct {
	Quantity      decimal.Decimal
	SizeUsd       decimal.Decimal
	Leverage      int
	Method        SizingMethod
	RiskPercent   float64
	KellyFraction *float64
}

// OrderState is the persisted, authoritative record of one exchange order.
// Primary key is OrderID. Terminal statuses are never overwritten.
type OrderState struct {
	OrderID          string
	Symbol           string
	Side             EngineOrderSide
	Type             EngineOrderType
	Quantity         decimal.Decimal
	Price            *decimal.Decimal
	Status           EngineOrderStatus
	FilledQty        decimal.Decimal
	AvgPrice         decimal.Decimal
	Timestamp        time.Time
	StopLossOrderID  string
	TakeProfitOrderID string
}

// EngineTrade is an entry-to-exit lifecycle record appended to the event store.
type EngineTrade struct {
	TradeID      string
	SnapshotID   string
	EntryOrderID string
	ExitOrderID  string
	Symbol       string
	Side         EngineOrderSide
	Quantity     decimal.Decimal
	EntryPrice   decimal.Decimal
	ExitPrice    *decimal.Decimal
	EntryTime    time.Time
	ExitTime     *time.Time
	Pnl          *decimal.Decimal
	PnlPercent   *float64
	Status       TradeStatus
}

// Severity classifies EventSink system events.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Status is the Coordinator's read-only view exposed to the dashboard.
type Status struct {
	Running             bool          `json:"running"`
	OpenTrades          int           `json:"open_trades"`
	CircuitBreakerActive bool         `json:"circuit_breaker_active"`
	DryRun              bool          `json:"dry_run"`
	Testnet             bool          `json:"testnet"`
	Symbol              string        `json:"symbol"`
	HeartbeatInterval   time.Duration `json:"heartbeat_interval"`
	UptimeSeconds       float64       `json:"uptime_seconds"`
	OpenSubscribers     int           `json:"open_subscribers"`
}
