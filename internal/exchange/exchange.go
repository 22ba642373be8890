// Package exchange implements ExchangeClient: signed REST calls against a
// Binance-style futures API, token-bucket rate limiting, retry with
// exponential backoff, an order-state machine backed by orderstore.Store,
// and dry-run simulation. The signing path is grounded directly on the
// teacher's internal/execution/adapters/binance.go sign/signedRequest
// methods — the native HMAC path, not a signing library (Design Note 1).
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/xylen-coordinator/internal/errs"
	"github.com/atlas-desktop/xylen-coordinator/internal/orderstore"
	"github.com/atlas-desktop/xylen-coordinator/internal/ratelimit"
	"github.com/atlas-desktop/xylen-coordinator/pkg/types"
)

// Config configures the exchange client.
type Config struct {
	APIKey             string
	APISecret          string
	Testnet            bool
	TestnetBaseURL     string
	ProductionBaseURL  string
	DryRun             bool
	Symbol             string
	Leverage           int
	MarginMode         string // CROSSED or ISOLATED
	GeneralRateLimit   int     // per minute
	RateLimitBuffer    float64
	OrdersRateLimit    int // per 10s window
}

// SymbolFilters are the exchange's quantization rules for the trading symbol.
type SymbolFilters struct {
	StepSize      decimal.Decimal
	QtyPrecision  int32
	TickSize      decimal.Decimal
	PricePrecision int32
}

// Client is the ExchangeClient.
type Client struct {
	logger  *zap.Logger
	cfg     Config
	baseURL string
	http    *http.Client

	generalLimiter *ratelimit.TokenBucket
	ordersLimiter  *ratelimit.RateLimiter

	store *orderstore.Store

	filters SymbolFilters
}

// New constructs a Client. Call Initialize before use.
func New(logger *zap.Logger, cfg Config, store *orderstore.Store) *Client {
	baseURL := cfg.ProductionBaseURL
	if cfg.Testnet {
		baseURL = cfg.TestnetBaseURL
	}
	return &Client{
		logger:         logger.Named("exchange"),
		cfg:            cfg,
		baseURL:        baseURL,
		http:           &http.Client{Timeout: 10 * time.Second},
		generalLimiter: ratelimit.NewTokenBucket(cfg.GeneralRateLimit, cfg.RateLimitBuffer),
		ordersLimiter:  ratelimit.NewRateLimiter(cfg.OrdersRateLimit, 10*time.Second),
		store:          store,
	}
}

// Initialize fetches exchange info for the configured symbol, extracts its
// LOT_SIZE/PRICE_FILTER quantization, and sets leverage + margin mode.
// Margin-mode failure (already-set case) is downgraded to a debug log.
func (c *Client) Initialize(ctx context.Context) error {
	if c.cfg.DryRun {
		c.filters = SymbolFilters{
			StepSize: decimal.NewFromFloat(0.001), QtyPrecision: 3,
			TickSize: decimal.NewFromFloat(0.1), PricePrecision: 1,
		}
		c.logger.Info("exchange client initialized in dry-run mode", zap.String("symbol", c.cfg.Symbol))
		return nil
	}

	info, err := c.exchangeInfo(ctx)
	if err != nil {
		return errs.Init("fetch exchange info", err)
	}
	filters, ok := info[c.cfg.Symbol]
	if !ok {
		return errs.Init(fmt.Sprintf("symbol %s not found in exchange info", c.cfg.Symbol), nil)
	}
	c.filters = filters

	if err := c.setLeverage(ctx); err != nil {
		return errs.Init("set leverage", err)
	}
	if err := c.setMarginType(ctx); err != nil {
		c.logger.Debug("margin type not changed (likely already set)", zap.Error(err))
	}

	c.logger.Info("exchange client initialized",
		zap.String("symbol", c.cfg.Symbol), zap.Bool("testnet", c.cfg.Testnet))
	return nil
}

func (c *Client) exchangeInfo(ctx context.Context) (map[string]SymbolFilters, error) {
	resp, err := c.request(ctx, c.generalLimiter, "GET", "/fapi/v1/exchangeInfo", nil, false)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
				TickSize   string `json:"tickSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return nil, err
	}
	out := make(map[string]SymbolFilters)
	for _, s := range parsed.Symbols {
		var f SymbolFilters
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "LOT_SIZE":
				f.StepSize, _ = decimal.NewFromString(flt.StepSize)
				f.QtyPrecision = precisionOf(f.StepSize)
			case "PRICE_FILTER":
				f.TickSize, _ = decimal.NewFromString(flt.TickSize)
				f.PricePrecision = precisionOf(f.TickSize)
			}
		}
		out[s.Symbol] = f
	}
	return out, nil
}

func precisionOf(step decimal.Decimal) int32 {
	s := step.String()
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return int32(len(strings.TrimRight(s[i+1:], "0")))
	}
	return 0
}

func (c *Client) setLeverage(ctx context.Context) error {
	params := url.Values{}
	params.Set("symbol", c.cfg.Symbol)
	params.Set("leverage", strconv.Itoa(c.cfg.Leverage))
	_, err := c.signedRequestRetry(ctx, c.generalLimiter, "POST", "/fapi/v1/leverage", params)
	return err
}

func (c *Client) setMarginType(ctx context.Context) error {
	params := url.Values{}
	params.Set("symbol", c.cfg.Symbol)
	params.Set("marginType", c.cfg.MarginMode)
	_, err := c.signedRequestRetry(ctx, c.generalLimiter, "POST", "/fapi/v1/marginType", params)
	return err
}

// GetAccountEquity queries total equity and available margin from the
// account endpoint, resolving Design Note #3 (spec Open Question 3): these
// values come from the exchange, never a hard-coded constant.
func (c *Client) GetAccountEquity(ctx context.Context) (totalEquity, availableMargin decimal.Decimal, err error) {
	if c.cfg.DryRun {
		return decimal.NewFromInt(10000), decimal.NewFromInt(10000), nil
	}
	resp, err := c.signedRequestRetry(ctx, c.generalLimiter, "GET", "/fapi/v2/account", url.Values{})
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	var parsed struct {
		TotalWalletBalance string `json:"totalWalletBalance"`
		AvailableBalance   string `json:"availableBalance"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	totalEquity, _ = decimal.NewFromString(parsed.TotalWalletBalance)
	availableMargin, _ = decimal.NewFromString(parsed.AvailableBalance)
	return totalEquity, availableMargin, nil
}

// PlaceOrderRequest describes a proposed order.
type PlaceOrderRequest struct {
	Side       types.EngineOrderSide
	Quantity   decimal.Decimal
	Type       types.EngineOrderType
	Price      *decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	ReduceOnly bool
}

// PlaceOrder places the parent order, persists its OrderState, then attempts
// child STOP_MARKET / TAKE_PROFIT_MARKET orders on the opposite side with
// reduceOnly=true. A child-order failure is logged but does not invalidate
// the parent (spec §4.4.3).
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (types.OrderState, error) {
	qty := roundDown(req.Quantity, c.filters.StepSize, c.filters.QtyPrecision)
	if req.Type == types.EngineOrderLimit && req.Price == nil {
		return types.OrderState{}, errs.Validation("price required for LIMIT order")
	}

	if c.cfg.DryRun {
		return c.placeDryRun(ctx, req, qty)
	}

	params := url.Values{}
	params.Set("symbol", c.cfg.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", qty.String())
	if req.Price != nil {
		params.Set("price", roundTo(*req.Price, c.filters.TickSize, c.filters.PricePrecision).String())
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := c.signedRequestRetry(ctx, c.ordersLimiter, "POST", "/fapi/v1/order", params)
	if err != nil {
		return types.OrderState{}, err
	}

	order, err := parseOrderResponse(body)
	if err != nil {
		return types.OrderState{}, err
	}
	if err := c.store.Save(ctx, order); err != nil {
		c.logger.Error("failed to persist parent order", zap.Error(err))
	}

	order = c.placeChildOrders(ctx, order, req)
	return order, nil
}

func (c *Client) placeDryRun(ctx context.Context, req PlaceOrderRequest, qty decimal.Decimal) (types.OrderState, error) {
	price := decimal.NewFromInt(50000)
	if req.Price != nil {
		price = *req.Price
	}
	order := types.OrderState{
		OrderID:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Symbol:    c.cfg.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  qty,
		Price:     req.Price,
		Status:    types.EngineStatusFilled,
		FilledQty: qty,
		AvgPrice:  price,
		Timestamp: time.Now().UTC(),
	}
	if err := c.store.Save(ctx, order); err != nil {
		return types.OrderState{}, err
	}
	order = c.placeChildOrders(ctx, order, req)
	return order, nil
}

func (c *Client) placeChildOrders(ctx context.Context, parent types.OrderState, req PlaceOrderRequest) types.OrderState {
	opposite := types.EngineSideSell
	if parent.Side == types.EngineSideSell {
		opposite = types.EngineSideBuy
	}

	if req.StopLoss != nil {
		id, err := c.placeStopOrder(ctx, opposite, parent.Quantity, *req.StopLoss, types.EngineOrderStopMarket)
		if err != nil {
			c.logger.Error("failed to place stop-loss child order", zap.String("parentOrderId", parent.OrderID), zap.Error(err))
		} else {
			parent.StopLossOrderID = id
			if err := c.store.Save(ctx, parent); err != nil {
				c.logger.Error("failed to link stop-loss order id", zap.Error(err))
			}
		}
	}
	if req.TakeProfit != nil {
		id, err := c.placeStopOrder(ctx, opposite, parent.Quantity, *req.TakeProfit, types.EngineOrderTakeProfitMarket)
		if err != nil {
			c.logger.Error("failed to place take-profit child order", zap.String("parentOrderId", parent.OrderID), zap.Error(err))
		} else {
			parent.TakeProfitOrderID = id
			if err := c.store.Save(ctx, parent); err != nil {
				c.logger.Error("failed to link take-profit order id", zap.Error(err))
			}
		}
	}
	return parent
}

func (c *Client) placeStopOrder(ctx context.Context, side types.EngineOrderSide, qty, stopPrice decimal.Decimal, typ types.EngineOrderType) (string, error) {
	if c.cfg.DryRun {
		id := strconv.FormatInt(time.Now().UnixNano(), 10)
		order := types.OrderState{
			OrderID: id, Symbol: c.cfg.Symbol, Side: side, Type: typ,
			Quantity: qty, Price: &stopPrice, Status: types.EngineStatusNew,
			FilledQty: decimal.Zero, AvgPrice: decimal.Zero, Timestamp: time.Now().UTC(),
		}
		return id, c.store.Save(ctx, order)
	}

	params := url.Values{}
	params.Set("symbol", c.cfg.Symbol)
	params.Set("side", string(side))
	params.Set("type", string(typ))
	params.Set("quantity", qty.String())
	params.Set("stopPrice", roundTo(stopPrice, c.filters.TickSize, c.filters.PricePrecision).String())
	params.Set("reduceOnly", "true")

	body, err := c.signedRequestRetry(ctx, c.ordersLimiter, "POST", "/fapi/v1/order", params)
	if err != nil {
		return "", err
	}
	order, err := parseOrderResponse(body)
	if err != nil {
		return "", err
	}
	if err := c.store.Save(ctx, order); err != nil {
		return "", err
	}
	return order.OrderID, nil
}

// CancelOrder cancels an open order by id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.cfg.DryRun {
		o, err := c.store.Load(ctx, orderID)
		if err != nil {
			return err
		}
		o.Status = types.EngineStatusCanceled
		return c.store.Save(ctx, o)
	}
	params := url.Values{}
	params.Set("symbol", c.cfg.Symbol)
	params.Set("orderId", orderID)
	_, err := c.signedRequestRetry(ctx, c.generalLimiter, "DELETE", "/fapi/v1/order", params)
	return err
}

// GetOrderStatus polls the exchange for an order's current status and
// reconciles it into the store. No-op network call in dry-run: the store
// already holds the authoritative (synthesized) state.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (types.OrderState, error) {
	if c.cfg.DryRun {
		return c.store.Load(ctx, orderID)
	}
	params := url.Values{}
	params.Set("symbol", c.cfg.Symbol)
	params.Set("orderId", orderID)
	body, err := c.signedRequestRetry(ctx, c.generalLimiter, "GET", "/fapi/v1/order", params)
	if err != nil {
		return types.OrderState{}, err
	}
	order, err := parseOrderResponse(body)
	if err != nil {
		return types.OrderState{}, err
	}
	if err := c.store.Save(ctx, order); err != nil {
		c.logger.Error("failed to persist polled order status", zap.Error(err))
	}
	return order, nil
}

// ApplyOrderUpdate reconciles an exchange-pushed order update into the store,
// honoring terminal-state protection (orderstore.Save already enforces P2).
func (c *Client) ApplyOrderUpdate(ctx context.Context, update types.OrderState) error {
	return c.store.Save(ctx, update)
}

func parseOrderResponse(body []byte) (types.OrderState, error) {
	var r struct {
		OrderID      int64  `json:"orderId"`
		Symbol       string `json:"symbol"`
		Side         string `json:"side"`
		Type         string `json:"type"`
		OrigQty      string `json:"origQty"`
		Price        string `json:"price"`
		Status       string `json:"status"`
		ExecutedQty  string `json:"executedQty"`
		AvgPrice     string `json:"avgPrice"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return types.OrderState{}, errs.Api(0, "malformed order response: "+err.Error())
	}
	qty, _ := decimal.NewFromString(r.OrigQty)
	filled, _ := decimal.NewFromString(r.ExecutedQty)
	avg, _ := decimal.NewFromString(r.AvgPrice)
	var price *decimal.Decimal
	if r.Price != "" && r.Price != "0" {
		p, _ := decimal.NewFromString(r.Price)
		price = &p
	}
	return types.OrderState{
		OrderID:   strconv.FormatInt(r.OrderID, 10),
		Symbol:    r.Symbol,
		Side:      types.EngineOrderSide(r.Side),
		Type:      types.EngineOrderType(r.Type),
		Quantity:  qty,
		Price:     price,
		Status:    types.EngineOrderStatus(r.Status),
		FilledQty: filled,
		AvgPrice:  avg,
		Timestamp: time.Now().UTC(),
	}, nil
}

func roundDown(v, step decimal.Decimal, precision int32) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Floor().Mul(step).Truncate(precision)
}

func roundTo(v, tick decimal.Decimal, precision int32) decimal.Decimal {
	if tick.IsZero() {
		return v
	}
	return v.DivRound(tick, 0).Mul(tick).Round(precision)
}

// sign computes the HMAC-SHA256 signature over data using the API secret.
// Native crypto/hmac path — the library-based signing variants the original
// source also carried are dead code per Design Note 1.
func (c *Client) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// signedRequest canonicalizes params by sorted-key join, appends a millisecond
// timestamp and HMAC signature, then issues the request with the API key header.
func (c *Client) signedRequest(ctx context.Context, limiter ratelimit.Limiter, method, path string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, params.Get(k)))
	}
	queryString := strings.Join(parts, "&")
	signature := c.sign(queryString)
	params.Set("signature", signature)

	return c.doRequest(ctx, limiter, method, path, params, true)
}

func (c *Client) request(ctx context.Context, limiter ratelimit.Limiter, method, path string, params url.Values, signed bool) ([]byte, error) {
	return c.doRequest(ctx, limiter, method, path, params, signed)
}

func (c *Client) doRequest(ctx context.Context, limiter ratelimit.Limiter, method, path string, params url.Values, signed bool) ([]byte, error) {
	if err := limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	reqURL := c.baseURL + path
	var req *http.Request
	var err error
	if method == http.MethodGet || method == http.MethodDelete {
		if params != nil {
			reqURL += "?" + params.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, method, reqURL, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(params.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if err != nil {
		return nil, err
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.TransientIO("exchange request", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.TransientIO("read response body", err)
	}

	if resp.StatusCode >= 400 {
		return nil, errs.Api(resp.StatusCode, string(data))
	}
	return data, nil
}

// signedRequestRetry wraps signedRequest with the documented retry policy:
// transient I/O or timeout retries with exponential backoff (base 1, min 2s,
// max 30s, up to 3 attempts); HTTP >= 400 is non-retriable.
func (c *Client) signedRequestRetry(ctx context.Context, limiter ratelimit.Limiter, method, path string, params url.Values) ([]byte, error) {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		body, err := c.signedRequest(ctx, limiter, method, path, cloneValues(params))
		if err == nil {
			return body, nil
		}
		if _, ok := errs.As(err); ok {
			if e, _ := errs.As(err); e.Kind == errs.KindApi {
				return nil, err
			}
		}
		lastErr = err
		wait := backoff(attempt)
		c.logger.Warn("retrying exchange request", zap.Int("attempt", attempt+1), zap.Duration("wait", wait), zap.Error(err))
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func backoff(attempt int) time.Duration {
	base := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if base < 2*time.Second {
		base = 2 * time.Second
	}
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	return base
}

func cloneValues(v url.Values) url.Values {
	out := url.Values{}
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
