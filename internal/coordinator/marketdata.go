package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/xylen-coordinator/internal/errs"
	"github.com/atlas-desktop/xylen-coordinator/pkg/types"
)

// MarketDataProvider is the external collaborator the spec treats as
// out-of-scope: HTTP candle/ticker retrieval plus indicator computation.
// The core only ever consumes the Snapshot value it returns.
type MarketDataProvider interface {
	Snapshot(ctx context.Context) (types.Snapshot, error)
}

// RestSnapshotProvider is a minimal MarketDataProvider built from the
// exchange's public (unsigned) ticker and kline endpoints. It does not
// compute indicators — that computation is explicitly out of scope for the
// core — so Snapshot.Indicators is returned empty and model servers are
// expected to be resilient to a sparse indicator set.
type RestSnapshotProvider struct {
	http    *http.Client
	baseURL string
	symbol  string
}

func NewRestSnapshotProvider(baseURL, symbol string) *RestSnapshotProvider {
	return &RestSnapshotProvider{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
		symbol:  symbol,
	}
}

func (p *RestSnapshotProvider) Snapshot(ctx context.Context) (types.Snapshot, error) {
	ticker, err := p.ticker24hr(ctx)
	if err != nil {
		return types.Snapshot{}, errs.TransientIO("fetch 24hr ticker", err)
	}
	candles5m, err := p.klines(ctx, "5m", 50)
	if err != nil {
		return types.Snapshot{}, errs.TransientIO("fetch 5m klines", err)
	}
	candles1h, err := p.klines(ctx, "1h", 50)
	if err != nil {
		return types.Snapshot{}, errs.TransientIO("fetch 1h klines", err)
	}

	snap := types.Snapshot{
		Timestamp:      time.Now().UTC(),
		Symbol:         p.symbol,
		CurrentPrice:   ticker.lastPrice,
		Bid:            ticker.bidPrice,
		Ask:            ticker.askPrice,
		Volume24h:      ticker.volume,
		PriceChange24h: ticker.priceChangePercent,
		Candles5m:      candles5m,
		Candles1h:      candles1h,
		Indicators:     map[string]float64{},
	}
	if !snap.Valid() {
		return types.Snapshot{}, errs.DataIntegrity("snapshot bid/ask/price ordering violated")
	}
	return snap, nil
}

type tickerResult struct {
	lastPrice          decimal.Decimal
	bidPrice           decimal.Decimal
	askPrice           decimal.Decimal
	volume             decimal.Decimal
	priceChangePercent decimal.Decimal
}

func (p *RestSnapshotProvider) ticker24hr(ctx context.Context) (tickerResult, error) {
	var raw struct {
		LastPrice          string `json:"lastPrice"`
		BidPrice           string `json:"bidPrice"`
		AskPrice           string `json:"askPrice"`
		Volume             string `json:"volume"`
		PriceChangePercent string `json:"priceChangePercent"`
	}
	url := fmt.Sprintf("%s/fapi/v1/ticker/24hr?symbol=%s", p.baseURL, p.symbol)
	if err := p.getJSON(ctx, url, &raw); err != nil {
		return tickerResult{}, err
	}
	var r tickerResult
	r.lastPrice, _ = decimal.NewFromString(raw.LastPrice)
	r.bidPrice, _ = decimal.NewFromString(raw.BidPrice)
	r.askPrice, _ = decimal.NewFromString(raw.AskPrice)
	r.volume, _ = decimal.NewFromString(raw.Volume)
	r.priceChangePercent, _ = decimal.NewFromString(raw.PriceChangePercent)
	return r, nil
}

func (p *RestSnapshotProvider) klines(ctx context.Context, interval string, limit int) ([]types.Candle, error) {
	var raw [][]interface{}
	url := fmt.Sprintf("%s/fapi/v1/klines?symbol=%s&interval=%s&limit=%d", p.baseURL, p.symbol, interval, limit)
	if err := p.getJSON(ctx, url, &raw); err != nil {
		return nil, err
	}

	candles := make([]types.Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		openTimeMs, _ := row[0].(float64)
		candles = append(candles, types.Candle{
			Timestamp: time.UnixMilli(int64(openTimeMs)).UTC(),
			Open:      decStr(row[1]),
			High:      decStr(row[2]),
			Low:       decStr(row[3]),
			Close:     decStr(row[4]),
			Volume:    decStr(row[5]),
		})
	}
	return candles, nil
}

func decStr(v interface{}) decimal.Decimal {
	s, _ := v.(string)
	d, _ := decimal.NewFromString(s)
	return d
}

func (p *RestSnapshotProvider) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("market data request failed with status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
