// Package modelclient implements ModelClient: a single HTTP call to one
// model-inference server with a per-request timeout and latency measurement.
package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/xylen-coordinator/internal/errs"
	"github.com/atlas-desktop/xylen-coordinator/pkg/types"
)

// Endpoint identifies one model server.
type Endpoint struct {
	Name    string
	Host    string
	Port    int
	Weight  float64
	Enabled bool
}

func (e Endpoint) Key() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

func (e Endpoint) baseURL() string { return fmt.Sprintf("http://%s:%d", e.Host, e.Port) }

// Client makes predict/health calls to model endpoints.
type Client struct {
	http *http.Client
}

func New(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

type predictRequest struct {
	Symbol       string             `json:"symbol"`
	CurrentPrice string             `json:"current_price"`
	Indicators   map[string]float64 `json:"indicators"`
}

type predictResponse struct {
	Action     string   `json:"action"`
	Confidence float64  `json:"confidence"`
	RawScore   *float64 `json:"raw_score"`
	StopLoss   *float64 `json:"stop_loss"`
	TakeProfit *float64 `json:"take_profit"`
}

// Predict sends the snapshot to the endpoint and returns a ModelPrediction
// with measured latency, or a TransientIOError on timeout/network failure.
func (c *Client) Predict(ctx context.Context, ep Endpoint, snap types.Snapshot) (types.ModelPrediction, error) {
	start := time.Now()

	body, err := json.Marshal(predictRequest{
		Symbol:       snap.Symbol,
		CurrentPrice: snap.CurrentPrice.String(),
		Indicators:   snap.Indicators,
	})
	if err != nil {
		return types.ModelPrediction{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.baseURL()+"/predict", bytes.NewReader(body))
	if err != nil {
		return types.ModelPrediction{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return types.ModelPrediction{}, errs.TransientIO(fmt.Sprintf("predict call to %s", ep.Key()), err)
	}
	defer resp.Body.Close()

	latency := time.Since(start)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.ModelPrediction{}, errs.TransientIO("read predict response", err)
	}
	if resp.StatusCode >= 400 {
		return types.ModelPrediction{}, errs.Api(resp.StatusCode, string(data))
	}

	var pr predictResponse
	if err := json.Unmarshal(data, &pr); err != nil {
		return types.ModelPrediction{}, errs.Api(0, "malformed predict response: "+err.Error())
	}

	pred := types.ModelPrediction{
		ModelName:  ep.Name,
		ModelKey:   ep.Key(),
		Action:     types.Action(pr.Action),
		Confidence: pr.Confidence,
		RawScore:   pr.RawScore,
		LatencyMs:  float64(latency.Microseconds()) / 1000.0,
		Timestamp:  time.Now().UTC(),
	}
	if pr.StopLoss != nil {
		d := decimal.NewFromFloat(*pr.StopLoss)
		pred.StopLoss = &d
	}
	if pr.TakeProfit != nil {
		d := decimal.NewFromFloat(*pr.TakeProfit)
		pred.TakeProfit = &d
	}
	return pred, nil
}

// HealthStatus is the result of a /health probe against one model endpoint.
type HealthStatus struct {
	ModelKey string
	Healthy  bool
	Err      string
}

// Health probes the endpoint's /health route.
func (c *Client) Health(ctx context.Context, ep Endpoint) HealthStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.baseURL()+"/health", nil)
	if err != nil {
		return HealthStatus{ModelKey: ep.Key(), Healthy: false, Err: err.Error()}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return HealthStatus{ModelKey: ep.Key(), Healthy: false, Err: err.Error()}
	}
	defer resp.Body.Close()
	return HealthStatus{ModelKey: ep.Key(), Healthy: resp.StatusCode < 400}
}
