// Package metrics registers the coordinator's Prometheus metric family,
// named after the original system's xylen_* counters/gauges/histograms, and
// serves them on their own http.Server via promhttp.Handler.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the coordinator emits.
type Registry struct {
	Snapshots         prometheus.Counter
	Predictions       *prometheus.CounterVec
	Decisions         *prometheus.CounterVec
	Orders            *prometheus.CounterVec
	TradePnl          prometheus.Histogram
	DecisionLatency   prometheus.Histogram
	AccountEquity     prometheus.Gauge
	PositionSize      prometheus.Gauge
	RiskExposure      prometheus.Gauge
	CircuitBreaker    prometheus.Gauge

	server *http.Server
}

// New registers the metric family against a fresh registry, avoiding the
// global default registry so tests can construct isolated instances.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		Snapshots: factory.NewCounter(prometheus.CounterOpts{
			Name: "xylen_snapshots_total",
			Help: "Total market snapshots processed.",
		}),
		Predictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xylen_predictions_total",
			Help: "Total model predictions received, by model and action.",
		}, []string{"model", "action"}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xylen_decisions_total",
			Help: "Total ensemble decisions, by action and result.",
		}, []string{"action", "result"}),
		Orders: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xylen_orders_total",
			Help: "Total orders placed, by side and status.",
		}, []string{"side", "status"}),
		TradePnl: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "xylen_trade_pnl",
			Help:    "Realized P&L per closed trade.",
			Buckets: prometheus.LinearBuckets(-100, 20, 11),
		}),
		DecisionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "xylen_decision_latency_seconds",
			Help:    "Wall-clock time for one full decision cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		AccountEquity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "xylen_account_equity",
			Help: "Most recently observed account equity.",
		}),
		PositionSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "xylen_position_size",
			Help: "USD size of the most recently sized position.",
		}),
		RiskExposure: factory.NewGauge(prometheus.GaugeOpts{
			Name: "xylen_risk_exposure",
			Help: "Total current notional exposure across open positions.",
		}),
		CircuitBreaker: factory.NewGauge(prometheus.GaugeOpts{
			Name: "xylen_circuit_breaker_active",
			Help: "1 if the circuit breaker is OPEN, else 0.",
		}),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.server = &http.Server{Handler: mux}
	return r
}

// Serve starts the metrics HTTP server on the given port. Call in a goroutine.
func (r *Registry) Serve(port int) error {
	r.server.Addr = fmt.Sprintf(":%d", port)
	if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the metrics server within the given grace period.
func (r *Registry) Shutdown(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}

// ObserveDecisionLatency records one decision cycle's wall-clock duration.
func (r *Registry) ObserveDecisionLatency(d time.Duration) {
	r.DecisionLatency.Observe(d.Seconds())
}
