// Package main is the entry point for the xylen coordinator: an ensemble
// ML trading coordinator that fans decisions out to model servers, fuses
// and risk-gates them, and executes on a single futures exchange account.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/xylen-coordinator/internal/config"
	"github.com/atlas-desktop/xylen-coordinator/internal/coordinator"
	"github.com/atlas-desktop/xylen-coordinator/internal/dashboard"
	"github.com/atlas-desktop/xylen-coordinator/internal/ensemble"
	"github.com/atlas-desktop/xylen-coordinator/internal/eventsink"
	"github.com/atlas-desktop/xylen-coordinator/internal/exchange"
	"github.com/atlas-desktop/xylen-coordinator/internal/metrics"
	"github.com/atlas-desktop/xylen-coordinator/internal/modelclient"
	"github.com/atlas-desktop/xylen-coordinator/internal/orderstore"
	"github.com/atlas-desktop/xylen-coordinator/internal/risk"
	"github.com/atlas-desktop/xylen-coordinator/pkg/types"
)

func main() {
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("starting xylen coordinator",
		zap.String("symbol", cfg.Trading.Symbol),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Bool("testnet", cfg.Testnet),
	)

	sink, err := eventsink.Open(cfg.Database.SqlitePath)
	if err != nil {
		logger.Fatal("failed to open event sink", zap.Error(err))
	}

	store, err := orderstore.Open(cfg.Database.SqlitePath)
	if err != nil {
		logger.Fatal("failed to open order store", zap.Error(err))
	}

	exchangeBase := cfg.Binance.ProductionBaseURL
	if cfg.Testnet {
		exchangeBase = cfg.Binance.TestnetBaseURL
	}
	marketData := coordinator.NewRestSnapshotProvider(exchangeBase, cfg.Trading.Symbol)

	exchangeClient := exchange.New(logger, exchange.Config{
		APIKey:            cfg.APIKey,
		APISecret:         cfg.APISecret,
		Testnet:           cfg.Testnet,
		TestnetBaseURL:    cfg.Binance.TestnetBaseURL,
		ProductionBaseURL: cfg.Binance.ProductionBaseURL,
		DryRun:            cfg.DryRun,
		Symbol:            cfg.Trading.Symbol,
		Leverage:          cfg.Trading.Leverage,
		MarginMode:        cfg.Trading.MarginMode,
		GeneralRateLimit:  cfg.Binance.RateLimitPerMinute,
		RateLimitBuffer:   cfg.Binance.RateLimitBuffer,
		OrdersRateLimit:   cfg.Binance.RateLimitOrdersPer10s,
	}, store)

	riskManager := risk.New(logger, risk.Config{
		SizingMethod:                 cfg.SizingMethod(),
		PositionSizeFraction:         cfg.Trading.PositionSizeFraction,
		FixedAmountUsd:               cfg.Trading.FixedAmountUsd,
		KellyFraction:                cfg.Trading.KellyFraction,
		MaxPositionSizeUsd:           cfg.Trading.MaxPositionSizeUsd,
		MinPositionSizeUsd:           cfg.Trading.MinPositionSizeUsd,
		Leverage:                     cfg.Trading.Leverage,
		MaxOpenPositions:             cfg.Trading.MaxOpenPositions,
		MaxDailyTrades:               cfg.Trading.MaxDailyTrades,
		MinTradeInterval:             time.Duration(cfg.Trading.MinTradeIntervalSeconds) * time.Second,
		MaxDailyLossPercent:          cfg.Safety.MaxDailyLossPercent,
		MaxDailyLossUsd:              cfg.Safety.MaxDailyLossUsd,
		EmergencyShutdownLossPercent: cfg.Safety.EmergencyShutdownLossPercent,
		MaxTotalExposureUsd:          cfg.Safety.MaxTotalExposureUsd,
		MaxLeverageAllowed:           cfg.Safety.MaxLeverageAllowed,
		BreakerThreshold:             cfg.Safety.CircuitBreakerConsecutiveLosses,
		BreakerCooldown:              time.Duration(cfg.Safety.CircuitBreakerCooldownSeconds) * time.Second,
		BreakerResetOnWin:            cfg.Safety.CircuitBreakerResetOnWin,
	})

	endpoints := make([]modelclient.Endpoint, 0, len(cfg.ModelEndpoints))
	for _, ep := range cfg.ModelEndpoints {
		if !ep.Enabled {
			continue
		}
		endpoints = append(endpoints, modelclient.Endpoint{
			Name:    ep.Name,
			Host:    ep.Host,
			Port:    ep.Port,
			Weight:  ep.Weight,
			Enabled: ep.Enabled,
		})
	}

	aggregator := ensemble.New(logger, ensemble.Config{
		Method:                  cfg.FusionMethod(),
		MinRespondingModels:     cfg.Ensemble.MinRespondingModels,
		ModelTimeout:            cfg.ModelTimeout(),
		UncertaintyThreshold:    cfg.Ensemble.UncertaintyThreshold,
		ExpectedValueThreshold:  cfg.Ensemble.ExpectedValueThreshold,
		StopLossPercent:         cfg.Trading.StopLossPercent,
		TakeProfitPercent:       cfg.Trading.TakeProfitPercent,
		SlippageBps:             cfg.Ensemble.EstimateSlippageBps,
		TakerFeeBps:             cfg.Ensemble.TakerFeeBps,
		PerformanceWindow:       cfg.Ensemble.PerformanceWindow,
		WeightDecayHalflife:     cfg.WeightDecayHalflife(),
		CalibrationRetrainEvery: 50,
	}, endpoints)

	metricsRegistry := metrics.New()

	var coord *coordinator.Coordinator
	dash := dashboard.New(logger, cfg.Dashboard.WebsocketHost, cfg.Dashboard.WebsocketPort, func() types.Status {
		return coord.Status()
	})

	coord = coordinator.New(logger, coordinator.Config{
		Symbol:              cfg.Trading.Symbol,
		DryRun:              cfg.DryRun,
		Testnet:             cfg.Testnet,
		HeartbeatInterval:   cfg.HeartbeatInterval(),
		HealthCheckInterval: cfg.HealthCheckInterval(),
		OrderCheckInterval:  cfg.OrderCheckInterval(),
		MaxOpenPositions:    cfg.Trading.MaxOpenPositions,
		CloseOnShutdown:     cfg.Safety.ClosePositionsOnShutdown,
	}, coordinator.Collaborators{
		MarketData: marketData,
		Exchange:   exchangeClient,
		Risk:       riskManager,
		Ensemble:   aggregator,
		EventSink:  sink,
		Broadcast:  dash,
		Metrics:    metricsRegistry,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Monitoring.PrometheusEnabled {
		go func() {
			if err := metricsRegistry.Serve(cfg.Monitoring.PrometheusPort); err != nil {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	if cfg.Dashboard.WebsocketEnabled {
		go func() {
			if err := dash.Start(); err != nil {
				logger.Error("dashboard server error", zap.Error(err))
			}
		}()
	}

	if err := coord.Start(ctx); err != nil {
		logger.Fatal("failed to start coordinator", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := coord.Stop(shutdownCtx); err != nil {
		logger.Error("error stopping coordinator", zap.Error(err))
	}
	if cfg.Dashboard.WebsocketEnabled {
		if err := dash.Stop(shutdownCtx); err != nil {
			logger.Error("error stopping dashboard", zap.Error(err))
		}
	}
	if cfg.Monitoring.PrometheusEnabled {
		if err := metricsRegistry.Shutdown(shutdownCtx); err != nil {
			logger.Error("error stopping metrics server", zap.Error(err))
		}
	}

	logger.Info("coordinator stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zcfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
