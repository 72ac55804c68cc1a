// Package main runs the confluence engine: a bar feed drives decision
// cycles against a paper broker, with state served over HTTP and WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/confluence-engine/internal/api"
	"github.com/atlas-desktop/confluence-engine/internal/config"
	"github.com/atlas-desktop/confluence-engine/internal/data"
	"github.com/atlas-desktop/confluence-engine/internal/events"
	"github.com/atlas-desktop/confluence-engine/internal/execution"
	"github.com/atlas-desktop/confluence-engine/internal/metrics"
	"github.com/atlas-desktop/confluence-engine/internal/orchestrator"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const minSeriesBars = 1000

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	logLevel := flag.String("log-level", "", "Override the configured log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// Setup logger
	logger := setupLogger(cfg.Log.Level)
	defer logger.Sync()

	logger.Info("Starting confluence engine",
		zap.String("symbol", cfg.Instrument.Symbol),
		zap.String("timeframe", string(cfg.Feed.Timeframe)),
		zap.Float64("capital", cfg.Strategy.InitialCapital),
		zap.Any("features", cfg.Features),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Market data
	store, err := data.NewStore(logger, cfg.Data.DataDir)
	if err != nil {
		logger.Fatal("Failed to initialize data store", zap.Error(err))
	}

	seriesSize := cfg.Feed.HistoryBars * 2
	if seriesSize < minSeriesBars {
		seriesSize = minSeriesBars
	}
	series := data.NewBarSeries(cfg.Instrument.Symbol, seriesSize)
	indicators := data.NewCalculator(series, data.DefaultCalculatorConfig())
	feed := data.NewFeed(logger, cfg.Instrument.Symbol, cfg.Feed, series, store)

	// Execution
	broker := execution.NewPaperBroker(logger, cfg.Instrument, cfg.Strategy.InitialCapital, series)

	bus := events.NewEventBus(logger, events.DefaultEventBusConfig())
	defer bus.Stop()

	orch, err := orchestrator.New(logger, cfg, orchestrator.Dependencies{
		Market:     series,
		Indicators: indicators,
		Broker:     broker,
		Bus:        bus,
		Metrics:    metrics.New(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logger.Fatal("Failed to initialize orchestrator", zap.Error(err))
	}

	// Stops and targets resolve on each new bar before its cycle runs.
	broker.OnClose(orch.OnPositionClosed)
	feed.OnBar(broker.OnBar)

	// Setup WebSocket hub for real-time updates
	hub := api.NewHub(logger)
	go hub.Run(ctx)
	bus.SubscribeAll(hub.HandleEvent)

	server := api.NewServer(logger, &cfg.Server, api.Options{
		Engine:    orch,
		Positions: broker,
		Bars:      series,
		Hub:       hub,
		Gatherer:  prometheus.DefaultGatherer,
	})

	if err := feed.Warm(ctx); err != nil {
		logger.Fatal("Failed to warm bar feed", zap.Error(err))
	}
	if err := feed.Start(ctx); err != nil {
		logger.Fatal("Failed to start bar feed", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := orch.Run(ctx, feed.Updates()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Orchestrator error", zap.Error(err))
		}
	}()

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	logger.Info("Server started successfully",
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)),
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
	)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	feed.Stop()
	cancel()
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	st := orch.Status()
	logger.Info("Engine stopped",
		zap.Int64("cycles", st.Cycles),
		zap.Int("trades", st.Risk.TotalTrades),
		zap.Float64("winRate", st.Risk.WinRate),
	)
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
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

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
