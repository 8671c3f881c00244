// Package main is the entry point for the equity trading bot: it wires
// every component's construction-time dependency graph (spec.md §9), starts
// the trading loop, the session-health timer, and the thin operability HTTP
// surface, and tears all three down cleanly on SIGINT/SIGTERM.
//
// Grounded on the teacher's cmd/server/main.go flag parsing, zap setup, and
// signal.Notify graceful-shutdown idiom, rewired from the teacher's PhD
// agent/orchestrator stack onto this module's C1-C11 components.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcusgoll/sentinel-equity/internal/api"
	"github.com/marcusgoll/sentinel-equity/internal/bot"
	"github.com/marcusgoll/sentinel-equity/internal/broker"
	"github.com/marcusgoll/sentinel-equity/internal/cache"
	"github.com/marcusgoll/sentinel-equity/internal/config"
	"github.com/marcusgoll/sentinel-equity/internal/eventlog"
	"github.com/marcusgoll/sentinel-equity/internal/health"
	"github.com/marcusgoll/sentinel-equity/internal/marketdata"
	"github.com/marcusgoll/sentinel-equity/internal/orders"
	"github.com/marcusgoll/sentinel-equity/internal/retry"
	"github.com/marcusgoll/sentinel-equity/internal/safety"
	"github.com/marcusgoll/sentinel-equity/internal/strategy"
	"github.com/marcusgoll/sentinel-equity/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Exit codes per spec.md §6: 0 normal shutdown, 2 circuit breaker tripped on
// startup, 3 broker auth permanently failed.
const (
	exitOK                 = 0
	exitCircuitBreakerOpen = 2
	exitAuthFailed         = 3
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config.yaml/config.json")
	apiAddr := flag.String("api-addr", ":8090", "Operability HTTP surface bind address")
	symbols := flag.String("symbols", "AAPL", "Comma-separated symbols to trade")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("loading config", zap.Error(err))
	}

	logger.Info("starting sentinel-equity bot",
		zap.Bool("paperTrading", cfg.PaperTrading),
		zap.String("apiAddr", *apiAddr),
		zap.String("baseDir", cfg.BaseDir),
	)

	evLog := eventlog.New(cfg.BaseDir+"/logs", logger)
	defer evLog.Close()

	// §4.1's sliding-window failure breaker is fixed at 60s/5 failures; it is
	// not the same knob as consecutive_loss_limit (§4.5's trailing trade-loss
	// check, consulted separately by internal/safety).
	breaker := retry.NewCircuitBreaker(cfg.BaseDir+"/state/circuit_breaker.json", retry.BreakerWindowS, retry.BreakerFailureThreshold)
	if breaker.IsActive() {
		logger.Error("circuit breaker is tripped on startup; refusing to trade")
		os.Exit(exitCircuitBreakerOpen)
	}

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.RateLimitRetries
	policy.BaseDelay = time.Duration(cfg.RateLimitBackoffBase * float64(time.Second))

	adapter := newAdapter(cfg)

	if err := adapter.Probe(context.Background()); err != nil {
		logger.Warn("initial broker probe failed, attempting one reauthentication", zap.Error(err))
		if err := adapter.Reauthenticate(context.Background()); err != nil {
			logger.Error("broker authentication permanently failed", zap.Error(err))
			os.Exit(exitAuthFailed)
		}
	}

	history, err := marketdata.NewHistoricalStore(adapter, nil, cfg.BaseDir+"/.backtest_cache", marketdata.NewDataQualityValidator())
	if err != nil {
		logger.Fatal("constructing historical store", zap.Error(err))
	}

	market, err := marketdata.NewWithStaleness(
		adapter, history, cfg.TradingTimezone,
		cfg.TradingWindowStartHourET, cfg.TradingWindowEndHourET,
		time.Duration(cfg.QuoteStalenessThresholdS)*time.Second,
	)
	if err != nil {
		logger.Fatal("constructing market data", zap.Error(err))
	}

	acctCache := cache.NewWithTTLs(
		adapter, policy, evLog,
		time.Duration(cfg.AccountCache.VolatileTTLS)*time.Second,
		time.Duration(cfg.AccountCache.StableTTLS)*time.Second,
	)

	orderMgr := orders.New(adapter, policy, evLog, acctCache, decimal.NewFromFloat(0.01))
	orderMgr.SetMaxSlippagePct(cfg.OrderManagement.MaxSlippagePct)

	riskSizer := safety.NewRiskSizer(cfg.RiskManagement, cfg.MaxPositionPct)

	healthMon := health.New(adapter, breaker, policy, evLog)

	safetyConfig := safety.Config{
		MaxDailyLossPct:      cfg.MaxDailyLossPct,
		MaxConsecutiveLosses: cfg.ConsecutiveLossLimit,
		MaxPositionPct:       cfg.MaxPositionPct,
	}
	checker := safety.New(breaker, market, nil, orderMgr, safetyConfig)

	botConfig := bot.DefaultConfig()
	botConfig.PaperTrading = cfg.PaperTrading
	botConfig.DefaultOffset = types.OffsetConfig{
		Mode:       cfg.OrderManagement.OffsetMode,
		BuyOffset:  cfg.OrderManagement.BuyOffset,
		SellOffset: cfg.OrderManagement.SellOffset,
	}
	botConfig.RiskSizer = riskSizer
	botConfig.ConsecutiveLossWindow = cfg.ConsecutiveLossLimit

	tradingBot := bot.New(market, checker, orderMgr, acctCache, healthMon, evLog, botConfig)
	checker.SetTradeLog(tradingBot)

	hub := api.NewHub(evLog, logger)
	server := api.NewServer(*apiAddr, api.Deps{Breaker: breaker, Health: healthMon, Hub: hub}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hubDone := make(chan struct{})
	go hub.Run(hubDone)

	tradingBot.Start(ctx)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("operability server error", zap.Error(err))
		}
	}()

	strat := strategy.NewMomentum("momentum-1", strategy.DefaultMomentumConfig())
	symbolList := splitSymbols(*symbols)
	stopCycles := make(chan struct{})
	go runCycles(ctx, tradingBot, strat, symbolList, evLog, stopCycles)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	close(stopCycles)
	close(hubDone)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("stopping operability server", zap.Error(err))
	}

	if err := tradingBot.Stop(); err != nil {
		logger.Error("stopping bot", zap.Error(err))
	}

	logger.Info("shutdown complete")
	os.Exit(exitOK)
}

// runCycles drives one bot.Cycle per symbol on a fixed tick until stop is
// closed. The interval is deliberately coarse: spec.md's peak-volatility
// window is only a few hours wide.
func runCycles(ctx context.Context, b *bot.Bot, strat strategy.Strategy, symbols []string, evLog *eventlog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range symbols {
				if err := b.Cycle(ctx, symbol, strat); err != nil {
					evLog.Emit(eventlog.StreamOrders, "cycle_error", map[string]any{"symbol": symbol, "error": err.Error()})
				}
			}
		}
	}
}

func newAdapter(cfg *config.AppConfig) broker.Adapter {
	if cfg.PaperTrading {
		return broker.NewPaperAdapter(broker.PaperConfig{})
	}
	return broker.NewHTTPAdapter(broker.HTTPConfig{
		BaseURL:           os.Getenv("BROKER_BASE_URL"),
		APIKey:            os.Getenv("BROKER_API_KEY"),
		APISecret:         os.Getenv("BROKER_API_SECRET"),
		RequestsPerSecond: 5,
		Burst:             5,
	})
}

func splitSymbols(raw string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
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
