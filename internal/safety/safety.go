// Package safety implements spec.md §4.5 (C5): the pre-trade SafetyChecks
// pipeline. Each check is pure and independently testable; evaluation stops
// at the first blocker.
//
// Grounded on the teacher's internal/execution/risk_manager.go CheckOrder,
// trimmed from its crypto correlation-group/kill-switch-cooldown machinery
// down to spec.md §4.5's eight named checks, evaluated in the order the
// spec names them instead of accumulating every violation.
package safety

import (
	"fmt"
	"time"

	"github.com/marcusgoll/sentinel-equity/internal/marketdata"
	"github.com/marcusgoll/sentinel-equity/internal/retry"
	"github.com/marcusgoll/sentinel-equity/pkg/types"
	"github.com/marcusgoll/sentinel-equity/pkg/utils"
	"github.com/shopspring/decimal"
)

// Defaults per spec.md §4.5.
const (
	DefaultMaxDailyLossPct   = "0.03"
	DefaultMaxConsecutiveLosses = 3
	DefaultMaxPositionPct    = "0.05"
)

// Config bounds the SafetyChecks pipeline. New and NewWithClock store it as
// given; no value is clamped or range-checked here.
type Config struct {
	MaxDailyLossPct      decimal.Decimal
	MaxConsecutiveLosses int
	MaxPositionPct       decimal.Decimal
}

// DefaultConfig returns spec.md §4.5's defaults.
func DefaultConfig() Config {
	return Config{
		MaxDailyLossPct:      decimal.RequireFromString(DefaultMaxDailyLossPct),
		MaxConsecutiveLosses: DefaultMaxConsecutiveLosses,
		MaxPositionPct:       decimal.RequireFromString(DefaultMaxPositionPct),
	}
}

// Result is spec.md §4.5's SafetyResult.
type Result struct {
	IsSafe         bool
	BlockingReason string
	Warnings       []string
}

// TradeLog is the narrow trailing-trade-outcome view ConsecutiveLosses reads.
// Implemented by internal/bot's in-memory trade history.
type TradeLog interface {
	// TrailingOutcomes returns the most recent n trade outcomes, newest
	// first, true meaning a loss.
	TrailingOutcomes(n int) []bool
}

// PendingRegistry is the narrow duplicate-order lookup DuplicateOrder reads.
// Implemented by internal/orders.Manager.
type PendingRegistry interface {
	IsPending(symbol string, side types.OrderSide) bool
}

// Checker is the SafetyChecks pipeline, C5.
type Checker struct {
	breaker  *retry.CircuitBreaker
	market   *marketdata.MarketData
	trades   TradeLog
	pending  PendingRegistry
	config   Config
	now      func() time.Time
}

// New constructs a Checker. breaker is the process-wide circuit breaker
// shared with internal/health and internal/orders.
func New(breaker *retry.CircuitBreaker, market *marketdata.MarketData, trades TradeLog, pending PendingRegistry, config Config) *Checker {
	return NewWithClock(breaker, market, trades, pending, config, time.Now)
}

// SetTradeLog wires the trailing-outcome source after construction, for the
// common construction order where TradeLog is internal/bot.Bot itself and
// Bot is constructed after its own Checker.
func (c *Checker) SetTradeLog(trades TradeLog) {
	c.trades = trades
}

// NewWithClock is New with an injectable clock, for deterministic testing of
// the TradingHours check.
func NewWithClock(breaker *retry.CircuitBreaker, market *marketdata.MarketData, trades TradeLog, pending PendingRegistry, config Config, now func() time.Time) *Checker {
	return &Checker{
		breaker: breaker,
		market:  market,
		trades:  trades,
		pending: pending,
		config:  config,
		now:     now,
	}
}

// Order is the narrow fields SafetyChecks needs from a candidate order;
// internal/orders builds this from types.OrderRequest plus live account
// state.
type Order struct {
	Symbol         string
	Side           types.OrderSide
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	BuyingPower    decimal.Decimal
	PortfolioValue decimal.Decimal
	DailyPnL       decimal.Decimal
}

// Validate runs the ordered SafetyChecks pipeline against order, returning
// on the first blocking check. A check that trips the circuit breaker does
// so before returning.
func (c *Checker) Validate(order Order) Result {
	if c.breaker != nil && c.breaker.IsActive() {
		return blocked("circuit_breaker_active")
	}

	if c.market != nil && !c.market.WithinTradingWindow(c.now()) {
		return blocked("outside_trading_window")
	}

	orderValue := order.Quantity.Mul(order.Price)
	if orderValue.GreaterThan(order.BuyingPower) {
		return blocked("insufficient_buying_power")
	}

	if !order.PortfolioValue.IsZero() {
		lossPct := order.DailyPnL.Abs().Div(order.PortfolioValue)
		if order.DailyPnL.IsNegative() && lossPct.GreaterThan(c.config.MaxDailyLossPct) {
			if c.breaker != nil {
				c.breaker.Trip("daily_loss_limit")
			}
			return blocked("daily_loss_limit")
		}
	}

	if c.trades != nil && c.config.MaxConsecutiveLosses > 0 {
		outcomes := c.trades.TrailingOutcomes(c.config.MaxConsecutiveLosses)
		if allLosses(outcomes, c.config.MaxConsecutiveLosses) {
			if c.breaker != nil {
				c.breaker.Trip("consecutive_losses")
			}
			return blocked("consecutive_losses")
		}
	}

	if !order.PortfolioValue.IsZero() {
		maxPosition := order.PortfolioValue.Mul(c.config.MaxPositionPct)
		if orderValue.GreaterThan(maxPosition) {
			return blocked("position_size_exceeded")
		}
	}

	if c.pending != nil && c.pending.IsPending(order.Symbol, order.Side) {
		return blocked("duplicate_order")
	}

	if err := validateInput(order); err != nil {
		return blocked(err.Error())
	}

	return Result{IsSafe: true}
}

func validateInput(order Order) error {
	if !order.Quantity.IsPositive() {
		return fmt.Errorf("invalid_quantity")
	}
	if !order.Price.IsPositive() {
		return fmt.Errorf("invalid_price")
	}
	if !utils.IsValidSymbol(order.Symbol) {
		return fmt.Errorf("invalid_symbol")
	}
	if order.Side != types.OrderSideBuy && order.Side != types.OrderSideSell {
		return fmt.Errorf("invalid_side")
	}
	return nil
}

func allLosses(outcomes []bool, n int) bool {
	if len(outcomes) < n {
		return false
	}
	for _, loss := range outcomes[:n] {
		if !loss {
			return false
		}
	}
	return true
}

func blocked(reason string) Result {
	return Result{IsSafe: false, BlockingReason: reason}
}
