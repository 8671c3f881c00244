// Package strategy defines spec.md §4.9's Strategy contract — pure
// functions of the current bar and the strategy's own state, never seeing
// future data — and a worked momentum implementation of it. Both
// internal/bot (live) and internal/backtest (C9/C10) drive strategies
// through this contract.
//
// Grounded on the teacher's internal/strategy/strategy.go MomentumStrategy
// (period/threshold lookback-momentum signal), adapted from the teacher's
// OnBar/OnTick streaming interface to spec.md's should_enter/should_exit/
// position_size contract.
package strategy

import (
	"github.com/marcusgoll/sentinel-equity/pkg/types"
	"github.com/shopspring/decimal"
)

// Signal is a strategy's entry recommendation for one bar.
type Signal struct {
	Symbol string
	Side   types.OrderSide
	Reason string
}

// Portfolio is the narrow account-state view position_size reads. Both the
// live cache (internal/cache) and the backtest portfolio implement it.
type Portfolio struct {
	Cash          decimal.Decimal
	TotalEquity   decimal.Decimal
	OpenPositions map[string]types.Position
}

// Strategy is spec.md §4.9's contract: should_enter / should_exit /
// position_size. State is owned by the implementation; bars are fed one at
// a time in chronological order with no look-ahead.
type Strategy interface {
	ID() string
	// ShouldEnter evaluates the latest bar and the strategy's internal
	// state, returning a Signal if an entry is warranted.
	ShouldEnter(bar types.HistoricalBar) *Signal
	// ShouldExit evaluates whether an open position should be closed given
	// the latest bar.
	ShouldExit(position types.Position, bar types.HistoricalBar) bool
	// PositionSize computes the order quantity for an entry signal, given
	// the current portfolio. Optional: strategies that do not override
	// sizing return 0, and the caller applies a default sizing rule.
	PositionSize(signal Signal, portfolio Portfolio) int
}

// MomentumConfig parameterizes Momentum.
type MomentumConfig struct {
	LookbackBars int
	Threshold    decimal.Decimal
}

// DefaultMomentumConfig mirrors the teacher's 14-bar/2% defaults.
func DefaultMomentumConfig() MomentumConfig {
	return MomentumConfig{LookbackBars: 14, Threshold: decimal.NewFromFloat(0.02)}
}

// Momentum enters long when the close has risen more than Threshold over
// LookbackBars, short when it has fallen by the same magnitude, and exits
// when the position's unrealized move reverses past the threshold.
type Momentum struct {
	id     string
	config MomentumConfig
	bars   []types.HistoricalBar
}

func NewMomentum(id string, config MomentumConfig) *Momentum {
	return &Momentum{id: id, config: config}
}

func (m *Momentum) ID() string { return m.id }

func (m *Momentum) ShouldEnter(bar types.HistoricalBar) *Signal {
	m.bars = append(m.bars, bar)
	if len(m.bars) <= m.config.LookbackBars {
		return nil
	}
	// Keep only what's needed for the next lookback window.
	if excess := len(m.bars) - (m.config.LookbackBars + 1); excess > 0 {
		m.bars = m.bars[excess:]
	}

	current := m.bars[len(m.bars)-1].Close
	past := m.bars[0].Close
	if past.IsZero() {
		return nil
	}

	momentum := current.Sub(past).Div(past)
	switch {
	case momentum.GreaterThan(m.config.Threshold):
		return &Signal{Symbol: bar.Symbol, Side: types.OrderSideBuy, Reason: "positive momentum"}
	case momentum.LessThan(m.config.Threshold.Neg()):
		return &Signal{Symbol: bar.Symbol, Side: types.OrderSideSell, Reason: "negative momentum"}
	default:
		return nil
	}
}

func (m *Momentum) ShouldExit(position types.Position, bar types.HistoricalBar) bool {
	if position.AvgEntryPrice.IsZero() {
		return false
	}
	move := bar.Close.Sub(position.AvgEntryPrice).Div(position.AvgEntryPrice)
	if position.Quantity.IsPositive() {
		return move.LessThan(m.config.Threshold.Neg())
	}
	return move.GreaterThan(m.config.Threshold)
}

// PositionSize defers to the caller's default sizing rule.
func (m *Momentum) PositionSize(signal Signal, portfolio Portfolio) int {
	return 0
}
