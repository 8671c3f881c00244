// Package backtest implements spec.md §4.9 (C9) and §4.10 (C10): a
// deterministic, chronological, look-ahead-free bar-iteration engine that
// fills at the next bar's open, and a StrategyOrchestrator that runs N
// strategies over the same bars with per-strategy capital allocation.
//
// Grounded on the teacher's internal/backtester/portfolio.go (cash/position
// bookkeeping, weighted-average entry price, peak-equity tracking) kept
// nearly as-is and adapted to this module's pkg/types.Position/Trade shapes,
// with the teacher's priority-queue event-loop engine (deleted; see
// DESIGN.md) replaced by direct chronological bar iteration per spec.md
// §4.9's determinism guarantee, and the teacher's
// internal/orchestrator/orchestrator.go capital-allocation bookkeeping
// fields grounding StrategyAllocation, trimmed of its HMM/Monte Carlo scope.
package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/marcusgoll/sentinel-equity/internal/eventlog"
	"github.com/marcusgoll/sentinel-equity/internal/performance"
	"github.com/marcusgoll/sentinel-equity/internal/strategy"
	"github.com/marcusgoll/sentinel-equity/pkg/types"
	"github.com/shopspring/decimal"
)

// HistoricalSource is the narrow bar-access surface Orchestrator reads
// through to assemble the shared bar series. Implemented by
// internal/marketdata.MarketData.
type HistoricalSource interface {
	GetHistorical(ctx context.Context, symbol, interval string, start, end time.Time, skipGaps bool) ([]types.HistoricalBar, []string, error)
}

// Engine is BacktestEngine, C9. One Engine instance runs one symbol's bars
// against one strategy; StrategyOrchestrator drives N Engines (or N
// strategies sharing one Engine's bars, see Orchestrator) to cover the
// multi-strategy case.
type Engine struct {
	config   types.BacktestConfig
	strat    strategy.Strategy
	log      *eventlog.Logger
	calc     *performance.Calculator

	cash       decimal.Decimal
	position   *openPosition
	equity     []types.EquityCurvePoint
	trades     []types.Trade
	warnings   []string
}

type openPosition struct {
	symbol        string
	side          types.OrderSide
	quantity      decimal.Decimal
	avgEntryPrice decimal.Decimal
	entryTime     time.Time
}

// New constructs an Engine with config.InitialCapital in cash and no open
// position. log may be nil (warnings are then only returned in the result's
// Warnings, never emitted as backtest.warning events).
func New(config types.BacktestConfig, strat strategy.Strategy, log *eventlog.Logger) *Engine {
	return &Engine{
		config: config,
		strat:  strat,
		log:    log,
		calc:   performance.NewCalculator(),
		cash:   config.InitialCapital,
	}
}

// Run executes the deterministic bar-iteration loop over bars, which must
// already be sorted chronologically (internal/marketdata.HistoricalStore
// guarantees this). Exits are evaluated, then entries, each bar; both fill
// at the *next* bar's open, never the bar that produced the signal, per
// spec.md §4.9's no-look-ahead rule.
func (e *Engine) Run(bars []types.HistoricalBar) types.BacktestResult {
	for i, bar := range bars {
		next, hasNext := nextBar(bars, i)

		if e.position != nil && e.strat.ShouldExit(e.position.toTypesPosition(), bar) {
			e.fillExit(bar, next, hasNext)
		}

		if e.position == nil {
			if signal := e.strat.ShouldEnter(bar); signal != nil {
				e.fillEntry(*signal, bar, next, hasNext)
			}
		}

		e.snapshotEquity(bar)
	}

	if e.position != nil {
		last := bars[len(bars)-1]
		e.closePositionAt(last.Close, last.TimestampUTC, "end-of-run close: no exit signal before last bar")
	}

	metrics := e.calc.Calculate(e.trades, e.equity, e.config.InitialCapital)
	return types.BacktestResult{
		Config:      e.config,
		Trades:      e.trades,
		EquityCurve: e.equity,
		Metrics:     metrics,
		Warnings:    e.warnings,
	}
}

func nextBar(bars []types.HistoricalBar, i int) (types.HistoricalBar, bool) {
	if i+1 < len(bars) {
		return bars[i+1], true
	}
	return types.HistoricalBar{}, false
}

func (e *Engine) fillExit(bar, next types.HistoricalBar, hasNext bool) {
	fillPrice := bar.Close
	if hasNext {
		fillPrice = next.Open
	} else {
		e.warn(fmt.Sprintf("%s: exit at last bar, filled at close %s instead of next-bar open", e.position.symbol, bar.Close))
	}
	e.closePositionAt(fillPrice, bar.TimestampUTC, "")
}

// closePositionAt settles the open position's round trip. A long entry
// (side Buy) paid cash plus commission to open and receives cash minus
// commission to close; a short entry (side Sell) received cash minus
// commission to open and pays cash plus commission to close (buy-to-cover).
// PnL reflects both legs' commission, matching the net cash movement
// exactly.
func (e *Engine) closePositionAt(fillPrice decimal.Decimal, at time.Time, warning string) {
	if warning != "" {
		e.warn(warning)
	}
	pos := e.position
	exitCommission := e.commission(pos.quantity)
	entryCommission := e.commission(pos.quantity)

	var pnl decimal.Decimal
	if pos.side == types.OrderSideSell {
		exitCost := pos.quantity.Mul(fillPrice).Add(exitCommission)
		entryProceeds := pos.quantity.Mul(pos.avgEntryPrice).Sub(entryCommission)
		pnl = entryProceeds.Sub(exitCost)
		e.cash = e.cash.Sub(exitCost)
	} else {
		exitProceeds := pos.quantity.Mul(fillPrice).Sub(exitCommission)
		entryCost := pos.quantity.Mul(pos.avgEntryPrice).Add(entryCommission)
		pnl = exitProceeds.Sub(entryCost)
		e.cash = e.cash.Add(exitProceeds)
	}

	basis := pos.quantity.Mul(pos.avgEntryPrice)
	var pnlPct decimal.Decimal
	if !basis.IsZero() {
		pnlPct = pnl.Div(basis)
	}

	e.trades = append(e.trades, types.Trade{
		Symbol:     pos.symbol,
		StrategyID: e.strat.ID(),
		EntryTime:  pos.entryTime,
		ExitTime:   at,
		EntryPrice: pos.avgEntryPrice,
		ExitPrice:  fillPrice,
		Quantity:   pos.quantity,
		Side:       pos.side,
		PnL:        pnl,
		PnLPct:     pnlPct,
	})
	e.position = nil
}

// fillEntry opens a position. A Buy entry spends cash (plus commission) and
// is capital-gated; a Sell (short) entry receives cash (minus commission)
// and is not capital-gated, since opening a short needs no upfront cash.
// filled reports whether a position was actually opened, so callers (e.g.
// the orchestrator) can report a capital-limit rejection.
func (e *Engine) fillEntry(signal strategy.Signal, bar, next types.HistoricalBar, hasNext bool) (filled bool) {
	fillPrice := bar.Close
	if hasNext {
		fillPrice = next.Open
	} else {
		return false // no next bar to fill at; skip rather than fill at the final close
	}

	quantity := e.sizeEntry(signal, fillPrice)
	if !quantity.IsPositive() {
		return false
	}

	commission := e.commission(quantity)
	if signal.Side == types.OrderSideSell {
		e.cash = e.cash.Add(quantity.Mul(fillPrice).Sub(commission))
	} else {
		cost := quantity.Mul(fillPrice).Add(commission)
		if cost.GreaterThan(e.cash) {
			e.warn(fmt.Sprintf("%s: entry skipped, insufficient capital (needs %s, have %s)", signal.Symbol, cost, e.cash))
			return false
		}
		e.cash = e.cash.Sub(cost)
	}

	e.position = &openPosition{
		symbol:        signal.Symbol,
		side:          signal.Side,
		quantity:      quantity,
		avgEntryPrice: fillPrice,
		entryTime:     bar.TimestampUTC,
	}
	return true
}

// sizeEntry defers to the strategy's PositionSize, falling back to a whole
// share count affordable with all remaining cash.
func (e *Engine) sizeEntry(signal strategy.Signal, price decimal.Decimal) decimal.Decimal {
	portfolio := strategy.Portfolio{Cash: e.cash, TotalEquity: e.cash}
	if qty := e.strat.PositionSize(signal, portfolio); qty > 0 {
		return decimal.NewFromInt(int64(qty))
	}
	if price.IsZero() {
		return decimal.Zero
	}
	return e.cash.Div(price).Floor()
}

func (e *Engine) commission(quantity decimal.Decimal) decimal.Decimal {
	return e.config.Commission.PerTrade.Add(quantity.Mul(e.config.Commission.PerShare))
}

// snapshotEquity marks the open position to bar.Close. A long position adds
// market value (cash already paid it away); a short position subtracts it
// (cash already received the sale proceeds, so the share liability is owed
// back out of that cash).
func (e *Engine) snapshotEquity(bar types.HistoricalBar) {
	equity := e.cash
	if e.position != nil && e.position.symbol == bar.Symbol {
		marketValue := e.position.quantity.Mul(bar.Close)
		if e.position.side == types.OrderSideSell {
			equity = equity.Sub(marketValue)
		} else {
			equity = equity.Add(marketValue)
		}
	}
	e.equity = append(e.equity, types.EquityCurvePoint{Timestamp: bar.TimestampUTC, Equity: equity})
}

func (e *Engine) warn(msg string) {
	e.warnings = append(e.warnings, msg)
	if e.log != nil {
		e.log.Write(eventlog.StreamTrades, "backtest.warning", eventlog.NewCorrelationID(), map[string]any{"message": msg})
	}
}

func (p *openPosition) toTypesPosition() types.Position {
	qty := p.quantity
	if p.side == types.OrderSideSell {
		qty = qty.Neg()
	}
	return types.Position{
		Symbol:        p.symbol,
		Quantity:      qty,
		AvgEntryPrice: p.avgEntryPrice,
	}
}
