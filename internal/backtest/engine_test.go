package backtest_test

import (
	"testing"
	"time"

	"github.com/marcusgoll/sentinel-equity/internal/backtest"
	"github.com/marcusgoll/sentinel-equity/internal/strategy"
	"github.com/marcusgoll/sentinel-equity/pkg/types"
	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func barAt(day int, open, high, low, close float64) types.HistoricalBar {
	return types.HistoricalBar{
		Symbol:       "AAPL",
		TimestampUTC: time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC).AddDate(0, 0, day),
		Open:         d(open),
		High:         d(high),
		Low:          d(low),
		Close:        d(close),
		Volume:       d(1000),
	}
}

func defaultConfig() types.BacktestConfig {
	return types.BacktestConfig{
		Symbols:        []string{"AAPL"},
		InitialCapital: d(10000),
		Commission:     types.CommissionModel{PerTrade: d(1), PerShare: d(0)},
		BarInterval:    "1Day",
	}
}

// alwaysEnterOnce enters on the first bar it sees and never exits on its
// own; the test drives exits by checking the engine's forced end-of-run
// close instead.
type alwaysEnterOnce struct {
	entered bool
}

func (s *alwaysEnterOnce) ID() string { return "always-enter-once" }
func (s *alwaysEnterOnce) ShouldEnter(bar types.HistoricalBar) *strategy.Signal {
	if s.entered {
		return nil
	}
	s.entered = true
	return &strategy.Signal{Symbol: bar.Symbol, Side: types.OrderSideBuy, Reason: "test entry"}
}
func (s *alwaysEnterOnce) ShouldExit(types.Position, types.HistoricalBar) bool { return false }
func (s *alwaysEnterOnce) PositionSize(strategy.Signal, strategy.Portfolio) int { return 10 }

// exitOnDay exits the day its ShouldExit receives a bar at or past atDay.
type exitOnDay struct {
	entered bool
	atDay   int
}

func (s *exitOnDay) ID() string { return "exit-on-day" }
func (s *exitOnDay) ShouldEnter(bar types.HistoricalBar) *strategy.Signal {
	if s.entered {
		return nil
	}
	s.entered = true
	return &strategy.Signal{Symbol: bar.Symbol, Side: types.OrderSideBuy, Reason: "test entry"}
}
func (s *exitOnDay) ShouldExit(pos types.Position, bar types.HistoricalBar) bool {
	return !bar.TimestampUTC.Before(time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC).AddDate(0, 0, s.atDay))
}
func (s *exitOnDay) PositionSize(strategy.Signal, strategy.Portfolio) int { return 10 }

func TestRun_EntryFillsAtNextBarOpenNotSignalBarClose(t *testing.T) {
	strat := &alwaysEnterOnce{}
	eng := backtest.New(defaultConfig(), strat, nil)
	bars := []types.HistoricalBar{
		barAt(0, 100, 101, 99, 100), // signal bar: close 100
		barAt(1, 105, 106, 104, 105), // fill should happen at this bar's open: 105
		barAt(2, 106, 107, 105, 106),
	}

	result := eng.Run(bars)
	if len(result.Trades) != 1 {
		t.Fatalf("expected the forced end-of-run close to produce exactly one trade, got %d", len(result.Trades))
	}
	trade := result.Trades[0]
	if !trade.EntryPrice.Equal(d(105)) {
		t.Errorf("expected entry fill at next bar's open 105, got %s", trade.EntryPrice)
	}
	if trade.StrategyID != strat.ID() {
		t.Errorf("expected trade tagged with strategy id %q, got %q", strat.ID(), trade.StrategyID)
	}
}

func TestRun_ExitFillsAtNextBarOpenNotSignalBarClose(t *testing.T) {
	strat := &exitOnDay{atDay: 1}
	eng := backtest.New(defaultConfig(), strat, nil)
	bars := []types.HistoricalBar{
		barAt(0, 100, 101, 99, 100),
		barAt(1, 105, 106, 104, 105), // entry fills here at open 105; exit signal also fires here
		barAt(2, 110, 111, 109, 110), // exit should fill at this bar's open: 110
	}

	result := eng.Run(bars)
	if len(result.Trades) != 1 {
		t.Fatalf("expected exactly one closed trade, got %d", len(result.Trades))
	}
	trade := result.Trades[0]
	if !trade.ExitPrice.Equal(d(110)) {
		t.Errorf("expected exit fill at next bar's open 110, got %s", trade.ExitPrice)
	}
}

func TestRun_CommissionDeductedFromProceeds(t *testing.T) {
	config := defaultConfig()
	config.Commission = types.CommissionModel{PerTrade: d(5), PerShare: d(0.01)}
	strat := &exitOnDay{atDay: 1}
	eng := backtest.New(config, strat, nil)
	bars := []types.HistoricalBar{
		barAt(0, 100, 101, 99, 100),
		barAt(1, 100, 101, 99, 100),
		barAt(2, 100, 101, 99, 100),
	}

	result := eng.Run(bars)
	if len(result.Trades) != 1 {
		t.Fatalf("expected one trade, got %d", len(result.Trades))
	}
	// quantity 10 at flat price 100 both ways: gross pnl 0, minus two commissions
	// of (5 + 10*0.01) = 5.10 each = -10.20 total.
	want := d(5.10).Add(d(5.10)).Neg()
	if !result.Trades[0].PnL.Equal(want) {
		t.Errorf("expected pnl %s after commission on both legs, got %s", want, result.Trades[0].PnL)
	}
}

// neverFills always signals a buy sized far beyond available cash.
type neverFills struct {
	entered bool
}

func (s *neverFills) ID() string { return "never-fills" }
func (s *neverFills) ShouldEnter(bar types.HistoricalBar) *strategy.Signal {
	if s.entered {
		return nil
	}
	s.entered = true
	return &strategy.Signal{Symbol: bar.Symbol, Side: types.OrderSideBuy, Reason: "oversized"}
}
func (s *neverFills) ShouldExit(types.Position, types.HistoricalBar) bool { return false }
func (s *neverFills) PositionSize(strategy.Signal, strategy.Portfolio) int { return 1_000_000 }

func TestRun_InsufficientCapitalSkipsEntryAndWarnsWithoutGoingNegative(t *testing.T) {
	strat := &neverFills{}
	eng := backtest.New(defaultConfig(), strat, nil)
	bars := []types.HistoricalBar{
		barAt(0, 100, 101, 99, 100),
		barAt(1, 100, 101, 99, 100),
	}

	result := eng.Run(bars)
	if len(result.Trades) != 0 {
		t.Fatalf("expected no trades when the only signal is unaffordable, got %d", len(result.Trades))
	}
	if len(result.Warnings) == 0 {
		t.Fatalf("expected a warning for the skipped entry")
	}
	for _, point := range result.EquityCurve {
		if point.Equity.IsNegative() {
			t.Fatalf("equity went negative at %s: %s", point.Timestamp, point.Equity)
		}
	}
}

func TestRun_OpenPositionForcedClosedAtLastBarClose(t *testing.T) {
	strat := &alwaysEnterOnce{}
	eng := backtest.New(defaultConfig(), strat, nil)
	bars := []types.HistoricalBar{
		barAt(0, 100, 101, 99, 100),
		barAt(1, 100, 101, 99, 100),
		barAt(2, 108, 109, 107, 108),
	}

	result := eng.Run(bars)
	if len(result.Trades) != 1 {
		t.Fatalf("expected the still-open position to be force-closed, got %d trades", len(result.Trades))
	}
	if !result.Trades[0].ExitPrice.Equal(d(108)) {
		t.Errorf("expected forced close at last bar's close 108, got %s", result.Trades[0].ExitPrice)
	}
	found := false
	for _, w := range result.Warnings {
		if w != "" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a warning recorded for the forced close")
	}
}

func TestRun_EquityCurveMarksOpenPositionToEachBarsClose(t *testing.T) {
	strat := &alwaysEnterOnce{}
	eng := backtest.New(defaultConfig(), strat, nil)
	bars := []types.HistoricalBar{
		barAt(0, 100, 101, 99, 100),
		barAt(1, 100, 101, 99, 100),
		barAt(2, 120, 121, 119, 120),
	}

	result := eng.Run(bars)
	if len(result.EquityCurve) != 3 {
		t.Fatalf("expected one equity point per bar, got %d", len(result.EquityCurve))
	}
	// entry fills at bar1's open (100) for 10 shares plus $1 commission, leaving
	// 10000 - 1001 = 8999 cash; each bar's equity marks the open position at
	// that bar's own close.
	wantBar0 := d(8999).Add(d(10).Mul(d(100)))
	wantBar2 := d(8999).Add(d(10).Mul(d(120)))
	if !result.EquityCurve[0].Equity.Equal(wantBar0) {
		t.Errorf("bar 0 equity: want %s, got %s", wantBar0, result.EquityCurve[0].Equity)
	}
	if !result.EquityCurve[2].Equity.Equal(wantBar2) {
		t.Errorf("bar 2 equity: want %s, got %s", wantBar2, result.EquityCurve[2].Equity)
	}
}
