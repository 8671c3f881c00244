package performance_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcusgoll/sentinel-equity/internal/performance"
	"github.com/marcusgoll/sentinel-equity/pkg/types"
	"github.com/shopspring/decimal"
)

func curve(start time.Time, equities ...float64) []types.EquityCurvePoint {
	out := make([]types.EquityCurvePoint, len(equities))
	for i, e := range equities {
		out[i] = types.EquityCurvePoint{Timestamp: start.AddDate(0, 0, i), Equity: decimal.NewFromFloat(e)}
	}
	return out
}

func trade(pnl float64) types.Trade {
	return types.Trade{PnL: decimal.NewFromFloat(pnl)}
}

func TestCalculate_EmptyInputsReturnZeroMetrics(t *testing.T) {
	calc := performance.NewCalculator()
	m := calc.Calculate(nil, nil, decimal.NewFromInt(10000))
	if m.NumTrades != 0 || !m.Sharpe.IsZero() {
		t.Fatalf("expected zero metrics for empty input, got %+v", m)
	}
}

func TestCalculate_WinRateAndProfitFactor(t *testing.T) {
	calc := performance.NewCalculator()
	trades := []types.Trade{trade(100), trade(-50), trade(200), trade(-25)}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := curve(start, 10000, 10100, 10050, 10250, 10225)

	m := calc.Calculate(trades, c, decimal.NewFromInt(10000))
	if !m.WinRate.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("expected win rate 0.5, got %s", m.WinRate)
	}
	wantPF := decimal.NewFromInt(300).Div(decimal.NewFromInt(75))
	if !m.ProfitFactor.Equal(wantPF) {
		t.Errorf("expected profit factor %s, got %s", wantPF, m.ProfitFactor)
	}
	if m.NumTrades != 4 {
		t.Errorf("expected 4 trades, got %d", m.NumTrades)
	}
}

func TestCalculate_MaxDrawdownDetectsPeakToTrough(t *testing.T) {
	calc := performance.NewCalculator()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := curve(start, 10000, 12000, 9000, 9500, 11000)
	m := calc.Calculate([]types.Trade{trade(1)}, c, decimal.NewFromInt(10000))

	want := decimal.NewFromInt(3000).Div(decimal.NewFromInt(12000))
	if !m.MaxDrawdown.Equal(want) {
		t.Errorf("expected max drawdown %s, got %s", want, m.MaxDrawdown)
	}
}

func TestTracker_SnapshotAndPersistWritesJSONAndMarkdown(t *testing.T) {
	dir := t.TempDir()
	tracker := performance.NewTracker(dir, decimal.NewFromInt(10000), performance.DefaultTargets(), nil)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker.RecordEquity(types.EquityCurvePoint{Timestamp: start, Equity: decimal.NewFromInt(10000)})
	tracker.RecordEquity(types.EquityCurvePoint{Timestamp: start.AddDate(0, 0, 1), Equity: decimal.NewFromInt(10500)})
	tracker.RecordTrade(trade(500))

	if err := tracker.Persist("2026-01-02"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "2026-01-02.json")); err != nil {
		t.Errorf("expected JSON snapshot to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "2026-01-02.md")); err != nil {
		t.Errorf("expected Markdown summary to exist: %v", err)
	}
}
