// Package performance implements spec.md §4.11 (C11): the offline
// PerformanceCalculator that derives PerformanceMetrics from a closed-trade
// list and an equity curve, and an online PerformanceTracker that collects
// trades and equity samples during a live or backtest run and writes
// snapshots when asked.
//
// Grounded on the teacher's internal/backtester/metrics.go MetricsCalculator
// (formulas ported near-verbatim: win rate, profit factor, Sharpe/Sortino
// annualized by sqrt(252), max drawdown, and CalculateRiskMetrics' VaR95/
// VaR99/CVaR95 historical-simulation estimates), adapted from
// *types.Trade/[]types.EquityCurvePoint pointer-slice arguments to the
// value-typed Trade/EquityCurvePoint this module's pkg/types defines.
package performance

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/marcusgoll/sentinel-equity/internal/eventlog"
	"github.com/marcusgoll/sentinel-equity/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Live gauges mirroring the most recent Tracker.Snapshot, scraped by
// internal/api's /metrics endpoint.
var (
	gaugeSharpe      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sentinel_performance_sharpe", Help: "Most recent Sharpe ratio."})
	gaugeMaxDrawdown = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sentinel_performance_max_drawdown", Help: "Most recent max drawdown fraction."})
	gaugeWinRate     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sentinel_performance_win_rate", Help: "Most recent win rate fraction."})
)

func init() {
	_ = prometheus.Register(gaugeSharpe)
	_ = prometheus.Register(gaugeMaxDrawdown)
	_ = prometheus.Register(gaugeWinRate)
}

// TradingDaysPerYear annualizes daily Sharpe/Sortino/volatility.
const TradingDaysPerYear = 252

// Calculator computes PerformanceMetrics offline from a full trade history
// and equity curve. Stateless; safe for concurrent use.
type Calculator struct{}

func NewCalculator() *Calculator { return &Calculator{} }

// Calculate mirrors the teacher's MetricsCalculator.Calculate.
func (c *Calculator) Calculate(trades []types.Trade, equityCurve []types.EquityCurvePoint, initialCapital decimal.Decimal) types.PerformanceMetrics {
	var metrics types.PerformanceMetrics
	if len(trades) == 0 || len(equityCurve) == 0 {
		return metrics
	}

	var winningTrades, losingTrades int
	var totalWins, totalLosses decimal.Decimal

	for _, trade := range trades {
		switch {
		case trade.PnL.GreaterThan(decimal.Zero):
			winningTrades++
			totalWins = totalWins.Add(trade.PnL)
		case trade.PnL.LessThan(decimal.Zero):
			losingTrades++
			totalLosses = totalLosses.Add(trade.PnL.Abs())
		}
	}

	metrics.NumTrades = len(trades)
	if metrics.NumTrades > 0 {
		metrics.WinRate = decimal.NewFromInt(int64(winningTrades)).Div(decimal.NewFromInt(int64(metrics.NumTrades)))
	}
	if winningTrades > 0 {
		metrics.AvgWin = totalWins.Div(decimal.NewFromInt(int64(winningTrades)))
	}
	if losingTrades > 0 {
		metrics.AvgLoss = totalLosses.Div(decimal.NewFromInt(int64(losingTrades)))
	}
	if !totalLosses.IsZero() {
		metrics.ProfitFactor = totalWins.Div(totalLosses)
	}

	if !initialCapital.IsZero() {
		finalEquity := equityCurve[len(equityCurve)-1].Equity
		metrics.TotalReturn = finalEquity.Sub(initialCapital).Div(initialCapital)
	}

	returns := dailyReturns(equityCurve)

	if len(returns) > 0 {
		metrics.AnnualizedReturn = decimal.NewFromFloat(mean(returns) * TradingDaysPerYear)
		years := equityCurve[len(equityCurve)-1].Timestamp.Sub(equityCurve[0].Timestamp).Hours() / (24 * 365)
		if years > 0 && metrics.TotalReturn.GreaterThan(decimal.NewFromInt(-1)) {
			growth, _ := metrics.TotalReturn.Add(decimal.NewFromInt(1)).Float64()
			if growth > 0 {
				metrics.CAGR = decimal.NewFromFloat(math.Pow(growth, 1/years) - 1)
			}
		}
	}

	if len(returns) > 1 {
		avg, sd := mean(returns), stdDev(returns)
		if sd > 0 {
			metrics.Sharpe = decimal.NewFromFloat((avg / sd) * math.Sqrt(TradingDaysPerYear))
		}
		if dd := downsideDeviation(returns); dd > 0 {
			metrics.Sortino = decimal.NewFromFloat((avg / dd) * math.Sqrt(TradingDaysPerYear))
		}
	}

	maxDD, ddDuration := maxDrawdown(equityCurve)
	metrics.MaxDrawdown = maxDD
	metrics.DrawdownDuration = ddDuration

	if len(returns) > 0 {
		v95, v99, cvar95 := valueAtRisk(returns)
		metrics.VaR95, metrics.VaR99, metrics.CVaR95 = v95, v99, cvar95
	}

	return metrics
}

func dailyReturns(curve []types.EquityCurvePoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev.IsZero() {
			continue
		}
		ret := curve[i].Equity.Sub(prev).Div(prev)
		f, _ := ret.Float64()
		returns = append(returns, f)
	}
	return returns
}

func maxDrawdown(curve []types.EquityCurvePoint) (decimal.Decimal, time.Duration) {
	if len(curve) == 0 {
		return decimal.Zero, 0
	}
	var maxDD decimal.Decimal
	var longestDuration time.Duration
	peak := curve[0].Equity
	peakAt := curve[0].Timestamp

	for _, point := range curve {
		if point.Equity.GreaterThan(peak) {
			peak = point.Equity
			peakAt = point.Timestamp
		}
		if peak.IsZero() {
			continue
		}
		if dd := peak.Sub(point.Equity).Div(peak); dd.GreaterThan(maxDD) {
			maxDD = dd
		}
		if duration := point.Timestamp.Sub(peakAt); duration > longestDuration {
			longestDuration = duration
		}
	}
	return maxDD, longestDuration
}

func valueAtRisk(returns []float64) (var95, var99, cvar95 decimal.Decimal) {
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	idx95 := int(float64(len(sorted)) * 0.05)
	if idx95 >= 0 && idx95 < len(sorted) {
		var95 = decimal.NewFromFloat(-sorted[idx95])
	}
	idx99 := int(float64(len(sorted)) * 0.01)
	if idx99 >= 0 && idx99 < len(sorted) {
		var99 = decimal.NewFromFloat(-sorted[idx99])
	}
	if idx95 > 0 {
		var sum float64
		for i := 0; i < idx95; i++ {
			sum += sorted[i]
		}
		cvar95 = decimal.NewFromFloat(-sum / float64(idx95))
	}
	return
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - m
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

func downsideDeviation(returns []float64) float64 {
	var negatives []float64
	for _, r := range returns {
		if r < 0 {
			negatives = append(negatives, r)
		}
	}
	return stdDev(negatives)
}

// Targets bounds the alert thresholds Tracker checks after every snapshot.
type Targets struct {
	MinSharpe      decimal.Decimal
	MaxDrawdown    decimal.Decimal
	MinWinRate     decimal.Decimal
}

// DefaultTargets are conservative enough to rarely fire in a healthy run.
func DefaultTargets() Targets {
	return Targets{
		MinSharpe:   decimal.NewFromFloat(0.5),
		MaxDrawdown: decimal.NewFromFloat(0.2),
		MinWinRate:  decimal.NewFromFloat(0.3),
	}
}

// Tracker is the online PerformanceTracker: it accumulates trades and
// equity samples as a run progresses. Snapshot recomputes one summary over
// the full history (no daily, weekly or monthly windows are kept), Persist
// writes it only when called, and performance_alert events are emitted on
// target breach.
type Tracker struct {
	calc           *Calculator
	log            *eventlog.Logger
	outputDir      string
	initialCapital decimal.Decimal
	targets        Targets

	mu     sync.Mutex
	trades []types.Trade
	curve  []types.EquityCurvePoint
}

func NewTracker(outputDir string, initialCapital decimal.Decimal, targets Targets, log *eventlog.Logger) *Tracker {
	return &Tracker{
		calc:           NewCalculator(),
		log:            log,
		outputDir:      outputDir,
		initialCapital: initialCapital,
		targets:        targets,
	}
}

// RecordTrade appends a closed trade to the tracked history.
func (t *Tracker) RecordTrade(trade types.Trade) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trades = append(t.trades, trade)
}

// RecordEquity appends one equity-curve sample.
func (t *Tracker) RecordEquity(point types.EquityCurvePoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.curve = append(t.curve, point)
}

// Snapshot recomputes the current metrics, checks target breaches, and
// returns the result without persisting it.
func (t *Tracker) Snapshot() types.PerformanceMetrics {
	t.mu.Lock()
	trades := append([]types.Trade(nil), t.trades...)
	curve := append([]types.EquityCurvePoint(nil), t.curve...)
	t.mu.Unlock()

	metrics := t.calc.Calculate(trades, curve, t.initialCapital)
	t.checkTargets(metrics)

	sharpe, _ := metrics.Sharpe.Float64()
	drawdown, _ := metrics.MaxDrawdown.Float64()
	winRate, _ := metrics.WinRate.Float64()
	gaugeSharpe.Set(sharpe)
	gaugeMaxDrawdown.Set(drawdown)
	gaugeWinRate.Set(winRate)

	return metrics
}

func (t *Tracker) checkTargets(m types.PerformanceMetrics) {
	if t.log == nil {
		return
	}
	if m.NumTrades == 0 {
		return
	}
	if m.Sharpe.LessThan(t.targets.MinSharpe) {
		t.alert("sharpe_below_target", m)
	}
	if m.MaxDrawdown.GreaterThan(t.targets.MaxDrawdown) {
		t.alert("drawdown_exceeds_target", m)
	}
	if m.WinRate.LessThan(t.targets.MinWinRate) {
		t.alert("win_rate_below_target", m)
	}
}

func (t *Tracker) alert(reason string, m types.PerformanceMetrics) {
	t.log.Write(eventlog.StreamPerformanceAlerts, "performance_alert", eventlog.NewCorrelationID(), map[string]any{
		"reason":      reason,
		"sharpe":      m.Sharpe.String(),
		"max_drawdown": m.MaxDrawdown.String(),
		"win_rate":    m.WinRate.String(),
	})
}

// Persist writes the current snapshot as both JSON and a short Markdown
// summary under outputDir, named by label (e.g. "2026-07-30" for a daily
// rollup or "2026-W31" for weekly).
func (t *Tracker) Persist(label string) error {
	metrics := t.Snapshot()

	if err := os.MkdirAll(t.outputDir, 0o755); err != nil {
		return fmt.Errorf("performance: creating output dir: %w", err)
	}

	jsonPath := filepath.Join(t.outputDir, label+".json")
	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return fmt.Errorf("performance: marshaling metrics: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return fmt.Errorf("performance: writing %s: %w", jsonPath, err)
	}

	mdPath := filepath.Join(t.outputDir, label+".md")
	md := fmt.Sprintf("# Performance summary: %s\n\n"+
		"| Metric | Value |\n|---|---|\n"+
		"| Total return | %s |\n| Sharpe | %s |\n| Sortino | %s |\n"+
		"| Max drawdown | %s |\n| Win rate | %s |\n| Profit factor | %s |\n"+
		"| Trades | %d |\n",
		label, metrics.TotalReturn, metrics.Sharpe, metrics.Sortino,
		metrics.MaxDrawdown, metrics.WinRate, metrics.ProfitFactor, metrics.NumTrades)
	return os.WriteFile(mdPath, []byte(md), 0o644)
}
