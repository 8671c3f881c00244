package safety

import (
	"github.com/shopspring/decimal"
)

// RiskSizingConfig is spec.md §6's risk_management.* block: the formula a
// strategy's PositionSize can defer to instead of a fixed DefaultQuantity.
type RiskSizingConfig struct {
	AccountRiskPct     decimal.Decimal // fraction of portfolio risked per trade
	MinRiskRewardRatio decimal.Decimal // reject sizing if reward/risk falls below this
	DefaultStopPct     decimal.Decimal // stop distance from entry, as a fraction
	TrailingEnabled    bool            // loaded from config only; no component reads it, and v1 submits limit orders only
}

// DefaultRiskSizingConfig matches spec.md §6's defaults: 1.0, 2.0, 2.0, true.
func DefaultRiskSizingConfig() RiskSizingConfig {
	return RiskSizingConfig{
		AccountRiskPct:     decimal.NewFromFloat(0.01),
		MinRiskRewardRatio: decimal.NewFromFloat(2.0),
		DefaultStopPct:     decimal.NewFromFloat(0.02),
		TrailingEnabled:    true,
	}
}

// RiskSizer computes position size from account_risk_pct/default_stop_pct
// rather than a strategy-supplied fixed quantity.
//
// Grounded on the teacher's internal/execution/risk_manager.go
// CalculatePositionSize (risk amount / stop distance, clamped by the
// portfolio's max position size), generalized here to also gate on
// min_risk_reward_ratio when a target price is known.
type RiskSizer struct {
	config       RiskSizingConfig
	maxPositionPct decimal.Decimal
}

func NewRiskSizer(config RiskSizingConfig, maxPositionPct decimal.Decimal) *RiskSizer {
	return &RiskSizer{config: config, maxPositionPct: maxPositionPct}
}

// Size returns the whole-share quantity risk-sized off entryPrice, using
// config.DefaultStopPct as the stop distance, clamped so the resulting
// notional never exceeds maxPositionPct of portfolioValue. Returns 0 if
// entryPrice or portfolioValue is non-positive.
func (s *RiskSizer) Size(portfolioValue, entryPrice decimal.Decimal) int {
	if !entryPrice.IsPositive() || !portfolioValue.IsPositive() {
		return 0
	}

	stopDistance := entryPrice.Mul(s.config.DefaultStopPct)
	if !stopDistance.IsPositive() {
		return 0
	}

	riskAmount := portfolioValue.Mul(s.config.AccountRiskPct)
	quantity := riskAmount.Div(stopDistance)

	maxQuantity := portfolioValue.Mul(s.maxPositionPct).Div(entryPrice)
	if quantity.GreaterThan(maxQuantity) {
		quantity = maxQuantity
	}

	whole := quantity.Floor()
	if !whole.IsPositive() {
		return 0
	}
	return int(whole.IntPart())
}

// MeetsMinRiskReward reports whether |target - entry| / |entry - stop| is at
// least config.MinRiskRewardRatio. Both distances are absolute, so the same
// call serves longs and shorts; which side of entry the target and stop lie
// on is not checked. A zero stop distance never clears the bar.
func (s *RiskSizer) MeetsMinRiskReward(entry, stop, target decimal.Decimal) bool {
	risk := entry.Sub(stop).Abs()
	if !risk.IsPositive() {
		return false
	}
	reward := target.Sub(entry).Abs()
	return reward.Div(risk).GreaterThanOrEqual(s.config.MinRiskRewardRatio)
}
