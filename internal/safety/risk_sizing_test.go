package safety_test

import (
	"testing"

	"github.com/marcusgoll/sentinel-equity/internal/safety"
	"github.com/shopspring/decimal"
)

func TestRiskSizer_Size_DerivesQuantityFromStopDistance(t *testing.T) {
	config := safety.RiskSizingConfig{
		AccountRiskPct: decimal.NewFromFloat(0.01),
		DefaultStopPct: decimal.NewFromFloat(0.02),
	}
	sizer := safety.NewRiskSizer(config, decimal.NewFromFloat(1.0))

	// $100,000 portfolio, $50 entry, 2% stop -> $1 stop distance.
	// Risk budget = $1,000; quantity = 1,000 / 1 = 1,000 shares.
	quantity := sizer.Size(decimal.NewFromInt(100000), decimal.NewFromInt(50))
	if quantity != 1000 {
		t.Errorf("Size() = %d, want 1000", quantity)
	}
}

func TestRiskSizer_Size_ClampsToMaxPositionPct(t *testing.T) {
	config := safety.RiskSizingConfig{
		AccountRiskPct: decimal.NewFromFloat(0.5), // deliberately oversized risk budget
		DefaultStopPct: decimal.NewFromFloat(0.02),
	}
	sizer := safety.NewRiskSizer(config, decimal.NewFromFloat(0.05))

	// max notional = 5% of $100,000 = $5,000 at $50/share = 100 shares,
	// far below the unclamped risk-based quantity.
	quantity := sizer.Size(decimal.NewFromInt(100000), decimal.NewFromInt(50))
	if quantity != 100 {
		t.Errorf("Size() = %d, want 100 (clamped by max position pct)", quantity)
	}
}

func TestRiskSizer_Size_ReturnsZeroForNonPositiveInputs(t *testing.T) {
	sizer := safety.NewRiskSizer(safety.DefaultRiskSizingConfig(), decimal.NewFromFloat(0.05))

	if got := sizer.Size(decimal.Zero, decimal.NewFromInt(50)); got != 0 {
		t.Errorf("Size() with zero portfolio = %d, want 0", got)
	}
	if got := sizer.Size(decimal.NewFromInt(100000), decimal.Zero); got != 0 {
		t.Errorf("Size() with zero entry price = %d, want 0", got)
	}
}

func TestRiskSizer_MeetsMinRiskReward(t *testing.T) {
	config := safety.RiskSizingConfig{MinRiskRewardRatio: decimal.NewFromFloat(2.0)}
	sizer := safety.NewRiskSizer(config, decimal.NewFromFloat(0.05))

	tests := []struct {
		name           string
		entry, stop, target decimal.Decimal
		want           bool
	}{
		{"exactly at ratio", decimal.NewFromInt(100), decimal.NewFromInt(98), decimal.NewFromInt(104), true},
		{"below ratio", decimal.NewFromInt(100), decimal.NewFromInt(98), decimal.NewFromInt(103), false},
		{"zero stop distance", decimal.NewFromInt(100), decimal.NewFromInt(100), decimal.NewFromInt(110), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sizer.MeetsMinRiskReward(tt.entry, tt.stop, tt.target); got != tt.want {
				t.Errorf("MeetsMinRiskReward(%s, %s, %s) = %v, want %v", tt.entry, tt.stop, tt.target, got, tt.want)
			}
		})
	}
}
