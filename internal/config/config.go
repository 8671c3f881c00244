// Package config loads spec.md §6's configuration table through a layered
// viper source: built-in defaults, then an optional config.yaml/config.json
// in the working directory, then SE_-prefixed environment variables
// (highest precedence), exactly the override order the teacher's go.mod
// declares spf13/viper for but never wires up.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/marcusgoll/sentinel-equity/internal/orders"
	"github.com/marcusgoll/sentinel-equity/internal/safety"
	"github.com/marcusgoll/sentinel-equity/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// DefaultStopPctMin / Max bound risk_management.default_stop_pct per
// spec.md §9's "observed ambiguities": 2% is the fallback default, clamped
// into [0.7%, 10%] rather than treated as a separate unbounded value.
const (
	DefaultStopPctMin = 0.007
	DefaultStopPctMax = 0.10
)

// OrderManagementConfig is spec.md §6's order_management.* block.
type OrderManagementConfig struct {
	OffsetMode         types.OffsetMode
	BuyOffset          decimal.Decimal
	SellOffset         decimal.Decimal
	MaxSlippagePct     decimal.Decimal
	PollIntervalS      int
	StrategyOverrides  map[string]types.OffsetConfig
}

// AccountCacheConfig is spec.md §6's account_cache.* block.
type AccountCacheConfig struct {
	VolatileTTLS int
	StableTTLS   int
}

// AppConfig is the fully resolved, validated configuration for one bot
// process: every key in spec.md §6's table, plus the resolved
// risk_management sizing block (internal/safety.RiskSizingConfig, reused
// directly rather than duplicated).
type AppConfig struct {
	PaperTrading bool

	TradingWindowStartHourET int
	TradingWindowEndHourET   int
	TradingTimezone          string

	MaxDailyLossPct       decimal.Decimal
	MaxPositionPct        decimal.Decimal
	ConsecutiveLossLimit  int

	RateLimitRetries      int
	RateLimitBackoffBase  float64

	QuoteStalenessThresholdS int

	OrderManagement OrderManagementConfig
	HealthCheckIntervalS int
	AccountCache    AccountCacheConfig
	RiskManagement  safety.RiskSizingConfig

	// BaseDir roots state/ and logs/ and .backtest_cache/, per spec.md §6's
	// persistent state layout. Not itself a spec.md §6 key; mirrors the
	// teacher's cmd/server -data flag.
	BaseDir string
}

// Load resolves configPath (a config.yaml/config.json; pass "" to skip
// file loading) against spec.md §6's defaults, then overlays SE_-prefixed
// environment variables via viper's dot-notation nested key support.
func Load(configPath string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// With SetConfigFile, a missing file surfaces as an fs error
			// rather than viper.ConfigFileNotFoundError.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
			}
		}
	}

	return resolve(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paper_trading", true)
	v.SetDefault("trading_window_start_hour_et", 7)
	v.SetDefault("trading_window_end_hour_et", 10)
	v.SetDefault("trading_timezone", "America/New_York")
	v.SetDefault("max_daily_loss_pct", 3.0)
	v.SetDefault("max_position_pct", 5.0)
	v.SetDefault("consecutive_loss_limit", 3)
	v.SetDefault("rate_limit_retries", 3)
	v.SetDefault("rate_limit_backoff_base", 1.0)
	v.SetDefault("quote_staleness_threshold_s", 300)

	v.SetDefault("order_management.offset_mode", "bps")
	v.SetDefault("order_management.buy_offset", 0.001)
	v.SetDefault("order_management.sell_offset", 0.001)
	v.SetDefault("order_management.max_slippage_pct", 2.0)
	v.SetDefault("order_management.poll_interval_s", 15)

	v.SetDefault("health_check_interval_s", 300)

	v.SetDefault("account_cache.volatile_ttl_s", 60)
	v.SetDefault("account_cache.stable_ttl_s", 300)

	v.SetDefault("risk_management.account_risk_pct", 1.0)
	v.SetDefault("risk_management.min_risk_reward_ratio", 2.0)
	v.SetDefault("risk_management.default_stop_pct", 2.0)
	v.SetDefault("risk_management.trailing_enabled", true)

	v.SetDefault("base_dir", ".")
}

func resolve(v *viper.Viper) (*AppConfig, error) {
	stopPct := v.GetFloat64("risk_management.default_stop_pct") / 100
	if stopPct < DefaultStopPctMin || stopPct > DefaultStopPctMax {
		stopPct = 0.02
	}

	offsetMode := types.OffsetModeBps
	if v.GetString("order_management.offset_mode") == string(types.OffsetModeAbsolute) {
		offsetMode = types.OffsetModeAbsolute
	}

	overrides := make(map[string]types.OffsetConfig)
	raw := v.GetStringMap("order_management.strategy_overrides")
	for strategyID, value := range raw {
		entry, ok := value.(map[string]any)
		if !ok {
			continue
		}
		overrides[strategyID] = types.OffsetConfig{
			Mode:       offsetMode,
			BuyOffset:  decimalFrom(entry["buy_offset"]),
			SellOffset: decimalFrom(entry["sell_offset"]),
		}
	}

	cfg := &AppConfig{
		PaperTrading:             v.GetBool("paper_trading"),
		TradingWindowStartHourET: v.GetInt("trading_window_start_hour_et"),
		TradingWindowEndHourET:   v.GetInt("trading_window_end_hour_et"),
		TradingTimezone:          v.GetString("trading_timezone"),
		MaxDailyLossPct:          decimal.NewFromFloat(v.GetFloat64("max_daily_loss_pct") / 100),
		MaxPositionPct:           decimal.NewFromFloat(v.GetFloat64("max_position_pct") / 100),
		ConsecutiveLossLimit:     v.GetInt("consecutive_loss_limit"),
		RateLimitRetries:         v.GetInt("rate_limit_retries"),
		RateLimitBackoffBase:     v.GetFloat64("rate_limit_backoff_base"),
		QuoteStalenessThresholdS: v.GetInt("quote_staleness_threshold_s"),
		OrderManagement: OrderManagementConfig{
			OffsetMode:        offsetMode,
			BuyOffset:         decimal.NewFromFloat(v.GetFloat64("order_management.buy_offset")),
			SellOffset:        decimal.NewFromFloat(v.GetFloat64("order_management.sell_offset")),
			MaxSlippagePct:    decimal.NewFromFloat(v.GetFloat64("order_management.max_slippage_pct") / 100),
			PollIntervalS:     v.GetInt("order_management.poll_interval_s"),
			StrategyOverrides: overrides,
		},
		HealthCheckIntervalS: v.GetInt("health_check_interval_s"),
		AccountCache: AccountCacheConfig{
			VolatileTTLS: v.GetInt("account_cache.volatile_ttl_s"),
			StableTTLS:   v.GetInt("account_cache.stable_ttl_s"),
		},
		RiskManagement: safety.RiskSizingConfig{
			AccountRiskPct:     decimal.NewFromFloat(v.GetFloat64("risk_management.account_risk_pct") / 100),
			MinRiskRewardRatio: decimal.NewFromFloat(v.GetFloat64("risk_management.min_risk_reward_ratio")),
			DefaultStopPct:     decimal.NewFromFloat(stopPct),
			TrailingEnabled:    v.GetBool("risk_management.trailing_enabled"),
		},
		BaseDir: v.GetString("base_dir"),
	}

	if cfg.OrderManagement.PollIntervalS <= 0 {
		cfg.OrderManagement.PollIntervalS = int(orders.DefaultPollInterval.Seconds())
	}

	return cfg, nil
}

func decimalFrom(v any) decimal.Decimal {
	switch value := v.(type) {
	case float64:
		return decimal.NewFromFloat(value)
	case int:
		return decimal.NewFromInt(int64(value))
	case string:
		d, err := decimal.NewFromString(value)
		if err == nil {
			return d
		}
	}
	return decimal.Zero
}
