// Package types provides shared entity definitions for the trading backend.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the broker order type requested. v1 submits limit orders
// only; stop and market are accepted on OrderRequest so callers can express
// the request, then rejected by internal/orders.Manager.Submit per spec.md
// §4.6, rather than being impossible to construct in the first place.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
	OrderTypeMarket OrderType = "market"
)

// MarketState is the market session a quote was taken in.
type MarketState string

const (
	MarketStateRegular MarketState = "regular"
	MarketStatePre     MarketState = "pre"
	MarketStatePost    MarketState = "post"
	MarketStateClosed  MarketState = "closed"
)

// OrderStatus is the broker-facing lifecycle state of a submitted order.
type OrderStatus string

const (
	OrderStatusSubmitted      OrderStatus = "submitted"
	OrderStatusFilled         OrderStatus = "filled"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusRejected       OrderStatus = "rejected"
)

// Quote is an immutable point-in-time price observation.
//
// Invariant: Price > 0. When freshly fetched, Now - Timestamp <= 5 minutes;
// callers enforce this, Quote itself carries no clock.
type Quote struct {
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	TimestampUTC time.Time      `json:"timestampUtc"`
	MarketState MarketState     `json:"marketState"`
}

// HistoricalBar is a single OHLCV bar.
//
// Invariants: Open,High,Low,Close > 0; Low <= Open,Close <= High; Volume >= 0.
type HistoricalBar struct {
	Symbol       string          `json:"symbol"`
	TimestampUTC time.Time       `json:"timestampUtc"`
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	Close        decimal.Decimal `json:"close"`
	Volume       decimal.Decimal `json:"volume"`
}

// Position is derived each time the account cache refreshes; never mutated
// in place.
type Position struct {
	Symbol         string          `json:"symbol"`
	Quantity       decimal.Decimal `json:"quantity"`
	AvgEntryPrice  decimal.Decimal `json:"avgEntryPrice"`
	CurrentPrice   decimal.Decimal `json:"currentPrice"`
	UnrealizedPL   decimal.Decimal `json:"unrealizedPl"`
	UnrealizedPLPct decimal.Decimal `json:"unrealizedPlPct"`
}

// AccountBalance summarizes account-level buying power and equity.
//
// Invariants: BuyingPower >= 0; DayTradesUsed in [0,5].
type AccountBalance struct {
	BuyingPower   decimal.Decimal `json:"buyingPower"`
	Cash          decimal.Decimal `json:"cash"`
	TotalEquity   decimal.Decimal `json:"totalEquity"`
	DayTradesUsed int             `json:"dayTradesUsed"`
}

// OffsetMode selects how OrderManager computes a limit price from a
// reference price.
type OffsetMode string

const (
	OffsetModeBps      OffsetMode = "bps"
	OffsetModeAbsolute OffsetMode = "absolute"
)

// OffsetConfig configures limit-price computation for one side or strategy.
type OffsetConfig struct {
	Mode      OffsetMode      `json:"mode"`
	BuyOffset decimal.Decimal `json:"buyOffset"`
	SellOffset decimal.Decimal `json:"sellOffset"`
}

// OrderRequest is the caller's intent, validated on construction.
//
// Invariants: Symbol is alphanumeric, uppercase, <=5 chars; Quantity in
// [1,10000].
type OrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	// Type defaults to the zero value "" when unset; Manager.Submit treats
	// both "" and OrderTypeLimit as a limit order.
	Type          OrderType       `json:"orderType,omitempty"`
	Quantity      int             `json:"quantity"`
	ReferencePrice decimal.Decimal `json:"referencePrice"`
	Offset        OffsetConfig    `json:"offsetConfig"`
	StrategyID    string          `json:"strategyId,omitempty"`
}

// OrderEnvelope is the broker-tracked record of a submitted order.
type OrderEnvelope struct {
	OrderID      string          `json:"orderId"`
	Request      OrderRequest    `json:"request"`
	LimitPrice   decimal.Decimal `json:"limitPrice"`
	Status       OrderStatus     `json:"status"`
	SubmittedAt  time.Time       `json:"submittedAt"`
	LastStatusAt time.Time       `json:"lastStatusAt"`
}

// CircuitBreakerState is persisted to disk. When Active, SafetyChecks rejects
// all trades until an explicit reset.
type CircuitBreakerState struct {
	Active     bool       `json:"active"`
	TriggeredAt *time.Time `json:"triggeredAt,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	ResetAt    *time.Time `json:"resetAt,omitempty"`
}

// PendingOrder is one entry of the PendingOrderRegistry: at most one per
// (symbol, side).
type PendingOrder struct {
	OrderID     string    `json:"orderId"`
	Side        OrderSide `json:"side"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// HealthCheckRecord is one probe outcome kept in HealthStatus.Checks.
type HealthCheckRecord struct {
	At      time.Time `json:"at"`
	Passed  bool      `json:"passed"`
	LatencyMS int64   `json:"latencyMs"`
}

// HealthStatus summarizes SessionHealth state.
type HealthStatus struct {
	IsHealthy          bool                `json:"isHealthy"`
	SessionStart       time.Time           `json:"sessionStart"`
	UptimeS            float64             `json:"uptimeS"`
	LastCheck          time.Time           `json:"lastCheck"`
	Checks             []HealthCheckRecord `json:"checks"`
	ReauthCount        int                 `json:"reauthCount"`
	ConsecutiveFailures int                `json:"consecutiveFailures"`
}

// CommissionModel describes how per-fill commission is computed.
type CommissionModel struct {
	PerTrade decimal.Decimal `json:"perTrade"`
	PerShare decimal.Decimal `json:"perShare"`
}

// BacktestConfig parameterizes a single deterministic backtest run.
//
// Invariant: InitialCapital > 0.
type BacktestConfig struct {
	Symbols        []string        `json:"symbols"`
	StartDate      time.Time       `json:"startDate"`
	EndDate        time.Time       `json:"endDate"`
	InitialCapital decimal.Decimal `json:"initialCapital"`
	Commission     CommissionModel `json:"commissionModel"`
	BarInterval    string          `json:"barInterval"`
	SkipGaps       bool            `json:"skipGaps"`
	Seed           int64           `json:"seed"`
}

// Trade is an immutable closed round-trip once ExitTime is set.
type Trade struct {
	Symbol     string          `json:"symbol"`
	EntryTime  time.Time       `json:"entryTime"`
	ExitTime   time.Time       `json:"exitTime"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	ExitPrice  decimal.Decimal `json:"exitPrice"`
	Quantity   decimal.Decimal `json:"quantity"`
	Side       OrderSide       `json:"side"`
	StrategyID string          `json:"strategyId,omitempty"`
	PnL        decimal.Decimal `json:"pnl"`
	PnLPct     decimal.Decimal `json:"pnlPct"`
}

// PerformanceMetrics is computed offline from a trade list and equity curve.
type PerformanceMetrics struct {
	TotalReturn      decimal.Decimal `json:"totalReturn"`
	AnnualizedReturn decimal.Decimal `json:"annualizedReturn"`
	CAGR             decimal.Decimal `json:"cagr"`
	Sharpe           decimal.Decimal `json:"sharpe"`
	MaxDrawdown      decimal.Decimal `json:"maxDrawdown"`
	DrawdownDuration time.Duration   `json:"drawdownDuration"`
	WinRate          decimal.Decimal `json:"winRate"`
	ProfitFactor     decimal.Decimal `json:"profitFactor"`
	AvgWin           decimal.Decimal `json:"avgWin"`
	AvgLoss          decimal.Decimal `json:"avgLoss"`
	NumTrades        int             `json:"numTrades"`

	// Extra risk metrics beyond the spec minimum, ported from the teacher's
	// risk-metrics calculator.
	Sortino decimal.Decimal `json:"sortino"`
	VaR95   decimal.Decimal `json:"var95"`
	VaR99   decimal.Decimal `json:"var99"`
	CVaR95  decimal.Decimal `json:"cvar95"`
}

// EquityCurvePoint is one time-indexed portfolio value sample.
type EquityCurvePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
}

// BacktestResult is the full output of one BacktestEngine run.
type BacktestResult struct {
	Config      BacktestConfig     `json:"config"`
	Trades      []Trade            `json:"trades"`
	EquityCurve []EquityCurvePoint `json:"equityCurve"`
	Metrics     PerformanceMetrics `json:"metrics"`
	Warnings    []string           `json:"warnings"`
}

// StrategyAllocation tracks one strategy's capital budget within the
// orchestrator.
//
// Invariant: Weight in (0,1]; sum of weights across all allocations <= 1.0.
type StrategyAllocation struct {
	StrategyID string          `json:"strategyId"`
	Weight     decimal.Decimal `json:"weight"`
	Allocated  decimal.Decimal `json:"allocated"`
	Used       decimal.Decimal `json:"used"`
	Available  decimal.Decimal `json:"available"`
}

// OrchestratorResult aggregates per-strategy and portfolio-level results.
type OrchestratorResult struct {
	PerStrategy      map[string]*BacktestResult `json:"perStrategy"`
	Allocations      []StrategyAllocation       `json:"allocations"`
	PortfolioMetrics PerformanceMetrics         `json:"portfolioMetrics"`
	PortfolioEquity  []EquityCurvePoint         `json:"portfolioEquityCurve"`
}
