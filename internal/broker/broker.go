// Package broker implements spec.md §6's injected broker adapter: the one
// narrow interface every other component reads and writes through
// (internal/marketdata.QuoteSource, internal/cache.BrokerFetcher,
// internal/orders.Gateway, and internal/marketdata.HistoricalSource), plus
// a live HTTP-backed implementation and a paper-trading simulator.
//
// Grounded on the teacher's internal/execution/executor.go ExchangeAdapter
// interface shape (Connect/Disconnect/order verbs/account reads), narrowed
// to spec.md §6's eleven operations plus the buying-power, balance and
// day-trade reads internal/cache uses, and on
// aristath-sentinel/trader-go's evaluation client for the
// marshal-request/do/classify-status HTTP idiom.
package broker

import (
	"context"
	"time"

	"github.com/marcusgoll/sentinel-equity/pkg/types"
	"github.com/shopspring/decimal"
)

// Adapter is spec.md §6's broker adapter: `{get_latest_price, get_quotes,
// get_historical, get_market_hours, submit_limit_buy, submit_limit_sell,
// cancel_order, cancel_all_orders, fetch_order, load_account_profile,
// get_positions}`. One Adapter instance wires into MarketData, Cache, and
// OrderManager; its methods are a superset so it structurally satisfies all
// three of their narrow consumer interfaces plus HistoricalSource.
type Adapter interface {
	GetLatestPrice(symbol string) (types.Quote, error)
	GetQuotes(symbols []string) (map[string]types.Quote, error)
	GetHistoricalBars(ctx context.Context, symbol string, start, end time.Time) ([]types.HistoricalBar, error)
	GetMarketHours() (isOpen bool, nextOpen, nextClose time.Time, err error)

	SubmitLimitBuy(ctx context.Context, symbol string, qty int, limitPrice decimal.Decimal) (string, error)
	SubmitLimitSell(ctx context.Context, symbol string, qty int, limitPrice decimal.Decimal) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context) error
	FetchOrder(ctx context.Context, orderID string) (types.OrderEnvelope, error)

	LoadAccountProfile(ctx context.Context) (types.AccountBalance, error)
	GetPositions() ([]types.Position, error)
	GetBuyingPower() (decimal.Decimal, error)
	GetBalance() (types.AccountBalance, error)
	GetDayTradesUsed() (int, error)
}
