// Package marketdata implements spec.md §4.4 (C4): quote, historical bar, and
// market-hours access, data-integrity validation, and the DST-aware
// peak-volatility trading window.
//
// Grounded on the teacher's internal/data/market_data.go, adapted from a
// websocket-push model to the request/response broker-adapter model spec.md
// §9's "observed ambiguities" calls for (live adapter independent of the
// backtest data adapter).
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marcusgoll/sentinel-equity/pkg/types"
	"github.com/shopspring/decimal"
)

// QuoteSource is the narrow broker surface MarketData reads quotes and
// market hours from. Implemented by internal/broker.Adapter.
type QuoteSource interface {
	GetLatestPrice(symbol string) (types.Quote, error)
	GetMarketHours() (isOpen bool, nextOpen, nextClose time.Time, err error)
}

// ErrStaleQuote is returned when a quote older than the staleness threshold
// would otherwise be served.
var ErrStaleQuote = errors.New("quote is stale")

// QuoteStalenessThreshold is spec.md §3's freshness bound.
const QuoteStalenessThreshold = 5 * time.Minute

// DefaultTradingWindowStartHour / DefaultTradingWindowEndHour are spec.md
// §4.4's default bounds,
// [07:00, 10:00) America/New_York, exclusive upper bound per §9's
// "observed ambiguities" resolution.
const (
	DefaultTradingWindowStartHour = 7
	DefaultTradingWindowEndHour   = 10
	DefaultTradingTimezone        = "America/New_York"
)

// MarketData is C4.
type MarketData struct {
	source     QuoteSource
	history    *HistoricalStore
	tz         *time.Location
	startHr    int
	endHr      int
	staleAfter time.Duration
}

// New constructs a MarketData instance. timezone must be a valid IANA zone
// name (e.g. "America/New_York"); startHour/endHour bound the trading
// window in that zone. history may be nil if historical-bar access is not
// needed (live trading never reads it; only the backtest engine does).
// Quote staleness defaults to QuoteStalenessThreshold; use NewWithStaleness
// to override it from quote_staleness_threshold_s.
func New(source QuoteSource, history *HistoricalStore, timezone string, startHour, endHour int) (*MarketData, error) {
	return NewWithStaleness(source, history, timezone, startHour, endHour, QuoteStalenessThreshold)
}

func NewWithStaleness(source QuoteSource, history *HistoricalStore, timezone string, startHour, endHour int, staleAfter time.Duration) (*MarketData, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", timezone, err)
	}
	return &MarketData{source: source, history: history, tz: loc, startHr: startHour, endHr: endHour, staleAfter: staleAfter}, nil
}

// GetHistorical returns a validated, chronologically sorted bar series for
// symbol over [start, end]. skipGaps tolerates calendar gaps with a warning
// instead of raising DataQualityError, per spec.md §4.9's backtest config.
func (m *MarketData) GetHistorical(ctx context.Context, symbol, interval string, start, end time.Time, skipGaps bool) ([]types.HistoricalBar, []string, error) {
	if m.history == nil {
		return nil, nil, fmt.Errorf("marketdata: no historical store configured")
	}
	return m.history.Load(ctx, symbol, interval, start, end, skipGaps)
}

// GetQuote fetches and validates a single quote.
func (m *MarketData) GetQuote(symbol string) (types.Quote, error) {
	q, err := m.source.GetLatestPrice(symbol)
	if err != nil {
		return types.Quote{}, err
	}
	if err := m.validateQuote(q); err != nil {
		return types.Quote{}, err
	}
	return q, nil
}

// GetQuotes fetches and validates quotes for multiple symbols. A single bad
// quote fails the whole batch, matching spec.md §4.4's "validation failures
// never return partial data."
func (m *MarketData) GetQuotes(symbols []string) (map[string]types.Quote, error) {
	out := make(map[string]types.Quote, len(symbols))
	for _, sym := range symbols {
		q, err := m.GetQuote(sym)
		if err != nil {
			return nil, fmt.Errorf("symbol %s: %w", sym, err)
		}
		out[sym] = q
	}
	return out, nil
}

func (m *MarketData) validateQuote(q types.Quote) error {
	if !q.Price.GreaterThan(decimal.Zero) {
		return fmt.Errorf("%w: price must be positive, got %s", ErrInvalidQuote, q.Price)
	}
	staleAfter := m.staleAfter
	if staleAfter <= 0 {
		staleAfter = QuoteStalenessThreshold
	}
	if time.Since(q.TimestampUTC) > staleAfter {
		return fmt.Errorf("%w: quote for %s is %s old", ErrStaleQuote, q.Symbol, time.Since(q.TimestampUTC))
	}
	return nil
}

// ErrInvalidQuote flags a quote that fails the price>0 invariant.
var ErrInvalidQuote = errors.New("invalid quote")

// MarketStatus reports whether the market is currently open.
type MarketStatus struct {
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

// MarketStatusNow returns the broker's live market-hours status.
func (m *MarketData) MarketStatusNow() (MarketStatus, error) {
	isOpen, nextOpen, nextClose, err := m.source.GetMarketHours()
	if err != nil {
		return MarketStatus{}, err
	}
	return MarketStatus{IsOpen: isOpen, NextOpen: nextOpen, NextClose: nextClose}, nil
}

// WithinTradingWindow reports whether now falls in [startHour, endHour) in
// the configured timezone, DST-aware via time.Location conversion.
//
// This is the live-trading peak-volatility window spec.md §4.4/§9 names;
// backtests do not consult it (they run over historical bars, not wall-clock
// time).
func (m *MarketData) WithinTradingWindow(now time.Time) bool {
	local := now.In(m.tz)
	h := local.Hour()
	return h >= m.startHr && h < m.endHr
}

// ErrTradingHours is raised by safety checks when a trade is attempted
// outside the trading window.
var ErrTradingHours = errors.New("outside trading window")
